package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xdhiru/ark-curser/internal/config"
	"github.com/xdhiru/ark-curser/internal/waitmodel"
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Print the learned wait estimates",
	Long:  "Reads the persisted wait store and prints per-kind estimates,\nsample counts, and convergence status.",
	RunE:  runReport,
}

func init() {
	rootCmd.AddCommand(reportCmd)
}

func runReport(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	store, err := waitmodel.OpenStore(zap.NewNop(), cfg.Waits.StorePath)
	if err != nil {
		return fmt.Errorf("failed to open wait store: %w", err)
	}
	defer store.Close()

	model := waitmodel.New(zap.NewNop(), cfg.Waits, store)
	fmt.Print(waitmodel.RenderReport(model.Snapshot()))
	return nil
}
