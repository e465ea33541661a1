package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xdhiru/ark-curser/internal/app"
	"github.com/xdhiru/ark-curser/internal/config"
	"github.com/xdhiru/ark-curser/internal/logging"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the automation loop",
	RunE:  runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("Starting arkcurser",
		zap.String("version", Version),
		zap.String("config", configPath))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	application, err := app.New(ctx, logger, cfg)
	if err != nil {
		logger.Error("Startup failed", zap.Error(err))
		return err
	}

	// Ctrl-C or SIGTERM stops the loop; the second signal kills
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("Signal received, shutting down", zap.String("signal", sig.String()))
		cancel()
		<-sigCh
		logger.Warn("Second signal, exiting immediately")
		os.Exit(1)
	}()

	if err := application.Run(ctx); err != nil {
		logger.Error("Run ended with error", zap.Error(err))
		return err
	}
	return nil
}
