package navigation

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xdhiru/ark-curser/internal/device"
	apperrors "github.com/xdhiru/ark-curser/internal/errors"
	"github.com/xdhiru/ark-curser/internal/waitmodel"
)

// Screen names a navigable location in the game UI
type Screen string

const (
	ScreenHome Screen = "home"
	ScreenBase Screen = "base"
)

// Signature templates for location probes
const (
	tplHome       = "settings-icon"
	tplBase       = "base-overview-icon"
	tplInsidePost = "check-if-inside-tp"
	tplBaseEntry  = "base-entry-button"
)

// maximum back presses while escaping nested screens
const maxBackPresses = 15

// Navigator moves between screens using location probes and bounded
// back presses. It never guesses: every move re-checks where it is.
type Navigator struct {
	logger  *zap.Logger
	clicker *device.Clicker
}

// New creates a navigator over the shared click engine
func New(logger *zap.Logger, clicker *device.Clicker) *Navigator {
	return &Navigator{logger: logger.Named("navigator"), clicker: clicker}
}

// IsHome reports whether the home screen is visible
func (n *Navigator) IsHome(ctx context.Context) (bool, error) {
	_, ok, err := n.clicker.Probe(ctx, tplHome, waitmodel.KindSessionProbe)
	return ok, err
}

// IsBase reports whether the base overview is visible
func (n *Navigator) IsBase(ctx context.Context) (bool, error) {
	_, ok, err := n.clicker.Probe(ctx, tplBase, waitmodel.KindScreenTransition)
	return ok, err
}

// IsInsidePost reports whether a trading post interior is visible
func (n *Navigator) IsInsidePost(ctx context.Context) (bool, error) {
	_, ok, err := n.clicker.Probe(ctx, tplInsidePost, waitmodel.KindPostEntryDialog)
	return ok, err
}

// GoTo navigates to the named screen
func (n *Navigator) GoTo(ctx context.Context, screen Screen) error {
	switch screen {
	case ScreenHome:
		return n.reachHome(ctx)
	case ScreenBase:
		return n.ReachBase(ctx)
	default:
		return fmt.Errorf("unknown screen %q", screen)
	}
}

// reachHome backs out of whatever is open until the home signature
// shows up.
func (n *Navigator) reachHome(ctx context.Context) error {
	for i := 0; i < maxBackPresses; i++ {
		home, err := n.IsHome(ctx)
		if err != nil {
			return err
		}
		if home {
			return nil
		}
		if err := n.clicker.Back(ctx); err != nil {
			return err
		}
	}
	return apperrors.VisionMiss(tplHome).With("presses", maxBackPresses)
}

// ReachBase gets to the base overview, entering it from home if needed
func (n *Navigator) ReachBase(ctx context.Context) error {
	base, err := n.IsBase(ctx)
	if err != nil {
		return err
	}
	if base {
		return nil
	}

	if err := n.reachHome(ctx); err != nil {
		return err
	}
	if _, err := n.clicker.ClickTemplate(ctx, tplBaseEntry, waitmodel.KindScreenTransition, 2); err != nil {
		return err
	}
	if _, err := n.clicker.WaitTemplate(ctx, tplBase, waitmodel.KindScreenTransition, 3); err != nil {
		return err
	}
	n.logger.Debug("Reached base overview")
	return nil
}

// ReachBaseLeftSide pans the base view to its left edge, where the
// trading posts sit.
func (n *Navigator) ReachBaseLeftSide(ctx context.Context) error {
	if err := n.ReachBase(ctx); err != nil {
		return err
	}
	// slow pans so the viewport does not overscroll past the posts
	for i := 0; i < 2; i++ {
		if err := device.SwipeRight(ctx, n.clicker, true); err != nil {
			return err
		}
	}
	return nil
}
