package device

import (
	"context"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/xdhiru/ark-curser/internal/errors"
	"github.com/xdhiru/ark-curser/internal/vision"
	"github.com/xdhiru/ark-curser/internal/waitmodel"
)

// Clicker is the shared wait-act-verify engine. Every interactive step
// follows the same shape: wait a learned duration for the screen to be
// ready, look for the target, act, and feed the outcome back into the
// wait model. Callers must already hold the device gate.
type Clicker struct {
	logger  *zap.Logger
	bridge  Bridge
	screens *ScreenCache
	matcher vision.Matcher
	waits   *waitmodel.Model
}

// NewClicker wires the engine over the shared screen cache
func NewClicker(logger *zap.Logger, bridge Bridge, screens *ScreenCache, matcher vision.Matcher, waits *waitmodel.Model) *Clicker {
	return &Clicker{
		logger:  logger.Named("clicker"),
		bridge:  bridge,
		screens: screens,
		matcher: matcher,
		waits:   waits,
	}
}

// ClickTemplate waits for the template to appear and taps its center.
// Misses retry up to maxRetries with model-suggested waits, then
// return a vision-miss error.
func (c *Clicker) ClickTemplate(ctx context.Context, name string, kind waitmodel.Kind, maxRetries int) (vision.Match, error) {
	match, err := c.WaitTemplate(ctx, name, kind, maxRetries)
	if err != nil {
		return vision.Match{}, err
	}
	if err := c.Tap(ctx, match.X, match.Y); err != nil {
		return vision.Match{}, err
	}
	return match, nil
}

// WaitTemplate waits for the template to appear without tapping it
func (c *Clicker) WaitTemplate(ctx context.Context, name string, kind waitmodel.Kind, maxRetries int) (vision.Match, error) {
	for attempt := 0; ; attempt++ {
		wait := c.waits.WaitFor(kind)
		start := time.Now()
		if !sleep(ctx, wait) {
			return vision.Match{}, ctx.Err()
		}

		frame, err := c.screens.Fresh(ctx)
		if err != nil {
			return vision.Match{}, err
		}

		matches := c.matcher.Find(frame, name)
		used := time.Since(start)

		if len(matches) > 0 {
			c.waits.Observe(kind, waitmodel.Observation{
				Latency: used,
				Success: true,
				Retries: attempt,
			})
			return matches[0], nil
		}

		suggestion := c.waits.Observe(kind, waitmodel.Observation{
			Latency: used,
			Success: false,
			Retries: attempt,
		})
		if !suggestion.Retry || attempt >= maxRetries {
			c.logger.Debug("Template not found after retries",
				zap.String("template", name),
				zap.Int("attempts", attempt+1))
			return vision.Match{}, apperrors.VisionMiss(name).With("attempts", attempt+1)
		}

		// sleep out the remainder of the expanded suggestion before
		// the next capture
		if extra := suggestion.NextWait - used; extra > 0 {
			if !sleep(ctx, extra) {
				return vision.Match{}, ctx.Err()
			}
		}
	}
}

// Probe reports whether the template is currently visible, without
// retries or taps.
func (c *Clicker) Probe(ctx context.Context, name string, kind waitmodel.Kind) (vision.Match, bool, error) {
	if !sleep(ctx, c.waits.WaitFor(kind)) {
		return vision.Match{}, false, ctx.Err()
	}
	frame, err := c.screens.Fresh(ctx)
	if err != nil {
		return vision.Match{}, false, err
	}
	matches := c.matcher.Find(frame, name)
	if len(matches) == 0 {
		return vision.Match{}, false, nil
	}
	return matches[0], true, nil
}

// Tap taps a point and invalidates the screen cache
func (c *Clicker) Tap(ctx context.Context, x, y int) error {
	if err := c.bridge.Tap(ctx, x, y); err != nil {
		return err
	}
	c.screens.Invalidate()
	return nil
}

// Back presses the back key and invalidates the screen cache
func (c *Clicker) Back(ctx context.Context) error {
	if err := c.bridge.PressBack(ctx); err != nil {
		return err
	}
	c.screens.Invalidate()
	return nil
}

// Swipe swipes and invalidates the screen cache
func (c *Clicker) Swipe(ctx context.Context, x1, y1, x2, y2 int, d time.Duration) error {
	if err := c.bridge.Swipe(ctx, x1, y1, x2, y2, d); err != nil {
		return err
	}
	c.screens.Invalidate()
	return nil
}

// Screens exposes the shared per-tick screenshot cache
func (c *Clicker) Screens() *ScreenCache {
	return c.screens
}

// sleep waits for d unless the context ends first
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
