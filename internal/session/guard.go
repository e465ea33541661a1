package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xdhiru/ark-curser/internal/config"
	apperrors "github.com/xdhiru/ark-curser/internal/errors"
	"github.com/xdhiru/ark-curser/internal/navigation"
	"github.com/xdhiru/ark-curser/internal/vision"
	"github.com/xdhiru/ark-curser/internal/waitmodel"
)

// State is the process-wide session state. Only the guard writes it.
type State string

const (
	StateValid      State = "valid"
	StateExpired    State = "expired"
	StateRecovering State = "recovering"
)

// Prober is the slice of the click engine the guard needs
type Prober interface {
	Probe(ctx context.Context, name string, kind waitmodel.Kind) (vision.Match, bool, error)
	ClickTemplate(ctx context.Context, name string, kind waitmodel.Kind, maxRetries int) (vision.Match, error)
	WaitTemplate(ctx context.Context, name string, kind waitmodel.Kind, maxRetries int) (vision.Match, error)
}

// Navigator is the slice of navigation the recovery flow needs
type Navigator interface {
	GoTo(ctx context.Context, screen navigation.Screen) error
}

// Guard detects silent session expiry and runs the re-login flow.
// State machines call EnsureValid before every irreversible swap
// action; an expired session pauses the caller until recovery is done
// instead of letting it corrupt on-screen state.
type Guard struct {
	logger  *zap.Logger
	cfg     config.SessionConfig
	clicker Prober
	nav     Navigator

	mu    sync.Mutex
	state State

	// onRecovery, when set, observes every recovery attempt outcome
	onRecovery func(success bool)
}

// NewGuard creates the guard in the valid state
func NewGuard(logger *zap.Logger, cfg config.SessionConfig, clicker Prober, nav Navigator) *Guard {
	return &Guard{
		logger:  logger.Named("session"),
		cfg:     cfg,
		clicker: clicker,
		nav:     nav,
		state:   StateValid,
	}
}

// SetRecoveryHook registers a metrics callback for recovery attempts
func (g *Guard) SetRecoveryHook(fn func(success bool)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onRecovery = fn
}

// State returns a snapshot of the session state
func (g *Guard) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Check inspects the cheap expiry signal: the game drops to the login
// screen when the session dies, so a visible login signature with the
// logged-in signature gone means expired. Requiring both signals keeps
// a stray login-like match from triggering a spurious re-login.
// Callers must hold the device gate.
func (g *Guard) Check(ctx context.Context) (State, error) {
	_, loginVisible, err := g.clicker.Probe(ctx, g.cfg.LoginTemplate, waitmodel.KindSessionProbe)
	if err != nil {
		return g.State(), err
	}
	expired := false
	if loginVisible {
		_, homeVisible, err := g.clicker.Probe(ctx, g.cfg.CheckTemplate, waitmodel.KindSessionProbe)
		if err != nil {
			return g.State(), err
		}
		expired = !homeVisible
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == StateRecovering {
		return g.state, nil
	}
	if expired {
		g.state = StateExpired
	} else {
		g.state = StateValid
	}
	return g.state, nil
}

// EnsureValid verifies the session and, when expired, runs recovery
// before returning. Exactly one caller drives the recovery; the mutex
// holds the rest until it finishes. Exhausted attempts return a fatal
// error for the run loop. The probe and the re-login taps touch the
// screen, so callers must hold the device gate.
func (g *Guard) EnsureValid(ctx context.Context) error {
	state, err := g.Check(ctx)
	if err != nil {
		return err
	}
	if state == StateValid {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	// a concurrent caller may have finished recovery while we waited
	if g.state == StateValid {
		return nil
	}

	g.logger.Warn("Session expired, starting recovery")
	g.state = StateRecovering

	backoff := g.cfg.BackoffBase
	for attempt := 1; attempt <= g.cfg.MaxAttempts; attempt++ {
		err := g.recoverOnce(ctx)
		if g.onRecovery != nil {
			g.onRecovery(err == nil)
		}
		if err == nil {
			g.state = StateValid
			g.logger.Info("Session recovered", zap.Int("attempt", attempt))
			return nil
		}
		if ctx.Err() != nil {
			g.state = StateExpired
			return ctx.Err()
		}

		g.logger.Warn("Session recovery attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", g.cfg.MaxAttempts),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		if attempt < g.cfg.MaxAttempts {
			if !sleepCtx(ctx, backoff) {
				g.state = StateExpired
				return ctx.Err()
			}
			backoff = time.Duration(float64(backoff) * g.cfg.BackoffFactor)
		}
	}

	g.state = StateExpired
	return apperrors.New(apperrors.TypeSessionExpired, apperrors.SeverityCritical,
		"session recovery attempts exhausted").
		With("attempts", g.cfg.MaxAttempts).
		WithStack()
}

// recoverOnce runs one re-login pass: tap through the login screen,
// wait for the home signature, then settle on the home screen.
func (g *Guard) recoverOnce(ctx context.Context) error {
	if _, err := g.clicker.ClickTemplate(ctx, g.cfg.LoginTemplate, waitmodel.KindScreenTransition, 2); err != nil {
		return err
	}
	// the login transition is the slowest screen in the game, give it
	// generous retries
	if _, err := g.clicker.WaitTemplate(ctx, g.cfg.CheckTemplate, waitmodel.KindScreenTransition, 8); err != nil {
		return err
	}
	return g.nav.GoTo(ctx, navigation.ScreenHome)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
