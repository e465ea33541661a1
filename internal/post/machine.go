package post

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/xdhiru/ark-curser/internal/config"
	"github.com/xdhiru/ark-curser/internal/conflict"
	"github.com/xdhiru/ark-curser/internal/device"
	apperrors "github.com/xdhiru/ark-curser/internal/errors"
	"github.com/xdhiru/ark-curser/internal/waitmodel"
)

// idlePollInterval bounds how often an idle post is opened to look for
// a new order
const idlePollInterval = 60 * time.Second

// SessionGuard is the slice of the session guard the machine needs
type SessionGuard interface {
	EnsureValid(ctx context.Context) error
}

// Machine drives the curse/swap lifecycle for a single trading post.
// Decision progress is independent per post; all physical actions run
// under the shared device gate.
type Machine struct {
	logger *zap.Logger
	id     int
	cfg    config.CurseConfig

	ui       UI
	guard    SessionGuard
	resolver *conflict.Resolver
	waits    *waitmodel.Model
	gate     *device.Gate

	mu           sync.Mutex
	state        State
	deadline     time.Time
	savedWorkers []string
	lastPoll     time.Time

	generation atomic.Uint64
	busy       atomic.Bool

	now func() time.Time

	// onTransition, when set, receives every state change
	onTransition func(Snapshot)
	// onError, when set, receives every classified advancement failure
	onError func(err error)
}

// NewMachine creates a machine in the idle state
func NewMachine(logger *zap.Logger, id int, cfg config.CurseConfig, ui UI,
	guard SessionGuard, resolver *conflict.Resolver,
	waits *waitmodel.Model, gate *device.Gate) *Machine {
	return &Machine{
		logger:   logger.Named("post").With(zap.Int("post_id", id)),
		id:       id,
		cfg:      cfg,
		ui:       ui,
		guard:    guard,
		resolver: resolver,
		waits:    waits,
		gate:     gate,
		state:    StateIdle,
		now:      time.Now,
	}
}

// SetTransitionHook registers a callback for state changes
func (m *Machine) SetTransitionHook(fn func(Snapshot)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTransition = fn
}

// SetErrorHook registers a callback for advancement failures
func (m *Machine) SetErrorHook(fn func(err error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onError = fn
}

// ID returns the post's identity
func (m *Machine) ID() int { return m.id }

// Generation returns the current generation counter
func (m *Machine) Generation() uint64 { return m.generation.Load() }

// Snapshot returns the read-only view of the post
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Machine) snapshotLocked() Snapshot {
	workers := make([]string, len(m.savedWorkers))
	copy(workers, m.savedWorkers)
	return Snapshot{
		ID:           m.id,
		State:        m.state,
		Deadline:     m.deadline,
		Generation:   m.generation.Load(),
		SavedWorkers: workers,
	}
}

// Due reports whether the machine wants an advancement at now
func (m *Machine) Due(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateIdle:
		return now.Sub(m.lastPoll) >= idlePollInterval
	case StateAwaitingOrder:
		// head start: lead time plus the execution buffer
		return !now.Before(m.deadline.Add(-m.cfg.LeadTime - m.cfg.ExecutionBuffer))
	case StateCurseActive:
		return !now.Before(m.deadline.Add(m.cfg.SettleOffset))
	case StateErrorRecovery:
		return true
	default:
		// SwappingIn/SwappingOut are transient inside an advancement
		return false
	}
}

// TryBegin marks the machine busy so tick advances never overlap
func (m *Machine) TryBegin() bool {
	return m.busy.CompareAndSwap(false, true)
}

// End clears the busy mark
func (m *Machine) End() {
	m.busy.Store(false)
}

// Advance performs one lifecycle step. The generation argument is the
// value the scheduler sampled when it decided to advance; a mismatch
// means the decision is stale and the call is a silent no-op.
func (m *Machine) Advance(ctx context.Context, action conflict.Action, generation uint64) error {
	if have := m.generation.Load(); have != generation {
		staleErr := apperrors.StaleGeneration(m.id, generation, have)
		m.logger.Debug("Dropping stale advancement", zap.String("reason", apperrors.Summary(staleErr)))
		return nil
	}

	m.mu.Lock()
	state := m.state
	m.mu.Unlock()

	var err error
	switch state {
	case StateIdle:
		err = m.pollOrder(ctx)
	case StateAwaitingOrder:
		err = m.executeSwapIn(ctx, action, generation)
	case StateCurseActive:
		err = m.executeSwapOut(ctx, generation)
	case StateErrorRecovery:
		err = m.recover(ctx)
	default:
		return nil
	}

	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	m.mu.Lock()
	errHook := m.onError
	m.mu.Unlock()
	if errHook != nil {
		errHook(err)
	}
	if apperrors.IsType(err, apperrors.TypeDevice) || apperrors.IsFatal(err) {
		// device loss and exhausted session recovery stop the run
		var appErr *apperrors.Error
		if apperrors.As(err, &appErr) && appErr.StackTrace == "" {
			return appErr.WithStack()
		}
		return err
	}
	if apperrors.Is(err, device.ErrGateTimeout) {
		// gate contention is not a post failure; try again next tick
		m.logger.Debug("Device gate busy, deferring advancement")
		return nil
	}

	// transient failure exhausted its retries: reset through recovery
	m.logger.Warn("Advancement failed, entering error recovery",
		zap.String("state", string(state)),
		zap.String("error", apperrors.Summary(err)))
	m.enterErrorRecovery()
	return nil
}

// pollOrder looks for a fresh order on an idle post
func (m *Machine) pollOrder(ctx context.Context) error {
	m.mu.Lock()
	m.lastPoll = m.now()
	m.mu.Unlock()

	release, err := m.gate.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	if err := m.ui.OpenPost(ctx, m.id); err != nil {
		return err
	}
	defer m.leaveQuietly(ctx)

	remaining, ok, err := m.ui.ReadOrderTimer(ctx)
	if err != nil {
		return err
	}
	if !ok {
		m.logger.Debug("No readable order timer, staying idle")
		return nil
	}

	deadline := m.now().Add(remaining)
	m.resolver.Register(m.id, deadline)

	m.mu.Lock()
	m.deadline = deadline
	m.mu.Unlock()
	m.transition(StateAwaitingOrder)

	m.logger.Info("Order deadline read",
		zap.Duration("remaining", remaining),
		zap.Time("deadline", deadline))
	return nil
}

// executeSwapIn installs the curse workers, or spends drones when the
// resolver downgraded this post.
func (m *Machine) executeSwapIn(ctx context.Context, action conflict.Action, generation uint64) error {
	release, err := m.gate.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	// the gate wait may have outlived this decision
	if have := m.generation.Load(); have != generation {
		m.logger.Debug("Decision went stale while waiting for the gate")
		return nil
	}

	// the session probe and any re-login taps touch the screen, so
	// they run under the gate like every other device interaction
	if err := m.guard.EnsureValid(ctx); err != nil {
		return err
	}

	if action == conflict.ActionDrone {
		return m.executeDrone(ctx)
	}

	m.transition(StateSwappingIn)
	start := m.now()

	if err := m.ui.OpenPost(ctx, m.id); err != nil {
		return err
	}

	saved, err := m.ui.SaveCurrentWorkers(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.savedWorkers = saved
	curse := m.curseNames()
	m.mu.Unlock()

	if err := m.ui.InstallWorkers(ctx, curse); err != nil {
		return err
	}

	// the shift restarts the production clock; re-read it so the
	// swap-out schedule follows reality
	if remaining, ok, err := m.ui.ReadOrderTimer(ctx); err != nil {
		return err
	} else if ok {
		deadline := m.now().Add(remaining)
		m.resolver.Register(m.id, deadline)
		m.mu.Lock()
		m.deadline = deadline
		m.mu.Unlock()
	}

	if err := m.ui.LeavePost(ctx); err != nil {
		return err
	}

	m.transition(StateCurseActive)
	m.logger.Info("Curse installed",
		zap.Strings("saved_workers", saved),
		zap.Duration("took", m.now().Sub(start)))
	return nil
}

// executeDrone completes the order immediately without a swap
func (m *Machine) executeDrone(ctx context.Context) error {
	m.transition(StateSwappingIn)
	start := m.now()

	if err := m.ui.OpenPost(ctx, m.id); err != nil {
		return err
	}
	if err := m.ui.RunDrone(ctx); err != nil {
		return err
	}
	if ready, err := m.ui.OrderReady(ctx); err != nil {
		return err
	} else if ready {
		if err := m.ui.CollectOrder(ctx); err != nil {
			return err
		}
	}
	if err := m.ui.LeavePost(ctx); err != nil {
		return err
	}

	m.completeOrder()
	m.logger.Info("Drone completion done", zap.Duration("took", m.now().Sub(start)))
	return nil
}

// executeSwapOut restores the saved workers after the order landed
func (m *Machine) executeSwapOut(ctx context.Context, generation uint64) error {
	release, err := m.gate.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	if have := m.generation.Load(); have != generation {
		m.logger.Debug("Decision went stale while waiting for the gate")
		return nil
	}

	if err := m.guard.EnsureValid(ctx); err != nil {
		return err
	}

	m.transition(StateSwappingOut)
	start := m.now()

	if err := m.ui.OpenPost(ctx, m.id); err != nil {
		return err
	}

	ready, err := m.ui.OrderReady(ctx)
	if err != nil {
		return err
	}
	m.calibrateDeadline(ready)

	if ready {
		if err := m.ui.CollectOrder(ctx); err != nil {
			return err
		}
	}

	m.mu.Lock()
	saved := make([]string, len(m.savedWorkers))
	copy(saved, m.savedWorkers)
	m.mu.Unlock()

	if len(saved) > 0 {
		if err := m.ui.InstallWorkers(ctx, saved); err != nil {
			return err
		}
	}
	if err := m.ui.LeavePost(ctx); err != nil {
		return err
	}

	m.completeOrder()
	m.logger.Info("Workers restored", zap.Duration("took", m.now().Sub(start)))
	return nil
}

// calibrateDeadline feeds the predicted-vs-observed completion gap
// back into the wait model so the settle offset tracks the game's
// real behavior.
func (m *Machine) calibrateDeadline(ready bool) {
	m.mu.Lock()
	deadline := m.deadline
	m.mu.Unlock()
	if deadline.IsZero() {
		return
	}
	lateness := m.now().Sub(deadline)
	if lateness < 0 {
		lateness = 0
	}
	m.waits.Observe(waitmodel.KindCurseActivate, waitmodel.Observation{
		Latency: lateness,
		Success: ready,
		Retries: 0,
	})
}

// completeOrder closes out the current order: the deadline is gone,
// pending timers for it are invalid, and the post goes back to idle.
func (m *Machine) completeOrder() {
	m.resolver.Unregister(m.id)
	m.generation.Add(1)
	m.mu.Lock()
	m.deadline = time.Time{}
	m.savedWorkers = nil
	m.lastPoll = time.Time{} // poll again on the next tick
	m.mu.Unlock()
	m.transition(StateIdle)
}

// enterErrorRecovery invalidates in-flight work and marks the machine
// for re-observation. The generation bump comes first so any timer
// still in flight lands stale.
func (m *Machine) enterErrorRecovery() {
	m.generation.Add(1)
	m.resolver.Unregister(m.id)
	m.transition(StateErrorRecovery)
}

// recover re-reads the live screen and resets to whatever state is
// consistent with it. Vision failures never escalate: when nothing can
// be observed the post falls back to idle and the normal poll loop
// re-learns reality. Device loss is the exception and propagates so
// the run stops instead of spinning in recovery.
func (m *Machine) recover(ctx context.Context) error {
	release, err := m.gate.Acquire(ctx)
	if err != nil {
		// gate busy or context gone; stay in recovery for next tick
		return err
	}
	defer release()

	obs, err := m.ui.Observe(ctx, m.id)
	if err != nil {
		if apperrors.IsType(err, apperrors.TypeDevice) || ctx.Err() != nil {
			return err
		}
		m.logger.Warn("Recovery observation failed, resetting to idle",
			zap.String("error", apperrors.Summary(err)))
		obs = Observed{}
	}

	if obs.InsidePost {
		m.leaveQuietly(ctx)
	}

	m.mu.Lock()
	m.deadline = time.Time{}
	m.savedWorkers = nil
	m.lastPoll = time.Time{}
	m.mu.Unlock()

	switch {
	case obs.CurseInstalled:
		// a swap-in completed before the failure: finish the cycle by
		// scheduling the swap-out from the observed timer
		deadline := m.now()
		if obs.HasTimer {
			deadline = m.now().Add(obs.Remaining)
		}
		m.resolver.Register(m.id, deadline)
		m.mu.Lock()
		m.deadline = deadline
		m.mu.Unlock()
		m.transition(StateCurseActive)
	case obs.HasTimer:
		deadline := m.now().Add(obs.Remaining)
		m.resolver.Register(m.id, deadline)
		m.mu.Lock()
		m.deadline = deadline
		m.mu.Unlock()
		m.transition(StateAwaitingOrder)
	default:
		m.transition(StateIdle)
	}

	m.logger.Info("Recovered from observed screen state",
		zap.Bool("curse_installed", obs.CurseInstalled),
		zap.Bool("has_timer", obs.HasTimer),
		zap.String("state", string(m.Snapshot().State)))
	return nil
}

// leaveQuietly backs out of the post without escalating a failure
func (m *Machine) leaveQuietly(ctx context.Context) {
	if err := m.ui.LeavePost(ctx); err != nil {
		m.logger.Debug("Leaving post failed", zap.String("error", apperrors.Summary(err)))
	}
}

func (m *Machine) curseNames() []string {
	names := make([]string, len(m.cfg.Workers))
	copy(names, m.cfg.Workers)
	return names
}

// transition applies a state change and emits the structured event
func (m *Machine) transition(to State) {
	m.mu.Lock()
	from := m.state
	m.state = to
	snap := m.snapshotLocked()
	hook := m.onTransition
	m.mu.Unlock()

	if from == to {
		return
	}
	m.logger.Info("State transition",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.Time("deadline", snap.Deadline),
		zap.Uint64("generation", snap.Generation))
	if hook != nil {
		hook(snap)
	}
}
