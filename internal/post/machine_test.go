package post

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xdhiru/ark-curser/internal/config"
	"github.com/xdhiru/ark-curser/internal/conflict"
	"github.com/xdhiru/ark-curser/internal/device"
	apperrors "github.com/xdhiru/ark-curser/internal/errors"
	"github.com/xdhiru/ark-curser/internal/navigation"
	"github.com/xdhiru/ark-curser/internal/session"
	"github.com/xdhiru/ark-curser/internal/vision"
	"github.com/xdhiru/ark-curser/internal/waitmodel"
)

// fakeUI scripts the screen layer for machine scenarios
type fakeUI struct {
	mu sync.Mutex

	timerRemaining time.Duration
	timerOK        bool
	orderReady     bool
	currentWorkers []string
	observed       Observed

	openErr    error
	installErr error
	observeErr error

	calls     []string
	installed [][]string
}

func (f *fakeUI) record(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
}

func (f *fakeUI) called(name string) bool {
	return f.count(name) > 0
}

func (f *fakeUI) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == name {
			n++
		}
	}
	return n
}

func (f *fakeUI) OpenPost(ctx context.Context, postID int) error {
	f.record("open")
	return f.openErr
}

func (f *fakeUI) LeavePost(ctx context.Context) error {
	f.record("leave")
	return nil
}

func (f *fakeUI) ReadOrderTimer(ctx context.Context) (time.Duration, bool, error) {
	f.record("timer")
	return f.timerRemaining, f.timerOK, nil
}

func (f *fakeUI) OrderReady(ctx context.Context) (bool, error) {
	f.record("ready")
	return f.orderReady, nil
}

func (f *fakeUI) CollectOrder(ctx context.Context) error {
	f.record("collect")
	return nil
}

func (f *fakeUI) SaveCurrentWorkers(ctx context.Context) ([]string, error) {
	f.record("save")
	return f.currentWorkers, nil
}

func (f *fakeUI) InstallWorkers(ctx context.Context, names []string) error {
	f.record("install")
	if f.installErr != nil {
		return f.installErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.installed = append(f.installed, names)
	return nil
}

func (f *fakeUI) RunDrone(ctx context.Context) error {
	f.record("drone")
	return nil
}

func (f *fakeUI) Observe(ctx context.Context, postID int) (Observed, error) {
	f.record("observe")
	return f.observed, f.observeErr
}

// fakeGuard scripts session validity
type fakeGuard struct {
	mu     sync.Mutex
	err    error
	checks int
}

func (g *fakeGuard) EnsureValid(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.checks++
	return g.err
}

func testCurseConfig() config.CurseConfig {
	return config.CurseConfig{
		LeadTime:          40 * time.Second,
		ExecutionBuffer:   45 * time.Second,
		ConflictThreshold: 240 * time.Second,
		SettleOffset:      10 * time.Second,
		DeadlineTolerance: 5 * time.Second,
		Workers:           []string{"Proviso", "Quartz", "Tequila"},
		MaxRetries:        4,
		SwipePages:        15,
	}
}

type machineHarness struct {
	machine  *Machine
	ui       *fakeUI
	guard    *fakeGuard
	resolver *conflict.Resolver
	now      time.Time
}

func testWaitsModel() *waitmodel.Model {
	return waitmodel.New(zap.NewNop(), config.WaitsConfig{
		Enabled:      true,
		Floor:        100 * time.Millisecond,
		Ceiling:      10 * time.Second,
		RetryCeiling: 15 * time.Second,
		MaxRetries:   4,
		SaveInterval: time.Hour,
	}, nil)
}

func newHarness(t *testing.T) *machineHarness {
	t.Helper()
	cfg := testCurseConfig()
	h := &machineHarness{
		ui:       &fakeUI{},
		guard:    &fakeGuard{},
		resolver: conflict.NewResolver(zap.NewNop(), cfg.ConflictThreshold, cfg.DeadlineTolerance),
		now:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	h.machine = NewMachine(zap.NewNop(), 1, cfg, h.ui, h.guard, h.resolver,
		testWaitsModel(), device.NewGate(time.Second))
	h.machine.now = func() time.Time { return h.now }
	return h
}

func (h *machineHarness) advance(t *testing.T, action conflict.Action) {
	t.Helper()
	require.NoError(t, h.machine.Advance(context.Background(), action, h.machine.Generation()))
}

func TestPollOrderReadsDeadline(t *testing.T) {
	h := newHarness(t)
	h.ui.timerRemaining = 10 * time.Minute
	h.ui.timerOK = true

	assert.True(t, h.machine.Due(h.now), "a fresh machine polls on the first tick")
	h.advance(t, conflict.ActionFullSwap)

	snap := h.machine.Snapshot()
	assert.Equal(t, StateAwaitingOrder, snap.State)
	assert.Equal(t, h.now.Add(10*time.Minute), snap.Deadline)

	registered, ok := h.resolver.Deadline(1)
	require.True(t, ok)
	assert.Equal(t, snap.Deadline, registered)
}

func TestPollOrderNoTimerStaysIdle(t *testing.T) {
	h := newHarness(t)
	h.ui.timerOK = false

	h.advance(t, conflict.ActionFullSwap)

	assert.Equal(t, StateIdle, h.machine.Snapshot().State)
	_, ok := h.resolver.Deadline(1)
	assert.False(t, ok)

	// the poll interval gates the next attempt
	assert.False(t, h.machine.Due(h.now.Add(30*time.Second)))
	assert.True(t, h.machine.Due(h.now.Add(61*time.Second)))
}

func TestDueWindowUsesLeadAndBuffer(t *testing.T) {
	h := newHarness(t)
	h.ui.timerRemaining = 10 * time.Minute
	h.ui.timerOK = true
	h.advance(t, conflict.ActionFullSwap)

	deadline := h.machine.Snapshot().Deadline
	window := deadline.Add(-40*time.Second - 45*time.Second)

	assert.False(t, h.machine.Due(window.Add(-time.Second)))
	assert.True(t, h.machine.Due(window))
}

func TestFullSwapInInstallsCurseWorkers(t *testing.T) {
	h := newHarness(t)
	h.ui.timerRemaining = 90 * time.Second
	h.ui.timerOK = true
	h.ui.currentWorkers = []string{"Texas", "Lappland", "Exusiai"}
	h.advance(t, conflict.ActionFullSwap)

	// move inside the window; the shift re-reads a fresh timer
	h.now = h.now.Add(10 * time.Second)
	h.ui.timerRemaining = 4 * time.Hour
	h.advance(t, conflict.ActionFullSwap)

	snap := h.machine.Snapshot()
	assert.Equal(t, StateCurseActive, snap.State)
	assert.Equal(t, []string{"Texas", "Lappland", "Exusiai"}, snap.SavedWorkers)
	require.Len(t, h.ui.installed, 1)
	assert.Equal(t, []string{"Proviso", "Quartz", "Tequila"}, h.ui.installed[0])
	assert.Equal(t, h.now.Add(4*time.Hour), snap.Deadline)
	assert.Equal(t, 1, h.guard.checks)
}

func TestDroneActionSkipsSwap(t *testing.T) {
	h := newHarness(t)
	h.ui.timerRemaining = 90 * time.Second
	h.ui.timerOK = true
	h.ui.orderReady = true
	h.advance(t, conflict.ActionFullSwap)
	genBefore := h.machine.Generation()

	h.advance(t, conflict.ActionDrone)

	snap := h.machine.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.True(t, h.ui.called("drone"))
	assert.True(t, h.ui.called("collect"))
	assert.False(t, h.ui.called("save"), "drone completion must not touch the crew")
	assert.Empty(t, h.ui.installed)
	assert.Greater(t, h.machine.Generation(), genBefore)

	_, registered := h.resolver.Deadline(1)
	assert.False(t, registered)
}

func TestSwapOutRestoresSavedWorkers(t *testing.T) {
	h := newHarness(t)
	h.ui.timerRemaining = 90 * time.Second
	h.ui.timerOK = true
	h.ui.currentWorkers = []string{"Texas", "Lappland"}
	h.advance(t, conflict.ActionFullSwap)
	h.ui.timerRemaining = 2 * time.Minute
	h.advance(t, conflict.ActionFullSwap)
	require.Equal(t, StateCurseActive, h.machine.Snapshot().State)

	deadline := h.machine.Snapshot().Deadline
	assert.False(t, h.machine.Due(deadline.Add(5*time.Second)), "swap-out waits for the settle offset")
	assert.True(t, h.machine.Due(deadline.Add(10*time.Second)))

	h.now = deadline.Add(10 * time.Second)
	h.ui.orderReady = true
	h.advance(t, conflict.ActionFullSwap)

	snap := h.machine.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.True(t, h.ui.called("collect"))
	require.Len(t, h.ui.installed, 2)
	assert.Equal(t, []string{"Texas", "Lappland"}, h.ui.installed[1])
	assert.Empty(t, snap.SavedWorkers)
}

func TestStaleGenerationIsNoOp(t *testing.T) {
	h := newHarness(t)
	h.ui.timerRemaining = 90 * time.Second
	h.ui.timerOK = true

	stale := h.machine.Generation()
	h.advance(t, conflict.ActionFullSwap)
	h.machine.generation.Add(1)

	require.NoError(t, h.machine.Advance(context.Background(), conflict.ActionFullSwap, stale))
	assert.Equal(t, StateAwaitingOrder, h.machine.Snapshot().State,
		"a stale decision must not advance the machine")
}

func TestTransientFailureEntersRecovery(t *testing.T) {
	h := newHarness(t)
	h.ui.timerRemaining = 90 * time.Second
	h.ui.timerOK = true
	h.advance(t, conflict.ActionFullSwap)
	genBefore := h.machine.Generation()

	h.ui.installErr = apperrors.VisionMiss("shift-confirm-button")
	h.advance(t, conflict.ActionFullSwap)

	snap := h.machine.Snapshot()
	assert.Equal(t, StateErrorRecovery, snap.State)
	assert.Greater(t, snap.Generation, genBefore, "recovery must invalidate in-flight decisions")
	_, registered := h.resolver.Deadline(1)
	assert.False(t, registered)
}

func TestRecoveryResetsFromObservation(t *testing.T) {
	h := newHarness(t)
	h.ui.timerRemaining = 90 * time.Second
	h.ui.timerOK = true
	h.advance(t, conflict.ActionFullSwap)
	h.ui.installErr = apperrors.VisionMiss("shift-confirm-button")
	h.advance(t, conflict.ActionFullSwap)
	require.Equal(t, StateErrorRecovery, h.machine.Snapshot().State)

	// the screen shows the curse crew working with a live timer
	h.ui.installErr = nil
	h.ui.observed = Observed{
		InsidePost:     true,
		HasTimer:       true,
		Remaining:      3 * time.Hour,
		CurseInstalled: true,
	}

	assert.True(t, h.machine.Due(h.now), "recovery runs on the next tick")
	h.advance(t, conflict.ActionFullSwap)

	snap := h.machine.Snapshot()
	assert.Equal(t, StateCurseActive, snap.State)
	assert.Equal(t, h.now.Add(3*time.Hour), snap.Deadline)
	assert.True(t, h.ui.called("leave"), "recovery backs out of the post")

	registered, ok := h.resolver.Deadline(1)
	require.True(t, ok)
	assert.Equal(t, snap.Deadline, registered)
}

func TestRecoveryWithNothingObservedGoesIdle(t *testing.T) {
	h := newHarness(t)
	h.ui.timerRemaining = 90 * time.Second
	h.ui.timerOK = true
	h.advance(t, conflict.ActionFullSwap)
	h.ui.installErr = apperrors.VisionMiss("shift-confirm-button")
	h.advance(t, conflict.ActionFullSwap)

	h.ui.installErr = nil
	h.ui.observed = Observed{}
	h.advance(t, conflict.ActionFullSwap)

	assert.Equal(t, StateIdle, h.machine.Snapshot().State)
}

func TestSessionExhaustionPropagates(t *testing.T) {
	h := newHarness(t)
	h.ui.timerRemaining = 90 * time.Second
	h.ui.timerOK = true
	h.advance(t, conflict.ActionFullSwap)

	opensBefore := h.ui.count("open")
	h.guard.err = apperrors.New(apperrors.TypeSessionExpired, apperrors.SeverityCritical,
		"session recovery attempts exhausted")
	err := h.machine.Advance(context.Background(), conflict.ActionFullSwap, h.machine.Generation())

	require.Error(t, err)
	assert.True(t, apperrors.IsFatal(err))
	assert.Equal(t, StateAwaitingOrder, h.machine.Snapshot().State,
		"a fatal error must not push the machine into recovery")
	assert.Equal(t, opensBefore, h.ui.count("open"), "no device action before the session is valid")
}

func TestDeviceErrorPropagates(t *testing.T) {
	h := newHarness(t)
	h.ui.openErr = apperrors.Devicef("adb connection lost")

	err := h.machine.Advance(context.Background(), conflict.ActionFullSwap, h.machine.Generation())
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.TypeDevice))
}

func TestGateTimeoutDefersAdvancement(t *testing.T) {
	h := newHarness(t)
	h.ui.timerRemaining = 90 * time.Second
	h.ui.timerOK = true

	// hold the gate so the machine cannot acquire it
	gate := device.NewGate(50 * time.Millisecond)
	h.machine.gate = gate
	release, err := gate.Acquire(context.Background())
	require.NoError(t, err)
	defer release()

	require.NoError(t, h.machine.Advance(context.Background(), conflict.ActionFullSwap, h.machine.Generation()))
	assert.Equal(t, StateIdle, h.machine.Snapshot().State, "gate contention is not a failure")
}

// gateWatchProber drives a real session guard and verifies every
// screen touch happens while the device gate is held. A successful
// TryAcquire at probe or click time means the caller ran ungated.
type gateWatchProber struct {
	gate         *device.Gate
	loginVisible bool
	homeVisible  bool

	clickErrs []error
	clicks    int
	probes    int
	unguarded int
}

func (p *gateWatchProber) checkGate() {
	if release, ok := p.gate.TryAcquire(); ok {
		release()
		p.unguarded++
	}
}

func (p *gateWatchProber) Probe(ctx context.Context, name string, kind waitmodel.Kind) (vision.Match, bool, error) {
	p.checkGate()
	p.probes++
	if name == "login-button" {
		return vision.Match{}, p.loginVisible, nil
	}
	return vision.Match{}, p.homeVisible, nil
}

func (p *gateWatchProber) ClickTemplate(ctx context.Context, name string, kind waitmodel.Kind, maxRetries int) (vision.Match, error) {
	p.checkGate()
	idx := p.clicks
	p.clicks++
	if idx < len(p.clickErrs) && p.clickErrs[idx] != nil {
		return vision.Match{}, p.clickErrs[idx]
	}
	p.loginVisible = false
	p.homeVisible = true
	return vision.Match{}, nil
}

func (p *gateWatchProber) WaitTemplate(ctx context.Context, name string, kind waitmodel.Kind, maxRetries int) (vision.Match, error) {
	p.checkGate()
	return vision.Match{}, nil
}

type stubNav struct{ gotos int }

func (n *stubNav) GoTo(ctx context.Context, screen navigation.Screen) error {
	n.gotos++
	return nil
}

// newSessionMachine wires a machine to a real guard sharing one gate
func newSessionMachine(t *testing.T, p *gateWatchProber) (*Machine, *fakeUI, *session.Guard) {
	t.Helper()
	cfg := testCurseConfig()
	gate := device.NewGate(time.Second)
	p.gate = gate
	guard := session.NewGuard(zap.NewNop(), config.SessionConfig{
		CheckTemplate: "home-anchor",
		LoginTemplate: "login-button",
		MaxAttempts:   3,
		BackoffBase:   time.Millisecond,
		BackoffFactor: 2.0,
	}, p, &stubNav{})
	ui := &fakeUI{}
	resolver := conflict.NewResolver(zap.NewNop(), cfg.ConflictThreshold, cfg.DeadlineTolerance)
	m := NewMachine(zap.NewNop(), 1, cfg, ui, guard, resolver, testWaitsModel(), gate)
	return m, ui, guard
}

func TestSessionProbeRunsUnderDeviceGate(t *testing.T) {
	p := &gateWatchProber{homeVisible: true}
	m, ui, _ := newSessionMachine(t, p)
	ui.timerRemaining = 90 * time.Second
	ui.timerOK = true

	ctx := context.Background()
	require.NoError(t, m.Advance(ctx, conflict.ActionFullSwap, m.Generation()))
	require.Equal(t, StateAwaitingOrder, m.Snapshot().State)
	require.NoError(t, m.Advance(ctx, conflict.ActionFullSwap, m.Generation()))

	require.Positive(t, p.probes, "the swap must verify the session")
	assert.Zero(t, p.unguarded, "session probes must hold the device gate")
}

func TestSwapInPausesForSessionRecovery(t *testing.T) {
	p := &gateWatchProber{
		loginVisible: true,
		clickErrs:    []error{apperrors.VisionMiss("login-button"), nil},
	}
	m, ui, guard := newSessionMachine(t, p)
	ui.timerRemaining = 90 * time.Second
	ui.timerOK = true
	ui.currentWorkers = []string{"Texas", "Lappland"}

	var outcomes []bool
	guard.SetRecoveryHook(func(success bool) { outcomes = append(outcomes, success) })

	ctx := context.Background()
	require.NoError(t, m.Advance(ctx, conflict.ActionFullSwap, m.Generation()))
	require.Equal(t, StateAwaitingOrder, m.Snapshot().State)
	require.NoError(t, m.Advance(ctx, conflict.ActionFullSwap, m.Generation()))

	// the expired session paused the swap, recovery took two attempts,
	// then the swap resumed and completed
	assert.Equal(t, []bool{false, true}, outcomes)
	assert.Equal(t, session.StateValid, guard.State())
	assert.Equal(t, StateCurseActive, m.Snapshot().State)
	require.Len(t, ui.installed, 1)
	assert.Equal(t, []string{"Proviso", "Quartz", "Tequila"}, ui.installed[0])
	assert.Zero(t, p.unguarded, "re-login taps must hold the device gate")
}

func TestRecoveryDeviceErrorPropagates(t *testing.T) {
	h := newHarness(t)
	h.ui.timerRemaining = 90 * time.Second
	h.ui.timerOK = true
	h.advance(t, conflict.ActionFullSwap)
	h.ui.installErr = apperrors.VisionMiss("shift-confirm-button")
	h.advance(t, conflict.ActionFullSwap)
	require.Equal(t, StateErrorRecovery, h.machine.Snapshot().State)

	h.ui.observeErr = apperrors.Devicef("adb connection lost")
	err := h.machine.Advance(context.Background(), conflict.ActionFullSwap, h.machine.Generation())

	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.TypeDevice),
		"a dead device must surface from recovery, not spin forever")
	assert.Equal(t, StateErrorRecovery, h.machine.Snapshot().State)
}

func TestTransitionHookReceivesSnapshots(t *testing.T) {
	h := newHarness(t)
	h.ui.timerRemaining = 10 * time.Minute
	h.ui.timerOK = true

	var states []State
	h.machine.SetTransitionHook(func(s Snapshot) {
		states = append(states, s.State)
	})

	h.advance(t, conflict.ActionFullSwap)
	assert.Equal(t, []State{StateAwaitingOrder}, states)
}
