package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xdhiru/ark-curser/internal/config"
	apperrors "github.com/xdhiru/ark-curser/internal/errors"
	"github.com/xdhiru/ark-curser/internal/navigation"
	"github.com/xdhiru/ark-curser/internal/vision"
	"github.com/xdhiru/ark-curser/internal/waitmodel"
)

// fakeProber scripts the two session signals and the recovery clicks
type fakeProber struct {
	loginVisible bool
	homeVisible  bool

	clickErrs []error // one per ClickTemplate call, nil past the end
	clicks    int
	waits     int
}

func (f *fakeProber) Probe(ctx context.Context, name string, kind waitmodel.Kind) (vision.Match, bool, error) {
	if name == "login-start-button" {
		return vision.Match{}, f.loginVisible, nil
	}
	return vision.Match{}, f.homeVisible, nil
}

func (f *fakeProber) ClickTemplate(ctx context.Context, name string, kind waitmodel.Kind, maxRetries int) (vision.Match, error) {
	idx := f.clicks
	f.clicks++
	if idx < len(f.clickErrs) && f.clickErrs[idx] != nil {
		return vision.Match{}, f.clickErrs[idx]
	}
	// a successful login pass lands back on the home screen
	f.loginVisible = false
	f.homeVisible = true
	return vision.Match{}, nil
}

func (f *fakeProber) WaitTemplate(ctx context.Context, name string, kind waitmodel.Kind, maxRetries int) (vision.Match, error) {
	f.waits++
	return vision.Match{}, nil
}

type fakeNav struct {
	gotos int
}

func (f *fakeNav) GoTo(ctx context.Context, screen navigation.Screen) error {
	f.gotos++
	return nil
}

func testSessionConfig() config.SessionConfig {
	return config.SessionConfig{
		CheckTemplate: "settings-icon",
		LoginTemplate: "login-start-button",
		MaxAttempts:   3,
		BackoffBase:   time.Millisecond,
		BackoffFactor: 2.0,
	}
}

func TestEnsureValidFastPath(t *testing.T) {
	p := &fakeProber{loginVisible: false}
	g := NewGuard(zap.NewNop(), testSessionConfig(), p, &fakeNav{})

	require.NoError(t, g.EnsureValid(context.Background()))
	assert.Equal(t, StateValid, g.State())
	assert.Zero(t, p.clicks, "a valid session needs no recovery clicks")
}

func TestEnsureValidRecoversExpiredSession(t *testing.T) {
	p := &fakeProber{loginVisible: true}
	nav := &fakeNav{}
	g := NewGuard(zap.NewNop(), testSessionConfig(), p, nav)

	var outcomes []bool
	g.SetRecoveryHook(func(success bool) { outcomes = append(outcomes, success) })

	require.NoError(t, g.EnsureValid(context.Background()))
	assert.Equal(t, StateValid, g.State())
	assert.Equal(t, 1, p.clicks)
	assert.Equal(t, 1, p.waits)
	assert.Equal(t, 1, nav.gotos, "recovery ends on the home screen")
	assert.Equal(t, []bool{true}, outcomes)
}

func TestEnsureValidRetriesWithBackoff(t *testing.T) {
	p := &fakeProber{
		loginVisible: true,
		clickErrs:    []error{apperrors.VisionMiss("login-start-button"), nil},
	}
	g := NewGuard(zap.NewNop(), testSessionConfig(), p, &fakeNav{})

	var outcomes []bool
	g.SetRecoveryHook(func(success bool) { outcomes = append(outcomes, success) })

	require.NoError(t, g.EnsureValid(context.Background()))
	assert.Equal(t, StateValid, g.State())
	assert.Equal(t, 2, p.clicks, "second attempt succeeds")
	assert.Equal(t, []bool{false, true}, outcomes)
}

func TestEnsureValidExhaustionIsFatal(t *testing.T) {
	miss := apperrors.VisionMiss("login-start-button")
	p := &fakeProber{
		loginVisible: true,
		clickErrs:    []error{miss, miss, miss},
	}
	g := NewGuard(zap.NewNop(), testSessionConfig(), p, &fakeNav{})

	err := g.EnsureValid(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.IsFatal(err))
	assert.True(t, apperrors.IsType(err, apperrors.TypeSessionExpired))
	assert.Equal(t, StateExpired, g.State())
	assert.Equal(t, 3, p.clicks, "every configured attempt was spent")
}

func TestEnsureValidCancelledDuringBackoff(t *testing.T) {
	cfg := testSessionConfig()
	cfg.BackoffBase = time.Hour // never elapses in the test
	miss := apperrors.VisionMiss("login-start-button")
	p := &fakeProber{loginVisible: true, clickErrs: []error{miss, miss, miss}}
	g := NewGuard(zap.NewNop(), cfg, p, &fakeNav{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := g.EnsureValid(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateExpired, g.State())
	assert.Equal(t, 1, p.clicks, "cancellation stops the retry loop")
}

func TestCheckNeedsBothExpirySignals(t *testing.T) {
	// a login-like match alone is not enough while the logged-in
	// signature is still on screen
	p := &fakeProber{loginVisible: true, homeVisible: true}
	g := NewGuard(zap.NewNop(), testSessionConfig(), p, &fakeNav{})

	state, err := g.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateValid, state)
	require.NoError(t, g.EnsureValid(context.Background()))
	assert.Zero(t, p.clicks)
}

func TestCheckTransitionsState(t *testing.T) {
	p := &fakeProber{loginVisible: true}
	g := NewGuard(zap.NewNop(), testSessionConfig(), p, &fakeNav{})

	state, err := g.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateExpired, state)

	p.loginVisible = false
	state, err = g.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateValid, state)
}
