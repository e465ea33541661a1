package conflict

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestResolveNoConflict(t *testing.T) {
	r := NewResolver(zap.NewNop(), 240*time.Second, 5*time.Second)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	r.Register(1, base)
	r.Register(2, base.Add(300*time.Second))

	plan := r.Resolve()
	assert.Equal(t, ActionFullSwap, plan[1])
	assert.Equal(t, ActionFullSwap, plan[2])
}

func TestResolveCloseDeadlinesDowngradeLater(t *testing.T) {
	r := NewResolver(zap.NewNop(), 240*time.Second, 5*time.Second)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// post 2 finishes first and keeps the swap
	r.Register(1, base.Add(100*time.Second))
	r.Register(2, base.Add(30*time.Second))

	plan := r.Resolve()
	assert.Equal(t, ActionFullSwap, plan[2])
	assert.Equal(t, ActionDrone, plan[1])
}

func TestResolveThresholdBoundary(t *testing.T) {
	r := NewResolver(zap.NewNop(), 10*time.Second, time.Second)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// exactly at the threshold is far enough apart
	r.Register(1, base)
	r.Register(2, base.Add(10*time.Second))
	plan := r.Resolve()
	assert.Equal(t, ActionFullSwap, plan[1])
	assert.Equal(t, ActionFullSwap, plan[2])

	// one second inside the threshold conflicts. Fresh resolver: a
	// re-registration this small would be absorbed by the tolerance.
	r = NewResolver(zap.NewNop(), 10*time.Second, time.Second)
	r.Register(1, base)
	r.Register(2, base.Add(9*time.Second))
	plan = r.Resolve()
	assert.Equal(t, ActionFullSwap, plan[1])
	assert.Equal(t, ActionDrone, plan[2])
}

func TestResolveAnchorAdvancesThroughCluster(t *testing.T) {
	r := NewResolver(zap.NewNop(), 100*time.Second, time.Second)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// 0s and 90s cluster together; 150s is 150s past the anchor at 0s
	// and becomes the next anchor
	r.Register(1, base)
	r.Register(2, base.Add(90*time.Second))
	r.Register(3, base.Add(150*time.Second))
	r.Register(4, base.Add(200*time.Second))

	plan := r.Resolve()
	assert.Equal(t, ActionFullSwap, plan[1])
	assert.Equal(t, ActionDrone, plan[2])
	assert.Equal(t, ActionFullSwap, plan[3])
	assert.Equal(t, ActionDrone, plan[4])
}

func TestResolveTieBreaksByPostID(t *testing.T) {
	r := NewResolver(zap.NewNop(), 60*time.Second, time.Second)
	deadline := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	r.Register(3, deadline)
	r.Register(1, deadline)
	r.Register(2, deadline)

	plan := r.Resolve()
	assert.Equal(t, ActionFullSwap, plan[1])
	assert.Equal(t, ActionDrone, plan[2])
	assert.Equal(t, ActionDrone, plan[3])
}

func TestRegisterToleranceKeepsPrior(t *testing.T) {
	r := NewResolver(zap.NewNop(), 240*time.Second, 5*time.Second)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	r.Register(1, base)

	// a re-read 3s off is OCR jitter, not a new order
	r.Register(1, base.Add(3*time.Second))
	got, ok := r.Deadline(1)
	assert.True(t, ok)
	assert.Equal(t, base, got)

	// a re-read 30s off replaces the registration
	r.Register(1, base.Add(30*time.Second))
	got, _ = r.Deadline(1)
	assert.Equal(t, base.Add(30*time.Second), got)
}

func TestUnregisterRemovesFromPlan(t *testing.T) {
	r := NewResolver(zap.NewNop(), 240*time.Second, 5*time.Second)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	r.Register(1, base)
	r.Register(2, base.Add(10*time.Second))
	r.Unregister(1)

	plan := r.Resolve()
	_, has1 := plan[1]
	assert.False(t, has1)
	assert.Equal(t, ActionFullSwap, plan[2])
}
