package device

import (
	"context"
	"errors"
	"time"
)

// ErrGateTimeout means the bounded wait for the device gate expired.
// Callers fold it into their own retry/backoff policy; it is never
// fatal on its own.
var ErrGateTimeout = errors.New("device gate acquisition timed out")

// Gate is the single exclusive guard over physical device access. A
// holder owns the screen: no other interaction may run until release,
// because screen state must stay consistent between a decision and its
// action.
type Gate struct {
	sem     chan struct{}
	timeout time.Duration
}

// NewGate creates the device gate with the given acquisition timeout
func NewGate(timeout time.Duration) *Gate {
	return &Gate{
		sem:     make(chan struct{}, 1),
		timeout: timeout,
	}
}

// Acquire blocks until the gate is free, the timeout passes, or ctx is
// cancelled. On success the returned release function must be called.
func (g *Gate) Acquire(ctx context.Context) (func(), error) {
	timer := time.NewTimer(g.timeout)
	defer timer.Stop()

	select {
	case g.sem <- struct{}{}:
		return func() { <-g.sem }, nil
	case <-timer.C:
		return nil, ErrGateTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryAcquire takes the gate only if it is immediately free
func (g *Gate) TryAcquire() (func(), bool) {
	select {
	case g.sem <- struct{}{}:
		return func() { <-g.sem }, true
	default:
		return nil, false
	}
}
