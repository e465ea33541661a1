package post

import (
	"context"
	"time"
)

// State is a trading post's lifecycle position
type State string

const (
	// StateIdle has no scheduled action; the post is polled for new
	// order information.
	StateIdle State = "idle"
	// StateAwaitingOrder holds a read deadline and waits for the swap
	// window to open.
	StateAwaitingOrder State = "awaiting_order"
	// StateSwappingIn is installing the curse workers
	StateSwappingIn State = "swapping_in"
	// StateCurseActive keeps the curse workers until the order lands
	StateCurseActive State = "curse_active"
	// StateSwappingOut is restoring the original workers
	StateSwappingOut State = "swapping_out"
	// StateErrorRecovery re-observes reality after a failed sequence
	StateErrorRecovery State = "error_recovery"
)

// Snapshot is the read-only view of a post exposed to the scheduler,
// the resolver, and the status API. The machine owns the live state.
type Snapshot struct {
	ID           int       `json:"id"`
	State        State     `json:"state"`
	Deadline     time.Time `json:"deadline,omitempty"`
	Generation   uint64    `json:"generation"`
	SavedWorkers []string  `json:"saved_workers,omitempty"`
}

// Observed is what error recovery can read off the live screen. It is
// deliberately memory-free: recovery trusts only what it sees.
type Observed struct {
	InsidePost     bool
	HasTimer       bool
	Remaining      time.Duration
	OrderReady     bool
	CurseInstalled bool
}

// UI is the machine's contract with the game screen layer. Every call
// assumes the caller holds the device gate. Misses inside a call are
// retried by the layer itself; a returned error is either a transient
// vision failure or a fatal device error.
type UI interface {
	// OpenPost navigates into the trading post's interior
	OpenPost(ctx context.Context, postID int) error
	// LeavePost returns to the base overview
	LeavePost(ctx context.Context) error
	// ReadOrderTimer reads the remaining order time; ok=false when no
	// order is running or the timer is unreadable
	ReadOrderTimer(ctx context.Context) (remaining time.Duration, ok bool, err error)
	// OrderReady reports whether the order can be delivered
	OrderReady(ctx context.Context) (bool, error)
	// CollectOrder delivers a ready order
	CollectOrder(ctx context.Context) error
	// SaveCurrentWorkers reads the names of the occupying workers
	SaveCurrentWorkers(ctx context.Context) ([]string, error)
	// InstallWorkers deselects the current crew and installs the named
	// workers, confirming the shift
	InstallWorkers(ctx context.Context, names []string) error
	// RunDrone completes the order instantly with a drone spend
	RunDrone(ctx context.Context) error
	// Observe reads the post's current on-screen situation for
	// idempotent error recovery
	Observe(ctx context.Context, postID int) (Observed, error)
}
