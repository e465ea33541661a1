package conflict

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Action is the resolver's verdict for one post's upcoming swap
type Action string

const (
	// ActionFullSwap installs the curse workers normally
	ActionFullSwap Action = "full_swap"
	// ActionDrone completes the order with a one-shot drone spend
	// instead of a swap, freeing the device for the conflicting post
	ActionDrone Action = "drone"
)

// Resolver tracks the registered swap deadlines and decides
// which posts must downgrade to a drone action. The resolution is
// recomputed on every tick and never cached: new orders can appear
// between ticks and must shift it.
type Resolver struct {
	logger    *zap.Logger
	threshold time.Duration
	tolerance time.Duration

	mu        sync.Mutex
	deadlines map[int]time.Time
}

// NewResolver creates a resolver with the given conflict
// threshold and deadline re-read tolerance.
func NewResolver(logger *zap.Logger, threshold, tolerance time.Duration) *Resolver {
	return &Resolver{
		logger:    logger.Named("conflicts"),
		threshold: threshold,
		tolerance: tolerance,
		deadlines: make(map[int]time.Time),
	}
}

// Register records a post's swap deadline. A re-read within the
// tolerance keeps the prior registration so OCR jitter does not churn
// the schedule; a larger delta overwrites it as a genuinely new order.
func (r *Resolver) Register(postID int, deadline time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.deadlines[postID]; ok {
		delta := deadline.Sub(prev)
		if delta < 0 {
			delta = -delta
		}
		if delta <= r.tolerance {
			return
		}
		r.logger.Info("Deadline re-registered",
			zap.Int("post_id", postID),
			zap.Time("old", prev),
			zap.Time("new", deadline),
			zap.Duration("delta", delta))
	} else {
		r.logger.Debug("Deadline registered",
			zap.Int("post_id", postID),
			zap.Time("deadline", deadline))
	}
	r.deadlines[postID] = deadline
}

// Unregister drops a post's deadline, e.g. when its order disappeared
func (r *Resolver) Unregister(postID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.deadlines, postID)
}

// Deadline returns the registered deadline for a post
func (r *Resolver) Deadline(postID int) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.deadlines[postID]
	return d, ok
}

// Resolve computes the current post -> action mapping. Deadlines are
// sorted ascending; within each cluster closer than the threshold the
// earliest keeps the full swap and the rest are downgraded to drones.
// Identical deadlines tie-break by lowest post ID.
func (r *Resolver) Resolve() map[int]Action {
	r.mu.Lock()
	defer r.mu.Unlock()

	type reg struct {
		postID   int
		deadline time.Time
	}
	regs := make([]reg, 0, len(r.deadlines))
	for id, d := range r.deadlines {
		regs = append(regs, reg{postID: id, deadline: d})
	}
	sort.Slice(regs, func(i, j int) bool {
		if regs[i].deadline.Equal(regs[j].deadline) {
			return regs[i].postID < regs[j].postID
		}
		return regs[i].deadline.Before(regs[j].deadline)
	})

	out := make(map[int]Action, len(regs))
	var anchor time.Time
	for i, reg := range regs {
		if i == 0 || reg.deadline.Sub(anchor) >= r.threshold {
			out[reg.postID] = ActionFullSwap
			anchor = reg.deadline
			continue
		}
		out[reg.postID] = ActionDrone
		r.logger.Info("Conflict resolved to drone",
			zap.Int("post_id", reg.postID),
			zap.Time("deadline", reg.deadline),
			zap.Duration("separation", reg.deadline.Sub(anchor)),
			zap.Duration("threshold", r.threshold))
	}
	return out
}
