package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xdhiru/ark-curser/internal/conflict"
	"github.com/xdhiru/ark-curser/internal/device"
	apperrors "github.com/xdhiru/ark-curser/internal/errors"
	"github.com/xdhiru/ark-curser/internal/post"
)

// Scheduler owns the per-post state machines and drives the tick
// loop. Decision-making is concurrent per post; execution serializes
// through the device gate the machines share. Only a device error or
// exhausted session recovery stops the loop.
type Scheduler struct {
	logger   *zap.Logger
	interval time.Duration

	machines []*post.Machine
	resolver *conflict.Resolver
	screens  *device.ScreenCache

	now func() time.Time

	fatalCh chan error
	wg      sync.WaitGroup

	// onResolve, when set, observes every tick's conflict plan
	onResolve func(plan map[int]conflict.Action)
}

// New creates the scheduler over the given machines
func New(logger *zap.Logger, interval time.Duration, machines []*post.Machine,
	resolver *conflict.Resolver, screens *device.ScreenCache) *Scheduler {
	return &Scheduler{
		logger:   logger.Named("scheduler"),
		interval: interval,
		machines: machines,
		resolver: resolver,
		screens:  screens,
		now:      time.Now,
		fatalCh:  make(chan error, 1),
	}
}

// SetResolveHook registers a metrics callback for conflict plans
func (s *Scheduler) SetResolveHook(fn func(plan map[int]conflict.Action)) {
	s.onResolve = fn
}

// Snapshots returns the read-only view of every post
func (s *Scheduler) Snapshots() []post.Snapshot {
	snaps := make([]post.Snapshot, 0, len(s.machines))
	for _, m := range s.machines {
		snaps = append(snaps, m.Snapshot())
	}
	return snaps
}

// Run drives the tick loop until the context ends or a fatal error
// surfaces. In-flight advancements are waited out before returning.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("Scheduler started",
		zap.Int("posts", len(s.machines)),
		zap.Duration("tick_interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			s.logger.Info("Scheduler stopped")
			return ctx.Err()
		case err := <-s.fatalCh:
			s.wg.Wait()
			fields := []zap.Field{zap.String("error", apperrors.Summary(err))}
			if stack := apperrors.StackOf(err); stack != "" {
				fields = append(fields, zap.String("stack", stack))
			}
			s.logger.Error("Scheduler halted by fatal error", fields...)
			return err
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs one decision cycle: fresh screen budget, fresh conflict
// plan, then advance every due machine concurrently.
func (s *Scheduler) tick(ctx context.Context) {
	// one screenshot budget per decision cycle
	s.screens.Invalidate()

	plan := s.resolver.Resolve()
	if s.onResolve != nil {
		s.onResolve(plan)
	}

	now := s.now()
	for _, m := range s.machines {
		if !m.Due(now) {
			continue
		}
		if !m.TryBegin() {
			// previous advancement still running
			continue
		}

		action, ok := plan[m.ID()]
		if !ok {
			action = conflict.ActionFullSwap
		}
		generation := m.Generation()

		s.wg.Add(1)
		go func(m *post.Machine, action conflict.Action, generation uint64) {
			defer s.wg.Done()
			defer m.End()
			if err := m.Advance(ctx, action, generation); err != nil {
				if ctx.Err() != nil {
					return
				}
				select {
				case s.fatalCh <- err:
				default:
				}
			}
		}(m, action, generation)
	}
}
