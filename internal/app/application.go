package app

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xdhiru/ark-curser/internal/catalog"
	"github.com/xdhiru/ark-curser/internal/config"
	"github.com/xdhiru/ark-curser/internal/conflict"
	"github.com/xdhiru/ark-curser/internal/device"
	apperrors "github.com/xdhiru/ark-curser/internal/errors"
	"github.com/xdhiru/ark-curser/internal/monitoring"
	"github.com/xdhiru/ark-curser/internal/navigation"
	"github.com/xdhiru/ark-curser/internal/post"
	"github.com/xdhiru/ark-curser/internal/scheduler"
	"github.com/xdhiru/ark-curser/internal/session"
	"github.com/xdhiru/ark-curser/internal/vision"
	"github.com/xdhiru/ark-curser/internal/waitmodel"
)

// Application wires the components and owns their lifecycle
type Application struct {
	logger *zap.Logger
	cfg    *config.Config
	runID  string

	bridge    *device.ADB
	templates *vision.TemplateStore
	store     *waitmodel.Store
	waits     *waitmodel.Model
	guard     *session.Guard
	sched     *scheduler.Scheduler
	metrics   *monitoring.Metrics
	hub       *monitoring.EventHub
	server    *monitoring.Server

	startedAt time.Time
}

// New builds the full object graph. Fatal configuration and device
// problems surface here; a missing wait store does not.
func New(ctx context.Context, logger *zap.Logger, cfg *config.Config) (*Application, error) {
	runID := uuid.NewString()
	logger = logger.With(zap.String("run_id", runID))

	a := &Application{
		logger:    logger,
		cfg:       cfg,
		runID:     runID,
		startedAt: time.Now(),
	}

	// device bridge
	a.bridge = device.NewADB(logger, cfg.Device.ADBPath, cfg.Device.Serial, cfg.Device.Timeout)
	if err := a.bridge.Connect(ctx); err != nil {
		return nil, err
	}

	// vision stack
	templates, err := vision.NewTemplateStore(logger, cfg.Vision.TemplateDir, cfg.Vision.UserTemplateDir)
	if err != nil {
		return nil, apperrors.Configf("template load failed").Wrap(err)
	}
	a.templates = templates
	matcher := vision.NewTemplateMatcher(templates, cfg.Vision.MatchThreshold)
	reader := vision.NewExecReader(logger, cfg.Vision.OCRBinary)

	// adaptive wait model; the store is an optimization, not a
	// startup requirement
	store, err := waitmodel.OpenStore(logger, cfg.Waits.StorePath)
	if err != nil {
		logger.Warn("Wait store unavailable, learned timings will not persist", zap.Error(err))
		store = nil
	}
	a.store = store
	a.waits = waitmodel.New(logger, cfg.Waits, store)

	// shared device plumbing
	gate := device.NewGate(cfg.Device.GateTimeout)
	screens := device.NewScreenCache(a.bridge)
	clicker := device.NewClicker(logger, a.bridge, screens, matcher, a.waits)
	dumper := device.NewDumper(logger, cfg.Device.DumpDir)

	nav := navigation.New(logger, clicker)
	a.guard = session.NewGuard(logger, cfg.Session, clicker, nav)

	cat, err := catalog.New(cfg.Workers, cfg.Curse.Workers)
	if err != nil {
		return nil, err
	}

	resolver := conflict.NewResolver(logger, cfg.Curse.ConflictThreshold, cfg.Curse.DeadlineTolerance)
	ui := post.NewScreenUI(logger, clicker, nav, reader, matcher, cat,
		cfg.Posts, cfg.Curse, cfg.Vision, dumper)

	machines := make([]*post.Machine, 0, cfg.Posts.Count)
	for id := 1; id <= cfg.Posts.Count; id++ {
		machines = append(machines,
			post.NewMachine(logger, id, cfg.Curse, ui, a.guard, resolver, a.waits, gate))
	}

	a.sched = scheduler.New(logger, cfg.Posts.TickInterval, machines, resolver, screens)

	// observability
	a.metrics = monitoring.NewMetrics()
	a.hub = monitoring.NewEventHub(logger, runID)
	a.wireHooks(machines, resolver)

	if cfg.Monitoring.Enabled {
		a.server = monitoring.NewServer(logger, cfg.Monitoring.ListenAddr, a.metrics, a.hub,
			monitoring.StatusSource{
				RunID:        runID,
				StartedAt:    a.startedAt,
				Posts:        a.sched.Snapshots,
				SessionState: a.guard.State,
				Waits:        a.waits.Snapshot,
			})
	}

	return a, nil
}

// wireHooks connects the core's event callbacks to metrics and the
// live feed.
func (a *Application) wireHooks(machines []*post.Machine, resolver *conflict.Resolver) {
	for _, m := range machines {
		m.SetTransitionHook(func(snap post.Snapshot) {
			a.metrics.Transitions.WithLabelValues(itoa(snap.ID), string(snap.State)).Inc()
			if !snap.Deadline.IsZero() {
				a.metrics.PostDeadline.WithLabelValues(itoa(snap.ID)).
					Set(time.Until(snap.Deadline).Seconds())
			}
			a.hub.Publish(monitoring.Event{
				Type:     "state_transition",
				PostID:   snap.ID,
				State:    string(snap.State),
				Deadline: snap.Deadline,
			})
		})
		m.SetErrorHook(func(err error) {
			a.metrics.Errors.WithLabelValues(string(apperrors.TypeOf(err))).Inc()
		})
	}

	a.waits.SetUpdateHook(func(kind waitmodel.Kind, estimate time.Duration) {
		a.metrics.WaitEstimates.WithLabelValues(string(kind)).Set(estimate.Seconds())
	})

	a.guard.SetRecoveryHook(func(success bool) {
		outcome := "failure"
		if success {
			outcome = "success"
		}
		a.metrics.SessionRecoveries.WithLabelValues(outcome).Inc()
		a.hub.Publish(monitoring.Event{Type: "session_recovery", State: outcome})
	})

	// count and announce only verdict changes, not every tick's
	// recomputation
	lastPlan := make(map[int]conflict.Action)
	a.sched.SetResolveHook(func(plan map[int]conflict.Action) {
		for postID, action := range plan {
			if lastPlan[postID] == action {
				continue
			}
			lastPlan[postID] = action
			a.metrics.Conflicts.WithLabelValues(string(action)).Inc()
			a.hub.Publish(monitoring.Event{
				Type:   "conflict_resolution",
				PostID: postID,
				Action: string(action),
			})
		}
		for postID := range lastPlan {
			if _, still := plan[postID]; !still {
				delete(lastPlan, postID)
			}
		}
	})
}

// Run drives the scheduler until the context ends or a fatal error
// stops the loop, then releases every resource. The wait model is
// flushed on all exit paths.
func (a *Application) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go a.metrics.CollectProcessStats(runCtx, a.logger, 15*time.Second)
	if a.server != nil {
		a.server.Start()
	}

	a.logger.Info("Run started",
		zap.Int("posts", a.cfg.Posts.Count),
		zap.Duration("conflict_threshold", a.cfg.Curse.ConflictThreshold),
		zap.Duration("lead_time", a.cfg.Curse.LeadTime))

	err := a.sched.Run(runCtx)
	if err == context.Canceled || ctx.Err() != nil {
		err = nil
	}

	a.shutdown()
	return err
}

// shutdown flushes and closes everything in dependency order
func (a *Application) shutdown() {
	a.logger.Info("Shutting down")

	a.waits.Flush()
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("Wait store close failed", zap.Error(err))
		}
	}
	a.templates.Close()

	if a.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.server.Shutdown(ctx); err != nil {
			a.logger.Warn("Monitoring server shutdown failed", zap.Error(err))
		}
	}

	a.logger.Info("Shutdown complete")
}

// Waits exposes the wait model for the report command
func (a *Application) Waits() *waitmodel.Model {
	return a.waits
}

func itoa(v int) string {
	return strconv.Itoa(v)
}
