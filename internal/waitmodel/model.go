package waitmodel

import (
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xdhiru/ark-curser/internal/config"
)

// Status describes where a kind's estimate is in its convergence cycle
type Status string

const (
	StatusNew      Status = "NEW"      // no observations yet
	StatusLearning Status = "LEARNING" // early samples, estimate moving freely
	StatusAdapting Status = "ADAPTING" // baseline recently shifted
	StatusStable   Status = "STABLE"   // estimate held within margin
)

const (
	// multiplier applied after a clean first-try success
	successShrink = 0.97
	// blend weights after a success that needed retries
	blendKeep, blendNew = 0.7, 0.3
	// padding over the observed latency when blending upward
	latencyPadding = 1.05
	// temporary expansion per retry while a step keeps failing
	retryExpansion = 1.35
	// fraction of baseline within which an estimate counts as stable
	stableMargin = 0.10
	// consecutive in-margin observations before a kind is stable
	stableAfter = 5
	// learning observations before convergence tracking engages
	learningSamples = 5
	// retained observations per kind, for reporting only
	historySize = 100
)

// Observation is one completed action step fed back into the model
type Observation struct {
	Latency time.Duration // wait the step actually consumed
	Success bool
	Retries int // retries already spent on this step
}

// Suggestion is the model's answer to an observation: whether the step
// should retry, and with what wait.
type Suggestion struct {
	Retry    bool
	NextWait time.Duration
}

type entry struct {
	estimate    time.Duration
	samples     int
	baseline    time.Duration
	stableCount int
	successes   int
	failures    int
	history     []time.Duration
}

func (e *entry) status() Status {
	switch {
	case e.samples == 0:
		return StatusNew
	case e.samples < learningSamples:
		return StatusLearning
	case e.stableCount >= stableAfter:
		return StatusStable
	default:
		return StatusAdapting
	}
}

// Model learns per-kind wait durations from observed outcomes. All
// permanent estimates stay inside the configured [floor, ceiling]
// band; retry expansion may exceed the ceiling up to the retry cap but
// is never stored.
type Model struct {
	logger *zap.Logger
	cfg    config.WaitsConfig
	store  *Store

	entries map[Kind]*entry
	mu      sync.Mutex

	dirty    bool
	lastSave time.Time

	rng *rand.Rand

	// onUpdate, when set, receives every permanent estimate change
	onUpdate func(kind Kind, estimate time.Duration)
}

// New builds a model from defaults, config overrides, and whatever the
// store holds. A missing or unreadable store is a warning, not a
// failure: learned timings are an optimization.
func New(logger *zap.Logger, cfg config.WaitsConfig, store *Store) *Model {
	m := &Model{
		logger:  logger.Named("waitmodel"),
		cfg:     cfg,
		store:   store,
		entries: make(map[Kind]*entry),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	for kind, est := range defaultEstimates() {
		if override, ok := cfg.Defaults[string(kind)]; ok {
			est = override
		}
		m.entries[kind] = &entry{estimate: m.clamp(est), baseline: m.clamp(est)}
	}

	if store != nil {
		persisted, err := store.Load()
		if err != nil {
			m.logger.Warn("Wait store unreadable, starting from defaults", zap.Error(err))
		} else {
			for kind, p := range persisted {
				if _, known := m.entries[kind]; !known {
					continue
				}
				e := m.entries[kind]
				e.estimate = m.clamp(p.Estimate)
				e.samples = p.Samples
				e.baseline = m.clamp(p.Baseline)
				e.stableCount = p.StableCount
			}
			m.logger.Info("Wait estimates restored", zap.Int("kinds", len(persisted)))
		}
	}
	// lastSave stays zero so the first estimate change persists
	// promptly; the debounce only spaces out the writes after that
	return m
}

// SetUpdateHook registers a callback for permanent estimate changes
func (m *Model) SetUpdateHook(fn func(kind Kind, estimate time.Duration)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onUpdate = fn
}

// WaitFor returns the current best wait for the kind with a 1% jitter,
// clamped to the configured band. Disabled models serve raw defaults.
func (m *Model) WaitFor(kind Kind) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[kind]
	if !ok {
		return genericDefault
	}
	if !m.cfg.Enabled {
		return m.clamp(e.estimate)
	}
	jitter := 1 + (m.rng.Float64()*2-1)*0.01
	return m.clamp(time.Duration(float64(e.estimate) * jitter))
}

// Observe folds one step outcome into the model and answers whether
// the step should retry and with what wait.
func (m *Model) Observe(kind Kind, obs Observation) Suggestion {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[kind]
	if !ok {
		return Suggestion{Retry: !obs.Success && obs.Retries < m.cfg.MaxRetries, NextWait: genericDefault}
	}

	e.samples++
	e.history = append(e.history, obs.Latency)
	if len(e.history) > historySize {
		e.history = e.history[len(e.history)-historySize:]
	}

	if obs.Success {
		e.successes++
		old := e.estimate
		if obs.Retries == 0 {
			// first-try success: the wait was long enough, probe shorter
			e.estimate = m.clamp(time.Duration(float64(e.estimate) * successShrink))
		} else {
			// success only after retrying: pull toward the padded reality
			blended := blendKeep*float64(e.estimate) + blendNew*float64(obs.Latency)*latencyPadding
			e.estimate = m.clamp(time.Duration(blended))
		}
		m.trackConvergence(kind, e, old)
		m.dirty = true
		m.maybeSaveLocked()
		return Suggestion{Retry: false, NextWait: e.estimate}
	}

	e.failures++
	if obs.Retries < m.cfg.MaxRetries {
		// temporary expansion for the retry only; the stored estimate
		// moves on success, not on individual misses
		expanded := float64(e.estimate)
		for i := 0; i <= obs.Retries; i++ {
			expanded *= retryExpansion
		}
		next := time.Duration(expanded)
		if next > m.cfg.RetryCeiling {
			next = m.cfg.RetryCeiling
		}
		return Suggestion{Retry: true, NextWait: next}
	}

	// retries exhausted: leave the estimate alone, the failure is not
	// a timing problem
	return Suggestion{Retry: false, NextWait: e.estimate}
}

// trackConvergence maintains the per-kind baseline and stable counter
func (m *Model) trackConvergence(kind Kind, e *entry, old time.Duration) {
	if e.estimate != old {
		m.logger.Debug("Wait estimate updated",
			zap.String("kind", string(kind)),
			zap.Duration("old", old),
			zap.Duration("new", e.estimate))
		if m.onUpdate != nil {
			m.onUpdate(kind, e.estimate)
		}
	}

	if e.samples < learningSamples {
		e.baseline = e.estimate
		return
	}
	margin := time.Duration(float64(e.baseline) * stableMargin)
	delta := e.estimate - e.baseline
	if delta < 0 {
		delta = -delta
	}
	if delta <= margin {
		if e.stableCount < stableAfter {
			e.stableCount++
			if e.stableCount == stableAfter {
				m.logger.Info("Wait estimate converged",
					zap.String("kind", string(kind)),
					zap.Duration("estimate", e.estimate))
			}
		}
	} else {
		e.baseline = e.estimate
		e.stableCount = 0
	}
}

// MaxRetries exposes the configured retry cap for action loops
func (m *Model) MaxRetries() int {
	return m.cfg.MaxRetries
}

// maybeSaveLocked persists if dirty and the debounce interval elapsed.
// Called with the lock held.
func (m *Model) maybeSaveLocked() {
	if m.store == nil || !m.dirty {
		return
	}
	if time.Since(m.lastSave) < m.cfg.SaveInterval {
		return
	}
	m.saveLocked()
}

func (m *Model) saveLocked() {
	snapshot := make(map[Kind]Persisted, len(m.entries))
	for kind, e := range m.entries {
		snapshot[kind] = Persisted{
			Estimate:    e.estimate,
			Samples:     e.samples,
			Baseline:    e.baseline,
			StableCount: e.stableCount,
		}
	}
	if err := m.store.Save(snapshot); err != nil {
		// non-fatal: learned timings are a performance optimization
		m.logger.Warn("Wait store save failed", zap.Error(err))
		return
	}
	m.dirty = false
	m.lastSave = time.Now()
}

// Flush forces a save regardless of the debounce. Used on shutdown and
// before fatal exits.
func (m *Model) Flush() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.store == nil {
		return
	}
	m.saveLocked()
}

func (m *Model) clamp(d time.Duration) time.Duration {
	if d < m.cfg.Floor {
		return m.cfg.Floor
	}
	if d > m.cfg.Ceiling {
		return m.cfg.Ceiling
	}
	return d
}
