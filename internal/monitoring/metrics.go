package monitoring

import (
	"context"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

// Metrics bundles the Prometheus instruments for the swap loop
type Metrics struct {
	registry *prometheus.Registry

	Transitions       *prometheus.CounterVec
	Conflicts         *prometheus.CounterVec
	SessionRecoveries *prometheus.CounterVec
	Errors            *prometheus.CounterVec
	WaitEstimates     *prometheus.GaugeVec
	PostDeadline      *prometheus.GaugeVec

	processCPU prometheus.Gauge
	processRSS prometheus.Gauge
}

// NewMetrics registers all instruments on a private registry
func NewMetrics() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.Transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "arkcurser",
		Name:      "state_transitions_total",
		Help:      "State machine transitions by post and target state",
	}, []string{"post", "state"})

	m.Conflicts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "arkcurser",
		Name:      "conflict_resolutions_total",
		Help:      "Conflict resolver verdicts by action",
	}, []string{"action"})

	m.SessionRecoveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "arkcurser",
		Name:      "session_recoveries_total",
		Help:      "Session recovery attempts by outcome",
	}, []string{"outcome"})

	m.Errors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "arkcurser",
		Name:      "errors_total",
		Help:      "Classified errors by type",
	}, []string{"type"})

	m.WaitEstimates = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "arkcurser",
		Name:      "wait_estimate_seconds",
		Help:      "Current adaptive wait estimate by action kind",
	}, []string{"kind"})

	m.PostDeadline = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "arkcurser",
		Name:      "post_deadline_seconds",
		Help:      "Seconds until each post's registered order deadline",
	}, []string{"post"})

	m.processCPU = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "arkcurser",
		Name:      "process_cpu_percent",
		Help:      "Process CPU utilization",
	})

	m.processRSS = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "arkcurser",
		Name:      "process_rss_bytes",
		Help:      "Process resident memory",
	})

	m.registry.MustRegister(
		m.Transitions, m.Conflicts, m.SessionRecoveries, m.Errors,
		m.WaitEstimates, m.PostDeadline, m.processCPU, m.processRSS,
	)
	return m
}

// Registry exposes the private registry for the HTTP handler
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// CollectProcessStats samples process CPU and memory until the context
// ends.
func (m *Metrics) CollectProcessStats(ctx context.Context, logger *zap.Logger, interval time.Duration) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Warn("Process stats unavailable", zap.Error(err))
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if cpu, err := proc.CPUPercent(); err == nil {
				m.processCPU.Set(cpu)
			}
			if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
				m.processRSS.Set(float64(mem.RSS))
			}
		}
	}
}
