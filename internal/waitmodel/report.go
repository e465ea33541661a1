package waitmodel

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gonum.org/v1/gonum/stat"
)

// KindStats is a reporting snapshot for one action kind
type KindStats struct {
	Kind        Kind          `json:"kind"`
	Status      Status        `json:"status"`
	Estimate    time.Duration `json:"estimate"`
	Baseline    time.Duration `json:"baseline"`
	Samples     int           `json:"samples"`
	SuccessRate float64       `json:"success_rate"`
	HistoryMean time.Duration `json:"history_mean"`
	HistoryStd  time.Duration `json:"history_std"`
}

// Snapshot returns per-kind statistics in stable order
func (m *Model) Snapshot() []KindStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]KindStats, 0, len(m.entries))
	for kind, e := range m.entries {
		s := KindStats{
			Kind:     kind,
			Status:   e.status(),
			Estimate: e.estimate,
			Baseline: e.baseline,
			Samples:  e.samples,
		}
		if total := e.successes + e.failures; total > 0 {
			s.SuccessRate = float64(e.successes) / float64(total)
		}
		if len(e.history) > 0 {
			secs := make([]float64, len(e.history))
			for i, d := range e.history {
				secs[i] = d.Seconds()
			}
			mean, std := stat.MeanStdDev(secs, nil)
			s.HistoryMean = time.Duration(mean * float64(time.Second))
			if len(secs) > 1 {
				s.HistoryStd = time.Duration(std * float64(time.Second))
			}
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

// RenderReport formats a snapshot as a plain-text table
func RenderReport(stats []KindStats) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-20s %-9s %10s %10s %8s %9s %10s %10s\n",
		"KIND", "STATUS", "ESTIMATE", "BASELINE", "SAMPLES", "SUCCESS", "MEAN", "STDDEV")
	b.WriteString(strings.Repeat("-", 92))
	b.WriteByte('\n')
	for _, s := range stats {
		fmt.Fprintf(&b, "%-20s %-9s %10s %10s %8s %8.1f%% %10s %10s\n",
			s.Kind, s.Status,
			si(s.Estimate), si(s.Baseline),
			humanize.Comma(int64(s.Samples)),
			s.SuccessRate*100,
			si(s.HistoryMean), si(s.HistoryStd))
	}
	return b.String()
}

func si(d time.Duration) string {
	if d == 0 {
		return "-"
	}
	return humanize.SIWithDigits(d.Seconds(), 2, "s")
}
