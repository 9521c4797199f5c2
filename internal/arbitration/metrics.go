package arbitration

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// RunsTotal counts arbitration runs by terminal outcome.
	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tribunal",
			Subsystem: "arbitration",
			Name:      "runs_total",
			Help:      "Arbitration runs by outcome.",
		},
		[]string{"outcome"},
	)

	// LowConfidenceTotal counts decisions flagged below the confidence
	// threshold.
	LowConfidenceTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tribunal",
			Subsystem: "arbitration",
			Name:      "low_confidence_total",
			Help:      "Decisions below the configured confidence threshold.",
		},
	)

	// DecisionsTotal counts verdicts by direction and origin. Source is
	// "backend" for real decisions and "fallback" when the backend
	// failed and the conservative refund was substituted.
	DecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tribunal",
			Subsystem: "arbitration",
			Name:      "decisions_total",
			Help:      "Verdicts by direction and origin.",
		},
		[]string{"verdict", "source"},
	)

	// RunDuration observes end-to-end run latency.
	RunDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "tribunal",
			Subsystem: "arbitration",
			Name:      "run_duration_seconds",
			Help:      "End-to-end arbitration run duration.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)
)

func init() {
	prometheus.MustRegister(RunsTotal, LowConfidenceTotal, DecisionsTotal, RunDuration)
}

func observeRun(outcome string, start time.Time) {
	RunsTotal.WithLabelValues(outcome).Inc()
	RunDuration.Observe(time.Since(start).Seconds())
}

func verdictLabel(refund bool) string {
	if refund {
		return "refund"
	}
	return "no_refund"
}
