package ledger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// LedgerOpsTotal counts contract operations by method.
	LedgerOpsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tribunal",
		Subsystem: "ledger",
		Name:      "operations_total",
		Help:      "Total escrow contract operations by method.",
	}, []string{"method"})

	// LedgerOpDuration observes contract operation latency by method.
	LedgerOpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "tribunal",
		Subsystem: "ledger",
		Name:      "operation_duration_seconds",
		Help:      "Escrow contract operation duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method"})
)

func init() {
	prometheus.MustRegister(LedgerOpsTotal, LedgerOpDuration)
}

// observeOp records one operation and returns a func that observes its
// duration when called.
func observeOp(method string) func() {
	LedgerOpsTotal.WithLabelValues(method).Inc()
	start := time.Now()
	return func() {
		LedgerOpDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	}
}
