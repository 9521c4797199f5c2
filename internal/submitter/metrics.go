package submitter

import "github.com/prometheus/client_golang/prometheus"

// SubmissionsTotal counts resolution transaction attempts by outcome.
var SubmissionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tribunal",
		Subsystem: "submitter",
		Name:      "submissions_total",
		Help:      "Resolution submissions by outcome.",
	},
	[]string{"outcome"},
)

func init() {
	prometheus.MustRegister(SubmissionsTotal)
}
