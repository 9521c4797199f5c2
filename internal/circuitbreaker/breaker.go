// Package circuitbreaker stops calls to an upstream that keeps failing.
// The arbitration pipeline depends on two kinds of remote parties it does
// not control, the decision backend and evidence gateways, and both are
// guarded by a Breaker keyed on the upstream's identity.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var tripsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tribunal",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit state transitions by upstream key.",
}, []string{"key", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(tripsTotal)
}

// circuit is the book-keeping for one upstream key. The state is derived:
// a circuit with fewer than threshold consecutive failures is closed, one
// at or past the threshold is open until the cooldown elapses, and while
// probing exactly one call is in flight testing recovery.
type circuit struct {
	failures int
	openedAt time.Time
	probing  bool
}

// Breaker tracks consecutive failures per upstream key and rejects calls
// to a key once it has failed threshold times in a row. After cooldown it
// lets a single probe through; the probe's outcome either closes the
// circuit or re-opens it for another cooldown.
type Breaker struct {
	mu        sync.Mutex
	circuits  map[string]*circuit
	threshold int
	cooldown  time.Duration
}

// New returns a Breaker that opens a key after threshold consecutive
// failures and keeps it open for cooldown before probing.
func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		circuits:  make(map[string]*circuit),
		threshold: threshold,
		cooldown:  cooldown,
	}
}

// Allow reports whether a call to key may proceed. When an open circuit's
// cooldown has elapsed the call is admitted as the recovery probe; further
// calls are rejected until the probe reports back.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok || c.failures < b.threshold {
		return true
	}
	if c.probing {
		return false
	}
	if time.Since(c.openedAt) >= b.cooldown {
		c.probing = true
		tripsTotal.WithLabelValues(key, "open", "half_open").Inc()
		return true
	}
	return false
}

// RecordSuccess clears the failure streak for key. A successful probe
// closes the circuit.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return
	}
	if c.probing {
		tripsTotal.WithLabelValues(key, "half_open", "closed").Inc()
	} else if c.failures >= b.threshold {
		// Success slipped through on a call admitted before the trip.
		tripsTotal.WithLabelValues(key, "open", "closed").Inc()
	}
	c.failures = 0
	c.probing = false
}

// RecordFailure extends the failure streak for key, tripping the circuit
// at the threshold. A failed probe re-opens for a full cooldown.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{}
		b.circuits[key] = c
	}

	if c.probing {
		c.probing = false
		c.openedAt = time.Now()
		tripsTotal.WithLabelValues(key, "half_open", "open").Inc()
		return
	}

	c.failures++
	if c.failures == b.threshold {
		c.openedAt = time.Now()
		tripsTotal.WithLabelValues(key, "closed", "open").Inc()
	}
}

// State names the current state for key: "closed", "open" or "half_open".
// Unknown keys are closed.
func (b *Breaker) State(key string) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	switch {
	case !ok, c.failures < b.threshold:
		return "closed"
	case c.probing:
		return "half_open"
	default:
		return "open"
	}
}
