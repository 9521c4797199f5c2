package decision

import (
	"context"
	"errors"

	"tribunal/internal/circuitbreaker"
)

// ErrBreakerOpen is returned while the backend circuit is open.
var ErrBreakerOpen = errors.New("decision: backend circuit open")

const breakerKey = "decision-backend"

// BreakerBackend wraps a Backend with a circuit breaker so a dead
// backend fails fast into the refund fallback instead of spending the
// full request timeout on every escalation.
type BreakerBackend struct {
	inner   Backend
	breaker *circuitbreaker.Breaker
}

// NewBreakerBackend wraps inner with b.
func NewBreakerBackend(inner Backend, b *circuitbreaker.Breaker) *BreakerBackend {
	return &BreakerBackend{inner: inner, breaker: b}
}

func (b *BreakerBackend) Decide(ctx context.Context, dc *DisputeContext) (Decision, error) {
	if !b.breaker.Allow(breakerKey) {
		return Decision{}, ErrBreakerOpen
	}
	d, err := b.inner.Decide(ctx, dc)
	if err != nil {
		b.breaker.RecordFailure(breakerKey)
		return Decision{}, err
	}
	b.breaker.RecordSuccess(breakerKey)
	return d, nil
}
