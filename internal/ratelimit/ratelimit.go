// Package ratelimit throttles per-client traffic on the arbitration API.
// Webhook deliveries and status polls are keyed by client IP; there are
// no API keys on this surface, the webhook is authenticated by signature.
package ratelimit

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Config tunes the limiter.
type Config struct {
	// RequestsPerMinute is the sustained per-IP rate.
	RequestsPerMinute int
	// BurstSize is the bucket capacity, allowing short spikes.
	BurstSize int
	// CleanupInterval controls how often idle buckets are dropped.
	CleanupInterval time.Duration
}

// DefaultConfig allows one request per second sustained with a burst of ten.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 60,
		BurstSize:         10,
		CleanupInterval:   time.Minute,
	}
}

// bucket is a token bucket with lazy refill.
type bucket struct {
	tokens float64
	seen   time.Time
}

// Limiter applies a token bucket per client key.
type Limiter struct {
	cfg  Config
	mu   sync.Mutex
	pool map[string]*bucket
	done chan struct{}
}

// New starts a limiter and its idle-bucket janitor.
func New(cfg Config) *Limiter {
	l := &Limiter{
		cfg:  cfg,
		pool: make(map[string]*bucket),
		done: make(chan struct{}),
	}
	go l.janitor()
	return l
}

// Stop terminates the janitor goroutine.
func (l *Limiter) Stop() {
	close(l.done)
}

func (l *Limiter) janitor() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			idle := time.Now().Add(-2 * l.cfg.CleanupInterval)
			l.mu.Lock()
			for key, b := range l.pool {
				if b.seen.Before(idle) {
					delete(l.pool, key)
				}
			}
			l.mu.Unlock()
		case <-l.done:
			return
		}
	}
}

// Allow spends one token from key's bucket, reporting whether one was
// available. New keys start with a full bucket.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b, ok := l.pool[key]
	if !ok {
		l.pool[key] = &bucket{tokens: float64(l.cfg.BurstSize) - 1, seen: now}
		return true
	}

	refill := now.Sub(b.seen).Seconds() * float64(l.cfg.RequestsPerMinute) / 60.0
	b.tokens += refill
	if limit := float64(l.cfg.BurstSize); b.tokens > limit {
		b.tokens = limit
	}
	b.seen = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Middleware rejects over-limit clients with 429 and a Retry-After hint.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.Allow(c.ClientIP()) {
			c.Header("Retry-After", "1")
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limit_exceeded",
				"message": "Too many requests. Please slow down.",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}
