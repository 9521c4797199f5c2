// Package statuscache provides a short-lived cache for request status
// reads. Mutating actions must invalidate the affected key before
// returning so polling clients never see stale permissions after a
// transition.
package statuscache

import (
	"strings"
	"sync"
	"time"
)

// Entry is a cached status snapshot with the permissions computed at
// read time.
type Entry struct {
	Status       string          `json:"status"`
	Permissions  map[string]bool `json:"permissions"`
	NextDeadline int64           `json:"nextDeadline"`

	// Payload carries the full response body the entry was built from, so
	// a cache hit can be served without re-reading the chain.
	Payload any `json:"-"`
}

// Cache stores status snapshots keyed by (contract, requestId).
type Cache interface {
	Get(contract, requestID string) (*Entry, bool)
	Set(contract, requestID string, e *Entry)
	Invalidate(contract, requestID string)
}

type cached struct {
	entry   *Entry
	expires time.Time
}

// Memory is an in-process TTL cache.
type Memory struct {
	mu  sync.Mutex
	ttl time.Duration
	m   map[string]cached
	now func() time.Time
}

// NewMemory creates a cache whose entries live for ttl.
func NewMemory(ttl time.Duration) *Memory {
	return &Memory{
		ttl: ttl,
		m:   make(map[string]cached),
		now: time.Now,
	}
}

func key(contract, requestID string) string {
	return strings.ToLower(contract) + "|" + strings.ToLower(requestID)
}

func (c *Memory) Get(contract, requestID string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.m[key(contract, requestID)]
	if !ok || c.now().After(e.expires) {
		delete(c.m, key(contract, requestID))
		return nil, false
	}
	return e.entry, true
}

func (c *Memory) Set(contract, requestID string, e *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key(contract, requestID)] = cached{entry: e, expires: c.now().Add(c.ttl)}
}

func (c *Memory) Invalidate(contract, requestID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, key(contract, requestID))
}
