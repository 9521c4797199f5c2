package evidence

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and single-node runs
// without a database.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record // key: contract|requestId, lowercased
	audits  []*AuditRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func key(contractAddress, requestID string) string {
	return strings.ToLower(contractAddress) + "|" + strings.ToLower(requestID)
}

func (m *MemoryStore) PutRecord(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	cp := *rec
	m.records[key(rec.ContractAddress, rec.RequestID)] = &cp
	return nil
}

func (m *MemoryStore) GetRecord(_ context.Context, contractAddress, requestID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[key(contractAddress, requestID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) RecordAudit(_ context.Context, audit *AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if audit.CreatedAt.IsZero() {
		audit.CreatedAt = time.Now()
	}
	cp := *audit
	m.audits = append(m.audits, &cp)
	return nil
}

func (m *MemoryStore) ListAudits(_ context.Context, requestID string, limit int) ([]*AuditRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*AuditRecord
	for _, a := range m.audits {
		if strings.EqualFold(a.RequestID, requestID) {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListTrackedRequests(_ context.Context, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Record, 0, len(m.records))
	for _, rec := range m.records {
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
