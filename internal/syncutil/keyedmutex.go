// Package syncutil holds the keyed locking primitive the arbitration
// pipeline uses to serialize work on a single dispute.
package syncutil

import (
	"context"
	"hash/fnv"
)

const keyedShards = 256

// KeyedMutex serializes callers that present the same key. Keys are hashed
// onto a fixed pool of channel-backed locks, so unrelated disputes rarely
// contend while two deliveries of the same escalation always do. Waiting
// honors context cancellation, which a sync.Mutex cannot.
type KeyedMutex struct {
	slots [keyedShards]chan struct{}
}

// NewKeyedMutex returns a KeyedMutex with every slot unlocked.
func NewKeyedMutex() *KeyedMutex {
	m := &KeyedMutex{}
	for i := range m.slots {
		m.slots[i] = make(chan struct{}, 1)
	}
	return m
}

// Lock acquires the slot for key, blocking until it is free or ctx is
// done. On success it returns a release function the caller must invoke;
// on cancellation it returns ctx.Err().
func (m *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	slot := m.slots[slotIndex(key)]
	select {
	case slot <- struct{}{}:
		return func() { <-slot }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func slotIndex(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32() % keyedShards
}
