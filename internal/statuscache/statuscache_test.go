package statuscache

import (
	"testing"
	"time"
)

func TestGetSetInvalidate(t *testing.T) {
	c := NewMemory(time.Minute)

	if _, ok := c.Get("0xAbC", "0x01"); ok {
		t.Error("expected miss on empty cache")
	}

	c.Set("0xAbC", "0x01", &Entry{Status: "DisputeOpened"})

	// lookups are case-insensitive on both key parts
	e, ok := c.Get("0xabc", "0x01")
	if !ok {
		t.Fatal("expected hit")
	}
	if e.Status != "DisputeOpened" {
		t.Errorf("Status = %q", e.Status)
	}

	c.Invalidate("0xABC", "0x01")
	if _, ok := c.Get("0xabc", "0x01"); ok {
		t.Error("expected miss after invalidate")
	}
}

func TestExpiry(t *testing.T) {
	c := NewMemory(time.Second)
	now := time.Now()
	c.now = func() time.Time { return now }

	c.Set("0xabc", "0x01", &Entry{Status: "Escrowed"})

	if _, ok := c.Get("0xabc", "0x01"); !ok {
		t.Fatal("expected hit before expiry")
	}

	now = now.Add(2 * time.Second)
	if _, ok := c.Get("0xabc", "0x01"); ok {
		t.Error("expected miss after expiry")
	}
}

func TestKeysAreIndependent(t *testing.T) {
	c := NewMemory(time.Minute)
	c.Set("0xabc", "0x01", &Entry{Status: "Escrowed"})
	c.Set("0xabc", "0x02", &Entry{Status: "DisputeEscalated"})

	c.Invalidate("0xabc", "0x01")

	if _, ok := c.Get("0xabc", "0x01"); ok {
		t.Error("invalidated key should miss")
	}
	if _, ok := c.Get("0xabc", "0x02"); !ok {
		t.Error("sibling key should still hit")
	}
}
