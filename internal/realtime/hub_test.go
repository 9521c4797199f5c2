package realtime

import (
	"context"
	"log/slog"
	"testing"
	"time"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_AllEvents(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{AllEvents: true}}

	event := &Event{Type: EventVerdict, Timestamp: time.Now()}
	if !h.shouldSend(client, event) {
		t.Error("AllEvents client should receive all events")
	}
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		EventTypes: []EventType{EventVerdict, EventDisputeEscalated},
	}}

	verdictEvent := &Event{Type: EventVerdict}
	escalatedEvent := &Event{Type: EventDisputeEscalated}
	releasedEvent := &Event{Type: EventEscrowReleased}

	if !h.shouldSend(client, verdictEvent) {
		t.Error("Should receive verdict events")
	}
	if !h.shouldSend(client, escalatedEvent) {
		t.Error("Should receive dispute_escalated events")
	}
	if h.shouldSend(client, releasedEvent) {
		t.Error("Should NOT receive escrow_released events")
	}
}

func TestShouldSend_ContractFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		Contracts: []string{"0xAAAA"},
	}}

	matching := &Event{
		Type: EventVerdict,
		Data: map[string]interface{}{"contractAddress": "0xaaaa", "requestId": "0x01"},
	}
	notMatching := &Event{
		Type: EventVerdict,
		Data: map[string]interface{}{"contractAddress": "0xbbbb", "requestId": "0x01"},
	}

	if !h.shouldSend(client, matching) {
		t.Error("Should match contract case-insensitively")
	}
	if h.shouldSend(client, notMatching) {
		t.Error("Should NOT match unrelated contracts")
	}
}

func TestShouldSend_RequestFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		RequestIDs: []string{"0xAB01"},
	}}

	matching := &Event{
		Type: EventDisputeOpened,
		Data: map[string]interface{}{"contractAddress": "0xaaaa", "requestId": "0xab01"},
	}
	notMatching := &Event{
		Type: EventDisputeOpened,
		Data: map[string]interface{}{"contractAddress": "0xaaaa", "requestId": "0xab02"},
	}

	if !h.shouldSend(client, matching) {
		t.Error("Should match request ID case-insensitively")
	}
	if h.shouldSend(client, notMatching) {
		t.Error("Should NOT match other requests")
	}
}

func TestShouldSend_EmptySubscription(t *testing.T) {
	h := testHub()

	// No filters, not AllEvents
	client := &Client{sub: Subscription{}}

	event := &Event{Type: EventVerdict}
	if !h.shouldSend(client, event) {
		t.Error("Empty subscription (no filters) should receive events")
	}
}

func TestShouldSend_NonMapData(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		Contracts: []string{"0xaaaa"},
	}}

	// Event with non-map data should not crash
	event := &Event{
		Type: EventVerdict,
		Data: "string data not a map",
	}

	// Contract filter finds no contractAddress in non-map data, so the
	// event is filtered out rather than crashing.
	if h.shouldSend(client, event) {
		t.Error("Non-map data cannot match a contract filter")
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients, got %v", stats["connectedClients"])
	}
	if stats["totalEvents"].(int64) != 0 {
		t.Errorf("Expected 0 total events, got %v", stats["totalEvents"])
	}
}

func TestHub_BroadcastAndStats(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Broadcast an event
	h.Broadcast(&Event{Type: EventVerdict, Timestamp: time.Now()})
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["totalEvents"].(int64) != 1 {
		t.Errorf("Expected 1 total event, got %v", stats["totalEvents"])
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("Expected 1 connected client, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak 1, got %v", stats["peakClients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	// Peak should still be 1
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak still 1, got %v", stats["peakClients"])
	}
}

func TestHub_BroadcastToClient(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	h.BroadcastVerdict("0xaaaa", "0xab01", true, 0.9, "0xdead")

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for broadcast")
	}
}

func TestHub_BroadcastLifecycle(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Should not panic
	h.BroadcastLifecycle(EventEscrowReleased, "0xaaaa", "0xab01", "Completed")
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
		// Hub stopped
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}

func TestHub_FilteredBroadcast(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Client only wants verdicts
	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{EventTypes: []EventType{EventVerdict}},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	// Send an escalation event (should be filtered out)
	h.Broadcast(&Event{Type: EventDisputeEscalated, Timestamp: time.Now()})
	time.Sleep(100 * time.Millisecond)

	select {
	case <-client.send:
		t.Error("Client should NOT receive dispute_escalated event")
	default:
		// Good - filtered out
	}

	// Send a verdict event (should be received)
	h.Broadcast(&Event{Type: EventVerdict, Timestamp: time.Now()})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Client should receive verdict event")
	}
}
