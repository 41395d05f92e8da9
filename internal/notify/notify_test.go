package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
)

// recordingSink captures emitted events and can be told to fail.
type recordingSink struct {
	mu     sync.Mutex
	events []*Event
	fail   bool
}

func (s *recordingSink) Emit(ctx context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("sink down")
	}
	s.events = append(s.events, event)
	return nil
}

func (s *recordingSink) Close() error { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHubFansOutToAllSinks(t *testing.T) {
	a := &recordingSink{}
	b := &recordingSink{}
	hub := NewHub(testLogger()).AddSink("a", a).AddSink("b", b)

	hub.Publish(EventPaymentConfirmed, "ord_1", map[string]interface{}{"amountSats": int64(1000)})

	for name, sink := range map[string]*recordingSink{"a": a, "b": b} {
		sink.mu.Lock()
		n := len(sink.events)
		sink.mu.Unlock()
		if n != 1 {
			t.Errorf("sink %s got %d events, want 1", name, n)
		}
	}
}

func TestHubSinkFailureDoesNotPropagate(t *testing.T) {
	broken := &recordingSink{fail: true}
	healthy := &recordingSink{}
	hub := NewHub(testLogger()).AddSink("broken", broken).AddSink("healthy", healthy)

	// Must not panic or block; the healthy sink still gets the event.
	hub.Publish(EventEscrowReleased, "ord_1", nil)

	healthy.mu.Lock()
	defer healthy.mu.Unlock()
	if len(healthy.events) != 1 {
		t.Errorf("healthy sink got %d events, want 1", len(healthy.events))
	}
}

func TestNilHubPublishIsSafe(t *testing.T) {
	var hub *Hub
	hub.Publish(EventOrderCreated, "ord_1", nil)
}

func TestEventCarriesIdentity(t *testing.T) {
	sink := &recordingSink{}
	hub := NewHub(testLogger()).AddSink("a", sink)

	hub.Publish(EventDisputeOpened, "ord_42", map[string]interface{}{"reason": "not delivered"})

	sink.mu.Lock()
	defer sink.mu.Unlock()
	e := sink.events[0]
	if e.ID == "" || e.Timestamp.IsZero() {
		t.Error("event missing ID or timestamp")
	}
	if e.OrderID != "ord_42" || e.Type != EventDisputeOpened {
		t.Errorf("event = %+v", e)
	}
}
