package escrow

import (
	"context"
	"log/slog"
	"testing"
	"time"
)

// dueEscrow creates a holding escrow whose deadline is already in the past.
func dueEscrow(t *testing.T, s *Service, store *MemoryStore, orderID string) {
	t.Helper()
	newHeldEscrow(t, s, orderID)
	past := time.Now().UTC().Add(-time.Minute)
	if err := store.PushReleaseDue(context.Background(), orderID, past); err != nil {
		t.Fatalf("push due: %v", err)
	}
}

func TestTimerReleasesDueEscrow(t *testing.T) {
	store := NewMemoryStore()
	disputes := newStubDisputes()
	s := NewService(store, disputes, time.Hour)
	dueEscrow(t, s, store, "ord_1")

	timer := NewTimer(s, store, disputes, time.Hour, 24*time.Hour, slog.Default())
	timer.releaseDue(context.Background())

	e, err := s.Get(context.Background(), "ord_1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if e.Status != StatusReleased {
		t.Errorf("expected released, got %s", e.Status)
	}
	if e.FinalizedBy != AutoReleaseActor {
		t.Errorf("expected actor %s, got %s", AutoReleaseActor, e.FinalizedBy)
	}
}

func TestTimerDefersDisputedEscrow(t *testing.T) {
	store := NewMemoryStore()
	disputes := newStubDisputes()
	s := NewService(store, disputes, time.Hour)
	dueEscrow(t, s, store, "ord_1")
	disputes.set("ord_1", true)

	timer := NewTimer(s, store, disputes, time.Hour, 24*time.Hour, slog.Default())
	before := time.Now().UTC()
	timer.releaseDue(context.Background())

	e, err := s.Get(context.Background(), "ord_1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if e.Status != StatusHolding {
		t.Errorf("disputed escrow must stay holding, got %s", e.Status)
	}
	if e.ReleaseDueAt == nil || e.ReleaseDueAt.Before(before.Add(23*time.Hour)) {
		t.Errorf("deadline not pushed by recheck interval: %v", e.ReleaseDueAt)
	}
}

func TestTimerReleasesAfterDisputeResolved(t *testing.T) {
	store := NewMemoryStore()
	disputes := newStubDisputes()
	s := NewService(store, disputes, time.Hour)
	dueEscrow(t, s, store, "ord_1")

	disputes.set("ord_1", true)
	timer := NewTimer(s, store, disputes, time.Hour, time.Millisecond, slog.Default())
	timer.releaseDue(context.Background())

	// Deadline was pushed by only 1ms; after resolution the next scan fires.
	disputes.set("ord_1", false)
	time.Sleep(5 * time.Millisecond)
	timer.releaseDue(context.Background())

	e, err := s.Get(context.Background(), "ord_1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if e.Status != StatusReleased {
		t.Errorf("expected released after resolution, got %s", e.Status)
	}
}

func TestTimerSkipsFinalizedEscrow(t *testing.T) {
	store := NewMemoryStore()
	disputes := newStubDisputes()
	s := NewService(store, disputes, time.Hour)
	dueEscrow(t, s, store, "ord_1")

	// A buyer confirms delivery between the list and the release.
	if _, err := s.Refund(context.Background(), "ord_1", "admin-1"); err != nil {
		t.Fatalf("refund: %v", err)
	}

	timer := NewTimer(s, store, disputes, time.Hour, 24*time.Hour, slog.Default())
	timer.releaseDue(context.Background())

	e, err := s.Get(context.Background(), "ord_1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if e.Status != StatusRefunded {
		t.Errorf("finalized escrow must not change, got %s", e.Status)
	}
}

func TestTimerStartStop(t *testing.T) {
	store := NewMemoryStore()
	disputes := newStubDisputes()
	s := NewService(store, disputes, time.Hour)

	timer := NewTimer(s, store, disputes, 10*time.Millisecond, time.Hour, slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go timer.Start(ctx)
	time.Sleep(30 * time.Millisecond)
	if !timer.Running() {
		t.Fatal("timer should be running")
	}
	timer.Stop()
	time.Sleep(30 * time.Millisecond)
	if timer.Running() {
		t.Fatal("timer should have stopped")
	}
}
