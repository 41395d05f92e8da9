package dispute

import (
	"context"
	"errors"
	"testing"
)

func TestOpenCreatesDispute(t *testing.T) {
	s := NewService(NewMemoryStore())

	d, err := s.Open(context.Background(), "ord_1", "buyer-1", "item never arrived")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if d.Status != StatusOpen {
		t.Errorf("expected open, got %s", d.Status)
	}
	if d.OrderID != "ord_1" || d.OpenedBy != "buyer-1" {
		t.Errorf("unexpected dispute: %+v", d)
	}
}

func TestOpenRequiresReason(t *testing.T) {
	s := NewService(NewMemoryStore())
	_, err := s.Open(context.Background(), "ord_1", "buyer-1", "")
	if err == nil {
		t.Fatal("expected error for empty reason")
	}
}

func TestSecondOpenDisputeRejected(t *testing.T) {
	s := NewService(NewMemoryStore())
	ctx := context.Background()

	if _, err := s.Open(ctx, "ord_1", "buyer-1", "not as described"); err != nil {
		t.Fatalf("first open: %v", err)
	}
	_, err := s.Open(ctx, "ord_1", "vendor-1", "buyer is lying")
	if !errors.Is(err, ErrDisputeAlreadyOpen) {
		t.Fatalf("expected ErrDisputeAlreadyOpen, got %v", err)
	}
}

func TestReopenAfterResolutionAllowed(t *testing.T) {
	s := NewService(NewMemoryStore())
	ctx := context.Background()

	d, err := s.Open(ctx, "ord_1", "buyer-1", "first issue")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := s.Resolve(ctx, d.ID, "admin-1", OutcomeSplit, "half each"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := s.Open(ctx, "ord_1", "buyer-1", "second issue"); err != nil {
		t.Fatalf("reopen after resolution: %v", err)
	}
}

func TestResolveOutcomes(t *testing.T) {
	s := NewService(NewMemoryStore())
	ctx := context.Background()

	for _, outcome := range []Outcome{OutcomeFavorBuyer, OutcomeFavorVendor, OutcomeSplit} {
		d, err := s.Open(ctx, "ord_"+string(outcome), "buyer-1", "issue")
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		got, err := s.Resolve(ctx, d.ID, "admin-1", outcome, "decided")
		if err != nil {
			t.Fatalf("resolve %s: %v", outcome, err)
		}
		if got.Status != StatusResolved || got.Outcome != outcome || got.ResolvedBy != "admin-1" {
			t.Errorf("unexpected resolution: %+v", got)
		}
		if got.ResolvedAt == nil {
			t.Error("expected resolved_at set")
		}
	}
}

func TestResolveRejectsUnknownOutcome(t *testing.T) {
	s := NewService(NewMemoryStore())
	ctx := context.Background()

	d, err := s.Open(ctx, "ord_1", "buyer-1", "issue")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_, err = s.Resolve(ctx, d.ID, "admin-1", Outcome("favor_admin"), "nope")
	if !errors.Is(err, ErrInvalidOutcome) {
		t.Fatalf("expected ErrInvalidOutcome, got %v", err)
	}
}

func TestResolveTwiceRejected(t *testing.T) {
	s := NewService(NewMemoryStore())
	ctx := context.Background()

	d, err := s.Open(ctx, "ord_1", "buyer-1", "issue")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := s.Resolve(ctx, d.ID, "admin-1", OutcomeFavorBuyer, "refund"); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	_, err = s.Resolve(ctx, d.ID, "admin-2", OutcomeFavorVendor, "release")
	if !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved, got %v", err)
	}
}

func TestHasOpen(t *testing.T) {
	s := NewService(NewMemoryStore())
	ctx := context.Background()

	open, err := s.HasOpen(ctx, "ord_1")
	if err != nil || open {
		t.Fatalf("expected no open dispute, got open=%v err=%v", open, err)
	}

	d, err := s.Open(ctx, "ord_1", "buyer-1", "issue")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	open, err = s.HasOpen(ctx, "ord_1")
	if err != nil || !open {
		t.Fatalf("expected open dispute, got open=%v err=%v", open, err)
	}

	if _, err := s.Resolve(ctx, d.ID, "admin-1", OutcomeSplit, "split"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	open, err = s.HasOpen(ctx, "ord_1")
	if err != nil || open {
		t.Fatalf("expected no open dispute after resolution, got open=%v err=%v", open, err)
	}
}
