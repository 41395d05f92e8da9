package affiliate

import (
	"context"
	"errors"
	"testing"

	"github.com/hvx-labs/escrowd/internal/testutil"
)

// Integration tests against a real PostgreSQL instance. Skipped unless
// POSTGRES_URL is set.

func TestPostgresCommissionAndPayout(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)
	svc := NewService(store, 200)

	if err := svc.RecordCommission(ctx, "aff-pg-1", "ord_pg_1", 1_000_000); err != nil {
		t.Fatalf("RecordCommission: %v", err)
	}

	bal, err := svc.GetBalance(ctx, "aff-pg-1")
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if bal.AvailableSats != 20_000 {
		t.Errorf("available = %d, want 20000", bal.AvailableSats)
	}

	// Replay must not double-credit.
	err = svc.RecordCommission(ctx, "aff-pg-1", "ord_pg_1", 1_000_000)
	if !errors.Is(err, ErrDuplicateCommission) {
		t.Errorf("replay error = %v, want ErrDuplicateCommission", err)
	}

	entry, err := svc.Payout(ctx, "aff-pg-1", 15_000, "tb1qpayout000000000000000000000000000000000")
	if err != nil {
		t.Fatalf("Payout: %v", err)
	}
	if entry.Type != EntryPayout {
		t.Errorf("entry type = %q, want payout", entry.Type)
	}

	bal, err = svc.GetBalance(ctx, "aff-pg-1")
	if err != nil {
		t.Fatalf("GetBalance after payout: %v", err)
	}
	if bal.AvailableSats != 5_000 {
		t.Errorf("available after payout = %d, want 5000", bal.AvailableSats)
	}
	if bal.TotalPaidSats != 15_000 {
		t.Errorf("total paid = %d, want 15000", bal.TotalPaidSats)
	}

	// Overdraw is rejected by the store's guarded debit.
	if _, err := svc.Payout(ctx, "aff-pg-1", 50_000, "tb1qpayout000000000000000000000000000000000"); !errors.Is(err, ErrInsufficientBalance) {
		t.Errorf("overdraw error = %v, want ErrInsufficientBalance", err)
	}

	history, err := svc.GetHistory(ctx, "aff-pg-1", 10)
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
	if history[0].Type != EntryPayout {
		t.Errorf("newest entry type = %q, want payout", history[0].Type)
	}
}
