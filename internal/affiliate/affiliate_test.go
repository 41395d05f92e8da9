package affiliate

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestCommissionArithmetic(t *testing.T) {
	s := NewService(NewMemoryStore(), 200) // 2%

	cases := []struct {
		orderSats int64
		want      int64
	}{
		{1_000_000, 20_000},
		{50_000_000, 1_000_000},
		{49, 0}, // rounds down to zero
		{50, 1},
	}
	for _, tc := range cases {
		if got := s.Commission(tc.orderSats); got != tc.want {
			t.Errorf("Commission(%d) = %d, want %d", tc.orderSats, got, tc.want)
		}
	}
}

func TestRecordCommissionCreditsBalance(t *testing.T) {
	s := NewService(NewMemoryStore(), 200)
	ctx := context.Background()

	if err := s.RecordCommission(ctx, "aff-1", "ord_1", 1_000_000); err != nil {
		t.Fatalf("record: %v", err)
	}

	bal, err := s.GetBalance(ctx, "aff-1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if bal.AvailableSats != 20_000 {
		t.Errorf("available = %d, want 20000", bal.AvailableSats)
	}
	if bal.TotalEarnedSats != 20_000 {
		t.Errorf("total earned = %d, want 20000", bal.TotalEarnedSats)
	}
}

func TestRecordCommissionOncePerOrder(t *testing.T) {
	s := NewService(NewMemoryStore(), 200)
	ctx := context.Background()

	if err := s.RecordCommission(ctx, "aff-1", "ord_1", 1_000_000); err != nil {
		t.Fatalf("first record: %v", err)
	}
	err := s.RecordCommission(ctx, "aff-1", "ord_1", 1_000_000)
	if !errors.Is(err, ErrDuplicateCommission) {
		t.Fatalf("expected ErrDuplicateCommission, got %v", err)
	}

	bal, _ := s.GetBalance(ctx, "aff-1")
	if bal.AvailableSats != 20_000 {
		t.Errorf("replay changed balance: %d", bal.AvailableSats)
	}
}

func TestPayoutNeverOverdraws(t *testing.T) {
	s := NewService(NewMemoryStore(), 200)
	ctx := context.Background()

	if err := s.RecordCommission(ctx, "aff-1", "ord_1", 1_000_000); err != nil {
		t.Fatalf("record: %v", err)
	}

	if _, err := s.Payout(ctx, "aff-1", 30_000, "bc1qpayout"); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	entry, err := s.Payout(ctx, "aff-1", 20_000, "bc1qpayout")
	if err != nil {
		t.Fatalf("payout: %v", err)
	}
	if entry.Type != EntryPayout {
		t.Errorf("entry type = %s", entry.Type)
	}

	bal, _ := s.GetBalance(ctx, "aff-1")
	if bal.AvailableSats != 0 {
		t.Errorf("available = %d, want 0", bal.AvailableSats)
	}
	if bal.TotalPaidSats != 20_000 {
		t.Errorf("total paid = %d, want 20000", bal.TotalPaidSats)
	}
}

func TestConcurrentPayoutsRespectBalance(t *testing.T) {
	s := NewService(NewMemoryStore(), 200)
	ctx := context.Background()

	// 20,000 sats available, 10 racers each trying to take 15,000.
	if err := s.RecordCommission(ctx, "aff-1", "ord_1", 1_000_000); err != nil {
		t.Fatalf("record: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Payout(ctx, "aff-1", 15_000, "bc1qpayout"); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Errorf("%d payouts succeeded, want 1", successes)
	}
	bal, _ := s.GetBalance(ctx, "aff-1")
	if bal.AvailableSats < 0 {
		t.Errorf("balance went negative: %d", bal.AvailableSats)
	}
}

func TestHistoryNewestFirst(t *testing.T) {
	s := NewService(NewMemoryStore(), 200)
	ctx := context.Background()

	for _, orderID := range []string{"ord_1", "ord_2", "ord_3"} {
		if err := s.RecordCommission(ctx, "aff-1", orderID, 1_000_000); err != nil {
			t.Fatalf("record %s: %v", orderID, err)
		}
	}

	history, err := s.GetHistory(ctx, "aff-1", 2)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
	if history[0].OrderID != "ord_3" {
		t.Errorf("expected newest first, got %s", history[0].OrderID)
	}
}

func TestTinyOrderYieldsNoEntry(t *testing.T) {
	s := NewService(NewMemoryStore(), 200)
	ctx := context.Background()

	if err := s.RecordCommission(ctx, "aff-1", "ord_1", 10); err != nil {
		t.Fatalf("record: %v", err)
	}
	history, _ := s.GetHistory(ctx, "aff-1", 10)
	if len(history) != 0 {
		t.Errorf("zero-commission order produced %d entries", len(history))
	}
}
