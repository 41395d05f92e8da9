package facade

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/hvx-labs/escrowd/internal/address"
	"github.com/hvx-labs/escrowd/internal/affiliate"
	"github.com/hvx-labs/escrowd/internal/chain"
	"github.com/hvx-labs/escrowd/internal/dispute"
	"github.com/hvx-labs/escrowd/internal/escrow"
	"github.com/hvx-labs/escrowd/internal/notify"
	"github.com/hvx-labs/escrowd/internal/order"
	"github.com/hvx-labs/escrowd/internal/payment"
)

type env struct {
	facade     *Facade
	orders     *order.Service
	payments   *payment.Service
	escrows    *escrow.Service
	disputes   *dispute.Service
	addresses  *address.Allocator
	affiliates *affiliate.Service
}

func newTestEnv(t *testing.T) *env {
	t.Helper()

	pool := make([]string, 0, 32)
	for i := 0; i < 32; i++ {
		pool = append(pool, fmt.Sprintf("tb1qtestpool%020d", i))
	}

	orders := order.NewService(order.NewMemoryStore())
	disputes := dispute.NewService(dispute.NewMemoryStore())
	escrows := escrow.NewService(escrow.NewMemoryStore(), disputes, 14*24*time.Hour)
	payments := payment.NewService(payment.NewMemoryStore(), payment.ConfirmationPolicy{
		SmallCeilingSats: 10_000_000,
		Small:            1,
		Large:            3,
	}, 24*time.Hour)
	addresses := address.NewAllocator(address.NewStaticSource(pool), address.NewMemoryStore())
	affiliates := affiliate.NewService(affiliate.NewMemoryStore(), 200)
	events := notify.NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))

	f := New(orders, payments, escrows, disputes, addresses, affiliates, events)
	payments.WithListener(f)
	escrows.WithListener(f)

	return &env{
		facade:     f,
		orders:     orders,
		payments:   payments,
		escrows:    escrows,
		disputes:   disputes,
		addresses:  addresses,
		affiliates: affiliates,
	}
}

func createOrder(t *testing.T, e *env, p CreateOrderParams) *order.Order {
	t.Helper()
	if p.BuyerID == "" {
		p.BuyerID = "buyer-1"
	}
	if p.VendorID == "" {
		p.VendorID = "vendor-1"
	}
	if p.AmountSats == 0 {
		p.AmountSats = 1_000_000 // 0.01 BTC
	}
	o, err := e.facade.CreateOrder(context.Background(), p)
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	return o
}

// payOrder simulates the watcher observing a fully confirmed payment.
func payOrder(t *testing.T, e *env, o *order.Order) {
	t.Helper()
	err := e.payments.ApplyObservation(context.Background(), o.ID, []chain.AddressTx{
		{Txid: "aa11", ValueSats: o.AmountSats, Confirmations: 6},
	})
	if err != nil {
		t.Fatalf("pay order: %v", err)
	}
}

func orderStatus(t *testing.T, e *env, orderID string) order.Status {
	t.Helper()
	o, err := e.orders.Get(context.Background(), orderID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	return o.Status
}

func TestCreateOrderWiresEverything(t *testing.T) {
	e := newTestEnv(t)
	o := createOrder(t, e, CreateOrderParams{})
	ctx := context.Background()

	if o.Status != order.StatusAwaitingPayment {
		t.Errorf("status = %s", o.Status)
	}
	if o.Address == "" {
		t.Fatal("no deposit address bound")
	}
	if _, err := e.escrows.Get(ctx, o.ID); err != nil {
		t.Errorf("no escrow record: %v", err)
	}
	p, err := e.payments.Get(ctx, o.ID)
	if err != nil {
		t.Fatalf("no payment record: %v", err)
	}
	if p.Address != o.Address || p.ExpectedSats != o.AmountSats {
		t.Errorf("payment watch mismatch: %+v", p)
	}
}

func TestCreateOrderIdempotencyKeyReplay(t *testing.T) {
	e := newTestEnv(t)
	params := CreateOrderParams{IdempotencyKey: "key-1"}

	first := createOrder(t, e, params)
	second := createOrder(t, e, params)

	if first.ID != second.ID {
		t.Errorf("replay created a second order: %s vs %s", first.ID, second.ID)
	}
	if first.Address != second.Address {
		t.Errorf("replay bound a second address: %s vs %s", first.Address, second.Address)
	}
}

func TestCreateOrderReplayResumesInterruptedSetup(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	// A prior attempt persisted the order but crashed before binding an
	// address or opening the escrow and payment records.
	stub, err := e.orders.Create(ctx, order.CreateParams{
		BuyerID:        "buyer-1",
		VendorID:       "vendor-1",
		AmountSats:     1_000_000,
		IdempotencyKey: "key-crash",
	})
	if err != nil {
		t.Fatalf("seed order: %v", err)
	}

	o, err := e.facade.CreateOrder(ctx, CreateOrderParams{
		BuyerID:        "buyer-1",
		VendorID:       "vendor-1",
		AmountSats:     1_000_000,
		IdempotencyKey: "key-crash",
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if o.ID != stub.ID {
		t.Fatalf("replay created a second order: %s vs %s", stub.ID, o.ID)
	}
	if o.Address == "" {
		t.Fatal("replay left the order without a deposit address")
	}
	stored, err := e.orders.Get(ctx, o.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if stored.Address != o.Address {
		t.Errorf("stored address %q, returned %q", stored.Address, o.Address)
	}
	if _, err := e.escrows.Get(ctx, o.ID); err != nil {
		t.Errorf("no escrow record after replay: %v", err)
	}
	p, err := e.payments.Get(ctx, o.ID)
	if err != nil {
		t.Fatalf("no payment watch after replay: %v", err)
	}
	if p.Address != o.Address || p.ExpectedSats != o.AmountSats {
		t.Errorf("payment watch mismatch: %+v", p)
	}

	// The resumed order is fundable end to end.
	payOrder(t, e, o)
	if got := orderStatus(t, e, o.ID); got != order.StatusInEscrow {
		t.Errorf("after payment: order %s, want in_escrow", got)
	}

	// A further replay is a plain no-op.
	again, err := e.facade.CreateOrder(ctx, CreateOrderParams{
		BuyerID:        "buyer-1",
		VendorID:       "vendor-1",
		AmountSats:     1_000_000,
		IdempotencyKey: "key-crash",
	})
	if err != nil {
		t.Fatalf("second replay: %v", err)
	}
	if again.ID != o.ID || again.Address != o.Address {
		t.Errorf("second replay changed the order: %+v", again)
	}
}

func TestDistinctKeysGetDistinctAddresses(t *testing.T) {
	e := newTestEnv(t)

	a := createOrder(t, e, CreateOrderParams{IdempotencyKey: "key-1"})
	b := createOrder(t, e, CreateOrderParams{IdempotencyKey: "key-2"})

	if a.Address == b.Address {
		t.Errorf("two open orders share address %s", a.Address)
	}
}

func TestHappyPathToCompletion(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	o := createOrder(t, e, CreateOrderParams{AffiliateID: "aff-1"})

	payOrder(t, e, o)
	if got := orderStatus(t, e, o.ID); got != order.StatusInEscrow {
		t.Fatalf("after payment: order %s, want in_escrow", got)
	}
	esc, _ := e.escrows.Get(ctx, o.ID)
	if esc.Status != escrow.StatusHolding {
		t.Fatalf("escrow %s, want holding", esc.Status)
	}

	if _, err := e.facade.MarkShipped(ctx, o.ID, "vendor-1"); err != nil {
		t.Fatalf("ship: %v", err)
	}
	if _, err := e.facade.ConfirmDelivery(ctx, o.ID, "buyer-1"); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	if got := orderStatus(t, e, o.ID); got != order.StatusCompleted {
		t.Errorf("final order status %s, want completed", got)
	}
	esc, _ = e.escrows.Get(ctx, o.ID)
	if esc.Status != escrow.StatusReleased {
		t.Errorf("escrow %s, want released", esc.Status)
	}

	// 2% of 0.01 BTC
	bal, err := e.affiliates.GetBalance(ctx, "aff-1")
	if err != nil {
		t.Fatalf("affiliate balance: %v", err)
	}
	if bal.AvailableSats != 20_000 {
		t.Errorf("commission = %d sats, want 20000", bal.AvailableSats)
	}
}

func TestConfirmDeliveryOnlyByBuyer(t *testing.T) {
	e := newTestEnv(t)
	o := createOrder(t, e, CreateOrderParams{})
	payOrder(t, e, o)

	_, err := e.facade.ConfirmDelivery(context.Background(), o.ID, "vendor-1")
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if got := orderStatus(t, e, o.ID); got != order.StatusInEscrow {
		t.Errorf("order moved to %s", got)
	}
}

func TestMarkShippedOnlyByVendor(t *testing.T) {
	e := newTestEnv(t)
	o := createOrder(t, e, CreateOrderParams{})
	payOrder(t, e, o)

	if _, err := e.facade.MarkShipped(context.Background(), o.ID, "buyer-1"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestOpenDisputeBlocksRelease(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	o := createOrder(t, e, CreateOrderParams{})
	payOrder(t, e, o)

	if _, err := e.facade.OpenDispute(ctx, o.ID, "buyer-1", "never arrived"); err != nil {
		t.Fatalf("open dispute: %v", err)
	}
	if got := orderStatus(t, e, o.ID); got != order.StatusDisputed {
		t.Fatalf("order %s, want disputed", got)
	}

	if _, err := e.facade.ConfirmDelivery(ctx, o.ID, "buyer-1"); !errors.Is(err, escrow.ErrDisputeOpen) {
		t.Errorf("buyer release: expected ErrDisputeOpen, got %v", err)
	}
	if _, err := e.facade.AdminForceRelease(ctx, o.ID, "adm-1"); !errors.Is(err, escrow.ErrDisputeOpen) {
		t.Errorf("admin release: expected ErrDisputeOpen, got %v", err)
	}

	// Refund stays available to protect the buyer.
	if _, err := e.facade.AdminForceRefund(ctx, o.ID, "adm-1"); err != nil {
		t.Errorf("refund during dispute: %v", err)
	}
}

func TestOpenDisputeRejectsUnpaidOrder(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	o := createOrder(t, e, CreateOrderParams{})

	_, err := e.facade.OpenDispute(ctx, o.ID, "buyer-1", "changed my mind")
	if !errors.Is(err, order.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if got := orderStatus(t, e, o.ID); got != order.StatusAwaitingPayment {
		t.Errorf("order moved to %s", got)
	}
	if open, _ := e.disputes.HasOpen(ctx, o.ID); open {
		t.Error("dispute persisted on an unpaid order")
	}
}

func TestOpenDisputeRejectsCompletedOrder(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	o := createOrder(t, e, CreateOrderParams{})
	payOrder(t, e, o)
	if _, err := e.facade.ConfirmDelivery(ctx, o.ID, "buyer-1"); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	_, err := e.facade.OpenDispute(ctx, o.ID, "buyer-1", "too late")
	if !errors.Is(err, order.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestResolveFavorBuyerRefundsAndCancels(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	o := createOrder(t, e, CreateOrderParams{})
	payOrder(t, e, o)

	d, err := e.facade.OpenDispute(ctx, o.ID, "buyer-1", "never arrived")
	if err != nil {
		t.Fatalf("open dispute: %v", err)
	}
	if _, err := e.facade.ResolveDispute(ctx, d.ID, "adm-1", dispute.OutcomeFavorBuyer, "vendor unresponsive"); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	esc, _ := e.escrows.Get(ctx, o.ID)
	if esc.Status != escrow.StatusRefunded {
		t.Errorf("escrow %s, want refunded", esc.Status)
	}
	if got := orderStatus(t, e, o.ID); got != order.StatusCancelled {
		t.Errorf("order %s, want cancelled", got)
	}
}

func TestResolveFavorVendorReleasesAndCompletes(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	o := createOrder(t, e, CreateOrderParams{})
	payOrder(t, e, o)

	d, err := e.facade.OpenDispute(ctx, o.ID, "vendor-1", "buyer refuses to confirm")
	if err != nil {
		t.Fatalf("open dispute: %v", err)
	}
	if _, err := e.facade.ResolveDispute(ctx, d.ID, "adm-1", dispute.OutcomeFavorVendor, "tracking shows delivery"); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	esc, _ := e.escrows.Get(ctx, o.ID)
	if esc.Status != escrow.StatusReleased {
		t.Errorf("escrow %s, want released", esc.Status)
	}
	if got := orderStatus(t, e, o.ID); got != order.StatusCompleted {
		t.Errorf("order %s, want completed", got)
	}
}

func TestResolveSplitRestoresPriorStatus(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	o := createOrder(t, e, CreateOrderParams{})
	payOrder(t, e, o)
	if _, err := e.facade.MarkShipped(ctx, o.ID, "vendor-1"); err != nil {
		t.Fatalf("ship: %v", err)
	}

	d, err := e.facade.OpenDispute(ctx, o.ID, "buyer-1", "item damaged")
	if err != nil {
		t.Fatalf("open dispute: %v", err)
	}
	if _, err := e.facade.ResolveDispute(ctx, d.ID, "adm-1", dispute.OutcomeSplit, "partial refund agreed off-platform"); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	if got := orderStatus(t, e, o.ID); got != order.StatusShipped {
		t.Errorf("order %s, want shipped restored", got)
	}
	esc, _ := e.escrows.Get(ctx, o.ID)
	if esc.Status != escrow.StatusHolding {
		t.Errorf("escrow %s, want still holding", esc.Status)
	}
}

func TestPaymentExpiryCancelsOrderAndFreesAddress(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	o := createOrder(t, e, CreateOrderParams{})

	e.payments.ExpireStale(ctx, time.Now().UTC().Add(25*time.Hour))

	if got := orderStatus(t, e, o.ID); got != order.StatusCancelled {
		t.Errorf("order %s, want cancelled", got)
	}
	binding, err := e.addresses.Lookup(ctx, o.ID)
	if err != nil {
		t.Fatalf("lookup binding: %v", err)
	}
	if binding.ReleasedAt == nil {
		t.Error("address binding not released back to the pool")
	}
}

func TestReleaseFiresSideEffectsOnce(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	o := createOrder(t, e, CreateOrderParams{AffiliateID: "aff-1"})
	payOrder(t, e, o)

	if _, err := e.facade.ConfirmDelivery(ctx, o.ID, "buyer-1"); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	// Replays and the admin path both lose against the finalized escrow.
	if _, err := e.facade.ConfirmDelivery(ctx, o.ID, "buyer-1"); !errors.Is(err, escrow.ErrAlreadyFinalized) {
		t.Errorf("second confirm: %v", err)
	}
	if _, err := e.facade.AdminForceRefund(ctx, o.ID, "adm-1"); !errors.Is(err, escrow.ErrAlreadyFinalized) {
		t.Errorf("refund after release: %v", err)
	}

	bal, _ := e.affiliates.GetBalance(ctx, "aff-1")
	if bal.AvailableSats != 20_000 {
		t.Errorf("commission recorded %d sats, want exactly 20000", bal.AvailableSats)
	}
}
