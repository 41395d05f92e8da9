// Package escrow holds buyer funds between payment confirmation and release.
//
// Lifecycle:
//
//	open -> holding -> released (to vendor) XOR refunded (to buyer)
//
// The holding -> released/refunded step is a compare-and-set on status in
// the store, so exactly one of release and refund ever fires no matter how
// many callers race. Release additionally requires a confirmed payment and
// no open dispute.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hvx-labs/escrowd/internal/logging"
	"github.com/hvx-labs/escrowd/internal/metrics"
	"github.com/hvx-labs/escrowd/internal/syncutil"
)

var (
	ErrEscrowNotFound      = errors.New("escrow not found")
	ErrAlreadyFinalized    = errors.New("escrow already released or refunded")
	ErrPaymentNotConfirmed = errors.New("payment not confirmed, escrow is not holding funds")
	ErrDisputeOpen         = errors.New("open dispute blocks escrow release")
	ErrConflict            = errors.New("escrow was modified concurrently")
)

// Status represents the state of an escrow.
type Status string

const (
	StatusOpen     Status = "open"     // created, no confirmed funds yet
	StatusHolding  Status = "holding"  // payment confirmed, funds held
	StatusReleased Status = "released" // paid out to vendor
	StatusRefunded Status = "refunded" // returned to buyer
)

// Escrow is the held-funds record for one order.
type Escrow struct {
	OrderID      string     `json:"orderId"`
	AmountSats   int64      `json:"amountSats"`
	Status       Status     `json:"status"`
	HeldAt       *time.Time `json:"heldAt,omitempty"`
	ReleaseDueAt *time.Time `json:"releaseDueAt,omitempty"` // auto-release deadline
	FinalizedAt  *time.Time `json:"finalizedAt,omitempty"`
	FinalizedBy  string     `json:"finalizedBy,omitempty"` // actor: buyer, admin ID, or "auto_release"
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// IsFinal reports whether the escrow has fired.
func (e *Escrow) IsFinal() bool {
	return e.Status == StatusReleased || e.Status == StatusRefunded
}

// Store persists escrows. MarkHeld and Finalize are compare-and-set
// operations: they only succeed from the expected current status and
// return ErrConflict otherwise.
type Store interface {
	Create(ctx context.Context, e *Escrow) error
	Get(ctx context.Context, orderID string) (*Escrow, error)
	// MarkHeld moves open -> holding and records heldAt / releaseDueAt.
	MarkHeld(ctx context.Context, orderID string, heldAt, releaseDueAt time.Time) error
	// Finalize moves holding -> released or refunded.
	Finalize(ctx context.Context, orderID string, to Status, actor string, at time.Time) error
	// PushReleaseDue moves the auto-release deadline forward.
	PushReleaseDue(ctx context.Context, orderID string, due time.Time) error
	// ListReleaseDue returns holding escrows whose deadline has passed.
	ListReleaseDue(ctx context.Context, before time.Time, limit int) ([]*Escrow, error)
}

// DisputeChecker reports whether an order has an open dispute.
// Implemented by the dispute service; an interface here avoids the import.
type DisputeChecker interface {
	HasOpen(ctx context.Context, orderID string) (bool, error)
}

// Listener observes escrow finalizations. The facade uses this to advance
// the order state machine and emit notifications.
type Listener interface {
	EscrowReleased(ctx context.Context, orderID, actor string)
	EscrowRefunded(ctx context.Context, orderID, actor string)
}

// Service implements escrow business logic.
type Service struct {
	store         Store
	disputes      DisputeChecker
	listener      Listener
	holdingWindow time.Duration
	locks         syncutil.ShardedMutex
}

// NewService creates an escrow service. holdingWindow is how long funds
// stay held before auto-release.
func NewService(store Store, disputes DisputeChecker, holdingWindow time.Duration) *Service {
	return &Service{
		store:         store,
		disputes:      disputes,
		holdingWindow: holdingWindow,
	}
}

// WithListener registers a finalization listener.
func (s *Service) WithListener(l Listener) *Service {
	s.listener = l
	return s
}

// Open creates the escrow record for an order. No funds are held yet.
func (s *Service) Open(ctx context.Context, orderID string, amountSats int64) (*Escrow, error) {
	if amountSats <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	now := time.Now().UTC()
	e := &Escrow{
		OrderID:    orderID,
		AmountSats: amountSats,
		Status:     StatusOpen,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.Create(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// Hold marks the escrow as holding confirmed funds and schedules the
// auto-release deadline. Safe to call more than once; only the first call
// transitions.
func (s *Service) Hold(ctx context.Context, orderID string) (*Escrow, error) {
	unlock := s.locks.Lock(orderID)
	defer unlock()

	now := time.Now().UTC()
	err := s.store.MarkHeld(ctx, orderID, now, now.Add(s.holdingWindow))
	if errors.Is(err, ErrConflict) {
		// Already holding or finalized; report current state.
		e, getErr := s.store.Get(ctx, orderID)
		if getErr != nil {
			return nil, getErr
		}
		if e.IsFinal() {
			return nil, ErrAlreadyFinalized
		}
		return e, nil
	}
	if err != nil {
		return nil, err
	}
	return s.store.Get(ctx, orderID)
}

// Release pays the held funds out to the vendor. Exactly one of Release
// and Refund succeeds per escrow. An open dispute blocks release; the
// caller treats ErrDisputeOpen as a normal state, not a failure.
func (s *Service) Release(ctx context.Context, orderID, actor string) (*Escrow, error) {
	unlock := s.locks.Lock(orderID)
	defer unlock()

	open, err := s.disputes.HasOpen(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("check dispute: %w", err)
	}
	if open {
		return nil, ErrDisputeOpen
	}

	return s.finalize(ctx, orderID, StatusReleased, actor)
}

// Refund returns the held funds to the buyer. Not blocked by disputes:
// refunding is always safe for the buyer.
func (s *Service) Refund(ctx context.Context, orderID, actor string) (*Escrow, error) {
	unlock := s.locks.Lock(orderID)
	defer unlock()

	return s.finalize(ctx, orderID, StatusRefunded, actor)
}

// caller must hold the per-order lock.
func (s *Service) finalize(ctx context.Context, orderID string, to Status, actor string) (*Escrow, error) {
	e, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if e.IsFinal() {
		return nil, ErrAlreadyFinalized
	}
	if e.Status != StatusHolding {
		return nil, ErrPaymentNotConfirmed
	}

	now := time.Now().UTC()
	if err := s.store.Finalize(ctx, orderID, to, actor, now); err != nil {
		if errors.Is(err, ErrConflict) {
			// Lost the race against the other finalizer.
			return nil, ErrAlreadyFinalized
		}
		return nil, err
	}

	metrics.EscrowsTotal.WithLabelValues(string(to)).Inc()
	if e.HeldAt != nil {
		metrics.EscrowHoldDuration.Observe(now.Sub(*e.HeldAt).Seconds())
	}
	logging.L(ctx).Info("escrow finalized",
		"order_id", orderID, "outcome", string(to), "actor", actor)

	if s.listener != nil {
		switch to {
		case StatusReleased:
			s.listener.EscrowReleased(ctx, orderID, actor)
		case StatusRefunded:
			s.listener.EscrowRefunded(ctx, orderID, actor)
		}
	}

	return s.store.Get(ctx, orderID)
}

// PushReleaseDue defers the auto-release deadline, used while a dispute
// stays open at fire time.
func (s *Service) PushReleaseDue(ctx context.Context, orderID string, by time.Duration) error {
	return s.store.PushReleaseDue(ctx, orderID, time.Now().UTC().Add(by))
}

// Get returns an escrow by order ID.
func (s *Service) Get(ctx context.Context, orderID string) (*Escrow, error) {
	return s.store.Get(ctx, orderID)
}
