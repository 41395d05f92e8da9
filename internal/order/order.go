// Package order owns the marketplace order lifecycle.
//
// Orders move through a guarded state machine:
//
//	awaiting_payment -> paid -> in_escrow -> shipped -> completed
//
// A dispute branches off paid, in_escrow, or shipped and returns the order
// to its prior state (or to cancelled/completed) on resolution. Awaiting
// orders with no payment activity are cancelled on expiry.
package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hvx-labs/escrowd/internal/idgen"
	"github.com/hvx-labs/escrowd/internal/metrics"
	"github.com/hvx-labs/escrowd/internal/syncutil"
)

var (
	ErrOrderNotFound     = errors.New("order not found")
	ErrInvalidTransition = errors.New("invalid order status transition")
	ErrConflict          = errors.New("order was modified concurrently")
	ErrDuplicateIdemKey  = errors.New("idempotency key already used")
	ErrNoPriorStatus     = errors.New("order has no recorded prior status")
)

// Status represents the state of an order.
type Status string

const (
	StatusAwaitingPayment Status = "awaiting_payment"
	StatusPaid            Status = "paid"
	StatusInEscrow        Status = "in_escrow"
	StatusShipped         Status = "shipped"
	StatusCompleted       Status = "completed"
	StatusDisputed        Status = "disputed"
	StatusCancelled       Status = "cancelled"
)

// transitions is the guarded transition table. Anything not listed is
// rejected with ErrInvalidTransition.
var transitions = map[Status]map[Status]bool{
	StatusAwaitingPayment: {
		StatusPaid:      true,
		StatusCancelled: true,
	},
	StatusPaid: {
		StatusInEscrow: true,
		StatusDisputed: true,
	},
	StatusInEscrow: {
		StatusShipped:   true,
		StatusCompleted: true,
		StatusDisputed:  true,
		StatusCancelled: true,
	},
	StatusShipped: {
		StatusCompleted: true,
		StatusDisputed:  true,
		StatusCancelled: true,
	},
	StatusDisputed: {
		StatusPaid:      true,
		StatusInEscrow:  true,
		StatusShipped:   true,
		StatusCompleted: true,
		StatusCancelled: true,
	},
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to Status) bool {
	return transitions[from][to]
}

// IsTerminal reports whether the status is final.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Order is one marketplace purchase.
type Order struct {
	ID             string    `json:"id"`
	BuyerID        string    `json:"buyerId"`
	VendorID       string    `json:"vendorId"`
	ListingID      string    `json:"listingId,omitempty"`
	AmountSats     int64     `json:"amountSats"`
	Address        string    `json:"address,omitempty"` // deposit address
	AffiliateID    string    `json:"affiliateId,omitempty"`
	IdempotencyKey string    `json:"-"`
	Status         Status    `json:"status"`
	PriorStatus    Status    `json:"-"` // status held when a dispute opened
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Store persists orders. UpdateStatus must be a compare-and-set on the
// current status so concurrent transitions cannot both win.
type Store interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	// GetByIdempotencyKey returns the order previously created by this buyer
	// with this key, or ErrOrderNotFound.
	GetByIdempotencyKey(ctx context.Context, buyerID, key string) (*Order, error)
	// UpdateStatus atomically moves the order from `from` to `to`.
	// When to is StatusDisputed the store records `from` as the prior status.
	// Returns ErrConflict if the order is no longer in `from`.
	UpdateStatus(ctx context.Context, id string, from, to Status) error
	// SetAddress records the deposit address once. Re-setting the same
	// address is a no-op; a different address returns ErrConflict.
	SetAddress(ctx context.Context, id, address string) error
	ListByBuyer(ctx context.Context, buyerID string, limit int) ([]*Order, error)
	ListByVendor(ctx context.Context, vendorID string, limit int) ([]*Order, error)
}

// Service implements order business logic.
type Service struct {
	store Store
	locks syncutil.ShardedMutex
}

// NewService creates an order service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// CreateParams are the inputs for creating an order.
type CreateParams struct {
	BuyerID        string
	VendorID       string
	ListingID      string
	AmountSats     int64
	AffiliateID    string
	IdempotencyKey string
}

// Create persists a new order in awaiting_payment.
// Idempotency-key dedup is the caller's concern (see facade.CreateOrder);
// the store enforces key uniqueness per buyer as a backstop.
func (s *Service) Create(ctx context.Context, p CreateParams) (*Order, error) {
	if p.AmountSats <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}

	now := time.Now().UTC()
	o := &Order{
		ID:             idgen.WithPrefix("ord_"),
		BuyerID:        p.BuyerID,
		VendorID:       p.VendorID,
		ListingID:      p.ListingID,
		AmountSats:     p.AmountSats,
		AffiliateID:    p.AffiliateID,
		IdempotencyKey: p.IdempotencyKey,
		Status:         StatusAwaitingPayment,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.Create(ctx, o); err != nil {
		return nil, err
	}
	metrics.OrdersTotal.WithLabelValues(string(StatusAwaitingPayment)).Inc()
	return o, nil
}

// Get returns an order by ID.
func (s *Service) Get(ctx context.Context, id string) (*Order, error) {
	return s.store.Get(ctx, id)
}

// GetByIdempotencyKey returns the buyer's order for a previously used key.
func (s *Service) GetByIdempotencyKey(ctx context.Context, buyerID, key string) (*Order, error) {
	return s.store.GetByIdempotencyKey(ctx, buyerID, key)
}

// SetAddress records the allocated deposit address on the order.
func (s *Service) SetAddress(ctx context.Context, id, address string) error {
	return s.store.SetAddress(ctx, id, address)
}

// Transition moves the order to a new status, enforcing the transition
// table. The update is serialized per order and compare-and-set in the
// store, so a lost race returns ErrConflict rather than clobbering.
func (s *Service) Transition(ctx context.Context, id string, to Status) (*Order, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.Status == to {
		// Idempotent no-op.
		return o, nil
	}
	if !CanTransition(o.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, to)
	}

	if err := s.store.UpdateStatus(ctx, id, o.Status, to); err != nil {
		return nil, err
	}
	metrics.OrdersTotal.WithLabelValues(string(to)).Inc()
	return s.store.Get(ctx, id)
}

// ReturnFromDispute moves a disputed order back to the state it held when
// the dispute opened.
func (s *Service) ReturnFromDispute(ctx context.Context, id string) (*Order, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.Status != StatusDisputed {
		return nil, fmt.Errorf("%w: %s -> prior", ErrInvalidTransition, o.Status)
	}
	if o.PriorStatus == "" {
		return nil, ErrNoPriorStatus
	}

	if err := s.store.UpdateStatus(ctx, id, StatusDisputed, o.PriorStatus); err != nil {
		return nil, err
	}
	metrics.OrdersTotal.WithLabelValues(string(o.PriorStatus)).Inc()
	return s.store.Get(ctx, id)
}

// ListByBuyer returns recent orders for a buyer.
func (s *Service) ListByBuyer(ctx context.Context, buyerID string, limit int) ([]*Order, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByBuyer(ctx, buyerID, limit)
}

// ListByVendor returns recent orders for a vendor.
func (s *Service) ListByVendor(ctx context.Context, vendorID string, limit int) ([]*Order, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByVendor(ctx, vendorID, limit)
}
