// Package dispute gates escrow release while a buyer/vendor conflict is
// under review. One open dispute per order; resolution by an admin is the
// only unblock path.
package dispute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hvx-labs/escrowd/internal/idgen"
	"github.com/hvx-labs/escrowd/internal/metrics"
)

var (
	ErrDisputeNotFound    = errors.New("dispute not found")
	ErrDisputeAlreadyOpen = errors.New("order already has an open dispute")
	ErrAlreadyResolved    = errors.New("dispute already resolved")
	ErrInvalidOutcome     = errors.New("invalid dispute outcome")
)

// Status represents the state of a dispute.
type Status string

const (
	StatusOpen     Status = "open"
	StatusResolved Status = "resolved"
)

// Outcome is the admin's resolution decision.
type Outcome string

const (
	OutcomeFavorBuyer  Outcome = "favor_buyer"  // escrow refunded
	OutcomeFavorVendor Outcome = "favor_vendor" // escrow released
	OutcomeSplit       Outcome = "split"        // recorded, payout handled manually
)

// Valid reports whether the outcome is one of the known values.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeFavorBuyer, OutcomeFavorVendor, OutcomeSplit:
		return true
	}
	return false
}

// Dispute is one buyer/vendor conflict on an order.
type Dispute struct {
	ID         string     `json:"id"`
	OrderID    string     `json:"orderId"`
	OpenedBy   string     `json:"openedBy"`
	Reason     string     `json:"reason"`
	Status     Status     `json:"status"`
	Outcome    Outcome    `json:"outcome,omitempty"`
	Resolution string     `json:"resolution,omitempty"` // admin's written rationale
	ResolvedBy string     `json:"resolvedBy,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}

// Store persists disputes. Create must reject a second open dispute for
// the same order; Resolve must be a compare-and-set on open status.
type Store interface {
	Create(ctx context.Context, d *Dispute) error
	Get(ctx context.Context, id string) (*Dispute, error)
	GetOpenByOrder(ctx context.Context, orderID string) (*Dispute, error)
	// Resolve moves open -> resolved; ErrAlreadyResolved if raced.
	Resolve(ctx context.Context, id string, outcome Outcome, resolution, adminID string, at time.Time) error
	ListByOrder(ctx context.Context, orderID string) ([]*Dispute, error)
}

// Service implements dispute business logic.
type Service struct {
	store Store
}

// NewService creates a dispute service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Open files a dispute on an order. A second open dispute on the same
// order is rejected; filing again after a resolution is allowed.
func (s *Service) Open(ctx context.Context, orderID, userID, reason string) (*Dispute, error) {
	if reason == "" {
		return nil, fmt.Errorf("reason is required")
	}

	d := &Dispute{
		ID:        idgen.WithPrefix("dsp_"),
		OrderID:   orderID,
		OpenedBy:  userID,
		Reason:    reason,
		Status:    StatusOpen,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.Create(ctx, d); err != nil {
		return nil, err
	}
	metrics.DisputesOpenedTotal.Inc()
	return d, nil
}

// Resolve closes a dispute with an outcome. The escrow side effects
// (refund on favor_buyer, release on favor_vendor) are the caller's job;
// a split outcome is recorded only, with the payout handled manually.
func (s *Service) Resolve(ctx context.Context, disputeID, adminID string, outcome Outcome, resolution string) (*Dispute, error) {
	if !outcome.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidOutcome, outcome)
	}

	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.Status == StatusResolved {
		return nil, ErrAlreadyResolved
	}

	now := time.Now().UTC()
	if err := s.store.Resolve(ctx, disputeID, outcome, resolution, adminID, now); err != nil {
		return nil, err
	}
	metrics.DisputesResolvedTotal.WithLabelValues(string(outcome)).Inc()
	return s.store.Get(ctx, disputeID)
}

// HasOpen reports whether the order has an open dispute.
// Satisfies escrow.DisputeChecker.
func (s *Service) HasOpen(ctx context.Context, orderID string) (bool, error) {
	_, err := s.store.GetOpenByOrder(ctx, orderID)
	if errors.Is(err, ErrDisputeNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Get returns a dispute by ID.
func (s *Service) Get(ctx context.Context, id string) (*Dispute, error) {
	return s.store.Get(ctx, id)
}

// GetOpenByOrder returns the order's open dispute, if any.
func (s *Service) GetOpenByOrder(ctx context.Context, orderID string) (*Dispute, error) {
	return s.store.GetOpenByOrder(ctx, orderID)
}

// ListByOrder returns all disputes ever filed on an order.
func (s *Service) ListByOrder(ctx context.Context, orderID string) ([]*Dispute, error) {
	return s.store.ListByOrder(ctx, orderID)
}
