// Package affiliate tracks referral commissions for the marketplace.
//
// Flow:
//  1. Order is created carrying an affiliate ID
//  2. Escrow releases to the vendor
//  3. A commission entry credits the affiliate's balance
//  4. Payouts debit the balance, which never goes negative
package affiliate

import (
	"context"
	"errors"
	"time"

	"github.com/hvx-labs/escrowd/internal/idgen"
	"github.com/hvx-labs/escrowd/internal/logging"
	"github.com/hvx-labs/escrowd/internal/syncutil"
)

var (
	ErrAffiliateNotFound   = errors.New("affiliate not found")
	ErrInsufficientBalance = errors.New("insufficient affiliate balance")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrDuplicateCommission = errors.New("commission already recorded for order")
)

// EntryType distinguishes credits from debits.
type EntryType string

const (
	EntryCommission EntryType = "commission"
	EntryPayout     EntryType = "payout"
)

// Entry is one movement on an affiliate's balance. Amounts are satoshis.
type Entry struct {
	ID          string    `json:"id"`
	AffiliateID string    `json:"affiliateId"`
	Type        EntryType `json:"type"`
	AmountSats  int64     `json:"amountSats"`
	OrderID     string    `json:"orderId,omitempty"`     // set for commissions
	Destination string    `json:"destination,omitempty"` // payout address
	CreatedAt   time.Time `json:"createdAt"`
}

// Balance is an affiliate's running totals.
type Balance struct {
	AffiliateID     string    `json:"affiliateId"`
	AvailableSats   int64     `json:"availableSats"`
	TotalEarnedSats int64     `json:"totalEarnedSats"`
	TotalPaidSats   int64     `json:"totalPaidSats"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Store persists affiliate ledger data. Debit must fail rather than let
// the available balance go negative.
type Store interface {
	GetBalance(ctx context.Context, affiliateID string) (*Balance, error)
	Credit(ctx context.Context, e *Entry) error
	Debit(ctx context.Context, e *Entry) error
	GetHistory(ctx context.Context, affiliateID string, limit int) ([]*Entry, error)
	HasCommission(ctx context.Context, orderID string) (bool, error)
}

// Service manages affiliate balances.
type Service struct {
	store   Store
	rateBps int64 // commission rate in basis points of the order amount
	locks   syncutil.ShardedMutex
}

// DefaultRateBps is 2% of the order amount.
const DefaultRateBps = 200

// NewService creates an affiliate service. rateBps <= 0 uses the default.
func NewService(store Store, rateBps int64) *Service {
	if rateBps <= 0 {
		rateBps = DefaultRateBps
	}
	return &Service{store: store, rateBps: rateBps}
}

// Commission returns the commission owed on an order amount.
func (s *Service) Commission(orderAmountSats int64) int64 {
	return orderAmountSats * s.rateBps / 10_000
}

// RecordCommission credits the affiliate for a released order. At most one
// commission is recorded per order; replays return ErrDuplicateCommission.
func (s *Service) RecordCommission(ctx context.Context, affiliateID, orderID string, orderAmountSats int64) error {
	if orderAmountSats <= 0 {
		return ErrInvalidAmount
	}
	amount := s.Commission(orderAmountSats)
	if amount <= 0 {
		// Order too small to yield a whole satoshi of commission.
		return nil
	}

	unlock := s.locks.Lock(affiliateID)
	defer unlock()

	exists, err := s.store.HasCommission(ctx, orderID)
	if err != nil {
		return err
	}
	if exists {
		return ErrDuplicateCommission
	}

	e := &Entry{
		ID:          idgen.WithPrefix("aff_"),
		AffiliateID: affiliateID,
		Type:        EntryCommission,
		AmountSats:  amount,
		OrderID:     orderID,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.Credit(ctx, e); err != nil {
		return err
	}
	logging.L(ctx).Info("affiliate commission recorded",
		"affiliate_id", affiliateID, "order_id", orderID, "amount_sats", amount)
	return nil
}

// Payout debits the affiliate's balance for an off-platform payout.
func (s *Service) Payout(ctx context.Context, affiliateID string, amountSats int64, destination string) (*Entry, error) {
	if amountSats <= 0 {
		return nil, ErrInvalidAmount
	}

	unlock := s.locks.Lock(affiliateID)
	defer unlock()

	bal, err := s.store.GetBalance(ctx, affiliateID)
	if err != nil {
		return nil, err
	}
	if bal.AvailableSats < amountSats {
		return nil, ErrInsufficientBalance
	}

	e := &Entry{
		ID:          idgen.WithPrefix("aff_"),
		AffiliateID: affiliateID,
		Type:        EntryPayout,
		AmountSats:  amountSats,
		Destination: destination,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.Debit(ctx, e); err != nil {
		return nil, err
	}
	logging.L(ctx).Info("affiliate payout recorded",
		"affiliate_id", affiliateID, "amount_sats", amountSats)
	return e, nil
}

// GetBalance returns an affiliate's current balance.
func (s *Service) GetBalance(ctx context.Context, affiliateID string) (*Balance, error) {
	return s.store.GetBalance(ctx, affiliateID)
}

// GetHistory returns ledger entries for an affiliate, newest first.
func (s *Service) GetHistory(ctx context.Context, affiliateID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.GetHistory(ctx, affiliateID, limit)
}
