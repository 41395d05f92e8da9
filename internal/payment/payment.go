// Package payment tracks incoming Bitcoin payments against orders.
//
// The watcher polls the chain for activity on each watched address and
// feeds observations into the service. Payment status is a pure function
// of the observed transactions: how much arrived, how much of it has
// enough confirmations, and what the order expects. Confirmation of a
// payment is signalled exactly once, via a compare-and-set on status.
package payment

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/hvx-labs/escrowd/internal/chain"
	"github.com/hvx-labs/escrowd/internal/logging"
	"github.com/hvx-labs/escrowd/internal/metrics"
	"github.com/hvx-labs/escrowd/internal/syncutil"
)

var (
	ErrPaymentNotFound = errors.New("payment not found")
	ErrConflict        = errors.New("payment was modified concurrently")
)

// Status represents the state of a payment.
type Status string

const (
	StatusAwaiting  Status = "awaiting"  // no funds observed
	StatusPartial   Status = "partial"   // some funds observed, below expected or unconfirmed
	StatusConfirmed Status = "confirmed" // expected amount confirmed on chain
	StatusExpired   Status = "expired"   // no activity within the expiry window
)

// watchable reports whether the watcher should keep polling this status.
func (s Status) watchable() bool {
	return s == StatusAwaiting || s == StatusPartial
}

// Tx is one observed transaction paying the deposit address.
type Tx struct {
	Txid          string `json:"txid"`
	ValueSats     int64  `json:"valueSats"`
	Confirmations int    `json:"confirmations"`
}

// Payment is the funding record for one order.
type Payment struct {
	OrderID       string    `json:"orderId"`
	Address       string    `json:"address"`
	ExpectedSats  int64     `json:"expectedSats"`
	ReceivedSats  int64     `json:"receivedSats"`  // all observed funds, confirmed or not
	ConfirmedSats int64     `json:"confirmedSats"` // funds at or above the confirmation threshold
	Status        Status    `json:"status"`
	Overpaid      bool      `json:"overpaid"` // confirmed more than expected, flagged for reconciliation
	Txs           []Tx      `json:"txs,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Observation is the recomputed view of an address after one chain poll.
type Observation struct {
	Txs           []Tx
	ReceivedSats  int64
	ConfirmedSats int64
	Overpaid      bool
}

// Store persists payments. UpdateObservation and MarkExpired are
// compare-and-set on the previous status.
type Store interface {
	Create(ctx context.Context, p *Payment) error
	Get(ctx context.Context, orderID string) (*Payment, error)
	GetByAddress(ctx context.Context, address string) (*Payment, error)
	// ListWatchable returns payments in awaiting or partial.
	ListWatchable(ctx context.Context, limit int) ([]*Payment, error)
	// UpdateObservation persists the recomputed tx set and status,
	// compare-and-set from the given previous status.
	UpdateObservation(ctx context.Context, orderID string, obs Observation, from, to Status) error
	// MarkExpired moves awaiting -> expired only while nothing was received.
	MarkExpired(ctx context.Context, orderID string) error
}

// ConfirmationPolicy decides how many confirmations a payment needs.
// Small payments clear with fewer confirmations than large ones.
type ConfirmationPolicy struct {
	SmallCeilingSats int64 // below this, Small confirmations suffice
	Small            int
	Large            int
}

// Required returns the confirmation threshold for an expected amount.
func (p ConfirmationPolicy) Required(expectedSats int64) int {
	if expectedSats < p.SmallCeilingSats {
		return p.Small
	}
	return p.Large
}

// Listener observes payment lifecycle events. The facade uses it to hold
// escrow funds on confirmation and cancel orders on expiry.
type Listener interface {
	PaymentConfirmed(ctx context.Context, orderID string)
	PaymentExpired(ctx context.Context, orderID string)
}

// Service implements payment business logic.
type Service struct {
	store    Store
	policy   ConfirmationPolicy
	expiry   time.Duration
	listener Listener
	locks    syncutil.ShardedMutex
}

// NewService creates a payment service. expiry is how long a zero-activity
// payment stays watchable before it is marked expired.
func NewService(store Store, policy ConfirmationPolicy, expiry time.Duration) *Service {
	return &Service{store: store, policy: policy, expiry: expiry}
}

// WithListener registers a lifecycle listener.
func (s *Service) WithListener(l Listener) *Service {
	s.listener = l
	return s
}

// Register starts watching an address for an order's payment.
func (s *Service) Register(ctx context.Context, orderID, address string, expectedSats int64) (*Payment, error) {
	if expectedSats <= 0 {
		return nil, fmt.Errorf("expected amount must be positive")
	}
	now := time.Now().UTC()
	p := &Payment{
		OrderID:      orderID,
		Address:      address,
		ExpectedSats: expectedSats,
		Status:       StatusAwaiting,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.Create(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Get returns a payment by order ID.
func (s *Service) Get(ctx context.Context, orderID string) (*Payment, error) {
	return s.store.Get(ctx, orderID)
}

// ListWatchable returns payments the watcher should poll.
func (s *Service) ListWatchable(ctx context.Context, limit int) ([]*Payment, error) {
	return s.store.ListWatchable(ctx, limit)
}

// ApplyObservation folds one chain poll result into the payment. The
// received total is recomputed from scratch across the deduplicated tx
// set, so replayed or re-observed transactions never double count.
// The first observation that moves the payment to confirmed fires the
// PaymentConfirmed listener; later ones cannot, because the move is a
// compare-and-set away from awaiting/partial.
func (s *Service) ApplyObservation(ctx context.Context, orderID string, chainTxs []chain.AddressTx) error {
	unlock := s.locks.Lock(orderID)
	defer unlock()

	p, err := s.store.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if !p.Status.watchable() {
		return nil
	}

	obs := s.observe(p.ExpectedSats, chainTxs)
	to := computeStatus(p.ExpectedSats, obs.ReceivedSats, obs.ConfirmedSats)
	if err := s.store.UpdateObservation(ctx, orderID, obs, p.Status, to); err != nil {
		if errors.Is(err, ErrConflict) {
			// Raced with another observer; next poll recomputes.
			return nil
		}
		return err
	}

	if to == StatusConfirmed {
		metrics.PaymentsConfirmedTotal.Inc()
		logging.L(ctx).Info("payment confirmed",
			"order_id", orderID,
			"received_sats", obs.ReceivedSats,
			"overpaid", obs.Overpaid)
		if s.listener != nil {
			s.listener.PaymentConfirmed(ctx, orderID)
		}
	}
	return nil
}

// observe dedupes by txid, keeping the highest confirmation count seen,
// and totals received and confirmed value.
func (s *Service) observe(expectedSats int64, chainTxs []chain.AddressTx) Observation {
	required := s.policy.Required(expectedSats)

	byTxid := make(map[string]Tx)
	for _, tx := range chainTxs {
		existing, seen := byTxid[tx.Txid]
		if seen && existing.Confirmations >= tx.Confirmations {
			continue
		}
		byTxid[tx.Txid] = Tx{
			Txid:          tx.Txid,
			ValueSats:     tx.ValueSats,
			Confirmations: tx.Confirmations,
		}
	}

	obs := Observation{Txs: make([]Tx, 0, len(byTxid))}
	for _, tx := range byTxid {
		obs.Txs = append(obs.Txs, tx)
		obs.ReceivedSats += tx.ValueSats
		if tx.Confirmations >= required {
			obs.ConfirmedSats += tx.ValueSats
		}
	}
	sort.Slice(obs.Txs, func(i, j int) bool { return obs.Txs[i].Txid < obs.Txs[j].Txid })
	obs.Overpaid = obs.ConfirmedSats > expectedSats
	return obs
}

// computeStatus is the pure status function: confirmed once enough
// confirmed value arrived, partial while anything at all was observed,
// awaiting otherwise.
func computeStatus(expectedSats, receivedSats, confirmedSats int64) Status {
	switch {
	case confirmedSats >= expectedSats:
		return StatusConfirmed
	case receivedSats > 0:
		return StatusPartial
	default:
		return StatusAwaiting
	}
}

// ExpireStale marks zero-activity awaiting payments older than the expiry
// window as expired. Partial payments never expire; a human reconciles
// them. Expired payments drop out of the watch set.
func (s *Service) ExpireStale(ctx context.Context, now time.Time) {
	watchable, err := s.store.ListWatchable(ctx, 1000)
	if err != nil {
		logging.L(ctx).Warn("failed to list payments for expiry", "error", err)
		return
	}

	cutoff := now.Add(-s.expiry)
	for _, p := range watchable {
		if p.Status != StatusAwaiting || p.ReceivedSats > 0 || p.CreatedAt.After(cutoff) {
			continue
		}

		unlock := s.locks.Lock(p.OrderID)
		err := s.store.MarkExpired(ctx, p.OrderID)
		unlock()

		if errors.Is(err, ErrConflict) {
			// Funds landed between the list and the expiry; keep watching.
			continue
		}
		if err != nil {
			logging.L(ctx).Warn("failed to expire payment", "order_id", p.OrderID, "error", err)
			continue
		}

		metrics.PaymentsExpiredTotal.Inc()
		logging.L(ctx).Info("payment expired with no activity", "order_id", p.OrderID)
		if s.listener != nil {
			s.listener.PaymentExpired(ctx, p.OrderID)
		}
	}
}
