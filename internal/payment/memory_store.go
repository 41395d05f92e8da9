package payment

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory payment store for demo/development mode.
type MemoryStore struct {
	payments  map[string]*Payment // keyed by order ID
	byAddress map[string]string   // address -> order ID
	mu        sync.RWMutex
}

// NewMemoryStore creates a new in-memory payment store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		payments:  make(map[string]*Payment),
		byAddress: make(map[string]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := clonePayment(p)
	m.payments[p.OrderID] = cp
	m.byAddress[p.Address] = p.OrderID
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, orderID string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.payments[orderID]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return clonePayment(p), nil
}

func (m *MemoryStore) GetByAddress(ctx context.Context, address string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	orderID, ok := m.byAddress[address]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	p, ok := m.payments[orderID]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return clonePayment(p), nil
}

func (m *MemoryStore) ListWatchable(ctx context.Context, limit int) ([]*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Payment
	for _, p := range m.payments {
		if p.Status.watchable() {
			result = append(result, clonePayment(p))
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) UpdateObservation(ctx context.Context, orderID string, obs Observation, from, to Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payments[orderID]
	if !ok {
		return ErrPaymentNotFound
	}
	if p.Status != from {
		return ErrConflict
	}
	p.Txs = make([]Tx, len(obs.Txs))
	copy(p.Txs, obs.Txs)
	p.ReceivedSats = obs.ReceivedSats
	p.ConfirmedSats = obs.ConfirmedSats
	p.Overpaid = obs.Overpaid
	p.Status = to
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) MarkExpired(ctx context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payments[orderID]
	if !ok {
		return ErrPaymentNotFound
	}
	if p.Status != StatusAwaiting || p.ReceivedSats > 0 {
		return ErrConflict
	}
	p.Status = StatusExpired
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// clonePayment deep-copies so callers cannot mutate the stored Txs slice.
func clonePayment(p *Payment) *Payment {
	cp := *p
	if p.Txs != nil {
		cp.Txs = make([]Tx, len(p.Txs))
		copy(cp.Txs, p.Txs)
	}
	return &cp
}
