package affiliate

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory affiliate store for demo/development mode.
type MemoryStore struct {
	balances    map[string]*Balance
	entries     map[string][]*Entry // affiliate ID -> entries, newest first
	commissions map[string]bool     // order IDs already credited
	mu          sync.RWMutex
}

// NewMemoryStore creates a new in-memory affiliate store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances:    make(map[string]*Balance),
		entries:     make(map[string][]*Entry),
		commissions: make(map[string]bool),
	}
}

func (m *MemoryStore) GetBalance(ctx context.Context, affiliateID string) (*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bal, ok := m.balances[affiliateID]
	if !ok {
		// A brand-new affiliate has a zero balance rather than an error,
		// so commission credit never has to pre-create accounts.
		return &Balance{AffiliateID: affiliateID, UpdatedAt: time.Now().UTC()}, nil
	}
	cp := *bal
	return &cp, nil
}

func (m *MemoryStore) Credit(ctx context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal := m.balances[e.AffiliateID]
	if bal == nil {
		bal = &Balance{AffiliateID: e.AffiliateID}
		m.balances[e.AffiliateID] = bal
	}
	bal.AvailableSats += e.AmountSats
	bal.TotalEarnedSats += e.AmountSats
	bal.UpdatedAt = time.Now().UTC()

	cp := *e
	m.entries[e.AffiliateID] = append([]*Entry{&cp}, m.entries[e.AffiliateID]...)
	if e.OrderID != "" {
		m.commissions[e.OrderID] = true
	}
	return nil
}

func (m *MemoryStore) Debit(ctx context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal := m.balances[e.AffiliateID]
	if bal == nil || bal.AvailableSats < e.AmountSats {
		return ErrInsufficientBalance
	}
	bal.AvailableSats -= e.AmountSats
	bal.TotalPaidSats += e.AmountSats
	bal.UpdatedAt = time.Now().UTC()

	cp := *e
	m.entries[e.AffiliateID] = append([]*Entry{&cp}, m.entries[e.AffiliateID]...)
	return nil
}

func (m *MemoryStore) GetHistory(ctx context.Context, affiliateID string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := m.entries[affiliateID]
	if len(entries) > limit {
		entries = entries[:limit]
	}
	result := make([]*Entry, len(entries))
	for i, e := range entries {
		cp := *e
		result[i] = &cp
	}
	return result, nil
}

func (m *MemoryStore) HasCommission(ctx context.Context, orderID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.commissions[orderID], nil
}
