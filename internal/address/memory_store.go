package address

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory binding store for demo/development mode.
type MemoryStore struct {
	byAddress map[string]*Binding
	byOrder   map[string]*Binding
	mu        sync.RWMutex
}

// NewMemoryStore creates a new in-memory binding store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byAddress: make(map[string]*Binding),
		byOrder:   make(map[string]*Binding),
	}
}

func (m *MemoryStore) Bind(ctx context.Context, b *Binding) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.byAddress[b.Address]; ok && existing.ReleasedAt == nil {
		return ErrAddressInUse
	}
	cp := *b
	m.byAddress[b.Address] = &cp
	m.byOrder[b.OrderID] = &cp
	return nil
}

func (m *MemoryStore) GetByOrder(ctx context.Context, orderID string) (*Binding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.byOrder[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *MemoryStore) GetByAddress(ctx context.Context, addr string) (*Binding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.byAddress[addr]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *MemoryStore) Release(ctx context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.byOrder[orderID]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	b.ReleasedAt = &now
	return nil
}
