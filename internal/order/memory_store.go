package order

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory order store for demo/development mode.
type MemoryStore struct {
	orders   map[string]*Order
	idemKeys map[string]string // buyerID + "\x00" + key -> orderID
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory order store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:   make(map[string]*Order),
		idemKeys: make(map[string]string),
	}
}

func idemKey(buyerID, key string) string {
	return buyerID + "\x00" + key
}

func (m *MemoryStore) Create(ctx context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if o.IdempotencyKey != "" {
		k := idemKey(o.BuyerID, o.IdempotencyKey)
		if _, exists := m.idemKeys[k]; exists {
			return ErrDuplicateIdemKey
		}
		m.idemKeys[k] = o.ID
	}

	cp := *o
	m.orders[o.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) GetByIdempotencyKey(ctx context.Context, buyerID, key string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.idemKeys[idemKey(buyerID, key)]
	if !ok {
		return nil, ErrOrderNotFound
	}
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) UpdateStatus(ctx context.Context, id string, from, to Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return ErrOrderNotFound
	}
	if o.Status != from {
		return ErrConflict
	}
	if to == StatusDisputed {
		o.PriorStatus = from
	}
	o.Status = to
	o.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) SetAddress(ctx context.Context, id, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return ErrOrderNotFound
	}
	if o.Address != "" && o.Address != address {
		return ErrConflict
	}
	o.Address = address
	o.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) ListByBuyer(ctx context.Context, buyerID string, limit int) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.list(func(o *Order) bool { return o.BuyerID == buyerID }, limit), nil
}

func (m *MemoryStore) ListByVendor(ctx context.Context, vendorID string, limit int) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.list(func(o *Order) bool { return o.VendorID == vendorID }, limit), nil
}

// caller must hold m.mu.
func (m *MemoryStore) list(match func(*Order) bool, limit int) []*Order {
	var result []*Order
	for _, o := range m.orders {
		if match(o) {
			cp := *o
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result
}
