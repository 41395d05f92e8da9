package escrow

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
type MemoryStore struct {
	escrows map[string]*Escrow
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{escrows: make(map[string]*Escrow)}
}

func (m *MemoryStore) Create(ctx context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *e
	m.escrows[e.OrderID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, orderID string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.escrows[orderID]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) MarkHeld(ctx context.Context, orderID string, heldAt, releaseDueAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.escrows[orderID]
	if !ok {
		return ErrEscrowNotFound
	}
	if e.Status != StatusOpen {
		return ErrConflict
	}
	e.Status = StatusHolding
	e.HeldAt = &heldAt
	e.ReleaseDueAt = &releaseDueAt
	e.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) Finalize(ctx context.Context, orderID string, to Status, actor string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.escrows[orderID]
	if !ok {
		return ErrEscrowNotFound
	}
	if e.Status != StatusHolding {
		return ErrConflict
	}
	e.Status = to
	e.FinalizedAt = &at
	e.FinalizedBy = actor
	e.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) PushReleaseDue(ctx context.Context, orderID string, due time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.escrows[orderID]
	if !ok {
		return ErrEscrowNotFound
	}
	if e.Status != StatusHolding {
		return ErrConflict
	}
	e.ReleaseDueAt = &due
	e.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) ListReleaseDue(ctx context.Context, before time.Time, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.Status == StatusHolding && e.ReleaseDueAt != nil && e.ReleaseDueAt.Before(before) {
			cp := *e
			result = append(result, &cp)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}
