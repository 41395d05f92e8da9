// Package address allocates unique Bitcoin deposit addresses to orders.
//
// Addresses come from a Source (a pre-generated pool or an HD wallet
// gateway). A binding is persisted before the address is ever handed to a
// caller, so a crash between generation and persistence just wastes one
// address instead of reusing it. An address never serves two open orders.
package address

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hvx-labs/escrowd/internal/logging"
)

var (
	ErrPoolExhausted = errors.New("address pool exhausted")
	ErrNotFound      = errors.New("address binding not found")
	ErrAddressInUse  = errors.New("address already bound to an order")
)

// Binding ties a deposit address to an order.
type Binding struct {
	Address    string     `json:"address"`
	OrderID    string     `json:"orderId"`
	CreatedAt  time.Time  `json:"createdAt"`
	ReleasedAt *time.Time `json:"releasedAt,omitempty"`
}

// Source produces fresh deposit addresses.
type Source interface {
	// NextAddress returns an address not handed out before, or
	// ErrPoolExhausted when the source is drained.
	NextAddress(ctx context.Context) (string, error)
}

// Store persists address bindings.
type Store interface {
	// Bind persists the address -> order binding. Returns ErrAddressInUse
	// if the address is already bound to a non-released order.
	Bind(ctx context.Context, b *Binding) error
	GetByOrder(ctx context.Context, orderID string) (*Binding, error)
	GetByAddress(ctx context.Context, addr string) (*Binding, error)
	// Release marks the order's binding released so the address can be
	// recycled after chain activity is no longer expected.
	Release(ctx context.Context, orderID string) error
}

// maxBindAttempts bounds retries when a freshly generated address collides
// with an existing binding.
const maxBindAttempts = 3

// Allocator assigns deposit addresses to orders.
type Allocator struct {
	source Source
	store  Store
}

// NewAllocator creates an allocator over the given source and store.
func NewAllocator(source Source, store Store) *Allocator {
	return &Allocator{source: source, store: store}
}

// Allocate returns the deposit address for an order, creating a binding on
// first call. Calling again for the same order returns the same address.
func (a *Allocator) Allocate(ctx context.Context, orderID string) (string, error) {
	if existing, err := a.store.GetByOrder(ctx, orderID); err == nil {
		return existing.Address, nil
	} else if !errors.Is(err, ErrNotFound) {
		return "", err
	}

	for attempt := 0; attempt < maxBindAttempts; attempt++ {
		addr, err := a.source.NextAddress(ctx)
		if err != nil {
			return "", err
		}

		b := &Binding{
			Address:   addr,
			OrderID:   orderID,
			CreatedAt: time.Now().UTC(),
		}
		err = a.store.Bind(ctx, b)
		if err == nil {
			return addr, nil
		}
		if errors.Is(err, ErrAddressInUse) {
			// The source replayed an address already bound (e.g. after a
			// restart). Discard it and draw a fresh one; the bound one is
			// never reused for this order.
			logging.L(ctx).Warn("address collision, drawing fresh", "address", addr)
			continue
		}
		return "", err
	}
	return "", fmt.Errorf("%w: no bindable address after %d attempts", ErrPoolExhausted, maxBindAttempts)
}

// Lookup returns the binding for an order.
func (a *Allocator) Lookup(ctx context.Context, orderID string) (*Binding, error) {
	return a.store.GetByOrder(ctx, orderID)
}

// Release frees the order's address binding.
func (a *Allocator) Release(ctx context.Context, orderID string) error {
	return a.store.Release(ctx, orderID)
}
