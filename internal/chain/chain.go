// Package chain reads Bitcoin transaction data for watched addresses.
//
// The production implementation talks to an Esplora-compatible block
// explorer API. The payment watcher only depends on the TxSource interface,
// so tests substitute an in-memory source.
package chain

import (
	"context"
	"errors"
)

// AddressTx is one transaction paying a watched address.
type AddressTx struct {
	Txid          string
	ValueSats     int64 // total output value paid to the address
	Confirmations int   // 0 while unconfirmed
}

// TxSource lists transactions paying an address.
type TxSource interface {
	AddressTxs(ctx context.Context, address string) ([]AddressTx, error)
}

// ErrUnavailable is returned when the chain backend cannot be reached,
// including while the circuit breaker is open.
var ErrUnavailable = errors.New("chain backend unavailable")
