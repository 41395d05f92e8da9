package payment

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// PostgresStore persists payments in PostgreSQL. The observed tx set is
// stored as JSONB; it is only ever replaced wholesale by a recomputation.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed payment store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const paymentColumns = `order_id, address, expected_sats, received_sats, confirmed_sats,
		       status, overpaid, txs, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, pay *Payment) error {
	txsJSON, _ := json.Marshal(pay.Txs)
	if pay.Txs == nil {
		txsJSON = []byte("[]")
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payments (
			order_id, address, expected_sats, received_sats, confirmed_sats,
			status, overpaid, txs, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		pay.OrderID, pay.Address, pay.ExpectedSats, pay.ReceivedSats, pay.ConfirmedSats,
		string(pay.Status), pay.Overpaid, txsJSON, pay.CreatedAt, pay.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, orderID string) (*Payment, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE order_id = $1`, orderID)
	pay, err := scanPayment(row)
	if err == sql.ErrNoRows {
		return nil, ErrPaymentNotFound
	}
	return pay, err
}

func (p *PostgresStore) GetByAddress(ctx context.Context, address string) (*Payment, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE address = $1`, address)
	pay, err := scanPayment(row)
	if err == sql.ErrNoRows {
		return nil, ErrPaymentNotFound
	}
	return pay, err
}

func (p *PostgresStore) ListWatchable(ctx context.Context, limit int) ([]*Payment, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE status IN ('awaiting', 'partial')
		ORDER BY created_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Payment
	for rows.Next() {
		pay, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, pay)
	}
	return result, rows.Err()
}

func (p *PostgresStore) UpdateObservation(ctx context.Context, orderID string, obs Observation, from, to Status) error {
	txsJSON, _ := json.Marshal(obs.Txs)
	if obs.Txs == nil {
		txsJSON = []byte("[]")
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE payments SET
			received_sats = $3, confirmed_sats = $4, status = $5,
			overpaid = $6, txs = $7, updated_at = $8
		WHERE order_id = $1 AND status = $2`,
		orderID, string(from),
		obs.ReceivedSats, obs.ConfirmedSats, string(to),
		obs.Overpaid, txsJSON, time.Now().UTC(),
	)
	if err != nil {
		return err
	}
	return p.casResult(ctx, result, orderID)
}

func (p *PostgresStore) MarkExpired(ctx context.Context, orderID string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE payments SET status = 'expired', updated_at = $2
		WHERE order_id = $1 AND status = 'awaiting' AND received_sats = 0`,
		orderID, time.Now().UTC(),
	)
	if err != nil {
		return err
	}
	return p.casResult(ctx, result, orderID)
}

func (p *PostgresStore) casResult(ctx context.Context, result sql.Result, orderID string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows > 0 {
		return nil
	}
	var exists bool
	if err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM payments WHERE order_id = $1)`, orderID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrPaymentNotFound
	}
	return ErrConflict
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPayment(s scanner) (*Payment, error) {
	pay := &Payment{}
	var (
		status  string
		txsJSON []byte
	)

	err := s.Scan(
		&pay.OrderID, &pay.Address, &pay.ExpectedSats, &pay.ReceivedSats, &pay.ConfirmedSats,
		&status, &pay.Overpaid, &txsJSON, &pay.CreatedAt, &pay.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	pay.Status = Status(status)
	if len(txsJSON) > 0 {
		_ = json.Unmarshal(txsJSON, &pay.Txs)
	}
	return pay, nil
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
