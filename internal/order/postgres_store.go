package order

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists orders in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed order store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const orderColumns = `id, buyer_id, vendor_id, listing_id, amount_sats, address,
		       affiliate_id, idempotency_key, status, prior_status, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, o *Order) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO orders (
			id, buyer_id, vendor_id, listing_id, amount_sats, address,
			affiliate_id, idempotency_key, status, prior_status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		o.ID, o.BuyerID, o.VendorID, nullString(o.ListingID), o.AmountSats,
		nullString(o.Address), nullString(o.AffiliateID), nullString(o.IdempotencyKey),
		string(o.Status), nullString(string(o.PriorStatus)), o.CreatedAt, o.UpdatedAt,
	)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		// unique violation on (buyer_id, idempotency_key)
		return ErrDuplicateIdemKey
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Order, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	return o, err
}

func (p *PostgresStore) GetByIdempotencyKey(ctx context.Context, buyerID, key string) (*Order, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE buyer_id = $1 AND idempotency_key = $2`, buyerID, key)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	return o, err
}

func (p *PostgresStore) UpdateStatus(ctx context.Context, id string, from, to Status) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE orders SET
			status = $3,
			prior_status = CASE WHEN $3 = 'disputed' THEN status ELSE prior_status END,
			updated_at = $4
		WHERE id = $1 AND status = $2`,
		id, string(from), string(to), time.Now().UTC(),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Distinguish missing from raced.
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM orders WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrOrderNotFound
		}
		return ErrConflict
	}
	return nil
}

func (p *PostgresStore) SetAddress(ctx context.Context, id, address string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE orders SET address = $2, updated_at = $3
		WHERE id = $1 AND (address IS NULL OR address = $2)`,
		id, address, time.Now().UTC(),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM orders WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrOrderNotFound
		}
		return ErrConflict
	}
	return nil
}

func (p *PostgresStore) ListByBuyer(ctx context.Context, buyerID string, limit int) ([]*Order, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE buyer_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, buyerID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanOrders(rows)
}

func (p *PostgresStore) ListByVendor(ctx context.Context, vendorID string, limit int) ([]*Order, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE vendor_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, vendorID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanOrders(rows)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(s scanner) (*Order, error) {
	o := &Order{}
	var (
		listingID   sql.NullString
		address     sql.NullString
		affiliateID sql.NullString
		idemKey     sql.NullString
		status      string
		priorStatus sql.NullString
	)

	err := s.Scan(
		&o.ID, &o.BuyerID, &o.VendorID, &listingID, &o.AmountSats, &address,
		&affiliateID, &idemKey, &status, &priorStatus, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	o.ListingID = listingID.String
	o.Address = address.String
	o.AffiliateID = affiliateID.String
	o.IdempotencyKey = idemKey.String
	o.Status = Status(status)
	o.PriorStatus = Status(priorStatus.String)
	return o, nil
}

func scanOrders(rows *sql.Rows) ([]*Order, error) {
	var result []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
