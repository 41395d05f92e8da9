package affiliate

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists affiliate balances and entries in PostgreSQL.
// Balance updates and entry inserts happen in one transaction; the debit
// guard keeps available_sats non-negative under concurrency.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed affiliate store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) GetBalance(ctx context.Context, affiliateID string) (*Balance, error) {
	bal := &Balance{AffiliateID: affiliateID}
	err := p.db.QueryRowContext(ctx, `
		SELECT available_sats, total_earned_sats, total_paid_sats, updated_at
		FROM affiliate_balances WHERE affiliate_id = $1`, affiliateID,
	).Scan(&bal.AvailableSats, &bal.TotalEarnedSats, &bal.TotalPaidSats, &bal.UpdatedAt)
	if err == sql.ErrNoRows {
		bal.UpdatedAt = time.Now().UTC()
		return bal, nil
	}
	if err != nil {
		return nil, err
	}
	return bal, nil
}

func (p *PostgresStore) Credit(ctx context.Context, e *Entry) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO affiliate_balances (affiliate_id, available_sats, total_earned_sats, total_paid_sats, updated_at)
		VALUES ($1, $2, $2, 0, $3)
		ON CONFLICT (affiliate_id) DO UPDATE SET
			available_sats = affiliate_balances.available_sats + $2,
			total_earned_sats = affiliate_balances.total_earned_sats + $2,
			updated_at = $3`,
		e.AffiliateID, e.AmountSats, time.Now().UTC(),
	)
	if err != nil {
		return err
	}

	if err := insertEntry(ctx, tx, e); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) Debit(ctx context.Context, e *Entry) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE affiliate_balances SET
			available_sats = available_sats - $2,
			total_paid_sats = total_paid_sats + $2,
			updated_at = $3
		WHERE affiliate_id = $1 AND available_sats >= $2`,
		e.AffiliateID, e.AmountSats, time.Now().UTC(),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrInsufficientBalance
	}

	if err := insertEntry(ctx, tx, e); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) GetHistory(ctx context.Context, affiliateID string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, affiliate_id, type, amount_sats, order_id, destination, created_at
		FROM affiliate_entries
		WHERE affiliate_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, affiliateID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Entry
	for rows.Next() {
		e := &Entry{}
		var (
			typ         string
			orderID     sql.NullString
			destination sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.AffiliateID, &typ, &e.AmountSats, &orderID, &destination, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Type = EntryType(typ)
		e.OrderID = orderID.String
		e.Destination = destination.String
		result = append(result, e)
	}
	return result, rows.Err()
}

func (p *PostgresStore) HasCommission(ctx context.Context, orderID string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM affiliate_entries WHERE order_id = $1 AND type = 'commission')`,
		orderID,
	).Scan(&exists)
	return exists, err
}

func insertEntry(ctx context.Context, tx *sql.Tx, e *Entry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO affiliate_entries (id, affiliate_id, type, amount_sats, order_id, destination, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.AffiliateID, string(e.Type), e.AmountSats,
		nullString(e.OrderID), nullString(e.Destination), e.CreatedAt,
	)
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
