package escrow

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists escrow data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const escrowColumns = `order_id, amount_sats, status, held_at, release_due_at,
		       finalized_at, finalized_by, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrows (
			order_id, amount_sats, status, held_at, release_due_at,
			finalized_at, finalized_by, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.OrderID, e.AmountSats, string(e.Status),
		nullTime(e.HeldAt), nullTime(e.ReleaseDueAt),
		nullTime(e.FinalizedAt), nullString(e.FinalizedBy),
		e.CreatedAt, e.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, orderID string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+escrowColumns+` FROM escrows WHERE order_id = $1`, orderID)
	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

func (p *PostgresStore) MarkHeld(ctx context.Context, orderID string, heldAt, releaseDueAt time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			status = 'holding', held_at = $2, release_due_at = $3, updated_at = $4
		WHERE order_id = $1 AND status = 'open'`,
		orderID, heldAt, releaseDueAt, time.Now().UTC(),
	)
	if err != nil {
		return err
	}
	return casResult(ctx, p.db, result, orderID)
}

func (p *PostgresStore) Finalize(ctx context.Context, orderID string, to Status, actor string, at time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			status = $2, finalized_at = $3, finalized_by = $4, updated_at = $3
		WHERE order_id = $1 AND status = 'holding'`,
		orderID, string(to), at, actor,
	)
	if err != nil {
		return err
	}
	return casResult(ctx, p.db, result, orderID)
}

func (p *PostgresStore) PushReleaseDue(ctx context.Context, orderID string, due time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET release_due_at = $2, updated_at = $3
		WHERE order_id = $1 AND status = 'holding'`,
		orderID, due, time.Now().UTC(),
	)
	if err != nil {
		return err
	}
	return casResult(ctx, p.db, result, orderID)
}

func (p *PostgresStore) ListReleaseDue(ctx context.Context, before time.Time, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE status = 'holding' AND release_due_at < $1
		ORDER BY release_due_at
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// casResult maps a zero-row UPDATE to ErrConflict or ErrEscrowNotFound.
func casResult(ctx context.Context, db *sql.DB, result sql.Result, orderID string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows > 0 {
		return nil
	}
	var exists bool
	if err := db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM escrows WHERE order_id = $1)`, orderID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrEscrowNotFound
	}
	return ErrConflict
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEscrow(s scanner) (*Escrow, error) {
	e := &Escrow{}
	var (
		status       string
		heldAt       sql.NullTime
		releaseDueAt sql.NullTime
		finalizedAt  sql.NullTime
		finalizedBy  sql.NullString
	)

	err := s.Scan(
		&e.OrderID, &e.AmountSats, &status, &heldAt, &releaseDueAt,
		&finalizedAt, &finalizedBy, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Status = Status(status)
	e.FinalizedBy = finalizedBy.String
	if heldAt.Valid {
		e.HeldAt = &heldAt.Time
	}
	if releaseDueAt.Valid {
		e.ReleaseDueAt = &releaseDueAt.Time
	}
	if finalizedAt.Valid {
		e.FinalizedAt = &finalizedAt.Time
	}
	return e, nil
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
