package address

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists address bindings in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed binding store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Bind(ctx context.Context, b *Binding) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO address_bindings (address, order_id, created_at)
		VALUES ($1, $2, $3)`,
		b.Address, b.OrderID, b.CreatedAt,
	)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return ErrAddressInUse
	}
	return err
}

func (p *PostgresStore) GetByOrder(ctx context.Context, orderID string) (*Binding, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT address, order_id, created_at, released_at
		FROM address_bindings
		WHERE order_id = $1`, orderID)
	return scanBinding(row)
}

func (p *PostgresStore) GetByAddress(ctx context.Context, addr string) (*Binding, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT address, order_id, created_at, released_at
		FROM address_bindings
		WHERE address = $1`, addr)
	return scanBinding(row)
}

func (p *PostgresStore) Release(ctx context.Context, orderID string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE address_bindings SET released_at = $2
		WHERE order_id = $1 AND released_at IS NULL`,
		orderID, time.Now().UTC(),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func scanBinding(row *sql.Row) (*Binding, error) {
	b := &Binding{}
	var releasedAt sql.NullTime
	err := row.Scan(&b.Address, &b.OrderID, &b.CreatedAt, &releasedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if releasedAt.Valid {
		b.ReleasedAt = &releasedAt.Time
	}
	return b, nil
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
