package order

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestPostgresUpdateStatusCAS(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer func() { _ = db.Close() }()

	store := NewPostgresStore(db)

	mock.ExpectExec(`UPDATE orders SET`).
		WithArgs("ord_1", "paid", "in_escrow", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.UpdateStatus(context.Background(), "ord_1", StatusPaid, StatusInEscrow); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresUpdateStatusConflict(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer func() { _ = db.Close() }()

	store := NewPostgresStore(db)

	// Zero rows affected: the order exists but its status changed under us.
	mock.ExpectExec(`UPDATE orders SET`).
		WithArgs("ord_1", "paid", "in_escrow", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("ord_1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	err = store.UpdateStatus(context.Background(), "ord_1", StatusPaid, StatusInEscrow)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresUpdateStatusNotFound(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer func() { _ = db.Close() }()

	store := NewPostgresStore(db)

	mock.ExpectExec(`UPDATE orders SET`).
		WithArgs("ord_missing", "paid", "in_escrow", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("ord_missing").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	err = store.UpdateStatus(context.Background(), "ord_missing", StatusPaid, StatusInEscrow)
	if !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestPostgresSetAddressRebindConflict(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer func() { _ = db.Close() }()

	store := NewPostgresStore(db)

	// Zero rows affected with the order present: an address is already
	// bound and the guarded UPDATE refused to overwrite it.
	mock.ExpectExec(`UPDATE orders SET address`).
		WithArgs("ord_1", "tb1qother", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("ord_1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	err = store.SetAddress(context.Background(), "ord_1", "tb1qother")
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresGetScansOrder(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer func() { _ = db.Close() }()

	store := NewPostgresStore(db)

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{
		"id", "buyer_id", "vendor_id", "listing_id", "amount_sats", "address",
		"affiliate_id", "idempotency_key", "status", "prior_status", "created_at", "updated_at",
	}).AddRow("ord_1", "buyer-1", "vendor-1", nil, int64(1000000), "tb1qaddr",
		nil, "key-1", "disputed", "shipped", now, now)

	mock.ExpectQuery(`SELECT .+ FROM orders WHERE id`).
		WithArgs("ord_1").
		WillReturnRows(rows)

	o, err := store.Get(context.Background(), "ord_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if o.Status != StatusDisputed || o.PriorStatus != StatusShipped {
		t.Errorf("unexpected scan: status=%s prior=%s", o.Status, o.PriorStatus)
	}
	if o.AmountSats != 1000000 {
		t.Errorf("unexpected amount %d", o.AmountSats)
	}
}
