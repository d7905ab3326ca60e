package storesdb

import (
	"context"
	"errors"
	"testing"

	"ordersaga/internal/saga"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func TestValidations_WithSchema(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS product_validations").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectClose()

	if _, err := NewPostgresValidationsWithSchema(context.Background(), db); err != nil {
		t.Fatalf("WithSchema: %v", err)
	}
}

func TestValidations_RecordIsIdempotentUntilRevoked(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("INSERT INTO product_validations").
		WithArgs(testKey.OrderID, testKey.TransactionID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO product_validations").
		WithArgs(testKey.OrderID, testKey.TransactionID).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT success FROM product_validations").
		WithArgs(testKey.OrderID, testKey.TransactionID).
		WillReturnRows(sqlmock.NewRows([]string{"success"}).AddRow(true))
	mock.ExpectExec("INSERT INTO product_validations").
		WithArgs(testKey.OrderID, testKey.TransactionID).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT success FROM product_validations").
		WithArgs(testKey.OrderID, testKey.TransactionID).
		WillReturnRows(sqlmock.NewRows([]string{"success"}).AddRow(false))
	mock.ExpectClose()

	store := NewPostgresValidations(db)
	if err := store.Record(context.Background(), testKey); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := store.Record(context.Background(), testKey); err != nil {
		t.Fatalf("expected redelivered validation to be accepted, got %v", err)
	}
	if err := store.Record(context.Background(), testKey); !errors.Is(err, saga.ErrDuplicateTransaction) {
		t.Fatalf("expected duplicate after revoke, got %v", err)
	}
}

func TestValidations_RevokeUpsertsFailure(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("ON CONFLICT \\(order_id, transaction_id\\) DO UPDATE SET success = FALSE").
		WithArgs(testKey.OrderID, testKey.TransactionID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO product_validations").
		WithArgs(testKey.OrderID, testKey.TransactionID).
		WillReturnError(errors.New("conn reset"))
	mock.ExpectClose()

	store := NewPostgresValidations(db)
	if err := store.Revoke(context.Background(), testKey); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if err := store.Revoke(context.Background(), testKey); !errors.Is(err, saga.ErrStoreUnavailable) {
		t.Fatalf("expected store unavailable, got %v", err)
	}
}
