package storesdb

import (
	"context"
	"database/sql"
	"fmt"

	"ordersaga/internal/saga"
)

// PostgresValidations keeps the product validation outcome of each saga
// attempt.
type PostgresValidations struct {
	db *sql.DB
}

func NewPostgresValidations(db *sql.DB) *PostgresValidations {
	return &PostgresValidations{db: db}
}

// NewPostgresValidationsWithSchema initializes the schema then returns the store.
func NewPostgresValidationsWithSchema(ctx context.Context, db *sql.DB) (*PostgresValidations, error) {
	store := NewPostgresValidations(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the product_validations table if it does not exist.
func (v *PostgresValidations) InitSchema(ctx context.Context) error {
	_, err := v.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS product_validations (
			order_id TEXT NOT NULL,
			transaction_id TEXT NOT NULL,
			success BOOLEAN NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (order_id, transaction_id)
		)
	`)
	return err
}

func (v *PostgresValidations) Record(ctx context.Context, key saga.Key) error {
	res, err := v.db.ExecContext(ctx, `
		INSERT INTO product_validations (order_id, transaction_id, success)
		VALUES ($1, $2, TRUE)
		ON CONFLICT (order_id, transaction_id) DO NOTHING`,
		key.OrderID, key.TransactionID,
	)
	if err != nil {
		return unavailable(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return unavailable(err)
	}
	if affected > 0 {
		return nil
	}

	var success bool
	row := v.db.QueryRowContext(ctx, `SELECT success FROM product_validations WHERE order_id = $1 AND transaction_id = $2`, key.OrderID, key.TransactionID)
	if err := row.Scan(&success); err != nil {
		return unavailable(err)
	}
	if !success {
		return fmt.Errorf("%w: validation for %s was rolled back", saga.ErrDuplicateTransaction, key)
	}
	return nil
}

func (v *PostgresValidations) Revoke(ctx context.Context, key saga.Key) error {
	_, err := v.db.ExecContext(ctx, `
		INSERT INTO product_validations (order_id, transaction_id, success)
		VALUES ($1, $2, FALSE)
		ON CONFLICT (order_id, transaction_id) DO UPDATE SET success = FALSE, updated_at = NOW()`,
		key.OrderID, key.TransactionID,
	)
	if err != nil {
		return unavailable(err)
	}
	return nil
}
