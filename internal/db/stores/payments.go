package storesdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"ordersaga/internal/participant"
	"ordersaga/internal/saga"
)

// PostgresPayments persists charges and refunds, one row per saga attempt.
type PostgresPayments struct {
	db *sql.DB
}

func NewPostgresPayments(db *sql.DB) *PostgresPayments {
	return &PostgresPayments{db: db}
}

// NewPostgresPaymentsWithSchema initializes the schema then returns the store.
func NewPostgresPaymentsWithSchema(ctx context.Context, db *sql.DB) (*PostgresPayments, error) {
	store := NewPostgresPayments(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the payments table if it does not exist.
func (p *PostgresPayments) InitSchema(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS payments (
			order_id TEXT NOT NULL,
			transaction_id TEXT NOT NULL,
			total_amount BIGINT NOT NULL,
			total_items INTEGER NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (order_id, transaction_id)
		)
	`)
	return err
}

// Save records the charge. It is idempotent per saga key.
func (p *PostgresPayments) Save(ctx context.Context, payment participant.Payment) error {
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO payments (order_id, transaction_id, total_amount, total_items, status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (order_id, transaction_id) DO NOTHING`,
		payment.OrderID, payment.TransactionID, payment.TotalAmount, payment.TotalItems, string(payment.Status),
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

	// A charged row for the same key is this payment applied by an earlier
	// delivery; only a refunded one means the attempt is over.
	var status string
	row := p.db.QueryRowContext(ctx, `SELECT status FROM payments WHERE order_id = $1 AND transaction_id = $2`, payment.OrderID, payment.TransactionID)
	if err := row.Scan(&status); err != nil {
		return unavailable(err)
	}
	if participant.PaymentStatus(status) == participant.PaymentStatusRefund {
		return fmt.Errorf("%w: payment %s already refunded", saga.ErrDuplicateTransaction, payment.Key())
	}
	return nil
}

func (p *PostgresPayments) Refund(ctx context.Context, key saga.Key) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE payments SET status = $3, updated_at = NOW()
		WHERE order_id = $1 AND transaction_id = $2 AND status <> $3`,
		key.OrderID, key.TransactionID, string(participant.PaymentStatusRefund),
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

	var status string
	row := p.db.QueryRowContext(ctx, `SELECT status FROM payments WHERE order_id = $1 AND transaction_id = $2`, key.OrderID, key.TransactionID)
	switch err := row.Scan(&status); {
	case err == nil:
		if participant.PaymentStatus(status) == participant.PaymentStatusRefund {
			return participant.ErrAlreadyRefunded
		}
		return fmt.Errorf("refund of %s matched no row in status %s", key, status)
	case errors.Is(err, sql.ErrNoRows):
		return participant.ErrPaymentNotFound
	default:
		return unavailable(err)
	}
}

// Find returns the payment recorded for key.
func (p *PostgresPayments) Find(ctx context.Context, key saga.Key) (participant.Payment, error) {
	var (
		payment participant.Payment
		status  string
	)
	row := p.db.QueryRowContext(ctx, `
		SELECT order_id, transaction_id, total_amount, total_items, status, created_at, updated_at
		FROM payments
		WHERE order_id = $1 AND transaction_id = $2`,
		key.OrderID, key.TransactionID,
	)
	if err := row.Scan(&payment.OrderID, &payment.TransactionID, &payment.TotalAmount, &payment.TotalItems, &status, &payment.CreatedAt, &payment.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return participant.Payment{}, participant.ErrPaymentNotFound
		}
		return participant.Payment{}, unavailable(err)
	}
	payment.Status = participant.PaymentStatus(status)
	return payment, nil
}
