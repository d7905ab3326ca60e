// Package ledgerdb persists participant idempotency ledgers.
package ledgerdb

import (
	"context"
	"database/sql"
	"fmt"

	"ordersaga/internal/saga"
)

// PostgresLedger records processed (order, transaction) pairs for one
// participant in the shared saga_ledger table.
type PostgresLedger struct {
	db          *sql.DB
	participant saga.Source
}

// NewPostgresLedger constructs a ledger scoped to participant.
func NewPostgresLedger(db *sql.DB, participant saga.Source) *PostgresLedger {
	return &PostgresLedger{db: db, participant: participant}
}

// NewPostgresLedgerWithSchema initializes the schema then returns the ledger.
func NewPostgresLedgerWithSchema(ctx context.Context, db *sql.DB, participant saga.Source) (*PostgresLedger, error) {
	ledger := NewPostgresLedger(db, participant)
	if err := ledger.InitSchema(ctx); err != nil {
		return nil, err
	}
	return ledger, nil
}

// InitSchema creates the saga_ledger table if it does not exist.
func (l *PostgresLedger) InitSchema(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS saga_ledger (
			participant TEXT NOT NULL,
			order_id TEXT NOT NULL,
			transaction_id TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (participant, order_id, transaction_id)
		)
	`)
	return err
}

func (l *PostgresLedger) Exists(ctx context.Context, key saga.Key) (bool, error) {
	var exists bool
	row := l.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM saga_ledger
			WHERE participant = $1 AND order_id = $2 AND transaction_id = $3
		)`,
		string(l.participant), key.OrderID, key.TransactionID,
	)
	if err := row.Scan(&exists); err != nil {
		return false, unavailable(err)
	}
	return exists, nil
}

// Save inserts key unless it is already recorded.
func (l *PostgresLedger) Save(ctx context.Context, key saga.Key) error {
	res, err := l.db.ExecContext(ctx, `
		INSERT INTO saga_ledger (participant, order_id, transaction_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (participant, order_id, transaction_id) DO NOTHING`,
		string(l.participant), key.OrderID, key.TransactionID,
	)
	if err != nil {
		return unavailable(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return unavailable(err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s %s", saga.ErrDuplicateTransaction, l.participant, key)
	}
	return nil
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", saga.ErrStoreUnavailable, err)
}
