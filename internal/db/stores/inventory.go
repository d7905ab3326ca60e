package storesdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"ordersaga/internal/participant"
	"ordersaga/internal/saga"
)

// PostgresInventory keeps stock levels and the per-saga adjustments that
// compensation replays in reverse.
type PostgresInventory struct {
	db *sql.DB
}

func NewPostgresInventory(db *sql.DB) *PostgresInventory {
	return &PostgresInventory{db: db}
}

// NewPostgresInventoryWithSchema initializes the schema then returns the store.
func NewPostgresInventoryWithSchema(ctx context.Context, db *sql.DB) (*PostgresInventory, error) {
	store := NewPostgresInventory(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates inventory tables if they do not exist.
func (s *PostgresInventory) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS inventory (
			product_code TEXT PRIMARY KEY,
			available INTEGER NOT NULL CHECK (available >= 0),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS order_inventory (
			id BIGSERIAL PRIMARY KEY,
			order_id TEXT NOT NULL,
			transaction_id TEXT NOT NULL,
			product_code TEXT NOT NULL REFERENCES inventory(product_code),
			old_quantity INTEGER NOT NULL,
			order_quantity INTEGER NOT NULL,
			new_quantity INTEGER NOT NULL,
			reversed BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS order_inventory_saga_idx ON order_inventory (order_id, transaction_id, product_code)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// SetStock sets the available quantity of code, creating the row if needed.
func (s *PostgresInventory) SetStock(ctx context.Context, code string, available int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO inventory (product_code, available)
		VALUES ($1, $2)
		ON CONFLICT (product_code) DO UPDATE SET available = EXCLUDED.available, updated_at = NOW()`,
		code, available,
	)
	if err != nil {
		return unavailable(err)
	}
	return nil
}

// Reserve locks every requested row, checks all of them, then decrements
// all of them in one transaction. Rows are locked in code order.
//
// Reserve is idempotent per key: once adjustments exist for key they are
// returned unchanged, so a redelivery after a crash between this commit and
// the ledger write does not reserve twice. Adjustments that were already
// released fail with saga.ErrDuplicateTransaction.
func (s *PostgresInventory) Reserve(ctx context.Context, key saga.Key, items []saga.LineItem) ([]participant.Adjustment, error) {
	_, totals := participant.AggregateQuantities(items)
	codes := make([]string, 0, len(totals))
	for code := range totals {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, unavailable(err)
	}
	defer tx.Rollback()

	available := make(map[string]int, len(codes))
	for _, code := range codes {
		var have int
		row := tx.QueryRowContext(ctx, `SELECT available FROM inventory WHERE product_code = $1 FOR UPDATE`, code)
		if err := row.Scan(&have); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, fmt.Errorf("%w: %s", saga.ErrProductNotFound, code)
			}
			return nil, unavailable(err)
		}
		available[code] = have
	}

	// Checked under the row locks so a concurrent Reserve for the same key
	// has either committed or not started.
	existing, reversed, err := s.adjustmentsFor(ctx, tx, key)
	if err != nil {
		return nil, err
	}
	if reversed {
		return nil, fmt.Errorf("%w: inventory for %s was already reserved and released", saga.ErrDuplicateTransaction, key)
	}
	if len(existing) > 0 {
		return existing, nil
	}

	adjustments := make([]participant.Adjustment, 0, len(codes))
	for _, code := range codes {
		if totals[code] > available[code] {
			return nil, fmt.Errorf("%w: product %s has %d, requested %d", saga.ErrInsufficientStock, code, available[code], totals[code])
		}
		adjustments = append(adjustments, participant.Adjustment{
			ProductCode:   code,
			OldQuantity:   available[code],
			OrderQuantity: totals[code],
			NewQuantity:   available[code] - totals[code],
		})
	}

	for _, adj := range adjustments {
		if _, err := tx.ExecContext(ctx, `
			UPDATE inventory SET available = $2, updated_at = NOW()
			WHERE product_code = $1`,
			adj.ProductCode, adj.NewQuantity,
		); err != nil {
			return nil, unavailable(err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO order_inventory (order_id, transaction_id, product_code, old_quantity, order_quantity, new_quantity)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			key.OrderID, key.TransactionID, adj.ProductCode, adj.OldQuantity, adj.OrderQuantity, adj.NewQuantity,
		); err != nil {
			return nil, unavailable(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, unavailable(err)
	}
	return adjustments, nil
}

// adjustmentsFor returns the adjustments already recorded for key and
// whether any of them has been reversed.
func (s *PostgresInventory) adjustmentsFor(ctx context.Context, tx *sql.Tx, key saga.Key) ([]participant.Adjustment, bool, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT product_code, old_quantity, order_quantity, new_quantity, reversed
		FROM order_inventory
		WHERE order_id = $1 AND transaction_id = $2
		ORDER BY id`,
		key.OrderID, key.TransactionID,
	)
	if err != nil {
		return nil, false, unavailable(err)
	}
	defer rows.Close()

	var (
		out      []participant.Adjustment
		reversed bool
	)
	for rows.Next() {
		var (
			adj participant.Adjustment
			rev bool
		)
		if err := rows.Scan(&adj.ProductCode, &adj.OldQuantity, &adj.OrderQuantity, &adj.NewQuantity, &rev); err != nil {
			return nil, false, unavailable(err)
		}
		reversed = reversed || rev
		out = append(out, adj)
	}
	if err := rows.Err(); err != nil {
		return nil, false, unavailable(err)
	}
	return out, reversed, nil
}

type pendingRelease struct {
	id       int64
	code     string
	quantity int
}

// Release adds back every unreversed adjustment of key and marks it reversed.
func (s *PostgresInventory) Release(ctx context.Context, key saga.Key) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, unavailable(err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, product_code, order_quantity
		FROM order_inventory
		WHERE order_id = $1 AND transaction_id = $2 AND NOT reversed
		ORDER BY id
		FOR UPDATE`,
		key.OrderID, key.TransactionID,
	)
	if err != nil {
		return 0, unavailable(err)
	}
	var pending []pendingRelease
	for rows.Next() {
		var p pendingRelease
		if err := rows.Scan(&p.id, &p.code, &p.quantity); err != nil {
			rows.Close()
			return 0, unavailable(err)
		}
		pending = append(pending, p)
	}
	if err := rows.Close(); err != nil {
		return 0, unavailable(err)
	}
	if err := rows.Err(); err != nil {
		return 0, unavailable(err)
	}

	for _, p := range pending {
		if _, err := tx.ExecContext(ctx, `
			UPDATE inventory SET available = available + $2, updated_at = NOW()
			WHERE product_code = $1`,
			p.code, p.quantity,
		); err != nil {
			return 0, unavailable(err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE order_inventory SET reversed = TRUE WHERE id = $1`, p.id); err != nil {
			return 0, unavailable(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, unavailable(err)
	}
	return len(pending), nil
}
