// Package storesdb holds the Postgres stores behind the saga participants.
package storesdb

import (
	"context"
	"database/sql"
	"fmt"

	"ordersaga/internal/saga"
)

// PostgresProductCatalog answers product lookups for product validation.
type PostgresProductCatalog struct {
	db *sql.DB
}

func NewPostgresProductCatalog(db *sql.DB) *PostgresProductCatalog {
	return &PostgresProductCatalog{db: db}
}

// NewPostgresProductCatalogWithSchema initializes the schema then returns the catalog.
func NewPostgresProductCatalogWithSchema(ctx context.Context, db *sql.DB) (*PostgresProductCatalog, error) {
	catalog := NewPostgresProductCatalog(db)
	if err := catalog.InitSchema(ctx); err != nil {
		return nil, err
	}
	return catalog, nil
}

// InitSchema creates the products table if it does not exist.
func (c *PostgresProductCatalog) InitSchema(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS products (
			code TEXT PRIMARY KEY,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

func (c *PostgresProductCatalog) Exists(ctx context.Context, code string) (bool, error) {
	var exists bool
	row := c.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM products WHERE code = $1)`, code)
	if err := row.Scan(&exists); err != nil {
		return false, unavailable(err)
	}
	return exists, nil
}

// Add registers code in the catalog. Adding a known code is a no-op.
func (c *PostgresProductCatalog) Add(ctx context.Context, code string) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO products (code) VALUES ($1) ON CONFLICT (code) DO NOTHING`,
		code,
	)
	if err != nil {
		return unavailable(err)
	}
	return nil
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", saga.ErrStoreUnavailable, err)
}
