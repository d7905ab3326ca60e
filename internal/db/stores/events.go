package storesdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"ordersaga/internal/participant"
	"ordersaga/internal/saga"
)

// PostgresEventStore keeps every event the order service stored, so the
// latest row per saga is its current state.
type PostgresEventStore struct {
	db *sql.DB
}

func NewPostgresEventStore(db *sql.DB) *PostgresEventStore {
	return &PostgresEventStore{db: db}
}

// NewPostgresEventStoreWithSchema initializes the schema then returns the store.
func NewPostgresEventStoreWithSchema(ctx context.Context, db *sql.DB) (*PostgresEventStore, error) {
	store := NewPostgresEventStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the saga_events table if it does not exist.
func (s *PostgresEventStore) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS saga_events (
			id BIGSERIAL PRIMARY KEY,
			event_id TEXT NOT NULL,
			order_id TEXT NOT NULL,
			transaction_id TEXT NOT NULL,
			source TEXT NOT NULL,
			status TEXT NOT NULL,
			payload JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS saga_events_order_idx ON saga_events (order_id, transaction_id)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresEventStore) Save(ctx context.Context, event saga.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", event.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO saga_events (event_id, order_id, transaction_id, source, status, payload)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		event.ID, event.OrderID, event.TransactionID, string(event.Source), string(event.Status), payload,
	)
	if err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *PostgresEventStore) FindByFilters(ctx context.Context, filters participant.EventFilters) (saga.Event, error) {
	var (
		where []string
		args  []any
	)
	if filters.OrderID != "" {
		args = append(args, filters.OrderID)
		where = append(where, fmt.Sprintf("order_id = $%d", len(args)))
	}
	if filters.TransactionID != "" {
		args = append(args, filters.TransactionID)
		where = append(where, fmt.Sprintf("transaction_id = $%d", len(args)))
	}
	if len(where) == 0 {
		return saga.Event{}, participant.ErrFiltersRequired
	}

	query := "SELECT payload FROM saga_events WHERE " + strings.Join(where, " AND ") + " ORDER BY id DESC LIMIT 1"
	var payload []byte
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return saga.Event{}, participant.ErrEventNotFound
		}
		return saga.Event{}, unavailable(err)
	}
	return decodeEvent(payload)
}

func (s *PostgresEventStore) FindAll(ctx context.Context) ([]saga.Event, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM saga_events ORDER BY id DESC`)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	var events []saga.Event
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, unavailable(err)
		}
		event, err := decodeEvent(payload)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err)
	}
	return events, nil
}

func decodeEvent(payload []byte) (saga.Event, error) {
	var event saga.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return saga.Event{}, fmt.Errorf("decode stored event: %w", err)
	}
	return event, nil
}
