// Package ordersdb persists orders, sagas, the outbox and the
// processed-event ledger in Postgres.
package ordersdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"convoy/internal/orders"
)

// Store is the Postgres-backed store. It implements saga.Store,
// outbox.Store and ledger.Ledger.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore constructs a Store over an open database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// NewStoreWithSchema initializes the schema then returns the store.
func NewStoreWithSchema(ctx context.Context, db *sql.DB) (*Store, error) {
	store := NewStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// Open connects to Postgres via the pgx driver and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// InitSchema creates the coordinator tables if they do not exist.
func (s *Store) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS orders (
			id TEXT PRIMARY KEY,
			number TEXT NOT NULL,
			customer_id TEXT NOT NULL DEFAULT '',
			items JSONB NOT NULL DEFAULT '[]',
			status TEXT NOT NULL,
			history JSONB NOT NULL DEFAULT '[]',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			confirmed_at TIMESTAMPTZ,
			paid_at TIMESTAMPTZ,
			shipped_at TIMESTAMPTZ,
			cancelled_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS sagas (
			id TEXT PRIMARY KEY,
			order_id TEXT NOT NULL,
			status TEXT NOT NULL,
			current_step INT NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			compensation_failures JSONB NOT NULL DEFAULT '[]',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS sagas_order_id_idx ON sagas (order_id)`,
		`CREATE TABLE IF NOT EXISTS saga_steps (
			id TEXT PRIMARY KEY,
			saga_id TEXT NOT NULL REFERENCES sagas(id) ON DELETE CASCADE,
			step_order INT NOT NULL,
			step_type TEXT NOT NULL,
			status TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			compensated_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS outbox_events (
			id TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			aggregate_id TEXT NOT NULL,
			payload JSONB NOT NULL,
			published BOOLEAN NOT NULL DEFAULT FALSE,
			retry_count INT NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			published_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS outbox_unpublished_idx ON outbox_events (created_at) WHERE NOT published`,
		`CREATE TABLE IF NOT EXISTS processed_events (
			event_id TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			processed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	return nil
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// CreateOrder inserts a new order row.
func (s *Store) CreateOrder(ctx context.Context, o orders.Order) error {
	items, err := json.Marshal(o.Items)
	if err != nil {
		return err
	}
	history, err := json.Marshal(o.History)
	if err != nil {
		return err
	}
	if o.History == nil {
		history = []byte("[]")
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (id, number, customer_id, items, status, history, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (id) DO NOTHING`,
		o.ID, o.Number, o.CustomerID, items, o.Status, history, s.now(),
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return orders.ErrExists
	}
	return nil
}

// OrderByID loads one order.
func (s *Store) OrderByID(ctx context.Context, id string) (orders.Order, error) {
	return scanOrder(ctx, s.db, id)
}

func scanOrder(ctx context.Context, q querier, id string) (orders.Order, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, number, customer_id, items, status, history,
		       created_at, updated_at, confirmed_at, paid_at, shipped_at, cancelled_at
		FROM orders
		WHERE id = $1`,
		id,
	)

	var (
		o                 orders.Order
		items, history    []byte
		status            string
		confirmed, paid   sql.NullTime
		shipped, canceled sql.NullTime
	)
	err := row.Scan(&o.ID, &o.Number, &o.CustomerID, &items, &status, &history,
		&o.CreatedAt, &o.UpdatedAt, &confirmed, &paid, &shipped, &canceled)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return orders.Order{}, orders.ErrNotFound
		}
		return orders.Order{}, err
	}

	o.Status = orders.Status(status)
	if err := json.Unmarshal(items, &o.Items); err != nil {
		return orders.Order{}, fmt.Errorf("decode order items: %w", err)
	}
	if err := json.Unmarshal(history, &o.History); err != nil {
		return orders.Order{}, fmt.Errorf("decode order history: %w", err)
	}
	o.ConfirmedAt = nullableTime(confirmed)
	o.PaidAt = nullableTime(paid)
	o.ShippedAt = nullableTime(shipped)
	o.CancelledAt = nullableTime(canceled)
	return o, nil
}

func nullableTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	at := t.Time
	return &at
}
