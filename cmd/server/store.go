package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"strings"

	memdb "convoy/internal/db/memory"
	ordersdb "convoy/internal/db/orders"
	"convoy/internal/ledger"
	"convoy/internal/orders"
	"convoy/internal/outbox"
	"convoy/internal/saga"
)

// coordinatorStore is the storage surface the server wires together: order
// rows, saga state, the outbox and the processed-event ledger, all behind
// one backend so a saga step commits atomically.
type coordinatorStore interface {
	saga.Store
	outbox.Store
	ledger.Ledger
	CreateOrder(ctx context.Context, o orders.Order) error
	OrderByID(ctx context.Context, id string) (orders.Order, error)
}

var openOrdersDB = func(ctx context.Context, dsn string) (*sql.DB, error) {
	return ordersdb.Open(ctx, dsn)
}

// buildStore returns the Postgres store when DATABASE_URL is set, the
// in-memory store otherwise.
func buildStore(ctx context.Context) (coordinatorStore, func(), error) {
	dsn := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dsn == "" {
		log.Printf("DATABASE_URL not set, using in-memory store")
		return memdb.NewStore(), func() {}, nil
	}

	db, err := openOrdersDB(ctx, dsn)
	if err != nil {
		return nil, nil, err
	}
	store, err := ordersdb.NewStoreWithSchema(ctx, db)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return store, func() { db.Close() }, nil
}
