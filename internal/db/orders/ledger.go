package ordersdb

import (
	"context"
	"fmt"

	"convoy/internal/ledger"
)

// Apply runs fn at most once for the event id. The claim on the id is
// inserted in a transaction that commits only after fn succeeds, so a
// crashed or failed handler leaves the id unclaimed and the event eligible
// for redelivery.
//
// fn commits through its own transactions, not the claim's. A crash after
// fn's commits but before the claim commits therefore re-runs fn on
// redelivery: callers must only route handlers whose re-application is a
// no-op, which the dispatcher's SagaHandler contract requires (the saga
// layer drops signals for steps no longer in flight).
func (s *Store) Apply(ctx context.Context, eventID, eventType string, fn func(ctx context.Context) error) error {
	if eventID == "" {
		return ledger.ErrEmptyEventID
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO processed_events (event_id, event_type, processed_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (event_id) DO NOTHING`,
		eventID, eventType, s.now(),
	)
	if err != nil {
		tx.Rollback()
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return err
	}
	if affected == 0 {
		// Already processed; drop without running fn.
		tx.Rollback()
		return nil
	}

	if err := fn(ctx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
