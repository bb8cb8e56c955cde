package ordersdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"convoy/internal/orders"
	"convoy/internal/outbox"
	"convoy/internal/saga"
)

// WithinTx runs fn inside one database transaction. Order mutations, outbox
// inserts and saga saves made through the Tx commit or roll back together.
func (s *Store) WithinTx(ctx context.Context, fn func(tx saga.Tx) error) error {
	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	if err := fn(&sqlTx{tx: dbTx, store: s}); err != nil {
		dbTx.Rollback()
		return err
	}
	return dbTx.Commit()
}

type sqlTx struct {
	tx    *sql.Tx
	store *Store
}

func (t *sqlTx) Order(ctx context.Context, orderID string) (orders.Order, error) {
	return scanOrder(ctx, t.tx, orderID)
}

func statusColumn(to orders.Status) string {
	switch to {
	case orders.StatusConfirmed:
		return "confirmed_at"
	case orders.StatusPaid:
		return "paid_at"
	case orders.StatusShipped:
		return "shipped_at"
	case orders.StatusCancelled:
		return "cancelled_at"
	}
	return ""
}

func (t *sqlTx) UpdateOrderStatus(ctx context.Context, orderID string, to orders.Status, note string) error {
	var from string
	err := t.tx.QueryRowContext(ctx,
		`SELECT status FROM orders WHERE id = $1 FOR UPDATE`, orderID,
	).Scan(&from)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return orders.ErrNotFound
		}
		return err
	}

	now := t.store.now()
	entry, err := json.Marshal([]orders.StatusChange{{
		From: orders.Status(from),
		To:   to,
		Note: note,
		At:   now,
	}})
	if err != nil {
		return err
	}

	query := `UPDATE orders SET status = $2, history = history || $3::jsonb, updated_at = $4`
	if col := statusColumn(to); col != "" {
		query += fmt.Sprintf(", %s = $4", col)
	}
	query += ` WHERE id = $1`

	_, err = t.tx.ExecContext(ctx, query, orderID, to, entry, now)
	return err
}

func (t *sqlTx) EnqueueOutbox(ctx context.Context, ev outbox.Event) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO outbox_events (id, event_type, aggregate_id, payload, published, retry_count, last_error, created_at)
		VALUES ($1, $2, $3, $4, FALSE, 0, '', $5)`,
		ev.ID, ev.Type, ev.AggregateID, []byte(ev.Payload), ev.CreatedAt,
	)
	return err
}

func (t *sqlTx) SaveSaga(ctx context.Context, sg *saga.Saga) error {
	failures, err := json.Marshal(sg.CompensationFailures)
	if err != nil {
		return err
	}
	if sg.CompensationFailures == nil {
		failures = []byte("[]")
	}

	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO sagas (id, order_id, status, current_step, error, compensation_failures, created_at, updated_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			current_step = EXCLUDED.current_step,
			error = EXCLUDED.error,
			compensation_failures = EXCLUDED.compensation_failures,
			updated_at = EXCLUDED.updated_at,
			completed_at = EXCLUDED.completed_at`,
		sg.ID, sg.OrderID, sg.Status, sg.CurrentStep, sg.Error, failures,
		sg.CreatedAt, sg.UpdatedAt, timeOrNil(sg.CompletedAt),
	)
	if err != nil {
		return err
	}

	for _, step := range sg.Steps {
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO saga_steps (id, saga_id, step_order, step_type, status, error, started_at, completed_at, compensated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (id) DO UPDATE SET
				status = EXCLUDED.status,
				error = EXCLUDED.error,
				started_at = EXCLUDED.started_at,
				completed_at = EXCLUDED.completed_at,
				compensated_at = EXCLUDED.compensated_at`,
			step.ID, sg.ID, step.Order, step.Type, step.Status, step.Error,
			timeOrNil(step.StartedAt), timeOrNil(step.CompletedAt), timeOrNil(step.CompensatedAt),
		)
		if err != nil {
			return err
		}
	}

	return nil
}

func timeOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

// SagaByID loads one saga with its steps.
func (s *Store) SagaByID(ctx context.Context, id string) (*saga.Saga, error) {
	return s.loadSaga(ctx, `WHERE id = $1`, id)
}

// SagaByOrderID loads the order's most recent saga.
func (s *Store) SagaByOrderID(ctx context.Context, orderID string) (*saga.Saga, error) {
	return s.loadSaga(ctx, `WHERE order_id = $1 ORDER BY created_at DESC LIMIT 1`, orderID)
}

// ActiveSagas loads every non-terminal saga, for registry rebuild on
// startup.
func (s *Store) ActiveSagas(ctx context.Context) ([]*saga.Saga, error) {
	rows, err := s.db.QueryContext(ctx, sagaSelect+`
		WHERE status NOT IN ($1, $2, $3)
		ORDER BY created_at`,
		saga.StatusCompleted, saga.StatusFailed, saga.StatusCompensated,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*saga.Saga
	for rows.Next() {
		sg, err := scanSaga(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, sg := range out {
		if err := s.loadSteps(ctx, sg); err != nil {
			return nil, err
		}
	}
	return out, nil
}

const sagaSelect = `
	SELECT id, order_id, status, current_step, error, compensation_failures,
	       created_at, updated_at, completed_at
	FROM sagas`

func (s *Store) loadSaga(ctx context.Context, where string, arg any) (*saga.Saga, error) {
	rows, err := s.db.QueryContext(ctx, sagaSelect+" "+where, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, saga.ErrSagaNotFound
	}
	sg, err := scanSaga(rows)
	if err != nil {
		return nil, err
	}
	if err := s.loadSteps(ctx, sg); err != nil {
		return nil, err
	}
	return sg, nil
}

func scanSaga(rows *sql.Rows) (*saga.Saga, error) {
	var (
		sg        saga.Saga
		status    string
		failures  []byte
		completed sql.NullTime
	)
	err := rows.Scan(&sg.ID, &sg.OrderID, &status, &sg.CurrentStep, &sg.Error,
		&failures, &sg.CreatedAt, &sg.UpdatedAt, &completed)
	if err != nil {
		return nil, err
	}
	sg.Status = saga.Status(status)
	if err := json.Unmarshal(failures, &sg.CompensationFailures); err != nil {
		return nil, fmt.Errorf("decode compensation failures: %w", err)
	}
	sg.CompletedAt = nullableTime(completed)
	return &sg, nil
}

func (s *Store) loadSteps(ctx context.Context, sg *saga.Saga) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, step_order, step_type, status, error, started_at, completed_at, compensated_at
		FROM saga_steps
		WHERE saga_id = $1
		ORDER BY step_order`,
		sg.ID,
	)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			step                           saga.Step
			stepType, status               string
			started, completed, compensate sql.NullTime
		)
		err := rows.Scan(&step.ID, &step.Order, &stepType, &status, &step.Error,
			&started, &completed, &compensate)
		if err != nil {
			return err
		}
		step.Type = saga.StepType(stepType)
		step.Status = saga.StepStatus(status)
		step.StartedAt = nullableTime(started)
		step.CompletedAt = nullableTime(completed)
		step.CompensatedAt = nullableTime(compensate)
		sg.Steps = append(sg.Steps, &step)
	}
	return rows.Err()
}
