package ordersdb

import (
	"context"
	"database/sql"

	"convoy/internal/outbox"
)

// UnpublishedEvents returns up to limit unpublished outbox events, oldest
// first.
func (s *Store) UnpublishedEvents(ctx context.Context, limit int) ([]outbox.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_type, aggregate_id, payload, published, retry_count, last_error, created_at, published_at
		FROM outbox_events
		WHERE NOT published
		ORDER BY created_at
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []outbox.Event
	for rows.Next() {
		var (
			ev        outbox.Event
			payload   []byte
			published sql.NullTime
		)
		err := rows.Scan(&ev.ID, &ev.Type, &ev.AggregateID, &payload,
			&ev.Published, &ev.RetryCount, &ev.LastError, &ev.CreatedAt, &published)
		if err != nil {
			return nil, err
		}
		ev.Payload = payload
		ev.PublishedAt = nullableTime(published)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// MarkPublished flips the event to published.
func (s *Store) MarkPublished(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox_events
		SET published = TRUE, published_at = $2
		WHERE id = $1`,
		id, s.now(),
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return outbox.ErrEventNotFound
	}
	return nil
}

// RecordPublishFailure bumps the retry count and remembers the error.
func (s *Store) RecordPublishFailure(ctx context.Context, id string, publishErr error) error {
	msg := ""
	if publishErr != nil {
		msg = publishErr.Error()
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox_events
		SET retry_count = retry_count + 1, last_error = $2
		WHERE id = $1`,
		id, msg,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return outbox.ErrEventNotFound
	}
	return nil
}
