package outbox

import (
	"context"
	"log"
	"time"

	"convoy/internal/bus"
	"convoy/internal/observability"
)

// Relay periodically publishes unpublished outbox events to the message bus
// and marks them published. Publish failures leave the row unpublished with
// a bumped retry count, so the next pass tries again.
type Relay struct {
	store     Store
	publisher bus.Publisher
	interval  time.Duration
	batchSize int
	metrics   *observability.Metrics
	logf      func(format string, args ...any)
}

// RelayOption customizes a Relay.
type RelayOption func(*Relay)

// WithRelayMetrics wires outbox counters.
func WithRelayMetrics(m *observability.Metrics) RelayOption {
	return func(r *Relay) { r.metrics = m }
}

// WithRelayLogf overrides the relay's logger.
func WithRelayLogf(logf func(format string, args ...any)) RelayOption {
	return func(r *Relay) {
		if logf != nil {
			r.logf = logf
		}
	}
}

// WithRelayBatchSize caps how many events one pass claims.
func WithRelayBatchSize(n int) RelayOption {
	return func(r *Relay) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// NewRelay constructs a relay polling the store every interval.
func NewRelay(store Store, publisher bus.Publisher, interval time.Duration, opts ...RelayOption) *Relay {
	if interval <= 0 {
		interval = time.Second
	}
	r := &Relay{
		store:     store,
		publisher: publisher,
		interval:  interval,
		batchSize: 32,
		logf:      log.Printf,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run polls until the context ends. Pass-level errors are logged, not fatal:
// a broken store or bus heals on a later pass.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.Flush(ctx); err != nil {
				r.logf("outbox relay pass failed: %v", err)
			}
		}
	}
}

// Flush publishes one batch of unpublished events. It returns how many were
// published; per-event publish failures are recorded and do not abort the
// batch.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	events, err := r.store.UnpublishedEvents(ctx, r.batchSize)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return published, err
		}

		if err := r.publisher.Publish(ctx, ev.Envelope()); err != nil {
			r.logf("outbox publish %s (%s) failed, attempt %d: %v", ev.ID, ev.Type, ev.RetryCount+1, err)
			r.metrics.IncOutboxRetry()
			if recordErr := r.store.RecordPublishFailure(ctx, ev.ID, err); recordErr != nil {
				r.logf("outbox record failure %s: %v", ev.ID, recordErr)
			}
			continue
		}

		if err := r.store.MarkPublished(ctx, ev.ID); err != nil {
			// The event went out but the flag write failed; the next pass
			// republishes and the consumer-side ledger absorbs the duplicate.
			r.logf("outbox mark published %s: %v", ev.ID, err)
			continue
		}
		r.metrics.IncOutboxPublished()
		published++
	}

	return published, nil
}
