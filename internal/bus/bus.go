package bus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

// Event type names carried on the wire. Outbound events are produced by the
// coordinator via the outbox relay; inbound events are responses from the
// downstream services.
const (
	EventOrderCreated           = "OrderCreated"
	EventOrderConfirmed         = "OrderConfirmed"
	EventOrderCancelled         = "OrderCancelled"
	EventReleaseStock           = "ReleaseStock"
	EventRefundPayment          = "RefundPayment"
	EventStockReserved          = "StockReserved"
	EventStockReservationFailed = "StockReservationFailed"
)

// ErrClosed signals a publish against a closed bus.
var ErrClosed = errors.New("bus closed")

// Envelope is the wire format for a single event.
type Envelope struct {
	EventID     string          `json:"event_id"`
	EventType   string          `json:"event_type"`
	AggregateID string          `json:"aggregate_id"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// Publisher sends envelopes to the message bus.
type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
}

// Handler processes one inbound envelope. A non-nil error leaves the
// envelope eligible for redelivery.
type Handler func(ctx context.Context, env Envelope) error

// Consumer delivers inbound envelopes to a handler until the context ends.
type Consumer interface {
	Consume(ctx context.Context, handle Handler) error
}

// InMemoryBus is a channel-backed Publisher and Consumer for tests and
// single-process deployments.
type InMemoryBus struct {
	mu     sync.Mutex
	ch     chan Envelope
	closed bool
}

// NewInMemoryBus constructs a bus buffering up to size envelopes.
func NewInMemoryBus(size int) *InMemoryBus {
	if size <= 0 {
		size = 64
	}
	return &InMemoryBus{ch: make(chan Envelope, size)}
}

// Publish enqueues the envelope for a consumer.
func (b *InMemoryBus) Publish(ctx context.Context, env Envelope) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.mu.Unlock()

	select {
	case b.ch <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume delivers published envelopes to the handler until the context ends
// or the bus is closed. Handler errors are returned to the caller.
func (b *InMemoryBus) Consume(ctx context.Context, handle Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-b.ch:
			if !ok {
				return nil
			}
			if err := handle(ctx, env); err != nil {
				return err
			}
		}
	}
}

// Close stops the bus; pending envelopes are still delivered.
func (b *InMemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.ch)
	}
}
