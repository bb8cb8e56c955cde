package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"convoy/internal/bus"
	"convoy/internal/orders"
)

// ErrEventNotFound signals an outbox update for an unknown event id.
var ErrEventNotFound = errors.New("outbox event not found")

// Event is a durable record of an intent to publish. It is inserted in the
// same transaction as the state change that produced it, never on its own.
type Event struct {
	ID          string
	Type        string
	AggregateID string
	Payload     json.RawMessage
	Published   bool
	RetryCount  int
	LastError   string
	CreatedAt   time.Time
	PublishedAt *time.Time
}

// Store is the slice of the persistent store the relay needs.
type Store interface {
	// UnpublishedEvents returns up to limit events with published=false,
	// oldest first.
	UnpublishedEvents(ctx context.Context, limit int) ([]Event, error)
	// MarkPublished flips published=true exactly once; a published event is
	// never returned by UnpublishedEvents again.
	MarkPublished(ctx context.Context, id string) error
	// RecordPublishFailure bumps the retry count and keeps the event
	// eligible for the next relay pass.
	RecordPublishFailure(ctx context.Context, id string, publishErr error) error
}

// Envelope converts the stored event into its wire form.
func (e Event) Envelope() bus.Envelope {
	return bus.Envelope{
		EventID:     e.ID,
		EventType:   e.Type,
		AggregateID: e.AggregateID,
		Payload:     e.Payload,
	}
}

// OrderCreatedPayload is the body of an OrderCreated event.
type OrderCreatedPayload struct {
	OrderID string        `json:"order_id"`
	Items   []orders.Item `json:"items"`
}

// OrderConfirmedPayload is the body of an OrderConfirmed event.
type OrderConfirmedPayload struct {
	OrderID     string        `json:"order_id"`
	OrderNumber string        `json:"order_number"`
	Items       []orders.Item `json:"items"`
}

// OrderCancelledPayload is the body of an OrderCancelled event.
type OrderCancelledPayload struct {
	OrderID string        `json:"order_id"`
	Reason  string        `json:"reason"`
	Items   []orders.Item `json:"items"`
}

// ReleaseStockPayload is the body of a ReleaseStock event.
type ReleaseStockPayload struct {
	OrderID string `json:"order_id"`
}

// RefundPaymentPayload is the body of a RefundPayment event.
type RefundPaymentPayload struct {
	OrderID string `json:"order_id"`
}

// NewEvent builds an unpublished event with a serialized payload.
func NewEvent(id, eventType, aggregateID string, payload any, now time.Time) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		ID:          id,
		Type:        eventType,
		AggregateID: aggregateID,
		Payload:     raw,
		CreatedAt:   now,
	}, nil
}
