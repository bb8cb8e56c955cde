package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"convoy/internal/bus"
	"convoy/internal/ledger"
	"convoy/internal/observability"
)

// SagaHandler is the slice of the orchestrator the dispatcher drives.
//
// Handlers must tolerate re-application of an already-applied event: the
// durable ledger commits its claim after the handler's own transactions, so
// a crash between the two redelivers the event with the handler's effects
// already in place. The orchestrator satisfies this by dropping signals for
// steps that are no longer in flight.
type SagaHandler interface {
	HandleStockReserved(ctx context.Context, orderID string) error
	HandleStockReservationFailed(ctx context.Context, orderID, reason string) error
}

// Dispatcher routes inbound events to the saga orchestrator. Every event
// passes through the ledger first, so redelivered events are dropped instead
// of applied twice.
type Dispatcher struct {
	ledger  ledger.Ledger
	sagas   SagaHandler
	metrics *observability.Metrics
	logf    func(format string, args ...any)
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithMetrics attaches a metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithLogf overrides the logging function.
func WithLogf(logf func(format string, args ...any)) Option {
	return func(d *Dispatcher) { d.logf = logf }
}

// NewDispatcher constructs a dispatcher.
func NewDispatcher(ledger ledger.Ledger, sagas SagaHandler, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		ledger: ledger,
		sagas:  sagas,
		logf:   log.Printf,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run consumes events until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context, consumer bus.Consumer) error {
	return consumer.Consume(ctx, d.Dispatch)
}

// Dispatch applies one event. A returned error means the event was not
// applied and may be redelivered; nil means it was applied or deliberately
// dropped.
func (d *Dispatcher) Dispatch(ctx context.Context, env bus.Envelope) error {
	applied := false
	err := d.ledger.Apply(ctx, env.EventID, env.EventType, func(ctx context.Context) error {
		applied = true
		return d.route(ctx, env)
	})
	if err != nil {
		return fmt.Errorf("dispatch %s %s: %w", env.EventType, env.EventID, err)
	}
	if !applied {
		d.metrics.IncDuplicateEvent()
		d.logf("dispatch: duplicate event %s %s dropped", env.EventType, env.EventID)
	}
	return nil
}

type stockReservedPayload struct {
	OrderID string `json:"order_id"`
}

type stockReservationFailedPayload struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason"`
}

func (d *Dispatcher) route(ctx context.Context, env bus.Envelope) error {
	switch env.EventType {
	case bus.EventStockReserved:
		var p stockReservedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		orderID := p.OrderID
		if orderID == "" {
			orderID = env.AggregateID
		}
		return d.sagas.HandleStockReserved(ctx, orderID)

	case bus.EventStockReservationFailed:
		var p stockReservationFailedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		orderID := p.OrderID
		if orderID == "" {
			orderID = env.AggregateID
		}
		return d.sagas.HandleStockReservationFailed(ctx, orderID, p.Reason)

	default:
		// Not addressed to the coordinator; acknowledge and move on.
		d.logf("dispatch: ignoring event type %s", env.EventType)
		return nil
	}
}
