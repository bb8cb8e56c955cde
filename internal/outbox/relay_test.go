package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"convoy/internal/bus"
	"convoy/internal/observability"
)

type stubOutboxStore struct {
	mu       sync.Mutex
	events   []Event
	failures map[string]int
	listErr  error
	markErr  error
}

func newStubOutboxStore(events ...Event) *stubOutboxStore {
	return &stubOutboxStore{events: events, failures: make(map[string]int)}
}

func (s *stubOutboxStore) UnpublishedEvents(ctx context.Context, limit int) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []Event
	for _, ev := range s.events {
		if !ev.Published && len(out) < limit {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *stubOutboxStore) MarkPublished(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markErr != nil {
		return s.markErr
	}
	for i := range s.events {
		if s.events[i].ID == id {
			s.events[i].Published = true
			return nil
		}
	}
	return errors.New("event not found")
}

func (s *stubOutboxStore) RecordPublishFailure(ctx context.Context, id string, publishErr error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[id]++
	for i := range s.events {
		if s.events[i].ID == id {
			s.events[i].RetryCount++
		}
	}
	return nil
}

type recordingPublisher struct {
	mu   sync.Mutex
	envs []bus.Envelope
	errs map[string]error
}

func (p *recordingPublisher) Publish(ctx context.Context, env bus.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.errs[env.EventID]; err != nil {
		return err
	}
	p.envs = append(p.envs, env)
	return nil
}

func TestRelayFlush_PublishesAndMarks(t *testing.T) {
	store := newStubOutboxStore(
		Event{ID: "evt-1", Type: bus.EventOrderCreated, AggregateID: "order-1", Payload: json.RawMessage(`{"order_id":"order-1"}`)},
		Event{ID: "evt-2", Type: bus.EventOrderConfirmed, AggregateID: "order-1"},
	)
	pub := &recordingPublisher{}
	metrics := observability.NewMetrics()
	relay := NewRelay(store, pub, time.Second, WithRelayMetrics(metrics))

	n, err := relay.Flush(context.Background())
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 published, got %d", n)
	}
	if len(pub.envs) != 2 || pub.envs[0].EventID != "evt-1" {
		t.Fatalf("unexpected publishes: %+v", pub.envs)
	}
	for _, ev := range store.events {
		if !ev.Published {
			t.Fatalf("event %s not marked published", ev.ID)
		}
	}
	if snap := metrics.Snapshot(); snap.Outbox.Published != 2 {
		t.Fatalf("expected 2 published in metrics, got %d", snap.Outbox.Published)
	}
}

func TestRelayFlush_FailureLeavesUnpublishedWithRetryCount(t *testing.T) {
	store := newStubOutboxStore(
		Event{ID: "evt-1", Type: bus.EventReleaseStock},
		Event{ID: "evt-2", Type: bus.EventOrderCancelled},
	)
	pub := &recordingPublisher{errs: map[string]error{"evt-1": errors.New("bus down")}}
	relay := NewRelay(store, pub, time.Second, WithRelayLogf(func(string, ...any) {}))

	n, err := relay.Flush(context.Background())
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 published, got %d", n)
	}
	if store.events[0].Published {
		t.Fatalf("failed event must stay unpublished")
	}
	if store.events[0].RetryCount != 1 {
		t.Fatalf("expected retry count 1, got %d", store.events[0].RetryCount)
	}
	if !store.events[1].Published {
		t.Fatalf("failure of one event must not block the rest of the batch")
	}

	// Next pass retries only the failed event.
	pub.errs = nil
	if _, err := relay.Flush(context.Background()); err != nil {
		t.Fatalf("second flush: %v", err)
	}
	if !store.events[0].Published {
		t.Fatalf("expected retry to publish the event")
	}
}

func TestRelayFlush_NeverRepublishesMarkedEvents(t *testing.T) {
	store := newStubOutboxStore(Event{ID: "evt-1", Type: bus.EventOrderCreated})
	pub := &recordingPublisher{}
	relay := NewRelay(store, pub, time.Second)

	for i := 0; i < 3; i++ {
		if _, err := relay.Flush(context.Background()); err != nil {
			t.Fatalf("flush %d: %v", i, err)
		}
	}

	if len(pub.envs) != 1 {
		t.Fatalf("expected exactly 1 publish, got %d", len(pub.envs))
	}
}

func TestRelayFlush_StoreErrorSurfaced(t *testing.T) {
	store := newStubOutboxStore()
	store.listErr = errors.New("db down")
	relay := NewRelay(store, &recordingPublisher{}, time.Second)

	if _, err := relay.Flush(context.Background()); err == nil {
		t.Fatalf("expected store error")
	}
}

func TestRelayRun_FlushesOnTicker(t *testing.T) {
	store := newStubOutboxStore(Event{ID: "evt-1", Type: bus.EventOrderCreated})
	pub := &recordingPublisher{}
	relay := NewRelay(store, pub, 5*time.Millisecond, WithRelayLogf(func(string, ...any) {}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for {
		pub.mu.Lock()
		n := len(pub.envs)
		pub.mu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("relay never published")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestEventEnvelope(t *testing.T) {
	ev := Event{
		ID:          "evt-1",
		Type:        bus.EventOrderCancelled,
		AggregateID: "order-1",
		Payload:     json.RawMessage(`{"reason":"saga compensation"}`),
	}

	env := ev.Envelope()
	if env.EventID != "evt-1" || env.EventType != bus.EventOrderCancelled || env.AggregateID != "order-1" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	if string(env.Payload) != `{"reason":"saga compensation"}` {
		t.Fatalf("unexpected payload: %s", env.Payload)
	}
}

func TestNewEvent_SerializesPayload(t *testing.T) {
	now := time.Now()
	ev, err := NewEvent("evt-1", bus.EventReleaseStock, "order-1", ReleaseStockPayload{OrderID: "order-1"}, now)
	if err != nil {
		t.Fatalf("new event: %v", err)
	}
	if ev.Published {
		t.Fatalf("new event must start unpublished")
	}
	var payload ReleaseStockPayload
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.OrderID != "order-1" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}
