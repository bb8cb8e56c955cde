// Package memdb is the in-process store backend. It backs local development
// and tests; the Postgres backend in internal/db/orders is the production
// one. Transactions are staged and applied on commit, so a failed
// transaction function leaves no trace, same as a rolled back database
// transaction.
package memdb

import (
	"context"
	"sync"
	"time"

	"convoy/internal/ledger"
	"convoy/internal/orders"
	"convoy/internal/outbox"
	"convoy/internal/saga"
)

// Store keeps orders, sagas, the outbox and the processed-event ledger in
// memory. It implements saga.Store, outbox.Store and ledger.Ledger.
type Store struct {
	mu     sync.Mutex
	orders map[string]*orders.Order
	sagas  map[string]*saga.Saga
	outbox []outbox.Event
	led    *ledger.Memory
	now    func() time.Time
}

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{
		orders: make(map[string]*orders.Order),
		sagas:  make(map[string]*saga.Saga),
		led:    ledger.NewMemory(),
		now:    time.Now,
	}
}

// CreateOrder inserts a new order. The id must be unused.
func (s *Store) CreateOrder(ctx context.Context, o orders.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[o.ID]; ok {
		return orders.ErrExists
	}
	stored := o.Clone()
	s.orders[o.ID] = &stored
	return nil
}

// OrderByID returns a copy of the order.
func (s *Store) OrderByID(ctx context.Context, id string) (orders.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return orders.Order{}, orders.ErrNotFound
	}
	return o.Clone(), nil
}

type stagedUpdate struct {
	orderID string
	to      orders.Status
	note    string
}

type tx struct {
	store   *Store
	updates []stagedUpdate
	events  []outbox.Event
	saved   []*saga.Saga
}

func (t *tx) Order(ctx context.Context, orderID string) (orders.Order, error) {
	return t.store.OrderByID(ctx, orderID)
}

func (t *tx) UpdateOrderStatus(ctx context.Context, orderID string, to orders.Status, note string) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if _, ok := t.store.orders[orderID]; !ok {
		return orders.ErrNotFound
	}
	t.updates = append(t.updates, stagedUpdate{orderID: orderID, to: to, note: note})
	return nil
}

func (t *tx) EnqueueOutbox(ctx context.Context, ev outbox.Event) error {
	t.events = append(t.events, ev)
	return nil
}

func (t *tx) SaveSaga(ctx context.Context, s *saga.Saga) error {
	t.saved = append(t.saved, s.Clone())
	return nil
}

// WithinTx runs fn against a staged transaction and commits its writes only
// if fn succeeds.
func (s *Store) WithinTx(ctx context.Context, fn func(tx saga.Tx) error) error {
	t := &tx{store: s}
	if err := fn(t); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for _, u := range t.updates {
		if o, ok := s.orders[u.orderID]; ok {
			o.Transition(u.to, u.note, now)
		}
	}
	s.outbox = append(s.outbox, t.events...)
	for _, sg := range t.saved {
		s.sagas[sg.ID] = sg
	}
	return nil
}

// SagaByID returns a copy of the saga.
func (s *Store) SagaByID(ctx context.Context, id string) (*saga.Saga, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sg, ok := s.sagas[id]
	if !ok {
		return nil, saga.ErrSagaNotFound
	}
	return sg.Clone(), nil
}

// SagaByOrderID returns a copy of the order's most recent saga.
func (s *Store) SagaByOrderID(ctx context.Context, orderID string) (*saga.Saga, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *saga.Saga
	for _, sg := range s.sagas {
		if sg.OrderID != orderID {
			continue
		}
		if latest == nil || sg.CreatedAt.After(latest.CreatedAt) {
			latest = sg
		}
	}
	if latest == nil {
		return nil, saga.ErrSagaNotFound
	}
	return latest.Clone(), nil
}

// ActiveSagas returns copies of all non-terminal sagas.
func (s *Store) ActiveSagas(ctx context.Context) ([]*saga.Saga, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*saga.Saga
	for _, sg := range s.sagas {
		if !sg.Terminal() {
			out = append(out, sg.Clone())
		}
	}
	return out, nil
}

// UnpublishedEvents returns up to limit unpublished outbox events, oldest
// first. Insertion order is creation order.
func (s *Store) UnpublishedEvents(ctx context.Context, limit int) ([]outbox.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []outbox.Event
	for _, ev := range s.outbox {
		if ev.Published {
			continue
		}
		out = append(out, ev)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// MarkPublished flips the event to published.
func (s *Store) MarkPublished(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.outbox {
		if s.outbox[i].ID != id {
			continue
		}
		now := s.now()
		s.outbox[i].Published = true
		s.outbox[i].PublishedAt = &now
		return nil
	}
	return outbox.ErrEventNotFound
}

// RecordPublishFailure bumps the retry count and remembers the error.
func (s *Store) RecordPublishFailure(ctx context.Context, id string, publishErr error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.outbox {
		if s.outbox[i].ID != id {
			continue
		}
		s.outbox[i].RetryCount++
		if publishErr != nil {
			s.outbox[i].LastError = publishErr.Error()
		}
		return nil
	}
	return outbox.ErrEventNotFound
}

// Apply runs fn at most once for the event id.
func (s *Store) Apply(ctx context.Context, eventID, eventType string, fn func(ctx context.Context) error) error {
	return s.led.Apply(ctx, eventID, eventType, fn)
}
