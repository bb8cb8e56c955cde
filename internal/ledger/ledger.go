package ledger

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrEmptyEventID signals an inbound event without a source-assigned id.
var ErrEmptyEventID = errors.New("event id required")

// ProcessedEvent records that an event's side effects were already applied.
type ProcessedEvent struct {
	EventID     string
	EventType   string
	ProcessedAt time.Time
}

// Ledger makes at-least-once delivery safe to treat as at-most-once
// application: Apply runs fn and records the event id atomically, so a
// recorded id is never applied twice and a failed fn leaves no record.
type Ledger interface {
	Apply(ctx context.Context, eventID, eventType string, fn func(ctx context.Context) error) error
}

// Memory is an in-process Ledger. Concurrent Apply calls for the same event
// id are serialized; only the first executes fn.
type Memory struct {
	mu      sync.Mutex
	applied map[string]ProcessedEvent
	pending map[string]chan struct{}
	now     func() time.Time
}

// NewMemory constructs an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{
		applied: make(map[string]ProcessedEvent),
		pending: make(map[string]chan struct{}),
		now:     time.Now,
	}
}

// Apply executes fn unless eventID was already applied. While one call is
// executing fn, later calls for the same id wait for its outcome instead of
// racing it.
func (m *Memory) Apply(ctx context.Context, eventID, eventType string, fn func(ctx context.Context) error) error {
	if eventID == "" {
		return ErrEmptyEventID
	}

	for {
		m.mu.Lock()
		if _, ok := m.applied[eventID]; ok {
			m.mu.Unlock()
			return nil
		}
		if wait, ok := m.pending[eventID]; ok {
			m.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		done := make(chan struct{})
		m.pending[eventID] = done
		m.mu.Unlock()

		err := fn(ctx)

		m.mu.Lock()
		delete(m.pending, eventID)
		if err == nil {
			m.applied[eventID] = ProcessedEvent{
				EventID:     eventID,
				EventType:   eventType,
				ProcessedAt: m.now(),
			}
		}
		close(done)
		m.mu.Unlock()
		return err
	}
}

// Seen reports whether the event id has been applied.
func (m *Memory) Seen(eventID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.applied[eventID]
	return ok
}

// Len returns the number of recorded event ids.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.applied)
}
