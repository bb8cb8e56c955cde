package saga

import (
	"context"
	"errors"
	"time"

	"convoy/internal/orders"
	"convoy/internal/outbox"
)

// Status captures the current state of a saga.
type Status string

const (
	StatusStarted      Status = "STARTED"
	StatusInProgress   Status = "IN_PROGRESS"
	StatusCompleted    Status = "COMPLETED"
	StatusFailed       Status = "FAILED"
	StatusCompensating Status = "COMPENSATING"
	StatusCompensated  Status = "COMPENSATED"
)

// StepStatus captures the state of one step within a saga.
type StepStatus string

const (
	StepPending      StepStatus = "PENDING"
	StepInProgress   StepStatus = "IN_PROGRESS"
	StepCompleted    StepStatus = "COMPLETED"
	StepFailed       StepStatus = "FAILED"
	StepCompensating StepStatus = "COMPENSATING"
	StepCompensated  StepStatus = "COMPENSATED"
)

// StepType is the closed set of work units a saga can run. Dispatch goes
// through the handler table in handlers.go, not a switch on strings.
type StepType string

const (
	StepCreateOrder    StepType = "CREATE_ORDER"
	StepReserveStock   StepType = "RESERVE_STOCK"
	StepConfirmOrder   StepType = "CONFIRM_ORDER"
	StepProcessPayment StepType = "PROCESS_PAYMENT"
	StepShipOrder      StepType = "SHIP_ORDER"
	StepCancelOrder    StepType = "CANCEL_ORDER"
)

var (
	// ErrSagaActive signals a second saga start for an order that already
	// has a non-terminal saga.
	ErrSagaActive = errors.New("order already has an active saga")
	// ErrSagaNotFound signals a saga lookup miss.
	ErrSagaNotFound = errors.New("saga not found")
	// ErrUnknownStepType signals a step whose type has no handler.
	ErrUnknownStepType = errors.New("unknown step type")
)

// Step is one unit of work within a saga. Order is 1-based and immutable
// after creation.
type Step struct {
	ID            string
	Type          StepType
	Order         int
	Status        StepStatus
	Error         string
	StartedAt     *time.Time
	CompletedAt   *time.Time
	CompensatedAt *time.Time
}

// CompensationFailure records a compensating action that did not succeed,
// kept on the saga so operators can act on it.
type CompensationFailure struct {
	StepType StepType  `json:"step_type"`
	Message  string    `json:"message"`
	At       time.Time `json:"at"`
}

// Saga is one order workflow instance.
type Saga struct {
	ID                   string
	OrderID              string
	Status               Status
	Steps                []*Step
	CurrentStep          int // order of the step executing or awaited; 0 when terminal
	Error                string
	CompensationFailures []CompensationFailure
	CreatedAt            time.Time
	UpdatedAt            time.Time
	CompletedAt          *time.Time
}

// Terminal reports whether the saga can no longer change state.
func (s *Saga) Terminal() bool {
	switch s.Status {
	case StatusCompleted, StatusFailed, StatusCompensated:
		return true
	}
	return false
}

// StepWith returns the step matching the given type and status, or nil.
func (s *Saga) StepWith(stepType StepType, status StepStatus) *Step {
	for _, step := range s.Steps {
		if step.Type == stepType && step.Status == status {
			return step
		}
	}
	return nil
}

// StepAt returns the step at the given 1-based order, or nil.
func (s *Saga) StepAt(order int) *Step {
	for _, step := range s.Steps {
		if step.Order == order {
			return step
		}
	}
	return nil
}

// Clone returns a deep copy safe to hand outside the orchestrator.
func (s *Saga) Clone() *Saga {
	clone := *s
	clone.Steps = make([]*Step, len(s.Steps))
	for i, step := range s.Steps {
		copied := *step
		copied.StartedAt = cloneTime(step.StartedAt)
		copied.CompletedAt = cloneTime(step.CompletedAt)
		copied.CompensatedAt = cloneTime(step.CompensatedAt)
		clone.Steps[i] = &copied
	}
	clone.CompensationFailures = append([]CompensationFailure(nil), s.CompensationFailures...)
	clone.CompletedAt = cloneTime(s.CompletedAt)
	return &clone
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	at := *t
	return &at
}

// Tx is one atomic unit of store work. A step handler performs all of its
// writes through a single Tx, so either everything it did is visible or
// nothing is.
type Tx interface {
	Order(ctx context.Context, orderID string) (orders.Order, error)
	UpdateOrderStatus(ctx context.Context, orderID string, to orders.Status, note string) error
	EnqueueOutbox(ctx context.Context, ev outbox.Event) error
	SaveSaga(ctx context.Context, s *Saga) error
}

// Store is the durable home of sagas and the order aggregate. The in-memory
// registry is an index over it, never the source of truth.
type Store interface {
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
	SagaByID(ctx context.Context, id string) (*Saga, error)
	SagaByOrderID(ctx context.Context, orderID string) (*Saga, error)
	ActiveSagas(ctx context.Context) ([]*Saga, error)
}

// Notifier observes saga transitions, e.g. to fan them out to websocket
// subscribers. Implementations must not block.
type Notifier interface {
	SagaTransition(ev TransitionEvent)
}

// TransitionEvent describes one observed saga state change.
type TransitionEvent struct {
	SagaID     string     `json:"saga_id"`
	OrderID    string     `json:"order_id"`
	SagaStatus Status     `json:"saga_status"`
	StepType   StepType   `json:"step_type,omitempty"`
	StepStatus StepStatus `json:"step_status,omitempty"`
	At         time.Time  `json:"at"`
}
