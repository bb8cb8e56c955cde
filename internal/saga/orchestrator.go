package saga

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"

	"convoy/internal/observability"
)

// Journal receives every saga transition for durable audit. FileJournal is
// the shipped implementation.
type Journal interface {
	Record(ev TransitionEvent) error
}

// Orchestrator drives order sagas: it executes steps in order, pauses on
// steps that wait for an external signal, and runs compensation in reverse
// when a step fails. All work for one order is serialized by a per-order
// lock; sagas for distinct orders proceed in parallel.
type Orchestrator struct {
	store    Store
	registry *Registry
	locks    *keyedLocks
	metrics  *observability.Metrics
	notifier Notifier
	journal  Journal
	logf     func(format string, args ...any)
	now      func() time.Time
	newID    func() string
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithMetrics attaches a metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithNotifier attaches a transition observer.
func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

// WithJournal attaches a transition journal.
func WithJournal(j Journal) Option {
	return func(o *Orchestrator) { o.journal = j }
}

// WithLogf overrides the logging function.
func WithLogf(logf func(format string, args ...any)) Option {
	return func(o *Orchestrator) { o.logf = logf }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithIDGenerator overrides id generation, for tests.
func WithIDGenerator(newID func() string) Option {
	return func(o *Orchestrator) { o.newID = newID }
}

// NewOrchestrator constructs an orchestrator over the given store.
func NewOrchestrator(store Store, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:    store,
		registry: NewRegistry(),
		locks:    newKeyedLocks(),
		logf:     log.Printf,
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// DefaultPlan is the standard order workflow: the order row already exists,
// stock gets reserved, the order is confirmed.
func DefaultPlan() []StepType {
	return []StepType{StepCreateOrder, StepReserveStock, StepConfirmOrder}
}

// ExtendedPlan carries the workflow through payment and shipment.
func ExtendedPlan() []StepType {
	return []StepType{StepCreateOrder, StepReserveStock, StepConfirmOrder, StepProcessPayment, StepShipOrder}
}

// StartSaga begins the default workflow for the order and executes it until
// it completes, pauses on an asynchronous step, or compensates. At most one
// non-terminal saga may exist per order.
func (o *Orchestrator) StartSaga(ctx context.Context, orderID string) (*Saga, error) {
	return o.StartSagaWithPlan(ctx, orderID, DefaultPlan())
}

// StartSagaWithPlan begins a saga running the given step sequence.
func (o *Orchestrator) StartSagaWithPlan(ctx context.Context, orderID string, plan []StepType) (*Saga, error) {
	if orderID == "" {
		return nil, errors.New("order id required")
	}
	if len(plan) == 0 {
		return nil, errors.New("empty saga plan")
	}
	for _, stepType := range plan {
		if _, ok := stepHandlers[stepType]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownStepType, stepType)
		}
	}

	release := o.locks.acquire(orderID)
	defer release()

	if live := o.registry.ByOrderID(orderID); live != nil && !live.Terminal() {
		return nil, ErrSagaActive
	}
	if prior, err := o.store.SagaByOrderID(ctx, orderID); err != nil && !errors.Is(err, ErrSagaNotFound) {
		return nil, err
	} else if prior != nil && !prior.Terminal() {
		return nil, ErrSagaActive
	}

	now := o.now()
	s := &Saga{
		ID:          o.newID(),
		OrderID:     orderID,
		Status:      StatusStarted,
		CurrentStep: 1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for i, stepType := range plan {
		step := &Step{
			ID:     o.newID(),
			Type:   stepType,
			Order:  i + 1,
			Status: StepPending,
		}
		// The order row is written by the request that starts the saga, so
		// its step is born completed.
		if stepType == StepCreateOrder {
			at := now
			step.Status = StepCompleted
			step.StartedAt = &at
			step.CompletedAt = &at
		}
		s.Steps = append(s.Steps, step)
	}

	err := o.store.WithinTx(ctx, func(tx Tx) error {
		if _, err := tx.Order(ctx, orderID); err != nil {
			return fmt.Errorf("load order %s: %w", orderID, err)
		}
		return tx.SaveSaga(ctx, s)
	})
	if err != nil {
		return nil, err
	}

	o.registry.Put(s)
	o.metrics.IncSagaStarted()
	o.transition(s, nil)

	if err := o.run(ctx, s); err != nil {
		return s.Clone(), err
	}
	return s.Clone(), nil
}

// run advances the saga from its current step until it completes, pauses on
// an asynchronous step, or fails over into compensation. The caller holds
// the order lock.
func (o *Orchestrator) run(ctx context.Context, s *Saga) error {
	for !s.Terminal() {
		step := s.StepAt(s.CurrentStep)
		if step == nil {
			return o.complete(ctx, s)
		}

		switch step.Status {
		case StepCompleted:
			if err := o.proceed(ctx, s); err != nil {
				return err
			}
		case StepPending:
			if err := o.executeStep(ctx, s, step); err != nil {
				return o.compensateAfter(ctx, s, step)
			}
			if step.Status == StepInProgress {
				// awaiting an external signal
				return nil
			}
			if err := o.proceed(ctx, s); err != nil {
				return err
			}
		default:
			return nil
		}
	}
	return nil
}

// proceed moves the cursor to the lowest pending step after the current
// one, or completes the saga when none remains.
func (o *Orchestrator) proceed(ctx context.Context, s *Saga) error {
	next := 0
	for _, step := range s.Steps {
		if step.Status == StepPending && step.Order > s.CurrentStep && (next == 0 || step.Order < next) {
			next = step.Order
		}
	}
	if next == 0 {
		return o.complete(ctx, s)
	}
	s.CurrentStep = next
	return nil
}

// executeStep runs one step through its handler. Synchronous steps are
// marked completed before the handler runs so the handler's transaction
// persists the completed state atomically with its writes; on handler error
// the step is reverted to failed.
func (o *Orchestrator) executeStep(ctx context.Context, s *Saga, step *Step) error {
	h, ok := stepHandlers[step.Type]
	if !ok {
		now := o.now()
		step.Status = StepFailed
		step.Error = ErrUnknownStepType.Error()
		s.Error = fmt.Sprintf("step %s: %s", step.Type, ErrUnknownStepType)
		s.UpdatedAt = now
		o.metrics.IncStepFailed()
		if err := o.save(ctx, s); err != nil {
			o.logf("saga %s: save after unknown step type: %v", s.ID, err)
		}
		o.transition(s, step)
		return fmt.Errorf("%w: %s", ErrUnknownStepType, step.Type)
	}

	started := o.now()
	step.Status = StepInProgress
	step.StartedAt = &started
	if s.Status == StatusStarted {
		s.Status = StatusInProgress
	}
	s.UpdatedAt = started
	if !h.async {
		done := started
		step.Status = StepCompleted
		step.CompletedAt = &done
	}

	if err := h.execute(ctx, o, s, step); err != nil {
		at := o.now()
		step.Status = StepFailed
		step.Error = err.Error()
		step.CompletedAt = nil
		s.Error = fmt.Sprintf("step %s: %s", step.Type, err)
		s.UpdatedAt = at
		o.metrics.IncStepFailed()
		if saveErr := o.save(ctx, s); saveErr != nil {
			o.logf("saga %s: save after step failure: %v", s.ID, saveErr)
		}
		o.transition(s, step)
		o.logf("saga %s: step %s failed: %v", s.ID, step.Type, err)
		return err
	}

	o.metrics.IncStepExecuted()
	o.transition(s, step)
	return nil
}

// complete marks the saga finished and drops it from the live registry.
func (o *Orchestrator) complete(ctx context.Context, s *Saga) error {
	now := o.now()
	s.Status = StatusCompleted
	s.CurrentStep = 0
	s.CompletedAt = &now
	s.UpdatedAt = now
	if err := o.save(ctx, s); err != nil {
		return err
	}
	o.registry.Delete(s)
	o.metrics.IncSagaCompleted()
	o.transition(s, nil)
	return nil
}

// compensateAfter unwinds the saga after the given step failed: completed
// steps are compensated newest first, a failed asynchronous step gets its
// release published since the remote side may have done the work, and the
// order is cancelled last. Compensating action failures are recorded on the
// saga and do not stop the unwind.
func (o *Orchestrator) compensateAfter(ctx context.Context, s *Saga, failed *Step) error {
	now := o.now()
	s.Status = StatusCompensating
	s.UpdatedAt = now
	if err := o.save(ctx, s); err != nil {
		return err
	}
	o.transition(s, nil)

	ordered := make([]*Step, len(s.Steps))
	copy(ordered, s.Steps)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Order > ordered[j].Order })

	for _, step := range ordered {
		h := stepHandlers[step.Type]

		switch {
		case step.Status == StepCompleted && h.compensationUnsupported:
			o.recordCompensationFailure(s, step.Type, "no compensating action defined")
			o.logf("saga %s: step %s has no compensating action", s.ID, step.Type)

		case step.Status == StepCompleted && h.compensate != nil:
			o.compensateStep(ctx, s, step, h)

		case step.Status == StepCompleted:
			// nothing to undo
			at := o.now()
			step.Status = StepCompensated
			step.CompensatedAt = &at

		case step.Status == StepFailed && h.async && h.compensate != nil && step != failed:
			// already failed in an earlier pass, leave as is

		case step.Status == StepFailed && h.async && h.compensate != nil:
			// The remote side may have performed the work before reporting
			// failure; publish the release but keep the step failed.
			if err := h.compensate(ctx, o, s, step); err != nil {
				o.recordCompensationFailure(s, step.Type, err.Error())
				o.logf("saga %s: compensate %s: %v", s.ID, step.Type, err)
			}
		}
	}

	if err := executeCancelOrder(ctx, o, s, nil); err != nil {
		o.recordCompensationFailure(s, StepCancelOrder, err.Error())
		o.logf("saga %s: cancel order %s: %v", s.ID, s.OrderID, err)
	}

	end := o.now()
	s.Status = StatusCompensated
	s.CurrentStep = 0
	s.CompletedAt = &end
	s.UpdatedAt = end
	if err := o.save(ctx, s); err != nil {
		return err
	}
	o.registry.Delete(s)
	o.metrics.IncSagaCompensated()
	o.transition(s, nil)
	return nil
}

// compensateStep undoes one completed step. The compensated state is set
// before the handler runs so its transaction persists it atomically; on
// error the step stays compensating with a recorded failure.
func (o *Orchestrator) compensateStep(ctx context.Context, s *Saga, step *Step, h stepHandler) {
	at := o.now()
	step.Status = StepCompensated
	step.CompensatedAt = &at
	s.UpdatedAt = at

	if err := h.compensate(ctx, o, s, step); err != nil {
		step.Status = StepCompensating
		step.CompensatedAt = nil
		o.recordCompensationFailure(s, step.Type, err.Error())
		o.logf("saga %s: compensate %s: %v", s.ID, step.Type, err)
		return
	}
	o.transition(s, step)
}

func (o *Orchestrator) recordCompensationFailure(s *Saga, stepType StepType, msg string) {
	s.CompensationFailures = append(s.CompensationFailures, CompensationFailure{
		StepType: stepType,
		Message:  msg,
		At:       o.now(),
	})
}

// HandleStockReserved resolves a pending stock reservation and resumes the
// saga. Signals for orders with no saga awaiting reservation are stale and
// are dropped.
func (o *Orchestrator) HandleStockReserved(ctx context.Context, orderID string) error {
	release := o.locks.acquire(orderID)
	defer release()

	s, step := o.awaitedReservation(orderID)
	if step == nil {
		o.metrics.IncStaleSignal()
		o.logf("saga: stock reserved signal for order %s dropped: no reservation in flight", orderID)
		return nil
	}

	now := o.now()
	step.Status = StepCompleted
	step.CompletedAt = &now
	s.UpdatedAt = now
	if err := o.save(ctx, s); err != nil {
		return err
	}
	o.metrics.IncStepExecuted()
	o.transition(s, step)

	return o.run(ctx, s)
}

// HandleStockReservationFailed fails the pending reservation and starts
// compensation. Stale signals are dropped.
func (o *Orchestrator) HandleStockReservationFailed(ctx context.Context, orderID, reason string) error {
	release := o.locks.acquire(orderID)
	defer release()

	s, step := o.awaitedReservation(orderID)
	if step == nil {
		o.metrics.IncStaleSignal()
		o.logf("saga: stock reservation failure for order %s dropped: no reservation in flight", orderID)
		return nil
	}

	if reason == "" {
		reason = "stock reservation failed"
	}
	now := o.now()
	step.Status = StepFailed
	step.Error = reason
	s.Error = fmt.Sprintf("step %s: %s", step.Type, reason)
	s.UpdatedAt = now
	o.metrics.IncStepFailed()
	o.transition(s, step)

	return o.compensateAfter(ctx, s, step)
}

// awaitedReservation returns the live saga for the order and its in-flight
// reservation step, or nils. Callers hold the order lock.
func (o *Orchestrator) awaitedReservation(orderID string) (*Saga, *Step) {
	s := o.registry.ByOrderID(orderID)
	if s == nil || s.Terminal() {
		return nil, nil
	}
	step := s.StepWith(StepReserveStock, StepInProgress)
	if step == nil {
		return nil, nil
	}
	return s, step
}

// ExpireStep fails a step that is still in progress, then compensates. The
// watchdog calls this for steps that outlived their deadline; if the step
// resolved in the meantime the call is a no-op.
func (o *Orchestrator) ExpireStep(ctx context.Context, sagaID, stepID string) error {
	live := o.registry.ByID(sagaID)
	if live == nil {
		return nil
	}
	orderID := live.OrderID

	release := o.locks.acquire(orderID)
	defer release()

	s := o.registry.ByID(sagaID)
	if s == nil || s.Terminal() {
		return nil
	}
	var step *Step
	for _, st := range s.Steps {
		if st.ID == stepID {
			step = st
			break
		}
	}
	if step == nil || step.Status != StepInProgress {
		return nil
	}

	now := o.now()
	step.Status = StepFailed
	step.Error = "step timed out"
	s.Error = fmt.Sprintf("step %s: timed out", step.Type)
	s.UpdatedAt = now
	o.metrics.IncStepFailed()
	o.logf("saga %s: step %s timed out, compensating", s.ID, step.Type)
	o.transition(s, step)

	return o.compensateAfter(ctx, s, step)
}

// lockedClone copies a live saga under its order lock. Every mutation runs
// under that lock, so cloning without it would race with in-flight signals.
// OrderID is fixed at creation and safe to read before acquiring.
func (o *Orchestrator) lockedClone(s *Saga) *Saga {
	if s == nil {
		return nil
	}
	release := o.locks.acquire(s.OrderID)
	defer release()
	return s.Clone()
}

// GetSaga returns a copy of the saga, consulting the live registry first
// and falling back to the store for terminal sagas.
func (o *Orchestrator) GetSaga(ctx context.Context, id string) (*Saga, error) {
	if s := o.lockedClone(o.registry.ByID(id)); s != nil {
		return s, nil
	}
	return o.store.SagaByID(ctx, id)
}

// GetSagaByOrderID returns a copy of the order's saga.
func (o *Orchestrator) GetSagaByOrderID(ctx context.Context, orderID string) (*Saga, error) {
	if s := o.lockedClone(o.registry.ByOrderID(orderID)); s != nil {
		return s, nil
	}
	return o.store.SagaByOrderID(ctx, orderID)
}

// ListActiveSagas returns copies of all live sagas, oldest first.
func (o *Orchestrator) ListActiveSagas() []*Saga {
	live := o.registry.Active()
	out := make([]*Saga, 0, len(live))
	for _, s := range live {
		out = append(out, o.lockedClone(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Restore rebuilds the live registry from the store's non-terminal sagas.
// Call once on startup before accepting signals; sagas parked on an
// asynchronous step resume when their signal arrives or the watchdog
// expires them.
func (o *Orchestrator) Restore(ctx context.Context) error {
	active, err := o.store.ActiveSagas(ctx)
	if err != nil {
		return err
	}
	for _, s := range active {
		o.registry.Put(s)
	}
	if len(active) > 0 {
		o.logf("saga: restored %d active saga(s)", len(active))
	}
	return nil
}

func (o *Orchestrator) save(ctx context.Context, s *Saga) error {
	return o.store.WithinTx(ctx, func(tx Tx) error {
		return tx.SaveSaga(ctx, s)
	})
}

// transition records one observed state change in the journal and fans it
// out to the notifier.
func (o *Orchestrator) transition(s *Saga, step *Step) {
	ev := TransitionEvent{
		SagaID:     s.ID,
		OrderID:    s.OrderID,
		SagaStatus: s.Status,
		At:         o.now(),
	}
	if step != nil {
		ev.StepType = step.Type
		ev.StepStatus = step.Status
	}
	if o.journal != nil {
		if err := o.journal.Record(ev); err != nil {
			o.logf("saga %s: journal: %v", s.ID, err)
		}
	}
	if o.notifier != nil {
		o.notifier.SagaTransition(ev)
	}
}
