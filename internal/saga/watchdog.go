package saga

import (
	"context"
	"time"
)

// Watchdog expires steps that stay in progress past the timeout, typically
// reservations whose reply never arrived. Expiry fails the step and runs
// compensation.
type Watchdog struct {
	orch     *Orchestrator
	timeout  time.Duration
	interval time.Duration
}

// NewWatchdog constructs a watchdog over the orchestrator. interval is the
// scan period; timeout is the maximum in-progress age of a step.
func NewWatchdog(orch *Orchestrator, timeout, interval time.Duration) *Watchdog {
	return &Watchdog{orch: orch, timeout: timeout, interval: interval}
}

// Run scans until the context is cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep expires every overdue step once and returns the number expired.
func (w *Watchdog) Sweep(ctx context.Context) int {
	cutoff := w.orch.now().Add(-w.timeout)
	expired := 0

	for _, s := range w.orch.registry.Active() {
		for _, stepID := range w.overdue(s, cutoff) {
			if err := w.orch.ExpireStep(ctx, s.ID, stepID); err != nil {
				w.orch.logf("saga %s: expire step %s: %v", s.ID, stepID, err)
				continue
			}
			expired++
		}
	}
	return expired
}

// overdue reads step state under the saga's order lock; the orchestrator
// mutates steps under that lock, so an unlocked read would race. ExpireStep
// re-checks each step after reacquiring, so a step that resolves between
// here and there is left alone.
func (w *Watchdog) overdue(s *Saga, cutoff time.Time) []string {
	release := w.orch.locks.acquire(s.OrderID)
	defer release()

	var ids []string
	for _, step := range s.Steps {
		if step.Status != StepInProgress || step.StartedAt == nil {
			continue
		}
		if step.StartedAt.After(cutoff) {
			continue
		}
		ids = append(ids, step.ID)
	}
	return ids
}
