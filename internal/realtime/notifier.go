package realtime

import (
	"encoding/json"
	"log"

	"convoy/internal/saga"
)

// SagaNotifier fans saga transitions out to the hub's clients. Sends never
// block the orchestrator; if the hub's buffer is full the transition is
// dropped, since the durable record lives in the store and the journal.
type SagaNotifier struct {
	hub  *Hub
	logf func(format string, args ...any)
}

// NewSagaNotifier constructs a notifier over the hub.
func NewSagaNotifier(hub *Hub) *SagaNotifier {
	return &SagaNotifier{hub: hub, logf: log.Printf}
}

// SagaTransition implements saga.Notifier.
func (n *SagaNotifier) SagaTransition(ev saga.TransitionEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		n.logf("realtime: encode transition: %v", err)
		return
	}
	select {
	case n.hub.Broadcast <- data:
	default:
		n.logf("realtime: broadcast buffer full, transition dropped")
	}
}
