package saga

import "sync"

// Registry is an in-memory index of live sagas keyed by saga id and order
// id. It is a cache over the durable store and is rebuilt from it on
// startup; see Orchestrator.Restore.
type Registry struct {
	mu        sync.RWMutex
	byID      map[string]*Saga
	byOrderID map[string]string
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:      make(map[string]*Saga),
		byOrderID: make(map[string]string),
	}
}

// Put indexes the saga under both keys.
func (r *Registry) Put(s *Saga) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[s.ID] = s
	r.byOrderID[s.OrderID] = s.ID
}

// ByID returns the live saga for the id, or nil.
func (r *Registry) ByID(id string) *Saga {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[id]
}

// ByOrderID returns the live saga for the order, or nil.
func (r *Registry) ByOrderID(orderID string) *Saga {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byOrderID[orderID]
	if !ok {
		return nil
	}
	return r.byID[id]
}

// Active returns all registered sagas.
func (r *Registry) Active() []*Saga {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Saga, 0, len(r.byID))
	for _, s := range r.byID {
		out = append(out, s)
	}
	return out
}

// Delete removes the saga from both indexes.
func (r *Registry) Delete(s *Saga) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, s.ID)
	if id, ok := r.byOrderID[s.OrderID]; ok && id == s.ID {
		delete(r.byOrderID, s.OrderID)
	}
}

// Len returns the number of registered sagas.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
