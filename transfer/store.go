package transfer

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Store keeps transfers by id. Implementations are safe for concurrent use.
type Store[T Transferable] interface {
	Add(transfer T)
	Get(transferID string) (T, bool)
	Remove(transferID string)
	// TransfersForResource returns the active transfers of a resource.
	TransfersForResource(resourceID string) []T
}

// MemoryStore is a map-backed Store.
type MemoryStore[T Transferable] struct {
	mu         sync.RWMutex
	active     map[string]T
	byResource map[string]map[string]T
	// closed is nil unless closed transfers are retained.
	closed map[string]T
}

// NewMemoryStore returns a store that forgets transfers once removed.
func NewMemoryStore[T Transferable]() *MemoryStore[T] {
	return &MemoryStore[T]{
		active:     make(map[string]T),
		byResource: make(map[string]map[string]T),
	}
}

// NewInspectableStore returns a store that keeps removed transfers, so
// their terminal status can still be looked up. Resource queries only
// return active transfers.
func NewInspectableStore[T Transferable]() *MemoryStore[T] {
	s := NewMemoryStore[T]()
	s.closed = make(map[string]T)
	return s
}

// Add registers an active transfer.
func (s *MemoryStore[T]) Add(transfer T) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := transfer.ID()
	s.active[id] = transfer
	resource := s.byResource[transfer.ResourceID()]
	if resource == nil {
		resource = make(map[string]T)
		s.byResource[transfer.ResourceID()] = resource
	}
	resource[id] = transfer

	logrus.WithFields(logrus.Fields{
		"function":    "Add",
		"transfer_id": id,
		"resource_id": transfer.ResourceID(),
	}).Debug("Transfer added to store")
}

// Get looks up a transfer. Retained closed transfers are found too.
func (s *MemoryStore[T]) Get(transferID string) (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if t, ok := s.active[transferID]; ok {
		return t, true
	}
	t, ok := s.closed[transferID]
	return t, ok
}

// Remove drops a transfer from the active set.
func (s *MemoryStore[T]) Remove(transferID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.active[transferID]
	if !ok {
		return
	}
	delete(s.active, transferID)
	if resource := s.byResource[t.ResourceID()]; resource != nil {
		delete(resource, transferID)
		if len(resource) == 0 {
			delete(s.byResource, t.ResourceID())
		}
	}
	if s.closed != nil {
		s.closed[transferID] = t
	}
}

// TransfersForResource implements Store.
func (s *MemoryStore[T]) TransfersForResource(resourceID string) []T {
	s.mu.RLock()
	defer s.mu.RUnlock()

	resource := s.byResource[resourceID]
	out := make([]T, 0, len(resource))
	for _, t := range resource {
		out = append(out, t)
	}
	return out
}

// Len returns the number of active transfers.
func (s *MemoryStore[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.active)
}
