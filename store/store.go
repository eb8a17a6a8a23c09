package store

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/samber/lo"
	"github.com/strato-sh/strato/namegen"
	"github.com/strato-sh/strato/resource"
)

var (
	ErrNotFound = errors.New("resource not found")
	// ErrConflict signals an optimistic-concurrency collision on a status
	// write: the caller must re-read and retry.
	ErrConflict = errors.New("resource version conflict")
)

type EventType string

const (
	EventApplied       EventType = "applied"
	EventStatusUpdated EventType = "status-updated"
	EventDeleted       EventType = "deleted"
	EventRemoved       EventType = "removed"
)

// Event is emitted on every write so the reconciler (and external watchers)
// can wake for the affected resource.
type Event struct {
	Type EventType
	ID   string
}

type Filter struct {
	Kind      resource.Kind
	Namespace string
	Owner     string
	Queue     string
}

func (f Filter) matches(r *resource.Resource) bool {
	if f.Kind != "" && r.Kind != f.Kind {
		return false
	}
	if f.Namespace != "" && r.Metadata.Namespace != f.Namespace {
		return false
	}
	if f.Owner != "" && r.Metadata.Owner != f.Owner {
		return false
	}
	if f.Queue != "" && r.Spec.Queue != f.Queue {
		return false
	}
	return true
}

// Store is the durable record of desired specs and observed status. It is
// the only shared mutable state in the engine; all status mutation funnels
// through UpdateStatus's version check.
type Store interface {
	Get(id string) (*resource.Resource, error)
	List(filter Filter) []*resource.Resource

	// Apply creates the resource or replaces its spec, bumping the
	// generation. The status is left untouched on updates.
	Apply(r *resource.Resource) (*resource.Resource, error)

	// UpdateStatus writes the status if the resource version still matches
	// expectedVersion, and returns ErrConflict otherwise.
	UpdateStatus(id string, status resource.Status, expectedVersion int64) (*resource.Resource, error)

	// Scale pins the replica bounds of an elastic resource, bumping the
	// generation so the change reconciles like any other spec update.
	Scale(id string, replicas int) (*resource.Resource, error)

	// MarkDeleted requests deletion; the reconciler drives the resource to
	// Terminated before Remove drops the record.
	MarkDeleted(id string) error
	Remove(id string) error

	// Watch subscribes to write events. The returned cancel function must
	// be called to release the subscription. Slow consumers may miss
	// events; the reconciler's resync sweep recovers from that.
	Watch() (<-chan Event, func())
}

type memoryStore struct {
	mu        sync.RWMutex
	resources map[string]*resource.Resource
	keys      map[string]string // metadata key -> id

	watchMu  sync.Mutex
	watchers map[chan Event]struct{}

	now func() time.Time
}

func NewMemory() Store {
	return newMemory()
}

func newMemory() *memoryStore {
	return &memoryStore{
		resources: make(map[string]*resource.Resource),
		keys:      make(map[string]string),
		watchers:  make(map[chan Event]struct{}),
		now:       time.Now,
	}
}

func (s *memoryStore) Get(id string) (*resource.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.resources[id]
	if !ok {
		return nil, fmt.Errorf("get '%s': %w", id, ErrNotFound)
	}
	return r.Clone(), nil
}

func (s *memoryStore) List(filter Filter) []*resource.Resource {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := lo.Filter(lo.Values(s.resources), func(r *resource.Resource, _ int) bool {
		return filter.matches(r)
	})
	return lo.Map(matched, func(r *resource.Resource, _ int) *resource.Resource {
		return r.Clone()
	})
}

func (s *memoryStore) Apply(r *resource.Resource) (*resource.Resource, error) {
	if err := resource.Validate(r); err != nil {
		return nil, err
	}

	s.mu.Lock()
	clone := r.Clone()
	key := clone.Metadata.Key()

	if existing, ok := s.resources[s.keys[key]]; ok {
		if clone.ID != "" && clone.ID != existing.ID {
			s.mu.Unlock()
			return nil, fmt.Errorf("apply '%s': key '%s' already belongs to '%s'", clone.ID, key, existing.ID)
		}
		// Spec update: keep identity and status, bump the generation.
		clone.ID = existing.ID
		clone.Metadata.CreatedAt = existing.Metadata.CreatedAt
		clone.Generation = existing.Generation + 1
		clone.Version = existing.Version
		clone.Status = existing.Status
		clone.Deleted = existing.Deleted
	} else {
		if clone.ID == "" {
			clone.ID = fmt.Sprintf("%s-%s", namegen.Get(), lo.RandomString(6, lo.AlphanumericCharset))
		}
		if _, taken := s.resources[clone.ID]; taken {
			s.mu.Unlock()
			return nil, fmt.Errorf("apply '%s': id already in use", clone.ID)
		}
		clone.Metadata.CreatedAt = s.now()
		clone.Generation = 1
		clone.Version = 0
		clone.Status = resource.Status{Phase: resource.PhasePending, LastTransition: s.now()}
	}

	s.resources[clone.ID] = clone
	s.keys[key] = clone.ID
	result := clone.Clone()
	s.mu.Unlock()

	s.notify(Event{Type: EventApplied, ID: result.ID})
	return result, nil
}

func (s *memoryStore) UpdateStatus(id string, status resource.Status, expectedVersion int64) (*resource.Resource, error) {
	s.mu.Lock()
	r, ok := s.resources[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("update status of '%s': %w", id, ErrNotFound)
	}
	if r.Version != expectedVersion {
		s.mu.Unlock()
		return nil, fmt.Errorf("update status of '%s' at version %d (have %d): %w", id, expectedVersion, r.Version, ErrConflict)
	}
	if status.ObservedGeneration > r.Generation {
		s.mu.Unlock()
		return nil, fmt.Errorf("update status of '%s': observed generation %d ahead of spec generation %d", id, status.ObservedGeneration, r.Generation)
	}

	if status.Phase != r.Status.Phase {
		status.LastTransition = s.now()
	} else {
		status.LastTransition = r.Status.LastTransition
	}
	r.Status = status
	r.Version++
	result := r.Clone()
	s.mu.Unlock()

	s.notify(Event{Type: EventStatusUpdated, ID: id})
	return result, nil
}

func (s *memoryStore) Scale(id string, replicas int) (*resource.Resource, error) {
	s.mu.Lock()
	r, ok := s.resources[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("scale '%s': %w", id, ErrNotFound)
	}
	if !r.Kind.Elastic() {
		s.mu.Unlock()
		return nil, fmt.Errorf("scale '%s': %s resources are not elastic", id, r.Kind)
	}
	if replicas < 0 {
		s.mu.Unlock()
		return nil, &resource.ValidationError{Field: "replicas", Reason: "must not be negative"}
	}

	r.Spec.MinReplicas = replicas
	if r.Spec.MaxReplicas > 0 && r.Spec.MaxReplicas < replicas {
		r.Spec.MaxReplicas = replicas
	}
	r.Generation++
	result := r.Clone()
	s.mu.Unlock()

	s.notify(Event{Type: EventApplied, ID: id})
	return result, nil
}

func (s *memoryStore) MarkDeleted(id string) error {
	s.mu.Lock()
	r, ok := s.resources[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("delete '%s': %w", id, ErrNotFound)
	}
	r.Deleted = true
	s.mu.Unlock()

	s.notify(Event{Type: EventDeleted, ID: id})
	return nil
}

func (s *memoryStore) Remove(id string) error {
	s.mu.Lock()
	r, ok := s.resources[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("remove '%s': %w", id, ErrNotFound)
	}
	delete(s.resources, id)
	delete(s.keys, r.Metadata.Key())
	s.mu.Unlock()

	s.notify(Event{Type: EventRemoved, ID: id})
	return nil
}

func (s *memoryStore) Watch() (<-chan Event, func()) {
	ch := make(chan Event, 64)

	s.watchMu.Lock()
	s.watchers[ch] = struct{}{}
	s.watchMu.Unlock()

	return ch, func() {
		s.watchMu.Lock()
		delete(s.watchers, ch)
		s.watchMu.Unlock()
	}
}

func (s *memoryStore) notify(event Event) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()

	for ch := range s.watchers {
		select {
		case ch <- event:
		default: // slow consumer, the resync sweep will catch up
		}
	}
}
