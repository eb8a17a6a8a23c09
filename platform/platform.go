package platform

import (
	"context"
	"errors"
	"sync"

	"github.com/strato-sh/strato/resource"
)

// ErrNoCapacity reports that no candidate platform can currently satisfy a
// placement request. It is an expected steady state, not a fault: the
// resource stays in Scheduling and the request is retried on later ticks.
var ErrNoCapacity = errors.New("no capacity available")

type Health string

const (
	Healthy   Health = "healthy"
	Unhealthy Health = "unhealthy"
	Unknown   Health = "unknown"
)

// ProvisionRequest carries everything a backend needs to start the
// instances of one placement. Secret names and the expected mesh address
// are opaque to the engine and passed through untouched.
type ProvisionRequest struct {
	ResourceID string
	Namespace  string
	Name       string
	Owner      string

	Image   string
	Command string
	Env     []resource.EnvVar

	Accelerator *resource.AcceleratorRequest
	NodeCount   int

	HealthCheck     *resource.HealthCheck
	SSHKeys         []resource.SSHKey
	SecretRefs      []string
	ExpectedAddress string
}

// Backend is the capability contract the engine requires from a cloud
// platform. A backend is zone-scoped: everything it provisions in one call
// is network-proximate, which is what cluster co-location relies on.
type Backend interface {
	Name() string

	// QueryCapacity returns how many accelerators of the requested type are
	// currently available. A nil request asks for CPU-only instance slots.
	QueryCapacity(ctx context.Context, acc *resource.AcceleratorRequest) (int, error)

	Provision(ctx context.Context, req ProvisionRequest) ([]resource.Instance, error)
	Terminate(ctx context.Context, instanceID string) error
	HealthCheck(ctx context.Context, instanceID string) (Health, error)
}

// Registry maps platform names to backends, preserving registration order
// so the scheduler's fallback candidate list is deterministic.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
	order    []string
}

func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Backend)}
}

func (r *Registry) Register(b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.backends[b.Name()]; !ok {
		r.order = append(r.order, b.Name())
	}
	r.backends[b.Name()] = b
}

func (r *Registry) Get(name string) (Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.backends[name]
	return b, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]string(nil), r.order...)
}
