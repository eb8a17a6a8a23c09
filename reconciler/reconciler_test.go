package reconciler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/strato-sh/strato/autoscaler"
	"github.com/strato-sh/strato/metricfeed"
	"github.com/strato-sh/strato/platform"
	"github.com/strato-sh/strato/queue"
	"github.com/strato-sh/strato/resource"
	"github.com/strato-sh/strato/scheduler"
	"github.com/strato-sh/strato/store"
)

var silentLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// --- Mock backend ---

type mockBackend struct {
	name     string
	capacity int

	mu            sync.Mutex
	provisionErr  error
	provisions    int
	seq           int
	health        map[string]platform.Health
	defaultHealth platform.Health
	terminated    []string
}

func newMockBackend(name string, capacity int) *mockBackend {
	return &mockBackend{
		name:          name,
		capacity:      capacity,
		health:        make(map[string]platform.Health),
		defaultHealth: platform.Healthy,
	}
}

func (b *mockBackend) Name() string { return b.name }

func (b *mockBackend) QueryCapacity(_ context.Context, _ *resource.AcceleratorRequest) (int, error) {
	return b.capacity, nil
}

func (b *mockBackend) Provision(_ context.Context, req platform.ProvisionRequest) ([]resource.Instance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.provisions++
	if b.provisionErr != nil {
		return nil, b.provisionErr
	}

	instances := make([]resource.Instance, max(req.NodeCount, 1))
	for i := range instances {
		b.seq++
		instances[i] = resource.Instance{
			ID:        fmt.Sprintf("%s-i%d", b.name, b.seq),
			Platform:  b.name,
			Phase:     resource.InstanceProvisioning,
			CreatedAt: time.Now(),
		}
	}
	return instances, nil
}

func (b *mockBackend) Terminate(_ context.Context, instanceID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.terminated = append(b.terminated, instanceID)
	b.health[instanceID] = platform.Unknown
	return nil
}

func (b *mockBackend) HealthCheck(_ context.Context, instanceID string) (platform.Health, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if h, ok := b.health[instanceID]; ok {
		return h, nil
	}
	return b.defaultHealth, nil
}

func (b *mockBackend) setProvisionErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.provisionErr = err
}

func (b *mockBackend) provisionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.provisions
}

func (b *mockBackend) terminatedIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.terminated...)
}

// --- Helpers ---

type testEngine struct {
	store   store.Store
	backend *mockBackend
	feed    *metricfeed.Static
	r       *Reconciler
	events  <-chan Event
}

func newTestConfig() Config {
	return Config{
		Logger:            silentLogger,
		Workers:           2,
		MaxRetries:        2,
		RetryBaseDelay:    5 * time.Millisecond,
		MaxRetryDelay:     20 * time.Millisecond,
		ProbeInterval:     10 * time.Millisecond,
		ProvisionTimeout:  10 * time.Minute,
		DrainTimeout:      30 * time.Millisecond,
		AutoscaleInterval: time.Hour,
		ResyncInterval:    time.Hour,
	}
}

func newTestEngine(t *testing.T, config Config) *testEngine {
	t.Helper()

	backend := newMockBackend("ec2", 64)
	registry := platform.NewRegistry()
	registry.Register(backend)

	st := store.NewMemory()
	feed := metricfeed.NewStatic()
	r, err := New(
		st,
		queue.NewController(),
		scheduler.New(registry, silentLogger),
		autoscaler.New(autoscaler.Config{Logger: silentLogger}),
		Feeds{resource.KindProcessor: feed, resource.KindService: feed},
		config,
	)
	require.NoError(t, err)

	events, unsub := r.Subscribe()
	t.Cleanup(func() {
		unsub()
		r.Shutdown()
		r.Wait()
	})

	return &testEngine{store: st, backend: backend, feed: feed, r: r, events: events}
}

func container(name string) *resource.Resource {
	return &resource.Resource{
		Kind: resource.KindContainer,
		Metadata: resource.Metadata{
			Name:      name,
			Namespace: "default",
			Owner:     "acme",
		},
		Spec: resource.Spec{
			Image: "ghcr.io/acme/" + name + ":1",
		},
	}
}

func waitForPhase(t *testing.T, st store.Store, id string, phase resource.Phase) *resource.Resource {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		res, err := st.Get(id)
		if err == nil && res.Status.Phase == phase {
			return res
		}
		time.Sleep(5 * time.Millisecond)
	}
	res, err := st.Get(id)
	t.Fatalf("timed out waiting for phase %s (resource: %+v, err: %v)", phase, res, err)
	return nil
}

func waitFor(t *testing.T, what string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitForEvent[T Event](t *testing.T, events <-chan Event) T {
	t.Helper()
	for {
		select {
		case ev := <-events:
			if typed, ok := ev.(T); ok {
				return typed
			}
		case <-time.After(5 * time.Second):
			var zero T
			t.Fatalf("timed out waiting for event %T", zero)
			return zero
		}
	}
}

// --- Lifecycle tests ---

func TestLifecycleHappyPath(t *testing.T) {
	e := newTestEngine(t, newTestConfig())

	res, err := e.store.Apply(container("web"))
	require.NoError(t, err)

	running := waitForPhase(t, e.store, res.ID, resource.PhaseRunning)
	require.Len(t, running.Status.Instances, 1)
	assert.Equal(t, resource.InstanceRunning, running.Status.Instances[0].Phase)
	assert.Equal(t, "ec2", running.Status.Instances[0].Platform)
	assert.Equal(t, running.Generation, running.Status.ObservedGeneration)
	assert.Equal(t, 1, e.backend.provisionCount())
}

func TestBacklogDrainsWithSingleWorker(t *testing.T) {
	// A backlog built up before the worker goroutines are parked on the
	// work channel must still be dispatched; nothing else ticks the loop
	// when no reconcile is in flight.
	config := newTestConfig()
	config.Workers = 1
	e := newTestEngine(t, config)

	var ids []string
	for i := 0; i < 4; i++ {
		res, err := e.store.Apply(container(fmt.Sprintf("web-%d", i)))
		require.NoError(t, err)
		ids = append(ids, res.ID)
	}

	for _, id := range ids {
		waitForPhase(t, e.store, id, resource.PhaseRunning)
	}
	assert.Equal(t, 4, e.backend.provisionCount())
}

func TestReconcileIsIdempotent(t *testing.T) {
	e := newTestEngine(t, newTestConfig())

	res, err := e.store.Apply(container("web"))
	require.NoError(t, err)
	waitForPhase(t, e.store, res.ID, resource.PhaseRunning)

	for i := 0; i < 5; i++ {
		e.r.Enqueue(res.ID)
	}
	time.Sleep(100 * time.Millisecond)

	fresh, err := e.store.Get(res.ID)
	require.NoError(t, err)
	assert.Len(t, fresh.Status.Instances, 1)
	assert.Equal(t, 1, e.backend.provisionCount(), "a settled resource must not provision again")
	assert.Empty(t, e.backend.terminatedIDs())
}

func TestRetryExhaustionFailsResource(t *testing.T) {
	e := newTestEngine(t, newTestConfig())
	e.backend.setProvisionErr(errors.New("quota exceeded"))

	res, err := e.store.Apply(container("web"))
	require.NoError(t, err)

	failed := waitForPhase(t, e.store, res.ID, resource.PhaseFailed)
	assert.Contains(t, failed.Status.Message, "giving up")
	// MaxRetries transient failures are retried; the next one gives up.
	assert.Equal(t, newTestConfig().MaxRetries+1, e.backend.provisionCount())
}

func TestValidationFailureDoesNotRetry(t *testing.T) {
	e := newTestEngine(t, newTestConfig())

	spec := container("web")
	spec.Spec.Platform = "nimbus" // not registered
	res, err := e.store.Apply(spec)
	require.NoError(t, err)

	failed := waitForPhase(t, e.store, res.ID, resource.PhaseFailed)
	assert.Contains(t, failed.Status.Message, "nimbus")
	assert.Zero(t, failed.Status.RetryCount)
	assert.Zero(t, e.backend.provisionCount())
}

// --- Queue admission ---

func TestQueueAdmissionChain(t *testing.T) {
	e := newTestEngine(t, newTestConfig())

	first := container("first")
	first.Spec.Queue = "gpu-burst"
	second := container("second")
	second.Spec.Queue = "gpu-burst"

	a, err := e.store.Apply(first)
	require.NoError(t, err)
	waitForPhase(t, e.store, a.ID, resource.PhaseRunning)

	b, err := e.store.Apply(second)
	require.NoError(t, err)
	waitForPhase(t, e.store, b.ID, resource.PhaseQueued)

	// The holder terminates; its waiter must be admitted promptly.
	require.NoError(t, e.store.MarkDeleted(a.ID))

	promoted := waitForEvent[EventQueuePromoted](t, e.events)
	assert.Equal(t, b.ID, promoted.Resource)
	waitForPhase(t, e.store, b.ID, resource.PhaseRunning)
}

func TestExternalRemovalPromotesWaiter(t *testing.T) {
	e := newTestEngine(t, newTestConfig())

	first := container("first")
	first.Spec.Queue = "serial"
	second := container("second")
	second.Spec.Queue = "serial"

	a, err := e.store.Apply(first)
	require.NoError(t, err)
	waitForPhase(t, e.store, a.ID, resource.PhaseRunning)

	b, err := e.store.Apply(second)
	require.NoError(t, err)
	waitForPhase(t, e.store, b.ID, resource.PhaseQueued)

	// The holder's record is removed out-of-band, without the usual
	// deletion lifecycle. The waiter must still be admitted, and the
	// engine must keep reconciling afterwards.
	require.NoError(t, e.store.Remove(a.ID))
	waitForPhase(t, e.store, b.ID, resource.PhaseRunning)

	c, err := e.store.Apply(container("after"))
	require.NoError(t, err)
	waitForPhase(t, e.store, c.ID, resource.PhaseRunning)
}

func TestQueuedResourceStaysQueued(t *testing.T) {
	e := newTestEngine(t, newTestConfig())

	first := container("first")
	first.Spec.Queue = "serial"
	second := container("second")
	second.Spec.Queue = "serial"

	a, err := e.store.Apply(first)
	require.NoError(t, err)
	waitForPhase(t, e.store, a.ID, resource.PhaseRunning)

	b, err := e.store.Apply(second)
	require.NoError(t, err)
	waitForPhase(t, e.store, b.ID, resource.PhaseQueued)

	time.Sleep(50 * time.Millisecond)
	fresh, err := e.store.Get(b.ID)
	require.NoError(t, err)
	assert.Equal(t, resource.PhaseQueued, fresh.Status.Phase)
	assert.Empty(t, fresh.Status.Instances)
}

// --- Deletion ---

func TestDeletionTearsDownInstances(t *testing.T) {
	e := newTestEngine(t, newTestConfig())

	res, err := e.store.Apply(container("web"))
	require.NoError(t, err)
	running := waitForPhase(t, e.store, res.ID, resource.PhaseRunning)
	instanceID := running.Status.Instances[0].ID

	require.NoError(t, e.store.MarkDeleted(res.ID))

	waitFor(t, "resource removal", func() bool {
		_, err := e.store.Get(res.ID)
		return errors.Is(err, store.ErrNotFound)
	})
	assert.Contains(t, e.backend.terminatedIDs(), instanceID)
}

func TestDeletionMidProvisioningLeavesNoOrphans(t *testing.T) {
	e := newTestEngine(t, newTestConfig())
	e.backend.defaultHealth = platform.Unknown // instances never come up

	res, err := e.store.Apply(container("web"))
	require.NoError(t, err)
	waitForPhase(t, e.store, res.ID, resource.PhaseProvisioning)
	waitFor(t, "provision call", func() bool { return e.backend.provisionCount() == 1 })

	require.NoError(t, e.store.MarkDeleted(res.ID))

	waitFor(t, "resource removal", func() bool {
		_, err := e.store.Get(res.ID)
		return errors.Is(err, store.ErrNotFound)
	})
	assert.Len(t, e.backend.terminatedIDs(), 1, "the in-flight instance must be terminated")
}

// --- Autoscaling ---

func TestAutoscaleUpAndDown(t *testing.T) {
	config := newTestConfig()
	config.AutoscaleInterval = 10 * time.Millisecond
	e := newTestEngine(t, config)

	proc := &resource.Resource{
		Kind: resource.KindProcessor,
		Metadata: resource.Metadata{
			Name:      "ingest",
			Namespace: "default",
			Owner:     "acme",
		},
		Spec: resource.Spec{
			Image:       "ghcr.io/acme/ingest:1",
			Stream:      "events",
			MinReplicas: 1,
			MaxReplicas: 3,
			Scale: &resource.ScalePolicy{
				Up:       &resource.ScaleRule{Threshold: 100, Dwell: time.Millisecond},
				Down:     &resource.ScaleRule{Threshold: 10, Dwell: time.Millisecond},
				AntiFlap: time.Millisecond,
			},
		},
	}
	res, err := e.store.Apply(proc)
	require.NoError(t, err)
	waitForPhase(t, e.store, res.ID, resource.PhaseRunning)

	e.feed.Set(res.ID, 500)
	decision := waitForEvent[EventScaleDecision](t, e.events)
	assert.Equal(t, autoscaler.DirectionUp, decision.Direction)

	waitFor(t, "scale-up to 2 running instances", func() bool {
		fresh, err := e.store.Get(res.ID)
		return err == nil && lo.CountBy(fresh.Status.Instances, func(i resource.Instance) bool {
			return i.Phase == resource.InstanceRunning
		}) == 2
	})

	waitFor(t, "pressure published to status", func() bool {
		fresh, err := e.store.Get(res.ID)
		return err == nil && fresh.Status.Pressure != nil && *fresh.Status.Pressure == 500
	})

	// Pressure collapses; the surplus instance drains and goes away.
	e.feed.Set(res.ID, 0)
	waitFor(t, "scale-down to 1 active instance", func() bool {
		fresh, err := e.store.Get(res.ID)
		return err == nil && lo.CountBy(fresh.Status.Instances, resource.Instance.Active) == 1
	})
	assert.NotEmpty(t, e.backend.terminatedIDs())
}

// slowFeed blocks in Sample long enough for several autoscale ticks to
// elapse, and records how many samples ran concurrently.
type slowFeed struct {
	delay time.Duration

	mu            sync.Mutex
	active        int
	maxConcurrent int
	samples       int
}

func (f *slowFeed) Sample(_ context.Context, _ string) (metricfeed.Sample, error) {
	f.mu.Lock()
	f.active++
	f.samples++
	if f.active > f.maxConcurrent {
		f.maxConcurrent = f.active
	}
	f.mu.Unlock()

	time.Sleep(f.delay)

	f.mu.Lock()
	f.active--
	f.mu.Unlock()
	return metricfeed.Sample{At: time.Now(), Value: 50}, nil
}

func TestAutoscaleTicksDoNotStackPasses(t *testing.T) {
	config := newTestConfig()
	config.AutoscaleInterval = 5 * time.Millisecond

	backend := newMockBackend("ec2", 64)
	registry := platform.NewRegistry()
	registry.Register(backend)

	st := store.NewMemory()
	feed := &slowFeed{delay: 40 * time.Millisecond}
	r, err := New(
		st,
		queue.NewController(),
		scheduler.New(registry, silentLogger),
		autoscaler.New(autoscaler.Config{Logger: silentLogger}),
		Feeds{resource.KindProcessor: feed},
		config,
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		r.Shutdown()
		r.Wait()
	})

	proc := &resource.Resource{
		Kind: resource.KindProcessor,
		Metadata: resource.Metadata{
			Name:      "ingest",
			Namespace: "default",
			Owner:     "acme",
		},
		Spec: resource.Spec{
			Image:       "ghcr.io/acme/ingest:1",
			Stream:      "events",
			MinReplicas: 1,
			Scale: &resource.ScalePolicy{
				Up:   &resource.ScaleRule{Threshold: 100, Dwell: time.Second},
				Down: &resource.ScaleRule{Threshold: 10, Dwell: time.Second},
			},
		},
	}
	res, err := st.Apply(proc)
	require.NoError(t, err)
	waitForPhase(t, st, res.ID, resource.PhaseRunning)

	waitFor(t, "several autoscale passes", func() bool {
		feed.mu.Lock()
		defer feed.mu.Unlock()
		return feed.samples >= 3
	})

	feed.mu.Lock()
	defer feed.mu.Unlock()
	assert.Equal(t, 1, feed.maxConcurrent, "a slow feed must not stack concurrent passes")
}

// --- Restart policy ---

func TestUnhealthyInstanceIsReplaced(t *testing.T) {
	e := newTestEngine(t, newTestConfig())

	res, err := e.store.Apply(container("web"))
	require.NoError(t, err)
	running := waitForPhase(t, e.store, res.ID, resource.PhaseRunning)
	firstInstance := running.Status.Instances[0].ID

	e.backend.mu.Lock()
	e.backend.health[firstInstance] = platform.Unhealthy
	e.backend.mu.Unlock()
	e.r.Enqueue(res.ID)

	waitFor(t, "replacement instance running", func() bool {
		fresh, err := e.store.Get(res.ID)
		if err != nil {
			return false
		}
		return lo.SomeBy(fresh.Status.Instances, func(i resource.Instance) bool {
			return i.ID != firstInstance && i.Phase == resource.InstanceRunning
		})
	})
	assert.Contains(t, e.backend.terminatedIDs(), firstInstance)
}

func TestRestartNeverFailsResourceOnInstanceFailure(t *testing.T) {
	e := newTestEngine(t, newTestConfig())

	spec := container("web")
	spec.Spec.Restart = resource.RestartNever
	res, err := e.store.Apply(spec)
	require.NoError(t, err)
	running := waitForPhase(t, e.store, res.ID, resource.PhaseRunning)

	e.backend.mu.Lock()
	e.backend.health[running.Status.Instances[0].ID] = platform.Unhealthy
	e.backend.mu.Unlock()
	e.r.Enqueue(res.ID)

	failed := waitForPhase(t, e.store, res.ID, resource.PhaseFailed)
	assert.Contains(t, failed.Status.Message, "restart policy")
}

// --- Spec updates ---

func TestSpecUpdateBumpsObservedGeneration(t *testing.T) {
	e := newTestEngine(t, newTestConfig())

	res, err := e.store.Apply(container("web"))
	require.NoError(t, err)
	waitForPhase(t, e.store, res.ID, resource.PhaseRunning)

	update := container("web")
	update.Spec.Env = []resource.EnvVar{{Key: "MODE", Value: "fast"}}
	updated, err := e.store.Apply(update)
	require.NoError(t, err)
	require.Equal(t, res.ID, updated.ID)
	require.Equal(t, int64(2), updated.Generation)

	waitFor(t, "observed generation to catch up", func() bool {
		fresh, err := e.store.Get(res.ID)
		return err == nil && fresh.Status.ObservedGeneration == 2
	})
}
