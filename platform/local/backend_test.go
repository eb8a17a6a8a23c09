package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/strato-sh/strato/platform"
	"github.com/strato-sh/strato/resource"
)

var silentLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeDocker records container lifecycle calls in memory.
type fakeDocker struct {
	mu        sync.Mutex
	nextID    int
	running   map[string]bool
	listed    []container.Summary
	createErr error
	startErr  error
}

func newFakeDocker() *fakeDocker {
	return &fakeDocker{running: map[string]bool{}}
}

func (f *fakeDocker) ContainerCreate(_ context.Context, _ *container.Config, _ *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, _ string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return container.CreateResponse{}, f.createErr
	}
	f.nextID++
	id := fmt.Sprintf("ctr-%d", f.nextID)
	f.running[id] = false
	return container.CreateResponse{ID: id}, nil
}

func (f *fakeDocker) ContainerStart(_ context.Context, id string, _ container.StartOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.running[id] = true
	return nil
}

func (f *fakeDocker) ContainerInspect(_ context.Context, id string) (types.ContainerJSON, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	running, ok := f.running[id]
	if !ok {
		return types.ContainerJSON{}, errors.New("no such container")
	}
	return types.ContainerJSON{
		ContainerJSONBase: &types.ContainerJSONBase{State: &types.ContainerState{Running: running}},
	}, nil
}

func (f *fakeDocker) ContainerStop(_ context.Context, id string, _ container.StopOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running[id] = false
	return nil
}

func (f *fakeDocker) ContainerRemove(_ context.Context, id string, _ container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.running, id)
	return nil
}

func (f *fakeDocker) ContainerList(_ context.Context, _ container.ListOptions) ([]container.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listed, nil
}

func (f *fakeDocker) ImagePull(_ context.Context, _ string, _ image.PullOptions) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}

func (f *fakeDocker) containerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.running)
}

func testConfig() Config {
	return Config{
		Logger:       silentLogger,
		MaxInstances: 4,
		Accelerators: map[string]int{"RTX4090": 2},
	}
}

func TestProvisionStartsOneContainerPerNode(t *testing.T) {
	docker := newFakeDocker()
	b := newBackend(testConfig(), docker)

	instances, err := b.Provision(context.Background(), platform.ProvisionRequest{
		ResourceID: "res-1",
		Image:      "ghcr.io/acme/app:1",
		NodeCount:  3,
	})
	require.NoError(t, err)
	assert.Len(t, instances, 3)
	assert.Equal(t, 3, docker.containerCount())

	for _, instance := range instances {
		assert.Equal(t, "local", instance.Platform)
		assert.Equal(t, resource.InstanceProvisioning, instance.Phase)
	}
}

func TestProvisionFailureCleansUpPartialInstances(t *testing.T) {
	docker := newFakeDocker()
	b := newBackend(testConfig(), docker)

	// Fail the third container creation.
	created := 0
	b.docker = dockerWithCreateHook{fakeDocker: docker, hook: func() error {
		created++
		if created == 3 {
			return errors.New("daemon out of disk")
		}
		return nil
	}}

	_, err := b.Provision(context.Background(), platform.ProvisionRequest{
		ResourceID: "res-1",
		Image:      "ghcr.io/acme/app:1",
		NodeCount:  3,
	})
	require.Error(t, err)
	assert.Equal(t, 0, docker.containerCount(), "no orphaned containers after a partial failure")
}

type dockerWithCreateHook struct {
	*fakeDocker
	hook func() error
}

func (d dockerWithCreateHook) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, name string) (container.CreateResponse, error) {
	if err := d.hook(); err != nil {
		return container.CreateResponse{}, err
	}
	return d.fakeDocker.ContainerCreate(ctx, config, hostConfig, networkingConfig, platform, name)
}

func TestQueryCapacityTracksAcceleratorInventory(t *testing.T) {
	docker := newFakeDocker()
	b := newBackend(testConfig(), docker)

	acc := &resource.AcceleratorRequest{Type: "RTX4090", Count: 1}
	available, err := b.QueryCapacity(context.Background(), acc)
	require.NoError(t, err)
	assert.Equal(t, 2, available)

	_, err = b.Provision(context.Background(), platform.ProvisionRequest{
		ResourceID:  "res-1",
		Image:       "img",
		Accelerator: acc,
		NodeCount:   1,
	})
	require.NoError(t, err)

	available, err = b.QueryCapacity(context.Background(), acc)
	require.NoError(t, err)
	assert.Equal(t, 1, available)

	unknown, err := b.QueryCapacity(context.Background(), &resource.AcceleratorRequest{Type: "H100", Count: 1})
	require.NoError(t, err)
	assert.Zero(t, unknown)
}

func TestTerminateFreesCapacity(t *testing.T) {
	docker := newFakeDocker()
	b := newBackend(testConfig(), docker)

	acc := &resource.AcceleratorRequest{Type: "RTX4090", Count: 2}
	instances, err := b.Provision(context.Background(), platform.ProvisionRequest{
		ResourceID:  "res-1",
		Image:       "img",
		Accelerator: acc,
		NodeCount:   1,
	})
	require.NoError(t, err)

	available, err := b.QueryCapacity(context.Background(), acc)
	require.NoError(t, err)
	assert.Zero(t, available)

	require.NoError(t, b.Terminate(context.Background(), instances[0].ID))
	available, err = b.QueryCapacity(context.Background(), acc)
	require.NoError(t, err)
	assert.Equal(t, 2, available)

	assert.NoError(t, b.Terminate(context.Background(), instances[0].ID), "termination is idempotent")
}

func TestRestoreTracksContainersFromPreviousProcess(t *testing.T) {
	docker := newFakeDocker()
	docker.running["ctr-9"] = true
	docker.listed = []container.Summary{{
		ID:    "ctr-9",
		Names: []string{"/strato-old-instance"},
		Labels: map[string]string{
			"strato-resource":          "res-1",
			"strato-accelerator":       "RTX4090",
			"strato-accelerator-count": "2",
		},
	}}

	b := newBackend(testConfig(), docker)
	require.NoError(t, b.restore(context.Background()))

	// The restored allocation counts against capacity again.
	available, err := b.QueryCapacity(context.Background(), &resource.AcceleratorRequest{Type: "RTX4090", Count: 1})
	require.NoError(t, err)
	assert.Zero(t, available)

	health, err := b.HealthCheck(context.Background(), "strato-old-instance")
	require.NoError(t, err)
	assert.Equal(t, platform.Healthy, health)

	// Terminating a restored instance must reach the real container.
	require.NoError(t, b.Terminate(context.Background(), "strato-old-instance"))
	assert.Zero(t, docker.containerCount())

	available, err = b.QueryCapacity(context.Background(), &resource.AcceleratorRequest{Type: "RTX4090", Count: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, available)
}

func TestHealthCheck(t *testing.T) {
	docker := newFakeDocker()
	b := newBackend(testConfig(), docker)

	instances, err := b.Provision(context.Background(), platform.ProvisionRequest{
		ResourceID: "res-1",
		Image:      "img",
		NodeCount:  1,
	})
	require.NoError(t, err)

	health, err := b.HealthCheck(context.Background(), instances[0].ID)
	require.NoError(t, err)
	assert.Equal(t, platform.Healthy, health)

	// Stop the container behind the backend's back: now unhealthy.
	require.NoError(t, docker.ContainerStop(context.Background(), b.instances[instances[0].ID], container.StopOptions{}))
	health, err = b.HealthCheck(context.Background(), instances[0].ID)
	require.NoError(t, err)
	assert.Equal(t, platform.Unhealthy, health)

	health, err = b.HealthCheck(context.Background(), "never-seen")
	require.NoError(t, err)
	assert.Equal(t, platform.Unknown, health)
}
