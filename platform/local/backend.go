// Package local backs placements with containers on the local Docker
// daemon. It is the development platform: one "instance" is one container,
// and the whole daemon counts as a single network-proximate zone.
package local

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/samber/lo"
	"github.com/strato-sh/strato/namegen"
	"github.com/strato-sh/strato/platform"
	"github.com/strato-sh/strato/resource"
)

// DockerClient abstracts the Docker SDK methods the backend uses, enabling
// mock-based testing without a real daemon.
type DockerClient interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
}

type allocation struct {
	acceleratorType string
	count           int
}

type Backend struct {
	config Config
	docker DockerClient
	log    *slog.Logger

	mu        sync.Mutex
	allocated map[string]allocation // instance id -> accelerator allocation
	instances map[string]string     // instance id -> container id
}

// Backend implements platform.Backend
var _ platform.Backend = (*Backend)(nil)

func New(config Config) (*Backend, error) {
	if err := Validate(config); err != nil {
		return nil, err
	}

	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to init docker client: %w", err)
	}

	backend := newBackend(config, docker)
	if err := backend.restore(context.Background()); err != nil {
		return nil, err
	}
	return backend, nil
}

// restore rehydrates the instance map from containers a previous engine
// process left behind, so a restarted engine can still probe and terminate
// the instances it restores from the store snapshot.
func (b *Backend) restore(ctx context.Context) error {
	existing, err := b.docker.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", "strato-resource")),
	})
	if err != nil {
		return fmt.Errorf("failed to list containers: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range existing {
		if len(c.Names) == 0 {
			continue
		}
		instanceID := strings.TrimPrefix(c.Names[0], "/")
		b.instances[instanceID] = c.ID

		alloc := allocation{}
		if acceleratorType := c.Labels["strato-accelerator"]; acceleratorType != "" {
			alloc.acceleratorType = acceleratorType
			if count, err := strconv.Atoi(c.Labels["strato-accelerator-count"]); err == nil {
				alloc.count = count
			}
		}
		b.allocated[instanceID] = alloc
		b.log.Info("Restored instance from existing container", "instance", instanceID, "container", c.ID)
	}
	return nil
}

func newBackend(config Config, docker DockerClient) *Backend {
	return &Backend{
		config:    config,
		docker:    docker,
		log:       config.Logger,
		allocated: make(map[string]allocation),
		instances: make(map[string]string),
	}
}

func (b *Backend) Name() string {
	return "local"
}

func (b *Backend) QueryCapacity(ctx context.Context, acc *resource.AcceleratorRequest) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if acc == nil {
		return max(b.config.MaxInstances-len(b.allocated), 0), nil
	}

	inventory, ok := b.config.Accelerators[acc.Type]
	if !ok {
		return 0, nil
	}
	used := lo.SumBy(lo.Values(b.allocated), func(a allocation) int {
		if a.acceleratorType == acc.Type {
			return a.count
		}
		return 0
	})
	return max(inventory-used, 0), nil
}

func (b *Backend) Provision(ctx context.Context, req platform.ProvisionRequest) ([]resource.Instance, error) {
	nodeCount := max(req.NodeCount, 1)

	if reader, err := b.docker.ImagePull(ctx, req.Image, image.PullOptions{}); err != nil {
		b.log.Debug("Image pull failed, assuming local image", "image", req.Image, "error", err)
	} else {
		lo.Must(io.Copy(io.Discard, reader))
		reader.Close()
	}

	var instances []resource.Instance
	for i := 0; i < nodeCount; i++ {
		instance, err := b.startContainer(ctx, req)
		if err != nil {
			// Partial provisioning must not leak containers.
			for _, created := range instances {
				if terr := b.Terminate(context.Background(), created.ID); terr != nil {
					b.log.Error("Failed to clean up instance after provisioning failure", "instance", created.ID, "error", terr)
				}
			}
			return nil, fmt.Errorf("failed to start instance %d/%d: %w", i+1, nodeCount, err)
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

func (b *Backend) startContainer(ctx context.Context, req platform.ProvisionRequest) (resource.Instance, error) {
	instanceID := fmt.Sprintf("strato-%s", namegen.Get())

	env := lo.FilterMap(req.Env, func(v resource.EnvVar, _ int) (string, bool) {
		if v.SecretName != "" {
			// Secret contents are resolved by the secret store agent on the
			// instance; the local platform has none, so the variable is skipped.
			b.log.Debug("Skipping secret-backed env var on local platform", "key", v.Key, "secret", v.SecretName)
			return "", false
		}
		return fmt.Sprintf("%s=%s", v.Key, v.Value), true
	})

	labels := map[string]string{
		"strato-resource":  req.ResourceID,
		"strato-namespace": req.Namespace,
		"strato-name":      req.Name,
	}
	if req.Accelerator != nil {
		labels["strato-accelerator"] = req.Accelerator.Type
		labels["strato-accelerator-count"] = strconv.Itoa(req.Accelerator.Count)
	}

	config := &container.Config{
		Image:  req.Image,
		Env:    env,
		Labels: labels,
	}
	if req.Command != "" {
		config.Cmd = []string{"/bin/sh", "-c", req.Command}
	}

	created, err := b.docker.ContainerCreate(ctx, config, &container.HostConfig{}, nil, nil, instanceID)
	if err != nil {
		return resource.Instance{}, fmt.Errorf("failed to create container: %w", err)
	}
	if err := b.docker.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		if rerr := b.docker.ContainerRemove(context.Background(), created.ID, container.RemoveOptions{Force: true}); rerr != nil {
			b.log.Error("Failed to remove container after start failure", "container", created.ID, "error", rerr)
		}
		return resource.Instance{}, fmt.Errorf("failed to start container: %w", err)
	}

	address := ""
	if inspected, err := b.docker.ContainerInspect(ctx, created.ID); err == nil && inspected.NetworkSettings != nil {
		address = inspected.NetworkSettings.IPAddress
	}

	instance := resource.Instance{
		ID:          instanceID,
		Platform:    b.Name(),
		NodeAddress: address,
		Phase:       resource.InstanceProvisioning,
		CreatedAt:   time.Now(),
	}
	if req.Accelerator != nil {
		acc := *req.Accelerator
		instance.Accelerator = &acc
	}

	b.mu.Lock()
	b.instances[instanceID] = created.ID
	if req.Accelerator != nil {
		b.allocated[instanceID] = allocation{acceleratorType: req.Accelerator.Type, count: req.Accelerator.Count}
	} else {
		b.allocated[instanceID] = allocation{}
	}
	b.mu.Unlock()

	return instance, nil
}

func (b *Backend) Terminate(ctx context.Context, instanceID string) error {
	b.mu.Lock()
	containerID, ok := b.instances[instanceID]
	b.mu.Unlock()
	if !ok {
		return nil // already gone, termination is idempotent
	}

	if err := b.docker.ContainerStop(ctx, containerID, container.StopOptions{}); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to stop container '%s': %w", containerID, err)
	}
	if err := b.docker.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to remove container '%s': %w", containerID, err)
	}

	b.mu.Lock()
	delete(b.instances, instanceID)
	delete(b.allocated, instanceID)
	b.mu.Unlock()
	return nil
}

func (b *Backend) HealthCheck(ctx context.Context, instanceID string) (platform.Health, error) {
	b.mu.Lock()
	containerID, ok := b.instances[instanceID]
	b.mu.Unlock()
	if !ok {
		return platform.Unknown, nil
	}

	inspected, err := b.docker.ContainerInspect(ctx, containerID)
	if errdefs.IsNotFound(err) {
		return platform.Unknown, nil
	} else if err != nil {
		return platform.Unknown, fmt.Errorf("failed to inspect container '%s': %w", containerID, err)
	}

	if inspected.State != nil && inspected.State.Running {
		return platform.Healthy, nil
	}
	return platform.Unhealthy, nil
}
