// Package openstack backs placements with Nova servers through gophercloud.
// A backend is scoped to one availability zone, so everything it provisions
// for a single placement is network-proximate.
package openstack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/gophercloud/gophercloud"
	"github.com/gophercloud/gophercloud/openstack"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/extensions/keypairs"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/servers"
	"github.com/samber/lo"
	"github.com/strato-sh/strato/namegen"
	"github.com/strato-sh/strato/platform"
	"github.com/strato-sh/strato/resource"
	"golang.org/x/crypto/ssh"
)

type serverRecord struct {
	serverID        string
	address         string
	acceleratorType string
	count           int
}

type Backend struct {
	name   namegen.ID
	config Config
	client *gophercloud.ServiceClient
	log    *slog.Logger

	keyName    string
	privateKey ssh.Signer

	mu      sync.Mutex
	servers map[string]serverRecord // instance id -> nova server
}

// Backend implements platform.Backend
var _ platform.Backend = (*Backend)(nil)

func New(config Config) (*Backend, error) {
	if err := Validate(config); err != nil {
		return nil, err
	}

	opts, err := openstack.AuthOptionsFromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to get auth options from env: %w", err)
	}
	provider, err := openstack.AuthenticatedClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to get authenticated client: %w", err)
	}
	client, err := openstack.NewComputeV2(provider, gophercloud.EndpointOpts{})
	if err != nil {
		return nil, fmt.Errorf("failed to get compute client: %w", err)
	}

	name := namegen.Get()
	backend := &Backend{
		name:    name,
		config:  config,
		client:  client,
		log:     config.Logger,
		keyName: fmt.Sprintf("strato-%s", name),
		servers: make(map[string]serverRecord),
	}

	keypair, err := keypairs.Create(client, keypairs.CreateOpts{Name: backend.keyName}).Extract()
	if err != nil {
		return nil, fmt.Errorf("failed to create keypair: %w", err)
	}
	backend.privateKey, err = ssh.ParsePrivateKey([]byte(keypair.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	if err := backend.restore(); err != nil {
		return nil, err
	}
	return backend, nil
}

// restore rehydrates the server map from instances a previous engine process
// provisioned, so a restarted engine can still probe and terminate the
// instances it restores from the store snapshot. Ownership is recognized by
// the metadata stamped on every server at creation.
func (b *Backend) restore() error {
	pages, err := servers.List(b.client, servers.ListOpts{}).AllPages()
	if err != nil {
		return fmt.Errorf("failed to list servers: %w", err)
	}
	existing, err := servers.ExtractServers(pages)
	if err != nil {
		return fmt.Errorf("failed to extract servers: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, server := range existing {
		if server.Metadata["strato-resource"] == "" {
			continue
		}
		record := serverRecord{serverID: server.ID, address: firstAddress(&server)}
		if acceleratorType := server.Metadata["strato-accelerator"]; acceleratorType != "" {
			record.acceleratorType = acceleratorType
			if count, err := strconv.Atoi(server.Metadata["strato-accelerator-count"]); err == nil {
				record.count = count
			}
		}
		b.servers[server.Name] = record
		b.log.Info("Restored instance from existing server", "instance", server.Name, "server", server.ID)
	}
	return nil
}

func (b *Backend) Name() string {
	return "openstack"
}

// Close releases the backend's keypair. Instances are left to the
// reconciler's termination path.
func (b *Backend) Close() {
	if err := keypairs.Delete(b.client, b.keyName, nil).ExtractErr(); err != nil {
		b.log.Error("Failed to delete keypair", "keypair", b.keyName, "error", err)
	}
}

func (b *Backend) QueryCapacity(ctx context.Context, acc *resource.AcceleratorRequest) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if acc == nil {
		cpuServers := lo.CountBy(lo.Values(b.servers), func(r serverRecord) bool {
			return r.acceleratorType == ""
		})
		return max(b.config.MaxInstances-cpuServers, 0), nil
	}

	inventory, ok := b.config.Capacity[acc.Type]
	if !ok {
		return 0, nil
	}
	used := lo.SumBy(lo.Values(b.servers), func(r serverRecord) int {
		if r.acceleratorType == acc.Type {
			return r.count
		}
		return 0
	})
	return max(inventory-used, 0), nil
}

func (b *Backend) flavorFor(acc *resource.AcceleratorRequest) (string, error) {
	if acc == nil {
		if b.config.CPUFlavor == "" {
			return "", fmt.Errorf("no CPU flavor configured")
		}
		return b.config.CPUFlavor, nil
	}
	flavor, ok := b.config.Flavors[acc.Type]
	if !ok {
		return "", fmt.Errorf("no flavor configured for accelerator '%s'", acc.Type)
	}
	return flavor, nil
}

func (b *Backend) Provision(ctx context.Context, req platform.ProvisionRequest) ([]resource.Instance, error) {
	flavor, err := b.flavorFor(req.Accelerator)
	if err != nil {
		return nil, err
	}
	userData := buildUserData(req)
	nodeCount := max(req.NodeCount, 1)

	var instances []resource.Instance
	for i := 0; i < nodeCount; i++ {
		instance, err := b.createServer(ctx, req, flavor, userData)
		if err != nil {
			for _, created := range instances {
				if terr := b.Terminate(context.Background(), created.ID); terr != nil {
					b.log.Error("Failed to clean up server after provisioning failure", "instance", created.ID, "error", terr)
				}
			}
			return nil, fmt.Errorf("failed to provision server %d/%d: %w", i+1, nodeCount, err)
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// metadataFor stamps ownership and allocation on a server so a later engine
// process can recognize and restore it.
func metadataFor(backendName namegen.ID, req platform.ProvisionRequest) map[string]string {
	metadata := map[string]string{
		"strato-backend":        backendName.String(),
		"strato-resource":       req.ResourceID,
		"strato-provisioned-at": time.Now().Format(time.RFC3339),
	}
	if req.Accelerator != nil {
		metadata["strato-accelerator"] = req.Accelerator.Type
		metadata["strato-accelerator-count"] = strconv.Itoa(req.Accelerator.Count)
	}
	return metadata
}

func (b *Backend) createServer(ctx context.Context, req platform.ProvisionRequest, flavor string, userData []byte) (resource.Instance, error) {
	instanceID := fmt.Sprintf("strato-%s", namegen.Get())

	server, err := servers.Create(b.client, keypairs.CreateOptsExt{
		CreateOptsBuilder: servers.CreateOpts{
			Name:             instanceID,
			ImageRef:         b.config.Image,
			FlavorRef:        flavor,
			AvailabilityZone: b.config.AvailabilityZone,
			Networks:         b.config.Networks,
			SecurityGroups:   b.config.SecurityGroups,
			UserData:         userData,
			Metadata:         metadataFor(b.name, req),
		},
		KeyName: b.keyName,
	}).Extract()
	if err != nil {
		return resource.Instance{}, fmt.Errorf("failed to create server '%s': %w", instanceID, err)
	}

	address, err := b.waitForAddress(ctx, server.ID)
	if err != nil {
		if derr := servers.Delete(b.client, server.ID).ExtractErr(); derr != nil {
			b.log.Error("Failed to delete server that never became ready", "server", server.ID, "error", derr)
		}
		return resource.Instance{}, err
	}

	record := serverRecord{serverID: server.ID, address: address}
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
		record.acceleratorType = req.Accelerator.Type
		record.count = req.Accelerator.Count
	}

	b.mu.Lock()
	b.servers[instanceID] = record
	b.mu.Unlock()

	return instance, nil
}

// waitForAddress polls the server until Nova reports it ACTIVE with an
// address, or ctx expires.
func (b *Backend) waitForAddress(ctx context.Context, serverID string) (string, error) {
	for {
		server, err := servers.Get(b.client, serverID).Extract()
		if err != nil {
			return "", fmt.Errorf("failed to get server '%s': %w", serverID, err)
		}

		switch server.Status {
		case "ACTIVE":
			if address := firstAddress(server); address != "" {
				return address, nil
			}
		case "ERROR":
			return "", fmt.Errorf("server '%s' entered ERROR state", serverID)
		}

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("waiting for server '%s': %w", serverID, ctx.Err())
		case <-time.After(5 * time.Second):
		}
	}
}

func firstAddress(server *servers.Server) string {
	for _, addresses := range server.Addresses {
		for _, entry := range addresses.([]any) {
			if address, ok := entry.(map[string]any)["addr"].(string); ok && address != "" {
				return address
			}
		}
	}
	return ""
}

func (b *Backend) Terminate(ctx context.Context, instanceID string) error {
	b.mu.Lock()
	record, ok := b.servers[instanceID]
	b.mu.Unlock()
	if !ok {
		return nil // already gone, termination is idempotent
	}

	if err := servers.Delete(b.client, record.serverID).ExtractErr(); err != nil {
		var notFound gophercloud.ErrDefault404
		if !errors.As(err, &notFound) {
			return fmt.Errorf("failed to delete server '%s': %w", record.serverID, err)
		}
	}

	b.mu.Lock()
	delete(b.servers, instanceID)
	b.mu.Unlock()
	return nil
}

func (b *Backend) HealthCheck(ctx context.Context, instanceID string) (platform.Health, error) {
	b.mu.Lock()
	record, ok := b.servers[instanceID]
	b.mu.Unlock()
	if !ok {
		return platform.Unknown, nil
	}

	server, err := servers.Get(b.client, record.serverID).Extract()
	if err != nil {
		var notFound gophercloud.ErrDefault404
		if errors.As(err, &notFound) {
			return platform.Unknown, nil
		}
		return platform.Unknown, fmt.Errorf("failed to get server '%s': %w", record.serverID, err)
	}

	switch server.Status {
	case "ACTIVE":
		return b.probe(record), nil
	case "BUILD":
		return platform.Unknown, nil
	default:
		return platform.Unhealthy, nil
	}
}

// probe attempts an SSH handshake against the instance. A server can sit
// ACTIVE in Nova long before its agent answers, and long after its workload
// has exited.
func (b *Backend) probe(record serverRecord) platform.Health {
	if b.config.SSHUsername == "" || b.privateKey == nil {
		return platform.Healthy // Nova status is all we have
	}

	client, err := ssh.Dial("tcp", net.JoinHostPort(record.address, "22"), &ssh.ClientConfig{
		User:            b.config.SSHUsername,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(b.privateKey)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	})
	if err != nil {
		return platform.Unhealthy
	}
	client.Close()
	return platform.Healthy
}
