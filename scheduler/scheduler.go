// Package scheduler turns an admitted resource's desired spec into
// provisioned instances on a concrete platform.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/samber/lo"
	"github.com/strato-sh/strato/platform"
	"github.com/strato-sh/strato/resource"
)

type Scheduler struct {
	registry *platform.Registry
	log      *slog.Logger
}

func New(registry *platform.Registry, logger *slog.Logger) *Scheduler {
	return &Scheduler{registry: registry, log: logger}
}

// Decision records a successful placement: the chosen platform and the
// instances provisioned on it.
type Decision struct {
	Platform  string
	Instances []resource.Instance
}

// Place provisions the missing instances for res, walking the candidate
// platforms in preference order. Candidates without capacity are skipped;
// a provisioning failure on the chosen candidate is returned as-is and is
// never failed over, since silent platform-hopping would break the cost and
// latency expectations encoded in the preference order.
//
// needed is the total instance count the resource should have; Place
// provisions the delta over the currently active instances, all of which
// live on one platform (a resource is never split across platforms).
func (s *Scheduler) Place(ctx context.Context, res *resource.Resource, needed int) (*Decision, error) {
	active := lo.Filter(res.Status.Instances, func(i resource.Instance, _ int) bool {
		return i.Active()
	})
	missing := needed - len(active)
	if missing <= 0 {
		return &Decision{Platform: currentPlatform(active)}, nil
	}

	// An established resource grows on the platform it already runs on.
	candidates := s.candidates(res)
	if current := currentPlatform(active); current != "" {
		candidates = []string{current}
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no platform candidates for '%s': %w", res.FQN(), platform.ErrNoCapacity)
	}

	// Co-location: the whole delta must fit on one candidate, so the
	// requirement is the full accelerator count across all missing nodes.
	required := missing
	if acc := res.Spec.Accelerator; acc != nil {
		required = missing * acc.Count
	}

	for _, name := range candidates {
		backend, ok := s.registry.Get(name)
		if !ok {
			return nil, &resource.ValidationError{Field: "platform", Reason: fmt.Sprintf("unknown platform '%s'", name)}
		}

		available, err := backend.QueryCapacity(ctx, res.Spec.Accelerator)
		if err != nil {
			// A capacity-query failure only disqualifies this candidate.
			s.log.Warn("Capacity query failed, skipping candidate", "platform", name, "resource", res.FQN(), "error", err)
			continue
		}
		if available < required {
			s.log.Debug("Insufficient capacity on candidate", "platform", name, "resource", res.FQN(), "available", available, "required", required)
			continue
		}

		instances, err := backend.Provision(ctx, provisionRequest(res, missing))
		if err != nil {
			return nil, fmt.Errorf("provisioning on '%s' failed: %w", name, err)
		}
		s.log.Info("Placed resource", "resource", res.FQN(), "platform", name, "instances", len(instances))
		return &Decision{Platform: name, Instances: instances}, nil
	}

	return nil, fmt.Errorf("no platform can satisfy '%s': %w", res.FQN(), platform.ErrNoCapacity)
}

// candidates builds the ordered platform list: an explicit platform wins,
// then the preference list, then every registered backend.
func (s *Scheduler) candidates(res *resource.Resource) []string {
	if res.Spec.Platform != "" {
		return []string{res.Spec.Platform}
	}
	if len(res.Spec.PlatformPrefs) > 0 {
		return res.Spec.PlatformPrefs
	}
	return s.registry.Names()
}

func currentPlatform(active []resource.Instance) string {
	if len(active) == 0 {
		return ""
	}
	return active[0].Platform
}

func provisionRequest(res *resource.Resource, nodeCount int) platform.ProvisionRequest {
	return platform.ProvisionRequest{
		ResourceID:      res.ID,
		Namespace:       res.Metadata.Namespace,
		Name:            res.Metadata.Name,
		Owner:           res.Metadata.Owner,
		Image:           res.Spec.Image,
		Command:         res.Spec.Command,
		Env:             res.Spec.Env,
		Accelerator:     res.Spec.Accelerator,
		NodeCount:       nodeCount,
		HealthCheck:     res.Spec.HealthCheck,
		SSHKeys:         res.Spec.SSHKeys,
		SecretRefs:      res.Spec.SecretRefs(),
		ExpectedAddress: res.Spec.ExpectedAddress,
	}
}

// Terminate asks the instance's platform to tear it down.
func (s *Scheduler) Terminate(ctx context.Context, instance resource.Instance) error {
	backend, ok := s.registry.Get(instance.Platform)
	if !ok {
		return fmt.Errorf("unknown platform '%s' for instance '%s'", instance.Platform, instance.ID)
	}
	return backend.Terminate(ctx, instance.ID)
}

// Health queries the instance's platform for its health.
func (s *Scheduler) Health(ctx context.Context, instance resource.Instance) (platform.Health, error) {
	backend, ok := s.registry.Get(instance.Platform)
	if !ok {
		return platform.Unknown, fmt.Errorf("unknown platform '%s' for instance '%s'", instance.Platform, instance.ID)
	}
	return backend.HealthCheck(ctx, instance.ID)
}
