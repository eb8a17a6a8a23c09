package resource

import (
	"fmt"
	"time"

	"github.com/samber/lo"
)

// Kind tags the variant of a Resource. All kinds share the same lifecycle
// and status shape; kind-specific behavior keys off this tag.
type Kind string

const (
	KindContainer Kind = "Container"
	KindProcessor Kind = "Processor"
	KindService   Kind = "Service"
	KindCluster   Kind = "Cluster"
)

var Kinds = []Kind{KindContainer, KindProcessor, KindService, KindCluster}

// Elastic reports whether resources of this kind are autoscaled.
func (k Kind) Elastic() bool {
	return k == KindProcessor || k == KindService
}

type RestartPolicy string

const (
	RestartAlways RestartPolicy = "Always"
	RestartNever  RestartPolicy = "Never"
)

type Metadata struct {
	Name      string            `json:"name"`
	Namespace string            `json:"namespace"`
	Owner     string            `json:"owner"`
	Labels    map[string]string `json:"labels,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Key identifies a resource within an owner: (namespace, name) is unique per owner.
func (m Metadata) Key() string {
	return fmt.Sprintf("%s/%s/%s", m.Owner, m.Namespace, m.Name)
}

type EnvVar struct {
	Key        string `json:"key"`
	Value      string `json:"value,omitempty"`
	SecretName string `json:"secret_name,omitempty"`
}

type SSHKey struct {
	PublicKey       string `json:"public_key,omitempty"`
	PublicKeySecret string `json:"public_key_secret,omitempty"`
}

type HealthCheck struct {
	Interval    time.Duration `json:"interval,omitempty"`
	Timeout     time.Duration `json:"timeout,omitempty"`
	Retries     int           `json:"retries,omitempty"`
	StartPeriod time.Duration `json:"start_period,omitempty"`
}

// Spec is the desired state of a resource. It is immutable per generation:
// every change goes through the store and bumps the generation.
//
// Kind-specific fields: Stream is set for processors, NodeCount for clusters,
// Scale and the replica bounds for processors and services.
type Spec struct {
	Image   string   `json:"image,omitempty"`
	Command string   `json:"command,omitempty"`
	Env     []EnvVar `json:"env,omitempty"`

	Accelerator   *AcceleratorRequest `json:"accelerator,omitempty"`
	Platform      string              `json:"platform,omitempty"`
	PlatformPrefs []string            `json:"platform_prefs,omitempty"`

	Queue   string        `json:"queue,omitempty"`
	Restart RestartPolicy `json:"restart,omitempty"`

	MinReplicas int          `json:"min_replicas,omitempty"`
	MaxReplicas int          `json:"max_replicas,omitempty"`
	Scale       *ScalePolicy `json:"scale,omitempty"`

	NodeCount int    `json:"node_count,omitempty"`
	Stream    string `json:"stream,omitempty"`

	HealthCheck *HealthCheck `json:"health_check,omitempty"`
	SSHKeys     []SSHKey     `json:"ssh_keys,omitempty"`

	// ExpectedAddress is the stable mesh address the provisioned instances
	// should assume. Passed through to the placement backend untouched.
	ExpectedAddress string `json:"expected_address,omitempty"`
}

// Replicas is the number of instances the spec asks for before any
// autoscaling adjustment.
func (s Spec) Replicas(kind Kind) int {
	switch kind {
	case KindCluster:
		return max(s.NodeCount, 1)
	case KindProcessor, KindService:
		return max(s.MinReplicas, 1)
	default:
		return 1
	}
}

// SecretRefs collects the secret names referenced by the spec, in order of
// appearance. The engine never reads secret contents; the names are handed
// to the placement backend as-is.
func (s Spec) SecretRefs() []string {
	var refs []string
	for _, env := range s.Env {
		if env.SecretName != "" {
			refs = append(refs, env.SecretName)
		}
	}
	for _, key := range s.SSHKeys {
		if key.PublicKeySecret != "" {
			refs = append(refs, key.PublicKeySecret)
		}
	}
	return lo.Uniq(refs)
}

type Status struct {
	Phase              Phase      `json:"phase"`
	Instances          []Instance `json:"instances,omitempty"`
	ObservedGeneration int64      `json:"observed_generation"`
	RetryCount         int        `json:"retry_count"`
	Message            string     `json:"message,omitempty"`
	LastTransition     time.Time  `json:"last_transition"`

	// Latest metric observed by the autoscaler, published for API consumers.
	Pressure      *float64 `json:"pressure,omitempty"`
	LatencyMillis *float64 `json:"latency_ms,omitempty"`
}

type Resource struct {
	ID       string   `json:"id"`
	Kind     Kind     `json:"kind"`
	Metadata Metadata `json:"metadata"`
	Spec     Spec     `json:"spec"`
	Status   Status   `json:"status"`

	// Generation counts spec versions, Version counts status writes.
	// Both are owned by the store; Deleted marks a pending deletion.
	Generation int64 `json:"generation"`
	Version    int64 `json:"version"`
	Deleted    bool  `json:"deleted,omitempty"`
}

func (r *Resource) FQN() string {
	return fmt.Sprintf("%s/%s", r.Metadata.Namespace, r.Metadata.Name)
}

// Clone returns a deep copy. The store hands out clones so callers can
// mutate freely before writing back.
func (r *Resource) Clone() *Resource {
	clone := *r
	clone.Metadata.Labels = lo.Assign(map[string]string{}, r.Metadata.Labels)
	if len(r.Metadata.Labels) == 0 {
		clone.Metadata.Labels = nil
	}
	clone.Spec.Env = append([]EnvVar(nil), r.Spec.Env...)
	clone.Spec.PlatformPrefs = append([]string(nil), r.Spec.PlatformPrefs...)
	clone.Spec.SSHKeys = append([]SSHKey(nil), r.Spec.SSHKeys...)
	if r.Spec.Accelerator != nil {
		acc := *r.Spec.Accelerator
		clone.Spec.Accelerator = &acc
	}
	if r.Spec.Scale != nil {
		clone.Spec.Scale = r.Spec.Scale.clone()
	}
	if r.Spec.HealthCheck != nil {
		hc := *r.Spec.HealthCheck
		clone.Spec.HealthCheck = &hc
	}
	clone.Status.Instances = append([]Instance(nil), r.Status.Instances...)
	for i, inst := range r.Status.Instances {
		if inst.Accelerator != nil {
			acc := *inst.Accelerator
			clone.Status.Instances[i].Accelerator = &acc
		}
	}
	if r.Status.Pressure != nil {
		v := *r.Status.Pressure
		clone.Status.Pressure = &v
	}
	if r.Status.LatencyMillis != nil {
		v := *r.Status.LatencyMillis
		clone.Status.LatencyMillis = &v
	}
	return &clone
}
