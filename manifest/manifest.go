// Package manifest reads templated YAML resource manifests, the declarative
// way to hand desired specs to the engine at boot.
package manifest

import (
	"fmt"
	"regexp"
	"time"

	"github.com/strato-sh/strato/resource"
)

type Manifest struct {
	Kind      string            `yaml:"kind"`
	Name      string            `yaml:"name"`
	Namespace string            `yaml:"namespace"`
	Owner     string            `yaml:"owner"`
	Labels    map[string]string `yaml:"labels"`
	Spec      Spec              `yaml:"spec"`
}

type Spec struct {
	Image   string `yaml:"image"`
	Command string `yaml:"command"`
	Env     []Env  `yaml:"env"`

	Accelerator   string   `yaml:"accelerator"`
	Platform      string   `yaml:"platform"`
	PlatformPrefs []string `yaml:"platform_prefs"`

	Queue   string `yaml:"queue"`
	Restart string `yaml:"restart"`

	MinReplicas int    `yaml:"min_replicas"`
	MaxReplicas int    `yaml:"max_replicas"`
	Scale       *Scale `yaml:"scale"`

	NodeCount int    `yaml:"node_count"`
	Stream    string `yaml:"stream"`

	HealthCheck *Health  `yaml:"health_check"`
	SSHKeys     []SSHKey `yaml:"ssh_keys"`
	Address     string   `yaml:"address"`
}

type Env struct {
	Key    string `yaml:"key"`
	Value  string `yaml:"value"`
	Secret string `yaml:"secret"`
}

type Scale struct {
	Up       *Rule  `yaml:"up"`
	Down     *Rule  `yaml:"down"`
	Zero     *Rule  `yaml:"zero"`
	Step     int    `yaml:"step"`
	AntiFlap string `yaml:"anti_flap"`
}

// Rule is one scale trigger: Above for up rules, Below for down and zero
// rules, For is how long the condition must hold.
type Rule struct {
	Above float64 `yaml:"above"`
	Below float64 `yaml:"below"`
	For   string  `yaml:"for"`
}

type Health struct {
	Interval    string `yaml:"interval"`
	Timeout     string `yaml:"timeout"`
	Retries     int    `yaml:"retries"`
	StartPeriod string `yaml:"start_period"`
}

type SSHKey struct {
	PublicKey string `yaml:"public_key"`
	Secret    string `yaml:"secret"`
}

var envKeyRegex = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)

func (m Manifest) Validate() error {
	switch resource.Kind(m.Kind) {
	case resource.KindContainer, resource.KindProcessor, resource.KindService, resource.KindCluster:
	default:
		return fmt.Errorf("unknown kind '%s'", m.Kind)
	}

	if m.Name == "" {
		return fmt.Errorf("name is required")
	}
	if m.Owner == "" {
		return fmt.Errorf("owner is required")
	}

	for _, env := range m.Spec.Env {
		if !envKeyRegex.MatchString(env.Key) {
			return fmt.Errorf("env[%s] must be a valid environment variable identifier", env.Key)
		}
		if env.Value != "" && env.Secret != "" {
			return fmt.Errorf("env[%s] cannot have both a value and a secret", env.Key)
		}
	}

	switch m.Spec.Restart {
	case "", string(resource.RestartAlways), string(resource.RestartNever):
	default:
		return fmt.Errorf("restart must be Always or Never, got '%s'", m.Spec.Restart)
	}

	if scale := m.Spec.Scale; scale != nil {
		for slot, rule := range map[string]*Rule{"up": scale.Up, "down": scale.Down, "zero": scale.Zero} {
			if rule == nil {
				continue
			}
			if _, err := time.ParseDuration(rule.For); err != nil {
				return fmt.Errorf("scale.%s.for is not a valid duration: %w", slot, err)
			}
		}
		if scale.AntiFlap != "" {
			if _, err := time.ParseDuration(scale.AntiFlap); err != nil {
				return fmt.Errorf("scale.anti_flap is not a valid duration: %w", err)
			}
		}
	}

	if hc := m.Spec.HealthCheck; hc != nil {
		for field, value := range map[string]string{"interval": hc.Interval, "timeout": hc.Timeout, "start_period": hc.StartPeriod} {
			if value == "" {
				continue
			}
			if _, err := time.ParseDuration(value); err != nil {
				return fmt.Errorf("health_check.%s is not a valid duration: %w", field, err)
			}
		}
	}

	return nil
}

// Resource converts the validated manifest into the engine's data model.
func (m Manifest) Resource() (*resource.Resource, error) {
	namespace := m.Namespace
	if namespace == "" {
		namespace = "default"
	}

	res := &resource.Resource{
		Kind: resource.Kind(m.Kind),
		Metadata: resource.Metadata{
			Name:      m.Name,
			Namespace: namespace,
			Owner:     m.Owner,
			Labels:    m.Labels,
		},
		Spec: resource.Spec{
			Image:           m.Spec.Image,
			Command:         m.Spec.Command,
			Platform:        m.Spec.Platform,
			PlatformPrefs:   m.Spec.PlatformPrefs,
			Queue:           m.Spec.Queue,
			Restart:         resource.RestartPolicy(m.Spec.Restart),
			MinReplicas:     m.Spec.MinReplicas,
			MaxReplicas:     m.Spec.MaxReplicas,
			NodeCount:       m.Spec.NodeCount,
			Stream:          m.Spec.Stream,
			ExpectedAddress: m.Spec.Address,
		},
	}

	for _, env := range m.Spec.Env {
		res.Spec.Env = append(res.Spec.Env, resource.EnvVar{
			Key:        env.Key,
			Value:      env.Value,
			SecretName: env.Secret,
		})
	}
	for _, key := range m.Spec.SSHKeys {
		res.Spec.SSHKeys = append(res.Spec.SSHKeys, resource.SSHKey{
			PublicKey:       key.PublicKey,
			PublicKeySecret: key.Secret,
		})
	}

	if m.Spec.Accelerator != "" {
		acc, err := resource.ParseAccelerator(m.Spec.Accelerator)
		if err != nil {
			return nil, err
		}
		res.Spec.Accelerator = acc
	}

	if scale := m.Spec.Scale; scale != nil {
		policy := &resource.ScalePolicy{Step: scale.Step}
		if scale.Up != nil {
			policy.Up = &resource.ScaleRule{Threshold: scale.Up.Above, Dwell: mustDuration(scale.Up.For)}
		}
		if scale.Down != nil {
			policy.Down = &resource.ScaleRule{Threshold: scale.Down.Below, Dwell: mustDuration(scale.Down.For)}
		}
		if scale.Zero != nil {
			policy.Zero = &resource.ScaleRule{Threshold: scale.Zero.Below, Dwell: mustDuration(scale.Zero.For)}
		}
		if scale.AntiFlap != "" {
			policy.AntiFlap = mustDuration(scale.AntiFlap)
		}
		res.Spec.Scale = policy
	}

	if hc := m.Spec.HealthCheck; hc != nil {
		res.Spec.HealthCheck = &resource.HealthCheck{
			Interval:    optionalDuration(hc.Interval),
			Timeout:     optionalDuration(hc.Timeout),
			Retries:     hc.Retries,
			StartPeriod: optionalDuration(hc.StartPeriod),
		}
	}

	if err := resource.Validate(res); err != nil {
		return nil, err
	}
	return res, nil
}

// mustDuration is only called on fields Validate already parsed.
func mustDuration(value string) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		panic(err)
	}
	return d
}

func optionalDuration(value string) time.Duration {
	if value == "" {
		return 0
	}
	return mustDuration(value)
}
