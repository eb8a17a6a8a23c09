package resource

import (
	"fmt"
	"regexp"
	"strings"
)

// ValidationError marks a malformed desired spec. It is never retried:
// the reconciler fails the resource immediately.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

var nameRegex = regexp.MustCompile(`^[a-z][a-z0-9-]*$`)

// Queue names claimed by the engine itself.
var reservedQueues = map[string]bool{
	"system":  true,
	"default": true,
}

const reservedQueuePrefix = "strato-"

// Validate checks a desired spec. Everything it rejects is non-retryable;
// capacity problems are not its concern.
func Validate(r *Resource) error {
	switch r.Kind {
	case KindContainer, KindProcessor, KindService, KindCluster:
	default:
		return &ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown kind '%s'", r.Kind)}
	}

	if !nameRegex.MatchString(r.Metadata.Name) {
		return &ValidationError{Field: "name", Reason: fmt.Sprintf("'%s' must match %s", r.Metadata.Name, nameRegex)}
	}
	if r.Metadata.Namespace == "" {
		return &ValidationError{Field: "namespace", Reason: "must not be empty"}
	}

	if r.Spec.Image == "" {
		return &ValidationError{Field: "image", Reason: "must not be empty"}
	}

	if q := r.Spec.Queue; q != "" {
		if reservedQueues[q] || strings.HasPrefix(q, reservedQueuePrefix) {
			return &ValidationError{Field: "queue", Reason: fmt.Sprintf("'%s' is a reserved queue name", q)}
		}
	}

	if acc := r.Spec.Accelerator; acc != nil {
		if acc.Type == "" || acc.Count < 1 {
			return &ValidationError{Field: "accelerator", Reason: fmt.Sprintf("invalid accelerator request '%s'", acc)}
		}
	}

	switch restart := r.Spec.Restart; restart {
	case "", RestartAlways, RestartNever:
	default:
		return &ValidationError{Field: "restart", Reason: fmt.Sprintf("unknown restart policy '%s'", restart)}
	}

	switch r.Kind {
	case KindProcessor:
		if r.Spec.Stream == "" {
			return &ValidationError{Field: "stream", Reason: "processors require a stream"}
		}
		fallthrough
	case KindService:
		if r.Spec.MinReplicas < 0 {
			return &ValidationError{Field: "min_replicas", Reason: "must not be negative"}
		}
		if r.Spec.MaxReplicas > 0 && r.Spec.MaxReplicas < r.Spec.MinReplicas {
			return &ValidationError{Field: "max_replicas", Reason: "must not be less than min_replicas"}
		}
		if r.Spec.Scale != nil {
			if err := validateScale(r.Spec.Scale); err != nil {
				return err
			}
		}
	case KindCluster:
		if r.Spec.NodeCount < 1 {
			return &ValidationError{Field: "node_count", Reason: "clusters require at least one node"}
		}
	}

	return nil
}

func validateScale(policy *ScalePolicy) error {
	if policy.Up == nil && policy.Down == nil && policy.Zero == nil {
		return &ValidationError{Field: "scale", Reason: "policy has no rules"}
	}
	for name, rule := range map[string]*ScaleRule{"scale.up": policy.Up, "scale.down": policy.Down, "scale.zero": policy.Zero} {
		if rule == nil {
			continue
		}
		if rule.Dwell <= 0 {
			return &ValidationError{Field: name, Reason: "dwell must be positive"}
		}
		if rule.Threshold < 0 {
			return &ValidationError{Field: name, Reason: "threshold must not be negative"}
		}
	}
	if policy.Step < 0 {
		return &ValidationError{Field: "scale.step", Reason: "must not be negative"}
	}
	return nil
}
