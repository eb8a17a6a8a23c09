package resource

import "time"

// ScaleRule fires when the metric has continuously satisfied the rule's
// predicate for at least Dwell. The predicate depends on the rule's slot in
// the policy: Up fires above Threshold, Down and Zero fire at or below it.
type ScaleRule struct {
	Threshold float64       `json:"threshold"`
	Dwell     time.Duration `json:"dwell"`
}

// ScalePolicy drives the autoscaler for processors (pressure metric) and
// services (latency metric).
type ScalePolicy struct {
	Up   *ScaleRule `json:"up,omitempty"`
	Down *ScaleRule `json:"down,omitempty"`
	Zero *ScaleRule `json:"zero,omitempty"`

	// Step is the replica delta applied per firing; 0 means 1.
	Step int `json:"step,omitempty"`
	// AntiFlap is the minimum interval between scale actions; 0 uses the
	// evaluator default.
	AntiFlap time.Duration `json:"anti_flap,omitempty"`
}

func (p *ScalePolicy) StepSize() int {
	if p.Step < 1 {
		return 1
	}
	return p.Step
}

// MaxDwell is the longest dwell among the configured rules; the autoscaler
// keeps at least this much metric history.
func (p *ScalePolicy) MaxDwell() time.Duration {
	var longest time.Duration
	for _, rule := range []*ScaleRule{p.Up, p.Down, p.Zero} {
		if rule != nil && rule.Dwell > longest {
			longest = rule.Dwell
		}
	}
	return longest
}

func (p *ScalePolicy) clone() *ScalePolicy {
	clone := *p
	if p.Up != nil {
		up := *p.Up
		clone.Up = &up
	}
	if p.Down != nil {
		down := *p.Down
		clone.Down = &down
	}
	if p.Zero != nil {
		zero := *p.Zero
		clone.Zero = &zero
	}
	return &clone
}
