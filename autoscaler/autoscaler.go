// Package autoscaler computes target replica counts for elastic resources
// from their scale policy and a stream of metric samples. It only decides;
// the reconciler applies the decision as an instance delta.
package autoscaler

import (
	"log/slog"
	"sync"
	"time"

	"github.com/strato-sh/strato/metricfeed"
	"github.com/strato-sh/strato/resource"
)

type Direction string

const (
	DirectionNone Direction = "none"
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
	DirectionZero Direction = "zero"
)

type Config struct {
	Logger *slog.Logger

	// DefaultAntiFlap spaces out scale actions for policies that don't set
	// their own interval.
	DefaultAntiFlap time.Duration
}

func Validate(config Config) error {
	return nil
}

// Target is the outcome of one evaluation tick.
type Target struct {
	Replicas  int
	Direction Direction
	Changed   bool
}

// state tracks one elastic resource between ticks. Created on first
// evaluation, discarded on Forget when the resource goes away.
type state struct {
	window       []metricfeed.Sample
	pendingSince map[Direction]time.Time
	lastAction   time.Time
}

type Evaluator struct {
	config Config
	log    *slog.Logger

	mu     sync.Mutex
	states map[string]*state
}

func New(config Config) *Evaluator {
	return &Evaluator{
		config: config,
		log:    config.Logger,
		states: make(map[string]*state),
	}
}

// Observe feeds one metric sample for the resource and returns the target
// replica count. current is the replica count the resource actually has.
func (e *Evaluator) Observe(res *resource.Resource, current int, sample metricfeed.Sample) Target {
	policy := res.Spec.Scale
	unchanged := Target{Replicas: current, Direction: DirectionNone}
	if policy == nil {
		return unchanged
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.states[res.ID]
	if !ok {
		st = &state{pendingSince: make(map[Direction]time.Time)}
		e.states[res.ID] = st
	}

	st.window = append(st.window, sample)
	st.trimWindow(policy.MaxDwell(), sample.At)

	fired := e.firedDirection(st, policy, sample)
	if fired == DirectionNone {
		return unchanged
	}

	// Anti-flap guard: a firing rule is ignored, not deferred, while the
	// previous action is still settling.
	antiFlap := policy.AntiFlap
	if antiFlap <= 0 {
		antiFlap = e.config.DefaultAntiFlap
	}
	if !st.lastAction.IsZero() && sample.At.Sub(st.lastAction) < antiFlap {
		return unchanged
	}

	target := e.computeTarget(fired, policy, res.Spec, current)
	if target == current {
		return unchanged
	}

	st.lastAction = sample.At
	delete(st.pendingSince, fired)
	e.log.Debug("Scale rule fired",
		"resource", res.FQN(), "direction", fired, "current", current, "target", target, "metric", sample.Value)
	return Target{Replicas: target, Direction: fired, Changed: true}
}

// firedDirection returns the highest-precedence rule whose predicate has
// held continuously for its dwell: zero beats down beats up, the
// conservative-cost default.
func (e *Evaluator) firedDirection(st *state, policy *resource.ScalePolicy, sample metricfeed.Sample) Direction {
	type candidate struct {
		direction Direction
		rule      *resource.ScaleRule
		satisfied bool
	}
	candidates := []candidate{
		{DirectionZero, policy.Zero, policy.Zero != nil && sample.Value <= policy.Zero.Threshold},
		{DirectionDown, policy.Down, policy.Down != nil && sample.Value <= policy.Down.Threshold},
		{DirectionUp, policy.Up, policy.Up != nil && sample.Value > policy.Up.Threshold},
	}

	fired := DirectionNone
	for _, c := range candidates {
		if c.rule == nil {
			continue
		}
		if !c.satisfied {
			// The streak is broken; dwell starts over on the next crossing.
			delete(st.pendingSince, c.direction)
			continue
		}
		since, pending := st.pendingSince[c.direction]
		if !pending {
			st.pendingSince[c.direction] = sample.At
			continue
		}
		if fired == DirectionNone && sample.At.Sub(since) >= c.rule.Dwell {
			fired = c.direction
		}
	}
	return fired
}

func (e *Evaluator) computeTarget(direction Direction, policy *resource.ScalePolicy, spec resource.Spec, current int) int {
	step := policy.StepSize()
	minReplicas := spec.MinReplicas
	maxReplicas := spec.MaxReplicas

	switch direction {
	case DirectionUp:
		target := current + step
		if maxReplicas > 0 && target > maxReplicas {
			target = maxReplicas
		}
		return target
	case DirectionDown:
		target := current - step
		if target < minReplicas {
			target = minReplicas
		}
		return max(target, 0)
	case DirectionZero:
		// Scale-to-zero requires the spec to permit an empty resource.
		if minReplicas == 0 {
			return 0
		}
		return current
	default:
		return current
	}
}

// Forget drops the per-resource state; called when the resource leaves
// Running or is deleted.
func (e *Evaluator) Forget(resourceID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.states, resourceID)
}

func (st *state) trimWindow(keep time.Duration, now time.Time) {
	if keep <= 0 {
		keep = time.Minute
	}
	cutoff := now.Add(-2 * keep)
	for len(st.window) > 0 && st.window[0].At.Before(cutoff) {
		st.window = st.window[1:]
	}
}
