package reconciler

import (
	"errors"

	"github.com/strato-sh/strato/metricfeed"
	"github.com/strato-sh/strato/resource"
	"github.com/strato-sh/strato/store"
)

// autoscalePass samples the metric feed of every Running elastic resource
// and records new scale targets. Runs off the loop goroutine; decisions are
// applied by the regular reconcile path. At most one pass runs at a time:
// a tick arriving while a slow feed is still being sampled is skipped.
func (r *Reconciler) autoscalePass() {
	if !r.autoscaleBusy.CompareAndSwap(false, true) {
		return
	}
	defer r.autoscaleBusy.Store(false)

	for kind, feed := range r.feeds {
		if feed == nil || !kind.Elastic() {
			continue
		}

		for _, res := range r.store.List(store.Filter{Kind: kind}) {
			if res.Deleted || res.Status.Phase != resource.PhaseRunning || res.Spec.Scale == nil {
				continue
			}

			sample, err := feed.Sample(r.ctx, res.ID)
			if errors.Is(err, metricfeed.ErrNoSample) {
				continue
			}
			if err != nil {
				r.log.Warn("Metric sample failed", "resource", res.FQN(), "error", err)
				continue
			}

			r.publishMetric(res, sample.Value)

			current := r.desiredReplicas(res)
			target := r.evaluator.Observe(res, current, sample)
			if !target.Changed {
				continue
			}

			r.log.Info("Scaling resource",
				"resource", res.FQN(), "direction", target.Direction, "from", current, "to", target.Replicas, "metric", sample.Value)
			r.setTarget(res.ID, target.Replicas)
			r.publish(EventScaleDecision{Resource: res.ID, Direction: target.Direction, From: current, To: target.Replicas})
			r.Enqueue(res.ID)
		}
	}
}

// publishMetric mirrors the latest observation into the status for API
// consumers. Best effort: a conflict just means the next tick wins.
func (r *Reconciler) publishMetric(res *resource.Resource, value float64) {
	status := res.Status
	status.Instances = append([]resource.Instance(nil), res.Status.Instances...)
	switch res.Kind {
	case resource.KindProcessor:
		status.Pressure = &value
	case resource.KindService:
		status.LatencyMillis = &value
	}

	if _, err := r.store.UpdateStatus(res.ID, status, res.Version); err != nil && !errors.Is(err, store.ErrConflict) {
		r.log.Warn("Publishing metric to status failed", "resource", res.FQN(), "error", err)
	}
}
