package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/samber/lo"
	"github.com/strato-sh/strato/platform"
	"github.com/strato-sh/strato/queue"
	"github.com/strato-sh/strato/reconciler/internal"
	"github.com/strato-sh/strato/resource"
	"github.com/strato-sh/strato/store"
)

// provisionGrace is how long an instance reporting Unhealthy right after
// creation is still considered to be booting.
const provisionGrace = 30 * time.Second

func (r *Reconciler) reconcile(ctx context.Context, id string) error {
	res, err := r.store.Get(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			r.forget(id)
			return nil
		}
		return err
	}

	if res.Status.Phase.Terminal() {
		if res.Deleted && res.Status.Phase == resource.PhaseTerminated {
			return r.remove(res)
		}
		return nil
	}

	if res.Deleted && res.Status.Phase != resource.PhaseDraining && res.Status.Phase != resource.PhaseTerminating {
		// Free the queue slot before the slow teardown so waiters move on
		// right away instead of after the drain.
		r.promote(r.queues.Forget(res.ID))
		_, err := r.transition(res, resource.PhaseDraining, "deletion requested")
		return err
	}

	switch res.Status.Phase {
	case resource.PhasePending:
		return r.reconcilePending(ctx, res)
	case resource.PhaseQueued:
		return r.reconcileQueued(ctx, res)
	case resource.PhaseScheduling:
		return r.reconcileScheduling(ctx, res)
	case resource.PhaseProvisioning:
		return r.reconcileProvisioning(ctx, res)
	case resource.PhaseRunning:
		return r.reconcileRunning(ctx, res)
	case resource.PhaseDraining:
		return r.reconcileDraining(ctx, res)
	case resource.PhaseTerminating:
		return r.reconcileTerminating(ctx, res)
	}
	return nil
}

func (r *Reconciler) reconcilePending(ctx context.Context, res *resource.Resource) error {
	if err := resource.Validate(res); err != nil {
		return r.fail(ctx, res, err.Error())
	}

	if r.queues.Enqueue(res.Spec.Queue, res.ID) == queue.Admitted {
		_, err := r.transition(res, resource.PhaseScheduling, "")
		return err
	}

	r.log.Info("Resource is waiting for its queue", "resource", res.FQN(), "queue", res.Spec.Queue)
	_, err := r.transition(res, resource.PhaseQueued, fmt.Sprintf("waiting for queue '%s'", res.Spec.Queue))
	return err
}

func (r *Reconciler) reconcileQueued(_ context.Context, res *resource.Resource) error {
	// Re-enqueue is idempotent; admission happens here once the holder
	// releases and a promotion wakes us.
	if r.queues.Enqueue(res.Spec.Queue, res.ID) == queue.Admitted {
		_, err := r.transition(res, resource.PhaseScheduling, "")
		return err
	}
	return nil
}

func (r *Reconciler) reconcileScheduling(ctx context.Context, res *resource.Resource) error {
	needed := r.desiredReplicas(res)

	decision, err := r.scheduler.Place(ctx, res, needed)
	if err != nil {
		return r.placementError(ctx, res, err)
	}

	for _, inst := range decision.Instances {
		r.publish(EventInstanceCreated{Resource: res.ID, Instance: inst.ID, Platform: inst.Platform})
	}

	instances := append(append([]resource.Instance(nil), res.Status.Instances...), decision.Instances...)
	_, err = r.updateStatus(res, func(st *resource.Status) {
		st.Phase = resource.PhaseProvisioning
		st.Message = fmt.Sprintf("provisioning on '%s'", decision.Platform)
		st.Instances = instances
		st.RetryCount = 0
		st.ObservedGeneration = res.Generation
	})
	if err != nil {
		return err
	}
	r.after(r.config.ProbeInterval, func() { r.enqueue(res.ID) })
	return nil
}

func (r *Reconciler) reconcileProvisioning(ctx context.Context, res *resource.Resource) error {
	instances := append([]resource.Instance(nil), res.Status.Instances...)
	changed := r.probeInstances(ctx, res, instances)

	if failed := lo.CountBy(instances, func(i resource.Instance) bool { return i.Phase == resource.InstanceFailed }); failed > 0 {
		return r.handleFailedInstances(ctx, res, instances)
	}

	booting := lo.CountBy(instances, func(i resource.Instance) bool { return i.Phase == resource.InstanceProvisioning })
	if booting == 0 {
		_, err := r.updateStatus(res, func(st *resource.Status) {
			st.Phase = resource.PhaseRunning
			st.Message = ""
			st.Instances = instances
			st.RetryCount = 0
			st.ObservedGeneration = res.Generation
		})
		return err
	}

	if changed {
		if _, err := r.writeInstances(res, instances); err != nil {
			return err
		}
	}
	r.after(r.config.ProbeInterval, func() { r.enqueue(res.ID) })
	return nil
}

func (r *Reconciler) reconcileRunning(ctx context.Context, res *resource.Resource) error {
	desired := r.desiredReplicas(res)
	instances := append([]resource.Instance(nil), res.Status.Instances...)
	changed := r.probeInstances(ctx, res, instances)

	if failed := lo.CountBy(instances, func(i resource.Instance) bool { return i.Phase == resource.InstanceFailed }); failed > 0 {
		return r.handleFailedInstances(ctx, res, instances)
	}

	// Reap instances whose drain completed.
	changed = r.reapDrained(ctx, res, instances) || changed

	active := lo.Filter(instances, func(i resource.Instance, _ int) bool {
		return i.Phase == resource.InstanceProvisioning || i.Phase == resource.InstanceRunning
	})

	switch {
	case len(active) < desired:
		fresh := res.Clone()
		fresh.Status.Instances = instances
		decision, err := r.scheduler.Place(ctx, fresh, desired)
		if err != nil {
			if changed {
				if updated, werr := r.writeInstances(res, instances); werr == nil {
					res = updated
				}
			}
			return r.placementError(ctx, res, err)
		}
		for _, inst := range decision.Instances {
			r.publish(EventInstanceCreated{Resource: res.ID, Instance: inst.ID, Platform: inst.Platform})
		}
		instances = append(instances, decision.Instances...)
		changed = true

	case len(active) > desired:
		// Drain the newest instances first; established ones hold the most
		// warmed-up state.
		running := lo.Filter(instances, func(i resource.Instance, _ int) bool {
			return i.Phase == resource.InstanceRunning
		})
		sort.Slice(running, func(a, b int) bool { return running[a].CreatedAt.After(running[b].CreatedAt) })

		surplus := len(active) - desired
		for _, victim := range running[:min(surplus, len(running))] {
			for i := range instances {
				if instances[i].ID == victim.ID {
					instances[i].Phase = resource.InstanceDraining
					instances[i].DrainStarted = time.Now()
					r.log.Info("Draining surplus instance", "resource", res.FQN(), "instance", victim.ID)
				}
			}
		}
		changed = true
	}

	if changed || res.Status.ObservedGeneration != res.Generation {
		if _, err := r.writeInstances(res, instances); err != nil {
			return err
		}
	}

	settling := lo.SomeBy(instances, func(i resource.Instance) bool {
		return i.Phase == resource.InstanceProvisioning || i.Phase == resource.InstanceDraining
	})
	if settling {
		r.after(r.config.ProbeInterval, func() { r.enqueue(res.ID) })
	}
	return nil
}

func (r *Reconciler) reconcileDraining(ctx context.Context, res *resource.Resource) error {
	instances := append([]resource.Instance(nil), res.Status.Instances...)

	changed := false
	for i, inst := range instances {
		if inst.Active() && inst.Phase != resource.InstanceDraining {
			instances[i].Phase = resource.InstanceDraining
			instances[i].DrainStarted = time.Now()
			changed = true
		}
	}
	changed = r.reapDrained(ctx, res, instances) || changed

	if !lo.SomeBy(instances, resource.Instance.Active) {
		_, err := r.updateStatus(res, func(st *resource.Status) {
			st.Phase = resource.PhaseTerminating
			st.Instances = instances
		})
		return err
	}

	if changed {
		if _, err := r.writeInstances(res, instances); err != nil {
			return err
		}
	}
	r.after(r.config.ProbeInterval, func() { r.enqueue(res.ID) })
	return nil
}

func (r *Reconciler) reconcileTerminating(ctx context.Context, res *resource.Resource) error {
	instances := r.terminateActive(ctx, res, res.Status.Instances, true)

	if lo.SomeBy(instances, resource.Instance.Active) {
		// A backend refused a termination; keep at it.
		if _, err := r.writeInstances(res, instances); err != nil {
			return err
		}
		r.after(r.config.ProbeInterval, func() { r.enqueue(res.ID) })
		return nil
	}

	r.forget(res.ID)
	updated, err := r.updateStatus(res, func(st *resource.Status) {
		st.Phase = resource.PhaseTerminated
		st.Instances = instances
	})
	if err != nil {
		return err
	}
	if updated.Deleted {
		return r.remove(updated)
	}
	return nil
}

// probeInstances refreshes the phase of provisioning and running instances
// from backend health. Returns whether anything changed.
func (r *Reconciler) probeInstances(ctx context.Context, res *resource.Resource, instances []resource.Instance) bool {
	changed := false
	for i, inst := range instances {
		switch inst.Phase {
		case resource.InstanceProvisioning:
			health, err := r.scheduler.Health(ctx, inst)
			if err != nil {
				r.log.Warn("Health probe failed", "resource", res.FQN(), "instance", inst.ID, "error", err)
				continue
			}
			switch health {
			case platform.Healthy:
				instances[i].Phase = resource.InstanceRunning
				changed = true
			case platform.Unhealthy:
				if time.Since(inst.CreatedAt) > r.bootGrace(res) {
					instances[i].Phase = resource.InstanceFailed
					changed = true
				}
			case platform.Unknown:
				if time.Since(inst.CreatedAt) > r.config.ProvisionTimeout {
					instances[i].Phase = resource.InstanceFailed
					changed = true
				}
			}

		case resource.InstanceRunning:
			health, err := r.scheduler.Health(ctx, inst)
			if err != nil {
				r.log.Warn("Health probe failed", "resource", res.FQN(), "instance", inst.ID, "error", err)
				continue
			}
			if health == platform.Unhealthy {
				r.log.Warn("Instance became unhealthy", "resource", res.FQN(), "instance", inst.ID)
				instances[i].Phase = resource.InstanceFailed
				changed = true
			}
		}
	}
	return changed
}

func (r *Reconciler) bootGrace(res *resource.Resource) time.Duration {
	if hc := res.Spec.HealthCheck; hc != nil && hc.StartPeriod > 0 {
		return hc.StartPeriod
	}
	return provisionGrace
}

// reapDrained terminates draining instances once the backend reports them
// gone, or once the drain timeout expires.
func (r *Reconciler) reapDrained(ctx context.Context, res *resource.Resource, instances []resource.Instance) bool {
	changed := false
	for i, inst := range instances {
		if inst.Phase != resource.InstanceDraining {
			continue
		}

		forced := !inst.DrainStarted.IsZero() && time.Since(inst.DrainStarted) > r.config.DrainTimeout
		if !forced {
			health, err := r.scheduler.Health(ctx, inst)
			if err == nil && health == platform.Healthy {
				continue // still serving, let it finish
			}
		} else {
			r.log.Warn("Drain timeout expired, terminating instance", "resource", res.FQN(), "instance", inst.ID)
		}

		if err := r.scheduler.Terminate(ctx, inst); err != nil {
			r.log.Warn("Instance termination failed", "resource", res.FQN(), "instance", inst.ID, "error", err)
			continue
		}
		instances[i].Phase = resource.InstanceTerminated
		changed = true
		r.publish(EventInstanceTerminated{Resource: res.ID, Instance: inst.ID, Platform: inst.Platform, Forced: forced})
	}
	return changed
}

// handleFailedInstances applies the restart policy: Never fails the whole
// resource, anything else replaces the instance on the retry budget.
func (r *Reconciler) handleFailedInstances(ctx context.Context, res *resource.Resource, instances []resource.Instance) error {
	for i, inst := range instances {
		if inst.Phase != resource.InstanceFailed {
			continue
		}
		if err := r.scheduler.Terminate(ctx, inst); err != nil {
			r.log.Warn("Instance termination failed", "resource", res.FQN(), "instance", inst.ID, "error", err)
		}
		instances[i].Phase = resource.InstanceTerminated
		r.publish(EventInstanceTerminated{Resource: res.ID, Instance: inst.ID, Platform: inst.Platform, Forced: true})
	}

	if res.Spec.Restart == resource.RestartNever {
		res.Status.Instances = instances
		return r.fail(ctx, res, "instance failed and restart policy is Never")
	}

	updated, err := r.writeInstances(res, instances)
	if err != nil {
		return err
	}
	return r.retryOrFail(ctx, updated, errors.New("instance failed, replacing"))
}

func (r *Reconciler) placementError(ctx context.Context, res *resource.Resource, cause error) error {
	var verr *resource.ValidationError
	if errors.As(cause, &verr) {
		return r.fail(ctx, res, verr.Error())
	}

	if errors.Is(cause, platform.ErrNoCapacity) {
		r.log.Info("No capacity available, will retry", "resource", res.FQN())
		if res.Status.Message != "waiting for capacity" {
			if _, err := r.updateStatus(res, func(st *resource.Status) {
				st.Message = "waiting for capacity"
			}); err != nil {
				return err
			}
		}
		r.after(r.config.RetryBaseDelay, func() { r.enqueue(res.ID) })
		return nil
	}

	return r.retryOrFail(ctx, res, cause)
}

func (r *Reconciler) retryOrFail(ctx context.Context, res *resource.Resource, cause error) error {
	attempt := res.Status.RetryCount + 1
	if attempt > r.config.MaxRetries {
		return r.fail(ctx, res, fmt.Sprintf("giving up after %d attempts: %s", res.Status.RetryCount, cause))
	}

	delay := internal.Delay(r.config.RetryBaseDelay, attempt, r.config.MaxRetryDelay)
	r.log.Warn("Transient failure, retrying", "resource", res.FQN(), "attempt", attempt, "delay", delay, "error", cause)

	if _, err := r.updateStatus(res, func(st *resource.Status) {
		st.RetryCount = attempt
		st.Message = cause.Error()
	}); err != nil {
		return err
	}

	r.publish(EventRetryScheduled{Resource: res.ID, Attempt: attempt, Delay: delay})
	r.after(delay, func() { r.enqueue(res.ID) })
	return nil
}

func (r *Reconciler) fail(ctx context.Context, res *resource.Resource, message string) error {
	r.log.Warn("Resource failed", "resource", res.FQN(), "reason", message)

	instances := r.terminateActive(ctx, res, res.Status.Instances, true)
	r.forget(res.ID)

	_, err := r.updateStatus(res, func(st *resource.Status) {
		st.Phase = resource.PhaseFailed
		st.Message = message
		st.Instances = instances
	})
	return err
}

func (r *Reconciler) remove(res *resource.Resource) error {
	r.forget(res.ID)
	if err := r.store.Remove(res.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return nil
}

func (r *Reconciler) terminateActive(ctx context.Context, res *resource.Resource, instances []resource.Instance, forced bool) []resource.Instance {
	out := append([]resource.Instance(nil), instances...)
	for i, inst := range out {
		if !inst.Active() {
			continue
		}
		if err := r.scheduler.Terminate(ctx, inst); err != nil {
			r.log.Warn("Instance termination failed", "resource", res.FQN(), "instance", inst.ID, "error", err)
			continue
		}
		out[i].Phase = resource.InstanceTerminated
		r.publish(EventInstanceTerminated{Resource: res.ID, Instance: inst.ID, Platform: inst.Platform, Forced: forced})
	}
	return out
}

// transition moves the resource to a new phase after checking the lifecycle
// adjacency.
func (r *Reconciler) transition(res *resource.Resource, to resource.Phase, message string) (*resource.Resource, error) {
	if !res.Status.Phase.CanTransition(to) {
		return nil, fmt.Errorf("invalid transition for '%s': %s -> %s", res.FQN(), res.Status.Phase, to)
	}
	return r.updateStatus(res, func(st *resource.Status) {
		st.Phase = to
		st.Message = message
	})
}

// updateStatus writes the mutated status with optimistic concurrency,
// re-reading and re-applying the mutation on conflict.
func (r *Reconciler) updateStatus(res *resource.Resource, mutate func(*resource.Status)) (*resource.Resource, error) {
	for attempt := 0; ; attempt++ {
		status := res.Status
		status.Instances = append([]resource.Instance(nil), res.Status.Instances...)
		mutate(&status)

		updated, err := r.store.UpdateStatus(res.ID, status, res.Version)
		if err == nil {
			if updated.Status.Phase != res.Status.Phase {
				r.log.Info("Phase changed", "resource", res.FQN(), "from", res.Status.Phase, "to", updated.Status.Phase)
				r.publish(EventPhaseChanged{
					Resource: res.ID,
					From:     res.Status.Phase,
					To:       updated.Status.Phase,
					Message:  updated.Status.Message,
				})
			}
			return updated, nil
		}
		if !errors.Is(err, store.ErrConflict) || attempt >= 3 {
			return nil, err
		}

		fresh, gerr := r.store.Get(res.ID)
		if gerr != nil {
			return nil, gerr
		}
		res = fresh
	}
}

func (r *Reconciler) writeInstances(res *resource.Resource, instances []resource.Instance) (*resource.Resource, error) {
	return r.updateStatus(res, func(st *resource.Status) {
		st.Instances = instances
		st.ObservedGeneration = res.Generation
	})
}

// desiredReplicas is the instance count the resource should have right now:
// the autoscaler target when one is set, the spec's own count otherwise.
func (r *Reconciler) desiredReplicas(res *resource.Resource) int {
	if res.Kind.Elastic() {
		if target, ok := r.target(res.ID); ok {
			return clampReplicas(target, res.Spec)
		}
	}
	return res.Spec.Replicas(res.Kind)
}

func clampReplicas(n int, spec resource.Spec) int {
	if n < spec.MinReplicas {
		n = spec.MinReplicas
	}
	if spec.MaxReplicas > 0 && n > spec.MaxReplicas {
		n = spec.MaxReplicas
	}
	return max(n, 0)
}
