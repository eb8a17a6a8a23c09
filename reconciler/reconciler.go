// Package reconciler drives every resource through its lifecycle: a single
// event loop owns the work queue and dispatches resource ids to a worker
// pool, with at most one reconcile in flight per resource at any time.
package reconciler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/strato-sh/strato/autoscaler"
	"github.com/strato-sh/strato/metricfeed"
	"github.com/strato-sh/strato/queue"
	"github.com/strato-sh/strato/resource"
	"github.com/strato-sh/strato/scheduler"
	"github.com/strato-sh/strato/store"
)

type Reconciler struct {
	store     store.Store
	queues    *queue.Controller
	scheduler *scheduler.Scheduler
	evaluator *autoscaler.Evaluator
	feeds     map[resource.Kind]metricfeed.Feed
	config    Config
	log       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	enqueueCh    chan string
	tickRequests chan any
	deferred     chan func()
	workCh       chan string
	doneCh       chan string

	// Loop-owned; only the Run goroutine touches these.
	backlog  []string
	queued   map[string]bool
	inflight map[string]bool
	dirty    map[string]bool

	targetsMu sync.Mutex
	targets   map[string]int

	// autoscaleBusy keeps ticks from stacking passes when a feed is slow.
	autoscaleBusy atomic.Bool

	subscribersMu sync.Mutex
	subscribers   []chan Event

	wg sync.WaitGroup
}

// Feeds maps elastic kinds to their metric source: pressure for processors,
// latency for services.
type Feeds map[resource.Kind]metricfeed.Feed

func New(st store.Store, queues *queue.Controller, sched *scheduler.Scheduler, evaluator *autoscaler.Evaluator, feeds Feeds, config Config) (*Reconciler, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	config = config.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	r := &Reconciler{
		store:     st,
		queues:    queues,
		scheduler: sched,
		evaluator: evaluator,
		feeds:     feeds,
		config:    config,
		log:       config.Logger,

		ctx:    ctx,
		cancel: cancel,

		enqueueCh:    make(chan string),
		tickRequests: make(chan any, 1),
		deferred:     make(chan func()),
		// workCh is buffered so dispatch can hand out work before the
		// workers have parked on the channel; an unbuffered send would be
		// dropped at startup with no done() coming to retry it.
		workCh: make(chan string, config.Workers),
		doneCh: make(chan string, config.Workers),

		queued:   make(map[string]bool),
		inflight: make(map[string]bool),
		dirty:    make(map[string]bool),
		targets:  make(map[string]int),
	}

	r.wg.Add(1 + config.Workers)
	for i := 0; i < config.Workers; i++ {
		go r.worker()
	}
	go r.run()

	return r, nil
}

// Enqueue requests a reconcile of the resource as soon as a worker is free.
// Safe to call from any goroutine; a no-op after shutdown.
func (r *Reconciler) Enqueue(id string) {
	select {
	case r.enqueueCh <- id:
	case <-r.ctx.Done():
	}
}

// Shutdown stops the loop and lets in-flight reconciles finish. Instances
// keep running; the engine picks them back up from the store snapshot.
func (r *Reconciler) Shutdown() {
	r.cancel()
}

func (r *Reconciler) Wait() {
	r.wg.Wait()
}

func (r *Reconciler) run() {
	defer r.wg.Done()

	events, cancelWatch := r.store.Watch()
	defer cancelWatch()

	autoscale := time.NewTicker(r.config.AutoscaleInterval)
	defer autoscale.Stop()
	resync := time.NewTicker(r.config.ResyncInterval)
	defer resync.Stop()

	r.log.Info("Reconciler is running", "workers", r.config.Workers)
	r.resync()

	for {
		select {
		case event := <-events:
			if event.Type == store.EventRemoved {
				r.forget(event.ID)
				continue
			}
			r.enqueue(event.ID)

		case id := <-r.enqueueCh:
			r.enqueue(id)

		case <-r.tickRequests:
			r.dispatch()

		case id := <-r.doneCh:
			delete(r.inflight, id)
			if r.dirty[id] {
				delete(r.dirty, id)
				r.enqueue(id)
			}
			r.requestTick()

		case f := <-r.deferred:
			f()

		case <-autoscale.C:
			go r.autoscalePass()

		case <-resync.C:
			r.resync()

		case <-r.ctx.Done():
			r.log.Info("Reconciler is stopping")
			close(r.workCh)
			return
		}
	}
}

// enqueue adds the id to the backlog unless it is already there; an id
// being reconciled right now is flagged dirty and re-run afterwards instead
// of run concurrently.
func (r *Reconciler) enqueue(id string) {
	if r.inflight[id] {
		r.dirty[id] = true
		return
	}
	if r.queued[id] {
		return
	}
	r.queued[id] = true
	r.backlog = append(r.backlog, id)
	r.requestTick()
}

func (r *Reconciler) dispatch() {
	for len(r.backlog) > 0 {
		id := r.backlog[0]
		select {
		case r.workCh <- id:
			r.backlog = r.backlog[1:]
			delete(r.queued, id)
			r.inflight[id] = true
		default:
			return // every worker slot is taken, done() ticks us again
		}
	}
}

// requestTick requests a dispatch pass as soon as possible.
// If one is already scheduled, this function does nothing.
// This function is safe to call from multiple goroutines.
func (r *Reconciler) requestTick() {
	select {
	case r.tickRequests <- nil:
	default:
	}
}

// after schedules a function on the main loop goroutine after a delay.
// This function is safe to call from multiple goroutines.
func (r *Reconciler) after(d time.Duration, f func()) {
	time.AfterFunc(d, func() {
		select {
		case r.deferred <- f:
		case <-r.ctx.Done():
		}
	})
}

func (r *Reconciler) resync() {
	for _, res := range r.store.List(store.Filter{}) {
		if !res.Status.Phase.Terminal() || res.Deleted {
			r.enqueue(res.ID)
		}
	}
}

func (r *Reconciler) worker() {
	defer r.wg.Done()

	for id := range r.workCh {
		r.runOne(id)

		select {
		case r.doneCh <- id:
		case <-r.ctx.Done():
			return // the loop is gone, nobody cares about done anymore
		}
	}
}

func (r *Reconciler) runOne(id string) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("Reconcile panicked", "resource", id, "panic", p)
		}
	}()

	if err := r.reconcile(r.ctx, id); err != nil {
		r.log.Error("Reconcile failed", "resource", id, "error", err)
	}
}

// forget drops every piece of per-resource state the engine keeps outside
// the store: queue slots, autoscaler history, the scale target.
func (r *Reconciler) forget(id string) {
	r.promote(r.queues.Forget(id))
	r.evaluator.Forget(id)

	r.targetsMu.Lock()
	delete(r.targets, id)
	r.targetsMu.Unlock()
}

// promote wakes resources whose queue slot just freed up. It may run on the
// loop goroutine itself (store removal events), where a blocking Enqueue
// would deadlock, so the ids travel through the deferred channel instead.
func (r *Reconciler) promote(ids []string) {
	for _, id := range ids {
		r.log.Info("Queue slot freed, promoting waiter", "resource", id)
		r.publish(EventQueuePromoted{Resource: id})
		r.after(0, func() { r.enqueue(id) })
	}
}

func (r *Reconciler) target(id string) (int, bool) {
	r.targetsMu.Lock()
	defer r.targetsMu.Unlock()
	target, ok := r.targets[id]
	return target, ok
}

func (r *Reconciler) setTarget(id string, replicas int) {
	r.targetsMu.Lock()
	defer r.targetsMu.Unlock()
	r.targets[id] = replicas
}
