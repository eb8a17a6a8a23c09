package queue

import (
	"sync"

	"github.com/samber/lo"
)

type Admission string

const (
	Admitted Admission = "admitted"
	Waiting  Admission = "waiting"
)

type state struct {
	holder  string
	waiters []string
}

// Controller serializes access to named FIFO queues: at most one holder per
// queue, waiters admitted strictly in arrival order. A single mutex gives
// the per-queue single-writer discipline; every operation is a short
// critical section with no I/O.
type Controller struct {
	mu     sync.Mutex
	queues map[string]*state
}

func NewController() *Controller {
	return &Controller{queues: make(map[string]*state)}
}

// Enqueue admits id immediately when the queue is free (or already held by
// id), and otherwise appends it to the waiters once.
func (c *Controller) Enqueue(queue, id string) Admission {
	if queue == "" {
		return Admitted
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	q, ok := c.queues[queue]
	if !ok {
		q = &state{}
		c.queues[queue] = q
	}

	switch {
	case q.holder == "" && len(q.waiters) == 0:
		q.holder = id
		return Admitted
	case q.holder == id:
		return Admitted
	default:
		if !lo.Contains(q.waiters, id) {
			q.waiters = append(q.waiters, id)
		}
		return Waiting
	}
}

// Release frees the queue if id is the current holder and promotes the next
// waiter in arrival order, returning the promoted id. A release by a
// non-holder is a no-op, so stale releases after timeouts are safe.
func (c *Controller) Release(queue, id string) (promoted string, released bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	q, ok := c.queues[queue]
	if !ok || q.holder != id {
		return "", false
	}

	if len(q.waiters) > 0 {
		q.holder, q.waiters = q.waiters[0], q.waiters[1:]
		return q.holder, true
	}

	delete(c.queues, queue)
	return "", true
}

// Forget removes id from every queue it appears in: waiter entries are
// dropped without disturbing the order of the rest, and a held queue is
// released. Returns the ids promoted by those releases.
func (c *Controller) Forget(id string) (promoted []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for name, q := range c.queues {
		q.waiters = lo.Without(q.waiters, id)
		if q.holder == id {
			if len(q.waiters) > 0 {
				q.holder, q.waiters = q.waiters[0], q.waiters[1:]
				promoted = append(promoted, q.holder)
			} else {
				delete(c.queues, name)
			}
		}
	}
	return promoted
}

func (c *Controller) Holder(queue string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if q, ok := c.queues[queue]; ok {
		return q.holder
	}
	return ""
}

func (c *Controller) Waiters(queue string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if q, ok := c.queues[queue]; ok {
		return append([]string(nil), q.waiters...)
	}
	return nil
}
