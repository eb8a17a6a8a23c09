package reconciler

import (
	"time"

	"github.com/samber/lo"
	"github.com/strato-sh/strato/autoscaler"
	"github.com/strato-sh/strato/resource"
)

type Event interface{}

type EventPhaseChanged struct {
	Resource string
	From     resource.Phase
	To       resource.Phase
	Message  string
}

type EventInstanceCreated struct {
	Resource string
	Instance string
	Platform string
}

type EventInstanceTerminated struct {
	Resource string
	Instance string
	Platform string
	Forced   bool
}

type EventScaleDecision struct {
	Resource  string
	Direction autoscaler.Direction
	From      int
	To        int
}

type EventQueuePromoted struct {
	Resource string
}

type EventRetryScheduled struct {
	Resource string
	Attempt  int
	Delay    time.Duration
}

// Subscribe returns a channel receiving every engine event from now on,
// and a function to unsubscribe. Slow subscribers lose events once their
// buffer fills.
func (r *Reconciler) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 256)

	r.subscribersMu.Lock()
	r.subscribers = append(r.subscribers, ch)
	r.subscribersMu.Unlock()

	return ch, func() {
		r.subscribersMu.Lock()
		r.subscribers = lo.Without(r.subscribers, ch)
		r.subscribersMu.Unlock()
	}
}

func (r *Reconciler) publish(event Event) {
	r.subscribersMu.Lock()
	defer r.subscribersMu.Unlock()

	for _, ch := range r.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}
