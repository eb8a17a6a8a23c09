package main

import (
	"github.com/strato-sh/strato/reconciler"
	"github.com/strato-sh/strato/server/log"
)

// listenEvents runs as a dedicated goroutine (started in main.go), turning
// the engine's event stream into operator-facing logs. It blocks forever
// once the engine shuts down (the subscriber channel is never closed), but
// that's fine: the process is exiting and the runtime collects it.
func listenEvents(channel <-chan reconciler.Event) {
	for event := range channel {
		switch e := event.(type) {
		case reconciler.EventPhaseChanged:
			log.Info("Resource phase changed", "resource", e.Resource, "from", e.From, "to", e.To, "message", e.Message)
		case reconciler.EventInstanceCreated:
			log.Info("Instance created", "resource", e.Resource, "instance", e.Instance, "platform", e.Platform)
		case reconciler.EventInstanceTerminated:
			log.Info("Instance terminated", "resource", e.Resource, "instance", e.Instance, "platform", e.Platform, "forced", e.Forced)
		case reconciler.EventScaleDecision:
			log.Info("Scale decision", "resource", e.Resource, "direction", e.Direction, "from", e.From, "to", e.To)
		case reconciler.EventQueuePromoted:
			log.Info("Queue admission", "resource", e.Resource)
		case reconciler.EventRetryScheduled:
			log.Info("Retry scheduled", "resource", e.Resource, "attempt", e.Attempt, "delay", e.Delay)
		}
	}
}
