package resource

import "github.com/samber/lo"

type Phase string

const (
	PhasePending      Phase = "Pending"
	PhaseQueued       Phase = "Queued"
	PhaseScheduling   Phase = "Scheduling"
	PhaseProvisioning Phase = "Provisioning"
	PhaseRunning      Phase = "Running"
	PhaseDraining     Phase = "Draining"
	PhaseTerminating  Phase = "Terminating"
	PhaseTerminated   Phase = "Terminated"
	PhaseFailed       Phase = "Failed"
)

func (p Phase) Terminal() bool {
	return p == PhaseTerminated || p == PhaseFailed
}

// transitions is the forward adjacency of the lifecycle state machine.
// Draining, Terminating and Failed are additionally reachable from any
// non-terminal phase, see CanTransition.
var transitions = map[Phase][]Phase{
	PhasePending:      {PhaseQueued, PhaseScheduling},
	PhaseQueued:       {PhaseScheduling},
	PhaseScheduling:   {PhaseProvisioning},
	PhaseProvisioning: {PhaseRunning},
	PhaseRunning:      {PhaseDraining},
	PhaseDraining:     {PhaseTerminating},
	PhaseTerminating:  {PhaseTerminated},
}

func (p Phase) CanTransition(to Phase) bool {
	if p.Terminal() {
		return false
	}
	if to == PhaseDraining || to == PhaseTerminating || to == PhaseFailed {
		return true
	}
	// A spec update re-enters the lifecycle from the top.
	if to == PhasePending {
		return true
	}
	return lo.Contains(transitions[p], to)
}
