package resource

import "time"

type InstancePhase string

const (
	InstanceProvisioning InstancePhase = "provisioning"
	InstanceRunning      InstancePhase = "running"
	InstanceDraining     InstancePhase = "draining"
	InstanceTerminated   InstancePhase = "terminated"
	InstanceFailed       InstancePhase = "failed"
)

// Instance is one provisioned unit backing a resource. Instances are owned
// exclusively by the resource that created them.
type Instance struct {
	ID          string              `json:"id"`
	Platform    string              `json:"platform"`
	Accelerator *AcceleratorRequest `json:"accelerator,omitempty"`
	NodeAddress string              `json:"node_address,omitempty"`
	Phase       InstancePhase       `json:"phase"`
	CreatedAt   time.Time           `json:"created_at"`

	// DrainStarted is set when the instance enters Draining, so the drain
	// timeout survives engine restarts.
	DrainStarted time.Time `json:"drain_started,omitempty"`
}

func (i Instance) Active() bool {
	return i.Phase == InstanceProvisioning || i.Phase == InstanceRunning || i.Phase == InstanceDraining
}
