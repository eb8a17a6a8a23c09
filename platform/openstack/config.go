package openstack

import (
	"fmt"
	"log/slog"

	"github.com/gophercloud/gophercloud/openstack/compute/v2/servers"
)

type Config struct {
	Logger *slog.Logger

	// Image is the boot image for all instances; it must carry a container
	// runtime, the user data script does the rest.
	Image string

	// CPUFlavor serves accelerator-less placements. Flavors maps an
	// accelerator type to the flavor providing it, and Capacity advertises
	// how many accelerators of each type this deployment may consume.
	CPUFlavor string
	Flavors   map[string]string
	Capacity  map[string]int

	// MaxInstances bounds CPU-only instances; accelerator-bearing ones are
	// bounded by Capacity.
	MaxInstances int

	AvailabilityZone string
	Networks         []servers.Network
	SecurityGroups   []string
	SSHUsername      string
}

func Validate(config Config) error {
	if config.Image == "" {
		return fmt.Errorf("image must not be empty")
	}
	if config.CPUFlavor == "" && len(config.Flavors) == 0 {
		return fmt.Errorf("at least one flavor must be configured")
	}
	if config.MaxInstances < 1 {
		return fmt.Errorf("max-instances must be greater than 0")
	}
	for acceleratorType := range config.Capacity {
		if _, ok := config.Flavors[acceleratorType]; !ok {
			return fmt.Errorf("capacity advertised for '%s' without a flavor", acceleratorType)
		}
	}
	return nil
}
