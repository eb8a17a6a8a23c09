package local

import (
	"fmt"
	"log/slog"
)

type Config struct {
	Logger *slog.Logger

	// MaxInstances caps how many instances may run on the local daemon at
	// once; CPU-only capacity queries report the remaining headroom.
	MaxInstances int

	// Accelerators advertises the local accelerator inventory by type,
	// e.g. {"RTX4090": 2}. Empty means no accelerators.
	Accelerators map[string]int
}

func Validate(config Config) error {
	if config.MaxInstances < 1 {
		return fmt.Errorf("max-instances must be greater than 0")
	}
	for acceleratorType, count := range config.Accelerators {
		if count < 0 {
			return fmt.Errorf("accelerator inventory for '%s' must not be negative", acceleratorType)
		}
	}
	return nil
}
