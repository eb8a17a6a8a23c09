package reconciler

import (
	"fmt"
	"log/slog"
	"time"
)

type Config struct {
	Logger *slog.Logger `json:"-"`

	// Workers is the size of the reconcile worker pool.
	Workers int `json:"workers"`

	// MaxRetries bounds transient-failure retries per resource; the next
	// failure beyond it marks the resource Failed.
	MaxRetries int `json:"max-retries"`

	// RetryBaseDelay seeds the exponential backoff between retries.
	RetryBaseDelay time.Duration `json:"retry-base-delay"`
	MaxRetryDelay  time.Duration `json:"max-retry-delay"`

	// ProbeInterval paces instance health probes while instances are
	// provisioning or draining.
	ProbeInterval time.Duration `json:"probe-interval"`

	// ProvisionTimeout is how long an instance may stay in provisioning
	// before it is treated as failed.
	ProvisionTimeout time.Duration `json:"provision-timeout"`

	// DrainTimeout is how long a draining instance is left alone before it
	// is terminated anyway.
	DrainTimeout time.Duration `json:"drain-timeout"`

	AutoscaleInterval time.Duration `json:"autoscale-interval"`

	// ResyncInterval paces the full sweep that re-enqueues every resource,
	// recovering from missed watch events.
	ResyncInterval time.Duration `json:"resync-interval"`
}

func (c Config) withDefaults() Config {
	if c.Workers < 1 {
		c.Workers = 4
	}
	if c.MaxRetries < 1 {
		c.MaxRetries = 5
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = time.Second
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = 2 * time.Minute
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 2 * time.Second
	}
	if c.ProvisionTimeout <= 0 {
		c.ProvisionTimeout = 10 * time.Minute
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 5 * time.Minute
	}
	if c.AutoscaleInterval <= 0 {
		c.AutoscaleInterval = 10 * time.Second
	}
	if c.ResyncInterval <= 0 {
		c.ResyncInterval = time.Minute
	}
	return c
}

func (c Config) validate() error {
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	return nil
}
