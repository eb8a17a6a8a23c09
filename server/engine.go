package main

import (
	"encoding/json"
	"fmt"

	"github.com/gophercloud/gophercloud/openstack/compute/v2/servers"
	"github.com/redis/go-redis/v9"
	"github.com/samber/lo"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
	"github.com/strato-sh/strato/autoscaler"
	"github.com/strato-sh/strato/metricfeed"
	"github.com/strato-sh/strato/metricfeed/redisfeed"
	"github.com/strato-sh/strato/platform"
	"github.com/strato-sh/strato/platform/local"
	"github.com/strato-sh/strato/platform/openstack"
	"github.com/strato-sh/strato/queue"
	"github.com/strato-sh/strato/reconciler"
	"github.com/strato-sh/strato/resource"
	"github.com/strato-sh/strato/scheduler"
	"github.com/strato-sh/strato/server/flags"
	"github.com/strato-sh/strato/server/log"
)

var engine *reconciler.Reconciler

func createEngine() error {
	registry := platform.NewRegistry()
	for _, name := range viper.GetStringSlice(flags.Platforms) {
		backend, err := createBackend(name)
		if err != nil {
			return fmt.Errorf("unable to create platform '%s': %w", name, err)
		}
		registry.Register(backend)
	}

	config := reconciler.Config{
		Logger:            log.Base.With("component", "reconciler"),
		Workers:           viper.GetInt(flags.Workers),
		MaxRetries:        viper.GetInt(flags.MaxRetries),
		RetryBaseDelay:    viper.GetDuration(flags.RetryBaseDelay),
		MaxRetryDelay:     viper.GetDuration(flags.MaxRetryDelay),
		ProbeInterval:     viper.GetDuration(flags.ProbeInterval),
		ProvisionTimeout:  viper.GetDuration(flags.ProvisionTimeout),
		DrainTimeout:      viper.GetDuration(flags.DrainTimeout),
		AutoscaleInterval: viper.GetDuration(flags.AutoscaleInterval),
		ResyncInterval:    viper.GetDuration(flags.ResyncInterval),
	}

	evaluator := autoscaler.New(autoscaler.Config{
		Logger:          log.Base.With("component", "autoscaler"),
		DefaultAntiFlap: viper.GetDuration(flags.AutoscaleAntiFlap),
	})

	var err error
	engine, err = reconciler.New(
		db,
		queue.NewController(),
		scheduler.New(registry, log.Base.With("component", "scheduler")),
		evaluator,
		createFeeds(),
		config,
	)
	if err != nil {
		return fmt.Errorf("invalid reconciler config: %w", err)
	}
	return nil
}

func createBackend(name string) (platform.Backend, error) {
	logger := log.Base.With("component", "platform")
	switch name {
	case "local":
		config := local.Config{
			Logger:       logger,
			MaxInstances: viper.GetInt(flags.LocalMaxInstances),
			Accelerators: countMap(viper.GetStringMapString(flags.LocalAccelerators)),
		}
		logger.Debug("Platform config", "platform", name, "config", string(lo.Must(json.Marshal(config))))
		return local.New(config)

	case "openstack":
		config := openstack.Config{
			Logger:       logger,
			Image:        viper.GetString(flags.OpenstackImage),
			CPUFlavor:    viper.GetString(flags.OpenstackCpuFlavor),
			Flavors:      viper.GetStringMapString(flags.OpenstackFlavors),
			Capacity:     countMap(viper.GetStringMapString(flags.OpenstackCapacity)),
			MaxInstances: viper.GetInt(flags.OpenstackMaxInstances),

			AvailabilityZone: viper.GetString(flags.OpenstackAvailabilityZone),
			Networks: lo.Map(
				viper.GetStringSlice(flags.OpenstackNetworks),
				func(s string, _ int) servers.Network {
					return servers.Network{UUID: s}
				},
			),
			SecurityGroups: viper.GetStringSlice(flags.OpenstackSecurityGroups),
			SSHUsername:    viper.GetString(flags.OpenstackSshUsername),
		}
		logger.Debug("Platform config", "platform", name, "config", string(lo.Must(json.Marshal(config))))
		return openstack.New(config)

	default:
		return nil, fmt.Errorf("unknown platform")
	}
}

// countMap converts a string-to-string flag value into the count maps the
// platform configs take, e.g. {"A100": "8"} into {"A100": 8}.
func countMap(values map[string]string) map[string]int {
	if len(values) == 0 {
		return nil
	}
	return lo.MapValues(values, func(value string, _ string) int {
		return cast.ToInt(value)
	})
}

// createFeeds wires the metric sources for elastic kinds: redis stream
// backpressure for processors, the latency aggregator for services. A kind
// without a configured feed simply never autoscales.
func createFeeds() reconciler.Feeds {
	feeds := reconciler.Feeds{}

	if addr := viper.GetString(flags.RedisAddress); addr != "" {
		client := redis.NewClient(&redis.Options{Addr: addr})
		feeds[resource.KindProcessor] = redisfeed.NewPressureFeed(client, resolveStream)
	}
	if base := viper.GetString(flags.LatencyFeedUrl); base != "" {
		feeds[resource.KindService] = metricfeed.NewHTTPLatencyFeed(base)
	}

	return feeds
}

// resolveStream looks up the stream a processor consumes; the consumer group
// is named after the resource.
func resolveStream(resourceID string) (stream, group string, err error) {
	res, err := db.Get(resourceID)
	if err != nil {
		return "", "", err
	}
	if res.Spec.Stream == "" {
		return "", "", metricfeed.ErrNoSample
	}
	return res.Spec.Stream, res.Metadata.Name, nil
}
