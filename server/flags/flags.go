// Package flags declares every stratod flag. Values are read through viper,
// so each flag is also settable via a STRATO_* environment variable.
package flags

import (
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/samber/lo"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	LogFormat = "log-format"
	LogLevel  = "log-level"
	LogSource = "log-source"

	Data        = "data"
	ManifestDir = "manifest-dir"
	Platforms   = "platforms"

	LocalMaxInstances = "local-max-instances"
	LocalAccelerators = "local-accelerators"

	OpenstackImage            = "openstack-image"
	OpenstackCpuFlavor        = "openstack-cpu-flavor"
	OpenstackFlavors          = "openstack-flavors"
	OpenstackCapacity         = "openstack-capacity"
	OpenstackMaxInstances     = "openstack-max-instances"
	OpenstackAvailabilityZone = "openstack-availability-zone"
	OpenstackNetworks         = "openstack-networks"
	OpenstackSecurityGroups   = "openstack-security-groups"
	OpenstackSshUsername      = "openstack-ssh-username"

	RedisAddress   = "redis-address"
	LatencyFeedUrl = "latency-feed-url"

	Workers           = "workers"
	MaxRetries        = "max-retries"
	RetryBaseDelay    = "retry-base-delay"
	MaxRetryDelay     = "max-retry-delay"
	ProbeInterval     = "probe-interval"
	ProvisionTimeout  = "provision-timeout"
	DrainTimeout      = "drain-timeout"
	AutoscaleInterval = "autoscale-interval"
	AutoscaleAntiFlap = "autoscale-anti-flap"
	ResyncInterval    = "resync-interval"
)

// FlagSet holds every stratod flag; main attaches it to the root command so
// cobra parses into the same flag values viper is bound to.
var FlagSet = flag.NewFlagSet(os.Args[0], flag.ContinueOnError)

func init() {
	flags := FlagSet

	// Strato
	flags.String(LogFormat, "json", "log format (json, text)")
	flags.String(LogLevel, "INFO", "minimum log level")
	flags.Bool(LogSource, false, "add source code location to logs")
	flags.String(Data, "data", "directory for snapshots and secrets")
	flags.String(ManifestDir, "", "directory of resource manifests applied at startup")
	flags.StringSlice(Platforms, []string{"local"}, "platform backends to register, in registration order (local, openstack)")

	// Local platform
	flags.Int(LocalMaxInstances, (runtime.NumCPU()+1)/2, "maximum number of instances on the local platform")
	flags.StringToString(LocalAccelerators, nil, "local accelerator inventory by type (e.g. RTX4090=2)")

	// Openstack platform
	flags.String(OpenstackImage, "", "boot image for instances")
	flags.String(OpenstackCpuFlavor, "", "flavor for accelerator-less instances")
	flags.StringToString(OpenstackFlavors, nil, "flavor per accelerator type (e.g. A100=gpu.a100.1)")
	flags.StringToString(OpenstackCapacity, nil, "accelerator capacity by type (e.g. A100=8)")
	flags.Int(OpenstackMaxInstances, 10, "maximum number of CPU-only instances on openstack")
	flags.String(OpenstackAvailabilityZone, "", "availability zone for instances")
	flags.StringSlice(OpenstackNetworks, nil, "networks attached to the instances")
	flags.StringSlice(OpenstackSecurityGroups, nil, "security groups defined for the instances")
	flags.String(OpenstackSshUsername, "", "ssh username used to probe the instances")

	// Metric feeds
	flags.String(RedisAddress, "", "redis address for processor backpressure sampling")
	flags.String(LatencyFeedUrl, "", "base URL of the service latency aggregator")

	// Reconciler
	flags.Int(Workers, 4, "number of concurrent reconcile workers")
	flags.Int(MaxRetries, 5, "transient failures tolerated before a resource fails")
	flags.Duration(RetryBaseDelay, 1*time.Second, "base delay of the retry backoff")
	flags.Duration(MaxRetryDelay, 2*time.Minute, "upper bound of the retry backoff")
	flags.Duration(ProbeInterval, 2*time.Second, "how often instance health is probed")
	flags.Duration(ProvisionTimeout, 10*time.Minute, "how long an instance may stay unreachable while provisioning")
	flags.Duration(DrainTimeout, 5*time.Minute, "how long a draining instance may linger before forced termination")
	flags.Duration(AutoscaleInterval, 10*time.Second, "how often elastic resources are evaluated for scaling")
	flags.Duration(AutoscaleAntiFlap, 1*time.Minute, "minimum spacing between scale actions when a policy sets none")
	flags.Duration(ResyncInterval, 1*time.Minute, "how often every resource is re-enqueued as a safety net")

	viper.SetEnvPrefix("strato")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	lo.Must0(viper.BindPFlags(flags))
}
