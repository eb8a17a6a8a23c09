// Package redisfeed measures processor backpressure on redis streams:
// pressure is the number of messages the processor's consumer group has not
// finished yet (pending entries plus unread backlog).
package redisfeed

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/strato-sh/strato/metricfeed"
)

// StreamResolver maps a resource id to the stream and consumer group its
// processor consumes. Typically backed by a store lookup.
type StreamResolver func(resourceID string) (stream, group string, err error)

type PressureFeed struct {
	client  redis.UniversalClient
	resolve StreamResolver
	now     func() time.Time
}

var _ metricfeed.Feed = (*PressureFeed)(nil)

func NewPressureFeed(client redis.UniversalClient, resolve StreamResolver) *PressureFeed {
	return &PressureFeed{client: client, resolve: resolve, now: time.Now}
}

func (f *PressureFeed) Sample(ctx context.Context, resourceID string) (metricfeed.Sample, error) {
	stream, group, err := f.resolve(resourceID)
	if err != nil {
		return metricfeed.Sample{}, fmt.Errorf("resolve stream for '%s': %w", resourceID, err)
	}

	pressure, err := f.pressure(ctx, stream, group)
	if err != nil {
		return metricfeed.Sample{}, fmt.Errorf("measure pressure on '%s': %w", stream, err)
	}
	return metricfeed.Sample{At: f.now(), Value: pressure}, nil
}

func (f *PressureFeed) pressure(ctx context.Context, stream, group string) (float64, error) {
	groups, err := f.client.XInfoGroups(ctx, stream).Result()
	if err != nil {
		if strings.Contains(err.Error(), "no such key") {
			return 0, nil // stream does not exist yet, nothing is pending
		}
		return 0, err
	}

	for _, g := range groups {
		if g.Name == group {
			// Lag is the unread backlog; pending entries are delivered but
			// unacknowledged. Both count as pressure on the processor.
			return float64(g.Lag + g.Pending), nil
		}
	}

	// No consumer group yet: the whole stream is backlog.
	length, err := f.client.XLen(ctx, stream).Result()
	if err != nil {
		return 0, err
	}
	return float64(length), nil
}
