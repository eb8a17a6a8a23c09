// Package metricfeed defines the read-only metric source the autoscaler
// consumes: backpressure for processors, request latency for services.
package metricfeed

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNoSample reports that the feed has no data for the resource yet.
// The autoscaler treats it as "skip this tick", not as a fault.
var ErrNoSample = errors.New("no metric sample available")

type Sample struct {
	At    time.Time
	Value float64
}

type Feed interface {
	Sample(ctx context.Context, resourceID string) (Sample, error)
}

// Static is a feed with values set by hand, used in tests and as the
// default when no real feed is configured.
type Static struct {
	mu     sync.Mutex
	values map[string]float64
	now    func() time.Time
}

var _ Feed = (*Static)(nil)

func NewStatic() *Static {
	return &Static{values: make(map[string]float64), now: time.Now}
}

func (s *Static) Set(resourceID string, value float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[resourceID] = value
}

func (s *Static) Forget(resourceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, resourceID)
}

func (s *Static) Sample(_ context.Context, resourceID string) (Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	value, ok := s.values[resourceID]
	if !ok {
		return Sample{}, ErrNoSample
	}
	return Sample{At: s.now(), Value: value}, nil
}
