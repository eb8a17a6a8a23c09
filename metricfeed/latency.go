package metricfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPLatencyFeed polls a latency aggregator for per-resource request
// latency. The endpoint contract is GET {base}/{resourceID} returning
// {"latency_ms": <float>}; the aggregator itself (the proxy tier) is
// outside the engine.
type HTTPLatencyFeed struct {
	base   string
	client *http.Client
	now    func() time.Time
}

var _ Feed = (*HTTPLatencyFeed)(nil)

func NewHTTPLatencyFeed(base string) *HTTPLatencyFeed {
	return &HTTPLatencyFeed{
		base:   base,
		client: &http.Client{Timeout: 10 * time.Second},
		now:    time.Now,
	}
}

func (f *HTTPLatencyFeed) Sample(ctx context.Context, resourceID string) (Sample, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/%s", f.base, resourceID), nil)
	if err != nil {
		return Sample{}, fmt.Errorf("build latency request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return Sample{}, fmt.Errorf("fetch latency for '%s': %w", resourceID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return Sample{}, ErrNoSample
	}
	if resp.StatusCode != http.StatusOK {
		return Sample{}, fmt.Errorf("latency feed returned status %d for '%s'", resp.StatusCode, resourceID)
	}

	var payload struct {
		LatencyMillis float64 `json:"latency_ms"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Sample{}, fmt.Errorf("decode latency response for '%s': %w", resourceID, err)
	}

	return Sample{At: f.now(), Value: payload.LatencyMillis}, nil
}
