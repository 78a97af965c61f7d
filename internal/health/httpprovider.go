package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const httpSampleTimeout = 5 * time.Second

// HTTPProvider samples metrics from an endpoint that returns a flat JSON
// object of metric name to numeric value, e.g.
//
//	{"errorRate": 0.012, "latency": 184.2, "successRate": 0.988}
type HTTPProvider struct {
	URL    string
	Client *http.Client
}

// Sample implements MetricsProvider.
func (p *HTTPProvider) Sample(ctx context.Context) (map[string]float64, error) {
	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: httpSampleTimeout}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build metrics request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch metrics: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("metrics endpoint responded %s", resp.Status)
	}

	sample := make(map[string]float64)
	if err := json.NewDecoder(resp.Body).Decode(&sample); err != nil {
		return nil, fmt.Errorf("decode metrics payload: %w", err)
	}

	return sample, nil
}
