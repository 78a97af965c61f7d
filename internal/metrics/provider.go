package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/matt-riley/canaryz/internal/health"
)

// healthSampler accumulates request outcomes so the rollout health monitor can
// sample the server's own traffic when no external metrics endpoint is
// configured.
type healthSampler struct {
	mu sync.Mutex

	requests   int64
	errors     int64
	latencySum float64

	lastRequests   int64
	lastErrors     int64
	lastLatencySum float64
	lastSample     time.Time
}

func newHealthSampler() *healthSampler {
	return &healthSampler{lastSample: time.Now()}
}

func (s *healthSampler) observe(status int, seconds float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests++
	s.latencySum += seconds
	if status >= 500 {
		s.errors++
	}
}

// sample returns the metrics observed since the previous sample. An empty map
// means no traffic was seen in the window, which the rollout health gate
// treats as inconclusive rather than healthy.
func (s *healthSampler) sample() map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	requests := s.requests - s.lastRequests
	errors := s.errors - s.lastErrors
	latencySum := s.latencySum - s.lastLatencySum
	window := now.Sub(s.lastSample).Seconds()

	s.lastRequests = s.requests
	s.lastErrors = s.errors
	s.lastLatencySum = s.latencySum
	s.lastSample = now

	if requests == 0 {
		return map[string]float64{}
	}

	errorRate := float64(errors) / float64(requests)
	sample := map[string]float64{
		health.MetricErrorRate:   errorRate,
		health.MetricSuccessRate: 1 - errorRate,
		health.MetricLatency:     latencySum / float64(requests) * 1000,
	}
	if window > 0 {
		sample[health.MetricThroughput] = float64(requests) / window
	}

	return sample
}

// ObservedHealthProvider exposes the server's own request outcomes as a
// [health.MetricsProvider].
type ObservedHealthProvider struct {
	metrics *Metrics
}

// HealthProvider returns a provider that samples the traffic recorded through
// RecordHTTPRequest.
func (m *Metrics) HealthProvider() *ObservedHealthProvider {
	return &ObservedHealthProvider{metrics: m}
}

// Sample implements [health.MetricsProvider].
func (p *ObservedHealthProvider) Sample(context.Context) (map[string]float64, error) {
	return p.metrics.health.sample(), nil
}
