// Package health evaluates live service metrics against threshold sets. It
// does not compute metrics itself; samples come from an external
// MetricsProvider backed by the observability pipeline.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Metric names form a fixed vocabulary shared with the metrics provider.
const (
	MetricErrorRate   = "errorRate"
	MetricLatency     = "latency"
	MetricSuccessRate = "successRate"
	MetricCPU         = "cpu"
	MetricMemory      = "memory"
	MetricThroughput  = "throughput"
)

// Operator is the comparison direction of a threshold.
type Operator string

const (
	// OperatorLT requires the actual value to stay below the threshold;
	// it is violated when actual >= value.
	OperatorLT Operator = "lt"
	// OperatorGT requires the actual value to stay above the threshold;
	// it is violated when actual <= value.
	OperatorGT Operator = "gt"
)

// Threshold is one health condition on a named metric.
type Threshold struct {
	Metric   string   `json:"metric"`
	Operator Operator `json:"operator"`
	Value    float64  `json:"value"`
}

func (t Threshold) String() string {
	return fmt.Sprintf("%s %s %g", t.Metric, t.Operator, t.Value)
}

// Violated reports whether the actual value breaks the threshold.
func (t Threshold) Violated(actual float64) bool {
	switch t.Operator {
	case OperatorLT:
		return actual >= t.Value
	case OperatorGT:
		return actual <= t.Value
	default:
		return false
	}
}

// Evaluation is the outcome of checking a metric sample against thresholds.
type Evaluation struct {
	Passed   bool
	Violated *Threshold
	Actual   float64
}

// Evaluate returns the first violated threshold, if any. Metrics absent from
// the sample are inconclusive and never count as a violation.
func Evaluate(metrics map[string]float64, thresholds []Threshold) Evaluation {
	for _, threshold := range thresholds {
		actual, ok := metrics[threshold.Metric]
		if !ok {
			continue
		}
		if threshold.Violated(actual) {
			violated := threshold
			return Evaluation{Violated: &violated, Actual: actual}
		}
	}

	return Evaluation{Passed: true}
}

// MetricsProvider supplies live metric samples. Implementations sit in front
// of the external observability backend.
type MetricsProvider interface {
	Sample(ctx context.Context) (map[string]float64, error)
}

const (
	defaultMaxRetries      = 3
	defaultInitialInterval = 500 * time.Millisecond
)

// Monitor wraps a MetricsProvider with retry semantics. A sample that still
// fails after retries is inconclusive: the caller gets an error and must not
// treat it as a threshold breach.
type Monitor struct {
	provider        MetricsProvider
	log             *slog.Logger
	maxRetries      uint64
	initialInterval time.Duration
	onDegraded      func()
}

// MonitorOption configures optional Monitor parameters.
type MonitorOption func(*Monitor)

// WithLogger sets the logger for degraded-sample warnings.
func WithLogger(log *slog.Logger) MonitorOption {
	return func(m *Monitor) { m.log = log }
}

// WithMaxRetries overrides the number of retries per sample.
func WithMaxRetries(retries uint64) MonitorOption {
	return func(m *Monitor) { m.maxRetries = retries }
}

// WithInitialRetryInterval overrides the first backoff interval.
func WithInitialRetryInterval(interval time.Duration) MonitorOption {
	return func(m *Monitor) {
		if interval > 0 {
			m.initialInterval = interval
		}
	}
}

// WithOnDegraded registers a callback invoked each time a sample exhausts its
// retries (e.g. to increment a Prometheus counter).
func WithOnDegraded(fn func()) MonitorOption {
	return func(m *Monitor) { m.onDegraded = fn }
}

// NewMonitor creates a Monitor around the given provider.
func NewMonitor(provider MetricsProvider, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		provider:        provider,
		log:             slog.Default(),
		maxRetries:      defaultMaxRetries,
		initialInterval: defaultInitialInterval,
	}
	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Sample fetches a metric sample, retrying with exponential backoff. On
// exhaustion it reports the monitor as degraded and returns the error.
func (m *Monitor) Sample(ctx context.Context) (map[string]float64, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = m.initialInterval

	metrics, err := backoff.RetryWithData(func() (map[string]float64, error) {
		sample, err := m.provider.Sample(ctx)
		if err != nil {
			return nil, err
		}
		return sample, nil
	}, backoff.WithContext(backoff.WithMaxRetries(policy, m.maxRetries), ctx))
	if err != nil {
		if m.onDegraded != nil {
			m.onDegraded()
		}
		m.log.WarnContext(ctx, "health monitor degraded: metrics sample failed", "error", err)
		return nil, fmt.Errorf("sample metrics: %w", err)
	}

	return metrics, nil
}
