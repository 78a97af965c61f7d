// Package experiment records exposure and conversion events per variant and
// computes aggregate experiment results with a two-proportion significance
// test.
//
// Event tracking is fire-and-forget: TrackEvent hands the event to a buffered
// channel drained by a background worker, so the evaluation path never waits
// on the database. When the buffer is full the event is dropped and counted,
// never blocked on.
package experiment

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/matt-riley/canaryz/internal/repository"
)

const (
	defaultBufferSize = 1024
	insertTimeout     = 5 * time.Second
)

// EventStore is the persistence contract for experiment events.
type EventStore interface {
	InsertExperimentEvent(ctx context.Context, event repository.ExperimentEvent) error
	AggregateExperimentResults(ctx context.Context, flagKey, metric string) ([]repository.VariantAggregate, error)
}

// VariantAssigner resolves a user's assigned variant for a flag.
type VariantAssigner interface {
	Variant(ctx context.Context, key, userID string) string
}

// Tracker is the experiment event recorder and results aggregator.
type Tracker struct {
	store    EventStore
	assigner VariantAssigner
	log      *slog.Logger

	events    chan repository.ExperimentEvent
	onTracked func()
	onDropped func()

	closeOnce sync.Once
	done      chan struct{}
}

// Option configures optional Tracker parameters.
type Option func(*Tracker)

// WithLogger sets the logger for worker failures.
func WithLogger(log *slog.Logger) Option {
	return func(t *Tracker) { t.log = log }
}

// WithBufferSize overrides the event buffer capacity.
func WithBufferSize(size int) Option {
	return func(t *Tracker) {
		if size > 0 {
			t.events = make(chan repository.ExperimentEvent, size)
		}
	}
}

// WithTrackingMetrics registers counters for tracked and dropped events.
func WithTrackingMetrics(onTracked, onDropped func()) Option {
	return func(t *Tracker) {
		t.onTracked = onTracked
		t.onDropped = onDropped
	}
}

// New creates a Tracker and starts its background write worker. The worker
// stops when ctx is cancelled or Close is called.
func New(ctx context.Context, store EventStore, assigner VariantAssigner, opts ...Option) *Tracker {
	t := &Tracker{
		store:    store,
		assigner: assigner,
		log:      slog.Default(),
		events:   make(chan repository.ExperimentEvent, defaultBufferSize),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}

	go t.run(ctx)

	return t
}

// TrackEvent records an event attributed to the user's assigned variant. It
// never blocks: when the buffer is full the event is dropped and the drop
// counter incremented.
func (t *Tracker) TrackEvent(ctx context.Context, flagKey, userID, event string, properties map[string]any) {
	if strings.TrimSpace(flagKey) == "" || strings.TrimSpace(userID) == "" || strings.TrimSpace(event) == "" {
		return
	}

	variant := t.assigner.Variant(ctx, flagKey, userID)
	if variant == "" {
		return
	}

	var payload json.RawMessage
	if len(properties) > 0 {
		encoded, err := json.Marshal(properties)
		if err != nil {
			t.log.WarnContext(ctx, "drop event with unencodable properties", "flag", flagKey, "event", event, "error", err)
			return
		}
		payload = encoded
	}

	select {
	case t.events <- repository.ExperimentEvent{
		FlagKey:    flagKey,
		UserID:     userID,
		Variant:    variant,
		Event:      event,
		Properties: payload,
	}:
		if t.onTracked != nil {
			t.onTracked()
		}
	default:
		if t.onDropped != nil {
			t.onDropped()
		}
	}
}

// TrackExposure records that the user was evaluated under their variant.
func (t *Tracker) TrackExposure(ctx context.Context, flagKey, userID string) {
	t.TrackEvent(ctx, flagKey, userID, repository.EventExposure, nil)
}

// Close stops accepting events and waits for the worker to drain the buffer.
func (t *Tracker) Close() {
	t.closeOnce.Do(func() {
		close(t.events)
	})
	<-t.done
}

func (t *Tracker) run(ctx context.Context) {
	defer close(t.done)

	for {
		select {
		case <-ctx.Done():
			t.drain()
			return
		case event, ok := <-t.events:
			if !ok {
				return
			}
			t.insert(event)
		}
	}
}

// drain writes out whatever is already buffered at shutdown without waiting
// for new events.
func (t *Tracker) drain() {
	for {
		select {
		case event, ok := <-t.events:
			if !ok {
				return
			}
			t.insert(event)
		default:
			return
		}
	}
}

func (t *Tracker) insert(event repository.ExperimentEvent) {
	insertCtx, cancel := context.WithTimeout(context.Background(), insertTimeout)
	defer cancel()
	if err := t.store.InsertExperimentEvent(insertCtx, event); err != nil {
		t.log.Warn("experiment event insert failed", "flag", event.FlagKey, "event", event.Event, "error", err)
	}
}

// VariantResult is the rollup for one experiment arm.
type VariantResult struct {
	Users          int64   `json:"users"`
	Conversions    int64   `json:"conversions"`
	ConversionRate float64 `json:"conversion_rate"`
}

// Results summarizes an experiment for one conversion metric. Improvement is
// the relative lift of the best non-control variant over control;
// Significant is true when the two-proportion p-value is below 0.05.
type Results struct {
	FlagKey     string                   `json:"flag_key"`
	Metric      string                   `json:"metric"`
	Variants    map[string]VariantResult `json:"variants"`
	BestVariant string                   `json:"best_variant,omitempty"`
	Improvement float64                  `json:"improvement"`
	PValue      float64                  `json:"p_value"`
	Significant bool                     `json:"significant"`
}

// Results aggregates events per variant and runs a two-proportion z-test
// between control and the best-performing non-control variant.
func (t *Tracker) Results(ctx context.Context, flagKey, metric string) (Results, error) {
	aggregates, err := t.store.AggregateExperimentResults(ctx, flagKey, metric)
	if err != nil {
		return Results{}, fmt.Errorf("aggregate results: %w", err)
	}

	results := Results{
		FlagKey:  flagKey,
		Metric:   metric,
		Variants: make(map[string]VariantResult, len(aggregates)),
		PValue:   1,
	}

	for _, agg := range aggregates {
		result := VariantResult{
			Users:       agg.Users,
			Conversions: agg.Conversions,
		}
		if agg.Users > 0 {
			result.ConversionRate = float64(agg.Conversions) / float64(agg.Users)
		}
		results.Variants[agg.Variant] = result
	}

	control, ok := results.Variants["control"]
	if !ok || control.Users == 0 {
		return results, nil
	}

	best := ""
	for name, result := range results.Variants {
		if name == "control" || result.Users == 0 {
			continue
		}
		if best == "" || result.ConversionRate > results.Variants[best].ConversionRate {
			best = name
		}
	}
	if best == "" {
		return results, nil
	}

	challenger := results.Variants[best]
	results.BestVariant = best
	if control.ConversionRate > 0 {
		results.Improvement = (challenger.ConversionRate - control.ConversionRate) / control.ConversionRate
	}

	_, results.PValue = twoProportionZTest(
		control.Conversions, control.Users,
		challenger.Conversions, challenger.Users,
	)
	results.Significant = results.PValue < 0.05

	return results, nil
}
