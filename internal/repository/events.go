package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// EventExposure is the event name recorded when a user is evaluated under a
// variant. All other event names are conversion-style events attributed to
// the user's variant.
const EventExposure = "exposure"

// ExperimentEvent is one append-only exposure or conversion record.
type ExperimentEvent struct {
	ID         int64           `json:"id"`
	FlagKey    string          `json:"flag_key"`
	UserID     string          `json:"user_id"`
	Variant    string          `json:"variant"`
	Event      string          `json:"event"`
	Properties json.RawMessage `json:"properties,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// InsertExperimentEvent appends a single event row.
func (r *PostgresRepository) InsertExperimentEvent(ctx context.Context, event ExperimentEvent) error {
	if _, err := r.pool.Exec(ctx, `
		INSERT INTO experiment_events (flag_key, user_id, variant, event, properties)
		VALUES ($1, $2, $3, $4, $5)
	`,
		event.FlagKey,
		event.UserID,
		event.Variant,
		event.Event,
		ensureJSON(event.Properties, "{}"),
	); err != nil {
		return fmt.Errorf("insert experiment event: %w", err)
	}

	return nil
}

// VariantAggregate is the per-variant rollup used for experiment results.
// Users counts distinct exposed users; Conversions counts distinct users that
// recorded the conversion metric.
type VariantAggregate struct {
	Variant     string `json:"variant"`
	Users       int64  `json:"users"`
	Conversions int64  `json:"conversions"`
}

// AggregateExperimentResults rolls up exposure and conversion counts per
// variant for a flag.
func (r *PostgresRepository) AggregateExperimentResults(ctx context.Context, flagKey, metric string) ([]VariantAggregate, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT variant,
		       COUNT(DISTINCT user_id) FILTER (WHERE event = $2) AS users,
		       COUNT(DISTINCT user_id) FILTER (WHERE event = $3) AS conversions
		FROM experiment_events
		WHERE flag_key = $1
		GROUP BY variant
		ORDER BY variant
	`, flagKey, EventExposure, metric)
	if err != nil {
		return nil, fmt.Errorf("aggregate experiment results: %w", err)
	}
	defer rows.Close()

	aggregates := make([]VariantAggregate, 0)
	for rows.Next() {
		var agg VariantAggregate
		if err := rows.Scan(&agg.Variant, &agg.Users, &agg.Conversions); err != nil {
			return nil, fmt.Errorf("scan variant aggregate: %w", err)
		}
		aggregates = append(aggregates, agg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("aggregate experiment results rows: %w", err)
	}

	return aggregates, nil
}
