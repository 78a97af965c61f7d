package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// RolloutStatus is the persisted lifecycle state of a rollout.
type RolloutStatus string

const (
	RolloutPending    RolloutStatus = "pending"
	RolloutActive     RolloutStatus = "active"
	RolloutPaused     RolloutStatus = "paused"
	RolloutCompleted  RolloutStatus = "completed"
	RolloutRolledBack RolloutStatus = "rolled_back"
)

// Terminal reports whether the status admits no further transitions.
func (s RolloutStatus) Terminal() bool {
	return s == RolloutCompleted || s == RolloutRolledBack
}

// Rollout is the repository-level representation of a rollout row. Stages,
// health checks, rollback triggers, and the metrics snapshot are stored as
// JSONB and decoded by the rollout controller.
type Rollout struct {
	ID               string          `json:"id"`
	FlagKey          string          `json:"flag_key"`
	Stages           json.RawMessage `json:"stages"`
	CurrentStage     int             `json:"current_stage"`
	Status           RolloutStatus   `json:"status"`
	HealthChecks     json.RawMessage `json:"health_checks"`
	RollbackTriggers json.RawMessage `json:"rollback_triggers"`
	MetricsSnapshot  json.RawMessage `json:"metrics_snapshot,omitempty"`
	RollbackReason   string          `json:"rollback_reason,omitempty"`
	RollbackTime     *time.Time      `json:"rollback_time,omitempty"`
	PausedAt         *time.Time      `json:"paused_at,omitempty"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

const rolloutColumns = `id, flag_key, stages, current_stage, status, health_checks,
	rollback_triggers, metrics_snapshot, rollback_reason, rollback_time,
	paused_at, completed_at, created_at, updated_at`

func scanRollout(row pgx.Row) (Rollout, error) {
	var (
		rollout        Rollout
		rollbackReason *string
	)
	err := row.Scan(
		&rollout.ID,
		&rollout.FlagKey,
		&rollout.Stages,
		&rollout.CurrentStage,
		&rollout.Status,
		&rollout.HealthChecks,
		&rollout.RollbackTriggers,
		&rollout.MetricsSnapshot,
		&rollbackReason,
		&rollout.RollbackTime,
		&rollout.PausedAt,
		&rollout.CompletedAt,
		&rollout.CreatedAt,
		&rollout.UpdatedAt,
	)
	if rollbackReason != nil {
		rollout.RollbackReason = *rollbackReason
	}
	return rollout, err
}

// CreateRollout inserts a new rollout row in the pending state.
func (r *PostgresRepository) CreateRollout(ctx context.Context, rollout Rollout) (Rollout, error) {
	created, err := scanRollout(r.pool.QueryRow(ctx, `
		INSERT INTO rollouts (id, flag_key, stages, current_stage, status, health_checks, rollback_triggers)
		VALUES ($1, $2, $3, 0, $4, $5, $6)
		RETURNING `+rolloutColumns,
		rollout.ID,
		rollout.FlagKey,
		ensureJSON(rollout.Stages, "[]"),
		RolloutPending,
		ensureJSON(rollout.HealthChecks, "[]"),
		ensureJSON(rollout.RollbackTriggers, "[]"),
	))
	if err != nil {
		return Rollout{}, fmt.Errorf("create rollout: %w", err)
	}

	return created, nil
}

// GetRollout retrieves a rollout by ID. Returns pgx.ErrNoRows (wrapped) if
// not found.
func (r *PostgresRepository) GetRollout(ctx context.Context, id string) (Rollout, error) {
	rollout, err := scanRollout(r.pool.QueryRow(ctx, `
		SELECT `+rolloutColumns+` FROM rollouts WHERE id = $1
	`, id))
	if err != nil {
		return Rollout{}, fmt.Errorf("get rollout: %w", err)
	}

	return rollout, nil
}

// ListRollouts returns all rollouts, newest first.
func (r *PostgresRepository) ListRollouts(ctx context.Context) ([]Rollout, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+rolloutColumns+` FROM rollouts ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list rollouts: %w", err)
	}
	defer rows.Close()

	rollouts := make([]Rollout, 0)
	for rows.Next() {
		rollout, err := scanRollout(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rollout: %w", err)
		}
		rollouts = append(rollouts, rollout)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list rollouts rows: %w", err)
	}

	return rollouts, nil
}

// SetRolloutStatus performs a guarded status transition and reports whether
// this caller won it. A false return with a nil error means the rollout was
// not in the expected source state, which callers treat as "someone else got
// there first".
func (r *PostgresRepository) SetRolloutStatus(ctx context.Context, id string, from, to RolloutStatus) (bool, error) {
	commandTag, err := r.pool.Exec(ctx, `
		UPDATE rollouts
		SET status = $3,
		    paused_at = CASE WHEN $3 = 'paused' THEN NOW() ELSE paused_at END,
		    updated_at = NOW()
		WHERE id = $1 AND status = $2
	`, id, from, to)
	if err != nil {
		return false, fmt.Errorf("set rollout status: %w", err)
	}

	return commandTag.RowsAffected() == 1, nil
}

// AdvanceRolloutStage moves current_stage forward by one, guarded on the
// rollout being active at the expected stage.
func (r *PostgresRepository) AdvanceRolloutStage(ctx context.Context, id string, fromStage int) (bool, error) {
	commandTag, err := r.pool.Exec(ctx, `
		UPDATE rollouts
		SET current_stage = current_stage + 1, updated_at = NOW()
		WHERE id = $1 AND status = $2 AND current_stage = $3
	`, id, RolloutActive, fromStage)
	if err != nil {
		return false, fmt.Errorf("advance rollout stage: %w", err)
	}

	return commandTag.RowsAffected() == 1, nil
}

// CompleteRollout transitions an active rollout to the completed terminal
// state.
func (r *PostgresRepository) CompleteRollout(ctx context.Context, id string) (bool, error) {
	commandTag, err := r.pool.Exec(ctx, `
		UPDATE rollouts
		SET status = $2, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = $3
	`, id, RolloutCompleted, RolloutActive)
	if err != nil {
		return false, fmt.Errorf("complete rollout: %w", err)
	}

	return commandTag.RowsAffected() == 1, nil
}

// RollbackRollout transitions any non-terminal rollout to rolled_back,
// recording the reason and time. Returns true only for the caller that wins
// the transition; concurrent rollback attempts observe false and must not
// notify or mutate further.
func (r *PostgresRepository) RollbackRollout(ctx context.Context, id, reason string) (bool, error) {
	commandTag, err := r.pool.Exec(ctx, `
		UPDATE rollouts
		SET status = $2, rollback_reason = $3, rollback_time = NOW(), updated_at = NOW()
		WHERE id = $1 AND status NOT IN ($4, $5)
	`, id, RolloutRolledBack, reason, RolloutCompleted, RolloutRolledBack)
	if err != nil {
		return false, fmt.Errorf("rollback rollout: %w", err)
	}

	return commandTag.RowsAffected() == 1, nil
}

// UpdateRolloutStages rewrites the stages JSON, used when a gated stage is
// approved.
func (r *PostgresRepository) UpdateRolloutStages(ctx context.Context, id string, stages json.RawMessage) error {
	commandTag, err := r.pool.Exec(ctx, `
		UPDATE rollouts SET stages = $2, updated_at = NOW() WHERE id = $1
	`, id, ensureJSON(stages, "[]"))
	if err != nil {
		return fmt.Errorf("update rollout stages: %w", err)
	}
	if commandTag.RowsAffected() == 0 {
		return fmt.Errorf("update rollout stages: %w", pgx.ErrNoRows)
	}

	return nil
}

// SaveRolloutSnapshot stores the most recent health sample observed for the
// rollout.
func (r *PostgresRepository) SaveRolloutSnapshot(ctx context.Context, id string, snapshot json.RawMessage) error {
	if _, err := r.pool.Exec(ctx, `
		UPDATE rollouts SET metrics_snapshot = $2, updated_at = NOW() WHERE id = $1
	`, id, ensureJSON(snapshot, "{}")); err != nil {
		return fmt.Errorf("save rollout snapshot: %w", err)
	}

	return nil
}

// InsertRolloutEvent appends an entry to the rollout transition log.
func (r *PostgresRepository) InsertRolloutEvent(ctx context.Context, rolloutID, action, detail string) error {
	if _, err := r.pool.Exec(ctx, `
		INSERT INTO rollout_events (rollout_id, action, detail)
		VALUES ($1, $2, $3)
	`, rolloutID, action, detail); err != nil {
		return fmt.Errorf("insert rollout event: %w", err)
	}

	return nil
}

// RolloutEvent is one entry in a rollout's transition log.
type RolloutEvent struct {
	ID        int64     `json:"id"`
	RolloutID string    `json:"rollout_id"`
	Action    string    `json:"action"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ListRolloutEvents returns the transition log for a rollout, oldest first.
func (r *PostgresRepository) ListRolloutEvents(ctx context.Context, rolloutID string) ([]RolloutEvent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, rollout_id, action, detail, created_at
		FROM rollout_events
		WHERE rollout_id = $1
		ORDER BY id
	`, rolloutID)
	if err != nil {
		return nil, fmt.Errorf("list rollout events: %w", err)
	}
	defer rows.Close()

	events := make([]RolloutEvent, 0)
	for rows.Next() {
		var event RolloutEvent
		if err := rows.Scan(&event.ID, &event.RolloutID, &event.Action, &event.Detail, &event.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan rollout event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list rollout events rows: %w", err)
	}

	return events, nil
}
