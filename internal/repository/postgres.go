// Package repository provides PostgreSQL-backed persistence for flag
// definitions, rollouts, experiment events, and API keys. It also handles
// LISTEN/NOTIFY-based cache invalidation so the flag service stays fresh
// without polling the database into submission.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const defaultNotifyChannel = "canaryz_flags"

// ErrVersionConflict is returned when an optimistic-concurrency update loses
// the race against a concurrent writer (typically the rollout controller).
var ErrVersionConflict = errors.New("flag version conflict")

// Flag is the repository-level representation of a flag row. Rules and
// Experiment are stored as JSONB and decoded by the flags service. Version
// increments on every write and guards admin updates against concurrent
// controller writes.
type Flag struct {
	Key               string          `json:"key"`
	Description       string          `json:"description"`
	Enabled           bool            `json:"enabled"`
	RolloutPercentage float64         `json:"rollout_percentage"`
	Rules             json.RawMessage `json:"rules"`
	Experiment        json.RawMessage `json:"experiment,omitempty"`
	Version           int64           `json:"version"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// PostgresRepository implements persistence backed by a pgxpool connection
// pool, plus LISTEN/NOTIFY for real-time flag cache invalidation.
type PostgresRepository struct {
	pool          *pgxpool.Pool
	notifyChannel string
}

// NewPostgresRepository creates a [PostgresRepository] using the default
// notification channel.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return NewPostgresRepositoryWithChannel(pool, defaultNotifyChannel)
}

// NewPostgresRepositoryWithChannel creates a [PostgresRepository] using the
// specified LISTEN/NOTIFY channel for flag invalidation notifications.
func NewPostgresRepositoryWithChannel(pool *pgxpool.Pool, notifyChannel string) *PostgresRepository {
	return &PostgresRepository{
		pool:          pool,
		notifyChannel: normalizeNotifyChannel(notifyChannel),
	}
}

// Pool exposes the underlying pool for metric collectors.
func (r *PostgresRepository) Pool() *pgxpool.Pool {
	return r.pool
}

const flagColumns = `key, description, enabled, rollout_percentage, rules, experiment, version, created_at, updated_at`

func scanFlag(row pgx.Row) (Flag, error) {
	var flag Flag
	err := row.Scan(
		&flag.Key,
		&flag.Description,
		&flag.Enabled,
		&flag.RolloutPercentage,
		&flag.Rules,
		&flag.Experiment,
		&flag.Version,
		&flag.CreatedAt,
		&flag.UpdatedAt,
	)
	return flag, err
}

// CreateFlag inserts a new flag row and returns the created record with
// server-generated timestamps and version 1.
func (r *PostgresRepository) CreateFlag(ctx context.Context, flag Flag) (Flag, error) {
	created, err := scanFlag(r.pool.QueryRow(ctx, `
		INSERT INTO flags (key, description, enabled, rollout_percentage, rules, experiment)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+flagColumns,
		flag.Key,
		flag.Description,
		flag.Enabled,
		flag.RolloutPercentage,
		ensureJSON(flag.Rules, "[]"),
		nullableJSON(flag.Experiment),
	))
	if err != nil {
		return Flag{}, fmt.Errorf("create flag: %w", err)
	}

	return created, nil
}

// UpdateFlag updates a flag row, requiring flag.Version to match the stored
// version. Returns [ErrVersionConflict] if another writer got there first and
// pgx.ErrNoRows (wrapped) if the flag does not exist.
func (r *PostgresRepository) UpdateFlag(ctx context.Context, flag Flag) (Flag, error) {
	updated, err := scanFlag(r.pool.QueryRow(ctx, `
		UPDATE flags
		SET description = $3,
		    enabled = $4,
		    rollout_percentage = $5,
		    rules = $6,
		    experiment = $7,
		    version = version + 1,
		    updated_at = NOW()
		WHERE key = $1 AND version = $2
		RETURNING `+flagColumns,
		flag.Key,
		flag.Version,
		flag.Description,
		flag.Enabled,
		flag.RolloutPercentage,
		ensureJSON(flag.Rules, "[]"),
		nullableJSON(flag.Experiment),
	))
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Flag{}, fmt.Errorf("update flag: %w", err)
	}

	// Distinguish a missing flag from a lost version race.
	var exists bool
	if checkErr := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM flags WHERE key = $1)`, flag.Key).Scan(&exists); checkErr != nil {
		return Flag{}, fmt.Errorf("update flag: %w", checkErr)
	}
	if exists {
		return Flag{}, fmt.Errorf("update flag %q at version %d: %w", flag.Key, flag.Version, ErrVersionConflict)
	}

	return Flag{}, fmt.Errorf("update flag: %w", pgx.ErrNoRows)
}

// SetFlagRollout writes the rollout percentage and enabled bit directly,
// bumping the version. This is the rollout controller's write path; it
// deliberately skips the version check because the controller is the single
// writer for these columns while a rollout is active.
func (r *PostgresRepository) SetFlagRollout(ctx context.Context, key string, percentage float64, enabled bool) (Flag, error) {
	updated, err := scanFlag(r.pool.QueryRow(ctx, `
		UPDATE flags
		SET rollout_percentage = $2,
		    enabled = $3,
		    version = version + 1,
		    updated_at = NOW()
		WHERE key = $1
		RETURNING `+flagColumns,
		key, percentage, enabled,
	))
	if err != nil {
		return Flag{}, fmt.Errorf("set flag rollout: %w", err)
	}

	return updated, nil
}

// GetFlag retrieves a single flag by key. Returns pgx.ErrNoRows (wrapped) if
// not found.
func (r *PostgresRepository) GetFlag(ctx context.Context, key string) (Flag, error) {
	flag, err := scanFlag(r.pool.QueryRow(ctx, `
		SELECT `+flagColumns+` FROM flags WHERE key = $1
	`, key))
	if err != nil {
		return Flag{}, fmt.Errorf("get flag: %w", err)
	}

	return flag, nil
}

// ListFlags returns all flags ordered by key.
func (r *PostgresRepository) ListFlags(ctx context.Context) ([]Flag, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+flagColumns+` FROM flags ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("list flags: %w", err)
	}
	defer rows.Close()

	flags := make([]Flag, 0)
	for rows.Next() {
		flag, err := scanFlag(rows)
		if err != nil {
			return nil, fmt.Errorf("scan flag: %w", err)
		}
		flags = append(flags, flag)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list flags rows: %w", err)
	}

	return flags, nil
}

// DeleteFlag removes a flag by key. Returns pgx.ErrNoRows (wrapped) if the
// flag does not exist.
func (r *PostgresRepository) DeleteFlag(ctx context.Context, key string) error {
	commandTag, err := r.pool.Exec(ctx, `DELETE FROM flags WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("delete flag: %w", err)
	}
	if commandTag.RowsAffected() == 0 {
		return fmt.Errorf("delete flag: %w", pgx.ErrNoRows)
	}

	return nil
}

// NotifyFlagsChanged sends a NOTIFY on the invalidation channel so that every
// instance reloads its flag cache.
func (r *PostgresRepository) NotifyFlagsChanged(ctx context.Context, key string) error {
	payload, err := json.Marshal(struct {
		FlagKey string `json:"flag_key"`
	}{FlagKey: key})
	if err != nil {
		return fmt.Errorf("marshal notify payload: %w", err)
	}

	if _, err := r.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, r.notifyChannel, string(payload)); err != nil {
		return fmt.Errorf("notify flags changed: %w", err)
	}

	return nil
}

// SubscribeFlagInvalidation returns a channel that receives a signal whenever
// a flag change notification arrives on the PostgreSQL LISTEN channel. The
// channel is closed if the underlying connection is lost.
func (r *PostgresRepository) SubscribeFlagInvalidation(ctx context.Context) (<-chan struct{}, error) {
	invalidations := make(chan struct{}, 1)

	go r.runFlagInvalidationListener(ctx, invalidations)

	return invalidations, nil
}

func (r *PostgresRepository) runFlagInvalidationListener(ctx context.Context, invalidations chan<- struct{}) {
	defer close(invalidations)

	for {
		err := r.listenForFlagInvalidation(ctx, invalidations)
		if err == nil || ctx.Err() != nil {
			return
		}

		retryTimer := time.NewTimer(time.Second)
		select {
		case <-ctx.Done():
			retryTimer.Stop()
			return
		case <-retryTimer.C:
		}
	}
}

func (r *PostgresRepository) listenForFlagInvalidation(ctx context.Context, invalidations chan<- struct{}) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, listenStatement(r.notifyChannel)); err != nil {
		return fmt.Errorf("listen on %q: %w", r.notifyChannel, err)
	}

	for {
		if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
			return fmt.Errorf("wait for flag notification: %w", err)
		}

		select {
		case invalidations <- struct{}{}:
		default:
		}
	}
}

func listenStatement(channel string) string {
	return fmt.Sprintf("LISTEN %s", pgx.Identifier{channel}.Sanitize())
}

func normalizeNotifyChannel(channel string) string {
	if trimmed := strings.TrimSpace(channel); trimmed != "" {
		return trimmed
	}

	return defaultNotifyChannel
}

func ensureJSON(input json.RawMessage, fallback string) json.RawMessage {
	if len(input) == 0 {
		return json.RawMessage(fallback)
	}

	return input
}

func nullableJSON(input json.RawMessage) any {
	if len(input) == 0 {
		return nil
	}

	return input
}
