// Package rollout drives staged canary rollouts: a state machine that walks a
// flag's exposure percentage up a stage ladder, gated by scheduled health
// validation and an always-on emergency sweep, with automatic rollback on any
// confirmed breach.
//
// Each active rollout owns an execution context whose cancellation tears down
// exactly its own stage timer and health sweep, so pause and rollback can
// never leave a stale callback behind to mutate a terminal rollout. All state
// transitions are guarded compare-and-set writes in the repository; only the
// first caller wins a transition and everyone else observes a no-op.
package rollout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/matt-riley/canaryz/internal/health"
	"github.com/matt-riley/canaryz/internal/repository"
)

const defaultSweepInterval = 30 * time.Second

// Repository is the persistence contract the controller depends on.
type Repository interface {
	CreateRollout(ctx context.Context, rollout repository.Rollout) (repository.Rollout, error)
	GetRollout(ctx context.Context, id string) (repository.Rollout, error)
	ListRollouts(ctx context.Context) ([]repository.Rollout, error)
	SetRolloutStatus(ctx context.Context, id string, from, to repository.RolloutStatus) (bool, error)
	AdvanceRolloutStage(ctx context.Context, id string, fromStage int) (bool, error)
	CompleteRollout(ctx context.Context, id string) (bool, error)
	RollbackRollout(ctx context.Context, id, reason string) (bool, error)
	UpdateRolloutStages(ctx context.Context, id string, stages json.RawMessage) error
	SaveRolloutSnapshot(ctx context.Context, id string, snapshot json.RawMessage) error
	InsertRolloutEvent(ctx context.Context, rolloutID, action, detail string) error
	ListRolloutEvents(ctx context.Context, rolloutID string) ([]repository.RolloutEvent, error)
}

// FlagStore is the flag registry surface the controller writes through. While
// a rollout is active the controller is the single writer for its flag's
// rollout percentage and enabled bit.
type FlagStore interface {
	GetFlag(ctx context.Context, key string) (repository.Flag, error)
	ApplyRollout(ctx context.Context, key string, percentage float64, enabled bool) (repository.Flag, error)
}

type execution struct {
	cancel    context.CancelFunc
	approvals chan struct{}
}

// Controller orchestrates rollout state machines.
type Controller struct {
	repo    Repository
	flags   FlagStore
	monitor *health.Monitor
	sink    NotificationSink
	clock   clock.Clock
	log     *slog.Logger

	sweepInterval time.Duration

	onStageAdvance func()
	onRollback     func()
	onComplete     func()
	onSweep        func(passed bool)

	rootCtx    context.Context
	rootCancel context.CancelFunc

	mu     sync.Mutex
	active map[string]*execution
}

// Option configures optional Controller parameters.
type Option func(*Controller)

// WithLogger sets the controller's logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Controller) { c.log = log }
}

// WithClock injects the clock used for stage timers and sweep tickers.
func WithClock(clk clock.Clock) Option {
	return func(c *Controller) { c.clock = clk }
}

// WithSweepInterval overrides the emergency health sweep interval.
func WithSweepInterval(interval time.Duration) Option {
	return func(c *Controller) {
		if interval > 0 {
			c.sweepInterval = interval
		}
	}
}

// WithTransitionMetrics registers counters for stage advances, rollbacks,
// completions, and sweep outcomes.
func WithTransitionMetrics(onStageAdvance, onRollback, onComplete func(), onSweep func(passed bool)) Option {
	return func(c *Controller) {
		c.onStageAdvance = onStageAdvance
		c.onRollback = onRollback
		c.onComplete = onComplete
		c.onSweep = onSweep
	}
}

// New creates a Controller. Close must be called on shutdown to stop all
// running executions.
func New(repo Repository, flags FlagStore, monitor *health.Monitor, sink NotificationSink, opts ...Option) *Controller {
	rootCtx, rootCancel := context.WithCancel(context.Background())

	c := &Controller{
		repo:          repo,
		flags:         flags,
		monitor:       monitor,
		sink:          sink,
		clock:         clock.New(),
		log:           slog.Default(),
		sweepInterval: defaultSweepInterval,
		rootCtx:       rootCtx,
		rootCancel:    rootCancel,
		active:        make(map[string]*execution),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.sink == nil {
		c.sink = LogSink{Log: c.log}
	}

	return c
}

// Close cancels every running execution.
func (c *Controller) Close() {
	c.rootCancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	for id, exec := range c.active {
		exec.cancel()
		delete(c.active, id)
	}
}

// Create validates the configuration and persists a new pending rollout. No
// partial rollout is created on validation failure.
func (c *Controller) Create(ctx context.Context, cfg Config) (repository.Rollout, error) {
	if _, err := c.flags.GetFlag(ctx, cfg.FlagKey); err != nil {
		return repository.Rollout{}, fmt.Errorf("%w: flag %q: %v", ErrInvalidConfig, cfg.FlagKey, err)
	}

	stages := cfg.Stages
	if len(stages) == 0 {
		stages = DefaultStages()
	}
	if err := validateStages(stages); err != nil {
		return repository.Rollout{}, err
	}

	stagesJSON, err := json.Marshal(stages)
	if err != nil {
		return repository.Rollout{}, fmt.Errorf("marshal stages: %w", err)
	}
	checksJSON, err := json.Marshal(cfg.HealthChecks)
	if err != nil {
		return repository.Rollout{}, fmt.Errorf("marshal health checks: %w", err)
	}
	triggersJSON, err := json.Marshal(cfg.RollbackTriggers)
	if err != nil {
		return repository.Rollout{}, fmt.Errorf("marshal rollback triggers: %w", err)
	}

	created, err := c.repo.CreateRollout(ctx, repository.Rollout{
		ID:               uuid.NewString(),
		FlagKey:          cfg.FlagKey,
		Stages:           stagesJSON,
		HealthChecks:     checksJSON,
		RollbackTriggers: triggersJSON,
	})
	if err != nil {
		return repository.Rollout{}, err
	}

	c.recordEvent(ctx, created.ID, "created", fmt.Sprintf("flag %s, %d stages", created.FlagKey, len(stages)))

	return created, nil
}

// Start transitions a pending rollout to active and begins executing its
// first stage.
func (c *Controller) Start(ctx context.Context, id string) error {
	rollout, err := c.getRollout(ctx, id)
	if err != nil {
		return err
	}
	if rollout.Status.Terminal() {
		return ErrRolloutTerminal
	}

	won, err := c.repo.SetRolloutStatus(ctx, id, repository.RolloutPending, repository.RolloutActive)
	if err != nil {
		return err
	}
	if !won {
		return fmt.Errorf("%w: cannot start from %s", ErrInvalidTransition, rollout.Status)
	}

	c.recordEvent(ctx, id, "started", "")
	c.spawn(id)

	return nil
}

// Pause suspends an active rollout: the pending stage timer and the health
// sweep are cancelled until Resume.
func (c *Controller) Pause(ctx context.Context, id string) error {
	rollout, err := c.getRollout(ctx, id)
	if err != nil {
		return err
	}
	if rollout.Status.Terminal() {
		return ErrRolloutTerminal
	}

	won, err := c.repo.SetRolloutStatus(ctx, id, repository.RolloutActive, repository.RolloutPaused)
	if err != nil {
		return err
	}
	if !won {
		return fmt.Errorf("%w: cannot pause from %s", ErrInvalidTransition, rollout.Status)
	}

	c.stopExecution(id)
	c.recordEvent(ctx, id, "paused", "")

	return nil
}

// Resume re-activates a paused rollout. The current stage's hold restarts
// from zero; elapsed wait time before the pause is not preserved.
func (c *Controller) Resume(ctx context.Context, id string) error {
	rollout, err := c.getRollout(ctx, id)
	if err != nil {
		return err
	}
	if rollout.Status.Terminal() {
		return ErrRolloutTerminal
	}

	won, err := c.repo.SetRolloutStatus(ctx, id, repository.RolloutPaused, repository.RolloutActive)
	if err != nil {
		return err
	}
	if !won {
		return fmt.Errorf("%w: cannot resume from %s", ErrInvalidTransition, rollout.Status)
	}

	c.recordEvent(ctx, id, "resumed", "")
	c.spawn(id)

	return nil
}

// ApproveStage marks a gated stage approved. It is only valid for the stage
// the rollout is currently waiting on.
func (c *Controller) ApproveStage(ctx context.Context, id string, stageIndex int) error {
	rollout, err := c.getRollout(ctx, id)
	if err != nil {
		return err
	}
	if rollout.Status.Terminal() {
		return ErrRolloutTerminal
	}

	stages, err := decodeStages(rollout.Stages)
	if err != nil {
		return err
	}
	if stageIndex < 0 || stageIndex >= len(stages) || stageIndex != rollout.CurrentStage {
		return fmt.Errorf("%w: stage %d", ErrStageNotAwaitingApproval, stageIndex)
	}
	stage := stages[stageIndex]
	if !stage.RequiresApproval || stage.Approved {
		return fmt.Errorf("%w: stage %d", ErrStageNotAwaitingApproval, stageIndex)
	}

	stages[stageIndex].Approved = true
	stagesJSON, err := json.Marshal(stages)
	if err != nil {
		return fmt.Errorf("marshal stages: %w", err)
	}
	if err := c.repo.UpdateRolloutStages(ctx, id, stagesJSON); err != nil {
		return err
	}

	c.recordEvent(ctx, id, "stage_approved", fmt.Sprintf("stage %d", stageIndex))
	c.signalApproval(id)

	return nil
}

// Rollback reverts the rollout and disables the flag. It is idempotent: if
// the rollout is already terminal, or another caller wins the transition
// race, no further mutation or notification happens.
func (c *Controller) Rollback(ctx context.Context, id, reason string) error {
	rollout, err := c.getRollout(ctx, id)
	if err != nil {
		return err
	}
	if rollout.Status.Terminal() {
		return nil
	}

	won, err := c.repo.RollbackRollout(ctx, id, reason)
	if err != nil {
		return err
	}
	if !won {
		return nil
	}

	// The rollback may be initiated from inside the execution it is about to
	// cancel, so the remaining writes must survive that cancellation.
	cleanupCtx := context.WithoutCancel(ctx)

	c.stopExecution(id)

	// A stage advance can land between the initial read and the guarded
	// rollback write; re-read so the alert names the stage that was live.
	stage := rollout.CurrentStage
	if fresh, err := c.repo.GetRollout(cleanupCtx, id); err == nil {
		stage = fresh.CurrentStage
	}

	if _, err := c.flags.ApplyRollout(cleanupCtx, rollout.FlagKey, 0, false); err != nil {
		c.log.ErrorContext(cleanupCtx, "disable flag on rollback failed", "rollout_id", id, "flag", rollout.FlagKey, "error", err)
	}

	c.recordEvent(cleanupCtx, id, "rolled_back", reason)
	if c.onRollback != nil {
		c.onRollback()
	}

	if err := c.sink.Notify(cleanupCtx, Event{
		Kind:      EventRolledBack,
		RolloutID: id,
		FlagKey:   rollout.FlagKey,
		Reason:    reason,
		Stage:     stage,
	}); err != nil {
		c.log.ErrorContext(cleanupCtx, "rollback notification failed", "rollout_id", id, "error", err)
	}

	c.log.WarnContext(cleanupCtx, "rollout rolled back",
		"rollout_id", id, "flag", rollout.FlagKey, "reason", reason, "stage", stage)

	return nil
}

// GetStatus returns the externally observable state of a rollout.
func (c *Controller) GetStatus(ctx context.Context, id string) (Status, error) {
	rollout, err := c.getRollout(ctx, id)
	if err != nil {
		return Status{}, err
	}

	stages, err := decodeStages(rollout.Stages)
	if err != nil {
		return Status{}, err
	}

	status := Status{
		ID:             rollout.ID,
		FlagKey:        rollout.FlagKey,
		Status:         rollout.Status,
		CurrentStage:   rollout.CurrentStage,
		StageCount:     len(stages),
		RollbackReason: rollout.RollbackReason,
		RollbackTime:   rollout.RollbackTime,
		PausedAt:       rollout.PausedAt,
		CompletedAt:    rollout.CompletedAt,
	}
	if len(stages) > 0 {
		status.Progress = float64(rollout.CurrentStage) / float64(len(stages))
		if rollout.CurrentStage < len(stages) {
			stage := stages[rollout.CurrentStage]
			status.AwaitingApproval = rollout.Status == repository.RolloutActive &&
				stage.RequiresApproval && !stage.Approved
		}
	}

	// The flag registry holds the effective percentage; fall back to the
	// current stage target if the flag has been deleted out from under us.
	if flag, err := c.flags.GetFlag(ctx, rollout.FlagKey); err == nil {
		status.EffectivePercentage = flag.RolloutPercentage
	} else if rollout.CurrentStage < len(stages) {
		status.EffectivePercentage = stages[rollout.CurrentStage].TargetPercentage
	}

	return status, nil
}

// List returns all rollouts.
func (c *Controller) List(ctx context.Context) ([]repository.Rollout, error) {
	return c.repo.ListRollouts(ctx)
}

// Events returns a rollout's transition log.
func (c *Controller) Events(ctx context.Context, id string) ([]repository.RolloutEvent, error) {
	if _, err := c.getRollout(ctx, id); err != nil {
		return nil, err
	}
	return c.repo.ListRolloutEvents(ctx, id)
}

// ResumeActive re-attaches executions for rollouts that were active when the
// process last stopped. Called once at boot.
func (c *Controller) ResumeActive(ctx context.Context) error {
	rollouts, err := c.repo.ListRollouts(ctx)
	if err != nil {
		return fmt.Errorf("list rollouts: %w", err)
	}

	for _, rollout := range rollouts {
		if rollout.Status == repository.RolloutActive {
			c.log.Info("re-attaching active rollout", "rollout_id", rollout.ID, "flag", rollout.FlagKey)
			c.spawn(rollout.ID)
		}
	}

	return nil
}

func (c *Controller) getRollout(ctx context.Context, id string) (repository.Rollout, error) {
	rollout, err := c.repo.GetRollout(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.Rollout{}, ErrRolloutNotFound
		}
		return repository.Rollout{}, err
	}
	return rollout, nil
}

func (c *Controller) spawn(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, running := c.active[id]; running {
		return
	}

	execCtx, cancel := context.WithCancel(c.rootCtx)
	exec := &execution{
		cancel:    cancel,
		approvals: make(chan struct{}, 1),
	}
	c.active[id] = exec

	go c.runStages(execCtx, id, exec)
	go c.runSweep(execCtx, id)
}

func (c *Controller) stopExecution(id string) {
	c.mu.Lock()
	exec, ok := c.active[id]
	if ok {
		delete(c.active, id)
	}
	c.mu.Unlock()

	if ok {
		exec.cancel()
	}
}

func (c *Controller) signalApproval(id string) {
	c.mu.Lock()
	exec, ok := c.active[id]
	c.mu.Unlock()

	if !ok {
		return
	}

	select {
	case exec.approvals <- struct{}{}:
	default:
	}
}

// runStages executes the stage ladder: apply the stage percentage, wait out
// the approval gate and hold timer, validate health, then advance or roll
// back. It exits when the rollout leaves the active state or its context is
// cancelled.
func (c *Controller) runStages(ctx context.Context, id string, exec *execution) {
	defer c.stopExecution(id)

	for {
		rollout, err := c.repo.GetRollout(ctx, id)
		if err != nil {
			if ctx.Err() == nil {
				c.log.ErrorContext(ctx, "load rollout for stage execution", "rollout_id", id, "error", err)
			}
			return
		}
		if rollout.Status != repository.RolloutActive {
			return
		}

		stages, err := decodeStages(rollout.Stages)
		if err != nil {
			c.log.ErrorContext(ctx, "undecodable stages", "rollout_id", id, "error", err)
			return
		}
		if rollout.CurrentStage >= len(stages) {
			// Stage index ran off the ladder; treat as complete.
			c.complete(ctx, rollout, len(stages))
			return
		}

		stage := stages[rollout.CurrentStage]

		if _, err := c.flags.ApplyRollout(ctx, rollout.FlagKey, stage.TargetPercentage, true); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.ErrorContext(ctx, "apply stage percentage", "rollout_id", id, "flag", rollout.FlagKey, "error", err)
			if !c.sleep(ctx, c.sweepInterval) {
				return
			}
			continue
		}

		c.log.InfoContext(ctx, "rollout stage entered",
			"rollout_id", id, "flag", rollout.FlagKey,
			"stage", rollout.CurrentStage, "target_percentage", stage.TargetPercentage)

		if stage.RequiresApproval && !stage.Approved {
			c.recordEvent(ctx, id, "awaiting_approval", fmt.Sprintf("stage %d", rollout.CurrentStage))
			if !c.awaitApproval(ctx, id, rollout.CurrentStage, exec) {
				return
			}
		}

		if hold := stage.Hold(); hold > 0 {
			if !c.sleep(ctx, hold) {
				return
			}
		}

		metrics, ok := c.sampleUntilConclusive(ctx, id)
		if !ok {
			return
		}
		c.saveSnapshot(ctx, id, metrics)

		checks, err := decodeThresholds(rollout.HealthChecks)
		if err != nil {
			c.log.ErrorContext(ctx, "undecodable health checks", "rollout_id", id, "error", err)
			return
		}
		if eval := health.Evaluate(metrics, checks); !eval.Passed {
			reason := fmt.Sprintf("health check failed: %s (actual %g)", eval.Violated, eval.Actual)
			if err := c.Rollback(ctx, id, reason); err != nil {
				c.log.ErrorContext(ctx, "stage-validation rollback failed", "rollout_id", id, "error", err)
			}
			return
		}

		if rollout.CurrentStage == len(stages)-1 {
			c.complete(ctx, rollout, len(stages))
			return
		}

		won, err := c.repo.AdvanceRolloutStage(ctx, id, rollout.CurrentStage)
		if err != nil {
			if ctx.Err() == nil {
				c.log.ErrorContext(ctx, "advance rollout stage", "rollout_id", id, "error", err)
			}
			return
		}
		if !won {
			// Lost to a pause or rollback; the fresh read next loop settles it.
			continue
		}

		c.recordEvent(ctx, id, "stage_advanced", fmt.Sprintf("stage %d", rollout.CurrentStage+1))
		if c.onStageAdvance != nil {
			c.onStageAdvance()
		}
	}
}

// awaitApproval blocks until the stage is approved or the execution is
// cancelled. Approval signals are advisory; the persisted stage record is the
// source of truth.
func (c *Controller) awaitApproval(ctx context.Context, id string, stageIndex int, exec *execution) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case <-exec.approvals:
		}

		rollout, err := c.repo.GetRollout(ctx, id)
		if err != nil {
			return false
		}
		if rollout.Status != repository.RolloutActive || rollout.CurrentStage != stageIndex {
			return false
		}

		stages, err := decodeStages(rollout.Stages)
		if err != nil {
			return false
		}
		if stageIndex < len(stages) && stages[stageIndex].Approved {
			return true
		}
	}
}

// sampleUntilConclusive retries the scheduled health sample until the monitor
// returns data. A failed or empty sample is inconclusive: it never advances
// and never rolls back; the rollout holds its position. A sample with no
// metrics at all carries zero health evidence, so a stage must not clear its
// gate on one.
func (c *Controller) sampleUntilConclusive(ctx context.Context, id string) (map[string]float64, bool) {
	for {
		metrics, err := c.monitor.Sample(ctx)
		if err == nil && len(metrics) > 0 {
			return metrics, true
		}
		if ctx.Err() != nil {
			return nil, false
		}

		detail := "empty metrics sample"
		if err != nil {
			detail = err.Error()
		}
		c.recordEvent(ctx, id, "health_inconclusive", detail)
		if !c.sleep(ctx, c.sweepInterval) {
			return nil, false
		}
	}
}

// runSweep is the emergency circuit breaker: independent of stage waits, it
// periodically evaluates the rollback triggers and rolls back immediately on
// any violation.
func (c *Controller) runSweep(ctx context.Context, id string) {
	ticker := c.clock.Ticker(c.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		rollout, err := c.repo.GetRollout(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		if rollout.Status != repository.RolloutActive {
			if rollout.Status.Terminal() {
				return
			}
			continue
		}

		metrics, err := c.monitor.Sample(ctx)
		if err != nil || len(metrics) == 0 {
			// Inconclusive, not a breach.
			continue
		}
		c.saveSnapshot(ctx, id, metrics)

		triggers, err := decodeThresholds(rollout.RollbackTriggers)
		if err != nil {
			c.log.ErrorContext(ctx, "undecodable rollback triggers", "rollout_id", id, "error", err)
			return
		}

		eval := health.Evaluate(metrics, triggers)
		if c.onSweep != nil {
			c.onSweep(eval.Passed)
		}
		if !eval.Passed {
			reason := fmt.Sprintf("rollback trigger fired: %s (actual %g)", eval.Violated, eval.Actual)
			if err := c.Rollback(ctx, id, reason); err != nil {
				c.log.ErrorContext(ctx, "sweep rollback failed", "rollout_id", id, "error", err)
			}
			return
		}
	}
}

func (c *Controller) complete(ctx context.Context, rollout repository.Rollout, stageCount int) {
	won, err := c.repo.CompleteRollout(ctx, rollout.ID)
	if err != nil {
		if ctx.Err() == nil {
			c.log.ErrorContext(ctx, "complete rollout", "rollout_id", rollout.ID, "error", err)
		}
		return
	}
	if !won {
		return
	}

	cleanupCtx := context.WithoutCancel(ctx)
	c.recordEvent(cleanupCtx, rollout.ID, "completed", "")
	if c.onComplete != nil {
		c.onComplete()
	}

	if err := c.sink.Notify(cleanupCtx, Event{
		Kind:      EventCompleted,
		RolloutID: rollout.ID,
		FlagKey:   rollout.FlagKey,
		Stage:     stageCount - 1,
	}); err != nil {
		c.log.ErrorContext(cleanupCtx, "completion notification failed", "rollout_id", rollout.ID, "error", err)
	}

	c.log.InfoContext(cleanupCtx, "rollout completed", "rollout_id", rollout.ID, "flag", rollout.FlagKey)
}

// sleep waits using the injected clock; returns false if the context was
// cancelled first.
func (c *Controller) sleep(ctx context.Context, d time.Duration) bool {
	timer := c.clock.Timer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (c *Controller) saveSnapshot(ctx context.Context, id string, metrics map[string]float64) {
	snapshot, err := json.Marshal(metrics)
	if err != nil {
		return
	}
	if err := c.repo.SaveRolloutSnapshot(ctx, id, snapshot); err != nil && ctx.Err() == nil {
		c.log.WarnContext(ctx, "save rollout snapshot", "rollout_id", id, "error", err)
	}
}

func (c *Controller) recordEvent(ctx context.Context, id, action, detail string) {
	if err := c.repo.InsertRolloutEvent(ctx, id, action, detail); err != nil && ctx.Err() == nil {
		c.log.WarnContext(ctx, "record rollout event", "rollout_id", id, "action", action, "error", err)
	}
}
