package rollout

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/matt-riley/canaryz/internal/health"
	"github.com/matt-riley/canaryz/internal/repository"
)

var (
	ErrRolloutNotFound          = errors.New("rollout not found")
	ErrRolloutTerminal          = errors.New("rollout already terminal")
	ErrInvalidTransition        = errors.New("invalid rollout transition")
	ErrStageNotAwaitingApproval = errors.New("stage is not awaiting approval")
	ErrInvalidConfig            = errors.New("invalid rollout configuration")
)

// Stage is one step of a canary rollout: a target exposure percentage held
// for a duration, optionally gated on operator approval.
type Stage struct {
	TargetPercentage float64 `json:"target_percentage"`
	DurationMinutes  int     `json:"duration_minutes"`
	RequiresApproval bool    `json:"requires_approval,omitempty"`
	Approved         bool    `json:"approved,omitempty"`
}

// Hold is the stage's wait duration.
func (s Stage) Hold() time.Duration {
	return time.Duration(s.DurationMinutes) * time.Minute
}

// Config is the operator-supplied definition of a new rollout.
type Config struct {
	FlagKey          string             `json:"flag_key"`
	Stages           []Stage            `json:"stages,omitempty"`
	HealthChecks     []health.Threshold `json:"health_checks,omitempty"`
	RollbackTriggers []health.Threshold `json:"rollback_triggers,omitempty"`
}

// DefaultStages is the canary ladder used when a rollout is created without
// explicit stages: small exposure first, longer holds as exposure grows, and
// no hold once everyone is in.
func DefaultStages() []Stage {
	return []Stage{
		{TargetPercentage: 5, DurationMinutes: 30},
		{TargetPercentage: 25, DurationMinutes: 60},
		{TargetPercentage: 50, DurationMinutes: 120},
		{TargetPercentage: 100, DurationMinutes: 0},
	}
}

func validateStages(stages []Stage) error {
	if len(stages) == 0 {
		return fmt.Errorf("%w: stages must not be empty", ErrInvalidConfig)
	}

	previous := -1.0
	for i, stage := range stages {
		if stage.TargetPercentage < 0 || stage.TargetPercentage > 100 {
			return fmt.Errorf("%w: stage %d target %g out of range [0,100]", ErrInvalidConfig, i, stage.TargetPercentage)
		}
		if stage.DurationMinutes < 0 {
			return fmt.Errorf("%w: stage %d has negative duration", ErrInvalidConfig, i)
		}
		if stage.TargetPercentage <= previous {
			return fmt.Errorf("%w: stage %d target %g does not increase the ladder", ErrInvalidConfig, i, stage.TargetPercentage)
		}
		previous = stage.TargetPercentage
	}

	return nil
}

// Status is the externally observable state of a rollout.
type Status struct {
	ID                  string                   `json:"id"`
	FlagKey             string                   `json:"flag_key"`
	Status              repository.RolloutStatus `json:"status"`
	CurrentStage        int                      `json:"current_stage"`
	StageCount          int                      `json:"stage_count"`
	Progress            float64                  `json:"progress"`
	EffectivePercentage float64                  `json:"effective_percentage"`
	AwaitingApproval    bool                     `json:"awaiting_approval"`
	RollbackReason      string                   `json:"rollback_reason,omitempty"`
	RollbackTime        *time.Time               `json:"rollback_time,omitempty"`
	PausedAt            *time.Time               `json:"paused_at,omitempty"`
	CompletedAt         *time.Time               `json:"completed_at,omitempty"`
}

func decodeStages(payload json.RawMessage) ([]Stage, error) {
	stages := make([]Stage, 0)
	if len(payload) == 0 {
		return stages, nil
	}
	if err := json.Unmarshal(payload, &stages); err != nil {
		return nil, fmt.Errorf("decode stages: %w", err)
	}
	return stages, nil
}

func decodeThresholds(payload json.RawMessage) ([]health.Threshold, error) {
	thresholds := make([]health.Threshold, 0)
	if len(payload) == 0 {
		return thresholds, nil
	}
	if err := json.Unmarshal(payload, &thresholds); err != nil {
		return nil, fmt.Errorf("decode thresholds: %w", err)
	}
	return thresholds, nil
}
