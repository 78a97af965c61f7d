package core

import "time"

// RuleType discriminates the targeting rule variants.
type RuleType string

const (
	RuleUser       RuleType = "user"
	RuleAttribute  RuleType = "attribute"
	RulePercentage RuleType = "percentage"
	RuleDateWindow RuleType = "date_window"
)

// DateOperator selects which side of the rule date a request must fall on.
type DateOperator string

const (
	DateBefore DateOperator = "before"
	DateAfter  DateOperator = "after"
)

// Rule is a single targeting rule. The Type field determines which of the
// remaining fields are meaningful:
//
//   - user: Users holds the allowlisted user IDs.
//   - attribute: Attribute names the context attribute, Values the accepted values.
//   - percentage: Threshold is a percentage in [0,100].
//   - date_window: Operator and Date define the window boundary.
//
// Rules are combined with OR semantics; the first match wins.
type Rule struct {
	Type      RuleType     `json:"type"`
	Users     []string     `json:"users,omitempty"`
	Attribute string       `json:"attribute,omitempty"`
	Values    []any        `json:"values,omitempty"`
	Threshold float64      `json:"threshold,omitempty"`
	Operator  DateOperator `json:"operator,omitempty"`
	Date      time.Time    `json:"date,omitempty"`
}

// Variant is one arm of an experiment.
type Variant struct {
	Name   string  `json:"name"`
	Weight float64 `json:"weight"`
}

// ExperimentStatus is the lifecycle state of an experiment.
type ExperimentStatus string

const (
	ExperimentActive ExperimentStatus = "active"
	ExperimentEnded  ExperimentStatus = "ended"
)

// Experiment configures variant assignment for a flag. Weights are
// normalized at evaluation time, so they do not need to sum to 1.
type Experiment struct {
	Variants  []Variant        `json:"variants"`
	StartDate time.Time        `json:"start_date"`
	Status    ExperimentStatus `json:"status"`
}

// DefaultVariants is the two-arm 50/50 split used when an experiment is
// created without explicit variants.
func DefaultVariants() []Variant {
	return []Variant{
		{Name: "control", Weight: 0.5},
		{Name: "treatment", Weight: 0.5},
	}
}

// Flag is the evaluation-time view of a feature flag. Enabled=false forces
// every evaluation to false regardless of the other fields.
type Flag struct {
	Key               string      `json:"key"`
	Enabled           bool        `json:"enabled"`
	RolloutPercentage float64     `json:"rollout_percentage"`
	Rules             []Rule      `json:"rules,omitempty"`
	Experiment        *Experiment `json:"experiment,omitempty"`
}

// EvaluationContext carries the identity and attributes of the request being
// gated.
type EvaluationContext struct {
	UserID     string         `json:"user_id,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}
