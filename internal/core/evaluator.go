// Package core implements the pure decision logic of the rollout control
// plane: deterministic bucketing, targeting-rule evaluation, flag evaluation,
// and experiment variant assignment. Nothing in this package performs I/O or
// holds mutable state, so it is safe on every request path without locking.
package core

import "time"

// EvaluateFlag reports whether the flag is on for the given context.
//
// Precedence, first applicable outcome wins:
//  1. Enabled=false always evaluates false.
//  2. A matching targeting rule evaluates true, bypassing rollout gating.
//  3. RolloutPercentage < 100 admits the user iff their bucket falls below
//     the percentage; without a user ID the evaluation is false.
//  4. An active experiment evaluates true iff the user is assigned a variant.
//  5. Otherwise true.
func EvaluateFlag(flag Flag, ectx EvaluationContext) bool {
	return EvaluateFlagAt(flag, ectx, time.Now())
}

// EvaluateFlagAt is EvaluateFlag with an explicit evaluation time, used for
// date-window rules.
func EvaluateFlagAt(flag Flag, ectx EvaluationContext, now time.Time) bool {
	if !flag.Enabled {
		return false
	}

	for _, rule := range flag.Rules {
		if ruleMatches(flag.Key, rule, ectx, now) {
			return true
		}
	}

	if flag.RolloutPercentage < 100 {
		if ectx.UserID == "" {
			return false
		}
		return Bucket(FlagNamespace(flag.Key), ectx.UserID) < flag.RolloutPercentage/100
	}

	if flag.Experiment != nil && ectx.UserID != "" {
		return AssignVariant(flag.Key, ectx.UserID, *flag.Experiment) != ""
	}

	return true
}

// EvaluateFlags evaluates a batch of flags against one context.
func EvaluateFlags(flags []Flag, ectx EvaluationContext) map[string]bool {
	results := make(map[string]bool, len(flags))
	now := time.Now()

	for _, flag := range flags {
		results[flag.Key] = EvaluateFlagAt(flag, ectx, now)
	}

	return results
}

// AssignVariant deterministically assigns the user to one of the experiment's
// variants by splitting the [0,1) bucket space at the cumulative normalized
// weights. Returns "" for ended experiments, empty variant lists, or a
// missing user ID.
func AssignVariant(flagKey, userID string, experiment Experiment) string {
	if userID == "" || experiment.Status == ExperimentEnded {
		return ""
	}

	variants := experiment.Variants
	if len(variants) == 0 {
		variants = DefaultVariants()
	}

	total := 0.0
	for _, variant := range variants {
		if variant.Weight > 0 {
			total += variant.Weight
		}
	}

	bucket := Bucket(ExperimentNamespace(flagKey), userID)

	if total <= 0 {
		// Degenerate weights fall back to an even split.
		index := int(bucket * float64(len(variants)))
		if index >= len(variants) {
			index = len(variants) - 1
		}
		return variants[index].Name
	}

	cumulative := 0.0
	for _, variant := range variants {
		if variant.Weight <= 0 {
			continue
		}
		cumulative += variant.Weight / total
		if bucket < cumulative {
			return variant.Name
		}
	}

	// Floating point slack on the last boundary.
	return variants[len(variants)-1].Name
}
