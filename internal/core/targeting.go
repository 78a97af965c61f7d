package core

import (
	"math"
	"reflect"
	"time"
)

func ruleMatches(flagKey string, rule Rule, ectx EvaluationContext, now time.Time) bool {
	switch rule.Type {
	case RuleUser:
		if ectx.UserID == "" {
			return false
		}
		for _, id := range rule.Users {
			if id == ectx.UserID {
				return true
			}
		}
		return false
	case RuleAttribute:
		return attributeMatches(rule, ectx.Attributes)
	case RulePercentage:
		if ectx.UserID == "" {
			return false
		}
		return Bucket(FlagNamespace(flagKey), ectx.UserID) < rule.Threshold/100
	case RuleDateWindow:
		return dateWindowMatches(rule, now)
	default:
		return false
	}
}

func attributeMatches(rule Rule, attributes map[string]any) bool {
	if attributes == nil {
		return false
	}

	value, ok := attributes[rule.Attribute]
	if !ok {
		return false
	}

	for _, accepted := range rule.Values {
		if valuesEqual(value, accepted) {
			return true
		}
	}

	return false
}

func dateWindowMatches(rule Rule, now time.Time) bool {
	if rule.Date.IsZero() {
		return false
	}

	switch rule.Operator {
	case DateBefore:
		return now.Before(rule.Date)
	case DateAfter:
		return now.After(rule.Date)
	default:
		return false
	}
}

// valuesEqual compares an attribute value against a rule value, coercing
// across numeric types so that e.g. a JSON-decoded float64(42) matches an
// int(42) supplied in code.
func valuesEqual(left any, right any) bool {
	if leftInt, ok := asInt64(left); ok {
		if rightInt, ok := asInt64(right); ok {
			return leftInt == rightInt
		}

		if rightUint, ok := asUint64(right); ok {
			if leftInt < 0 {
				return false
			}
			return uint64(leftInt) == rightUint
		}

		if rightFloat, ok := asFloat64(right); ok {
			return floatEqualsInt64(rightFloat, leftInt)
		}
	}

	if leftUint, ok := asUint64(left); ok {
		if rightUint, ok := asUint64(right); ok {
			return leftUint == rightUint
		}

		if rightInt, ok := asInt64(right); ok {
			if rightInt < 0 {
				return false
			}
			return leftUint == uint64(rightInt)
		}

		if rightFloat, ok := asFloat64(right); ok {
			return floatEqualsUint64(rightFloat, leftUint)
		}
	}

	if leftFloat, ok := asFloat64(left); ok {
		if rightFloat, ok := asFloat64(right); ok {
			return leftFloat == rightFloat
		}

		if rightInt, ok := asInt64(right); ok {
			return floatEqualsInt64(leftFloat, rightInt)
		}

		if rightUint, ok := asUint64(right); ok {
			return floatEqualsUint64(leftFloat, rightUint)
		}
	}

	return reflect.DeepEqual(left, right)
}

func asInt64(value any) (int64, bool) {
	switch number := value.(type) {
	case int:
		return int64(number), true
	case int8:
		return int64(number), true
	case int16:
		return int64(number), true
	case int32:
		return int64(number), true
	case int64:
		return number, true
	default:
		return 0, false
	}
}

func asUint64(value any) (uint64, bool) {
	switch number := value.(type) {
	case uint:
		return uint64(number), true
	case uint8:
		return uint64(number), true
	case uint16:
		return uint64(number), true
	case uint32:
		return uint64(number), true
	case uint64:
		return number, true
	default:
		return 0, false
	}
}

func asFloat64(value any) (float64, bool) {
	switch number := value.(type) {
	case float32:
		return float64(number), true
	case float64:
		return number, true
	default:
		return 0, false
	}
}

func floatEqualsInt64(left float64, right int64) bool {
	if !isWholeFinite(left) {
		return false
	}

	if left < float64(math.MinInt64) || left > float64(math.MaxInt64) {
		return false
	}

	converted := int64(left)
	return float64(converted) == left && converted == right
}

func floatEqualsUint64(left float64, right uint64) bool {
	if !isWholeFinite(left) {
		return false
	}

	if left < 0 || left > float64(math.MaxUint64) {
		return false
	}

	converted := uint64(left)
	return float64(converted) == left && converted == right
}

func isWholeFinite(value float64) bool {
	return !math.IsNaN(value) && !math.IsInf(value, 0) && math.Trunc(value) == value
}
