package goal

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Free-text success criteria like "coverage >= 80" or "tests_generated > 0"
// are parsed into numeric conditions and evaluated against run metrics. When
// nothing parses, the criteria are treated as unevaluable and satisfaction is
// left to the action executor's own signal.

// Supported comparison operators.
var validOperators = map[string]bool{
	"<":  true,
	">":  true,
	"<=": true,
	">=": true,
	"==": true,
}

// conditionPattern matches patterns like "coverage >= 80", "tests_generated > 0",
// "error_rate < 0.05". Metric names are snake_case identifiers.
// Group 1: metric, Group 2: operator, Group 3: number (int or float).
var conditionPattern = regexp.MustCompile(
	`(?i)\b([a-z][a-z0-9_]*)\s*(<=|>=|==|<|>)\s*(-?\d+(?:\.\d+)?)\b`,
)

// Condition is a single parsed numeric condition from a success-criteria string.
type Condition struct {
	Metric    string  `json:"metric"`
	Operator  string  `json:"operator"`
	Threshold float64 `json:"threshold"`
}

// ParseCriteria extracts all parseable numeric conditions from a free-text
// success-criteria string. Returns an empty slice (not an error) when nothing
// can be parsed, signalling the caller to rely on the executor's own
// goal-satisfied signal instead.
func ParseCriteria(criteria string) []Condition {
	matches := conditionPattern.FindAllStringSubmatch(criteria, -1)
	if len(matches) == 0 {
		return nil
	}

	conditions := make([]Condition, 0, len(matches))
	for _, m := range matches {
		threshold, err := strconv.ParseFloat(m[3], 64)
		if err != nil {
			continue // skip unparseable numbers
		}
		conditions = append(conditions, Condition{
			Metric:    strings.ToLower(m[1]),
			Operator:  m[2],
			Threshold: threshold,
		})
	}
	return conditions
}

// MetricLookup resolves a metric name to its current numeric value. The second
// return is false when the metric has not been produced yet.
type MetricLookup func(metric string) (any, bool)

// EvaluateCriteria checks all conditions against run metrics. Returns true
// only when ALL conditions are met (logical AND). A metric that has not been
// produced yet means the condition is not met, not an error; a metric whose
// value cannot be read as a number is an error.
func EvaluateCriteria(conditions []Condition, lookup MetricLookup) (bool, error) {
	if len(conditions) == 0 {
		return false, nil
	}

	for _, cond := range conditions {
		raw, ok := lookup(cond.Metric)
		if !ok {
			return false, nil
		}
		val, err := toFloat64(raw)
		if err != nil {
			return false, fmt.Errorf("criteria: metric %q: %w", cond.Metric, err)
		}
		if !compare(val, cond.Operator, cond.Threshold) {
			return false, nil
		}
	}
	return true, nil
}

// compare applies the operator to lhs and rhs.
func compare(lhs float64, op string, rhs float64) bool {
	switch op {
	case "<":
		return lhs < rhs
	case ">":
		return lhs > rhs
	case "<=":
		return lhs <= rhs
	case ">=":
		return lhs >= rhs
	case "==":
		return lhs == rhs
	default:
		return false
	}
}

// toFloat64 converts a stored metric value to a float64. It handles the types
// a JSON round-trip or an action outcome can produce, plus nested
// {"value": 42} shapes.
func toFloat64(v any) (float64, error) {
	switch val := v.(type) {
	case float64:
		return val, nil
	case float32:
		return float64(val), nil
	case int:
		return float64(val), nil
	case int64:
		return float64(val), nil
	case string:
		return strconv.ParseFloat(val, 64)
	case map[string]any:
		if raw, ok := val["value"]; ok {
			return toFloat64(raw)
		}
		return 0, fmt.Errorf("map has no 'value' key")
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}
