package automation

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// EvalContext is the flat key/value view conditions are evaluated against.
//
// Keys used by the engine:
//
//	time.hour, time.minute, time.weekday, time.date
//	trigger.type, trigger.<payload key>
//	sensor.<equipment_id>.<sensor_type>
//	equipment.<equipment_id>.status
type EvalContext map[string]string

// ConditionResult is the per-condition outcome reported by a dry run.
type ConditionResult struct {
	Field         string   `json:"field"`
	Operator      Operator `json:"operator"`
	ExpectedValue string   `json:"expected_value"`
	ActualValue   *string  `json:"actual_value,omitempty"`
	WouldPass     bool     `json:"would_pass"`
	TestResult    string   `json:"test_result"`

	// Err is set (wrapping ErrEvaluation) when the condition could not be
	// evaluated. The condition then counts as false.
	Err error `json:"-"`
}

// Evaluate combines conditions under logic. An empty list passes.
// It has no side effects, so the live and dry-run paths agree.
func Evaluate(conditions []Condition, ctx EvalContext, logic Logic) bool {
	pass, _ := EvaluateDetailed(conditions, ctx, logic)
	return pass
}

// EvaluateDetailed evaluates every condition (no short-circuit) and returns
// the combined verdict with one result per condition.
func EvaluateDetailed(conditions []Condition, ctx EvalContext, logic Logic) (bool, []ConditionResult) {
	results := make([]ConditionResult, len(conditions))
	if len(conditions) == 0 {
		return true, results
	}

	passed := 0
	for i, c := range conditions {
		results[i] = evaluateOne(c, ctx)
		if results[i].WouldPass {
			passed++
		}
	}

	if logic == LogicOr {
		return passed > 0, results
	}
	return passed == len(conditions), results
}

func evaluateOne(c Condition, ctx EvalContext) ConditionResult {
	r := ConditionResult{
		Field:         c.Field,
		Operator:      c.Operator,
		ExpectedValue: string(c.Value),
	}

	actual, ok := ctx[c.Field]
	if !ok {
		r.Err = fmt.Errorf("%w: field %q not available", ErrEvaluation, c.Field)
		r.TestResult = fmt.Sprintf("field %q not available", c.Field)
		return r
	}

	r.ActualValue = &actual
	r.WouldPass = Compare(actual, c.Operator, string(c.Value))
	r.TestResult = fmt.Sprintf("%s %s %s is %t", actual, c.Operator, c.Value, r.WouldPass)
	return r
}

// Compare applies op to actual and expected. Both sides are compared as
// numbers when both parse as numbers. Otherwise only eq and neq are
// meaningful; ordering operators on non-numeric values are false.
func Compare(actual string, op Operator, expected string) bool {
	a, aErr := parseNumber(actual)
	e, eErr := parseNumber(expected)

	if aErr == nil && eErr == nil {
		switch op {
		case OpEq:
			return a == e
		case OpNeq:
			return a != e
		case OpGt:
			return a > e
		case OpGte:
			return a >= e
		case OpLt:
			return a < e
		case OpLte:
			return a <= e
		}
		return false
	}

	switch op {
	case OpEq:
		return actual == expected
	case OpNeq:
		return actual != expected
	case OpGt, OpGte, OpLt, OpLte:
	}
	return false
}

var errNotFinite = errors.New("not a finite number")

// parseNumber accepts finite numbers only; "NaN" and "Inf" compare as text.
func parseNumber(s string) (float64, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, errNotFinite
	}
	return f, nil
}

// gateMessage explains why a condition list did not pass.
func gateMessage(logic Logic, results []ConditionResult) string {
	var failed []string
	for _, r := range results {
		if r.WouldPass {
			continue
		}
		failed = append(failed, fmt.Sprintf("%s %s %s", r.Field, r.Operator, r.ExpectedValue))
	}

	if logic == LogicOr {
		return fmt.Sprintf("conditions not met: OR gate failed, none of %d conditions passed", len(results))
	}
	return fmt.Sprintf("conditions not met: AND gate failed on %d of %d (%s)",
		len(failed), len(results), strings.Join(failed, ", "))
}
