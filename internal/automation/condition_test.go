package automation

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompare_OperatorTable(t *testing.T) {
	tests := []struct {
		op   Operator
		want bool
	}{
		{OpEq, false},
		{OpNeq, true},
		{OpGt, false},
		{OpGte, false},
		{OpLt, true},
		{OpLte, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.op), func(t *testing.T) {
			assert.Equal(t, tt.want, Compare("25", tt.op, "30"), "25 %s 30", tt.op)
		})
	}
}

func TestCompare_Numeric(t *testing.T) {
	assert.True(t, Compare("30.0", OpEq, "30"), "numeric equality ignores formatting")
	assert.True(t, Compare(" 31 ", OpGt, "30"))
	assert.True(t, Compare("9", OpLt, "10"), "numbers are not compared as strings")
	assert.True(t, Compare("-2.5", OpLte, "-2.5"))
}

func TestCompare_NonNumeric(t *testing.T) {
	assert.True(t, Compare("online", OpEq, "online"))
	assert.True(t, Compare("online", OpNeq, "offline"))
	assert.False(t, Compare("online", OpEq, "offline"))

	for _, op := range []Operator{OpGt, OpGte, OpLt, OpLte} {
		assert.False(t, Compare("b", op, "a"), "ordering on strings is false for %s", op)
	}

	assert.False(t, Compare("30", OpGt, "warm"), "mixed operands fall back to strings")
}

func TestCompare_NonFiniteIsText(t *testing.T) {
	assert.True(t, Compare("NaN", OpEq, "NaN"))
	assert.False(t, Compare("inf", OpEq, "Infinity"))
	assert.True(t, Compare("inf", OpNeq, "Infinity"))
	assert.False(t, Compare("Inf", OpGt, "30"), "no ordering against infinity")
	assert.False(t, Compare("1e400", OpGt, "30"), "overflow is not a number")
}

func TestEvaluate_Logic(t *testing.T) {
	ctx := EvalContext{"sensor.eq-1.temperature": "25", "equipment.eq-1.status": "online"}

	pass := Condition{Field: "sensor.eq-1.temperature", Operator: OpLt, Value: "30"}
	fail := Condition{Field: "equipment.eq-1.status", Operator: OpEq, Value: "offline"}

	tests := []struct {
		name       string
		conditions []Condition
		logic      Logic
		want       bool
	}{
		{"empty AND passes", nil, LogicAnd, true},
		{"empty OR passes", []Condition{}, LogicOr, true},
		{"AND all pass", []Condition{pass, pass}, LogicAnd, true},
		{"AND one fails", []Condition{pass, fail}, LogicAnd, false},
		{"OR one passes", []Condition{fail, pass}, LogicOr, true},
		{"OR none pass", []Condition{fail, fail}, LogicOr, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Evaluate(tt.conditions, ctx, tt.logic))
		})
	}
}

func TestEvaluateDetailed_MissingField(t *testing.T) {
	conditions := []Condition{
		{Field: "sensor.eq-9.humidity", Operator: OpGt, Value: "50"},
		{Field: "time.hour", Operator: OpGte, Value: "7"},
	}

	pass, results := EvaluateDetailed(conditions, EvalContext{"time.hour": "7"}, LogicOr)
	require.True(t, pass)
	require.Len(t, results, 2)

	missing := results[0]
	assert.False(t, missing.WouldPass)
	assert.Nil(t, missing.ActualValue)
	assert.True(t, errors.Is(missing.Err, ErrEvaluation))
	assert.Contains(t, missing.TestResult, "not available")

	present := results[1]
	assert.True(t, present.WouldPass)
	require.NotNil(t, present.ActualValue)
	assert.Equal(t, "7", *present.ActualValue)
	assert.NoError(t, present.Err)
}

func TestEvaluateDetailed_NoShortCircuit(t *testing.T) {
	conditions := []Condition{
		{Field: "a", Operator: OpEq, Value: "1"},
		{Field: "b", Operator: OpEq, Value: "2"},
	}

	pass, results := EvaluateDetailed(conditions, EvalContext{"a": "0", "b": "2"}, LogicAnd)
	assert.False(t, pass)
	assert.False(t, results[0].WouldPass)
	assert.True(t, results[1].WouldPass, "later conditions are still evaluated")
}

func TestGateMessage(t *testing.T) {
	_, results := EvaluateDetailed([]Condition{
		{Field: "a", Operator: OpEq, Value: "1"},
		{Field: "b", Operator: OpEq, Value: "2"},
	}, EvalContext{"a": "1", "b": "3"}, LogicAnd)

	msg := gateMessage(LogicAnd, results)
	assert.Contains(t, msg, "AND gate failed")
	assert.Contains(t, msg, "b eq 2")
	assert.NotContains(t, msg, "a eq 1")

	assert.Contains(t, gateMessage(LogicOr, results), "OR gate failed")
}
