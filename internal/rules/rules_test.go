package rules

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, raw string) *Rule {
	t.Helper()
	rule, err := Parse(json.RawMessage(raw))
	require.NoError(t, err)
	return rule
}

func TestEvaluateAndRequiresEveryCondition(t *testing.T) {
	rule := mustParse(t, `{"logic":"AND","conditions":[{"questionKey":"role","operator":"equals","value":"Engineer"}]}`)

	assert.True(t, Evaluate(rule, Answers{"role": "Engineer"}))
	assert.False(t, Evaluate(rule, Answers{"role": "Designer"}))

	two := mustParse(t, `{"logic":"AND","conditions":[
		{"questionKey":"role","operator":"equals","value":"Engineer"},
		{"questionKey":"level","operator":"notEquals","value":"junior"}]}`)
	assert.True(t, Evaluate(two, Answers{"role": "Engineer", "level": "senior"}))
	assert.False(t, Evaluate(two, Answers{"role": "Engineer", "level": "junior"}))
}

func TestEvaluateOrNeedsOneCondition(t *testing.T) {
	rule := mustParse(t, `{"logic":"OR","conditions":[
		{"questionKey":"a","operator":"equals","value":1},
		{"questionKey":"b","operator":"contains","value":"x"}]}`)

	assert.True(t, Evaluate(rule, Answers{"a": 0, "b": []any{"x", "y"}}))
	assert.True(t, Evaluate(rule, Answers{"a": 1}))
	assert.False(t, Evaluate(rule, Answers{"a": 2, "b": []any{"y"}}))
}

func TestEvaluateMissingOrUnknownLogicActsAsOr(t *testing.T) {
	for _, raw := range []string{
		`{"conditions":[{"questionKey":"a","operator":"equals","value":"no"},{"questionKey":"a","operator":"equals","value":"yes"}]}`,
		`{"logic":"XOR","conditions":[{"questionKey":"a","operator":"equals","value":"no"},{"questionKey":"a","operator":"equals","value":"yes"}]}`,
	} {
		rule := mustParse(t, raw)
		assert.True(t, Evaluate(rule, Answers{"a": "yes"}), raw)
		assert.False(t, Evaluate(rule, Answers{"a": "maybe"}), raw)
	}
}

func TestEvaluateAbsentRuleAlwaysTrue(t *testing.T) {
	assert.True(t, Evaluate(nil, nil))
	assert.True(t, Evaluate(nil, Answers{}))
	assert.True(t, Evaluate(nil, Answers{"anything": 42}))
	assert.True(t, Visible(nil, Answers{}))
	assert.True(t, Visible(json.RawMessage("null"), Answers{}))
}

func TestEvaluateEmptyOrNonListConditionsTrue(t *testing.T) {
	assert.True(t, Evaluate(mustParse(t, `{"logic":"AND","conditions":[]}`), Answers{}))
	assert.True(t, Evaluate(mustParse(t, `{"logic":"AND","conditions":"nope"}`), Answers{}))
	assert.True(t, Evaluate(mustParse(t, `{"logic":"OR","conditions":{"questionKey":"a"}}`), Answers{}))
	assert.True(t, Evaluate(mustParse(t, `{"logic":"OR"}`), Answers{}))
}

func TestUnknownOperatorNeverMatches(t *testing.T) {
	rule := mustParse(t, `{"logic":"OR","conditions":[{"questionKey":"a","operator":"greaterThan","value":1}]}`)
	for _, answers := range []Answers{{}, {"a": 1}, {"a": 5}, {"a": "1"}} {
		assert.False(t, Evaluate(rule, answers))
	}
	missing := mustParse(t, `{"logic":"OR","conditions":[{"questionKey":"a","value":1}]}`)
	assert.False(t, Evaluate(missing, Answers{"a": 1}))
	numeric := mustParse(t, `{"logic":"OR","conditions":[{"questionKey":"a","operator":7,"value":1}]}`)
	assert.False(t, Evaluate(numeric, Answers{"a": 1}))
}

func TestUnknownOperatorFailsAndRule(t *testing.T) {
	rule := mustParse(t, `{"logic":"AND","conditions":[
		{"questionKey":"a","operator":"equals","value":1},
		{"questionKey":"a","operator":"bogus","value":1}]}`)
	assert.False(t, Evaluate(rule, Answers{"a": 1}))
}

func TestEqualsAgainstAbsentAnswer(t *testing.T) {
	eq := &Rule{Logic: LogicAnd, Conditions: []Condition{{QuestionKey: "a", Operator: OperatorEquals, Value: "x"}}}
	ne := &Rule{Logic: LogicAnd, Conditions: []Condition{{QuestionKey: "a", Operator: OperatorNotEquals, Value: "x"}}}
	assert.False(t, Evaluate(eq, Answers{}))
	assert.True(t, Evaluate(ne, Answers{}))
}

func TestEqualsIsTypeStrict(t *testing.T) {
	rule := &Rule{Logic: LogicAnd, Conditions: []Condition{{QuestionKey: "a", Operator: OperatorEquals, Value: 1}}}
	assert.True(t, Evaluate(rule, Answers{"a": float64(1)}))
	assert.True(t, Evaluate(rule, Answers{"a": int64(1)}))
	assert.False(t, Evaluate(rule, Answers{"a": "1"}))
	assert.False(t, Evaluate(rule, Answers{"a": true}))
}

func TestContains(t *testing.T) {
	cases := []struct {
		name   string
		answer any
		value  any
		want   bool
	}{
		{"slice member", []any{"x", "y"}, "x", true},
		{"slice non member", []any{"x", "y"}, "z", false},
		{"typed slice", []string{"red", "blue"}, "blue", true},
		{"numeric slice", []any{float64(1), float64(2)}, 2, true},
		{"substring", "hello world", "world", true},
		{"no substring", "hello", "bye", false},
		{"number text form", "order 42", 42, true},
		{"bool text form", "is true", true, true},
		{"number answer", 42, 4, false},
		{"absent answer", nil, "x", false},
		{"map answer", map[string]any{"x": 1}, "x", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rule := &Rule{Conditions: []Condition{{QuestionKey: "q", Operator: OperatorContains, Value: tc.value}}}
			answers := Answers{}
			if tc.answer != nil {
				answers["q"] = tc.answer
			}
			assert.Equal(t, tc.want, Evaluate(rule, answers))
		})
	}
}

func TestEvaluateIsRepeatable(t *testing.T) {
	rule := mustParse(t, `{"logic":"AND","conditions":[{"questionKey":"a","operator":"contains","value":"x"}]}`)
	answers := Answers{"a": []any{"x"}}
	for i := 0; i < 3; i++ {
		assert.True(t, Evaluate(rule, answers))
	}
	assert.Equal(t, Answers{"a": []any{"x"}}, answers)
}

func TestVisibleHidesUndecodableRule(t *testing.T) {
	assert.False(t, Visible(json.RawMessage(`{"logic":`), Answers{}))
	assert.False(t, Visible(json.RawMessage(`"just a string"`), Answers{}))
}

func TestOperatorRoundTripName(t *testing.T) {
	encoded, err := json.Marshal(Condition{QuestionKey: "a", Operator: OperatorNotEquals, Value: "b"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"questionKey":"a","operator":"notEquals","value":"b"}`, string(encoded))
}
