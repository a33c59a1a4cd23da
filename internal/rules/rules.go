// Package rules evaluates conditional-visibility rules that decide whether a
// form question is active given the answers collected so far.
//
// Evaluation is pure: no I/O, no memoized state, safe to call on every
// keystroke and again at submission time.
package rules

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Answers maps a question key to its answer value.
type Answers map[string]any

// Logic joins a rule's conditions.
type Logic string

const (
	LogicAnd Logic = "AND"
	LogicOr  Logic = "OR"
)

// Operator is a closed set. Anything the decoder does not recognise becomes
// OperatorUnknown, which never matches.
type Operator int

const (
	OperatorUnknown Operator = iota
	OperatorEquals
	OperatorNotEquals
	OperatorContains
)

var operatorNames = map[string]Operator{
	"equals":    OperatorEquals,
	"notEquals": OperatorNotEquals,
	"contains":  OperatorContains,
}

func (o Operator) String() string {
	for name, op := range operatorNames {
		if op == o {
			return name
		}
	}
	return "unknown"
}

// UnmarshalJSON decodes an operator name. Unknown names and non-strings
// decode to OperatorUnknown without error.
func (o *Operator) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		*o = OperatorUnknown
		return nil
	}
	*o = operatorNames[name]
	return nil
}

// MarshalJSON encodes the operator by name.
func (o Operator) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.String())
}

// Condition compares the answer under QuestionKey with Value.
type Condition struct {
	QuestionKey string   `json:"questionKey"`
	Operator    Operator `json:"operator"`
	Value       any      `json:"value"`
}

// Rule is a question's visibility condition set.
type Rule struct {
	Logic      Logic       `json:"logic"`
	Conditions []Condition `json:"conditions"`
}

// UnmarshalJSON tolerates a conditions member that is not a list; such a rule
// has no conditions and therefore always passes.
func (r *Rule) UnmarshalJSON(data []byte) error {
	var raw struct {
		Logic      Logic           `json:"logic"`
		Conditions json.RawMessage `json:"conditions"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.Logic = raw.Logic
	r.Conditions = nil
	trimmed := bytes.TrimSpace(raw.Conditions)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil
	}
	return json.Unmarshal(trimmed, &r.Conditions)
}

// Parse decodes a stored rule. An empty or null document yields a nil rule.
func Parse(raw json.RawMessage) (*Rule, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	var rule Rule
	if err := json.Unmarshal(trimmed, &rule); err != nil {
		return nil, fmt.Errorf("parse rule: %w", err)
	}
	return &rule, nil
}

// Visible parses and evaluates a stored rule. A rule that cannot be decoded
// hides the question.
func Visible(raw json.RawMessage, answers Answers) bool {
	rule, err := Parse(raw)
	if err != nil {
		return false
	}
	return Evaluate(rule, answers)
}

// Evaluate reports whether a question guarded by rule is active.
func Evaluate(rule *Rule, answers Answers) bool {
	if rule == nil || len(rule.Conditions) == 0 {
		return true
	}
	if rule.Logic == LogicAnd {
		for _, cond := range rule.Conditions {
			if !evalCondition(cond, answers) {
				return false
			}
		}
		return true
	}
	for _, cond := range rule.Conditions {
		if evalCondition(cond, answers) {
			return true
		}
	}
	return false
}

func evalCondition(cond Condition, answers Answers) bool {
	left := answers[cond.QuestionKey]
	switch cond.Operator {
	case OperatorEquals:
		return valuesEqual(left, cond.Value)
	case OperatorNotEquals:
		return !valuesEqual(left, cond.Value)
	case OperatorContains:
		return contains(left, cond.Value)
	case OperatorUnknown:
		return false
	}
	return false
}

func contains(left, value any) bool {
	switch typed := left.(type) {
	case string:
		return strings.Contains(typed, textForm(value))
	case nil:
		return false
	}
	rv := reflect.ValueOf(left)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return false
	}
	for i := 0; i < rv.Len(); i++ {
		if valuesEqual(rv.Index(i).Interface(), value) {
			return true
		}
	}
	return false
}

func valuesEqual(a, b any) bool {
	if af, ok := asFloat(a); ok {
		bf, ok := asFloat(b)
		return ok && af == bf
	}
	switch at := a.(type) {
	case nil:
		return b == nil
	case string:
		bt, ok := b.(string)
		return ok && at == bt
	case bool:
		bt, ok := b.(bool)
		return ok && at == bt
	}
	return reflect.DeepEqual(a, b)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func textForm(v any) string {
	if f, ok := asFloat(v); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	}
	encoded, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(encoded)
}
