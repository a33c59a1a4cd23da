// Package schema turns questions proposed by a form builder into stored
// questions, checked against a live snapshot of the Airtable table.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"formsync/api/internal/airtable"
	"formsync/api/internal/store"
)

var (
	ErrFieldNotFound        = errors.New("field not found")
	ErrUnsupportedFieldType = errors.New("unsupported field type")
	ErrMissingQuestionKey   = errors.New("question key is required")
	ErrDuplicateQuestionKey = errors.New("duplicate question key")
)

// SupportedFieldTypes are the Airtable field types a form question may bind to.
var SupportedFieldTypes = map[string]bool{
	"singleLineText":      true,
	"multilineText":       true,
	"singleSelect":        true,
	"multipleSelects":     true,
	"multipleAttachments": true,
}

// ProposedQuestion is a question as sent by the form builder. FieldID may hold
// either a field id or a field name.
type ProposedQuestion struct {
	Key              string          `json:"questionKey"`
	FieldID          string          `json:"airtableFieldId"`
	Label            string          `json:"label"`
	Required         bool            `json:"required"`
	ConditionalRules json.RawMessage `json:"conditionalRules"`
}

// Error describes the first question that failed validation.
type Error struct {
	Kind        error
	QuestionKey string
	FieldID     string
	FieldType   string
}

func (e *Error) Error() string {
	switch e.Kind {
	case ErrFieldNotFound:
		return fmt.Sprintf("field %s not found", e.FieldID)
	case ErrUnsupportedFieldType:
		return fmt.Sprintf("field %s type %s not supported", e.FieldID, e.FieldType)
	case ErrDuplicateQuestionKey:
		return fmt.Sprintf("question key %s is used more than once", e.QuestionKey)
	default:
		return e.Kind.Error()
	}
}

func (e *Error) Unwrap() error {
	return e.Kind
}

// Validate resolves each proposed question against fields, in order, and
// stops at the first failure.
func Validate(proposed []ProposedQuestion, fields []airtable.Field) ([]store.Question, error) {
	byID := make(map[string]airtable.Field, len(fields))
	byName := make(map[string]airtable.Field, len(fields))
	for _, field := range fields {
		byID[field.ID] = field
		if _, seen := byName[field.Name]; !seen {
			byName[field.Name] = field
		}
	}

	seenKeys := make(map[string]bool, len(proposed))
	out := make([]store.Question, 0, len(proposed))
	for _, q := range proposed {
		key := strings.TrimSpace(q.Key)
		if key == "" {
			return nil, &Error{Kind: ErrMissingQuestionKey, FieldID: q.FieldID}
		}
		if seenKeys[key] {
			return nil, &Error{Kind: ErrDuplicateQuestionKey, QuestionKey: key, FieldID: q.FieldID}
		}
		seenKeys[key] = true

		field, ok := byID[q.FieldID]
		if !ok {
			field, ok = byName[q.FieldID]
		}
		if !ok {
			return nil, &Error{Kind: ErrFieldNotFound, QuestionKey: key, FieldID: q.FieldID}
		}
		if !SupportedFieldTypes[field.Type] {
			return nil, &Error{Kind: ErrUnsupportedFieldType, QuestionKey: key, FieldID: field.ID, FieldType: field.Type}
		}

		label := q.Label
		if label == "" {
			label = field.Name
		}
		out = append(out, store.Question{
			Key:              key,
			FieldID:          field.ID,
			Label:            label,
			Type:             field.Type,
			Required:         q.Required,
			ConditionalRules: nullIfEmpty(q.ConditionalRules),
			Options:          nullIfEmpty(field.Options),
		})
	}
	return out, nil
}

func nullIfEmpty(raw json.RawMessage) json.RawMessage {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}
