package search

import (
	"fmt"
	"sort"
	"strings"

	"formsync/api/internal/store"
)

// RecordFromResponse flattens a response's answers into indexable text.
func RecordFromResponse(resp store.Response) ResponseRecord {
	rec := ResponseRecord{
		ID:        resp.ID,
		Text:      AnswerText(resp.Answers),
		Status:    resp.Status(),
		CreatedAt: resp.CreatedAt.Unix(),
	}
	if resp.FormID != nil {
		rec.FormID = *resp.FormID
	}
	if resp.ExternalRecordID != nil {
		rec.AirtableRecordID = *resp.ExternalRecordID
	}
	return rec
}

// AnswerText joins the string leaves of answers in key order.
func AnswerText(answers map[string]any) string {
	keys := make([]string, 0, len(answers))
	for key := range answers {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var parts []string
	for _, key := range keys {
		parts = appendLeaves(parts, answers[key])
	}
	return strings.Join(parts, " ")
}

func appendLeaves(parts []string, value any) []string {
	switch v := value.(type) {
	case nil:
		return parts
	case string:
		if strings.TrimSpace(v) == "" {
			return parts
		}
		return append(parts, v)
	case []any:
		for _, item := range v {
			parts = appendLeaves(parts, item)
		}
		return parts
	case map[string]any:
		// Attachments carry their file name alongside URLs we do not index.
		if name, ok := v["filename"].(string); ok {
			return append(parts, name)
		}
		return parts
	case bool:
		return parts
	default:
		return append(parts, fmt.Sprint(v))
	}
}
