package export

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"formsync/api/internal/store"
)

var baseColumns = []string{"response_id", "airtable_record_id", "status", "created_at", "updated_at"}

// RenderCSV writes one row per response with a column per question, in form
// order.
func RenderCSV(form store.Form, responses []store.Response) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	header := append([]string{}, baseColumns...)
	for _, q := range form.Questions {
		header = append(header, q.OutputLabel())
	}
	if err := w.Write(header); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}

	for _, resp := range responses {
		row := []string{
			resp.ID,
			deref(resp.ExternalRecordID),
			resp.Status(),
			resp.CreatedAt.UTC().Format(time.RFC3339),
			resp.UpdatedAt.UTC().Format(time.RFC3339),
		}
		for _, q := range form.Questions {
			row = append(row, cellValue(answerFor(resp, q)))
		}
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("write row %s: %w", resp.ID, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush csv: %w", err)
	}
	return buf.Bytes(), nil
}

type jsonRow struct {
	ID               string         `json:"id"`
	AirtableRecordID *string        `json:"airtableRecordId"`
	Status           string         `json:"status"`
	Answers          map[string]any `json:"answers"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

func RenderJSON(form store.Form, responses []store.Response) ([]byte, error) {
	rows := make([]jsonRow, 0, len(responses))
	for _, resp := range responses {
		rows = append(rows, jsonRow{
			ID:               resp.ID,
			AirtableRecordID: resp.ExternalRecordID,
			Status:           resp.Status(),
			Answers:          resp.Answers,
			CreatedAt:        resp.CreatedAt.UTC(),
			UpdatedAt:        resp.UpdatedAt.UTC(),
		})
	}
	doc := map[string]any{
		"formId":    form.ID,
		"title":     form.Title,
		"responses": rows,
	}
	encoded, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal export: %w", err)
	}
	return encoded, nil
}

// answerFor reads by question key first. Responses reconciled from Airtable
// carry field names instead, so the label is tried next.
func answerFor(resp store.Response, q store.Question) any {
	if value, ok := resp.Answers[q.Key]; ok {
		return value
	}
	return resp.Answers[q.OutputLabel()]
}

func cellValue(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			parts = append(parts, cellValue(item))
		}
		return strings.Join(parts, "; ")
	case map[string]any:
		if name, ok := v["filename"].(string); ok {
			if url, ok := v["url"].(string); ok && url != "" {
				return name + " <" + url + ">"
			}
			return name
		}
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(encoded)
	default:
		return fmt.Sprint(v)
	}
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
