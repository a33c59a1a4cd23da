package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"formsync/api/internal/airtable"
	"formsync/api/internal/export"
	"formsync/api/internal/invoker"
	"formsync/api/internal/rules"
	"formsync/api/internal/search"
	"formsync/api/internal/store"
)

// SubmitForm validates answers against the form's questions, writes them to
// Airtable and records the submission. Nothing is stored when Airtable
// refuses the record.
func (s *Service) SubmitForm(ctx context.Context, principal Principal, formID string, answers map[string]any) (map[string]any, error) {
	form, err := s.store.GetForm(ctx, formID)
	if err != nil {
		return nil, err
	}
	if answers == nil {
		answers = map[string]any{}
	}
	if err := validateAnswers(form.Questions, answers); err != nil {
		return nil, err
	}
	fields := mapAnswers(form.Questions, answers)

	// The Airtable write is not abandoned when the caller goes away.
	createCtx := context.WithoutCancel(ctx)
	record, err := invoker.Do(createCtx, s.invoker, principal.ID, func(ctx context.Context, token string) (airtable.Record, error) {
		return s.airtable.CreateRecord(ctx, token, form.BaseID, form.AirtableTable(), fields)
	})
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	recordID := record.ID
	resp := store.Response{
		ID:               s.newID("rsp"),
		FormID:           &form.ID,
		ExternalRecordID: &recordID,
		Answers:          answers,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	resp, err = s.store.SaveSubmission(createCtx, resp)
	if err != nil {
		s.logger.Error(ctx, "response not persisted after airtable create",
			"form_id", form.ID, "airtable_record_id", record.ID, "error", err)
		return nil, fmt.Errorf("persist response for record %s: %w", record.ID, err)
	}
	s.indexResponse(ctx, resp)
	s.logger.Info(ctx, "form submitted", "form_id", form.ID, "response_id", resp.ID, "airtable_record_id", record.ID)

	rec := recordPayload(record)
	return map[string]any{
		"response":       responsePayload(resp),
		"airtable":       rec,
		"externalRecord": rec,
	}, nil
}

func validateAnswers(questions []store.Question, answers map[string]any) error {
	for _, q := range questions {
		if !rules.Visible(q.ConditionalRules, rules.Answers(answers)) {
			continue
		}
		value, present := answers[q.Key]
		if q.Required && isBlank(value, present) {
			return validationError(codeMissingRequiredField, "Missing required field "+q.Key, questionDetails(q))
		}
		if value == nil {
			continue
		}
		switch q.Type {
		case "singleSelect":
			choices := q.ChoiceNames()
			if len(choices) > 0 && !isChoice(value, choices) {
				return validationError(codeInvalidChoice, "Invalid choice for "+q.Key, questionDetails(q))
			}
		case "multipleSelects":
			items, ok := value.([]any)
			if !ok {
				return validationError(codeNotAnArray, q.Key+" should be an array", questionDetails(q))
			}
			choices := q.ChoiceNames()
			if len(choices) == 0 {
				continue
			}
			for _, item := range items {
				if !isChoice(item, choices) {
					return validationError(codeInvalidChoice, "Invalid choice in "+q.Key, questionDetails(q))
				}
			}
		}
	}
	return nil
}

func isBlank(value any, present bool) bool {
	if !present || value == nil {
		return true
	}
	text, ok := value.(string)
	return ok && text == ""
}

func isChoice(value any, choices []string) bool {
	text, ok := value.(string)
	return ok && slices.Contains(choices, text)
}

func questionDetails(q store.Question) map[string]any {
	return map[string]any{"questionKey": q.Key, "label": q.Label}
}

// mapAnswers keys answers by Airtable column name. Questions the caller left
// out are not sent.
func mapAnswers(questions []store.Question, answers map[string]any) map[string]any {
	fields := make(map[string]any, len(questions))
	for _, q := range questions {
		if value, ok := answers[q.Key]; ok {
			fields[q.OutputLabel()] = value
		}
	}
	return fields
}

type ListResponsesInput struct {
	Query  string
	Limit  int
	Offset int
}

// ListResponses returns a form's responses newest first, or the responses
// whose answers match Query.
func (s *Service) ListResponses(ctx context.Context, formID string, input ListResponsesInput) (map[string]any, error) {
	if _, err := s.store.GetForm(ctx, formID); err != nil {
		return nil, err
	}
	text := strings.TrimSpace(input.Query)
	if text == "" {
		responses, err := s.store.ListResponsesByForm(ctx, formID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"responses": responsePayloads(responses)}, nil
	}

	if s.search == nil {
		return s.scanResponses(ctx, formID, text, input)
	}
	found := s.search.Search(ctx, search.Query{Text: text, FormID: formID, Limit: input.Limit, Offset: input.Offset})
	ids := make([]string, 0, len(found.Results))
	for _, result := range found.Results {
		ids = append(ids, result.ResponseID)
	}
	responses, err := s.store.ListResponsesByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"results":   found.Results,
		"total":     found.Total,
		"query":     found.Query,
		"responses": orderByIDs(responses, ids),
	}, nil
}

// scanResponses matches answer text in process when no search backend is
// wired.
func (s *Service) scanResponses(ctx context.Context, formID, text string, input ListResponsesInput) (map[string]any, error) {
	responses, err := s.store.ListResponsesByForm(ctx, formID)
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(text)
	matched := []store.Response{}
	results := []search.Result{}
	for _, resp := range responses {
		body := search.AnswerText(resp.Answers)
		if !strings.Contains(strings.ToLower(body), needle) {
			continue
		}
		matched = append(matched, resp)
		rec := search.RecordFromResponse(resp)
		results = append(results, search.Result{
			ResponseID:       rec.ID,
			FormID:           rec.FormID,
			AirtableRecordID: rec.AirtableRecordID,
			Snippet:          body,
			Status:           rec.Status,
		})
	}
	total := len(results)
	start, end := window(total, input.Limit, input.Offset)
	return map[string]any{
		"results":   results[start:end],
		"total":     total,
		"query":     text,
		"responses": responsePayloads(matched[start:end]),
	}, nil
}

func window(total, limit, offset int) (int, int) {
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	return offset, end
}

func orderByIDs(responses []store.Response, ids []string) []map[string]any {
	byID := make(map[string]store.Response, len(responses))
	for _, resp := range responses {
		byID[resp.ID] = resp
	}
	out := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		if resp, ok := byID[id]; ok {
			out = append(out, responsePayload(resp))
		}
	}
	return out
}

func responsePayloads(responses []store.Response) []map[string]any {
	out := make([]map[string]any, 0, len(responses))
	for _, resp := range responses {
		out = append(out, responsePayload(resp))
	}
	return out
}

type ExportInput struct {
	Format string `json:"format"`
}

// ExportResponses writes a form's responses to object storage and returns a
// presigned download URL.
func (s *Service) ExportResponses(ctx context.Context, formID string, input ExportInput) (map[string]any, error) {
	format, err := export.ParseFormat(strings.ToLower(strings.TrimSpace(input.Format)))
	if err != nil {
		return nil, validationError(codeValidation, "format must be csv or json", map[string]any{"format": input.Format})
	}
	if s.exports == nil || !s.exports.StorageConfigured() {
		return nil, domainError(http.StatusServiceUnavailable, codeExportUnavailable, "Export storage is not configured", nil)
	}
	result, err := s.exports.Export(ctx, export.Request{FormID: formID, Format: format})
	if err != nil {
		if errors.Is(err, export.ErrStorageUnavailable) {
			return nil, domainError(http.StatusServiceUnavailable, codeExportUnavailable, "Export storage is not configured", nil)
		}
		return nil, err
	}
	s.logger.Info(ctx, "responses exported", "form_id", formID, "format", string(format), "count", result.Count, "key", result.Key)
	return map[string]any{
		"url":       result.URL,
		"key":       result.Key,
		"format":    string(format),
		"count":     result.Count,
		"expiresAt": result.ExpiresAt,
	}, nil
}

func (s *Service) indexResponse(ctx context.Context, resp store.Response) {
	if s.search != nil {
		s.search.IndexResponse(ctx, resp)
	}
}
