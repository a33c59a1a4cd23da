package app

import (
	"context"
	"strings"

	"formsync/api/internal/airtable"
	"formsync/api/internal/invoker"
	"formsync/api/internal/schema"
	"formsync/api/internal/store"
)

type CreateFormInput struct {
	Title             string                    `json:"title"`
	BaseID            string                    `json:"baseId"`
	TableID           string                    `json:"tableId"`
	TableName         string                    `json:"tableName"`
	AirtableBaseID    string                    `json:"airtableBaseId"`
	AirtableTableID   string                    `json:"airtableTableId"`
	AirtableTableName string                    `json:"airtableTableName"`
	Questions         []schema.ProposedQuestion `json:"questions"`
}

func (in CreateFormInput) base() string {
	return firstNonEmpty(in.BaseID, in.AirtableBaseID)
}

func (in CreateFormInput) table() string {
	return firstNonEmpty(in.TableID, in.AirtableTableID)
}

func (in CreateFormInput) tableName() string {
	return firstNonEmpty(in.TableName, in.AirtableTableName)
}

func (s *Service) ListBases(ctx context.Context, principal Principal) (map[string]any, error) {
	bases, err := invoker.Do(ctx, s.invoker, principal.ID, func(ctx context.Context, token string) ([]airtable.Base, error) {
		return s.airtable.ListBases(ctx, token)
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"bases": bases}, nil
}

func (s *Service) ListTables(ctx context.Context, principal Principal, baseID string) (map[string]any, error) {
	tables, err := invoker.Do(ctx, s.invoker, principal.ID, func(ctx context.Context, token string) ([]airtable.Table, error) {
		return s.airtable.ListTables(ctx, token, baseID)
	})
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(tables))
	for _, table := range tables {
		items = append(items, map[string]any{
			"id":             table.ID,
			"name":           table.Name,
			"primaryFieldId": table.PrimaryFieldID,
		})
	}
	return map[string]any{"tables": items}, nil
}

func (s *Service) ListFields(ctx context.Context, principal Principal, baseID, tableID string) (map[string]any, error) {
	fields, err := s.fetchFields(ctx, principal, baseID, tableID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"fields": fields}, nil
}

func (s *Service) fetchFields(ctx context.Context, principal Principal, baseID, tableID string) ([]airtable.Field, error) {
	return invoker.Do(ctx, s.invoker, principal.ID, func(ctx context.Context, token string) ([]airtable.Field, error) {
		return s.airtable.ListFields(ctx, token, baseID, tableID)
	})
}

// CreateForm validates the proposed questions against the live table schema
// and stores the form with a snapshot of each bound field.
func (s *Service) CreateForm(ctx context.Context, principal Principal, input CreateFormInput) (map[string]any, error) {
	baseID := strings.TrimSpace(input.base())
	tableID := strings.TrimSpace(input.table())
	if baseID == "" || tableID == "" {
		return nil, validationError(codeValidation, "base and table required", nil)
	}
	title := strings.TrimSpace(input.Title)
	if title == "" {
		title = "Untitled form"
	}

	fields, err := s.fetchFields(ctx, principal, baseID, tableID)
	if err != nil {
		return nil, err
	}
	questions, err := schema.Validate(input.Questions, fields)
	if err != nil {
		return nil, err
	}

	tableName := strings.TrimSpace(input.tableName())
	form := store.Form{
		ID:        s.newID("frm"),
		OwnerID:   principal.ID,
		Title:     title,
		BaseID:    baseID,
		TableID:   tableID,
		TableName: tableName,
		Questions: questions,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.InsertForm(ctx, form); err != nil {
		return nil, err
	}
	s.logger.Info(ctx, "form created", "form_id", form.ID, "owner", principal.ID, "base_id", baseID, "questions", len(questions))
	return map[string]any{"form": formPayload(form)}, nil
}

func (s *Service) GetForm(ctx context.Context, formID string) (map[string]any, error) {
	form, err := s.store.GetForm(ctx, formID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"form": formPayload(form)}, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
