package app

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"formsync/api/internal/airtable"
	"formsync/api/internal/invoker"
	"formsync/api/internal/store"
)

const (
	actionCreated = "created"
	actionUpdated = "updated"
	actionDeleted = "deleted"
)

type eventRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// AirtableEvent is the change notification posted to the webhook routes.
type AirtableEvent struct {
	Action    string    `json:"action"`
	Record    *eventRef `json:"record"`
	Base      *eventRef `json:"base"`
	Table     *eventRef `json:"table"`
	BaseID    string    `json:"baseId"`
	TableName string    `json:"tableName"`
}

func (e AirtableEvent) recordID() string {
	if e.Record == nil {
		return ""
	}
	return strings.TrimSpace(e.Record.ID)
}

func (e AirtableEvent) baseID() string {
	if e.Base != nil && strings.TrimSpace(e.Base.ID) != "" {
		return strings.TrimSpace(e.Base.ID)
	}
	return strings.TrimSpace(e.BaseID)
}

func (e AirtableEvent) table() string {
	if e.Table != nil {
		if name := strings.TrimSpace(e.Table.Name); name != "" {
			return name
		}
		if id := strings.TrimSpace(e.Table.ID); id != "" {
			return id
		}
	}
	return strings.TrimSpace(e.TableName)
}

// HandleAirtableEvent reconciles a stored response with a change made in
// Airtable. Unknown actions are acknowledged and ignored.
func (s *Service) HandleAirtableEvent(ctx context.Context, event AirtableEvent) (map[string]any, error) {
	recordID := event.recordID()
	if recordID == "" {
		return nil, domainError(http.StatusBadRequest, codeMalformedEvent, "no record", nil)
	}
	switch strings.ToLower(strings.TrimSpace(event.Action)) {
	case actionDeleted:
		return s.reconcileDeleted(ctx, recordID)
	case actionCreated, actionUpdated:
		return s.reconcileChanged(ctx, event, recordID)
	default:
		return map[string]any{"ok": true}, nil
	}
}

func (s *Service) reconcileDeleted(ctx context.Context, recordID string) (map[string]any, error) {
	resp, found, err := s.store.MarkResponseDeleted(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if found {
		s.indexResponse(ctx, resp)
		s.logger.Info(ctx, "response marked deleted in airtable", "response_id", resp.ID, "airtable_record_id", recordID)
	}
	return map[string]any{"ok": true}, nil
}

func (s *Service) reconcileChanged(ctx context.Context, event AirtableEvent, recordID string) (map[string]any, error) {
	baseID, table, err := s.eventTarget(ctx, event, recordID)
	if err != nil {
		return nil, err
	}
	principalID, err := s.principalForBase(ctx, baseID)
	if err != nil {
		return nil, err
	}

	record, err := invoker.Do(ctx, s.invoker, principalID, func(ctx context.Context, token string) (airtable.Record, error) {
		return s.airtable.GetRecord(ctx, token, baseID, table, recordID)
	})
	if err != nil {
		return nil, recordFetchError(err)
	}
	resp, created, err := s.store.UpsertResponseFromAirtable(ctx, s.newID("rsp"), recordID, record.Fields)
	if err != nil {
		return nil, err
	}
	s.indexResponse(ctx, resp)
	s.logger.Info(ctx, "response reconciled from airtable",
		"response_id", resp.ID, "airtable_record_id", recordID, "created", created, "principal_id", principalID)
	return map[string]any{"ok": true}, nil
}

// recordFetchError keeps webhook fetch failures on the upstream side: a
// principal without a stored credential or a record Airtable no longer has
// must not surface as a local 404.
func recordFetchError(err error) error {
	switch {
	case errors.Is(err, invoker.ErrRefreshFailed):
		return err
	case errors.Is(err, store.ErrNotFound):
		return upstreamError("no credential available")
	case airtable.IsNotFound(err):
		return upstreamError("Airtable record not found")
	}
	return err
}

// eventTarget finds the base and table to fetch recordID from. Missing parts
// come from the form that owns the existing response, if any.
func (s *Service) eventTarget(ctx context.Context, event AirtableEvent, recordID string) (string, string, error) {
	baseID, table := event.baseID(), event.table()
	if baseID == "" || table == "" {
		form, err := s.formForRecord(ctx, recordID)
		if err != nil {
			return "", "", err
		}
		if form != nil {
			if baseID == "" {
				baseID = form.BaseID
			}
			if table == "" {
				table = form.AirtableTable()
			}
		}
	}
	if baseID == "" || table == "" {
		return "", "", domainError(http.StatusBadRequest, codeMalformedEvent, "base and table required", map[string]any{"recordId": recordID})
	}
	return baseID, table, nil
}

func (s *Service) formForRecord(ctx context.Context, recordID string) (*store.Form, error) {
	resp, err := s.store.GetResponseByRecordID(ctx, recordID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if resp.FormID == nil {
		return nil, nil
	}
	form, err := s.store.GetForm(ctx, *resp.FormID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &form, nil
}

// principalForBase picks whose credential reads a base: the configured
// mapping first, then the owner of the newest form on that base.
func (s *Service) principalForBase(ctx context.Context, baseID string) (string, error) {
	if principalID := strings.TrimSpace(s.cfg.BasePrincipals[baseID]); principalID != "" {
		return principalID, nil
	}
	owner, err := s.store.LatestFormOwnerForBase(ctx, baseID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && owner == "") {
		return "", upstreamError("no credential available")
	}
	if err != nil {
		return "", err
	}
	return owner, nil
}
