package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"formsync/api/internal/store"
)

type fakeStore struct {
	getForm       func(ctx context.Context, formID string) (store.Form, error)
	listResponses func(ctx context.Context, formID string) ([]store.Response, error)
}

func (f fakeStore) GetForm(ctx context.Context, formID string) (store.Form, error) {
	return f.getForm(ctx, formID)
}

func (f fakeStore) ListResponsesByForm(ctx context.Context, formID string) ([]store.Response, error) {
	return f.listResponses(ctx, formID)
}

type fakeUploader struct {
	key         string
	contentType string
	data        []byte
	err         error
}

func (f *fakeUploader) Upload(_ context.Context, key, contentType string, data []byte) (string, time.Time, error) {
	f.key, f.contentType, f.data = key, contentType, data
	if f.err != nil {
		return "", time.Time{}, f.err
	}
	return "https://files.example/" + key, time.Unix(2000, 0), nil
}

func strPtr(value string) *string { return &value }

func sampleStore() fakeStore {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return fakeStore{
		getForm: func(_ context.Context, formID string) (store.Form, error) {
			if formID != "frm_1" {
				return store.Form{}, store.ErrNotFound
			}
			return store.Form{ID: "frm_1", Title: "Intake", Questions: []store.Question{
				{Key: "name", Label: "Full name", Type: "singleLineText"},
				{Key: "skills", Label: "Skills", Type: "multipleSelects"},
				{Key: "cv", Label: "CV", Type: "multipleAttachments"},
			}}, nil
		},
		listResponses: func(context.Context, string) ([]store.Response, error) {
			return []store.Response{
				{
					ID: "rsp_2", ExternalRecordID: strPtr("rec2"), CreatedAt: created, UpdatedAt: created,
					Answers: map[string]any{"name": "Ada", "skills": []any{"go", "sql"}, "cv": []any{map[string]any{"filename": "cv.pdf"}}},
				},
				{
					ID: "rsp_1", ExternalRecordID: strPtr("rec1"), DeletedInAirtable: true, CreatedAt: created, UpdatedAt: created,
					Answers: map[string]any{"Full name": "Grace, H."},
				},
			}, nil
		},
	}
}

func TestRenderCSV(t *testing.T) {
	result, err := NewService(sampleStore(), nil).Render(context.Background(), Request{FormID: "frm_1", Format: FormatCSV})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if result.Count != 2 || result.MimeType != "text/csv" || result.Filename != "frm_1-responses.csv" {
		t.Fatalf("unexpected result metadata: %+v", result)
	}
	rows, err := csv.NewReader(strings.NewReader(string(result.Data))).ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected header plus two rows, got %d", len(rows))
	}
	if got := strings.Join(rows[0], "|"); got != "response_id|airtable_record_id|status|created_at|updated_at|Full name|Skills|CV" {
		t.Fatalf("unexpected header %q", got)
	}
	if rows[1][5] != "Ada" || rows[1][6] != "go; sql" || rows[1][7] != "cv.pdf" {
		t.Fatalf("unexpected first row %v", rows[1])
	}
	if rows[2][2] != store.StatusDeletedInAirtable || rows[2][5] != "Grace, H." {
		t.Fatalf("expected label fallback and deleted status, got %v", rows[2])
	}
}

func TestRenderJSON(t *testing.T) {
	result, err := NewService(sampleStore(), nil).Render(context.Background(), Request{FormID: "frm_1", Format: FormatJSON})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	var doc struct {
		FormID    string `json:"formId"`
		Responses []struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"responses"`
	}
	if err := json.Unmarshal(result.Data, &doc); err != nil {
		t.Fatalf("decode json export: %v", err)
	}
	if doc.FormID != "frm_1" || len(doc.Responses) != 2 || doc.Responses[1].Status != store.StatusDeletedInAirtable {
		t.Fatalf("unexpected export: %+v", doc)
	}
}

func TestRenderMissingForm(t *testing.T) {
	_, err := NewService(sampleStore(), nil).Render(context.Background(), Request{FormID: "nope", Format: FormatCSV})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestExportRequiresStorage(t *testing.T) {
	svc := NewService(sampleStore(), nil)
	if svc.StorageConfigured() {
		t.Fatal("expected storage to be unconfigured")
	}
	if _, err := svc.Export(context.Background(), Request{FormID: "frm_1", Format: FormatCSV}); !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable, got %v", err)
	}
}

func TestExportUploads(t *testing.T) {
	uploader := &fakeUploader{}
	svc := NewService(sampleStore(), uploader)
	svc.now = func() time.Time { return time.Date(2026, 3, 2, 8, 30, 0, 0, time.UTC) }

	result, err := svc.Export(context.Background(), Request{FormID: "frm_1", Format: FormatJSON})
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if uploader.key != "forms/frm_1/responses-20260302T083000Z.json" || uploader.contentType != "application/json" {
		t.Fatalf("unexpected upload: key=%q type=%q", uploader.key, uploader.contentType)
	}
	if result.URL != "https://files.example/"+uploader.key || result.Key != uploader.key {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestExportUploadFailure(t *testing.T) {
	svc := NewService(sampleStore(), &fakeUploader{err: errors.New("bucket gone")})
	if _, err := svc.Export(context.Background(), Request{FormID: "frm_1", Format: FormatCSV}); err == nil {
		t.Fatal("expected upload failure")
	}
}

func TestParseFormat(t *testing.T) {
	if f, err := ParseFormat(""); err != nil || f != FormatCSV {
		t.Fatalf("expected csv default, got %q %v", f, err)
	}
	if f, err := ParseFormat("json"); err != nil || f != FormatJSON {
		t.Fatalf("expected json, got %q %v", f, err)
	}
	if _, err := ParseFormat("pdf"); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
}
