package export

import (
	"context"
	"fmt"
	"time"

	"formsync/api/internal/store"
)

// DataStore defines the reads an export needs.
type DataStore interface {
	GetForm(ctx context.Context, formID string) (store.Form, error)
	ListResponsesByForm(ctx context.Context, formID string) ([]store.Response, error)
}

// Uploader stores an export and returns a time-limited download URL.
type Uploader interface {
	Upload(ctx context.Context, key, contentType string, data []byte) (string, time.Time, error)
}

type Service struct {
	store    DataStore
	uploader Uploader
	now      func() time.Time
}

// NewService creates an export service. uploader may be nil, in which case
// Export fails with ErrStorageUnavailable and Render still works.
func NewService(store DataStore, uploader Uploader) *Service {
	return &Service{store: store, uploader: uploader, now: time.Now}
}

func (s *Service) StorageConfigured() bool {
	return s.uploader != nil
}

// Render produces the export file without uploading it.
func (s *Service) Render(ctx context.Context, req Request) (*Result, error) {
	form, err := s.store.GetForm(ctx, req.FormID)
	if err != nil {
		return nil, fmt.Errorf("get form: %w", err)
	}
	responses, err := s.store.ListResponsesByForm(ctx, req.FormID)
	if err != nil {
		return nil, fmt.Errorf("list responses: %w", err)
	}

	var data []byte
	switch req.Format {
	case FormatCSV:
		data, err = RenderCSV(form, responses)
	case FormatJSON:
		data, err = RenderJSON(form, responses)
	default:
		return nil, ErrUnsupportedFormat
	}
	if err != nil {
		return nil, fmt.Errorf("render %s: %w", req.Format, err)
	}
	return &Result{
		Data:     data,
		Filename: fmt.Sprintf("%s-responses.%s", form.ID, req.Format),
		MimeType: req.Format.MimeType(),
		Count:    len(responses),
	}, nil
}

// Export renders the file and uploads it under forms/<formId>/.
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	if s.uploader == nil {
		return nil, ErrStorageUnavailable
	}
	result, err := s.Render(ctx, req)
	if err != nil {
		return nil, err
	}
	result.Key = fmt.Sprintf("forms/%s/responses-%s.%s", req.FormID, s.now().UTC().Format("20060102T150405Z"), req.Format)
	url, expiresAt, err := s.uploader.Upload(ctx, result.Key, result.MimeType, result.Data)
	if err != nil {
		return nil, fmt.Errorf("upload export: %w", err)
	}
	result.URL = url
	result.ExpiresAt = expiresAt
	return result, nil
}
