// Package airtable is a thin typed client for the parts of the Airtable Web
// API the form service needs: schema metadata, record create/fetch, and the
// OAuth refresh-token exchange.
package airtable

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const DefaultBaseURL = "https://api.airtable.com/v0"

var ErrTableNotFound = errors.New("table not found")

type Base struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	PermissionLevel string `json:"permissionLevel,omitempty"`
}

type Table struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	PrimaryFieldID string  `json:"primaryFieldId,omitempty"`
	Fields         []Field `json:"fields,omitempty"`
}

// Field is a column definition. Options is kept verbatim so that callers can
// snapshot whatever Airtable reports (choices for select fields, etc.).
type Field struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Type    string          `json:"type"`
	Options json.RawMessage `json:"options,omitempty"`
}

type Record struct {
	ID          string         `json:"id"`
	CreatedTime string         `json:"createdTime,omitempty"`
	Fields      map[string]any `json:"fields"`
}

// APIError is a non-2xx answer from Airtable.
type APIError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("airtable: status %d %s", e.StatusCode, e.Type)
	}
	return fmt.Sprintf("airtable: status %d %s: %s", e.StatusCode, e.Type, e.Message)
}

// IsAuthError reports whether err means Airtable rejected the access token.
func IsAuthError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized
}

func IsNotFound(err error) bool {
	if errors.Is(err, ErrTableNotFound) {
		return true
	}
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return NewClientWithHTTP(baseURL, &http.Client{Timeout: timeout})
}

func NewClientWithHTTP(baseURL string, httpClient *http.Client) *Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), httpClient: httpClient}
}

// ListBases follows Airtable's offset pagination until every base is read.
func (c *Client) ListBases(ctx context.Context, accessToken string) ([]Base, error) {
	bases := []Base{}
	offset := ""
	for {
		path := "/meta/bases"
		if offset != "" {
			path += "?offset=" + url.QueryEscape(offset)
		}
		var page struct {
			Bases  []Base `json:"bases"`
			Offset string `json:"offset"`
		}
		if err := c.do(ctx, accessToken, http.MethodGet, path, nil, &page); err != nil {
			return nil, fmt.Errorf("list bases: %w", err)
		}
		bases = append(bases, page.Bases...)
		if page.Offset == "" || page.Offset == offset {
			return bases, nil
		}
		offset = page.Offset
	}
}

func (c *Client) ListTables(ctx context.Context, accessToken, baseID string) ([]Table, error) {
	var payload struct {
		Tables []Table `json:"tables"`
	}
	path := "/meta/bases/" + url.PathEscape(baseID) + "/tables"
	if err := c.do(ctx, accessToken, http.MethodGet, path, nil, &payload); err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	if payload.Tables == nil {
		return []Table{}, nil
	}
	return payload.Tables, nil
}

// ListFields returns the fields of the table matching tableID by id or name.
func (c *Client) ListFields(ctx context.Context, accessToken, baseID, tableID string) ([]Field, error) {
	tables, err := c.ListTables(ctx, accessToken, baseID)
	if err != nil {
		return nil, err
	}
	for _, table := range tables {
		if table.ID == tableID || table.Name == tableID {
			if table.Fields == nil {
				return []Field{}, nil
			}
			return table.Fields, nil
		}
	}
	return nil, fmt.Errorf("list fields %s: %w", tableID, ErrTableNotFound)
}

func (c *Client) CreateRecord(ctx context.Context, accessToken, baseID, table string, fields map[string]any) (Record, error) {
	body := map[string]any{"fields": fields}
	var record Record
	if err := c.do(ctx, accessToken, http.MethodPost, recordPath(baseID, table, ""), body, &record); err != nil {
		return Record{}, fmt.Errorf("create record: %w", err)
	}
	return record, nil
}

func (c *Client) GetRecord(ctx context.Context, accessToken, baseID, table, recordID string) (Record, error) {
	var record Record
	if err := c.do(ctx, accessToken, http.MethodGet, recordPath(baseID, table, recordID), nil, &record); err != nil {
		return Record{}, fmt.Errorf("get record: %w", err)
	}
	if record.Fields == nil {
		record.Fields = map[string]any{}
	}
	return record, nil
}

func recordPath(baseID, table, recordID string) string {
	path := "/" + url.PathEscape(baseID) + "/" + url.PathEscape(table)
	if recordID != "" {
		path += "/" + url.PathEscape(recordID)
	}
	return path
}

func (c *Client) do(ctx context.Context, accessToken, method, path string, body, target any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return parseAPIError(resp.StatusCode, raw)
	}
	if target == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// parseAPIError understands both {"error":"NOT_FOUND"} and
// {"error":{"type":"...","message":"..."}}.
func parseAPIError(status int, raw []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Type: http.StatusText(status)}
	var envelope struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil || len(envelope.Error) == 0 {
		return apiErr
	}
	var code string
	if err := json.Unmarshal(envelope.Error, &code); err == nil {
		apiErr.Type = code
		return apiErr
	}
	var detail struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(envelope.Error, &detail); err == nil {
		if detail.Type != "" {
			apiErr.Type = detail.Type
		}
		apiErr.Message = detail.Message
	}
	return apiErr
}
