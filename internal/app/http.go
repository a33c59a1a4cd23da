package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"formsync/api/internal/airtable"
	"formsync/api/internal/auth"
	"formsync/api/internal/export"
	"formsync/api/internal/invoker"
	"formsync/api/internal/schema"
	"formsync/api/internal/store"
)

const (
	principalHeader = "x-user-id"
	syncTokenHeader = "x-formsync-sync-token"
	maxWebhookBody  = 1 << 20
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	// Webhooks authenticate with the shared secret, not a principal.
	if r.URL.Path == "/webhooks/airtable" || r.URL.Path == "/webhooks/external" {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		s.handleWebhook(w, r)
		return
	}

	parts := splitPath(r.URL.Path)

	if len(parts) == 4 && parts[0] == "api" && parts[1] == "internal" && parts[2] == "credentials" {
		if !auth.SecretsEqual(strings.TrimSpace(r.Header.Get(syncTokenHeader)), s.service.SyncToken()) {
			writeError(w, http.StatusUnauthorized, codeUnauthorized, "Unauthorized", nil)
			return
		}
		if r.Method != http.MethodPut {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		var body CredentialInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.StoreCredential(r.Context(), parts[3], body)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if len(parts) < 2 || parts[0] != "api" || parts[1] != "forms" {
		writeError(w, http.StatusNotFound, codeNotFound, "Not found", nil)
		return
	}

	principal, ok := s.requirePrincipal(w, r)
	if !ok {
		return
	}

	if len(parts) == 2 {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		var body CreateFormInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		s.respond(w, r, func() (map[string]any, error) {
			return s.service.CreateForm(r.Context(), principal, body)
		})
		return
	}

	switch {
	case len(parts) == 3 && parts[2] == "bases":
		s.handleSchemaRead(w, r, func() (map[string]any, error) {
			return s.service.ListBases(r.Context(), principal)
		})
		return
	case len(parts) == 4 && parts[2] == "tables":
		s.handleSchemaRead(w, r, func() (map[string]any, error) {
			return s.service.ListTables(r.Context(), principal, parts[3])
		})
		return
	case len(parts) == 5 && parts[2] == "fields":
		s.handleSchemaRead(w, r, func() (map[string]any, error) {
			return s.service.ListFields(r.Context(), principal, parts[3], parts[4])
		})
		return
	}

	s.handleForms(w, r, principal, parts[2], parts[3:])
}

func (s *HTTPServer) handleSchemaRead(w http.ResponseWriter, r *http.Request, call func() (map[string]any, error)) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}
	s.respond(w, r, call)
}

func (s *HTTPServer) handleForms(w http.ResponseWriter, r *http.Request, principal Principal, formID string, rest []string) {
	if len(rest) == 0 {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		s.respond(w, r, func() (map[string]any, error) {
			return s.service.GetForm(r.Context(), formID)
		})
		return
	}
	if len(rest) != 1 {
		writeError(w, http.StatusNotFound, codeNotFound, "Not found", nil)
		return
	}

	switch rest[0] {
	case "submit":
		if r.Method != http.MethodPost {
			break
		}
		var body struct {
			Answers map[string]any `json:"answers"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		s.respond(w, r, func() (map[string]any, error) {
			return s.service.SubmitForm(r.Context(), principal, formID, body.Answers)
		})
		return
	case "responses":
		if r.Method != http.MethodGet {
			break
		}
		input := ListResponsesInput{Query: r.URL.Query().Get("q"), Limit: 20}
		for name, target := range map[string]*int{"limit": &input.Limit, "offset": &input.Offset} {
			raw := strings.TrimSpace(r.URL.Query().Get(name))
			if raw == "" {
				continue
			}
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed < 0 {
				writeError(w, http.StatusBadRequest, codeValidation, name+" must be a non-negative integer", nil)
				return
			}
			*target = parsed
		}
		s.respond(w, r, func() (map[string]any, error) {
			return s.service.ListResponses(r.Context(), formID, input)
		})
		return
	case "export":
		if r.Method != http.MethodPost {
			break
		}
		var body ExportInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		s.respond(w, r, func() (map[string]any, error) {
			return s.service.ExportResponses(r.Context(), formID, body)
		})
		return
	default:
		writeError(w, http.StatusNotFound, codeNotFound, "Not found", nil)
		return
	}

	writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
}

func (s *HTTPServer) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "Could not read body", nil)
		return
	}
	if err := auth.VerifyWebhook(s.service.WebhookSecret(), r.Header, body); err != nil {
		s.service.logger.Warn(r.Context(), "webhook rejected", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusUnauthorized, codeUnauthorized, "Invalid webhook secret", nil)
		return
	}
	var event AirtableEvent
	if err := json.Unmarshal(body, &event); err != nil {
		writeError(w, http.StatusBadRequest, codeMalformedEvent, "invalid JSON body", nil)
		return
	}
	s.respond(w, r, func() (map[string]any, error) {
		return s.service.HandleAirtableEvent(r.Context(), event)
	})
}

func (s *HTTPServer) respond(w http.ResponseWriter, r *http.Request, call func() (map[string]any, error)) {
	payload, err := call()
	if err != nil {
		status, code, message, details := mapError(err)
		if status >= http.StatusInternalServerError {
			s.service.logger.Error(r.Context(), "request failed", "request_id", RequestID(r.Context()), "path", r.URL.Path, "code", code, "error", err)
		}
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) requirePrincipal(w http.ResponseWriter, r *http.Request) (Principal, bool) {
	principal, err := s.service.Authenticate(r.Context(), r.Header.Get(principalHeader))
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return Principal{}, false
	}
	return principal, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.service.logger.Info(ctx, "request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

// RequestID returns the id assigned to the request carried by ctx.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID, X-User-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// mapError renders err for the client. Upstream and token failures are kept
// opaque.
func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var schemaErr *schema.Error
	if errors.As(err, &schemaErr) {
		return http.StatusBadRequest, schemaCode(schemaErr.Kind), schemaErr.Error(), schemaDetails(schemaErr)
	}
	if errors.Is(err, invoker.ErrRefreshFailed) {
		return http.StatusBadGateway, codeRefreshFailed, "Could not refresh Airtable credential", nil
	}
	if errors.Is(err, store.ErrNotFound) || airtable.IsNotFound(err) {
		return http.StatusNotFound, codeNotFound, "Not found", nil
	}
	if airtable.IsAuthError(err) {
		return http.StatusUnauthorized, codeAuthExpired, "Airtable authorization expired", nil
	}
	if errors.Is(err, export.ErrStorageUnavailable) {
		return http.StatusServiceUnavailable, codeExportUnavailable, "Export storage is not configured", nil
	}
	if errors.Is(err, export.ErrUnsupportedFormat) {
		return http.StatusBadRequest, codeValidation, "Unsupported export format", nil
	}
	if errors.Is(err, store.ErrDuplicate) || errors.Is(err, store.ErrVersionConflict) {
		return http.StatusConflict, codeConflict, "Conflict", nil
	}
	if errors.Is(err, auth.ErrInvalidSignature) {
		return http.StatusUnauthorized, codeUnauthorized, "Unauthorized", nil
	}
	var apiErr *airtable.APIError
	var urlErr *url.Error
	if errors.As(err, &apiErr) || errors.As(err, &urlErr) {
		return http.StatusBadGateway, codeUpstream, "Airtable request failed", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

func schemaCode(kind error) string {
	switch kind {
	case schema.ErrFieldNotFound:
		return codeFieldNotFound
	case schema.ErrUnsupportedFieldType:
		return codeUnsupportedFieldType
	case schema.ErrDuplicateQuestionKey:
		return codeDuplicateQuestionKey
	default:
		return codeValidation
	}
}

func schemaDetails(err *schema.Error) map[string]any {
	details := map[string]any{}
	if err.QuestionKey != "" {
		details["questionKey"] = err.QuestionKey
	}
	if err.FieldID != "" {
		details["fieldId"] = err.FieldID
	}
	if err.FieldType != "" {
		details["fieldType"] = err.FieldType
	}
	return details
}
