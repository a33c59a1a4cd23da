package app

import (
	"fmt"
	"net/http"
)

const (
	codeAuthMissing          = "AUTH_MISSING"
	codeAuthExpired          = "AUTH_EXPIRED"
	codeRefreshFailed        = "REFRESH_FAILED"
	codeNotFound             = "NOT_FOUND"
	codeValidation           = "VALIDATION_ERROR"
	codeMissingRequiredField = "MISSING_REQUIRED_FIELD"
	codeInvalidChoice        = "INVALID_CHOICE"
	codeNotAnArray           = "NOT_AN_ARRAY"
	codeFieldNotFound        = "FIELD_NOT_FOUND"
	codeUnsupportedFieldType = "UNSUPPORTED_FIELD_TYPE"
	codeDuplicateQuestionKey = "DUPLICATE_QUESTION_KEY"
	codeUpstream             = "UPSTREAM_ERROR"
	codeMalformedEvent       = "MALFORMED_EVENT"
	codeUnauthorized         = "UNAUTHORIZED"
	codeConflict             = "CONFLICT"
	codeExportUnavailable    = "EXPORT_UNAVAILABLE"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func validationError(code, message string, details map[string]any) *DomainError {
	return domainError(http.StatusBadRequest, code, message, details)
}

func upstreamError(message string) *DomainError {
	return domainError(http.StatusBadGateway, codeUpstream, message, nil)
}
