// Package export renders a form's responses as CSV or JSON and stores the
// file in object storage.
package export

import (
	"errors"
	"time"
)

type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

func ParseFormat(value string) (Format, error) {
	switch Format(value) {
	case FormatCSV, "":
		return FormatCSV, nil
	case FormatJSON:
		return FormatJSON, nil
	default:
		return "", ErrUnsupportedFormat
	}
}

func (f Format) MimeType() string {
	if f == FormatJSON {
		return "application/json"
	}
	return "text/csv"
}

type Request struct {
	FormID string
	Format Format
}

// Result is a rendered export. URL and Key are set once it is uploaded.
type Result struct {
	Data      []byte
	Filename  string
	MimeType  string
	Count     int
	Key       string
	URL       string
	ExpiresAt time.Time
}

var (
	ErrUnsupportedFormat  = errors.New("unsupported export format")
	ErrStorageUnavailable = errors.New("export storage is not configured")
)
