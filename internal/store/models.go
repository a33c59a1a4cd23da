package store

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrVersionConflict = errors.New("credential version conflict")
	ErrDuplicate       = errors.New("already exists")
)

const (
	StatusSubmitted         = "submitted"
	StatusDeletedInAirtable = "deletedInAirtable"
)

// Credential is a principal's Airtable OAuth token pair. Version increases on
// every token update so concurrent refreshes can detect each other.
type Credential struct {
	PrincipalID     string
	ExternalUserID  *string
	Profile         json.RawMessage
	AccessToken     string
	RefreshToken    string
	Version         int64
	LastLoginAt     time.Time
	TokensUpdatedAt time.Time
}

func (c Credential) HasRefreshToken() bool {
	return c.RefreshToken != ""
}

// TokenUpdate is applied by UpdateCredentialTokens. An empty RefreshToken
// keeps the stored one.
type TokenUpdate struct {
	AccessToken  string
	RefreshToken string
}

// CredentialGrant is what the OAuth flow hands over after a successful login.
type CredentialGrant struct {
	PrincipalID    string
	ExternalUserID *string
	Profile        json.RawMessage
	AccessToken    string
	RefreshToken   string
}

type Form struct {
	ID        string
	OwnerID   string
	Title     string
	BaseID    string
	TableID   string
	TableName string
	Questions []Question
	CreatedAt time.Time
}

// AirtableTable is the name used in record URLs, falling back to the id.
func (f Form) AirtableTable() string {
	if f.TableName != "" {
		return f.TableName
	}
	return f.TableID
}

// Question is embedded in its form's JSONB document.
type Question struct {
	Key              string          `json:"questionKey"`
	FieldID          string          `json:"airtableFieldId"`
	Label            string          `json:"label"`
	Type             string          `json:"type"`
	Required         bool            `json:"required"`
	ConditionalRules json.RawMessage `json:"conditionalRules"`
	Options          json.RawMessage `json:"options"`
}

// ChoiceNames lists the select option names captured when the form was built.
func (q Question) ChoiceNames() []string {
	if len(q.Options) == 0 {
		return nil
	}
	var options struct {
		Choices []struct {
			Name string `json:"name"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(q.Options, &options); err != nil {
		return nil
	}
	names := make([]string, 0, len(options.Choices))
	for _, choice := range options.Choices {
		names = append(names, choice.Name)
	}
	return names
}

// OutputLabel is the Airtable column name answers are written under.
func (q Question) OutputLabel() string {
	if q.Label != "" {
		return q.Label
	}
	return q.Key
}

// Response is a stored submission. FormID is nil for orphans created from
// webhook events about records this service never submitted.
type Response struct {
	ID                string
	FormID            *string
	ExternalRecordID  *string
	Answers           map[string]any
	DeletedInAirtable bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (r Response) Status() string {
	if r.DeletedInAirtable {
		return StatusDeletedInAirtable
	}
	return StatusSubmitted
}
