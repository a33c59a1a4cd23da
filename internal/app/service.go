package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"formsync/api/internal/airtable"
	"formsync/api/internal/config"
	"formsync/api/internal/export"
	"formsync/api/internal/invoker"
	"formsync/api/internal/logging"
	"formsync/api/internal/search"
	"formsync/api/internal/store"
	"formsync/api/internal/util"
)

// Principal is the local user a request acts for.
type Principal struct {
	ID string
}

type dataStore interface {
	Ping(context.Context) error
	GetCredential(context.Context, string) (store.Credential, error)
	UpdateCredentialTokens(context.Context, string, int64, store.TokenUpdate) (store.Credential, error)
	UpsertCredential(context.Context, store.CredentialGrant) (store.Credential, error)
	InsertForm(context.Context, store.Form) error
	GetForm(context.Context, string) (store.Form, error)
	LatestFormOwnerForBase(context.Context, string) (string, error)
	SaveSubmission(context.Context, store.Response) (store.Response, error)
	GetResponseByRecordID(context.Context, string) (store.Response, error)
	UpsertResponseFromAirtable(context.Context, string, string, map[string]any) (store.Response, bool, error)
	MarkResponseDeleted(context.Context, string) (store.Response, bool, error)
	ListResponsesByForm(context.Context, string) ([]store.Response, error)
	ListResponsesByIDs(context.Context, []string) ([]store.Response, error)
}

type airtableAPI interface {
	ListBases(ctx context.Context, accessToken string) ([]airtable.Base, error)
	ListTables(ctx context.Context, accessToken, baseID string) ([]airtable.Table, error)
	ListFields(ctx context.Context, accessToken, baseID, tableID string) ([]airtable.Field, error)
	CreateRecord(ctx context.Context, accessToken, baseID, table string, fields map[string]any) (airtable.Record, error)
	GetRecord(ctx context.Context, accessToken, baseID, table, recordID string) (airtable.Record, error)
}

type responseIndex interface {
	Search(ctx context.Context, q search.Query) search.Response
	IndexResponse(ctx context.Context, resp store.Response)
}

type responseExporter interface {
	StorageConfigured() bool
	Export(ctx context.Context, req export.Request) (*export.Result, error)
}

type Service struct {
	cfg      config.Config
	store    dataStore
	airtable airtableAPI
	invoker  *invoker.Invoker
	search   responseIndex
	exports  responseExporter
	logger   logging.Logger
	now      func() time.Time
	newID    func(prefix string) string
}

func New(cfg config.Config, dataStore *store.PostgresStore, client *airtable.Client, inv *invoker.Invoker, logger logging.Logger) *Service {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		airtable: client,
		invoker:  inv,
		logger:   logger,
		now:      time.Now,
		newID:    util.NewID,
	}
}

// WithSearch enables response search and indexing.
func (s *Service) WithSearch(svc *search.Service) *Service {
	if svc != nil {
		s.search = svc
	}
	return s
}

// WithExports enables response exports.
func (s *Service) WithExports(svc *export.Service) *Service {
	if svc != nil {
		s.exports = svc
	}
	return s
}

func (s *Service) SyncToken() string {
	return s.cfg.SyncToken
}

func (s *Service) WebhookSecret() string {
	return s.cfg.WebhookSecret
}

// Ping checks the health of service dependencies (database, etc.)
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Authenticate resolves the principal named by a request header. Only
// principals with a stored credential are known.
func (s *Service) Authenticate(ctx context.Context, principalID string) (Principal, error) {
	principalID = strings.TrimSpace(principalID)
	if principalID == "" {
		return Principal{}, domainError(http.StatusUnauthorized, codeAuthMissing, "Missing x-user-id header", nil)
	}
	if _, err := s.store.GetCredential(ctx, principalID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Principal{}, domainError(http.StatusUnauthorized, codeAuthMissing, "User not found", nil)
		}
		return Principal{}, err
	}
	return Principal{ID: principalID}, nil
}

type CredentialInput struct {
	AccessToken    string          `json:"accessToken"`
	RefreshToken   string          `json:"refreshToken"`
	ExternalUserID string          `json:"externalUserId"`
	Profile        json.RawMessage `json:"profile"`
}

// StoreCredential records the outcome of an OAuth login for principalID.
func (s *Service) StoreCredential(ctx context.Context, principalID string, input CredentialInput) (map[string]any, error) {
	principalID = strings.TrimSpace(principalID)
	if principalID == "" {
		return nil, validationError(codeValidation, "principalId is required", nil)
	}
	if strings.TrimSpace(input.AccessToken) == "" {
		return nil, validationError(codeValidation, "accessToken is required", nil)
	}
	grant := store.CredentialGrant{
		PrincipalID:  principalID,
		AccessToken:  strings.TrimSpace(input.AccessToken),
		RefreshToken: strings.TrimSpace(input.RefreshToken),
		Profile:      input.Profile,
	}
	if externalID := strings.TrimSpace(input.ExternalUserID); externalID != "" {
		grant.ExternalUserID = &externalID
	}
	cred, err := s.store.UpsertCredential(ctx, grant)
	if err != nil {
		return nil, err
	}
	s.logger.Info(ctx, "credential stored", "principal_id", principalID, "version", cred.Version)
	return map[string]any{
		"principalId":     cred.PrincipalID,
		"externalUserId":  cred.ExternalUserID,
		"hasRefreshToken": cred.HasRefreshToken(),
		"version":         cred.Version,
		"lastLoginAt":     cred.LastLoginAt,
		"tokensUpdatedAt": cred.TokensUpdatedAt,
	}, nil
}

func formPayload(form store.Form) map[string]any {
	questions := form.Questions
	if questions == nil {
		questions = []store.Question{}
	}
	return map[string]any{
		"id":                form.ID,
		"owner":             form.OwnerID,
		"title":             form.Title,
		"airtableBaseId":    form.BaseID,
		"airtableTableId":   form.TableID,
		"airtableTableName": form.TableName,
		"questions":         questions,
		"createdAt":         form.CreatedAt,
	}
}

func responsePayload(resp store.Response) map[string]any {
	answers := resp.Answers
	if answers == nil {
		answers = map[string]any{}
	}
	return map[string]any{
		"id":                resp.ID,
		"formId":            resp.FormID,
		"airtableRecordId":  resp.ExternalRecordID,
		"answers":           answers,
		"status":            resp.Status(),
		"deletedInAirtable": resp.DeletedInAirtable,
		"createdAt":         resp.CreatedAt,
		"updatedAt":         resp.UpdatedAt,
	}
}

func recordPayload(record airtable.Record) map[string]any {
	fields := record.Fields
	if fields == nil {
		fields = map[string]any{}
	}
	return map[string]any{
		"id":          record.ID,
		"createdTime": record.CreatedTime,
		"fields":      fields,
	}
}
