package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"formsync/api/internal/sealbox"
)

type PostgresStore struct {
	db  *sql.DB
	box *sealbox.Box
}

// NewPostgresStore wraps db. Token columns are sealed with box when it is
// non-nil.
func NewPostgresStore(db *sql.DB, box *sealbox.Box) *PostgresStore {
	return &PostgresStore{db: db, box: box}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const credentialColumns = `principal_id, external_user_id, profile, access_token, refresh_token, version, last_login_at, tokens_updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *PostgresStore) scanCredential(row rowScanner) (Credential, error) {
	var (
		cred           Credential
		externalUserID sql.NullString
		refreshToken   sql.NullString
		profile        []byte
	)
	if err := row.Scan(&cred.PrincipalID, &externalUserID, &profile, &cred.AccessToken, &refreshToken, &cred.Version, &cred.LastLoginAt, &cred.TokensUpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Credential{}, ErrNotFound
		}
		return Credential{}, err
	}
	if externalUserID.Valid {
		value := externalUserID.String
		cred.ExternalUserID = &value
	}
	cred.Profile = json.RawMessage(profile)
	access, err := s.box.Open(cred.AccessToken)
	if err != nil {
		return Credential{}, fmt.Errorf("open access token: %w", err)
	}
	cred.AccessToken = access
	if refreshToken.Valid {
		refresh, err := s.box.Open(refreshToken.String)
		if err != nil {
			return Credential{}, fmt.Errorf("open refresh token: %w", err)
		}
		cred.RefreshToken = refresh
	}
	return cred, nil
}

func (s *PostgresStore) sealPair(access, refresh string) (string, sql.NullString, error) {
	sealedAccess, err := s.box.Seal(access)
	if err != nil {
		return "", sql.NullString{}, fmt.Errorf("seal access token: %w", err)
	}
	if refresh == "" {
		return sealedAccess, sql.NullString{}, nil
	}
	sealedRefresh, err := s.box.Seal(refresh)
	if err != nil {
		return "", sql.NullString{}, fmt.Errorf("seal refresh token: %w", err)
	}
	return sealedAccess, sql.NullString{String: sealedRefresh, Valid: true}, nil
}

func (s *PostgresStore) GetCredential(ctx context.Context, principalID string) (Credential, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+credentialColumns+` FROM credentials WHERE principal_id=$1`, principalID)
	cred, err := s.scanCredential(row)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Credential{}, err
		}
		return Credential{}, fmt.Errorf("get credential: %w", err)
	}
	return cred, nil
}

// UpsertCredential records a fresh login. A missing refresh token or external
// user id keeps whatever was stored before.
func (s *PostgresStore) UpsertCredential(ctx context.Context, grant CredentialGrant) (Credential, error) {
	access, refresh, err := s.sealPair(grant.AccessToken, grant.RefreshToken)
	if err != nil {
		return Credential{}, err
	}
	profile := grant.Profile
	if len(profile) == 0 {
		profile = json.RawMessage(`{}`)
	}
	var externalUserID sql.NullString
	if grant.ExternalUserID != nil && *grant.ExternalUserID != "" {
		externalUserID = sql.NullString{String: *grant.ExternalUserID, Valid: true}
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO credentials (principal_id, external_user_id, profile, access_token, refresh_token)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (principal_id) DO UPDATE SET
			external_user_id = COALESCE(EXCLUDED.external_user_id, credentials.external_user_id),
			profile = EXCLUDED.profile,
			access_token = EXCLUDED.access_token,
			refresh_token = COALESCE(EXCLUDED.refresh_token, credentials.refresh_token),
			version = credentials.version + 1,
			last_login_at = NOW(),
			tokens_updated_at = NOW()
		RETURNING `+credentialColumns,
		grant.PrincipalID, externalUserID, []byte(profile), access, refresh)
	cred, err := s.scanCredential(row)
	if err != nil {
		return Credential{}, fmt.Errorf("upsert credential: %w", err)
	}
	return cred, nil
}

// UpdateCredentialTokens stores a refreshed pair if the row is still at
// expectedVersion; otherwise it returns ErrVersionConflict.
func (s *PostgresStore) UpdateCredentialTokens(ctx context.Context, principalID string, expectedVersion int64, update TokenUpdate) (Credential, error) {
	access, refresh, err := s.sealPair(update.AccessToken, update.RefreshToken)
	if err != nil {
		return Credential{}, err
	}
	row := s.db.QueryRowContext(ctx, `
		UPDATE credentials SET
			access_token = $3,
			refresh_token = COALESCE($4, refresh_token),
			version = version + 1,
			tokens_updated_at = NOW()
		WHERE principal_id = $1 AND version = $2
		RETURNING `+credentialColumns,
		principalID, expectedVersion, access, refresh)
	cred, err := s.scanCredential(row)
	if errors.Is(err, ErrNotFound) {
		return Credential{}, ErrVersionConflict
	}
	if err != nil {
		return Credential{}, fmt.Errorf("update credential tokens: %w", err)
	}
	return cred, nil
}

func (s *PostgresStore) InsertForm(ctx context.Context, form Form) error {
	questions, err := json.Marshal(nonNilQuestions(form.Questions))
	if err != nil {
		return fmt.Errorf("marshal questions: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO forms (id, owner_id, title, base_id, table_id, table_name, questions, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, form.ID, form.OwnerID, form.Title, form.BaseID, form.TableID, form.TableName, questions, form.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("insert form %s: %w", form.ID, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("insert form: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetForm(ctx context.Context, formID string) (Form, error) {
	var (
		form      Form
		questions []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, title, base_id, table_id, table_name, questions, created_at
		FROM forms WHERE id=$1
	`, formID).Scan(&form.ID, &form.OwnerID, &form.Title, &form.BaseID, &form.TableID, &form.TableName, &questions, &form.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Form{}, ErrNotFound
	}
	if err != nil {
		return Form{}, fmt.Errorf("get form: %w", err)
	}
	if err := json.Unmarshal(questions, &form.Questions); err != nil {
		return Form{}, fmt.Errorf("decode questions: %w", err)
	}
	return form, nil
}

// LatestFormOwnerForBase returns the owner of the newest form bound to baseID.
func (s *PostgresStore) LatestFormOwnerForBase(ctx context.Context, baseID string) (string, error) {
	var ownerID string
	err := s.db.QueryRowContext(ctx, `
		SELECT owner_id FROM forms WHERE base_id=$1 ORDER BY created_at DESC LIMIT 1
	`, baseID).Scan(&ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lookup base owner: %w", err)
	}
	return ownerID, nil
}

const responseColumns = `id, form_id, external_record_id, answers, deleted_in_airtable, created_at, updated_at`

func scanResponse(row rowScanner, extra ...any) (Response, error) {
	var (
		resp     Response
		formID   sql.NullString
		recordID sql.NullString
		answers  []byte
	)
	dest := append([]any{&resp.ID, &formID, &recordID, &answers, &resp.DeletedInAirtable, &resp.CreatedAt, &resp.UpdatedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Response{}, ErrNotFound
		}
		return Response{}, err
	}
	if formID.Valid {
		value := formID.String
		resp.FormID = &value
	}
	if recordID.Valid {
		value := recordID.String
		resp.ExternalRecordID = &value
	}
	resp.Answers = map[string]any{}
	if len(answers) > 0 {
		if err := json.Unmarshal(answers, &resp.Answers); err != nil {
			return Response{}, fmt.Errorf("decode answers: %w", err)
		}
		if resp.Answers == nil {
			resp.Answers = map[string]any{}
		}
	}
	return resp, nil
}

func marshalAnswers(answers map[string]any) ([]byte, error) {
	if answers == nil {
		answers = map[string]any{}
	}
	encoded, err := json.Marshal(answers)
	if err != nil {
		return nil, fmt.Errorf("marshal answers: %w", err)
	}
	return encoded, nil
}

// SaveSubmission stores a submitted response. A row already created for the
// same Airtable record by an early webhook is claimed: it is bound to the
// form and takes the submitted answers, keeping its own id.
func (s *PostgresStore) SaveSubmission(ctx context.Context, resp Response) (Response, error) {
	answers, err := marshalAnswers(resp.Answers)
	if err != nil {
		return Response{}, err
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO responses (id, form_id, external_record_id, answers, deleted_in_airtable, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (external_record_id) DO UPDATE SET
			form_id = EXCLUDED.form_id,
			answers = EXCLUDED.answers,
			deleted_in_airtable = FALSE,
			updated_at = NOW()
		RETURNING `+responseColumns,
		resp.ID, resp.FormID, resp.ExternalRecordID, answers, resp.DeletedInAirtable, resp.CreatedAt, resp.UpdatedAt)
	saved, err := scanResponse(row)
	if isUniqueViolation(err) {
		return Response{}, fmt.Errorf("save submission %s: %w", resp.ID, ErrDuplicate)
	}
	if err != nil {
		return Response{}, fmt.Errorf("save submission: %w", err)
	}
	return saved, nil
}

func (s *PostgresStore) GetResponseByRecordID(ctx context.Context, recordID string) (Response, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+responseColumns+` FROM responses WHERE external_record_id=$1`, recordID)
	resp, err := scanResponse(row)
	if errors.Is(err, ErrNotFound) {
		return Response{}, err
	}
	if err != nil {
		return Response{}, fmt.Errorf("get response by record: %w", err)
	}
	return resp, nil
}

// UpsertResponseFromAirtable overwrites the answers of the response bound to
// recordID and clears its deleted flag, or creates an orphan response with id
// newID. The unique index on external_record_id makes duplicate events
// converge on one row. created reports whether a row was inserted.
func (s *PostgresStore) UpsertResponseFromAirtable(ctx context.Context, newID, recordID string, answers map[string]any) (Response, bool, error) {
	encoded, err := marshalAnswers(answers)
	if err != nil {
		return Response{}, false, err
	}
	var created bool
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO responses (id, external_record_id, answers)
		VALUES ($1, $2, $3)
		ON CONFLICT (external_record_id) DO UPDATE SET
			answers = EXCLUDED.answers,
			deleted_in_airtable = FALSE,
			updated_at = NOW()
		RETURNING `+responseColumns+`, (xmax = 0) AS inserted
	`, newID, recordID, encoded)
	resp, err := scanResponse(row, &created)
	if err != nil {
		return Response{}, false, fmt.Errorf("upsert response: %w", err)
	}
	return resp, created, nil
}

// MarkResponseDeleted flags the response bound to recordID. found is false
// when no such response exists.
func (s *PostgresStore) MarkResponseDeleted(ctx context.Context, recordID string) (Response, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE responses SET deleted_in_airtable = TRUE, updated_at = NOW()
		WHERE external_record_id = $1
		RETURNING `+responseColumns, recordID)
	resp, err := scanResponse(row)
	if errors.Is(err, ErrNotFound) {
		return Response{}, false, nil
	}
	if err != nil {
		return Response{}, false, fmt.Errorf("mark response deleted: %w", err)
	}
	return resp, true, nil
}

// ListResponsesByForm returns a form's responses, newest first.
func (s *PostgresStore) ListResponsesByForm(ctx context.Context, formID string) ([]Response, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+responseColumns+` FROM responses
		WHERE form_id=$1
		ORDER BY created_at DESC, id DESC
	`, formID)
	if err != nil {
		return nil, fmt.Errorf("list responses: %w", err)
	}
	defer rows.Close()

	items := []Response{}
	for rows.Next() {
		resp, err := scanResponse(rows)
		if err != nil {
			return nil, fmt.Errorf("scan response: %w", err)
		}
		items = append(items, resp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate responses: %w", err)
	}
	return items, nil
}

// ListResponsesByIDs loads responses in the order of ids, skipping ids that
// no longer exist.
func (s *PostgresStore) ListResponsesByIDs(ctx context.Context, ids []string) ([]Response, error) {
	items := make([]Response, 0, len(ids))
	for _, id := range ids {
		row := s.db.QueryRowContext(ctx, `SELECT `+responseColumns+` FROM responses WHERE id=$1`, id)
		resp, err := scanResponse(row)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load response %s: %w", id, err)
		}
		items = append(items, resp)
	}
	return items, nil
}

func nonNilQuestions(questions []Question) []Question {
	if questions == nil {
		return []Question{}
	}
	return questions
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
