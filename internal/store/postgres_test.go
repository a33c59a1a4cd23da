package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"formsync/api/internal/sealbox"
)

var (
	credentialCols = []string{"principal_id", "external_user_id", "profile", "access_token", "refresh_token", "version", "last_login_at", "tokens_updated_at"}
	responseCols   = []string{"id", "form_id", "external_record_id", "answers", "deleted_in_airtable", "created_at", "updated_at"}
)

func newStoreWithMock(t *testing.T, box *sealbox.Box) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStore(db, box), mock
}

func TestGetCredentialOpensSealedTokens(t *testing.T) {
	box := sealbox.New("secret")
	st, mock := newStoreWithMock(t, box)
	access, _ := box.Seal("at-1")
	refresh, _ := box.Seal("rt-1")
	now := time.Now()

	mock.ExpectQuery(`(?s)^SELECT .* FROM credentials WHERE principal_id=\$1$`).
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows(credentialCols).AddRow("user-1", "usrA", []byte(`{"email":"a@x"}`), access, refresh, int64(4), now, now))

	cred, err := st.GetCredential(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("GetCredential error: %v", err)
	}
	if cred.AccessToken != "at-1" || cred.RefreshToken != "rt-1" || cred.Version != 4 {
		t.Fatalf("unexpected credential: %+v", cred)
	}
	if cred.ExternalUserID == nil || *cred.ExternalUserID != "usrA" {
		t.Fatalf("unexpected external user id: %v", cred.ExternalUserID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGetCredentialNotFound(t *testing.T) {
	st, mock := newStoreWithMock(t, nil)
	mock.ExpectQuery(`FROM credentials WHERE principal_id=\$1`).
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	if _, err := st.GetCredential(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetCredentialWithoutRefreshToken(t *testing.T) {
	st, mock := newStoreWithMock(t, nil)
	now := time.Now()
	mock.ExpectQuery(`FROM credentials WHERE principal_id=\$1`).
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows(credentialCols).AddRow("user-1", nil, []byte(`{}`), "plain-at", nil, int64(1), now, now))

	cred, err := st.GetCredential(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("GetCredential error: %v", err)
	}
	if cred.AccessToken != "plain-at" || cred.HasRefreshToken() || cred.ExternalUserID != nil {
		t.Fatalf("unexpected credential: %+v", cred)
	}
}

func TestUpdateCredentialTokensChecksVersion(t *testing.T) {
	st, mock := newStoreWithMock(t, nil)
	now := time.Now()
	mock.ExpectQuery(`(?s)UPDATE credentials SET.*WHERE principal_id = \$1 AND version = \$2`).
		WithArgs("user-1", int64(3), "at-2", "rt-2").
		WillReturnRows(sqlmock.NewRows(credentialCols).AddRow("user-1", nil, []byte(`{}`), "at-2", "rt-2", int64(4), now, now))

	cred, err := st.UpdateCredentialTokens(context.Background(), "user-1", 3, TokenUpdate{AccessToken: "at-2", RefreshToken: "rt-2"})
	if err != nil {
		t.Fatalf("UpdateCredentialTokens error: %v", err)
	}
	if cred.Version != 4 || cred.AccessToken != "at-2" {
		t.Fatalf("unexpected credential: %+v", cred)
	}
}

func TestUpdateCredentialTokensConflict(t *testing.T) {
	st, mock := newStoreWithMock(t, nil)
	mock.ExpectQuery(`(?s)UPDATE credentials SET`).
		WithArgs("user-1", int64(3), "at-2", sqlmock.AnyArg()).
		WillReturnError(sql.ErrNoRows)

	_, err := st.UpdateCredentialTokens(context.Background(), "user-1", 3, TokenUpdate{AccessToken: "at-2"})
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
}

func TestUpsertCredentialSealsTokens(t *testing.T) {
	box := sealbox.New("secret")
	st, mock := newStoreWithMock(t, box)
	access, _ := box.Seal("at-1")
	now := time.Now()
	mock.ExpectQuery(`(?s)INSERT INTO credentials .*ON CONFLICT \(principal_id\) DO UPDATE`).
		WithArgs("user-1", sqlmock.AnyArg(), []byte(`{}`), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(credentialCols).AddRow("user-1", nil, []byte(`{}`), access, nil, int64(1), now, now))

	cred, err := st.UpsertCredential(context.Background(), CredentialGrant{PrincipalID: "user-1", AccessToken: "at-1"})
	if err != nil {
		t.Fatalf("UpsertCredential error: %v", err)
	}
	if cred.AccessToken != "at-1" {
		t.Fatalf("expected opened access token, got %q", cred.AccessToken)
	}
}

func TestGetFormDecodesQuestions(t *testing.T) {
	st, mock := newStoreWithMock(t, nil)
	now := time.Now()
	questions := []byte(`[{"questionKey":"name","airtableFieldId":"fld1","label":"Name","type":"singleLineText","required":true}]`)
	mock.ExpectQuery(`(?s)SELECT id, owner_id, title, base_id, table_id, table_name, questions, created_at\s+FROM forms WHERE id=\$1`).
		WithArgs("frm_1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "owner_id", "title", "base_id", "table_id", "table_name", "questions", "created_at"}).
			AddRow("frm_1", "user-1", "Intake", "appA", "tblA", "Leads", questions, now))

	form, err := st.GetForm(context.Background(), "frm_1")
	if err != nil {
		t.Fatalf("GetForm error: %v", err)
	}
	if len(form.Questions) != 1 || form.Questions[0].Key != "name" || !form.Questions[0].Required {
		t.Fatalf("unexpected questions: %+v", form.Questions)
	}
}

func TestGetFormNotFound(t *testing.T) {
	st, mock := newStoreWithMock(t, nil)
	mock.ExpectQuery(`FROM forms WHERE id=\$1`).WithArgs("missing").WillReturnError(sql.ErrNoRows)
	if _, err := st.GetForm(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestInsertFormWritesEmptyQuestionList(t *testing.T) {
	st, mock := newStoreWithMock(t, nil)
	now := time.Now()
	mock.ExpectExec(`(?s)INSERT INTO forms`).
		WithArgs("frm_1", "user-1", "Intake", "appA", "tblA", "", []byte(`[]`), now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := st.InsertForm(context.Background(), Form{ID: "frm_1", OwnerID: "user-1", Title: "Intake", BaseID: "appA", TableID: "tblA", CreatedAt: now}); err != nil {
		t.Fatalf("InsertForm error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestLatestFormOwnerForBase(t *testing.T) {
	st, mock := newStoreWithMock(t, nil)
	mock.ExpectQuery(`(?s)SELECT owner_id FROM forms WHERE base_id=\$1 ORDER BY created_at DESC LIMIT 1`).
		WithArgs("appA").
		WillReturnRows(sqlmock.NewRows([]string{"owner_id"}).AddRow("user-7"))
	owner, err := st.LatestFormOwnerForBase(context.Background(), "appA")
	if err != nil || owner != "user-7" {
		t.Fatalf("LatestFormOwnerForBase() = %q, %v", owner, err)
	}

	mock.ExpectQuery(`SELECT owner_id FROM forms`).WithArgs("appZ").WillReturnError(sql.ErrNoRows)
	if _, err := st.LatestFormOwnerForBase(context.Background(), "appZ"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpsertResponseFromAirtableReportsInsert(t *testing.T) {
	st, mock := newStoreWithMock(t, nil)
	now := time.Now()
	mock.ExpectQuery(`(?s)INSERT INTO responses .*ON CONFLICT \(external_record_id\) DO UPDATE SET.*deleted_in_airtable = FALSE.*\(xmax = 0\) AS inserted`).
		WithArgs("rsp_new", "rec1", []byte(`{"Name":"Ada"}`)).
		WillReturnRows(sqlmock.NewRows(append(append([]string{}, responseCols...), "inserted")).
			AddRow("rsp_new", nil, "rec1", []byte(`{"Name":"Ada"}`), false, now, now, true))

	resp, created, err := st.UpsertResponseFromAirtable(context.Background(), "rsp_new", "rec1", map[string]any{"Name": "Ada"})
	if err != nil {
		t.Fatalf("UpsertResponseFromAirtable error: %v", err)
	}
	if !created || resp.FormID != nil || resp.ExternalRecordID == nil || *resp.ExternalRecordID != "rec1" {
		t.Fatalf("unexpected upsert result: created=%v resp=%+v", created, resp)
	}
	if resp.Answers["Name"] != "Ada" {
		t.Fatalf("unexpected answers: %v", resp.Answers)
	}
}

func TestMarkResponseDeletedUnknownRecord(t *testing.T) {
	st, mock := newStoreWithMock(t, nil)
	mock.ExpectQuery(`(?s)UPDATE responses SET deleted_in_airtable = TRUE`).
		WithArgs("rec-missing").
		WillReturnError(sql.ErrNoRows)

	_, found, err := st.MarkResponseDeleted(context.Background(), "rec-missing")
	if err != nil || found {
		t.Fatalf("expected silent no-op, got found=%v err=%v", found, err)
	}
}

func TestMarkResponseDeletedFlagsRow(t *testing.T) {
	st, mock := newStoreWithMock(t, nil)
	now := time.Now()
	mock.ExpectQuery(`(?s)UPDATE responses SET deleted_in_airtable = TRUE`).
		WithArgs("rec1").
		WillReturnRows(sqlmock.NewRows(responseCols).AddRow("rsp_1", "frm_1", "rec1", []byte(`{}`), true, now, now))

	resp, found, err := st.MarkResponseDeleted(context.Background(), "rec1")
	if err != nil || !found {
		t.Fatalf("MarkResponseDeleted() found=%v err=%v", found, err)
	}
	if resp.Status() != StatusDeletedInAirtable {
		t.Fatalf("expected deleted status, got %q", resp.Status())
	}
}

func TestListResponsesByFormNewestFirst(t *testing.T) {
	st, mock := newStoreWithMock(t, nil)
	newer := time.Now()
	older := newer.Add(-time.Hour)
	mock.ExpectQuery(`(?s)FROM responses\s+WHERE form_id=\$1\s+ORDER BY created_at DESC`).
		WithArgs("frm_1").
		WillReturnRows(sqlmock.NewRows(responseCols).
			AddRow("rsp_2", "frm_1", "rec2", []byte(`{"a":"2"}`), false, newer, newer).
			AddRow("rsp_1", "frm_1", nil, []byte(`{"a":"1"}`), false, older, older))

	items, err := st.ListResponsesByForm(context.Background(), "frm_1")
	if err != nil {
		t.Fatalf("ListResponsesByForm error: %v", err)
	}
	if len(items) != 2 || items[0].ID != "rsp_2" || items[1].ExternalRecordID != nil {
		t.Fatalf("unexpected responses: %+v", items)
	}
}

func TestListResponsesByIDsSkipsMissing(t *testing.T) {
	st, mock := newStoreWithMock(t, nil)
	now := time.Now()
	mock.ExpectQuery(`FROM responses WHERE id=\$1`).WithArgs("rsp_gone").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`FROM responses WHERE id=\$1`).WithArgs("rsp_1").
		WillReturnRows(sqlmock.NewRows(responseCols).AddRow("rsp_1", "frm_1", "rec1", []byte(`{}`), false, now, now))

	items, err := st.ListResponsesByIDs(context.Background(), []string{"rsp_gone", "rsp_1"})
	if err != nil {
		t.Fatalf("ListResponsesByIDs error: %v", err)
	}
	if len(items) != 1 || items[0].ID != "rsp_1" {
		t.Fatalf("unexpected responses: %+v", items)
	}
}

func TestSaveSubmissionInsertsRow(t *testing.T) {
	st, mock := newStoreWithMock(t, nil)
	now := time.Now()
	formID, recordID := "frm_1", "rec1"
	mock.ExpectQuery(`(?s)INSERT INTO responses .*ON CONFLICT \(external_record_id\) DO UPDATE SET.*form_id = EXCLUDED.form_id.*answers = EXCLUDED.answers`).
		WithArgs("rsp_1", &formID, &recordID, []byte(`{"name":"Ada"}`), false, now, now).
		WillReturnRows(sqlmock.NewRows(responseCols).AddRow("rsp_1", "frm_1", "rec1", []byte(`{"name":"Ada"}`), false, now, now))

	saved, err := st.SaveSubmission(context.Background(), Response{
		ID: "rsp_1", FormID: &formID, ExternalRecordID: &recordID,
		Answers: map[string]any{"name": "Ada"}, CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("SaveSubmission error: %v", err)
	}
	if saved.ID != "rsp_1" || saved.FormID == nil || *saved.FormID != "frm_1" {
		t.Fatalf("unexpected saved response: %+v", saved)
	}
}

func TestSaveSubmissionClaimsWebhookOrphan(t *testing.T) {
	st, mock := newStoreWithMock(t, nil)
	now := time.Now()
	formID, recordID := "frm_1", "rec1"
	// The webhook already created rsp_orphan for rec1; the conflict branch
	// returns that row bound to the form with the submitted answers.
	mock.ExpectQuery(`(?s)INSERT INTO responses .*ON CONFLICT \(external_record_id\) DO UPDATE SET`).
		WithArgs("rsp_new", &formID, &recordID, []byte(`{"name":"Ada"}`), false, now, now).
		WillReturnRows(sqlmock.NewRows(responseCols).AddRow("rsp_orphan", "frm_1", "rec1", []byte(`{"name":"Ada"}`), false, now.Add(-time.Second), now))

	saved, err := st.SaveSubmission(context.Background(), Response{
		ID: "rsp_new", FormID: &formID, ExternalRecordID: &recordID,
		Answers: map[string]any{"name": "Ada"}, CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("SaveSubmission error: %v", err)
	}
	if saved.ID != "rsp_orphan" || saved.FormID == nil || *saved.FormID != "frm_1" || saved.Answers["name"] != "Ada" {
		t.Fatalf("expected orphan claimed by the form, got %+v", saved)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSaveSubmissionDuplicateID(t *testing.T) {
	st, mock := newStoreWithMock(t, nil)
	recordID := "rec1"
	mock.ExpectQuery(`(?s)INSERT INTO responses`).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "responses_pkey"})

	_, err := st.SaveSubmission(context.Background(), Response{ID: "rsp_1", ExternalRecordID: &recordID})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}
