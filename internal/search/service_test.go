package search

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"formsync/api/internal/store"
)

type fakeEngine struct {
	healthy bool
	results []Result
	err     error
	indexed chan ResponseRecord
}

func (f *fakeEngine) Healthy() bool { return f.healthy }

func (f *fakeEngine) Search(context.Context, Query) ([]Result, int, error) {
	return f.results, len(f.results), f.err
}

func (f *fakeEngine) IndexResponse(_ context.Context, rec ResponseRecord) error {
	f.indexed <- rec
	return nil
}

type fakeSearcher struct {
	calls   int
	results []Result
	err     error
}

func (f *fakeSearcher) Healthy() bool { return true }

func (f *fakeSearcher) Search(context.Context, Query) ([]Result, int, error) {
	f.calls++
	return f.results, len(f.results), f.err
}

func TestSearchPrefersHealthyEngine(t *testing.T) {
	engine := &fakeEngine{healthy: true, results: []Result{{ResponseID: "rsp_1"}}}
	fallback := &fakeSearcher{}
	resp := NewService(engine, fallback, nil).Search(context.Background(), Query{Text: "ada"})
	if len(resp.Results) != 1 || resp.Results[0].ResponseID != "rsp_1" || resp.Query != "ada" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if fallback.calls != 0 {
		t.Fatalf("expected fallback to be skipped, got %d calls", fallback.calls)
	}
}

func TestSearchFallsBackOnEngineError(t *testing.T) {
	engine := &fakeEngine{healthy: true, err: errors.New("boom")}
	fallback := &fakeSearcher{results: []Result{{ResponseID: "rsp_pg"}}}
	resp := NewService(engine, fallback, nil).Search(context.Background(), Query{Text: "ada"})
	if fallback.calls != 1 || resp.Total != 1 || resp.Results[0].ResponseID != "rsp_pg" {
		t.Fatalf("expected fallback results, got %+v", resp)
	}
}

func TestSearchWithoutEngineUsesFallback(t *testing.T) {
	fallback := &fakeSearcher{}
	resp := NewService(nil, fallback, nil).Search(context.Background(), Query{Text: "ada"})
	if fallback.calls != 1 {
		t.Fatalf("expected fallback to run once, got %d", fallback.calls)
	}
	if resp.Results == nil {
		t.Fatal("expected empty, non-nil results")
	}
}

func TestSearchFallbackErrorReturnsEmpty(t *testing.T) {
	resp := NewService(nil, &fakeSearcher{err: errors.New("db down")}, nil).Search(context.Background(), Query{Text: "ada"})
	if len(resp.Results) != 0 || resp.Total != 0 {
		t.Fatalf("expected empty response, got %+v", resp)
	}
}

func TestIndexResponseRunsInBackground(t *testing.T) {
	engine := &fakeEngine{healthy: true, indexed: make(chan ResponseRecord, 1)}
	svc := NewService(engine, nil, nil)
	formID := "frm_1"
	svc.IndexResponse(context.Background(), store.Response{
		ID:        "rsp_1",
		FormID:    &formID,
		Answers:   map[string]any{"name": "Ada"},
		CreatedAt: time.Unix(100, 0),
	})
	select {
	case rec := <-engine.indexed:
		if rec.ID != "rsp_1" || rec.FormID != "frm_1" || rec.Text != "Ada" || rec.Status != store.StatusSubmitted || rec.CreatedAt != 100 {
			t.Fatalf("unexpected record: %+v", rec)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for index call")
	}
}

func TestIndexResponseKeepsDeletedResponseSearchable(t *testing.T) {
	engine := &fakeEngine{healthy: true, indexed: make(chan ResponseRecord, 1)}
	formID := "frm_1"
	NewService(engine, nil, nil).IndexResponse(context.Background(), store.Response{
		ID:                "rsp_1",
		FormID:            &formID,
		Answers:           map[string]any{"name": "Ada"},
		DeletedInAirtable: true,
	})
	select {
	case rec := <-engine.indexed:
		if rec.ID != "rsp_1" || rec.Status != store.StatusDeletedInAirtable {
			t.Fatalf("expected deleted response re-indexed with its status, got %+v", rec)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for index call")
	}
}

func TestIndexResponseSkipsUnhealthyEngine(t *testing.T) {
	engine := &fakeEngine{healthy: false, indexed: make(chan ResponseRecord, 1)}
	NewService(engine, nil, nil).IndexResponse(context.Background(), store.Response{ID: "rsp_1"})
	select {
	case <-engine.indexed:
		t.Fatal("expected no index call for an unhealthy engine")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAnswerTextFlattensLeaves(t *testing.T) {
	text := AnswerText(map[string]any{
		"b_skills": []any{"go", "sql"},
		"a_name":   "Ada",
		"c_count":  3.0,
		"d_cv":     []any{map[string]any{"filename": "cv.pdf", "url": "https://x"}},
		"e_blank":  "  ",
		"f_flag":   true,
	})
	if text != "Ada go sql 3 cv.pdf" {
		t.Fatalf("unexpected text %q", text)
	}
}

func TestPgFTSSearch(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(`(?s)FROM responses r\s+WHERE r.fts @@ plainto_tsquery\('simple', \$1\) AND r.form_id = \$2.*LIMIT 5 OFFSET 0`).
		WithArgs("ada", "frm_1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "form_id", "external_record_id", "deleted_in_airtable", "snippet", "total"}).
			AddRow("rsp_1", "frm_1", "rec1", true, "<b>Ada</b>", 7))

	results, total, err := NewPgFTS(db).Search(context.Background(), Query{Text: "ada", FormID: "frm_1", Limit: 5})
	if err != nil {
		t.Fatalf("Search error: %v", err)
	}
	if total != 7 || len(results) != 1 || results[0].Status != store.StatusDeletedInAirtable {
		t.Fatalf("unexpected results: %d %+v", total, results)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPgFTSBlankQuery(t *testing.T) {
	results, total, err := NewPgFTS(nil).Search(context.Background(), Query{Text: "  "})
	if err != nil || total != 0 || results != nil {
		t.Fatalf("expected empty result for blank query, got %v %d %v", results, total, err)
	}
}
