package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"formsync/api/internal/store"
)

// PgFTS implements Searcher over the generated tsvector on responses.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true. If Postgres is down the API is down too.
func (p *PgFTS) Healthy() bool {
	return true
}

func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	where := "r.fts @@ plainto_tsquery('simple', $1)"
	args := []any{q.Text}
	if q.FormID != "" {
		where += " AND r.form_id = $2"
		args = append(args, q.FormID)
	}
	query := fmt.Sprintf(`
		SELECT r.id, COALESCE(r.form_id, ''), COALESCE(r.external_record_id, ''), r.deleted_in_airtable,
			ts_headline('simple', r.answers::text, plainto_tsquery('simple', $1), 'MaxFragments=1,MaxWords=30') AS snippet,
			COUNT(*) OVER() AS total
		FROM responses r
		WHERE %s
		ORDER BY ts_rank(r.fts, plainto_tsquery('simple', $1)) DESC, r.created_at DESC
		LIMIT %d OFFSET %d`, where, limit, offset)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var (
		results []Result
		total   int
	)
	for rows.Next() {
		var (
			r       Result
			deleted bool
		)
		if err := rows.Scan(&r.ResponseID, &r.FormID, &r.AirtableRecordID, &deleted, &r.Snippet, &total); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Status = store.Response{DeletedInAirtable: deleted}.Status()
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns every response for a full reindex.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]ResponseRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, COALESCE(form_id, ''), COALESCE(external_record_id, ''), answers, deleted_in_airtable, created_at
		FROM responses
	`)
	if err != nil {
		return nil, fmt.Errorf("load responses: %w", err)
	}
	defer rows.Close()

	records := make([]ResponseRecord, 0)
	for rows.Next() {
		var (
			resp     store.Response
			formID   string
			recordID string
			answers  []byte
		)
		if err := rows.Scan(&resp.ID, &formID, &recordID, &answers, &resp.DeletedInAirtable, &resp.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan response: %w", err)
		}
		if err := decodeAnswers(answers, &resp); err != nil {
			return nil, err
		}
		rec := RecordFromResponse(resp)
		rec.FormID = formID
		rec.AirtableRecordID = recordID
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate responses: %w", err)
	}
	return records, nil
}
