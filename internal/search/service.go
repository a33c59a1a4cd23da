package search

import (
	"context"
	"encoding/json"
	"fmt"

	"formsync/api/internal/logging"
	"formsync/api/internal/store"
)

// Service tries the engine first and falls back to the database searcher.
type Service struct {
	engine   Engine
	fallback Searcher
	logger   logging.Logger
}

// NewService creates a search service. engine may be nil when Meilisearch is
// not configured.
func NewService(engine Engine, fallback Searcher, logger logging.Logger) *Service {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Service{engine: engine, fallback: fallback, logger: logger}
}

func (s *Service) engineReady() bool {
	return s.engine != nil && s.engine.Healthy()
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.engineReady() {
		results, total, err := s.engine.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.logger.Warn(ctx, "search engine error, falling back to pgfts", "error", err)
	}
	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.logger.Error(ctx, "pgfts search error", "error", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexResponse pushes a response to the engine in the background.
func (s *Service) IndexResponse(ctx context.Context, resp store.Response) {
	if !s.engineReady() {
		return
	}
	rec := RecordFromResponse(resp)
	ctx = context.WithoutCancel(ctx)
	go func() {
		if err := s.engine.IndexResponse(ctx, rec); err != nil {
			s.logger.Warn(ctx, "index response", "response_id", rec.ID, "error", err)
		}
	}()
}

// ReindexAllFromPG copies every stored response into the engine.
func (s *Service) ReindexAllFromPG(ctx context.Context, pg *PgFTS) {
	bulk, ok := s.engine.(interface {
		IndexResponses([]ResponseRecord) error
	})
	if !s.engineReady() || pg == nil || !ok {
		return
	}
	records, err := pg.LoadAllRecords(ctx)
	if err != nil {
		s.logger.Error(ctx, "reindex load failed", "error", err)
		return
	}
	if err := bulk.IndexResponses(records); err != nil {
		s.logger.Error(ctx, "reindex responses", "error", err)
		return
	}
	s.logger.Info(ctx, "reindexed responses", "count", len(records))
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}

func decodeAnswers(raw []byte, resp *store.Response) error {
	resp.Answers = map[string]any{}
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, &resp.Answers); err != nil {
		return fmt.Errorf("decode answers: %w", err)
	}
	return nil
}
