package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"

	"formsync/api/internal/logging"
)

const idxResponses = "formsync_responses"

// Meili implements Engine via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	logger  logging.Logger
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the responses index.
// An unreachable server is tolerated and rechecked in the background.
func NewMeili(url, apiKey string, logger logging.Logger) *Meili {
	m := &Meili{
		client: meili.New(url, meili.WithAPIKey(apiKey)),
		logger: logger,
		done:   make(chan struct{}),
	}
	ctx := context.Background()
	if _, err := m.client.Health(); err != nil {
		logger.Warn(ctx, "meilisearch unavailable", "url", url, "error", err)
	} else {
		m.healthy.Store(true)
		m.configureIndex(ctx)
	}
	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex(ctx context.Context) {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{Uid: idxResponses, PrimaryKey: "id"}); err != nil {
		m.logger.Debug(ctx, "create index (may already exist)", "index", idxResponses, "error", err)
	}
	index := m.client.Index(idxResponses)
	filterable := []interface{}{"formId", "status"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.logger.Warn(ctx, "update filterable attributes", "index", idxResponses, "error", err)
	}
	searchable := []string{"text", "airtableRecordId"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.logger.Warn(ctx, "update searchable attributes", "index", idxResponses, "error", err)
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				ctx := context.Background()
				m.logger.Info(ctx, "meilisearch recovered, reconfiguring index")
				m.configureIndex(ctx)
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func (m *Meili) Search(_ context.Context, q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, errors.New("meilisearch unhealthy")
	}
	limit := int64(q.Limit)
	if limit <= 0 {
		limit = 20
	}
	req := &meili.SearchRequest{
		IndexUID:              idxResponses,
		Query:                 q.Text,
		Limit:                 limit,
		Offset:                int64(q.Offset),
		AttributesToHighlight: []string{"text"},
		HighlightPreTag:       "<mark>",
		HighlightPostTag:      "</mark>",
	}
	if q.FormID != "" {
		req.Filter = []string{fmt.Sprintf("formId = %q", q.FormID)}
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{Queries: []*meili.SearchRequest{req}})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch search: %w", err)
	}

	var (
		results []Result
		total   int
	)
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		for _, hit := range sr.Hits {
			results = append(results, hitToResult(hit))
		}
	}
	return results, total, nil
}

func hitToResult(hit meili.Hit) Result {
	return Result{
		ResponseID:       decodeString(hit, "id"),
		FormID:           decodeString(hit, "formId"),
		AirtableRecordID: decodeString(hit, "airtableRecordId"),
		Status:           decodeString(hit, "status"),
		Snippet:          firstNonBlank(decodeFormattedString(hit, "text"), decodeString(hit, "text")),
	}
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]any
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	value, _ := formatted[key].(string)
	return strings.TrimSpace(value)
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func (m *Meili) IndexResponse(_ context.Context, rec ResponseRecord) error {
	_, err := m.client.Index(idxResponses).AddDocuments([]ResponseRecord{rec}, nil)
	return err
}

func (m *Meili) IndexResponses(records []ResponseRecord) error {
	if len(records) == 0 {
		return nil
	}
	_, err := m.client.Index(idxResponses).AddDocuments(records, nil)
	return err
}
