// Package search finds stored responses by the text of their answers.
package search

import "context"

// Result is a single search hit returned to the caller.
type Result struct {
	ResponseID       string `json:"responseId"`
	FormID           string `json:"formId,omitempty"`
	AirtableRecordID string `json:"airtableRecordId,omitempty"`
	Snippet          string `json:"snippet"`
	Status           string `json:"status"`
}

// Query describes a search request. An empty FormID searches every form.
type Query struct {
	Text   string
	FormID string
	Limit  int
	Offset int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push responses into a search index.
type Indexer interface {
	IndexResponse(ctx context.Context, rec ResponseRecord) error
}

// Engine is a search backend that keeps its own index.
type Engine interface {
	Searcher
	Indexer
}

// ResponseRecord is the data we index for a response.
type ResponseRecord struct {
	ID               string `json:"id"`
	FormID           string `json:"formId"`
	AirtableRecordID string `json:"airtableRecordId"`
	Text             string `json:"text"`
	Status           string `json:"status"`
	CreatedAt        int64  `json:"createdAt"`
}
