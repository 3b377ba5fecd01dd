package memory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search"
	"github.com/blevesearch/bleve/v2/search/query"

	"github.com/GlacierEQ/God-Mind/results"
	"github.com/GlacierEQ/God-Mind/tasks"
)

// BleveArchive is a durable outcome archive backed by a Bleve index.
// Output and error text are full-text searchable; provider, operation,
// status and code are exact-match filters. The index survives process
// restarts.
type BleveArchive struct {
	mu     sync.RWMutex
	index  bleve.Index
	closed bool
}

// NewBleveArchive opens or creates the index at path, creating parent
// directories as needed.
func NewBleveArchive(path string) (*BleveArchive, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create archive directory: %w", err)
		}
	}

	var (
		index bleve.Index
		err   error
	)
	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		index, err = bleve.New(path, buildIndexMapping())
	} else {
		index, err = bleve.Open(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open outcome index: %w", err)
	}

	return &BleveArchive{index: index}, nil
}

// buildIndexMapping creates the Bleve index mapping for outcomes.
func buildIndexMapping() mapping.IndexMapping {
	outcomeMapping := bleve.NewDocumentMapping()

	// Text field mapping (analyzed for full-text search)
	textFieldMapping := bleve.NewTextFieldMapping()
	textFieldMapping.Analyzer = standard.Name

	// Keyword field mapping (not analyzed, exact match)
	keywordFieldMapping := bleve.NewKeywordFieldMapping()

	dateFieldMapping := bleve.NewDateTimeFieldMapping()
	numericFieldMapping := bleve.NewNumericFieldMapping()

	outcomeMapping.AddFieldMappingsAt("output", textFieldMapping)
	outcomeMapping.AddFieldMappingsAt("error", textFieldMapping)
	outcomeMapping.AddFieldMappingsAt("task_id", keywordFieldMapping)
	outcomeMapping.AddFieldMappingsAt("provider", keywordFieldMapping)
	outcomeMapping.AddFieldMappingsAt("operation", keywordFieldMapping)
	outcomeMapping.AddFieldMappingsAt("status", keywordFieldMapping)
	outcomeMapping.AddFieldMappingsAt("code", keywordFieldMapping)
	outcomeMapping.AddFieldMappingsAt("agent_id", keywordFieldMapping)
	outcomeMapping.AddFieldMappingsAt("attempts", numericFieldMapping)
	outcomeMapping.AddFieldMappingsAt("duration_ms", numericFieldMapping)
	outcomeMapping.AddFieldMappingsAt("submitted_at", dateFieldMapping)
	outcomeMapping.AddFieldMappingsAt("completed_at", dateFieldMapping)

	indexMapping := bleve.NewIndexMapping()
	indexMapping.DefaultMapping = outcomeMapping
	indexMapping.DefaultAnalyzer = standard.Name

	return indexMapping
}

// Archive indexes the finalized outcome. Re-archiving the same task
// overwrites the previous document.
func (a *BleveArchive) Archive(ctx context.Context, task *tasks.Task, res *results.Result) error {
	outcome, err := newOutcome(task, res)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	}

	if err := a.index.Index(outcome.TaskID, outcome); err != nil {
		return fmt.Errorf("failed to index outcome: %w", err)
	}
	return nil
}

// Get returns the archived outcome for a task.
func (a *BleveArchive) Get(ctx context.Context, taskID string) (*Outcome, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return nil, ErrClosed
	}
	if taskID == "" {
		return nil, ErrNotFound
	}

	docIDQuery := bleve.NewDocIDQuery([]string{taskID})
	searchReq := bleve.NewSearchRequest(docIDQuery)
	searchReq.Fields = []string{"*"}
	searchReq.Size = 1

	res, err := a.index.Search(searchReq)
	if err != nil {
		return nil, err
	}
	if res.Total == 0 {
		return nil, ErrNotFound
	}

	outcome := outcomeFromHit(res.Hits[0])
	return &outcome, nil
}

// Search returns archived outcomes matching the query text and filter,
// most relevant first. An empty query matches everything the filter
// allows.
func (a *BleveArchive) Search(ctx context.Context, queryText string, filter OutcomeFilter) ([]OutcomeMatch, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return nil, ErrClosed
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	searchReq := bleve.NewSearchRequest(buildOutcomeQuery(queryText, filter))
	searchReq.Size = limit
	searchReq.Fields = []string{"*"}

	searchResult, err := a.index.Search(searchReq)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	var matches []OutcomeMatch
	for _, hit := range searchResult.Hits {
		// Convert score to 0-1 range (BM25 scores can be > 1)
		score := float32(hit.Score)
		if score > 1 {
			score = 1 - (1 / (1 + score))
		}

		matches = append(matches, OutcomeMatch{
			Outcome: outcomeFromHit(hit),
			Score:   score,
		})
	}

	return matches, nil
}

// Count returns how many archived outcomes match the filter. The
// filter's Limit is ignored.
func (a *BleveArchive) Count(ctx context.Context, filter OutcomeFilter) (uint64, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return 0, ErrClosed
	}

	searchReq := bleve.NewSearchRequest(buildOutcomeQuery("", filter))
	searchReq.Size = 0

	res, err := a.index.Search(searchReq)
	if err != nil {
		return 0, fmt.Errorf("count failed: %w", err)
	}
	return res.Total, nil
}

// Close closes the index. Safe to call more than once.
func (a *BleveArchive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true
	return a.index.Close()
}

// buildOutcomeQuery combines full-text matching with exact-match
// filters into a single conjunction.
func buildOutcomeQuery(queryText string, filter OutcomeFilter) query.Query {
	var base query.Query
	if strings.TrimSpace(queryText) == "" {
		base = bleve.NewMatchAllQuery()
	} else {
		base = bleve.NewMatchQuery(queryText)
	}

	boolQuery := bleve.NewBooleanQuery()
	boolQuery.AddMust(base)

	addTerm := func(field, value string) {
		if value == "" {
			return
		}
		termQuery := bleve.NewTermQuery(value)
		termQuery.SetField(field)
		boolQuery.AddMust(termQuery)
	}
	addTerm("provider", filter.Provider)
	addTerm("operation", filter.Operation)
	addTerm("status", string(filter.Status))
	addTerm("code", filter.Code)
	addTerm("agent_id", filter.AgentID)

	if !filter.CompletedAfter.IsZero() || !filter.CompletedBefore.IsZero() {
		rangeQuery := bleve.NewDateRangeQuery(filter.CompletedAfter, filter.CompletedBefore)
		rangeQuery.SetField("completed_at")
		boolQuery.AddMust(rangeQuery)
	}

	return boolQuery
}

// outcomeFromHit rebuilds an Outcome from stored fields. Dates come
// back RFC3339-formatted, numbers as float64.
func outcomeFromHit(hit *search.DocumentMatch) Outcome {
	o := Outcome{TaskID: hit.ID}

	if v, ok := hit.Fields["provider"].(string); ok {
		o.Provider = v
	}
	if v, ok := hit.Fields["operation"].(string); ok {
		o.Operation = v
	}
	if v, ok := hit.Fields["status"].(string); ok {
		o.Status = results.ResultStatus(v)
	}
	if v, ok := hit.Fields["code"].(string); ok {
		o.Code = v
	}
	if v, ok := hit.Fields["error"].(string); ok {
		o.Error = v
	}
	if v, ok := hit.Fields["output"].(string); ok {
		o.Output = v
	}
	if v, ok := hit.Fields["agent_id"].(string); ok {
		o.AgentID = v
	}
	if v, ok := hit.Fields["attempts"].(float64); ok {
		o.Attempts = int(v)
	}
	if v, ok := hit.Fields["duration_ms"].(float64); ok {
		o.DurationMS = int64(v)
	}
	if v, ok := hit.Fields["submitted_at"].(string); ok {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			o.SubmittedAt = ts
		}
	}
	if v, ok := hit.Fields["completed_at"].(string); ok {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			o.CompletedAt = ts
		}
	}

	return o
}
