package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/GlacierEQ/God-Mind/results"
	"github.com/GlacierEQ/God-Mind/tasks"
)

// MemoryArchive is an in-memory outcome archive for tests and
// ephemeral runs. All data is lost when the process exits.
type MemoryArchive struct {
	mu       sync.RWMutex
	outcomes map[string]*Outcome
	closed   bool
}

// NewMemoryArchive creates an empty in-memory archive.
func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{
		outcomes: make(map[string]*Outcome),
	}
}

// Archive stores the finalized outcome, overwriting any previous
// outcome for the same task.
func (a *MemoryArchive) Archive(ctx context.Context, task *tasks.Task, res *results.Result) error {
	outcome, err := newOutcome(task, res)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	}

	a.outcomes[outcome.TaskID] = &outcome
	return nil
}

// Get returns the archived outcome for a task.
func (a *MemoryArchive) Get(ctx context.Context, taskID string) (*Outcome, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return nil, ErrClosed
	}

	outcome, ok := a.outcomes[taskID]
	if !ok {
		return nil, ErrNotFound
	}

	copied := *outcome
	return &copied, nil
}

// Search returns outcomes matching the query text and filter, most
// recently completed first. Matching is substring-based and scores are
// uniform; relevance ranking needs the Bleve archive.
func (a *MemoryArchive) Search(ctx context.Context, queryText string, filter OutcomeFilter) ([]OutcomeMatch, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return nil, ErrClosed
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	needle := strings.ToLower(strings.TrimSpace(queryText))

	var matches []OutcomeMatch
	for _, outcome := range a.outcomes {
		if !filter.Matches(outcome) {
			continue
		}
		if needle != "" && !outcomeContains(outcome, needle) {
			continue
		}
		matches = append(matches, OutcomeMatch{Outcome: *outcome, Score: 1})
	}

	sort.Slice(matches, func(i, j int) bool {
		if !matches[i].CompletedAt.Equal(matches[j].CompletedAt) {
			return matches[i].CompletedAt.After(matches[j].CompletedAt)
		}
		return matches[i].TaskID < matches[j].TaskID
	})

	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// Count returns how many archived outcomes match the filter. The
// filter's Limit is ignored.
func (a *MemoryArchive) Count(ctx context.Context, filter OutcomeFilter) (uint64, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return 0, ErrClosed
	}

	var n uint64
	for _, outcome := range a.outcomes {
		if filter.Matches(outcome) {
			n++
		}
	}
	return n, nil
}

// Close releases the archive. Safe to call more than once.
func (a *MemoryArchive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true
	a.outcomes = nil
	return nil
}

// outcomeContains reports whether any searchable text field contains
// the lowercased needle.
func outcomeContains(o *Outcome, needle string) bool {
	return strings.Contains(strings.ToLower(o.Output), needle) ||
		strings.Contains(strings.ToLower(o.Error), needle) ||
		strings.Contains(strings.ToLower(o.Operation), needle) ||
		strings.Contains(strings.ToLower(o.Provider), needle)
}
