// Package retrieval answers similarity queries over persisted
// observations: embed the query text, take nearest neighbors from the
// vector index, then narrow by the structural filters the index itself
// cannot apply.
package retrieval

import (
	"context"
	"sort"
	"strings"

	"github.com/baleen37/memmem-sub003/internal/provider"
	"github.com/baleen37/memmem-sub003/internal/ratelimit"
	"github.com/baleen37/memmem-sub003/internal/store"
)

// DefaultLimit caps results when the caller does not ask for a count.
const DefaultLimit = 10

// overfetch multiplies k when structural filters are present, since the
// index cannot pre-filter and the second pass discards rows.
const overfetch = 5

// Searcher is the nearest-neighbor primitive, satisfied by
// store.VectorIndex.
type Searcher interface {
	Search(ctx context.Context, embedding []float32, k int) ([]store.Hit, error)
}

// Finder resolves hit ids to observations, satisfied by store.Storage.
type Finder interface {
	ObservationsByIDs(ids []string) ([]store.Observation, error)
}

// Query describes one retrieval request. All filters are optional.
type Query struct {
	Text      string
	Projects  []string
	SessionID string
	After     string // inclusive, YYYY-MM-DD
	Before    string // inclusive, YYYY-MM-DD
	Files     []string
	Limit     int
}

// Result is the compact projection returned for lists. Narrative and
// the other heavy fields are fetched separately by id.
type Result struct {
	ID         string
	Title      string
	Project    string
	SessionID  string
	Timestamp  int64
	Similarity float32
}

// Engine performs rate-limited embedding and filtered search.
type Engine struct {
	index    Searcher
	finder   Finder
	embedder provider.Embedder
	limiter  *ratelimit.Limiter
}

func NewEngine(index Searcher, finder Finder, embedder provider.Embedder, limiter *ratelimit.Limiter) *Engine {
	return &Engine{
		index:    index,
		finder:   finder,
		embedder: embedder,
		limiter:  limiter,
	}
}

// Search runs a query. Date validation happens before any external
// call, so a bad bound costs nothing. An empty corpus yields an empty
// result, never an error.
func (e *Engine) Search(ctx context.Context, q Query) ([]Result, error) {
	afterMs, beforeMs, err := dayBounds(q.After, q.Before)
	if err != nil {
		return nil, err
	}

	limit := q.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}

	e.limiter.Acquire()
	embedding, err := e.embedder.Embed(ctx, q.Text)
	if err != nil {
		return nil, err
	}

	filtered := len(q.Projects) > 0 || q.SessionID != "" || afterMs > 0 || beforeMs > 0 || len(q.Files) > 0
	k := limit
	if filtered {
		k = limit * overfetch
	}

	hits, err := e.index.Search(ctx, embedding, k)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return []Result{}, nil
	}

	ids := make([]string, len(hits))
	similarity := make(map[string]float32, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
		sim := 1 - h.Distance
		if sim < 0 {
			sim = 0
		}
		similarity[h.ID] = sim
	}

	observations, err := e.finder.ObservationsByIDs(ids)
	if err != nil {
		return nil, err
	}

	results := []Result{}
	for _, o := range observations {
		if !matches(&o, q, afterMs, beforeMs) {
			continue
		}
		results = append(results, Result{
			ID:         o.ID,
			Title:      o.Title,
			Project:    o.Project,
			SessionID:  o.SessionID,
			Timestamp:  o.Timestamp,
			Similarity: similarity[o.ID],
		})
	}

	// The index returns neighbors closest-first already; the stable
	// sort keeps that order on similarity ties.
	sortBySimilarity(results)

	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// matches applies the structural filters the vector index cannot.
func matches(o *store.Observation, q Query, afterMs, beforeMs int64) bool {
	if len(q.Projects) > 0 {
		found := false
		for _, p := range q.Projects {
			if o.Project == p {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if q.SessionID != "" && o.SessionID != q.SessionID {
		return false
	}

	if afterMs > 0 && o.Timestamp < afterMs {
		return false
	}
	if beforeMs > 0 && o.Timestamp > beforeMs {
		return false
	}

	if len(q.Files) > 0 && !matchesFile(o, q.Files) {
		return false
	}
	return true
}

// matchesFile reports whether any fragment appears in the observation's
// stored content: its file lists or narrative.
func matchesFile(o *store.Observation, fragments []string) bool {
	for _, fragment := range fragments {
		for _, f := range o.FilesRead {
			if strings.Contains(f, fragment) {
				return true
			}
		}
		for _, f := range o.FilesModified {
			if strings.Contains(f, fragment) {
				return true
			}
		}
		if strings.Contains(o.Narrative, fragment) {
			return true
		}
	}
	return false
}

func sortBySimilarity(results []Result) {
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})
}
