package store

import (
	"context"
	"fmt"

	chromem "github.com/philippgille/chromem-go"
)

// Hit is one nearest-neighbor result keyed by observation id.
type Hit struct {
	ID       string
	Distance float32
}

// VectorIndex wraps a chromem-go collection holding one embedding per
// observation. chromem-go is a pure Go embedded vector database, so the
// index lives in the same process as the SQLite store.
type VectorIndex struct {
	db  *chromem.DB
	col *chromem.Collection
}

// NewVectorIndex opens a persistent index rooted at path. An empty path
// yields an in-memory index, used by tests.
func NewVectorIndex(path string) (*VectorIndex, error) {
	var db *chromem.DB
	var err error
	if path == "" {
		db = chromem.NewDB()
	} else {
		db, err = chromem.NewPersistentDB(path, false)
		if err != nil {
			return nil, fmt.Errorf("failed to open vector index: %w", err)
		}
	}

	// Embeddings are supplied by the caller, so no embedding func and
	// the default cosine distance.
	col, err := db.GetOrCreateCollection("observations", nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open observations collection: %w", err)
	}

	return &VectorIndex{db: db, col: col}, nil
}

// Add indexes an observation's embedding under its id.
func (ix *VectorIndex) Add(ctx context.Context, id string, embedding []float32, content string) error {
	doc := chromem.Document{
		ID:        id,
		Content:   content,
		Embedding: embedding,
	}
	if err := ix.col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("failed to index observation %s: %w", id, err)
	}
	return nil
}

// Search returns up to k nearest neighbors, closest first. An empty
// index returns no hits and no error.
func (ix *VectorIndex) Search(ctx context.Context, embedding []float32, k int) ([]Hit, error) {
	// chromem rejects nResults larger than the collection, so clamp.
	if count := ix.col.Count(); k > count {
		k = count
	}
	if k <= 0 {
		return nil, nil
	}

	results, err := ix.col.QueryEmbedding(ctx, embedding, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("vector query failed: %w", err)
	}

	hits := make([]Hit, len(results))
	for i, r := range results {
		// chromem reports cosine similarity; callers work in distances.
		hits[i] = Hit{ID: r.ID, Distance: 1 - r.Similarity}
	}
	return hits, nil
}

// Remove deletes an observation's embedding. Unknown ids are a no-op.
func (ix *VectorIndex) Remove(ctx context.Context, id string) error {
	return ix.col.Delete(ctx, nil, nil, id)
}

// Count reports the number of indexed observations.
func (ix *VectorIndex) Count() int {
	return ix.col.Count()
}
