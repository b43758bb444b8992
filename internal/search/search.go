// Package search provides approximate-nearest-neighbor search over task
// embeddings using an external vector index.
//
// The index is an optional acceleration layer: Postgres remains the
// source of truth for tasks and embeddings, and every caller must
// tolerate a nil Searcher.
package search

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Result holds a task ID and its raw similarity score from the index.
// The caller hydrates full Task objects from Postgres.
type Result struct {
	TaskID uuid.UUID
	Score  float32
}

// Point is the data needed to upsert a single task into the index.
type Point struct {
	TaskID    uuid.UUID
	AgentType string
	Status    string
	CreatedAt time.Time
	Embedding []float32
}

// Searcher is the interface for vector search indexes.
// Implementations must be safe for concurrent use.
type Searcher interface {
	// SimilarTasks returns task IDs similar to the given embedding.
	// excludeID is removed from results (the source task). agentType,
	// when non-nil, restricts results to tasks of that type.
	SimilarTasks(ctx context.Context, embedding []float32, excludeID uuid.UUID, agentType *string, limit int) ([]Result, error)

	// Healthy returns nil if the search index is reachable, or an error
	// describing the problem.
	Healthy(ctx context.Context) error
}

// Indexer is the write side of a vector index. The embedding pipeline
// mirrors every stored embedding through it; task deletion evicts.
type Indexer interface {
	Upsert(ctx context.Context, points []Point) error
	DeleteByIDs(ctx context.Context, ids []uuid.UUID) error
}
