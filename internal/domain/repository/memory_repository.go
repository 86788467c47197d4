package repository

import (
	"context"

	"github.com/drammen94/mira-OSS/internal/domain/entity"
)

// SearchIntent selects the text/vector weighting for hybrid search.
type SearchIntent string

const (
	IntentRecall  SearchIntent = "recall"
	IntentExplore SearchIntent = "explore"
	IntentExact   SearchIntent = "exact"
	IntentGeneral SearchIntent = "general"
)

// TraversedLink is one memory reached by walking the link graph.
type TraversedLink struct {
	Memory *entity.Memory
	Meta   entity.LinkMetadata
}

// HybridQuery parameterizes a combined text and vector search.
type HybridQuery struct {
	Text          string
	Embedding     []float32
	Intent        SearchIntent
	Limit         int
	MinImportance float64
	SimThreshold  float64
}

// MemoryRepository persists long-term memories and their link graph.
type MemoryRepository interface {
	// StoreBatch inserts memories with their embeddings atomically and
	// returns the assigned ids in input order.
	StoreBatch(ctx context.Context, userID string, memories []*entity.Memory) ([]string, error)

	// GetByID loads one memory with its outbound links.
	GetByID(ctx context.Context, id string) (*entity.Memory, error)

	// Update applies a patch to a stored memory.
	Update(ctx context.Context, memory *entity.Memory) error

	// SearchSimilar returns memories by vector similarity.
	SearchSimilar(ctx context.Context, userID string, embedding []float32, limit int, simThreshold, minImportance float64) ([]*entity.Memory, error)

	// HybridSearch combines text relevance and vector similarity with
	// intent-dependent weights.
	HybridSearch(ctx context.Context, userID string, query HybridQuery) ([]*entity.Memory, error)

	// TraverseLinks walks outbound links from a memory up to maxDepth,
	// breadth-first, skipping already-visited nodes.
	TraverseLinks(ctx context.Context, id string, maxDepth int) ([]TraversedLink, error)
}
