package persistence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/drammen94/mira-OSS/internal/domain/entity"
	"github.com/drammen94/mira-OSS/internal/domain/repository"
	apperrors "github.com/drammen94/mira-OSS/pkg/errors"
)

// MemoryMemoryRepository is the in-process memory store. Hybrid scoring
// mirrors the sqlite fallback of the GORM implementation.
type MemoryMemoryRepository struct {
	mu   sync.RWMutex
	byID map[string]*entity.Memory
}

func NewMemoryMemoryRepository() *MemoryMemoryRepository {
	return &MemoryMemoryRepository{byID: make(map[string]*entity.Memory)}
}

func (r *MemoryMemoryRepository) StoreBatch(_ context.Context, userID string, memories []*entity.Memory) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(memories))
	for _, mem := range memories {
		if err := validateEmbedding(mem.Embedding); err != nil {
			return nil, err
		}
		if mem.ID == "" {
			mem.ID = uuid.NewString()
		}
		if mem.CreatedAt.IsZero() {
			mem.CreatedAt = time.Now().UTC()
		}
		mem.UserID = userID
		r.byID[mem.ID] = mem

		// Maintain mutual link pairs.
		for _, link := range mem.OutboundLinks {
			if target, ok := r.byID[link.TargetID]; ok {
				target.OutboundLinks = append(target.OutboundLinks, entity.MemoryLink{
					TargetID:   mem.ID,
					Type:       link.Type,
					Confidence: link.Confidence,
					Reasoning:  link.Reasoning,
				})
			}
		}
		ids = append(ids, mem.ID)
	}
	return ids, nil
}

func (r *MemoryMemoryRepository) GetByID(_ context.Context, id string) (*entity.Memory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mem, ok := r.byID[id]
	if !ok {
		return nil, apperrors.NewNotFoundError("memory not found")
	}
	return mem, nil
}

func (r *MemoryMemoryRepository) Update(_ context.Context, memory *entity.Memory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[memory.ID]; !ok {
		return apperrors.NewNotFoundError("memory not found")
	}
	r.byID[memory.ID] = memory
	return nil
}

func (r *MemoryMemoryRepository) SearchSimilar(_ context.Context, userID string, embedding []float32, limit int, simThreshold, minImportance float64) ([]*entity.Memory, error) {
	if len(embedding) == 0 {
		return nil, apperrors.NewInvalidInputError("query embedding is required")
	}
	return r.rank(userID, limit, minImportance, func(m *entity.Memory) float64 {
		sim := cosineSimilarity(embedding, m.Embedding)
		if sim < simThreshold {
			return -1
		}
		return sim
	}), nil
}

func (r *MemoryMemoryRepository) HybridSearch(_ context.Context, userID string, query repository.HybridQuery) ([]*entity.Memory, error) {
	if len(query.Embedding) == 0 {
		return nil, apperrors.NewInvalidInputError("query embedding is required")
	}
	textWeight, vecWeight := intentWeights(query.Intent)
	queryTokens := tokenize(query.Text)
	return r.rank(userID, query.Limit, query.MinImportance, func(m *entity.Memory) float64 {
		return textWeight*tokenOverlap(queryTokens, tokenize(m.Text)) +
			vecWeight*cosineSimilarity(query.Embedding, m.Embedding)
	}), nil
}

func (r *MemoryMemoryRepository) TraverseLinks(_ context.Context, id string, maxDepth int) ([]repository.TraversedLink, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	visited := map[string]bool{id: true}
	frontier := []string{id}
	var out []repository.TraversedLink

	for depth := 1; depth <= maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, sourceID := range frontier {
			source, ok := r.byID[sourceID]
			if !ok {
				continue
			}
			for _, link := range source.OutboundLinks {
				if visited[link.TargetID] {
					continue
				}
				visited[link.TargetID] = true
				target, ok := r.byID[link.TargetID]
				if !ok {
					continue
				}
				out = append(out, repository.TraversedLink{
					Memory: target,
					Meta: entity.LinkMetadata{
						LinkType:     link.Type,
						Confidence:   link.Confidence,
						Reasoning:    link.Reasoning,
						Depth:        depth,
						LinkedFromID: sourceID,
					},
				})
				next = append(next, link.TargetID)
			}
		}
		frontier = next
	}
	return out, nil
}

func (r *MemoryMemoryRepository) rank(userID string, limit int, minImportance float64, score func(*entity.Memory) float64) []*entity.Memory {
	r.mu.RLock()
	defer r.mu.RUnlock()

	type scored struct {
		mem   *entity.Memory
		score float64
	}
	var candidates []scored
	for _, mem := range r.byID {
		if mem.UserID != userID || mem.Importance < minImportance {
			continue
		}
		if s := score(mem); s >= 0 {
			candidates = append(candidates, scored{mem, s})
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	out := make([]*entity.Memory, len(candidates))
	for i, c := range candidates {
		out[i] = c.mem
	}
	return out
}

var _ repository.MemoryRepository = (*MemoryMemoryRepository)(nil)
