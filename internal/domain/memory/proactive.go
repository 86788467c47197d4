package memory

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/drammen94/mira-OSS/internal/domain/entity"
	"github.com/drammen94/mira-OSS/internal/domain/repository"
	apperrors "github.com/drammen94/mira-OSS/pkg/errors"
)

// Reranker is the cross-encoder capability of the embedding service. It is
// optional; callers check RerankerAvailable before relying on it.
type Reranker interface {
	RerankerAvailable() bool
	Rerank(ctx context.Context, query string, passages []string) ([]RankedPassage, error)
}

// RankedPassage mirrors the encoder service's rerank result.
type RankedPassage struct {
	Index   int     `json:"index"`
	Score   float64 `json:"score"`
	Passage string  `json:"passage"`
}

// Options tunes the proactive search. Values come from retrieval.* config
// and may be hot-reloaded between turns.
type Options struct {
	MaxLinkTraversalDepth int
	MinImportanceScore    float64
	SimilarityThreshold   float64
}

// linkTypeWeights bias the link rerank toward relationships that change
// the meaning of a primary memory.
var linkTypeWeights = map[entity.LinkType]float64{
	entity.LinkConflicts:     1.0,
	entity.LinkInvalidatedBy: 1.0,
	entity.LinkSupersedes:    0.9,
	entity.LinkCauses:        0.8,
	entity.LinkMotivatedBy:   0.8,
	entity.LinkInstanceOf:    0.7,
	entity.LinkSharesEntity:  0.4,
}

const defaultLinkTypeWeight = 0.5

// minLinkConfidence drops speculative edges from the surfaced set.
const minLinkConfidence = 0.6

// ProactiveService is the retrieval engine: hybrid search, link expansion,
// type-weighted rerank, optional cross-encoder rescoring.
type ProactiveService struct {
	memories repository.MemoryRepository
	reranker Reranker
	opts     func() Options
	logger   *zap.Logger
}

// NewProactiveService creates the retrieval engine. opts is called per
// search so hot-reloaded retrieval config takes effect without restart.
func NewProactiveService(memories repository.MemoryRepository, reranker Reranker, opts func() Options, logger *zap.Logger) *ProactiveService {
	return &ProactiveService{
		memories: memories,
		reranker: reranker,
		opts:     opts,
		logger:   logger,
	}
}

// SearchWithEmbedding runs the full retrieval pipeline for one turn.
func (s *ProactiveService) SearchWithEmbedding(ctx context.Context, userID string, embedding []float32, touchstone *entity.Touchstone, queryText string, limit int) ([]*entity.SurfacedMemory, error) {
	if len(embedding) == 0 {
		return nil, apperrors.NewInvalidInputError("search embedding is required")
	}
	if touchstone == nil {
		return nil, apperrors.NewInvalidInputError("touchstone is required")
	}
	opts := s.opts()

	intent := deriveIntent(touchstone.ConversationalIntent)
	enhanced := enhanceQuery(queryText, touchstone.SemanticHooks)

	// Oversample so the importance filter has room to cut.
	primaries, err := s.memories.HybridSearch(ctx, userID, repository.HybridQuery{
		Text:          enhanced,
		Embedding:     embedding,
		Intent:        intent,
		Limit:         2 * limit,
		MinImportance: opts.MinImportanceScore,
		SimThreshold:  opts.SimilarityThreshold,
	})
	if err != nil {
		return nil, err
	}

	filtered := primaries[:0:0]
	for _, m := range primaries {
		if m.Importance >= opts.MinImportanceScore {
			filtered = append(filtered, m)
		}
	}
	if len(filtered) > limit {
		filtered = filtered[:limit]
	}

	primaryIDs := make(map[string]bool, len(filtered))
	for _, m := range filtered {
		primaryIDs[m.ID] = true
	}

	surfaced := make([]*entity.SurfacedMemory, 0, len(filtered))
	for _, primary := range filtered {
		links, err := s.memories.TraverseLinks(ctx, primary.ID, opts.MaxLinkTraversalDepth)
		if err != nil {
			return nil, err
		}
		surfaced = append(surfaced, &entity.SurfacedMemory{
			Memory:         primary,
			LinkedMemories: rerankLinks(primary, links, primaryIDs),
		})
	}

	surfaced, err = s.rerankPrimaries(ctx, surfaced, touchstone, queryText, limit)
	if err != nil {
		return nil, err
	}
	return surfaced, nil
}

// deriveIntent keyword-matches the touchstone's conversational intent onto
// a search intent.
func deriveIntent(conversationalIntent string) repository.SearchIntent {
	lower := strings.ToLower(conversationalIntent)
	switch {
	case strings.Contains(lower, "recall"), strings.Contains(lower, "remember"), strings.Contains(lower, "remind"):
		return repository.IntentRecall
	case strings.Contains(lower, "explor"), strings.Contains(lower, "brainstorm"), strings.Contains(lower, "wonder"):
		return repository.IntentExplore
	case strings.Contains(lower, "exact"), strings.Contains(lower, "specific"), strings.Contains(lower, "lookup"), strings.Contains(lower, "fact"):
		return repository.IntentExact
	default:
		return repository.IntentGeneral
	}
}

func enhanceQuery(queryText string, hooks []string) string {
	if len(hooks) == 0 {
		return queryText
	}
	return queryText + " " + strings.Join(hooks, " ")
}

// rerankLinks filters and scores one primary's traversed links.
func rerankLinks(primary *entity.Memory, links []repository.TraversedLink, primaryIDs map[string]bool) []*entity.SurfacedMemory {
	var out []*entity.SurfacedMemory
	for _, link := range links {
		if link.Meta.Confidence < minLinkConfidence {
			continue
		}
		if primaryIDs[link.Memory.ID] {
			continue
		}

		weight, ok := linkTypeWeights[link.Meta.LinkType]
		if !ok {
			weight = defaultLinkTypeWeight
		}
		inherited := 0.7*link.Memory.Importance + 0.3*primary.Importance
		meta := link.Meta
		out = append(out, &entity.SurfacedMemory{
			Memory:       link.Memory,
			Score:        weight * inherited * link.Meta.Confidence,
			LinkMetadata: &meta,
		})
	}
	// Insertion sort keeps this simple; linked lists are short.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Score > out[j-1].Score; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// rerankPrimaries rescores with the cross-encoder when available,
// otherwise the hybrid order stands.
func (s *ProactiveService) rerankPrimaries(ctx context.Context, surfaced []*entity.SurfacedMemory, touchstone *entity.Touchstone, queryText string, limit int) ([]*entity.SurfacedMemory, error) {
	if s.reranker == nil || !s.reranker.RerankerAvailable() || len(surfaced) == 0 {
		if len(surfaced) > limit {
			surfaced = surfaced[:limit]
		}
		return surfaced, nil
	}

	rerankQuery := fmt.Sprintf("Timeline: %s\nAbout user: %s\nContext: %s\nCurrent focus: %s",
		touchstone.TemporalContext,
		touchstone.RelationshipContext,
		touchstone.Narrative,
		queryText,
	)
	passages := make([]string, len(surfaced))
	for i, sm := range surfaced {
		passages[i] = sm.Memory.Text
	}

	ranked, err := s.reranker.Rerank(ctx, rerankQuery, passages)
	if err != nil {
		// Rerank is an enhancement; fall back to the hybrid order.
		s.logger.Warn("Cross-encoder rerank failed, keeping hybrid order", zap.Error(err))
		if len(surfaced) > limit {
			surfaced = surfaced[:limit]
		}
		return surfaced, nil
	}

	reordered := make([]*entity.SurfacedMemory, 0, len(ranked))
	for _, r := range ranked {
		if r.Index < 0 || r.Index >= len(surfaced) {
			continue
		}
		sm := surfaced[r.Index]
		sm.Score = r.Score
		reordered = append(reordered, sm)
	}
	if len(reordered) > limit {
		reordered = reordered[:limit]
	}
	return reordered, nil
}
