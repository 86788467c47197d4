package persistence

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/drammen94/mira-OSS/internal/domain/entity"
	"github.com/drammen94/mira-OSS/internal/domain/repository"
	"github.com/drammen94/mira-OSS/internal/infrastructure/persistence/models"
	apperrors "github.com/drammen94/mira-OSS/pkg/errors"
)

// GormMemoryRepository persists memories and their link graph. On postgres
// the hybrid query runs in SQL with pgvector and full-text ranking; on
// sqlite candidates are loaded and scored in process, which is only
// intended for development and tests.
type GormMemoryRepository struct {
	db       *gorm.DB
	postgres bool
}

func NewGormMemoryRepository(db *gorm.DB) repository.MemoryRepository {
	return &GormMemoryRepository{
		db:       db,
		postgres: db.Dialector.Name() == "postgres",
	}
}

// embeddingDims matches the vector(384) column; the encoder normalizes, so
// every stored embedding must be unit length.
const embeddingDims = 384

func validateEmbedding(embedding []float32) error {
	if len(embedding) == 0 {
		return apperrors.NewInvalidInputError("memory is missing an embedding")
	}
	if len(embedding) != embeddingDims {
		return apperrors.NewInvalidInputError(fmt.Sprintf("embedding has %d dimensions, want %d", len(embedding), embeddingDims))
	}
	var sum float64
	for _, f := range embedding {
		sum += float64(f) * float64(f)
	}
	if math.Abs(math.Sqrt(sum)-1) >= 1e-6 {
		return apperrors.NewInvalidInputError("embedding is not normalized")
	}
	return nil
}

// intentWeights returns the (text, vector) weighting for a search intent.
func intentWeights(intent repository.SearchIntent) (float64, float64) {
	switch intent {
	case repository.IntentExact:
		return 0.7, 0.3
	case repository.IntentRecall:
		return 0.6, 0.4
	case repository.IntentExplore:
		return 0.3, 0.7
	default:
		return 0.5, 0.5
	}
}

func (r *GormMemoryRepository) StoreBatch(ctx context.Context, userID string, memories []*entity.Memory) ([]string, error) {
	ids := make([]string, 0, len(memories))
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, mem := range memories {
			if err := validateEmbedding(mem.Embedding); err != nil {
				return err
			}
			if mem.ID == "" {
				mem.ID = uuid.NewString()
			}
			if mem.CreatedAt.IsZero() {
				mem.CreatedAt = time.Now().UTC()
			}
			model := &models.MemoryModel{
				ID:           mem.ID,
				UserID:       userID,
				Text:         mem.Text,
				Embedding:    encodeVector(mem.Embedding),
				Importance:   mem.Importance,
				AccessCount:  mem.AccessCount,
				LastAccessed: mem.LastAccessed,
				HappensAt:    mem.HappensAt,
				ExpiresAt:    mem.ExpiresAt,
				CreatedAt:    mem.CreatedAt,
			}
			if err := tx.Create(model).Error; err != nil {
				return apperrors.NewInternalErrorWithCause("failed to store memory", err)
			}
			// Links are written in mutual pairs.
			for _, link := range mem.OutboundLinks {
				pair := []models.MemoryLinkModel{
					{SourceID: mem.ID, TargetID: link.TargetID, Type: string(link.Type), Confidence: link.Confidence, Reasoning: link.Reasoning},
					{SourceID: link.TargetID, TargetID: mem.ID, Type: string(link.Type), Confidence: link.Confidence, Reasoning: link.Reasoning},
				}
				if err := tx.Create(&pair).Error; err != nil {
					return apperrors.NewInternalErrorWithCause("failed to store memory link", err)
				}
			}
			ids = append(ids, mem.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *GormMemoryRepository) GetByID(ctx context.Context, id string) (*entity.Memory, error) {
	var model models.MemoryModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NewNotFoundError("memory not found")
		}
		return nil, apperrors.NewInternalErrorWithCause("failed to find memory", err)
	}

	mem, err := memoryFromModel(&model)
	if err != nil {
		return nil, err
	}
	links, err := r.outboundLinks(ctx, id)
	if err != nil {
		return nil, err
	}
	mem.OutboundLinks = links
	return mem, nil
}

func (r *GormMemoryRepository) Update(ctx context.Context, memory *entity.Memory) error {
	updates := map[string]any{
		"text":          memory.Text,
		"importance":    memory.Importance,
		"access_count":  memory.AccessCount,
		"last_accessed": memory.LastAccessed,
	}
	if len(memory.Embedding) > 0 {
		updates["embedding"] = encodeVector(memory.Embedding)
	}
	result := r.db.WithContext(ctx).Model(&models.MemoryModel{}).
		Where("id = ?", memory.ID).
		Updates(updates)
	if result.Error != nil {
		return apperrors.NewInternalErrorWithCause("failed to update memory", result.Error)
	}
	if result.RowsAffected == 0 {
		return apperrors.NewNotFoundError("memory not found")
	}
	return nil
}

func (r *GormMemoryRepository) SearchSimilar(ctx context.Context, userID string, embedding []float32, limit int, simThreshold, minImportance float64) ([]*entity.Memory, error) {
	if len(embedding) == 0 {
		return nil, apperrors.NewInvalidInputError("query embedding is required")
	}
	if r.postgres {
		var rows []models.MemoryModel
		err := r.db.WithContext(ctx).Raw(`
			SELECT * FROM memories
			WHERE user_id = ?
			  AND importance >= ?
			  AND 1 - (embedding <=> ?::vector) >= ?
			ORDER BY embedding <=> ?::vector
			LIMIT ?`,
			userID, minImportance, encodeVector(embedding), simThreshold, encodeVector(embedding), limit,
		).Scan(&rows).Error
		if err != nil {
			return nil, apperrors.NewInternalErrorWithCause("vector search failed", err)
		}
		return memoriesFromModels(rows)
	}
	return r.scanAndScore(ctx, userID, limit, minImportance, func(m *entity.Memory) float64 {
		sim := cosineSimilarity(embedding, m.Embedding)
		if sim < simThreshold {
			return -1
		}
		return sim
	})
}

func (r *GormMemoryRepository) HybridSearch(ctx context.Context, userID string, query repository.HybridQuery) ([]*entity.Memory, error) {
	if len(query.Embedding) == 0 {
		return nil, apperrors.NewInvalidInputError("query embedding is required")
	}
	textWeight, vecWeight := intentWeights(query.Intent)

	if r.postgres {
		var rows []models.MemoryModel
		err := r.db.WithContext(ctx).Raw(`
			SELECT *,
			       ? * ts_rank_cd(to_tsvector('english', text), plainto_tsquery('english', ?))
			     + ? * (1 - (embedding <=> ?::vector)) AS hybrid_score
			FROM memories
			WHERE user_id = ?
			  AND importance >= ?
			ORDER BY hybrid_score DESC
			LIMIT ?`,
			textWeight, query.Text, vecWeight, encodeVector(query.Embedding),
			userID, query.MinImportance, query.Limit,
		).Scan(&rows).Error
		if err != nil {
			return nil, apperrors.NewInternalErrorWithCause("hybrid search failed", err)
		}
		return memoriesFromModels(rows)
	}

	queryTokens := tokenize(query.Text)
	return r.scanAndScore(ctx, userID, query.Limit, query.MinImportance, func(m *entity.Memory) float64 {
		return textWeight*tokenOverlap(queryTokens, tokenize(m.Text)) +
			vecWeight*cosineSimilarity(query.Embedding, m.Embedding)
	})
}

// scanAndScore is the in-process fallback: load the user's memories and
// rank them with the given scorer. Scores below zero are excluded.
func (r *GormMemoryRepository) scanAndScore(ctx context.Context, userID string, limit int, minImportance float64, score func(*entity.Memory) float64) ([]*entity.Memory, error) {
	var rows []models.MemoryModel
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND importance >= ?", userID, minImportance).
		Find(&rows).Error
	if err != nil {
		return nil, apperrors.NewInternalErrorWithCause("memory scan failed", err)
	}

	type scored struct {
		mem   *entity.Memory
		score float64
	}
	var candidates []scored
	for i := range rows {
		mem, err := memoryFromModel(&rows[i])
		if err != nil {
			return nil, err
		}
		if s := score(mem); s >= 0 {
			candidates = append(candidates, scored{mem, s})
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	memories := make([]*entity.Memory, len(candidates))
	for i, c := range candidates {
		memories[i] = c.mem
	}
	return memories, nil
}

func (r *GormMemoryRepository) TraverseLinks(ctx context.Context, id string, maxDepth int) ([]repository.TraversedLink, error) {
	visited := map[string]bool{id: true}
	frontier := []string{id}
	var out []repository.TraversedLink

	for depth := 1; depth <= maxDepth && len(frontier) > 0; depth++ {
		var edges []models.MemoryLinkModel
		err := r.db.WithContext(ctx).
			Where("source_id IN ?", frontier).
			Find(&edges).Error
		if err != nil {
			return nil, apperrors.NewInternalErrorWithCause("link traversal failed", err)
		}

		frontier = frontier[:0]
		for _, edge := range edges {
			if visited[edge.TargetID] {
				continue
			}
			visited[edge.TargetID] = true

			var model models.MemoryModel
			if err := r.db.WithContext(ctx).First(&model, "id = ?", edge.TargetID).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					continue // dangling edge
				}
				return nil, apperrors.NewInternalErrorWithCause("failed to load linked memory", err)
			}
			mem, err := memoryFromModel(&model)
			if err != nil {
				return nil, err
			}
			out = append(out, repository.TraversedLink{
				Memory: mem,
				Meta: entity.LinkMetadata{
					LinkType:     entity.LinkType(edge.Type),
					Confidence:   edge.Confidence,
					Reasoning:    edge.Reasoning,
					Depth:        depth,
					LinkedFromID: edge.SourceID,
				},
			})
			frontier = append(frontier, edge.TargetID)
		}
	}
	return out, nil
}

func (r *GormMemoryRepository) outboundLinks(ctx context.Context, id string) ([]entity.MemoryLink, error) {
	var edges []models.MemoryLinkModel
	err := r.db.WithContext(ctx).Where("source_id = ?", id).Find(&edges).Error
	if err != nil {
		return nil, apperrors.NewInternalErrorWithCause("failed to load memory links", err)
	}
	links := make([]entity.MemoryLink, len(edges))
	for i, edge := range edges {
		links[i] = entity.MemoryLink{
			TargetID:   edge.TargetID,
			Type:       entity.LinkType(edge.Type),
			Confidence: edge.Confidence,
			Reasoning:  edge.Reasoning,
		}
	}
	return links, nil
}

func memoriesFromModels(rows []models.MemoryModel) ([]*entity.Memory, error) {
	memories := make([]*entity.Memory, 0, len(rows))
	for i := range rows {
		mem, err := memoryFromModel(&rows[i])
		if err != nil {
			return nil, err
		}
		memories = append(memories, mem)
	}
	return memories, nil
}

func memoryFromModel(model *models.MemoryModel) (*entity.Memory, error) {
	embedding, err := decodeVector(model.Embedding)
	if err != nil {
		return nil, apperrors.NewInternalErrorWithCause("failed to decode embedding", err)
	}
	return &entity.Memory{
		ID:           model.ID,
		UserID:       model.UserID,
		Text:         model.Text,
		Embedding:    embedding,
		Importance:   model.Importance,
		CreatedAt:    model.CreatedAt,
		LastAccessed: model.LastAccessed,
		AccessCount:  model.AccessCount,
		HappensAt:    model.HappensAt,
		ExpiresAt:    model.ExpiresAt,
	}, nil
}

// encodeVector renders a pgvector literal: "[0.1,0.2,...]".
func encodeVector(v []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

func decodeVector(s string) ([]float32, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if !strings.HasPrefix(s, "[") || !strings.HasSuffix(s, "]") {
		return nil, fmt.Errorf("malformed vector literal")
	}
	s = s[1 : len(s)-1]
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]float32, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("malformed vector element %d: %w", i, err)
		}
		out[i] = float32(f)
	}
	return out, nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func tokenize(s string) map[string]bool {
	tokens := make(map[string]bool)
	for _, tok := range strings.Fields(strings.ToLower(s)) {
		tok = strings.Trim(tok, ".,;:!?\"'()")
		if len(tok) > 2 {
			tokens[tok] = true
		}
	}
	return tokens
}

func tokenOverlap(query, doc map[string]bool) float64 {
	if len(query) == 0 {
		return 0
	}
	matched := 0
	for tok := range query {
		if doc[tok] {
			matched++
		}
	}
	return float64(matched) / float64(len(query))
}
