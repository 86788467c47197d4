package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/drammen94/mira-OSS/internal/domain/entity"
	"github.com/drammen94/mira-OSS/internal/domain/event"
	"github.com/drammen94/mira-OSS/internal/domain/repository"
	"github.com/drammen94/mira-OSS/internal/infrastructure/eventbus"
	"github.com/drammen94/mira-OSS/internal/infrastructure/kv"
	apperrors "github.com/drammen94/mira-OSS/pkg/errors"
)

const defaultBlockCacheTTL = 5 * time.Minute

type cachedBlock struct {
	Value       string `json:"value"`
	Description string `json:"description"`
}

// DomainKnowledgeService manages per-user knowledge blocks and serves the
// enabled block to the working-memory trinket through a KV cache.
type DomainKnowledgeService struct {
	blocks   repository.DomainKnowledgeRepository
	store    kv.Store
	cacheTTL time.Duration

	// Turn counters per user for the batched cache refresh.
	batchSize int
	mu        sync.Mutex
	turns     map[string]int

	logger *zap.Logger
}

func NewDomainKnowledgeService(blocks repository.DomainKnowledgeRepository, store kv.Store, cacheTTL time.Duration, batchSize int, logger *zap.Logger) *DomainKnowledgeService {
	if cacheTTL <= 0 {
		cacheTTL = defaultBlockCacheTTL
	}
	return &DomainKnowledgeService{
		blocks:    blocks,
		store:     store,
		cacheTTL:  cacheTTL,
		batchSize: batchSize,
		turns:     make(map[string]int),
		logger:    logger,
	}
}

// SubscribeTurnCompleted registers the batched refresh: every batchSize
// completed turns the user's cached block is dropped so the next compose
// re-reads it from the store.
func (s *DomainKnowledgeService) SubscribeTurnCompleted(bus *eventbus.Bus) {
	if s.batchSize <= 0 {
		return
	}
	bus.Subscribe(event.TypeTurnCompleted, func(e eventbus.Event) error {
		completed, ok := e.(*event.TurnCompletedEvent)
		if !ok {
			return nil
		}
		userID := completed.Continuum.UserID

		s.mu.Lock()
		s.turns[userID]++
		due := s.turns[userID]%s.batchSize == 0
		s.mu.Unlock()

		if due {
			s.invalidate(context.Background(), userID)
		}
		return nil
	})
}

// ActiveBlock returns the user's enabled block, preferring the KV-cached
// content. NotFound when no block is enabled.
func (s *DomainKnowledgeService) ActiveBlock(ctx context.Context, userID string) (*entity.DomainKnowledgeBlock, error) {
	block, err := s.blocks.FindEnabled(ctx, userID)
	if err != nil {
		return nil, err
	}

	key := blockCacheKey(userID, block.Label)
	if raw, err := s.store.Get(ctx, key); err == nil {
		var cached cachedBlock
		if json.Unmarshal(raw, &cached) == nil {
			block.CachedValue = cached.Value
			block.Description = cached.Description
			return block, nil
		}
	} else if !errors.Is(err, kv.ErrNotFound) {
		s.logger.Warn("Block cache read failed", zap.String("user_id", userID), zap.Error(err))
	}

	raw, err := json.Marshal(cachedBlock{Value: block.CachedValue, Description: block.Description})
	if err == nil {
		if err := s.store.Set(ctx, key, raw, s.cacheTTL); err != nil {
			s.logger.Warn("Block cache write failed", zap.String("user_id", userID), zap.Error(err))
		}
	}
	return block, nil
}

// CreateBlock validates the label and creates the block. The single-enabled
// invariant is enforced by the repository.
func (s *DomainKnowledgeService) CreateBlock(ctx context.Context, block *entity.DomainKnowledgeBlock) error {
	if !entity.ValidLabel(block.Label) {
		return apperrors.NewInvalidInputError("block label must be snake_case")
	}
	return s.blocks.Create(ctx, block)
}

// EnableBlock enables the block. It fails while a different block is
// enabled; the caller disables that one first.
func (s *DomainKnowledgeService) EnableBlock(ctx context.Context, userID, label string) error {
	if err := s.blocks.Enable(ctx, userID, label); err != nil {
		return err
	}
	s.invalidate(ctx, userID)
	return nil
}

// DisableBlock disables the block; the user composes without one afterwards.
func (s *DomainKnowledgeService) DisableBlock(ctx context.Context, userID, label string) error {
	if err := s.blocks.Disable(ctx, userID, label); err != nil {
		return err
	}
	s.store.Del(ctx, blockCacheKey(userID, label))
	return nil
}

// UpdateContent writes new block content and drops the stale cache entry.
func (s *DomainKnowledgeService) UpdateContent(ctx context.Context, userID, label, value string) error {
	block, err := s.blocks.FindByLabel(ctx, userID, label)
	if err != nil {
		return err
	}
	if err := s.blocks.UpdateContent(ctx, block.ID, value, time.Now().UTC()); err != nil {
		return err
	}
	s.store.Del(ctx, blockCacheKey(userID, label))
	return nil
}

// invalidate drops the cached content for whichever block is enabled.
func (s *DomainKnowledgeService) invalidate(ctx context.Context, userID string) {
	block, err := s.blocks.FindEnabled(ctx, userID)
	if err != nil {
		return
	}
	if err := s.store.Del(ctx, blockCacheKey(userID, block.Label)); err != nil {
		s.logger.Warn("Block cache invalidation failed", zap.String("user_id", userID), zap.Error(err))
	}
}

func blockCacheKey(userID, label string) string {
	return fmt.Sprintf("domain_block:%s:%s", userID, label)
}
