package persistence

import (
	"context"
	"sort"
	"sync"

	"github.com/drammen94/mira-OSS/internal/domain/entity"
	"github.com/drammen94/mira-OSS/internal/domain/repository"
	apperrors "github.com/drammen94/mira-OSS/pkg/errors"
)

// MemoryContinuumRepository is the in-process implementation used by tests
// and by single-node development without a database.
type MemoryContinuumRepository struct {
	mu     sync.RWMutex
	byUser map[string]*entity.Continuum
}

func NewMemoryContinuumRepository() *MemoryContinuumRepository {
	return &MemoryContinuumRepository{byUser: make(map[string]*entity.Continuum)}
}

func (r *MemoryContinuumRepository) FindByUserID(_ context.Context, userID string) (*entity.Continuum, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byUser[userID]
	if !ok {
		return nil, apperrors.NewNotFoundError("continuum not found")
	}
	clone := &entity.Continuum{
		ID:                 c.ID,
		UserID:             c.UserID,
		Metadata:           c.Metadata,
		CreatedAt:          c.CreatedAt,
		ActiveSegmentLimit: c.ActiveSegmentLimit,
	}
	return clone, nil
}

func (r *MemoryContinuumRepository) Create(_ context.Context, continuum *entity.Continuum) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byUser[continuum.UserID]; ok {
		return apperrors.NewAlreadyExistsError("continuum already exists")
	}
	r.byUser[continuum.UserID] = continuum
	return nil
}

func (r *MemoryContinuumRepository) UpdateMetadata(_ context.Context, continuumID string, metadata entity.ContinuumMetadata) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.byUser {
		if c.ID == continuumID {
			c.Metadata = metadata
			return nil
		}
	}
	return apperrors.NewNotFoundError("continuum not found")
}

// MemoryMessageRepository stores messages in process.
type MemoryMessageRepository struct {
	mu          sync.RWMutex
	byContinuum map[string][]*entity.Message
}

func NewMemoryMessageRepository() *MemoryMessageRepository {
	return &MemoryMessageRepository{byContinuum: make(map[string][]*entity.Message)}
}

func (r *MemoryMessageRepository) SaveBatch(_ context.Context, continuumID string, messages []*entity.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byContinuum[continuumID] = append(r.byContinuum[continuumID], messages...)
	return nil
}

func (r *MemoryMessageRepository) FindRecent(_ context.Context, continuumID string, limit int) ([]*entity.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	msgs := r.sorted(continuumID)
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

func (r *MemoryMessageRepository) FindCollapsedSummaries(_ context.Context, continuumID string, limit int) ([]*entity.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*entity.Message
	for _, m := range r.sorted(continuumID) {
		if m.Metadata.Status == entity.StatusCollapsed {
			out = append(out, m)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (r *MemoryMessageRepository) UpdateStatus(_ context.Context, messageID string, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, msgs := range r.byContinuum {
		for _, m := range msgs {
			if m.ID == messageID {
				m.Metadata.Status = status
				return nil
			}
		}
	}
	return apperrors.NewNotFoundError("message not found")
}

func (r *MemoryMessageRepository) Count(_ context.Context, continuumID string) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return int64(len(r.byContinuum[continuumID])), nil
}

func (r *MemoryMessageRepository) sorted(continuumID string) []*entity.Message {
	msgs := make([]*entity.Message, len(r.byContinuum[continuumID]))
	copy(msgs, r.byContinuum[continuumID])
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
	return msgs
}

var (
	_ repository.ContinuumRepository = (*MemoryContinuumRepository)(nil)
	_ repository.MessageRepository   = (*MemoryMessageRepository)(nil)
)
