package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/drammen94/mira-OSS/internal/domain/entity"
	"github.com/drammen94/mira-OSS/internal/domain/repository"
	apperrors "github.com/drammen94/mira-OSS/pkg/errors"
)

// MemoryDomainKnowledgeRepository is the in-process block store.
type MemoryDomainKnowledgeRepository struct {
	mu     sync.RWMutex
	blocks []*entity.DomainKnowledgeBlock
}

func NewMemoryDomainKnowledgeRepository() *MemoryDomainKnowledgeRepository {
	return &MemoryDomainKnowledgeRepository{}
}

func (r *MemoryDomainKnowledgeRepository) Create(_ context.Context, block *entity.DomainKnowledgeBlock) error {
	if !entity.ValidLabel(block.Label) {
		return apperrors.NewInvalidInputError("block label must be snake_case")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.blocks {
		if b.UserID == block.UserID && b.Label == block.Label {
			return apperrors.NewAlreadyExistsError("block label already exists")
		}
		if block.Enabled && b.UserID == block.UserID && b.Enabled {
			return apperrors.NewAlreadyExistsError("another block is already enabled for this user")
		}
	}
	if block.ID == "" {
		block.ID = uuid.NewString()
	}
	if block.CreatedAt.IsZero() {
		block.CreatedAt = time.Now().UTC()
	}
	r.blocks = append(r.blocks, block)
	return nil
}

func (r *MemoryDomainKnowledgeRepository) FindEnabled(_ context.Context, userID string) (*entity.DomainKnowledgeBlock, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.blocks {
		if b.UserID == userID && b.Enabled {
			return b, nil
		}
	}
	return nil, apperrors.NewNotFoundError("no enabled block")
}

func (r *MemoryDomainKnowledgeRepository) FindByLabel(_ context.Context, userID, label string) (*entity.DomainKnowledgeBlock, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.blocks {
		if b.UserID == userID && b.Label == label {
			return b, nil
		}
	}
	return nil, apperrors.NewNotFoundError("block not found")
}

// Enable turns the block on. Enabling while a different block is enabled
// fails and leaves the store unchanged.
func (r *MemoryDomainKnowledgeRepository) Enable(_ context.Context, userID, label string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var target *entity.DomainKnowledgeBlock
	for _, b := range r.blocks {
		if b.UserID == userID && b.Enabled && b.Label != label {
			return apperrors.NewAlreadyExistsError("another block is already enabled for this user")
		}
		if b.UserID == userID && b.Label == label {
			target = b
		}
	}
	if target == nil {
		return apperrors.NewNotFoundError("block not found")
	}
	target.Enabled = true
	return nil
}

func (r *MemoryDomainKnowledgeRepository) Disable(_ context.Context, userID, label string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.blocks {
		if b.UserID == userID && b.Label == label {
			b.Enabled = false
			return nil
		}
	}
	return apperrors.NewNotFoundError("block not found")
}

func (r *MemoryDomainKnowledgeRepository) UpdateContent(_ context.Context, blockID, value string, syncedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.blocks {
		if b.ID == blockID {
			b.CachedValue = value
			b.SyncedAt = syncedAt
			return nil
		}
	}
	return apperrors.NewNotFoundError("block content not found")
}

// MemoryRetrievalLogRepository keeps retrieval records in process.
type MemoryRetrievalLogRepository struct {
	mu      sync.RWMutex
	entries []*repository.RetrievalLogEntry
}

func NewMemoryRetrievalLogRepository() *MemoryRetrievalLogRepository {
	return &MemoryRetrievalLogRepository{}
}

func (r *MemoryRetrievalLogRepository) Append(_ context.Context, entry *repository.RetrievalLogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	r.entries = append(r.entries, entry)
	return nil
}

func (r *MemoryRetrievalLogRepository) FindByContinuum(_ context.Context, continuumID string, limit int) ([]*repository.RetrievalLogEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*repository.RetrievalLogEntry
	for i := len(r.entries) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if r.entries[i].ContinuumID == continuumID {
			out = append(out, r.entries[i])
		}
	}
	return out, nil
}

// MemoryReminderRepository keeps reminders in process.
type MemoryReminderRepository struct {
	mu        sync.RWMutex
	reminders []*entity.Reminder
}

func NewMemoryReminderRepository() *MemoryReminderRepository {
	return &MemoryReminderRepository{}
}

func (r *MemoryReminderRepository) Create(_ context.Context, reminder *entity.Reminder) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if reminder.ID == "" {
		reminder.ID = uuid.NewString()
	}
	if reminder.CreatedAt.IsZero() {
		reminder.CreatedAt = time.Now().UTC()
	}
	r.reminders = append(r.reminders, reminder)
	return nil
}

func (r *MemoryReminderRepository) FindUpcoming(_ context.Context, userID string, until time.Time) ([]*entity.Reminder, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*entity.Reminder
	for _, rem := range r.reminders {
		if rem.UserID == userID && !rem.Delivered && !rem.DueAt.After(until) {
			out = append(out, rem)
		}
	}
	return out, nil
}

func (r *MemoryReminderRepository) MarkDelivered(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rem := range r.reminders {
		if rem.ID == id {
			rem.Delivered = true
			return nil
		}
	}
	return apperrors.NewNotFoundError("reminder not found")
}

var (
	_ repository.DomainKnowledgeRepository = (*MemoryDomainKnowledgeRepository)(nil)
	_ repository.RetrievalLogRepository    = (*MemoryRetrievalLogRepository)(nil)
	_ repository.ReminderRepository        = (*MemoryReminderRepository)(nil)
)
