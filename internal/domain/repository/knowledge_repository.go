package repository

import (
	"context"
	"time"

	"github.com/drammen94/mira-OSS/internal/domain/entity"
)

// DomainKnowledgeRepository persists expertise blocks. At most one block
// may be enabled per user; Enable enforces this at write time.
type DomainKnowledgeRepository interface {
	// Create inserts a block. Creating an enabled block while another is
	// enabled for the same user fails with ALREADY_EXISTS.
	Create(ctx context.Context, block *entity.DomainKnowledgeBlock) error

	// FindEnabled returns the enabled block for a user with its content,
	// or NOT_FOUND when none is enabled.
	FindEnabled(ctx context.Context, userID string) (*entity.DomainKnowledgeBlock, error)

	// FindByLabel returns a block by its label.
	FindByLabel(ctx context.Context, userID, label string) (*entity.DomainKnowledgeBlock, error)

	// Enable atomically disables any currently-enabled block for the user
	// and enables the named one.
	Enable(ctx context.Context, userID, label string) error

	// Disable turns the named block off.
	Disable(ctx context.Context, userID, label string) error

	// UpdateContent rewrites a block's cached value and sync timestamp.
	UpdateContent(ctx context.Context, blockID, value string, syncedAt time.Time) error
}

// RetrievalLogEntry is one append-only retrieval record.
type RetrievalLogEntry struct {
	ContinuumID string
	RawQuery    string
	Fingerprint string
	SurfacedIDs []string
	Timestamp   time.Time
}

// RetrievalLogRepository records what each turn surfaced, for offline
// evaluation.
type RetrievalLogRepository interface {
	Append(ctx context.Context, entry *RetrievalLogEntry) error
	FindByContinuum(ctx context.Context, continuumID string, limit int) ([]*RetrievalLogEntry, error)
}

// ReminderRepository stores user reminders surfaced by the reminder trinket.
type ReminderRepository interface {
	Create(ctx context.Context, reminder *entity.Reminder) error
	FindUpcoming(ctx context.Context, userID string, until time.Time) ([]*entity.Reminder, error)
	MarkDelivered(ctx context.Context, id string) error
}
