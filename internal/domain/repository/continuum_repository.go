package repository

import (
	"context"

	"github.com/drammen94/mira-OSS/internal/domain/entity"
)

// ContinuumRepository persists the per-user conversation object.
type ContinuumRepository interface {
	// FindByUserID loads the continuum for a user. Messages are not
	// populated; callers hydrate the cache through the session loader.
	FindByUserID(ctx context.Context, userID string) (*entity.Continuum, error)

	// Create inserts a new continuum.
	Create(ctx context.Context, continuum *entity.Continuum) error

	// UpdateMetadata writes the continuum metadata (touchstone, embedding,
	// preferences, linked days).
	UpdateMetadata(ctx context.Context, continuumID string, metadata entity.ContinuumMetadata) error
}

// MessageRepository persists continuum messages.
type MessageRepository interface {
	// SaveBatch inserts messages in the given order within one transaction.
	SaveBatch(ctx context.Context, continuumID string, messages []*entity.Message) error

	// FindRecent returns the most recent messages for a continuum in
	// chronological order, at most limit rows.
	FindRecent(ctx context.Context, continuumID string, limit int) ([]*entity.Message, error)

	// FindCollapsedSummaries returns the last limit segment summaries
	// (status collapsed) in chronological order.
	FindCollapsedSummaries(ctx context.Context, continuumID string, limit int) ([]*entity.Message, error)

	// UpdateStatus rewrites the status of a stored message.
	UpdateStatus(ctx context.Context, messageID string, status string) error

	// Count returns the number of messages in a continuum.
	Count(ctx context.Context, continuumID string) (int64, error)
}
