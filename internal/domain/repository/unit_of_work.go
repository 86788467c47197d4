package repository

import (
	"context"

	"github.com/drammen94/mira-OSS/internal/domain/entity"
)

// UnitOfWork batches one turn's writes into a single transaction: the user
// and assistant messages, the continuum metadata when dirty, and the
// retrieval-log entry. Created per turn; committed on success; discarded
// on failure.
type UnitOfWork interface {
	// AddMessages stages a user→assistant message pair. An auto-continued
	// turn stages two pairs; all of them commit together in order.
	AddMessages(user, assistant *entity.Message)

	// MarkMetadataUpdated flags the continuum metadata for persistence.
	MarkMetadataUpdated()

	// SetRetrievalLog stages a retrieval record. Called once per
	// orchestration pass; entries accumulate.
	SetRetrievalLog(entry *RetrievalLogEntry)

	// Commit writes everything in one transaction. After a failed commit
	// the caller must roll the continuum's in-memory state back to its
	// pre-turn snapshot.
	Commit(ctx context.Context) error
}

// UnitOfWorkFactory creates a unit of work bound to one continuum.
type UnitOfWorkFactory interface {
	Begin(continuum *entity.Continuum) UnitOfWork
}
