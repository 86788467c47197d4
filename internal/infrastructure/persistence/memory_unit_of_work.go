package persistence

import (
	"context"

	"github.com/drammen94/mira-OSS/internal/domain/entity"
	"github.com/drammen94/mira-OSS/internal/domain/repository"
	apperrors "github.com/drammen94/mira-OSS/pkg/errors"
)

// MemoryUnitOfWorkFactory creates in-process units of work backed by the
// in-memory repositories.
type MemoryUnitOfWorkFactory struct {
	messages   *MemoryMessageRepository
	continuums *MemoryContinuumRepository
	logs       *MemoryRetrievalLogRepository

	// FailCommit makes the next Commit fail, for rollback tests.
	FailCommit bool
}

func NewMemoryUnitOfWorkFactory(messages *MemoryMessageRepository, continuums *MemoryContinuumRepository, logs *MemoryRetrievalLogRepository) *MemoryUnitOfWorkFactory {
	return &MemoryUnitOfWorkFactory{messages: messages, continuums: continuums, logs: logs}
}

func (f *MemoryUnitOfWorkFactory) Begin(continuum *entity.Continuum) repository.UnitOfWork {
	return &memoryUnitOfWork{factory: f, continuum: continuum}
}

type memoryUnitOfWork struct {
	factory   *MemoryUnitOfWorkFactory
	continuum *entity.Continuum

	pending       []*entity.Message
	metadataDirty bool
	retrievalLogs []*repository.RetrievalLogEntry
	committed     bool
}

func (u *memoryUnitOfWork) AddMessages(user, assistant *entity.Message) {
	u.pending = append(u.pending, user, assistant)
}

func (u *memoryUnitOfWork) MarkMetadataUpdated() {
	u.metadataDirty = true
}

func (u *memoryUnitOfWork) SetRetrievalLog(entry *repository.RetrievalLogEntry) {
	u.retrievalLogs = append(u.retrievalLogs, entry)
}

func (u *memoryUnitOfWork) Commit(ctx context.Context) error {
	if u.committed {
		return apperrors.NewInvalidInputError("unit of work already committed")
	}
	if len(u.pending) == 0 {
		return apperrors.NewInvalidInputError("unit of work has no message pair")
	}
	if u.factory.FailCommit {
		return apperrors.NewInternalError("commit failed")
	}

	if err := u.factory.messages.SaveBatch(ctx, u.continuum.ID, u.pending); err != nil {
		return err
	}
	if u.metadataDirty {
		if err := u.factory.continuums.UpdateMetadata(ctx, u.continuum.ID, u.continuum.Metadata); err != nil && !apperrors.IsNotFound(err) {
			return err
		}
	}
	for _, entry := range u.retrievalLogs {
		if err := u.factory.logs.Append(ctx, entry); err != nil {
			return err
		}
	}
	u.committed = true
	return nil
}
