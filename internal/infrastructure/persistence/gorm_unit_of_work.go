package persistence

import (
	"context"

	"gorm.io/gorm"

	"github.com/drammen94/mira-OSS/internal/domain/entity"
	"github.com/drammen94/mira-OSS/internal/domain/repository"
	apperrors "github.com/drammen94/mira-OSS/pkg/errors"
)

// GormUnitOfWorkFactory creates transaction-scoped write batches.
type GormUnitOfWorkFactory struct {
	db *gorm.DB
}

func NewGormUnitOfWorkFactory(db *gorm.DB) repository.UnitOfWorkFactory {
	return &GormUnitOfWorkFactory{db: db}
}

func (f *GormUnitOfWorkFactory) Begin(continuum *entity.Continuum) repository.UnitOfWork {
	return &gormUnitOfWork{db: f.db, continuum: continuum}
}

// gormUnitOfWork accumulates one turn's writes and commits them in a
// single transaction: the message pairs in chronological order, the
// continuum metadata when dirty, and the retrieval-log entries.
type gormUnitOfWork struct {
	db        *gorm.DB
	continuum *entity.Continuum

	pending       []*entity.Message
	metadataDirty bool
	retrievalLogs []*repository.RetrievalLogEntry
	committed     bool
}

func (u *gormUnitOfWork) AddMessages(user, assistant *entity.Message) {
	u.pending = append(u.pending, user, assistant)
}

func (u *gormUnitOfWork) MarkMetadataUpdated() {
	u.metadataDirty = true
}

func (u *gormUnitOfWork) SetRetrievalLog(entry *repository.RetrievalLogEntry) {
	u.retrievalLogs = append(u.retrievalLogs, entry)
}

func (u *gormUnitOfWork) Commit(ctx context.Context) error {
	if u.committed {
		return apperrors.NewInvalidInputError("unit of work already committed")
	}
	if len(u.pending) == 0 {
		return apperrors.NewInvalidInputError("unit of work has no message pair")
	}

	err := u.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := saveMessages(tx, u.continuum.ID, u.continuum.UserID, u.pending); err != nil {
			return err
		}
		if u.metadataDirty {
			if err := updateContinuumMetadata(tx, u.continuum.ID, u.continuum.Metadata); err != nil {
				return err
			}
		}
		for _, entry := range u.retrievalLogs {
			if err := appendRetrievalLog(tx, entry); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	u.committed = true
	return nil
}
