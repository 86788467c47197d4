package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/drammen94/mira-OSS/internal/domain/entity"
	"github.com/drammen94/mira-OSS/internal/domain/repository"
	"github.com/drammen94/mira-OSS/internal/infrastructure/persistence/models"
	apperrors "github.com/drammen94/mira-OSS/pkg/errors"
)

// GormDomainKnowledgeRepository persists expertise blocks. The
// one-enabled-block-per-user invariant is enforced inside transactions
// here rather than relying solely on the partial index, so sqlite behaves
// the same as postgres.
type GormDomainKnowledgeRepository struct {
	db *gorm.DB
}

func NewGormDomainKnowledgeRepository(db *gorm.DB) repository.DomainKnowledgeRepository {
	return &GormDomainKnowledgeRepository{db: db}
}

func (r *GormDomainKnowledgeRepository) Create(ctx context.Context, block *entity.DomainKnowledgeBlock) error {
	if !entity.ValidLabel(block.Label) {
		return apperrors.NewInvalidInputError("block label must be snake_case")
	}
	if block.ID == "" {
		block.ID = uuid.NewString()
	}
	if block.CreatedAt.IsZero() {
		block.CreatedAt = time.Now().UTC()
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if block.Enabled {
			var enabled int64
			if err := tx.Model(&models.DomainKnowledgeBlockModel{}).
				Where("user_id = ? AND enabled = ?", block.UserID, true).
				Count(&enabled).Error; err != nil {
				return apperrors.NewInternalErrorWithCause("failed to check enabled blocks", err)
			}
			if enabled > 0 {
				return apperrors.NewAlreadyExistsError("another block is already enabled for this user")
			}
		}

		model := &models.DomainKnowledgeBlockModel{
			ID:          block.ID,
			UserID:      block.UserID,
			Label:       block.Label,
			Description: block.Description,
			AgentRef:    block.AgentRef,
			Enabled:     block.Enabled,
			CreatedAt:   block.CreatedAt,
		}
		if err := tx.Create(model).Error; err != nil {
			return apperrors.NewInternalErrorWithCause("failed to create block", err)
		}
		content := &models.DomainKnowledgeContentModel{
			BlockID:    block.ID,
			BlockValue: block.CachedValue,
			SyncedAt:   block.SyncedAt,
		}
		if err := tx.Create(content).Error; err != nil {
			return apperrors.NewInternalErrorWithCause("failed to create block content", err)
		}
		return nil
	})
}

func (r *GormDomainKnowledgeRepository) FindEnabled(ctx context.Context, userID string) (*entity.DomainKnowledgeBlock, error) {
	var model models.DomainKnowledgeBlockModel
	err := r.db.WithContext(ctx).
		First(&model, "user_id = ? AND enabled = ?", userID, true).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NewNotFoundError("no enabled block")
		}
		return nil, apperrors.NewInternalErrorWithCause("failed to find enabled block", err)
	}
	return r.hydrate(ctx, &model)
}

func (r *GormDomainKnowledgeRepository) FindByLabel(ctx context.Context, userID, label string) (*entity.DomainKnowledgeBlock, error) {
	var model models.DomainKnowledgeBlockModel
	err := r.db.WithContext(ctx).
		First(&model, "user_id = ? AND label = ?", userID, label).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NewNotFoundError("block not found")
		}
		return nil, apperrors.NewInternalErrorWithCause("failed to find block", err)
	}
	return r.hydrate(ctx, &model)
}

// Enable turns the block on. At most one block may be enabled per user;
// enabling while another block is enabled fails and leaves the store
// unchanged. The caller disables the current block first.
func (r *GormDomainKnowledgeRepository) Enable(ctx context.Context, userID, label string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var enabled models.DomainKnowledgeBlockModel
		err := tx.First(&enabled, "user_id = ? AND enabled = ?", userID, true).Error
		if err == nil {
			if enabled.Label == label {
				return nil
			}
			return apperrors.NewAlreadyExistsError("another block is already enabled for this user")
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return apperrors.NewInternalErrorWithCause("failed to check enabled blocks", err)
		}

		result := tx.Model(&models.DomainKnowledgeBlockModel{}).
			Where("user_id = ? AND label = ?", userID, label).
			Update("enabled", true)
		if result.Error != nil {
			return apperrors.NewInternalErrorWithCause("failed to enable block", result.Error)
		}
		if result.RowsAffected == 0 {
			return apperrors.NewNotFoundError("block not found")
		}
		return nil
	})
}

func (r *GormDomainKnowledgeRepository) Disable(ctx context.Context, userID, label string) error {
	result := r.db.WithContext(ctx).Model(&models.DomainKnowledgeBlockModel{}).
		Where("user_id = ? AND label = ?", userID, label).
		Update("enabled", false)
	if result.Error != nil {
		return apperrors.NewInternalErrorWithCause("failed to disable block", result.Error)
	}
	if result.RowsAffected == 0 {
		return apperrors.NewNotFoundError("block not found")
	}
	return nil
}

func (r *GormDomainKnowledgeRepository) UpdateContent(ctx context.Context, blockID, value string, syncedAt time.Time) error {
	result := r.db.WithContext(ctx).Model(&models.DomainKnowledgeContentModel{}).
		Where("block_id = ?", blockID).
		Updates(map[string]any{"block_value": value, "synced_at": syncedAt})
	if result.Error != nil {
		return apperrors.NewInternalErrorWithCause("failed to update block content", result.Error)
	}
	if result.RowsAffected == 0 {
		return apperrors.NewNotFoundError("block content not found")
	}
	return nil
}

func (r *GormDomainKnowledgeRepository) hydrate(ctx context.Context, model *models.DomainKnowledgeBlockModel) (*entity.DomainKnowledgeBlock, error) {
	block := &entity.DomainKnowledgeBlock{
		ID:          model.ID,
		UserID:      model.UserID,
		Label:       model.Label,
		Description: model.Description,
		AgentRef:    model.AgentRef,
		Enabled:     model.Enabled,
		CreatedAt:   model.CreatedAt,
	}

	var content models.DomainKnowledgeContentModel
	err := r.db.WithContext(ctx).First(&content, "block_id = ?", model.ID).Error
	if err == nil {
		block.CachedValue = content.BlockValue
		block.SyncedAt = content.SyncedAt
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.NewInternalErrorWithCause("failed to load block content", err)
	}
	return block, nil
}
