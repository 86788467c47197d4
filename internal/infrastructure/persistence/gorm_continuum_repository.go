package persistence

import (
	"context"
	"encoding/json"
	"errors"

	"gorm.io/gorm"

	"github.com/drammen94/mira-OSS/internal/domain/entity"
	"github.com/drammen94/mira-OSS/internal/domain/repository"
	"github.com/drammen94/mira-OSS/internal/infrastructure/persistence/models"
	apperrors "github.com/drammen94/mira-OSS/pkg/errors"
)

// GormContinuumRepository persists continuums with GORM.
type GormContinuumRepository struct {
	db *gorm.DB
}

func NewGormContinuumRepository(db *gorm.DB) repository.ContinuumRepository {
	return &GormContinuumRepository{db: db}
}

func (r *GormContinuumRepository) FindByUserID(ctx context.Context, userID string) (*entity.Continuum, error) {
	var model models.ContinuumModel
	if err := r.db.WithContext(ctx).First(&model, "user_id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NewNotFoundError("continuum not found")
		}
		return nil, apperrors.NewInternalErrorWithCause("failed to find continuum", err)
	}

	continuum := &entity.Continuum{
		ID:                 model.ID,
		UserID:             model.UserID,
		CreatedAt:          model.CreatedAt,
		ActiveSegmentLimit: entity.DefaultActiveSegmentLimit,
	}
	if model.Metadata != "" {
		if err := json.Unmarshal([]byte(model.Metadata), &continuum.Metadata); err != nil {
			return nil, apperrors.NewInternalErrorWithCause("failed to decode continuum metadata", err)
		}
	}
	return continuum, nil
}

func (r *GormContinuumRepository) Create(ctx context.Context, continuum *entity.Continuum) error {
	metadata, err := json.Marshal(continuum.Metadata)
	if err != nil {
		return apperrors.NewInternalErrorWithCause("failed to encode continuum metadata", err)
	}
	model := &models.ContinuumModel{
		ID:        continuum.ID,
		UserID:    continuum.UserID,
		Metadata:  string(metadata),
		CreatedAt: continuum.CreatedAt,
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return apperrors.NewInternalErrorWithCause("failed to create continuum", err)
	}
	return nil
}

func (r *GormContinuumRepository) UpdateMetadata(ctx context.Context, continuumID string, metadata entity.ContinuumMetadata) error {
	return updateContinuumMetadata(r.db.WithContext(ctx), continuumID, metadata)
}

// updateContinuumMetadata is shared with the unit of work so the metadata
// write participates in the commit transaction.
func updateContinuumMetadata(tx *gorm.DB, continuumID string, metadata entity.ContinuumMetadata) error {
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return apperrors.NewInternalErrorWithCause("failed to encode continuum metadata", err)
	}
	result := tx.Model(&models.ContinuumModel{}).
		Where("id = ?", continuumID).
		Update("metadata", string(encoded))
	if result.Error != nil {
		return apperrors.NewInternalErrorWithCause("failed to update continuum metadata", result.Error)
	}
	if result.RowsAffected == 0 {
		return apperrors.NewNotFoundError("continuum not found")
	}
	return nil
}

// GormMessageRepository persists continuum messages with GORM.
type GormMessageRepository struct {
	db *gorm.DB
}

func NewGormMessageRepository(db *gorm.DB) repository.MessageRepository {
	return &GormMessageRepository{db: db}
}

func (r *GormMessageRepository) SaveBatch(ctx context.Context, continuumID string, messages []*entity.Message) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return saveMessages(tx, continuumID, "", messages)
	})
}

// saveMessages inserts messages in order; shared with the unit of work.
func saveMessages(tx *gorm.DB, continuumID, userID string, messages []*entity.Message) error {
	for _, msg := range messages {
		model, err := messageToModel(continuumID, userID, msg)
		if err != nil {
			return err
		}
		if err := tx.Create(model).Error; err != nil {
			return apperrors.NewInternalErrorWithCause("failed to save message", err)
		}
	}
	return nil
}

func (r *GormMessageRepository) FindRecent(ctx context.Context, continuumID string, limit int) ([]*entity.Message, error) {
	var rows []models.MessageModel
	err := r.db.WithContext(ctx).
		Where("continuum_id = ?", continuumID).
		Order("created_at desc").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, apperrors.NewInternalErrorWithCause("failed to load messages", err)
	}

	// Reverse into chronological order.
	messages := make([]*entity.Message, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		msg, err := messageFromModel(&rows[i])
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

func (r *GormMessageRepository) FindCollapsedSummaries(ctx context.Context, continuumID string, limit int) ([]*entity.Message, error) {
	var rows []models.MessageModel
	err := r.db.WithContext(ctx).
		Where("continuum_id = ? AND status = ?", continuumID, entity.StatusCollapsed).
		Order("created_at desc").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, apperrors.NewInternalErrorWithCause("failed to load segment summaries", err)
	}

	messages := make([]*entity.Message, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		msg, err := messageFromModel(&rows[i])
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

func (r *GormMessageRepository) UpdateStatus(ctx context.Context, messageID string, status string) error {
	result := r.db.WithContext(ctx).Model(&models.MessageModel{}).
		Where("id = ?", messageID).
		Update("status", status)
	if result.Error != nil {
		return apperrors.NewInternalErrorWithCause("failed to update message status", result.Error)
	}
	if result.RowsAffected == 0 {
		return apperrors.NewNotFoundError("message not found")
	}
	return nil
}

func (r *GormMessageRepository) Count(ctx context.Context, continuumID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.MessageModel{}).
		Where("continuum_id = ?", continuumID).
		Count(&count).Error
	if err != nil {
		return 0, apperrors.NewInternalErrorWithCause("failed to count messages", err)
	}
	return count, nil
}

func messageToModel(continuumID, userID string, msg *entity.Message) (*models.MessageModel, error) {
	metadata, err := json.Marshal(msg.Metadata)
	if err != nil {
		return nil, apperrors.NewInternalErrorWithCause("failed to encode message metadata", err)
	}
	status := msg.Metadata.Status
	if status == "" {
		status = entity.StatusActive
	}
	return &models.MessageModel{
		ID:          msg.ID,
		ContinuumID: continuumID,
		UserID:      userID,
		Role:        string(msg.Role),
		Content:     msg.TextContent(),
		Status:      status,
		Metadata:    string(metadata),
		CreatedAt:   msg.CreatedAt,
	}, nil
}

func messageFromModel(model *models.MessageModel) (*entity.Message, error) {
	msg := &entity.Message{
		ID:        model.ID,
		Role:      entity.Role(model.Role),
		Blocks:    []entity.ContentBlock{entity.TextBlock(model.Content)},
		CreatedAt: model.CreatedAt,
	}
	if model.Metadata != "" {
		if err := json.Unmarshal([]byte(model.Metadata), &msg.Metadata); err != nil {
			return nil, apperrors.NewInternalErrorWithCause("failed to decode message metadata", err)
		}
	}
	if msg.Metadata.Status == "" {
		msg.Metadata.Status = model.Status
	}
	return msg, nil
}
