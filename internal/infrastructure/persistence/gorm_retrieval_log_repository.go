package persistence

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/drammen94/mira-OSS/internal/domain/entity"
	"github.com/drammen94/mira-OSS/internal/domain/repository"
	"github.com/drammen94/mira-OSS/internal/infrastructure/persistence/models"
	apperrors "github.com/drammen94/mira-OSS/pkg/errors"
)

// GormRetrievalLogRepository appends retrieval records.
type GormRetrievalLogRepository struct {
	db *gorm.DB
}

func NewGormRetrievalLogRepository(db *gorm.DB) repository.RetrievalLogRepository {
	return &GormRetrievalLogRepository{db: db}
}

func (r *GormRetrievalLogRepository) Append(ctx context.Context, entry *repository.RetrievalLogEntry) error {
	return appendRetrievalLog(r.db.WithContext(ctx), entry)
}

// appendRetrievalLog is shared with the unit of work.
func appendRetrievalLog(tx *gorm.DB, entry *repository.RetrievalLogEntry) error {
	surfaced, err := json.Marshal(entry.SurfacedIDs)
	if err != nil {
		return apperrors.NewInternalErrorWithCause("failed to encode surfaced ids", err)
	}
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	model := &models.RetrievalLogModel{
		ContinuumID: entry.ContinuumID,
		RawQuery:    entry.RawQuery,
		Fingerprint: entry.Fingerprint,
		SurfacedIDs: string(surfaced),
		Timestamp:   ts,
	}
	if err := tx.Create(model).Error; err != nil {
		return apperrors.NewInternalErrorWithCause("failed to append retrieval log", err)
	}
	return nil
}

func (r *GormRetrievalLogRepository) FindByContinuum(ctx context.Context, continuumID string, limit int) ([]*repository.RetrievalLogEntry, error) {
	var rows []models.RetrievalLogModel
	err := r.db.WithContext(ctx).
		Where("continuum_id = ?", continuumID).
		Order("timestamp desc").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, apperrors.NewInternalErrorWithCause("failed to load retrieval log", err)
	}

	entries := make([]*repository.RetrievalLogEntry, 0, len(rows))
	for _, row := range rows {
		entry := &repository.RetrievalLogEntry{
			ContinuumID: row.ContinuumID,
			RawQuery:    row.RawQuery,
			Fingerprint: row.Fingerprint,
			Timestamp:   row.Timestamp,
		}
		if row.SurfacedIDs != "" {
			if err := json.Unmarshal([]byte(row.SurfacedIDs), &entry.SurfacedIDs); err != nil {
				return nil, apperrors.NewInternalErrorWithCause("failed to decode surfaced ids", err)
			}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// GormReminderRepository stores reminders.
type GormReminderRepository struct {
	db *gorm.DB
}

func NewGormReminderRepository(db *gorm.DB) repository.ReminderRepository {
	return &GormReminderRepository{db: db}
}

func (r *GormReminderRepository) Create(ctx context.Context, reminder *entity.Reminder) error {
	if reminder.ID == "" {
		reminder.ID = uuid.NewString()
	}
	if reminder.CreatedAt.IsZero() {
		reminder.CreatedAt = time.Now().UTC()
	}
	model := &models.ReminderModel{
		ID:        reminder.ID,
		UserID:    reminder.UserID,
		Text:      reminder.Text,
		DueAt:     reminder.DueAt,
		Timezone:  reminder.Timezone,
		Delivered: reminder.Delivered,
		CreatedAt: reminder.CreatedAt,
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return apperrors.NewInternalErrorWithCause("failed to create reminder", err)
	}
	return nil
}

func (r *GormReminderRepository) FindUpcoming(ctx context.Context, userID string, until time.Time) ([]*entity.Reminder, error) {
	var rows []models.ReminderModel
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND delivered = ? AND due_at <= ?", userID, false, until).
		Order("due_at asc").
		Find(&rows).Error
	if err != nil {
		return nil, apperrors.NewInternalErrorWithCause("failed to load reminders", err)
	}

	reminders := make([]*entity.Reminder, len(rows))
	for i, row := range rows {
		reminders[i] = &entity.Reminder{
			ID:        row.ID,
			UserID:    row.UserID,
			Text:      row.Text,
			DueAt:     row.DueAt,
			Timezone:  row.Timezone,
			Delivered: row.Delivered,
			CreatedAt: row.CreatedAt,
		}
	}
	return reminders, nil
}

func (r *GormReminderRepository) MarkDelivered(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Model(&models.ReminderModel{}).
		Where("id = ?", id).
		Update("delivered", true)
	if result.Error != nil {
		return apperrors.NewInternalErrorWithCause("failed to mark reminder delivered", result.Error)
	}
	if result.RowsAffected == 0 {
		return apperrors.NewNotFoundError("reminder not found")
	}
	return nil
}
