package models

import "time"

// RetrievalLogModel is one append-only retrieval record.
type RetrievalLogModel struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	ContinuumID string `gorm:"index;size:64;not null"`
	RawQuery    string `gorm:"type:text"`
	Fingerprint string `gorm:"type:text"`
	SurfacedIDs string `gorm:"type:text"` // JSON encoded list of memory ids
	Timestamp   time.Time
}

func (RetrievalLogModel) TableName() string {
	return "retrieval_log"
}

// ReminderModel is the database row for a scheduled reminder.
type ReminderModel struct {
	ID        string    `gorm:"primaryKey;size:64"`
	UserID    string    `gorm:"index;size:64;not null"`
	Text      string    `gorm:"type:text;not null"`
	DueAt     time.Time `gorm:"index"`
	Timezone  string    `gorm:"size:64"`
	Delivered bool
	CreatedAt time.Time
}

func (ReminderModel) TableName() string {
	return "reminders"
}
