package models

import "time"

// MessageModel is the database row for a continuum message.
type MessageModel struct {
	ID          string    `gorm:"primaryKey;size:64"`
	ContinuumID string    `gorm:"index;size:64;not null"`
	UserID      string    `gorm:"index:idx_messages_user_created,priority:1;size:64;not null"`
	Role        string    `gorm:"size:16;not null"`
	Content     string    `gorm:"type:text;not null"`
	Status      string    `gorm:"index;size:32;not null"`
	Metadata    string    `gorm:"type:text"` // JSON encoded MessageMetadata
	CreatedAt   time.Time `gorm:"index:idx_messages_user_created,priority:2"`
}

func (MessageModel) TableName() string {
	return "messages"
}
