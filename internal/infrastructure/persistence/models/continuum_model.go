package models

import "time"

// ContinuumModel is the database row for a continuum.
type ContinuumModel struct {
	ID        string `gorm:"primaryKey;size:64"`
	UserID    string `gorm:"uniqueIndex;size:64;not null"`
	Metadata  string `gorm:"type:text"` // JSON encoded ContinuumMetadata
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (ContinuumModel) TableName() string {
	return "continuums"
}
