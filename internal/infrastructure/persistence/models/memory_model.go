package models

import "time"

// MemoryModel is the database row for a long-term memory. The embedding is
// stored as a pgvector literal; on sqlite the column degrades to text and
// similarity is computed in process.
type MemoryModel struct {
	ID           string  `gorm:"primaryKey;size:64"`
	UserID       string  `gorm:"index;size:64;not null"`
	Text         string  `gorm:"type:text;not null"`
	Embedding    string  `gorm:"type:vector(384)"`
	Importance   float64 `gorm:"index"`
	AccessCount  int
	LastAccessed time.Time
	HappensAt    *time.Time
	ExpiresAt    *time.Time
	CreatedAt    time.Time
}

func (MemoryModel) TableName() string {
	return "memories"
}

// MemoryLinkModel is one directed edge of the memory graph. Links are
// written in mutual pairs; the inverse edge is inserted in the same
// transaction.
type MemoryLinkModel struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	SourceID   string `gorm:"index;size:64;not null"`
	TargetID   string `gorm:"index;size:64;not null"`
	Type       string `gorm:"size:32;not null"`
	Confidence float64
	Reasoning  string `gorm:"type:text"`
}

func (MemoryLinkModel) TableName() string {
	return "memory_links"
}
