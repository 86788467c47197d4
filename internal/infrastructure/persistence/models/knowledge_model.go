package models

import "time"

// DomainKnowledgeBlockModel is the metadata row for an expertise block.
// A partial unique index keeps at most one block enabled per user.
type DomainKnowledgeBlockModel struct {
	ID          string `gorm:"primaryKey;size:64"`
	UserID      string `gorm:"index:idx_blocks_user_label,unique,priority:1;size:64;not null"`
	Label       string `gorm:"index:idx_blocks_user_label,unique,priority:2;size:64;not null"`
	Description string `gorm:"type:text"`
	AgentRef    string `gorm:"size:128"`
	Enabled     bool   `gorm:"index:idx_blocks_enabled,where:enabled = true"`
	CreatedAt   time.Time
}

func (DomainKnowledgeBlockModel) TableName() string {
	return "domain_knowledge_blocks"
}

// DomainKnowledgeContentModel holds the synced block body, split from the
// metadata row so listing blocks never drags the payload along.
type DomainKnowledgeContentModel struct {
	BlockID    string `gorm:"primaryKey;size:64"`
	BlockValue string `gorm:"type:text"`
	SyncedAt   time.Time
}

func (DomainKnowledgeContentModel) TableName() string {
	return "domain_knowledge_block_content"
}
