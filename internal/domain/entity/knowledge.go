package entity

import (
	"regexp"
	"time"
)

var labelPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// DomainKnowledgeBlock is a per-user expertise block injected into the
// system prompt while enabled. At most one block is enabled per user.
type DomainKnowledgeBlock struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Label       string    `json:"label"`
	Description string    `json:"description"`
	AgentRef    string    `json:"agent_ref,omitempty"`
	Enabled     bool      `json:"enabled"`
	CachedValue string    `json:"cached_value,omitempty"`
	SyncedAt    time.Time `json:"synced_at,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ValidLabel reports whether a label is snake_case.
func ValidLabel(label string) bool {
	return labelPattern.MatchString(label)
}

// Reminder is a scheduled user reminder surfaced into working memory.
type Reminder struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Text      string    `json:"text"`
	DueAt     time.Time `json:"due_at"`
	Timezone  string    `json:"timezone,omitempty"`
	Delivered bool      `json:"delivered"`
	CreatedAt time.Time `json:"created_at"`
}
