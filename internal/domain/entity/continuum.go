package entity

import (
	"time"

	"github.com/google/uuid"
)

// DefaultActiveSegmentLimit is the active message count past which a
// segment boundary event is raised so the segment can be collapsed later.
const DefaultActiveSegmentLimit = 120

// ContinuumMetadata is the per-continuum mutable state persisted alongside
// the message history.
type ContinuumMetadata struct {
	LastTouchstone           *Touchstone `json:"last_touchstone,omitempty"`
	TouchstoneEmbedding      []float32   `json:"touchstone_embedding,omitempty"`
	ModelPreference          string      `json:"model_preference,omitempty"`
	ThinkingBudgetPreference *int        `json:"thinking_budget_preference,omitempty"`
	LinkedDays               []string    `json:"linked_days,omitempty"`
}

// ContinuumEventKind labels cache-level events emitted by mutations.
type ContinuumEventKind string

const (
	// EventSegmentLimitReached fires when the active segment crosses the
	// size threshold and becomes eligible for collapse.
	EventSegmentLimitReached ContinuumEventKind = "segment_limit_reached"
)

// ContinuumEvent is emitted by continuum mutations for interested callers.
type ContinuumEvent struct {
	Kind    ContinuumEventKind
	Message *Message
}

// Continuum is one user's ongoing conversation: an in-memory ordered
// message cache plus metadata. It is exclusively owned by a single turn at
// a time; the per-user request lock enforces this.
type Continuum struct {
	ID        string
	UserID    string
	Messages  []*Message
	Metadata  ContinuumMetadata
	CreatedAt time.Time

	ActiveSegmentLimit int
}

// NewContinuum creates an empty continuum for a user.
func NewContinuum(userID string) *Continuum {
	return &Continuum{
		ID:                 uuid.NewString(),
		UserID:             userID,
		CreatedAt:          time.Now().UTC(),
		ActiveSegmentLimit: DefaultActiveSegmentLimit,
	}
}

// AddUserMessage appends a user message to the cache. Nothing is persisted;
// the unit of work picks the message up at commit time.
func (c *Continuum) AddUserMessage(blocks []ContentBlock) (*Message, []ContinuumEvent) {
	msg := NewMessage(RoleUser, blocks)
	c.Messages = append(c.Messages, msg)
	return msg, c.checkSegmentLimit()
}

// AddAssistantMessage appends an assistant message with metadata.
func (c *Continuum) AddAssistantMessage(text string, metadata MessageMetadata) (*Message, []ContinuumEvent) {
	msg := NewTextMessage(RoleAssistant, text)
	if metadata.Status == "" {
		metadata.Status = StatusActive
	}
	msg.Metadata = metadata
	c.Messages = append(c.Messages, msg)
	return msg, c.checkSegmentLimit()
}

// ActiveMessages returns the messages after the last session boundary
// sentinel, or all messages when no sentinel exists.
func (c *Continuum) ActiveMessages() []*Message {
	for i := len(c.Messages) - 1; i >= 0; i-- {
		if c.Messages[i].Metadata.Status == StatusSessionBoundary {
			return c.Messages[i+1:]
		}
	}
	return c.Messages
}

// TurnNumber is the 1-based count of user turns in the cache.
func (c *Continuum) TurnNumber() int {
	n := 0
	for _, m := range c.Messages {
		if m.Role == RoleUser && !m.IsSentinel() {
			n++
		}
	}
	return n
}

// SetLastTouchstone records the regenerated touchstone and its embedding.
func (c *Continuum) SetLastTouchstone(t *Touchstone, embedding []float32) {
	c.Metadata.LastTouchstone = t
	c.Metadata.TouchstoneEmbedding = embedding
}

// Snapshot captures the cache state so a failed turn can be rolled back.
type Snapshot struct {
	messages []*Message
	metadata ContinuumMetadata
}

// Snapshot returns a restore point for the message cache and metadata.
func (c *Continuum) Snapshot() Snapshot {
	msgs := make([]*Message, len(c.Messages))
	copy(msgs, c.Messages)

	md := c.Metadata
	if md.TouchstoneEmbedding != nil {
		emb := make([]float32, len(md.TouchstoneEmbedding))
		copy(emb, md.TouchstoneEmbedding)
		md.TouchstoneEmbedding = emb
	}
	if md.LinkedDays != nil {
		days := make([]string, len(md.LinkedDays))
		copy(days, md.LinkedDays)
		md.LinkedDays = days
	}
	return Snapshot{messages: msgs, metadata: md}
}

// Restore rolls the continuum back to a snapshot. Called when the unit of
// work is discarded after the cache was mutated.
func (c *Continuum) Restore(s Snapshot) {
	c.Messages = s.messages
	c.Metadata = s.metadata
}

func (c *Continuum) checkSegmentLimit() []ContinuumEvent {
	limit := c.ActiveSegmentLimit
	if limit <= 0 {
		limit = DefaultActiveSegmentLimit
	}
	if len(c.ActiveMessages()) == limit {
		return []ContinuumEvent{{Kind: EventSegmentLimitReached}}
	}
	return nil
}
