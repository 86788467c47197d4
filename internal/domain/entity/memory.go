package entity

import "time"

// LinkType classifies the relationship between two memories.
type LinkType string

const (
	LinkConflicts     LinkType = "conflicts"
	LinkInvalidatedBy LinkType = "invalidated_by"
	LinkSupersedes    LinkType = "supersedes"
	LinkCauses        LinkType = "causes"
	LinkMotivatedBy   LinkType = "motivated_by"
	LinkInstanceOf    LinkType = "instance_of"
	LinkSharesEntity  LinkType = "shares_entity"
)

// MemoryLink is a directed edge in the memory graph.
type MemoryLink struct {
	TargetID   string   `json:"target_id"`
	Type       LinkType `json:"type"`
	Confidence float64  `json:"confidence"`
	Reasoning  string   `json:"reasoning"`
}

// Memory is one long-term memory record. Immutable after commit except for
// access bookkeeping.
type Memory struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	Text         string     `json:"text"`
	Embedding    []float32  `json:"-"`
	Importance   float64    `json:"importance"`
	CreatedAt    time.Time  `json:"created_at"`
	LastAccessed time.Time  `json:"last_accessed"`
	AccessCount  int        `json:"access_count"`
	HappensAt    *time.Time `json:"happens_at,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`

	OutboundLinks []MemoryLink `json:"outbound_links,omitempty"`
	InboundLinks  []MemoryLink `json:"inbound_links,omitempty"`
}

// LinkMetadata describes how a linked memory was reached during traversal.
type LinkMetadata struct {
	LinkType     LinkType `json:"link_type"`
	Confidence   float64  `json:"confidence"`
	Reasoning    string   `json:"reasoning"`
	Depth        int      `json:"depth"`
	LinkedFromID string   `json:"linked_from_id"`
}

/// SurfacedMemory is a retrieval result: a primary memory with its reranked
// linked memories, or a linked memory carrying its traversal metadata.
type SurfacedMemory struct {
	Memory         *Memory           `json:"memory"`
	Score          float64           `json:"score"`
	LinkMetadata   *LinkMetadata     `json:"link_metadata,omitempty"`
	LinkedMemories []*SurfacedMemory `json:"linked_memories,omitempty"`
}
