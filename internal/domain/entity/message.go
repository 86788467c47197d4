package entity

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// BlockType discriminates ContentBlock variants.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockImage      BlockType = "image"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
	BlockThinking   BlockType = "thinking"
)

// ContentBlock is one element of a message's ordered content. Exactly the
// fields for its Type are set.
type ContentBlock struct {
	Type BlockType `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// image (base64-encoded)
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`

	// tool_use
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`

	// thinking
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// ImageBlock builds an image content block from base64 data.
func ImageBlock(mediaType, data string) ContentBlock {
	return ContentBlock{Type: BlockImage, MediaType: mediaType, Data: data}
}

// Message statuses. Collapsed messages are archived segment summaries;
// marker statuses distinguish the synthetic boundary sentinels.
const (
	StatusActive          = "active"
	StatusCollapsed       = "collapsed"
	StatusCollapseMarker  = "collapse_marker"
	StatusSessionBoundary = "session_boundary"
)

// MessageMetadata carries per-message annotations.
type MessageMetadata struct {
	SegmentBoundary    bool     `json:"segment_boundary,omitempty"`
	Status             string   `json:"status,omitempty"`
	ReferencedMemories []string `json:"referenced_memories,omitempty"`
	SurfacedMemories   []string `json:"surfaced_memories,omitempty"`
	Emotion            string   `json:"emotion,omitempty"`
}

// Message is one entry in a continuum.
type Message struct {
	ID        string          `json:"id"`
	Role      Role            `json:"role"`
	Blocks    []ContentBlock  `json:"blocks"`
	CreatedAt time.Time       `json:"created_at"`
	Metadata  MessageMetadata `json:"metadata"`
}

// NewMessage creates a message with ordered content blocks.
func NewMessage(role Role, blocks []ContentBlock) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Role:      role,
		Blocks:    blocks,
		CreatedAt: time.Now().UTC(),
		Metadata:  MessageMetadata{Status: StatusActive},
	}
}

// NewTextMessage creates a message with a single text block.
func NewTextMessage(role Role, text string) *Message {
	return NewMessage(role, []ContentBlock{TextBlock(text)})
}

// TextContent concatenates the message's text blocks.
func (m *Message) TextContent() string {
	var parts []string
	for _, b := range m.Blocks {
		if b.Type == BlockText && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// HasImage reports whether the message carries an image block.
func (m *Message) HasImage() bool {
	for _, b := range m.Blocks {
		if b.Type == BlockImage {
			return true
		}
	}
	return false
}

// TextOnly returns a copy of the message with non-text blocks removed,
// used when persisting multimodal content.
func (m *Message) TextOnly() *Message {
	clone := *m
	clone.Blocks = nil
	for _, b := range m.Blocks {
		if b.Type == BlockText {
			clone.Blocks = append(clone.Blocks, b)
		}
	}
	return &clone
}

// IsSegmentSummary reports whether the message is an archived segment summary.
func (m *Message) IsSegmentSummary() bool {
	return m.Metadata.Status == StatusCollapsed
}

// IsSentinel reports whether the message is a synthetic boundary marker.
func (m *Message) IsSentinel() bool {
	return m.Metadata.SegmentBoundary &&
		(m.Metadata.Status == StatusCollapseMarker || m.Metadata.Status == StatusSessionBoundary)
}

// NewCollapseMarker builds the sentinel that signals searchable archived
// content above it.
func NewCollapseMarker() *Message {
	msg := NewTextMessage(RoleSystem, "[Older conversation segments above this point have been archived and are searchable.]")
	msg.Metadata.SegmentBoundary = true
	msg.Metadata.Status = StatusCollapseMarker
	return msg
}

// NewSessionBoundary builds the sentinel that marks a new session start.
func NewSessionBoundary() *Message {
	msg := NewTextMessage(RoleSystem, "[New session started.]")
	msg.Metadata.SegmentBoundary = true
	msg.Metadata.Status = StatusSessionBoundary
	return msg
}
