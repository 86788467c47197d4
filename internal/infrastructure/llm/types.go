package llm

import (
	"context"
	"strconv"
	"strings"

	"github.com/drammen94/mira-OSS/internal/domain/entity"
	apperrors "github.com/drammen94/mira-OSS/pkg/errors"
)

// StopReason is why the model stopped generating.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
)

// SystemBlock is one segment of the structured system prompt. Cached blocks
// carry cache_control:ephemeral on the wire.
type SystemBlock struct {
	Text   string
	Cached bool
}

// ChatMessage is one conversation message in wire-neutral form.
type ChatMessage struct {
	Role   entity.Role
	Blocks []entity.ContentBlock
}

// TextMessage builds a single-text-block chat message.
func TextMessage(role entity.Role, text string) ChatMessage {
	return ChatMessage{Role: role, Blocks: []entity.ContentBlock{entity.TextBlock(text)}}
}

// Tool describes a callable tool offered to the model.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// Usage is token accounting for one request.
type Usage struct {
	InputTokens              int
	OutputTokens             int
	CacheCreationInputTokens int
	CacheReadInputTokens     int
}

// Response is a complete model response: ordered content blocks plus the
// stop reason and usage.
type Response struct {
	Blocks     []entity.ContentBlock
	StopReason StopReason
	Model      string
	Usage      Usage
}

// TextContent concatenates the response's text blocks.
func (r *Response) TextContent() string {
	var parts []string
	for _, b := range r.Blocks {
		if b.Type == entity.BlockText && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "")
}

// ToolCall is an extracted tool invocation from a response.
type ToolCall struct {
	ID       string
	ToolName string
	Input    map[string]any
}

// ToolCalls extracts the tool_use blocks from a response.
func (r *Response) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, b := range r.Blocks {
		if b.Type == entity.BlockToolUse {
			calls = append(calls, ToolCall{ID: b.ID, ToolName: b.Name, Input: b.Input})
		}
	}
	return calls
}

// Request is one model invocation in wire-neutral form. Wire clients
// translate it to their native protocol.
type Request struct {
	Model       string
	System      []SystemBlock
	Messages    []ChatMessage
	Tools       []Tool
	MaxTokens   int
	Temperature float64

	// ThinkingBudget > 0 enables extended thinking with that token budget.
	ThinkingBudget int

	// CacheTools appends cache_control:ephemeral to the last tool.
	CacheTools bool
}

// StreamDelta is one incremental chunk from a streaming response.
type StreamDelta struct {
	Text     string
	Thinking string
}

// WireClient is a protocol-level LLM client. Implementations exist for the
// native protocol and for the OpenAI-compatible translator.
type WireClient interface {
	CreateMessage(ctx context.Context, req *Request) (*Response, error)
	StreamMessage(ctx context.Context, req *Request, onDelta func(StreamDelta)) (*Response, error)
}

// ValidateMessages rejects requests the upstream API would reject: an empty
// conversation, or a message with no content. Messages carrying non-text
// blocks (tool calls, tool results, images) pass regardless of text.
func ValidateMessages(messages []ChatMessage) error {
	if len(messages) == 0 {
		return apperrors.NewInvalidInputError("messages must not be empty")
	}
	for i, m := range messages {
		if hasNonTextBlock(m) {
			continue
		}
		text := ""
		for _, b := range m.Blocks {
			if b.Type == entity.BlockText {
				text += b.Text
			}
		}
		if strings.TrimSpace(text) == "" {
			return apperrors.NewInvalidInputError("message has empty content at index " + strconv.Itoa(i))
		}
	}
	return nil
}

func hasNonTextBlock(m ChatMessage) bool {
	for _, b := range m.Blocks {
		if b.Type != entity.BlockText {
			return true
		}
	}
	return false
}
