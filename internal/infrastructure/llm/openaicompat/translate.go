package openaicompat

import (
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/drammen94/mira-OSS/internal/domain/entity"
	"github.com/drammen94/mira-OSS/internal/infrastructure/llm"
)

// Translation between the wire-neutral request form and the
// chat-completions protocol. The rules are fixed:
//
//   - system blocks concatenate to one string; cache_control is dropped
//   - assistant tool_use blocks become tool_calls entries
//   - assistant thinking blocks are dropped
//   - user tool_result blocks become role:tool messages with tool_call_id
//   - tools become {type:function, function:{...}} without cache_control
//   - finish_reason maps stop→end_turn, tool_calls→tool_use, length→max_tokens

func translateRequest(req *llm.Request) *chatRequest {
	out := &chatRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}

	if len(req.System) > 0 {
		var parts []string
		for _, block := range req.System {
			if block.Text != "" {
				parts = append(parts, block.Text)
			}
		}
		if len(parts) > 0 {
			out.Messages = append(out.Messages, chatMessage{
				Role:    "system",
				Content: strings.Join(parts, "\n\n"),
			})
		}
	}

	out.Messages = append(out.Messages, translateMessages(req.Messages)...)

	for _, tool := range req.Tools {
		out.Tools = append(out.Tools, chatTool{
			Type: "function",
			Function: chatFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.InputSchema,
			},
		})
	}
	return out
}

func translateMessages(messages []llm.ChatMessage) []chatMessage {
	var out []chatMessage
	for _, msg := range messages {
		switch msg.Role {
		case entity.RoleAssistant:
			out = append(out, translateAssistant(msg))
		default:
			// A user message may interleave text and tool_result blocks;
			// tool results each become their own role:tool message.
			var textParts []string
			for _, b := range msg.Blocks {
				switch b.Type {
				case entity.BlockText:
					if b.Text != "" {
						textParts = append(textParts, b.Text)
					}
				case entity.BlockToolResult:
					out = append(out, chatMessage{
						Role:       "tool",
						Content:    b.Content,
						ToolCallID: b.ToolUseID,
					})
				}
			}
			if len(textParts) > 0 {
				out = append(out, chatMessage{
					Role:    string(msg.Role),
					Content: strings.Join(textParts, "\n"),
				})
			}
		}
	}
	return out
}

func translateAssistant(msg llm.ChatMessage) chatMessage {
	out := chatMessage{Role: "assistant"}
	var textParts []string
	for _, b := range msg.Blocks {
		switch b.Type {
		case entity.BlockText:
			if b.Text != "" {
				textParts = append(textParts, b.Text)
			}
		case entity.BlockToolUse:
			args, err := json.Marshal(b.Input)
			if err != nil {
				args = []byte("{}")
			}
			out.ToolCalls = append(out.ToolCalls, chatToolCall{
				ID:   b.ID,
				Type: "function",
				Function: chatFunctionCall{
					Name:      b.Name,
					Arguments: string(args),
				},
			})
		case entity.BlockThinking:
			// Dropped: the protocol has no thinking representation.
		}
	}
	out.Content = strings.Join(textParts, "\n")
	return out
}

// assistantBlocks converts a chat-completions assistant message back into
// ordered content blocks, preserving tool call ids.
func assistantBlocks(msg chatMessage, logger *zap.Logger) []entity.ContentBlock {
	var blocks []entity.ContentBlock
	if msg.Content != "" {
		blocks = append(blocks, entity.TextBlock(msg.Content))
	}
	for _, call := range msg.ToolCalls {
		var input map[string]any
		if call.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(call.Function.Arguments), &input); err != nil {
				logger.Warn("Failed to parse tool call arguments",
					zap.String("tool", call.Function.Name),
					zap.Error(err))
				continue
			}
		}
		blocks = append(blocks, entity.ContentBlock{
			Type:  entity.BlockToolUse,
			ID:    call.ID,
			Name:  call.Function.Name,
			Input: input,
		})
	}
	return blocks
}

func translateResponse(resp *chatResponse, logger *zap.Logger) *llm.Response {
	out := &llm.Response{
		Model: resp.Model,
		Usage: llm.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
	if len(resp.Choices) == 0 {
		return out
	}
	choice := resp.Choices[0]
	out.Blocks = assistantBlocks(choice.Message, logger)
	out.StopReason = translateFinishReason(choice.FinishReason)
	return out
}

func translateFinishReason(reason string) llm.StopReason {
	switch reason {
	case "tool_calls":
		return llm.StopToolUse
	case "length":
		return llm.StopMaxTokens
	default: // "stop" and unrecognized values
		return llm.StopEndTurn
	}
}
