package anthropic

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/drammen94/mira-OSS/internal/domain/entity"
	"github.com/drammen94/mira-OSS/internal/infrastructure/llm"
)

// blockAccumulator tracks one content block being streamed.
type blockAccumulator struct {
	blockType string
	id        string
	name      string
	text      strings.Builder
	partial   strings.Builder // tool_use input JSON
	thinking  strings.Builder
	signature string
}

// parseSSEStream reads the event-based SSE format.
//
// Events:
//   - message_start         initial message metadata
//   - content_block_start   new content block (text, tool_use, thinking)
//   - content_block_delta   incremental update to the indexed block
//   - content_block_stop    block finished
//   - message_delta         stop_reason + final usage
//   - message_stop          stream complete
func parseSSEStream(ctx context.Context, reader io.Reader, onDelta func(llm.StreamDelta), logger *zap.Logger) (*llm.Response, error) {
	idleTimeout := 60 * time.Second
	tReader := &timedReader{r: reader, timeout: idleTimeout}

	scanner := bufio.NewScanner(tReader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	blocks := make(map[int]*blockAccumulator)
	var model string
	var stopReason string
	var usage llm.Usage
	var currentEventType string

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		line := scanner.Text()

		// "event: <type>" followed by "data: <json>"
		if strings.HasPrefix(line, "event: ") {
			currentEventType = strings.TrimPrefix(line, "event: ")
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		switch currentEventType {
		case "message_start":
			var evt StreamEvent
			if err := json.Unmarshal([]byte(data), &evt); err != nil {
				logger.Debug("Skip unparseable message_start", zap.Error(err))
				continue
			}
			if evt.Message != nil {
				model = evt.Message.Model
				usage.InputTokens = evt.Message.Usage.InputTokens
				usage.CacheCreationInputTokens = evt.Message.Usage.CacheCreationInputTokens
				usage.CacheReadInputTokens = evt.Message.Usage.CacheReadInputTokens
			}

		case "content_block_start":
			var evt StreamEvent
			if err := json.Unmarshal([]byte(data), &evt); err != nil {
				logger.Debug("Skip unparseable content_block_start", zap.Error(err))
				continue
			}
			if evt.ContentBlock == nil {
				continue
			}
			acc := &blockAccumulator{blockType: evt.ContentBlock.Type}
			if evt.ContentBlock.Type == "tool_use" {
				acc.id = evt.ContentBlock.ID
				acc.name = evt.ContentBlock.Name
			}
			if evt.ContentBlock.Type == "text" && evt.ContentBlock.Text != "" {
				acc.text.WriteString(evt.ContentBlock.Text)
			}
			blocks[evt.Index] = acc

		case "content_block_delta":
			var evt StreamEvent
			if err := json.Unmarshal([]byte(data), &evt); err != nil {
				logger.Debug("Skip unparseable content_block_delta", zap.Error(err))
				continue
			}
			if evt.Delta == nil {
				continue
			}
			acc, ok := blocks[evt.Index]
			if !ok {
				continue
			}

			switch evt.Delta.Type {
			case "text_delta":
				if evt.Delta.Text != "" {
					acc.text.WriteString(evt.Delta.Text)
					onDelta(llm.StreamDelta{Text: evt.Delta.Text})
				}
			case "input_json_delta":
				acc.partial.WriteString(evt.Delta.PartialJSON)
			case "thinking_delta":
				if evt.Delta.Thinking != "" {
					acc.thinking.WriteString(evt.Delta.Thinking)
					onDelta(llm.StreamDelta{Thinking: evt.Delta.Thinking})
				}
			case "signature_delta":
				acc.signature += evt.Delta.Signature
			}

		case "message_delta":
			var evt StreamEvent
			if err := json.Unmarshal([]byte(data), &evt); err != nil {
				logger.Debug("Skip unparseable message_delta", zap.Error(err))
				continue
			}
			if evt.Delta != nil && evt.Delta.StopReason != "" {
				stopReason = evt.Delta.StopReason
			}
			if evt.Usage != nil {
				usage.OutputTokens = evt.Usage.OutputTokens
			}

		case "message_stop", "content_block_stop", "ping":
			// Nothing to accumulate.

		default:
			logger.Debug("Unknown SSE event type", zap.String("type", currentEventType))
		}

		currentEventType = ""
	}

	if err := scanner.Err(); err != nil {
		if isIdleTimeoutErr(err) {
			logger.Warn("SSE stream idle timeout",
				zap.Duration("idle_timeout", idleTimeout))
			if len(blocks) == 0 {
				return nil, fmt.Errorf("SSE stream stalled: no data for %v", idleTimeout)
			}
		} else {
			return nil, llm.MapTransportError(fmt.Errorf("SSE scan error: %w", err))
		}
	}

	return assembleResponse(blocks, model, stopReason, usage, logger), nil
}

func assembleResponse(blocks map[int]*blockAccumulator, model, stopReason string, usage llm.Usage, logger *zap.Logger) *llm.Response {
	indexes := make([]int, 0, len(blocks))
	for i := range blocks {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	resp := &llm.Response{
		Model:      model,
		StopReason: llm.StopReason(stopReason),
		Usage:      usage,
	}
	for _, i := range indexes {
		acc := blocks[i]
		switch acc.blockType {
		case "text":
			resp.Blocks = append(resp.Blocks, entity.TextBlock(acc.text.String()))
		case "thinking":
			resp.Blocks = append(resp.Blocks, entity.ContentBlock{
				Type:      entity.BlockThinking,
				Thinking:  acc.thinking.String(),
				Signature: acc.signature,
			})
		case "tool_use":
			var input map[string]any
			if argsStr := acc.partial.String(); argsStr != "" {
				if err := json.Unmarshal([]byte(argsStr), &input); err != nil {
					logger.Warn("Failed to parse streamed tool input",
						zap.String("tool", acc.name),
						zap.Error(err))
					continue
				}
			}
			resp.Blocks = append(resp.Blocks, entity.ContentBlock{
				Type:  entity.BlockToolUse,
				ID:    acc.id,
				Name:  acc.name,
				Input: input,
			})
		}
	}
	return resp
}

// --- SSE idle timeout support ---

var errIdleTimeout = fmt.Errorf("SSE read idle timeout")

type timedReader struct {
	r       io.Reader
	timeout time.Duration
}

func (t *timedReader) Read(p []byte) (int, error) {
	type result struct {
		n   int
		err error
	}
	ch := make(chan result, 1)
	go func() {
		n, err := t.r.Read(p)
		ch <- result{n, err}
	}()
	select {
	case res := <-ch:
		return res.n, res.err
	case <-time.After(t.timeout):
		return 0, errIdleTimeout
	}
}

func isIdleTimeoutErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "SSE read idle timeout")
}
