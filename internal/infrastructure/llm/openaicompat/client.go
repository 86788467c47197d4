package openaicompat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/drammen94/mira-OSS/internal/domain/entity"
	"github.com/drammen94/mira-OSS/internal/infrastructure/llm"
)

// Client implements llm.WireClient over the OpenAI-compatible
// chat-completions protocol. It serves the emergency failover path and the
// analysis (fast LLM) path.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *zap.Logger
}

var _ llm.WireClient = (*Client)(nil)

// NewClient creates a translator client for an OpenAI-compatible endpoint.
func NewClient(baseURL, apiKey string, timeout time.Duration, logger *zap.Logger) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With(zap.String("wire", "openai-compat")),
	}
}

// CreateMessage performs a non-streaming request.
func (c *Client) CreateMessage(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	body, err := c.do(ctx, translateRequest(req))
	if err != nil {
		return nil, err
	}

	var apiResp chatResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	return translateResponse(&apiResp, c.logger), nil
}

// StreamMessage performs a streaming request.
func (c *Client) StreamMessage(ctx context.Context, req *llm.Request, onDelta func(llm.StreamDelta)) (*llm.Response, error) {
	apiReq := translateRequest(req)
	apiReq.Stream = true

	payload, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(httpReq)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, llm.MapTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, llm.MapStatusError(resp.StatusCode, string(respBody))
	}

	return c.parseStream(resp.Body, onDelta)
}

func (c *Client) do(ctx context.Context, apiReq *chatRequest) ([]byte, error) {
	payload, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, llm.MapTransportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, llm.MapTransportError(err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, llm.MapStatusError(resp.StatusCode, string(body))
	}
	return body, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

type toolCallAccumulator struct {
	id   string
	name string
	args strings.Builder
}

func (c *Client) parseStream(reader io.Reader, onDelta func(llm.StreamDelta)) (*llm.Response, error) {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var content strings.Builder
	var model string
	var finishReason string
	var usage llm.Usage
	toolCalls := make(map[int]*toolCallAccumulator)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			c.logger.Debug("Skip unparseable stream chunk", zap.Error(err))
			continue
		}
		if chunk.Model != "" {
			model = chunk.Model
		}
		if chunk.Usage != nil {
			usage.InputTokens = chunk.Usage.PromptTokens
			usage.OutputTokens = chunk.Usage.CompletionTokens
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				content.WriteString(choice.Delta.Content)
				onDelta(llm.StreamDelta{Text: choice.Delta.Content})
			}
			for _, tc := range choice.Delta.ToolCalls {
				acc, ok := toolCalls[tc.Index]
				if !ok {
					acc = &toolCallAccumulator{}
					toolCalls[tc.Index] = acc
				}
				if tc.ID != "" {
					acc.id = tc.ID
				}
				if tc.Function.Name != "" {
					acc.name = tc.Function.Name
				}
				acc.args.WriteString(tc.Function.Arguments)
			}
			if choice.FinishReason != "" {
				finishReason = choice.FinishReason
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, llm.MapTransportError(fmt.Errorf("stream scan error: %w", err))
	}

	resp := &llm.Response{
		Model:      model,
		StopReason: translateFinishReason(finishReason),
		Usage:      usage,
	}
	if content.Len() > 0 {
		resp.Blocks = append(resp.Blocks, entity.TextBlock(content.String()))
	}

	indexes := make([]int, 0, len(toolCalls))
	for i := range toolCalls {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	for _, i := range indexes {
		acc := toolCalls[i]
		var input map[string]any
		if argsStr := acc.args.String(); argsStr != "" {
			if err := json.Unmarshal([]byte(argsStr), &input); err != nil {
				c.logger.Warn("Failed to parse streamed tool arguments",
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
	return resp, nil
}
