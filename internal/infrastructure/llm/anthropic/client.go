package anthropic

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/drammen94/mira-OSS/internal/domain/entity"
	"github.com/drammen94/mira-OSS/internal/infrastructure/llm"
)

const apiVersion = "2023-06-01"

// Client implements llm.WireClient against the native Messages API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *zap.Logger
}

var _ llm.WireClient = (*Client)(nil)

// NewClient creates a native wire client.
func NewClient(baseURL, apiKey string, timeout time.Duration, logger *zap.Logger) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ResponseHeaderTimeout: timeout,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          10,
		MaxIdleConnsPerHost:   5,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
	}

	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Transport: transport},
		logger:     logger.With(zap.String("wire", "anthropic")),
	}
}

// CreateMessage performs a non-streaming request.
func (c *Client) CreateMessage(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	apiReq := buildAPIRequest(req)

	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, llm.MapTransportError(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, llm.MapTransportError(err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, llm.MapStatusError(resp.StatusCode, string(respBody))
	}

	var apiResp Response
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	return responseFromAPI(&apiResp), nil
}

// StreamMessage performs a streaming request, invoking onDelta for each
// text or thinking chunk.
func (c *Client) StreamMessage(ctx context.Context, req *llm.Request, onDelta func(llm.StreamDelta)) (*llm.Response, error) {
	apiReq := buildAPIRequest(req)
	apiReq.Stream = true

	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
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

	// Force-close the body on cancellation so the scanner unblocks.
	streamDone := make(chan struct{})
	defer close(streamDone)
	go func() {
		select {
		case <-ctx.Done():
			resp.Body.Close()
		case <-streamDone:
		}
	}()

	return parseSSEStream(ctx, resp.Body, onDelta, c.logger)
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", apiVersion)
}

func buildAPIRequest(req *llm.Request) *Request {
	apiReq := &Request{
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
	}
	if apiReq.MaxTokens == 0 {
		apiReq.MaxTokens = 8192 // the API requires explicit max_tokens
	}
	if req.Temperature > 0 {
		temp := req.Temperature
		apiReq.Temperature = &temp
	}
	if req.ThinkingBudget > 0 {
		apiReq.Thinking = &ThinkingConfig{Type: "enabled", BudgetTokens: req.ThinkingBudget}
	}

	for _, block := range req.System {
		wire := SystemBlock{Type: "text", Text: block.Text}
		if block.Cached {
			wire.CacheControl = &CacheControl{Type: "ephemeral"}
		}
		apiReq.System = append(apiReq.System, wire)
	}

	for _, msg := range req.Messages {
		role := string(msg.Role)
		if msg.Role == entity.RoleTool {
			// Tool results travel as user-role tool_result blocks.
			role = "user"
		}
		apiReq.Messages = append(apiReq.Messages, Message{
			Role:    role,
			Content: blocksToWire(msg.Blocks),
		})
	}

	for i, tool := range req.Tools {
		wire := Tool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.InputSchema,
		}
		if req.CacheTools && i == len(req.Tools)-1 {
			wire.CacheControl = &CacheControl{Type: "ephemeral"}
		}
		apiReq.Tools = append(apiReq.Tools, wire)
	}

	return apiReq
}

func blocksToWire(blocks []entity.ContentBlock) []ContentBlock {
	out := make([]ContentBlock, 0, len(blocks))
	for _, b := range blocks {
		switch b.Type {
		case entity.BlockText:
			out = append(out, ContentBlock{Type: "text", Text: b.Text})
		case entity.BlockImage:
			out = append(out, ContentBlock{Type: "image", Source: &ImageSource{
				Type:      "base64",
				MediaType: b.MediaType,
				Data:      b.Data,
			}})
		case entity.BlockToolUse:
			out = append(out, ContentBlock{Type: "tool_use", ID: b.ID, Name: b.Name, Input: b.Input})
		case entity.BlockToolResult:
			out = append(out, ContentBlock{Type: "tool_result", ToolUseID: b.ToolUseID, Content: b.Content, IsError: b.IsError})
		case entity.BlockThinking:
			out = append(out, ContentBlock{Type: "thinking", Thinking: b.Thinking, Signature: b.Signature})
		}
	}
	return out
}

func blocksFromWire(blocks []ContentBlock) []entity.ContentBlock {
	out := make([]entity.ContentBlock, 0, len(blocks))
	for _, b := range blocks {
		switch b.Type {
		case "text":
			out = append(out, entity.TextBlock(b.Text))
		case "tool_use":
			out = append(out, entity.ContentBlock{Type: entity.BlockToolUse, ID: b.ID, Name: b.Name, Input: b.Input})
		case "tool_result":
			out = append(out, entity.ContentBlock{Type: entity.BlockToolResult, ToolUseID: b.ToolUseID, Content: b.Content, IsError: b.IsError})
		case "thinking":
			out = append(out, entity.ContentBlock{Type: entity.BlockThinking, Thinking: b.Thinking, Signature: b.Signature})
		}
	}
	return out
}

func responseFromAPI(apiResp *Response) *llm.Response {
	return &llm.Response{
		Blocks:     blocksFromWire(apiResp.Content),
		StopReason: llm.StopReason(apiResp.StopReason),
		Model:      apiResp.Model,
		Usage: llm.Usage{
			InputTokens:              apiResp.Usage.InputTokens,
			OutputTokens:             apiResp.Usage.OutputTokens,
			CacheCreationInputTokens: apiResp.Usage.CacheCreationInputTokens,
			CacheReadInputTokens:     apiResp.Usage.CacheReadInputTokens,
		},
	}
}
