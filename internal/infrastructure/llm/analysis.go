package llm

import (
	"context"

	"github.com/drammen94/mira-OSS/internal/domain/entity"
	apperrors "github.com/drammen94/mira-OSS/pkg/errors"
)

// AnalysisClient is the fast-LLM path used by the touchstone and
// fingerprint generators. It talks to its own endpoint and model and
// bypasses the main reasoning provider entirely.
type AnalysisClient struct {
	wire      WireClient
	model     string
	maxTokens int
}

// NewAnalysisClient wraps a wire client for single-shot analysis calls.
func NewAnalysisClient(wire WireClient, model string, maxTokens int) *AnalysisClient {
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	return &AnalysisClient{wire: wire, model: model, maxTokens: maxTokens}
}

// Generate performs one system+user prompt call and returns the text.
func (a *AnalysisClient) Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	req := &Request{
		Model:     a.model,
		MaxTokens: a.maxTokens,
		Messages:  []ChatMessage{TextMessage(entity.RoleUser, userPrompt)},
	}
	if systemPrompt != "" {
		req.System = []SystemBlock{{Text: systemPrompt}}
	}

	resp, err := a.wire.CreateMessage(ctx, req)
	if err != nil {
		return "", err
	}
	text := resp.TextContent()
	if text == "" {
		return "", apperrors.NewInternalError("analysis model returned no text")
	}
	return text, nil
}
