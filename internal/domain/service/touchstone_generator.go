package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/drammen94/mira-OSS/internal/domain/entity"
	apperrors "github.com/drammen94/mira-OSS/pkg/errors"
)

// TextGenerator is the fast-LLM path used for analysis prompts. It runs
// against its own endpoint and model, bypassing the main reasoning tier.
type TextGenerator interface {
	Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// FastEmbedder produces 384-dim normalized embeddings.
type FastEmbedder interface {
	EncodeFast(ctx context.Context, text string) ([]float32, error)
}

const touchstoneSystemPrompt = `You maintain a running semantic summary of a conversation. Respond with a single JSON object with exactly these fields: narrative, temporal_context, relationship_context, entities, conversational_intent, semantic_hooks (array of strings). No prose outside the JSON.`

// TouchstoneGenerator regenerates the continuum's semantic summary each
// turn and embeds it for retrieval.
type TouchstoneGenerator struct {
	llm          TextGenerator
	embedder     FastEmbedder
	contextPairs int
	logger       *zap.Logger
}

func NewTouchstoneGenerator(llm TextGenerator, embedder FastEmbedder, contextPairs int, logger *zap.Logger) *TouchstoneGenerator {
	if contextPairs <= 0 {
		contextPairs = 6
	}
	return &TouchstoneGenerator{
		llm:          llm,
		embedder:     embedder,
		contextPairs: contextPairs,
		logger:       logger,
	}
}

// Generate evolves the touchstone from the recent conversation and the
// current user message, then mutates the continuum with the result.
func (g *TouchstoneGenerator) Generate(ctx context.Context, continuum *entity.Continuum, userMessage string) (*entity.Touchstone, error) {
	previousNarrative := ""
	if continuum.Metadata.LastTouchstone != nil {
		previousNarrative = continuum.Metadata.LastTouchstone.Narrative
	}

	pairs := recentPairs(continuum.Messages, g.contextPairs, false)
	prompt := g.buildPrompt(previousNarrative, pairs, userMessage)

	raw, err := g.llm.Generate(ctx, touchstoneSystemPrompt, prompt)
	if err != nil {
		return nil, err
	}

	touchstone, err := parseTouchstone(raw)
	if err != nil {
		return nil, err
	}
	if err := touchstone.Validate(); err != nil {
		return nil, err
	}

	embedding, err := g.embedder.EncodeFast(ctx, touchstone.EmbeddingText())
	if err != nil {
		return nil, err
	}

	continuum.SetLastTouchstone(touchstone, embedding)
	return touchstone, nil
}

func (g *TouchstoneGenerator) buildPrompt(previousNarrative string, pairs []conversationPair, userMessage string) string {
	var b strings.Builder
	if previousNarrative != "" {
		fmt.Fprintf(&b, "Previous summary:\n%s\n\n", previousNarrative)
	}
	if len(pairs) > 0 {
		b.WriteString("Recent conversation:\n")
		for _, pair := range pairs {
			fmt.Fprintf(&b, "User: %s\nAssistant: %s\n", pair.user, pair.assistant)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Current user message:\n%s\n", userMessage)
	return b.String()
}

// parseTouchstone decodes the model's JSON, attempting one repair pass
// (extracting the outermost object) before giving up.
func parseTouchstone(raw string) (*entity.Touchstone, error) {
	cleaned := stripCodeFences(raw)

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(cleaned), &fields); err != nil {
		repaired := extractJSONObject(cleaned)
		if repaired == "" {
			return nil, apperrors.NewInternalError("touchstone response is not valid JSON")
		}
		if err := json.Unmarshal([]byte(repaired), &fields); err != nil {
			return nil, apperrors.NewInternalError("touchstone response is not valid JSON after repair")
		}
		cleaned = repaired
	}

	var missing []string
	for _, required := range []string{"narrative", "relationship_context", "entities"} {
		if _, ok := fields[required]; !ok {
			missing = append(missing, required)
		}
	}
	if len(missing) > 0 {
		return nil, apperrors.NewInvalidInputError("touchstone response missing fields: " + strings.Join(missing, ", "))
	}

	var touchstone entity.Touchstone
	if err := json.Unmarshal([]byte(cleaned), &touchstone); err != nil {
		return nil, apperrors.NewInternalError("touchstone response has mistyped fields")
	}
	return &touchstone, nil
}

// stripCodeFences removes a surrounding markdown code fence if present.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:] // drop the language hint line
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// extractJSONObject returns the first balanced top-level object in s.
func extractJSONObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

// conversationPair is one complete user→assistant exchange.
type conversationPair struct {
	user      string
	assistant string
}

// recentPairs walks the message list backwards collecting up to n complete
// pairs, skipping sentinels and tool/system messages. When skipCollapsed
// is set, archived segment summaries are skipped as well.
func recentPairs(messages []*entity.Message, n int, skipCollapsed bool) []conversationPair {
	var pairs []conversationPair
	var pendingAssistant string
	haveAssistant := false

	for i := len(messages) - 1; i >= 0 && len(pairs) < n; i-- {
		msg := messages[i]
		if msg.IsSentinel() {
			continue
		}
		if skipCollapsed && msg.IsSegmentSummary() {
			continue
		}
		switch msg.Role {
		case entity.RoleAssistant:
			pendingAssistant = msg.TextContent()
			haveAssistant = true
		case entity.RoleUser:
			if haveAssistant {
				pairs = append(pairs, conversationPair{user: msg.TextContent(), assistant: pendingAssistant})
				haveAssistant = false
			}
		}
	}

	// Reverse into chronological order.
	for i, j := 0, len(pairs)-1; i < j; i, j = i+1, j-1 {
		pairs[i], pairs[j] = pairs[j], pairs[i]
	}
	return pairs
}
