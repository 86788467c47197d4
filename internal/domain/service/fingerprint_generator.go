package service

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/drammen94/mira-OSS/internal/domain/entity"
	apperrors "github.com/drammen94/mira-OSS/pkg/errors"
)

const fingerprintSystemPrompt = `You expand a user's latest message into a detailed retrieval query and decide which previously surfaced memories remain relevant. Respond with:
<fingerprint>expanded detailed query string</fingerprint>
<memory_retention>
[x] text of memory to keep
[ ] text of memory to drop
</memory_retention>`

// fingerprintContextPairs is fixed: the last complete exchanges feeding the
// expansion prompt, archived summaries excluded.
const fingerprintContextPairs = 6

var (
	fingerprintPattern = regexp.MustCompile(`(?s)<fingerprint>(.*?)</fingerprint>`)
	retentionPattern   = regexp.MustCompile(`(?s)<memory_retention>(.*?)</memory_retention>`)
	keepLinePattern    = regexp.MustCompile(`(?m)^\s*\[x\]\s*(.+?)\s*$`)
)

// FingerprintGenerator expands the user's message into a retrieval query
// and resolves which previously surfaced memories stay pinned.
type FingerprintGenerator struct {
	llm    TextGenerator
	logger *zap.Logger
}

func NewFingerprintGenerator(llm TextGenerator, logger *zap.Logger) *FingerprintGenerator {
	return &FingerprintGenerator{llm: llm, logger: logger}
}

// Generate returns the fingerprint and the set of memory texts to retain.
func (g *FingerprintGenerator) Generate(ctx context.Context, continuum *entity.Continuum, userMessage string, previousMemories []*entity.SurfacedMemory) (string, map[string]bool, error) {
	prompt := g.buildPrompt(continuum, userMessage, previousMemories)

	raw, err := g.llm.Generate(ctx, fingerprintSystemPrompt, prompt)
	if err != nil {
		return "", nil, err
	}

	fingerprint, retained, hasRetentionBlock := parseFingerprintResponse(raw)
	if fingerprint == "" {
		return "", nil, apperrors.NewInvalidInputError("fingerprint response is empty")
	}

	if !hasRetentionBlock && len(previousMemories) > 0 {
		// Conservative default: keep everything rather than silently
		// dropping context the model forgot to rule on.
		g.logger.Warn("Retention block absent, retaining all previous memories",
			zap.Int("previous_memories", len(previousMemories)))
		retained = make(map[string]bool, len(previousMemories))
		for _, m := range previousMemories {
			retained[m.Memory.Text] = true
		}
	}
	return fingerprint, retained, nil
}

func (g *FingerprintGenerator) buildPrompt(continuum *entity.Continuum, userMessage string, previousMemories []*entity.SurfacedMemory) string {
	var b strings.Builder

	pairs := recentPairs(continuum.Messages, fingerprintContextPairs, true)
	if len(pairs) > 0 {
		b.WriteString("Recent conversation:\n")
		for _, pair := range pairs {
			fmt.Fprintf(&b, "User: %s\nAssistant: %s\n", pair.user, pair.assistant)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "Current user message:\n%s\n", userMessage)

	if len(previousMemories) > 0 {
		b.WriteString("\nPreviously surfaced memories:\n")
		for _, m := range previousMemories {
			fmt.Fprintf(&b, "- %s\n", m.Memory.Text)
		}
	}
	return b.String()
}

// parseFingerprintResponse extracts the fingerprint and retained texts.
// When the fingerprint tag is absent the whole response, minus any
// retention block, is the fingerprint.
func parseFingerprintResponse(raw string) (fingerprint string, retained map[string]bool, hasRetentionBlock bool) {
	if m := fingerprintPattern.FindStringSubmatch(raw); m != nil {
		fingerprint = strings.TrimSpace(m[1])
	} else {
		fingerprint = strings.TrimSpace(retentionPattern.ReplaceAllString(raw, ""))
	}

	retained = make(map[string]bool)
	if m := retentionPattern.FindStringSubmatch(raw); m != nil {
		hasRetentionBlock = true
		for _, line := range keepLinePattern.FindAllStringSubmatch(m[1], -1) {
			retained[line[1]] = true
		}
	}
	return fingerprint, retained, hasRetentionBlock
}

// ApplyRetention filters previously surfaced memories down to those whose
// text was marked for keeping.
func ApplyRetention(memories []*entity.SurfacedMemory, retained map[string]bool) []*entity.SurfacedMemory {
	var pinned []*entity.SurfacedMemory
	for _, m := range memories {
		if retained[m.Memory.Text] {
			pinned = append(pinned, m)
		}
	}
	return pinned
}

// MergeMemories places pinned memories first, then fresh ones that are not
// already pinned. Fresh entries without an id are dropped.
func MergeMemories(pinned, fresh []*entity.SurfacedMemory) []*entity.SurfacedMemory {
	merged := make([]*entity.SurfacedMemory, 0, len(pinned)+len(fresh))
	seen := make(map[string]bool, len(pinned))
	for _, m := range pinned {
		merged = append(merged, m)
		seen[m.Memory.ID] = true
	}
	for _, m := range fresh {
		if m.Memory.ID == "" || seen[m.Memory.ID] {
			continue
		}
		seen[m.Memory.ID] = true
		merged = append(merged, m)
	}
	return merged
}
