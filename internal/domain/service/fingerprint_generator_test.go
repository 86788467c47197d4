package service

import (
	"context"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/drammen94/mira-OSS/internal/domain/entity"
	apperrors "github.com/drammen94/mira-OSS/pkg/errors"
)

type stubGenerator struct {
	response string
	err      error
	prompts  []string
}

func (s *stubGenerator) Generate(_ context.Context, _ string, userPrompt string) (string, error) {
	s.prompts = append(s.prompts, userPrompt)
	return s.response, s.err
}

func surfaced(id, text string) *entity.SurfacedMemory {
	return &entity.SurfacedMemory{Memory: &entity.Memory{ID: id, Text: text}}
}

func TestFingerprintParsesTagAndRetention(t *testing.T) {
	gen := NewFingerprintGenerator(&stubGenerator{response: `<fingerprint>user asks about sourdough hydration levels for whole wheat</fingerprint>
<memory_retention>
[x] User bakes sourdough weekly
[ ] User asked about pizza dough
</memory_retention>`}, zap.NewNop())

	previous := []*entity.SurfacedMemory{
		surfaced("m1", "User bakes sourdough weekly"),
		surfaced("m2", "User asked about pizza dough"),
	}
	continuum := entity.NewContinuum("u1")

	fingerprint, retained, err := gen.Generate(context.Background(), continuum, "what hydration?", previous)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if fingerprint != "user asks about sourdough hydration levels for whole wheat" {
		t.Fatalf("fingerprint = %q", fingerprint)
	}
	if !retained["User bakes sourdough weekly"] {
		t.Fatal("kept memory not retained")
	}
	if retained["User asked about pizza dough"] {
		t.Fatal("dropped memory retained")
	}
}

func TestFingerprintMissingTagUsesWholeResponse(t *testing.T) {
	gen := NewFingerprintGenerator(&stubGenerator{response: `expanded retrieval query without tags
<memory_retention>
[x] keep this
</memory_retention>`}, zap.NewNop())

	fingerprint, retained, err := gen.Generate(context.Background(), entity.NewContinuum("u1"), "hi", nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if fingerprint != "expanded retrieval query without tags" {
		t.Fatalf("fingerprint = %q", fingerprint)
	}
	if !retained["keep this"] {
		t.Fatal("retention block not parsed")
	}
}

func TestFingerprintEmptyResponseIsError(t *testing.T) {
	gen := NewFingerprintGenerator(&stubGenerator{response: "<fingerprint>  </fingerprint>"}, zap.NewNop())

	_, _, err := gen.Generate(context.Background(), entity.NewContinuum("u1"), "hi", nil)
	if !apperrors.IsInvalidInput(err) {
		t.Fatalf("err = %v", err)
	}
}

func TestFingerprintAbsentRetentionRetainsAll(t *testing.T) {
	gen := NewFingerprintGenerator(&stubGenerator{response: "<fingerprint>query</fingerprint>"}, zap.NewNop())

	previous := []*entity.SurfacedMemory{
		surfaced("m1", "first fact"),
		surfaced("m2", "second fact"),
	}
	_, retained, err := gen.Generate(context.Background(), entity.NewContinuum("u1"), "hi", previous)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(retained) != 2 || !retained["first fact"] || !retained["second fact"] {
		t.Fatalf("retained = %v", retained)
	}
}

func TestFingerprintPromptIncludesPreviousMemories(t *testing.T) {
	stub := &stubGenerator{response: "<fingerprint>q</fingerprint>"}
	gen := NewFingerprintGenerator(stub, zap.NewNop())

	continuum := entity.NewContinuum("u1")
	continuum.AddUserMessage([]entity.ContentBlock{entity.TextBlock("earlier question")})
	continuum.AddAssistantMessage("earlier answer", entity.MessageMetadata{})

	if _, _, err := gen.Generate(context.Background(), continuum, "now this", []*entity.SurfacedMemory{surfaced("m1", "pinned fact")}); err != nil {
		t.Fatalf("generate: %v", err)
	}

	prompt := stub.prompts[0]
	for _, want := range []string{"earlier question", "earlier answer", "now this", "pinned fact"} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("prompt missing %q:\n%s", want, prompt)
		}
	}
}

func TestApplyRetentionFullSetIsIdentity(t *testing.T) {
	memories := []*entity.SurfacedMemory{surfaced("m1", "a"), surfaced("m2", "b")}
	retained := map[string]bool{"a": true, "b": true}

	pinned := ApplyRetention(memories, retained)
	if len(pinned) != 2 || pinned[0] != memories[0] || pinned[1] != memories[1] {
		t.Fatalf("pinned = %+v", pinned)
	}
}

func TestApplyRetentionEmptySetDropsAll(t *testing.T) {
	memories := []*entity.SurfacedMemory{surfaced("m1", "a")}
	if pinned := ApplyRetention(memories, map[string]bool{}); len(pinned) != 0 {
		t.Fatalf("pinned = %+v", pinned)
	}
}

func TestMergeMemoriesPinnedFirstDeduped(t *testing.T) {
	pinned := []*entity.SurfacedMemory{surfaced("m1", "pinned")}
	fresh := []*entity.SurfacedMemory{
		surfaced("m1", "pinned duplicate"),
		surfaced("m2", "fresh"),
		surfaced("", "no id"),
	}

	merged := MergeMemories(pinned, fresh)
	if len(merged) != 2 {
		t.Fatalf("merged = %+v", merged)
	}
	if merged[0].Memory.ID != "m1" || merged[0].Memory.Text != "pinned" {
		t.Fatalf("merged[0] = %+v", merged[0].Memory)
	}
	if merged[1].Memory.ID != "m2" {
		t.Fatalf("merged[1] = %+v", merged[1].Memory)
	}
}

func TestMergeMemoriesNoPinnedIsIdentityOnFresh(t *testing.T) {
	fresh := []*entity.SurfacedMemory{surfaced("m1", "a"), surfaced("m2", "b")}
	merged := MergeMemories(nil, fresh)
	if len(merged) != 2 || merged[0] != fresh[0] || merged[1] != fresh[1] {
		t.Fatalf("merged = %+v", merged)
	}
}
