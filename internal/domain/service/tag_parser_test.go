package service

import (
	"strings"
	"testing"
)

func TestParseResponseTagsExtractsEmotionButPreservesTag(t *testing.T) {
	parsed := ParseResponseTags("Glad to hear it! <mira:my_emotion>joyful</mira:my_emotion>")

	if parsed.Emotion != "joyful" {
		t.Fatalf("emotion = %q", parsed.Emotion)
	}
	if !strings.Contains(parsed.CleanText, "<mira:my_emotion>joyful</mira:my_emotion>") {
		t.Fatalf("emotion tag stripped: %q", parsed.CleanText)
	}
}

func TestParseResponseTagsRemovesReferencedMemories(t *testing.T) {
	parsed := ParseResponseTags("As you mentioned before.<mira:referenced_memories>m1, m2 ,m3</mira:referenced_memories>")

	if len(parsed.ReferencedMemories) != 3 || parsed.ReferencedMemories[1] != "m2" {
		t.Fatalf("referenced = %v", parsed.ReferencedMemories)
	}
	if parsed.CleanText != "As you mentioned before." {
		t.Fatalf("clean = %q", parsed.CleanText)
	}
}

func TestParseResponseTagsNoTags(t *testing.T) {
	parsed := ParseResponseTags("  plain answer  ")
	if parsed.CleanText != "plain answer" || parsed.Emotion != "" || parsed.ReferencedMemories != nil {
		t.Fatalf("parsed = %+v", parsed)
	}
}

func TestParseResponseTagsUnknownTagsPassThrough(t *testing.T) {
	parsed := ParseResponseTags("see <mira:unknown>x</mira:unknown> here")
	if !strings.Contains(parsed.CleanText, "<mira:unknown>x</mira:unknown>") {
		t.Fatalf("clean = %q", parsed.CleanText)
	}
}
