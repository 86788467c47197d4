package service

import (
	"regexp"
	"strings"
)

// Fixed tags the assistant may embed in its reply. Unknown tags pass
// through untouched; only these are interpreted.
var (
	emotionTagPattern    = regexp.MustCompile(`(?s)<mira:my_emotion>(.*?)</mira:my_emotion>`)
	referencedTagPattern = regexp.MustCompile(`(?s)<mira:referenced_memories>(.*?)</mira:referenced_memories>`)
)

// ParsedResponse is the result of extracting control tags from the
// assistant's text.
type ParsedResponse struct {
	// CleanText is the response with extraction-only tags removed. The
	// emotion tag is preserved in place for downstream consumers.
	CleanText          string
	Emotion            string
	ReferencedMemories []string
}

// ParseResponseTags extracts the fixed assistant tags.
func ParseResponseTags(text string) ParsedResponse {
	parsed := ParsedResponse{}

	if m := emotionTagPattern.FindStringSubmatch(text); m != nil {
		parsed.Emotion = strings.TrimSpace(m[1])
	}

	if m := referencedTagPattern.FindStringSubmatch(text); m != nil {
		for _, id := range strings.Split(m[1], ",") {
			id = strings.TrimSpace(id)
			if id != "" {
				parsed.ReferencedMemories = append(parsed.ReferencedMemories, id)
			}
		}
		text = referencedTagPattern.ReplaceAllString(text, "")
	}

	parsed.CleanText = strings.TrimSpace(text)
	return parsed
}
