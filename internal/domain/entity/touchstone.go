package entity

import (
	"strings"

	apperrors "github.com/drammen94/mira-OSS/pkg/errors"
)

// Touchstone is a structured semantic summary of the continuum's current
// focus, regenerated every turn and embedded for retrieval.
type Touchstone struct {
	Narrative            string   `json:"narrative"`
	TemporalContext      string   `json:"temporal_context"`
	RelationshipContext  string   `json:"relationship_context"`
	Entities             string   `json:"entities"`
	ConversationalIntent string   `json:"conversational_intent"`
	SemanticHooks        []string `json:"semantic_hooks"`
}

// Validate checks the fields the retrieval pipeline depends on.
func (t *Touchstone) Validate() error {
	var missing []string
	if strings.TrimSpace(t.Narrative) == "" {
		missing = append(missing, "narrative")
	}
	if strings.TrimSpace(t.RelationshipContext) == "" {
		missing = append(missing, "relationship_context")
	}
	if strings.TrimSpace(t.Entities) == "" {
		missing = append(missing, "entities")
	}
	if len(missing) > 0 {
		return apperrors.NewInvalidInputError("touchstone missing required fields: " + strings.Join(missing, ", "))
	}
	return nil
}

// EmbeddingText is the string encoded into the touchstone embedding.
func (t *Touchstone) EmbeddingText() string {
	return strings.TrimSpace(t.Narrative + " " + t.RelationshipContext + " " + t.Entities)
}
