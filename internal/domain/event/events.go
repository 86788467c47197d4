// Package event defines the typed bus events that tie the orchestrator to
// the working-memory composer and other turn observers.
package event

import (
	"github.com/drammen94/mira-OSS/internal/domain/entity"
	"github.com/drammen94/mira-OSS/internal/infrastructure/eventbus"
)

// Event type names used for bus subscription.
const (
	TypeComposeSystemPrompt  = "compose_system_prompt"
	TypeSystemPromptComposed = "system_prompt_composed"
	TypeUpdateTrinket        = "update_trinket"
	TypeTrinketContent       = "trinket_content"
	TypeTurnCompleted        = "turn_completed"
)

// CachePolicy marks whether a trinket's section may live in the cached
// prompt block.
type CachePolicy string

const (
	CacheStable   CachePolicy = "stable"   // cached block, rarely changes
	CacheVolatile CachePolicy = "volatile" // non-cached block, changes per turn
)

// ComposeSystemPromptEvent starts prompt assembly for one turn.
type ComposeSystemPromptEvent struct {
	eventbus.BaseEvent
	BasePrompt string
	UserID     string
}

func NewComposeSystemPromptEvent(continuumID, userID, basePrompt string) *ComposeSystemPromptEvent {
	return &ComposeSystemPromptEvent{
		BaseEvent:  eventbus.NewBaseEvent(TypeComposeSystemPrompt, continuumID),
		BasePrompt: basePrompt,
		UserID:     userID,
	}
}

// SystemPromptComposedEvent carries the assembled two-block prompt back to
// the publisher. The bus is synchronous, so the orchestrator observes this
// before its Publish call returns.
type SystemPromptComposedEvent struct {
	eventbus.BaseEvent
	CachedContent    string
	NonCachedContent string
}

func NewSystemPromptComposedEvent(continuumID, cached, nonCached string) *SystemPromptComposedEvent {
	return &SystemPromptComposedEvent{
		BaseEvent:        eventbus.NewBaseEvent(TypeSystemPromptComposed, continuumID),
		CachedContent:    cached,
		NonCachedContent: nonCached,
	}
}

// UpdateTrinketEvent pushes fresh context at a single trinket, outside the
// compose cycle.
type UpdateTrinketEvent struct {
	eventbus.BaseEvent
	TargetTrinket string
	Context       map[string]any
}

func NewUpdateTrinketEvent(continuumID, target string, context map[string]any) *UpdateTrinketEvent {
	return &UpdateTrinketEvent{
		BaseEvent:     eventbus.NewBaseEvent(TypeUpdateTrinket, continuumID),
		TargetTrinket: target,
		Context:       context,
	}
}

// TrinketContentEvent is one trinket's rendered section.
type TrinketContentEvent struct {
	eventbus.BaseEvent
	TrinketName  string
	VariableName string
	Content      string
	CachePolicy  CachePolicy
}

func NewTrinketContentEvent(continuumID, trinketName, variableName, content string, policy CachePolicy) *TrinketContentEvent {
	return &TrinketContentEvent{
		BaseEvent:    eventbus.NewBaseEvent(TypeTrinketContent, continuumID),
		TrinketName:  trinketName,
		VariableName: variableName,
		Content:      content,
		CachePolicy:  policy,
	}
}

// TurnCompletedEvent announces a finished turn. Subscribers must treat the
// continuum as read-only; the owning turn still holds the per-user lock.
type TurnCompletedEvent struct {
	eventbus.BaseEvent
	TurnNumber int
	Continuum  *entity.Continuum
}

func NewTurnCompletedEvent(continuum *entity.Continuum) *TurnCompletedEvent {
	return &TurnCompletedEvent{
		BaseEvent:  eventbus.NewBaseEvent(TypeTurnCompleted, continuum.ID),
		TurnNumber: continuum.TurnNumber(),
		Continuum:  continuum,
	}
}
