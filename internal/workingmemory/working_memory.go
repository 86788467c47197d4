package workingmemory

import (
	"sync"

	"go.uber.org/zap"

	"github.com/drammen94/mira-OSS/internal/domain/event"
	"github.com/drammen94/mira-OSS/internal/infrastructure/eventbus"
	apperrors "github.com/drammen94/mira-OSS/pkg/errors"
)

// Trinket is one independent prompt contributor. GenerateContent returning
// an empty string means the trinket has nothing to say this turn.
type Trinket interface {
	Name() string
	VariableName() string
	CachePolicy() event.CachePolicy
	GenerateContent(context map[string]any) (string, error)
}

// WorkingMemory wires the composer to the event bus: it reacts to compose
// requests by fanning out to every registered trinket, collects their
// sections, and publishes the assembled prompt. Everything runs on the
// publisher's goroutine; by the time the orchestrator's Publish returns,
// the composed event has been delivered.
//
// Composer state is keyed per continuum. The per-user lock only serializes
// turns for one user; concurrent turns for different users each compose
// against their own state, and content events route by continuum id, so
// one user's sections can never end up in another user's prompt.
type WorkingMemory struct {
	bus      *eventbus.Bus
	trinkets []Trinket
	logger   *zap.Logger

	mu        sync.Mutex
	composers map[string]*Composer
}

func New(bus *eventbus.Bus, logger *zap.Logger) *WorkingMemory {
	wm := &WorkingMemory{
		bus:       bus,
		logger:    logger,
		composers: make(map[string]*Composer),
	}
	bus.Subscribe(event.TypeComposeSystemPrompt, wm.onCompose)
	bus.Subscribe(event.TypeUpdateTrinket, wm.onUpdateTrinket)
	bus.Subscribe(event.TypeTrinketContent, wm.onTrinketContent)
	return wm
}

// Register adds a trinket. Registration order fixes section order in the
// composed prompt.
func (w *WorkingMemory) Register(t Trinket) {
	w.trinkets = append(w.trinkets, t)
	w.logger.Debug("Trinket registered",
		zap.String("trinket", t.Name()),
		zap.String("cache_policy", string(t.CachePolicy())))
}

func (w *WorkingMemory) onCompose(e eventbus.Event) error {
	compose, ok := e.(*event.ComposeSystemPromptEvent)
	if !ok {
		return apperrors.NewInternalError("unexpected event payload for compose_system_prompt")
	}
	continuumID := compose.ContinuumID()

	composer := NewComposer(compose.BasePrompt)
	w.mu.Lock()
	w.composers[continuumID] = composer
	w.mu.Unlock()

	for _, t := range w.trinkets {
		w.bus.Publish(event.NewUpdateTrinketEvent(
			continuumID,
			t.Name(),
			map[string]any{"user_id": compose.UserID},
		))
	}

	w.mu.Lock()
	delete(w.composers, continuumID)
	w.mu.Unlock()

	cached, nonCached := composer.Compose()
	w.bus.Publish(event.NewSystemPromptComposedEvent(continuumID, cached, nonCached))
	return nil
}

func (w *WorkingMemory) onUpdateTrinket(e eventbus.Event) error {
	update, ok := e.(*event.UpdateTrinketEvent)
	if !ok {
		return apperrors.NewInternalError("unexpected event payload for update_trinket")
	}

	for _, t := range w.trinkets {
		if t.Name() != update.TargetTrinket {
			continue
		}
		content, err := t.GenerateContent(update.Context)
		if err != nil {
			// Propagate to the bus, which logs and isolates the failure;
			// the remaining trinkets still compose.
			return err
		}
		if content == "" {
			return nil
		}
		w.bus.Publish(event.NewTrinketContentEvent(
			update.ContinuumID(),
			t.Name(),
			t.VariableName(),
			content,
			t.CachePolicy(),
		))
		return nil
	}
	return nil
}

func (w *WorkingMemory) onTrinketContent(e eventbus.Event) error {
	content, ok := e.(*event.TrinketContentEvent)
	if !ok {
		return apperrors.NewInternalError("unexpected event payload for trinket_content")
	}

	// Content arriving outside a compose cycle (cache-priming updates) has
	// no composer to land in and is dropped.
	w.mu.Lock()
	composer := w.composers[content.ContinuumID()]
	w.mu.Unlock()
	if composer == nil {
		return nil
	}

	composer.SetSection(content.VariableName, content.Content, content.CachePolicy)
	return nil
}
