package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/drammen94/mira-OSS/internal/domain/entity"
	"github.com/drammen94/mira-OSS/internal/domain/event"
	"github.com/drammen94/mira-OSS/internal/domain/repository"
	"github.com/drammen94/mira-OSS/internal/infrastructure/eventbus"
	"github.com/drammen94/mira-OSS/internal/infrastructure/llm"
	apperrors "github.com/drammen94/mira-OSS/pkg/errors"
)

// toolLoaderContinuation is the synthetic user message sent when the model
// loaded a new tool and should finish the original task with it.
const toolLoaderContinuation = "Great, the tool is now available. Please proceed with completing the original task using the newly loaded tool."

const defaultMaxMemories = 20

// imagePlaceholder stands in for image-only user content wherever text is
// required: context embeddings and persistence.
const imagePlaceholder = "Image uploaded"

// EventStreamer is the provider surface the orchestrator drives.
type EventStreamer interface {
	StreamEvents(ctx context.Context, req *llm.StreamRequest) (<-chan llm.Event, error)
}

// MemorySearcher runs the hybrid retrieval for a fingerprint embedding.
type MemorySearcher interface {
	SearchWithEmbedding(ctx context.Context, userID string, embedding []float32, touchstone *entity.Touchstone, queryText string, limit int) ([]*entity.SurfacedMemory, error)
}

// MemoryCache is the proactive-memory trinket's read side: the memories
// shown on the previous turn, input to the pin/retire step.
type MemoryCache interface {
	Name() string
	GetCachedMemories(userID string) []*entity.SurfacedMemory
}

// TouchstoneSource regenerates the continuum's semantic summary.
type TouchstoneSource interface {
	Generate(ctx context.Context, continuum *entity.Continuum, userMessage string) (*entity.Touchstone, error)
}

// FingerprintSource expands the user message into a retrieval query and
// rules on memory retention.
type FingerprintSource interface {
	Generate(ctx context.Context, continuum *entity.Continuum, userMessage string, previousMemories []*entity.SurfacedMemory) (string, map[string]bool, error)
}

// StreamCallback receives provider events as the turn progresses. The
// session layer translates them to the wire form.
type StreamCallback func(evt llm.Event)

// TurnMetadata is the per-turn accounting returned with the final response.
type TurnMetadata struct {
	ToolsUsed        []string `json:"tools_used"`
	ProcessingTimeMS int64    `json:"processing_time_ms"`
}

// TurnResult is the outcome of one processed message.
type TurnResult struct {
	Response string
	Metadata TurnMetadata

	// Snapshot is the pre-turn restore point. The caller rolls the
	// continuum back to it when the unit-of-work commit fails.
	Snapshot entity.Snapshot
}

// Orchestrator drives one user message to one assistant reply: touchstone
// and fingerprint generation, retention, retrieval, prompt composition, the
// provider tool loop, and staging the writes on the unit of work.
type Orchestrator struct {
	provider     EventStreamer
	touchstones  TouchstoneSource
	fingerprints FingerprintSource
	retrieval    MemorySearcher
	embedder     FastEmbedder
	memoryCache  MemoryCache
	bus          *eventbus.Bus
	logger       *zap.Logger

	maxMemories    int
	toolLoaderName string

	// composed captures the prompt assembled by the working-memory
	// subscriber during the synchronous compose publish.
	mu       sync.Mutex
	composed map[string]*event.SystemPromptComposedEvent
}

func NewOrchestrator(
	provider EventStreamer,
	touchstones TouchstoneSource,
	fingerprints FingerprintSource,
	retrieval MemorySearcher,
	embedder FastEmbedder,
	memoryCache MemoryCache,
	bus *eventbus.Bus,
	maxMemories int,
	toolLoaderName string,
	logger *zap.Logger,
) *Orchestrator {
	if maxMemories <= 0 {
		maxMemories = defaultMaxMemories
	}
	o := &Orchestrator{
		provider:       provider,
		touchstones:    touchstones,
		fingerprints:   fingerprints,
		retrieval:      retrieval,
		embedder:       embedder,
		memoryCache:    memoryCache,
		bus:            bus,
		logger:         logger,
		maxMemories:    maxMemories,
		toolLoaderName: toolLoaderName,
		composed:       make(map[string]*event.SystemPromptComposedEvent),
	}
	bus.Subscribe(event.TypeSystemPromptComposed, o.onComposed)
	return o
}

func (o *Orchestrator) onComposed(e eventbus.Event) error {
	composed, ok := e.(*event.SystemPromptComposedEvent)
	if !ok {
		return apperrors.NewInternalError("unexpected event payload for system_prompt_composed")
	}
	o.mu.Lock()
	o.composed[composed.ContinuumID()] = composed
	o.mu.Unlock()
	return nil
}

// ProcessMessage runs one turn. The unit of work is staged but not
// committed; the caller commits it and, on failure, restores the returned
// snapshot. On error the continuum is already rolled back.
func (o *Orchestrator) ProcessMessage(ctx context.Context, continuum *entity.Continuum, content []entity.ContentBlock, systemPrompt string, callback StreamCallback, uow repository.UnitOfWork) (*TurnResult, error) {
	snapshot := continuum.Snapshot()

	result, err := o.processTurn(ctx, continuum, content, systemPrompt, callback, uow, snapshot, false)
	if err != nil {
		continuum.Restore(snapshot)
		return nil, err
	}
	return result, nil
}

func (o *Orchestrator) processTurn(ctx context.Context, continuum *entity.Continuum, content []entity.ContentBlock, systemPrompt string, callback StreamCallback, uow repository.UnitOfWork, snapshot entity.Snapshot, triedLoadingAllTools bool) (*TurnResult, error) {
	started := time.Now()

	userMsg, cacheEvents := continuum.AddUserMessage(content)
	for _, ce := range cacheEvents {
		o.logger.Info("Continuum cache event",
			zap.String("continuum_id", continuum.ID),
			zap.String("kind", string(ce.Kind)))
	}

	userText := strings.TrimSpace(userMsg.TextContent())
	if userText == "" {
		userText = imagePlaceholder
	}

	if _, err := o.touchstones.Generate(ctx, continuum, userText); err != nil {
		return nil, err
	}

	previous := o.memoryCache.GetCachedMemories(continuum.UserID)

	fingerprint, retained, err := o.fingerprints.Generate(ctx, continuum, userText, previous)
	if err != nil {
		return nil, err
	}
	pinned := ApplyRetention(previous, retained)

	embedding, err := o.embedder.EncodeFast(ctx, fingerprint)
	if err != nil {
		return nil, err
	}

	fresh, err := o.retrieval.SearchWithEmbedding(ctx, continuum.UserID, embedding, continuum.Metadata.LastTouchstone, fingerprint, o.maxMemories)
	if err != nil {
		return nil, err
	}
	merged := MergeMemories(pinned, fresh)
	surfacedIDs := memoryIDs(merged)

	uow.SetRetrievalLog(&repository.RetrievalLogEntry{
		ContinuumID: continuum.ID,
		RawQuery:    userText,
		Fingerprint: fingerprint,
		SurfacedIDs: surfacedIDs,
		Timestamp:   time.Now().UTC(),
	})

	// The trinket caches the merged set for next turn's retention step and
	// renders it during the compose below.
	o.bus.Publish(event.NewUpdateTrinketEvent(continuum.ID, o.memoryCache.Name(), map[string]any{
		"user_id":  continuum.UserID,
		"memories": merged,
	}))

	cached, nonCached, err := o.composePrompt(continuum, systemPrompt)
	if err != nil {
		return nil, err
	}

	req := &llm.StreamRequest{
		System:   systemBlocks(cached, nonCached),
		Messages: messagesForAPI(continuum.Messages),
	}
	applyPreferences(req, continuum.Metadata)

	events, err := o.provider.StreamEvents(ctx, req)
	if err != nil {
		return nil, err
	}

	var (
		finalResponse     *llm.Response
		streamErrMsg      string
		toolsUsed         []string
		invokedToolLoader bool
	)
	for evt := range events {
		switch evt.Type {
		case llm.EventToolExecuting:
			// One entry per invocation, repeats included.
			toolsUsed = append(toolsUsed, evt.ToolName)
			if o.toolLoaderName != "" && evt.ToolName == o.toolLoaderName {
				invokedToolLoader = true
			}
		case llm.EventError:
			streamErrMsg = evt.Message
		case llm.EventComplete:
			finalResponse = evt.Response
		}
		if callback != nil {
			callback(evt)
		}
	}

	if finalResponse == nil {
		if streamErrMsg != "" {
			return nil, apperrors.NewUpstreamError(streamErrMsg, nil)
		}
		return nil, apperrors.NewInternalError("stream ended without a response")
	}

	parsed := ParseResponseTags(finalResponse.TextContent())
	if parsed.CleanText == "" {
		if streamErrMsg != "" {
			return nil, apperrors.NewUpstreamError(streamErrMsg, nil)
		}
		return nil, apperrors.NewInternalError("model returned an empty response")
	}

	assistantMsg, _ := continuum.AddAssistantMessage(parsed.CleanText, entity.MessageMetadata{
		ReferencedMemories: parsed.ReferencedMemories,
		SurfacedMemories:   surfacedIDs,
		Emotion:            parsed.Emotion,
	})

	o.bus.Publish(event.NewTurnCompletedEvent(continuum))

	uow.AddMessages(persistableUserMessage(userMsg), assistantMsg)
	uow.MarkMetadataUpdated()

	result := &TurnResult{
		Response: parsed.CleanText,
		Metadata: TurnMetadata{
			ToolsUsed:        toolsUsed,
			ProcessingTimeMS: time.Since(started).Milliseconds(),
		},
		Snapshot: snapshot,
	}

	if invokedToolLoader && !triedLoadingAllTools {
		continuation := []entity.ContentBlock{entity.TextBlock(toolLoaderContinuation)}
		contResult, err := o.processTurn(ctx, continuum, continuation, systemPrompt, callback, uow, snapshot, true)
		if err != nil {
			return nil, err
		}
		contResult.Metadata.ToolsUsed = append(append([]string{}, toolsUsed...), contResult.Metadata.ToolsUsed...)
		contResult.Metadata.ProcessingTimeMS = time.Since(started).Milliseconds()
		return contResult, nil
	}
	return result, nil
}

// composePrompt publishes the compose event and reads back the prompt the
// working-memory subscriber assembled during the synchronous publish.
func (o *Orchestrator) composePrompt(continuum *entity.Continuum, basePrompt string) (string, string, error) {
	o.mu.Lock()
	delete(o.composed, continuum.ID)
	o.mu.Unlock()

	o.bus.Publish(event.NewComposeSystemPromptEvent(continuum.ID, continuum.UserID, basePrompt))

	o.mu.Lock()
	composed := o.composed[continuum.ID]
	delete(o.composed, continuum.ID)
	o.mu.Unlock()

	if composed == nil {
		return "", "", apperrors.NewInternalError("system prompt was not composed")
	}
	return composed.CachedContent, composed.NonCachedContent, nil
}

func systemBlocks(cached, nonCached string) []llm.SystemBlock {
	blocks := []llm.SystemBlock{{Text: cached, Cached: true}}
	if nonCached != "" {
		blocks = append(blocks, llm.SystemBlock{Text: nonCached})
	}
	return blocks
}

// messagesForAPI serializes the cache for the provider. Sentinels and other
// system-role markers travel as user messages; the native protocol only
// accepts user and assistant roles.
func messagesForAPI(messages []*entity.Message) []llm.ChatMessage {
	out := make([]llm.ChatMessage, 0, len(messages))
	for _, msg := range messages {
		role := msg.Role
		if role != entity.RoleUser && role != entity.RoleAssistant {
			role = entity.RoleUser
		}
		out = append(out, llm.ChatMessage{Role: role, Blocks: msg.Blocks})
	}
	return out
}

func applyPreferences(req *llm.StreamRequest, metadata entity.ContinuumMetadata) {
	req.ModelOverride = metadata.ModelPreference
	if pref := metadata.ThinkingBudgetPreference; pref != nil {
		if *pref == 0 {
			disabled := false
			req.ThinkingEnabled = &disabled
		} else {
			req.ThinkingBudget = pref
		}
	}
}

// persistableUserMessage strips multimodal content down to text for the
// store; image-only messages persist as a placeholder so no message is ever
// stored empty.
func persistableUserMessage(msg *entity.Message) *entity.Message {
	if !msg.HasImage() {
		return msg
	}
	stripped := msg.TextOnly()
	if strings.TrimSpace(stripped.TextContent()) == "" {
		stripped.Blocks = []entity.ContentBlock{entity.TextBlock(imagePlaceholder)}
	}
	return stripped
}

func memoryIDs(memories []*entity.SurfacedMemory) []string {
	ids := make([]string, 0, len(memories))
	for _, m := range memories {
		if m.Memory != nil && m.Memory.ID != "" {
			ids = append(ids, m.Memory.ID)
		}
	}
	return ids
}
