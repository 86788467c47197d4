package workingmemory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/drammen94/mira-OSS/internal/domain/entity"
	"github.com/drammen94/mira-OSS/internal/domain/event"
	"github.com/drammen94/mira-OSS/internal/domain/repository"
	"github.com/drammen94/mira-OSS/internal/infrastructure/kv"
	apperrors "github.com/drammen94/mira-OSS/pkg/errors"
)

func contextUserID(ctx map[string]any) string {
	userID, _ := ctx["user_id"].(string)
	return userID
}

// ManifestTrinket renders the archived-segment manifest. Cached: the
// manifest only changes when a segment is collapsed.
type ManifestTrinket struct {
	continuums repository.ContinuumRepository
	messages   repository.MessageRepository
}

func NewManifestTrinket(continuums repository.ContinuumRepository, messages repository.MessageRepository) *ManifestTrinket {
	return &ManifestTrinket{continuums: continuums, messages: messages}
}

func (t *ManifestTrinket) Name() string                  { return "manifest" }
func (t *ManifestTrinket) VariableName() string          { return "segment_manifest" }
func (t *ManifestTrinket) CachePolicy() event.CachePolicy { return event.CacheStable }

func (t *ManifestTrinket) GenerateContent(ctxMap map[string]any) (string, error) {
	userID := contextUserID(ctxMap)
	if userID == "" {
		return "", nil
	}
	ctx := context.Background()

	continuum, err := t.continuums.FindByUserID(ctx, userID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return "", nil
		}
		return "", err
	}
	summaries, err := t.messages.FindCollapsedSummaries(ctx, continuum.ID, 0)
	if err != nil {
		return "", err
	}
	if len(summaries) == 0 {
		return "", nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Archived conversation segments (%d, searchable on request):\n", len(summaries))
	for i, s := range summaries {
		fmt.Fprintf(&b, "%d. %s\n", i+1, firstLine(s.TextContent()))
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// ReminderTrinket surfaces upcoming reminders. Volatile: due times move
// every turn.
type ReminderTrinket struct {
	reminders repository.ReminderRepository
	window    time.Duration
	now       func() time.Time
}

func NewReminderTrinket(reminders repository.ReminderRepository, window time.Duration) *ReminderTrinket {
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &ReminderTrinket{reminders: reminders, window: window, now: time.Now}
}

func (t *ReminderTrinket) Name() string                  { return "reminders" }
func (t *ReminderTrinket) VariableName() string          { return "active_reminders" }
func (t *ReminderTrinket) CachePolicy() event.CachePolicy { return event.CacheVolatile }

func (t *ReminderTrinket) GenerateContent(ctxMap map[string]any) (string, error) {
	userID := contextUserID(ctxMap)
	if userID == "" {
		return "", nil
	}

	now := t.now()
	upcoming, err := t.reminders.FindUpcoming(context.Background(), userID, now.Add(t.window))
	if err != nil {
		return "", err
	}
	if len(upcoming) == 0 {
		return "", nil
	}

	var b strings.Builder
	b.WriteString("Active reminders:\n")
	for _, r := range upcoming {
		due := r.DueAt
		if r.Timezone != "" {
			if loc, err := time.LoadLocation(r.Timezone); err == nil {
				due = due.In(loc)
			}
		}
		fmt.Fprintf(&b, "- %s (due %s)\n", r.Text, due.Format("Mon Jan 2 15:04 MST"))
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// BlockSource resolves the enabled domain-knowledge block for a user.
type BlockSource interface {
	ActiveBlock(ctx context.Context, userID string) (*entity.DomainKnowledgeBlock, error)
}

// DomainKnowledgeTrinket injects the enabled expertise block. Cached: the
// block body only changes on sync.
type DomainKnowledgeTrinket struct {
	blocks BlockSource
}

func NewDomainKnowledgeTrinket(blocks BlockSource) *DomainKnowledgeTrinket {
	return &DomainKnowledgeTrinket{blocks: blocks}
}

func (t *DomainKnowledgeTrinket) Name() string                  { return "domain_knowledge" }
func (t *DomainKnowledgeTrinket) VariableName() string          { return "domain_knowledge" }
func (t *DomainKnowledgeTrinket) CachePolicy() event.CachePolicy { return event.CacheStable }

func (t *DomainKnowledgeTrinket) GenerateContent(ctxMap map[string]any) (string, error) {
	userID := contextUserID(ctxMap)
	if userID == "" {
		return "", nil
	}

	block, err := t.blocks.ActiveBlock(context.Background(), userID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return "", nil
		}
		return "", err
	}
	if block == nil || block.CachedValue == "" {
		return "", nil
	}
	return fmt.Sprintf("<%s description=%q>\n%s\n</%s>", block.Label, block.Description, block.CachedValue, block.Label), nil
}

// ProactiveMemoryTrinket renders the memories surfaced for the current
// turn and retains them for the next turn's pin/retire step. Volatile by
// nature. The cache is shared across concurrent user turns.
type ProactiveMemoryTrinket struct {
	mu     sync.RWMutex
	cached map[string][]*entity.SurfacedMemory
}

func NewProactiveMemoryTrinket() *ProactiveMemoryTrinket {
	return &ProactiveMemoryTrinket{cached: make(map[string][]*entity.SurfacedMemory)}
}

func (t *ProactiveMemoryTrinket) Name() string                  { return "proactive_memory" }
func (t *ProactiveMemoryTrinket) VariableName() string          { return "surfaced_memories" }
func (t *ProactiveMemoryTrinket) CachePolicy() event.CachePolicy { return event.CacheVolatile }

// GetCachedMemories returns the memories shown on the user's previous turn.
func (t *ProactiveMemoryTrinket) GetCachedMemories(userID string) []*entity.SurfacedMemory {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cached[userID]
}

func (t *ProactiveMemoryTrinket) GenerateContent(ctxMap map[string]any) (string, error) {
	userID := contextUserID(ctxMap)
	if userID == "" {
		return "", nil
	}

	t.mu.Lock()
	if memories, ok := ctxMap["memories"].([]*entity.SurfacedMemory); ok {
		t.cached[userID] = memories
	}
	memories := t.cached[userID]
	t.mu.Unlock()
	if len(memories) == 0 {
		return "", nil
	}

	var b strings.Builder
	b.WriteString("Relevant memories about the user:\n")
	for _, m := range memories {
		fmt.Fprintf(&b, "- %s\n", m.Memory.Text)
		for _, linked := range m.LinkedMemories {
			fmt.Fprintf(&b, "  (%s) %s\n", linked.LinkMetadata.LinkType, linked.Memory.Text)
		}
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// AsyncContextTrinket shows results of deferred background searches that
// were dropped into KV under their task id.
type AsyncContextTrinket struct {
	store  kv.Store
	logger *zap.Logger

	mu    sync.Mutex
	tasks map[string][]string
}

func NewAsyncContextTrinket(store kv.Store, logger *zap.Logger) *AsyncContextTrinket {
	return &AsyncContextTrinket{
		store:  store,
		logger: logger,
		tasks:  make(map[string][]string),
	}
}

func (t *AsyncContextTrinket) Name() string                  { return "async_context" }
func (t *AsyncContextTrinket) VariableName() string          { return "async_context_results" }
func (t *AsyncContextTrinket) CachePolicy() event.CachePolicy { return event.CacheVolatile }

// AnnounceTask registers a pending background search for a user.
func (t *AsyncContextTrinket) AnnounceTask(userID, taskID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tasks[userID] = append(t.tasks[userID], taskID)
}

func (t *AsyncContextTrinket) GenerateContent(ctxMap map[string]any) (string, error) {
	userID := contextUserID(ctxMap)
	if userID == "" {
		return "", nil
	}
	t.mu.Lock()
	pending := t.tasks[userID]
	t.mu.Unlock()
	if len(pending) == 0 {
		return "", nil
	}
	ctx := context.Background()

	var completed []string
	var stillPending []string
	for _, taskID := range pending {
		data, err := t.store.Get(ctx, fmt.Sprintf("context_search:%s:%s", userID, taskID))
		if err != nil {
			if apperrors.IsNotFound(err) {
				stillPending = append(stillPending, taskID)
				continue
			}
			t.logger.Warn("Failed to read async search result",
				zap.String("task_id", taskID),
				zap.Error(err))
			stillPending = append(stillPending, taskID)
			continue
		}
		completed = append(completed, string(data))
	}
	t.mu.Lock()
	t.tasks[userID] = stillPending
	t.mu.Unlock()

	if len(completed) == 0 {
		return "", nil
	}
	var b strings.Builder
	b.WriteString("Background search results:\n")
	for _, c := range completed {
		fmt.Fprintf(&b, "- %s\n", c)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}
