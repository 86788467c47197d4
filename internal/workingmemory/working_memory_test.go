package workingmemory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/drammen94/mira-OSS/internal/domain/entity"
	"github.com/drammen94/mira-OSS/internal/domain/event"
	"github.com/drammen94/mira-OSS/internal/infrastructure/eventbus"
	"github.com/drammen94/mira-OSS/internal/infrastructure/persistence"
	apperrors "github.com/drammen94/mira-OSS/pkg/errors"
)

type stubTrinket struct {
	name    string
	varName string
	policy  event.CachePolicy
	content string
	err     error
	calls   int
}

func (s *stubTrinket) Name() string                   { return s.name }
func (s *stubTrinket) VariableName() string           { return s.varName }
func (s *stubTrinket) CachePolicy() event.CachePolicy { return s.policy }

func (s *stubTrinket) GenerateContent(_ map[string]any) (string, error) {
	s.calls++
	return s.content, s.err
}

func composeAndCapture(t *testing.T, bus *eventbus.Bus, continuumID, userID, basePrompt string) (string, string) {
	t.Helper()
	var cached, nonCached string
	received := false
	bus.Subscribe(event.TypeSystemPromptComposed, func(e eventbus.Event) error {
		composed := e.(*event.SystemPromptComposedEvent)
		cached = composed.CachedContent
		nonCached = composed.NonCachedContent
		received = true
		return nil
	})
	bus.Publish(event.NewComposeSystemPromptEvent(continuumID, userID, basePrompt))
	if !received {
		t.Fatal("composed event not delivered synchronously")
	}
	return cached, nonCached
}

func TestComposeOrdersSectionsByRegistration(t *testing.T) {
	bus := eventbus.NewBus(zap.NewNop())
	wm := New(bus, zap.NewNop())

	wm.Register(&stubTrinket{name: "first", varName: "first", policy: event.CacheStable, content: "stable one"})
	wm.Register(&stubTrinket{name: "second", varName: "second", policy: event.CacheVolatile, content: "volatile one"})
	wm.Register(&stubTrinket{name: "third", varName: "third", policy: event.CacheStable, content: "stable two"})

	cached, nonCached := composeAndCapture(t, bus, "c1", "u1", "You are a helpful assistant.")

	if cached != "You are a helpful assistant.\n\nstable one\n\nstable two" {
		t.Fatalf("cached = %q", cached)
	}
	if nonCached != "volatile one" {
		t.Fatalf("nonCached = %q", nonCached)
	}
}

func TestComposeSkipsEmptyAndFailedTrinkets(t *testing.T) {
	bus := eventbus.NewBus(zap.NewNop())
	wm := New(bus, zap.NewNop())

	failing := &stubTrinket{name: "broken", varName: "broken", policy: event.CacheStable, err: apperrors.NewInternalError("upstream down")}
	wm.Register(failing)
	wm.Register(&stubTrinket{name: "empty", varName: "empty", policy: event.CacheVolatile, content: ""})
	wm.Register(&stubTrinket{name: "ok", varName: "ok", policy: event.CacheVolatile, content: "still here"})

	cached, nonCached := composeAndCapture(t, bus, "c1", "u1", "base")

	if cached != "base" {
		t.Fatalf("cached = %q", cached)
	}
	if nonCached != "still here" {
		t.Fatalf("nonCached = %q", nonCached)
	}
	if failing.calls != 1 {
		t.Fatalf("failing trinket calls = %d", failing.calls)
	}
}

func TestComposeResetsBetweenTurns(t *testing.T) {
	bus := eventbus.NewBus(zap.NewNop())
	wm := New(bus, zap.NewNop())

	trinket := &stubTrinket{name: "t", varName: "t", policy: event.CacheVolatile, content: "turn content"}
	wm.Register(trinket)

	composeAndCapture(t, bus, "c1", "u1", "base one")
	trinket.content = ""
	_, nonCached := composeAndCapture(t, bus, "c1", "u1", "base two")

	// Stale section from the first turn must not leak into the second.
	if nonCached != "" {
		t.Fatalf("nonCached = %q", nonCached)
	}
}

// userEchoTrinket renders the requesting user's id, so cross-user
// contamination of a composed prompt is directly visible.
type userEchoTrinket struct{}

func (userEchoTrinket) Name() string                   { return "echo" }
func (userEchoTrinket) VariableName() string           { return "echo" }
func (userEchoTrinket) CachePolicy() event.CachePolicy { return event.CacheVolatile }

func (userEchoTrinket) GenerateContent(ctx map[string]any) (string, error) {
	userID, _ := ctx["user_id"].(string)
	return "content for " + userID, nil
}

func TestConcurrentComposesStayIsolatedPerUser(t *testing.T) {
	bus := eventbus.NewBus(zap.NewNop())
	wm := New(bus, zap.NewNop())
	wm.Register(userEchoTrinket{})

	var mu sync.Mutex
	composed := make(map[string][]string)
	bus.Subscribe(event.TypeSystemPromptComposed, func(e eventbus.Event) error {
		c := e.(*event.SystemPromptComposedEvent)
		mu.Lock()
		composed[c.ContinuumID()] = append(composed[c.ContinuumID()], c.NonCachedContent)
		mu.Unlock()
		return nil
	})

	const iterations = 200
	var wg sync.WaitGroup
	for _, user := range []string{"alice", "bob"} {
		wg.Add(1)
		go func(user string) {
			defer wg.Done()
			continuumID := "continuum-" + user
			for i := 0; i < iterations; i++ {
				bus.Publish(event.NewComposeSystemPromptEvent(continuumID, user, "base"))
			}
		}(user)
	}
	wg.Wait()

	for _, user := range []string{"alice", "bob"} {
		prompts := composed["continuum-"+user]
		if len(prompts) != iterations {
			t.Fatalf("%s composed %d prompts, want %d", user, len(prompts), iterations)
		}
		want := "content for " + user
		for i, p := range prompts {
			if p != want {
				t.Fatalf("%s prompt %d = %q, want %q", user, i, p, want)
			}
		}
	}
}

func TestStrayTrinketContentOutsideComposeIsDropped(t *testing.T) {
	bus := eventbus.NewBus(zap.NewNop())
	wm := New(bus, zap.NewNop())
	wm.Register(&stubTrinket{name: "t", varName: "t", policy: event.CacheVolatile, content: "own content"})

	// A cache-priming update outside any compose cycle publishes content
	// with no composer to land in.
	bus.Publish(event.NewTrinketContentEvent("c1", "t", "t", "stray content", event.CacheVolatile))

	_, nonCached := composeAndCapture(t, bus, "c1", "u1", "base")
	if nonCached != "own content" {
		t.Fatalf("nonCached = %q", nonCached)
	}
}

func TestProactiveMemoryTrinketConcurrentAccess(t *testing.T) {
	trinket := NewProactiveMemoryTrinket()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user := fmt.Sprintf("u%d", i%2)
			for j := 0; j < 100; j++ {
				memories := []*entity.SurfacedMemory{{Memory: &entity.Memory{ID: user, Text: "memory of " + user}}}
				if _, err := trinket.GenerateContent(map[string]any{"user_id": user, "memories": memories}); err != nil {
					t.Errorf("generate: %v", err)
					return
				}
				for _, m := range trinket.GetCachedMemories(user) {
					if m.Memory.ID != user {
						t.Errorf("user %s sees cached memory %q", user, m.Memory.ID)
						return
					}
				}
			}
		}(i)
	}
	wg.Wait()
}

func TestProactiveMemoryTrinketCachesAndRenders(t *testing.T) {
	trinket := NewProactiveMemoryTrinket()

	memories := []*entity.SurfacedMemory{
		{Memory: &entity.Memory{ID: "m1", Text: "User lives in Bergen"}},
		{
			Memory: &entity.Memory{ID: "m2", Text: "User plans a trip"},
			LinkedMemories: []*entity.SurfacedMemory{{
				Memory:       &entity.Memory{ID: "m3", Text: "Trip was postponed"},
				LinkMetadata: &entity.LinkMetadata{LinkType: entity.LinkInvalidatedBy},
			}},
		},
	}

	content, err := trinket.GenerateContent(map[string]any{"user_id": "u1", "memories": memories})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.Contains(content, "User lives in Bergen") {
		t.Fatalf("content = %q", content)
	}
	if !strings.Contains(content, "(invalidated_by) Trip was postponed") {
		t.Fatalf("content = %q", content)
	}

	// Retained for the next turn's pin/retire step.
	cached := trinket.GetCachedMemories("u1")
	if len(cached) != 2 || cached[0].Memory.ID != "m1" {
		t.Fatalf("cached = %+v", cached)
	}

	// A later call without fresh memories renders the retained ones.
	content, err = trinket.GenerateContent(map[string]any{"user_id": "u1"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.Contains(content, "User plans a trip") {
		t.Fatalf("content = %q", content)
	}
}

type stubBlockSource struct {
	block *entity.DomainKnowledgeBlock
	err   error
}

func (s *stubBlockSource) ActiveBlock(_ context.Context, _ string) (*entity.DomainKnowledgeBlock, error) {
	return s.block, s.err
}

func TestDomainKnowledgeTrinketWrapsBlock(t *testing.T) {
	source := &stubBlockSource{block: &entity.DomainKnowledgeBlock{
		Label:       "sourdough_baking",
		Description: "Baking expertise",
		CachedValue: "Prefer 75% hydration.",
	}}
	trinket := NewDomainKnowledgeTrinket(source)

	content, err := trinket.GenerateContent(map[string]any{"user_id": "u1"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	want := "<sourdough_baking description=\"Baking expertise\">\nPrefer 75% hydration.\n</sourdough_baking>"
	if content != want {
		t.Fatalf("content = %q", content)
	}
}

func TestDomainKnowledgeTrinketNoEnabledBlock(t *testing.T) {
	trinket := NewDomainKnowledgeTrinket(&stubBlockSource{err: apperrors.NewNotFoundError("no enabled block")})
	content, err := trinket.GenerateContent(map[string]any{"user_id": "u1"})
	if err != nil || content != "" {
		t.Fatalf("content = %q, err = %v", content, err)
	}
}

func TestReminderTrinketFormatsWithTimezone(t *testing.T) {
	repo := persistence.NewMemoryReminderRepository()
	due := time.Date(2026, 3, 14, 17, 0, 0, 0, time.UTC)
	if err := repo.Create(context.Background(), &entity.Reminder{
		UserID:   "u1",
		Text:     "Call the dentist",
		DueAt:    due,
		Timezone: "Europe/Oslo",
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	trinket := NewReminderTrinket(repo, 0)
	trinket.now = func() time.Time { return due.Add(-time.Hour) }

	content, err := trinket.GenerateContent(map[string]any{"user_id": "u1"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.Contains(content, "Call the dentist") {
		t.Fatalf("content = %q", content)
	}
	// 17:00 UTC is 18:00 in Oslo in March (CET).
	if !strings.Contains(content, "18:00") {
		t.Fatalf("content = %q", content)
	}
}
