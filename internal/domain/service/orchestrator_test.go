package service

import (
	"context"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/drammen94/mira-OSS/internal/domain/entity"
	"github.com/drammen94/mira-OSS/internal/infrastructure/eventbus"
	"github.com/drammen94/mira-OSS/internal/infrastructure/llm"
	"github.com/drammen94/mira-OSS/internal/infrastructure/persistence"
	"github.com/drammen94/mira-OSS/internal/workingmemory"
)

type scriptedStreamer struct {
	scripts  [][]llm.Event
	requests []*llm.StreamRequest
}

func (s *scriptedStreamer) StreamEvents(_ context.Context, req *llm.StreamRequest) (<-chan llm.Event, error) {
	s.requests = append(s.requests, req)
	idx := len(s.requests) - 1
	script := s.scripts[idx]

	ch := make(chan llm.Event, len(script))
	for _, evt := range script {
		ch <- evt
	}
	close(ch)
	return ch, nil
}

func completeScript(text string, tools ...string) []llm.Event {
	var events []llm.Event
	for _, name := range tools {
		events = append(events, llm.Event{Type: llm.EventToolExecuting, ToolName: name})
	}
	events = append(events,
		llm.Event{Type: llm.EventText, Content: text},
		llm.Event{Type: llm.EventComplete, Response: &llm.Response{
			Blocks:     []entity.ContentBlock{entity.TextBlock(text)},
			StopReason: llm.StopEndTurn,
		}},
	)
	return events
}

type fakeTouchstones struct{ calls int }

func (f *fakeTouchstones) Generate(_ context.Context, continuum *entity.Continuum, _ string) (*entity.Touchstone, error) {
	f.calls++
	ts := &entity.Touchstone{
		Narrative:           "Ongoing conversation",
		RelationshipContext: "friendly",
		Entities:            "none",
	}
	continuum.SetLastTouchstone(ts, []float32{0.5, 0.5})
	return ts, nil
}

type fakeFingerprints struct {
	fingerprint string
	retained    map[string]bool
	calls       int
}

func (f *fakeFingerprints) Generate(_ context.Context, _ *entity.Continuum, _ string, _ []*entity.SurfacedMemory) (string, map[string]bool, error) {
	f.calls++
	return f.fingerprint, f.retained, nil
}

type fakeSearcher struct {
	fresh   []*entity.SurfacedMemory
	queries []string
}

func (f *fakeSearcher) SearchWithEmbedding(_ context.Context, _ string, _ []float32, touchstone *entity.Touchstone, queryText string, _ int) ([]*entity.SurfacedMemory, error) {
	if touchstone == nil {
		panic("retrieval invoked without a touchstone")
	}
	f.queries = append(f.queries, queryText)
	return f.fresh, nil
}

type orchestratorFixture struct {
	orch         *Orchestrator
	streamer     *scriptedStreamer
	fingerprints *fakeFingerprints
	searcher     *fakeSearcher
	trinket      *workingmemory.ProactiveMemoryTrinket
	continuum    *entity.Continuum
	uowFactory   *persistence.MemoryUnitOfWorkFactory
	messages     *persistence.MemoryMessageRepository
	logs         *persistence.MemoryRetrievalLogRepository
}

func newOrchestratorFixture(t *testing.T, scripts [][]llm.Event, fresh []*entity.SurfacedMemory) *orchestratorFixture {
	t.Helper()
	bus := eventbus.NewBus(zap.NewNop())

	trinket := workingmemory.NewProactiveMemoryTrinket()
	wm := workingmemory.New(bus, zap.NewNop())
	wm.Register(trinket)

	streamer := &scriptedStreamer{scripts: scripts}
	fingerprints := &fakeFingerprints{fingerprint: "expanded query", retained: map[string]bool{}}
	searcher := &fakeSearcher{fresh: fresh}
	messages := persistence.NewMemoryMessageRepository()
	continuums := persistence.NewMemoryContinuumRepository()
	logs := persistence.NewMemoryRetrievalLogRepository()

	orch := NewOrchestrator(
		streamer,
		&fakeTouchstones{},
		fingerprints,
		searcher,
		&stubEmbedder{embedding: []float32{0.1, 0.2}},
		trinket,
		bus,
		20,
		"load_tool",
		zap.NewNop(),
	)

	return &orchestratorFixture{
		orch:         orch,
		streamer:     streamer,
		fingerprints: fingerprints,
		searcher:     searcher,
		trinket:      trinket,
		continuum:    entity.NewContinuum("u1"),
		uowFactory:   persistence.NewMemoryUnitOfWorkFactory(messages, continuums, logs),
		messages:     messages,
		logs:         logs,
	}
}

func textContent(text string) []entity.ContentBlock {
	return []entity.ContentBlock{entity.TextBlock(text)}
}

func TestProcessMessageHappyPath(t *testing.T) {
	fresh := []*entity.SurfacedMemory{surfaced("m1", "User lives in Bergen")}
	reply := "Bergen sounds lovely! <mira:my_emotion>warm</mira:my_emotion><mira:referenced_memories>m1</mira:referenced_memories>"
	fx := newOrchestratorFixture(t, [][]llm.Event{completeScript(reply)}, fresh)

	uow := fx.uowFactory.Begin(fx.continuum)
	result, err := fx.orch.ProcessMessage(context.Background(), fx.continuum, textContent("tell me about home"), "base prompt", nil, uow)
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	if !strings.Contains(result.Response, "Bergen sounds lovely!") {
		t.Fatalf("response = %q", result.Response)
	}
	if strings.Contains(result.Response, "referenced_memories") {
		t.Fatalf("referenced tag not stripped: %q", result.Response)
	}
	if !strings.Contains(result.Response, "<mira:my_emotion>") {
		t.Fatalf("emotion tag must be preserved: %q", result.Response)
	}

	// Assistant message carries the extracted metadata.
	last := fx.continuum.Messages[len(fx.continuum.Messages)-1]
	if last.Role != entity.RoleAssistant {
		t.Fatalf("last role = %s", last.Role)
	}
	if last.Metadata.Emotion != "warm" {
		t.Fatalf("emotion = %q", last.Metadata.Emotion)
	}
	if len(last.Metadata.ReferencedMemories) != 1 || last.Metadata.ReferencedMemories[0] != "m1" {
		t.Fatalf("referenced = %v", last.Metadata.ReferencedMemories)
	}
	if len(last.Metadata.SurfacedMemories) != 1 || last.Metadata.SurfacedMemories[0] != "m1" {
		t.Fatalf("surfaced = %v", last.Metadata.SurfacedMemories)
	}

	// Retrieval used the fingerprint, not the raw message.
	if len(fx.searcher.queries) != 1 || fx.searcher.queries[0] != "expanded query" {
		t.Fatalf("queries = %v", fx.searcher.queries)
	}

	// The trinket cached the merged set for next turn's retention.
	cached := fx.trinket.GetCachedMemories("u1")
	if len(cached) != 1 || cached[0].Memory.ID != "m1" {
		t.Fatalf("cached = %+v", cached)
	}

	// The prompt went out as cached block first.
	req := fx.streamer.requests[0]
	if len(req.System) == 0 || !req.System[0].Cached || !strings.Contains(req.System[0].Text, "base prompt") {
		t.Fatalf("system = %+v", req.System)
	}

	// Nothing persisted until the caller commits.
	if n, _ := fx.messages.Count(context.Background(), fx.continuum.ID); n != 0 {
		t.Fatalf("persisted before commit: %d", n)
	}
	if err := uow.Commit(context.Background()); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if n, _ := fx.messages.Count(context.Background(), fx.continuum.ID); n != 2 {
		t.Fatalf("persisted = %d", n)
	}
	entries, err := fx.logs.FindByContinuum(context.Background(), fx.continuum.ID, 10)
	if err != nil || len(entries) != 1 {
		t.Fatalf("log entries = %v, err = %v", entries, err)
	}
	if entries[0].Fingerprint != "expanded query" || entries[0].RawQuery != "tell me about home" {
		t.Fatalf("entry = %+v", entries[0])
	}
}

func TestProcessMessageRetentionPinsFirst(t *testing.T) {
	fresh := []*entity.SurfacedMemory{surfaced("m2", "fresh fact")}
	fx := newOrchestratorFixture(t, [][]llm.Event{completeScript("ok")}, fresh)

	// Seed the trinket with last turn's memories; only one survives retention.
	fx.trinket.GenerateContent(map[string]any{"user_id": "u1", "memories": []*entity.SurfacedMemory{
		surfaced("m1", "pinned fact"),
		surfaced("m9", "retired fact"),
	}})
	fx.fingerprints.retained = map[string]bool{"pinned fact": true}

	uow := fx.uowFactory.Begin(fx.continuum)
	if _, err := fx.orch.ProcessMessage(context.Background(), fx.continuum, textContent("hi"), "base", nil, uow); err != nil {
		t.Fatalf("process: %v", err)
	}

	cached := fx.trinket.GetCachedMemories("u1")
	if len(cached) != 2 {
		t.Fatalf("cached = %+v", cached)
	}
	if cached[0].Memory.ID != "m1" || cached[1].Memory.ID != "m2" {
		t.Fatalf("order = %s, %s", cached[0].Memory.ID, cached[1].Memory.ID)
	}
}

func TestProcessMessageRollsBackOnStreamError(t *testing.T) {
	script := []llm.Event{
		{Type: llm.EventError, Message: "upstream 500"},
		{Type: llm.EventComplete, Response: nil},
	}
	fx := newOrchestratorFixture(t, [][]llm.Event{script}, nil)

	uow := fx.uowFactory.Begin(fx.continuum)
	_, err := fx.orch.ProcessMessage(context.Background(), fx.continuum, textContent("hi"), "base", nil, uow)
	if err == nil {
		t.Fatal("expected error")
	}
	if len(fx.continuum.Messages) != 0 {
		t.Fatalf("cache not rolled back: %d messages", len(fx.continuum.Messages))
	}
	if err := uow.Commit(context.Background()); err == nil {
		t.Fatal("empty unit of work must not commit")
	}
}

func TestProcessMessageImageOnlyContent(t *testing.T) {
	fx := newOrchestratorFixture(t, [][]llm.Event{completeScript("nice photo")}, nil)

	blocks := []entity.ContentBlock{entity.ImageBlock("image/png", "aGVsbG8=")}
	uow := fx.uowFactory.Begin(fx.continuum)
	if _, err := fx.orch.ProcessMessage(context.Background(), fx.continuum, blocks, "base", nil, uow); err != nil {
		t.Fatalf("process: %v", err)
	}
	if err := uow.Commit(context.Background()); err != nil {
		t.Fatalf("commit: %v", err)
	}

	stored, err := fx.messages.FindRecent(context.Background(), fx.continuum.ID, 10)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if stored[0].TextContent() != "Image uploaded" {
		t.Fatalf("persisted user text = %q", stored[0].TextContent())
	}
	if stored[0].HasImage() {
		t.Fatal("image data must not be persisted")
	}
	// The in-memory cache keeps the original image block for the API.
	if !fx.continuum.Messages[0].HasImage() {
		t.Fatal("cache lost the image block")
	}
}

func TestProcessMessageAutoContinuation(t *testing.T) {
	scripts := [][]llm.Event{
		completeScript("Loading the tool now.", "load_tool"),
		completeScript("Task finished with the new tool.", "load_tool"),
	}
	fx := newOrchestratorFixture(t, scripts, nil)

	uow := fx.uowFactory.Begin(fx.continuum)
	result, err := fx.orch.ProcessMessage(context.Background(), fx.continuum, textContent("do the thing"), "base", nil, uow)
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	// One continuation only, even though the second pass also invoked the loader.
	if len(fx.streamer.requests) != 2 {
		t.Fatalf("model calls = %d", len(fx.streamer.requests))
	}
	if !strings.Contains(result.Response, "Task finished") {
		t.Fatalf("response = %q", result.Response)
	}
	// One entry per invocation across both passes.
	if len(result.Metadata.ToolsUsed) != 2 || result.Metadata.ToolsUsed[0] != "load_tool" || result.Metadata.ToolsUsed[1] != "load_tool" {
		t.Fatalf("tools used = %v", result.Metadata.ToolsUsed)
	}

	// Cache holds both exchanges; the synthetic user message is verbatim.
	if len(fx.continuum.Messages) != 4 {
		t.Fatalf("cache = %d messages", len(fx.continuum.Messages))
	}
	if fx.continuum.Messages[2].TextContent() != toolLoaderContinuation {
		t.Fatalf("continuation = %q", fx.continuum.Messages[2].TextContent())
	}

	// Both pairs commit in one transaction.
	if err := uow.Commit(context.Background()); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if n, _ := fx.messages.Count(context.Background(), fx.continuum.ID); n != 4 {
		t.Fatalf("persisted = %d", n)
	}
}

func TestProcessMessageRepeatedToolKeepsEveryInvocation(t *testing.T) {
	fx := newOrchestratorFixture(t, [][]llm.Event{completeScript("echoed twice", "echo", "echo")}, nil)

	uow := fx.uowFactory.Begin(fx.continuum)
	result, err := fx.orch.ProcessMessage(context.Background(), fx.continuum, textContent("say it twice"), "base", nil, uow)
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	if len(result.Metadata.ToolsUsed) != 2 || result.Metadata.ToolsUsed[0] != "echo" || result.Metadata.ToolsUsed[1] != "echo" {
		t.Fatalf("tools used = %v", result.Metadata.ToolsUsed)
	}
}

func TestProcessMessageEmptyResponseFails(t *testing.T) {
	fx := newOrchestratorFixture(t, [][]llm.Event{completeScript("   ")}, nil)

	uow := fx.uowFactory.Begin(fx.continuum)
	_, err := fx.orch.ProcessMessage(context.Background(), fx.continuum, textContent("hi"), "base", nil, uow)
	if err == nil {
		t.Fatal("expected error for empty response")
	}
	if len(fx.continuum.Messages) != 0 {
		t.Fatalf("cache not rolled back: %d messages", len(fx.continuum.Messages))
	}
}

func TestProcessMessagePreferencesPassThrough(t *testing.T) {
	fx := newOrchestratorFixture(t, [][]llm.Event{completeScript("ok")}, nil)
	budget := 2048
	fx.continuum.Metadata.ModelPreference = "custom-model"
	fx.continuum.Metadata.ThinkingBudgetPreference = &budget

	uow := fx.uowFactory.Begin(fx.continuum)
	if _, err := fx.orch.ProcessMessage(context.Background(), fx.continuum, textContent("hi"), "base", nil, uow); err != nil {
		t.Fatalf("process: %v", err)
	}

	req := fx.streamer.requests[0]
	if req.ModelOverride != "custom-model" {
		t.Fatalf("model override = %q", req.ModelOverride)
	}
	if req.ThinkingBudget == nil || *req.ThinkingBudget != 2048 {
		t.Fatalf("thinking budget = %v", req.ThinkingBudget)
	}
}

func TestProcessMessageZeroBudgetDisablesThinking(t *testing.T) {
	fx := newOrchestratorFixture(t, [][]llm.Event{completeScript("ok")}, nil)
	zero := 0
	fx.continuum.Metadata.ThinkingBudgetPreference = &zero

	uow := fx.uowFactory.Begin(fx.continuum)
	if _, err := fx.orch.ProcessMessage(context.Background(), fx.continuum, textContent("hi"), "base", nil, uow); err != nil {
		t.Fatalf("process: %v", err)
	}

	req := fx.streamer.requests[0]
	if req.ThinkingEnabled == nil || *req.ThinkingEnabled {
		t.Fatalf("thinking enabled = %v", req.ThinkingEnabled)
	}
}

func TestProcessMessageForwardsEventsInOrder(t *testing.T) {
	fx := newOrchestratorFixture(t, [][]llm.Event{completeScript("done", "search")}, nil)

	var types []llm.EventType
	callback := func(evt llm.Event) { types = append(types, evt.Type) }

	uow := fx.uowFactory.Begin(fx.continuum)
	if _, err := fx.orch.ProcessMessage(context.Background(), fx.continuum, textContent("hi"), "base", callback, uow); err != nil {
		t.Fatalf("process: %v", err)
	}

	want := []llm.EventType{llm.EventToolExecuting, llm.EventText, llm.EventComplete}
	if len(types) != len(want) {
		t.Fatalf("types = %v", types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("types = %v", types)
		}
	}
}
