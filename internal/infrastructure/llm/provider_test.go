package llm

import (
	"context"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/drammen94/mira-OSS/internal/domain/entity"
	apperrors "github.com/drammen94/mira-OSS/pkg/errors"
)

// scriptedClient replays canned responses and records requests.
type scriptedClient struct {
	responses []*Response
	errs      []error
	requests  []*Request
}

func (s *scriptedClient) next() (*Response, error) {
	i := len(s.requests) - 1
	var err error
	if i < len(s.errs) {
		err = s.errs[i]
	}
	if err != nil {
		return nil, err
	}
	if i < len(s.responses) {
		return s.responses[i], nil
	}
	return textResponse("fallback"), nil
}

func (s *scriptedClient) CreateMessage(_ context.Context, req *Request) (*Response, error) {
	s.requests = append(s.requests, req)
	return s.next()
}

func (s *scriptedClient) StreamMessage(_ context.Context, req *Request, onDelta func(StreamDelta)) (*Response, error) {
	s.requests = append(s.requests, req)
	resp, err := s.next()
	if err != nil {
		return nil, err
	}
	for _, b := range resp.Blocks {
		if b.Type == entity.BlockText {
			onDelta(StreamDelta{Text: b.Text})
		}
	}
	return resp, nil
}

// echoExecutor returns scripted outputs per call.
type echoExecutor struct {
	outputs []string
	errs    []error
	calls   []string
}

func (e *echoExecutor) Definitions() []Tool {
	return []Tool{{Name: "echo", InputSchema: map[string]any{"type": "object"}}}
}

func (e *echoExecutor) Execute(_ context.Context, name string, _ map[string]any) (string, error) {
	i := len(e.calls)
	e.calls = append(e.calls, name)
	if i < len(e.errs) && e.errs[i] != nil {
		return "", e.errs[i]
	}
	if i < len(e.outputs) {
		return e.outputs[i], nil
	}
	return "ok", nil
}

func textResponse(text string) *Response {
	return &Response{
		Blocks:     []entity.ContentBlock{entity.TextBlock(text)},
		StopReason: StopEndTurn,
	}
}

func toolUseResponse(text, toolName, id string) *Response {
	return &Response{
		Blocks: []entity.ContentBlock{
			entity.TextBlock(text),
			{Type: entity.BlockToolUse, ID: id, Name: toolName, Input: map[string]any{}},
		},
		StopReason: StopToolUse,
	}
}

func newTestProvider(primary, emergency WireClient, executor ToolExecutor, opts Options) (*Provider, *FailoverController) {
	failover := NewFailoverController(time.Hour, zap.NewNop())
	if opts.ReasoningModel == "" {
		opts.ReasoningModel = "reasoning-1"
	}
	if opts.ExecutionModel == "" {
		opts.ExecutionModel = "execution-1"
	}
	return NewProvider(primary, emergency, failover, executor, opts, zap.NewNop()), failover
}

func drain(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var all []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return all
			}
			all = append(all, ev)
		case <-timeout:
			t.Fatal("timed out draining events")
		}
	}
}

func eventsOfType(events []Event, et EventType) []Event {
	var out []Event
	for _, ev := range events {
		if ev.Type == et {
			out = append(out, ev)
		}
	}
	return out
}

func streamReq(text string) *StreamRequest {
	return &StreamRequest{
		Messages: []ChatMessage{TextMessage(entity.RoleUser, text)},
		Tools:    []Tool{{Name: "echo", InputSchema: map[string]any{"type": "object"}}},
	}
}

func TestStreamSimpleResponse(t *testing.T) {
	primary := &scriptedClient{responses: []*Response{textResponse("hello there")}}
	provider, _ := newTestProvider(primary, nil, &echoExecutor{}, Options{})

	events, err := provider.StreamEvents(context.Background(), streamReq("hi"))
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	all := drain(t, events)

	if len(eventsOfType(all, EventText)) == 0 {
		t.Fatal("no text events")
	}
	last := all[len(all)-1]
	if last.Type != EventComplete {
		t.Fatalf("last event = %s", last.Type)
	}
	if last.Response.TextContent() != "hello there" {
		t.Fatalf("final text = %q", last.Response.TextContent())
	}
}

func TestToolLoopExecutesAndCompletes(t *testing.T) {
	primary := &scriptedClient{responses: []*Response{
		toolUseResponse("calling echo", "echo", "t1"),
		textResponse("done"),
	}}
	executor := &echoExecutor{outputs: []string{"result one"}}
	provider, _ := newTestProvider(primary, nil, executor, Options{})

	events, err := provider.StreamEvents(context.Background(), streamReq("go"))
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	all := drain(t, events)

	if got := eventsOfType(all, EventToolExecuting); len(got) != 1 {
		t.Fatalf("tool_executing events = %d", len(got))
	}
	if got := eventsOfType(all, EventToolCompleted); len(got) != 1 {
		t.Fatalf("tool_completed events = %d", len(got))
	}
	final := all[len(all)-1]
	if final.Type != EventComplete || final.Response.TextContent() != "done" {
		t.Fatalf("final = %+v", final)
	}

	// The second request carries the assistant turn and the tool result.
	if len(primary.requests) != 2 {
		t.Fatalf("model calls = %d", len(primary.requests))
	}
	second := primary.requests[1]
	lastMsg := second.Messages[len(second.Messages)-1]
	if lastMsg.Blocks[0].Type != entity.BlockToolResult || lastMsg.Blocks[0].Content != "result one" {
		t.Fatalf("tool result message = %+v", lastMsg)
	}
}

func TestToolLoopBreaksOnRepeatedResults(t *testing.T) {
	primary := &scriptedClient{responses: []*Response{
		toolUseResponse("first", "echo", "t1"),
		toolUseResponse("second", "echo", "t2"),
	}}
	executor := &echoExecutor{outputs: []string{"same output", "same output"}}
	provider, _ := newTestProvider(primary, nil, executor, Options{})

	events, err := provider.StreamEvents(context.Background(), streamReq("loop"))
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	all := drain(t, events)

	breaks := eventsOfType(all, EventCircuitBreaker)
	if len(breaks) != 1 {
		t.Fatalf("circuit breaker events = %d", len(breaks))
	}
	if !strings.Contains(breaks[0].Reason, "Repeated") {
		t.Fatalf("reason = %q", breaks[0].Reason)
	}
	// The tool ran exactly twice and no third model call happened.
	if len(executor.calls) != 2 {
		t.Fatalf("tool calls = %v", executor.calls)
	}
	if len(primary.requests) != 2 {
		t.Fatalf("model calls = %d", len(primary.requests))
	}
	// Accumulated content still returned.
	final := all[len(all)-1]
	if final.Type != EventComplete || final.Response == nil {
		t.Fatalf("final = %+v", final)
	}
}

func TestToolLoopBreaksOnMaxIterations(t *testing.T) {
	var responses []*Response
	outputs := []string{}
	for i := 0; i < 4; i++ {
		responses = append(responses, toolUseResponse("round", "echo", "t"+string(rune('0'+i))))
		outputs = append(outputs, "distinct "+string(rune('a'+i)))
	}
	primary := &scriptedClient{responses: responses}
	executor := &echoExecutor{outputs: outputs}
	provider, _ := newTestProvider(primary, nil, executor, Options{MaxIterations: 2})

	events, err := provider.StreamEvents(context.Background(), streamReq("loop"))
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	all := drain(t, events)

	breaks := eventsOfType(all, EventCircuitBreaker)
	if len(breaks) != 1 {
		t.Fatalf("circuit breaker events = %d", len(breaks))
	}
	if !strings.Contains(breaks[0].Reason, "maximum iterations") {
		t.Fatalf("reason = %q", breaks[0].Reason)
	}
	// Two rounds executed; the third tool_use response tripped the budget.
	if len(executor.calls) != 2 {
		t.Fatalf("tool calls = %v", executor.calls)
	}
}

func TestToolLoopExactBudgetCompletes(t *testing.T) {
	primary := &scriptedClient{responses: []*Response{
		toolUseResponse("r1", "echo", "t1"),
		toolUseResponse("r2", "echo", "t2"),
		textResponse("finished within budget"),
	}}
	executor := &echoExecutor{outputs: []string{"alpha", "beta"}}
	provider, _ := newTestProvider(primary, nil, executor, Options{MaxIterations: 2})

	events, err := provider.StreamEvents(context.Background(), streamReq("work"))
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	all := drain(t, events)

	if breaks := eventsOfType(all, EventCircuitBreaker); len(breaks) != 0 {
		t.Fatalf("unexpected circuit break: %+v", breaks)
	}
	final := all[len(all)-1]
	if final.Response.TextContent() != "finished within budget" {
		t.Fatalf("final text = %q", final.Response.TextContent())
	}
}

func TestToolLoopBreaksOnToolError(t *testing.T) {
	primary := &scriptedClient{responses: []*Response{
		toolUseResponse("calling", "echo", "t1"),
	}}
	executor := &echoExecutor{errs: []error{apperrors.NewInternalError("tool exploded")}}
	provider, _ := newTestProvider(primary, nil, executor, Options{})

	events, err := provider.StreamEvents(context.Background(), streamReq("go"))
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	all := drain(t, events)

	if got := eventsOfType(all, EventToolError); len(got) != 1 {
		t.Fatalf("tool_error events = %d", len(got))
	}
	breaks := eventsOfType(all, EventCircuitBreaker)
	if len(breaks) != 1 || !strings.Contains(breaks[0].Reason, "Tool error") {
		t.Fatalf("breaks = %+v", breaks)
	}
}

func TestExecutionTierAfterSimpleTool(t *testing.T) {
	primary := &scriptedClient{responses: []*Response{
		toolUseResponse("using simple tool", "echo", "t1"),
		textResponse("done"),
	}}
	executor := &echoExecutor{outputs: []string{"out"}}
	provider, _ := newTestProvider(primary, nil, executor, Options{SimpleTools: []string{"echo"}})

	events, err := provider.StreamEvents(context.Background(), streamReq("go"))
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	drain(t, events)

	if primary.requests[0].Model != "reasoning-1" {
		t.Fatalf("first model = %s", primary.requests[0].Model)
	}
	if primary.requests[1].Model != "execution-1" {
		t.Fatalf("second model = %s", primary.requests[1].Model)
	}
}

func TestReasoningTierAfterComplexTool(t *testing.T) {
	primary := &scriptedClient{responses: []*Response{
		toolUseResponse("using complex tool", "echo", "t1"),
		textResponse("done"),
	}}
	executor := &echoExecutor{outputs: []string{"out"}}
	provider, _ := newTestProvider(primary, nil, executor, Options{SimpleTools: []string{"other_tool"}})

	events, err := provider.StreamEvents(context.Background(), streamReq("go"))
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	drain(t, events)

	if primary.requests[1].Model != "reasoning-1" {
		t.Fatalf("second model = %s", primary.requests[1].Model)
	}
}

func TestStreamRejectsEmptyMessages(t *testing.T) {
	provider, _ := newTestProvider(&scriptedClient{}, nil, &echoExecutor{}, Options{})
	_, err := provider.StreamEvents(context.Background(), &StreamRequest{})
	if !apperrors.IsInvalidInput(err) {
		t.Fatalf("err = %v", err)
	}
}

func TestValidateMessages(t *testing.T) {
	cases := []struct {
		name    string
		msgs    []ChatMessage
		wantErr bool
	}{
		{"empty list", nil, true},
		{"plain text", []ChatMessage{TextMessage(entity.RoleUser, "hi")}, false},
		{"whitespace only", []ChatMessage{TextMessage(entity.RoleUser, "   ")}, true},
		{"assistant with tool_use and no text", []ChatMessage{{
			Role:   entity.RoleAssistant,
			Blocks: []entity.ContentBlock{{Type: entity.BlockToolUse, ID: "t", Name: "x"}},
		}}, false},
		{"user with tool_result only", []ChatMessage{{
			Role:   entity.RoleUser,
			Blocks: []entity.ContentBlock{{Type: entity.BlockToolResult, ToolUseID: "t", Content: "r"}},
		}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateMessages(tc.msgs)
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr = %v", err, tc.wantErr)
			}
		})
	}
}
