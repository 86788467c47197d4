package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/drammen94/mira-OSS/internal/domain/entity"
	"github.com/drammen94/mira-OSS/pkg/safego"
)

// ToolExecutor runs tool calls on behalf of the provider's tool loop.
type ToolExecutor interface {
	Definitions() []Tool
	Execute(ctx context.Context, name string, input map[string]any) (string, error)
}

// Options configures the provider.
type Options struct {
	ReasoningModel string
	ExecutionModel string
	SimpleTools    []string

	MaxTokens   int
	Temperature float64

	EnablePromptCaching bool
	ExtendedThinking    bool
	ThinkingBudget      int

	MaxIterations  int
	EmergencyModel string
}

// StreamRequest is one orchestrated generation request.
type StreamRequest struct {
	System   []SystemBlock
	Messages []ChatMessage
	Tools    []Tool

	// Per-continuum preferences passed through by the orchestrator.
	ModelOverride   string
	ThinkingEnabled *bool
	ThinkingBudget  *int
}

// Provider streams model events and runs the tool loop under a circuit
// breaker. Requests route to the primary wire client, or to the emergency
// client while failover is active.
type Provider struct {
	primary     WireClient
	emergency   WireClient
	failover    *FailoverController
	executor    ToolExecutor
	opts        Options
	simpleTools map[string]struct{}
	logger      *zap.Logger
}

// NewProvider creates a provider. emergency may be nil when fallback is
// disabled.
func NewProvider(primary, emergency WireClient, failover *FailoverController, executor ToolExecutor, opts Options, logger *zap.Logger) *Provider {
	simple := make(map[string]struct{}, len(opts.SimpleTools))
	for _, name := range opts.SimpleTools {
		simple[name] = struct{}{}
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 8192
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = 10
	}
	return &Provider{
		primary:     primary,
		emergency:   emergency,
		failover:    failover,
		executor:    executor,
		opts:        opts,
		simpleTools: simple,
		logger:      logger,
	}
}

// Generate performs a single non-streaming request with failover routing.
func (p *Provider) Generate(ctx context.Context, req *StreamRequest) (*Response, error) {
	if err := ValidateMessages(req.Messages); err != nil {
		return nil, err
	}
	wireReq := p.buildRequest(req, p.selectModel(req, nil))
	return p.create(ctx, wireReq)
}

// StreamEvents runs the streaming tool loop and returns the event channel.
// The channel is closed after the final Complete event.
func (p *Provider) StreamEvents(ctx context.Context, req *StreamRequest) (<-chan Event, error) {
	if err := ValidateMessages(req.Messages); err != nil {
		return nil, err
	}

	events := make(chan Event, 64)
	safego.Go(p.logger, "llm-tool-loop", func() {
		defer close(events)
		p.runLoop(ctx, req, events)
	})
	return events, nil
}

// RecoveryProbe returns a probe for the failover controller: a minimal
// request against the primary endpoint.
func (p *Provider) RecoveryProbe() func(ctx context.Context) error {
	return func(ctx context.Context) error {
		probe := &Request{
			Model:     p.opts.ReasoningModel,
			Messages:  []ChatMessage{TextMessage(entity.RoleUser, "ping")},
			MaxTokens: 8,
		}
		_, err := p.primary.CreateMessage(ctx, probe)
		return err
	}
}

func (p *Provider) runLoop(ctx context.Context, req *StreamRequest, events chan<- Event) {
	breaker := NewCircuitBreaker(p.opts.MaxIterations)
	messages := make([]ChatMessage, len(req.Messages))
	copy(messages, req.Messages)

	var lastResponse *Response
	completedRounds := 0

	for {
		wireReq := p.buildRequest(req, p.selectModel(req, lastResponse))
		wireReq.Messages = messages

		resp, err := p.stream(ctx, wireReq, func(delta StreamDelta) {
			if delta.Text != "" {
				events <- Event{Type: EventText, Content: delta.Text}
			}
			if delta.Thinking != "" {
				events <- Event{Type: EventThinking, Content: delta.Thinking}
			}
		})
		if err != nil {
			events <- Event{Type: EventError, Message: err.Error()}
			events <- Event{Type: EventComplete, Response: lastResponse}
			return
		}
		lastResponse = resp

		calls := resp.ToolCalls()
		if resp.StopReason != StopToolUse || len(calls) == 0 {
			events <- Event{Type: EventComplete, Response: resp}
			return
		}

		for _, call := range calls {
			events <- Event{Type: EventToolDetected, ToolName: call.ToolName, ToolID: call.ID}
		}

		if reason, stop := breaker.Check(completedRounds); stop {
			events <- Event{Type: EventCircuitBreaker, Reason: reason}
			events <- Event{Type: EventComplete, Response: resp}
			return
		}

		results := p.executeRound(ctx, calls, breaker, events)
		completedRounds++

		messages = append(messages, ChatMessage{Role: entity.RoleAssistant, Blocks: resp.Blocks})
		messages = append(messages, ChatMessage{Role: entity.RoleUser, Blocks: results})

		if reason, stop := breaker.CheckResults(); stop {
			events <- Event{Type: EventCircuitBreaker, Reason: reason}
			events <- Event{Type: EventComplete, Response: resp}
			return
		}
	}
}

func (p *Provider) executeRound(ctx context.Context, calls []ToolCall, breaker *CircuitBreaker, events chan<- Event) []entity.ContentBlock {
	var results []entity.ContentBlock
	for _, call := range calls {
		events <- Event{
			Type:      EventToolExecuting,
			ToolName:  call.ToolName,
			ToolID:    call.ID,
			Arguments: call.Input,
		}

		output, err := p.executor.Execute(ctx, call.ToolName, call.Input)
		if err != nil {
			p.logger.Warn("Tool execution failed",
				zap.String("tool", call.ToolName),
				zap.Error(err),
			)
			breaker.RecordError(err)
			events <- Event{Type: EventToolError, ToolName: call.ToolName, ToolID: call.ID, Message: err.Error()}
			results = append(results, entity.ContentBlock{
				Type:      entity.BlockToolResult,
				ToolUseID: call.ID,
				Content:   fmt.Sprintf("Error: %v", err),
				IsError:   true,
			})
			continue
		}

		breaker.RecordResult(output)
		events <- Event{Type: EventToolCompleted, ToolName: call.ToolName, ToolID: call.ID, Result: output}
		results = append(results, entity.ContentBlock{
			Type:      entity.BlockToolResult,
			ToolUseID: call.ID,
			Content:   output,
		})
	}
	return results
}

// selectModel implements the one-step look-behind: the execution tier is
// used only when the prior response ended in a tool_use whose tool is in
// the simple_tools set.
func (p *Provider) selectModel(req *StreamRequest, last *Response) string {
	if req.ModelOverride != "" {
		return req.ModelOverride
	}
	if last != nil && last.StopReason == StopToolUse {
		calls := last.ToolCalls()
		if len(calls) > 0 {
			if _, ok := p.simpleTools[calls[len(calls)-1].ToolName]; ok {
				return p.opts.ExecutionModel
			}
		}
	}
	return p.opts.ReasoningModel
}

func (p *Provider) buildRequest(req *StreamRequest, model string) *Request {
	wireReq := &Request{
		Model:       model,
		System:      req.System,
		Messages:    req.Messages,
		Tools:       req.Tools,
		MaxTokens:   p.opts.MaxTokens,
		Temperature: p.opts.Temperature,
		CacheTools:  p.opts.EnablePromptCaching,
	}

	// Thinking only applies to the reasoning tier.
	if model == p.opts.ReasoningModel && p.opts.ExtendedThinking {
		enabled := true
		if req.ThinkingEnabled != nil {
			enabled = *req.ThinkingEnabled
		}
		if enabled {
			budget := p.opts.ThinkingBudget
			if req.ThinkingBudget != nil && *req.ThinkingBudget > 0 {
				budget = *req.ThinkingBudget
			}
			wireReq.ThinkingBudget = budget
			// Extended thinking requires temperature 1.0.
			wireReq.Temperature = 1.0
		}
	}
	return wireReq
}

func (p *Provider) create(ctx context.Context, req *Request) (*Response, error) {
	if p.failover.Active() && p.emergency != nil {
		return p.emergency.CreateMessage(ctx, p.emergencyRequest(req))
	}
	resp, err := p.primary.CreateMessage(ctx, req)
	if err != nil && isFailoverTrigger(err) && p.emergency != nil {
		p.failover.Activate()
		return p.emergency.CreateMessage(ctx, p.emergencyRequest(req))
	}
	return resp, err
}

func (p *Provider) stream(ctx context.Context, req *Request, onDelta func(StreamDelta)) (*Response, error) {
	if p.failover.Active() && p.emergency != nil {
		return p.emergency.StreamMessage(ctx, p.emergencyRequest(req), onDelta)
	}
	resp, err := p.primary.StreamMessage(ctx, req, onDelta)
	if err != nil && isFailoverTrigger(err) && p.emergency != nil {
		p.failover.Activate()
		return p.emergency.StreamMessage(ctx, p.emergencyRequest(req), onDelta)
	}
	return resp, err
}

func (p *Provider) emergencyRequest(req *Request) *Request {
	clone := *req
	if p.opts.EmergencyModel != "" {
		clone.Model = p.opts.EmergencyModel
	}
	// The emergency path has no extended thinking.
	clone.ThinkingBudget = 0
	return &clone
}

// SerializeToolInput renders tool arguments deterministically for logging.
func SerializeToolInput(input map[string]any) string {
	data, err := json.Marshal(input)
	if err != nil {
		return fmt.Sprintf("%v", input)
	}
	return string(data)
}
