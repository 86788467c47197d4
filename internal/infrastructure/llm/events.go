package llm

// EventType discriminates streaming events.
type EventType string

const (
	EventText           EventType = "text"
	EventThinking       EventType = "thinking"
	EventToolDetected   EventType = "tool_detected"
	EventToolExecuting  EventType = "tool_executing"
	EventToolCompleted  EventType = "tool_completed"
	EventToolError      EventType = "tool_error"
	EventCircuitBreaker EventType = "circuit_breaker"
	EventError          EventType = "error"
	EventComplete       EventType = "complete"
)

// Event is one streaming event from the provider. Complete is always the
// last event on a stream.
type Event struct {
	Type EventType

	// text / thinking
	Content string

	// tool events
	ToolName  string
	ToolID    string
	Arguments map[string]any
	Result    string

	// circuit_breaker
	Reason string

	// error
	Message string

	// complete
	Response *Response
}
