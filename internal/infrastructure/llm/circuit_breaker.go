package llm

import (
	"bytes"
	"fmt"
)

// CircuitBreaker halts the tool loop on runaway conditions. Tool results
// are tracked in an append-only list; repetition is byte-equality on the
// serialized result.
type CircuitBreaker struct {
	maxIterations int
	results       [][]byte
	lastErr       error
}

// NewCircuitBreaker creates a breaker allowing at most maxIterations tool
// rounds per turn.
func NewCircuitBreaker(maxIterations int) *CircuitBreaker {
	if maxIterations <= 0 {
		maxIterations = 10
	}
	return &CircuitBreaker{maxIterations: maxIterations}
}

// RecordResult appends one serialized tool result.
func (b *CircuitBreaker) RecordResult(result string) {
	b.results = append(b.results, []byte(result))
	b.lastErr = nil
}

// RecordError notes that the last tool execution failed.
func (b *CircuitBreaker) RecordError(err error) {
	b.lastErr = err
}

// Check is consulted before executing another tool round. completedRounds
// is the number of rounds already executed this turn.
func (b *CircuitBreaker) Check(completedRounds int) (string, bool) {
	if reason, stop := b.CheckResults(); stop {
		return reason, true
	}
	if completedRounds >= b.maxIterations {
		return fmt.Sprintf("maximum iterations reached (%d)", b.maxIterations), true
	}
	return "", false
}

// CheckResults is consulted after a tool round, before re-streaming. It
// trips on a failed execution or two consecutive identical results, but
// never on the iteration budget: a round that already ran may still get
// its closing model response.
func (b *CircuitBreaker) CheckResults() (string, bool) {
	if b.lastErr != nil {
		return fmt.Sprintf("Tool error: %v", b.lastErr), true
	}
	if n := len(b.results); n >= 2 && bytes.Equal(b.results[n-1], b.results[n-2]) {
		return "Repeated identical results from tool execution", true
	}
	return "", false
}
