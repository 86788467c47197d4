package eventbus

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/drammen94/mira-OSS/pkg/errors"
)

// Event is the interface all bus events implement.
type Event interface {
	Type() string
	ID() string
	ContinuumID() string
	Timestamp() time.Time
}

// BaseEvent provides the common event fields. Concrete events embed it.
type BaseEvent struct {
	EventType        string
	EventID          string
	EventContinuumID string
	EventTimestamp   time.Time
}

func (e *BaseEvent) Type() string         { return e.EventType }
func (e *BaseEvent) ID() string           { return e.EventID }
func (e *BaseEvent) ContinuumID() string  { return e.EventContinuumID }
func (e *BaseEvent) Timestamp() time.Time { return e.EventTimestamp }

// NewBaseEvent creates the embedded base for a concrete event.
func NewBaseEvent(eventType, continuumID string) BaseEvent {
	return BaseEvent{
		EventType:        eventType,
		EventID:          uuid.NewString(),
		EventContinuumID: continuumID,
		EventTimestamp:   time.Now(),
	}
}

// Handler processes one event. A returned error is logged and isolated;
// it never aborts delivery to the remaining handlers.
type Handler func(event Event) error

// Bus is an in-process synchronous publish/subscribe bus. Publish invokes
// every subscribed handler on the calling goroutine, in registration order.
// The orchestration pipeline depends on this: a publisher observes all
// handler side effects once Publish returns.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	logger   *zap.Logger
}

// NewBus creates a synchronous event bus.
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		handlers: make(map[string][]Handler),
		logger:   logger,
	}
}

// Subscribe registers a handler for an event type.
func (b *Bus) Subscribe(eventType string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)

	b.logger.Debug("Handler subscribed", zap.String("event_type", eventType))
}

// Publish delivers the event to every subscribed handler in registration
// order. Each handler runs in an isolated frame: a panic or returned error
// is logged with its category and the next handler still runs.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers[event.Type()]))
	copy(handlers, b.handlers[event.Type()])
	b.mu.RUnlock()

	for _, handler := range handlers {
		b.invoke(handler, event)
	}
}

func (b *Bus) invoke(handler Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event handler panicked",
				zap.String("event_type", event.Type()),
				zap.String("event_id", event.ID()),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
		}
	}()

	if err := handler(event); err != nil {
		b.logger.Error("Event handler failed",
			zap.String("event_type", event.Type()),
			zap.String("event_id", event.ID()),
			zap.String("continuum_id", event.ContinuumID()),
			zap.String("error_category", string(apperrors.Categorize(err))),
			zap.Error(err),
		)
	}
}
