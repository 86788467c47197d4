package eventbus

import (
	"errors"
	"testing"

	"go.uber.org/zap"

	apperrors "github.com/drammen94/mira-OSS/pkg/errors"
)

type testEvent struct {
	BaseEvent
}

func newTestEvent(eventType string) *testEvent {
	return &testEvent{BaseEvent: NewBaseEvent(eventType, "cont-1")}
}

func TestPublishInvokesHandlersInRegistrationOrder(t *testing.T) {
	bus := NewBus(zap.NewNop())

	var order []int
	for i := 0; i < 3; i++ {
		i := i
		bus.Subscribe("turn_completed", func(Event) error {
			order = append(order, i)
			return nil
		})
	}

	bus.Publish(newTestEvent("turn_completed"))

	if len(order) != 3 {
		t.Fatalf("expected 3 handler invocations, got %d", len(order))
	}
	for i, got := range order {
		if got != i {
			t.Errorf("handler %d ran at position %d", got, i)
		}
	}
}

func TestPublishIsSynchronous(t *testing.T) {
	bus := NewBus(zap.NewNop())

	fired := false
	bus.Subscribe("compose", func(Event) error {
		fired = true
		return nil
	})

	bus.Publish(newTestEvent("compose"))

	// Side effects must be visible to the publisher without synchronization.
	if !fired {
		t.Fatal("handler did not run before Publish returned")
	}
}

func TestHandlerFailureDoesNotAbortOthers(t *testing.T) {
	bus := NewBus(zap.NewNop())

	var ran []string
	bus.Subscribe("update", func(Event) error {
		ran = append(ran, "a")
		return errors.New("boom")
	})
	bus.Subscribe("update", func(Event) error {
		ran = append(ran, "b")
		return apperrors.NewInvalidInputError("bad payload")
	})
	bus.Subscribe("update", func(Event) error {
		ran = append(ran, "c")
		return nil
	})

	bus.Publish(newTestEvent("update"))

	if len(ran) != 3 {
		t.Fatalf("expected all handlers to run, got %v", ran)
	}
}

func TestHandlerPanicIsIsolated(t *testing.T) {
	bus := NewBus(zap.NewNop())

	var ran []string
	bus.Subscribe("update", func(Event) error {
		panic("handler bug")
	})
	bus.Subscribe("update", func(Event) error {
		ran = append(ran, "after")
		return nil
	})

	bus.Publish(newTestEvent("update"))

	if len(ran) != 1 {
		t.Fatalf("expected handler after panic to run, got %v", ran)
	}
}

func TestPublishWithoutSubscribersIsNoop(t *testing.T) {
	bus := NewBus(zap.NewNop())
	bus.Publish(newTestEvent("nobody_listens"))
}

func TestEventsCarryUniqueIDs(t *testing.T) {
	a := NewBaseEvent("x", "c1")
	b := NewBaseEvent("x", "c1")
	if a.EventID == b.EventID {
		t.Fatal("expected unique event ids")
	}
	if a.EventContinuumID != "c1" {
		t.Fatalf("continuum id = %q", a.EventContinuumID)
	}
}
