package entity

import (
	"testing"
)

func TestAddUserMessageAppends(t *testing.T) {
	c := NewContinuum("u1")

	msg, events := c.AddUserMessage([]ContentBlock{TextBlock("hello")})
	if msg.Role != RoleUser {
		t.Fatalf("role = %s", msg.Role)
	}
	if len(events) != 0 {
		t.Fatalf("unexpected events: %v", events)
	}
	if len(c.Messages) != 1 {
		t.Fatalf("messages = %d", len(c.Messages))
	}
	if c.TurnNumber() != 1 {
		t.Fatalf("turn = %d", c.TurnNumber())
	}
}

func TestSegmentLimitEvent(t *testing.T) {
	c := NewContinuum("u1")
	c.ActiveSegmentLimit = 4

	var fired []ContinuumEvent
	for i := 0; i < 2; i++ {
		_, ev := c.AddUserMessage([]ContentBlock{TextBlock("q")})
		fired = append(fired, ev...)
		_, ev = c.AddAssistantMessage("a", MessageMetadata{})
		fired = append(fired, ev...)
	}

	if len(fired) != 1 {
		t.Fatalf("expected one segment event, got %d", len(fired))
	}
	if fired[0].Kind != EventSegmentLimitReached {
		t.Fatalf("kind = %s", fired[0].Kind)
	}
}

func TestSnapshotRestore(t *testing.T) {
	c := NewContinuum("u1")
	c.AddUserMessage([]ContentBlock{TextBlock("turn 1")})
	c.AddAssistantMessage("reply 1", MessageMetadata{})
	c.SetLastTouchstone(&Touchstone{Narrative: "n", RelationshipContext: "r", Entities: "e"}, []float32{0.1, 0.2})

	snap := c.Snapshot()

	c.AddUserMessage([]ContentBlock{TextBlock("turn 2")})
	c.AddAssistantMessage("reply 2", MessageMetadata{Emotion: "curious"})
	c.SetLastTouchstone(&Touchstone{Narrative: "n2", RelationshipContext: "r2", Entities: "e2"}, []float32{0.3})

	c.Restore(snap)

	if len(c.Messages) != 2 {
		t.Fatalf("messages after restore = %d", len(c.Messages))
	}
	if c.Metadata.LastTouchstone.Narrative != "n" {
		t.Fatalf("touchstone after restore = %q", c.Metadata.LastTouchstone.Narrative)
	}
	if len(c.Metadata.TouchstoneEmbedding) != 2 {
		t.Fatalf("embedding after restore = %v", c.Metadata.TouchstoneEmbedding)
	}
}

func TestActiveMessagesAfterSessionBoundary(t *testing.T) {
	c := NewContinuum("u1")
	c.Messages = append(c.Messages, NewCollapseMarker())
	summary := NewTextMessage(RoleAssistant, "earlier summary")
	summary.Metadata.Status = StatusCollapsed
	c.Messages = append(c.Messages, summary)
	c.Messages = append(c.Messages, NewSessionBoundary())
	c.AddUserMessage([]ContentBlock{TextBlock("fresh")})

	active := c.ActiveMessages()
	if len(active) != 1 {
		t.Fatalf("active = %d", len(active))
	}
	if active[0].TextContent() != "fresh" {
		t.Fatalf("active[0] = %q", active[0].TextContent())
	}
}

func TestMessageTextHelpers(t *testing.T) {
	msg := NewMessage(RoleUser, []ContentBlock{
		TextBlock("look at this"),
		ImageBlock("image/png", "aGVsbG8="),
	})

	if msg.TextContent() != "look at this" {
		t.Fatalf("text = %q", msg.TextContent())
	}
	if !msg.HasImage() {
		t.Fatal("expected image")
	}

	textOnly := msg.TextOnly()
	if textOnly.HasImage() {
		t.Fatal("TextOnly kept the image block")
	}
	if len(msg.Blocks) != 2 {
		t.Fatal("TextOnly mutated the original")
	}
}

func TestTouchstoneValidate(t *testing.T) {
	cases := []struct {
		name    string
		ts      Touchstone
		wantErr bool
	}{
		{"complete", Touchstone{Narrative: "n", RelationshipContext: "r", Entities: "e"}, false},
		{"missing narrative", Touchstone{RelationshipContext: "r", Entities: "e"}, true},
		{"missing relationship", Touchstone{Narrative: "n", Entities: "e"}, true},
		{"missing entities", Touchstone{Narrative: "n", RelationshipContext: "r"}, true},
		{"whitespace only", Touchstone{Narrative: "  ", RelationshipContext: "r", Entities: "e"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.ts.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr = %v", err, tc.wantErr)
			}
		})
	}
}
