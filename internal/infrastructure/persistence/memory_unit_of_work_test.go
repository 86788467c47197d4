package persistence

import (
	"context"
	"testing"

	"github.com/drammen94/mira-OSS/internal/domain/entity"
	"github.com/drammen94/mira-OSS/internal/domain/repository"
	apperrors "github.com/drammen94/mira-OSS/pkg/errors"
)

func newUoWFixture() (*MemoryUnitOfWorkFactory, *MemoryMessageRepository, *MemoryRetrievalLogRepository, *entity.Continuum) {
	messages := NewMemoryMessageRepository()
	continuums := NewMemoryContinuumRepository()
	logs := NewMemoryRetrievalLogRepository()
	factory := NewMemoryUnitOfWorkFactory(messages, continuums, logs)
	continuum := entity.NewContinuum("u1")
	return factory, messages, logs, continuum
}

func TestUnitOfWorkCommitWritesEverything(t *testing.T) {
	factory, messages, logs, continuum := newUoWFixture()
	ctx := context.Background()

	uow := factory.Begin(continuum)
	user := entity.NewTextMessage(entity.RoleUser, "hello")
	assistant := entity.NewTextMessage(entity.RoleAssistant, "hi there")
	uow.AddMessages(user, assistant)
	uow.MarkMetadataUpdated()
	uow.SetRetrievalLog(&repository.RetrievalLogEntry{
		ContinuumID: continuum.ID,
		RawQuery:    "hello",
		Fingerprint: "greeting, opening",
		SurfacedIDs: []string{"m1", "m2"},
	})

	if err := uow.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	stored, err := messages.FindRecent(ctx, continuum.ID, 10)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(stored) != 2 {
		t.Fatalf("messages = %d", len(stored))
	}
	if stored[0].Role != entity.RoleUser || stored[1].Role != entity.RoleAssistant {
		t.Fatalf("order = %s, %s", stored[0].Role, stored[1].Role)
	}

	entries, err := logs.FindByContinuum(ctx, continuum.ID, 10)
	if err != nil {
		t.Fatalf("log: %v", err)
	}
	if len(entries) != 1 || len(entries[0].SurfacedIDs) != 2 {
		t.Fatalf("entries = %+v", entries)
	}
}

func TestUnitOfWorkCommitRequiresMessagePair(t *testing.T) {
	factory, _, _, continuum := newUoWFixture()
	uow := factory.Begin(continuum)
	if err := uow.Commit(context.Background()); !apperrors.IsInvalidInput(err) {
		t.Fatalf("err = %v", err)
	}
}

func TestUnitOfWorkDoubleCommitRejected(t *testing.T) {
	factory, _, _, continuum := newUoWFixture()
	uow := factory.Begin(continuum)
	uow.AddMessages(entity.NewTextMessage(entity.RoleUser, "a"), entity.NewTextMessage(entity.RoleAssistant, "b"))
	if err := uow.Commit(context.Background()); err != nil {
		t.Fatalf("first commit: %v", err)
	}
	if err := uow.Commit(context.Background()); err == nil {
		t.Fatal("second commit succeeded")
	}
}

func TestFailedCommitLeavesStoreUnchanged(t *testing.T) {
	factory, messages, logs, continuum := newUoWFixture()
	factory.FailCommit = true
	ctx := context.Background()

	snapshot := continuum.Snapshot()
	continuum.AddUserMessage([]entity.ContentBlock{entity.TextBlock("hello")})
	continuum.AddAssistantMessage("hi", entity.MessageMetadata{})

	uow := factory.Begin(continuum)
	uow.AddMessages(entity.NewTextMessage(entity.RoleUser, "hello"), entity.NewTextMessage(entity.RoleAssistant, "hi"))
	if err := uow.Commit(ctx); err == nil {
		t.Fatal("commit succeeded")
	}

	// Store untouched; caller rolls the cache back.
	stored, _ := messages.FindRecent(ctx, continuum.ID, 10)
	if len(stored) != 0 {
		t.Fatalf("messages persisted on failure: %d", len(stored))
	}
	entries, _ := logs.FindByContinuum(ctx, continuum.ID, 10)
	if len(entries) != 0 {
		t.Fatalf("log persisted on failure: %d", len(entries))
	}

	continuum.Restore(snapshot)
	if len(continuum.Messages) != 0 {
		t.Fatalf("cache not rolled back: %d messages", len(continuum.Messages))
	}
}
