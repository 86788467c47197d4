package persistence

import (
	"context"
	"testing"

	"github.com/drammen94/mira-OSS/internal/domain/entity"
	apperrors "github.com/drammen94/mira-OSS/pkg/errors"
)

func seedBlocks(t *testing.T) *MemoryDomainKnowledgeRepository {
	t.Helper()
	repo := NewMemoryDomainKnowledgeRepository()
	ctx := context.Background()

	if err := repo.Create(ctx, &entity.DomainKnowledgeBlock{
		UserID:      "u1",
		Label:       "work",
		CachedValue: "work context",
		Enabled:     true,
	}); err != nil {
		t.Fatalf("create work: %v", err)
	}
	if err := repo.Create(ctx, &entity.DomainKnowledgeBlock{
		UserID:      "u1",
		Label:       "michigan_trip",
		CachedValue: "trip context",
	}); err != nil {
		t.Fatalf("create michigan_trip: %v", err)
	}
	return repo
}

func TestEnableFailsWhileAnotherBlockEnabled(t *testing.T) {
	ctx := context.Background()
	repo := seedBlocks(t)

	err := repo.Enable(ctx, "u1", "michigan_trip")
	if !apperrors.IsAlreadyExists(err) {
		t.Fatalf("expected already-exists, got %v", err)
	}

	enabled, err := repo.FindEnabled(ctx, "u1")
	if err != nil {
		t.Fatalf("FindEnabled: %v", err)
	}
	if enabled.Label != "work" {
		t.Fatalf("enabled block = %q, want work", enabled.Label)
	}
}

func TestEnableAfterDisableSwitchesBlock(t *testing.T) {
	ctx := context.Background()
	repo := seedBlocks(t)

	if err := repo.Disable(ctx, "u1", "work"); err != nil {
		t.Fatalf("disable work: %v", err)
	}
	if err := repo.Enable(ctx, "u1", "michigan_trip"); err != nil {
		t.Fatalf("enable michigan_trip: %v", err)
	}

	enabled, err := repo.FindEnabled(ctx, "u1")
	if err != nil {
		t.Fatalf("FindEnabled: %v", err)
	}
	if enabled.Label != "michigan_trip" {
		t.Fatalf("enabled block = %q, want michigan_trip", enabled.Label)
	}
}

func TestEnableAlreadyEnabledBlockIsNoop(t *testing.T) {
	ctx := context.Background()
	repo := seedBlocks(t)

	if err := repo.Enable(ctx, "u1", "work"); err != nil {
		t.Fatalf("re-enable work: %v", err)
	}
	enabled, err := repo.FindEnabled(ctx, "u1")
	if err != nil {
		t.Fatalf("FindEnabled: %v", err)
	}
	if enabled.Label != "work" {
		t.Fatalf("enabled block = %q, want work", enabled.Label)
	}
}

func TestEnableUnknownBlock(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryDomainKnowledgeRepository()

	if err := repo.Enable(ctx, "u1", "missing"); !apperrors.IsNotFound(err) {
		t.Fatalf("expected not-found, got %v", err)
	}
}
