package structured

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/kestrel-ai/kestrel/pkg/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(context.Background(), filepath.Join(dir, "memory.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAliasResolvableImmediatelyAfterConsolidation(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	batch := ConsolidationBatch{
		Aliases: []models.EntityAlias{{Alias: "Bob", EntityID: "entity:bob-1", AddedAt: time.Now()}},
		Facts: []models.Fact{{
			Entity: "entity:bob-1", Attribute: "favorite_color", Value: "green",
			Confidence: 0.9, CreatedAt: time.Now(),
		}},
	}
	if err := s.ApplyConsolidation(ctx, batch); err != nil {
		t.Fatalf("apply consolidation: %v", err)
	}

	entityID, err := s.ResolveEntity(ctx, "Bob")
	if err != nil {
		t.Fatalf("resolve entity: %v", err)
	}
	if entityID != "entity:bob-1" {
		t.Fatalf("expected alias to resolve, got %q", entityID)
	}

	facts, err := s.FactsForEntity(ctx, entityID)
	if err != nil {
		t.Fatalf("facts for entity: %v", err)
	}
	if len(facts) != 1 || facts[0].Value != "green" {
		t.Fatalf("expected one resolvable fact, got %+v", facts)
	}
}

func TestFactUpsertInvalidatesPriorValue(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	first := ConsolidationBatch{Facts: []models.Fact{{Entity: "entity:x", Attribute: "city", Value: "Austin", CreatedAt: time.Now()}}}
	if err := s.ApplyConsolidation(ctx, first); err != nil {
		t.Fatalf("apply first: %v", err)
	}
	second := ConsolidationBatch{Facts: []models.Fact{{Entity: "entity:x", Attribute: "city", Value: "Denver", CreatedAt: time.Now()}}}
	if err := s.ApplyConsolidation(ctx, second); err != nil {
		t.Fatalf("apply second: %v", err)
	}

	facts, err := s.FactsForEntity(ctx, "entity:x")
	if err != nil {
		t.Fatalf("facts for entity: %v", err)
	}
	if len(facts) != 1 || facts[0].Value != "Denver" {
		t.Fatalf("expected only current value to be valid, got %+v", facts)
	}
}

func TestConsolidationCursorIdempotent(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if seq, err := s.ConsolidationCursor(ctx); err != nil || seq != "" {
		t.Fatalf("expected empty cursor initially, got %q err %v", seq, err)
	}
	if err := s.SetConsolidationCursor(ctx, "session-1:42"); err != nil {
		t.Fatalf("set cursor: %v", err)
	}
	seq, err := s.ConsolidationCursor(ctx)
	if err != nil || seq != "session-1:42" {
		t.Fatalf("expected cursor to persist, got %q err %v", seq, err)
	}
}
