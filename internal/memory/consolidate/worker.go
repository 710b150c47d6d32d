// Package consolidate implements the periodic LLM-driven memory
// consolidation job: it reads session transcripts since the last
// cursor, asks an extractor to produce aliases/facts/episodes/
// commitments, and applies them atomically to the structured store.
package consolidate

import (
	"context"
	"fmt"

	"github.com/kestrel-ai/kestrel/internal/memory/structured"
	"github.com/kestrel-ai/kestrel/pkg/models"
)

// Extractor turns a window of transcript messages into a structured
// consolidation batch, typically by prompting an LLM. It must not
// return facts referencing an entity id unless it also returns (or the
// store already has) an alias resolving to that id — the Worker
// enforces ordering at the storage layer regardless, but a well-formed
// extractor keeps both halves of a batch together.
type Extractor interface {
	Extract(ctx context.Context, messages []models.Message) (structured.ConsolidationBatch, error)
}

// SessionSource supplies the transcript window to consolidate.
type SessionSource interface {
	MessagesSince(ctx context.Context, cursor string) (messages []models.Message, newCursor string, err error)
}

// Worker runs one consolidation pass at a time; callers schedule
// repeated calls to Run externally (the spec marks cron scheduling of
// offline jobs out of scope — this worker is a plain function a cron
// entry or manual invocation can call).
type Worker struct {
	store     *structured.Store
	extractor Extractor
	source    SessionSource
}

// New builds a consolidation Worker.
func New(store *structured.Store, extractor Extractor, source SessionSource) *Worker {
	return &Worker{store: store, extractor: extractor, source: source}
}

// Run executes exactly one consolidation pass: fetch everything since
// the last cursor, extract, and apply atomically. Re-running Run with
// no new messages is a no-op (idempotent): the cursor won't advance and
// no new batch is applied.
func (w *Worker) Run(ctx context.Context) error {
	cursor, err := w.store.ConsolidationCursor(ctx)
	if err != nil {
		return fmt.Errorf("consolidate: read cursor: %w", err)
	}

	messages, newCursor, err := w.source.MessagesSince(ctx, cursor)
	if err != nil {
		return fmt.Errorf("consolidate: fetch messages: %w", err)
	}
	if len(messages) == 0 {
		return nil
	}

	batch, err := w.extractor.Extract(ctx, messages)
	if err != nil {
		return fmt.Errorf("consolidate: extract: %w", err)
	}

	if err := w.store.ApplyConsolidation(ctx, batch); err != nil {
		return fmt.Errorf("consolidate: apply: %w", err)
	}
	return w.store.SetConsolidationCursor(ctx, newCursor)
}
