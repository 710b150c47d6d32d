// Package contextbuilder assembles the message list an agentic loop
// runs against for one turn (spec's Context Builder, ~6% of the
// implementation budget): the stable system prompt, the dynamic
// structured/unstructured memory recall blocks, and the session
// transcript, partitioned by how often each piece changes so a
// provider-side prompt cache can reuse the stable prefix across turns.
// This is a distinct concern from internal/sessions' compaction, which
// trims the transcript itself rather than assembling what surrounds
// it.
package contextbuilder

import (
	"context"
	"fmt"
	"strings"

	"github.com/kestrel-ai/kestrel/internal/memory/structured"
	"github.com/kestrel-ai/kestrel/internal/memory/unstructured"
	"github.com/kestrel-ai/kestrel/internal/providers"
	"github.com/kestrel-ai/kestrel/pkg/models"
)

// Tier partitions a turn's assembled blocks by how often their
// content changes, so a provider-side prompt cache can reuse an
// unchanged prefix across turns instead of re-sending it every call.
type Tier int

const (
	// TierStable changes only when persona/config files change — the
	// system prompt.
	TierStable Tier = iota
	// TierRecall changes with consolidation/indexing, not with every
	// turn — the structured and unstructured recall blocks.
	TierRecall
)

// Block is one partitioned segment of the assembled system prompt.
type Block struct {
	Tier Tier
	Text string
}

// Builder assembles the per-turn message list a Loop runs against.
// Either memory store may be nil — memory being disabled or
// unconfigured must never prevent a turn from building a context, it
// just omits that block.
type Builder struct {
	SystemPrompt string
	Structured   *structured.Store
	Unstructured *unstructured.Store
	RecallTopK   int
}

// New builds a Builder. recallTopK <= 0 defaults to 5.
func New(systemPrompt string, structuredStore *structured.Store, unstructuredStore *unstructured.Store, recallTopK int) *Builder {
	if recallTopK <= 0 {
		recallTopK = 5
	}
	return &Builder{SystemPrompt: systemPrompt, Structured: structuredStore, Unstructured: unstructuredStore, RecallTopK: recallTopK}
}

// Build assembles one turn's system prompt (stable persona text plus
// dynamic recall blocks, in cache-tier order) and renders the
// session's transcript as provider messages. query drives unstructured
// recall; it is typically the just-appended user turn's text.
func (b *Builder) Build(ctx context.Context, query string, snap models.StateSnapshot) (string, []providers.Message, error) {
	blocks, err := b.blocks(ctx, query)
	if err != nil {
		return "", nil, err
	}

	history := make([]providers.Message, 0, len(snap.Messages))
	for _, m := range snap.Messages {
		history = append(history, providers.Message{Role: string(m.Role), Content: m.Content})
	}
	return renderSystem(blocks), history, nil
}

func (b *Builder) blocks(ctx context.Context, query string) ([]Block, error) {
	var blocks []Block
	if b.SystemPrompt != "" {
		blocks = append(blocks, Block{Tier: TierStable, Text: b.SystemPrompt})
	}

	if b.Structured != nil {
		text, err := structuredRecallBlock(ctx, b.Structured)
		if err != nil {
			return nil, fmt.Errorf("contextbuilder: structured recall: %w", err)
		}
		if text != "" {
			blocks = append(blocks, Block{Tier: TierRecall, Text: text})
		}
	}

	if b.Unstructured != nil && strings.TrimSpace(query) != "" {
		text, err := b.Unstructured.Recall(ctx, query, b.RecallTopK)
		if err != nil {
			return nil, fmt.Errorf("contextbuilder: unstructured recall: %w", err)
		}
		if text != "" {
			blocks = append(blocks, Block{Tier: TierRecall, Text: text})
		}
	}
	return blocks, nil
}

// structuredRecallBlock surfaces open commitments proactively every
// turn — the one structured signal worth showing unprompted rather
// than waiting for a lookup_facts/get_open_commitments tool call.
func structuredRecallBlock(ctx context.Context, store *structured.Store) (string, error) {
	commitments, err := store.GetOpenCommitments(ctx)
	if err != nil {
		return "", err
	}
	if len(commitments) == 0 {
		return "", nil
	}
	var sb strings.Builder
	sb.WriteString("Open commitments:\n")
	for _, c := range commitments {
		due := "no due date"
		if c.DueAt != nil {
			due = c.DueAt.Format("2006-01-02")
		}
		fmt.Fprintf(&sb, "- (%s) %s\n", due, c.Text)
	}
	return sb.String(), nil
}

// renderSystem concatenates blocks in tier order (stable prefix
// first) so an unchanged leading run of text stays byte-identical
// across turns for a provider's prompt cache to key on.
func renderSystem(blocks []Block) string {
	parts := make([]string, 0, len(blocks))
	for _, blk := range blocks {
		parts = append(parts, blk.Text)
	}
	return strings.Join(parts, "\n\n")
}
