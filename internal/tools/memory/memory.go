// Package memory exposes the memory subsystem's query-time operations
// (spec §4.4) as agent tools: resolving a surface-form mention to a
// canonical entity, listing its facts, recalling unstructured chunks,
// searching episodes, and listing open commitments. Every tool here is
// read-only against the structured/unstructured stores — consolidation
// (the write path) is driven by internal/memory/consolidate, never by
// a model-invoked tool call.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kestrel-ai/kestrel/internal/agent"
	"github.com/kestrel-ai/kestrel/internal/memory/structured"
	"github.com/kestrel-ai/kestrel/internal/memory/unstructured"
)

// ResolveEntityTool follows an alias to its canonical entity id.
type ResolveEntityTool struct {
	Store *structured.Store
}

type resolveEntityInput struct {
	Alias string `json:"alias"`
}

func (t ResolveEntityTool) Name() string        { return "resolve_entity" }
func (t ResolveEntityTool) Description() string { return "Resolve a name or mention to its canonical entity id." }
func (t ResolveEntityTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"alias":{"type":"string"}},"required":["alias"]}`)
}
func (t ResolveEntityTool) Danger() agent.DangerClass { return agent.DangerLow }
func (t ResolveEntityTool) Async() bool               { return false }

func (t ResolveEntityTool) Execute(ctx context.Context, raw json.RawMessage) (agent.ToolResult, error) {
	var in resolveEntityInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return agent.ToolResult{Content: fmt.Sprintf("invalid input: %v", err), IsError: true}, nil
	}
	entityID, err := t.Store.ResolveEntity(ctx, in.Alias)
	if err != nil {
		return agent.ToolResult{Content: err.Error(), IsError: true}, nil
	}
	return agent.ToolResult{Content: entityID}, nil
}

// LookupFactsTool returns every currently-valid fact for a (resolved)
// entity, resolving the supplied alias first so callers never need to
// call resolve_entity themselves first.
type LookupFactsTool struct {
	Store *structured.Store
}

type lookupFactsInput struct {
	Entity string `json:"entity"`
}

func (t LookupFactsTool) Name() string        { return "lookup_facts" }
func (t LookupFactsTool) Description() string { return "List known facts about an entity or mention." }
func (t LookupFactsTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"entity":{"type":"string"}},"required":["entity"]}`)
}
func (t LookupFactsTool) Danger() agent.DangerClass { return agent.DangerLow }
func (t LookupFactsTool) Async() bool               { return false }

func (t LookupFactsTool) Execute(ctx context.Context, raw json.RawMessage) (agent.ToolResult, error) {
	var in lookupFactsInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return agent.ToolResult{Content: fmt.Sprintf("invalid input: %v", err), IsError: true}, nil
	}
	entityID, err := t.Store.ResolveEntity(ctx, in.Entity)
	if err != nil {
		return agent.ToolResult{Content: err.Error(), IsError: true}, nil
	}
	facts, err := t.Store.FactsForEntity(ctx, entityID)
	if err != nil {
		return agent.ToolResult{Content: err.Error(), IsError: true}, nil
	}
	if len(facts) == 0 {
		return agent.ToolResult{Content: fmt.Sprintf("no known facts for %q", entityID)}, nil
	}
	var b strings.Builder
	for _, f := range facts {
		fmt.Fprintf(&b, "- %s.%s = %s (confidence %.2f)\n", f.Entity, f.Attribute, f.Value, f.Confidence)
	}
	return agent.ToolResult{Content: b.String()}, nil
}

// RecallTool performs hybrid (FTS5 + vector) recall over the
// unstructured chunk index, returning the literal
// "[Memory loaded: N] [Dropped: M]" footer the spec requires so the
// model can tell when recall was truncated.
type RecallTool struct {
	Store *unstructured.Store
	// TopK bounds how many chunks a single recall call returns.
	TopK int
}

type recallInput struct {
	Query string `json:"query"`
}

func (t RecallTool) Name() string        { return "recall_memory" }
func (t RecallTool) Description() string { return "Recall relevant stored workspace text for a query." }
func (t RecallTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"}},"required":["query"]}`)
}
func (t RecallTool) Danger() agent.DangerClass { return agent.DangerLow }
func (t RecallTool) Async() bool               { return false }

func (t RecallTool) Execute(ctx context.Context, raw json.RawMessage) (agent.ToolResult, error) {
	var in recallInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return agent.ToolResult{Content: fmt.Sprintf("invalid input: %v", err), IsError: true}, nil
	}
	k := t.TopK
	if k <= 0 {
		k = 5
	}
	text, err := t.Store.Recall(ctx, in.Query, k)
	if err != nil {
		return agent.ToolResult{Content: err.Error(), IsError: true}, nil
	}
	if text == "" {
		return agent.ToolResult{Content: "[Memory loaded: 0] [Dropped: 0]"}, nil
	}
	return agent.ToolResult{Content: text}, nil
}

// SearchEpisodesTool lists past consolidated episodes matching a
// keyword.
type SearchEpisodesTool struct {
	Store *structured.Store
}

type searchEpisodesInput struct {
	Query string `json:"query"`
}

func (t SearchEpisodesTool) Name() string        { return "search_episodes" }
func (t SearchEpisodesTool) Description() string { return "Search summarized past episodes by keyword." }
func (t SearchEpisodesTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"}},"required":["query"]}`)
}
func (t SearchEpisodesTool) Danger() agent.DangerClass { return agent.DangerLow }
func (t SearchEpisodesTool) Async() bool               { return false }

func (t SearchEpisodesTool) Execute(ctx context.Context, raw json.RawMessage) (agent.ToolResult, error) {
	var in searchEpisodesInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return agent.ToolResult{Content: fmt.Sprintf("invalid input: %v", err), IsError: true}, nil
	}
	episodes, err := t.Store.SearchEpisodes(ctx, in.Query, 10)
	if err != nil {
		return agent.ToolResult{Content: err.Error(), IsError: true}, nil
	}
	if len(episodes) == 0 {
		return agent.ToolResult{Content: "no matching episodes"}, nil
	}
	var b strings.Builder
	for _, e := range episodes {
		fmt.Fprintf(&b, "- [%s] %s\n", e.OccurredAt.Format("2006-01-02"), e.Summary)
	}
	return agent.ToolResult{Content: b.String()}, nil
}

// OpenCommitmentsTool lists every unfulfilled commitment.
type OpenCommitmentsTool struct {
	Store *structured.Store
}

func (t OpenCommitmentsTool) Name() string        { return "get_open_commitments" }
func (t OpenCommitmentsTool) Description() string { return "List unfulfilled commitments, most urgent first." }
func (t OpenCommitmentsTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{}}`)
}
func (t OpenCommitmentsTool) Danger() agent.DangerClass { return agent.DangerLow }
func (t OpenCommitmentsTool) Async() bool               { return false }

func (t OpenCommitmentsTool) Execute(ctx context.Context, raw json.RawMessage) (agent.ToolResult, error) {
	commitments, err := t.Store.GetOpenCommitments(ctx)
	if err != nil {
		return agent.ToolResult{Content: err.Error(), IsError: true}, nil
	}
	if len(commitments) == 0 {
		return agent.ToolResult{Content: "no open commitments"}, nil
	}
	var b strings.Builder
	for _, c := range commitments {
		due := "no due date"
		if c.DueAt != nil {
			due = c.DueAt.Format("2006-01-02")
		}
		fmt.Fprintf(&b, "- (%s) %s\n", due, c.Text)
	}
	return agent.ToolResult{Content: b.String()}, nil
}
