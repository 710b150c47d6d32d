// Package agent implements the agentic tool-use loop: a turn-by-turn
// drive of a Provider that interleaves streamed text with tool calls,
// enforcing cost/turn ceilings and dispatching tools in parallel.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// MaxToolNameLength and MaxToolParamsSize bound a single tool call's
// shape before it is ever looked up or executed, closing off a whole
// class of resource-exhaustion and lookup-confusion bugs cheaply.
const (
	MaxToolNameLength = 256
	MaxToolParamsSize  = 10 << 20 // 10 MiB
)

// DangerClass grades how much trust a tool call requires before the
// registry will dispatch it, per the Data Model's danger class ∈
// {critical, high, medium, low}.
type DangerClass string

const (
	DangerCritical DangerClass = "critical"
	DangerHigh     DangerClass = "high"
	DangerMedium   DangerClass = "medium"
	DangerLow      DangerClass = "low"
)

// Tool is one capability exposed to the model. Handlers never see a
// dynamically dispatched type — the registry is a closed, code-defined
// map (invariant I3: tool dispatch is pure, no reflection, no
// dynamically loaded code).
type Tool interface {
	Name() string
	Description() string
	InputSchema() json.RawMessage
	Execute(ctx context.Context, input json.RawMessage) (ToolResult, error)
	// Danger classifies the tool (shell, web fetch, sub-agent spawn, ...)
	// so a PolicyFilter can gate anything above DangerLow behind explicit
	// approval unless the caller runs in an elevated policy.
	Danger() DangerClass
	// Async reports whether the tool declares itself asynchronous. The
	// loop does not consult it: every Execute call is awaited before the
	// turn continues, and there is no job store for deferred results.
	Async() bool
}

// ToolResult is the normalized outcome handed back to the loop.
type ToolResult struct {
	Content string
	IsError bool
}

// Registry is a concurrency-safe, map-lookup-only tool dispatch table.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds tool under its own name, replacing any existing
// registration with that name.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

// Get looks up a tool by exact name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Execute validates then dispatches a single tool call. It never
// panics on malformed input — oversized or unknown calls come back as
// an error ToolResult so the model sees a correctable failure instead
// of the turn aborting.
func (r *Registry) Execute(ctx context.Context, name string, input json.RawMessage) (ToolResult, error) {
	if len(name) > MaxToolNameLength {
		return ToolResult{Content: "tool name exceeds maximum length", IsError: true}, nil
	}
	if len(input) > MaxToolParamsSize {
		return ToolResult{Content: "tool input exceeds maximum size", IsError: true}, nil
	}
	tool, ok := r.Get(name)
	if !ok {
		names := r.Names()
		sort.Strings(names)
		return ToolResult{Content: fmt.Sprintf("unknown tool: %s (available: %s)", name, strings.Join(names, ", ")), IsError: true}, nil
	}
	if err := validateToolInput(tool, input); err != nil {
		return ToolResult{Content: fmt.Sprintf("invalid input for %s: %v", name, err), IsError: true}, nil
	}
	return tool.Execute(ctx, input)
}

var toolSchemaCache sync.Map

// validateToolInput compiles and caches a tool's declared input schema
// (per invariant I3, the schema comes from the tool itself, never from
// the model) and checks the call's raw input against it before
// Execute ever sees it.
func validateToolInput(tool Tool, input json.RawMessage) error {
	schema, err := compileToolSchema(tool.Name(), tool.InputSchema())
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	var decoded any
	if err := json.Unmarshal(input, &decoded); err != nil {
		return fmt.Errorf("decode input: %w", err)
	}
	return schema.Validate(decoded)
}

func compileToolSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if cached, ok := toolSchemaCache.Load(name); ok {
		return cached.(*jsonschema.Schema), nil
	}
	compiled, err := jsonschema.CompileString(name+".schema.json", string(raw))
	if err != nil {
		return nil, err
	}
	toolSchemaCache.Store(name, compiled)
	return compiled, nil
}

// Names returns every registered tool's name, for building the
// LLM-facing tool list.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	return out
}

// PolicyFilter narrows which tools are exposed for a given turn, e.g.
// excluding dangerous tools unless the session has been granted
// elevated approval. It is evaluated at dispatch time, not baked into
// the registry, so the same process-wide registry can serve multiple
// policy regimes.
type PolicyFilter struct {
	AllowDangerous bool
	Denylist       map[string]bool
}

// Allowed reports whether tool may be exposed/executed under f. Any
// danger class above DangerLow requires AllowDangerous.
func (f PolicyFilter) Allowed(tool Tool) bool {
	if f.Denylist != nil && f.Denylist[tool.Name()] {
		return false
	}
	if tool.Danger() != DangerLow && !f.AllowDangerous {
		return false
	}
	return true
}

// FilteredTools returns the subset of registered tools f allows.
func (r *Registry) FilteredTools(f PolicyFilter) []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		if f.Allowed(t) {
			out = append(out, t)
		}
	}
	return out
}
