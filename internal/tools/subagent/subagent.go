// Package subagent implements sub-agent spawning as a bounded tool
// boundary: a spawned agent gets only the tools the caller names,
// minus spawn_subagent and any Denylist entry. That filtering happens
// inside Execute, before the names reach the Spawner; the agent
// Registry itself applies no sub-agent deny-list.
package subagent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kestrel-ai/kestrel/internal/agent"
)

// Spawner runs a bounded sub-turn of the agentic loop against a tool
// subset. It is injected so the tool itself stays free of loop
// internals.
type Spawner interface {
	SpawnAndRun(ctx context.Context, task string, allowedTools []string) (string, error)
}

// Tool is the sub-agent-spawn tool exposed to the top-level loop.
type Tool struct {
	Spawner Spawner
	// Denylist names tools a spawned sub-agent may never receive, even
	// if the top-level caller asks for them. "spawn_subagent" itself is
	// always removed (no recursive spawning); nothing else is denied
	// unless it is listed here.
	Denylist map[string]bool
}

type spawnInput struct {
	Task         string   `json:"task"`
	AllowedTools []string `json:"allowed_tools"`
}

func (t Tool) Name() string                 { return "spawn_subagent" }
func (t Tool) Description() string          { return "Delegate a bounded sub-task to a fresh agent instance." }
func (t Tool) InputSchema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"task":{"type":"string"},"allowed_tools":{"type":"array","items":{"type":"string"}}},"required":["task"]}`)
}
func (t Tool) Danger() agent.DangerClass { return agent.DangerHigh }
func (t Tool) Async() bool     { return false }

func (t Tool) Execute(ctx context.Context, raw json.RawMessage) (agent.ToolResult, error) {
	var in spawnInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return agent.ToolResult{Content: fmt.Sprintf("invalid input: %v", err), IsError: true}, nil
	}

	allowed := t.filterDenied(in.AllowedTools)
	if len(allowed) == 0 {
		return agent.ToolResult{Content: "no permitted tools remain after applying the sub-agent deny-list", IsError: true}, nil
	}

	out, err := t.Spawner.SpawnAndRun(ctx, in.Task, allowed)
	if err != nil {
		return agent.ToolResult{Content: err.Error(), IsError: true}, nil
	}
	return agent.ToolResult{Content: out}, nil
}

// filterDenied removes "spawn_subagent" (no recursive spawning) and
// anything in Denylist from requested, regardless of what the caller
// asked for.
func (t Tool) filterDenied(requested []string) []string {
	out := make([]string, 0, len(requested))
	for _, name := range requested {
		if name == "spawn_subagent" {
			continue
		}
		if t.Denylist != nil && t.Denylist[name] {
			continue
		}
		out = append(out, name)
	}
	return out
}
