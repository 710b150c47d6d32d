// Package files implements filesystem tools confined to a workspace
// root via internal/security.Resolver.
package files

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/kestrel-ai/kestrel/internal/agent"
	"github.com/kestrel-ai/kestrel/internal/security"
)

// ReadTool reads a file's contents, confined to the workspace root.
type ReadTool struct {
	Resolver security.Resolver
}

type readInput struct {
	Path string `json:"path"`
}

func (t ReadTool) Name() string                 { return "read_file" }
func (t ReadTool) Description() string          { return "Read a text file within the workspace." }
func (t ReadTool) InputSchema() json.RawMessage { return json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`) }
func (t ReadTool) Danger() agent.DangerClass    { return agent.DangerLow }
func (t ReadTool) Async() bool                  { return false }

func (t ReadTool) Execute(ctx context.Context, raw json.RawMessage) (agent.ToolResult, error) {
	var in readInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return agent.ToolResult{Content: fmt.Sprintf("invalid input: %v", err), IsError: true}, nil
	}
	resolved, err := t.Resolver.Resolve(in.Path)
	if err != nil {
		return agent.ToolResult{Content: err.Error(), IsError: true}, nil
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return agent.ToolResult{Content: err.Error(), IsError: true}, nil
	}
	return agent.ToolResult{Content: string(data)}, nil
}

// WriteTool writes file contents, confined to the workspace root.
type WriteTool struct {
	Resolver security.Resolver
}

type writeInput struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func (t WriteTool) Name() string                 { return "write_file" }
func (t WriteTool) Description() string          { return "Write a text file within the workspace." }
func (t WriteTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"},"content":{"type":"string"}},"required":["path","content"]}`)
}
func (t WriteTool) Danger() agent.DangerClass { return agent.DangerMedium }
func (t WriteTool) Async() bool     { return false }

func (t WriteTool) Execute(ctx context.Context, raw json.RawMessage) (agent.ToolResult, error) {
	var in writeInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return agent.ToolResult{Content: fmt.Sprintf("invalid input: %v", err), IsError: true}, nil
	}
	resolved, err := t.Resolver.Resolve(in.Path)
	if err != nil {
		return agent.ToolResult{Content: err.Error(), IsError: true}, nil
	}
	if err := os.WriteFile(resolved, []byte(in.Content), 0o644); err != nil {
		return agent.ToolResult{Content: err.Error(), IsError: true}, nil
	}
	return agent.ToolResult{Content: "ok"}, nil
}
