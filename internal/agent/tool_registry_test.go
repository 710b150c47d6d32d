package agent

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

type echoTool struct {
	name   string
	danger DangerClass
}

func (e echoTool) Name() string                 { return e.name }
func (e echoTool) Description() string          { return "echoes input" }
func (e echoTool) InputSchema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (e echoTool) Danger() DangerClass {
	if e.danger == "" {
		return DangerLow
	}
	return e.danger
}
func (e echoTool) Async() bool { return false }
func (e echoTool) Execute(ctx context.Context, input json.RawMessage) (ToolResult, error) {
	return ToolResult{Content: string(input)}, nil
}

func TestRegistryExecuteUnknownTool(t *testing.T) {
	r := NewRegistry()
	res, err := r.Execute(context.Background(), "nope", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.IsError || !strings.Contains(res.Content, "unknown tool") {
		t.Fatalf("expected unknown-tool error result, got %+v", res)
	}
}

func TestRegistryExecuteOversizedInput(t *testing.T) {
	r := NewRegistry()
	r.Register(echoTool{name: "echo"})
	huge := make([]byte, MaxToolParamsSize+1)
	for i := range huge {
		huge[i] = 'a'
	}
	res, err := r.Execute(context.Background(), "echo", huge)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.IsError {
		t.Fatalf("expected oversized input to be rejected")
	}
}

func TestPolicyFilterHidesDangerousTools(t *testing.T) {
	r := NewRegistry()
	r.Register(echoTool{name: "safe"})
	r.Register(echoTool{name: "shell", danger: DangerHigh})

	restrictive := r.FilteredTools(PolicyFilter{AllowDangerous: false})
	if len(restrictive) != 1 || restrictive[0].Name() != "safe" {
		t.Fatalf("expected only safe tool exposed, got %v", restrictive)
	}

	elevated := r.FilteredTools(PolicyFilter{AllowDangerous: true})
	if len(elevated) != 2 {
		t.Fatalf("expected both tools exposed under elevated policy, got %v", elevated)
	}
}
