// Package web implements the web-fetch tool, guarded against SSRF via
// internal/security.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/kestrel-ai/kestrel/internal/agent"
	"github.com/kestrel-ai/kestrel/internal/security"
)

// MaxResponseBytes bounds how much of a fetched body is read.
const MaxResponseBytes = 2 << 20 // 2 MiB

// Tool fetches a URL's body, rejecting any target (including redirect
// hops) that resolves to a private, loopback, or blocked address.
type Tool struct {
	Client *http.Client
}

// NewTool builds a Tool whose transport re-validates every redirect
// hop, not just the initial URL.
func NewTool() Tool {
	client := &http.Client{
		Transport: security.PinnedTransport(nil),
		Timeout:   15 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return fmt.Errorf("too many redirects")
			}
			return nil
		},
	}
	return Tool{Client: client}
}

type fetchInput struct {
	URL string `json:"url"`
}

func (t Tool) Name() string                 { return "fetch_url" }
func (t Tool) Description() string          { return "Fetch the contents of a public URL." }
func (t Tool) InputSchema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"url":{"type":"string"}},"required":["url"]}`)
}
func (t Tool) Danger() agent.DangerClass { return agent.DangerHigh }
func (t Tool) Async() bool     { return false }

func (t Tool) Execute(ctx context.Context, raw json.RawMessage) (agent.ToolResult, error) {
	var in fetchInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return agent.ToolResult{Content: fmt.Sprintf("invalid input: %v", err), IsError: true}, nil
	}

	parsed, err := url.Parse(in.URL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return agent.ToolResult{Content: "only http(s) URLs are permitted", IsError: true}, nil
	}
	if err := security.ValidatePublicHostname(ctx, parsed.Hostname()); err != nil {
		return agent.ToolResult{Content: err.Error(), IsError: true}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, in.URL, nil)
	if err != nil {
		return agent.ToolResult{Content: err.Error(), IsError: true}, nil
	}
	resp, err := t.Client.Do(req)
	if err != nil {
		return agent.ToolResult{Content: err.Error(), IsError: true}, nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBytes))
	if err != nil {
		return agent.ToolResult{Content: err.Error(), IsError: true}, nil
	}
	return agent.ToolResult{Content: string(body)}, nil
}
