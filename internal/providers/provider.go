// Package providers defines the LLM completion/embedding interface the
// agentic loop drives, and the error classification used to decide
// whether a failure is retryable, fatal, or a cause for provider
// failover.
package providers

import (
	"context"
)

// Message is one turn in the completion request, role-tagged.
type Message struct {
	Role    string
	Content string
}

// ToolSpec describes one tool the model may call, in JSON Schema form.
type ToolSpec struct {
	Name        string
	Description string
	InputSchema []byte
}

// CompletionRequest is what the agentic loop sends to a provider.
type CompletionRequest struct {
	Model         string
	System        string
	Messages      []Message
	Tools         []ToolSpec
	MaxTokens     int
	ThinkingBudget int
}

// ChunkKind distinguishes the pieces of a streamed completion.
type ChunkKind string

const (
	ChunkText      ChunkKind = "text"
	ChunkToolCall  ChunkKind = "tool_call"
	ChunkUsage     ChunkKind = "usage"
	ChunkStop      ChunkKind = "stop"
)

// CompletionChunk is one piece of a streamed response.
type CompletionChunk struct {
	Kind         ChunkKind
	Text         string
	ToolCallID   string
	ToolName     string
	ToolInput    []byte
	InputTokens  int64
	OutputTokens int64
}

// Provider is the minimal surface the agentic loop needs from an LLM
// backend. Wire-format and SDK details are entirely hidden behind it.
type Provider interface {
	Name() string
	Stream(ctx context.Context, req CompletionRequest) (<-chan CompletionChunk, <-chan error)
}

// EmbeddingProvider produces vector embeddings for memory indexing.
// Implementations must return exactly len(texts) vectors, in order;
// a partial batch failure is a single error, never a short slice.
type EmbeddingProvider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
	MaxBatchSize() int
}
