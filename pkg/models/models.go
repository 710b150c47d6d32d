// Package models defines the shared entities that flow between the
// orchestrator, session manager, agentic loop, and memory subsystem.
package models

import (
	"encoding/json"
	"time"
)

// Source identifies where an InboundMessage originated.
type Source string

const (
	SourceTelegram Source = "telegram"
	SourceDiscord  Source = "discord"
	SourceSlack    Source = "slack"
	SourceHTTP     Source = "http"
	SourceCLI      Source = "cli"
	SourceSystem   Source = "system"
)

// Role distinguishes who authored a message within a session transcript.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Attachment is a piece of non-text content attached to an InboundMessage
// or an assistant reply.
type Attachment struct {
	ID       string `json:"id"`
	Kind     string `json:"kind"` // image, audio, document
	URL      string `json:"url,omitempty"`
	Data     []byte `json:"data,omitempty"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size"`
	// ExtractedText holds the post-processing result: OCR/transcription
	// text, or a placeholder when the attachment exceeded processing
	// limits.
	ExtractedText string `json:"extracted_text,omitempty"`
	Oversized     bool   `json:"oversized,omitempty"`
}

// ResponseFuture lets an HTTP-sourced InboundMessage block for a reply
// instead of relying on channel delivery.
type ResponseFuture struct {
	ch chan InboundReply
}

// InboundReply is the value resolved into a ResponseFuture.
type InboundReply struct {
	Text string
	Err  error
}

// NewResponseFuture creates a single-resolution future.
func NewResponseFuture() *ResponseFuture {
	return &ResponseFuture{ch: make(chan InboundReply, 1)}
}

// Resolve completes the future exactly once; subsequent calls are no-ops.
func (f *ResponseFuture) Resolve(reply InboundReply) {
	if f == nil {
		return
	}
	select {
	case f.ch <- reply:
	default:
	}
}

// Wait blocks until the future resolves or the context is cancelled.
func (f *ResponseFuture) Wait(done <-chan struct{}) (InboundReply, bool) {
	select {
	case r := <-f.ch:
		return r, true
	case <-done:
		return InboundReply{}, false
	}
}

// InboundMessage is a single unit of work delivered to the orchestrator.
type InboundMessage struct {
	ID          string            `json:"id"`
	SenderID    string            `json:"sender_id"`
	Source      Source            `json:"source"`
	ChannelID   string            `json:"channel_id"`
	Text        string            `json:"text"`
	QuotedText  string            `json:"quoted_text,omitempty"`
	Attachments []Attachment      `json:"attachments,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	ReceivedAt  time.Time         `json:"received_at"`

	// Future is non-nil only for Source == SourceHTTP requests that
	// need a synchronous reply.
	Future *ResponseFuture `json:"-"`
}

// MaxQuoteLength is the hard cap applied to QuotedText before it is
// folded into the LLM prompt.
const MaxQuoteLength = 200

// ToolCall is a single tool invocation requested by the assistant.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult is the outcome of executing a ToolCall.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error"`
}

// Message is a single transcript entry persisted to a session.
type Message struct {
	ID          string       `json:"id"`
	SessionID   string       `json:"session_id"`
	Role        Role         `json:"role"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// Session is the addressable unit of conversational state, keyed by sender.
type Session struct {
	ID        string            `json:"id"`
	SenderID  string            `json:"sender_id"`
	Source    Source            `json:"source"`
	Title     string            `json:"title,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	ClosedAt  *time.Time        `json:"closed_at,omitempty"`
}

// EventKind enumerates the append-only event log entry types.
type EventKind string

const (
	EventMessageAppended EventKind = "message_appended"
	EventCompacted       EventKind = "compacted"
	EventSessionOpened   EventKind = "session_opened"
	EventSessionClosed   EventKind = "session_closed"
	EventWarningSet      EventKind = "warning_set"
	EventWarningCleared  EventKind = "warning_cleared"
)

// Event is a single append-only record in a session's event log.
type Event struct {
	Seq       uint64          `json:"seq"`
	SessionID string          `json:"session_id"`
	Kind      EventKind       `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// StateSnapshot is the atomically-written materialized view of a
// session: the transcript plus bookkeeping needed to resume processing
// without replaying the entire event log.
type StateSnapshot struct {
	SessionID      string    `json:"session_id"`
	LastEventSeq   uint64    `json:"last_event_seq"`
	Messages       []Message `json:"messages"`
	Warning        string    `json:"warning,omitempty"`
	TotalCostUSD   float64   `json:"total_cost_usd"`
	CompactedCount int       `json:"compacted_count"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Chunk is a unit of the unstructured memory index: a span of workspace
// text with its embedding vector.
type Chunk struct {
	ID        string    `json:"id"`
	Source    string    `json:"source"` // file path or logical source
	Text      string    `json:"text"`
	Embedding []float32 `json:"embedding,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Fact is a structured (entity, attribute, value) memory record.
type Fact struct {
	ID         string    `json:"id"`
	Entity     string    `json:"entity"` // canonical entity id
	Attribute  string    `json:"attribute"`
	Value      string    `json:"value"`
	Confidence float64   `json:"confidence"`
	SourceText string    `json:"source_text,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	Invalid    bool      `json:"invalid"`
}

// Episode is a summarized, time-bound event extracted during consolidation.
type Episode struct {
	ID          string    `json:"id"`
	Summary     string    `json:"summary"`
	OccurredAt  time.Time `json:"occurred_at"`
	RelatedFact []string  `json:"related_facts,omitempty"`
}

// Commitment is a tracked promise or follow-up extracted from a
// conversation.
type Commitment struct {
	ID        string     `json:"id"`
	Text      string     `json:"text"`
	DueAt     *time.Time `json:"due_at,omitempty"`
	Fulfilled bool       `json:"fulfilled"`
	CreatedAt time.Time  `json:"created_at"`
}

// EntityAlias maps a surface-form mention onto a canonical entity id.
// Aliases must be inserted before any Fact referencing their entity id
// (see memory/structured consolidation ordering).
type EntityAlias struct {
	Alias    string    `json:"alias"`
	EntityID string    `json:"entity_id"`
	AddedAt  time.Time `json:"added_at"`
}

// CostRecord is one append-only line in the cost ledger.
type CostRecord struct {
	SessionID    string    `json:"session_id"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	Timestamp    time.Time `json:"timestamp"`
}

// ProviderProfile describes one addressable LLM backend configuration.
type ProviderProfile struct {
	Name             string  `json:"name" yaml:"name"`
	Provider         string  `json:"provider" yaml:"provider"` // e.g. "anthropic"
	Model            string  `json:"model" yaml:"model"`
	ContextWindow    int     `json:"context_window" yaml:"context_window"`
	MaxOutputTokens  int     `json:"max_output_tokens" yaml:"max_output_tokens"`
	InputCostPerMTok float64 `json:"input_cost_per_mtok" yaml:"input_cost_per_mtok"`
	OutputCostPerMTok float64 `json:"output_cost_per_mtok" yaml:"output_cost_per_mtok"`
}
