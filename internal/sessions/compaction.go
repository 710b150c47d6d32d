package sessions

import (
	"context"
	"fmt"
	"time"

	"github.com/kestrel-ai/kestrel/pkg/models"
)

// Summarizer produces a synthetic summary message for the prefix of a
// transcript being compacted away. Implementations call an LLM; a
// degenerate Summarizer that just truncates is fine for tests.
type Summarizer interface {
	Summarize(ctx context.Context, messages []models.Message) (string, error)
}

// CompactionConfig controls when and how a session's transcript is
// compacted. Two independent fractions of the context window gate two
// different actions (spec §4.2 "two thresholds"): WarnFraction sets a
// pending, user-visible warning without touching the transcript;
// TriggerFraction performs the actual compaction. WarnFraction must be
// lower than TriggerFraction so the warning has a chance to be seen
// before compaction forces the issue.
type CompactionConfig struct {
	Enabled bool

	// WindowTokens is the provider profile's context window; both
	// fractions below are taken against it.
	WindowTokens    int
	WarnFraction    float64
	TriggerFraction float64

	// KeepLastN messages are never folded into the summary, regardless
	// of size.
	KeepLastN int

	// PreserveSystemMessages keeps all Role==system messages out of the
	// compacted prefix.
	PreserveSystemMessages bool
}

// DefaultCompactionConfig warns at 60% of the active profile's window
// and compacts at 80%, always keeping the last 10 messages intact.
func DefaultCompactionConfig(windowTokens int) CompactionConfig {
	return CompactionConfig{
		Enabled:                true,
		WindowTokens:           windowTokens,
		WarnFraction:           0.6,
		TriggerFraction:        0.8,
		KeepLastN:              10,
		PreserveSystemMessages: true,
	}
}

// Compactor folds the oldest prefix of a transcript that exceeds the
// configured fraction of the context window into one synthetic
// assistant summary message.
type Compactor struct {
	config     CompactionConfig
	summarizer Summarizer
}

// NewCompactor builds a Compactor. summarizer may be nil, in which case
// Compact falls back to a deterministic truncation summary (used by
// tests and as a safe default if the LLM call itself fails).
func NewCompactor(config CompactionConfig, summarizer Summarizer) *Compactor {
	return &Compactor{config: config, summarizer: summarizer}
}

// estimateTokens is a cheap, provider-agnostic sizing heuristic (~4
// characters per token) used ONLY to decide *when* to trigger
// compaction before an authoritative usage figure is available from
// the provider response; billed/accounted token counts always come
// from the provider's own usage report, never from this estimate.
func estimateTokens(messages []models.Message) int {
	total := 0
	for _, m := range messages {
		total += len(m.Content) / 4
		for _, tr := range m.ToolResults {
			total += len(tr.Content) / 4
		}
	}
	return total
}

// ShouldCompact reports whether snap's transcript has grown past the
// configured hard trigger fraction of the context window.
func (c *Compactor) ShouldCompact(snap models.StateSnapshot) bool {
	if c == nil || !c.config.Enabled || c.config.WindowTokens <= 0 {
		return false
	}
	if len(snap.Messages) <= c.config.KeepLastN {
		return false
	}
	threshold := int(float64(c.config.WindowTokens) * c.config.TriggerFraction)
	return estimateTokens(snap.Messages) > threshold
}

// ShouldWarn reports whether snap's transcript has crossed the soft
// warn fraction of the context window. Callers only act on this when no
// warning is already pending and compaction hasn't just fired for the
// same message (ShouldCompact takes priority when both are true).
func (c *Compactor) ShouldWarn(snap models.StateSnapshot) bool {
	if c == nil || !c.config.Enabled || c.config.WindowTokens <= 0 || c.config.WarnFraction <= 0 {
		return false
	}
	threshold := int(float64(c.config.WindowTokens) * c.config.WarnFraction)
	return estimateTokens(snap.Messages) > threshold
}

// PendingWarning builds the text set as a session's pending_system_warning
// when ShouldWarn fires. The wording is persona-opaque per spec's open
// questions — any sufficiently clear instruction to the model satisfies
// the contract, so this is plain operator-facing language, not a
// templated persona string.
func PendingWarning(snap models.StateSnapshot) string {
	return fmt.Sprintf("context window is filling (%d messages); persist anything important soon, earlier turns may be summarized", len(snap.Messages))
}

// Compact replaces the oldest prefix of snap.Messages (everything
// before the last KeepLastN, minus any preserved system messages) with
// a single synthetic assistant message summarizing it.
func (c *Compactor) Compact(ctx context.Context, snap models.StateSnapshot) (models.StateSnapshot, error) {
	if len(snap.Messages) <= c.config.KeepLastN {
		return snap, nil
	}
	splitIdx := len(snap.Messages) - c.config.KeepLastN

	var toFold, kept []models.Message
	for i, m := range snap.Messages {
		if i < splitIdx && !(c.config.PreserveSystemMessages && m.Role == models.RoleSystem) {
			toFold = append(toFold, m)
		} else {
			kept = append(kept, m)
		}
	}
	if len(toFold) == 0 {
		return snap, nil
	}

	var summaryText string
	var err error
	if c.summarizer != nil {
		summaryText, err = c.summarizer.Summarize(ctx, toFold)
	}
	if c.summarizer == nil || err != nil {
		summaryText = fallbackSummary(toFold)
	}

	summary := models.Message{
		ID:        fmt.Sprintf("compaction-%d", snap.CompactedCount+1),
		SessionID: snap.SessionID,
		Role:      models.RoleAssistant,
		Content:   summaryText,
		CreatedAt: time.Now(),
	}

	snap.Messages = append([]models.Message{summary}, kept...)
	snap.CompactedCount++
	return snap, nil
}

func fallbackSummary(messages []models.Message) string {
	if len(messages) == 0 {
		return "(no prior context)"
	}
	return fmt.Sprintf("[compacted %d earlier messages; summary unavailable, fell back to truncation]", len(messages))
}
