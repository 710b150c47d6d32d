// Package orchestrator implements the message pipeline that sits
// between channel adapters and the agentic loop: debouncing inbound
// messages per sender, truncating quoted text, injecting/clearing
// session warnings, and deciding whether a reply should actually be
// delivered.
package orchestrator

import (
	"strings"

	"github.com/kestrel-ai/kestrel/pkg/models"
)

// DefaultSilenceToken is the literal reply text that suppresses
// delivery without suppressing persistence: the assistant's turn is
// still recorded in the session transcript, but no channel send
// happens.
const DefaultSilenceToken = "<no-reply>"

// TruncateQuote caps a quoted-message string at
// models.MaxQuoteLength characters, appending an ellipsis marker when
// truncated so the model can tell the quote was cut.
func TruncateQuote(quote string) string {
	runes := []rune(quote)
	if len(runes) <= models.MaxQuoteLength {
		return quote
	}
	return string(runes[:models.MaxQuoteLength]) + "…"
}

// IsSilent reports whether reply is exactly the configured silence
// token (after trimming whitespace), meaning it should be persisted
// but not delivered.
func IsSilent(reply, silenceToken string) bool {
	if silenceToken == "" {
		silenceToken = DefaultSilenceToken
	}
	return strings.TrimSpace(reply) == silenceToken
}

// ShouldRoute decides whether a reply should be delivered back out
// over the originating channel at all. System-sourced messages never
// get routed outward (they carry notifications injected through the
// control API's /notify, not a user awaiting a reply); every other
// source routes normally unless the reply is silent.
func ShouldRoute(source models.Source, reply string, silenceToken string) bool {
	if source == models.SourceSystem {
		return false
	}
	return !IsSilent(reply, silenceToken)
}

// PrependWarning places a session's pending warning (if any) ahead of
// the outgoing user message text. Per spec's warning-injection
// mechanism the warning rides along with the next user turn's content
// itself — never the system prompt, never a separate turn — so it is
// seen exactly once, by the same call that clears the pending flag.
func PrependWarning(warning, text string) string {
	if warning == "" {
		return text
	}
	return warning + "\n\n" + text
}

// ShouldAutoClose reports whether a system-sourced session with no
// further activity should be closed immediately after processing,
// since system sessions have no user to keep a conversation open for.
func ShouldAutoClose(source models.Source) bool {
	return source == models.SourceSystem
}
