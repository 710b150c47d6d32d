// Package channels defines the Adapter contract that every inbound
// transport (Telegram, Discord, Slack, the HTTP control API, a local
// CLI, and the internal system source) implements, and provides the
// concrete adapters themselves.
package channels

import (
	"context"

	"github.com/kestrel-ai/kestrel/pkg/models"
)

// Status describes an adapter's current connection state.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

// Submitter accepts an inbound message for orchestration.
type Submitter interface {
	Submit(msg models.InboundMessage)
}

// Adapter is the contract every channel implements: it receives
// inbound traffic and hands it to a Submitter, sends outbound replies,
// reports its Status, and disconnects cleanly on shutdown.
type Adapter interface {
	// Type identifies the adapter's source, e.g. models.SourceTelegram.
	Type() models.Source

	// Start begins receiving inbound messages, submitting each to sink.
	// Start blocks until ctx is cancelled or a fatal error occurs.
	Start(ctx context.Context, sink Submitter) error

	// Send delivers reply to the channel-specific destination encoded
	// in channelID (chat ID, guild/channel ID, etc).
	Send(ctx context.Context, channelID, reply string) error

	// Status reports the adapter's current connection state.
	Status() Status

	// Disconnect tears the adapter down, releasing any held
	// connections. It is safe to call Disconnect on an adapter that
	// never successfully started.
	Disconnect(ctx context.Context) error
}
