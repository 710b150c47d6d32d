// Package httpchan is a placeholder channels.Adapter for the HTTP
// source: the control API submits InboundMessages and resolves
// replies directly through each message's ResponseFuture, so this
// adapter never actually receives or sends anything itself. It exists
// so the HTTP source has a registered Type() the same as every other
// channel, keeping the channel roster uniform for callers that range
// over all adapters.
package httpchan

import (
	"context"

	"github.com/kestrel-ai/kestrel/internal/channels"
	kmodels "github.com/kestrel-ai/kestrel/pkg/models"
)

// Adapter is a no-op stand-in for the HTTP source.
type Adapter struct{}

// New constructs an Adapter.
func New() *Adapter { return &Adapter{} }

// Type implements channels.Adapter.
func (a *Adapter) Type() kmodels.Source { return kmodels.SourceHTTP }

// Status implements channels.Adapter.
func (a *Adapter) Status() channels.Status { return channels.StatusConnected }

// Start implements channels.Adapter: it blocks until ctx is cancelled,
// since the control API (not this adapter) drives message submission.
func (a *Adapter) Start(ctx context.Context, sink channels.Submitter) error {
	<-ctx.Done()
	return nil
}

// Send implements channels.Adapter. It is never called: channels.Router
// short-circuits HTTP-sourced replies before reaching an adapter.
func (a *Adapter) Send(ctx context.Context, channelID, reply string) error {
	return nil
}

// Disconnect implements channels.Adapter.
func (a *Adapter) Disconnect(ctx context.Context) error { return nil }
