// Package system implements the internal, non-delivering channel for
// system-sourced messages, such as the notifications the control API's
// /notify endpoint injects into a session, without ever producing
// outward traffic: orchestrator.ShouldRoute always suppresses delivery
// for system-sourced replies.
package system

import (
	"context"

	"github.com/kestrel-ai/kestrel/internal/channels"
	kmodels "github.com/kestrel-ai/kestrel/pkg/models"
)

// Adapter never receives external traffic; system messages are
// submitted directly to the orchestrator (the control API's /notify
// handler does this) rather than through Start.
type Adapter struct{}

// New constructs a system Adapter.
func New() *Adapter { return &Adapter{} }

// Type implements channels.Adapter.
func (a *Adapter) Type() kmodels.Source { return kmodels.SourceSystem }

// Status implements channels.Adapter.
func (a *Adapter) Status() channels.Status { return channels.StatusConnected }

// Start implements channels.Adapter: it blocks until ctx is cancelled,
// since system messages are submitted directly, not through the
// adapter.
func (a *Adapter) Start(ctx context.Context, sink channels.Submitter) error {
	<-ctx.Done()
	return nil
}

// Send implements channels.Adapter. It is never called: system-sourced
// replies are never routed outward.
func (a *Adapter) Send(ctx context.Context, channelID, reply string) error {
	return nil
}

// Disconnect implements channels.Adapter.
func (a *Adapter) Disconnect(ctx context.Context) error { return nil }
