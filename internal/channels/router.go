package channels

import (
	"context"
	"fmt"

	"github.com/kestrel-ai/kestrel/pkg/models"
)

// Router implements orchestrator.Deliverer by dispatching each reply
// to the adapter matching the originating message's Source. HTTP
// replies are delivered via the message's own ResponseFuture and never
// reach an adapter; system-sourced messages never reach here because
// the orchestrator's ShouldRoute suppresses them upstream.
type Router struct {
	adapters map[models.Source]Adapter
}

// NewRouter builds a Router over the given adapters, keyed by Type().
func NewRouter(adapters ...Adapter) *Router {
	r := &Router{adapters: make(map[models.Source]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Type()] = a
	}
	return r
}

// Deliver sends reply out over the adapter matching msg.Source.
func (r *Router) Deliver(ctx context.Context, msg *models.InboundMessage, reply string) error {
	if msg.Source == models.SourceHTTP {
		// HTTP replies complete via the request's ResponseFuture in the
		// control API handler, not through an adapter.
		return nil
	}
	adapter, ok := r.adapters[msg.Source]
	if !ok {
		return fmt.Errorf("channels: no adapter registered for source %q", msg.Source)
	}
	return adapter.Send(ctx, msg.ChannelID, reply)
}

// StartAll starts every adapter concurrently, returning once all have
// returned (normally via ctx cancellation). The first non-nil error is
// returned; others are discarded after being observed.
func StartAll(ctx context.Context, sink Submitter, adapters ...Adapter) error {
	errCh := make(chan error, len(adapters))
	for _, a := range adapters {
		a := a
		go func() { errCh <- a.Start(ctx, sink) }()
	}
	var firstErr error
	for range adapters {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
