// Package cli implements a local stdin/stdout channels.Adapter, used
// for interactive testing without any external messaging provider.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/kestrel-ai/kestrel/internal/channels"
	kmodels "github.com/kestrel-ai/kestrel/pkg/models"
)

// SenderID is the fixed sender identity for the local CLI session;
// there is exactly one operator at the keyboard.
const SenderID = "local"

// Adapter reads lines from in and writes replies to out.
type Adapter struct {
	in     io.Reader
	out    io.Writer
	status atomic.Value // channels.Status
}

// New builds a CLI Adapter over the given reader/writer.
func New(in io.Reader, out io.Writer) *Adapter {
	a := &Adapter{in: in, out: out}
	a.status.Store(channels.StatusDisconnected)
	return a
}

// Type implements channels.Adapter.
func (a *Adapter) Type() kmodels.Source { return kmodels.SourceCLI }

// Status implements channels.Adapter.
func (a *Adapter) Status() channels.Status {
	return a.status.Load().(channels.Status)
}

// Start implements channels.Adapter: it reads one line at a time until
// ctx is cancelled or the input stream ends.
func (a *Adapter) Start(ctx context.Context, sink channels.Submitter) error {
	a.status.Store(channels.StatusConnected)
	defer a.status.Store(channels.StatusDisconnected)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(a.in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if line == "" {
				continue
			}
			sink.Submit(kmodels.InboundMessage{
				ID:         fmt.Sprintf("cli-%d", time.Now().UnixNano()),
				SenderID:   SenderID,
				Source:     kmodels.SourceCLI,
				ChannelID:  SenderID,
				Text:       line,
				ReceivedAt: time.Now(),
			})
		}
	}
}

// Send implements channels.Adapter by writing reply to stdout.
func (a *Adapter) Send(ctx context.Context, channelID, reply string) error {
	_, err := fmt.Fprintln(a.out, reply)
	return err
}

// Disconnect implements channels.Adapter.
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.status.Store(channels.StatusDisconnected)
	return nil
}
