// Package discord adapts github.com/bwmarrin/discordgo's gateway
// session to the channels.Adapter contract.
package discord

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/kestrel-ai/kestrel/internal/channels"
	kmodels "github.com/kestrel-ai/kestrel/pkg/models"
)

// Adapter bridges a Discord bot session to the orchestrator.
type Adapter struct {
	token   string
	session *discordgo.Session
	status  atomic.Value // channels.Status
	selfID  string
}

// New constructs an Adapter for the given bot token.
func New(token string) *Adapter {
	a := &Adapter{token: token}
	a.status.Store(channels.StatusDisconnected)
	return a
}

// Type implements channels.Adapter.
func (a *Adapter) Type() kmodels.Source { return kmodels.SourceDiscord }

// Status implements channels.Adapter.
func (a *Adapter) Status() channels.Status {
	return a.status.Load().(channels.Status)
}

// Start implements channels.Adapter: it opens the gateway connection
// and blocks until ctx is cancelled.
func (a *Adapter) Start(ctx context.Context, sink channels.Submitter) error {
	a.status.Store(channels.StatusConnecting)

	sess, err := discordgo.New("Bot " + a.token)
	if err != nil {
		a.status.Store(channels.StatusError)
		return fmt.Errorf("discord: new session: %w", err)
	}
	sess.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages

	sess.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil || m.Author.Bot {
			return
		}
		in := kmodels.InboundMessage{
			ID:         m.ID,
			SenderID:   m.Author.ID,
			Source:     kmodels.SourceDiscord,
			ChannelID:  m.ChannelID,
			Text:       m.Content,
			ReceivedAt: time.Now(),
		}
		if m.MessageReference != nil && m.ReferencedMessage != nil {
			in.QuotedText = m.ReferencedMessage.Content
		}
		sink.Submit(in)
	})

	if err := sess.Open(); err != nil {
		a.status.Store(channels.StatusError)
		return fmt.Errorf("discord: open gateway: %w", err)
	}
	a.session = sess
	if sess.State != nil && sess.State.User != nil {
		a.selfID = sess.State.User.ID
	}
	a.status.Store(channels.StatusConnected)

	<-ctx.Done()
	a.status.Store(channels.StatusDisconnected)
	return sess.Close()
}

// Send implements channels.Adapter.
func (a *Adapter) Send(ctx context.Context, channelID, reply string) error {
	if a.session == nil {
		return fmt.Errorf("discord: adapter not started")
	}
	_, err := a.session.ChannelMessageSend(channelID, reply)
	if err != nil {
		return fmt.Errorf("discord: send message: %w", err)
	}
	return nil
}

// Disconnect implements channels.Adapter.
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.status.Store(channels.StatusDisconnected)
	if a.session == nil {
		return nil
	}
	return a.session.Close()
}
