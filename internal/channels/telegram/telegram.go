// Package telegram adapts github.com/go-telegram/bot's long-polling
// client to the channels.Adapter contract.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	tgbot "github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/kestrel-ai/kestrel/internal/channels"
	kmodels "github.com/kestrel-ai/kestrel/pkg/models"
)

// Adapter bridges a Telegram bot to the orchestrator.
type Adapter struct {
	token  string
	bot    *tgbot.Bot
	status atomic.Value // channels.Status
}

// New constructs an Adapter for the given bot token. The underlying
// bot.Bot is created lazily in Start, since it requires the sink
// callback to be wired into its update handler.
func New(token string) *Adapter {
	a := &Adapter{token: token}
	a.status.Store(channels.StatusDisconnected)
	return a
}

// Type implements channels.Adapter.
func (a *Adapter) Type() kmodels.Source { return kmodels.SourceTelegram }

// Status implements channels.Adapter.
func (a *Adapter) Status() channels.Status {
	return a.status.Load().(channels.Status)
}

// Start implements channels.Adapter: it begins long-polling and blocks
// until ctx is cancelled.
func (a *Adapter) Start(ctx context.Context, sink channels.Submitter) error {
	a.status.Store(channels.StatusConnecting)

	handler := func(ctx context.Context, b *tgbot.Bot, update *models.Update) {
		if update.Message == nil || update.Message.From == nil {
			return
		}
		msg := update.Message
		in := kmodels.InboundMessage{
			ID:         strconv.Itoa(msg.ID),
			SenderID:   strconv.FormatInt(msg.From.ID, 10),
			Source:     kmodels.SourceTelegram,
			ChannelID:  strconv.FormatInt(msg.Chat.ID, 10),
			Text:       msg.Text,
			ReceivedAt: time.Now(),
		}
		if msg.ReplyToMessage != nil {
			in.QuotedText = msg.ReplyToMessage.Text
		}
		sink.Submit(in)
	}

	b, err := tgbot.New(a.token, tgbot.WithDefaultHandler(handler))
	if err != nil {
		a.status.Store(channels.StatusError)
		return fmt.Errorf("telegram: init bot: %w", err)
	}
	a.bot = b
	a.status.Store(channels.StatusConnected)

	b.Start(ctx)
	a.status.Store(channels.StatusDisconnected)
	return nil
}

// Send implements channels.Adapter.
func (a *Adapter) Send(ctx context.Context, channelID, reply string) error {
	if a.bot == nil {
		return fmt.Errorf("telegram: adapter not started")
	}
	chatID, err := strconv.ParseInt(channelID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid chat id %q: %w", channelID, err)
	}
	_, err = a.bot.SendMessage(ctx, &tgbot.SendMessageParams{
		ChatID: chatID,
		Text:   reply,
	})
	if err != nil {
		return fmt.Errorf("telegram: send message: %w", err)
	}
	return nil
}

// Disconnect implements channels.Adapter. go-telegram/bot's Start
// already exits cleanly on context cancellation, so Disconnect is a
// no-op kept for interface symmetry.
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.status.Store(channels.StatusDisconnected)
	return nil
}
