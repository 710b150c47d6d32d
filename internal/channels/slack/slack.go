// Package slack adapts github.com/slack-go/slack's Socket Mode client
// to the channels.Adapter contract.
package slack

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/kestrel-ai/kestrel/internal/channels"
	kmodels "github.com/kestrel-ai/kestrel/pkg/models"
)

// Adapter bridges a Slack app's Socket Mode connection to the
// orchestrator.
type Adapter struct {
	botToken string
	appToken string
	api      *slack.Client
	client   *socketmode.Client
	status   atomic.Value // channels.Status
}

// New constructs an Adapter from a bot token (xoxb-...) and an
// app-level token (xapp-...) used for Socket Mode.
func New(botToken, appToken string) *Adapter {
	a := &Adapter{botToken: botToken, appToken: appToken}
	a.status.Store(channels.StatusDisconnected)
	return a
}

// Type implements channels.Adapter.
func (a *Adapter) Type() kmodels.Source { return kmodels.SourceSlack }

// Status implements channels.Adapter.
func (a *Adapter) Status() channels.Status {
	return a.status.Load().(channels.Status)
}

// Start implements channels.Adapter: it opens a Socket Mode connection
// and blocks until ctx is cancelled.
func (a *Adapter) Start(ctx context.Context, sink channels.Submitter) error {
	a.status.Store(channels.StatusConnecting)

	api := slack.New(a.botToken, slack.OptionAppLevelToken(a.appToken))
	client := socketmode.New(api)
	a.api = api
	a.client = client

	go func() {
		for evt := range client.Events {
			switch evt.Type {
			case socketmode.EventTypeConnecting, socketmode.EventTypeConnected:
				a.status.Store(channels.StatusConnected)
			case socketmode.EventTypeConnectionError:
				a.status.Store(channels.StatusError)
			case socketmode.EventTypeEventsAPI:
				apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
				if !ok {
					continue
				}
				client.Ack(*evt.Request)
				a.handleEvent(apiEvent, sink)
			}
		}
	}()

	err := client.RunContext(ctx)
	a.status.Store(channels.StatusDisconnected)
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("slack: socket mode run: %w", err)
	}
	return nil
}

func (a *Adapter) handleEvent(apiEvent slackevents.EventsAPIEvent, sink channels.Submitter) {
	inner, ok := apiEvent.InnerEvent.Data.(*slackevents.MessageEvent)
	if !ok || inner.BotID != "" || inner.SubType != "" {
		return
	}
	sink.Submit(kmodels.InboundMessage{
		ID:         inner.ClientMsgID,
		SenderID:   inner.User,
		Source:     kmodels.SourceSlack,
		ChannelID:  inner.Channel,
		Text:       inner.Text,
		ReceivedAt: time.Now(),
	})
}

// Send implements channels.Adapter.
func (a *Adapter) Send(ctx context.Context, channelID, reply string) error {
	if a.api == nil {
		return fmt.Errorf("slack: adapter not started")
	}
	_, _, err := a.api.PostMessageContext(ctx, channelID, slack.MsgOptionText(reply, false))
	if err != nil {
		return fmt.Errorf("slack: post message: %w", err)
	}
	return nil
}

// Disconnect implements channels.Adapter.
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.status.Store(channels.StatusDisconnected)
	return nil
}
