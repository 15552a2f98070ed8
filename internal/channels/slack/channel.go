// Package slack connects the swarm to Slack over Socket Mode.
package slack

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/nextlevelbuilder/swarmgate/internal/channels"
	"github.com/nextlevelbuilder/swarmgate/internal/config"
	"github.com/nextlevelbuilder/swarmgate/internal/swarm"
)

// Channel is the Slack adapter.
type Channel struct {
	api    *slack.Client
	socket *socketmode.Client
	sink   channels.Sink
	dedupe *channels.Dedupe

	botUserID string
	running   atomic.Bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates the adapter. Requires an app-level token (xapp-…) for Socket
// Mode plus the bot token (xoxb-…).
func New(cfg config.SlackConfig, sink channels.Sink) (*Channel, error) {
	if cfg.AppToken == "" || cfg.BotToken == "" {
		return nil, fmt.Errorf("slack: both app token and bot token are required")
	}
	api := slack.New(cfg.BotToken, slack.OptionAppLevelToken(cfg.AppToken))
	return &Channel{
		api:    api,
		socket: socketmode.New(api),
		sink:   sink,
		dedupe: channels.NewDedupe(channels.DefaultDedupeTTL),
	}, nil
}

func (c *Channel) Name() string    { return swarm.ChannelSlack }
func (c *Channel) IsRunning() bool { return c.running.Load() }

// Start opens the Socket Mode connection and begins consuming events.
func (c *Channel) Start(ctx context.Context) error {
	auth, err := c.api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack: auth test: %w", err)
	}
	c.botUserID = auth.UserID

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.running.Store(true)
	slog.Info("slack connected", "bot_user", auth.UserID, "team", auth.Team)

	go func() {
		if err := c.socket.RunContext(runCtx); err != nil && runCtx.Err() == nil {
			slog.Error("slack socket mode stopped", "error", err)
		}
		c.running.Store(false)
	}()

	go func() {
		defer close(c.done)
		for {
			select {
			case <-runCtx.Done():
				return
			case evt, ok := <-c.socket.Events:
				if !ok {
					return
				}
				c.handleEvent(evt)
			}
		}
	}()
	return nil
}

// Stop closes the socket connection.
func (c *Channel) Stop(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	c.running.Store(false)
	if c.done != nil {
		select {
		case <-c.done:
		case <-ctx.Done():
		}
	}
	return nil
}

// Send posts an outbound reply, threading when the source carried a
// thread timestamp.
func (c *Channel) Send(ctx context.Context, msg channels.OutboundMessage) error {
	opts := []slack.MsgOption{slack.MsgOptionText(msg.Text, false)}
	if msg.ThreadTS != "" {
		opts = append(opts, slack.MsgOptionTS(msg.ThreadTS))
	}
	if _, _, err := c.api.PostMessageContext(ctx, msg.ChannelID, opts...); err != nil {
		return fmt.Errorf("slack: post message: %w", err)
	}
	return nil
}

func (c *Channel) handleEvent(evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeEventsAPI:
		if evt.Request != nil {
			c.socket.Ack(*evt.Request)
		}
		apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		c.handleEventsAPI(apiEvent)
	case socketmode.EventTypeConnectionError:
		slog.Warn("slack connection error", "data", evt.Data)
	}
}

func (c *Channel) handleEventsAPI(apiEvent slackevents.EventsAPIEvent) {
	if apiEvent.Type != slackevents.CallbackEvent {
		return
	}

	switch ev := apiEvent.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		// Ignore our own messages and edits/joins.
		if ev.User == "" || ev.User == c.botUserID || ev.SubType != "" {
			return
		}
		// Dedupe key: type:channel:ts (Slack retries deliver the same ts).
		key := fmt.Sprintf("%s:%s:%s", ev.Type, ev.Channel, ev.TimeStamp)
		if c.dedupe.Seen(key) {
			return
		}

		channelType := "channel"
		switch ev.ChannelType {
		case "im":
			channelType = "dm"
		case "group":
			channelType = "group"
		case "mpim":
			channelType = "mpim"
		}

		err := c.sink.HandleUserMessage(ev.Text, swarm.UserMessageOptions{
			SourceContext: &swarm.SourceContext{
				Channel:     swarm.ChannelSlack,
				ChannelID:   ev.Channel,
				UserID:      ev.User,
				ThreadTS:    ev.ThreadTimeStamp,
				ChannelType: channelType,
				TeamID:      apiEvent.TeamID,
			},
		})
		if err != nil {
			slog.Warn("slack inbound delivery failed", "error", err)
		}
	}
}
