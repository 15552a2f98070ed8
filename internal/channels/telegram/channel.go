// Package telegram connects the swarm to Telegram via the Bot API using
// long polling.
package telegram

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/swarmgate/internal/channels"
	"github.com/nextlevelbuilder/swarmgate/internal/config"
	"github.com/nextlevelbuilder/swarmgate/internal/swarm"
)

// Channel is the Telegram adapter.
type Channel struct {
	bot     *telego.Bot
	cfg     config.TelegramConfig
	sink    channels.Sink
	dedupe  *channels.Dedupe
	allowed map[string]bool

	running    atomic.Bool
	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New creates the adapter from config.
func New(cfg config.TelegramConfig, sink channels.Sink) (*Channel, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("telegram: create bot: %w", err)
	}
	allowed := make(map[string]bool, len(cfg.AllowedUserIDs))
	for _, id := range cfg.AllowedUserIDs {
		allowed[id] = true
	}
	return &Channel{
		bot:     bot,
		cfg:     cfg,
		sink:    sink,
		dedupe:  channels.NewDedupe(channels.DefaultDedupeTTL),
		allowed: allowed,
	}, nil
}

func (c *Channel) Name() string    { return swarm.ChannelTelegram }
func (c *Channel) IsRunning() bool { return c.running.Load() }

// Start begins long polling for updates.
func (c *Channel) Start(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("telegram: start long polling: %w", err)
	}

	c.running.Store(true)
	slog.Info("telegram bot connected", "username", c.bot.Username())

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil {
					c.handleMessage(pollCtx, update)
				}
			}
		}
	}()
	return nil
}

// Stop cancels polling and waits for the poll goroutine to exit.
func (c *Channel) Stop(ctx context.Context) error {
	if c.pollCancel != nil {
		c.pollCancel()
	}
	c.running.Store(false)
	if c.pollDone != nil {
		select {
		case <-c.pollDone:
		case <-ctx.Done():
		}
	}
	return nil
}

// Send delivers an outbound reply to a chat.
func (c *Channel) Send(ctx context.Context, msg channels.OutboundMessage) error {
	chatID, err := strconv.ParseInt(msg.ChannelID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: bad chat id %q: %w", msg.ChannelID, err)
	}
	_, err = c.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), msg.Text))
	if err != nil {
		return fmt.Errorf("telegram: send: %w", err)
	}
	return nil
}

// handleMessage normalizes one inbound update and hands it to the swarm.
func (c *Channel) handleMessage(ctx context.Context, update telego.Update) {
	msg := update.Message

	if c.dedupe.Seen(fmt.Sprintf("telegram:update:%d", update.UpdateID)) {
		return
	}

	senderID := ""
	if msg.From != nil {
		senderID = strconv.FormatInt(msg.From.ID, 10)
	}
	if len(c.allowed) > 0 && !c.allowed[senderID] {
		slog.Debug("telegram message from unlisted sender dropped", "sender", senderID)
		return
	}

	text := msg.Text
	if text == "" {
		text = msg.Caption
	}

	var attachments []swarm.Attachment
	if len(msg.Photo) > 0 {
		if att, err := c.downloadPhoto(ctx, msg.Photo); err != nil {
			slog.Warn("telegram photo download failed", "error", err)
		} else {
			attachments = append(attachments, att)
		}
	}

	channelType := "dm"
	if msg.Chat.Type != telego.ChatTypePrivate {
		channelType = "group"
	}

	err := c.sink.HandleUserMessage(text, swarm.UserMessageOptions{
		Attachments: attachments,
		SourceContext: &swarm.SourceContext{
			Channel:     swarm.ChannelTelegram,
			ChannelID:   strconv.FormatInt(msg.Chat.ID, 10),
			UserID:      senderID,
			ChannelType: channelType,
		},
	})
	if err != nil {
		slog.Warn("telegram inbound delivery failed", "error", err)
	}
}

// downloadPhoto fetches the largest size of a photo and wraps it as an
// image attachment.
func (c *Channel) downloadPhoto(ctx context.Context, sizes []telego.PhotoSize) (swarm.Attachment, error) {
	largest := sizes[len(sizes)-1]
	file, err := c.bot.GetFile(ctx, &telego.GetFileParams{FileID: largest.FileID})
	if err != nil {
		return swarm.Attachment{}, fmt.Errorf("get file: %w", err)
	}

	downloadURL := fmt.Sprintf("https://api.telegram.org/file/bot%s/%s", c.cfg.Token, file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return swarm.Attachment{}, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return swarm.Attachment{}, fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return swarm.Attachment{}, fmt.Errorf("download: HTTP %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 20<<20))
	if err != nil {
		return swarm.Attachment{}, err
	}

	return swarm.Attachment{
		Type:     swarm.AttachmentImage,
		MimeType: "image/jpeg",
		Data:     base64.StdEncoding.EncodeToString(data),
		FileName: fmt.Sprintf("photo-%s.jpg", largest.FileUniqueID),
	}, nil
}
