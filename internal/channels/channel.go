// Package channels connects external chat platforms (Telegram, Slack) to
// the swarm. Inbound adapters normalize platform payloads into user
// messages with a SourceContext; outbound dispatch renders
// conversation_message events back onto the originating channel.
package channels

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/swarmgate/internal/bus"
	"github.com/nextlevelbuilder/swarmgate/internal/swarm"
	"github.com/nextlevelbuilder/swarmgate/pkg/protocol"
)

// Sink is where inbound adapters deliver normalized user messages. The
// swarm manager satisfies it.
type Sink interface {
	HandleUserMessage(text string, opts swarm.UserMessageOptions) error
}

// OutboundMessage is a reply routed back to an external channel.
type OutboundMessage struct {
	Channel   string // "telegram" | "slack"
	ChannelID string
	ThreadTS  string
	Text      string
}

// Channel is one platform adapter.
type Channel interface {
	Name() string
	// Start begins receiving. Non-blocking after setup.
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg OutboundMessage) error
	IsRunning() bool
}

// StatusPayload is the wire shape of <channel>_status events.
type StatusPayload struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
	Running bool   `json:"running"`
	Error   string `json:"error,omitempty"`
}

// DefaultDedupeTTL is how long inbound event keys are remembered.
const DefaultDedupeTTL = 30 * time.Minute

// Dedupe is a TTL cache over inbound event keys. Platforms redeliver on
// reconnect; processing a message twice sends duplicate prompts.
type Dedupe struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]time.Time
}

func NewDedupe(ttl time.Duration) *Dedupe {
	if ttl <= 0 {
		ttl = DefaultDedupeTTL
	}
	return &Dedupe{ttl: ttl, entries: make(map[string]time.Time)}
}

// Seen records the key and reports whether it was already present within
// the TTL.
func (d *Dedupe) Seen(key string) bool {
	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()

	if expiry, ok := d.entries[key]; ok && now.Before(expiry) {
		return true
	}
	d.entries[key] = now.Add(d.ttl)

	if len(d.entries)%512 == 0 {
		for k, exp := range d.entries {
			if now.After(exp) {
				delete(d.entries, k)
			}
		}
	}
	return false
}

// Manager starts the enabled adapters and dispatches outbound replies: it
// subscribes to conversation_message events whose sourceContext names a
// non-web channel and renders them on that platform.
type Manager struct {
	pub      bus.Publisher
	channels map[string]Channel
}

func NewManager(pub bus.Publisher) *Manager {
	return &Manager{pub: pub, channels: make(map[string]Channel)}
}

// Register adds an adapter before Start.
func (m *Manager) Register(ch Channel) {
	m.channels[ch.Name()] = ch
}

// Start launches every registered adapter and begins outbound dispatch.
func (m *Manager) Start(ctx context.Context) {
	for name, ch := range m.channels {
		err := ch.Start(ctx)
		if err != nil {
			slog.Error("channel failed to start", "channel", name, "error", err)
		}
		m.emitStatus(name, ch.IsRunning(), err)
	}

	m.pub.Subscribe("channels-outbound", func(event protocol.EventFrame) {
		entry, ok := event.Payload.(swarm.ConversationEntry)
		if !ok || entry.Type != swarm.EntryConversationMessage {
			return
		}
		if entry.Role == "user" || entry.SourceContext == nil {
			return
		}
		sc := entry.SourceContext
		if sc.Channel == swarm.ChannelWeb || sc.ChannelID == "" {
			return
		}
		ch, ok := m.channels[sc.Channel]
		if !ok || !ch.IsRunning() {
			return
		}
		if err := ch.Send(ctx, OutboundMessage{
			Channel:   sc.Channel,
			ChannelID: sc.ChannelID,
			ThreadTS:  sc.ThreadTS,
			Text:      entry.Text,
		}); err != nil {
			slog.Warn("outbound delivery failed", "channel", sc.Channel, "error", err)
		}
	})
}

// Stop shuts every adapter down.
func (m *Manager) Stop(ctx context.Context) {
	m.pub.Unsubscribe("channels-outbound")
	for name, ch := range m.channels {
		if err := ch.Stop(ctx); err != nil {
			slog.Warn("channel stop failed", "channel", name, "error", err)
		}
		m.emitStatus(name, false, nil)
	}
}

func (m *Manager) emitStatus(name string, running bool, err error) {
	payload := StatusPayload{
		Type:    name + "_status",
		Channel: name,
		Running: running,
	}
	if err != nil {
		payload.Error = err.Error()
	}
	m.pub.Broadcast(*protocol.NewEvent(payload.Type, payload))
}
