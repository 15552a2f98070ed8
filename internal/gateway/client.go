package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/swarmgate/internal/store"
	"github.com/nextlevelbuilder/swarmgate/internal/swarm"
	"github.com/nextlevelbuilder/swarmgate/pkg/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 << 20 // generous: user messages can carry base64 attachments

	// sendBuffer bounds the per-client outbound queue; overflow closes the
	// socket rather than blocking producers.
	sendBuffer = 512
)

// ReadyPayload is the first frame of the bootstrap sequence.
type ReadyPayload struct {
	Type              string    `json:"type"`
	ServerTime        time.Time `json:"serverTime"`
	SubscribedAgentID string    `json:"subscribedAgentId"`
}

// Client is one WebSocket connection. All writes go through the send
// channel and a single writer goroutine, so events for one agent reach the
// socket in producer order.
type Client struct {
	id     string
	conn   *websocket.Conn
	server *Server

	send chan []byte

	mu                sync.Mutex
	subscribedAgentID string // empty until the first subscribe

	closeOnce sync.Once
	closed    chan struct{}
}

func NewClient(conn *websocket.Conn, server *Server) *Client {
	return &Client{
		id:     uuid.NewString(),
		conn:   conn,
		server: server,
		send:   make(chan []byte, sendBuffer),
		closed: make(chan struct{}),
	}
}

// Run drives the connection: a writer goroutine plus this reader loop.
// Returns when the socket closes. Disconnect only removes the
// subscription; it never mutates agent state.
func (c *Client) Run(ctx context.Context) {
	go c.writePump()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("websocket read failed", "client", c.id, "error", err)
			}
			return
		}
		c.handleCommand(raw)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}

// Close tears the connection down. Idempotent.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
}

func (c *Client) subscription() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribedAgentID
}

func (c *Client) setSubscription(agentID string) {
	c.mu.Lock()
	c.subscribedAgentID = agentID
	c.mu.Unlock()
}

// enqueue serializes a payload onto the send channel. A client that cannot
// drain its buffer is disconnected instead of stalling the producer.
func (c *Client) enqueue(payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Warn("failed to marshal event", "client", c.id, "error", err)
		return
	}
	select {
	case c.send <- data:
	case <-c.closed:
	default:
		slog.Warn("client send buffer full, disconnecting", "client", c.id)
		c.Close()
	}
}

// HandleEvent filters a broadcast event for this client's subscription and
// forwards it. conversation_* events route by agentId; swarm-level events
// go to every subscribed client.
func (c *Client) HandleEvent(event protocol.EventFrame) {
	sub := c.subscription()
	if sub == "" {
		return // not subscribed yet
	}

	if agentID, scoped := eventAgentID(event); scoped {
		if agentID != sub {
			return
		}
		c.enqueue(event.Payload)
		return
	}

	c.enqueue(event.Payload)

	// A deleted subscription target rebinds the socket to a fallback
	// manager and replays the bootstrap sequence.
	if deleted, ok := event.Payload.(swarm.ManagerDeletedPayload); ok {
		if sub == deleted.ManagerID || contains(deleted.TerminatedWorkerIDs, sub) {
			c.rebindAfterDelete()
		}
	}
}

// eventAgentID extracts the subscription routing key from agent-scoped
// payloads.
func eventAgentID(event protocol.EventFrame) (string, bool) {
	switch p := event.Payload.(type) {
	case swarm.ConversationEntry:
		return p.AgentID, true
	case swarm.ConversationResetPayload:
		return p.AgentID, true
	}
	return "", false
}

// rebindAfterDelete picks a preferred fallback manager and re-sends the
// bootstrap sequence.
func (c *Client) rebindAfterDelete() {
	fallback := c.server.swarm.PrimaryManagerID()
	if d, ok := findRunningManager(c.server.swarm); ok {
		fallback = d
	}
	c.setSubscription(fallback)
	c.sendBootstrap(fallback)
	slog.Info("client rebound after manager delete", "client", c.id, "agent", fallback)
}

func findRunningManager(m *swarm.Manager) (string, bool) {
	primary := m.PrimaryManagerID()
	var first string
	for _, d := range m.Descriptors() {
		if d.Role != store.RoleManager || !d.Status.IsRunning() {
			continue
		}
		if d.AgentID == primary {
			return primary, true
		}
		if first == "" {
			first = d.AgentID
		}
	}
	return first, first != ""
}

// sendBootstrap emits the fixed reconnect sequence: ready, agents_snapshot,
// conversation_history, then the last known integration status.
func (c *Client) sendBootstrap(agentID string) {
	c.enqueue(ReadyPayload{
		Type:              protocol.EventReady,
		ServerTime:        time.Now().UTC(),
		SubscribedAgentID: agentID,
	})
	c.enqueue(c.server.swarm.Snapshot())

	history := c.server.swarm.Projector().History(agentID)
	if history == nil {
		history = []swarm.ConversationEntry{}
	}
	c.enqueue(swarm.ConversationHistoryPayload{
		Type:     protocol.EventConversationHistory,
		AgentID:  agentID,
		Messages: history,
	})

	for _, frame := range c.server.integrationStatusFrames() {
		c.enqueue(frame.Payload)
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
