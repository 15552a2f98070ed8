package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/nextlevelbuilder/swarmgate/internal/bus"
	"github.com/nextlevelbuilder/swarmgate/internal/config"
	"github.com/nextlevelbuilder/swarmgate/internal/directories"
	"github.com/nextlevelbuilder/swarmgate/internal/providers"
	"github.com/nextlevelbuilder/swarmgate/internal/runtime"
	"github.com/nextlevelbuilder/swarmgate/internal/store"
	"github.com/nextlevelbuilder/swarmgate/internal/swarm"
	"github.com/nextlevelbuilder/swarmgate/internal/transport"
	"github.com/nextlevelbuilder/swarmgate/pkg/protocol"
)

// nullTransport accepts everything and never streams.
type nullTransport struct{}

func (nullTransport) Prompt(ctx context.Context, text string, images []providers.ImageContent) error {
	return nil
}
func (nullTransport) SendUserMessage(ctx context.Context, parts []transport.MessagePart) error {
	return nil
}
func (nullTransport) Steer(ctx context.Context, text string, images []providers.ImageContent) error {
	return nil
}
func (nullTransport) Compact(ctx context.Context, customInstructions string) error { return nil }
func (nullTransport) Abort()                                                       {}
func (nullTransport) ContextUsage() *transport.ContextUsage                        { return nil }
func (nullTransport) IsStreaming() bool                                            { return false }
func (nullTransport) IsCompacting() bool                                           { return false }
func (nullTransport) Subscribe(fn func(transport.SessionEvent)) func()             { return func() {} }
func (nullTransport) Dispose()                                                     {}

func newTestGateway(t *testing.T) (addr string, sw *swarm.Manager) {
	t.Helper()

	broadcaster := bus.NewBroadcaster()
	agentStore := store.NewAgentStore(t.TempDir(), "boss")

	opts := runtime.DefaultOptions()
	opts.HealthCheckInterval = time.Hour

	sw = swarm.New(swarm.Config{
		PrimaryManagerID: "boss",
		DefaultCwd:       t.TempDir(),
		RuntimeOptions:   opts,
	}, agentStore, broadcaster, func(desc *store.AgentDescriptor, systemPrompt string, tools transport.ToolRunner, toolDefs []providers.ToolDefinition) (transport.SessionTransport, error) {
		return nullTransport{}, nil
	})
	if err := sw.Boot(); err != nil {
		t.Fatalf("Boot: %v", err)
	}

	cfg := config.Default()
	cfg.Gateway.RateLimitRPM = 0 // keep tests deterministic

	server := NewServer(cfg, broadcaster, sw, directories.NewService())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	addr, start := StartTestServer(server, ctx)
	start()
	return addr, sw
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
	ctx  context.Context
}

func dialGateway(t *testing.T, addr string) *wsClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	conn, _, err := websocket.Dial(ctx, "ws://"+addr+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "bye") })
	return &wsClient{t: t, conn: conn, ctx: ctx}
}

func (c *wsClient) send(cmd map[string]any) {
	c.t.Helper()
	data, _ := json.Marshal(cmd)
	if err := c.conn.Write(c.ctx, websocket.MessageText, data); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

// expect reads frames until one of the wanted type arrives, failing on
// error frames unless errors are expected.
func (c *wsClient) expect(wantType string) map[string]any {
	c.t.Helper()
	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			c.t.Fatalf("read while waiting for %s: %v", wantType, err)
		}
		var frame map[string]any
		if err := json.Unmarshal(data, &frame); err != nil {
			c.t.Fatalf("bad frame: %v", err)
		}
		frameType, _ := frame["type"].(string)
		if frameType == wantType {
			return frame
		}
		if frameType == protocol.EventError && wantType != protocol.EventError {
			c.t.Fatalf("unexpected error frame while waiting for %s: %v", wantType, frame)
		}
	}
}

func TestSubscribeBootstrapSequence(t *testing.T) {
	addr, _ := newTestGateway(t)
	c := dialGateway(t, addr)

	c.send(map[string]any{"type": protocol.CmdSubscribe})

	// The bootstrap order is fixed: ready, then snapshot, then history.
	ready := c.expect(protocol.EventReady)
	if ready["subscribedAgentId"] != "boss" {
		t.Errorf("subscribedAgentId = %v, want boss", ready["subscribedAgentId"])
	}
	snapshot := c.expect(protocol.EventAgentsSnapshot)
	agents, _ := snapshot["agents"].([]any)
	if len(agents) != 1 {
		t.Errorf("snapshot agents = %d, want 1", len(agents))
	}
	history := c.expect(protocol.EventConversationHistory)
	if history["agentId"] != "boss" {
		t.Errorf("history agentId = %v", history["agentId"])
	}
}

func TestSubscribeUnknownAgent(t *testing.T) {
	addr, _ := newTestGateway(t)
	c := dialGateway(t, addr)

	c.send(map[string]any{"type": protocol.CmdSubscribe, "agentId": "nobody"})
	frame := c.expect(protocol.EventError)
	if frame["code"] != protocol.ErrCodeUnknownAgent {
		t.Errorf("code = %v, want UNKNOWN_AGENT", frame["code"])
	}
}

func TestUserMessageBroadcastAndReplay(t *testing.T) {
	addr, _ := newTestGateway(t)

	c := dialGateway(t, addr)
	c.send(map[string]any{"type": protocol.CmdSubscribe})
	c.expect(protocol.EventConversationHistory)

	c.send(map[string]any{"type": protocol.CmdUserMessage, "text": "keep this"})
	msg := c.expect(protocol.EventConversationMessage)
	if msg["text"] != "keep this" || msg["role"] != "user" {
		t.Errorf("live message = %v", msg)
	}

	// Disconnect, reconnect, subscribe: the history replays the message.
	c.conn.Close(websocket.StatusNormalClosure, "reconnecting")

	c2 := dialGateway(t, addr)
	c2.send(map[string]any{"type": protocol.CmdSubscribe})
	history := c2.expect(protocol.EventConversationHistory)

	messages, _ := history["messages"].([]any)
	found := false
	for _, raw := range messages {
		entry, _ := raw.(map[string]any)
		if entry["text"] == "keep this" {
			found = true
		}
	}
	if !found {
		t.Errorf("replayed history missing %q: %v", "keep this", messages)
	}
}

func TestCommandsBeforeSubscribe(t *testing.T) {
	addr, _ := newTestGateway(t)
	c := dialGateway(t, addr)

	c.send(map[string]any{"type": protocol.CmdUserMessage, "text": "hello"})
	frame := c.expect(protocol.EventError)
	if frame["code"] != protocol.ErrCodeNotSubscribed {
		t.Errorf("code = %v, want NOT_SUBSCRIBED", frame["code"])
	}
}

func TestPingPong(t *testing.T) {
	addr, _ := newTestGateway(t)
	c := dialGateway(t, addr)
	c.send(map[string]any{"type": protocol.CmdPing, "requestId": "r1"})
	frame := c.expect("pong")
	if frame["requestId"] != "r1" {
		t.Errorf("pong requestId = %v, want r1", frame["requestId"])
	}
}

func TestDirectoryCommands(t *testing.T) {
	addr, _ := newTestGateway(t)
	c := dialGateway(t, addr)

	c.send(map[string]any{"type": protocol.CmdValidateDirectory, "path": "relative/path", "requestId": "v1"})
	frame := c.expect(protocol.EventDirectoryValidated)
	if frame["valid"] != false {
		t.Errorf("relative path validated: %v", frame)
	}

	c.send(map[string]any{"type": protocol.CmdPickDirectory, "requestId": "p1"})
	picked := c.expect(protocol.EventDirectoryPicked)
	if picked["path"] == "" {
		t.Errorf("picked empty path: %v", picked)
	}
}

func TestManagerDeleteRebindsSubscriber(t *testing.T) {
	addr, sw := newTestGateway(t)

	// A second manager to subscribe to, created by the primary.
	created, err := sw.CreateManager("boss", "side project", "", "")
	if err != nil {
		t.Fatalf("CreateManager: %v", err)
	}

	c := dialGateway(t, addr)
	c.send(map[string]any{"type": protocol.CmdSubscribe, "agentId": created.AgentID})
	c.expect(protocol.EventConversationHistory)

	if err := sw.DeleteManager("boss", created.AgentID); err != nil {
		t.Fatalf("DeleteManager: %v", err)
	}

	// The socket rebinds to a fallback manager and replays bootstrap.
	ready := c.expect(protocol.EventReady)
	if ready["subscribedAgentId"] != "boss" {
		t.Errorf("rebound to %v, want boss", ready["subscribedAgentId"])
	}
	c.expect(protocol.EventConversationHistory)
}
