package swarm

import (
	"sync"
	"time"

	"github.com/nextlevelbuilder/swarmgate/internal/bus"
	"github.com/nextlevelbuilder/swarmgate/pkg/protocol"
)

// Projector turns raw session events and routed messages into per-agent
// ordered ConversationEntry streams. For a given agentId, the order in which
// entries are accepted here is the order every subscriber sees them.
type Projector struct {
	mu      sync.Mutex
	entries map[string][]ConversationEntry
	pub     bus.Publisher
	now     func() time.Time
}

// ResetReason values for conversation_reset events.
const (
	ResetReasonUserNewCommand = "user_new_command"
	ResetReasonAPIReset       = "api_reset"
)

// ConversationResetPayload is the wire shape of conversation_reset.
type ConversationResetPayload struct {
	Type      string    `json:"type"`
	AgentID   string    `json:"agentId"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// ConversationHistoryPayload is the wire shape of conversation_history.
type ConversationHistoryPayload struct {
	Type     string              `json:"type"`
	AgentID  string              `json:"agentId"`
	Messages []ConversationEntry `json:"messages"`
}

func NewProjector(pub bus.Publisher) *Projector {
	return &Projector{
		entries: make(map[string][]ConversationEntry),
		pub:     pub,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Append stores the entry under its agentId and broadcasts it. Appending
// and broadcasting happen under one lock so per-agent order is identical
// for the stored history and the live stream.
func (p *Projector) Append(entry ConversationEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = p.now()
	}
	p.mu.Lock()
	p.entries[entry.AgentID] = append(p.entries[entry.AgentID], entry)
	p.pub.Broadcast(*protocol.NewEvent(entry.Type, entry))
	p.mu.Unlock()
}

// History returns a copy of the current sequence for an agent, replayed to
// subscribers on subscribe.
func (p *Projector) History(agentID string) []ConversationEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	src := p.entries[agentID]
	out := make([]ConversationEntry, len(src))
	copy(out, src)
	return out
}

// Reset clears an agent's sequence and announces the reset.
func (p *Projector) Reset(agentID, reason string) {
	p.mu.Lock()
	delete(p.entries, agentID)
	p.pub.Broadcast(*protocol.NewEvent(protocol.EventConversationReset, ConversationResetPayload{
		Type:      protocol.EventConversationReset,
		AgentID:   agentID,
		Reason:    reason,
		Timestamp: p.now(),
	}))
	p.mu.Unlock()
}

// Drop removes an agent's sequence without announcing (cascade delete).
func (p *Projector) Drop(agentID string) {
	p.mu.Lock()
	delete(p.entries, agentID)
	p.mu.Unlock()
}
