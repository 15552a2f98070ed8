package swarm

import (
	"fmt"
	"testing"

	"github.com/nextlevelbuilder/swarmgate/pkg/protocol"
)

func TestProjectorPreservesPerAgentOrder(t *testing.T) {
	pub := &capturePub{}
	p := NewProjector(pub)

	for i := 0; i < 20; i++ {
		p.Append(ConversationEntry{
			Type:    EntryConversationMessage,
			AgentID: "a",
			Role:    "user",
			Text:    fmt.Sprintf("a-%d", i),
		})
		p.Append(ConversationEntry{
			Type:    EntryConversationLog,
			AgentID: "b",
			Text:    fmt.Sprintf("b-%d", i),
		})
	}

	history := p.History("a")
	if len(history) != 20 {
		t.Fatalf("history(a) = %d entries, want 20", len(history))
	}
	for i, entry := range history {
		if entry.Text != fmt.Sprintf("a-%d", i) {
			t.Fatalf("entry %d = %q, out of order", i, entry.Text)
		}
	}

	// Broadcast order matches append order for the same agent.
	var broadcastA []string
	for _, ev := range pub.named(EntryConversationMessage) {
		entry := ev.Payload.(ConversationEntry)
		if entry.AgentID == "a" {
			broadcastA = append(broadcastA, entry.Text)
		}
	}
	for i, text := range broadcastA {
		if text != fmt.Sprintf("a-%d", i) {
			t.Fatalf("broadcast %d = %q, out of order", i, text)
		}
	}
}

func TestProjectorHistoryIsACopy(t *testing.T) {
	p := NewProjector(&capturePub{})
	p.Append(ConversationEntry{Type: EntryConversationLog, AgentID: "a", Text: "one"})

	h := p.History("a")
	h[0].Text = "mutated"
	if p.History("a")[0].Text != "one" {
		t.Fatal("History returned a live slice")
	}
}

func TestProjectorReset(t *testing.T) {
	pub := &capturePub{}
	p := NewProjector(pub)
	p.Append(ConversationEntry{Type: EntryConversationMessage, AgentID: "a", Role: "user", Text: "x"})

	p.Reset("a", ResetReasonUserNewCommand)
	if len(p.History("a")) != 0 {
		t.Fatal("reset did not clear history")
	}

	resets := pub.named(protocol.EventConversationReset)
	if len(resets) != 1 {
		t.Fatalf("conversation_reset events = %d, want 1", len(resets))
	}
	payload := resets[0].Payload.(ConversationResetPayload)
	if payload.AgentID != "a" || payload.Reason != ResetReasonUserNewCommand {
		t.Errorf("payload = %+v", payload)
	}

	// Entries after reset accumulate fresh.
	p.Append(ConversationEntry{Type: EntryConversationMessage, AgentID: "a", Role: "user", Text: "y"})
	if h := p.History("a"); len(h) != 1 || h[0].Text != "y" {
		t.Errorf("history after reset = %+v", h)
	}
}
