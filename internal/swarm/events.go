package swarm

import (
	"fmt"

	"github.com/nextlevelbuilder/swarmgate/internal/runtime"
	"github.com/nextlevelbuilder/swarmgate/internal/transport"
	"github.com/nextlevelbuilder/swarmgate/pkg/protocol"
)

// onRuntimeStatus mirrors runtime state into the descriptor and broadcasts
// agent_status. Context usage is cleared whenever the agent is non-running.
func (m *Manager) onRuntimeStatus(update runtime.StatusUpdate) {
	m.lifecycle("status:"+update.AgentID, func() error {
		m.mu.Lock()
		d, ok := m.descriptors[update.AgentID]
		if ok && !update.Status.IsRunning() {
			// A terminal update from a runtime that has already been
			// replaced (session reset) must not clobber the fresh state.
			if _, replaced := m.runtimes[update.AgentID]; replaced {
				ok = false
			}
		}
		if ok {
			d.Status = update.Status
			d.UpdatedAt = m.now()
			if update.Status.IsRunning() {
				d.ContextUsage = update.ContextUsage
			} else {
				d.ContextUsage = nil
			}
		}
		m.mu.Unlock()
		if !ok {
			return nil
		}
		return m.saveLocked()
	})

	m.pub.Broadcast(*protocol.NewEvent(protocol.EventAgentStatus, AgentStatusPayload{
		Type:         protocol.EventAgentStatus,
		AgentID:      update.AgentID,
		Status:       update.Status,
		PendingCount: update.PendingCount,
		ContextUsage: update.ContextUsage,
	}))
}

// onRuntimeError turns every runtime error into a user-visible system
// message in the agent's manager context.
func (m *Manager) onRuntimeError(ev runtime.ErrorEvent) {
	var text string
	attempt, _ := ev.Details["attempt"].(int)
	maxAttempts, _ := ev.Details["maxAttempts"].(int)
	dropped, _ := ev.Details["droppedPendingCount"].(int)

	switch ev.Phase {
	case runtime.PhaseCompaction:
		text = fmt.Sprintf("⚠️ Context compaction failed: %s.", ev.Message)
	case runtime.PhaseWatchdogTimeout:
		text = fmt.Sprintf("⚠️ Agent stalled and was recovered: %s.", ev.Message)
	default:
		if attempt > 0 && maxAttempts > 0 {
			text = fmt.Sprintf("⚠️ Agent error (attempt %d/%d): %s.", attempt, maxAttempts, ev.Message)
		} else {
			text = fmt.Sprintf("⚠️ Agent error: %s.", ev.Message)
		}
	}
	if dropped > 0 {
		text += fmt.Sprintf(" %d queued message(s) were dropped.", dropped)
	}
	text += " Please resend."

	m.projector.Append(ConversationEntry{
		Type:    EntryConversationMessage,
		AgentID: m.managerContextID(ev.AgentID),
		Role:    "system",
		Text:    text,
	})
}

// onAgentEnd is invoked when a stream finishes or is recovered.
func (m *Manager) onAgentEnd(agentID string) {
	// Status transitions are already mirrored by onRuntimeStatus; the hook
	// exists so future supervisors (cron, queue draining) have a seam.
}

// onSessionEvent projects raw session events into conversation_log and
// agent_tool_call entries under the agent's own id.
func (m *Manager) onSessionEvent(agentID string, ev transport.SessionEvent) {
	switch ev.Type {
	case transport.EventAgentStart:
		m.projector.Append(ConversationEntry{
			Type:    EntryConversationLog,
			AgentID: agentID,
			Text:    "stream started",
		})

	case transport.EventAgentEnd:
		m.projector.Append(ConversationEntry{
			Type:    EntryConversationLog,
			AgentID: agentID,
			Text:    "stream finished",
		})

	case transport.EventAutoCompactionStart:
		m.projector.Append(ConversationEntry{
			Type:    EntryConversationLog,
			AgentID: agentID,
			Text:    "context compaction started",
		})

	case transport.EventAutoCompactionEnd:
		text := "context compaction finished"
		if ev.ErrorMessage != "" {
			text = "context compaction failed: " + ev.ErrorMessage
		}
		m.projector.Append(ConversationEntry{
			Type:    EntryConversationLog,
			AgentID: agentID,
			Text:    text,
		})

	case transport.EventMessageEnd:
		if ev.Role == "assistant" && ev.StopReason != transport.StopReasonError && ev.Text != "" {
			m.projector.Append(ConversationEntry{
				Type:    EntryConversationLog,
				AgentID: agentID,
				Text:    "assistant: " + preview(ev.Text, 240),
			})
		}

	case transport.EventToolExecutionEnd:
		m.projector.Append(ConversationEntry{
			Type:       EntryAgentToolCall,
			AgentID:    agentID,
			ToolName:   ev.ToolName,
			ToolInput:  ev.ToolInput,
			ToolOutput: preview(ev.ToolOutput, 2000),
			IsError:    ev.ToolIsError,
		})
	}
}

// managerContextID maps any agent to the manager context its events are
// stored under: managers map to themselves, workers to their owner.
func (m *Manager) managerContextID(agentID string) string {
	d, ok := m.descriptor(agentID)
	if !ok {
		return agentID
	}
	return d.ManagerID
}

func preview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
