package swarm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/swarmgate/internal/runtime"
	"github.com/nextlevelbuilder/swarmgate/internal/store"
)

// UserMessageOptions parameterizes HandleUserMessage.
type UserMessageOptions struct {
	TargetAgentID string // empty = primary manager
	Delivery      string // "auto" | "followUp" | "steer"
	Attachments   []Attachment
	SourceContext *SourceContext
}

// SendOptions parameterizes agent-to-agent sends.
type SendOptions struct {
	Attachments []Attachment
}

// HandleUserMessage is the entry point for all inbound user traffic (web
// and external channels). Messages to managers are always steered: user
// input takes precedence over in-flight work.
func (m *Manager) HandleUserMessage(text string, opts UserMessageOptions) error {
	attachments, droppedReasons := NormalizeAttachments(opts.Attachments)
	for _, reason := range droppedReasons {
		m.projector.Append(ConversationEntry{
			Type:    EntryConversationLog,
			AgentID: m.resolveTargetID(opts.TargetAgentID),
			Text:    "dropped attachment: " + reason,
		})
	}
	if strings.TrimSpace(text) == "" && len(attachments) == 0 {
		return nil
	}

	sc := opts.SourceContext
	if sc == nil {
		sc = &SourceContext{Channel: ChannelWeb}
	}
	if err := sc.Validate(); err != nil {
		return err
	}

	targetID := m.resolveTargetID(opts.TargetAgentID)
	target, ok := m.descriptor(targetID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, targetID)
	}
	if !target.Status.IsRunning() {
		return fmt.Errorf("%w: %s", ErrTargetNotRunning, targetID)
	}

	// Slash commands apply to managers only.
	if target.Role == store.RoleManager {
		trimmed := strings.TrimSpace(text)
		if body, ok := parseCompactCommand(trimmed); ok {
			m.rememberUserContext(targetID, sc)
			return m.CompactAgentContext(targetID, CompactOptions{
				CustomInstructions: body,
				SourceContext:      sc,
				Trigger:            "user_command",
			})
		}
		if trimmed == "/new" {
			return m.ResetManagerSession(targetID, ResetReasonUserNewCommand)
		}
	}

	m.projector.Append(ConversationEntry{
		Type:          EntryConversationMessage,
		AgentID:       targetID,
		Role:          "user",
		Text:          text,
		Attachments:   attachments,
		SourceContext: sc,
	})

	if target.Role == store.RoleWorker {
		_, err := m.deliver(targetID, text, attachments, "user", runtime.ModeAuto)
		return err
	}

	m.rememberUserContext(targetID, sc)

	// Managers get the source context prepended so the model knows where
	// to reply, and the message is steered into any live stream.
	scJSON, _ := json.Marshal(sc)
	prefixed := fmt.Sprintf("[sourceContext] %s\n\n%s", scJSON, text)
	_, err := m.deliver(targetID, prefixed, attachments, "user", runtime.ModeSteer)
	return err
}

// parseCompactCommand recognizes "/compact" and "/compact <instructions>".
func parseCompactCommand(text string) (body string, ok bool) {
	if text == "/compact" {
		return "", true
	}
	if rest, found := strings.CutPrefix(text, "/compact "); found {
		return strings.TrimSpace(rest), true
	}
	return "", false
}

func (m *Manager) resolveTargetID(requested string) string {
	if requested == "" {
		return m.primaryManagerID
	}
	return requested
}

func (m *Manager) rememberUserContext(managerID string, sc *SourceContext) {
	m.mu.Lock()
	scCopy := *sc
	m.lastUserContext[managerID] = &scCopy
	m.mu.Unlock()
}

// SendAgentMessage routes an internal-origin message between agents. The
// sender must be running; manager→worker requires ownership. The routing
// record is duplicated into every manager context reachable from sender and
// target.
func (m *Manager) SendAgentMessage(fromID, toID, text string, opts *SendOptions) (runtime.Receipt, error) {
	from, ok := m.descriptor(fromID)
	if !ok {
		return runtime.Receipt{}, fmt.Errorf("%w: %s", ErrUnknownAgent, fromID)
	}
	if !from.Status.IsRunning() {
		return runtime.Receipt{}, fmt.Errorf("%w: sender %s", ErrTargetNotRunning, fromID)
	}
	to, ok := m.descriptor(toID)
	if !ok {
		return runtime.Receipt{}, fmt.Errorf("%w: %s", ErrUnknownAgent, toID)
	}
	if !to.Status.IsRunning() {
		return runtime.Receipt{}, fmt.Errorf("%w: %s", ErrTargetNotRunning, toID)
	}
	if from.Role == store.RoleManager && to.Role == store.RoleWorker && to.ManagerID != fromID {
		return runtime.Receipt{}, fmt.Errorf("%w: %s does not own %s", ErrOwnershipViolation, fromID, toID)
	}

	var attachments []Attachment
	if opts != nil {
		attachments, _ = NormalizeAttachments(opts.Attachments)
	}

	receipt, err := m.deliver(toID, text, attachments, "internal", runtime.ModeAuto)
	if err != nil {
		return receipt, err
	}

	if fromID != toID {
		contexts := map[string]bool{
			m.managerContextID(fromID): true,
			m.managerContextID(toID):   true,
		}
		for ctxID := range contexts {
			m.projector.Append(ConversationEntry{
				Type:    EntryAgentMessage,
				AgentID: ctxID,
				From:    fromID,
				To:      toID,
				Text:    text,
			})
		}
	}
	return receipt, nil
}

// deliver shapes the model-facing message and hands it to the runtime.
func (m *Manager) deliver(targetID, text string, attachments []Attachment, origin string, mode runtime.Mode) (runtime.Receipt, error) {
	rt, ok := m.runtimeFor(targetID)
	if !ok {
		return runtime.Receipt{}, fmt.Errorf("%w: %s", ErrTargetNotRunning, targetID)
	}
	msg, err := m.prepareModelMessage(targetID, text, attachments, origin)
	if err != nil {
		return runtime.Receipt{}, err
	}
	receipt, err := rt.SendMessage(msg, mode)
	if err != nil {
		return receipt, fmt.Errorf("deliver to %s: %w", targetID, err)
	}
	return receipt, nil
}

// PublishSource identifies why an assistant/system message is being pushed
// to the user.
const (
	PublishSourceSpeakToUser = "speak_to_user"
	PublishSourceSystem      = "system"
)

// PublishToUser emits an outbound conversation_message under the manager's
// context. speak_to_user requires the caller to be a running manager;
// non-web targets need a channelId to route the reply.
func (m *Manager) PublishToUser(agentID, text, source string, target *SourceContext) error {
	managerID := m.managerContextID(agentID)
	if source == PublishSourceSpeakToUser {
		if _, err := m.requireRunningManager(managerID); err != nil {
			return err
		}
	}

	sc := target
	if sc == nil {
		m.mu.RLock()
		sc = m.lastUserContext[managerID]
		m.mu.RUnlock()
	}
	if sc == nil {
		sc = &SourceContext{Channel: ChannelWeb}
	}
	if err := sc.Validate(); err != nil {
		return err
	}
	if sc.Channel != ChannelWeb && sc.ChannelID == "" {
		return fmt.Errorf("%w: replies to %s require a channelId", ErrInvalidInput, sc.Channel)
	}

	role := "system"
	if source == PublishSourceSpeakToUser {
		role = "assistant"
	}
	m.projector.Append(ConversationEntry{
		Type:          EntryConversationMessage,
		AgentID:       managerID,
		Role:          role,
		Text:          text,
		SourceContext: sc,
	})
	return nil
}
