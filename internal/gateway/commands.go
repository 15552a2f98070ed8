package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/nextlevelbuilder/swarmgate/internal/swarm"
	"github.com/nextlevelbuilder/swarmgate/pkg/protocol"
)

// handleCommand validates and dispatches one inbound frame.
func (c *Client) handleCommand(raw []byte) {
	cmd, err := protocol.ParseCommand(raw)
	if err != nil || cmd.Type == "" {
		c.sendError(protocol.ErrCodeInvalidCommand, "malformed command frame", "")
		return
	}

	if !c.server.rateLimiter.Allow(c.id) {
		c.sendError(protocol.ErrCodeInvalidCommand, "rate limit exceeded", cmd.RequestID)
		return
	}

	switch cmd.Type {
	case protocol.CmdPing:
		c.enqueue(map[string]any{"type": "pong", "requestId": cmd.RequestID})

	case protocol.CmdSubscribe:
		c.handleSubscribe(cmd)

	case protocol.CmdUserMessage:
		c.handleUserMessage(cmd)

	case protocol.CmdKillAgent:
		c.handleKillAgent(cmd)

	case protocol.CmdStopAllAgents:
		if cmd.ManagerID == "" {
			c.sendError(protocol.ErrCodeInvalidCommand, "stop_all_agents requires managerId", cmd.RequestID)
			return
		}
		if err := c.server.swarm.StopAllAgents(cmd.ManagerID, cmd.ManagerID); err != nil {
			c.sendError(protocol.ErrCodeInvalidCommand, err.Error(), cmd.RequestID)
		}

	case protocol.CmdCreateManager:
		c.handleCreateManager(cmd)

	case protocol.CmdDeleteManager:
		if cmd.ManagerID == "" {
			c.sendError(protocol.ErrCodeInvalidCommand, "delete_manager requires managerId", cmd.RequestID)
			return
		}
		if err := c.server.swarm.DeleteManager(cmd.ManagerID, cmd.ManagerID); err != nil {
			c.sendError(protocol.ErrCodeDeleteManagerFailed, err.Error(), cmd.RequestID)
		}

	case protocol.CmdListDirectories:
		path, entries, err := c.server.dirs.List(cmd.Path)
		if err != nil {
			c.sendError(protocol.ErrCodeListDirectoriesFailed, err.Error(), cmd.RequestID)
			return
		}
		c.enqueue(map[string]any{
			"type":      protocol.EventDirectoriesListed,
			"requestId": cmd.RequestID,
			"path":      path,
			"entries":   entries,
		})

	case protocol.CmdValidateDirectory:
		if cmd.Path == "" {
			c.sendError(protocol.ErrCodeInvalidCommand, "validate_directory requires path", cmd.RequestID)
			return
		}
		resolved, err := c.server.dirs.Validate(cmd.Path)
		payload := map[string]any{
			"type":      protocol.EventDirectoryValidated,
			"requestId": cmd.RequestID,
			"path":      cmd.Path,
			"valid":     err == nil,
		}
		if err != nil {
			payload["reason"] = err.Error()
		} else {
			payload["path"] = resolved
		}
		c.enqueue(payload)

	case protocol.CmdPickDirectory:
		c.enqueue(map[string]any{
			"type":      protocol.EventDirectoryPicked,
			"requestId": cmd.RequestID,
			"path":      c.server.dirs.Pick(cmd.DefaultPath),
		})

	default:
		c.sendError(protocol.ErrCodeInvalidCommand, "unknown command "+cmd.Type, cmd.RequestID)
	}
}

// handleSubscribe validates the target and replays the bootstrap sequence.
// Bootstrap exception: the configured primary manager id may be subscribed
// before any manager exists.
func (c *Client) handleSubscribe(cmd *protocol.Command) {
	agentID := cmd.AgentID
	if agentID == "" {
		agentID = c.server.swarm.PrimaryManagerID()
	}

	if !c.server.swarm.HasAgent(agentID) {
		bootstrapOK := agentID == c.server.swarm.PrimaryManagerID() &&
			c.server.swarm.RunningManagerCount() == 0
		if !bootstrapOK {
			c.sendError(protocol.ErrCodeUnknownAgent, "unknown agent "+agentID, cmd.RequestID)
			return
		}
	}

	c.setSubscription(agentID)
	c.sendBootstrap(agentID)
	slog.Debug("client subscribed", "client", c.id, "agent", agentID)
}

func (c *Client) handleUserMessage(cmd *protocol.Command) {
	target := cmd.AgentID
	if target == "" {
		target = c.subscription()
		if target == "" {
			c.sendError(protocol.ErrCodeNotSubscribed, "subscribe before sending messages", cmd.RequestID)
			return
		}
	}

	attachments := make([]swarm.Attachment, 0, len(cmd.Attachments))
	for _, raw := range cmd.Attachments {
		var a swarm.Attachment
		if err := json.Unmarshal(raw, &a); err != nil {
			c.sendError(protocol.ErrCodeInvalidCommand, "malformed attachment: "+err.Error(), cmd.RequestID)
			return
		}
		attachments = append(attachments, a)
	}

	err := c.server.swarm.HandleUserMessage(cmd.Text, swarm.UserMessageOptions{
		TargetAgentID: target,
		Delivery:      cmd.Delivery,
		Attachments:   attachments,
		SourceContext: &swarm.SourceContext{Channel: swarm.ChannelWeb},
	})
	if err != nil {
		code := protocol.ErrCodeUserMessageFailed
		if errors.Is(err, swarm.ErrUnknownAgent) {
			code = protocol.ErrCodeUnknownAgent
		}
		c.sendError(code, err.Error(), cmd.RequestID)
	}
}

// handleKillAgent acts on behalf of the target's owning manager: the UI
// owns the manager, the manager owns the worker.
func (c *Client) handleKillAgent(cmd *protocol.Command) {
	if cmd.AgentID == "" {
		c.sendError(protocol.ErrCodeInvalidCommand, "kill_agent requires agentId", cmd.RequestID)
		return
	}
	ownerID := ""
	for _, d := range c.server.swarm.Descriptors() {
		if d.AgentID == cmd.AgentID {
			ownerID = d.ManagerID
			break
		}
	}
	if ownerID == "" {
		c.sendError(protocol.ErrCodeUnknownAgent, "unknown agent "+cmd.AgentID, cmd.RequestID)
		return
	}
	if err := c.server.swarm.KillAgent(ownerID, cmd.AgentID); err != nil {
		c.sendError(protocol.ErrCodeKillAgentFailed, err.Error(), cmd.RequestID)
	}
}

func (c *Client) handleCreateManager(cmd *protocol.Command) {
	if cmd.Name == "" {
		c.sendError(protocol.ErrCodeInvalidCommand, "create_manager requires name", cmd.RequestID)
		return
	}
	callerID := ""
	if sub := c.subscription(); sub != "" && c.server.swarm.HasAgent(sub) {
		callerID = sub
	}
	if _, err := c.server.swarm.CreateManager(callerID, cmd.Name, cmd.Cwd, cmd.Model); err != nil {
		c.sendError(protocol.ErrCodeCreateManagerFailed, err.Error(), cmd.RequestID)
	}
}

func (c *Client) sendError(code, message, requestID string) {
	c.enqueue(protocol.ErrorPayload{
		Type:      protocol.EventError,
		Code:      code,
		Message:   message,
		RequestID: requestID,
	})
}
