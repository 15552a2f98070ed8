package swarm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nextlevelbuilder/swarmgate/internal/providers"
	"github.com/nextlevelbuilder/swarmgate/internal/store"
	"github.com/nextlevelbuilder/swarmgate/internal/transport"
)

// Swarm tools exposed to agents. Managers get the full set; workers can
// only message their manager and inspect the swarm.

type agentToolRunner struct {
	m       *Manager
	agentID string
	manager bool
}

// toolsFor builds the tool runner and definitions for a descriptor.
func (m *Manager) toolsFor(d *store.AgentDescriptor) (transport.ToolRunner, []providers.ToolDefinition) {
	isManager := d.Role == store.RoleManager
	runner := &agentToolRunner{m: m, agentID: d.AgentID, manager: isManager}

	defs := []providers.ToolDefinition{
		{
			Name:        "send_message",
			Description: "Send a message to another agent in the swarm.",
			Parameters: objSchema(map[string]any{
				"to":   strProp("Target agent id"),
				"text": strProp("Message body"),
			}, "to", "text"),
		},
		{
			Name:        "list_agents",
			Description: "List all agents with role and status.",
			Parameters:  objSchema(map[string]any{}),
		},
	}
	if isManager {
		defs = append(defs,
			providers.ToolDefinition{
				Name:        "spawn_agent",
				Description: "Spawn a worker agent owned by you.",
				Parameters: objSchema(map[string]any{
					"name":            strProp("Worker name; becomes its agent id"),
					"archetype":       strProp("Optional prompt archetype (worker, merger)"),
					"cwd":             strProp("Optional absolute working directory"),
					"initial_message": strProp("Optional first task message"),
				}, "name"),
			},
			providers.ToolDefinition{
				Name:        "kill_agent",
				Description: "Terminate a worker you own.",
				Parameters: objSchema(map[string]any{
					"agent_id": strProp("Worker agent id"),
				}, "agent_id"),
			},
			providers.ToolDefinition{
				Name:        "speak_to_user",
				Description: "Send a message to the user on their channel.",
				Parameters: objSchema(map[string]any{
					"text": strProp("Message to show the user"),
				}, "text"),
			},
			providers.ToolDefinition{
				Name:        "stop_all_agents",
				Description: "Stop in-flight work on yourself and all your workers.",
				Parameters:  objSchema(map[string]any{}),
			},
		)
	}
	return runner, defs
}

func (t *agentToolRunner) Run(ctx context.Context, name string, args map[string]any) (string, bool) {
	str := func(key string) string {
		v, _ := args[key].(string)
		return v
	}

	switch name {
	case "send_message":
		to, text := str("to"), str("text")
		if !t.manager {
			// Workers may only report back to their owner.
			if owner := t.m.managerContextID(t.agentID); to != owner {
				return fmt.Sprintf("workers can only message their manager (%s)", owner), true
			}
		}
		receipt, err := t.m.SendAgentMessage(t.agentID, to, text, nil)
		if err != nil {
			return err.Error(), true
		}
		return fmt.Sprintf("delivered (%s)", receipt.AcceptedMode), false

	case "list_agents":
		type row struct {
			AgentID string `json:"agentId"`
			Role    string `json:"role"`
			Manager string `json:"managerId"`
			Status  string `json:"status"`
		}
		rows := []row{}
		for _, d := range t.m.Descriptors() {
			rows = append(rows, row{
				AgentID: d.AgentID,
				Role:    string(d.Role),
				Manager: d.ManagerID,
				Status:  string(d.Status),
			})
		}
		out, _ := json.MarshalIndent(rows, "", "  ")
		return string(out), false

	case "spawn_agent":
		if !t.manager {
			return "only managers can spawn workers", true
		}
		d, err := t.m.SpawnAgent(t.agentID, SpawnInput{
			Name:           str("name"),
			ArchetypeID:    str("archetype"),
			Cwd:            str("cwd"),
			InitialMessage: str("initial_message"),
		})
		if err != nil {
			return err.Error(), true
		}
		return fmt.Sprintf("spawned worker %s", d.AgentID), false

	case "kill_agent":
		if !t.manager {
			return "only managers can kill workers", true
		}
		if err := t.m.KillAgent(t.agentID, str("agent_id")); err != nil {
			return err.Error(), true
		}
		return "terminated", false

	case "speak_to_user":
		if !t.manager {
			return "only managers can speak to the user", true
		}
		if err := t.m.PublishToUser(t.agentID, str("text"), PublishSourceSpeakToUser, nil); err != nil {
			return err.Error(), true
		}
		return "delivered to user", false

	case "stop_all_agents":
		if !t.manager {
			return "only managers can stop the swarm", true
		}
		if err := t.m.StopAllAgents(t.agentID, t.agentID); err != nil {
			return err.Error(), true
		}
		return "stopped", false
	}
	return fmt.Sprintf("unknown tool %q", name), true
}

func objSchema(props map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func strProp(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}
