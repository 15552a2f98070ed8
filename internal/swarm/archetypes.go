package swarm

import (
	"fmt"
	"sort"
	"strings"

	"github.com/nextlevelbuilder/swarmgate/internal/store"
)

// Archetypes are named system-prompt templates resolved at runtime
// creation. Resolution order for workers: explicit archetypeId, the merger
// heuristic on the id prefix, then the default worker prompt.

const defaultWorkerPrompt = `You are a worker agent in a swarm. You were spawned by a manager to
complete a specific task. Work autonomously, report results back to your
manager, and stop when the task is done. Messages prefixed with SYSTEM:
are control traffic from the orchestrator, not from a human.`

const mergerPrompt = `You are a merger agent. Other workers hand you their finished pieces;
your job is to reconcile them into one coherent result, resolving
conflicts conservatively and flagging anything you could not merge.
Messages prefixed with SYSTEM: are control traffic from the orchestrator.`

const managerPrompt = `You are a manager agent: the user-facing endpoint for your tenant. You
can spawn worker agents for parallel tasks, route messages between them,
and speak to the user. Keep the user informed of progress. Messages
prefixed with SYSTEM: are control traffic from the orchestrator.`

// managerBootstrapInterview is sent to a freshly created manager so it
// introduces itself and learns the tenant's context.
const managerBootstrapInterview = `SYSTEM: You were just created. Briefly introduce yourself to the user,
then ask what they want to accomplish so you can plan your workers.`

var archetypePrompts = map[string]string{
	"worker":  defaultWorkerPrompt,
	"merger":  mergerPrompt,
	"manager": managerPrompt,
}

// resolveArchetypePrompt picks the system prompt for a new agent.
func resolveArchetypePrompt(role store.AgentRole, archetypeID, agentID string) (resolvedID, prompt string) {
	if role == store.RoleManager {
		return "manager", managerPrompt
	}
	if archetypeID != "" {
		if p, ok := archetypePrompts[archetypeID]; ok {
			return archetypeID, p
		}
	}
	if strings.HasPrefix(agentID, "merger") {
		return "merger", mergerPrompt
	}
	return "worker", defaultWorkerPrompt
}

// modelPresets is the closed set of user-selectable model presets. The
// validator is total: any string not in this map is rejected with the
// allowed set in the error.
var modelPresets = map[string]store.ModelRef{
	"opus-4.6": {
		Provider:      "anthropic",
		ModelID:       "claude-opus-4-6",
		ThinkingLevel: "medium",
	},
	"sonnet-4.5": {
		Provider:      "anthropic",
		ModelID:       "claude-sonnet-4-5-20250929",
		ThinkingLevel: "low",
	},
	"codex-5.3": {
		Provider:      "openai",
		ModelID:       "gpt-5.3-codex",
		ThinkingLevel: "medium",
	},
}

// ResolveModelPreset maps a preset name to a concrete model reference.
// Empty input resolves to the configured default.
func (m *Manager) ResolveModelPreset(preset string) (store.ModelRef, error) {
	if preset == "" {
		preset = m.defaultModelPreset
	}
	ref, ok := modelPresets[preset]
	if !ok {
		allowed := make([]string, 0, len(modelPresets))
		for name := range modelPresets {
			allowed = append(allowed, name)
		}
		sort.Strings(allowed)
		return store.ModelRef{}, fmt.Errorf("%w: unknown model preset %q (allowed: %s)",
			ErrInvalidInput, preset, strings.Join(allowed, ", "))
	}
	return ref, nil
}
