// Package store persists agent descriptors, per-manager memory files, and
// binary attachments under the data directory. All writes go through
// write-to-tmp-then-rename so a crash never leaves a torn file.
package store

import (
	"fmt"
	"path/filepath"
	"regexp"
	"time"

	"github.com/nextlevelbuilder/swarmgate/internal/transport"
)

// AgentRole distinguishes user-facing managers from short-lived workers.
type AgentRole string

const (
	RoleManager AgentRole = "manager"
	RoleWorker  AgentRole = "worker"
)

// AgentStatus is the descriptor lifecycle state.
type AgentStatus string

const (
	StatusIdle             AgentStatus = "idle"
	StatusStreaming        AgentStatus = "streaming"
	StatusTerminated       AgentStatus = "terminated"
	StatusStopped          AgentStatus = "stopped"
	StatusError            AgentStatus = "error"
	StatusStoppedOnRestart AgentStatus = "stopped_on_restart"
)

// IsRunning reports whether a status allows message delivery.
func (s AgentStatus) IsRunning() bool {
	return s == StatusIdle || s == StatusStreaming
}

// ModelRef selects the provider, model, and thinking level for an agent.
type ModelRef struct {
	Provider      string `json:"provider"`
	ModelID       string `json:"modelId"`
	ThinkingLevel string `json:"thinkingLevel,omitempty"`
}

// AgentDescriptor is the persistent identity record for one agent.
type AgentDescriptor struct {
	AgentID      string                  `json:"agentId"`
	DisplayName  string                  `json:"displayName"`
	Role         AgentRole               `json:"role"`
	ManagerID    string                  `json:"managerId"` // self for managers, owner for workers
	ArchetypeID  string                  `json:"archetypeId,omitempty"`
	Status       AgentStatus             `json:"status"`
	CreatedAt    time.Time               `json:"createdAt"`
	UpdatedAt    time.Time               `json:"updatedAt"`
	Cwd          string                  `json:"cwd"`
	Model        ModelRef                `json:"model"`
	SessionFile  string                  `json:"sessionFile"`
	ContextUsage *transport.ContextUsage `json:"contextUsage,omitempty"`
}

// agentIDRe is the slug shape for persisted agent ids.
var agentIDRe = regexp.MustCompile(`^[a-z0-9-]{1,48}$`)

// ValidAgentID reports whether id is a well-formed slug.
func ValidAgentID(id string) bool {
	return agentIDRe.MatchString(id)
}

// Validate checks the descriptor against the data-model invariants.
// Descriptors failing validation are skipped (with a log) on load.
func (d *AgentDescriptor) Validate() error {
	if !ValidAgentID(d.AgentID) {
		return fmt.Errorf("invalid agentId %q", d.AgentID)
	}
	switch d.Role {
	case RoleManager:
		if d.ManagerID != d.AgentID {
			return fmt.Errorf("manager %q must own itself (managerId=%q)", d.AgentID, d.ManagerID)
		}
	case RoleWorker:
		if d.ManagerID == "" {
			return fmt.Errorf("worker %q has no managerId", d.AgentID)
		}
	default:
		return fmt.Errorf("unknown role %q for agent %q", d.Role, d.AgentID)
	}
	switch d.Status {
	case StatusIdle, StatusStreaming, StatusTerminated, StatusStopped, StatusError, StatusStoppedOnRestart:
	default:
		return fmt.Errorf("unknown status %q for agent %q", d.Status, d.AgentID)
	}
	if d.Cwd != "" && !filepath.IsAbs(d.Cwd) {
		return fmt.Errorf("cwd %q for agent %q is not absolute", d.Cwd, d.AgentID)
	}
	return nil
}

// Clone returns a deep copy safe to hand to subscribers.
func (d *AgentDescriptor) Clone() *AgentDescriptor {
	c := *d
	if d.ContextUsage != nil {
		u := *d.ContextUsage
		c.ContextUsage = &u
	}
	return &c
}
