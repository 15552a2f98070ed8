package swarm

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/nextlevelbuilder/swarmgate/internal/runtime"
	"github.com/nextlevelbuilder/swarmgate/internal/store"
	"github.com/nextlevelbuilder/swarmgate/pkg/protocol"
)

// SpawnInput describes a worker to create.
type SpawnInput struct {
	Name           string
	ArchetypeID    string
	Cwd            string
	Model          string // preset; empty = default
	InitialMessage string
}

// ManagerCreatedPayload is the wire shape of manager_created.
type ManagerCreatedPayload struct {
	Type      string `json:"type"`
	ManagerID string `json:"managerId"`
}

// ManagerDeletedPayload is the wire shape of manager_deleted.
type ManagerDeletedPayload struct {
	Type                string   `json:"type"`
	ManagerID           string   `json:"managerId"`
	TerminatedWorkerIDs []string `json:"terminatedWorkerIds"`
}

// requireRunningManager resolves an agent id that must be a manager able to
// accept work.
func (m *Manager) requireRunningManager(agentID string) (*store.AgentDescriptor, error) {
	d, ok := m.descriptor(agentID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	if d.Role != store.RoleManager {
		return nil, fmt.Errorf("%w: %s is not a manager", ErrOwnershipViolation, agentID)
	}
	if !d.Status.IsRunning() {
		return nil, fmt.Errorf("%w: %s", ErrTargetNotRunning, agentID)
	}
	return d, nil
}

// SpawnAgent creates a worker owned by the calling manager.
func (m *Manager) SpawnAgent(callerID string, input SpawnInput) (*store.AgentDescriptor, error) {
	var spawned *store.AgentDescriptor
	err := m.lifecycle("spawnAgent", func() error {
		caller, err := m.requireRunningManager(callerID)
		if err != nil {
			return err
		}

		model, err := m.ResolveModelPreset(input.Model)
		if err != nil {
			return err
		}

		cwd := input.Cwd
		if cwd == "" {
			cwd = caller.Cwd
		}
		if cwd != "" && !filepath.IsAbs(cwd) {
			return fmt.Errorf("%w: cwd %q is not absolute", ErrInvalidInput, cwd)
		}

		m.mu.Lock()
		agentID := m.allocateAgentIDLocked(input.Name)
		archetypeID, _ := resolveArchetypePrompt(store.RoleWorker, input.ArchetypeID, agentID)
		now := m.now()
		d := &store.AgentDescriptor{
			AgentID:     agentID,
			DisplayName: input.Name,
			Role:        store.RoleWorker,
			ManagerID:   caller.AgentID,
			ArchetypeID: archetypeID,
			Status:      store.StatusIdle,
			CreatedAt:   now,
			UpdatedAt:   now,
			Cwd:         cwd,
			Model:       model,
			SessionFile: m.store.SessionFilePath(agentID),
		}
		m.descriptors[agentID] = d
		m.mu.Unlock()

		if err := m.startRuntimeLocked(d); err != nil {
			m.mu.Lock()
			delete(m.descriptors, d.AgentID)
			m.mu.Unlock()
			return err
		}
		spawned = d
		return m.saveLocked()
	})
	if err != nil {
		return nil, err
	}

	m.emitAgentStatus(spawned.AgentID)
	m.emitSnapshot()

	if input.InitialMessage != "" {
		if _, err := m.SendAgentMessage(callerID, spawned.AgentID, input.InitialMessage, nil); err != nil {
			return spawned, fmt.Errorf("spawned but initial message failed: %w", err)
		}
	}
	return spawned, nil
}

// KillAgent terminates a worker. The caller must be its owning manager; a
// manager cannot be killed this way.
func (m *Manager) KillAgent(callerID, targetID string) error {
	err := m.lifecycle("killAgent", func() error {
		target, ok := m.descriptor(targetID)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownAgent, targetID)
		}
		if target.Role == store.RoleManager {
			return fmt.Errorf("%w: cannot kill a manager", ErrOwnershipViolation)
		}
		if target.ManagerID != callerID {
			return fmt.Errorf("%w: %s does not own %s", ErrOwnershipViolation, callerID, targetID)
		}

		m.terminateRuntime(targetID, true)

		m.mu.Lock()
		target.Status = store.StatusTerminated
		target.ContextUsage = nil
		target.UpdatedAt = m.now()
		m.mu.Unlock()
		return m.saveLocked()
	})
	if err != nil {
		return err
	}
	m.emitAgentStatus(targetID)
	m.emitSnapshot()
	return nil
}

// CreateManager creates a new manager. The caller must be a running manager
// — or nobody, when no managers are running yet (bootstrap).
func (m *Manager) CreateManager(callerID, name, cwd, modelPreset string) (*store.AgentDescriptor, error) {
	var created *store.AgentDescriptor
	err := m.lifecycle("createManager", func() error {
		if m.RunningManagerCount() > 0 {
			if _, err := m.requireRunningManager(callerID); err != nil {
				return err
			}
		}
		if _, err := m.ResolveModelPreset(modelPreset); err != nil {
			return err
		}

		m.mu.Lock()
		managerID := m.allocateAgentIDLocked(name)
		m.mu.Unlock()

		if err := m.createManagerDescriptorLocked(managerID, name, cwd, modelPreset); err != nil {
			return err
		}
		created, _ = m.descriptor(managerID)
		return m.saveLocked()
	})
	if err != nil {
		return nil, err
	}

	m.pub.Broadcast(*protocol.NewEvent(protocol.EventManagerCreated, ManagerCreatedPayload{
		Type:      protocol.EventManagerCreated,
		ManagerID: created.AgentID,
	}))
	m.emitSnapshot()

	// Bootstrap interview: the new manager introduces itself.
	if rt, ok := m.runtimeFor(created.AgentID); ok {
		rt.SendMessage(runtime.UserMessage{Text: managerBootstrapInterview}, runtime.ModeAuto)
	}
	return created, nil
}

// createManagerDescriptorLocked builds a manager descriptor and starts its
// runtime. Callers hold the lifecycle section.
func (m *Manager) createManagerDescriptorLocked(managerID, name, cwd, modelPreset string) error {
	model, err := m.ResolveModelPreset(modelPreset)
	if err != nil {
		return err
	}
	if cwd == "" {
		cwd = m.defaultCwd
	}
	if cwd != "" && !filepath.IsAbs(cwd) {
		return fmt.Errorf("%w: cwd %q is not absolute", ErrInvalidInput, cwd)
	}
	now := m.now()
	d := &store.AgentDescriptor{
		AgentID:     managerID,
		DisplayName: name,
		Role:        store.RoleManager,
		ManagerID:   managerID,
		ArchetypeID: "manager",
		Status:      store.StatusIdle,
		CreatedAt:   now,
		UpdatedAt:   now,
		Cwd:         cwd,
		Model:       model,
		SessionFile: m.store.SessionFilePath(managerID),
	}

	m.mu.Lock()
	m.descriptors[managerID] = d
	m.mu.Unlock()

	if err := m.startRuntimeLocked(d); err != nil {
		m.mu.Lock()
		delete(m.descriptors, managerID)
		m.mu.Unlock()
		return err
	}
	return nil
}

// DeleteManager cascades: every owned worker is terminated and deleted,
// then the manager itself; both conversation histories are cleared.
func (m *Manager) DeleteManager(callerID, targetManagerID string) error {
	var workerIDs []string
	err := m.lifecycle("deleteManager", func() error {
		caller, ok := m.descriptor(callerID)
		if !ok || caller.Role != store.RoleManager {
			return fmt.Errorf("%w: caller must be a manager", ErrOwnershipViolation)
		}
		target, ok := m.descriptor(targetManagerID)
		if !ok || target.Role != store.RoleManager {
			return fmt.Errorf("%w: %s", ErrUnknownAgent, targetManagerID)
		}

		m.mu.RLock()
		for id, d := range m.descriptors {
			if d.Role == store.RoleWorker && d.ManagerID == targetManagerID {
				workerIDs = append(workerIDs, id)
			}
		}
		m.mu.RUnlock()

		for _, id := range workerIDs {
			m.terminateRuntime(id, true)
			m.projector.Drop(id)
		}
		m.terminateRuntime(targetManagerID, true)
		m.projector.Drop(targetManagerID)

		m.mu.Lock()
		for _, id := range workerIDs {
			delete(m.descriptors, id)
		}
		delete(m.descriptors, targetManagerID)
		delete(m.lastUserContext, targetManagerID)
		m.mu.Unlock()
		return m.saveLocked()
	})
	if err != nil {
		return err
	}

	if workerIDs == nil {
		workerIDs = []string{}
	}
	m.pub.Broadcast(*protocol.NewEvent(protocol.EventManagerDeleted, ManagerDeletedPayload{
		Type:                protocol.EventManagerDeleted,
		ManagerID:           targetManagerID,
		TerminatedWorkerIDs: workerIDs,
	}))
	m.emitSnapshot()
	return nil
}

// StopAllAgents interrupts in-flight work on a manager and all of its
// workers. Agents stay alive; only their current streams are cut.
func (m *Manager) StopAllAgents(callerID, targetManagerID string) error {
	if callerID != targetManagerID {
		return fmt.Errorf("%w: only %s can stop its own swarm", ErrOwnershipViolation, targetManagerID)
	}
	if _, err := m.requireRunningManager(targetManagerID); err != nil {
		return err
	}

	m.mu.RLock()
	var ids []string
	for id, d := range m.descriptors {
		owned := d.AgentID == targetManagerID ||
			(d.Role == store.RoleWorker && d.ManagerID == targetManagerID)
		if owned && d.Status.IsRunning() {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range ids {
		if rt, ok := m.runtimeFor(id); ok {
			rt.Interrupt()
		}
	}
	m.projector.Append(ConversationEntry{
		Type:    EntryConversationLog,
		AgentID: targetManagerID,
		Text:    fmt.Sprintf("stopped in-flight work on %d agent(s)", len(ids)),
	})
	return nil
}

// ResetManagerSession discards a manager's transcript and starts a fresh
// runtime. Applied twice it yields the same state as once.
func (m *Manager) ResetManagerSession(managerID, reason string) error {
	if managerID == "" {
		managerID = m.primaryManagerID
	}
	if reason == "" {
		reason = ResetReasonAPIReset
	}
	err := m.lifecycle("resetManagerSession", func() error {
		d, ok := m.descriptor(managerID)
		if !ok || d.Role != store.RoleManager {
			return fmt.Errorf("%w: %s", ErrUnknownAgent, managerID)
		}

		m.terminateRuntime(managerID, true)
		if err := m.store.DeleteSessionFile(managerID); err != nil {
			return err
		}

		m.mu.Lock()
		d.Status = store.StatusIdle
		d.ContextUsage = nil
		d.UpdatedAt = m.now()
		m.mu.Unlock()

		if err := m.startRuntimeLocked(d); err != nil {
			m.mu.Lock()
			d.Status = store.StatusStopped
			m.mu.Unlock()
			return err
		}
		return m.saveLocked()
	})
	if err != nil {
		return err
	}
	m.projector.Reset(managerID, reason)
	m.emitAgentStatus(managerID)
	return nil
}

// CompactOptions parameterizes a user-triggered compaction.
type CompactOptions struct {
	CustomInstructions string
	SourceContext      *SourceContext
	Trigger            string
}

// CompactAgentContext compacts a manager's context, bracketed by system
// messages announcing start and outcome.
func (m *Manager) CompactAgentContext(agentID string, opts CompactOptions) error {
	if _, err := m.requireRunningManager(agentID); err != nil {
		return err
	}
	rt, ok := m.runtimeFor(agentID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrTargetNotRunning, agentID)
	}

	m.projector.Append(ConversationEntry{
		Type:          EntryConversationMessage,
		AgentID:       agentID,
		Role:          "system",
		Text:          "Compacting conversation context…",
		SourceContext: opts.SourceContext,
	})

	err := rt.Compact(context.Background(), opts.CustomInstructions)

	outcome := "Context compaction complete."
	if err != nil {
		outcome = "Context compaction failed: " + err.Error()
	}
	m.projector.Append(ConversationEntry{
		Type:          EntryConversationMessage,
		AgentID:       agentID,
		Role:          "system",
		Text:          outcome,
		SourceContext: opts.SourceContext,
	})
	return err
}

// terminateRuntime tears down an agent's runtime if one exists.
func (m *Manager) terminateRuntime(agentID string, abort bool) {
	m.mu.Lock()
	rt, ok := m.runtimes[agentID]
	delete(m.runtimes, agentID)
	m.mu.Unlock()
	if ok {
		rt.Terminate(abort)
	}
}

// emitAgentStatus broadcasts the current status of one agent.
func (m *Manager) emitAgentStatus(agentID string) {
	d, ok := m.descriptor(agentID)
	if !ok {
		return
	}
	payload := AgentStatusPayload{
		Type:    protocol.EventAgentStatus,
		AgentID: agentID,
		Status:  d.Status,
	}
	if rt, ok := m.runtimeFor(agentID); ok {
		payload.PendingCount = rt.PendingCount()
		payload.ContextUsage = rt.ContextUsage()
	}
	m.pub.Broadcast(*protocol.NewEvent(protocol.EventAgentStatus, payload))
}
