// Package swarm owns the agent graph: descriptors, runtimes, message
// routing, conversation projection, and persistence coordination. All
// descriptor mutations run under one lifecycle section so the store only
// ever has a single writer.
package swarm

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nextlevelbuilder/swarmgate/internal/bus"
	"github.com/nextlevelbuilder/swarmgate/internal/providers"
	"github.com/nextlevelbuilder/swarmgate/internal/runtime"
	"github.com/nextlevelbuilder/swarmgate/internal/store"
	"github.com/nextlevelbuilder/swarmgate/internal/transport"
	"github.com/nextlevelbuilder/swarmgate/pkg/protocol"
)

// TransportFactory builds a session transport for a descriptor. Injected so
// tests can supply fakes and production can pick providers per model. The
// tool runner gives the agent its swarm tools (spawn, route, speak).
type TransportFactory func(desc *store.AgentDescriptor, systemPrompt string, tools transport.ToolRunner, toolDefs []providers.ToolDefinition) (transport.SessionTransport, error)

// Config carries the manager's process-scope settings.
type Config struct {
	PrimaryManagerID   string
	DefaultModelPreset string
	DefaultCwd         string
	RuntimeOptions     runtime.Options
}

// AgentStatusPayload is the wire shape of agent_status events.
type AgentStatusPayload struct {
	Type         string                  `json:"type"`
	AgentID      string                  `json:"agentId"`
	Status       store.AgentStatus       `json:"status"`
	PendingCount int                     `json:"pendingCount"`
	ContextUsage *transport.ContextUsage `json:"contextUsage,omitempty"`
}

// AgentsSnapshotPayload is the wire shape of agents_snapshot events.
// Subscribers treat it as an idempotent replacement.
type AgentsSnapshotPayload struct {
	Type   string                   `json:"type"`
	Agents []*store.AgentDescriptor `json:"agents"`
}

// Manager is the per-process swarm coordinator.
type Manager struct {
	primaryManagerID   string
	defaultModelPreset string
	defaultCwd         string
	runtimeOpts        runtime.Options

	store      *store.AgentStore
	pub        bus.Publisher
	projector  *Projector
	transports TransportFactory

	// lifecycleMu serializes every operation that mutates descriptors or
	// touches the store. Failures inside a section never poison the next.
	lifecycleMu sync.Mutex

	mu          sync.RWMutex
	descriptors map[string]*store.AgentDescriptor
	runtimes    map[string]*runtime.Runtime

	// lastUserContext remembers where each manager last heard from so
	// PublishToUser can reply without an explicit target.
	lastUserContext map[string]*SourceContext

	now func() time.Time
}

// New creates a Manager. Call Boot before use.
func New(cfg Config, st *store.AgentStore, pub bus.Publisher, factory TransportFactory) *Manager {
	if cfg.PrimaryManagerID == "" {
		cfg.PrimaryManagerID = "main"
	}
	if cfg.DefaultModelPreset == "" {
		cfg.DefaultModelPreset = "sonnet-4.5"
	}
	if cfg.RuntimeOptions.HealthCheckInterval <= 0 {
		cfg.RuntimeOptions = runtime.DefaultOptions()
	}
	return &Manager{
		primaryManagerID:   cfg.PrimaryManagerID,
		defaultModelPreset: cfg.DefaultModelPreset,
		defaultCwd:         cfg.DefaultCwd,
		runtimeOpts:        cfg.RuntimeOptions,
		store:              st,
		pub:                pub,
		projector:          NewProjector(pub),
		transports:         factory,
		descriptors:        make(map[string]*store.AgentDescriptor),
		runtimes:           make(map[string]*runtime.Runtime),
		lastUserContext:    make(map[string]*SourceContext),
		now:                func() time.Time { return time.Now().UTC() },
	}
}

// Projector exposes the conversation projector to the gateway.
func (m *Manager) Projector() *Projector { return m.projector }

// PrimaryManagerID returns the configured primary manager id.
func (m *Manager) PrimaryManagerID() string { return m.primaryManagerID }

// lifecycle runs fn under the serialized lifecycle section. A failed op
// logs and returns its error without breaking the chain for later ops.
func (m *Manager) lifecycle(name string, fn func() error) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	if err := fn(); err != nil {
		slog.Warn("lifecycle op failed", "op", name, "error", err)
		return err
	}
	return nil
}

// Boot loads persisted descriptors and restores runtimes. Descriptors
// persisted as streaming are normalized to idle; a runtime that fails to
// restore is saved as stopped — never lost. The primary manager is created
// if missing.
func (m *Manager) Boot() error {
	return m.lifecycle("boot", func() error {
		descs, err := m.store.Load()
		if err != nil {
			return fmt.Errorf("boot: %w", err)
		}

		m.mu.Lock()
		for _, d := range descs {
			if d.Status == store.StatusStreaming {
				d.Status = store.StatusIdle
				d.UpdatedAt = m.now()
			}
			m.descriptors[d.AgentID] = d
		}
		m.mu.Unlock()

		for _, d := range descs {
			if !d.Status.IsRunning() {
				continue
			}
			if err := m.startRuntimeLocked(d); err != nil {
				slog.Warn("failed to restore agent runtime", "agent", d.AgentID, "error", err)
				d.Status = store.StatusStopped
				d.ContextUsage = nil
				d.UpdatedAt = m.now()
			}
		}

		if _, ok := m.descriptor(m.primaryManagerID); !ok {
			if err := m.createManagerDescriptorLocked(m.primaryManagerID, m.primaryManagerID, m.defaultCwd, ""); err != nil {
				return fmt.Errorf("boot: create primary manager: %w", err)
			}
		}

		return m.saveLocked()
	})
}

// startRuntimeLocked builds the transport and runtime for a descriptor.
// Memory is ensured first: workers use their owning manager's file. Callers
// hold the lifecycle section.
func (m *Manager) startRuntimeLocked(d *store.AgentDescriptor) error {
	if _, err := m.store.EnsureMemoryFile(d.ManagerID); err != nil {
		return err
	}
	_, prompt := resolveArchetypePrompt(d.Role, d.ArchetypeID, d.AgentID)
	if memory := m.store.ReadMemory(d.ManagerID); memory != "" {
		prompt += "\n\n# Memory\n\n" + memory
	}

	tools, toolDefs := m.toolsFor(d)
	tr, err := m.transports(d, prompt, tools, toolDefs)
	if err != nil {
		return fmt.Errorf("create transport for %s: %w", d.AgentID, err)
	}

	rt := runtime.New(d.AgentID, tr, m.runtimeOpts, runtime.Callbacks{
		OnStatus:       m.onRuntimeStatus,
		OnError:        m.onRuntimeError,
		OnAgentEnd:     m.onAgentEnd,
		OnSessionEvent: m.onSessionEvent,
	})

	m.mu.Lock()
	m.runtimes[d.AgentID] = rt
	m.mu.Unlock()
	return nil
}

func (m *Manager) descriptor(agentID string) (*store.AgentDescriptor, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.descriptors[agentID]
	return d, ok
}

func (m *Manager) runtimeFor(agentID string) (*runtime.Runtime, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rt, ok := m.runtimes[agentID]
	return rt, ok
}

// Descriptors returns a stable snapshot, managers first then workers, each
// sorted by creation time.
func (m *Manager) Descriptors() []*store.AgentDescriptor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*store.AgentDescriptor, 0, len(m.descriptors))
	for _, d := range m.descriptors {
		out = append(out, d.Clone())
	}
	sortDescriptors(out)
	return out
}

// HasAgent reports whether the id is known (any status).
func (m *Manager) HasAgent(agentID string) bool {
	_, ok := m.descriptor(agentID)
	return ok
}

// RunningManagerCount counts managers able to accept messages.
func (m *Manager) RunningManagerCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, d := range m.descriptors {
		if d.Role == store.RoleManager && d.Status.IsRunning() {
			n++
		}
	}
	return n
}

// saveLocked persists the descriptor table. Callers hold the lifecycle
// section.
func (m *Manager) saveLocked() error {
	m.mu.RLock()
	agents := make([]*store.AgentDescriptor, 0, len(m.descriptors))
	for _, d := range m.descriptors {
		agents = append(agents, d)
	}
	m.mu.RUnlock()
	sortDescriptors(agents)
	return m.store.Save(agents)
}

// emitSnapshot broadcasts the full agent table; subscribers replace their
// copy wholesale.
func (m *Manager) emitSnapshot() {
	m.pub.Broadcast(*protocol.NewEvent(protocol.EventAgentsSnapshot, AgentsSnapshotPayload{
		Type:   protocol.EventAgentsSnapshot,
		Agents: m.Descriptors(),
	}))
}

// Snapshot returns the agents_snapshot payload for reconnect bootstrap.
func (m *Manager) Snapshot() AgentsSnapshotPayload {
	return AgentsSnapshotPayload{
		Type:   protocol.EventAgentsSnapshot,
		Agents: m.Descriptors(),
	}
}

// sortDescriptors orders managers first, then by creation time, then id
// for determinism.
func sortDescriptors(ds []*store.AgentDescriptor) {
	roleRank := func(r store.AgentRole) int {
		if r == store.RoleManager {
			return 0
		}
		return 1
	}
	sort.Slice(ds, func(i, j int) bool {
		a, b := ds[i], ds[j]
		if roleRank(a.Role) != roleRank(b.Role) {
			return roleRank(a.Role) < roleRank(b.Role)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.AgentID < b.AgentID
	})
}
