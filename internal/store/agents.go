package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

const agentsFileVersion = 1

// AgentsFile is the persisted container for all descriptors. The file is
// tagged with the writing process's primary manager id.
type AgentsFile struct {
	Version int                `json:"version"`
	AgentID string             `json:"agentId"`
	Agents  []*AgentDescriptor `json:"agents"`
}

// AgentStore reads and writes the descriptor table plus the per-agent
// auxiliary files under dataDir. Save calls are serialized by the Swarm
// Manager's lifecycle queue; the store itself does no locking.
type AgentStore struct {
	dataDir string
	ownerID string // writer tag for agents.json
}

// NewAgentStore creates the store rooted at dataDir.
func NewAgentStore(dataDir, ownerID string) *AgentStore {
	return &AgentStore{dataDir: dataDir, ownerID: ownerID}
}

// DataDir returns the store's root directory.
func (s *AgentStore) DataDir() string { return s.dataDir }

func (s *AgentStore) agentsPath() string {
	return filepath.Join(s.dataDir, "swarm", "agents.json")
}

// SessionFilePath returns the JSONL transcript path for an agent.
func (s *AgentStore) SessionFilePath(agentID string) string {
	return filepath.Join(s.dataDir, "sessions", agentID+".jsonl")
}

// Load reads agents.json. Descriptors that fail validation are skipped with
// a log so one corrupt entry never takes the swarm down. A missing file is
// an empty swarm, not an error.
func (s *AgentStore) Load() ([]*AgentDescriptor, error) {
	data, err := os.ReadFile(s.agentsPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read agents file: %w", err)
	}

	var file AgentsFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse agents file: %w", err)
	}

	valid := make([]*AgentDescriptor, 0, len(file.Agents))
	for _, d := range file.Agents {
		if d == nil {
			continue
		}
		if err := d.Validate(); err != nil {
			slog.Warn("skipping invalid agent descriptor", "error", err)
			continue
		}
		valid = append(valid, d)
	}
	return valid, nil
}

// Save writes the full descriptor table atomically.
func (s *AgentStore) Save(agents []*AgentDescriptor) error {
	file := AgentsFile{
		Version: agentsFileVersion,
		AgentID: s.ownerID,
		Agents:  agents,
	}
	data, err := marshalPretty(file)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(s.agentsPath(), data); err != nil {
		return fmt.Errorf("write agents file: %w", err)
	}
	return nil
}

// DeleteSessionFile removes an agent's transcript (resetManagerSession).
func (s *AgentStore) DeleteSessionFile(agentID string) error {
	err := os.Remove(s.SessionFilePath(agentID))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete session file: %w", err)
	}
	return nil
}
