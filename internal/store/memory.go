package store

import (
	"fmt"
	"os"
	"path/filepath"
)

const defaultMemoryTemplate = `# Memory

Long-lived notes for this manager. Workers read this file too.
`

// MemoryFilePath returns the per-manager memory file path. Workers use
// their owning manager's file.
func (s *AgentStore) MemoryFilePath(managerID string) string {
	return filepath.Join(s.dataDir, "memory", managerID+".md")
}

// EnsureMemoryFile creates the memory file with a template if it does not
// exist yet. Called on boot and again before every runtime creation.
func (s *AgentStore) EnsureMemoryFile(managerID string) (string, error) {
	path := s.MemoryFilePath(managerID)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create memory dir: %w", err)
	}
	if err := writeFileAtomic(path, []byte(defaultMemoryTemplate)); err != nil {
		return "", fmt.Errorf("seed memory file: %w", err)
	}
	return path, nil
}

// ReadMemory returns the manager's memory content, or empty if unreadable.
func (s *AgentStore) ReadMemory(managerID string) string {
	data, err := os.ReadFile(s.MemoryFilePath(managerID))
	if err != nil {
		return ""
	}
	return string(data)
}
