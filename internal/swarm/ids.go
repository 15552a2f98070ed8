package swarm

import (
	"fmt"
	"strings"
)

const maxAgentIDLen = 48

// NormalizeAgentID turns an arbitrary display name into the persisted slug
// shape: lowercase, non-alphanumerics collapsed to '-', trimmed, capped at
// 48. Idempotent.
func NormalizeAgentID(source string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(source) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	s := b.String()
	for strings.Contains(s, "--") {
		s = strings.ReplaceAll(s, "--", "-")
	}
	s = strings.Trim(s, "-")
	if len(s) > maxAgentIDLen {
		s = strings.Trim(s[:maxAgentIDLen], "-")
	}
	if s == "" {
		s = "agent"
	}
	return s
}

// allocateAgentIDLocked returns the normalized id, suffixing -2, -3, … on
// collision. The reserved primary manager id is treated as taken so the
// allocator can never produce it. Callers hold the manager's lifecycle
// section.
func (m *Manager) allocateAgentIDLocked(source string) string {
	base := NormalizeAgentID(source)
	taken := func(id string) bool {
		if id == m.primaryManagerID {
			return true
		}
		_, exists := m.descriptors[id]
		return exists
	}
	if !taken(base) {
		return base
	}
	for n := 2; ; n++ {
		suffix := fmt.Sprintf("-%d", n)
		id := base
		if len(id)+len(suffix) > maxAgentIDLen {
			id = strings.Trim(id[:maxAgentIDLen-len(suffix)], "-")
		}
		id += suffix
		if !taken(id) {
			return id
		}
	}
}
