package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testDescriptor(id string, role AgentRole) *AgentDescriptor {
	managerID := id
	if role == RoleWorker {
		managerID = "boss"
	}
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	return &AgentDescriptor{
		AgentID:     id,
		DisplayName: id,
		Role:        role,
		ManagerID:   managerID,
		Status:      StatusIdle,
		CreatedAt:   now,
		UpdatedAt:   now,
		Cwd:         "/tmp",
		Model:       ModelRef{Provider: "anthropic", ModelID: "claude-sonnet-4-5-20250929"},
		SessionFile: "/tmp/" + id + ".jsonl",
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := NewAgentStore(dir, "boss")

	agents := []*AgentDescriptor{
		testDescriptor("boss", RoleManager),
		testDescriptor("scout", RoleWorker),
	}
	if err := s.Save(agents); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("loaded %d agents, want 2", len(loaded))
	}
	for i, d := range loaded {
		if d.AgentID != agents[i].AgentID || d.Role != agents[i].Role || d.Status != agents[i].Status {
			t.Errorf("agent %d = %+v, want %+v", i, d, agents[i])
		}
		if !d.CreatedAt.Equal(agents[i].CreatedAt) {
			t.Errorf("agent %d CreatedAt drifted: %s != %s", i, d.CreatedAt, agents[i].CreatedAt)
		}
	}
}

func TestSaveWritesPrettyJSONWithTrailingNewline(t *testing.T) {
	dir := t.TempDir()
	s := NewAgentStore(dir, "boss")
	if err := s.Save([]*AgentDescriptor{testDescriptor("boss", RoleManager)}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "swarm", "agents.json"))
	if err != nil {
		t.Fatalf("read agents.json: %v", err)
	}
	if !strings.HasSuffix(string(data), "\n") {
		t.Error("agents.json missing trailing newline")
	}
	if !strings.Contains(string(data), "\n  \"agents\"") {
		t.Error("agents.json is not two-space indented")
	}

	var file AgentsFile
	if err := json.Unmarshal(data, &file); err != nil {
		t.Fatalf("agents.json is not valid JSON: %v", err)
	}
	if file.AgentID != "boss" {
		t.Errorf("writer tag = %q, want boss", file.AgentID)
	}
}

func TestLoadSkipsInvalidDescriptors(t *testing.T) {
	dir := t.TempDir()
	s := NewAgentStore(dir, "boss")

	raw := AgentsFile{
		Version: 1,
		AgentID: "boss",
		Agents: []*AgentDescriptor{
			testDescriptor("boss", RoleManager),
			{AgentID: "BAD ID!", Role: RoleWorker, ManagerID: "boss", Status: StatusIdle},
			{AgentID: "self-owned", Role: RoleManager, ManagerID: "other", Status: StatusIdle},
			{AgentID: "ghost", Role: RoleWorker, ManagerID: "boss", Status: "haunted"},
		},
	}
	data, _ := json.MarshalIndent(raw, "", "  ")
	if err := os.MkdirAll(filepath.Join(dir, "swarm"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "swarm", "agents.json"), data, 0o644); err != nil {
		t.Fatal(err)
	}

	loaded, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded) != 1 || loaded[0].AgentID != "boss" {
		t.Fatalf("loaded %+v, want only boss", loaded)
	}
}

func TestLoadMissingFileIsEmptySwarm(t *testing.T) {
	s := NewAgentStore(t.TempDir(), "boss")
	loaded, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded) != 0 {
		t.Fatalf("loaded %d agents from nothing", len(loaded))
	}
}

func TestSanitizeFileName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"report.pdf", "report.pdf"},
		{"../../etc/passwd", "_.._etc_passwd"},
		{"a/b\\c.txt", "a_b_c.txt"},
		{".hidden", "hidden"},
		{"  spaced   name .txt ", "spaced name .txt"},
		{"ctrl\x00\x1fchars.bin", "ctrlchars.bin"},
		{"", "attachment"},
		{strings.Repeat("x", 200), strings.Repeat("x", 120)},
	}
	for _, tt := range tests {
		if got := SanitizeFileName(tt.in); got != tt.want {
			t.Errorf("SanitizeFileName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSaveAttachmentLayout(t *testing.T) {
	dir := t.TempDir()
	s := NewAgentStore(dir, "boss")

	path, err := s.SaveAttachment("scout", "batch1", 3, "notes.txt", []byte("hello"))
	if err != nil {
		t.Fatalf("SaveAttachment: %v", err)
	}
	want := filepath.Join(dir, "attachments", "scout", "batch1", "03-notes.txt")
	if path != want {
		t.Errorf("path = %q, want %q", path, want)
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "hello" {
		t.Errorf("read back %q, %v", data, err)
	}
}

func TestEnsureMemoryFile(t *testing.T) {
	dir := t.TempDir()
	s := NewAgentStore(dir, "boss")

	path, err := s.EnsureMemoryFile("boss")
	if err != nil {
		t.Fatalf("EnsureMemoryFile: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("memory file missing: %v", err)
	}

	// Existing content is never overwritten.
	if err := os.WriteFile(path, []byte("precious"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := s.EnsureMemoryFile("boss"); err != nil {
		t.Fatalf("EnsureMemoryFile second call: %v", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "precious" {
		t.Errorf("memory file overwritten: %q", data)
	}
}
