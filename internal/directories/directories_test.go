package directories

import (
	"os"
	"path/filepath"
	"testing"
)

func TestValidate(t *testing.T) {
	svc := NewService()
	dir := t.TempDir()

	resolved, err := svc.Validate(dir)
	if err != nil {
		t.Fatalf("Validate(%s): %v", dir, err)
	}
	if resolved != filepath.Clean(dir) {
		t.Errorf("resolved = %q", resolved)
	}

	if _, err := svc.Validate("relative/path"); err == nil {
		t.Error("relative path validated")
	}
	if _, err := svc.Validate(filepath.Join(dir, "missing")); err == nil {
		t.Error("missing path validated")
	}

	file := filepath.Join(dir, "f.txt")
	os.WriteFile(file, []byte("x"), 0o644)
	if _, err := svc.Validate(file); err == nil {
		t.Error("plain file validated as directory")
	}
}

func TestListSkipsFilesAndOrdersHiddenLast(t *testing.T) {
	svc := NewService()
	dir := t.TempDir()
	os.Mkdir(filepath.Join(dir, "zeta"), 0o755)
	os.Mkdir(filepath.Join(dir, "alpha"), 0o755)
	os.Mkdir(filepath.Join(dir, ".hidden"), 0o755)
	os.WriteFile(filepath.Join(dir, "file.txt"), []byte("x"), 0o644)

	_, entries, err := svc.List(dir)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name)
	}
	want := []string{"alpha", "zeta", ".hidden"}
	if len(names) != len(want) {
		t.Fatalf("entries = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("entries = %v, want %v", names, want)
		}
	}
}

func TestPickFallsBackToHome(t *testing.T) {
	svc := NewService()
	if got := svc.Pick("relative"); got != svc.home {
		t.Errorf("Pick(relative) = %q, want home", got)
	}
	dir := t.TempDir()
	if got := svc.Pick(dir); got != filepath.Clean(dir) {
		t.Errorf("Pick(%s) = %q", dir, got)
	}
}
