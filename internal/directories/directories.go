// Package directories backs the gateway's directory browsing commands:
// listing candidate working directories, validating a path, and picking a
// default. Used when creating managers and spawning workers with a cwd.
package directories

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Entry is one directory in a listing.
type Entry struct {
	Name   string `json:"name"`
	Path   string `json:"path"`
	Hidden bool   `json:"hidden,omitempty"`
}

// Service resolves and validates directories rooted at the user's home.
type Service struct {
	home string
}

func NewService() *Service {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "/"
	}
	return &Service{home: home}
}

// List returns the subdirectories of path (home when empty), hidden ones
// last.
func (s *Service) List(path string) (string, []Entry, error) {
	resolved, err := s.resolve(path)
	if err != nil {
		return "", nil, err
	}
	items, err := os.ReadDir(resolved)
	if err != nil {
		return "", nil, fmt.Errorf("list %s: %w", resolved, err)
	}

	entries := make([]Entry, 0, len(items))
	for _, item := range items {
		if !item.IsDir() {
			continue
		}
		name := item.Name()
		entries = append(entries, Entry{
			Name:   name,
			Path:   filepath.Join(resolved, name),
			Hidden: strings.HasPrefix(name, "."),
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Hidden != entries[j].Hidden {
			return !entries[i].Hidden
		}
		return entries[i].Name < entries[j].Name
	})
	return resolved, entries, nil
}

// Validate checks that path is an absolute, existing, readable directory.
func (s *Service) Validate(path string) (string, error) {
	resolved, err := s.resolve(path)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", resolved, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%s is not a directory", resolved)
	}
	if _, err := os.ReadDir(resolved); err != nil {
		return "", fmt.Errorf("%s is not readable: %w", resolved, err)
	}
	return resolved, nil
}

// Pick returns defaultPath when valid, falling back to home. A headless
// stand-in for a native directory picker.
func (s *Service) Pick(defaultPath string) string {
	if defaultPath != "" {
		if resolved, err := s.Validate(defaultPath); err == nil {
			return resolved
		}
	}
	return s.home
}

func (s *Service) resolve(path string) (string, error) {
	if path == "" {
		return s.home, nil
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		path = filepath.Join(s.home, strings.TrimPrefix(path, "~"))
	}
	if !filepath.IsAbs(path) {
		return "", fmt.Errorf("path %q is not absolute", path)
	}
	return filepath.Clean(path), nil
}
