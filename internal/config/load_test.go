package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json5"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Port != 18890 {
		t.Errorf("port = %d, want default 18890", cfg.Gateway.Port)
	}
	if cfg.Swarm.PrimaryManagerID != "main" {
		t.Errorf("primary manager = %q, want main", cfg.Swarm.PrimaryManagerID)
	}
}

func TestLoadParsesJSON5(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json5")
	content := `{
  // comments are allowed
  gateway: { port: 9999, rate_limit_rpm: 10 },
  swarm: { primary_manager_id: "queen", data_dir: "` + dir + `" },
}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Port != 9999 {
		t.Errorf("port = %d, want 9999", cfg.Gateway.Port)
	}
	if cfg.Gateway.RateLimitRPM != 10 {
		t.Errorf("rate_limit_rpm = %d, want 10", cfg.Gateway.RateLimitRPM)
	}
	if cfg.Swarm.PrimaryManagerID != "queen" {
		t.Errorf("primary manager = %q, want queen", cfg.Swarm.PrimaryManagerID)
	}
}

func TestSecretsComeFromEnvOnly(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json5")
	// A key smuggled into the file must be ignored (the field is json:"-").
	content := `{ providers: { anthropic: { APIKey: "sk-file-smuggled" } } }`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("SWARMGATE_ANTHROPIC_API_KEY", "sk-from-env")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Providers.Anthropic.APIKey != "sk-from-env" {
		t.Errorf("api key = %q, want env value", cfg.Providers.Anthropic.APIKey)
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}
	if got := expandHome("~/x"); got != filepath.Join(home, "x") {
		t.Errorf("expandHome(~/x) = %q", got)
	}
	if got := expandHome("/abs/path"); got != "/abs/path" {
		t.Errorf("expandHome(/abs/path) = %q", got)
	}
}
