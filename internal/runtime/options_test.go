package runtime

import (
	"testing"
	"time"
)

func TestOptionsFromEnv(t *testing.T) {
	env := map[string]string{
		"SWARMGATE_PROMPT_DISPATCH_TIMEOUT_MS":    "5000",
		"SWARMGATE_PROACTIVE_COMPACTION_THRESHOLD": "0.5",
		"SWARMGATE_HEALTH_CHECK_INTERVAL_MS":       "not-a-number",
	}
	opts := OptionsFromEnv(func(key string) string { return env[key] })

	if opts.PromptDispatchTimeout != 5*time.Second {
		t.Errorf("PromptDispatchTimeout = %s, want 5s", opts.PromptDispatchTimeout)
	}
	if opts.ProactiveCompactionThreshold != 0.5 {
		t.Errorf("ProactiveCompactionThreshold = %f, want 0.5", opts.ProactiveCompactionThreshold)
	}
	// Unparseable values leave defaults in place.
	if opts.HealthCheckInterval != DefaultOptions().HealthCheckInterval {
		t.Errorf("HealthCheckInterval = %s, want default", opts.HealthCheckInterval)
	}
	// Untouched knobs keep their defaults.
	if opts.OverflowRecoveryCooldown != DefaultOptions().OverflowRecoveryCooldown {
		t.Errorf("OverflowRecoveryCooldown = %s, want default", opts.OverflowRecoveryCooldown)
	}
}
