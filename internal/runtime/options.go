package runtime

import (
	"strconv"
	"time"
)

// Options are the runtime's timeout and cooldown knobs, captured at
// construction. Env parsing is a pure function so tests can feed their own
// lookup.
type Options struct {
	MaxPromptDispatchAttempts    int
	PromptDispatchTimeout        time.Duration
	CompactionTimeout            time.Duration
	ProactiveCompactionThreshold float64 // fraction of the context window; <=0 disables
	ProactiveCompactionCooldown  time.Duration
	OverflowRecoveryCooldown     time.Duration
	HealthCheckInterval          time.Duration
	StreamingInactivityTimeout   time.Duration
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		MaxPromptDispatchAttempts:    2,
		PromptDispatchTimeout:        120 * time.Second,
		CompactionTimeout:            120 * time.Second,
		ProactiveCompactionThreshold: 0.85,
		ProactiveCompactionCooldown:  60 * time.Second,
		OverflowRecoveryCooldown:     60 * time.Second,
		HealthCheckInterval:          15 * time.Second,
		StreamingInactivityTimeout:   300 * time.Second,
	}
}

// OptionsFromEnv overlays env overrides on the defaults. getenv is usually
// os.Getenv; an empty or unparseable value leaves the default untouched.
func OptionsFromEnv(getenv func(string) string) Options {
	opts := DefaultOptions()
	ms := func(key string, dst *time.Duration) {
		if v, err := strconv.Atoi(getenv(key)); err == nil && v > 0 {
			*dst = time.Duration(v) * time.Millisecond
		}
	}
	ms("SWARMGATE_PROMPT_DISPATCH_TIMEOUT_MS", &opts.PromptDispatchTimeout)
	ms("SWARMGATE_COMPACTION_TIMEOUT_MS", &opts.CompactionTimeout)
	ms("SWARMGATE_PROACTIVE_COMPACTION_COOLDOWN_MS", &opts.ProactiveCompactionCooldown)
	ms("SWARMGATE_OVERFLOW_RECOVERY_COOLDOWN_MS", &opts.OverflowRecoveryCooldown)
	ms("SWARMGATE_HEALTH_CHECK_INTERVAL_MS", &opts.HealthCheckInterval)
	ms("SWARMGATE_STREAMING_INACTIVITY_TIMEOUT_MS", &opts.StreamingInactivityTimeout)
	if v, err := strconv.Atoi(getenv("SWARMGATE_MAX_PROMPT_DISPATCH_ATTEMPTS")); err == nil && v > 0 {
		opts.MaxPromptDispatchAttempts = v
	}
	if raw := getenv("SWARMGATE_PROACTIVE_COMPACTION_THRESHOLD"); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			opts.ProactiveCompactionThreshold = v
		}
	}
	return opts
}
