package runtime

import (
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/swarmgate/internal/store"
)

// watchdogLoop ticks every HealthCheckInterval until Terminate.
func (r *Runtime) watchdogLoop() {
	for {
		select {
		case <-r.done:
			return
		case <-r.watchdog.C:
			r.healthCheck()
		}
	}
}

// healthCheck bounds the two hang classes: a stream that stopped emitting
// events, and a dispatch that never produced agent_start.
func (r *Runtime) healthCheck() {
	r.mu.Lock()
	if r.healthCheckInProgress {
		r.mu.Unlock()
		return
	}
	r.healthCheckInProgress = true

	now := r.now()
	var reason string
	var timedOut time.Duration
	switch {
	case r.status == store.StatusStreaming && !r.autoCompactionInProgress &&
		now.Sub(r.lastEventAt) >= r.opts.StreamingInactivityTimeout:
		reason, timedOut = "streaming", now.Sub(r.lastEventAt)
	case r.promptDispatchPending && r.status != store.StatusStreaming &&
		!r.promptDispatchStartedAt.IsZero() &&
		now.Sub(r.promptDispatchStartedAt) >= r.opts.PromptDispatchTimeout:
		reason, timedOut = "prompt_dispatch", now.Sub(r.promptDispatchStartedAt)
	}
	r.healthCheckInProgress = false
	r.mu.Unlock()

	if reason != "" {
		r.handleWatchdogTimeout(reason, timedOut)
	}
}

// handleWatchdogTimeout recovers a hung agent: abort the transport, drop the
// steering queue, surface the error, and return to idle. The
// recoveryInProgress guard ensures only one recovery runs at a time.
func (r *Runtime) handleWatchdogTimeout(reason string, timedOut time.Duration) {
	r.mu.Lock()
	if r.recoveryInProgress || r.status == store.StatusTerminated {
		r.mu.Unlock()
		return
	}
	r.recoveryInProgress = true

	dropped := len(r.pending)
	r.pending = nil
	r.promptDispatchPending = false
	r.promptDispatchStartedAt = time.Time{}
	r.ignoreNextAgentStart = false
	r.lastPromptMessage = nil
	r.status = store.StatusIdle
	r.lastEventAt = r.now() // restart the inactivity clock
	r.emitStatusLocked()
	r.mu.Unlock()

	slog.Warn("watchdog timeout", "agent", r.agentID, "reason", reason,
		"timed_out_ms", timedOut.Milliseconds(), "dropped_pending", dropped)

	r.maybeAbortStuckSession()

	r.reportError(ErrorEvent{
		AgentID: r.agentID,
		Phase:   PhaseWatchdogTimeout,
		Message: "agent made no progress and was recovered by the watchdog",
		Details: map[string]any{
			"reason":              reason,
			"timedOutMs":          timedOut.Milliseconds(),
			"droppedPendingCount": dropped,
		},
	})

	r.mu.Lock()
	r.recoveryInProgress = false
	r.mu.Unlock()

	if r.cb.OnAgentEnd != nil {
		r.cb.OnAgentEnd(r.agentID)
	}
}
