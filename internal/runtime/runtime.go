// Package runtime supervises one streaming LLM session per agent: prompt
// dispatch with retry, steering queues, watchdog timers, and context-window
// recovery. The manager owns the runtime; the runtime only sees its
// transport and a Callbacks capability struct.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/swarmgate/internal/store"
	"github.com/nextlevelbuilder/swarmgate/internal/transport"
)

// Mode is the caller's requested delivery mode for SendMessage.
type Mode string

const (
	ModeAuto     Mode = "auto"
	ModeFollowUp Mode = "followUp"
	ModeSteer    Mode = "steer"
)

// AcceptedMode reports how a message was actually delivered.
type AcceptedMode string

const (
	AcceptedPrompt AcceptedMode = "prompt"
	AcceptedSteer  AcceptedMode = "steer"
)

// Receipt is returned by SendMessage.
type Receipt struct {
	AcceptedMode AcceptedMode `json:"acceptedMode"`
	DeliveryID   string       `json:"deliveryId,omitempty"`
}

// PendingDelivery records a steering message accepted by the transport but
// not yet observed as a user-role session event.
type PendingDelivery struct {
	DeliveryID string `json:"deliveryId"`
	MessageKey string `json:"messageKey"`
	Mode       string `json:"mode"`
}

// StatusUpdate is pushed on every externally visible state change.
type StatusUpdate struct {
	AgentID      string
	Status       store.AgentStatus
	PendingCount int
	ContextUsage *transport.ContextUsage // nil when status is non-running
}

// Callbacks is the capability struct the manager hands to the runtime.
// All callbacks may be nil. Callbacks must not block: they are invoked from
// runtime goroutines and the transport's event dispatch.
type Callbacks struct {
	OnStatus       func(StatusUpdate)
	OnError        func(ErrorEvent)
	OnAgentEnd     func(agentID string)
	OnSessionEvent func(agentID string, ev transport.SessionEvent)
}

var tracer = otel.Tracer("swarmgate/runtime")

// Runtime supervises a single agent session.
type Runtime struct {
	agentID   string
	transport transport.SessionTransport
	opts      Options
	cb        Callbacks
	now       func() time.Time // test hook

	mu                        sync.Mutex
	status                    store.AgentStatus
	promptDispatchPending     bool
	promptDispatchStartedAt   time.Time
	ignoreNextAgentStart      bool
	autoCompactionInProgress  bool
	recoveryInProgress        bool
	healthCheckInProgress     bool
	lastPromptMessage         *UserMessage
	lastEventAt               time.Time
	lastProactiveCompactionAt time.Time
	lastOverflowRecoveryAt    time.Time
	pending                   []PendingDelivery

	unsubscribe func()
	watchdog    *time.Ticker
	done        chan struct{}
}

// New creates and starts a runtime around the given transport. The watchdog
// begins ticking immediately.
func New(agentID string, tr transport.SessionTransport, opts Options, cb Callbacks) *Runtime {
	r := &Runtime{
		agentID: agentID,
		transport: tr,
		opts:    opts,
		cb:      cb,
		now:     func() time.Time { return time.Now().UTC() },
		status:  store.StatusIdle,
		done:    make(chan struct{}),
	}
	r.lastEventAt = r.now()
	r.unsubscribe = tr.Subscribe(r.handleSessionEvent)
	r.watchdog = time.NewTicker(opts.HealthCheckInterval)
	go r.watchdogLoop()
	return r
}

// Status returns the current lifecycle status.
func (r *Runtime) Status() store.AgentStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// PendingCount returns the number of undelivered steering messages.
func (r *Runtime) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// ContextUsage proxies the transport's usage report; nil when not running.
func (r *Runtime) ContextUsage() *transport.ContextUsage {
	r.mu.Lock()
	running := r.status.IsRunning()
	r.mu.Unlock()
	if !running {
		return nil
	}
	return r.transport.ContextUsage()
}

// SendMessage accepts a user message for this agent. If a prompt is already
// streaming (or dispatch is pending) the message is steered into the live
// stream; otherwise it is dispatched as a fresh prompt asynchronously.
func (r *Runtime) SendMessage(msg UserMessage, _ Mode) (Receipt, error) {
	msg = msg.Normalize()

	r.mu.Lock()
	if r.status == store.StatusTerminated {
		r.mu.Unlock()
		return Receipt{}, ErrAgentTerminated
	}

	if r.transport.IsStreaming() || r.promptDispatchPending {
		deliveryID := uuid.NewString()
		// Steer under the lock so queue order matches transport order.
		if err := r.transport.Steer(context.Background(), msg.Text, msg.Images); err != nil {
			r.mu.Unlock()
			return Receipt{}, fmt.Errorf("steer failed: %w", err)
		}
		r.pending = append(r.pending, PendingDelivery{
			DeliveryID: deliveryID,
			MessageKey: MessageKey(msg),
			Mode:       string(ModeSteer),
		})
		r.emitStatusLocked()
		r.mu.Unlock()
		return Receipt{AcceptedMode: AcceptedSteer, DeliveryID: deliveryID}, nil
	}

	r.promptDispatchPending = true
	r.promptDispatchStartedAt = r.now()
	m := msg
	r.lastPromptMessage = &m
	r.mu.Unlock()

	go r.dispatchPromptWithRetry(msg)
	return Receipt{AcceptedMode: AcceptedPrompt}, nil
}

// dispatchPromptWithRetry runs proactive compaction, then attempts the
// prompt up to MaxPromptDispatchAttempts times.
func (r *Runtime) dispatchPromptWithRetry(msg UserMessage) {
	ctx, span := tracer.Start(context.Background(), "prompt_dispatch",
		otelAgentAttr(r.agentID))
	defer span.End()

	r.maybeCompactBeforePrompt(ctx)

	maxAttempts := r.opts.MaxPromptDispatchAttempts
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := r.promptOnce(msg)
		if err == nil {
			return
		}
		slog.Warn("prompt dispatch failed", "agent", r.agentID, "attempt", attempt, "error", err)

		r.mu.Lock()
		status := r.status
		r.mu.Unlock()
		canRetry := attempt < maxAttempts &&
			status != store.StatusTerminated &&
			status != store.StatusStreaming &&
			!r.transport.IsStreaming()
		if canRetry {
			continue
		}
		r.handlePromptDispatchError(err, attempt)
		return
	}
}

// promptOnce performs one prompt call bounded by PromptDispatchTimeout.
func (r *Runtime) promptOnce(msg UserMessage) error {
	return r.callWithTimeout(r.opts.PromptDispatchTimeout, func(ctx context.Context) error {
		if msg.Text == "" && len(msg.Images) > 0 {
			parts := make([]transport.MessagePart, 0, len(msg.Images))
			for i := range msg.Images {
				parts = append(parts, transport.MessagePart{Image: &msg.Images[i]})
			}
			return r.transport.SendUserMessage(ctx, parts)
		}
		return r.transport.Prompt(ctx, msg.Text, msg.Images)
	})
}

// callWithTimeout races fn against a timer. fn must honor ctx; if it does
// not return by the deadline the call is reported as timed out and the
// goroutine is left to drain on its own.
func (r *Runtime) callWithTimeout(d time.Duration, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- fn(ctx) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return fmt.Errorf("call timed out after %s", d)
	}
}

// handlePromptDispatchError is the terminal failure path for a prompt that
// could not be dispatched. Queued steering messages are lost; their count is
// reported so the user-facing error can say so.
func (r *Runtime) handlePromptDispatchError(err error, attempt int) {
	message := err.Error()

	phase := PhasePromptDispatch
	if compactionErrRe.MatchString(message) || contextOverflowRe.MatchString(message) {
		phase = PhaseCompaction
	}
	if timeoutErrRe.MatchString(message) {
		r.maybeAbortStuckSession()
	}

	r.mu.Lock()
	dropped := len(r.pending)
	r.pending = nil
	r.ignoreNextAgentStart = true
	r.lastPromptMessage = nil
	r.promptDispatchPending = false
	r.promptDispatchStartedAt = time.Time{}
	if r.status != store.StatusTerminated {
		r.status = store.StatusIdle
	}
	r.emitStatusLocked()
	r.mu.Unlock()

	r.reportError(ErrorEvent{
		AgentID: r.agentID,
		Phase:   phase,
		Message: message,
		Details: map[string]any{
			"attempt":             attempt,
			"maxAttempts":         r.opts.MaxPromptDispatchAttempts,
			"droppedPendingCount": dropped,
		},
	})
	if r.cb.OnAgentEnd != nil {
		r.cb.OnAgentEnd(r.agentID)
	}
}

// maybeAbortStuckSession best-effort aborts the transport after a timeout so
// a wedged stream does not block the next prompt.
func (r *Runtime) maybeAbortStuckSession() {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Warn("abort of stuck session panicked", "agent", r.agentID, "panic", rec)
		}
	}()
	r.transport.Abort()
}

// maybeCompactBeforePrompt proactively compacts when context usage crosses
// the threshold. Failure never blocks dispatch.
func (r *Runtime) maybeCompactBeforePrompt(ctx context.Context) {
	threshold := r.opts.ProactiveCompactionThreshold
	if threshold <= 0 || r.transport.IsCompacting() {
		return
	}
	r.mu.Lock()
	terminated := r.status == store.StatusTerminated
	sinceLast := r.now().Sub(r.lastProactiveCompactionAt)
	r.mu.Unlock()
	if terminated || sinceLast < r.opts.ProactiveCompactionCooldown {
		return
	}

	usage := r.transport.ContextUsage()
	if usage == nil || usage.Percent < threshold {
		return
	}

	_, span := tracer.Start(ctx, "proactive_compaction", otelAgentAttr(r.agentID))
	defer span.End()

	slog.Info("proactive compaction", "agent", r.agentID,
		"usage_percent", usage.Percent, "threshold", threshold)

	err := r.callWithTimeout(r.opts.CompactionTimeout, func(ctx context.Context) error {
		return r.transport.Compact(ctx, "")
	})
	if err != nil {
		r.reportError(ErrorEvent{
			AgentID: r.agentID,
			Phase:   PhaseCompaction,
			Message: err.Error(),
			Details: map[string]any{
				"source":           "proactive",
				"usagePercent":     usage.Percent,
				"usageTokens":      usage.Tokens,
				"contextWindow":    usage.ContextWindow,
				"thresholdPercent": threshold,
			},
		})
		return
	}
	r.mu.Lock()
	r.lastProactiveCompactionAt = r.now()
	r.mu.Unlock()
}

// handleSessionEvent is the transport subscription callback. Events arrive
// in emission order; every handler updates the inactivity clock. A panic in
// a handler is reported rather than allowed to kill the event stream.
func (r *Runtime) handleSessionEvent(ev transport.SessionEvent) {
	defer func() {
		if rec := recover(); rec != nil {
			r.reportError(ErrorEvent{
				AgentID: r.agentID,
				Phase:   PhaseSessionEventHandler,
				Message: fmt.Sprintf("session event handler panicked: %v", rec),
				Details: map[string]any{"event": string(ev.Type)},
			})
		}
	}()

	r.mu.Lock()
	r.lastEventAt = r.now()
	terminated := r.status == store.StatusTerminated
	r.mu.Unlock()
	if terminated {
		return
	}

	switch ev.Type {
	case transport.EventAutoCompactionStart:
		r.mu.Lock()
		r.autoCompactionInProgress = true
		r.mu.Unlock()

	case transport.EventAutoCompactionEnd:
		r.mu.Lock()
		r.autoCompactionInProgress = false
		r.mu.Unlock()
		if ev.ErrorMessage != "" {
			r.reportError(ErrorEvent{
				AgentID: r.agentID,
				Phase:   PhaseCompaction,
				Message: ev.ErrorMessage,
				Details: map[string]any{"source": "auto_compaction_end"},
			})
		}

	case transport.EventAgentStart:
		r.mu.Lock()
		r.promptDispatchPending = false
		r.promptDispatchStartedAt = time.Time{}
		if r.ignoreNextAgentStart {
			// This stream belongs to a prompt that already failed; do not
			// promote status.
			r.ignoreNextAgentStart = false
		} else if r.status == store.StatusIdle {
			r.status = store.StatusStreaming
		}
		r.emitStatusLocked()
		r.mu.Unlock()

	case transport.EventAgentEnd:
		r.mu.Lock()
		r.lastPromptMessage = nil
		if r.status == store.StatusStreaming {
			r.status = store.StatusIdle
		}
		r.emitStatusLocked()
		r.mu.Unlock()
		if r.cb.OnAgentEnd != nil {
			r.cb.OnAgentEnd(r.agentID)
		}

	case transport.EventMessageEnd:
		if ev.Role == "assistant" && ev.StopReason == transport.StopReasonError {
			if IsContextOverflow(ev.ErrorMessage) {
				r.handleOverflowError(ev)
			} else if ev.ErrorMessage != "" {
				r.reportError(ErrorEvent{
					AgentID: r.agentID,
					Phase:   PhasePromptExecution,
					Message: ev.ErrorMessage,
				})
			}
		}

	case transport.EventMessageStart:
		if ev.Role == "user" {
			r.consumePending(ev)
		}
	}

	if r.cb.OnSessionEvent != nil {
		r.cb.OnSessionEvent(r.agentID, ev)
	}
}

// consumePending matches an observed user turn against the pending steering
// queue by message key: prefer the head, else splice the first match.
func (r *Runtime) consumePending(ev transport.SessionEvent) {
	key := MessageKey(UserMessage{Text: ev.Text, Images: ev.Images})

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pending) == 0 {
		return
	}
	if r.pending[0].MessageKey == key {
		r.pending = r.pending[1:]
		r.emitStatusLocked()
		return
	}
	for i, pd := range r.pending {
		if pd.MessageKey == key {
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			r.emitStatusLocked()
			return
		}
	}
}

// handleOverflowError runs the single cooldown-gated overflow rescue:
// compact once, then re-dispatch the last prompt exactly once. Failures on
// this path surface as compaction-phase errors and never recurse.
func (r *Runtime) handleOverflowError(ev transport.SessionEvent) {
	r.mu.Lock()
	blocked := r.recoveryInProgress ||
		r.lastPromptMessage == nil ||
		r.status == store.StatusTerminated ||
		r.now().Sub(r.lastOverflowRecoveryAt) < r.opts.OverflowRecoveryCooldown
	if blocked {
		r.mu.Unlock()
		r.reportError(ErrorEvent{
			AgentID: r.agentID,
			Phase:   PhasePromptExecution,
			Message: ev.ErrorMessage,
			Details: map[string]any{"contextOverflow": true},
		})
		return
	}
	r.recoveryInProgress = true
	r.lastOverflowRecoveryAt = r.now()
	lastPrompt := *r.lastPromptMessage
	r.mu.Unlock()

	go func() {
		defer func() {
			r.mu.Lock()
			r.recoveryInProgress = false
			r.mu.Unlock()
		}()

		_, span := tracer.Start(context.Background(), "overflow_recovery", otelAgentAttr(r.agentID))
		defer span.End()

		slog.Info("context overflow recovery", "agent", r.agentID)

		err := r.callWithTimeout(r.opts.CompactionTimeout, func(ctx context.Context) error {
			return r.transport.Compact(ctx, "")
		})
		if err == nil {
			r.mu.Lock()
			r.promptDispatchPending = true
			r.promptDispatchStartedAt = r.now()
			r.mu.Unlock()
			err = r.promptOnce(lastPrompt)
			if err != nil {
				r.mu.Lock()
				r.promptDispatchPending = false
				r.ignoreNextAgentStart = true
				r.mu.Unlock()
			}
		}
		if err != nil {
			r.reportError(ErrorEvent{
				AgentID: r.agentID,
				Phase:   PhaseCompaction,
				Message: err.Error(),
				Details: map[string]any{"source": "overflow_recovery"},
			})
		}
	}()
}

// Compact exposes user-triggered compaction (the /compact command), bounded
// by the compaction timeout.
func (r *Runtime) Compact(ctx context.Context, customInstructions string) error {
	r.mu.Lock()
	if r.status == store.StatusTerminated {
		r.mu.Unlock()
		return ErrAgentTerminated
	}
	r.mu.Unlock()

	_, span := tracer.Start(ctx, "manual_compaction", otelAgentAttr(r.agentID))
	defer span.End()

	return r.callWithTimeout(r.opts.CompactionTimeout, func(ctx context.Context) error {
		return r.transport.Compact(ctx, customInstructions)
	})
}

// Interrupt cuts the current stream without terminating the agent: abort
// the transport, drop queued steering messages, and report the cut so the
// user knows what was lost.
func (r *Runtime) Interrupt() {
	r.mu.Lock()
	if r.status == store.StatusTerminated {
		r.mu.Unlock()
		return
	}
	dropped := len(r.pending)
	r.pending = nil
	r.promptDispatchPending = false
	r.promptDispatchStartedAt = time.Time{}
	r.lastPromptMessage = nil
	wasStreaming := r.status == store.StatusStreaming
	r.emitStatusLocked()
	r.mu.Unlock()

	r.transport.Abort()

	if dropped > 0 || wasStreaming {
		r.reportError(ErrorEvent{
			AgentID: r.agentID,
			Phase:   PhaseInterrupt,
			Message: "in-flight work was stopped",
			Details: map[string]any{"droppedPendingCount": dropped},
		})
	}
}

// Terminate is the sink transition: aborts the transport when asked, clears
// queues, stops the watchdog, and disposes the transport. Further
// SendMessage calls fail with ErrAgentTerminated.
func (r *Runtime) Terminate(abort bool) {
	r.mu.Lock()
	if r.status == store.StatusTerminated {
		r.mu.Unlock()
		return
	}
	r.status = store.StatusTerminated
	r.pending = nil
	r.promptDispatchPending = false
	r.lastPromptMessage = nil
	unsub := r.unsubscribe
	r.unsubscribe = nil
	r.emitStatusLocked()
	r.mu.Unlock()

	close(r.done)
	r.watchdog.Stop()
	if unsub != nil {
		unsub()
	}
	if abort {
		r.transport.Abort()
	}
	r.transport.Dispose()
}

// emitStatusLocked pushes a status update. Callers hold r.mu. Context usage
// is cleared whenever the status is non-running.
func (r *Runtime) emitStatusLocked() {
	if r.cb.OnStatus == nil {
		return
	}
	update := StatusUpdate{
		AgentID:      r.agentID,
		Status:       r.status,
		PendingCount: len(r.pending),
	}
	if r.status.IsRunning() {
		update.ContextUsage = r.transport.ContextUsage()
	}
	// Deliver asynchronously: status listeners must not block the runtime.
	go r.cb.OnStatus(update)
}

func (r *Runtime) reportError(ev ErrorEvent) {
	slog.Warn("runtime error", "agent", r.agentID, "phase", ev.Phase, "message", ev.Message)
	if r.cb.OnError != nil {
		r.cb.OnError(ev)
	}
}

func otelAgentAttr(agentID string) trace.SpanStartOption {
	return trace.WithAttributes(attribute.String("agent.id", agentID))
}
