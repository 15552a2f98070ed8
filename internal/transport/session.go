package transport

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/swarmgate/internal/providers"
)

// ToolRunner executes a tool call requested by the model. Implementations
// must be safe for concurrent use.
type ToolRunner interface {
	Run(ctx context.Context, name string, args map[string]any) (output string, isError bool)
}

// SessionOptions configures a ProviderSession.
type SessionOptions struct {
	AgentID       string
	Provider      providers.Provider
	Model         string
	ThinkingLevel string
	ContextWindow int
	SystemPrompt  string
	SessionFile   string                     // JSONL transcript path; empty disables logging
	Tools         ToolRunner                 // nil = tool calls answered with an unavailable notice
	ToolDefs      []providers.ToolDefinition // advertised to the model
	MaxIterations int
}

// ProviderSession implements SessionTransport on top of a providers.Provider.
// A prompt runs a streaming turn loop; steered user turns are woven in at the
// next iteration boundary and surface as message_start(user) events.
type ProviderSession struct {
	opts SessionOptions

	mu         sync.Mutex
	streaming  bool
	compacting bool
	disposed   bool
	history    []providers.Message
	steered    []providers.Message // accepted by Steer, not yet woven into the stream
	usage      *ContextUsage
	turnCancel context.CancelFunc

	subMu  sync.Mutex
	subs   map[int]func(SessionEvent)
	nextID int

	emitMu sync.Mutex // serializes event delivery so subscribers see emission order

	log *sessionLog
}

// NewProviderSession creates a session. History is restored from the session
// file if it already exists.
func NewProviderSession(opts SessionOptions) (*ProviderSession, error) {
	if opts.Provider == nil {
		return nil, fmt.Errorf("transport: provider is required")
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = 20
	}
	if opts.ContextWindow <= 0 {
		opts.ContextWindow = 200_000
	}
	s := &ProviderSession{
		opts: opts,
		subs: make(map[int]func(SessionEvent)),
	}
	if opts.SessionFile != "" {
		lg, err := openSessionLog(opts.SessionFile)
		if err != nil {
			return nil, fmt.Errorf("transport: open session log: %w", err)
		}
		s.log = lg
		s.history = lg.restoreMessages()
	}
	return s, nil
}

func (s *ProviderSession) IsStreaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streaming
}

func (s *ProviderSession) IsCompacting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.compacting
}

func (s *ProviderSession) ContextUsage() *ContextUsage {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.usage == nil {
		return nil
	}
	u := *s.usage
	return &u
}

func (s *ProviderSession) Subscribe(fn func(SessionEvent)) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		delete(s.subs, id)
	}
}

func (s *ProviderSession) Prompt(ctx context.Context, text string, images []providers.ImageContent) error {
	msg := providers.Message{Role: "user", Content: text, Images: images}
	return s.startTurn(msg)
}

func (s *ProviderSession) SendUserMessage(ctx context.Context, parts []MessagePart) error {
	var texts []string
	var images []providers.ImageContent
	for _, p := range parts {
		if p.Text != "" {
			texts = append(texts, p.Text)
		}
		if p.Image != nil {
			images = append(images, *p.Image)
		}
	}
	msg := providers.Message{Role: "user", Content: strings.Join(texts, "\n"), Images: images}
	return s.startTurn(msg)
}

func (s *ProviderSession) Steer(ctx context.Context, text string, images []providers.ImageContent) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return ErrDisposed
	}
	msg := providers.Message{Role: "user", Content: text, Images: images}
	if s.streaming {
		s.steered = append(s.steered, msg)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	// Idle session: the steered turn starts a stream of its own.
	return s.startTurn(msg)
}

func (s *ProviderSession) startTurn(first providers.Message) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return ErrDisposed
	}
	if s.streaming {
		s.mu.Unlock()
		return ErrAlreadyStreaming
	}
	turnCtx, cancel := context.WithCancel(context.Background())
	s.streaming = true
	s.turnCancel = cancel
	s.mu.Unlock()

	go s.runTurn(turnCtx, first)
	return nil
}

// runTurn drives one streaming turn: weave pending user turns, call the
// provider, execute tools, repeat until the model stops and no steered turns
// remain. The streaming flag is cleared before any terminal event is
// emitted, so a consumer reacting to message_end/agent_end always observes
// an idle transport.
func (s *ProviderSession) runTurn(ctx context.Context, first providers.Message) {
	endStreaming := func() {
		s.mu.Lock()
		s.streaming = false
		s.turnCancel = nil
		s.mu.Unlock()
	}
	closeTurn := func() {
		s.emit(SessionEvent{Type: EventTurnEnd})
		s.emit(SessionEvent{Type: EventAgentEnd})
	}

	s.emit(SessionEvent{Type: EventAgentStart})
	s.emit(SessionEvent{Type: EventTurnStart})

	ctx = providers.WithRetryHook(ctx, func(attempt, maxAttempts int, err error) {
		s.emit(SessionEvent{Type: EventAutoRetryStart, Attempt: attempt, ErrorMessage: err.Error()})
		s.emit(SessionEvent{Type: EventAutoRetryEnd, Attempt: attempt})
	})

	s.weaveUserTurn(first)

	for iteration := 0; iteration < s.opts.MaxIterations; iteration++ {
		s.emit(SessionEvent{Type: EventMessageStart, Role: "assistant"})

		resp, err := s.opts.Provider.ChatStream(ctx, s.chatRequest(), func(chunk providers.StreamChunk) {
			if chunk.Content != "" {
				s.emit(SessionEvent{Type: EventMessageUpdate, Role: "assistant", Text: chunk.Content})
			}
		})
		if err != nil {
			slog.Warn("session turn failed", "agent", s.opts.AgentID, "error", err)
			endStreaming()
			s.emit(SessionEvent{
				Type:         EventMessageEnd,
				Role:         "assistant",
				StopReason:   StopReasonError,
				ErrorMessage: err.Error(),
			})
			closeTurn()
			return
		}

		s.recordUsage(resp.Usage)

		assistantMsg := providers.Message{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls}
		s.appendHistory(assistantMsg)

		if len(resp.ToolCalls) > 0 {
			s.emit(SessionEvent{Type: EventMessageEnd, Role: "assistant", Text: resp.Content, StopReason: resp.FinishReason})
			for _, tc := range resp.ToolCalls {
				s.runTool(ctx, tc)
			}
			s.weavePending()
			continue
		}

		// Steered turns that arrived mid-stream get their own iteration.
		// The check shares the lock with the streaming flag so a steer
		// racing the end of the turn either lands in this stream or
		// starts a fresh one — never silently queues.
		s.mu.Lock()
		pending := len(s.steered) > 0
		if !pending {
			s.streaming = false
			s.turnCancel = nil
		}
		s.mu.Unlock()

		s.emit(SessionEvent{Type: EventMessageEnd, Role: "assistant", Text: resp.Content, StopReason: resp.FinishReason})
		if pending {
			s.weavePending()
			continue
		}
		closeTurn()
		return
	}
	slog.Warn("session turn hit iteration cap", "agent", s.opts.AgentID, "cap", s.opts.MaxIterations)
	endStreaming()
	closeTurn()
}

// weavePending moves accepted steering turns into history and reports
// whether any were woven.
func (s *ProviderSession) weavePending() bool {
	s.mu.Lock()
	pending := s.steered
	s.steered = nil
	s.mu.Unlock()

	for _, msg := range pending {
		s.weaveUserTurn(msg)
	}
	return len(pending) > 0
}

func (s *ProviderSession) weaveUserTurn(msg providers.Message) {
	s.appendHistory(msg)
	s.emit(SessionEvent{Type: EventMessageStart, Role: "user", Text: msg.Content, Images: msg.Images})
	s.emit(SessionEvent{Type: EventMessageEnd, Role: "user", Text: msg.Content})
}

func (s *ProviderSession) runTool(ctx context.Context, tc providers.ToolCall) {
	s.emit(SessionEvent{Type: EventToolExecutionStart, ToolName: tc.Name, ToolCallID: tc.ID})

	var output string
	var isErr bool
	if s.opts.Tools != nil {
		output, isErr = s.opts.Tools.Run(ctx, tc.Name, tc.Arguments)
	} else {
		output, isErr = fmt.Sprintf("tool %q is not available in this session", tc.Name), true
	}

	s.appendHistory(providers.Message{Role: "tool", Content: output, ToolCallID: tc.ID})
	s.emit(SessionEvent{
		Type:        EventToolExecutionEnd,
		ToolName:    tc.Name,
		ToolCallID:  tc.ID,
		ToolOutput:  output,
		ToolIsError: isErr,
	})
}

// Compact summarizes history in place. The next prompt sees the shortened
// transcript. Runs synchronously; bounded by the caller's context.
func (s *ProviderSession) Compact(ctx context.Context, customInstructions string) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return ErrDisposed
	}
	if s.compacting {
		s.mu.Unlock()
		return nil
	}
	s.compacting = true
	history := make([]providers.Message, len(s.history))
	copy(history, s.history)
	s.mu.Unlock()

	s.emit(SessionEvent{Type: EventAutoCompactionStart})

	summary, err := s.summarize(ctx, history, customInstructions)

	s.mu.Lock()
	if err == nil {
		s.history = []providers.Message{{
			Role:    "user",
			Content: "[Conversation summary — earlier history was compacted]\n\n" + summary,
		}}
		s.usage = s.estimateUsageLocked()
	}
	s.compacting = false
	s.mu.Unlock()

	end := SessionEvent{Type: EventAutoCompactionEnd}
	if err != nil {
		end.ErrorMessage = err.Error()
		end.Aborted = ctx.Err() != nil
	}
	s.emit(end)

	if s.log != nil && err == nil {
		s.log.appendCompaction(summary)
	}
	return err
}

func (s *ProviderSession) summarize(ctx context.Context, history []providers.Message, customInstructions string) (string, error) {
	if len(history) == 0 {
		return "", fmt.Errorf("nothing to compact")
	}
	instructions := "Summarize the conversation so far. Preserve decisions, open tasks, " +
		"constraints, and any facts the assistant will need to continue seamlessly."
	if customInstructions != "" {
		instructions += "\n\nAdditional instructions: " + customInstructions
	}

	msgs := make([]providers.Message, 0, len(history)+1)
	msgs = append(msgs, history...)
	msgs = append(msgs, providers.Message{Role: "user", Content: instructions})

	resp, err := s.opts.Provider.Chat(ctx, providers.ChatRequest{
		Messages: msgs,
		Model:    s.opts.Model,
		Options:  map[string]any{providers.OptMaxTokens: 4096},
	})
	if err != nil {
		return "", fmt.Errorf("compaction failed: %w", err)
	}
	if strings.TrimSpace(resp.Content) == "" {
		return "", fmt.Errorf("compaction produced an empty summary")
	}
	return resp.Content, nil
}

func (s *ProviderSession) Abort() {
	s.mu.Lock()
	cancel := s.turnCancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *ProviderSession) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	cancel := s.turnCancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.subMu.Lock()
	s.subs = make(map[int]func(SessionEvent))
	s.subMu.Unlock()
	if s.log != nil {
		s.log.close()
	}
}

func (s *ProviderSession) chatRequest() providers.ChatRequest {
	s.mu.Lock()
	msgs := make([]providers.Message, 0, len(s.history)+1)
	if s.opts.SystemPrompt != "" {
		msgs = append(msgs, providers.Message{Role: "system", Content: s.opts.SystemPrompt})
	}
	msgs = append(msgs, s.history...)
	s.mu.Unlock()

	req := providers.ChatRequest{
		Messages: msgs,
		Tools:    s.opts.ToolDefs,
		Model:    s.opts.Model,
		Options: map[string]any{
			providers.OptMaxTokens:   8192,
			providers.OptTemperature: 0.7,
		},
	}
	if s.opts.ThinkingLevel != "" && s.opts.ThinkingLevel != "off" {
		req.Options[providers.OptThinkingLevel] = s.opts.ThinkingLevel
	}
	return req
}

func (s *ProviderSession) appendHistory(msg providers.Message) {
	s.mu.Lock()
	s.history = append(s.history, msg)
	s.mu.Unlock()
	if s.log != nil {
		s.log.appendMessage(msg)
	}
}

func (s *ProviderSession) recordUsage(u *providers.Usage) {
	if u == nil {
		return
	}
	s.mu.Lock()
	tokens := u.PromptTokens + u.CompletionTokens
	s.usage = &ContextUsage{
		Tokens:        tokens,
		ContextWindow: s.opts.ContextWindow,
		Percent:       float64(tokens) / float64(s.opts.ContextWindow),
	}
	s.mu.Unlock()
}

// estimateUsageLocked re-estimates usage from history size after compaction,
// until the next provider call reports real token counts. Callers hold mu.
func (s *ProviderSession) estimateUsageLocked() *ContextUsage {
	chars := 0
	for _, m := range s.history {
		chars += len(m.Content)
	}
	tokens := chars / 4
	return &ContextUsage{
		Tokens:        tokens,
		ContextWindow: s.opts.ContextWindow,
		Percent:       float64(tokens) / float64(s.opts.ContextWindow),
	}
}

func (s *ProviderSession) emit(ev SessionEvent) {
	ev.Timestamp = time.Now().UTC()

	if s.log != nil {
		s.log.appendEvent(ev)
	}

	s.subMu.Lock()
	fns := make([]func(SessionEvent), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()

	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}
