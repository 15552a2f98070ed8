package transport

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/swarmgate/internal/providers"
)

// scriptedProvider returns canned responses and records requests.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []*providers.ChatResponse
	requests  []providers.ChatRequest
	chatErr   error
}

func (p *scriptedProvider) next() (*providers.ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.chatErr != nil {
		return nil, p.chatErr
	}
	if len(p.responses) == 0 {
		return &providers.ChatResponse{Content: "ok", FinishReason: "stop"}, nil
	}
	resp := p.responses[0]
	p.responses = p.responses[1:]
	return resp, nil
}

func (p *scriptedProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.mu.Unlock()
	return p.next()
}

func (p *scriptedProvider) ChatStream(ctx context.Context, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	return p.Chat(ctx, req)
}

func (p *scriptedProvider) DefaultModel() string { return "scripted" }
func (p *scriptedProvider) Name() string         { return "scripted" }

func collectEvents(s *ProviderSession) (func() []SessionEvent, func()) {
	var mu sync.Mutex
	var events []SessionEvent
	cancel := s.Subscribe(func(ev SessionEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})
	return func() []SessionEvent {
		mu.Lock()
		defer mu.Unlock()
		return append([]SessionEvent{}, events...)
	}, cancel
}

func waitIdle(t *testing.T, s *ProviderSession) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !s.IsStreaming() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("session never went idle")
}

func newSession(t *testing.T, p providers.Provider) *ProviderSession {
	t.Helper()
	s, err := NewProviderSession(SessionOptions{
		AgentID:  "a1",
		Provider: p,
		Model:    "scripted",
	})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestPromptEmitsOrderedEvents(t *testing.T) {
	p := &scriptedProvider{}
	s := newSession(t, p)
	events, cancel := collectEvents(s)
	defer cancel()

	if err := s.Prompt(context.Background(), "hello", nil); err != nil {
		t.Fatalf("Prompt: %v", err)
	}
	// The turn finishes asynchronously; the trailing agent_end is the last
	// event of the stream.
	waitIdle(t, s)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(events()) < 8 {
		time.Sleep(2 * time.Millisecond)
	}

	got := events()
	var types []EventType
	for _, ev := range got {
		types = append(types, ev.Type)
	}
	want := []EventType{
		EventAgentStart, EventTurnStart,
		EventMessageStart, EventMessageEnd, // user turn
		EventMessageStart, EventMessageEnd, // assistant turn
		EventTurnEnd, EventAgentEnd,
	}
	if len(types) != len(want) {
		t.Fatalf("event types = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event %d = %s, want %s (full: %v)", i, types[i], want[i], types)
		}
	}
}

func TestPromptWhileStreamingFails(t *testing.T) {
	block := make(chan struct{})
	p := &blockingProvider{release: block}
	s := newSession(t, p)

	if err := s.Prompt(context.Background(), "one", nil); err != nil {
		t.Fatalf("Prompt: %v", err)
	}
	// The turn is now blocked inside the provider.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && !s.IsStreaming() {
		time.Sleep(time.Millisecond)
	}

	if err := s.Prompt(context.Background(), "two", nil); !errors.Is(err, ErrAlreadyStreaming) {
		t.Fatalf("err = %v, want ErrAlreadyStreaming", err)
	}
	close(block)
	waitIdle(t, s)
}

// blockingProvider parks ChatStream until released.
type blockingProvider struct {
	release chan struct{}
}

func (p *blockingProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	<-p.release
	return &providers.ChatResponse{Content: "done", FinishReason: "stop"}, nil
}

func (p *blockingProvider) ChatStream(ctx context.Context, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	return p.Chat(ctx, req)
}
func (p *blockingProvider) DefaultModel() string { return "blocking" }
func (p *blockingProvider) Name() string         { return "blocking" }

func TestSteerWhileStreamingWeavesUserTurn(t *testing.T) {
	release := make(chan struct{})
	p := &blockingProvider{release: release}
	s := newSession(t, p)
	events, cancel := collectEvents(s)
	defer cancel()

	if err := s.Prompt(context.Background(), "first", nil); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && !s.IsStreaming() {
		time.Sleep(time.Millisecond)
	}

	if err := s.Steer(context.Background(), "steered", nil); err != nil {
		t.Fatalf("Steer: %v", err)
	}
	// Release both iterations: the first answers "first", the second
	// answers the woven "steered" turn.
	close(release)
	waitIdle(t, s)

	var userTurns []string
	for _, ev := range events() {
		if ev.Type == EventMessageStart && ev.Role == "user" {
			userTurns = append(userTurns, ev.Text)
		}
	}
	if len(userTurns) != 2 || userTurns[0] != "first" || userTurns[1] != "steered" {
		t.Fatalf("user turns = %v, want [first steered]", userTurns)
	}
}

func TestCompactReplacesHistory(t *testing.T) {
	p := &scriptedProvider{responses: []*providers.ChatResponse{
		{Content: "reply one", FinishReason: "stop"},
		{Content: "the summary", FinishReason: "stop"},
	}}
	s := newSession(t, p)
	events, cancel := collectEvents(s)
	defer cancel()

	if err := s.Prompt(context.Background(), "hello", nil); err != nil {
		t.Fatal(err)
	}
	waitIdle(t, s)

	if err := s.Compact(context.Background(), "keep decisions"); err != nil {
		t.Fatalf("Compact: %v", err)
	}

	s.mu.Lock()
	historyLen := len(s.history)
	content := s.history[0].Content
	s.mu.Unlock()
	if historyLen != 1 {
		t.Fatalf("history after compact = %d messages, want 1", historyLen)
	}
	if content == "" || content == "hello" {
		t.Fatalf("compacted history = %q", content)
	}

	var sawStart, sawEnd bool
	for _, ev := range events() {
		switch ev.Type {
		case EventAutoCompactionStart:
			sawStart = true
		case EventAutoCompactionEnd:
			sawEnd = true
			if ev.ErrorMessage != "" {
				t.Errorf("compaction end carries error: %s", ev.ErrorMessage)
			}
		}
	}
	if !sawStart || !sawEnd {
		t.Error("compaction events missing")
	}

	// The summarize request carried the custom instructions.
	p.mu.Lock()
	lastReq := p.requests[len(p.requests)-1]
	p.mu.Unlock()
	lastMsg := lastReq.Messages[len(lastReq.Messages)-1]
	if lastMsg.Role != "user" || !strings.Contains(lastMsg.Content, "keep decisions") {
		t.Errorf("summarize request = %+v", lastMsg)
	}
}

func TestProviderErrorSurfacesAsErrorMessageEnd(t *testing.T) {
	p := &scriptedProvider{chatErr: errors.New("prompt is too long")}
	s := newSession(t, p)
	events, cancel := collectEvents(s)
	defer cancel()

	if err := s.Prompt(context.Background(), "big", nil); err != nil {
		t.Fatal(err)
	}
	waitIdle(t, s)

	find := func() *SessionEvent {
		for _, ev := range events() {
			if ev.Type == EventMessageEnd && ev.Role == "assistant" && ev.StopReason == StopReasonError {
				return &ev
			}
		}
		return nil
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && find() == nil {
		time.Sleep(2 * time.Millisecond)
	}
	found := find()
	if found == nil {
		t.Fatal("no error message_end emitted")
	}
	if found.ErrorMessage != "prompt is too long" {
		t.Errorf("errorMessage = %q", found.ErrorMessage)
	}
}

func TestSessionLogRestore(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "a1.jsonl")

	p := &scriptedProvider{responses: []*providers.ChatResponse{
		{Content: "reply", FinishReason: "stop"},
	}}
	s, err := NewProviderSession(SessionOptions{
		AgentID: "a1", Provider: p, Model: "scripted", SessionFile: logPath,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Prompt(context.Background(), "remember me", nil); err != nil {
		t.Fatal(err)
	}
	waitIdle(t, s)
	s.Dispose()

	// A fresh session over the same file restores the transcript.
	s2, err := NewProviderSession(SessionOptions{
		AgentID: "a1", Provider: p, Model: "scripted", SessionFile: logPath,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Dispose()

	s2.mu.Lock()
	defer s2.mu.Unlock()
	if len(s2.history) != 2 {
		t.Fatalf("restored history = %d messages, want 2", len(s2.history))
	}
	if s2.history[0].Content != "remember me" || s2.history[1].Content != "reply" {
		t.Fatalf("restored history = %+v", s2.history)
	}
}
