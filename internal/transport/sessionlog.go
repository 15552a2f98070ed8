package transport

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nextlevelbuilder/swarmgate/internal/providers"
)

// sessionLog is the append-only JSONL transcript owned by the transport.
// One line per record; messages are replayed on restore, events are kept
// for audit only.
type sessionLog struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

type sessionLogLine struct {
	Timestamp time.Time          `json:"ts"`
	Kind      string             `json:"kind"` // "message" | "event" | "compaction"
	Message   *providers.Message `json:"message,omitempty"`
	Event     *SessionEvent      `json:"event,omitempty"`
	Summary   string             `json:"summary,omitempty"`
}

func openSessionLog(path string) (*sessionLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &sessionLog{path: path, f: f}, nil
}

// restoreMessages replays the transcript into a message history. A
// compaction line resets the history to the recorded summary, matching
// the in-memory effect of Compact.
func (l *sessionLog) restoreMessages() []providers.Message {
	f, err := os.Open(l.path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var history []providers.Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var line sessionLogLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			continue // skip corrupt lines, keep the rest
		}
		switch line.Kind {
		case "message":
			if line.Message != nil {
				msg := *line.Message
				msg.Images = nil // images are never replayed into prompts
				history = append(history, msg)
			}
		case "compaction":
			history = []providers.Message{{
				Role:    "user",
				Content: "[Conversation summary — earlier history was compacted]\n\n" + line.Summary,
			}}
		}
	}
	return history
}

func (l *sessionLog) appendMessage(msg providers.Message) {
	logged := msg
	logged.Images = nil // base64 payloads would bloat the transcript
	l.write(sessionLogLine{Timestamp: time.Now().UTC(), Kind: "message", Message: &logged})
}

func (l *sessionLog) appendEvent(ev SessionEvent) {
	logged := ev
	logged.Images = nil
	l.write(sessionLogLine{Timestamp: time.Now().UTC(), Kind: "event", Event: &logged})
}

func (l *sessionLog) appendCompaction(summary string) {
	l.write(sessionLogLine{Timestamp: time.Now().UTC(), Kind: "compaction", Summary: summary})
}

func (l *sessionLog) write(line sessionLogLine) {
	data, err := json.Marshal(line)
	if err != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return
	}
	l.f.Write(append(data, '\n'))
}

func (l *sessionLog) close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f != nil {
		l.f.Close()
		l.f = nil
	}
}
