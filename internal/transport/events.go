package transport

import (
	"time"

	"github.com/nextlevelbuilder/swarmgate/internal/providers"
)

// EventType identifies a session event emitted by a streaming LLM session.
type EventType string

const (
	EventAgentStart          EventType = "agent_start"
	EventAgentEnd            EventType = "agent_end"
	EventTurnStart           EventType = "turn_start"
	EventTurnEnd             EventType = "turn_end"
	EventMessageStart        EventType = "message_start"
	EventMessageUpdate       EventType = "message_update"
	EventMessageEnd          EventType = "message_end"
	EventToolExecutionStart  EventType = "tool_execution_start"
	EventToolExecutionUpdate EventType = "tool_execution_update"
	EventToolExecutionEnd    EventType = "tool_execution_end"
	EventAutoCompactionStart EventType = "auto_compaction_start"
	EventAutoCompactionEnd   EventType = "auto_compaction_end"
	EventAutoRetryStart      EventType = "auto_retry_start"
	EventAutoRetryEnd        EventType = "auto_retry_end"
)

// StopReasonError marks an assistant message_end that carries a provider error.
const StopReasonError = "error"

// SessionEvent is one element of the ordered event stream a session emits.
// Fields beyond Type are populated per event kind; consumers switch on Type
// and only read the fields that kind defines.
type SessionEvent struct {
	Type         EventType                `json:"type"`
	Role         string                   `json:"role,omitempty"`       // message_*: "user" | "assistant"
	Text         string                   `json:"text,omitempty"`       // message content (delta on update, full on start/end)
	Images       []providers.ImageContent `json:"images,omitempty"`     // message_start(user) only
	StopReason   string                   `json:"stopReason,omitempty"` // message_end(assistant)
	ErrorMessage string                   `json:"errorMessage,omitempty"`
	Aborted      bool                     `json:"aborted,omitempty"`   // auto_compaction_end
	WillRetry    bool                     `json:"willRetry,omitempty"` // auto_compaction_end
	ToolName     string                   `json:"toolName,omitempty"`
	ToolCallID   string                   `json:"toolCallId,omitempty"`
	ToolInput    string                   `json:"toolInput,omitempty"`
	ToolOutput   string                   `json:"toolOutput,omitempty"`
	ToolIsError  bool                     `json:"toolIsError,omitempty"`
	Attempt      int                      `json:"attempt,omitempty"` // auto_retry_*
	Timestamp    time.Time                `json:"timestamp"`
}

// ContextUsage reports how full the session's context window is.
type ContextUsage struct {
	Tokens        int     `json:"tokens"`
	ContextWindow int     `json:"contextWindow"`
	Percent       float64 `json:"percent"`
}
