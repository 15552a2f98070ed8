package swarm

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

// Channels a user message can originate from. The set is closed; replying
// to a non-web channel requires a channelId.
const (
	ChannelWeb      = "web"
	ChannelSlack    = "slack"
	ChannelTelegram = "telegram"
)

// SourceContext identifies which external channel a user message came from
// and must be replied to.
type SourceContext struct {
	Channel              string `json:"channel"`
	ChannelID            string `json:"channelId,omitempty"`
	UserID               string `json:"userId,omitempty"`
	ThreadTS             string `json:"threadTs,omitempty"`
	IntegrationProfileID string `json:"integrationProfileId,omitempty"`
	ChannelType          string `json:"channelType,omitempty"` // dm | channel | group | mpim
	TeamID               string `json:"teamId,omitempty"`
}

// Validate checks the closed channel set at the boundary.
func (sc *SourceContext) Validate() error {
	switch sc.Channel {
	case ChannelWeb, ChannelSlack, ChannelTelegram:
	default:
		return fmt.Errorf("%w: unknown channel %q", ErrInvalidInput, sc.Channel)
	}
	switch sc.ChannelType {
	case "", "dm", "channel", "group", "mpim":
	default:
		return fmt.Errorf("%w: unknown channelType %q", ErrInvalidInput, sc.ChannelType)
	}
	return nil
}

// Attachment kinds.
const (
	AttachmentImage  = "image"
	AttachmentText   = "text"
	AttachmentBinary = "binary"
)

// Attachment is a tagged variant: an inline image (base64), inline UTF-8
// text, or a binary blob persisted to disk (the prompt receives the path).
type Attachment struct {
	Type     string `json:"type"`
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"` // base64 for image/binary
	Text     string `json:"text,omitempty"` // inline body for text
	FileName string `json:"fileName,omitempty"`
	FilePath string `json:"filePath,omitempty"`
}

// NormalizeAttachments validates every attachment at the boundary, dropping
// entries that cannot be repaired (bad base64, wrong MIME family, empty
// body) with the reason for each drop.
func NormalizeAttachments(raw []Attachment) (valid []Attachment, dropped []string) {
	for i, a := range raw {
		a.MimeType = strings.TrimSpace(a.MimeType)
		a.Data = strings.TrimSpace(a.Data)
		switch a.Type {
		case AttachmentImage:
			if a.Data == "" || !strings.HasPrefix(a.MimeType, "image/") {
				dropped = append(dropped, fmt.Sprintf("attachment %d: not a valid image", i))
				continue
			}
			if _, err := base64.StdEncoding.DecodeString(a.Data); err != nil {
				dropped = append(dropped, fmt.Sprintf("attachment %d: invalid base64", i))
				continue
			}
		case AttachmentText:
			if a.Text == "" {
				dropped = append(dropped, fmt.Sprintf("attachment %d: empty text body", i))
				continue
			}
		case AttachmentBinary:
			if a.Data == "" {
				dropped = append(dropped, fmt.Sprintf("attachment %d: empty binary body", i))
				continue
			}
			if _, err := base64.StdEncoding.DecodeString(a.Data); err != nil {
				dropped = append(dropped, fmt.Sprintf("attachment %d: invalid base64", i))
				continue
			}
		default:
			dropped = append(dropped, fmt.Sprintf("attachment %d: unknown type %q", i, a.Type))
			continue
		}
		valid = append(valid, a)
	}
	return valid, dropped
}

// Conversation entry kinds. The entry's Type doubles as the broadcast event
// name, so subscribers route on it directly.
const (
	EntryConversationMessage = "conversation_message"
	EntryConversationLog     = "conversation_log"
	EntryAgentMessage        = "agent_message"
	EntryAgentToolCall       = "agent_tool_call"
)

// ConversationEntry is the tagged variant projected to subscribers. AgentID
// is the subscription routing key.
type ConversationEntry struct {
	Type      string    `json:"type"`
	AgentID   string    `json:"agentId"`
	Timestamp time.Time `json:"timestamp"`

	// conversation_message
	Role          string         `json:"role,omitempty"` // user | assistant | system
	Text          string         `json:"text,omitempty"`
	Attachments   []Attachment   `json:"attachments,omitempty"`
	SourceContext *SourceContext `json:"sourceContext,omitempty"`

	// agent_message
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`

	// agent_tool_call
	ToolName   string `json:"toolName,omitempty"`
	ToolInput  string `json:"toolInput,omitempty"`
	ToolOutput string `json:"toolOutput,omitempty"`
	IsError    bool   `json:"isError,omitempty"`
}
