package protocol

// WebSocket event names pushed from server to client.
const (
	EventReady               = "ready"
	EventAgentsSnapshot      = "agents_snapshot"
	EventConversationHistory = "conversation_history"
	EventConversationMessage = "conversation_message"
	EventConversationLog     = "conversation_log"
	EventConversationReset   = "conversation_reset"
	EventAgentStatus         = "agent_status"
	EventAgentMessage        = "agent_message"
	EventAgentToolCall       = "agent_tool_call"
	EventManagerCreated      = "manager_created"
	EventManagerDeleted      = "manager_deleted"
	EventDirectoriesListed   = "directories_listed"
	EventDirectoryValidated  = "directory_validated"
	EventDirectoryPicked     = "directory_picked"
	EventError               = "error"

	// Integration status events (suffix convention: "<provider>_status").
	EventTelegramStatus = "telegram_status"
	EventSlackStatus    = "slack_status"
)

// Error codes carried by EventError frames.
const (
	ErrCodeInvalidCommand           = "INVALID_COMMAND"
	ErrCodeNotSubscribed            = "NOT_SUBSCRIBED"
	ErrCodeUnknownAgent             = "UNKNOWN_AGENT"
	ErrCodeSubscriptionNotSupported = "SUBSCRIPTION_NOT_SUPPORTED"
	ErrCodeKillAgentFailed          = "KILL_AGENT_FAILED"
	ErrCodeCreateManagerFailed      = "CREATE_MANAGER_FAILED"
	ErrCodeDeleteManagerFailed      = "DELETE_MANAGER_FAILED"
	ErrCodeListDirectoriesFailed    = "LIST_DIRECTORIES_FAILED"
	ErrCodeValidateDirectoryFailed  = "VALIDATE_DIRECTORY_FAILED"
	ErrCodePickDirectoryFailed      = "PICK_DIRECTORY_FAILED"
	ErrCodeUserMessageFailed        = "USER_MESSAGE_FAILED"
)
