package protocol

import "encoding/json"

// Client → server command names.
const (
	CmdPing              = "ping"
	CmdSubscribe         = "subscribe"
	CmdUserMessage       = "user_message"
	CmdKillAgent         = "kill_agent"
	CmdStopAllAgents     = "stop_all_agents"
	CmdCreateManager     = "create_manager"
	CmdDeleteManager     = "delete_manager"
	CmdListDirectories   = "list_directories"
	CmdValidateDirectory = "validate_directory"
	CmdPickDirectory     = "pick_directory"
)

// Command is the superset of all client command frames. The gateway
// validates per-command required fields before dispatching.
type Command struct {
	Type        string            `json:"type"`
	RequestID   string            `json:"requestId,omitempty"`
	AgentID     string            `json:"agentId,omitempty"`
	ManagerID   string            `json:"managerId,omitempty"`
	Text        string            `json:"text,omitempty"`
	Delivery    string            `json:"delivery,omitempty"`
	Attachments []json.RawMessage `json:"attachments,omitempty"`
	Name        string            `json:"name,omitempty"`
	Cwd         string            `json:"cwd,omitempty"`
	Model       string            `json:"model,omitempty"`
	Path        string            `json:"path,omitempty"`
	DefaultPath string            `json:"defaultPath,omitempty"`
}

// ParseCommand decodes a raw frame into a Command. Per-command field
// validation happens in the gateway dispatcher.
func ParseCommand(raw []byte) (*Command, error) {
	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return nil, err
	}
	return &cmd, nil
}
