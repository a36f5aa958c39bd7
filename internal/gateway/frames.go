package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/nextlevelbuilder/swarmgate/internal/protocol"
)

// commandFrame is the union of all client command payloads. Type
// selects the command; the remaining fields are read per command.
type commandFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`

	// subscribe, user_message, kill_agent
	AgentID string `json:"agentId,omitempty"`

	// user_message
	Text        string                `json:"text,omitempty"`
	Delivery    string                `json:"delivery,omitempty"`
	Attachments []protocol.Attachment `json:"attachments,omitempty"`

	// stop_all_agents, delete_manager
	ManagerID string `json:"managerId,omitempty"`

	// create_manager
	Name  string `json:"name,omitempty"`
	Cwd   string `json:"cwd,omitempty"`
	Model string `json:"model,omitempty"`

	// list_directories, validate_directory
	Path string `json:"path,omitempty"`

	// pick_directory
	DefaultPath string `json:"defaultPath,omitempty"`
}

// envelope flattens a payload into a wire frame with the event type
// injected, so clients see {"type": ..., ...fields}.
func envelope(eventType string, payload any) (map[string]any, error) {
	m := map[string]any{}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
		}
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("unmarshal %s payload: %w", eventType, err)
		}
	}
	m["type"] = eventType
	return m, nil
}

func errorFrame(code, message, requestID string) map[string]any {
	m := map[string]any{
		"type":    protocol.EventError,
		"code":    code,
		"message": message,
	}
	if requestID != "" {
		m["requestId"] = requestID
	}
	return m
}

// failureCode maps a command to the error code its failures carry.
func failureCode(cmd string) string {
	switch cmd {
	case protocol.CmdUserMessage:
		return protocol.CodeUserMessageFailed
	case protocol.CmdKillAgent:
		return protocol.CodeKillAgentFailed
	case protocol.CmdCreateManager:
		return protocol.CodeCreateManagerFailed
	case protocol.CmdDeleteManager:
		return protocol.CodeDeleteManagerFailed
	case protocol.CmdListDirectories:
		return protocol.CodeListDirectoriesFailed
	case protocol.CmdValidateDirectory:
		return protocol.CodeValidateDirectoryFailed
	case protocol.CmdPickDirectory:
		return protocol.CodePickDirectoryFailed
	default:
		return protocol.CodeInvalidCommand
	}
}
