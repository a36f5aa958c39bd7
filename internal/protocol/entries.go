package protocol

import (
	"fmt"
	"strings"
	"time"
)

// Entry type discriminators for ConversationEntry.
const (
	EntryConversationMessage = "conversation_message"
	EntryConversationLog     = "conversation_log"
	EntryAgentMessage        = "agent_message"
	EntryAgentToolCall       = "agent_tool_call"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Channel names for SourceContext.
const (
	ChannelWeb      = "web"
	ChannelSlack    = "slack"
	ChannelTelegram = "telegram"
)

// SourceContext identifies which external channel a user message came from
// and therefore where replies must be routed.
type SourceContext struct {
	Channel              string `json:"channel"`
	ChannelID            string `json:"channelId,omitempty"`
	UserID               string `json:"userId,omitempty"`
	ThreadTS             string `json:"threadTs,omitempty"`
	IntegrationProfileID string `json:"integrationProfileId,omitempty"`
	ChannelType          string `json:"channelType,omitempty"` // dm, channel, group, mpim
	TeamID               string `json:"teamId,omitempty"`
}

// Validate checks the channel against the closed set and, for non-web
// channels used as reply targets, requires a channel id.
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

// WebSource is the implicit context for messages originating from the UI.
func WebSource() *SourceContext { return &SourceContext{Channel: ChannelWeb} }

// ConversationEntry is the tagged variant projected to subscribers.
// Exactly one entry type is set in Type; the remaining fields are
// populated per variant. AgentID is the subscription routing key.
type ConversationEntry struct {
	Type      string `json:"type"`
	AgentID   string `json:"agentId"`
	Timestamp string `json:"timestamp"`

	// conversation_message
	Role          string         `json:"role,omitempty"`
	Text          string         `json:"text,omitempty"`
	Attachments   []Attachment   `json:"attachments,omitempty"`
	SourceContext *SourceContext `json:"sourceContext,omitempty"`

	// conversation_log
	Message string `json:"message,omitempty"`

	// agent_message
	FromAgentID string `json:"fromAgentId,omitempty"`
	ToAgentID   string `json:"toAgentId,omitempty"`

	// agent_tool_call
	ToolName   string `json:"toolName,omitempty"`
	ToolCallID string `json:"toolCallId,omitempty"`
	ToolPhase  string `json:"toolPhase,omitempty"` // start, update, end
}

// Timestamp format used everywhere an entry or descriptor is persisted.
func FormatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

// NewConversationMessage builds a validated conversation_message entry.
func NewConversationMessage(agentID, role, text string, attachments []Attachment, sc *SourceContext, now time.Time) (ConversationEntry, error) {
	switch role {
	case RoleUser, RoleAssistant, RoleSystem:
	default:
		return ConversationEntry{}, fmt.Errorf("%w: bad message role %q", ErrInvalidInput, role)
	}
	if sc != nil {
		if err := sc.Validate(); err != nil {
			return ConversationEntry{}, err
		}
	}
	return ConversationEntry{
		Type:          EntryConversationMessage,
		AgentID:       agentID,
		Timestamp:     FormatTime(now),
		Role:          role,
		Text:          text,
		Attachments:   attachments,
		SourceContext: sc,
	}, nil
}

// NewConversationLog builds a runtime lifecycle trace entry.
func NewConversationLog(agentID, message string, now time.Time) ConversationEntry {
	return ConversationEntry{
		Type:      EntryConversationLog,
		AgentID:   agentID,
		Timestamp: FormatTime(now),
		Message:   message,
	}
}

// NewAgentMessage records an agent-to-agent routed message under the
// given manager-context agent id.
func NewAgentMessage(contextAgentID, from, to, text string, now time.Time) ConversationEntry {
	return ConversationEntry{
		Type:        EntryAgentMessage,
		AgentID:     contextAgentID,
		Timestamp:   FormatTime(now),
		FromAgentID: from,
		ToAgentID:   to,
		Text:        text,
	}
}

// NewAgentToolCall records a tool invocation trace for an agent.
func NewAgentToolCall(agentID, toolName, toolCallID, phase, text string, now time.Time) ConversationEntry {
	return ConversationEntry{
		Type:       EntryAgentToolCall,
		AgentID:    agentID,
		Timestamp:  FormatTime(now),
		ToolName:   toolName,
		ToolCallID: toolCallID,
		ToolPhase:  phase,
		Text:       text,
	}
}

// NormalizeText trims and collapses CR/LF noise in user-visible text.
func NormalizeText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.TrimSpace(s)
}
