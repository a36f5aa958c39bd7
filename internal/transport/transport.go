// Package transport abstracts a streaming LLM session. The runtime
// supervisor talks to a Session only through this interface, so tests
// can substitute a scripted one.
package transport

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nextlevelbuilder/swarmgate/internal/providers"
)

// Session event types, in the order a normal turn produces them.
const (
	EventAgentStart         = "agent_start"
	EventAgentEnd           = "agent_end"
	EventTurnStart          = "turn_start"
	EventTurnEnd            = "turn_end"
	EventMessageStart       = "message_start"
	EventMessageUpdate      = "message_update"
	EventMessageEnd         = "message_end"
	EventToolExecutionStart = "tool_execution_start"
	EventToolExecutionUpd   = "tool_execution_update"
	EventToolExecutionEnd   = "tool_execution_end"
	EventAutoCompactStart   = "auto_compaction_start"
	EventAutoCompactEnd     = "auto_compaction_end"
	EventAutoRetryStart     = "auto_retry_start"
	EventAutoRetryEnd       = "auto_retry_end"
)

// Stop reasons carried by assistant message_end events.
const (
	StopReasonStop    = "stop"
	StopReasonLength  = "length"
	StopReasonError   = "error"
	StopReasonAborted = "aborted"
)

// SessionEvent is one element of the ordered event stream a Session
// emits to its subscribers.
type SessionEvent struct {
	Type      string
	Timestamp time.Time

	// message_* fields.
	Role         string // "user" or "assistant"
	Text         string
	Images       []providers.ImageContent
	StopReason   string
	ErrorMessage string

	// tool_execution_* fields.
	ToolName   string
	ToolCallID string

	// auto_compaction_end / auto_retry_* fields.
	Aborted   bool
	WillRetry bool
	Attempt   int
}

// ToolRunner exposes callable tools to a session. Call returns the
// textual result and whether the tool itself reported an error; the
// error return is for transport failures.
type ToolRunner interface {
	Specs() []providers.ToolSpec
	Call(ctx context.Context, name string, input json.RawMessage) (string, bool, error)
}

// ContextUsage reports how full the model's context window is.
type ContextUsage struct {
	Tokens        int     `json:"tokens"`
	ContextWindow int     `json:"contextWindow"`
	Percent       float64 `json:"percent"`
}

// MessageParts is a multimodal user message.
type MessageParts struct {
	Text   string
	Images []providers.ImageContent
}

// Session is a live streaming LLM session.
//
// Prompt begins a new streaming turn and fails if one is in flight.
// Steer queues an additional user turn to be woven into the current
// stream; it never fails because a stream is active. Compact rewrites
// history into a summary so the next prompt sees a shorter transcript.
type Session interface {
	Prompt(ctx context.Context, text string, images []providers.ImageContent) error
	SendUserMessage(ctx context.Context, parts MessageParts) error
	Steer(ctx context.Context, text string, images []providers.ImageContent) error
	Compact(ctx context.Context, customInstructions string) error
	Abort()

	ContextUsage() *ContextUsage
	IsStreaming() bool
	IsCompacting() bool

	// Subscribe registers a listener for the ordered event stream and
	// returns its unsubscribe function. Listeners are invoked
	// synchronously from the session's stream loop.
	Subscribe(listener func(SessionEvent)) func()

	// Dispose aborts any in-flight stream and releases the session.
	// No events are delivered after Dispose returns.
	Dispose()
}
