package runtime

import (
	"regexp"

	"github.com/nextlevelbuilder/swarmgate/internal/transport"
)

// Agent statuses reported through Callbacks.OnStatusChange.
const (
	StatusIdle       = "idle"
	StatusStreaming  = "streaming"
	StatusTerminated = "terminated"
)

// Error phases carried by RuntimeError.
const (
	PhasePromptDispatch      = "prompt_dispatch"
	PhasePromptExecution     = "prompt_execution"
	PhaseCompaction          = "compaction"
	PhaseWatchdogTimeout     = "watchdog_timeout"
	PhaseInterrupt           = "interrupt"
	PhaseSessionEventHandler = "session_event_handler"
)

// RuntimeError is a supervisor-level failure surfaced to the owner.
// Details keys in use: attempt, maxAttempts, droppedPendingCount,
// textPreview, imageCount, contextOverflow, promptTimeout, source,
// reason, timedOutMs, usagePercent, usageTokens, contextWindow,
// thresholdPercent.
type RuntimeError struct {
	Phase   string
	Message string
	Details map[string]any
}

// Callbacks is the capability surface a runtime uses to report to its
// owner. All fields are optional; nil callbacks are skipped. Callbacks
// must not block and must not call back into the runtime's mutating
// methods.
type Callbacks struct {
	// OnStatusChange fires on every status or pending-count change.
	// usage is nil whenever the status is not running.
	OnStatusChange func(agentID, status string, usage *transport.ContextUsage, pendingCount int)

	// OnRuntimeError fires for every supervisor-level failure.
	OnRuntimeError func(agentID string, rerr RuntimeError)

	// OnAgentEnd fires when a streaming envelope finishes, normally or
	// through recovery.
	OnAgentEnd func(agentID string)

	// OnSessionEvent receives every transport event after the runtime
	// has applied it, for conversation projection.
	OnSessionEvent func(agentID string, ev transport.SessionEvent)
}

var (
	contextOverflowPattern = regexp.MustCompile(`(?i)prompt is too long|context window|context length|token limit|input token count.*exceeds|maximum prompt length`)
	compactionPhasePattern = regexp.MustCompile(`(?i)compact(ion)?`)
	timeoutPattern         = regexp.MustCompile(`(?i)timed out|timeout`)
)

// IsContextOverflow reports whether a provider error message indicates
// the prompt exceeded the model's context window.
func IsContextOverflow(msg string) bool {
	return contextOverflowPattern.MatchString(msg)
}
