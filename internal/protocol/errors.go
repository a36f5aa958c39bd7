package protocol

import "errors"

// Fatal-to-the-caller error classes. Operations wrap these with context;
// callers branch with errors.Is.
var (
	ErrAgentTerminated    = errors.New("agent terminated")
	ErrTargetNotRunning   = errors.New("target agent not running")
	ErrUnknownAgent       = errors.New("unknown agent")
	ErrOwnershipViolation = errors.New("ownership violation")
	ErrInvalidInput       = errors.New("invalid input")
)
