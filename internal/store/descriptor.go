package store

import (
	"fmt"
	"path/filepath"
	"regexp"

	"github.com/nextlevelbuilder/swarmgate/internal/transport"
)

// Agent roles.
const (
	RoleManager = "manager"
	RoleWorker  = "worker"
)

// Agent statuses.
const (
	StatusIdle             = "idle"
	StatusStreaming        = "streaming"
	StatusTerminated       = "terminated"
	StatusStopped          = "stopped"
	StatusError            = "error"
	StatusStoppedOnRestart = "stopped_on_restart"
)

var validStatuses = map[string]bool{
	StatusIdle:             true,
	StatusStreaming:        true,
	StatusTerminated:       true,
	StatusStopped:          true,
	StatusError:            true,
	StatusStoppedOnRestart: true,
}

// IsRunning reports whether a status allows message delivery.
func IsRunning(status string) bool {
	return status == StatusIdle || status == StatusStreaming
}

var agentIDPattern = regexp.MustCompile(`^[a-z0-9-]{1,48}$`)

// ValidAgentID reports whether id is a well-formed agent slug.
func ValidAgentID(id string) bool { return agentIDPattern.MatchString(id) }

// ModelRef identifies the model an agent runs on.
type ModelRef struct {
	Provider      string `json:"provider"`
	ModelID       string `json:"modelId"`
	ThinkingLevel string `json:"thinkingLevel,omitempty"`
}

// AgentDescriptor is the persistent identity record for one agent.
type AgentDescriptor struct {
	AgentID      string                  `json:"agentId"`
	DisplayName  string                  `json:"displayName"`
	Role         string                  `json:"role"`
	ManagerID    string                  `json:"managerId"`
	ArchetypeID  string                  `json:"archetypeId,omitempty"`
	Status       string                  `json:"status"`
	CreatedAt    string                  `json:"createdAt"`
	UpdatedAt    string                  `json:"updatedAt"`
	Cwd          string                  `json:"cwd"`
	Model        ModelRef                `json:"model"`
	SessionFile  string                  `json:"sessionFile,omitempty"`
	ContextUsage *transport.ContextUsage `json:"contextUsage,omitempty"`
}

// Validate checks the descriptor invariants. Descriptors failing
// validation are skipped on load rather than poisoning the store.
func (d *AgentDescriptor) Validate() error {
	if !ValidAgentID(d.AgentID) {
		return fmt.Errorf("invalid agentId %q", d.AgentID)
	}
	switch d.Role {
	case RoleManager:
		if d.ManagerID != d.AgentID {
			return fmt.Errorf("manager %q has managerId %q", d.AgentID, d.ManagerID)
		}
	case RoleWorker:
		if d.ManagerID == "" || !ValidAgentID(d.ManagerID) {
			return fmt.Errorf("worker %q has invalid managerId %q", d.AgentID, d.ManagerID)
		}
	default:
		return fmt.Errorf("agent %q has unknown role %q", d.AgentID, d.Role)
	}
	if !validStatuses[d.Status] {
		return fmt.Errorf("agent %q has unknown status %q", d.AgentID, d.Status)
	}
	if d.Cwd != "" && !filepath.IsAbs(d.Cwd) {
		return fmt.Errorf("agent %q cwd %q is not absolute", d.AgentID, d.Cwd)
	}
	if !IsRunning(d.Status) && d.ContextUsage != nil {
		return fmt.Errorf("agent %q is %s but carries contextUsage", d.AgentID, d.Status)
	}
	return nil
}

// Clone returns a deep copy of the descriptor.
func (d *AgentDescriptor) Clone() *AgentDescriptor {
	c := *d
	if d.ContextUsage != nil {
		u := *d.ContextUsage
		c.ContextUsage = &u
	}
	return &c
}
