package swarm

import (
	"github.com/nextlevelbuilder/swarmgate/internal/store"
	"github.com/nextlevelbuilder/swarmgate/internal/transport"
)

// AgentStatusEvent is the payload of an agent_status event.
type AgentStatusEvent struct {
	AgentID      string                  `json:"agentId"`
	Status       string                  `json:"status"`
	ContextUsage *transport.ContextUsage `json:"contextUsage,omitempty"`
	PendingCount int                     `json:"pendingCount"`
}

// AgentsSnapshotEvent carries the full descriptor table. Subscribers
// treat it as an idempotent replacement.
type AgentsSnapshotEvent struct {
	Agents []store.AgentDescriptor `json:"agents"`
}

// ManagerCreatedEvent is the payload of a manager_created event.
type ManagerCreatedEvent struct {
	ManagerID string                `json:"managerId"`
	Agent     store.AgentDescriptor `json:"agent"`
}

// ManagerDeletedEvent is the payload of a manager_deleted event.
type ManagerDeletedEvent struct {
	ManagerID           string   `json:"managerId"`
	TerminatedWorkerIDs []string `json:"terminatedWorkerIds"`
}
