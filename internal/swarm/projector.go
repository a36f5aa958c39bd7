package swarm

import (
	"sync"

	"github.com/nextlevelbuilder/swarmgate/internal/protocol"
)

// ConversationResetEvent is the payload of a conversation_reset event.
type ConversationResetEvent struct {
	AgentID string `json:"agentId"`
	Reason  string `json:"reason"`
}

// Projector maintains the ordered per-agent conversation sequences and
// forwards each accepted entry to the emitter. Append and emit happen
// under one lock, so the order subscribers observe for a given agent
// equals append order.
type Projector struct {
	emitter *Emitter

	mu      sync.Mutex
	entries map[string][]protocol.ConversationEntry
}

func NewProjector(emitter *Emitter) *Projector {
	return &Projector{
		emitter: emitter,
		entries: make(map[string][]protocol.ConversationEntry),
	}
}

// Append stores an entry under its agent id and fans it out.
func (p *Projector) Append(entry protocol.ConversationEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.appendLocked(entry)
}

// AppendToContexts duplicates an entry into several agent contexts,
// used for agent-to-agent routing records that must appear in both the
// sender's and the target's manager view.
func (p *Projector) AppendToContexts(agentIDs []string, entry protocol.ConversationEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	seen := make(map[string]bool, len(agentIDs))
	for _, id := range agentIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		e := entry
		e.AgentID = id
		p.appendLocked(e)
	}
}

func (p *Projector) appendLocked(entry protocol.ConversationEntry) {
	p.entries[entry.AgentID] = append(p.entries[entry.AgentID], entry)
	p.emitter.Emit(Event{Name: entry.Type, AgentID: entry.AgentID, Payload: entry})
}

// History returns a copy of the agent's full current sequence.
func (p *Projector) History(agentID string) []protocol.ConversationEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]protocol.ConversationEntry(nil), p.entries[agentID]...)
}

// Reset clears an agent's sequence and emits conversation_reset.
// Resetting an already empty sequence emits the same event, so the
// operation is idempotent for subscribers.
func (p *Projector) Reset(agentID, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, agentID)
	p.emitter.Emit(Event{
		Name:    protocol.EventConversationReset,
		AgentID: agentID,
		Payload: ConversationResetEvent{AgentID: agentID, Reason: reason},
	})
}

// Drop removes an agent's sequence without emitting, used when the
// agent itself is deleted.
func (p *Projector) Drop(agentID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, agentID)
}
