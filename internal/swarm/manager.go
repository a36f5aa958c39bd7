// Package swarm owns the agent ownership graph: manager and worker
// lifecycle, cross-agent routing, conversation projection and the
// event fan-out the gateway subscribes to.
package swarm

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/swarmgate/internal/archetypes"
	"github.com/nextlevelbuilder/swarmgate/internal/config"
	"github.com/nextlevelbuilder/swarmgate/internal/protocol"
	"github.com/nextlevelbuilder/swarmgate/internal/runtime"
	"github.com/nextlevelbuilder/swarmgate/internal/store"
	"github.com/nextlevelbuilder/swarmgate/internal/transport"
)

// SessionFactory builds a transport session for an agent. Injected so
// tests can substitute scripted sessions.
type SessionFactory func(d *store.AgentDescriptor, systemPrompt string) (transport.Session, error)

// Manager is the per-process swarm coordinator. Descriptor and runtime
// maps are mutated only under the lifecycle mutex; runtime methods are
// always called outside it.
type Manager struct {
	cfg       *config.Config
	opts      config.RuntimeOptions
	store     *store.Store
	arch      *archetypes.Library
	emitter   *Emitter
	projector *Projector
	factory   SessionFactory
	log       *slog.Logger
	tracer    trace.Tracer

	lifecycle   sync.Mutex
	descriptors map[string]*store.AgentDescriptor
	runtimes    map[string]*runtime.Runtime
	lastSource  map[string]*protocol.SourceContext
}

// New builds a Manager. Call Boot before serving traffic.
func New(cfg *config.Config, st *store.Store, arch *archetypes.Library, emitter *Emitter, factory SessionFactory, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		cfg:         cfg,
		opts:        cfg.RuntimeOptions(),
		store:       st,
		arch:        arch,
		emitter:     emitter,
		factory:     factory,
		log:         logger.With("component", "swarm"),
		tracer:      otel.Tracer("swarmgate/swarm"),
		descriptors: make(map[string]*store.AgentDescriptor),
		runtimes:    make(map[string]*runtime.Runtime),
		lastSource:  make(map[string]*protocol.SourceContext),
	}
	m.projector = NewProjector(emitter)
	return m
}

// Emitter exposes the fan-out bus for gateway and adapter subscribers.
func (m *Manager) Emitter() *Emitter { return m.emitter }

// History returns the projected conversation for an agent.
func (m *Manager) History(agentID string) []protocol.ConversationEntry {
	return m.projector.History(agentID)
}

// PrimaryManagerID returns the configured reserved manager id.
func (m *Manager) PrimaryManagerID() string { return m.cfg.Swarm.PrimaryManagerID }

// Boot loads persisted descriptors and restores manager runtimes.
// Descriptors persisted as streaming are demoted to idle; running
// workers become stopped_on_restart; a manager whose runtime fails to
// restore is saved as stopped, never lost.
func (m *Manager) Boot() error {
	agents, err := m.store.LoadAgents()
	if err != nil {
		return fmt.Errorf("boot: %w", err)
	}

	var restore []*store.AgentDescriptor
	m.lifecycle.Lock()
	for _, d := range agents {
		if d.Status == store.StatusStreaming {
			d.Status = store.StatusIdle
		}
		if d.Role == store.RoleWorker && store.IsRunning(d.Status) {
			d.Status = store.StatusStoppedOnRestart
			d.ContextUsage = nil
		}
		d.UpdatedAt = protocol.FormatTime(time.Now())
		m.descriptors[d.AgentID] = d
		if d.Role == store.RoleManager && store.IsRunning(d.Status) {
			restore = append(restore, d)
		}
	}
	m.lifecycle.Unlock()

	for _, d := range restore {
		if err := m.startRuntime(d); err != nil {
			m.log.Error("manager runtime restore failed", "agent", d.AgentID, "error", err)
			m.lifecycle.Lock()
			d.Status = store.StatusStopped
			d.ContextUsage = nil
			d.UpdatedAt = protocol.FormatTime(time.Now())
			m.lifecycle.Unlock()
		}
	}

	m.lifecycle.Lock()
	err = m.saveLocked()
	m.lifecycle.Unlock()
	if err != nil {
		return fmt.Errorf("boot save: %w", err)
	}
	m.log.Info("swarm booted", "agents", len(agents), "managersRestored", len(restore))
	return nil
}

// Shutdown terminates all runtimes without mutating persisted status.
func (m *Manager) Shutdown() {
	m.lifecycle.Lock()
	rts := make([]*runtime.Runtime, 0, len(m.runtimes))
	for _, rt := range m.runtimes {
		rts = append(rts, rt)
	}
	m.runtimes = make(map[string]*runtime.Runtime)
	m.lifecycle.Unlock()
	for _, rt := range rts {
		rt.Terminate(true)
	}
}

// startRuntime resolves the agent's system prompt, builds a session
// through the factory and registers the runtime.
func (m *Manager) startRuntime(d *store.AgentDescriptor) error {
	memoryOwner := d.ManagerID
	memoryPath, err := m.store.EnsureMemoryFile(memoryOwner)
	if err != nil {
		return fmt.Errorf("ensure memory file: %w", err)
	}

	var prompt string
	if d.Role == store.RoleManager {
		prompt = m.arch.ResolveManagerPrompt()
	} else {
		prompt, _ = m.arch.ResolveWorkerPrompt(d.ArchetypeID, d.AgentID)
	}
	if memory, err := m.store.ReadMemory(memoryOwner); err == nil && memory != "" {
		prompt += "\n\n## Persistent memory (" + filepath.Base(memoryPath) + ")\n\n" + memory
	}

	session, err := m.factory(d, prompt)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	rt := runtime.New(d.AgentID, session, m.opts, m.callbacks(), m.log)

	m.lifecycle.Lock()
	m.runtimes[d.AgentID] = rt
	m.lifecycle.Unlock()
	return nil
}

func (m *Manager) callbacks() runtime.Callbacks {
	return runtime.Callbacks{
		OnStatusChange: m.handleRuntimeStatus,
		OnRuntimeError: m.handleRuntimeError,
		OnSessionEvent: m.handleSessionEvent,
	}
}

// handleRuntimeStatus mirrors runtime status into the descriptor,
// persists it and emits agent_status.
func (m *Manager) handleRuntimeStatus(agentID, status string, usage *transport.ContextUsage, pending int) {
	m.lifecycle.Lock()
	d, ok := m.descriptors[agentID]
	if !ok {
		m.lifecycle.Unlock()
		return
	}
	if d.Status == store.StatusTerminated && status != store.StatusTerminated {
		m.lifecycle.Unlock()
		return
	}
	d.Status = status
	if store.IsRunning(status) {
		d.ContextUsage = usage
	} else {
		d.ContextUsage = nil
	}
	d.UpdatedAt = protocol.FormatTime(time.Now())
	if err := m.saveLocked(); err != nil {
		m.log.Error("saving agents after status change failed", "agent", agentID, "error", err)
	}
	m.lifecycle.Unlock()

	m.emitter.Emit(Event{
		Name:    protocol.EventAgentStatus,
		Payload: AgentStatusEvent{AgentID: agentID, Status: status, ContextUsage: usage, PendingCount: pending},
	})
}

// handleRuntimeError turns a supervisor failure into a user-visible
// system message in the agent's conversation.
func (m *Manager) handleRuntimeError(agentID string, rerr runtime.RuntimeError) {
	var text string
	attempt, _ := rerr.Details["attempt"].(int)
	maxAttempts, _ := rerr.Details["maxAttempts"].(int)
	dropped, _ := rerr.Details["droppedPendingCount"].(int)

	switch {
	case rerr.Phase == runtime.PhaseCompaction:
		text = fmt.Sprintf("⚠️ Context compaction failed: %s.", rerr.Message)
	case attempt > 0:
		text = fmt.Sprintf("⚠️ Agent error (attempt %d/%d): %s.", attempt, maxAttempts, rerr.Message)
	default:
		text = fmt.Sprintf("⚠️ Agent error (%s): %s.", rerr.Phase, rerr.Message)
	}
	if dropped > 0 {
		text += fmt.Sprintf(" %d queued message(s) were dropped.", dropped)
	}
	text += " Please resend."

	entry, err := protocol.NewConversationMessage(agentID, protocol.RoleSystem, text, nil, nil, time.Now())
	if err != nil {
		return
	}
	m.projector.Append(entry)
}

// handleSessionEvent projects transport events into conversation_log,
// agent_tool_call and assistant conversation_message entries.
func (m *Manager) handleSessionEvent(agentID string, ev transport.SessionEvent) {
	now := time.Now()
	switch ev.Type {
	case transport.EventToolExecutionStart, transport.EventToolExecutionUpd, transport.EventToolExecutionEnd:
		phase := map[string]string{
			transport.EventToolExecutionStart: "start",
			transport.EventToolExecutionUpd:   "update",
			transport.EventToolExecutionEnd:   "end",
		}[ev.Type]
		m.projector.Append(protocol.NewAgentToolCall(agentID, ev.ToolName, ev.ToolCallID, phase, ev.Text, now))

	case transport.EventAutoCompactStart:
		m.projector.Append(protocol.NewConversationLog(agentID, "compaction started", now))
	case transport.EventAutoCompactEnd:
		msg := "compaction finished"
		if ev.ErrorMessage != "" {
			msg = "compaction failed: " + ev.ErrorMessage
		}
		m.projector.Append(protocol.NewConversationLog(agentID, msg, now))
	case transport.EventAutoRetryStart:
		m.projector.Append(protocol.NewConversationLog(agentID,
			fmt.Sprintf("provider retry %d: %s", ev.Attempt, ev.ErrorMessage), now))

	case transport.EventMessageEnd:
		if ev.Role == protocol.RoleAssistant && ev.Text != "" &&
			(ev.StopReason == transport.StopReasonStop || ev.StopReason == transport.StopReasonLength) {
			m.lifecycle.Lock()
			sc := m.lastSource[m.managerContextIDLocked(agentID)]
			m.lifecycle.Unlock()
			entry, err := protocol.NewConversationMessage(agentID, protocol.RoleAssistant, ev.Text, nil, sc, now)
			if err == nil {
				m.projector.Append(entry)
			}
		}
	}
}

// managerContextIDLocked maps an agent to the manager context its
// events belong to: managers map to themselves, workers to their
// owner. Caller holds the lifecycle lock.
func (m *Manager) managerContextIDLocked(agentID string) string {
	d, ok := m.descriptors[agentID]
	if !ok {
		return agentID
	}
	if d.Role == store.RoleManager {
		return d.AgentID
	}
	return d.ManagerID
}

// saveLocked persists the descriptor table. Caller holds the
// lifecycle lock.
func (m *Manager) saveLocked() error {
	agents := make([]*store.AgentDescriptor, 0, len(m.descriptors))
	for _, d := range m.descriptors {
		agents = append(agents, d)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].AgentID < agents[j].AgentID })
	return m.store.SaveAgents(m.cfg.Swarm.PrimaryManagerID, agents)
}

// Snapshot returns the current descriptor table, sorted by id.
func (m *Manager) Snapshot() AgentsSnapshotEvent {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() AgentsSnapshotEvent {
	agents := make([]store.AgentDescriptor, 0, len(m.descriptors))
	for _, d := range m.descriptors {
		agents = append(agents, *d.Clone())
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].AgentID < agents[j].AgentID })
	return AgentsSnapshotEvent{Agents: agents}
}

func (m *Manager) emitSnapshot() {
	m.emitter.Emit(Event{Name: protocol.EventAgentsSnapshot, Payload: m.Snapshot()})
}

// Descriptor returns a copy of one agent's descriptor.
func (m *Manager) Descriptor(agentID string) (*store.AgentDescriptor, bool) {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	d, ok := m.descriptors[agentID]
	if !ok {
		return nil, false
	}
	return d.Clone(), true
}

// RunningManagerCount reports how many managers are currently running.
func (m *Manager) RunningManagerCount() int {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	n := 0
	for _, d := range m.descriptors {
		if d.Role == store.RoleManager && store.IsRunning(d.Status) {
			n++
		}
	}
	return n
}

// FallbackManagerID picks the manager a socket should rebind to when
// its subscription target disappears: the primary when present, else
// any running manager.
func (m *Manager) FallbackManagerID() string {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	if d, ok := m.descriptors[m.cfg.Swarm.PrimaryManagerID]; ok && store.IsRunning(d.Status) {
		return d.AgentID
	}
	ids := make([]string, 0, len(m.descriptors))
	for id, d := range m.descriptors {
		if d.Role == store.RoleManager && store.IsRunning(d.Status) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) > 0 {
		return ids[0]
	}
	return m.cfg.Swarm.PrimaryManagerID
}

// validateCwd expands and checks a working directory, falling back to
// def when empty.
func validateCwd(cwd, def string) (string, error) {
	if cwd == "" {
		cwd = def
	}
	cwd = config.ExpandHome(cwd)
	if cwd == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("no working directory: %w", err)
		}
		cwd = home
	}
	if !filepath.IsAbs(cwd) {
		return "", fmt.Errorf("%w: working directory %q is not absolute", protocol.ErrInvalidInput, cwd)
	}
	info, err := os.Stat(cwd)
	if err != nil {
		return "", fmt.Errorf("%w: working directory %q: %v", protocol.ErrInvalidInput, cwd, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %q is not a directory", protocol.ErrInvalidInput, cwd)
	}
	return cwd, nil
}
