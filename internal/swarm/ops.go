package swarm

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/swarmgate/internal/protocol"
	"github.com/nextlevelbuilder/swarmgate/internal/runtime"
	"github.com/nextlevelbuilder/swarmgate/internal/store"
)

// SpawnInput describes a worker to create.
type SpawnInput struct {
	Name           string
	ArchetypeID    string
	Cwd            string
	Model          string // preset name; empty uses the default preset
	InitialMessage string
}

// SpawnAgent creates a worker owned by the calling manager, starts its
// runtime and optionally sends it an initial task.
func (m *Manager) SpawnAgent(ctx context.Context, callerID string, input SpawnInput) (*store.AgentDescriptor, error) {
	ctx, span := m.tracer.Start(ctx, "swarm.SpawnAgent",
		trace.WithAttributes(attribute.String("caller", callerID)))
	defer span.End()

	spec, presetName, ok := m.cfg.ResolvePreset(input.Model)
	if !ok {
		return nil, fmt.Errorf("%w: unknown model preset %q (known: %v)",
			protocol.ErrInvalidInput, input.Model, m.cfg.PresetNames())
	}

	m.lifecycle.Lock()
	caller, exists := m.descriptors[callerID]
	if !exists {
		m.lifecycle.Unlock()
		return nil, fmt.Errorf("%w: %s", protocol.ErrUnknownAgent, callerID)
	}
	if caller.Role != store.RoleManager || !store.IsRunning(caller.Status) {
		m.lifecycle.Unlock()
		return nil, fmt.Errorf("%w: only a running manager can spawn workers", protocol.ErrOwnershipViolation)
	}

	cwd, err := validateCwd(input.Cwd, firstNonEmpty(m.cfg.Swarm.WorkerCwd, caller.Cwd))
	if err != nil {
		m.lifecycle.Unlock()
		return nil, err
	}

	id := m.allocateAgentID(input.Name)
	_, archetypeID := m.arch.ResolveWorkerPrompt(input.ArchetypeID, id)
	now := protocol.FormatTime(time.Now())
	d := &store.AgentDescriptor{
		AgentID:     id,
		DisplayName: input.Name,
		Role:        store.RoleWorker,
		ManagerID:   callerID,
		ArchetypeID: archetypeID,
		Status:      store.StatusIdle,
		CreatedAt:   now,
		UpdatedAt:   now,
		Cwd:         cwd,
		Model:       store.ModelRef{Provider: spec.Provider, ModelID: spec.ModelID, ThinkingLevel: spec.ThinkingLevel},
		SessionFile: m.store.SessionFilePath(id),
	}
	m.descriptors[id] = d
	m.lifecycle.Unlock()

	if err := m.startRuntime(d); err != nil {
		m.lifecycle.Lock()
		d.Status = store.StatusError
		d.UpdatedAt = protocol.FormatTime(time.Now())
		saveErr := m.saveLocked()
		m.lifecycle.Unlock()
		if saveErr != nil {
			m.log.Error("saving agents after failed spawn", "error", saveErr)
		}
		return nil, fmt.Errorf("spawn %s: %w", id, err)
	}

	m.lifecycle.Lock()
	if err := m.saveLocked(); err != nil {
		m.log.Error("saving agents after spawn", "error", err)
	}
	m.lifecycle.Unlock()

	m.log.Info("worker spawned", "agent", id, "manager", callerID, "preset", presetName)
	m.emitter.Emit(Event{
		Name:    protocol.EventAgentStatus,
		Payload: AgentStatusEvent{AgentID: id, Status: store.StatusIdle},
	})
	m.emitSnapshot()

	if input.InitialMessage != "" {
		if err := m.SendAgentMessage(ctx, callerID, id, input.InitialMessage, OriginInternal); err != nil {
			m.log.Warn("initial message delivery failed", "agent", id, "error", err)
		}
	}
	return d.Clone(), nil
}

// KillAgent terminates a worker. Only the owning manager may kill it;
// managers cannot be killed this way.
func (m *Manager) KillAgent(ctx context.Context, callerID, targetID string) error {
	_, span := m.tracer.Start(ctx, "swarm.KillAgent",
		trace.WithAttributes(attribute.String("target", targetID)))
	defer span.End()

	m.lifecycle.Lock()
	target, ok := m.descriptors[targetID]
	if !ok {
		m.lifecycle.Unlock()
		return fmt.Errorf("%w: %s", protocol.ErrUnknownAgent, targetID)
	}
	if target.Role == store.RoleManager {
		m.lifecycle.Unlock()
		return fmt.Errorf("%w: cannot kill a manager", protocol.ErrOwnershipViolation)
	}
	if target.ManagerID != callerID {
		m.lifecycle.Unlock()
		return fmt.Errorf("%w: %s does not own %s", protocol.ErrOwnershipViolation, callerID, targetID)
	}
	rt := m.runtimes[targetID]
	delete(m.runtimes, targetID)
	target.Status = store.StatusTerminated
	target.ContextUsage = nil
	target.UpdatedAt = protocol.FormatTime(time.Now())
	if err := m.saveLocked(); err != nil {
		m.log.Error("saving agents after kill", "error", err)
	}
	m.lifecycle.Unlock()

	if rt != nil {
		rt.Terminate(true)
	}
	m.log.Info("worker killed", "agent", targetID, "manager", callerID)
	m.emitter.Emit(Event{
		Name:    protocol.EventAgentStatus,
		Payload: AgentStatusEvent{AgentID: targetID, Status: store.StatusTerminated},
	})
	m.emitSnapshot()
	return nil
}

// CreateManager creates and starts a new manager. Requires a running
// manager caller, except for the bootstrap case where no managers are
// running yet.
func (m *Manager) CreateManager(ctx context.Context, callerID, name, cwd, modelPreset string) (*store.AgentDescriptor, error) {
	ctx, span := m.tracer.Start(ctx, "swarm.CreateManager")
	defer span.End()

	spec, presetName, ok := m.cfg.ResolvePreset(modelPreset)
	if !ok {
		return nil, fmt.Errorf("%w: unknown model preset %q (known: %v)",
			protocol.ErrInvalidInput, modelPreset, m.cfg.PresetNames())
	}

	m.lifecycle.Lock()
	if callerID != "" {
		caller, exists := m.descriptors[callerID]
		if !exists || caller.Role != store.RoleManager || !store.IsRunning(caller.Status) {
			m.lifecycle.Unlock()
			return nil, fmt.Errorf("%w: caller %q is not a running manager", protocol.ErrOwnershipViolation, callerID)
		}
	} else if m.runningManagerCountLocked() > 0 {
		m.lifecycle.Unlock()
		return nil, fmt.Errorf("%w: manager creation requires a manager caller", protocol.ErrOwnershipViolation)
	}

	resolvedCwd, err := validateCwd(cwd, "")
	if err != nil {
		m.lifecycle.Unlock()
		return nil, err
	}

	// The reserved primary id is assignable only to the first manager
	// that asks for it; the allocator never produces it.
	var id string
	if NormalizeAgentID(name) == m.cfg.Swarm.PrimaryManagerID && m.descriptors[m.cfg.Swarm.PrimaryManagerID] == nil {
		id = m.cfg.Swarm.PrimaryManagerID
	} else {
		id = m.allocateAgentID(name)
	}

	now := protocol.FormatTime(time.Now())
	d := &store.AgentDescriptor{
		AgentID:     id,
		DisplayName: name,
		Role:        store.RoleManager,
		ManagerID:   id,
		Status:      store.StatusIdle,
		CreatedAt:   now,
		UpdatedAt:   now,
		Cwd:         resolvedCwd,
		Model:       store.ModelRef{Provider: spec.Provider, ModelID: spec.ModelID, ThinkingLevel: spec.ThinkingLevel},
		SessionFile: m.store.SessionFilePath(id),
	}
	m.descriptors[id] = d
	m.lifecycle.Unlock()

	if err := m.startRuntime(d); err != nil {
		m.lifecycle.Lock()
		d.Status = store.StatusStopped
		d.UpdatedAt = protocol.FormatTime(time.Now())
		if saveErr := m.saveLocked(); saveErr != nil {
			m.log.Error("saving agents after failed manager create", "error", saveErr)
		}
		m.lifecycle.Unlock()
		return nil, fmt.Errorf("create manager %s: %w", id, err)
	}

	m.lifecycle.Lock()
	if err := m.saveLocked(); err != nil {
		m.log.Error("saving agents after manager create", "error", err)
	}
	rt := m.runtimes[id]
	m.lifecycle.Unlock()

	m.log.Info("manager created", "agent", id, "preset", presetName)
	m.emitter.Emit(Event{
		Name:    protocol.EventManagerCreated,
		Payload: ManagerCreatedEvent{ManagerID: id, Agent: *d.Clone()},
	})
	m.emitSnapshot()

	if rt != nil {
		interview := prefixSystem(fmt.Sprintf(
			"You are the manager %q working in %s. Introduce yourself briefly and ask the user what they want to work on.",
			name, resolvedCwd))
		if _, err := rt.SendMessage(runtime.UserMessage{Text: interview}, runtime.ModeAuto); err != nil {
			m.log.Warn("bootstrap interview failed", "agent", id, "error", err)
		}
	}
	return d.Clone(), nil
}

// DeleteManager cascades: every owned worker is terminated and
// deleted, then the manager itself, and both conversation histories
// are cleared.
func (m *Manager) DeleteManager(ctx context.Context, callerID, targetManagerID string) error {
	_, span := m.tracer.Start(ctx, "swarm.DeleteManager",
		trace.WithAttributes(attribute.String("target", targetManagerID)))
	defer span.End()

	m.lifecycle.Lock()
	if callerID != "" {
		caller, exists := m.descriptors[callerID]
		if !exists || caller.Role != store.RoleManager {
			m.lifecycle.Unlock()
			return fmt.Errorf("%w: caller %q is not a manager", protocol.ErrOwnershipViolation, callerID)
		}
	}
	target, ok := m.descriptors[targetManagerID]
	if !ok || target.Role != store.RoleManager {
		m.lifecycle.Unlock()
		return fmt.Errorf("%w: %s", protocol.ErrUnknownAgent, targetManagerID)
	}

	var workerIDs []string
	victims := []*runtime.Runtime{}
	for id, d := range m.descriptors {
		if d.Role == store.RoleWorker && d.ManagerID == targetManagerID {
			workerIDs = append(workerIDs, id)
		}
	}
	sort.Strings(workerIDs)
	for _, id := range append(append([]string{}, workerIDs...), targetManagerID) {
		if rt := m.runtimes[id]; rt != nil {
			victims = append(victims, rt)
			delete(m.runtimes, id)
		}
		delete(m.descriptors, id)
		delete(m.lastSource, id)
	}
	if err := m.saveLocked(); err != nil {
		m.log.Error("saving agents after manager delete", "error", err)
	}
	m.lifecycle.Unlock()

	for _, rt := range victims {
		rt.Terminate(true)
	}
	for _, id := range append(append([]string{}, workerIDs...), targetManagerID) {
		m.projector.Drop(id)
	}

	m.log.Info("manager deleted", "agent", targetManagerID, "workers", len(workerIDs))
	m.emitter.Emit(Event{
		Name:    protocol.EventManagerDeleted,
		Payload: ManagerDeletedEvent{ManagerID: targetManagerID, TerminatedWorkerIDs: workerIDs},
	})
	m.emitSnapshot()
	return nil
}

// StopAllAgents interrupts in-flight work on the target manager and
// every worker it owns. Only the target manager itself may request it.
func (m *Manager) StopAllAgents(ctx context.Context, callerID, targetManagerID string) error {
	_, span := m.tracer.Start(ctx, "swarm.StopAllAgents")
	defer span.End()

	if callerID != targetManagerID {
		return fmt.Errorf("%w: only %s can stop its own swarm", protocol.ErrOwnershipViolation, targetManagerID)
	}

	m.lifecycle.Lock()
	target, ok := m.descriptors[targetManagerID]
	if !ok || target.Role != store.RoleManager {
		m.lifecycle.Unlock()
		return fmt.Errorf("%w: %s", protocol.ErrUnknownAgent, targetManagerID)
	}
	var rts []*runtime.Runtime
	for id, d := range m.descriptors {
		owned := id == targetManagerID || (d.Role == store.RoleWorker && d.ManagerID == targetManagerID)
		if owned && store.IsRunning(d.Status) {
			if rt := m.runtimes[id]; rt != nil {
				rts = append(rts, rt)
			}
		}
	}
	m.lifecycle.Unlock()

	for _, rt := range rts {
		rt.Interrupt()
	}
	m.log.Info("stopped in-flight work", "manager", targetManagerID, "agents", len(rts))
	return nil
}

func (m *Manager) runningManagerCountLocked() int {
	n := 0
	for _, d := range m.descriptors {
		if d.Role == store.RoleManager && store.IsRunning(d.Status) {
			n++
		}
	}
	return n
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
