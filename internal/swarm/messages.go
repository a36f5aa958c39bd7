package swarm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/swarmgate/internal/protocol"
	"github.com/nextlevelbuilder/swarmgate/internal/runtime"
	"github.com/nextlevelbuilder/swarmgate/internal/store"
)

// Message origins for SendAgentMessage.
const (
	OriginInternal = "internal"
	OriginUser     = "user"
)

// Publish sources for PublishToUser.
const (
	SourceSpeakToUser = "speak_to_user"
	SourceSystem      = "system"
)

// UserMessageInput is the entry point payload from inbound channels
// and the gateway.
type UserMessageInput struct {
	Text          string
	TargetAgentID string
	Delivery      string
	Attachments   []protocol.Attachment
	Source        *protocol.SourceContext
}

// HandleUserMessage routes a user message to its target agent. Empty
// messages are a no-op. A /compact command on a manager triggers
// context compaction instead of a prompt. Messages to managers always
// steer so the user is never blocked behind in-flight work.
func (m *Manager) HandleUserMessage(ctx context.Context, input UserMessageInput) error {
	_, span := m.tracer.Start(ctx, "swarm.HandleUserMessage")
	defer span.End()

	attachments, dropped := protocol.NormalizeAttachments(input.Attachments)
	if dropped > 0 {
		m.log.Warn("dropped invalid attachments", "count", dropped)
	}
	text := protocol.NormalizeText(input.Text)
	if text == "" && len(attachments) == 0 {
		return nil
	}

	source := input.Source
	if source == nil {
		source = protocol.WebSource()
	} else if err := source.Validate(); err != nil {
		return err
	}

	m.lifecycle.Lock()
	targetID := input.TargetAgentID
	if targetID == "" {
		targetID = m.cfg.Swarm.PrimaryManagerID
	}
	d, ok := m.descriptors[targetID]
	if !ok {
		m.lifecycle.Unlock()
		return fmt.Errorf("%w: %s", protocol.ErrUnknownAgent, targetID)
	}
	rt := m.runtimes[targetID]
	if !store.IsRunning(d.Status) || rt == nil {
		m.lifecycle.Unlock()
		return fmt.Errorf("%w: %s is %s", protocol.ErrTargetNotRunning, targetID, d.Status)
	}
	isManager := d.Role == store.RoleManager
	if isManager && source.Channel != protocol.ChannelWeb {
		sc := *source
		m.lastSource[targetID] = &sc
	}
	m.lifecycle.Unlock()
	span.SetAttributes(attribute.String("target", targetID))

	if isManager {
		if body, ok := parseCompactCommand(text); ok {
			if entry, err := protocol.NewConversationMessage(targetID, protocol.RoleUser, text, nil, source, time.Now()); err == nil {
				m.projector.Append(entry)
			}
			return m.CompactAgentContext(targetID, body, source, "user")
		}
	}

	entry, err := protocol.NewConversationMessage(targetID, protocol.RoleUser, text, attachments, source, time.Now())
	if err != nil {
		return err
	}
	m.projector.Append(entry)

	shaped := m.shapeMessage(targetID, text, attachments)
	mode := runtime.ModeAuto
	if isManager {
		mode = runtime.ModeSteer
		if source.Channel != protocol.ChannelWeb {
			if raw, err := json.Marshal(source); err == nil {
				shaped.Text = "[sourceContext] " + string(raw) + "\n" + shaped.Text
			}
		}
	} else if input.Delivery != "" {
		mode = input.Delivery
	}

	if _, err := rt.SendMessage(runtime.UserMessage{Text: shaped.Text, Images: shaped.Images}, mode); err != nil {
		return fmt.Errorf("deliver to %s: %w", targetID, err)
	}
	return nil
}

// parseCompactCommand matches "/compact" and "/compact <instructions>".
func parseCompactCommand(text string) (body string, ok bool) {
	if text == "/compact" {
		return "", true
	}
	if strings.HasPrefix(text, "/compact ") {
		return strings.TrimSpace(strings.TrimPrefix(text, "/compact ")), true
	}
	return "", false
}

// SendAgentMessage routes a message between two agents. Internal
// control traffic gets the SYSTEM: prefix and is recorded as an
// agent_message in every manager context reachable from sender and
// target.
func (m *Manager) SendAgentMessage(ctx context.Context, fromID, toID, text, origin string) error {
	_, span := m.tracer.Start(ctx, "swarm.SendAgentMessage",
		trace.WithAttributes(attribute.String("from", fromID), attribute.String("to", toID)))
	defer span.End()

	m.lifecycle.Lock()
	from, ok := m.descriptors[fromID]
	if !ok {
		m.lifecycle.Unlock()
		return fmt.Errorf("%w: %s", protocol.ErrUnknownAgent, fromID)
	}
	to, ok := m.descriptors[toID]
	if !ok {
		m.lifecycle.Unlock()
		return fmt.Errorf("%w: %s", protocol.ErrUnknownAgent, toID)
	}
	if !store.IsRunning(from.Status) {
		m.lifecycle.Unlock()
		return fmt.Errorf("%w: sender %s is %s", protocol.ErrTargetNotRunning, fromID, from.Status)
	}
	if !store.IsRunning(to.Status) {
		m.lifecycle.Unlock()
		return fmt.Errorf("%w: %s is %s", protocol.ErrTargetNotRunning, toID, to.Status)
	}
	if from.Role == store.RoleManager && to.Role == store.RoleWorker && to.ManagerID != fromID {
		m.lifecycle.Unlock()
		return fmt.Errorf("%w: %s does not own %s", protocol.ErrOwnershipViolation, fromID, toID)
	}
	if from.Role == store.RoleWorker && to.Role == store.RoleWorker && from.ManagerID != to.ManagerID {
		m.lifecycle.Unlock()
		return fmt.Errorf("%w: %s and %s belong to different managers", protocol.ErrOwnershipViolation, fromID, toID)
	}
	rt := m.runtimes[toID]
	contexts := []string{m.managerContextIDLocked(fromID), m.managerContextIDLocked(toID)}
	m.lifecycle.Unlock()

	if rt == nil {
		return fmt.Errorf("%w: %s", protocol.ErrTargetNotRunning, toID)
	}

	outText := text
	if origin == OriginInternal {
		outText = prefixSystem(text)
	}
	if _, err := rt.SendMessage(runtime.UserMessage{Text: outText}, runtime.ModeAuto); err != nil {
		return fmt.Errorf("deliver to %s: %w", toID, err)
	}

	if origin == OriginInternal && fromID != toID {
		m.projector.AppendToContexts(contexts, protocol.NewAgentMessage("", fromID, toID, text, time.Now()))
	}
	return nil
}

// PublishToUser emits an outbound message into the manager's
// conversation. speak_to_user requires a running manager caller and
// produces an assistant message; everything else is a system note.
func (m *Manager) PublishToUser(agentID, text, source string, target *protocol.SourceContext) error {
	m.lifecycle.Lock()
	d, ok := m.descriptors[agentID]
	if !ok {
		m.lifecycle.Unlock()
		return fmt.Errorf("%w: %s", protocol.ErrUnknownAgent, agentID)
	}
	contextID := m.managerContextIDLocked(agentID)
	if source == SourceSpeakToUser {
		if d.Role != store.RoleManager || !store.IsRunning(d.Status) {
			m.lifecycle.Unlock()
			return fmt.Errorf("%w: speak_to_user requires a running manager", protocol.ErrOwnershipViolation)
		}
	}
	sc := target
	if sc == nil {
		sc = m.lastSource[contextID]
	}
	m.lifecycle.Unlock()

	if sc == nil {
		sc = protocol.WebSource()
	}
	if sc.Channel != protocol.ChannelWeb && sc.ChannelID == "" {
		return fmt.Errorf("%w: non-web publish target requires channelId", protocol.ErrInvalidInput)
	}

	role := protocol.RoleSystem
	if source == SourceSpeakToUser {
		role = protocol.RoleAssistant
	}
	entry, err := protocol.NewConversationMessage(contextID, role, text, nil, sc, time.Now())
	if err != nil {
		return err
	}
	m.projector.Append(entry)
	return nil
}

// CompactAgentContext compacts a manager's session, bracketed by
// system messages announcing start and outcome.
func (m *Manager) CompactAgentContext(agentID, customInstructions string, source *protocol.SourceContext, trigger string) error {
	m.lifecycle.Lock()
	d, ok := m.descriptors[agentID]
	if !ok {
		m.lifecycle.Unlock()
		return fmt.Errorf("%w: %s", protocol.ErrUnknownAgent, agentID)
	}
	if d.Role != store.RoleManager {
		m.lifecycle.Unlock()
		return fmt.Errorf("%w: compaction is manager-only", protocol.ErrOwnershipViolation)
	}
	rt := m.runtimes[agentID]
	if !store.IsRunning(d.Status) || rt == nil {
		m.lifecycle.Unlock()
		return fmt.Errorf("%w: %s is %s", protocol.ErrTargetNotRunning, agentID, d.Status)
	}
	m.lifecycle.Unlock()

	m.appendSystemMessage(agentID, "⏳ Compacting context…", source)
	go func() {
		if err := rt.Compact(customInstructions); err != nil {
			m.appendSystemMessage(agentID, fmt.Sprintf("⚠️ Context compaction failed: %s.", err.Error()), source)
			return
		}
		m.appendSystemMessage(agentID, "✅ Context compaction complete.", source)
	}()
	return nil
}

// ResetManagerSession discards a manager's session: the runtime is
// terminated, the transcript deleted, a fresh runtime started and the
// conversation cleared. Applying it twice is equivalent to once.
func (m *Manager) ResetManagerSession(managerID, reason string) error {
	if managerID == "" {
		managerID = m.cfg.Swarm.PrimaryManagerID
	}
	if reason == "" {
		reason = protocol.ResetReasonAPIReset
	}

	m.lifecycle.Lock()
	d, ok := m.descriptors[managerID]
	if !ok || d.Role != store.RoleManager {
		m.lifecycle.Unlock()
		return fmt.Errorf("%w: %s", protocol.ErrUnknownAgent, managerID)
	}
	rt := m.runtimes[managerID]
	delete(m.runtimes, managerID)
	m.lifecycle.Unlock()

	if rt != nil {
		rt.Terminate(true)
	}
	if err := m.store.DeleteSessionFile(managerID); err != nil {
		m.log.Warn("deleting session file failed", "agent", managerID, "error", err)
	}

	m.lifecycle.Lock()
	d.Status = store.StatusIdle
	d.ContextUsage = nil
	d.UpdatedAt = protocol.FormatTime(time.Now())
	m.lifecycle.Unlock()

	if err := m.startRuntime(d); err != nil {
		m.lifecycle.Lock()
		d.Status = store.StatusStopped
		if saveErr := m.saveLocked(); saveErr != nil {
			m.log.Error("saving agents after failed reset", "error", saveErr)
		}
		m.lifecycle.Unlock()
		return fmt.Errorf("reset %s: %w", managerID, err)
	}

	m.projector.Reset(managerID, reason)

	m.lifecycle.Lock()
	if err := m.saveLocked(); err != nil {
		m.log.Error("saving agents after reset", "error", err)
	}
	m.lifecycle.Unlock()

	m.log.Info("manager session reset", "agent", managerID, "reason", reason)
	m.emitter.Emit(Event{
		Name:    protocol.EventAgentStatus,
		Payload: AgentStatusEvent{AgentID: managerID, Status: store.StatusIdle},
	})
	m.emitSnapshot()
	return nil
}

func (m *Manager) appendSystemMessage(agentID, text string, sc *protocol.SourceContext) {
	entry, err := protocol.NewConversationMessage(agentID, protocol.RoleSystem, text, nil, sc, time.Now())
	if err != nil {
		return
	}
	m.projector.Append(entry)
}
