package swarm

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/swarmgate/internal/archetypes"
	"github.com/nextlevelbuilder/swarmgate/internal/config"
	"github.com/nextlevelbuilder/swarmgate/internal/protocol"
	"github.com/nextlevelbuilder/swarmgate/internal/providers"
	"github.com/nextlevelbuilder/swarmgate/internal/store"
	"github.com/nextlevelbuilder/swarmgate/internal/transport"
)

// stubSession records calls; tests drive events through emit.
type stubSession struct {
	mu        sync.Mutex
	prompts   []string
	steers    []string
	compacts  []string
	streaming bool
	disposed  bool
	aborted   int
	listeners []func(transport.SessionEvent)
}

// Prompt records the text and immediately plays out a completed turn so
// the supervising runtime returns to idle.
func (s *stubSession) Prompt(ctx context.Context, text string, images []providers.ImageContent) error {
	s.mu.Lock()
	fns := append(([]func(transport.SessionEvent))(nil), s.listeners...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn(transport.SessionEvent{Type: transport.EventAgentStart})
		fn(transport.SessionEvent{Type: transport.EventAgentEnd})
	}
	s.mu.Lock()
	s.prompts = append(s.prompts, text)
	s.mu.Unlock()
	return nil
}

func (s *stubSession) SendUserMessage(ctx context.Context, parts transport.MessageParts) error {
	return s.Prompt(ctx, parts.Text, parts.Images)
}

func (s *stubSession) Steer(ctx context.Context, text string, images []providers.ImageContent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steers = append(s.steers, text)
	return nil
}

func (s *stubSession) Compact(ctx context.Context, customInstructions string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.compacts = append(s.compacts, customInstructions)
	return nil
}

func (s *stubSession) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aborted++
}

func (s *stubSession) ContextUsage() *transport.ContextUsage { return nil }

func (s *stubSession) IsStreaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streaming
}

func (s *stubSession) IsCompacting() bool { return false }

func (s *stubSession) Subscribe(fn func(transport.SessionEvent)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
	return func() {}
}

func (s *stubSession) Dispose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disposed = true
}

func (s *stubSession) promptTexts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.prompts...)
}

func (s *stubSession) compactCalls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.compacts...)
}

type testHarness struct {
	m        *Manager
	st       *store.Store
	sessions map[string]*stubSession
	mu       sync.Mutex
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Swarm.DataDir = dir
	cfg.Swarm.WorkerCwd = dir

	st, err := store.New(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	arch, err := archetypes.NewLibrary(dir+"/archetypes", nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(arch.Close)

	h := &testHarness{st: st, sessions: make(map[string]*stubSession)}
	factory := func(d *store.AgentDescriptor, systemPrompt string) (transport.Session, error) {
		s := &stubSession{}
		h.mu.Lock()
		h.sessions[d.AgentID] = s
		h.mu.Unlock()
		return s, nil
	}
	emitter := NewEmitter(nil)
	t.Cleanup(emitter.Close)
	h.m = New(cfg, st, arch, emitter, factory, nil)
	t.Cleanup(h.m.Shutdown)
	if err := h.m.Boot(); err != nil {
		t.Fatal(err)
	}
	return h
}

func (h *testHarness) session(t *testing.T, agentID string) *stubSession {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[agentID]
	if !ok {
		t.Fatalf("no session created for %s", agentID)
	}
	return s
}

func (h *testHarness) bootstrap(t *testing.T, cwd string) *store.AgentDescriptor {
	t.Helper()
	d, err := h.m.CreateManager(context.Background(), "", "Main", cwd, "")
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func waitCond(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestBootstrapCreatesPrimaryManager(t *testing.T) {
	h := newHarness(t)
	d := h.bootstrap(t, t.TempDir())

	if d.AgentID != "main" {
		t.Fatalf("bootstrap manager id = %q, want main", d.AgentID)
	}
	if d.Role != store.RoleManager || d.ManagerID != "main" {
		t.Fatalf("descriptor = %+v", d)
	}
	// The interview message reaches the fresh session.
	s := h.session(t, "main")
	waitCond(t, "bootstrap interview", func() bool { return len(s.promptTexts()) == 1 })
	if got := s.promptTexts()[0]; !strings.HasPrefix(got, "SYSTEM: ") {
		t.Fatalf("interview not SYSTEM-prefixed: %q", got)
	}

	// A second manager cannot claim the reserved id.
	d2, err := h.m.CreateManager(context.Background(), "main", "Main", t.TempDir(), "")
	if err != nil {
		t.Fatal(err)
	}
	if d2.AgentID != "main-2" {
		t.Fatalf("second manager id = %q, want main-2", d2.AgentID)
	}
}

func TestCreateManagerRejectsUnknownPreset(t *testing.T) {
	h := newHarness(t)
	_, err := h.m.CreateManager(context.Background(), "", "Main", t.TempDir(), "gpt-99")
	if !errors.Is(err, protocol.ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
}

func TestSpawnRequiresRunningManager(t *testing.T) {
	h := newHarness(t)
	if _, err := h.m.SpawnAgent(context.Background(), "ghost", SpawnInput{Name: "w"}); !errors.Is(err, protocol.ErrUnknownAgent) {
		t.Fatalf("err = %v, want ErrUnknownAgent", err)
	}

	h.bootstrap(t, t.TempDir())
	w, err := h.m.SpawnAgent(context.Background(), "main", SpawnInput{Name: "Research Helper"})
	if err != nil {
		t.Fatal(err)
	}
	if w.AgentID != "research-helper" || w.ManagerID != "main" || w.Role != store.RoleWorker {
		t.Fatalf("worker = %+v", w)
	}

	// Workers cannot spawn.
	if _, err := h.m.SpawnAgent(context.Background(), "research-helper", SpawnInput{Name: "x"}); !errors.Is(err, protocol.ErrOwnershipViolation) {
		t.Fatalf("err = %v, want ErrOwnershipViolation", err)
	}
}

func TestAgentIDAllocation(t *testing.T) {
	h := newHarness(t)
	h.bootstrap(t, t.TempDir())

	w1, err := h.m.SpawnAgent(context.Background(), "main", SpawnInput{Name: "Worker"})
	if err != nil {
		t.Fatal(err)
	}
	w2, err := h.m.SpawnAgent(context.Background(), "main", SpawnInput{Name: "Worker"})
	if err != nil {
		t.Fatal(err)
	}
	if w1.AgentID != "worker" || w2.AgentID != "worker-2" {
		t.Fatalf("ids = %q, %q", w1.AgentID, w2.AgentID)
	}

	// The reserved primary id is never allocated to a worker.
	w3, err := h.m.SpawnAgent(context.Background(), "main", SpawnInput{Name: "Main"})
	if err != nil {
		t.Fatal(err)
	}
	if w3.AgentID != "main-2" {
		t.Fatalf("id for reserved name = %q, want main-2", w3.AgentID)
	}
}

func TestKillAgentOwnership(t *testing.T) {
	h := newHarness(t)
	h.bootstrap(t, t.TempDir())
	other, err := h.m.CreateManager(context.Background(), "main", "Other", t.TempDir(), "")
	if err != nil {
		t.Fatal(err)
	}
	w, err := h.m.SpawnAgent(context.Background(), "main", SpawnInput{Name: "w"})
	if err != nil {
		t.Fatal(err)
	}

	// Killing a manager is an ownership violation.
	if err := h.m.KillAgent(context.Background(), "main", other.AgentID); !errors.Is(err, protocol.ErrOwnershipViolation) {
		t.Fatalf("kill manager err = %v, want ErrOwnershipViolation", err)
	}
	// A non-owning manager cannot kill.
	if err := h.m.KillAgent(context.Background(), other.AgentID, w.AgentID); !errors.Is(err, protocol.ErrOwnershipViolation) {
		t.Fatalf("foreign kill err = %v, want ErrOwnershipViolation", err)
	}
	// The owner can.
	if err := h.m.KillAgent(context.Background(), "main", w.AgentID); err != nil {
		t.Fatal(err)
	}
	d, ok := h.m.Descriptor(w.AgentID)
	if !ok || d.Status != store.StatusTerminated {
		t.Fatalf("killed worker descriptor = %+v", d)
	}
	if d.ContextUsage != nil {
		t.Fatal("terminated worker retains contextUsage")
	}
	// Messages to a terminated worker fail.
	err = h.m.HandleUserMessage(context.Background(), UserMessageInput{Text: "hi", TargetAgentID: w.AgentID})
	if !errors.Is(err, protocol.ErrTargetNotRunning) {
		t.Fatalf("err = %v, want ErrTargetNotRunning", err)
	}
}

func TestDeleteManagerCascades(t *testing.T) {
	h := newHarness(t)
	h.bootstrap(t, t.TempDir())
	w1, _ := h.m.SpawnAgent(context.Background(), "main", SpawnInput{Name: "w1"})
	w2, _ := h.m.SpawnAgent(context.Background(), "main", SpawnInput{Name: "w2"})

	deleted := make(chan ManagerDeletedEvent, 1)
	h.m.Emitter().Subscribe(func(ev Event) {
		if ev.Name == protocol.EventManagerDeleted {
			deleted <- ev.Payload.(ManagerDeletedEvent)
		}
	})

	if err := h.m.HandleUserMessage(context.Background(), UserMessageInput{Text: "keep"}); err != nil {
		t.Fatal(err)
	}
	if err := h.m.DeleteManager(context.Background(), "main", "main"); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-deleted:
		if ev.ManagerID != "main" {
			t.Fatalf("managerId = %q", ev.ManagerID)
		}
		if len(ev.TerminatedWorkerIDs) != 2 || ev.TerminatedWorkerIDs[0] != w1.AgentID || ev.TerminatedWorkerIDs[1] != w2.AgentID {
			t.Fatalf("terminatedWorkerIds = %v", ev.TerminatedWorkerIDs)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no manager_deleted event")
	}

	for _, id := range []string{"main", w1.AgentID, w2.AgentID} {
		if _, ok := h.m.Descriptor(id); ok {
			t.Fatalf("%s still in descriptor table", id)
		}
		if len(h.m.History(id)) != 0 {
			t.Fatalf("%s history not cleared", id)
		}
	}

	// The save file excludes all three.
	loaded, err := h.st.LoadAgents()
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded) != 0 {
		t.Fatalf("persisted agents = %d, want 0", len(loaded))
	}
}

func TestHandleUserMessageEmptyIsNoop(t *testing.T) {
	h := newHarness(t)
	h.bootstrap(t, t.TempDir())

	if err := h.m.HandleUserMessage(context.Background(), UserMessageInput{Text: "   "}); err != nil {
		t.Fatal(err)
	}
	if n := len(h.m.History("main")); n != 0 {
		t.Fatalf("history = %d entries after no-op", n)
	}
}

func TestHandleUserMessageRoutesToManager(t *testing.T) {
	h := newHarness(t)
	h.bootstrap(t, t.TempDir())
	s := h.session(t, "main")
	waitCond(t, "interview", func() bool { return len(s.promptTexts()) == 1 })

	if err := h.m.HandleUserMessage(context.Background(), UserMessageInput{Text: "hello there"}); err != nil {
		t.Fatal(err)
	}
	waitCond(t, "prompt delivery", func() bool { return len(s.promptTexts()) == 2 })
	if got := s.promptTexts()[1]; got != "hello there" {
		t.Fatalf("delivered text = %q", got)
	}

	history := h.m.History("main")
	var userEntries []protocol.ConversationEntry
	for _, e := range history {
		if e.Type == protocol.EntryConversationMessage && e.Role == protocol.RoleUser {
			userEntries = append(userEntries, e)
		}
	}
	if len(userEntries) != 1 || userEntries[0].Text != "hello there" {
		t.Fatalf("user entries = %+v", userEntries)
	}
}

func TestCompactCommandRouting(t *testing.T) {
	h := newHarness(t)
	h.bootstrap(t, t.TempDir())
	s := h.session(t, "main")

	if err := h.m.HandleUserMessage(context.Background(), UserMessageInput{Text: "/compact"}); err != nil {
		t.Fatal(err)
	}
	waitCond(t, "compaction", func() bool { return len(s.compactCalls()) == 1 })
	if got := s.compactCalls()[0]; got != "" {
		t.Fatalf("custom instructions = %q, want empty", got)
	}

	if err := h.m.HandleUserMessage(context.Background(), UserMessageInput{Text: "/compact focus on the open bugs"}); err != nil {
		t.Fatal(err)
	}
	waitCond(t, "second compaction", func() bool { return len(s.compactCalls()) == 2 })
	if got := s.compactCalls()[1]; got != "focus on the open bugs" {
		t.Fatalf("custom instructions = %q", got)
	}
}

func TestSendAgentMessagePrefixesAndRecords(t *testing.T) {
	h := newHarness(t)
	h.bootstrap(t, t.TempDir())
	w, err := h.m.SpawnAgent(context.Background(), "main", SpawnInput{Name: "scout"})
	if err != nil {
		t.Fatal(err)
	}
	ws := h.session(t, w.AgentID)

	if err := h.m.SendAgentMessage(context.Background(), "main", w.AgentID, "scan the repo", OriginInternal); err != nil {
		t.Fatal(err)
	}
	waitCond(t, "worker prompt", func() bool { return len(ws.promptTexts()) == 1 })
	if got := ws.promptTexts()[0]; got != "SYSTEM: scan the repo" {
		t.Fatalf("worker received %q", got)
	}

	var routed []protocol.ConversationEntry
	for _, e := range h.m.History("main") {
		if e.Type == protocol.EntryAgentMessage {
			routed = append(routed, e)
		}
	}
	if len(routed) != 1 || routed[0].FromAgentID != "main" || routed[0].ToAgentID != w.AgentID {
		t.Fatalf("agent_message entries = %+v", routed)
	}
}

func TestResetManagerSessionIdempotent(t *testing.T) {
	h := newHarness(t)
	h.bootstrap(t, t.TempDir())

	if err := h.m.HandleUserMessage(context.Background(), UserMessageInput{Text: "before reset"}); err != nil {
		t.Fatal(err)
	}
	if err := h.m.ResetManagerSession("main", protocol.ResetReasonUserNew); err != nil {
		t.Fatal(err)
	}
	if err := h.m.ResetManagerSession("main", protocol.ResetReasonUserNew); err != nil {
		t.Fatal(err)
	}

	if n := len(h.m.History("main")); n != 0 {
		t.Fatalf("history after reset = %d entries", n)
	}
	d, ok := h.m.Descriptor("main")
	if !ok || d.Status != store.StatusIdle {
		t.Fatalf("descriptor after reset = %+v", d)
	}
	// A fresh runtime accepts messages.
	if err := h.m.HandleUserMessage(context.Background(), UserMessageInput{Text: "after reset"}); err != nil {
		t.Fatal(err)
	}
}

func TestPublishToUserRequiresChannelID(t *testing.T) {
	h := newHarness(t)
	h.bootstrap(t, t.TempDir())

	err := h.m.PublishToUser("main", "done", SourceSpeakToUser, &protocol.SourceContext{Channel: protocol.ChannelSlack})
	if !errors.Is(err, protocol.ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}

	if err := h.m.PublishToUser("main", "done", SourceSpeakToUser,
		&protocol.SourceContext{Channel: protocol.ChannelSlack, ChannelID: "C123"}); err != nil {
		t.Fatal(err)
	}
	history := h.m.History("main")
	last := history[len(history)-1]
	if last.Role != protocol.RoleAssistant || last.SourceContext.ChannelID != "C123" {
		t.Fatalf("published entry = %+v", last)
	}
}

func TestNormalizeAgentID(t *testing.T) {
	tests := []struct{ in, want string }{
		{"Research Helper", "research-helper"},
		{"  --Weird__Name!!  ", "weird-name"},
		{"ALLCAPS", "allcaps"},
		{"", "agent"},
		{strings.Repeat("a", 60), strings.Repeat("a", 48)},
	}
	for _, tt := range tests {
		if got := NormalizeAgentID(tt.in); got != tt.want {
			t.Errorf("NormalizeAgentID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	// Idempotence.
	for _, tt := range tests {
		once := NormalizeAgentID(tt.in)
		if twice := NormalizeAgentID(once); twice != once {
			t.Errorf("not idempotent: %q -> %q -> %q", tt.in, once, twice)
		}
	}
}

func TestBootNormalizesStatuses(t *testing.T) {
	dir := t.TempDir()
	st, err := store.New(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	now := protocol.FormatTime(time.Now())
	agents := []*store.AgentDescriptor{
		{AgentID: "main", DisplayName: "main", Role: store.RoleManager, ManagerID: "main",
			Status: store.StatusStreaming, CreatedAt: now, UpdatedAt: now, Cwd: dir},
		{AgentID: "w1", DisplayName: "w1", Role: store.RoleWorker, ManagerID: "main",
			Status: store.StatusIdle, CreatedAt: now, UpdatedAt: now, Cwd: dir},
	}
	if err := st.SaveAgents("main", agents); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.Swarm.DataDir = dir
	arch, err := archetypes.NewLibrary(dir+"/archetypes", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer arch.Close()
	emitter := NewEmitter(nil)
	defer emitter.Close()
	factory := func(d *store.AgentDescriptor, systemPrompt string) (transport.Session, error) {
		return &stubSession{}, nil
	}
	m := New(cfg, st, arch, emitter, factory, nil)
	defer m.Shutdown()
	if err := m.Boot(); err != nil {
		t.Fatal(err)
	}

	d, _ := m.Descriptor("main")
	if d.Status != store.StatusIdle {
		t.Fatalf("manager status after boot = %q, want idle", d.Status)
	}
	w, _ := m.Descriptor("w1")
	if w.Status != store.StatusStoppedOnRestart {
		t.Fatalf("worker status after boot = %q, want stopped_on_restart", w.Status)
	}
}
