package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/swarmgate/internal/config"
	"github.com/nextlevelbuilder/swarmgate/internal/protocol"
	"github.com/nextlevelbuilder/swarmgate/internal/providers"
	"github.com/nextlevelbuilder/swarmgate/internal/transport"
)

// fakeSession is a scripted transport. Tests drive the event stream by
// calling emit directly; Prompt/Steer/Compact only record their calls.
type fakeSession struct {
	mu           sync.Mutex
	streaming    bool
	compacting   bool
	usage        *transport.ContextUsage
	listeners    []func(transport.SessionEvent)
	prompts      []transport.MessageParts
	steers       []transport.MessageParts
	compacts     int
	aborts       int
	disposed     bool
	promptErrs   []error       // popped per Prompt call; empty means nil
	promptBlock  chan struct{} // when set, Prompt blocks until closed or ctx done
	compactErr   error
	strictIdle   bool // reject Compact while streaming, like the transport
	promptCalled chan struct{}
}

func newFakeSession() *fakeSession {
	return &fakeSession{promptCalled: make(chan struct{}, 16)}
}

func (f *fakeSession) Prompt(ctx context.Context, text string, images []providers.ImageContent) error {
	f.mu.Lock()
	f.prompts = append(f.prompts, transport.MessageParts{Text: text, Images: images})
	block := f.promptBlock
	var err error
	if len(f.promptErrs) > 0 {
		err = f.promptErrs[0]
		f.promptErrs = f.promptErrs[1:]
	}
	f.mu.Unlock()

	select {
	case f.promptCalled <- struct{}{}:
	default:
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (f *fakeSession) SendUserMessage(ctx context.Context, parts transport.MessageParts) error {
	return f.Prompt(ctx, parts.Text, parts.Images)
}

func (f *fakeSession) Steer(ctx context.Context, text string, images []providers.ImageContent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.steers = append(f.steers, transport.MessageParts{Text: text, Images: images})
	return nil
}

func (f *fakeSession) Compact(ctx context.Context, customInstructions string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.strictIdle && f.streaming {
		return errors.New("cannot compact while streaming")
	}
	f.compacts++
	return f.compactErr
}

func (f *fakeSession) Abort() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborts++
}

func (f *fakeSession) ContextUsage() *transport.ContextUsage {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.usage == nil {
		return nil
	}
	u := *f.usage
	return &u
}

func (f *fakeSession) IsStreaming() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streaming
}

func (f *fakeSession) IsCompacting() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.compacting
}

func (f *fakeSession) Subscribe(listener func(transport.SessionEvent)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, listener)
	return func() {}
}

func (f *fakeSession) Dispose() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disposed = true
}

func (f *fakeSession) setStreaming(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streaming = v
}

func (f *fakeSession) emit(ev transport.SessionEvent) {
	f.mu.Lock()
	listeners := append(([]func(transport.SessionEvent))(nil), f.listeners...)
	f.mu.Unlock()
	for _, fn := range listeners {
		fn(ev)
	}
}

func (f *fakeSession) promptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

func (f *fakeSession) compactCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.compacts
}

func (f *fakeSession) abortCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.aborts
}

func (f *fakeSession) waitPrompt(t *testing.T) {
	t.Helper()
	select {
	case <-f.promptCalled:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for prompt dispatch")
	}
}

type cbRecorder struct {
	mu        sync.Mutex
	statuses  []string
	errors    []RuntimeError
	agentEnds int
}

func (c *cbRecorder) callbacks() Callbacks {
	return Callbacks{
		OnStatusChange: func(agentID, status string, usage *transport.ContextUsage, pending int) {
			c.mu.Lock()
			c.statuses = append(c.statuses, status)
			c.mu.Unlock()
		},
		OnRuntimeError: func(agentID string, rerr RuntimeError) {
			c.mu.Lock()
			c.errors = append(c.errors, rerr)
			c.mu.Unlock()
		},
		OnAgentEnd: func(agentID string) {
			c.mu.Lock()
			c.agentEnds++
			c.mu.Unlock()
		},
	}
}

func (c *cbRecorder) errorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.errors)
}

func (c *cbRecorder) lastError(t *testing.T) RuntimeError {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.errors) == 0 {
		t.Fatal("no runtime errors recorded")
	}
	return c.errors[len(c.errors)-1]
}

func testOpts() config.RuntimeOptions {
	return config.RuntimeOptions{
		PromptDispatchTimeout:        5 * time.Second,
		CompactionTimeout:            5 * time.Second,
		StreamingInactivityTimeout:   5 * time.Second,
		HealthCheckInterval:          time.Minute,
		ProactiveCompactionThreshold: 0.85,
		ProactiveCompactionCooldown:  time.Minute,
		OverflowRecoveryCooldown:     time.Minute,
		MaxPromptDispatchAttempts:    2,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
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

func TestPromptThenSteerOrdering(t *testing.T) {
	f := newFakeSession()
	rec := &cbRecorder{}
	r := New("a1", f, testOpts(), rec.callbacks(), nil)
	defer r.Terminate(false)

	receipt, err := r.SendMessage(UserMessage{Text: "hello"}, ModeAuto)
	if err != nil {
		t.Fatal(err)
	}
	if receipt.AcceptedMode != "prompt" {
		t.Fatalf("first receipt mode = %q, want prompt", receipt.AcceptedMode)
	}
	f.waitPrompt(t)
	f.setStreaming(true)
	f.emit(transport.SessionEvent{Type: transport.EventAgentStart})

	for i, text := range []string{"wait", "cancel"} {
		receipt, err := r.SendMessage(UserMessage{Text: text}, ModeAuto)
		if err != nil {
			t.Fatal(err)
		}
		if receipt.AcceptedMode != ModeSteer {
			t.Fatalf("receipt %d mode = %q, want steer", i, receipt.AcceptedMode)
		}
	}
	if got := r.PendingCount(); got != 2 {
		t.Fatalf("pending = %d, want 2", got)
	}

	f.emit(transport.SessionEvent{Type: transport.EventMessageStart, Role: "user", Text: "wait"})
	if got := r.PendingCount(); got != 1 {
		t.Fatalf("pending after first match = %d, want 1", got)
	}
	f.emit(transport.SessionEvent{Type: transport.EventMessageStart, Role: "user", Text: "cancel"})
	if got := r.PendingCount(); got != 0 {
		t.Fatalf("pending after second match = %d, want 0", got)
	}
}

func TestSteerWhileDispatchPending(t *testing.T) {
	f := newFakeSession()
	f.promptBlock = make(chan struct{})
	rec := &cbRecorder{}
	r := New("a1", f, testOpts(), rec.callbacks(), nil)
	defer func() {
		close(f.promptBlock)
		r.Terminate(false)
	}()

	if _, err := r.SendMessage(UserMessage{Text: "first"}, ModeAuto); err != nil {
		t.Fatal(err)
	}
	receipt, err := r.SendMessage(UserMessage{Text: "second"}, ModeAuto)
	if err != nil {
		t.Fatal(err)
	}
	if receipt.AcceptedMode != ModeSteer {
		t.Fatalf("mode while dispatch pending = %q, want steer", receipt.AcceptedMode)
	}
}

func TestProactiveCompactionBoundary(t *testing.T) {
	f := newFakeSession()
	f.usage = &transport.ContextUsage{Tokens: 162_000, ContextWindow: 200_000, Percent: 0.81}
	opts := testOpts()
	opts.ProactiveCompactionThreshold = 0.80
	rec := &cbRecorder{}
	r := New("a1", f, opts, rec.callbacks(), nil)
	defer r.Terminate(false)

	if _, err := r.SendMessage(UserMessage{Text: "x"}, ModeAuto); err != nil {
		t.Fatal(err)
	}
	f.waitPrompt(t)
	if got := f.compactCount(); got != 1 {
		t.Fatalf("compactions before first prompt = %d, want 1", got)
	}

	f.emit(transport.SessionEvent{Type: transport.EventAgentStart})
	f.emit(transport.SessionEvent{Type: transport.EventAgentEnd})

	if _, err := r.SendMessage(UserMessage{Text: "y"}, ModeAuto); err != nil {
		t.Fatal(err)
	}
	f.waitPrompt(t)
	if got := f.compactCount(); got != 1 {
		t.Fatalf("compactions within cooldown = %d, want 1", got)
	}
	if got := f.promptCount(); got != 2 {
		t.Fatalf("prompts = %d, want 2", got)
	}
}

func TestOverflowRecoveryRedispatchesOnce(t *testing.T) {
	f := newFakeSession()
	rec := &cbRecorder{}
	r := New("a1", f, testOpts(), rec.callbacks(), nil)
	defer r.Terminate(false)

	if _, err := r.SendMessage(UserMessage{Text: "big"}, ModeAuto); err != nil {
		t.Fatal(err)
	}
	f.waitPrompt(t)
	f.emit(transport.SessionEvent{Type: transport.EventAgentStart})

	f.emit(transport.SessionEvent{
		Type:         transport.EventMessageEnd,
		Role:         "assistant",
		StopReason:   transport.StopReasonError,
		ErrorMessage: "prompt is too long: 210000 tokens > 200000 maximum",
	})

	waitFor(t, "recovery re-dispatch", func() bool { return f.promptCount() == 2 })
	if got := f.compactCount(); got != 1 {
		t.Fatalf("compactions = %d, want 1", got)
	}
	f.mu.Lock()
	redispatched := f.prompts[1].Text
	f.mu.Unlock()
	if redispatched != "big" {
		t.Fatalf("re-dispatched text = %q, want big", redispatched)
	}

	// A second overflow within the cooldown must only report, not
	// recover again.
	f.emit(transport.SessionEvent{
		Type:         transport.EventMessageEnd,
		Role:         "assistant",
		StopReason:   transport.StopReasonError,
		ErrorMessage: "prompt is too long",
	})
	waitFor(t, "blocked recovery error", func() bool { return rec.errorCount() >= 1 })
	if got := f.compactCount(); got != 1 {
		t.Fatalf("compactions after blocked recovery = %d, want 1", got)
	}
	rerr := rec.lastError(t)
	if rerr.Phase != PhaseCompaction {
		t.Fatalf("blocked recovery phase = %q, want compaction", rerr.Phase)
	}
}

func TestOverflowRecoveryWaitsForStreamEnd(t *testing.T) {
	f := newFakeSession()
	f.strictIdle = true
	rec := &cbRecorder{}
	r := New("a1", f, testOpts(), rec.callbacks(), nil)
	defer r.Terminate(false)

	if _, err := r.SendMessage(UserMessage{Text: "big"}, ModeAuto); err != nil {
		t.Fatal(err)
	}
	f.waitPrompt(t)
	f.setStreaming(true)
	f.emit(transport.SessionEvent{Type: transport.EventAgentStart})

	// The overflow report lands while the stream is still winding down;
	// compacting right away would be rejected.
	f.emit(transport.SessionEvent{
		Type:         transport.EventMessageEnd,
		Role:         "assistant",
		StopReason:   transport.StopReasonError,
		ErrorMessage: "prompt is too long: 210000 tokens > 200000 maximum",
	})
	time.AfterFunc(50*time.Millisecond, func() { f.setStreaming(false) })

	waitFor(t, "recovery re-dispatch after stream end", func() bool { return f.promptCount() == 2 })
	if got := f.compactCount(); got != 1 {
		t.Fatalf("compactions = %d, want 1", got)
	}
	if got := rec.errorCount(); got != 0 {
		t.Fatalf("runtime errors = %d, want 0 (last: %+v)", got, rec.lastError(t))
	}
}

func TestOverflowRecoveryFailureDoesNotRecurse(t *testing.T) {
	f := newFakeSession()
	f.compactErr = errors.New("compaction failed: still too large")
	rec := &cbRecorder{}
	r := New("a1", f, testOpts(), rec.callbacks(), nil)
	defer r.Terminate(false)

	if _, err := r.SendMessage(UserMessage{Text: "big"}, ModeAuto); err != nil {
		t.Fatal(err)
	}
	f.waitPrompt(t)
	f.emit(transport.SessionEvent{Type: transport.EventAgentStart})
	f.emit(transport.SessionEvent{
		Type:         transport.EventMessageEnd,
		Role:         "assistant",
		StopReason:   transport.StopReasonError,
		ErrorMessage: "input token count 250000 exceeds the limit",
	})

	waitFor(t, "compaction error report", func() bool { return rec.errorCount() >= 1 })
	rerr := rec.lastError(t)
	if rerr.Phase != PhaseCompaction {
		t.Fatalf("phase = %q, want compaction", rerr.Phase)
	}
	if rerr.Details["source"] != "overflow_recovery" {
		t.Fatalf("source = %v, want overflow_recovery", rerr.Details["source"])
	}
	if got := f.promptCount(); got != 1 {
		t.Fatalf("prompts = %d, want 1 (no re-dispatch after failed compaction)", got)
	}
}

func TestWatchdogStreamingHang(t *testing.T) {
	f := newFakeSession()
	opts := testOpts()
	opts.HealthCheckInterval = 20 * time.Millisecond
	opts.StreamingInactivityTimeout = 60 * time.Millisecond
	rec := &cbRecorder{}
	r := New("a1", f, opts, rec.callbacks(), nil)
	defer r.Terminate(false)

	if _, err := r.SendMessage(UserMessage{Text: "x"}, ModeAuto); err != nil {
		t.Fatal(err)
	}
	f.waitPrompt(t)
	f.emit(transport.SessionEvent{Type: transport.EventAgentStart})

	waitFor(t, "watchdog recovery", func() bool {
		return r.Status() == StatusIdle && rec.errorCount() >= 1
	})
	if got := f.abortCount(); got == 0 {
		t.Fatal("watchdog did not abort the transport")
	}
	rerr := rec.lastError(t)
	if rerr.Phase != PhaseWatchdogTimeout {
		t.Fatalf("phase = %q, want watchdog_timeout", rerr.Phase)
	}
	if rerr.Details["reason"] != "streaming" {
		t.Fatalf("reason = %v, want streaming", rerr.Details["reason"])
	}
}

func TestPromptDispatchTimeoutDropsPending(t *testing.T) {
	f := newFakeSession()
	f.promptBlock = make(chan struct{}) // never released
	opts := testOpts()
	opts.PromptDispatchTimeout = 50 * time.Millisecond
	rec := &cbRecorder{}
	r := New("a1", f, opts, rec.callbacks(), nil)
	defer r.Terminate(false)

	if _, err := r.SendMessage(UserMessage{Text: "a"}, ModeAuto); err != nil {
		t.Fatal(err)
	}
	if _, err := r.SendMessage(UserMessage{Text: "b"}, ModeAuto); err != nil {
		t.Fatal(err)
	}
	if got := r.PendingCount(); got != 1 {
		t.Fatalf("pending = %d, want 1", got)
	}

	waitFor(t, "dispatch error", func() bool { return rec.errorCount() >= 1 })
	rerr := rec.lastError(t)
	if rerr.Phase != PhasePromptDispatch {
		t.Fatalf("phase = %q, want prompt_dispatch", rerr.Phase)
	}
	if rerr.Details["droppedPendingCount"] != 1 {
		t.Fatalf("droppedPendingCount = %v, want 1", rerr.Details["droppedPendingCount"])
	}
	if rerr.Details["attempt"] != 2 {
		t.Fatalf("attempt = %v, want 2", rerr.Details["attempt"])
	}
	if got := r.PendingCount(); got != 0 {
		t.Fatalf("pending after drop = %d, want 0", got)
	}
	if got := f.abortCount(); got == 0 {
		t.Fatal("timed-out dispatch did not abort the transport")
	}
	if r.Status() != StatusIdle {
		t.Fatalf("status = %q, want idle", r.Status())
	}
}

func TestIgnoreNextAgentStartAfterDispatchError(t *testing.T) {
	f := newFakeSession()
	f.promptErrs = []error{errors.New("boom"), errors.New("boom")}
	rec := &cbRecorder{}
	r := New("a1", f, testOpts(), rec.callbacks(), nil)
	defer r.Terminate(false)

	if _, err := r.SendMessage(UserMessage{Text: "x"}, ModeAuto); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "dispatch error", func() bool { return rec.errorCount() >= 1 })

	// The stale agent_start from the failed prompt must not promote
	// status to streaming.
	f.emit(transport.SessionEvent{Type: transport.EventAgentStart})
	if r.Status() != StatusIdle {
		t.Fatalf("status after stale agent_start = %q, want idle", r.Status())
	}
}

func TestSendMessageAfterTerminate(t *testing.T) {
	f := newFakeSession()
	r := New("a1", f, testOpts(), Callbacks{}, nil)

	r.Terminate(true)
	if _, err := r.SendMessage(UserMessage{Text: "x"}, ModeAuto); !errors.Is(err, protocol.ErrAgentTerminated) {
		t.Fatalf("err = %v, want ErrAgentTerminated", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.aborts == 0 {
		t.Fatal("terminate with abort did not abort the transport")
	}
	if !f.disposed {
		t.Fatal("terminate did not dispose the session")
	}
}

func TestConcurrentSendDuringStreamAllSteer(t *testing.T) {
	f := newFakeSession()
	f.setStreaming(true)
	r := New("a1", f, testOpts(), Callbacks{}, nil)
	defer r.Terminate(false)

	var wg sync.WaitGroup
	modes := make([]string, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			receipt, err := r.SendMessage(UserMessage{Text: "m"}, ModeAuto)
			if err == nil {
				modes[i] = receipt.AcceptedMode
			}
		}(i)
	}
	wg.Wait()
	for i, m := range modes {
		if m != ModeSteer {
			t.Fatalf("receipt %d mode = %q, want steer", i, m)
		}
	}
}

func TestMessageKeyLaws(t *testing.T) {
	if MessageKey("  hello   world ", nil) != MessageKey("hello world", nil) {
		t.Fatal("text normalization is not stable")
	}
	a := providers.ImageContent{MimeType: "image/png", Data: "aGVsbG8="}
	b := providers.ImageContent{MimeType: "image/jpeg", Data: "d29ybGQ="}
	if MessageKey("x", []providers.ImageContent{a, b}) != MessageKey("x", []providers.ImageContent{b, a}) {
		t.Fatal("image order changed the key")
	}
	if MessageKey("x", []providers.ImageContent{a}) == MessageKey("x", []providers.ImageContent{b}) {
		t.Fatal("distinct images collided")
	}
}

func TestNormalizeImagesDropsInvalid(t *testing.T) {
	images := []providers.ImageContent{
		{MimeType: "image/png", Data: " aGVsbG8= "},
		{MimeType: "text/plain", Data: "aGVsbG8="},
		{MimeType: "image/png", Data: ""},
	}
	out := normalizeImages(images)
	if len(out) != 1 {
		t.Fatalf("kept %d images, want 1", len(out))
	}
	if out[0].Data != "aGVsbG8=" {
		t.Fatalf("data not trimmed: %q", out[0].Data)
	}
}
