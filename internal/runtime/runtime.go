// Package runtime supervises a single agent's streaming session. It
// enforces at-most-one in-flight prompt, queues steering messages into
// the live stream, bounds every suspension point with watchdog timers,
// and recovers context-window overflow transparently.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/swarmgate/internal/config"
	"github.com/nextlevelbuilder/swarmgate/internal/protocol"
	"github.com/nextlevelbuilder/swarmgate/internal/providers"
	"github.com/nextlevelbuilder/swarmgate/internal/transport"
)

// UserMessage is the normalized input to SendMessage.
type UserMessage struct {
	Text   string
	Images []providers.ImageContent
}

// Receipt acknowledges a SendMessage call. AcceptedMode is "prompt"
// when the message starts a new turn and "steer" when it was queued
// into an in-flight stream.
type Receipt struct {
	AcceptedMode string
	DeliveryID   string
}

// Requested delivery modes for SendMessage.
const (
	ModeAuto     = "auto"
	ModeFollowUp = "followUp"
	ModeSteer    = "steer"
)

// Runtime wraps one transport.Session with the supervision state
// machine. Create with New, destroy with Terminate.
type Runtime struct {
	agentID string
	session transport.Session
	opts    config.RuntimeOptions
	cb      Callbacks
	log     *slog.Logger

	mu                        sync.Mutex
	status                    string
	promptDispatchPending     bool
	promptDispatchStartedAt   time.Time
	ignoreNextAgentStart      bool
	autoCompactionInProgress  bool
	recoveryInProgress        bool
	healthCheckInProgress     bool
	lastPromptMessage         *UserMessage
	lastEventAt               time.Time
	lastProactiveCompactionAt time.Time
	lastOverflowRecoveryAt    time.Time
	pendingDeliveries         []PendingDelivery

	unsubscribe  func()
	watchdogStop chan struct{}
}

// New builds a runtime over a session, subscribes to its event stream,
// and starts the watchdog.
func New(agentID string, session transport.Session, opts config.RuntimeOptions, cb Callbacks, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.HealthCheckInterval <= 0 {
		opts.HealthCheckInterval = 15 * time.Second
	}
	r := &Runtime{
		agentID:      agentID,
		session:      session,
		opts:         opts,
		cb:           cb,
		log:          logger.With("agent", agentID),
		status:       StatusIdle,
		lastEventAt:  time.Now(),
		watchdogStop: make(chan struct{}),
	}
	r.unsubscribe = session.Subscribe(r.handleSessionEvent)
	go r.watchdogLoop()
	return r
}

// Status returns the current supervisor status.
func (r *Runtime) Status() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// PendingCount returns the number of queued steering deliveries.
func (r *Runtime) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pendingDeliveries)
}

// ContextUsage reports the session's context-window usage, nil when
// the agent is not running.
func (r *Runtime) ContextUsage() *transport.ContextUsage {
	r.mu.Lock()
	running := r.status == StatusIdle || r.status == StatusStreaming
	r.mu.Unlock()
	if !running {
		return nil
	}
	return r.session.ContextUsage()
}

// SendMessage accepts a user message. While the transport is streaming
// or a prompt dispatch is pending the message is steered into the live
// stream; otherwise it starts a new prompt asynchronously. Returns
// protocol.ErrAgentTerminated after Terminate.
func (r *Runtime) SendMessage(msg UserMessage, requestedMode string) (Receipt, error) {
	msg.Images = normalizeImages(msg.Images)

	r.mu.Lock()
	if r.status == StatusTerminated {
		r.mu.Unlock()
		return Receipt{}, protocol.ErrAgentTerminated
	}

	// The requested mode is advisory; the live stream decides. A steer
	// request against an idle agent still starts a prompt, so user
	// messages are never silently parked.
	steer := r.promptDispatchPending || r.session.IsStreaming()
	if steer {
		delivery := PendingDelivery{
			DeliveryID: uuid.NewString(),
			MessageKey: MessageKey(msg.Text, msg.Images),
			Mode:       ModeSteer,
		}
		r.pendingDeliveries = append(r.pendingDeliveries, delivery)
		r.mu.Unlock()

		if err := r.session.Steer(context.Background(), msg.Text, msg.Images); err != nil {
			r.mu.Lock()
			r.removeDeliveryLocked(delivery.DeliveryID)
			r.mu.Unlock()
			return Receipt{}, fmt.Errorf("steer: %w", err)
		}
		r.emitStatus()
		return Receipt{AcceptedMode: ModeSteer, DeliveryID: delivery.DeliveryID}, nil
	}

	r.promptDispatchPending = true
	r.promptDispatchStartedAt = time.Now()
	m := msg
	r.lastPromptMessage = &m
	r.mu.Unlock()

	go r.dispatchPromptWithRetry(msg)
	return Receipt{AcceptedMode: "prompt"}, nil
}

// removeDeliveryLocked drops the pending delivery with the given ID.
// Caller must hold r.mu.
func (r *Runtime) removeDeliveryLocked(deliveryID string) {
	for i, d := range r.pendingDeliveries {
		if d.DeliveryID == deliveryID {
			r.pendingDeliveries = append(r.pendingDeliveries[:i], r.pendingDeliveries[i+1:]...)
			return
		}
	}
}

// Compact runs an explicit compaction bounded by the compaction
// timeout.
func (r *Runtime) Compact(customInstructions string) error {
	r.mu.Lock()
	if r.status == StatusTerminated {
		r.mu.Unlock()
		return protocol.ErrAgentTerminated
	}
	r.mu.Unlock()
	return r.compactWithTimeout(customInstructions)
}

// Terminate shuts the runtime down. With abort set, any in-flight
// stream is cancelled. Terminate is idempotent; after it returns,
// SendMessage fails with protocol.ErrAgentTerminated.
func (r *Runtime) Terminate(abort bool) {
	r.mu.Lock()
	if r.status == StatusTerminated {
		r.mu.Unlock()
		return
	}
	r.status = StatusTerminated
	r.promptDispatchPending = false
	r.lastPromptMessage = nil
	r.pendingDeliveries = nil
	unsub := r.unsubscribe
	r.unsubscribe = nil
	close(r.watchdogStop)
	r.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if abort {
		r.session.Abort()
	}
	r.session.Dispose()
	r.emitStatus()
}

// Interrupt stops in-flight work without terminating the agent: the
// stream is aborted, queued deliveries are dropped and the agent
// returns to idle.
func (r *Runtime) Interrupt() {
	r.mu.Lock()
	if r.status == StatusTerminated {
		r.mu.Unlock()
		return
	}
	dropped := len(r.pendingDeliveries)
	r.pendingDeliveries = nil
	r.promptDispatchPending = false
	r.lastPromptMessage = nil
	r.status = StatusIdle
	r.mu.Unlock()

	r.session.Abort()
	if dropped > 0 {
		r.log.Info("interrupt dropped queued deliveries", "count", dropped)
	}
	r.emitStatus()
}

// dispatchPromptWithRetry drives one prompt through the transport,
// retrying once when the failure left the transport idle.
func (r *Runtime) dispatchPromptWithRetry(msg UserMessage) {
	r.maybeCompactBeforePrompt()

	maxAttempts := r.opts.MaxPromptDispatchAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := r.promptOnce(msg)
		if err == nil {
			return
		}

		r.mu.Lock()
		status := r.status
		r.mu.Unlock()
		retryable := attempt < maxAttempts &&
			status != StatusTerminated &&
			status != StatusStreaming &&
			!r.session.IsStreaming()
		if retryable {
			r.log.Warn("prompt dispatch failed, retrying", "attempt", attempt, "error", err)
			continue
		}
		r.handlePromptDispatchError(err, attempt, maxAttempts)
		return
	}
}

// promptOnce calls the transport's prompt entry bounded by the dispatch
// timeout. Image-only messages go through SendUserMessage.
func (r *Runtime) promptOnce(msg UserMessage) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.PromptDispatchTimeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		if msg.Text == "" && len(msg.Images) > 0 {
			errCh <- r.session.SendUserMessage(ctx, transport.MessageParts{Images: msg.Images})
			return
		}
		errCh <- r.session.Prompt(ctx, msg.Text, msg.Images)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return fmt.Errorf("prompt dispatch timed out after %s", r.opts.PromptDispatchTimeout)
	}
}

func (r *Runtime) handlePromptDispatchError(err error, attempt, maxAttempts int) {
	msg := err.Error()
	phase := PhasePromptDispatch
	if compactionPhasePattern.MatchString(msg) || IsContextOverflow(msg) {
		phase = PhaseCompaction
	}
	if timeoutPattern.MatchString(msg) {
		r.maybeAbortStuckSession()
	}

	r.mu.Lock()
	dropped := len(r.pendingDeliveries)
	r.pendingDeliveries = nil
	r.ignoreNextAgentStart = true
	r.lastPromptMessage = nil
	r.promptDispatchPending = false
	if r.status != StatusTerminated {
		r.status = StatusIdle
	}
	r.mu.Unlock()

	r.reportError(RuntimeError{
		Phase:   phase,
		Message: msg,
		Details: map[string]any{
			"attempt":             attempt,
			"maxAttempts":         maxAttempts,
			"droppedPendingCount": dropped,
		},
	})
	r.emitStatus()
	if r.cb.OnAgentEnd != nil {
		r.cb.OnAgentEnd(r.agentID)
	}
}

func (r *Runtime) maybeAbortStuckSession() {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Warn("abort on stuck session panicked", "panic", rec)
		}
	}()
	r.session.Abort()
}

// maybeCompactBeforePrompt compacts proactively when context usage has
// crossed the threshold and the cooldown has elapsed. Failure is
// reported but never blocks the dispatch.
func (r *Runtime) maybeCompactBeforePrompt() {
	if r.opts.ProactiveCompactionThreshold <= 0 {
		return
	}

	r.mu.Lock()
	terminated := r.status == StatusTerminated
	lastAt := r.lastProactiveCompactionAt
	r.mu.Unlock()
	if terminated || r.session.IsCompacting() {
		return
	}

	usage := r.session.ContextUsage()
	if usage == nil || usage.Percent < r.opts.ProactiveCompactionThreshold {
		return
	}
	if !lastAt.IsZero() && time.Since(lastAt) < r.opts.ProactiveCompactionCooldown {
		return
	}

	r.log.Info("proactive compaction",
		"usagePercent", usage.Percent,
		"threshold", r.opts.ProactiveCompactionThreshold)

	if err := r.compactWithTimeout(""); err != nil {
		r.reportError(RuntimeError{
			Phase:   PhaseCompaction,
			Message: err.Error(),
			Details: map[string]any{
				"source":           "proactive",
				"usagePercent":     usage.Percent,
				"usageTokens":      usage.Tokens,
				"contextWindow":    usage.ContextWindow,
				"thresholdPercent": r.opts.ProactiveCompactionThreshold,
			},
		})
		return
	}
	r.mu.Lock()
	r.lastProactiveCompactionAt = time.Now()
	r.mu.Unlock()
}

func (r *Runtime) compactWithTimeout(customInstructions string) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.CompactionTimeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- r.session.Compact(ctx, customInstructions)
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return fmt.Errorf("compaction timed out after %s", r.opts.CompactionTimeout)
	}
}

// handleSessionEvent applies one transport event to the state machine,
// then forwards it for conversation projection.
func (r *Runtime) handleSessionEvent(ev transport.SessionEvent) {
	r.mu.Lock()
	r.lastEventAt = time.Now()
	r.mu.Unlock()

	switch ev.Type {
	case transport.EventAutoCompactStart:
		r.mu.Lock()
		r.autoCompactionInProgress = true
		r.mu.Unlock()

	case transport.EventAutoCompactEnd:
		r.mu.Lock()
		r.autoCompactionInProgress = false
		r.mu.Unlock()
		if ev.ErrorMessage != "" {
			r.reportError(RuntimeError{
				Phase:   PhaseCompaction,
				Message: ev.ErrorMessage,
				Details: map[string]any{"source": "auto_compaction_end", "aborted": ev.Aborted},
			})
		}

	case transport.EventAgentStart:
		r.mu.Lock()
		r.promptDispatchPending = false
		r.promptDispatchStartedAt = time.Time{}
		promote := false
		if r.ignoreNextAgentStart {
			r.ignoreNextAgentStart = false
		} else if r.status == StatusIdle {
			r.status = StatusStreaming
			promote = true
		}
		r.mu.Unlock()
		if promote {
			r.emitStatus()
		}

	case transport.EventAgentEnd:
		r.mu.Lock()
		r.lastPromptMessage = nil
		changed := false
		if r.status == StatusStreaming {
			r.status = StatusIdle
			changed = true
		}
		r.mu.Unlock()
		if changed {
			r.emitStatus()
		}
		if r.cb.OnAgentEnd != nil {
			r.cb.OnAgentEnd(r.agentID)
		}

	case transport.EventMessageEnd:
		if ev.Role == "assistant" && ev.StopReason == transport.StopReasonError {
			if IsContextOverflow(ev.ErrorMessage) {
				r.handleContextOverflow(ev.ErrorMessage)
			} else {
				r.reportError(RuntimeError{
					Phase:   PhasePromptExecution,
					Message: ev.ErrorMessage,
					Details: map[string]any{"stopReason": ev.StopReason},
				})
			}
		}

	case transport.EventMessageStart:
		if ev.Role == "user" {
			r.consumePendingDelivery(ev)
		}
	}

	if r.cb.OnSessionEvent != nil {
		r.cb.OnSessionEvent(r.agentID, ev)
	}
}

// consumePendingDelivery matches an observed user turn against the
// steer queue: the head if it matches, else the first matching entry.
func (r *Runtime) consumePendingDelivery(ev transport.SessionEvent) {
	key := MessageKey(ev.Text, ev.Images)

	r.mu.Lock()
	matched := false
	if len(r.pendingDeliveries) > 0 && r.pendingDeliveries[0].MessageKey == key {
		r.pendingDeliveries = r.pendingDeliveries[1:]
		matched = true
	} else {
		for i, d := range r.pendingDeliveries {
			if d.MessageKey == key {
				r.pendingDeliveries = append(r.pendingDeliveries[:i], r.pendingDeliveries[i+1:]...)
				matched = true
				break
			}
		}
	}
	r.mu.Unlock()

	if matched {
		r.emitStatus()
	}
}

// handleContextOverflow performs the single cooldown-gated rescue:
// compact, then re-dispatch the last prompt exactly once. Every
// failure along the path reports a compaction error; none re-recurse.
func (r *Runtime) handleContextOverflow(errorMessage string) {
	r.mu.Lock()
	blocked := r.recoveryInProgress ||
		r.lastPromptMessage == nil ||
		r.status == StatusTerminated ||
		(!r.lastOverflowRecoveryAt.IsZero() && time.Since(r.lastOverflowRecoveryAt) < r.opts.OverflowRecoveryCooldown)
	var msg UserMessage
	if !blocked {
		r.recoveryInProgress = true
		r.lastOverflowRecoveryAt = time.Now()
		msg = *r.lastPromptMessage
	}
	r.mu.Unlock()

	if blocked {
		r.reportError(RuntimeError{
			Phase:   PhaseCompaction,
			Message: errorMessage,
			Details: map[string]any{"contextOverflow": true, "source": "overflow_recovery"},
		})
		return
	}

	go func() {
		defer func() {
			r.mu.Lock()
			r.recoveryInProgress = false
			r.mu.Unlock()
		}()

		// The overflow message_end arrives while the transport is still
		// winding down its stream; compacting then would be rejected.
		r.waitStreamSettled(5 * time.Second)

		if err := r.compactWithTimeout(""); err != nil {
			r.reportError(RuntimeError{
				Phase:   PhaseCompaction,
				Message: err.Error(),
				Details: map[string]any{"contextOverflow": true, "source": "overflow_recovery"},
			})
			return
		}

		r.mu.Lock()
		if r.status == StatusTerminated {
			r.mu.Unlock()
			return
		}
		r.promptDispatchPending = true
		r.promptDispatchStartedAt = time.Now()
		m := msg
		r.lastPromptMessage = &m
		r.mu.Unlock()

		if err := r.promptOnce(msg); err != nil {
			r.reportError(RuntimeError{
				Phase:   PhaseCompaction,
				Message: err.Error(),
				Details: map[string]any{"contextOverflow": true, "source": "overflow_recovery"},
			})
			r.mu.Lock()
			r.promptDispatchPending = false
			if r.status != StatusTerminated {
				r.status = StatusIdle
			}
			r.mu.Unlock()
			r.emitStatus()
		}
	}()
}

// waitStreamSettled polls until the session leaves streaming or the
// bound elapses.
func (r *Runtime) waitStreamSettled(bound time.Duration) {
	deadline := time.Now().Add(bound)
	for r.session.IsStreaming() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
}

// watchdogLoop ticks every health-check interval until Terminate.
func (r *Runtime) watchdogLoop() {
	ticker := time.NewTicker(r.opts.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.watchdogStop:
			return
		case <-ticker.C:
			r.healthCheck()
		}
	}
}

func (r *Runtime) healthCheck() {
	r.mu.Lock()
	if r.healthCheckInProgress || r.status == StatusTerminated {
		r.mu.Unlock()
		return
	}
	r.healthCheckInProgress = true

	now := time.Now()
	var reason string
	var timedOut time.Duration
	switch {
	case r.status == StatusStreaming && !r.autoCompactionInProgress &&
		now.Sub(r.lastEventAt) >= r.opts.StreamingInactivityTimeout:
		reason = "streaming"
		timedOut = now.Sub(r.lastEventAt)
	case r.promptDispatchPending && r.status != StatusStreaming &&
		now.Sub(r.promptDispatchStartedAt) >= r.opts.PromptDispatchTimeout:
		reason = "prompt_dispatch"
		timedOut = now.Sub(r.promptDispatchStartedAt)
	}
	r.healthCheckInProgress = false
	r.mu.Unlock()

	if reason != "" {
		r.handleWatchdogTimeout(reason, timedOut)
	}
}

func (r *Runtime) handleWatchdogTimeout(reason string, timedOut time.Duration) {
	r.mu.Lock()
	if r.recoveryInProgress || r.status == StatusTerminated {
		r.mu.Unlock()
		return
	}
	r.recoveryInProgress = true
	r.promptDispatchPending = false
	r.promptDispatchStartedAt = time.Time{}
	r.ignoreNextAgentStart = false
	r.lastPromptMessage = nil
	dropped := len(r.pendingDeliveries)
	r.pendingDeliveries = nil
	r.status = StatusIdle
	r.mu.Unlock()

	r.log.Warn("watchdog timeout", "reason", reason, "timedOutMs", timedOut.Milliseconds())
	r.maybeAbortStuckSession()

	r.reportError(RuntimeError{
		Phase:   PhaseWatchdogTimeout,
		Message: fmt.Sprintf("agent unresponsive (%s) for %s", reason, timedOut.Round(time.Second)),
		Details: map[string]any{
			"reason":              reason,
			"timedOutMs":          timedOut.Milliseconds(),
			"droppedPendingCount": dropped,
		},
	})
	r.emitStatus()
	if r.cb.OnAgentEnd != nil {
		r.cb.OnAgentEnd(r.agentID)
	}

	r.mu.Lock()
	r.recoveryInProgress = false
	r.mu.Unlock()
}

func (r *Runtime) reportError(rerr RuntimeError) {
	r.log.Error("runtime error", "phase", rerr.Phase, "message", rerr.Message)
	if r.cb.OnRuntimeError != nil {
		r.cb.OnRuntimeError(r.agentID, rerr)
	}
}

func (r *Runtime) emitStatus() {
	if r.cb.OnStatusChange == nil {
		return
	}
	r.mu.Lock()
	status := r.status
	pending := len(r.pendingDeliveries)
	r.mu.Unlock()

	var usage *transport.ContextUsage
	if status == StatusIdle || status == StatusStreaming {
		usage = r.session.ContextUsage()
	}
	r.cb.OnStatusChange(r.agentID, status, usage, pending)
}

// normalizeImages trims base64 payloads and drops entries without an
// image mime type or data.
func normalizeImages(images []providers.ImageContent) []providers.ImageContent {
	if len(images) == 0 {
		return nil
	}
	out := make([]providers.ImageContent, 0, len(images))
	for _, img := range images {
		img.Data = protocol.TrimBase64(img.Data)
		if img.Data == "" || !protocol.IsImageMime(img.MimeType) {
			continue
		}
		out = append(out, img)
	}
	return out
}
