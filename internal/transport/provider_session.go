package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/swarmgate/internal/providers"
)

// SessionConfig configures a ProviderSession.
type SessionConfig struct {
	Provider      providers.Provider
	Model         string
	ContextWindow int
	SystemPrompt  string
	LogPath       string // JSONL transcript; empty disables persistence
	Retry         providers.RetryConfig
	Tools         ToolRunner // nil disables tool use
	Logger        *slog.Logger
}

// maxToolRounds bounds how many tool round-trips a single assistant
// response may chain before the loop is cut off.
const maxToolRounds = 8

// ProviderSession implements Session on top of a providers.Provider.
// Steer messages queued during a stream are woven in as follow-up user
// turns within the same agent_start/agent_end envelope.
type ProviderSession struct {
	cfg SessionConfig
	log *slog.Logger

	mu           sync.Mutex
	history      []providers.Message
	listeners    map[int]func(SessionEvent)
	nextListener int
	steerQueue   []MessageParts
	streaming    bool
	compacting   bool
	disposed     bool
	cancelStream context.CancelFunc
	usage        *ContextUsage
	transcript   *transcriptLog
}

// NewProviderSession creates a session, restoring history from the
// JSONL transcript at cfg.LogPath when one exists.
func NewProviderSession(cfg SessionConfig) (*ProviderSession, error) {
	if cfg.Provider == nil {
		return nil, errors.New("transport: provider is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = providers.DefaultRetryConfig()
	}
	if cfg.ContextWindow <= 0 {
		cfg.ContextWindow = 200_000
	}

	s := &ProviderSession{
		cfg:       cfg,
		log:       cfg.Logger,
		listeners: make(map[int]func(SessionEvent)),
	}
	if cfg.LogPath != "" {
		tl, history, err := openTranscript(cfg.LogPath)
		if err != nil {
			return nil, fmt.Errorf("transport: open transcript: %w", err)
		}
		s.transcript = tl
		s.history = history
		if len(history) > 0 {
			s.usage = s.estimateUsage()
		}
	}
	return s, nil
}

func (s *ProviderSession) Prompt(ctx context.Context, text string, images []providers.ImageContent) error {
	return s.SendUserMessage(ctx, MessageParts{Text: text, Images: images})
}

func (s *ProviderSession) SendUserMessage(ctx context.Context, parts MessageParts) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return errors.New("transport: session disposed")
	}
	if s.streaming {
		s.mu.Unlock()
		return errors.New("transport: prompt already in flight")
	}
	s.streaming = true
	streamCtx, cancel := context.WithCancel(context.Background())
	s.cancelStream = cancel
	s.mu.Unlock()

	go s.run(streamCtx, parts)
	return nil
}

func (s *ProviderSession) Steer(ctx context.Context, text string, images []providers.ImageContent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return errors.New("transport: session disposed")
	}
	s.steerQueue = append(s.steerQueue, MessageParts{Text: text, Images: images})
	return nil
}

// run drives one streaming envelope: the initial user turn plus any
// steer turns that queue up while the assistant is responding.
func (s *ProviderSession) run(ctx context.Context, first MessageParts) {
	s.emit(SessionEvent{Type: EventAgentStart})

	cur := first
	for {
		s.emit(SessionEvent{Type: EventTurnStart})
		s.emit(SessionEvent{Type: EventMessageStart, Role: "user", Text: cur.Text, Images: cur.Images})
		s.appendHistory(providers.Message{Role: "user", Content: cur.Text, Images: cur.Images})
		s.emit(SessionEvent{Type: EventMessageEnd, Role: "user", Text: cur.Text})

		err := s.streamAssistant(ctx)
		s.emit(SessionEvent{Type: EventTurnEnd})
		if err != nil {
			break
		}

		next, ok := s.popSteer()
		if !ok {
			break
		}
		cur = next
	}

	s.mu.Lock()
	s.streaming = false
	s.cancelStream = nil
	s.mu.Unlock()
	s.emit(SessionEvent{Type: EventAgentEnd})
}

// streamAssistant runs assistant responses against the current history
// until the model stops asking for tools. Each round executes the
// requested calls, feeds the results back and re-streams.
func (s *ProviderSession) streamAssistant(ctx context.Context) error {
	for round := 0; ; round++ {
		resp, err := s.streamOnce(ctx)
		if err != nil {
			return err
		}
		if s.cfg.Tools == nil || len(resp.ToolCalls) == 0 {
			return nil
		}
		execute := round < maxToolRounds
		s.runToolCalls(ctx, resp.ToolCalls, execute)
		if !execute {
			return nil
		}
	}
}

// streamOnce runs one assistant response against the current history.
// The connection attempt is retried with auto_retry events; once chunks
// have been observed the stream is never replayed.
func (s *ProviderSession) streamOnce(ctx context.Context) (*providers.ChatResponse, error) {
	req := s.buildRequest()
	s.emit(SessionEvent{Type: EventMessageStart, Role: "assistant"})

	chunkSeen := false
	retry := s.cfg.Retry
	retry.OnRetryStart = func(attempt int, err error) {
		s.emit(SessionEvent{Type: EventAutoRetryStart, Attempt: attempt, ErrorMessage: err.Error()})
	}
	retry.OnRetryEnd = func(attempt int, err error) {
		msg := ""
		if err != nil {
			msg = err.Error()
		}
		s.emit(SessionEvent{Type: EventAutoRetryEnd, Attempt: attempt, ErrorMessage: msg})
	}

	resp, err := providers.RetryDo(ctx, retry, func() (*providers.ChatResponse, error) {
		r, err := s.cfg.Provider.ChatStream(ctx, req, func(chunk providers.StreamChunk) {
			if chunk.Content != "" {
				chunkSeen = true
				s.emit(SessionEvent{Type: EventMessageUpdate, Role: "assistant", Text: chunk.Content})
			}
		})
		if err != nil && chunkSeen {
			// A partially delivered stream must not be replayed.
			return nil, fmt.Errorf("stream interrupted: %s", err.Error())
		}
		return r, err
	})

	if err != nil {
		stopReason := StopReasonError
		if ctx.Err() != nil {
			stopReason = StopReasonAborted
		}
		s.emit(SessionEvent{Type: EventMessageEnd, Role: "assistant", StopReason: stopReason, ErrorMessage: err.Error()})
		return nil, err
	}

	s.appendHistory(providers.Message{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls})
	s.updateUsage(resp.Usage)
	s.emit(SessionEvent{Type: EventMessageEnd, Role: "assistant", Text: resp.Content, StopReason: resp.FinishReason})
	return resp, nil
}

// runToolCalls executes the model's tool calls and appends their
// results as a user turn. The results message is history plumbing, so
// it produces tool_execution events rather than message events. With
// execute false the calls are answered with an error result instead of
// being run, closing out a round-limit overrun.
func (s *ProviderSession) runToolCalls(ctx context.Context, calls []providers.ToolCall, execute bool) {
	results := make([]providers.ToolResult, 0, len(calls))
	for _, call := range calls {
		s.emit(SessionEvent{Type: EventToolExecutionStart, ToolName: call.Name, ToolCallID: call.ID})

		var text string
		var isErr bool
		if !execute {
			text = "tool call limit reached for this turn"
			isErr = true
		} else {
			var err error
			text, isErr, err = s.cfg.Tools.Call(ctx, call.Name, call.Input)
			if err != nil {
				text = err.Error()
				isErr = true
			}
		}

		ev := SessionEvent{Type: EventToolExecutionEnd, ToolName: call.Name, ToolCallID: call.ID, Text: text}
		if isErr {
			ev.ErrorMessage = text
		}
		s.emit(ev)
		results = append(results, providers.ToolResult{ToolCallID: call.ID, Content: text, IsError: isErr})
	}
	s.appendHistory(providers.Message{Role: "user", ToolResults: results})
}

func (s *ProviderSession) Compact(ctx context.Context, customInstructions string) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return errors.New("transport: session disposed")
	}
	if s.streaming {
		s.mu.Unlock()
		return errors.New("transport: cannot compact while streaming")
	}
	if s.compacting {
		s.mu.Unlock()
		return errors.New("transport: compaction already in progress")
	}
	if len(s.history) == 0 {
		s.mu.Unlock()
		return nil
	}
	s.compacting = true
	// The summary request is sent without a tools parameter, so tool
	// blocks are stripped from its view of the history.
	history := make([]providers.Message, 0, len(s.history))
	for _, m := range s.history {
		if m.Content == "" && len(m.Images) == 0 {
			continue
		}
		m.ToolCalls, m.ToolResults = nil, nil
		history = append(history, m)
	}
	s.mu.Unlock()

	s.emit(SessionEvent{Type: EventAutoCompactStart})

	instr := "Summarize the conversation so far, preserving all facts, decisions, open tasks and constraints. Reply with the summary only."
	if customInstructions != "" {
		instr += " " + customInstructions
	}
	req := providers.ChatRequest{
		System:   s.cfg.SystemPrompt,
		Model:    s.cfg.Model,
		Messages: append(history, providers.Message{Role: "user", Content: instr}),
	}

	resp, err := s.cfg.Provider.Chat(ctx, req)
	if err != nil {
		s.mu.Lock()
		s.compacting = false
		s.mu.Unlock()
		aborted := ctx.Err() != nil
		s.emit(SessionEvent{Type: EventAutoCompactEnd, ErrorMessage: err.Error(), Aborted: aborted})
		return err
	}

	summary := "[Conversation summary]\n" + resp.Content
	s.mu.Lock()
	s.history = []providers.Message{{Role: "user", Content: summary}}
	s.usage = s.estimateUsage()
	if s.transcript != nil {
		if werr := s.transcript.appendCompaction(summary); werr != nil {
			s.log.Warn("transcript compaction write failed", "error", werr)
		}
	}
	s.compacting = false
	s.mu.Unlock()

	s.emit(SessionEvent{Type: EventAutoCompactEnd})
	return nil
}

func (s *ProviderSession) Abort() {
	s.mu.Lock()
	cancel := s.cancelStream
	s.steerQueue = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *ProviderSession) ContextUsage() *ContextUsage {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.usage == nil {
		return nil
	}
	u := *s.usage
	return &u
}

func (s *ProviderSession) IsStreaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streaming
}

func (s *ProviderSession) IsCompacting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.compacting
}

func (s *ProviderSession) Subscribe(listener func(SessionEvent)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = listener
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

func (s *ProviderSession) Dispose() {
	s.Abort()
	s.mu.Lock()
	s.disposed = true
	s.listeners = make(map[int]func(SessionEvent))
	if s.transcript != nil {
		s.transcript.close()
		s.transcript = nil
	}
	s.mu.Unlock()
}

func (s *ProviderSession) buildRequest() providers.ChatRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	req := providers.ChatRequest{
		System:   s.cfg.SystemPrompt,
		Model:    s.cfg.Model,
		Messages: append([]providers.Message(nil), s.history...),
	}
	if s.cfg.Tools != nil {
		req.Tools = s.cfg.Tools.Specs()
	}
	return req
}

func (s *ProviderSession) appendHistory(m providers.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, m)
	// Tool plumbing is not persisted; a restored session replays the
	// text conversation only.
	if s.transcript != nil && (m.Content != "" || len(m.Images) > 0) {
		if err := s.transcript.appendMessage(m); err != nil {
			s.log.Warn("transcript write failed", "error", err)
		}
	}
}

func (s *ProviderSession) popSteer() (MessageParts, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.steerQueue) == 0 {
		return MessageParts{}, false
	}
	next := s.steerQueue[0]
	s.steerQueue = s.steerQueue[1:]
	return next, true
}

func (s *ProviderSession) updateUsage(u *providers.Usage) {
	if u == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tokens := u.PromptTokens + u.CompletionTokens
	s.usage = &ContextUsage{
		Tokens:        tokens,
		ContextWindow: s.cfg.ContextWindow,
		Percent:       float64(tokens) / float64(s.cfg.ContextWindow),
	}
}

// estimateUsage approximates token count from restored history at
// ~4 chars per token. Replaced by real usage after the first turn.
// Caller holds s.mu.
func (s *ProviderSession) estimateUsage() *ContextUsage {
	chars := 0
	for _, m := range s.history {
		chars += len(m.Content)
	}
	tokens := chars / 4
	return &ContextUsage{
		Tokens:        tokens,
		ContextWindow: s.cfg.ContextWindow,
		Percent:       float64(tokens) / float64(s.cfg.ContextWindow),
	}
}

// emit delivers an event to all listeners in subscription order.
// Listeners run without s.mu held so they may call back into the
// session.
func (s *ProviderSession) emit(ev SessionEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	fns := make([]func(SessionEvent), 0, len(s.listeners))
	for i := 0; i < s.nextListener; i++ {
		if fn, ok := s.listeners[i]; ok {
			fns = append(fns, fn)
		}
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}
