// Package channels connects external chat platforms to the swarm:
// inbound messages are routed through the swarm manager's user-message
// entry point, outbound conversation messages are rendered back to the
// originating platform.
package channels

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/nextlevelbuilder/swarmgate/internal/swarm"
)

// Channel is one platform integration. Start must return after setup;
// listening happens on the channel's own goroutines.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// IntegrationStatusEvent is the payload of a <channel>_status event.
type IntegrationStatusEvent struct {
	Channel string `json:"channel"`
	Enabled bool   `json:"enabled"`
	Running bool   `json:"running"`
	Error   string `json:"error,omitempty"`
}

// Manager owns the registered channels' lifecycle and the last known
// status per channel, replayed to new gateway subscribers.
type Manager struct {
	sw  *swarm.Manager
	log *slog.Logger

	mu         sync.Mutex
	channels   map[string]Channel
	lastStatus map[string]swarm.Event
}

func NewManager(sw *swarm.Manager, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		sw:         sw,
		log:        logger.With("component", "channels"),
		channels:   make(map[string]Channel),
		lastStatus: make(map[string]swarm.Event),
	}
}

// Register adds a channel before StartAll.
func (m *Manager) Register(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.Name()] = ch
}

// StartAll starts every registered channel. A channel that fails to
// start is reported through its status event and skipped; the rest
// still run.
func (m *Manager) StartAll(ctx context.Context) {
	m.mu.Lock()
	chs := make([]Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		chs = append(chs, ch)
	}
	m.mu.Unlock()

	for _, ch := range chs {
		if err := ch.Start(ctx); err != nil {
			m.log.Error("channel start failed", "channel", ch.Name(), "error", err)
			m.publishStatus(ch.Name(), false, err.Error())
			continue
		}
		m.log.Info("channel started", "channel", ch.Name())
		m.publishStatus(ch.Name(), true, "")
	}
}

// StopAll stops every channel and publishes the stopped status.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	chs := make([]Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		chs = append(chs, ch)
	}
	m.mu.Unlock()

	for _, ch := range chs {
		if err := ch.Stop(ctx); err != nil {
			m.log.Warn("channel stop failed", "channel", ch.Name(), "error", err)
		}
		m.publishStatus(ch.Name(), false, "")
	}
}

// publishStatus emits <channel>_status on the swarm bus and caches it
// for bootstrap replay.
func (m *Manager) publishStatus(name string, running bool, errMsg string) {
	ev := swarm.Event{
		Name: name + "_status",
		Payload: IntegrationStatusEvent{
			Channel: name,
			Enabled: true,
			Running: running,
			Error:   errMsg,
		},
	}
	m.mu.Lock()
	m.lastStatus[name] = ev
	m.mu.Unlock()
	m.sw.Emitter().Emit(ev)
}

// LastStatusEvents returns the most recent status event per channel in
// stable order. Implements the gateway's bootstrap status source.
func (m *Manager) LastStatusEvents() []swarm.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.lastStatus))
	for name := range m.lastStatus {
		names = append(names, name)
	}
	sort.Strings(names)
	events := make([]swarm.Event, 0, len(names))
	for _, name := range names {
		events = append(events, m.lastStatus[name])
	}
	return events
}
