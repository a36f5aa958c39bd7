package swarm

import (
	"log/slog"
	"sync"
)

// subscriberQueueCap bounds each subscriber's event queue. A slow
// subscriber drops its own events; producers never block.
const subscriberQueueCap = 256

// Event is the fan-out unit delivered to subscribers. AgentID is the
// routing key for conversation-scoped events; it is empty for
// broadcast events such as agents_snapshot.
type Event struct {
	Name    string
	AgentID string
	Payload any
}

// Emitter is a bounded-queue broadcaster. Emit enqueues to every
// subscriber in producer order and never blocks; each subscriber
// drains its queue on a dedicated goroutine, so per-subscriber
// delivery order equals emit order.
type Emitter struct {
	log *slog.Logger

	mu     sync.Mutex
	subs   map[int]*subscriber
	nextID int
	closed bool
}

type subscriber struct {
	ch   chan Event
	done chan struct{}
}

func NewEmitter(logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{log: logger, subs: make(map[int]*subscriber)}
}

// Subscribe registers fn and returns its unsubscribe function. fn runs
// on the subscriber's own goroutine and may block without affecting
// producers or other subscribers.
func (e *Emitter) Subscribe(fn func(Event)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return func() {}
	}
	id := e.nextID
	e.nextID++
	sub := &subscriber{
		ch:   make(chan Event, subscriberQueueCap),
		done: make(chan struct{}),
	}
	e.subs[id] = sub

	go func() {
		for {
			select {
			case <-sub.done:
				return
			case ev, ok := <-sub.ch:
				if !ok {
					return
				}
				fn(ev)
			}
		}
	}()

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if s, ok := e.subs[id]; ok {
			close(s.done)
			delete(e.subs, id)
		}
	}
}

// Emit delivers ev to every subscriber queue without blocking. Events
// for a full queue are dropped with a log line.
func (e *Emitter) Emit(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	for id, sub := range e.subs {
		select {
		case sub.ch <- ev:
		default:
			e.log.Warn("dropping event for slow subscriber",
				"event", ev.Name, "subscriber", id)
		}
	}
}

// Close stops all subscribers. Subsequent Emit calls are no-ops.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	for _, sub := range e.subs {
		close(sub.done)
	}
	e.subs = map[int]*subscriber{}
}
