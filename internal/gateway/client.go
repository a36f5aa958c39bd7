package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/swarmgate/internal/protocol"
	"github.com/nextlevelbuilder/swarmgate/internal/store"
	"github.com/nextlevelbuilder/swarmgate/internal/swarm"
)

const (
	writeTimeout   = 10 * time.Second
	maxMessageSize = 32 << 20 // attachments travel base64-encoded
	sendQueueCap   = 256
)

// Client is one accepted WebSocket connection. All outbound frames go
// through the send queue and a single writer goroutine, so delivery
// order on the socket equals enqueue order.
type Client struct {
	id   string
	conn *websocket.Conn
	srv  *Server

	send chan map[string]any
	done chan struct{}
	once sync.Once

	unsubscribe func()
	limiter     *rate.Limiter

	mu              sync.Mutex
	subscribedAgent string
	bootstrapping   bool
	pending         []swarm.Event
}

func newClient(conn *websocket.Conn, srv *Server) *Client {
	return &Client{
		id:      uuid.NewString(),
		conn:    conn,
		srv:     srv,
		send:    make(chan map[string]any, sendQueueCap),
		done:    make(chan struct{}),
		limiter: srv.newCommandLimiter(),
	}
}

// allowCommand applies this connection's command rate limit. Subscribe
// and ping are exempt so a throttled client can still reconnect.
func (c *Client) allowCommand() bool {
	if c.limiter == nil {
		return true
	}
	return c.limiter.Allow()
}

func (c *Client) subscribed() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribedAgent
}

// run drives the connection: a writer goroutine plus the read loop on
// the caller's goroutine. Returns when the peer disconnects.
func (c *Client) run() {
	go c.writePump()
	c.readLoop()
}

func (c *Client) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *Client) readLoop() {
	c.conn.SetReadLimit(maxMessageSize)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.srv.log.Warn("read failed", "id", c.id, "error", err)
			}
			return
		}
		var frame commandFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.enqueue(errorFrame(protocol.CodeInvalidCommand, "malformed command frame", ""))
			continue
		}
		c.handleCommand(frame)
	}
}

func (c *Client) writePump() {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(frame); err != nil {
				c.srv.log.Warn("write failed", "id", c.id, "error", err)
				c.close()
				return
			}
		}
	}
}

// enqueue hands a frame to the writer. A client that cannot drain its
// queue loses frames rather than blocking the event bus.
func (c *Client) enqueue(frame map[string]any) {
	select {
	case c.send <- frame:
	case <-c.done:
	default:
		c.srv.log.Warn("dropping frame for slow client", "id", c.id, "frame", frame["type"])
	}
}

func (c *Client) enqueueEvent(eventType string, payload any) {
	frame, err := envelope(eventType, payload)
	if err != nil {
		c.srv.log.Error("encoding event failed", "event", eventType, "error", err)
		return
	}
	c.enqueue(frame)
}

// onSwarmEvent filters bus events for this socket. Lifecycle events go
// to every subscribed client; conversation events only to the client
// subscribed to their agent. Events arriving while a bootstrap replay
// is in flight are buffered so they land after ready and the history.
func (c *Client) onSwarmEvent(ev swarm.Event) {
	c.mu.Lock()
	sub := c.subscribedAgent
	if sub == "" {
		c.mu.Unlock()
		return
	}
	if c.bootstrapping {
		c.pending = append(c.pending, ev)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.deliver(sub, ev)
}

func (c *Client) deliver(sub string, ev swarm.Event) {
	switch {
	case ev.Name == protocol.EventAgentStatus,
		ev.Name == protocol.EventAgentsSnapshot,
		ev.Name == protocol.EventManagerCreated,
		strings.HasSuffix(ev.Name, "_status"):
		c.enqueueEvent(ev.Name, ev.Payload)

	case ev.Name == protocol.EventManagerDeleted:
		c.enqueueEvent(ev.Name, ev.Payload)
		if deleted, ok := ev.Payload.(swarm.ManagerDeletedEvent); ok {
			c.maybeRebind(sub, deleted)
		}

	default:
		if ev.AgentID == sub {
			c.enqueueEvent(ev.Name, ev.Payload)
		}
	}
}

// maybeRebind moves the socket to a fallback manager when its
// subscription target was deleted, then replays the full bootstrap.
func (c *Client) maybeRebind(sub string, deleted swarm.ManagerDeletedEvent) {
	gone := sub == deleted.ManagerID
	for _, id := range deleted.TerminatedWorkerIDs {
		if sub == id {
			gone = true
		}
	}
	if !gone {
		return
	}
	fallback := c.srv.swarm.FallbackManagerID()
	c.sendBootstrap(fallback)
	c.srv.log.Info("rebound subscription", "id", c.id, "from", sub, "to", fallback)
}

// sendBootstrap binds the socket to agentID and emits the 4-step
// subscribe sequence: ready, full agent snapshot, conversation history,
// last known integration statuses.
func (c *Client) sendBootstrap(agentID string) {
	c.beginBootstrap(agentID)
	defer c.finishBootstrap(agentID)

	c.enqueueEvent(protocol.EventReady, map[string]any{
		"serverTime":        protocol.FormatTime(time.Now()),
		"subscribedAgentId": agentID,
	})
	c.enqueueEvent(protocol.EventAgentsSnapshot, c.srv.swarm.Snapshot())

	history := c.srv.swarm.History(agentID)
	if history == nil {
		history = []protocol.ConversationEntry{}
	}
	c.enqueueEvent(protocol.EventConversationHistory, map[string]any{
		"agentId":  agentID,
		"messages": history,
	})

	if c.srv.statusSource != nil {
		for _, ev := range c.srv.statusSource.LastStatusEvents() {
			c.enqueueEvent(ev.Name, ev.Payload)
		}
	}
}

func (c *Client) beginBootstrap(agentID string) {
	c.mu.Lock()
	c.subscribedAgent = agentID
	c.bootstrapping = true
	c.pending = nil
	c.mu.Unlock()
}

// finishBootstrap drains events buffered during the replay, then lets
// new events flow directly. Stops early if the socket was rebound to a
// different agent mid-flush.
func (c *Client) finishBootstrap(agentID string) {
	for {
		c.mu.Lock()
		if c.subscribedAgent != agentID {
			c.mu.Unlock()
			return
		}
		if len(c.pending) == 0 {
			c.bootstrapping = false
			c.mu.Unlock()
			return
		}
		batch := c.pending
		c.pending = nil
		c.mu.Unlock()
		for _, ev := range batch {
			c.deliver(agentID, ev)
		}
	}
}

func (c *Client) handleCommand(frame commandFrame) {
	switch frame.Type {
	case protocol.CmdPing:
		pong := map[string]any{"type": protocol.EventPong}
		if frame.RequestID != "" {
			pong["requestId"] = frame.RequestID
		}
		c.enqueue(pong)
		return

	case protocol.CmdSubscribe:
		c.handleSubscribe(frame)
		return
	}

	if c.subscribed() == "" {
		c.enqueue(errorFrame(protocol.CodeNotSubscribed, "subscribe before issuing commands", frame.RequestID))
		return
	}
	if !c.allowCommand() {
		c.enqueue(errorFrame(failureCode(frame.Type), "rate limit exceeded", frame.RequestID))
		return
	}

	switch frame.Type {
	case protocol.CmdUserMessage:
		c.handleUserMessage(frame)
	case protocol.CmdKillAgent:
		c.handleKillAgent(frame)
	case protocol.CmdStopAllAgents:
		c.handleStopAllAgents(frame)
	case protocol.CmdCreateManager:
		c.handleCreateManager(frame)
	case protocol.CmdDeleteManager:
		c.handleDeleteManager(frame)
	case protocol.CmdListDirectories:
		c.handleListDirectories(frame)
	case protocol.CmdValidateDirectory:
		c.handleValidateDirectory(frame)
	case protocol.CmdPickDirectory:
		c.handlePickDirectory(frame)
	default:
		c.enqueue(errorFrame(protocol.CodeInvalidCommand, "unknown command "+frame.Type, frame.RequestID))
	}
}

// handleSubscribe validates the target and replays state. The reserved
// primary id may be subscribed before any manager exists, so a fresh
// install can drive the create-manager flow from the UI.
func (c *Client) handleSubscribe(frame commandFrame) {
	target := frame.AgentID
	if target == "" {
		target = c.srv.swarm.PrimaryManagerID()
	}
	if _, ok := c.srv.swarm.Descriptor(target); !ok {
		bootstrapException := target == c.srv.swarm.PrimaryManagerID() &&
			c.srv.swarm.RunningManagerCount() == 0
		if !bootstrapException {
			c.enqueue(errorFrame(protocol.CodeUnknownAgent, "unknown agent "+target, frame.RequestID))
			return
		}
	}
	c.sendBootstrap(target)
}

func (c *Client) handleUserMessage(frame commandFrame) {
	target := frame.AgentID
	if target == "" {
		target = c.subscribed()
	}
	err := c.srv.swarm.HandleUserMessage(context.Background(), swarm.UserMessageInput{
		Text:          frame.Text,
		TargetAgentID: target,
		Delivery:      frame.Delivery,
		Attachments:   frame.Attachments,
	})
	if err != nil {
		c.enqueue(errorFrame(c.codeFor(err, protocol.CodeUserMessageFailed), err.Error(), frame.RequestID))
	}
}

func (c *Client) handleKillAgent(frame commandFrame) {
	if err := c.srv.swarm.KillAgent(context.Background(), c.callerManagerID(), frame.AgentID); err != nil {
		c.enqueue(errorFrame(c.codeFor(err, protocol.CodeKillAgentFailed), err.Error(), frame.RequestID))
	}
}

func (c *Client) handleStopAllAgents(frame commandFrame) {
	manager := frame.ManagerID
	if manager == "" {
		manager = c.callerManagerID()
	}
	if err := c.srv.swarm.StopAllAgents(context.Background(), manager, manager); err != nil {
		c.enqueue(errorFrame(c.codeFor(err, protocol.CodeInvalidCommand), err.Error(), frame.RequestID))
	}
}

func (c *Client) handleCreateManager(frame commandFrame) {
	if _, err := c.srv.swarm.CreateManager(context.Background(), c.runningManagerCaller(), frame.Name, frame.Cwd, frame.Model); err != nil {
		c.enqueue(errorFrame(c.codeFor(err, protocol.CodeCreateManagerFailed), err.Error(), frame.RequestID))
	}
}

func (c *Client) handleDeleteManager(frame commandFrame) {
	if err := c.srv.swarm.DeleteManager(context.Background(), c.runningManagerCaller(), frame.ManagerID); err != nil {
		c.enqueue(errorFrame(c.codeFor(err, protocol.CodeDeleteManagerFailed), err.Error(), frame.RequestID))
	}
}

// callerManagerID resolves the manager context this socket acts for:
// the subscribed manager, or a subscribed worker's owner.
func (c *Client) callerManagerID() string {
	sub := c.subscribed()
	d, ok := c.srv.swarm.Descriptor(sub)
	if !ok {
		return sub
	}
	if d.Role == store.RoleWorker {
		return d.ManagerID
	}
	return d.AgentID
}

// runningManagerCaller is callerManagerID restricted to running
// managers; empty engages the swarm's bootstrap rule.
func (c *Client) runningManagerCaller() string {
	id := c.callerManagerID()
	d, ok := c.srv.swarm.Descriptor(id)
	if !ok || d.Role != store.RoleManager || !store.IsRunning(d.Status) {
		return ""
	}
	return id
}

func (c *Client) codeFor(err error, fallback string) string {
	if errors.Is(err, protocol.ErrUnknownAgent) {
		return protocol.CodeUnknownAgent
	}
	return fallback
}
