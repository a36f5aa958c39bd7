// Package gateway is the WebSocket subscription server: command
// validation, per-socket subscription selection, ordered fan-out and
// the reconnect bootstrap.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/swarmgate/internal/config"
	"github.com/nextlevelbuilder/swarmgate/internal/swarm"
)

// StatusSource supplies the last known integration status events,
// replayed as step 4 of the subscribe bootstrap.
type StatusSource interface {
	LastStatusEvents() []swarm.Event
}

// Server upgrades WebSocket connections and bridges them to the swarm
// event bus.
type Server struct {
	cfg   *config.Config
	swarm *swarm.Manager
	log   *slog.Logger

	upgrader websocket.Upgrader

	statusSource StatusSource

	mu      sync.RWMutex
	clients map[string]*Client

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates a gateway server over the swarm manager.
func NewServer(cfg *config.Config, sw *swarm.Manager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		swarm:   sw,
		log:     logger.With("component", "gateway"),
		clients: make(map[string]*Client),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// newCommandLimiter builds the per-connection command rate limiter, so
// one chatty client cannot starve the others. Nil disables limiting.
func (s *Server) newCommandLimiter() *rate.Limiter {
	rpm := s.cfg.Gateway.RateLimitRPM
	if rpm <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(float64(rpm)/60.0), 5)
}

// SetStatusSource wires the integration status replay source.
func (s *Server) SetStatusSource(src StatusSource) { s.statusSource = src }

// checkOrigin validates the Origin header against the configured
// whitelist. No configuration allows everything; an empty Origin
// (non-browser clients) is always allowed.
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.Gateway.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	s.log.Warn("origin rejected", "origin", origin)
	return false
}

// checkToken validates the connection token from the query string or an
// Authorization bearer header. An empty configured token disables auth.
func (s *Server) checkToken(r *http.Request) bool {
	want := s.cfg.Gateway.Token
	if want == "" {
		return true
	}
	if r.URL.Query().Get("token") == want {
		return true
	}
	auth := r.Header.Get("Authorization")
	return strings.TrimPrefix(auth, "Bearer ") == want
}

// BuildMux creates and caches the HTTP mux.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	s.mux = mux
	return mux
}

// Start listens until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()
	addr := fmt.Sprintf("%s:%d", s.cfg.Gateway.Host, s.cfg.Gateway.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: mux}

	s.log.Info("gateway starting", "addr", addr)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.checkToken(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("websocket upgrade failed", "error", err)
		return
	}

	client := newClient(conn, s)
	s.registerClient(client)
	defer func() {
		s.unregisterClient(client)
		client.close()
	}()

	client.run()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `{"status":"ok"}`)
}

func (s *Server) registerClient(c *Client) {
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()

	// One bus subscription per socket keeps producer order per agent.
	c.unsubscribe = s.swarm.Emitter().Subscribe(c.onSwarmEvent)
	s.log.Info("client connected", "id", c.id)
}

func (s *Server) unregisterClient(c *Client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()

	if c.unsubscribe != nil {
		c.unsubscribe()
	}
	s.log.Info("client disconnected", "id", c.id)
}
