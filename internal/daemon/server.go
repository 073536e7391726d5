package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/odi-tracker/odi/internal/events"
)

// wireMessage is the JSON envelope broadcast to websocket clients.
// Hashes and kinds travel as strings; the bus types carry binary
// hashes that would JSON-encode as byte arrays.
type wireMessage struct {
	Type string    `json:"type"`
	At   time.Time `json:"at"`

	Mutation *wireMutation    `json:"mutation,omitempty"`
	Sync     *wireSyncOutcome `json:"sync_outcome,omitempty"`
	Conflict *wireConflict    `json:"conflict,omitempty"`
}

type wireMutation struct {
	Kind     string `json:"kind"`
	EntityID string `json:"entity_id"`
	Op       string `json:"op"`
	Hash     string `json:"hash,omitempty"`
}

type wireSyncOutcome struct {
	Remote    string `json:"remote"`
	Direction string `json:"direction"`
	Ref       string `json:"ref"`
	Status    string `json:"status"`
}

type wireConflict struct {
	Remote   string `json:"remote"`
	Kind     string `json:"kind"`
	EntityID string `json:"entity_id"`
}

func toWire(ev events.Event) wireMessage {
	msg := wireMessage{Type: string(ev.Type), At: ev.At}
	switch {
	case ev.Mutation != nil:
		m := ev.Mutation
		w := &wireMutation{Kind: m.Kind.String(), EntityID: m.EntityID, Op: string(m.Op)}
		if !m.Hash.IsZero() {
			w.Hash = m.Hash.String()
		}
		msg.Mutation = w
	case ev.SyncOutcome != nil:
		o := ev.SyncOutcome
		msg.Sync = &wireSyncOutcome{Remote: o.Remote, Direction: o.Direction, Ref: o.Ref, Status: o.Status}
	case ev.Conflict != nil:
		c := ev.Conflict
		msg.Conflict = &wireConflict{Remote: c.Remote, Kind: c.Kind.String(), EntityID: c.EntityID}
	}
	return msg
}

// ServerConfig holds dashboard server configuration.
type ServerConfig struct {
	// Addr to listen on, e.g. "127.0.0.1:7421". ":0" picks a port.
	Addr string

	// Bus is the event source feeding the websocket broadcast and the
	// metric counters.
	Bus *events.Bus

	// Metrics backs the /metrics endpoint and the event counters.
	// Nil disables both.
	Metrics *Metrics

	// Logger for server activity.
	Logger *log.Logger
}

// Server broadcasts workspace events to websocket clients and serves
// health and metrics endpoints.
type Server struct {
	addr     string
	bus      *events.Bus
	metrics  *Metrics
	logger   *log.Logger
	listener net.Listener
	server   *http.Server

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan wireMessage

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a dashboard server. Start begins listening.
func NewServer(config ServerConfig) *Server {
	if config.Addr == "" {
		config.Addr = "127.0.0.1:7421"
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[dashboard] ", log.LstdFlags)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:      config.Addr,
		bus:       config.Bus,
		metrics:   config.Metrics,
		logger:    config.Logger,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan wireMessage, 100),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start begins the HTTP server, the broadcast loop, and the bus pump.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/", s.handleRoot)
	if s.metrics != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	}

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	if s.bus != nil {
		ch, cancel := s.bus.Subscribe(256)
		s.wg.Add(1)
		go s.pumpBus(ch, cancel)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Dashboard listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()
	return nil
}

// Stop closes every client and shuts the HTTP server down.
func (s *Server) Stop() error {
	s.logger.Println("Stopping dashboard server")
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}
	s.wg.Wait()
	s.logger.Println("Dashboard server stopped")
	return nil
}

// pumpBus counts bus events into the metrics and forwards them to the
// broadcast loop.
func (s *Server) pumpBus(ch <-chan events.Event, cancel func()) {
	defer s.wg.Done()
	defer cancel()
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			s.count(ev)
			s.Broadcast(toWire(ev))
		}
	}
}

func (s *Server) count(ev events.Event) {
	if s.metrics == nil {
		return
	}
	switch {
	case ev.Mutation != nil:
		s.metrics.Mutations.WithLabelValues(ev.Mutation.Kind.String(), string(ev.Mutation.Op)).Inc()
	case ev.SyncOutcome != nil:
		s.metrics.SyncOutcomes.WithLabelValues(ev.SyncOutcome.Direction, ev.SyncOutcome.Status).Inc()
	case ev.Conflict != nil:
		s.metrics.Conflicts.Inc()
	}
}

// Broadcast queues a message for every connected client. A full queue
// drops the message; the feed is advisory, not durable.
func (s *Server) Broadcast(msg wireMessage) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
	default:
		s.logger.Println("Warning: broadcast channel full, dropping message")
	}
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.broadcast:
			if msg.At.IsZero() {
				msg.At = time.Now().UTC()
			}
			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Printf("Failed to marshal message: %v", err)
				continue
			}

			s.clientsMu.RLock()
			conns := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				conns = append(conns, conn)
			}
			s.clientsMu.RUnlock()

			// Writes happen outside the lock so a slow client cannot
			// stall new connections.
			for _, conn := range conns {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()
				if err != nil {
					s.logger.Printf("Failed to send to client: %v", err)
					s.removeClient(conn)
				}
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	total := len(s.clients)
	s.clientsMu.Unlock()
	if s.metrics != nil {
		s.metrics.ConnectedClients.Set(float64(total))
	}
	s.logger.Printf("Client connected (total: %d)", total)

	go s.readLoop(conn)
}

// readLoop drains client frames so pings are answered; the feed is
// one-directional and client payloads are ignored.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)
	for {
		_, _, err := conn.Read(s.ctx)
		if err != nil {
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, exists := s.clients[conn]; !exists {
		s.clientsMu.Unlock()
		return
	}
	delete(s.clients, conn)
	total := len(s.clients)
	s.clientsMu.Unlock()

	_ = conn.Close(websocket.StatusNormalClosure, "")
	if s.metrics != nil {
		s.metrics.ConnectedClients.Set(float64(total))
	}
	s.logger.Printf("Client disconnected (total: %d)", total)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>odi daemon</title>
</head>
<body>
    <h1>odi daemon</h1>
    <p>Event feed: <code>ws://%s/ws</code></p>
    <p>Health check: <a href="/health">/health</a></p>
    <p>Metrics: <a href="/metrics">/metrics</a></p>
</body>
</html>`, r.Host)
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the number of connected websocket clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
