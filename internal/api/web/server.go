package web

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/oshokin/alarm-engine/internal/logger"
	"github.com/oshokin/alarm-engine/internal/notify"
	"github.com/oshokin/alarm-engine/internal/version"
)

// Routes.
const (
	ToastsPath  = "/ws/toasts"
	MetricsPath = "/metrics"
	HealthPath  = "/healthz"
)

const (
	defaultMaxClients = 100
	clientBuffer      = 16
	pingInterval      = 30 * time.Second
	readTimeout       = 60 * time.Second
	writeTimeout      = 10 * time.Second
	bufferSize        = 1024
)

// HealthFunc reports extra fields for the health probe.
type HealthFunc func() map[string]any

// Server fans toasts out to WebSocket clients and serves metrics and health.
type Server struct {
	ctx        context.Context
	upgrader   websocket.Upgrader
	health     HealthFunc
	maxClients int

	mu      sync.RWMutex
	clients map[*client]struct{}
	// done is closed when Run returns so handlers can say goodbye.
	done     chan struct{}
	doneOnce sync.Once
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Option configures a Server.
type Option func(*Server)

// WithHealth adds fields to the /healthz answer.
func WithHealth(health HealthFunc) Option {
	return func(s *Server) {
		s.health = health
	}
}

// WithMaxClients limits concurrent toast subscribers.
func WithMaxClients(limit int) Option {
	return func(s *Server) {
		if limit > 0 {
			s.maxClients = limit
		}
	}
}

// WithCheckOrigin overrides the WebSocket origin check.
func WithCheckOrigin(check func(r *http.Request) bool) Option {
	return func(s *Server) {
		s.upgrader.CheckOrigin = check
	}
}

// AllowOrigins returns an origin check accepting the listed origins, compared
// case-insensitively. "*" accepts any origin and requests without an Origin
// header are always accepted. An empty list returns nil, which keeps the
// same-origin check of the WebSocket upgrader.
func AllowOrigins(origins []string) func(r *http.Request) bool {
	if len(origins) == 0 {
		return nil
	}

	allowed := make(map[string]struct{}, len(origins))

	for _, origin := range origins {
		origin = strings.ToLower(strings.TrimRight(strings.TrimSpace(origin), "/"))
		if origin == "*" {
			return func(*http.Request) bool { return true }
		}

		allowed[origin] = struct{}{}
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}

		_, ok := allowed[strings.ToLower(origin)]

		return ok
	}
}

// NewServer creates the HTTP surface.
func NewServer(ctx context.Context, opts ...Option) *Server {
	s := &Server{
		ctx: logger.WithName(ctx, "web"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  bufferSize,
			WriteBufferSize: bufferSize,
		},
		maxClients: defaultMaxClients,
		clients:    make(map[*client]struct{}),
		done:       make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Handler returns the routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+ToastsPath, s.handleToasts)
	mux.Handle("GET "+MetricsPath, promhttp.Handler())
	mux.HandleFunc("GET "+HealthPath, s.handleHealth)

	return mux
}

// Clients returns the number of connected toast subscribers.
func (s *Server) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.clients)
}

// Run broadcasts toasts until ctx is done or the channel is closed.
func (s *Server) Run(ctx context.Context, toasts <-chan notify.Toast) {
	defer s.doneOnce.Do(func() { close(s.done) })

	for {
		select {
		case <-ctx.Done():
			return
		case toast, ok := <-toasts:
			if !ok {
				return
			}

			s.broadcast(toast)
		}
	}
}

func (s *Server) broadcast(toast notify.Toast) {
	data, err := json.Marshal(toast)
	if err != nil {
		logger.WarnKV(s.ctx, "Unable to encode toast", "error", err)

		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for c := range s.clients {
		select {
		case c.send <- data:
		default:
			logger.WarnKV(s.ctx, "Toast client is too slow, message dropped",
				"remote_addr", c.conn.RemoteAddr().String())
		}
	}
}

func (s *Server) handleToasts(w http.ResponseWriter, r *http.Request) {
	if s.Clients() >= s.maxClients {
		http.Error(w, "maximum clients reached", http.StatusServiceUnavailable)

		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WarnKV(s.ctx, "WebSocket upgrade failed", "error", err)

		return
	}

	c := &client{conn: conn, send: make(chan []byte, clientBuffer)}

	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	logger.DebugKV(s.ctx, "Toast client connected", "remote_addr", conn.RemoteAddr().String())

	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()

		_ = conn.Close()
	}()

	s.serveClient(c)
}

// serveClient is the only writer of the connection.
func (s *Server) serveClient(c *client) {
	_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	// Reading is required to process pongs and notice disconnects.
	readDone := make(chan struct{})

	go func() {
		defer close(readDone)

		for {
			if _, _, err := c.conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					logger.DebugKV(s.ctx, "Toast client read failed", "error", err)
				}

				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))

			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))

			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-readDone:
			return
		case <-s.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))

			return
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{
		"status":  "ok",
		"version": version.Short(),
		"clients": s.Clients(),
	}

	if s.health != nil {
		for key, value := range s.health() {
			body[key] = value
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}
