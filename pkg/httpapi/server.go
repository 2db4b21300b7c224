package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/aide/internal/observability"
	"github.com/harun/aide/pkg/channels"
	"github.com/harun/aide/pkg/ingest"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	defaultReplyTimeout = 5 * time.Minute
	defaultMaxBody      = 20 << 20
)

// Config configures the HTTP server.
type Config struct {
	Addr string
	// SharedSecret, when set, is required as a bearer token on /v1 routes.
	SharedSecret string
	ReplyTimeout time.Duration
	RatePerSec   float64
	RateBurst    int
	MaxBodyBytes int64
	Hub          *EventHub
	Logger       *zerolog.Logger
	Now          func() time.Time
}

// Server is the HTTP producer. It implements channels.Channel; replies go
// through reply handles so Deliver does nothing.
type Server struct {
	cfg      Config
	logger   zerolog.Logger
	hub      *EventHub
	limiter  *clientLimiter
	upgrader websocket.Upgrader
	started  time.Time

	mu       sync.Mutex
	enqueue  channels.EnqueueFunc
	server   *http.Server
	listener net.Listener
	serveErr chan error
}

// NewServer builds the server; it does not listen until Start.
func NewServer(cfg Config) *Server {
	observability.EnsureRegistered()

	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = defaultReplyTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBody
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	logger = logger.With().Str("component", "httpapi").Logger()
	hub := cfg.Hub
	if hub == nil {
		hub = NewEventHub(logger)
	}

	return &Server{
		cfg:     cfg,
		logger:  logger,
		hub:     hub,
		limiter: newClientLimiter(cfg.RatePerSec, cfg.RateBurst, cfg.Now),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		started: cfg.Now(),
	}
}

// Name returns the http source.
func (s *Server) Name() ingest.Source { return ingest.SourceHTTP }

// Hub returns the event hub fed by the engine.
func (s *Server) Hub() *EventHub { return s.hub }

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /v1/messages", s.guard(http.HandlerFunc(s.handleMessage)))
	mux.Handle("DELETE /v1/sessions/{sender}", s.guard(http.HandlerFunc(s.handleReset)))
	mux.Handle("GET /v1/events", s.guard(http.HandlerFunc(s.handleEvents)))
	mux.Handle("GET /metrics", observability.MetricsHandler())
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

// Start listens on cfg.Addr and serves in the background.
func (s *Server) Start(_ context.Context, enqueue channels.EnqueueFunc) error {
	if enqueue == nil {
		return fmt.Errorf("enqueue function is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return fmt.Errorf("http server already started")
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	s.enqueue = enqueue
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.serveErr = make(chan error, 1)

	go func() {
		err := s.server.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
		s.serveErr <- err
	}()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("HTTP API listening")
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.cfg.Addr
	}
	return s.listener.Addr().String()
}

// Stop closes subscribers and shuts the server down, waiting for in-flight
// requests until ctx is done.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	done := s.serveErr
	s.server = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	s.hub.Close()
	if err := srv.Shutdown(ctx); err != nil {
		_ = srv.Close()
		return fmt.Errorf("failed to shutdown http server: %w", err)
	}
	<-done
	s.logger.Info().Msg("HTTP API stopped")
	return nil
}

// Deliver is a no-op; HTTP callers wait on reply handles.
func (s *Server) Deliver(_ context.Context, _ channels.Delivery) error {
	return nil
}

func (s *Server) guard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if ok, wait := s.limiter.Allow(ip); !ok {
			secs := int(wait.Seconds() + 0.999)
			if secs < 1 {
				secs = 1
			}
			s.logger.Warn().Str("ip", ip).Str("path", r.URL.Path).Int("retry_after", secs).Msg("Rate limit exceeded")
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			writeError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
		if s.cfg.SharedSecret != "" && !s.authorized(r) {
			s.logger.Warn().Str("ip", ip).Str("path", r.URL.Path).Msg("Unauthorized request")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authorized(r *http.Request) bool {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		// Browsers cannot set headers on websocket upgrades.
		token = r.URL.Query().Get("token")
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.SharedSecret)) == 1
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	now := s.cfg.Now()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"uptime":      now.Sub(s.started).Seconds(),
		"subscribers": s.hub.Count(),
		"timestamp":   now.UnixMilli(),
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	go s.hub.serve(conn)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
