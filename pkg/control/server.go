package control

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harun/aide/pkg/channels"
	"github.com/harun/aide/pkg/ingest"
	"github.com/harun/aide/pkg/session"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	defaultReplyTimeout = 15 * time.Minute
	readTimeout         = 30 * time.Second
	maxRequestBytes     = 1 << 20
)

// SessionLister lists sender to session mappings. *session.Manager implements it.
type SessionLister interface {
	ListSessions() []session.Summary
}

// Config configures the control server.
type Config struct {
	SocketPath   string
	ReplyTimeout time.Duration
	Sessions     SessionLister
	Logger       *zerolog.Logger
}

// Server is the control producer. It implements channels.Channel.
type Server struct {
	cfg    Config
	logger zerolog.Logger

	mu       sync.Mutex
	enqueue  channels.EnqueueFunc
	listener net.Listener
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewServer creates a control server; it does not listen until Start.
func NewServer(cfg Config) *Server {
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = defaultReplyTimeout
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Server{
		cfg:    cfg,
		logger: logger.With().Str("component", "control").Logger(),
	}
}

// Name returns the control source.
func (s *Server) Name() ingest.Source { return ingest.SourceControl }

// Start binds the socket, replacing a stale one, and accepts in the background.
func (s *Server) Start(ctx context.Context, enqueue channels.EnqueueFunc) error {
	if enqueue == nil {
		return fmt.Errorf("enqueue function is required")
	}
	if s.cfg.SocketPath == "" {
		return fmt.Errorf("socket path is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return fmt.Errorf("control server already started")
	}

	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0o700); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}
	if err := removeStaleSocket(s.cfg.SocketPath); err != nil {
		return err
	}
	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.SocketPath, err)
	}
	if err := os.Chmod(s.cfg.SocketPath, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("failed to restrict socket permissions: %w", err)
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.enqueue = enqueue
	s.listener = ln
	s.cancel = cancel

	s.wg.Add(1)
	go s.accept(ctx, ln)

	s.logger.Info().Str("socket", s.cfg.SocketPath).Msg("Control socket listening")
	return nil
}

// removeStaleSocket deletes a leftover socket file nobody is listening on.
func removeStaleSocket(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if conn, err := net.DialTimeout("unix", path, time.Second); err == nil {
		conn.Close()
		return fmt.Errorf("control socket %s is in use", path)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to remove stale socket: %w", err)
	}
	return nil
}

// Stop closes the socket and cancels connections still waiting for replies.
func (s *Server) Stop(_ context.Context) error {
	s.mu.Lock()
	ln := s.listener
	cancel := s.cancel
	s.listener = nil
	s.mu.Unlock()
	if ln == nil {
		return nil
	}

	cancel()
	err := ln.Close()
	s.wg.Wait()
	_ = os.Remove(s.cfg.SocketPath)
	s.logger.Info().Msg("Control socket closed")
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("failed to close control socket: %w", err)
	}
	return nil
}

// Deliver is a no-op; control callers wait on reply handles.
func (s *Server) Deliver(_ context.Context, _ channels.Delivery) error {
	return nil
}

func (s *Server) accept(ctx context.Context, ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.logger.Error().Err(err).Msg("Control accept failed")
			}
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close()
			s.handle(ctx, conn)
		}()
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	reader := bufio.NewReader(io.LimitReader(conn, maxRequestBytes))
	line, err := reader.ReadBytes('\n')
	if err != nil && len(line) == 0 {
		s.logger.Debug().Err(err).Msg("Control request not read")
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	var req Request
	resp := Response{}
	if err := json.Unmarshal(line, &req); err != nil {
		resp.Error = fmt.Sprintf("invalid request: %v", err)
	} else {
		resp = s.dispatch(ctx, req)
	}

	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		s.logger.Debug().Err(err).Str("action", req.Action).Msg("Control response not written")
	}
}

func (s *Server) dispatch(ctx context.Context, req Request) Response {
	switch req.Action {
	case ActionSessions:
		if s.cfg.Sessions == nil {
			return Response{Error: "session listing unavailable"}
		}
		return Response{OK: true, Sessions: s.cfg.Sessions.ListSessions()}
	case ActionSend, ActionReset:
	default:
		return Response{Error: fmt.Sprintf("unknown action %q", req.Action)}
	}

	if strings.TrimSpace(req.Sender) == "" {
		return Response{Error: "sender is required"}
	}
	item := ingest.InboundItem{
		Source:       ingest.SourceControl,
		SenderKey:    SenderKey(req.Sender),
		Content:      ingest.Content{Text: req.Text},
		TierOverride: req.Tier,
	}
	if req.Action == ActionReset || IsResetCommand(req.Text) {
		item.Kind = ingest.KindReset
		item.Content = ingest.Content{}
	}

	s.mu.Lock()
	enqueue := s.enqueue
	s.mu.Unlock()

	h := ingest.NewReplyHandle()
	item.Replies = []*ingest.ReplyHandle{h}
	if err := enqueue(ctx, item); err != nil {
		return Response{Error: err.Error()}
	}

	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.ReplyTimeout)
	defer cancel()
	reply, err := h.Wait(waitCtx)
	if err != nil {
		if waitCtx.Err() != nil {
			s.logger.Debug().Str("sender_key", item.SenderKey).Msg("Control caller stopped waiting; run continues")
		}
		return Response{Error: err.Error(), SessionID: reply.SessionID}
	}
	if item.Kind == ingest.KindReset {
		return Response{OK: true, Text: "session archived"}
	}
	return Response{OK: true, Text: reply.Text, SessionID: reply.SessionID, StopReason: reply.StopReason}
}

// SenderKey namespaces a control sender id.
func SenderKey(sender string) string {
	return string(ingest.SourceControl) + ":" + sender
}
