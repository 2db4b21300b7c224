package control

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/harun/aide/pkg/ingest"
	"github.com/harun/aide/pkg/session"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type staticSessions []session.Summary

func (s staticSessions) ListSessions() []session.Summary { return s }

type recorder struct {
	mu     sync.Mutex
	items  []ingest.InboundItem
	answer func(ingest.InboundItem) *ingest.Reply
}

func (r *recorder) enqueue(_ context.Context, item ingest.InboundItem) error {
	r.mu.Lock()
	r.items = append(r.items, item)
	r.mu.Unlock()
	if r.answer != nil {
		if reply := r.answer(item); reply != nil {
			item.Resolve(*reply)
		}
	}
	return nil
}

func (r *recorder) last() ingest.InboundItem {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.items[len(r.items)-1]
}

// socketPath stays short; unix socket paths are limited to about 100 bytes.
func socketPath(t *testing.T) string {
	dir, err := os.MkdirTemp("", "aidectl")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "c.sock")
}

func startServer(t *testing.T, cfg Config, rec *recorder) *Server {
	t.Helper()
	logger := zerolog.Nop()
	cfg.Logger = &logger
	if cfg.SocketPath == "" {
		cfg.SocketPath = socketPath(t)
	}
	s := NewServer(cfg)
	require.NoError(t, s.Start(context.Background(), rec.enqueue))
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s
}

func TestSendWaitsForReply(t *testing.T) {
	rec := &recorder{answer: func(item ingest.InboundItem) *ingest.Reply {
		return &ingest.Reply{Text: "pong", SessionID: "s1", StopReason: "end"}
	}}
	s := startServer(t, Config{}, rec)

	resp, err := Call(context.Background(), s.cfg.SocketPath, Request{Action: ActionSend, Sender: "me", Text: "ping", Tier: "fast"})
	require.NoError(t, err)
	assert.Equal(t, "pong", resp.Text)
	assert.Equal(t, "s1", resp.SessionID)

	item := rec.last()
	assert.Equal(t, ingest.SourceControl, item.Source)
	assert.Equal(t, "control:me", item.SenderKey)
	assert.Equal(t, "fast", item.TierOverride)
	assert.Equal(t, ingest.KindMessage, item.Kind)
}

func TestResetCommands(t *testing.T) {
	rec := &recorder{answer: func(item ingest.InboundItem) *ingest.Reply { return &ingest.Reply{} }}
	s := startServer(t, Config{}, rec)

	for _, req := range []Request{
		{Action: ActionSend, Sender: "me", Text: "/new"},
		{Action: ActionSend, Sender: "me", Text: " /RESET "},
		{Action: ActionReset, Sender: "me"},
	} {
		resp, err := Call(context.Background(), s.cfg.SocketPath, req)
		require.NoError(t, err)
		assert.Equal(t, "session archived", resp.Text)
		assert.Equal(t, ingest.KindReset, rec.last().Kind)
		assert.Empty(t, rec.last().Content.Text)
	}
}

func TestErrorsAreReported(t *testing.T) {
	rec := &recorder{answer: func(item ingest.InboundItem) *ingest.Reply {
		return &ingest.Reply{Err: session.ErrSessionNotFound}
	}}
	s := startServer(t, Config{}, rec)

	_, err := Call(context.Background(), s.cfg.SocketPath, Request{Action: ActionReset, Sender: "me"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session not found")

	_, err = Call(context.Background(), s.cfg.SocketPath, Request{Action: "reboot"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown action")

	_, err = Call(context.Background(), s.cfg.SocketPath, Request{Action: ActionSend, Text: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sender is required")
}

func TestSessionsListing(t *testing.T) {
	rows := staticSessions{{SenderKey: "telegram:1", SessionID: "abc", Messages: 4}}
	s := startServer(t, Config{Sessions: rows}, &recorder{})

	resp, err := Call(context.Background(), s.cfg.SocketPath, Request{Action: ActionSessions})
	require.NoError(t, err)
	require.Len(t, resp.Sessions, 1)
	assert.Equal(t, "abc", resp.Sessions[0].SessionID)
}

func TestReplyTimeoutAndStop(t *testing.T) {
	rec := &recorder{}
	s := startServer(t, Config{ReplyTimeout: 50 * time.Millisecond}, rec)

	_, err := Call(context.Background(), s.cfg.SocketPath, Request{Action: ActionSend, Sender: "me", Text: "slow"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "deadline exceeded")

	require.NoError(t, s.Stop(context.Background()))
	require.NoError(t, s.Stop(context.Background()))
	_, statErr := os.Stat(s.cfg.SocketPath)
	assert.True(t, os.IsNotExist(statErr))
}

func TestStaleSocketIsReplaced(t *testing.T) {
	path := socketPath(t)
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	s := startServer(t, Config{SocketPath: path}, &recorder{})

	other := NewServer(Config{SocketPath: path})
	err := other.Start(context.Background(), (&recorder{}).enqueue)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "in use")
	assert.Equal(t, ingest.SourceControl, s.Name())
}

func TestCallWithoutDaemon(t *testing.T) {
	_, err := Call(context.Background(), socketPath(t), Request{Action: ActionSessions})
	assert.Error(t, err)
}

func TestIsResetCommand(t *testing.T) {
	assert.True(t, IsResetCommand("/new"))
	assert.True(t, IsResetCommand("/Reset"))
	assert.False(t, IsResetCommand("/news"))
	assert.False(t, IsResetCommand("reset"))
}
