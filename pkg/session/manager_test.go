package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, dir string) *Manager {
	t.Helper()
	m, err := New(Config{Dir: dir, CompactionThreshold: 1000})
	require.NoError(t, err)
	return m
}

func countLogRecords(t *testing.T, dir string) int {
	t.Helper()
	files, err := filepath.Glob(filepath.Join(dir, "log-*.jsonl"))
	require.NoError(t, err)
	n := 0
	for _, name := range files {
		f, err := os.Open(name)
		require.NoError(t, err)
		sc := bufio.NewScanner(f)
		sc.Buffer(make([]byte, 1024*1024), 1024*1024)
		for sc.Scan() {
			n++
		}
		f.Close()
	}
	return n
}

func TestGetOrCreate(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, dir)
	ctx := context.Background()

	s1, err := m.GetOrCreate(ctx, "telegram:1")
	require.NoError(t, err)
	assert.Len(t, s1.ID, idLength)
	assert.Equal(t, "telegram:1", s1.SenderKey)

	s2, err := m.GetOrCreate(ctx, "telegram:1")
	require.NoError(t, err)
	assert.Equal(t, s1.ID, s2.ID)

	other, err := m.GetOrCreate(ctx, "http:alice")
	require.NoError(t, err)
	assert.NotEqual(t, s1.ID, other.ID)

	_, err = m.GetOrCreate(ctx, "  ")
	assert.Error(t, err)

	_, err = os.Stat(filepath.Join(dir, s1.ID, "snapshot.json"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, indexFileName))
	assert.NoError(t, err)
}

func TestAppendPersistsAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	m := newTestManager(t, dir)
	lease, err := m.Checkout(ctx, "telegram:1")
	require.NoError(t, err)
	require.NoError(t, lease.Append(ctx, UserEntry("hello", []Image{{MediaType: "image/png", Data: []byte{1, 2}}})))
	require.NoError(t, lease.Append(ctx, AssistantEntry("hi", "", []ToolCall{{ID: "c1", Name: "current_time", Arguments: []byte(`{}`)}})))
	require.NoError(t, lease.Append(ctx, ToolResultsEntry([]ToolResult{{CallID: "c1", Output: "noon"}})))
	require.NoError(t, lease.RecordUsage(Usage{InputTokens: 10, OutputTokens: 2}))
	require.NoError(t, lease.SetModel("sonnet"))
	id := lease.ID()
	lease.Release()

	reopened := newTestManager(t, dir)
	s, err := reopened.GetOrCreate(ctx, "telegram:1")
	require.NoError(t, err)
	assert.Equal(t, id, s.ID)
	require.Len(t, s.Messages, 3)
	assert.Equal(t, RoleUser, s.Messages[0].Role)
	assert.Equal(t, []byte{1, 2}, s.Messages[0].Images[0].Data)
	assert.Equal(t, "c1", s.Messages[1].ToolCalls[0].ID)
	assert.Equal(t, "noon", s.Messages[2].ToolResults[0].Output)
	assert.Equal(t, 10, s.LastTurnUsage.InputTokens)
	assert.Equal(t, "sonnet", s.Model)
}

func TestDisjointSendersNeverInterleave(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, dir)
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, sender := range []string{"telegram:1", "telegram:2", "http:bob"} {
		wg.Add(1)
		go func(sender string) {
			defer wg.Done()
			lease, err := m.Checkout(ctx, sender)
			if !assert.NoError(t, err) {
				return
			}
			defer lease.Release()
			for i := 0; i < 20; i++ {
				assert.NoError(t, lease.Append(ctx, UserEntry(fmt.Sprintf("%s-%d", sender, i), nil)))
			}
		}(sender)
	}
	wg.Wait()

	reopened := newTestManager(t, dir)
	for _, sender := range []string{"telegram:1", "telegram:2", "http:bob"} {
		s, err := reopened.GetOrCreate(ctx, sender)
		require.NoError(t, err)
		require.Len(t, s.Messages, 20)
		for i, e := range s.Messages {
			assert.Equal(t, fmt.Sprintf("%s-%d", sender, i), e.Text)
		}
	}
}

func TestCheckoutGuard(t *testing.T) {
	m := newTestManager(t, t.TempDir())
	ctx := context.Background()

	lease, err := m.Checkout(ctx, "control:me")
	require.NoError(t, err)

	_, err = m.Checkout(ctx, "control:me")
	assert.ErrorIs(t, err, ErrSessionBusy)
	assert.ErrorIs(t, m.Close(ctx, "control:me"), ErrSessionBusy)

	other, err := m.Checkout(ctx, "control:you")
	require.NoError(t, err)
	other.Release()

	lease.Release()
	lease.Release()
	assert.ErrorIs(t, lease.Append(ctx, UserEntry("late", nil)), ErrLeaseReleased)

	again, err := m.Checkout(ctx, "control:me")
	require.NoError(t, err)
	again.Release()
}

func TestCloseArchives(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, dir)
	ctx := context.Background()

	lease, err := m.Checkout(ctx, "telegram:1")
	require.NoError(t, err)
	require.NoError(t, lease.Append(ctx, UserEntry("remember me", nil)))
	oldID := lease.ID()
	lease.Release()

	require.NoError(t, m.Close(ctx, "telegram:1"))

	_, err = os.Stat(filepath.Join(dir, oldID))
	assert.True(t, os.IsNotExist(err))
	archived, err := filepath.Glob(filepath.Join(dir, archiveDir, oldID+"-*", "snapshot.json"))
	require.NoError(t, err)
	assert.Len(t, archived, 1)

	fresh, err := m.GetOrCreate(ctx, "telegram:1")
	require.NoError(t, err)
	assert.NotEqual(t, oldID, fresh.ID)
	assert.Empty(t, fresh.Messages)

	assert.ErrorIs(t, m.Close(ctx, "telegram:unknown"), ErrSessionNotFound)
}

func TestInterruptedSnapshotKeepsPreviousState(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	m := newTestManager(t, dir)

	lease, err := m.Checkout(ctx, "telegram:1")
	require.NoError(t, err)
	require.NoError(t, lease.Append(ctx, UserEntry("one", nil)))
	id := lease.ID()
	lease.Release()

	// a writer that died before rename leaves only a partial temp file behind
	partial := filepath.Join(dir, id, ".snapshot.json.tmp-123")
	require.NoError(t, os.WriteFile(partial, []byte(`{"version":1,"seq":9,"sess`), 0o600))

	s, err := newTestManager(t, dir).GetOrCreate(ctx, "telegram:1")
	require.NoError(t, err)
	require.Len(t, s.Messages, 1)
	assert.Equal(t, "one", s.Messages[0].Text)
}

func TestStaleSnapshotRollsForward(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	m := newTestManager(t, dir)

	lease, err := m.Checkout(ctx, "telegram:1")
	require.NoError(t, err)
	require.NoError(t, lease.Append(ctx, UserEntry("one", nil)))
	snapPath := filepath.Join(dir, lease.ID(), "snapshot.json")
	old, err := os.ReadFile(snapPath)
	require.NoError(t, err)
	require.NoError(t, lease.Append(ctx, UserEntry("two", nil)))
	lease.Release()

	// crash between the log append and the snapshot rename
	require.NoError(t, os.WriteFile(snapPath, old, 0o600))

	s, err := newTestManager(t, dir).GetOrCreate(ctx, "telegram:1")
	require.NoError(t, err)
	require.Len(t, s.Messages, 2)
	assert.Equal(t, "two", s.Messages[1].Text)
}

func TestCorruptSnapshotReplaysLog(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	m := newTestManager(t, dir)

	lease, err := m.Checkout(ctx, "telegram:1")
	require.NoError(t, err)
	for _, txt := range []string{"a", "b", "c"} {
		require.NoError(t, lease.Append(ctx, UserEntry(txt, nil)))
	}
	id := lease.ID()
	lease.Release()

	require.NoError(t, os.WriteFile(filepath.Join(dir, id, "snapshot.json"), []byte("{garbage"), 0o600))

	logs, err := filepath.Glob(filepath.Join(dir, id, "log-*.jsonl"))
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	f, err := os.OpenFile(logs[0], os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString("not json at all\n{\"half\":\n")
	require.NoError(t, err)
	f.Close()

	s, err := newTestManager(t, dir).GetOrCreate(ctx, "telegram:1")
	require.NoError(t, err)
	assert.Equal(t, id, s.ID)
	assert.Equal(t, "telegram:1", s.SenderKey)
	require.Len(t, s.Messages, 3)
	assert.Equal(t, "c", s.Messages[2].Text)
}

func TestCorruptIndexIsRebuilt(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	m := newTestManager(t, dir)

	s, err := m.GetOrCreate(ctx, "http:alice")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, indexFileName), []byte("nope"), 0o600))

	again, err := newTestManager(t, dir).GetOrCreate(ctx, "http:alice")
	require.NoError(t, err)
	assert.Equal(t, s.ID, again.ID)
}

func TestListSessionsAndArchiveIdle(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m, err := New(Config{Dir: dir, Now: func() time.Time { return now }})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = m.GetOrCreate(ctx, "telegram:old")
	require.NoError(t, err)
	now = now.Add(3 * time.Hour)
	busy, err := m.Checkout(ctx, "telegram:busy")
	require.NoError(t, err)
	_, err = m.GetOrCreate(ctx, "telegram:new")
	require.NoError(t, err)

	rows := m.ListSessions()
	require.Len(t, rows, 3)
	assert.Equal(t, "telegram:busy", rows[0].SenderKey)

	now = now.Add(2 * time.Hour)
	assert.Equal(t, 1, m.ArchiveIdle(ctx, 4*time.Hour))
	busy.Release()

	rows = m.ListSessions()
	require.Len(t, rows, 2)
	assert.Equal(t, 0, m.ArchiveIdle(ctx, 0))
}

func TestPendingWarningPersists(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	m := newTestManager(t, dir)

	lease, err := m.Checkout(ctx, "control:me")
	require.NoError(t, err)
	require.NoError(t, lease.SetPendingWarning("two turns left"))
	lease.Release()

	s, err := newTestManager(t, dir).GetOrCreate(ctx, "control:me")
	require.NoError(t, err)
	assert.Equal(t, "two turns left", s.PendingWarning)

	assert.True(t, errors.Is(fmt.Errorf("wrap: %w", ErrSessionBusy), ErrSessionBusy))
}

func TestReplayAcrossDayBoundary(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)
	m, err := New(Config{Dir: dir, Now: func() time.Time { return now }})
	require.NoError(t, err)

	lease, err := m.Checkout(ctx, "telegram:1")
	require.NoError(t, err)
	require.NoError(t, lease.Append(ctx, UserEntry("late night", nil)))
	now = now.Add(2 * time.Minute)
	require.NoError(t, lease.Append(ctx, UserEntry("next morning", nil)))
	id := lease.ID()
	lease.Release()

	logs, err := filepath.Glob(filepath.Join(dir, id, "log-*.jsonl"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		filepath.Join(dir, id, "log-2026-03-01.jsonl"),
		filepath.Join(dir, id, "log-2026-03-02.jsonl"),
	}, logs)

	require.NoError(t, os.Remove(filepath.Join(dir, id, "snapshot.json")))

	s, err := newTestManager(t, dir).GetOrCreate(ctx, "telegram:1")
	require.NoError(t, err)
	assert.Equal(t, id, s.ID)
	require.Len(t, s.Messages, 2)
	assert.Equal(t, "late night", s.Messages[0].Text)
	assert.Equal(t, "next morning", s.Messages[1].Text)
}

func TestReplaySurvivesClockSteppingBack(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m, err := New(Config{Dir: dir, Now: func() time.Time { return now }})
	require.NoError(t, err)

	lease, err := m.Checkout(ctx, "telegram:1")
	require.NoError(t, err)
	require.NoError(t, lease.Append(ctx, UserEntry("a", nil)))
	now = now.Add(-2 * time.Minute)
	require.NoError(t, lease.Append(ctx, UserEntry("b", nil)))
	id := lease.ID()
	lease.Release()

	require.NoError(t, os.Remove(filepath.Join(dir, id, "snapshot.json")))

	s, err := newTestManager(t, dir).GetOrCreate(ctx, "telegram:1")
	require.NoError(t, err)
	assert.Equal(t, "telegram:1", s.SenderKey)
	require.Len(t, s.Messages, 2)
	assert.Equal(t, "a", s.Messages[0].Text)
	assert.Equal(t, "b", s.Messages[1].Text)
}

func TestFailedAppendLeavesSessionUnchanged(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	m := newTestManager(t, dir)

	lease, err := m.Checkout(ctx, "telegram:1")
	require.NoError(t, err)
	defer lease.Release()
	require.NoError(t, lease.Append(ctx, UserEntry("kept", nil)))

	require.NoError(t, os.RemoveAll(filepath.Join(dir, lease.ID())))

	err = lease.Append(ctx, UserEntry("lost", nil))
	require.Error(t, err)
	require.Len(t, lease.Messages(), 1)
	assert.Equal(t, "kept", lease.Messages()[0].Text)

	assert.Error(t, lease.SetModel("sonnet"))
	assert.Empty(t, lease.Session().Model)
}
