package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/harun/aide/pkg/agent"
	"github.com/harun/aide/pkg/scheduler"
)

// Status is the live-status document the daemon keeps in status.json.
type Status struct {
	PID            int        `json:"pid"`
	StartedAt      time.Time  `json:"started_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	QueueDepth     int        `json:"queue_depth"`
	ActiveSessions int        `json:"active_sessions"`
	Channels       []string   `json:"channels"`
	ItemsProcessed int64      `json:"items_processed"`
	ItemsFailed    int64      `json:"items_failed"`
	Current        *RunStatus `json:"current,omitempty"`
	LastRun        *RunStatus `json:"last_run,omitempty"`

	Schedules []scheduler.JobState `json:"schedules,omitempty"`
}

// RunStatus describes the run in progress or the last one finished.
type RunStatus struct {
	SessionID      string    `json:"session_id"`
	Model          string    `json:"model"`
	Turn           int       `json:"turn"`
	StopReason     string    `json:"stop_reason,omitempty"`
	CumulativeCost float64   `json:"cumulative_cost_usd"`
	At             time.Time `json:"at"`
}

// statusTracker collects turn events as an agent.Observer and signals the
// maintenance loop when the document changed.
type statusTracker struct {
	now  func() time.Time
	kick chan struct{}

	mu     sync.Mutex
	status Status
}

func newStatusTracker(now func() time.Time) *statusTracker {
	return &statusTracker{
		now:  now,
		kick: make(chan struct{}, 1),
		status: Status{
			PID:       os.Getpid(),
			StartedAt: now(),
		},
	}
}

func (t *statusTracker) OnResponse(_ context.Context, stats agent.TurnStats) {
	t.turn(stats)
}

func (t *statusTracker) OnToolResults(_ context.Context, stats agent.TurnStats) {
	t.turn(stats)
}

func (t *statusTracker) turn(stats agent.TurnStats) {
	t.mu.Lock()
	t.status.Current = &RunStatus{
		SessionID:      stats.SessionID,
		Model:          stats.Model,
		Turn:           stats.Turn,
		StopReason:     stats.StopReason,
		CumulativeCost: stats.CumulativeCost,
		At:             t.now(),
	}
	t.mu.Unlock()
	t.signal()
}

// itemDone moves the current run to LastRun and counts the item.
func (t *statusTracker) itemDone(ok bool) {
	t.mu.Lock()
	t.status.ItemsProcessed++
	if !ok {
		t.status.ItemsFailed++
	}
	if t.status.Current != nil {
		t.status.LastRun = t.status.Current
		t.status.Current = nil
	}
	t.mu.Unlock()
	t.signal()
}

func (t *statusTracker) signal() {
	select {
	case t.kick <- struct{}{}:
	default:
	}
}

// snapshot returns a copy with the gauges filled in by the caller.
func (t *statusTracker) snapshot(queueDepth, sessions int, channels []string) Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.status
	s.UpdatedAt = t.now()
	s.QueueDepth = queueDepth
	s.ActiveSessions = sessions
	s.Channels = append([]string(nil), channels...)
	if s.Current != nil {
		c := *s.Current
		s.Current = &c
	}
	if s.LastRun != nil {
		l := *s.LastRun
		s.LastRun = &l
	}
	return s
}

// WriteStatusFile replaces path atomically with s.
func WriteStatusFile(path string, s Status) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode status: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".status-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create status temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write status: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync status: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close status temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace status file: %w", err)
	}
	return nil
}

// ReadStatusFile loads a status document written by WriteStatusFile.
func ReadStatusFile(path string) (Status, error) {
	var s Status
	data, err := os.ReadFile(path)
	if err != nil {
		return s, err
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("failed to decode status file: %w", err)
	}
	return s, nil
}
