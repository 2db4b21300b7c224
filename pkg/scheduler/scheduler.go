// Package scheduler turns cron expressions into system-sourced items. Their
// replies are persisted in the session but never delivered.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harun/aide/pkg/channels"
	"github.com/harun/aide/pkg/ingest"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Job is one scheduled prompt.
type Job struct {
	Name   string
	Expr   string
	Prompt string
	// SenderKey defaults to "system:<name>".
	SenderKey string
}

// JobState is the runtime state of a job.
type JobState struct {
	Name              string    `json:"name"`
	Expr              string    `json:"expr"`
	NextRunAt         time.Time `json:"next_run_at"`
	LastRunAt         time.Time `json:"last_run_at,omitempty"`
	LastStatus        string    `json:"last_status,omitempty"` // ok, error
	LastError         string    `json:"last_error,omitempty"`
	ConsecutiveErrors int       `json:"consecutive_errors,omitempty"`
}

// Config configures a Scheduler.
type Config struct {
	Jobs     []Job
	Location *time.Location
	// EnqueueTimeout bounds how long a firing waits on a full queue.
	EnqueueTimeout time.Duration
	Logger         *zerolog.Logger
	Now            func() time.Time
}

// Scheduler runs cron jobs. It implements channels.Channel for the system source.
type Scheduler struct {
	cfg    Config
	logger zerolog.Logger
	cron   *cron.Cron

	mu      sync.Mutex
	enqueue channels.EnqueueFunc
	ctx     context.Context
	cancel  context.CancelFunc
	entries map[string]cron.EntryID
	state   map[string]*JobState
	running bool
}

// Validate parses expr with the scheduler's parser.
func Validate(expr string) error {
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// New validates jobs and registers them; nothing fires until Start.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	logger = logger.With().Str("component", "scheduler").Logger()

	s := &Scheduler{
		cfg:     cfg,
		logger:  logger,
		entries: make(map[string]cron.EntryID),
		state:   make(map[string]*JobState),
	}
	s.cron = cron.New(
		cron.WithParser(parser),
		cron.WithLocation(cfg.Location),
		cron.WithLogger(cronLogger{logger: logger}),
		cron.WithChain(cron.Recover(cronLogger{logger: logger}), cron.SkipIfStillRunning(cronLogger{logger: logger})),
	)

	for _, job := range cfg.Jobs {
		if err := s.add(job); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Scheduler) add(job Job) error {
	if strings.TrimSpace(job.Name) == "" {
		return fmt.Errorf("job name is required")
	}
	if strings.TrimSpace(job.Prompt) == "" {
		return fmt.Errorf("job %s: prompt is required", job.Name)
	}
	if _, dup := s.state[job.Name]; dup {
		return fmt.Errorf("job %s: duplicate name", job.Name)
	}
	if err := Validate(job.Expr); err != nil {
		return fmt.Errorf("job %s: %w", job.Name, err)
	}
	if job.SenderKey == "" {
		job.SenderKey = string(ingest.SourceSystem) + ":" + job.Name
	}

	id, err := s.cron.AddFunc(job.Expr, func() { s.fire(job) })
	if err != nil {
		return fmt.Errorf("job %s: %w", job.Name, err)
	}
	s.entries[job.Name] = id
	s.state[job.Name] = &JobState{Name: job.Name, Expr: job.Expr}
	return nil
}

// Name returns the system source.
func (s *Scheduler) Name() ingest.Source { return ingest.SourceSystem }

// Start begins firing jobs into enqueue.
func (s *Scheduler) Start(ctx context.Context, enqueue channels.EnqueueFunc) error {
	if enqueue == nil {
		return fmt.Errorf("enqueue function is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler already started")
	}
	s.enqueue = enqueue
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.running = true
	s.cron.Start()

	s.logger.Info().Int("jobs", len(s.entries)).Msg("Scheduler started")
	return nil
}

// Stop stops firing and waits for running jobs.
func (s *Scheduler) Stop(_ context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.logger.Info().Msg("Scheduler stopped")
	return nil
}

// Deliver is a no-op; system items never deliver.
func (s *Scheduler) Deliver(_ context.Context, _ channels.Delivery) error {
	return nil
}

// Jobs returns job states sorted by name.
func (s *Scheduler) Jobs() []JobState {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobState, 0, len(s.state))
	for name, st := range s.state {
		row := *st
		if id, ok := s.entries[name]; ok {
			row.NextRunAt = s.cron.Entry(id).Next
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RunNow fires the named job immediately.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	id, ok := s.entries[name]
	running := s.running
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("job not found: %s", name)
	}
	if !running {
		return fmt.Errorf("scheduler is not running")
	}
	s.cron.Entry(id).WrappedJob.Run()
	return nil
}

func (s *Scheduler) fire(job Job) {
	s.mu.Lock()
	enqueue := s.enqueue
	ctx := s.ctx
	s.mu.Unlock()
	if enqueue == nil || ctx == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.EnqueueTimeout)
	defer cancel()

	now := s.cfg.Now()
	err := enqueue(ctx, ingest.InboundItem{
		Source:     ingest.SourceSystem,
		SenderKey:  job.SenderKey,
		Content:    ingest.Content{Text: job.Prompt},
		ReceivedAt: now,
	})

	s.mu.Lock()
	st := s.state[job.Name]
	st.LastRunAt = now
	if err != nil {
		st.LastStatus = "error"
		st.LastError = err.Error()
		st.ConsecutiveErrors++
	} else {
		st.LastStatus = "ok"
		st.LastError = ""
		st.ConsecutiveErrors = 0
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error().Err(err).Str("job", job.Name).Msg("Scheduled prompt not enqueued")
		return
	}
	s.logger.Info().Str("job", job.Name).Str("sender_key", job.SenderKey).Msg("Scheduled prompt enqueued")
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
