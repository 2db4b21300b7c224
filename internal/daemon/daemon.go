// Package daemon wires the ingest pipeline, sessions, the agent engine and
// the channels into one long-running process.
package daemon

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/harun/aide/internal/config"
	"github.com/harun/aide/internal/logger"
	"github.com/harun/aide/internal/observability"
	"github.com/harun/aide/internal/telegram"
	"github.com/harun/aide/internal/tracing"
	"github.com/harun/aide/pkg/agent"
	"github.com/harun/aide/pkg/channels"
	"github.com/harun/aide/pkg/control"
	"github.com/harun/aide/pkg/costledger"
	"github.com/harun/aide/pkg/httpapi"
	"github.com/harun/aide/pkg/ingest"
	"github.com/harun/aide/pkg/memory"
	"github.com/harun/aide/pkg/router"
	"github.com/harun/aide/pkg/scheduler"
	"github.com/harun/aide/pkg/session"
	"github.com/harun/aide/pkg/tools"
	"github.com/rs/zerolog"
)

const statusInterval = 5 * time.Second

// Daemon is the aide service.
type Daemon struct {
	config *config.Config
	logger zerolog.Logger

	pipeline  *ingest.Pipeline
	sessions  *session.Manager
	archiver  *session.Archiver
	memory    *memory.Store
	ledger    *costledger.Ledger
	audit     *observability.AuditLogger
	engine    *agent.Engine
	registry  *channels.Registry
	scheduler *scheduler.Scheduler
	hub       *httpapi.EventHub
	proc      *processor
	status    *statusTracker

	pidPath    string
	statusPath string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu             sync.RWMutex
	running        bool
	traceOut       io.Closer
}

// New builds every component in dependency order. Nothing runs until Start.
func New(cfg *config.Config, logger zerolog.Logger) (*Daemon, error) {
	observability.EnsureRegistered()
	logger = logger.With().Str("component", "daemon").Logger()

	d := &Daemon{
		config:     cfg,
		logger:     logger,
		pidPath:    PIDPath(cfg.DataDir),
		statusPath: StatusPath(cfg.DataDir),
		status:     newStatusTracker(time.Now),
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())

	if cfg.Tracing.Enabled {
		if err := d.initTracing(); err != nil {
			logger.Warn().Err(err).Msg("Failed to initialize tracing, continuing without it")
		}
	}

	if err := d.initCore(); err != nil {
		d.closeCore()
		d.cancel()
		return nil, err
	}
	if err := d.initChannels(); err != nil {
		d.closeCore()
		d.cancel()
		return nil, err
	}
	return d, nil
}

func (d *Daemon) initCore() error {
	cfg := d.config

	audit, err := observability.NewAuditLogger(filepath.Join(cfg.DataDir, "audit.log"))
	if err != nil {
		d.logger.Warn().Err(err).Msg("Audit log unavailable")
	}
	d.audit = audit

	d.pipeline = ingest.New(ingest.Config{
		Capacity:        cfg.Queue.Capacity,
		Debounce:        time.Duration(cfg.Queue.DebounceMS) * time.Millisecond,
		DebounceSources: toSources(cfg.Queue.DebounceSources),
		DrainTimeout:    time.Duration(cfg.Queue.DrainTimeoutSec) * time.Second,
		Logger:          &d.logger,
	})

	d.sessions, err = session.New(session.Config{
		Dir:                 filepath.Join(cfg.DataDir, "sessions"),
		CompactionThreshold: cfg.Session.CompactionThresholdTokens,
		Logger:              &d.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create session manager: %w", err)
	}
	d.archiver = session.NewArchiver(d.sessions, cfg.Session.ArchiveIdle(), 0)

	d.memory, err = memory.NewStore(memory.Config{
		WorkspacePath: cfg.WorkspacePath,
		BudgetTokens:  cfg.Memory.BudgetTokens,
		IndexPath:     filepath.Join(cfg.DataDir, "memory.db"),
		Watch:         true,
		Logger:        &d.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to open workspace memory: %w", err)
	}

	d.ledger, err = costledger.Open(filepath.Join(cfg.DataDir, "costs.db"), &d.logger)
	if err != nil {
		return fmt.Errorf("failed to open cost ledger: %w", err)
	}

	registry, err := tools.NewRegistry(tools.Config{
		OutputBudget: cfg.Tools.OutputBudgetChars,
		Logger:       &d.logger,
	}, append([]tools.Definition{tools.CurrentTime(time.Now)}, d.memory.Tools()...)...)
	if err != nil {
		return fmt.Errorf("failed to build tool registry: %w", err)
	}

	catalog, err := agent.NewCatalog(agent.NewProviderFactory(), providerConfigs(cfg), modelSpecs(cfg), &d.logger)
	if err != nil {
		return fmt.Errorf("failed to build model catalog: %w", err)
	}
	if !catalog.Available(cfg.Router.Default) {
		return fmt.Errorf("router default model %q has no usable provider (available: %v)", cfg.Router.Default, catalog.Models())
	}

	d.hub = httpapi.NewEventHub(d.logger)
	d.engine, err = agent.NewEngine(agent.Config{
		MaxTurns:        cfg.Loop.MaxTurns,
		MaxCost:         cfg.Loop.MaxCostPerMessage,
		CallTimeout:     cfg.Loop.CallTimeout(),
		RetryAttempts:   cfg.Loop.RetryAttempts,
		RetryBase:       cfg.Loop.RetryBase(),
		RetryMax:        cfg.Loop.RetryMax(),
		ToolConcurrency: cfg.Loop.ToolConcurrency,
		SystemPrompt:    cfg.Loop.SystemPrompt,
		Logger:          &d.logger,
	}, agent.Deps{
		Catalog:  catalog,
		Tools:    registry,
		Costs:    d.ledger,
		Observer: agent.Observers{d.status, d.hub, auditObserver{audit: d.audit}},
		Context:  memoryContext{store: d.memory},
	})
	if err != nil {
		return fmt.Errorf("failed to create agent engine: %w", err)
	}

	compactionModel := cfg.Session.CompactionModel
	if compactionModel == "" {
		compactionModel = cfg.Router.Default
	}

	d.registry = channels.NewRegistry(d.pipeline.Enqueue)
	d.proc = &processor{
		cfg: processorConfig{
			MessageRetries: cfg.Loop.MessageRetries,
			RetryBase:      cfg.Loop.MessageRetryBase(),
			RetryMax:       4 * cfg.Loop.MessageRetryBase(),
			FallbackText:   cfg.Loop.FallbackText,
		},
		sessions:   d.sessions,
		router:     router.New(routerConfig(cfg), catalog),
		engine:     d.engine,
		summarizer: agent.NewSummarizer(d.engine, compactionModel),
		deliver:    d.registry,
		status:     d.status,
		audit:      d.audit,
		logger:     d.logger,
		jitter:     defaultJitter,
		sleep:      agent.SleepContext,
		now:        time.Now,
	}

	d.logger.Info().
		Strs("models", catalog.Models()).
		Strs("tools", registry.Names()).
		Msg("Core initialized")
	return nil
}

func (d *Daemon) initChannels() error {
	cfg := d.config

	if cfg.HTTP.Enabled {
		srv := httpapi.NewServer(httpapi.Config{
			Addr:         cfg.HTTP.Addr(),
			SharedSecret: cfg.HTTP.SharedSecret,
			ReplyTimeout: cfg.HTTP.ReplyTimeout(),
			RatePerSec:   cfg.HTTP.RatePerSec,
			RateBurst:    cfg.HTTP.RateBurst,
			Hub:          d.hub,
			Logger:       &d.logger,
		})
		if err := d.registry.Register(srv); err != nil {
			return err
		}
	}

	if cfg.Control.Enabled {
		srv := control.NewServer(control.Config{
			SocketPath: cfg.Control.SocketPath,
			Sessions:   d.sessions,
			Logger:     &d.logger,
		})
		if err := d.registry.Register(srv); err != nil {
			return err
		}
	}

	if len(cfg.Schedules) > 0 {
		jobs := make([]scheduler.Job, 0, len(cfg.Schedules))
		for _, s := range cfg.Schedules {
			jobs = append(jobs, scheduler.Job{Name: s.Name, Expr: s.Cron, Prompt: s.Prompt, SenderKey: s.SenderKey})
		}
		sched, err := scheduler.New(scheduler.Config{Jobs: jobs, Logger: &d.logger})
		if err != nil {
			return fmt.Errorf("failed to create scheduler: %w", err)
		}
		d.scheduler = sched
		if err := d.registry.Register(sched); err != nil {
			return err
		}
	}

	if cfg.Telegram.Enabled {
		bot, err := telegram.New(telegram.Config{
			Token:       cfg.Telegram.BotToken,
			Allowlist:   cfg.Telegram.Allowlist,
			PollTimeout: cfg.Telegram.PollTimeoutSec,
			Logger:      &d.logger,
		})
		if err != nil {
			return fmt.Errorf("failed to create telegram bot: %w", err)
		}
		if err := d.registry.Register(bot); err != nil {
			return err
		}
	}
	return nil
}

// Start claims the PID file and starts the consumer, the maintenance loop
// and every channel.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.mu.Unlock()

	logger := d.logger.With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Starting aide daemon")

	if err := acquirePIDFile(d.pidPath); err != nil {
		d.setStopped()
		return err
	}

	d.wg.Add(2)
	go func() {
		defer d.wg.Done()
		d.proc.run(d.ctx, d.pipeline.Items())
	}()
	go func() {
		defer d.wg.Done()
		d.maintain(d.ctx)
	}()

	if err := d.archiver.Start(d.ctx); err != nil {
		logger.Warn().Err(err).Msg("Failed to start session archiver")
	}

	if err := d.registry.StartAll(d.ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to start channels")
		_ = d.Stop()
		return fmt.Errorf("failed to start channels: %w", err)
	}

	logger.Info().
		Strs("channels", d.channelNames()).
		Int("pid", os.Getpid()).
		Msg("Daemon started")
	return nil
}

// Stop shuts channels down first so no new work arrives, then the pipeline,
// then waits for the consumer to finish its current item.
func (d *Daemon) Stop() error {
	if !d.setStopped() {
		return fmt.Errorf("daemon is not running")
	}
	logger := d.logger.With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Stopping aide daemon")

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.registry.StopAll(stopCtx); err != nil {
		logger.Error().Err(err).Msg("Failed to stop channels")
	}

	d.archiver.Stop()
	// Close hands what producers already accepted to the consumer first.
	d.pipeline.Close()

	waitCtx, cancelWait := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelWait()
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-waitCtx.Done():
		logger.Warn().Msg("Timeout waiting for the current item, cancelling it")
		d.cancel()
		<-done
	}
	d.cancel()

	d.writeStatus()
	if err := releasePIDFile(d.pidPath); err != nil {
		logger.Error().Err(err).Msg("Failed to remove PID file")
	}
	d.closeCore()

	logger.Info().Msg("Daemon stopped")
	return nil
}

func (d *Daemon) setStopped() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	was := d.running
	d.running = false
	return was
}

// Run starts the daemon, blocks until ctx is done and stops it.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	return d.Stop()
}

// Status returns the live status.
func (d *Daemon) Status() Status {
	s := d.status.snapshot(d.pipeline.Depth(), len(d.sessions.ListSessions()), d.channelNames())
	if d.scheduler != nil {
		s.Schedules = d.scheduler.Jobs()
	}
	return s
}

func (d *Daemon) channelNames() []string {
	names := d.registry.Names()
	out := make([]string, 0, len(names))
	for _, n := range names {
		out = append(out, string(n))
	}
	return out
}

// Enqueue submits an item as if it came from a channel.
func (d *Daemon) Enqueue(ctx context.Context, item ingest.InboundItem) error {
	return d.pipeline.Enqueue(ctx, item)
}

// maintain rewrites status.json after turn events and on a fixed interval.
func (d *Daemon) maintain(ctx context.Context) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()
	d.writeStatus()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.status.kick:
			d.writeStatus()
		case <-ticker.C:
			d.writeStatus()
		}
	}
}

func (d *Daemon) writeStatus() {
	s := d.Status()
	observability.SetQueueDepth(s.QueueDepth)
	observability.SetActiveSessions(s.ActiveSessions)
	if err := WriteStatusFile(d.statusPath, s); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to write status file")
	}
}

func (d *Daemon) closeCore() {
	if d.memory != nil {
		if err := d.memory.Close(); err != nil {
			d.logger.Error().Err(err).Msg("Failed to close memory store")
		}
	}
	if d.ledger != nil {
		if err := d.ledger.Close(); err != nil {
			d.logger.Error().Err(err).Msg("Failed to close cost ledger")
		}
	}
	if d.pipeline != nil {
		d.pipeline.Close()
	}
	if d.traceOut != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
			d.logger.Error().Err(err).Msg("Failed to shut down tracing")
		}
		cancel()
		if err := d.traceOut.Close(); err != nil {
			d.logger.Error().Err(err).Msg("Failed to close trace file")
		}
		d.traceOut = nil
	}
	if err := d.audit.Close(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to close audit log")
	}
}

// initTracing exports spans as JSON lines into a rotating file under the
// data directory.
func (d *Daemon) initTracing() error {
	tc := d.config.Tracing
	path := tc.File
	if path == "" {
		path = filepath.Join(d.config.DataDir, "traces.jsonl")
	}
	out, err := logger.NewRotatingWriter(path, tc.MaxSize, d.config.Logging.MaxAge, d.config.Logging.Compress)
	if err != nil {
		return fmt.Errorf("failed to open trace file: %w", err)
	}
	exp, err := tracing.NewJSONExporter(out)
	if err != nil {
		out.Close()
		return err
	}
	if err := tracing.InitOpenTelemetry(context.Background(), tracing.Config{
		ServiceName: "aide",
		Exporter:    exp,
		SampleRatio: tc.SampleRatio,
	}); err != nil {
		out.Close()
		return err
	}
	d.traceOut = out
	d.logger.Info().Str("file", path).Float64("sample_ratio", tc.SampleRatio).Msg("Tracing enabled")
	return nil
}

func toSources(names []string) []ingest.Source {
	if names == nil {
		return nil
	}
	out := make([]ingest.Source, 0, len(names))
	for _, n := range names {
		out = append(out, ingest.Source(n))
	}
	return out
}

func routerConfig(cfg *config.Config) router.Config {
	sources := make(map[ingest.Source]string, len(cfg.Router.Sources))
	for src, model := range cfg.Router.Sources {
		sources[ingest.Source(src)] = model
	}
	return router.Config{
		Default: cfg.Router.Default,
		Sources: sources,
		Vision:  cfg.Router.Vision,
		Tiers:   cfg.Router.Tiers,
	}
}

func providerConfigs(cfg *config.Config) []agent.ProviderConfig {
	out := make([]agent.ProviderConfig, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		out = append(out, agent.ProviderConfig{Name: p.Name, Type: p.Type, APIKey: p.Key(), BaseURL: p.BaseURL})
	}
	return out
}

func modelSpecs(cfg *config.Config) []agent.ModelSpec {
	out := make([]agent.ModelSpec, 0, len(cfg.Models))
	for _, m := range cfg.Models {
		out = append(out, agent.ModelSpec{
			Name:      m.Name,
			Provider:  m.Provider,
			Remote:    m.Remote,
			Vision:    m.Vision,
			MaxTokens: m.MaxTokens,
			Pricing: agent.Pricing{
				Input:      m.Pricing.Input,
				Output:     m.Pricing.Output,
				CacheRead:  m.Pricing.CacheRead,
				CacheWrite: m.Pricing.CacheWrite,
			},
		})
	}
	return out
}
