package agent

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/harun/aide/internal/observability"
	"github.com/harun/aide/internal/tracing"
	"github.com/harun/aide/pkg/session"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

// LastToolsWarning is queued when two turns remain.
const LastToolsWarning = "Note: this is your last opportunity to use tools. " +
	"After this turn you must reply with a final answer and no tool calls."

// Config bounds a Run.
type Config struct {
	MaxTurns        int
	MaxCost         float64 // USD; zero or negative disables the ceiling
	CallTimeout     time.Duration
	RetryAttempts   int
	RetryBase       time.Duration
	RetryMax        time.Duration
	ToolConcurrency int
	SystemPrompt    string
	Logger          *zerolog.Logger

	// Jitter returns a value in [0, 1). Defaults to math/rand.
	Jitter func() float64
	// Sleep waits between retries. Defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
}

// DefaultConfig returns the stock loop limits.
func DefaultConfig() Config {
	return Config{
		MaxTurns:        10,
		CallTimeout:     600 * time.Second,
		RetryAttempts:   2,
		RetryBase:       2 * time.Second,
		RetryMax:        30 * time.Second,
		ToolConcurrency: 8,
	}
}

// Deps are the engine's collaborators. Only Catalog is required.
type Deps struct {
	Catalog  *Catalog
	Tools    ToolExecutor
	Costs    CostSink
	Observer Observer
	Context  ContextSource
}

// Engine runs the agentic loop. It is safe for use by one Run at a time per
// conversation; the session lease enforces that.
type Engine struct {
	cfg    Config
	deps   Deps
	logger zerolog.Logger
}

// NewEngine fills defaults and validates deps.
func NewEngine(cfg Config, deps Deps) (*Engine, error) {
	observability.EnsureRegistered()

	if deps.Catalog == nil {
		return nil, errors.New("model catalog is required")
	}
	def := DefaultConfig()
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = def.MaxTurns
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if cfg.RetryAttempts < 0 {
		cfg.RetryAttempts = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = def.RetryBase
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = def.RetryMax
	}
	if cfg.ToolConcurrency <= 0 {
		cfg.ToolConcurrency = def.ToolConcurrency
	}
	if cfg.Jitter == nil {
		cfg.Jitter = rand.Float64
	}
	if cfg.Sleep == nil {
		cfg.Sleep = SleepContext
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if deps.Observer == nil {
		deps.Observer = Observers(nil)
	}

	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Engine{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With().Str("component", "agent").Logger(),
	}, nil
}

// Catalog returns the model catalog the engine calls through.
func (e *Engine) Catalog() *Catalog { return e.deps.Catalog }

// Run drives conv through the loop with the named model. The latest user
// entry must already be appended. Turn and cost exhaustion are results, not
// errors; errors mean provider retries ran out, a permanent provider failure
// or a persistence fault.
func (e *Engine) Run(ctx context.Context, conv Conversation, model string) (*Result, error) {
	start := e.cfg.Now()
	ctx = tracing.WithSessionID(ctx, conv.ID())
	if tracing.GetRunID(ctx) == "" {
		ctx = tracing.WithRunID(ctx, tracing.NewRunID())
	}
	ctx, span := tracing.StartSpan(ctx, "aide.agent", "agent.run",
		attribute.String("session_id", conv.ID()),
		attribute.String("model", model),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, e.logger).With().Str("model", model).Logger()

	res, err := e.run(ctx, conv, model, logger)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observability.RecordRun(model, string(StopError), time.Since(start))
		logger.Error().Err(err).Msg("Run failed")
		return nil, err
	}

	span.SetAttributes(
		attribute.String("stop_reason", string(res.StopReason)),
		attribute.Int("turns", res.Turns),
		attribute.Float64("cost_usd", res.CumulativeCost),
	)
	observability.RecordRun(model, string(res.StopReason), time.Since(start))
	logger.Info().
		Str("stop_reason", string(res.StopReason)).
		Int("turns", res.Turns).
		Float64("cost_usd", res.CumulativeCost).
		Dur("duration", time.Since(start)).
		Msg("Run completed")
	return res, nil
}

func (e *Engine) run(ctx context.Context, conv Conversation, model string, logger zerolog.Logger) (*Result, error) {
	spec, provider, err := e.deps.Catalog.Lookup(model)
	if err != nil {
		return nil, err
	}

	// A warning left over from an aborted Run belongs to that Run.
	if conv.PendingWarning() != "" {
		if err := conv.SetPendingWarning(""); err != nil {
			return nil, fmt.Errorf("failed to clear stale warning: %w", err)
		}
	}

	blocks := e.contextBlocks(ctx, logger)
	res := &Result{Model: model, StopReason: StopNone}
	remaining := e.cfg.MaxTurns

	for {
		res.Turns++
		turnStart := e.cfg.Now()

		// FORMAT
		req := Request{
			Model:     spec.Remote,
			MaxTokens: spec.MaxTokens,
			System:    e.cfg.SystemPrompt,
			Context:   blocks,
			Messages:  conv.Messages(),
		}
		if e.deps.Tools != nil {
			// The history may already hold tool calls, so the last turn
			// still declares the tools and only forbids using them.
			req.Tools = e.deps.Tools.Descriptors()
			req.TextOnly = remaining <= 1
		}
		if w := conv.PendingWarning(); w != "" {
			req.Warning = w
			if err := conv.SetPendingWarning(""); err != nil {
				return nil, fmt.Errorf("failed to consume warning: %w", err)
			}
		}

		// CALL
		comp, err := e.complete(ctx, provider, req, logger)
		if err != nil {
			return nil, err
		}
		if err := conv.RecordUsage(comp.Usage); err != nil {
			return nil, fmt.Errorf("failed to record usage: %w", err)
		}

		turnCost := spec.Pricing.Cost(comp.Usage)
		res.CumulativeCost += turnCost
		res.Usage = res.Usage.Add(comp.Usage)
		res.Text = comp.Text
		e.recordCost(ctx, conv.ID(), model, comp.Usage, turnCost, logger)

		stats := TurnStats{
			SessionID:      conv.ID(),
			Model:          model,
			Turn:           res.Turns,
			StopReason:     comp.StopReason,
			Usage:          comp.Usage,
			TurnCost:       turnCost,
			CumulativeCost: res.CumulativeCost,
			Duration:       time.Since(turnStart),
		}

		// COST_CHECK
		if e.cfg.MaxCost > 0 && res.CumulativeCost > e.cfg.MaxCost {
			// Tool requests are dropped: no further calls will see their results.
			if err := conv.Append(ctx, session.AssistantEntry(comp.Text, comp.Reasoning, nil)); err != nil {
				return nil, fmt.Errorf("failed to append response: %w", err)
			}
			e.deps.Observer.OnResponse(ctx, stats)
			logger.Warn().
				Float64("cost_usd", res.CumulativeCost).
				Float64("ceiling_usd", e.cfg.MaxCost).
				Msg("Cost ceiling exceeded")
			res.StopReason = StopCostExceeded
			return res, nil
		}

		if err := conv.Append(ctx, session.AssistantEntry(comp.Text, comp.Reasoning, comp.ToolCalls)); err != nil {
			return nil, fmt.Errorf("failed to append response: %w", err)
		}
		e.deps.Observer.OnResponse(ctx, stats)

		if len(comp.ToolCalls) == 0 {
			res.StopReason = StopEnd
			return res, nil
		}

		// DISPATCH_TOOLS
		dispatchStart := e.cfg.Now()
		results := e.dispatch(ctx, comp.ToolCalls)
		if err := conv.Append(ctx, session.ToolResultsEntry(results)); err != nil {
			return nil, fmt.Errorf("failed to append tool results: %w", err)
		}
		toolStats := stats
		toolStats.Duration = time.Since(dispatchStart)
		for i, c := range comp.ToolCalls {
			toolStats.ToolCalls = append(toolStats.ToolCalls, c.Name)
			if results[i].IsError {
				toolStats.ToolErrors++
			}
		}
		e.deps.Observer.OnToolResults(ctx, toolStats)

		// TURN_CHECK
		remaining--
		switch {
		case remaining <= 0:
			logger.Warn().Int("max_turns", e.cfg.MaxTurns).Msg("Turn limit reached")
			res.StopReason = StopTurnExceeded
			return res, nil
		case remaining == 2:
			if err := conv.SetPendingWarning(LastToolsWarning); err != nil {
				return nil, fmt.Errorf("failed to queue warning: %w", err)
			}
		}
	}
}

func (e *Engine) contextBlocks(ctx context.Context, logger zerolog.Logger) []ContextBlock {
	if e.deps.Context == nil {
		return nil
	}
	blocks, err := e.deps.Context.ContextBlocks(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to load context blocks")
		return nil
	}
	return blocks
}

func (e *Engine) recordCost(ctx context.Context, sessionID, model string, u session.Usage, cost float64, logger zerolog.Logger) {
	observability.RecordCost(model, cost, u.InputTokens, u.OutputTokens, u.CacheReadTokens, u.CacheWriteTokens)
	if e.deps.Costs == nil {
		return
	}
	rec := CostRecord{
		Timestamp: e.cfg.Now(),
		SessionID: sessionID,
		Model:     model,
		Usage:     u,
		CostUSD:   cost,
	}
	if err := e.deps.Costs.RecordCost(ctx, rec); err != nil {
		logger.Warn().Err(err).Msg("Failed to record cost")
	}
}

// complete calls the provider with a per-call timeout, retrying transient
// failures with exponential backoff.
func (e *Engine) complete(ctx context.Context, provider Provider, req Request, logger zerolog.Logger) (*Completion, error) {
	name := provider.Name()
	for attempt := 0; ; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
		callCtx, span := tracing.StartSpan(callCtx, "aide.agent", "agent.provider_call",
			attribute.String("provider", name),
			attribute.Int("attempt", attempt+1),
		)
		comp, err := provider.Complete(callCtx, req)
		timedOut := errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		cancel()

		if err == nil {
			observability.RecordProviderCall(name, true)
			return comp, nil
		}
		observability.RecordProviderCall(name, false)

		if timedOut {
			err = &ProviderError{Provider: name, Transient: true,
				Err: fmt.Errorf("call timed out after %s: %w", e.cfg.CallTimeout, err)}
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("provider %s: %w", name, ctx.Err())
		}
		if !IsTransient(err) {
			return nil, err
		}
		if attempt >= e.cfg.RetryAttempts {
			return nil, fmt.Errorf("provider %s failed after %d attempts: %w", name, attempt+1, err)
		}

		delay := Backoff(attempt+1, e.cfg.RetryBase, e.cfg.RetryMax, e.cfg.Jitter())
		observability.RecordProviderRetry(name)
		logger.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Msg("Transient provider error, retrying")
		if err := e.cfg.Sleep(ctx, delay); err != nil {
			return nil, fmt.Errorf("provider %s: %w", name, err)
		}
	}
}

// dispatch runs every call concurrently and returns results in call order.
func (e *Engine) dispatch(ctx context.Context, calls []session.ToolCall) []session.ToolResult {
	results := make([]session.ToolResult, len(calls))
	if e.deps.Tools == nil {
		for i, c := range calls {
			results[i] = session.ToolResult{CallID: c.ID, Output: "tool not available: " + c.Name, IsError: true}
		}
		return results
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.ToolConcurrency)
	for i, c := range calls {
		g.Go(func() error {
			out := e.deps.Tools.Execute(gctx, c.Name, c.Arguments)
			results[i] = session.ToolResult{CallID: c.ID, Output: out.Output, IsError: out.IsError}
			return nil
		})
	}
	_ = g.Wait()
	return results
}
