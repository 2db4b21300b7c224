package daemon

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/harun/aide/internal/observability"
	"github.com/harun/aide/internal/tracing"
	"github.com/harun/aide/pkg/agent"
	"github.com/harun/aide/pkg/channels"
	"github.com/harun/aide/pkg/ingest"
	"github.com/harun/aide/pkg/router"
	"github.com/harun/aide/pkg/session"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const resetText = "Started a new conversation."

// Deliverer sends async replies back to their channel. *channels.Registry
// implements it.
type Deliverer interface {
	Deliver(ctx context.Context, d channels.Delivery) error
}

type processorConfig struct {
	MessageRetries int
	RetryBase      time.Duration
	RetryMax       time.Duration
	FallbackText   string
}

// processor is the single consumer: it turns one item into one reply.
type processor struct {
	cfg        processorConfig
	sessions   *session.Manager
	router     *router.Router
	engine     *agent.Engine
	summarizer session.Summarizer
	deliver    Deliverer
	status     *statusTracker
	audit      *observability.AuditLogger
	logger     zerolog.Logger

	jitter func() float64
	sleep  func(ctx context.Context, d time.Duration) error
	now    func() time.Time
}

// run consumes items until the feed closes.
func (p *processor) run(ctx context.Context, items <-chan ingest.InboundItem) {
	for item := range items {
		p.handle(ctx, item)
	}
}

func (p *processor) handle(ctx context.Context, item ingest.InboundItem) {
	start := p.now()
	ctx = tracing.NewItemContext(ctx, string(item.Source), item.SenderKey)
	ctx, span := tracing.StartSpan(ctx, "daemon", "item.process",
		attribute.String("source", string(item.Source)),
		attribute.String("kind", string(item.Kind)),
		attribute.Int("folded", item.Folded),
	)
	defer span.End()

	var ok bool
	if item.Kind == ingest.KindReset {
		ok = p.reset(ctx, item)
	} else {
		ok = p.message(ctx, item)
	}
	if !ok {
		span.SetStatus(codes.Error, "item failed")
	}
	observability.RecordItemProcessed(string(item.Source), p.now().Sub(start), ok)
	if p.status != nil {
		p.status.itemDone(ok)
	}
}

// reset archives the sender's session.
func (p *processor) reset(ctx context.Context, item ingest.InboundItem) bool {
	logger := tracing.LoggerFromContext(ctx, p.logger)
	err := p.sessions.Close(ctx, item.SenderKey)
	switch {
	case err == nil:
		logger.Info().Msg("Session reset")
	case errors.Is(err, session.ErrSessionNotFound):
		logger.Debug().Msg("Reset for sender without a session")
	default:
		logger.Error().Err(err).Msg("Session reset failed")
	}
	p.audit.Record(ctx, observability.AuditEvent{
		Type:     "session",
		Action:   "reset",
		Status:   statusOf(err),
		Metadata: map[string]any{"sender_key": item.SenderKey},
	})

	text := resetText
	if err != nil && !errors.Is(err, session.ErrSessionNotFound) {
		text = p.cfg.FallbackText
	}
	p.reply(ctx, item, ingest.Reply{Text: text, Err: err}, logger)
	return err == nil || errors.Is(err, session.ErrSessionNotFound)
}

// message runs the loop for one conversational item.
func (p *processor) message(ctx context.Context, item ingest.InboundItem) bool {
	logger := tracing.LoggerFromContext(ctx, p.logger)

	lease, err := p.sessions.Checkout(ctx, item.SenderKey)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to check out session")
		p.reply(ctx, item, ingest.Reply{Text: p.cfg.FallbackText, StopReason: string(agent.StopError), Err: err}, logger)
		return false
	}
	defer lease.Release()

	ctx = tracing.WithSessionID(ctx, lease.ID())
	logger = tracing.LoggerFromContext(ctx, p.logger)

	model := p.router.Resolve(item)
	if err := lease.SetModel(model); err != nil {
		logger.Warn().Err(err).Msg("Failed to record session model")
	}
	if err := lease.Append(ctx, userEntry(item)); err != nil {
		logger.Error().Err(err).Msg("Failed to persist user message")
		p.reply(ctx, item, ingest.Reply{Text: p.cfg.FallbackText, SessionID: lease.ID(), StopReason: string(agent.StopError), Err: err}, logger)
		return false
	}

	logger.Info().
		Str("model", model).
		Int("folded", item.Folded).
		Bool("image", item.HasImage()).
		Msg("Processing message")

	res, err := p.runWithRetry(ctx, lease, model, logger)
	ok := err == nil
	reply := ingest.Reply{SessionID: lease.ID()}
	if err != nil {
		logger.Error().Err(err).Msg("Message failed, sending fallback")
		observability.RecordFallback()
		p.audit.Record(ctx, observability.AuditEvent{
			Type:      "delivery",
			Action:    "fallback",
			SessionID: lease.ID(),
			Status:    "error",
			Metadata:  map[string]any{"error": err.Error(), "model": model},
		})
		reply.Text = p.cfg.FallbackText
		reply.StopReason = string(agent.StopError)
	} else {
		reply.Text = res.Text
		reply.StopReason = string(res.StopReason)
		logger.Info().
			Str("stop_reason", reply.StopReason).
			Int("turns", res.Turns).
			Float64("cost_usd", res.CumulativeCost).
			Msg("Message processed")
	}
	p.reply(ctx, item, reply, logger)

	if p.summarizer != nil {
		if compacted, err := lease.MaybeCompact(ctx, p.summarizer); err != nil {
			logger.Warn().Err(err).Msg("Compaction failed")
		} else if compacted {
			p.audit.Record(ctx, observability.AuditEvent{
				Type: "session", Action: "compacted", SessionID: lease.ID(), Status: "success",
			})
		}
	}
	return ok
}

// runWithRetry re-runs the whole loop when it fails on a transient provider
// error, waiting a jittered, growing delay between attempts.
func (p *processor) runWithRetry(ctx context.Context, lease *session.Lease, model string, logger zerolog.Logger) (*agent.Result, error) {
	for attempt := 0; ; attempt++ {
		res, err := p.engine.Run(ctx, lease, model)
		if err == nil {
			return res, nil
		}
		if attempt >= p.cfg.MessageRetries || !agent.IsTransient(err) {
			return nil, err
		}
		delay := agent.Backoff(attempt+1, p.cfg.RetryBase, p.cfg.RetryMax, p.jitter())
		observability.RecordMessageRetry()
		logger.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Msg("Run failed, retrying message")
		if serr := p.sleep(ctx, delay); serr != nil {
			return nil, fmt.Errorf("message retry aborted: %w", err)
		}
	}
}

// reply answers reply handles, or delivers through the item's channel when
// nobody is waiting. System items only ever persist.
func (p *processor) reply(ctx context.Context, item ingest.InboundItem, r ingest.Reply, logger zerolog.Logger) {
	if len(item.Replies) > 0 {
		item.Resolve(r)
		return
	}
	if item.Source == ingest.SourceSystem || p.deliver == nil {
		return
	}
	err := p.deliver.Deliver(ctx, channels.Delivery{
		Source:    item.Source,
		SenderKey: item.SenderKey,
		SessionID: r.SessionID,
		Text:      r.Text,
	})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to deliver reply")
	}
}

func userEntry(item ingest.InboundItem) session.Entry {
	var images []session.Image
	for _, a := range item.Content.Attachments {
		if a.IsImage() {
			images = append(images, session.Image{MediaType: a.MediaType, Data: a.Data})
		}
	}
	e := session.UserEntry(item.Content.Text, images)
	e.At = item.ReceivedAt
	return e
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func defaultJitter() float64 { return rand.Float64() }
