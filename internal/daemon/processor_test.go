package daemon

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/harun/aide/pkg/agent"
	"github.com/harun/aide/pkg/channels"
	"github.com/harun/aide/pkg/ingest"
	"github.com/harun/aide/pkg/router"
	"github.com/harun/aide/pkg/session"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fallback = "Sorry, something went wrong."

// scriptedProvider answers each call with the next step of its script; the
// last step repeats.
type scriptedProvider struct {
	mu     sync.Mutex
	steps  []func(req agent.Request) (*agent.Completion, error)
	models []string
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Complete(_ context.Context, req agent.Request) (*agent.Completion, error) {
	p.mu.Lock()
	n := len(p.models)
	p.models = append(p.models, req.Model)
	p.mu.Unlock()
	if n >= len(p.steps) {
		n = len(p.steps) - 1
	}
	return p.steps[n](req)
}

func (p *scriptedProvider) calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.models...)
}

func answer(text string, inputTokens int) func(agent.Request) (*agent.Completion, error) {
	return func(agent.Request) (*agent.Completion, error) {
		return &agent.Completion{
			Text:       text,
			StopReason: agent.FinishEnd,
			Usage:      session.Usage{InputTokens: inputTokens, OutputTokens: 5},
		}, nil
	}
}

func failWith(transient bool) func(agent.Request) (*agent.Completion, error) {
	return func(agent.Request) (*agent.Completion, error) {
		return nil, &agent.ProviderError{Provider: "scripted", StatusCode: 529, Transient: transient, Err: errors.New("overloaded")}
	}
}

type recordingDeliverer struct {
	mu         sync.Mutex
	deliveries []channels.Delivery
}

func (r *recordingDeliverer) Deliver(_ context.Context, d channels.Delivery) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveries = append(r.deliveries, d)
	return nil
}

func (r *recordingDeliverer) all() []channels.Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]channels.Delivery(nil), r.deliveries...)
}

type fixture struct {
	proc     *processor
	provider *scriptedProvider
	sessions *session.Manager
	out      *recordingDeliverer
	delays   []time.Duration
}

func newFixture(t *testing.T, steps ...func(agent.Request) (*agent.Completion, error)) *fixture {
	t.Helper()
	logger := zerolog.Nop()
	f := &fixture{
		provider: &scriptedProvider{steps: steps},
		out:      &recordingDeliverer{},
	}

	var err error
	f.sessions, err = session.New(session.Config{Dir: t.TempDir(), CompactionThreshold: 100, Logger: &logger})
	require.NoError(t, err)

	catalog := agent.NewStaticCatalog(map[string]agent.Provider{"scripted": f.provider},
		agent.ModelSpec{Name: "sonnet", Provider: "scripted", MaxTokens: 512},
		agent.ModelSpec{Name: "eyes", Provider: "scripted", Vision: true, MaxTokens: 512},
	)
	engine, err := agent.NewEngine(agent.Config{
		RetryAttempts: 0,
		Logger:        &logger,
		Sleep:         func(context.Context, time.Duration) error { return nil },
	}, agent.Deps{Catalog: catalog})
	require.NoError(t, err)

	f.proc = &processor{
		cfg: processorConfig{
			MessageRetries: 2,
			RetryBase:      30 * time.Second,
			RetryMax:       2 * time.Minute,
			FallbackText:   fallback,
		},
		sessions: f.sessions,
		router:   router.New(router.Config{Default: "sonnet", Vision: "eyes"}, catalog),
		engine:   engine,
		deliver:  f.out,
		status:   newStatusTracker(time.Now),
		logger:   logger,
		jitter:   func() float64 { return 0.5 },
		sleep: func(_ context.Context, d time.Duration) error {
			f.delays = append(f.delays, d)
			return nil
		},
		now: time.Now,
	}
	return f
}

func textItem(source ingest.Source, sender, text string) ingest.InboundItem {
	return ingest.InboundItem{
		Source:     source,
		SenderKey:  sender,
		Content:    ingest.Content{Text: text},
		ReceivedAt: time.Now(),
	}
}

func TestMessageIsDeliveredToChannel(t *testing.T) {
	f := newFixture(t, answer("hi there", 10))

	f.proc.handle(context.Background(), textItem(ingest.SourceTelegram, "telegram:1", "hello"))

	out := f.out.all()
	require.Len(t, out, 1)
	assert.Equal(t, ingest.SourceTelegram, out[0].Source)
	assert.Equal(t, "telegram:1", out[0].SenderKey)
	assert.Equal(t, "hi there", out[0].Text)
	assert.NotEmpty(t, out[0].SessionID)

	s, err := f.sessions.GetOrCreate(context.Background(), "telegram:1")
	require.NoError(t, err)
	require.Len(t, s.Messages, 2)
	assert.Equal(t, session.RoleUser, s.Messages[0].Role)
	assert.Equal(t, "hi there", s.Messages[1].Text)
	assert.Equal(t, "sonnet", s.Model)

	st := f.proc.status.snapshot(0, 0, nil)
	assert.EqualValues(t, 1, st.ItemsProcessed)
	assert.Zero(t, st.ItemsFailed)
}

func TestReplyHandleIsResolvedInsteadOfDelivery(t *testing.T) {
	f := newFixture(t, answer("sync answer", 10))
	h := ingest.NewReplyHandle()
	item := textItem(ingest.SourceHTTP, "http:me", "question")
	item.Replies = []*ingest.ReplyHandle{h}

	f.proc.handle(context.Background(), item)

	r, err := h.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "sync answer", r.Text)
	assert.Equal(t, string(agent.StopEnd), r.StopReason)
	assert.NotEmpty(t, r.SessionID)
	assert.Empty(t, f.out.all())
}

func TestSystemItemsAreNeverDelivered(t *testing.T) {
	f := newFixture(t, answer("daily digest", 10))

	f.proc.handle(context.Background(), textItem(ingest.SourceSystem, "system:digest", "summarize my day"))

	assert.Empty(t, f.out.all())
	s, err := f.sessions.GetOrCreate(context.Background(), "system:digest")
	require.NoError(t, err)
	assert.Len(t, s.Messages, 2)
}

func TestImagesRouteToVisionModel(t *testing.T) {
	f := newFixture(t, answer("a cat", 10))
	item := textItem(ingest.SourceTelegram, "telegram:1", "what is this")
	item.Content.Attachments = []ingest.Attachment{{MediaType: "image/png", Data: []byte{1, 2, 3}}}

	f.proc.handle(context.Background(), item)

	assert.Equal(t, []string{"eyes"}, f.provider.calls())
	s, err := f.sessions.GetOrCreate(context.Background(), "telegram:1")
	require.NoError(t, err)
	require.Len(t, s.Messages[0].Images, 1)
	assert.Equal(t, "image/png", s.Messages[0].Images[0].MediaType)
}

func TestTransientFailureRetriesThenFallsBack(t *testing.T) {
	f := newFixture(t, failWith(true))

	f.proc.handle(context.Background(), textItem(ingest.SourceTelegram, "telegram:1", "hello"))

	assert.Len(t, f.provider.calls(), 3)
	require.Len(t, f.delays, 2)
	assert.LessOrEqual(t, f.delays[0], f.delays[1])
	assert.GreaterOrEqual(t, f.delays[0], 30*time.Second)

	out := f.out.all()
	require.Len(t, out, 1)
	assert.Equal(t, fallback, out[0].Text)

	st := f.proc.status.snapshot(0, 0, nil)
	assert.EqualValues(t, 1, st.ItemsFailed)
}

func TestTransientFailureRecovers(t *testing.T) {
	f := newFixture(t, failWith(true), answer("back online", 10))
	h := ingest.NewReplyHandle()
	item := textItem(ingest.SourceControl, "control:me", "ping")
	item.Replies = []*ingest.ReplyHandle{h}

	f.proc.handle(context.Background(), item)

	r, err := h.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "back online", r.Text)
	assert.Len(t, f.delays, 1)
}

func TestPermanentFailureIsNotRetried(t *testing.T) {
	f := newFixture(t, failWith(false))
	h := ingest.NewReplyHandle()
	item := textItem(ingest.SourceHTTP, "http:me", "hello")
	item.Replies = []*ingest.ReplyHandle{h}

	f.proc.handle(context.Background(), item)

	r, err := h.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, fallback, r.Text)
	assert.Equal(t, string(agent.StopError), r.StopReason)
	assert.Len(t, f.provider.calls(), 1)
	assert.Empty(t, f.delays)
}

func TestOneSenderFailingDoesNotAffectAnother(t *testing.T) {
	f := newFixture(t, failWith(false), answer("fine", 10))

	f.proc.handle(context.Background(), textItem(ingest.SourceTelegram, "telegram:1", "boom"))
	f.proc.handle(context.Background(), textItem(ingest.SourceTelegram, "telegram:2", "hello"))

	out := f.out.all()
	require.Len(t, out, 2)
	assert.Equal(t, fallback, out[0].Text)
	assert.Equal(t, "fine", out[1].Text)
}

func TestResetArchivesSession(t *testing.T) {
	f := newFixture(t, answer("hi", 10))
	f.proc.handle(context.Background(), textItem(ingest.SourceTelegram, "telegram:1", "hello"))
	require.Len(t, f.sessions.ListSessions(), 1)

	f.proc.handle(context.Background(), ingest.InboundItem{
		Kind: ingest.KindReset, Source: ingest.SourceTelegram, SenderKey: "telegram:1",
	})

	assert.Empty(t, f.sessions.ListSessions())
	out := f.out.all()
	require.Len(t, out, 2)
	assert.Equal(t, resetText, out[1].Text)
}

func TestResetWithoutSessionReportsNotFound(t *testing.T) {
	f := newFixture(t, answer("hi", 10))
	h := ingest.NewReplyHandle()

	f.proc.handle(context.Background(), ingest.InboundItem{
		Kind: ingest.KindReset, Source: ingest.SourceHTTP, SenderKey: "http:nobody",
		Replies: []*ingest.ReplyHandle{h},
	})

	_, err := h.Wait(context.Background())
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestCompactionRunsAfterDelivery(t *testing.T) {
	f := newFixture(t, answer("first", 10), answer("second", 500))
	var deliveredBefore int
	f.proc.summarizer = session.SummarizerFunc(func(context.Context, []session.Entry) (string, error) {
		deliveredBefore = len(f.out.all())
		return "they said hello twice", nil
	})

	f.proc.handle(context.Background(), textItem(ingest.SourceTelegram, "telegram:1", "hello"))
	f.proc.handle(context.Background(), textItem(ingest.SourceTelegram, "telegram:1", "hello again"))

	assert.Equal(t, 2, deliveredBefore)
	s, err := f.sessions.GetOrCreate(context.Background(), "telegram:1")
	require.NoError(t, err)
	assert.Equal(t, 1, s.CompactionCount)
	assert.Equal(t, session.SummaryTag, s.Messages[0].Tag)
}

func TestRunConsumesUntilClosed(t *testing.T) {
	f := newFixture(t, answer("ok", 10))
	items := make(chan ingest.InboundItem, 2)
	items <- textItem(ingest.SourceTelegram, "telegram:1", "a")
	items <- textItem(ingest.SourceTelegram, "telegram:2", "b")
	close(items)

	f.proc.run(context.Background(), items)

	assert.Len(t, f.out.all(), 2)
}
