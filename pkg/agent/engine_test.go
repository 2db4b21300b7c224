package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/harun/aide/pkg/session"
	"github.com/harun/aide/pkg/tools"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockProvider struct {
	mock.Mock

	mu       sync.Mutex
	requests []Request
}

func (m *mockProvider) Name() string { return "mock" }

func (m *mockProvider) Complete(ctx context.Context, req Request) (*Completion, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	args := m.Called(ctx, req)
	comp, _ := args.Get(0).(*Completion)
	return comp, args.Error(1)
}

func (m *mockProvider) seen() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.requests...)
}

type mockObserver struct {
	mock.Mock
}

func (m *mockObserver) OnResponse(ctx context.Context, stats TurnStats)    { m.Called(ctx, stats) }
func (m *mockObserver) OnToolResults(ctx context.Context, stats TurnStats) { m.Called(ctx, stats) }

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return nil
}

var testPricing = Pricing{Input: 3, Output: 15, CacheRead: 0.3, CacheWrite: 3.75}

func newTestLease(t *testing.T) *session.Lease {
	t.Helper()
	logger := zerolog.Nop()
	m, err := session.New(session.Config{Dir: t.TempDir(), CompactionThreshold: 1000, Logger: &logger})
	require.NoError(t, err)
	lease, err := m.Checkout(context.Background(), "telegram:1")
	require.NoError(t, err)
	t.Cleanup(lease.Release)
	require.NoError(t, lease.Append(context.Background(), session.UserEntry("hello", nil)))
	return lease
}

func testRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	reg, err := tools.NewRegistry(tools.Config{},
		tools.Definition{
			Name: "ok", Description: "succeeds",
			Handler: func(context.Context, map[string]any) (string, error) { return "fine", nil },
		},
		tools.Definition{
			Name: "bad", Description: "fails",
			Handler: func(context.Context, map[string]any) (string, error) { return "", errors.New("broken") },
		},
	)
	require.NoError(t, err)
	return reg
}

func newTestEngine(t *testing.T, cfg Config, p Provider, deps Deps) (*Engine, *sleepRecorder) {
	t.Helper()
	rec := &sleepRecorder{}
	logger := zerolog.Nop()
	cfg.Logger = &logger
	cfg.Sleep = rec.sleep
	cfg.Jitter = func() float64 { return 0.5 }
	deps.Catalog = NewStaticCatalog(map[string]Provider{"mock": p},
		ModelSpec{Name: "sonnet", Provider: "mock", Remote: "claude-test", MaxTokens: 1024, Pricing: testPricing})
	e, err := NewEngine(cfg, deps)
	require.NoError(t, err)
	return e, rec
}

func toolCall(id, name string) session.ToolCall {
	return session.ToolCall{ID: id, Name: name, Arguments: json.RawMessage(`{}`)}
}

func TestNewEngine_RequiresCatalog(t *testing.T) {
	_, err := NewEngine(Config{}, Deps{})
	assert.Error(t, err)
}

func TestRun_EndsOnPlainAnswer(t *testing.T) {
	p := &mockProvider{}
	p.On("Complete", mock.Anything, mock.Anything).Return(&Completion{
		Text: "hi there", StopReason: FinishEnd,
		Usage: session.Usage{InputTokens: 1000, OutputTokens: 100},
	}, nil).Once()

	e, _ := newTestEngine(t, Config{SystemPrompt: "be brief"}, p, Deps{Tools: testRegistry(t)})
	lease := newTestLease(t)

	res, err := e.Run(context.Background(), lease, "sonnet")
	require.NoError(t, err)
	assert.Equal(t, StopEnd, res.StopReason)
	assert.Equal(t, "hi there", res.Text)
	assert.Equal(t, 1, res.Turns)
	assert.InDelta(t, (1000*3+100*15)/1e6, res.CumulativeCost, 1e-12)

	msgs := lease.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, session.RoleAssistant, msgs[1].Role)
	assert.Equal(t, session.Usage{InputTokens: 1000, OutputTokens: 100}, lease.Session().LastTurnUsage)

	req := p.seen()[0]
	assert.Equal(t, "claude-test", req.Model)
	assert.Equal(t, "be brief", req.System)
	assert.Len(t, req.Tools, 2)
	p.AssertExpectations(t)
}

func TestRun_ToolResultsKeepCallOrder(t *testing.T) {
	p := &mockProvider{}
	p.On("Complete", mock.Anything, mock.Anything).Return(&Completion{
		StopReason: FinishToolUse,
		ToolCalls:  []session.ToolCall{toolCall("a", "ok"), toolCall("b", "bad"), toolCall("c", "ok")},
	}, nil).Once()
	p.On("Complete", mock.Anything, mock.Anything).Return(&Completion{Text: "done", StopReason: FinishEnd}, nil).Once()

	obs := &mockObserver{}
	obs.On("OnResponse", mock.Anything, mock.Anything).Twice()
	obs.On("OnToolResults", mock.Anything, mock.MatchedBy(func(s TurnStats) bool {
		return len(s.ToolCalls) == 3 && s.ToolErrors == 1
	})).Once()

	e, _ := newTestEngine(t, Config{}, p, Deps{Tools: testRegistry(t), Observer: obs})
	lease := newTestLease(t)

	res, err := e.Run(context.Background(), lease, "sonnet")
	require.NoError(t, err)
	assert.Equal(t, StopEnd, res.StopReason)
	assert.Equal(t, 2, res.Turns)

	msgs := lease.Messages()
	require.Len(t, msgs, 4)
	results := msgs[2].ToolResults
	require.Len(t, results, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{results[0].CallID, results[1].CallID, results[2].CallID})
	assert.False(t, results[0].IsError)
	assert.True(t, results[1].IsError)
	assert.Equal(t, "error: broken", results[1].Output)
	assert.False(t, results[2].IsError)

	obs.AssertExpectations(t)
}

func TestRun_CostCeilingStopsAfterOneCall(t *testing.T) {
	p := &mockProvider{}
	p.On("Complete", mock.Anything, mock.Anything).Return(&Completion{
		Text:       "expensive",
		StopReason: FinishToolUse,
		ToolCalls:  []session.ToolCall{toolCall("a", "ok")},
		Usage:      session.Usage{InputTokens: 1_000_000},
	}, nil)

	var recorded []CostRecord
	sink := CostSinkFunc(func(_ context.Context, rec CostRecord) error {
		recorded = append(recorded, rec)
		return nil
	})

	e, _ := newTestEngine(t, Config{MaxCost: 1}, p, Deps{Tools: testRegistry(t), Costs: sink})
	lease := newTestLease(t)

	res, err := e.Run(context.Background(), lease, "sonnet")
	require.NoError(t, err)
	assert.Equal(t, StopCostExceeded, res.StopReason)
	assert.Equal(t, "expensive", res.Text)
	assert.Equal(t, 1, res.Turns)
	p.AssertNumberOfCalls(t, "Complete", 1)

	require.Len(t, recorded, 1)
	assert.Equal(t, lease.ID(), recorded[0].SessionID)
	assert.InDelta(t, 3.0, recorded[0].CostUSD, 1e-9)

	msgs := lease.Messages()
	require.Len(t, msgs, 2)
	assert.Empty(t, msgs[1].ToolCalls)
}

func TestRun_TurnLimitForcesFinalAnswer(t *testing.T) {
	p := &mockProvider{}
	p.On("Complete", mock.Anything, mock.Anything).Return(&Completion{
		Text:       "still working",
		StopReason: FinishToolUse,
		ToolCalls:  []session.ToolCall{toolCall("x", "ok")},
	}, nil)

	e, _ := newTestEngine(t, Config{MaxTurns: 4}, p, Deps{Tools: testRegistry(t)})
	lease := newTestLease(t)

	res, err := e.Run(context.Background(), lease, "sonnet")
	require.NoError(t, err)
	assert.Equal(t, StopTurnExceeded, res.StopReason)
	assert.Equal(t, 4, res.Turns)
	assert.Equal(t, "still working", res.Text)
	p.AssertNumberOfCalls(t, "Complete", 4)

	reqs := p.seen()
	require.Len(t, reqs, 4)
	assert.NotEmpty(t, reqs[0].Tools)
	assert.Empty(t, reqs[0].Warning)
	assert.Empty(t, reqs[1].Warning)
	assert.Equal(t, LastToolsWarning, reqs[2].Warning)
	assert.NotEmpty(t, reqs[2].Tools)
	assert.False(t, reqs[2].TextOnly)
	assert.Empty(t, reqs[3].Warning)
	assert.NotEmpty(t, reqs[3].Tools)
	assert.True(t, reqs[3].TextOnly)
	assert.Empty(t, lease.PendingWarning())
}

func TestRun_SingleTurnForbidsToolUse(t *testing.T) {
	p := &mockProvider{}
	p.On("Complete", mock.Anything, mock.Anything).Return(&Completion{Text: "ok", StopReason: FinishEnd}, nil)

	e, _ := newTestEngine(t, Config{MaxTurns: 1}, p, Deps{Tools: testRegistry(t)})
	res, err := e.Run(context.Background(), newTestLease(t), "sonnet")
	require.NoError(t, err)
	assert.Equal(t, StopEnd, res.StopReason)
	assert.NotEmpty(t, p.seen()[0].Tools)
	assert.True(t, p.seen()[0].TextOnly)
}

func TestRun_RetriesTransientWithGrowingBackoff(t *testing.T) {
	p := &mockProvider{}
	transient := &ProviderError{Provider: "mock", StatusCode: 529, Transient: true, Err: errors.New("overloaded")}
	p.On("Complete", mock.Anything, mock.Anything).Return(nil, transient).Twice()
	p.On("Complete", mock.Anything, mock.Anything).Return(&Completion{Text: "ok", StopReason: FinishEnd}, nil).Once()

	e, rec := newTestEngine(t, Config{RetryAttempts: 2, RetryBase: 2 * time.Second, RetryMax: 30 * time.Second}, p, Deps{})
	res, err := e.Run(context.Background(), newTestLease(t), "sonnet")
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Text)
	p.AssertNumberOfCalls(t, "Complete", 3)

	require.Len(t, rec.delays, 2)
	assert.Equal(t, 2500*time.Millisecond, rec.delays[0])
	assert.Equal(t, 5*time.Second, rec.delays[1])
}

func TestRun_RetriesExhausted(t *testing.T) {
	p := &mockProvider{}
	transient := &ProviderError{Provider: "mock", StatusCode: 503, Transient: true, Err: errors.New("unavailable")}
	p.On("Complete", mock.Anything, mock.Anything).Return(nil, transient)

	e, rec := newTestEngine(t, Config{RetryAttempts: 2}, p, Deps{})
	lease := newTestLease(t)

	_, err := e.Run(context.Background(), lease, "sonnet")
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	p.AssertNumberOfCalls(t, "Complete", 3)
	assert.Len(t, rec.delays, 2)
	assert.Len(t, lease.Messages(), 1)
}

func TestRun_PermanentErrorNotRetried(t *testing.T) {
	p := &mockProvider{}
	permanent := &ProviderError{Provider: "mock", StatusCode: 400, Err: errors.New("bad request")}
	p.On("Complete", mock.Anything, mock.Anything).Return(nil, permanent)

	e, rec := newTestEngine(t, Config{RetryAttempts: 2}, p, Deps{})
	_, err := e.Run(context.Background(), newTestLease(t), "sonnet")
	require.Error(t, err)
	assert.False(t, IsTransient(err))
	p.AssertNumberOfCalls(t, "Complete", 1)
	assert.Empty(t, rec.delays)
}

func TestRun_CallTimeoutIsTransient(t *testing.T) {
	p := &mockProvider{}
	p.On("Complete", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return(nil, context.DeadlineExceeded)

	e, _ := newTestEngine(t, Config{CallTimeout: 20 * time.Millisecond, RetryAttempts: 1}, p, Deps{})
	_, err := e.Run(context.Background(), newTestLease(t), "sonnet")
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Contains(t, err.Error(), "timed out")
	p.AssertNumberOfCalls(t, "Complete", 2)
}

func TestRun_UnknownModel(t *testing.T) {
	p := &mockProvider{}
	e, _ := newTestEngine(t, Config{}, p, Deps{})
	_, err := e.Run(context.Background(), newTestLease(t), "gpt-nonexistent")
	assert.Error(t, err)
	p.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything)
}

func TestRun_ClearsStaleWarningAndPassesContext(t *testing.T) {
	p := &mockProvider{}
	p.On("Complete", mock.Anything, mock.Anything).Return(&Completion{Text: "ok", StopReason: FinishEnd}, nil)

	blocks := ContextSourceFunc(func(context.Context) ([]ContextBlock, error) {
		return []ContextBlock{{Name: "SOUL.md", Text: "calm", Cacheable: true}}, nil
	})
	e, _ := newTestEngine(t, Config{}, p, Deps{Context: blocks})
	lease := newTestLease(t)
	require.NoError(t, lease.SetPendingWarning("left over"))

	_, err := e.Run(context.Background(), lease, "sonnet")
	require.NoError(t, err)

	req := p.seen()[0]
	assert.Empty(t, req.Warning)
	require.Len(t, req.Context, 1)
	assert.Equal(t, "calm", req.Context[0].Text)
}

func TestSummarizer(t *testing.T) {
	p := &mockProvider{}
	p.On("Complete", mock.Anything, mock.MatchedBy(func(r Request) bool {
		return r.System == summaryInstruction && len(r.Messages) == 1 && len(r.Tools) == 0
	})).Return(&Completion{Text: "  they talked about cats  ", StopReason: FinishEnd}, nil)

	e, _ := newTestEngine(t, Config{}, p, Deps{})
	sum := NewSummarizer(e, "sonnet")

	text, err := sum.Summarize(context.Background(), []session.Entry{session.UserEntry("cats?", nil)})
	require.NoError(t, err)
	assert.Equal(t, "they talked about cats", text)

	var _ session.Summarizer = sum
}
