package agent

import (
	"context"
	"encoding/json"
	"time"

	"github.com/harun/aide/pkg/session"
	"github.com/harun/aide/pkg/tools"
)

// StopReason classifies how a Run ended.
type StopReason string

const (
	StopNone         StopReason = "none"
	StopEnd          StopReason = "end"
	StopToolUse      StopReason = "tool_use"
	StopTurnExceeded StopReason = "turn_exceeded"
	StopCostExceeded StopReason = "cost_exceeded"
	StopError        StopReason = "error"
)

// Completion stop reasons reported by providers.
const (
	FinishEnd       = "end"
	FinishToolUse   = "tool_use"
	FinishMaxTokens = "max_tokens"
)

// ContextBlock is a tier of background context placed before the conversation.
type ContextBlock struct {
	Name      string
	Text      string
	Cacheable bool
}

// Request is the backend-neutral input of one provider call.
type Request struct {
	// Model is the upstream model identifier.
	Model     string
	MaxTokens int
	System    string
	Context   []ContextBlock
	Messages  []session.Entry
	Tools     []tools.Descriptor
	// TextOnly keeps the tool definitions but forbids calling them.
	TextOnly bool
	// Warning is a one-time notice appended after the conversation.
	Warning string
}

// Completion is the backend-neutral result of one provider call.
type Completion struct {
	Text       string
	Reasoning  string
	ToolCalls  []session.ToolCall
	StopReason string
	Usage      session.Usage
}

// Result is what a Run hands back.
type Result struct {
	Text           string
	Usage          session.Usage
	CumulativeCost float64
	StopReason     StopReason
	Turns          int
	Model          string
}

// TurnStats is passed to observers after each response and each tool batch.
type TurnStats struct {
	SessionID      string
	Model          string
	Turn           int
	StopReason     string
	Usage          session.Usage
	TurnCost       float64
	CumulativeCost float64
	ToolCalls      []string
	ToolErrors     int
	Duration       time.Duration
}

// Observer receives turn events synchronously. Implementations must return quickly.
type Observer interface {
	OnResponse(ctx context.Context, stats TurnStats)
	OnToolResults(ctx context.Context, stats TurnStats)
}

// Observers fans events out in order.
type Observers []Observer

func (o Observers) OnResponse(ctx context.Context, stats TurnStats) {
	for _, obs := range o {
		obs.OnResponse(ctx, stats)
	}
}

func (o Observers) OnToolResults(ctx context.Context, stats TurnStats) {
	for _, obs := range o {
		obs.OnToolResults(ctx, stats)
	}
}

// Conversation is the slice of a session a Run needs. *session.Lease implements it.
type Conversation interface {
	ID() string
	Messages() []session.Entry
	Append(ctx context.Context, entry session.Entry) error
	RecordUsage(u session.Usage) error
	PendingWarning() string
	SetPendingWarning(w string) error
}

// ToolExecutor runs tools. *tools.Registry implements it.
type ToolExecutor interface {
	Descriptors() []tools.Descriptor
	Execute(ctx context.Context, name string, args json.RawMessage) tools.Outcome
}

// ContextSource supplies background context blocks.
type ContextSource interface {
	ContextBlocks(ctx context.Context) ([]ContextBlock, error)
}

// ContextSourceFunc adapts a function to ContextSource.
type ContextSourceFunc func(ctx context.Context) ([]ContextBlock, error)

func (f ContextSourceFunc) ContextBlocks(ctx context.Context) ([]ContextBlock, error) {
	return f(ctx)
}
