package agent

import (
	"context"
	"time"

	"github.com/harun/aide/pkg/session"
)

const perMillion = 1_000_000.0

// Cost prices usage at p.
func (p Pricing) Cost(u session.Usage) float64 {
	return (float64(u.InputTokens)*p.Input +
		float64(u.OutputTokens)*p.Output +
		float64(u.CacheReadTokens)*p.CacheRead +
		float64(u.CacheWriteTokens)*p.CacheWrite) / perMillion
}

// CostRecord is one priced provider call.
type CostRecord struct {
	Timestamp time.Time
	SessionID string
	Model     string
	Usage     session.Usage
	CostUSD   float64
}

// CostSink persists cost records.
type CostSink interface {
	RecordCost(ctx context.Context, rec CostRecord) error
}

// CostSinkFunc adapts a function to CostSink.
type CostSinkFunc func(ctx context.Context, rec CostRecord) error

func (f CostSinkFunc) RecordCost(ctx context.Context, rec CostRecord) error { return f(ctx, rec) }
