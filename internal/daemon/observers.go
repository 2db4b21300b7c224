package daemon

import (
	"context"

	"github.com/harun/aide/internal/observability"
	"github.com/harun/aide/pkg/agent"
	"github.com/harun/aide/pkg/memory"
)

// memoryContext serves workspace memory blocks to the engine.
type memoryContext struct {
	store *memory.Store
}

func (m memoryContext) ContextBlocks(ctx context.Context) ([]agent.ContextBlock, error) {
	blocks, err := m.store.ContextBlocks(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]agent.ContextBlock, 0, len(blocks))
	for _, b := range blocks {
		out = append(out, agent.ContextBlock{Name: b.Name, Text: b.Text, Cacheable: b.Cacheable})
	}
	return out, nil
}

// auditObserver mirrors turn events into the audit trail.
type auditObserver struct {
	audit *observability.AuditLogger
}

func (a auditObserver) OnResponse(ctx context.Context, stats agent.TurnStats) {
	a.audit.Record(ctx, observability.AuditEvent{
		Type:      "turn",
		Action:    "response",
		SessionID: stats.SessionID,
		Status:    stats.StopReason,
		Metadata: map[string]any{
			"model":           stats.Model,
			"turn":            stats.Turn,
			"input_tokens":    stats.Usage.InputTokens,
			"output_tokens":   stats.Usage.OutputTokens,
			"turn_cost":       stats.TurnCost,
			"cumulative_cost": stats.CumulativeCost,
			"tool_calls":      stats.ToolCalls,
		},
	})
}

func (a auditObserver) OnToolResults(ctx context.Context, stats agent.TurnStats) {
	status := "success"
	if stats.ToolErrors > 0 {
		status = "error"
	}
	a.audit.Record(ctx, observability.AuditEvent{
		Type:      "tool",
		Action:    "tool_results",
		SessionID: stats.SessionID,
		Status:    status,
		Metadata: map[string]any{
			"turn":        stats.Turn,
			"tools":       stats.ToolCalls,
			"errors":      stats.ToolErrors,
			"duration_ms": stats.Duration.Milliseconds(),
		},
	})
}
