package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/harun/aide/internal/tracing"
	"github.com/harun/aide/pkg/session"
)

const summaryInstruction = "You compress conversation history. Summarize the transcript below " +
	"so the assistant can continue the conversation without it. Keep names, dates, decisions, " +
	"open tasks and facts the user shared. Write plain prose, no preamble."

// Summarizer compacts session prefixes with a configured model.
type Summarizer struct {
	engine *Engine
	model  string
}

// NewSummarizer returns a session.Summarizer that calls model through e.
func NewSummarizer(e *Engine, model string) *Summarizer {
	return &Summarizer{engine: e, model: model}
}

// Summarize implements session.Summarizer.
func (s *Summarizer) Summarize(ctx context.Context, messages []session.Entry) (string, error) {
	spec, provider, err := s.engine.deps.Catalog.Lookup(s.model)
	if err != nil {
		return "", err
	}
	req := Request{
		Model:     spec.Remote,
		MaxTokens: spec.MaxTokens,
		System:    summaryInstruction,
		Messages:  []session.Entry{session.UserEntry(session.RenderTranscript(messages), nil)},
	}
	comp, err := s.engine.complete(ctx, provider, req, s.engine.logger)
	if err != nil {
		return "", fmt.Errorf("failed to summarize: %w", err)
	}
	s.engine.recordCost(ctx, tracing.GetSessionID(ctx), s.model, comp.Usage, spec.Pricing.Cost(comp.Usage), s.engine.logger)

	text := strings.TrimSpace(comp.Text)
	if text == "" {
		return "", fmt.Errorf("failed to summarize: empty summary")
	}
	return text, nil
}
