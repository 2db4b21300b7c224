package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/harun/aide/internal/observability"
	"github.com/harun/aide/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Summarizer condenses a run of messages into prose.
type Summarizer interface {
	Summarize(ctx context.Context, messages []Entry) (string, error)
}

// SummarizerFunc adapts a function to Summarizer.
type SummarizerFunc func(ctx context.Context, messages []Entry) (string, error)

func (f SummarizerFunc) Summarize(ctx context.Context, messages []Entry) (string, error) {
	return f(ctx, messages)
}

// CompactCount returns how many leading messages a compaction of n messages replaces.
func CompactCount(n int) int {
	return n * 2 / 3
}

// MaybeCompact replaces the oldest two thirds of s's messages with a single
// summary note when the last call's input tokens exceeded the threshold. It
// reports whether a compaction happened. On summarizer failure the session
// is left untouched.
func (m *Manager) MaybeCompact(ctx context.Context, s *Session, sum Summarizer) (bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	m.mu.Lock()
	over := s.LastTurnUsage.InputTokens > m.threshold
	count := CompactCount(len(s.Messages))
	prefix := append([]Entry(nil), s.Messages[:count]...)
	m.mu.Unlock()

	if !over || count == 0 {
		return false, nil
	}

	ctx, span := tracing.StartSpan(ctx, "aide.session", "session.compact",
		attribute.String("session_id", s.ID),
		attribute.Int("replaced", count),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, m.logger).With().Str("session_id", s.ID).Logger()

	summary, err := sum.Summarize(ctx, prefix)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, fmt.Errorf("failed to summarize session: %w", err)
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		summary = "(no summary available)"
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	note := SystemNote(SummaryTag, summary)
	note.At = m.now().UTC()

	before := s.CompactionCount
	commit := func() {
		rest := s.Messages[count:]
		s.Messages = append([]Entry{note}, rest...)
		s.CompactionCount++
		s.LastTurnUsage = Usage{}
	}
	if err := m.persist(s, logRecord{Type: recordCompaction, Entry: &note, Replaced: count}, commit); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return s.CompactionCount > before, fmt.Errorf("failed to persist compaction: %w", err)
	}

	observability.RecordCompaction()
	logger.Info().
		Int("replaced", count).
		Int("remaining", len(s.Messages)).
		Int("compactions", s.CompactionCount).
		Msg("Session compacted")
	return true, nil
}

// RenderTranscript formats messages as plain text for a summarizer prompt.
func RenderTranscript(messages []Entry) string {
	var b strings.Builder
	for _, e := range messages {
		switch e.Role {
		case RoleUser:
			b.WriteString("User: ")
			b.WriteString(e.Text)
			if len(e.Images) > 0 {
				fmt.Fprintf(&b, " [%d image(s)]", len(e.Images))
			}
		case RoleAssistant:
			b.WriteString("Assistant: ")
			b.WriteString(e.Text)
			for _, c := range e.ToolCalls {
				fmt.Fprintf(&b, "\n  [called %s %s]", c.Name, string(c.Arguments))
			}
		case RoleToolResults:
			for i, r := range e.ToolResults {
				if i > 0 {
					b.WriteString("\n")
				}
				status := "result"
				if r.IsError {
					status = "error"
				}
				fmt.Fprintf(&b, "Tool %s: %s", status, r.Output)
			}
		case RoleSystemNote:
			fmt.Fprintf(&b, "Note (%s): %s", e.Tag, e.Text)
		}
		b.WriteString("\n")
	}
	return b.String()
}
