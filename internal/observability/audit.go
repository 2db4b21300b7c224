package observability

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// AuditEvent is one line of the daemon's audit trail.
type AuditEvent struct {
	Type      string         `json:"type"`   // turn, tool, session, delivery
	Action    string         `json:"action"` // e.g. "response", "tool_results", "compacted"
	SessionID string         `json:"session_id,omitempty"`
	Status    string         `json:"status"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// AuditLogger writes audit events as JSON lines and mirrors them as span events.
type AuditLogger struct {
	mu     sync.Mutex
	logger zerolog.Logger
	closer io.Closer
}

// NewAuditLogger appends to path, creating its directory if needed.
func NewAuditLogger(path string) (*AuditLogger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	return &AuditLogger{
		logger: zerolog.New(file),
		closer: file,
	}, nil
}

// NewAuditLoggerWriter is used by tests and by callers that already own a writer.
func NewAuditLoggerWriter(w io.Writer) *AuditLogger {
	return &AuditLogger{logger: zerolog.New(w)}
}

// Record writes event. Nil receivers are no-ops.
func (a *AuditLogger) Record(ctx context.Context, event AuditEvent) {
	if a == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	var traceID string
	span := trace.SpanFromContext(ctx)
	if sc := span.SpanContext(); sc.IsValid() {
		traceID = sc.TraceID().String()
		span.AddEvent(event.Type+"."+event.Action, trace.WithAttributes(
			attribute.String("audit.status", event.Status),
			attribute.String("audit.session_id", event.SessionID),
		))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	entry := a.logger.Log().
		Time("ts", event.Timestamp).
		Str("type", event.Type).
		Str("action", event.Action).
		Str("status", event.Status)
	if event.SessionID != "" {
		entry = entry.Str("session_id", event.SessionID)
	}
	if traceID != "" {
		entry = entry.Str("trace_id", traceID)
	}
	if len(event.Metadata) > 0 {
		entry = entry.Interface("metadata", event.Metadata)
	}
	entry.Send()
}

// Close closes the audit logger's file handle
func (a *AuditLogger) Close() error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closer != nil {
		err := a.closer.Close()
		a.closer = nil
		return err
	}
	return nil
}
