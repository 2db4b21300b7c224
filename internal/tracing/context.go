package tracing

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	TraceIDKey   ContextKey = "trace_id"
	RunIDKey     ContextKey = "run_id"
	SessionIDKey ContextKey = "session_id"
	SenderKeyKey ContextKey = "sender_key"
	SourceKey    ContextKey = "source"
)

// TraceContext holds the identifiers carried through one processed item.
type TraceContext struct {
	TraceID   string
	RunID     string
	SessionID string
	SenderKey string
	Source    string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// NewRunID generates a new run ID
func NewRunID() string {
	return uuid.New().String()
}

func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, TraceIDKey, id)
}

func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RunIDKey, id)
}

func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, SessionIDKey, id)
}

func WithSenderKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, SenderKeyKey, key)
}

func WithSource(ctx context.Context, source string) context.Context {
	return context.WithValue(ctx, SourceKey, source)
}

func value(ctx context.Context, key ContextKey) string {
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

func GetTraceID(ctx context.Context) string   { return value(ctx, TraceIDKey) }
func GetRunID(ctx context.Context) string     { return value(ctx, RunIDKey) }
func GetSessionID(ctx context.Context) string { return value(ctx, SessionIDKey) }
func GetSenderKey(ctx context.Context) string { return value(ctx, SenderKeyKey) }
func GetSource(ctx context.Context) string    { return value(ctx, SourceKey) }

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:   GetTraceID(ctx),
		RunID:     GetRunID(ctx),
		SessionID: GetSessionID(ctx),
		SenderKey: GetSenderKey(ctx),
		Source:    GetSource(ctx),
	}
}

// NewContext copies the non-empty fields of tc into ctx.
func NewContext(ctx context.Context, tc *TraceContext) context.Context {
	if tc.TraceID != "" {
		ctx = WithTraceID(ctx, tc.TraceID)
	}
	if tc.RunID != "" {
		ctx = WithRunID(ctx, tc.RunID)
	}
	if tc.SessionID != "" {
		ctx = WithSessionID(ctx, tc.SessionID)
	}
	if tc.SenderKey != "" {
		ctx = WithSenderKey(ctx, tc.SenderKey)
	}
	if tc.Source != "" {
		ctx = WithSource(ctx, tc.Source)
	}
	return ctx
}

// NewItemContext starts a trace for one inbound item.
func NewItemContext(ctx context.Context, source, senderKey string) context.Context {
	ctx = WithTraceID(ctx, NewTraceID())
	ctx = WithSource(ctx, source)
	return WithSenderKey(ctx, senderKey)
}

// Detach returns a context that keeps the tracing values of ctx but not its
// deadline or cancellation.
func Detach(ctx context.Context) context.Context {
	return NewContext(context.Background(), FromContext(ctx))
}

// LoggerFromContext adds the tracing fields present in ctx to base.
func LoggerFromContext(ctx context.Context, base zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)
	c := base.With()
	if tc.TraceID != "" {
		c = c.Str("trace_id", tc.TraceID)
	}
	if tc.RunID != "" {
		c = c.Str("run_id", tc.RunID)
	}
	if tc.SessionID != "" {
		c = c.Str("session_id", tc.SessionID)
	}
	if tc.SenderKey != "" {
		c = c.Str("sender_key", tc.SenderKey)
	}
	if tc.Source != "" {
		c = c.Str("source", tc.Source)
	}
	return c.Logger()
}
