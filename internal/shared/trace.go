// Package shared holds the small context-key helpers cmd/oceand's request
// handling threads through to its structured logger: a trace id correlating
// one HTTP request end to end, plus the run/session ids a log
// line is about.
package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type sessionIDKey struct{}
type runIDKey struct{}
type instanceIDKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithSessionID attaches a session_id to the context.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey{}, sessionID)
}

// SessionID extracts session_id from context. Returns "" if absent.
func SessionID(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithRunID attaches a run_id to the context.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunID extracts run_id from context. Returns "" if absent.
func RunID(ctx context.Context) string {
	if v, ok := ctx.Value(runIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithInstanceID attaches the owning process's instance_id to the context.
func WithInstanceID(ctx context.Context, instanceID string) context.Context {
	return context.WithValue(ctx, instanceIDKey{}, instanceID)
}

// InstanceID extracts instance_id from context. Returns "" if absent.
func InstanceID(ctx context.Context) string {
	if v, ok := ctx.Value(instanceIDKey{}).(string); ok {
		return v
	}
	return ""
}
