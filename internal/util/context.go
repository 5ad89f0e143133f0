// Package util holds the small shared helpers of the handoff service:
// bounded contexts, panic-recovered goroutines, auth header parsing, and
// the structured-logging conventions the packages agree on.
package util

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"
)

// contextKey is an unexported type for context keys in this package.
type contextKey string

// traceIDKey carries the per-turn trace ID attached to upstream AI calls.
const traceIDKey contextKey = "trace_id"

// NewTimeoutContext creates a context bounded by the given timeout. Every
// store operation and upstream AI turn runs under one of these.
//
//	ctx, cancel := util.NewTimeoutContext(constants.UpstreamTimeout)
//	defer cancel()
func NewTimeoutContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}

// NewDefaultTimeoutContext creates a context with a 10-second budget, the
// default for one-off database operations without a configured timeout.
func NewDefaultTimeoutContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}

// NewContextWithTraceID attaches a generated trace ID to the context. The
// controller tags each upstream AI turn this way so the responder's retry
// and failure logs correlate back to the submission that triggered them.
func NewContextWithTraceID(parent context.Context) context.Context {
	return context.WithValue(parent, traceIDKey, generateTraceID())
}

// ContextWithTraceID attaches the provided trace ID to the context.
func ContextWithTraceID(parent context.Context, traceID string) context.Context {
	return context.WithValue(parent, traceIDKey, traceID)
}

// TraceIDFromContext returns the context's trace ID, or "" when unset.
func TraceIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(traceIDKey).(string); ok {
		return id
	}
	return ""
}

// generateTraceID creates a random 16-byte hex trace ID.
func generateTraceID() string {
	b := make([]byte, 16)
	// No else needed: fallback logic for rare error case
	if _, err := rand.Read(b); err != nil {
		return "00000000000000000000000000000000"
	}
	return hex.EncodeToString(b)
}
