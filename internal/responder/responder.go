// Package responder produces AI answers for chat sessions through the Dify
// chat-messages API. It owns retries, metrics and the upstream
// conversation threading; the decision of WHETHER to answer (the
// escalation gate) belongs to the handoff controller.
package responder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/real-rm/golog"

	"github.com/real-rm/handoff/internal/metrics"
	"github.com/real-rm/handoff/internal/util"
)

// ErrNotConfigured is returned when no upstream client is wired.
var ErrNotConfigured = errors.New("AI upstream not configured")

// Reply is one complete upstream answer.
type Reply struct {
	Answer         string
	ConversationID string
	TokensUsed     int
	Duration       time.Duration
}

// Client is the upstream API surface the service depends on.
type Client interface {
	Send(ctx context.Context, userID, conversationID, query string) (*Reply, error)
}

// Service wraps the upstream client with retry and metrics.
type Service struct {
	client Client
	logger *golog.Logger
}

// NewService creates a responder service around the given client.
func NewService(client Client, logger *golog.Logger) *Service {
	return &Service{
		client: client,
		logger: logger,
	}
}

// Respond sends one query upstream with retry logic and exponential backoff.
// conversationID threads the exchange; "" starts a new upstream conversation.
func (s *Service) Respond(ctx context.Context, userID, conversationID, query string) (*Reply, error) {
	// No else needed: early return pattern (guard clause)
	if s.client == nil {
		return nil, ErrNotConfigured
	}

	var lastErr error
	maxRetries := 3
	baseDelay := 1 * time.Second
	traceID := util.TraceIDFromContext(ctx)

	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			// Calculate exponential backoff delay
			delay := baseDelay * time.Duration(1<<uint(attempt-1))
			if delay > 30*time.Second {
				delay = 30 * time.Second // Cap at 30 seconds
			}

			s.logger.Info("Retrying upstream request", "attempt", attempt+1, "delay", delay, "trace_id", traceID)

			// Wait before retry
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		metrics.UpstreamRequests.Inc()

		startTime := time.Now()
		reply, err := s.client.Send(ctx, userID, conversationID, query)
		duration := time.Since(startTime)

		metrics.UpstreamLatency.Observe(duration.Seconds())

		if err == nil {
			if reply.Duration == 0 {
				reply.Duration = duration
			}

			s.logger.Info("Upstream request successful",
				"duration", duration,
				"tokens", reply.TokensUsed,
				"new_conversation", conversationID == "")
			return reply, nil
		}

		lastErr = err

		metrics.UpstreamErrors.Inc()

		s.logger.Warn("Upstream request failed", "attempt", attempt+1, "trace_id", traceID, "error", err)

		// Check if error is retryable
		if !isRetryableError(err) {
			return nil, fmt.Errorf("non-retryable error: %w", err)
		}
	}

	s.logger.Error("Upstream request failed after all retries", "max_retries", maxRetries, "trace_id", traceID, "error", lastErr)
	return nil, fmt.Errorf("failed after %d attempts: %w", maxRetries, lastErr)
}

// isRetryableError determines if an error should trigger a retry
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	errStr := err.Error()

	// Network errors are retryable
	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "temporary failure") ||
		strings.Contains(errStr, "EOF") {
		return true
	}

	// HTTP 5xx errors are retryable
	if strings.Contains(errStr, "status 5") {
		return true
	}

	// Rate limit errors (429) are retryable
	if strings.Contains(errStr, "status 429") ||
		strings.Contains(errStr, "rate limit") {
		return true
	}

	// Service unavailable errors are retryable
	if strings.Contains(errStr, "unavailable") ||
		strings.Contains(errStr, "overloaded") {
		return true
	}

	// Default to non-retryable for unknown errors
	return false
}
