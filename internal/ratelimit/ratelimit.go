// Package ratelimit throttles the chat surface: per-user chat submissions
// and admin console calls, per-IP public endpoints (health probes, metrics),
// and concurrent WebSocket connections per user. MessageLimiter is a sliding
// window keyed by whatever the caller limits on (user ID or client IP);
// ConnectionLimiter is a plain concurrent-count cap.
package ratelimit

import (
	"sync"
	"time"
)

// defaultCleanupInterval bounds how long expired window entries can linger
// before the background sweep reclaims them.
const defaultCleanupInterval = 5 * time.Minute

// ConnectionLimiter caps concurrent WebSocket connections per user.
type ConnectionLimiter struct {
	connections map[string]int // user ID -> live connection count
	maxPerUser  int
	mu          sync.RWMutex
}

// NewConnectionLimiter creates a limiter allowing maxPerUser concurrent
// connections for each user.
func NewConnectionLimiter(maxPerUser int) *ConnectionLimiter {
	return &ConnectionLimiter{
		connections: make(map[string]int),
		maxPerUser:  maxPerUser,
	}
}

// Allow admits one more connection for the user, or reports the cap is hit.
// Every true return must be paired with a Release when the connection ends.
func (cl *ConnectionLimiter) Allow(userID string) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	count := cl.connections[userID]
	if count >= cl.maxPerUser {
		return false
	}

	cl.connections[userID] = count + 1
	return true
}

// Release returns one connection slot to the user.
func (cl *ConnectionLimiter) Release(userID string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	count, ok := cl.connections[userID]
	// No else needed: releasing an untracked user is a no-op
	if !ok {
		return
	}
	if count <= 1 {
		delete(cl.connections, userID)
	} else {
		cl.connections[userID] = count - 1
	}
}

// GetCount returns the live connection count for a user.
func (cl *ConnectionLimiter) GetCount(userID string) int {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return cl.connections[userID]
}

// MessageLimiter enforces a sliding-window request rate per key. The chat
// and admin middlewares key it by user ID; the public-endpoint middleware
// keys it by client IP.
type MessageLimiter struct {
	events map[string][]time.Time // key -> request timestamps inside the window
	window time.Duration
	limit  int
	mu     sync.RWMutex

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	cleanupWg       sync.WaitGroup
}

// NewMessageLimiter creates a sliding-window limiter allowing limit
// requests per key within the window.
func NewMessageLimiter(window time.Duration, limit int) *MessageLimiter {
	return &MessageLimiter{
		events:          make(map[string][]time.Time),
		window:          window,
		limit:           limit,
		cleanupInterval: defaultCleanupInterval,
		stopCleanup:     make(chan struct{}),
	}
}

// Allow records a request for the key and reports whether it fits inside
// the window. A false return consumes nothing.
func (ml *MessageLimiter) Allow(key string) bool {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-ml.window)

	var recent []time.Time
	for _, t := range ml.events[key] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	// No else needed: early return pattern (guard clause)
	if len(recent) >= ml.limit {
		ml.events[key] = recent
		return false
	}

	ml.events[key] = append(recent, now)
	return true
}

// GetRetryAfter returns how many milliseconds until the key's oldest
// in-window request expires and a new one would be admitted. Zero when the
// key is under the limit.
func (ml *MessageLimiter) GetRetryAfter(key string) int {
	ml.mu.RLock()
	defer ml.mu.RUnlock()

	events := ml.events[key]
	// No else needed: early return pattern (guard clause)
	if len(events) < ml.limit {
		return 0
	}

	now := time.Now()
	cutoff := now.Add(-ml.window)

	var oldest time.Time
	for _, t := range events {
		if t.After(cutoff) && (oldest.IsZero() || t.Before(oldest)) {
			oldest = t
		}
	}
	if oldest.IsZero() {
		return 0
	}

	retryAfter := oldest.Add(ml.window).Sub(now)
	if retryAfter < 0 {
		return 0
	}
	return int(retryAfter.Milliseconds())
}

// Reset forgets the key's window entirely.
func (ml *MessageLimiter) Reset(key string) {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	delete(ml.events, key)
}

// Cleanup drops expired window entries so idle keys do not accumulate.
// StartCleanup runs this on a ticker; it is also safe to call directly.
func (ml *MessageLimiter) Cleanup() {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	cutoff := time.Now().Add(-ml.window)

	for key, events := range ml.events {
		var recent []time.Time
		for _, t := range events {
			if t.After(cutoff) {
				recent = append(recent, t)
			}
		}
		if len(recent) == 0 {
			delete(ml.events, key)
		} else {
			ml.events[key] = recent
		}
	}
}

// StartCleanup launches the background sweep goroutine. Pair with
// StopCleanup at service shutdown.
func (ml *MessageLimiter) StartCleanup() {
	ml.cleanupWg.Add(1)
	go func() {
		defer ml.cleanupWg.Done()
		ticker := time.NewTicker(ml.cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				ml.Cleanup()
			case <-ml.stopCleanup:
				return
			}
		}
	}()
}

// StopCleanup stops the sweep goroutine and waits for it to exit.
// Safe to call more than once.
func (ml *MessageLimiter) StopCleanup() {
	ml.stopOnce.Do(func() {
		close(ml.stopCleanup)
	})
	ml.cleanupWg.Wait()
}
