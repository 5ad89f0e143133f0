package notification

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Property: Notification Rate Limiting
// For any alert key, the rate limiter allows at most `limit` events per
// window, and recovers once the window has passed.
func TestProperty_NotificationRateLimiting(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("at most limit events pass within a window", prop.ForAll(
		func(limit, attempts int) bool {
			rl := NewRateLimiter(10*time.Second, limit)

			allowed := 0
			for i := 0; i < attempts; i++ {
				if rl.Allow("key") {
					allowed++
				}
			}

			expected := attempts
			if limit < attempts {
				expected = limit
			}
			return allowed == expected
		},
		gen.IntRange(1, 10),
		gen.IntRange(1, 30),
	))

	properties.Property("window expiry resets the budget", prop.ForAll(
		func(limit int) bool {
			rl := NewRateLimiter(50*time.Millisecond, limit)

			for i := 0; i < limit; i++ {
				if !rl.Allow("key") {
					return false
				}
			}
			if rl.Allow("key") {
				return false
			}

			time.Sleep(80 * time.Millisecond)
			return rl.Allow("key")
		},
		gen.IntRange(1, 5),
	))

	properties.Property("keys are limited independently", prop.ForAll(
		func(limit int, keyA, keyB string) bool {
			if keyA == keyB {
				return true
			}
			rl := NewRateLimiter(10*time.Second, limit)

			for i := 0; i < limit; i++ {
				rl.Allow(keyA)
			}
			// keyA is exhausted, keyB must be untouched
			return !rl.Allow(keyA) && rl.Allow(keyB)
		},
		gen.IntRange(1, 5),
		gen.Identifier(),
		gen.Identifier(),
	))

	properties.TestingRun(t)
}

// Property: Notification Content Completeness
// For any user and session, the staff alert body must carry the facts an
// admin needs: who asked for help and which session to open.
func TestProperty_NotificationContentCompleteness(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("escalation body names the user and session", prop.ForAll(
		func(userID, sessionID string) bool {
			body := buildEscalationHTML(userID, "", sessionID, "")
			return strings.Contains(body, userID) && strings.Contains(body, sessionID)
		},
		gen.Identifier(),
		gen.Identifier(),
	))

	properties.Property("console link targets the escalated session", prop.ForAll(
		func(sessionID string) bool {
			consoleURL := "https://console.example.com/sessions"
			body := buildEscalationHTML("user-1", "", sessionID, consoleURL)
			return strings.Contains(body, fmt.Sprintf("%s/%s", consoleURL, sessionID))
		},
		gen.Identifier(),
	))

	properties.Property("email display name wins over user ID", prop.ForAll(
		func(userID, email string) bool {
			if email == "" {
				return displayName(email, userID) == userID
			}
			return displayName(email, userID) == email
		},
		gen.Identifier(),
		gen.OneGenOf(gen.Const(""), gen.Identifier()),
	))

	properties.TestingRun(t)
}
