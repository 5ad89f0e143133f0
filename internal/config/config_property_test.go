package config

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/real-rm/handoff/internal/constants"
)

// Property: Port Validation
// Validation accepts a port if and only if it falls in the TCP range 1..65535.
func TestProperty_PortValidation(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("ports in range pass, out of range fail", prop.ForAll(
		func(port int) bool {
			s := validSettings()
			s.Server.Port = port

			err := s.Validate()
			inRange := port >= 1 && port <= 65535
			if inRange {
				return err == nil
			}
			return err != nil && strings.Contains(err.Error(), "port")
		},
		gen.IntRange(-1000, 100000),
	))

	properties.TestingRun(t)
}

// Property: JWT Secret Strength
// Random alphanumeric secrets pass validation exactly when they reach the
// minimum length; anything shorter is rejected.
func TestProperty_JWTSecretLength(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("secret length gates validation", prop.ForAll(
		func(secret string) bool {
			s := validSettings()
			s.Server.JWTSecret = secret

			err := s.Validate()

			// Weak substrings are rejected regardless of length.
			lower := strings.ToLower(secret)
			for _, weak := range constants.WeakSecrets {
				if strings.Contains(lower, weak) {
					return err != nil
				}
			}

			if len(secret) >= constants.MinJWTSecretLength {
				return err == nil
			}
			return err != nil
		},
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

// Property: Origin List Parsing
// splitList never returns empty entries and never mangles a well-formed item.
func TestProperty_SplitListClean(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("no empty or padded entries", prop.ForAll(
		func(items []string) bool {
			joined := strings.Join(items, ",")
			result := splitList(joined)
			for _, entry := range result {
				if entry == "" || entry != strings.TrimSpace(entry) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.Property("well-formed items survive the round trip", prop.ForAll(
		func(a, b string) bool {
			if a == "" || b == "" || strings.Contains(a, ",") || strings.Contains(b, ",") {
				return true
			}
			result := splitList(a + ", " + b)
			return len(result) == 2 && result[0] == a && result[1] == b
		},
		gen.Identifier(),
		gen.Identifier(),
	))

	properties.TestingRun(t)
}
