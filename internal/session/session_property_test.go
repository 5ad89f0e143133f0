package session

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// rank orders the lifecycle: ai < escalated < closed.
func rank(s State) int {
	switch s {
	case StateAI:
		return 0
	case StateEscalated:
		return 1
	default:
		return 2
	}
}

// Property: Lifecycle Monotonicity
// A transition is allowed exactly when it does not move backward in the
// lifecycle order, so a closed session can never reopen and an escalated
// session can never fall back to the AI.
func TestProperty_LifecycleMonotonicity(t *testing.T) {
	properties := gopter.NewProperties(nil)

	genState := gen.OneConstOf(StateAI, StateEscalated, StateClosed)

	properties.Property("transitions never move backward", prop.ForAll(
		func(from, to State) bool {
			allowed := from.CanTransition(to)
			// ai -> closed skips a step and is explicitly permitted, so the
			// rule is purely about direction, not adjacency.
			return allowed == (rank(to) >= rank(from))
		},
		genState,
		genState,
	))

	properties.Property("self-transitions are always idempotent", prop.ForAll(
		func(s State) bool {
			return s.CanTransition(s)
		},
		genState,
	))

	properties.Property("closed is terminal", prop.ForAll(
		func(to State) bool {
			if to == StateClosed {
				return StateClosed.CanTransition(to)
			}
			return !StateClosed.CanTransition(to)
		},
		genState,
	))

	properties.TestingRun(t)
}

// Property: ID Round Trip
// Every generated ID parses back to itself.
func TestProperty_IDRoundTrip(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("generated IDs round-trip through ParseID", prop.ForAll(
		func(_ int) bool {
			id := NewID()
			parsed, err := ParseID(id.String())
			return err == nil && parsed == id
		},
		gen.Int(),
	))

	properties.TestingRun(t)
}
