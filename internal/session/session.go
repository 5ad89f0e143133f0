// Package session defines the chat session domain model: the session
// identifier type, the lifecycle state machine, and the session record
// persisted by the store.
package session

import (
	"time"

	"github.com/google/uuid"
)

// ID is the canonical session identifier. It is generated server-side and
// used everywhere a session is referenced: persistence, routing, the wire
// protocol and the REST surface.
type ID string

// NewID generates a fresh session identifier.
func NewID() ID {
	return ID(uuid.New().String())
}

// ParseID validates a raw session identifier from an untrusted source.
func ParseID(s string) (ID, error) {
	parsed, err := uuid.Parse(s)
	if err != nil {
		return "", err
	}
	return ID(parsed.String()), nil
}

// String returns the identifier in its wire form.
func (id ID) String() string {
	return string(id)
}

// State is the session lifecycle state. Transitions are one-way:
// ai -> escalated -> closed, with ai -> closed also permitted.
type State string

const (
	// StateAI means the AI responder answers user messages.
	StateAI State = "ai"
	// StateEscalated means a human has been requested; the AI is muted.
	StateEscalated State = "escalated"
	// StateClosed is terminal. Closed sessions reject new messages and are
	// retained until the retention sweep removes them.
	StateClosed State = "closed"
)

// Valid reports whether the state is a member of the lifecycle set.
func (s State) Valid() bool {
	switch s {
	case StateAI, StateEscalated, StateClosed:
		return true
	}
	return false
}

// Open reports whether the state still accepts messages.
func (s State) Open() bool {
	return s == StateAI || s == StateEscalated
}

// CanTransition reports whether moving from s to next is allowed.
// Self-transitions are permitted so repeated escalation and close
// requests stay idempotent.
func (s State) CanTransition(next State) bool {
	if s == next {
		return true
	}
	switch s {
	case StateAI:
		return next == StateEscalated || next == StateClosed
	case StateEscalated:
		return next == StateClosed
	}
	return false
}

// Session is the persisted session record.
type Session struct {
	ID             ID        `bson:"_id" json:"session_id"`
	UserID         string    `bson:"uid" json:"user_id"`
	Email          string    `bson:"email" json:"email"`
	State          State     `bson:"state" json:"state"`
	ConversationID string    `bson:"convId,omitempty" json:"conversation_id,omitempty"`
	MessageCount   int64     `bson:"msgCount" json:"message_count"`
	CreatedAt      time.Time `bson:"ts" json:"created_at"`
	UpdatedAt      time.Time `bson:"_mt" json:"updated_at"`
	ClosedAt       time.Time `bson:"closedTs,omitempty" json:"closed_at,omitempty"`
}

// New creates a fresh session in the AI state for the given user.
func New(userID, email string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:        NewID(),
		UserID:    userID,
		Email:     email,
		State:     StateAI,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// NeedsHuman reports whether the session is waiting on a human responder.
func (s *Session) NeedsHuman() bool {
	return s.State == StateEscalated
}

// Open reports whether the session still accepts messages.
func (s *Session) Open() bool {
	return s.State.Open()
}
