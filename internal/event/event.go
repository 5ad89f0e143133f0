// Package event defines the WebSocket wire protocol for the handoff service:
// event types exchanged with browser and console clients, the closed set of
// message roles, and validation for inbound frames.
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type represents the type of WebSocket event
type Type string

const (
	// Inbound (client -> server)
	TypeSubscribe Type = "subscribe_to_session"

	// Outbound (server -> client)
	TypeMsgAdded   Type = "msg_added"
	TypeNeedHuman  Type = "need_human"
	TypeUserLeft   Type = "user_left"
	TypeSubscribed Type = "subscribed"
	TypeError      Type = "error"
)

// Role identifies the author of a chat message. The set is closed:
// anything else is rejected at the boundary.
type Role string

const (
	RoleUser  Role = "user"
	RoleAI    Role = "ai"
	RoleAdmin Role = "admin"
)

// ParseRole validates a raw role string against the closed set.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleUser, RoleAI, RoleAdmin:
		return Role(s), nil
	}
	return "", fmt.Errorf("unknown role: %q", s)
}

// Valid reports whether the role is a member of the closed set.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAI, RoleAdmin:
		return true
	}
	return false
}

// ErrorInfo contains error details
type ErrorInfo struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
	RetryAfter  int    `json:"retry_after,omitempty"` // milliseconds
}

// Event represents a WebSocket frame in either direction.
type Event struct {
	Type      Type       `json:"type"`
	SessionID string     `json:"session_id,omitempty"`
	Role      Role       `json:"role,omitempty"`
	Message   string     `json:"message,omitempty"`
	Email     string     `json:"email,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
	Error     *ErrorInfo `json:"error,omitempty"`
}

// MarshalJSON implements custom JSON marshaling for Event
func (e *Event) MarshalJSON() ([]byte, error) {
	type Alias Event
	return json.Marshal(&struct {
		*Alias
		Timestamp string `json:"timestamp"`
	}{
		Alias:     (*Alias)(e),
		Timestamp: e.Timestamp.Format(time.RFC3339),
	})
}

// UnmarshalJSON implements custom JSON unmarshaling for Event
func (e *Event) UnmarshalJSON(data []byte) error {
	type Alias Event
	aux := &struct {
		*Alias
		Timestamp string `json:"timestamp"`
	}{
		Alias: (*Alias)(e),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	if aux.Timestamp != "" {
		t, err := time.Parse(time.RFC3339, aux.Timestamp)
		if err != nil {
			return err
		}
		e.Timestamp = t
	}

	return nil
}

// ValidateInbound checks an event received from a client. Only subscription
// frames are accepted from clients; chat traffic flows over HTTP.
func ValidateInbound(e *Event) error {
	if e.Type != TypeSubscribe {
		return fmt.Errorf("unsupported inbound event type: %q", e.Type)
	}
	if e.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	if e.Role != "" && !e.Role.Valid() {
		return fmt.Errorf("unknown role: %q", e.Role)
	}
	return nil
}

// NewMsgAdded builds the broadcast frame for a newly persisted chat message.
func NewMsgAdded(sessionID string, role Role, message, email string) *Event {
	return &Event{
		Type:      TypeMsgAdded,
		SessionID: sessionID,
		Role:      role,
		Message:   message,
		Email:     email,
		Timestamp: time.Now().UTC(),
	}
}

// NewNeedHuman builds the escalation broadcast frame.
func NewNeedHuman(sessionID, email string) *Event {
	return &Event{
		Type:      TypeNeedHuman,
		SessionID: sessionID,
		Email:     email,
		Timestamp: time.Now().UTC(),
	}
}

// NewUserLeft builds the departure broadcast frame.
func NewUserLeft(sessionID, email, message string) *Event {
	return &Event{
		Type:      TypeUserLeft,
		SessionID: sessionID,
		Email:     email,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
}
