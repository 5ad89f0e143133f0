// Package routing maintains the live mapping between WebSocket connections
// and chat sessions. The table is owned by the gateway and handed to
// collaborators through dependency injection; there is no package-level
// state.
package routing

import (
	"sync"

	"github.com/real-rm/handoff/internal/event"
	"github.com/real-rm/handoff/internal/session"
)

// Subscriber describes one connection attached to a session.
type Subscriber struct {
	ConnID string
	Role   event.Role
	Email  string
}

// Departure describes the result of removing a connection from the table.
type Departure struct {
	SessionID      session.ID
	Role           event.Role
	Email          string
	Remaining      int // subscribers of any role left on the session
	RemainingUsers int // user-role subscribers left on the session
}

// Table tracks which connections watch which sessions. A connection
// subscribes to at most one session at a time; resubscribing moves it.
// The two maps are kept mutually consistent under a single mutex.
type Table struct {
	mu sync.RWMutex

	// connection ID -> its single subscription
	subs map[string]subscription

	// session ID -> set of subscribed connections
	members map[session.ID]map[string]Subscriber
}

type subscription struct {
	sessionID session.ID
	role      event.Role
	email     string
}

// NewTable creates an empty routing table.
func NewTable() *Table {
	return &Table{
		subs:    make(map[string]subscription),
		members: make(map[session.ID]map[string]Subscriber),
	}
}

// Subscribe attaches a connection to a session, detaching it from any
// previous session first. It returns the previous session ID when the
// connection moved, and fresh=true only when the connection was not
// tracked before this call. Resubscribing to the same session refreshes
// role/email in place and reports neither moved nor fresh, so callers
// can keep subscription gauges balanced against a single unsubscribe.
func (t *Table) Subscribe(connID string, sid session.ID, role event.Role, email string) (prev session.ID, moved, fresh bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.subs[connID]; ok {
		if existing.sessionID == sid {
			// Refresh role/email in place on resubscribe to the same session.
			t.subs[connID] = subscription{sessionID: sid, role: role, email: email}
			t.members[sid][connID] = Subscriber{ConnID: connID, Role: role, Email: email}
			return "", false, false
		}
		prev = existing.sessionID
		moved = true
		t.detachLocked(connID, existing.sessionID)
	} else {
		fresh = true
	}

	t.subs[connID] = subscription{sessionID: sid, role: role, email: email}
	conns, ok := t.members[sid]
	if !ok {
		conns = make(map[string]Subscriber)
		t.members[sid] = conns
	}
	conns[connID] = Subscriber{ConnID: connID, Role: role, Email: email}

	return prev, moved, fresh
}

// Unsubscribe removes a connection from the table entirely. The returned
// Departure carries what the caller needs for disconnect bookkeeping.
func (t *Table) Unsubscribe(connID string) (Departure, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	sub, ok := t.subs[connID]
	if !ok {
		return Departure{}, false
	}

	t.detachLocked(connID, sub.sessionID)

	dep := Departure{
		SessionID: sub.sessionID,
		Role:      sub.role,
		Email:     sub.email,
	}
	for _, s := range t.members[sub.sessionID] {
		dep.Remaining++
		if s.Role == event.RoleUser {
			dep.RemainingUsers++
		}
	}
	return dep, true
}

// detachLocked removes the connection from both maps. Caller holds the lock.
func (t *Table) detachLocked(connID string, sid session.ID) {
	delete(t.subs, connID)
	if conns, ok := t.members[sid]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(t.members, sid)
		}
	}
}

// SessionOf returns the session a connection is subscribed to.
func (t *Table) SessionOf(connID string) (session.ID, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	sub, ok := t.subs[connID]
	if !ok {
		return "", false
	}
	return sub.sessionID, true
}

// Subscribers returns a snapshot of the connections watching a session.
func (t *Table) Subscribers(sid session.ID) []Subscriber {
	t.mu.RLock()
	defer t.mu.RUnlock()

	conns, ok := t.members[sid]
	if !ok {
		return nil
	}
	out := make([]Subscriber, 0, len(conns))
	for _, s := range conns {
		out = append(out, s)
	}
	return out
}

// SubscriberCount returns how many connections watch a session.
func (t *Table) SubscriberCount(sid session.ID) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.members[sid])
}

// ConnectionCount returns the number of tracked connections.
func (t *Table) ConnectionCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs)
}

// Sessions returns a snapshot of all session IDs with at least one subscriber.
func (t *Table) Sessions() []session.ID {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]session.ID, 0, len(t.members))
	for sid := range t.members {
		out = append(out, sid)
	}
	return out
}
