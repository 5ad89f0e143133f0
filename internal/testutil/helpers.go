// Package testutil provides common test helpers and mock implementations
// shared by the controller and handler tests.
package testutil

import (
	"context"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/real-rm/golog"
	"github.com/stretchr/testify/assert"

	"github.com/real-rm/handoff/internal/event"
	"github.com/real-rm/handoff/internal/responder"
	"github.com/real-rm/handoff/internal/session"
	"github.com/real-rm/handoff/internal/store"
)

// MockSessionStore is an in-memory session store. It satisfies the
// controller's SessionStore interface, tracks calls, and lets tests inject
// failures per operation.
type MockSessionStore struct {
	mu sync.Mutex

	sessions map[session.ID]*session.Session
	messages map[session.ID][]*store.Message

	// Failure injection: when set, the matching operation returns the error.
	CreateSessionErr error
	GetSessionErr    error
	FindOpenErr      error
	MarkEscalatedErr error
	CloseSessionErr  error
	SetConvIDErr     error
	TouchSessionErr  error
	AppendMessageErr error
	ListMessagesErr  error
	ListSessionsErr  error
	SweepClosedErr   error

	// Call counters
	CreateSessionCalls int
	AppendMessageCalls int
	CloseSessionCalls  int
	SweepClosedCalls   int
}

// NewMockSessionStore creates an empty in-memory store.
func NewMockSessionStore() *MockSessionStore {
	return &MockSessionStore{
		sessions: make(map[session.ID]*session.Session),
		messages: make(map[session.ID][]*store.Message),
	}
}

// Seed inserts a session directly, bypassing counters.
func (m *MockSessionStore) Seed(sess *session.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sess.ID] = sess
}

func (m *MockSessionStore) CreateSession(sess *session.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CreateSessionCalls++
	if m.CreateSessionErr != nil {
		return m.CreateSessionErr
	}
	m.sessions[sess.ID] = sess
	return nil
}

func (m *MockSessionStore) GetSession(id session.ID) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GetSessionErr != nil {
		return nil, m.GetSessionErr
	}
	sess, ok := m.sessions[id]
	if !ok {
		return nil, store.ErrSessionNotFound
	}
	return sess, nil
}

func (m *MockSessionStore) FindOpenSession(userID string) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FindOpenErr != nil {
		return nil, m.FindOpenErr
	}
	for _, sess := range m.sessions {
		if sess.UserID == userID && sess.State.Open() {
			return sess, nil
		}
	}
	return nil, store.ErrSessionNotFound
}

func (m *MockSessionStore) MarkEscalated(id session.ID) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.MarkEscalatedErr != nil {
		return nil, m.MarkEscalatedErr
	}
	sess, ok := m.sessions[id]
	if !ok {
		return nil, store.ErrSessionNotFound
	}
	if sess.State == session.StateClosed {
		return nil, store.ErrSessionClosed
	}
	sess.State = session.StateEscalated
	sess.UpdatedAt = time.Now().UTC()
	return sess, nil
}

func (m *MockSessionStore) CloseSession(id session.ID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CloseSessionCalls++
	if m.CloseSessionErr != nil {
		return false, m.CloseSessionErr
	}
	sess, ok := m.sessions[id]
	if !ok {
		return false, store.ErrSessionNotFound
	}
	if sess.State == session.StateClosed {
		return false, nil
	}
	sess.State = session.StateClosed
	sess.ClosedAt = time.Now().UTC()
	sess.UpdatedAt = sess.ClosedAt
	return true, nil
}

func (m *MockSessionStore) SetConversationID(id session.ID, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SetConvIDErr != nil {
		return m.SetConvIDErr
	}
	sess, ok := m.sessions[id]
	if !ok {
		return store.ErrSessionNotFound
	}
	// Write-once: a second value never overwrites the thread binding.
	if sess.ConversationID == "" {
		sess.ConversationID = conversationID
	}
	return nil
}

func (m *MockSessionStore) TouchSession(id session.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.TouchSessionErr != nil {
		return m.TouchSessionErr
	}
	sess, ok := m.sessions[id]
	if !ok {
		return store.ErrSessionNotFound
	}
	sess.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MockSessionStore) AppendMessage(sid session.ID, sender event.Role, content string) (*store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.AppendMessageCalls++
	if m.AppendMessageErr != nil {
		return nil, m.AppendMessageErr
	}
	msg := &store.Message{
		SessionID: sid,
		Sender:    sender,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
	m.messages[sid] = append(m.messages[sid], msg)
	if sess, ok := m.sessions[sid]; ok {
		sess.MessageCount++
	}
	return msg, nil
}

func (m *MockSessionStore) ListMessages(sid session.ID) ([]*store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ListMessagesErr != nil {
		return nil, m.ListMessagesErr
	}
	return append([]*store.Message(nil), m.messages[sid]...), nil
}

func (m *MockSessionStore) ListSessions(opts *store.ListOptions) ([]*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ListSessionsErr != nil {
		return nil, m.ListSessionsErr
	}
	var result []*session.Session
	for _, sess := range m.sessions {
		if opts != nil && opts.State != "" && sess.State != opts.State {
			continue
		}
		if opts != nil && opts.UserID != "" && sess.UserID != opts.UserID {
			continue
		}
		result = append(result, sess)
	}
	return result, nil
}

func (m *MockSessionStore) SweepClosed(cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.SweepClosedCalls++
	if m.SweepClosedErr != nil {
		return 0, m.SweepClosedErr
	}
	var removed int64
	for id, sess := range m.sessions {
		if sess.State == session.StateClosed && !sess.ClosedAt.IsZero() && sess.ClosedAt.Before(cutoff) {
			delete(m.sessions, id)
			delete(m.messages, id)
			removed++
		}
	}
	return removed, nil
}

// SweepCount returns how many times SweepClosed ran. Safe to call while
// a background sweeper is running.
func (m *MockSessionStore) SweepCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.SweepClosedCalls
}

// Messages returns a copy of the message log for assertions.
func (m *MockSessionStore) Messages(sid session.ID) []*store.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*store.Message(nil), m.messages[sid]...)
}

// MockResponder is a configurable AI upstream. It records queries and
// serves canned replies or errors.
type MockResponder struct {
	mu sync.Mutex

	Answer         string
	ConversationID string
	Err            error

	Calls   int
	Queries []string
}

func (m *MockResponder) Respond(ctx context.Context, userID, conversationID, query string) (*responder.Reply, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls++
	m.Queries = append(m.Queries, query)
	if m.Err != nil {
		return nil, m.Err
	}
	answer := m.Answer
	if answer == "" {
		answer = "mock answer"
	}
	return &responder.Reply{
		Answer:         answer,
		ConversationID: m.ConversationID,
	}, nil
}

// CallCount returns how many times the upstream was asked.
func (m *MockResponder) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Calls
}

// MockNotifier records escalation alerts.
type MockNotifier struct {
	mu sync.Mutex

	Err    error
	Alerts []string // session IDs alerted
}

func (m *MockNotifier) SendEscalationAlert(userID, userEmail, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Alerts = append(m.Alerts, sessionID)
	return m.Err
}

// AlertCount returns the number of alerts sent so far.
func (m *MockNotifier) AlertCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Alerts)
}

// MockBroadcaster records fanned-out events per session.
type MockBroadcaster struct {
	mu sync.Mutex

	Events   []*event.Event
	Excluded [][]string
}

func (m *MockBroadcaster) Broadcast(sid session.ID, ev *event.Event, exclude ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Events = append(m.Events, ev)
	m.Excluded = append(m.Excluded, exclude)
}

// EventsOfType returns recorded events matching the given type.
func (m *MockBroadcaster) EventsOfType(t event.Type) []*event.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*event.Event
	for _, ev := range m.Events {
		if ev.Type == t {
			result = append(result, ev)
		}
	}
	return result
}

// CreateTestSession builds a session in the AI state for the given user.
func CreateTestSession(userID string) *session.Session {
	return session.New(userID, userID+"@example.com")
}

// CreateTestLogger creates a quiet logger writing to a temp dir.
func CreateTestLogger(t *testing.T) *golog.Logger {
	t.Helper()

	logger, err := golog.InitLog(golog.LogConfig{
		Dir:            t.TempDir(),
		Level:          "error",
		StandardOutput: false,
	})
	if err != nil {
		t.Fatalf("Failed to create test logger: %v", err)
	}
	t.Cleanup(func() { logger.Close() })
	return logger
}

// AssertGoroutineCount verifies goroutine count has not grown beyond tolerance.
// A small tolerance absorbs runtime background goroutines.
func AssertGoroutineCount(t *testing.T, before, after int, description string) {
	t.Helper()

	const tolerance = 5
	assert.LessOrEqual(t, after, before+tolerance,
		"Goroutine leak detected in %s: before=%d after=%d", description, before, after)
}

// MeasureGoroutines returns the current goroutine count after letting
// finished goroutines exit.
func MeasureGoroutines() int {
	WaitForGoroutines()
	return runtime.NumGoroutine()
}

// WaitForGoroutines gives pending goroutines a moment to finish.
func WaitForGoroutines() {
	time.Sleep(100 * time.Millisecond)
	runtime.Gosched()
}
