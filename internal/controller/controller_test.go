package controller

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/real-rm/handoff/internal/constants"
	chaterrors "github.com/real-rm/handoff/internal/errors"
	"github.com/real-rm/handoff/internal/event"
	"github.com/real-rm/handoff/internal/routing"
	"github.com/real-rm/handoff/internal/session"
	"github.com/real-rm/handoff/internal/store"
	"github.com/real-rm/handoff/internal/testutil"
)

type fixture struct {
	ctrl        *Controller
	store       *testutil.MockSessionStore
	ai          *testutil.MockResponder
	notifier    *testutil.MockNotifier
	broadcaster *testutil.MockBroadcaster
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		store:       testutil.NewMockSessionStore(),
		ai:          &testutil.MockResponder{},
		notifier:    &testutil.MockNotifier{},
		broadcaster: &testutil.MockBroadcaster{},
	}
	f.ctrl = New(f.store, f.ai, f.notifier, f.broadcaster, testutil.CreateTestLogger(t))
	t.Cleanup(f.ctrl.Shutdown)
	return f
}

func assertChatCode(t *testing.T, err error, code chaterrors.ErrorCode) {
	t.Helper()

	var chatErr *chaterrors.ChatError
	require.ErrorAs(t, err, &chatErr)
	assert.Equal(t, code, chatErr.Code)
}

func TestSubmitMessage_CreatesSessionAndAsksAI(t *testing.T) {
	f := newFixture(t)
	f.ai.Answer = "hello there"

	result, err := f.ctrl.SubmitMessage("user-1", "user-1@example.com", "hi")
	require.NoError(t, err)

	assert.Equal(t, "hello there", result.Reply)
	assert.Equal(t, 1, f.store.CreateSessionCalls)
	assert.Equal(t, 1, f.ai.CallCount())

	// User turn then AI turn, both persisted and broadcast.
	msgs := f.store.Messages(result.SessionID)
	require.Len(t, msgs, 2)
	assert.Equal(t, event.RoleUser, msgs[0].Sender)
	assert.Equal(t, "hi", msgs[0].Content)
	assert.Equal(t, event.RoleAI, msgs[1].Sender)
	assert.Equal(t, "hello there", msgs[1].Content)

	added := f.broadcaster.EventsOfType(event.TypeMsgAdded)
	require.Len(t, added, 2)
	assert.Equal(t, event.RoleUser, added[0].Role)
	assert.Equal(t, event.RoleAI, added[1].Role)
}

func TestSubmitMessage_ReusesOpenSession(t *testing.T) {
	f := newFixture(t)

	first, err := f.ctrl.SubmitMessage("user-1", "user-1@example.com", "one")
	require.NoError(t, err)

	second, err := f.ctrl.SubmitMessage("user-1", "user-1@example.com", "two")
	require.NoError(t, err)

	assert.Equal(t, first.SessionID, second.SessionID)
	assert.Equal(t, 1, f.store.CreateSessionCalls)
}

func TestSubmitMessage_EmptyQuery(t *testing.T) {
	f := newFixture(t)

	_, err := f.ctrl.SubmitMessage("user-1", "user-1@example.com", "   ")
	assertChatCode(t, err, chaterrors.ErrCodeMissingField)
	assert.Equal(t, 0, f.ai.CallCount())
}

func TestSubmitMessage_MissingUserID(t *testing.T) {
	f := newFixture(t)

	_, err := f.ctrl.SubmitMessage("", "", "hi")
	assertChatCode(t, err, chaterrors.ErrCodeMissingField)
}

func TestSubmitMessage_EscalatedMutesAI(t *testing.T) {
	f := newFixture(t)

	sess := testutil.CreateTestSession("user-1")
	sess.State = session.StateEscalated
	f.store.Seed(sess)

	result, err := f.ctrl.SubmitMessage("user-1", "user-1@example.com", "anyone there?")
	require.NoError(t, err)

	assert.Equal(t, sess.ID, result.SessionID)
	assert.Empty(t, result.Reply, "escalated sessions never get an AI bubble")
	assert.Equal(t, 0, f.ai.CallCount())

	// The user's message still lands in the transcript and fan-out.
	msgs := f.store.Messages(sess.ID)
	require.Len(t, msgs, 1)
	assert.Equal(t, event.RoleUser, msgs[0].Sender)
	assert.Len(t, f.broadcaster.EventsOfType(event.TypeMsgAdded), 1)
}

func TestSubmitMessage_DegradedReplyOnUpstreamFailure(t *testing.T) {
	f := newFixture(t)
	f.ai.Err = errors.New("upstream down")

	result, err := f.ctrl.SubmitMessage("user-1", "user-1@example.com", "hi")
	require.NoError(t, err, "upstream failure must not fail the turn")

	assert.Equal(t, constants.DegradedReply, result.Reply)

	msgs := f.store.Messages(result.SessionID)
	require.Len(t, msgs, 2)
	assert.Equal(t, constants.DegradedReply, msgs[1].Content)
}

func TestSubmitMessage_ThreadsConversationWriteOnce(t *testing.T) {
	f := newFixture(t)
	f.ai.ConversationID = "conv-abc"

	result, err := f.ctrl.SubmitMessage("user-1", "user-1@example.com", "hi")
	require.NoError(t, err)

	sess, err := f.store.GetSession(result.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "conv-abc", sess.ConversationID)

	// A later turn with a different upstream ID must not rebind the thread.
	f.ai.ConversationID = "conv-other"
	_, err = f.ctrl.SubmitMessage("user-1", "user-1@example.com", "again")
	require.NoError(t, err)

	sess, err = f.store.GetSession(result.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "conv-abc", sess.ConversationID)
}

func TestSubmitMessage_AppendFailure(t *testing.T) {
	f := newFixture(t)
	f.store.AppendMessageErr = errors.New("mongo down")

	_, err := f.ctrl.SubmitMessage("user-1", "user-1@example.com", "hi")
	assertChatCode(t, err, chaterrors.ErrCodeDatabaseError)
	assert.Equal(t, 0, f.ai.CallCount(), "upstream is never asked when the user turn failed to persist")
}

func TestRequestHuman_Escalates(t *testing.T) {
	f := newFixture(t)

	sid, err := f.ctrl.RequestHuman("user-1", "user-1@example.com")
	require.NoError(t, err)

	sess, err := f.store.GetSession(sid)
	require.NoError(t, err)
	assert.Equal(t, session.StateEscalated, sess.State)

	msgs := f.store.Messages(sid)
	require.Len(t, msgs, 1)
	assert.Equal(t, constants.HelpRequestMessage, msgs[0].Content)

	require.Len(t, f.broadcaster.EventsOfType(event.TypeMsgAdded), 1)
	needHuman := f.broadcaster.EventsOfType(event.TypeNeedHuman)
	require.Len(t, needHuman, 1)
	assert.Equal(t, sid.String(), needHuman[0].SessionID)

	// The staff alert goes out asynchronously after the transition commits.
	deadline := time.Now().Add(2 * time.Second)
	for f.notifier.AlertCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, 1, f.notifier.AlertCount())
	assert.Equal(t, sid.String(), f.notifier.Alerts[0])
}

func TestRequestHuman_Idempotent(t *testing.T) {
	f := newFixture(t)

	first, err := f.ctrl.RequestHuman("user-1", "user-1@example.com")
	require.NoError(t, err)

	second, err := f.ctrl.RequestHuman("user-1", "user-1@example.com")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestRequestHuman_NotifierFailureDoesNotUnwind(t *testing.T) {
	f := newFixture(t)
	f.notifier.Err = errors.New("smtp down")

	sid, err := f.ctrl.RequestHuman("user-1", "user-1@example.com")
	require.NoError(t, err)

	sess, err := f.store.GetSession(sid)
	require.NoError(t, err)
	assert.Equal(t, session.StateEscalated, sess.State)
}

func TestRequestHuman_ClosedSessionRace(t *testing.T) {
	f := newFixture(t)

	sess := testutil.CreateTestSession("user-1")
	f.store.Seed(sess)
	f.store.MarkEscalatedErr = store.ErrSessionClosed

	_, err := f.ctrl.RequestHuman("user-1", "user-1@example.com")
	assertChatCode(t, err, chaterrors.ErrCodeSessionClosed)
}

func TestCloseSession_ClosesOpenSession(t *testing.T) {
	f := newFixture(t)

	sess := testutil.CreateTestSession("user-1")
	f.store.Seed(sess)

	require.NoError(t, f.ctrl.CloseSession("user-1"))

	got, err := f.store.GetSession(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StateClosed, got.State)

	// An AI-state close is quiet; no admin was engaged.
	assert.Empty(t, f.broadcaster.EventsOfType(event.TypeUserLeft))
}

func TestCloseSession_EscalatedBroadcastsUserLeft(t *testing.T) {
	f := newFixture(t)

	sess := testutil.CreateTestSession("user-1")
	sess.State = session.StateEscalated
	f.store.Seed(sess)

	require.NoError(t, f.ctrl.CloseSession("user-1"))

	left := f.broadcaster.EventsOfType(event.TypeUserLeft)
	require.Len(t, left, 1)
	assert.Equal(t, sess.ID.String(), left[0].SessionID)
	assert.Equal(t, sess.Email, left[0].Email)
}

func TestCloseSession_NoOpenSessionIsNoOp(t *testing.T) {
	f := newFixture(t)

	assert.NoError(t, f.ctrl.CloseSession("nobody"))
	assert.Equal(t, 0, f.store.CloseSessionCalls)
}

func TestAdminReply_AppendsAndBroadcasts(t *testing.T) {
	f := newFixture(t)

	sess := testutil.CreateTestSession("user-1")
	sess.State = session.StateEscalated
	f.store.Seed(sess)

	msg, err := f.ctrl.AdminReply(sess.ID, "staff@example.com", "how can I help?")
	require.NoError(t, err)

	assert.Equal(t, event.RoleAdmin, msg.Sender)
	assert.Equal(t, "how can I help?", msg.Content)

	added := f.broadcaster.EventsOfType(event.TypeMsgAdded)
	require.Len(t, added, 1)
	assert.Equal(t, event.RoleAdmin, added[0].Role)
	assert.Equal(t, "staff@example.com", added[0].Email)
}

func TestAdminReply_EmptyMessage(t *testing.T) {
	f := newFixture(t)

	_, err := f.ctrl.AdminReply(session.NewID(), "staff@example.com", "  ")
	assertChatCode(t, err, chaterrors.ErrCodeMissingField)
}

func TestAdminReply_SessionNotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.ctrl.AdminReply(session.NewID(), "staff@example.com", "hello?")
	assertChatCode(t, err, chaterrors.ErrCodeSessionNotFound)
}

func TestAdminReply_ClosedSession(t *testing.T) {
	f := newFixture(t)

	sess := testutil.CreateTestSession("user-1")
	sess.State = session.StateClosed
	f.store.Seed(sess)

	_, err := f.ctrl.AdminReply(sess.ID, "staff@example.com", "too late")
	assertChatCode(t, err, chaterrors.ErrCodeSessionClosed)
}

func TestListEscalatedSessions(t *testing.T) {
	f := newFixture(t)

	escalated := testutil.CreateTestSession("user-1")
	escalated.State = session.StateEscalated
	f.store.Seed(escalated)
	f.store.Seed(testutil.CreateTestSession("user-2"))

	sessions, err := f.ctrl.ListEscalatedSessions(constants.DefaultSessionLimit, 0)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, escalated.ID, sessions[0].ID)
}

func TestGetTranscript(t *testing.T) {
	f := newFixture(t)

	sess := testutil.CreateTestSession("user-1")
	f.store.Seed(sess)
	_, err := f.store.AppendMessage(sess.ID, event.RoleUser, "hi")
	require.NoError(t, err)
	_, err = f.store.AppendMessage(sess.ID, event.RoleAI, "hello")
	require.NoError(t, err)

	tr, err := f.ctrl.GetTranscript(sess.ID)
	require.NoError(t, err)

	assert.Equal(t, sess.ID, tr.Session.ID)
	assert.True(t, tr.Open)
	require.Len(t, tr.Messages, 2)
	assert.Equal(t, "hi", tr.Messages[0].Content)
}

func TestGetTranscript_NotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.ctrl.GetTranscript(session.NewID())
	assertChatCode(t, err, chaterrors.ErrCodeSessionNotFound)
}

func TestHandleDeparture_NonUserRoleIgnored(t *testing.T) {
	f := newFixture(t)

	sess := testutil.CreateTestSession("user-1")
	f.store.Seed(sess)

	f.ctrl.HandleDeparture(routing.Departure{
		SessionID: sess.ID,
		Role:      event.RoleAdmin,
		Remaining: 0,
	})

	got, err := f.store.GetSession(sess.ID)
	require.NoError(t, err)
	assert.True(t, got.Open(), "an admin leaving never closes the session")
}

func TestHandleDeparture_OtherUserTabsStillConnected(t *testing.T) {
	f := newFixture(t)

	sess := testutil.CreateTestSession("user-1")
	f.store.Seed(sess)

	f.ctrl.HandleDeparture(routing.Departure{
		SessionID:      sess.ID,
		Role:           event.RoleUser,
		Remaining:      1,
		RemainingUsers: 1,
	})

	got, err := f.store.GetSession(sess.ID)
	require.NoError(t, err)
	assert.True(t, got.Open())
	assert.Empty(t, f.broadcaster.EventsOfType(event.TypeUserLeft))
}

func TestHandleDeparture_AdminsStillWatching(t *testing.T) {
	f := newFixture(t)

	sess := testutil.CreateTestSession("user-1")
	sess.State = session.StateEscalated
	f.store.Seed(sess)

	f.ctrl.HandleDeparture(routing.Departure{
		SessionID:      sess.ID,
		Role:           event.RoleUser,
		Remaining:      1, // one admin connection left
		RemainingUsers: 0,
	})

	// Admins get the departure notice, but the session stays open for them.
	got, err := f.store.GetSession(sess.ID)
	require.NoError(t, err)
	assert.True(t, got.Open())
	assert.Len(t, f.broadcaster.EventsOfType(event.TypeUserLeft), 1)
}

func TestHandleDeparture_LastConnectionClosesSession(t *testing.T) {
	f := newFixture(t)

	sess := testutil.CreateTestSession("user-1")
	sess.State = session.StateEscalated
	f.store.Seed(sess)

	f.ctrl.HandleDeparture(routing.Departure{
		SessionID:      sess.ID,
		Role:           event.RoleUser,
		Remaining:      0,
		RemainingUsers: 0,
	})

	got, err := f.store.GetSession(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StateClosed, got.State)
	assert.Len(t, f.broadcaster.EventsOfType(event.TypeUserLeft), 1)
}

func TestHandleDeparture_AlreadyClosedSession(t *testing.T) {
	f := newFixture(t)

	sess := testutil.CreateTestSession("user-1")
	sess.State = session.StateClosed
	f.store.Seed(sess)

	f.ctrl.HandleDeparture(routing.Departure{
		SessionID: sess.ID,
		Role:      event.RoleUser,
	})

	assert.Equal(t, 0, f.store.CloseSessionCalls)
	assert.Empty(t, f.broadcaster.Events)
}

func TestHandleDeparture_UnknownSession(t *testing.T) {
	f := newFixture(t)

	// Must not panic or broadcast for a session that was already swept.
	f.ctrl.HandleDeparture(routing.Departure{
		SessionID: session.NewID(),
		Role:      event.RoleUser,
	})
	assert.Empty(t, f.broadcaster.Events)
}

func TestStartRetentionSweep(t *testing.T) {
	f := newFixture(t)

	old := testutil.CreateTestSession("user-1")
	old.State = session.StateClosed
	old.ClosedAt = time.Now().UTC().Add(-48 * time.Hour)
	f.store.Seed(old)

	f.ctrl.StartRetentionSweep(24*time.Hour, 20*time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for f.store.SweepCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	require.Greater(t, f.store.SweepCount(), 0, "sweep ticker never fired")

	_, err := f.store.GetSession(old.ID)
	assert.ErrorIs(t, err, store.ErrSessionNotFound, "expired closed session should be swept")
}

func TestShutdown_StopsRetentionSweep(t *testing.T) {
	f := newFixture(t)

	f.ctrl.StartRetentionSweep(24*time.Hour, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	f.ctrl.Shutdown()
	testutil.WaitForGoroutines()

	calls := f.store.SweepCount()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, calls, f.store.SweepCount(), "sweep kept running after shutdown")
}
