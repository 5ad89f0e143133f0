// Package controller implements the handoff lifecycle: message submission
// with AI responses, escalation to human staff, admin replies, session
// closure, and disconnect bookkeeping. It coordinates the session store,
// the AI responder, the staff notifier, and the event broadcaster.
package controller

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/real-rm/golog"
	"github.com/real-rm/handoff/internal/constants"
	chaterrors "github.com/real-rm/handoff/internal/errors"
	"github.com/real-rm/handoff/internal/event"
	"github.com/real-rm/handoff/internal/metrics"
	"github.com/real-rm/handoff/internal/responder"
	"github.com/real-rm/handoff/internal/routing"
	"github.com/real-rm/handoff/internal/session"
	"github.com/real-rm/handoff/internal/store"
	"github.com/real-rm/handoff/internal/util"
)

// SessionStore interface for persistence operations (to avoid circular dependency and enable testing)
type SessionStore interface {
	CreateSession(sess *session.Session) error
	GetSession(id session.ID) (*session.Session, error)
	FindOpenSession(userID string) (*session.Session, error)
	MarkEscalated(id session.ID) (*session.Session, error)
	CloseSession(id session.ID) (bool, error)
	SetConversationID(id session.ID, conversationID string) error
	TouchSession(id session.ID) error
	AppendMessage(sid session.ID, sender event.Role, content string) (*store.Message, error)
	ListMessages(sid session.ID) ([]*store.Message, error)
	ListSessions(opts *store.ListOptions) ([]*session.Session, error)
	SweepClosed(cutoff time.Time) (int64, error)
}

// AIResponder interface for upstream AI operations (to avoid circular dependency)
type AIResponder interface {
	Respond(ctx context.Context, userID, conversationID, query string) (*responder.Reply, error)
}

// Notifier interface for staff alert operations (to avoid circular dependency)
type Notifier interface {
	SendEscalationAlert(userID, userEmail, sessionID string) error
}

// Broadcaster fans events out to the session's live subscribers. Optional
// connection IDs in exclude are skipped during fan-out.
type Broadcaster interface {
	Broadcast(sid session.ID, ev *event.Event, exclude ...string)
}

// SubmitResult is the outcome of a chat submission. Reply is empty when
// the session is escalated and the AI is muted.
type SubmitResult struct {
	SessionID session.ID `json:"session_id"`
	Reply     string     `json:"reply"`
}

// Transcript is the admin console view of one session.
type Transcript struct {
	Session  *session.Session `json:"session"`
	Messages []*store.Message `json:"messages"`
	Open     bool             `json:"open"`
}

// Controller owns the session lifecycle
type Controller struct {
	store       SessionStore
	ai          AIResponder
	notifier    Notifier
	broadcaster Broadcaster
	logger      *golog.Logger

	ctx    context.Context // Lifecycle context, cancelled on Shutdown
	cancel context.CancelFunc
}

// New creates a new handoff controller
func New(st SessionStore, ai AIResponder, notifier Notifier, broadcaster Broadcaster, logger *golog.Logger) *Controller {
	ctrlLogger := logger.WithGroup("controller")

	ctx, cancel := context.WithCancel(context.Background())

	return &Controller{
		store:       st,
		ai:          ai,
		notifier:    notifier,
		broadcaster: broadcaster,
		logger:      ctrlLogger,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// SubmitMessage handles one chat turn: find-or-create the user's open
// session, persist and broadcast the user message, and depending on the
// session state either ask the AI upstream for a reply or stay silent
// because a human has taken over.
func (c *Controller) SubmitMessage(userID, userEmail, query string) (*SubmitResult, error) {
	query = strings.TrimSpace(query)
	// No else needed: early return pattern (guard clause)
	if query == "" {
		return nil, chaterrors.ErrMissingField("query")
	}

	sess, err := c.findOrCreateSession(userID, userEmail)
	// No else needed: early return pattern (guard clause)
	if err != nil {
		return nil, err
	}

	// Persist and broadcast the user's turn before anything upstream can
	// fail, so the transcript never loses a message.
	if _, err := c.store.AppendMessage(sess.ID, event.RoleUser, query); err != nil {
		util.LogError(c.logger, "controller", "append user message", err,
			"session_id", sess.ID.String(),
			"user_id", userID)
		return nil, chaterrors.ErrDatabaseError(err)
	}
	c.broadcaster.Broadcast(sess.ID, event.NewMsgAdded(sess.ID.String(), event.RoleUser, query, userEmail))

	metrics.MessagesReceived.Inc()

	switch sess.State {
	case session.StateEscalated:
		// Hard gate: a human owns this session, the AI stays muted. The
		// empty reply tells the client not to render an AI bubble.
		c.logger.Debug("AI suppressed for escalated session",
			"session_id", sess.ID.String(),
			"user_id", userID)
		return &SubmitResult{SessionID: sess.ID, Reply: ""}, nil

	case session.StateAI:
		reply := c.askAI(sess, userID, query)
		return &SubmitResult{SessionID: sess.ID, Reply: reply}, nil

	case session.StateClosed:
		// findOrCreateSession only returns open sessions; a closed state
		// here means it flipped underneath us. Treat as not found.
		return nil, chaterrors.ErrSessionClosed(sess.ID.String())
	}

	return nil, chaterrors.NewServiceError(chaterrors.ErrCodeServiceError,
		"unknown session state", nil)
}

// askAI runs one upstream turn and returns the reply text. Upstream
// failure degrades to a canned apology; the turn is persisted and
// broadcast either way so the conversation is never silently lost.
func (c *Controller) askAI(sess *session.Session, userID, query string) string {
	ctx, cancel := util.NewTimeoutContext(constants.UpstreamTimeout)
	defer cancel()

	// Tag the upstream turn so retries and failures correlate in the logs.
	ctx = util.NewContextWithTraceID(ctx)

	reply := constants.DegradedReply

	resp, err := c.ai.Respond(ctx, userID, sess.ConversationID, query)
	if err != nil {
		c.logger.Warn("AI upstream failed, sending degraded reply",
			"session_id", sess.ID.String(),
			"user_id", userID,
			"trace_id", util.TraceIDFromContext(ctx),
			"error", err)
	} else {
		reply = resp.Answer

		// First successful turn carries the upstream conversation ID;
		// persist it write-once so later turns keep multi-turn context.
		if sess.ConversationID == "" && resp.ConversationID != "" {
			if err := c.store.SetConversationID(sess.ID, resp.ConversationID); err != nil {
				c.logger.Warn("Failed to persist conversation ID",
					"session_id", sess.ID.String(),
					"error", err)
			}
		}
	}

	if _, err := c.store.AppendMessage(sess.ID, event.RoleAI, reply); err != nil {
		util.LogError(c.logger, "controller", "append AI message", err,
			"session_id", sess.ID.String())
	}
	c.broadcaster.Broadcast(sess.ID, event.NewMsgAdded(sess.ID.String(), event.RoleAI, reply, ""))

	return reply
}

// RequestHuman escalates the user's open session. The state transition,
// help message, and broadcasts commit synchronously; the staff alert is
// dispatched afterwards, best-effort, and its failure never unwinds the
// escalation.
func (c *Controller) RequestHuman(userID, userEmail string) (session.ID, error) {
	sess, err := c.findOrCreateSession(userID, userEmail)
	// No else needed: early return pattern (guard clause)
	if err != nil {
		return "", err
	}

	escalated, err := c.store.MarkEscalated(sess.ID)
	// No else needed: early return pattern (guard clause)
	if err != nil {
		// No else needed: early return pattern (guard clause)
		if errors.Is(err, store.ErrSessionClosed) {
			return "", chaterrors.ErrSessionClosed(sess.ID.String())
		}
		util.LogError(c.logger, "controller", "escalate session", err,
			"session_id", sess.ID.String(),
			"user_id", userID)
		return "", chaterrors.ErrDatabaseError(err)
	}

	if _, err := c.store.AppendMessage(escalated.ID, event.RoleUser, constants.HelpRequestMessage); err != nil {
		util.LogError(c.logger, "controller", "append help request message", err,
			"session_id", escalated.ID.String())
	}

	c.broadcaster.Broadcast(escalated.ID,
		event.NewMsgAdded(escalated.ID.String(), event.RoleUser, constants.HelpRequestMessage, userEmail))
	c.broadcaster.Broadcast(escalated.ID,
		event.NewNeedHuman(escalated.ID.String(), userEmail))

	c.logger.Info("Session escalated to human",
		"session_id", escalated.ID.String(),
		"user_id", userID)

	// Out-of-band staff alert, after the transition has committed.
	util.SafeGo(c.logger, "escalation-alert", func() {
		if err := c.notifier.SendEscalationAlert(userID, userEmail, escalated.ID.String()); err != nil {
			c.logger.Warn("Staff escalation alert failed",
				"session_id", escalated.ID.String(),
				"user_id", userID,
				"error", err)
		}
	})

	return escalated.ID, nil
}

// CloseSession closes the user's open session. Idempotent: no open
// session is a no-op success.
func (c *Controller) CloseSession(userID string) error {
	sess, err := c.store.FindOpenSession(userID)
	// No else needed: early return pattern (guard clause)
	if err != nil {
		// No else needed: early return pattern (guard clause)
		if errors.Is(err, store.ErrSessionNotFound) {
			return nil
		}
		return chaterrors.ErrDatabaseError(err)
	}

	closed, err := c.store.CloseSession(sess.ID)
	// No else needed: early return pattern (guard clause)
	if err != nil {
		return chaterrors.ErrDatabaseError(err)
	}

	// Tell any watching admins the user is gone, but only when this call
	// actually performed the close and a human was engaged.
	if closed && sess.State == session.StateEscalated {
		c.broadcaster.Broadcast(sess.ID,
			event.NewUserLeft(sess.ID.String(), sess.Email, constants.UserLeftMessage))
	}

	c.logger.Info("Session closed by user",
		"session_id", sess.ID.String(),
		"user_id", userID,
		"was_open", closed)

	return nil
}

// AdminReply appends a staff message to an open session. It never clears
// the escalated state: once a human owns a session, the AI stays muted
// for the rest of that session's life.
func (c *Controller) AdminReply(sid session.ID, adminEmail, message string) (*store.Message, error) {
	message = strings.TrimSpace(message)
	// No else needed: early return pattern (guard clause)
	if message == "" {
		return nil, chaterrors.ErrMissingField("message")
	}

	sess, err := c.store.GetSession(sid)
	// No else needed: early return pattern (guard clause)
	if err != nil {
		// No else needed: early return pattern (guard clause)
		if errors.Is(err, store.ErrSessionNotFound) {
			return nil, chaterrors.ErrSessionNotFound(sid.String())
		}
		return nil, chaterrors.ErrDatabaseError(err)
	}

	// No else needed: early return pattern (guard clause)
	if !sess.Open() {
		return nil, chaterrors.ErrSessionClosed(sid.String())
	}

	msg, err := c.store.AppendMessage(sid, event.RoleAdmin, message)
	// No else needed: early return pattern (guard clause)
	if err != nil {
		util.LogError(c.logger, "controller", "append admin message", err,
			"session_id", sid.String())
		return nil, chaterrors.ErrDatabaseError(err)
	}

	// No else needed: optional operation (fire-and-forget), failure is logged but not fatal
	if err := c.store.TouchSession(sid); err != nil {
		c.logger.Warn("Failed to touch session after admin reply",
			"session_id", sid.String(),
			"error", err)
	}

	c.broadcaster.Broadcast(sid,
		event.NewMsgAdded(sid.String(), event.RoleAdmin, message, adminEmail))

	c.logger.Info("Admin reply posted",
		"session_id", sid.String(),
		"admin", adminEmail)

	return msg, nil
}

// ListEscalatedSessions returns the staff queue: escalated open sessions,
// most recently updated first.
func (c *Controller) ListEscalatedSessions(limit, offset int) ([]*session.Session, error) {
	sessions, err := c.store.ListSessions(&store.ListOptions{
		State:     session.StateEscalated,
		SortBy:    constants.MongoFieldModified,
		SortOrder: "desc",
		Limit:     limit,
		Offset:    offset,
	})
	// No else needed: early return pattern (guard clause)
	if err != nil {
		return nil, chaterrors.ErrDatabaseError(err)
	}
	return sessions, nil
}

// GetTranscript returns the full ordered message log of a session plus
// its open flag, so staff can tell live sessions from archived ones.
func (c *Controller) GetTranscript(sid session.ID) (*Transcript, error) {
	sess, err := c.store.GetSession(sid)
	// No else needed: early return pattern (guard clause)
	if err != nil {
		// No else needed: early return pattern (guard clause)
		if errors.Is(err, store.ErrSessionNotFound) {
			return nil, chaterrors.ErrSessionNotFound(sid.String())
		}
		return nil, chaterrors.ErrDatabaseError(err)
	}

	msgs, err := c.store.ListMessages(sid)
	// No else needed: early return pattern (guard clause)
	if err != nil {
		return nil, chaterrors.ErrDatabaseError(err)
	}

	return &Transcript{
		Session:  sess,
		Messages: msgs,
		Open:     sess.Open(),
	}, nil
}

// HandleDeparture is the gateway's disconnect hook. When the last
// user-role connection leaves a session, watching admins get a user_left
// broadcast; when nobody at all is left watching, the session is closed.
func (c *Controller) HandleDeparture(dep routing.Departure) {
	// No else needed: early return pattern (guard clause)
	if dep.Role != event.RoleUser || dep.RemainingUsers > 0 {
		return
	}

	sess, err := c.store.GetSession(dep.SessionID)
	// No else needed: early return pattern (guard clause)
	if err != nil {
		// Session already swept or closed elsewhere; nothing to clean up.
		if !errors.Is(err, store.ErrSessionNotFound) {
			c.logger.Warn("Departure lookup failed",
				"session_id", dep.SessionID.String(),
				"error", err)
		}
		return
	}

	// No else needed: early return pattern (guard clause)
	if !sess.Open() {
		return
	}

	if dep.Remaining > 0 {
		// Admins are still watching; let them follow up before anything
		// closes. They see the departure immediately.
		c.broadcaster.Broadcast(dep.SessionID,
			event.NewUserLeft(dep.SessionID.String(), sess.Email, constants.UserLeftMessage))
		return
	}

	closed, err := c.store.CloseSession(dep.SessionID)
	// No else needed: early return pattern (guard clause)
	if err != nil {
		util.LogError(c.logger, "controller", "close abandoned session", err,
			"session_id", dep.SessionID.String())
		return
	}

	if closed && sess.State == session.StateEscalated {
		c.broadcaster.Broadcast(dep.SessionID,
			event.NewUserLeft(dep.SessionID.String(), sess.Email, constants.UserLeftMessage))
	}

	c.logger.Info("Abandoned session closed on disconnect",
		"session_id", dep.SessionID.String(),
		"user_id", sess.UserID)
}

// StartRetentionSweep launches the background goroutine that hard-deletes
// closed sessions older than the retention age. Runs until Shutdown.
func (c *Controller) StartRetentionSweep(age, interval time.Duration) {
	if age <= 0 {
		age = constants.DefaultRetentionAge
	}
	if interval <= 0 {
		interval = constants.DefaultRetentionSweep
	}

	util.SafeGo(c.logger, "retention-sweep", func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		c.logger.Info("Retention sweep started",
			"age", age,
			"interval", interval)

		for {
			select {
			case <-ticker.C:
				swept, err := c.store.SweepClosed(time.Now().UTC().Add(-age))
				// No else needed: error handling (logs and continues)
				if err != nil {
					util.LogError(c.logger, "controller", "retention sweep", err)
					continue
				}
				if swept > 0 {
					c.logger.Info("Retention sweep removed closed sessions",
						"count", swept)
				}
			case <-c.ctx.Done():
				c.logger.Info("Retention sweep stopped")
				return
			}
		}
	})
}

// Shutdown stops background work owned by the controller.
func (c *Controller) Shutdown() {
	c.cancel()
}

// findOrCreateSession returns the user's open session, creating a fresh
// AI-state session when none exists. The lookup-then-insert race is
// tolerated: a loser produces a second open session that the next lookup
// resolves consistently.
func (c *Controller) findOrCreateSession(userID, userEmail string) (*session.Session, error) {
	// No else needed: early return pattern (guard clause)
	if userID == "" {
		return nil, chaterrors.ErrMissingField("user_id")
	}

	sess, err := c.store.FindOpenSession(userID)
	if err == nil {
		return sess, nil
	}
	// No else needed: early return pattern (guard clause)
	if !errors.Is(err, store.ErrSessionNotFound) {
		return nil, chaterrors.ErrDatabaseError(err)
	}

	fresh := session.New(userID, userEmail)
	// No else needed: early return pattern (guard clause)
	if err := c.store.CreateSession(fresh); err != nil {
		util.LogError(c.logger, "controller", "create session", err,
			"user_id", userID)
		return nil, chaterrors.ErrDatabaseError(err)
	}

	c.logger.Info("Session created",
		"session_id", fresh.ID.String(),
		"user_id", userID)

	return fresh, nil
}
