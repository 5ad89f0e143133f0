// Package store persists chat sessions and their message log in MongoDB
// using gomongo. Sessions and messages live in separate collections so the
// transcript can grow without rewriting the session document.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/real-rm/golog"
	"github.com/real-rm/gomongo"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/real-rm/handoff/internal/constants"
	"github.com/real-rm/handoff/internal/event"
	"github.com/real-rm/handoff/internal/metrics"
	"github.com/real-rm/handoff/internal/session"
	"github.com/real-rm/handoff/internal/util"
)

var (
	// ErrInvalidSession is returned when session is nil
	ErrInvalidSession = errors.New("session cannot be nil")
	// ErrInvalidSessionID is returned when session ID is empty
	ErrInvalidSessionID = errors.New("session ID cannot be empty")
	// ErrSessionNotFound is returned when session is not found in database
	ErrSessionNotFound = errors.New("session not found in database")
	// ErrSessionClosed is returned when an update targets a closed session
	ErrSessionClosed = errors.New("session is closed")
)

// Message is a single persisted transcript entry. The ObjectID primary key
// is monotonic within this process, which gives the transcript its
// creation order without a per-session counter.
type Message struct {
	ID        primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	SessionID session.ID         `bson:"sid" json:"session_id"`
	Sender    event.Role         `bson:"sender" json:"sender"`
	Content   string             `bson:"content" json:"content"`
	Timestamp time.Time          `bson:"ts" json:"timestamp"`
}

// ListOptions defines filtering, sorting, and pagination for admin session queries
type ListOptions struct {
	Limit  int // Maximum number of results to return (default: 100, max: 1000)
	Offset int // Number of results to skip for pagination

	UserID string        // Filter by specific user ID
	State  session.State // Filter by lifecycle state ("" = all)

	SortBy    string // Field to sort by: "ts", "_mt", "state", "uid"
	SortOrder string // Sort order: "asc" or "desc" (default: "desc")
}

// retryConfig holds configuration for MongoDB retry logic
type retryConfig struct {
	maxAttempts  int
	initialDelay time.Duration
	maxDelay     time.Duration
	multiplier   float64
}

var defaultRetryConfig = retryConfig{
	maxAttempts:  3,
	initialDelay: constants.InitialRetryDelay,
	maxDelay:     constants.MaxRetryDelay,
	multiplier:   constants.RetryMultiplier,
}

// Store manages session and transcript persistence in MongoDB using gomongo
type Store struct {
	mongo    *gomongo.Mongo
	sessions *gomongo.MongoCollection
	messages *gomongo.MongoCollection
	logger   *golog.Logger
}

// NewStore creates a new store backed by the given gomongo instance.
// mongo: gomongo.Mongo instance (from gomongo.InitMongoDB)
// dbName: database name
// sessionsColl, messagesColl: collection names
func NewStore(mongo *gomongo.Mongo, dbName, sessionsColl, messagesColl string, logger *golog.Logger) *Store {
	return &Store{
		mongo:    mongo,
		sessions: mongo.Coll(dbName, sessionsColl),
		messages: mongo.Coll(dbName, messagesColl),
		logger:   logger,
	}
}

// isRetryableError checks if an error is retryable (transient)
// Returns true for network errors and transient MongoDB errors
func isRetryableError(err error) bool {
	// No else needed: early return pattern (guard clause)
	if err == nil {
		return false
	}

	errStr := err.Error()

	// Network errors
	if containsAny(errStr, []string{
		"connection refused",
		"connection reset",
		"timeout",
		"temporary failure",
		"i/o timeout",
		"EOF",
	}) {
		return true
	}

	// MongoDB specific transient errors
	if containsAny(errStr, []string{
		"server selection timeout",
		"no reachable servers",
		"connection pool",
		"socket",
	}) {
		return true
	}

	return false
}

// containsAny checks if a string contains any of the given substrings
func containsAny(s string, substrings []string) bool {
	for _, substr := range substrings {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}

// EnsureIndexes creates the necessary indexes for both collections.
// This should be called during application initialization.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	// Compound index for the open-session lookup (uid + state)
	userStateIndex := mongo.IndexModel{
		Keys: bson.D{
			{Key: constants.MongoFieldUserID, Value: 1},
			{Key: constants.MongoFieldState, Value: 1},
		},
		Options: options.Index().SetName(constants.IndexUserState),
	}

	// Index for state filtering in the admin console
	stateIndex := mongo.IndexModel{
		Keys:    bson.D{{Key: constants.MongoFieldState, Value: 1}},
		Options: options.Index().SetName(constants.IndexState),
	}

	// Index for the retention sweep over closed sessions
	closedAtIndex := mongo.IndexModel{
		Keys:    bson.D{{Key: constants.MongoFieldClosedAt, Value: 1}},
		Options: options.Index().SetName(constants.IndexClosedAt),
	}

	_, err := s.sessions.CreateIndexes(ctx, []mongo.IndexModel{userStateIndex, stateIndex, closedAtIndex})
	// No else needed: early return pattern (guard clause)
	if err != nil {
		return fmt.Errorf("failed to create session indexes: %w", err)
	}

	// Compound index for ordered transcript reads (sid + _id)
	sessionOrderIndex := mongo.IndexModel{
		Keys: bson.D{
			{Key: constants.MongoFieldSessionID, Value: 1},
			{Key: constants.MongoFieldID, Value: 1},
		},
		Options: options.Index().SetName(constants.IndexSessionOrder),
	}

	_, err = s.messages.CreateIndexes(ctx, []mongo.IndexModel{sessionOrderIndex})
	// No else needed: early return pattern (guard clause)
	if err != nil {
		return fmt.Errorf("failed to create message indexes: %w", err)
	}

	s.logger.Info("MongoDB indexes created successfully",
		"indexes", []string{constants.IndexUserState, constants.IndexState, constants.IndexClosedAt, constants.IndexSessionOrder},
	)

	return nil
}

// CreateSession inserts a new session document
func (s *Store) CreateSession(sess *session.Session) error {
	// No else needed: early return pattern (guard clause)
	if sess == nil {
		return ErrInvalidSession
	}

	// No else needed: early return pattern (guard clause)
	if sess.ID == "" {
		return ErrInvalidSessionID
	}

	start := time.Now()
	defer func() {
		metrics.MongoDBOperationDuration.With(prometheus.Labels{"operation": "create_session"}).Observe(time.Since(start).Seconds())
	}()

	ctx, cancel := util.NewTimeoutContext(constants.DefaultContextTimeout)
	defer cancel()

	err := s.retryOperation(ctx, "CreateSession", func() error {
		_, err := s.sessions.InsertOne(ctx, sess)
		return err
	})

	// No else needed: early return pattern (guard clause)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	metrics.SessionsCreated.Inc()

	return nil
}

// GetSession retrieves a session by ID
func (s *Store) GetSession(id session.ID) (*session.Session, error) {
	// No else needed: early return pattern (guard clause)
	if id == "" {
		return nil, ErrInvalidSessionID
	}

	ctx, cancel := util.NewTimeoutContext(constants.DefaultContextTimeout)
	defer cancel()

	filter := bson.M{constants.MongoFieldID: id}
	var sess session.Session

	err := s.retryOperation(ctx, "GetSession", func() error {
		result := s.sessions.FindOne(ctx, filter)
		return result.Decode(&sess)
	})

	// No else needed: early return pattern (guard clause)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	return &sess, nil
}

// FindOpenSession returns the user's newest session that still accepts
// messages, or ErrSessionNotFound when every session is closed.
func (s *Store) FindOpenSession(userID string) (*session.Session, error) {
	// No else needed: early return pattern (guard clause)
	if userID == "" {
		return nil, errors.New("user ID cannot be empty")
	}

	ctx, cancel := util.NewTimeoutContext(constants.DefaultContextTimeout)
	defer cancel()

	filter := bson.M{
		constants.MongoFieldUserID: userID,
		constants.MongoFieldState:  bson.M{"$in": []session.State{session.StateAI, session.StateEscalated}},
	}
	var sess session.Session

	err := s.retryOperation(ctx, "FindOpenSession", func() error {
		result := s.sessions.FindOne(ctx, filter)
		return result.Decode(&sess)
	})

	// No else needed: early return pattern (guard clause)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to find open session: %w", err)
	}

	return &sess, nil
}

// MarkEscalated transitions a session to the escalated state. The filter
// only matches open sessions, so repeat calls are idempotent and closed
// sessions are rejected with ErrSessionClosed.
func (s *Store) MarkEscalated(id session.ID) (*session.Session, error) {
	// No else needed: early return pattern (guard clause)
	if id == "" {
		return nil, ErrInvalidSessionID
	}

	ctx, cancel := util.NewTimeoutContext(constants.DefaultContextTimeout)
	defer cancel()

	filter := bson.M{
		constants.MongoFieldID:    id,
		constants.MongoFieldState: bson.M{"$in": []session.State{session.StateAI, session.StateEscalated}},
	}
	update := bson.M{
		"$set": bson.M{
			constants.MongoFieldState:    session.StateEscalated,
			constants.MongoFieldModified: time.Now().UTC(),
		},
	}
	findOpts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var sess session.Session
	err := s.retryOperation(ctx, "MarkEscalated", func() error {
		return s.sessions.FindOneAndUpdate(ctx, filter, update, findOpts).Decode(&sess)
	})

	// No else needed: early return pattern (guard clause)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, s.classifyMissing(id)
		}
		return nil, fmt.Errorf("failed to escalate session: %w", err)
	}

	metrics.Escalations.Inc()

	return &sess, nil
}

// CloseSession soft-closes a session: the state flips to closed and the
// record is retained for the admin console until the retention sweep
// removes it. Closing an already closed session reports closed=false
// without error.
func (s *Store) CloseSession(id session.ID) (bool, error) {
	// No else needed: early return pattern (guard clause)
	if id == "" {
		return false, ErrInvalidSessionID
	}

	start := time.Now()
	defer func() {
		metrics.MongoDBOperationDuration.With(prometheus.Labels{"operation": "close_session"}).Observe(time.Since(start).Seconds())
	}()

	ctx, cancel := util.NewTimeoutContext(constants.SessionCloseTimeout)
	defer cancel()

	now := time.Now().UTC()
	filter := bson.M{
		constants.MongoFieldID:    id,
		constants.MongoFieldState: bson.M{"$in": []session.State{session.StateAI, session.StateEscalated}},
	}
	update := bson.M{
		"$set": bson.M{
			constants.MongoFieldState:    session.StateClosed,
			constants.MongoFieldClosedAt: now,
			constants.MongoFieldModified: now,
		},
	}

	findOpts := options.FindOneAndUpdate().SetReturnDocument(options.Before)

	var sess session.Session
	err := s.retryOperation(ctx, "CloseSession", func() error {
		return s.sessions.FindOneAndUpdate(ctx, filter, update, findOpts).Decode(&sess)
	})

	// No else needed: early return pattern (guard clause)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			// Already closed or never existed; close is idempotent either way.
			return false, nil
		}
		return false, fmt.Errorf("failed to close session: %w", err)
	}

	metrics.SessionsClosed.Inc()

	return true, nil
}

// SetConversationID records the upstream conversation ID, write-once. The
// $exists guard means a concurrent or repeated write can never replace a
// value that is already set.
func (s *Store) SetConversationID(id session.ID, conversationID string) error {
	// No else needed: early return pattern (guard clause)
	if id == "" {
		return ErrInvalidSessionID
	}

	// No else needed: early return pattern (guard clause)
	if conversationID == "" {
		return errors.New("conversation ID cannot be empty")
	}

	ctx, cancel := util.NewTimeoutContext(constants.DefaultContextTimeout)
	defer cancel()

	filter := bson.M{
		constants.MongoFieldID:             id,
		constants.MongoFieldConversationID: bson.M{"$exists": false},
	}
	update := bson.M{
		"$set": bson.M{
			constants.MongoFieldConversationID: conversationID,
			constants.MongoFieldModified:       time.Now().UTC(),
		},
	}

	err := s.retryOperation(ctx, "SetConversationID", func() error {
		_, err := s.sessions.UpdateOne(ctx, filter, update)
		return err
	})

	// No else needed: early return pattern (guard clause)
	if err != nil {
		return fmt.Errorf("failed to set conversation ID: %w", err)
	}

	return nil
}

// TouchSession bumps the modification timestamp, used when a human reply
// lands so the console sorts the session to the top.
func (s *Store) TouchSession(id session.ID) error {
	// No else needed: early return pattern (guard clause)
	if id == "" {
		return ErrInvalidSessionID
	}

	ctx, cancel := util.NewTimeoutContext(constants.ShortTimeout)
	defer cancel()

	update := bson.M{"$set": bson.M{constants.MongoFieldModified: time.Now().UTC()}}

	err := s.retryOperation(ctx, "TouchSession", func() error {
		_, err := s.sessions.UpdateOne(ctx, bson.M{constants.MongoFieldID: id}, update)
		return err
	})

	// No else needed: early return pattern (guard clause)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}

	return nil
}

// classifyMissing distinguishes "session gone" from "session closed" after
// a guarded update matched nothing.
func (s *Store) classifyMissing(id session.ID) error {
	existing, err := s.GetSession(id)
	// No else needed: early return pattern (guard clause)
	if err != nil {
		return ErrSessionNotFound
	}
	if existing.State == session.StateClosed {
		return ErrSessionClosed
	}
	return ErrSessionNotFound
}

// AppendMessage persists one transcript entry and returns it with the
// assigned ObjectID.
func (s *Store) AppendMessage(sid session.ID, sender event.Role, content string) (*Message, error) {
	// No else needed: early return pattern (guard clause)
	if sid == "" {
		return nil, ErrInvalidSessionID
	}

	// No else needed: early return pattern (guard clause)
	if !sender.Valid() {
		return nil, fmt.Errorf("invalid sender role: %q", sender)
	}

	start := time.Now()
	defer func() {
		metrics.MongoDBOperationDuration.With(prometheus.Labels{"operation": "append_message"}).Observe(time.Since(start).Seconds())
	}()

	ctx, cancel := util.NewTimeoutContext(constants.MessageAppendTimeout)
	defer cancel()

	msg := &Message{
		ID:        primitive.NewObjectID(),
		SessionID: sid,
		Sender:    sender,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}

	err := s.retryOperation(ctx, "AppendMessage", func() error {
		_, err := s.messages.InsertOne(ctx, msg)
		return err
	})

	// No else needed: early return pattern (guard clause)
	if err != nil {
		return nil, fmt.Errorf("failed to append message: %w", err)
	}

	// Keep the denormalized message count on the session current so the
	// console queue view never needs a per-session count query. Best-effort:
	// a failed bump only skews the count, the transcript stays authoritative.
	countUpdate := bson.M{
		"$inc": bson.M{constants.MongoFieldMessageCount: 1},
		"$set": bson.M{constants.MongoFieldModified: time.Now().UTC()},
	}
	if _, err := s.sessions.UpdateOne(ctx, bson.M{constants.MongoFieldID: sid}, countUpdate); err != nil {
		s.logger.Warn("Failed to bump session message count",
			"session_id", sid.String(),
			"error", err)
	}

	return msg, nil
}

// ListMessages returns the full transcript of a session in creation order.
func (s *Store) ListMessages(sid session.ID) ([]*Message, error) {
	// No else needed: early return pattern (guard clause)
	if sid == "" {
		return nil, ErrInvalidSessionID
	}

	ctx, cancel := util.NewTimeoutContext(constants.DefaultContextTimeout)
	defer cancel()

	filter := bson.M{constants.MongoFieldSessionID: sid}
	queryOpts := gomongo.QueryOptions{
		Sort: bson.D{{Key: constants.MongoFieldID, Value: 1}},
	}

	cursor, err := s.messages.Find(ctx, filter, queryOpts)
	// No else needed: early return pattern (guard clause)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer cursor.Close(ctx)

	msgs := make([]*Message, 0)
	for cursor.Next(ctx) {
		var msg Message
		if err := cursor.Decode(&msg); err != nil {
			return nil, fmt.Errorf("failed to decode message: %w", err)
		}
		msgs = append(msgs, &msg)
	}

	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("cursor error: %w", err)
	}

	return msgs, nil
}

// ListSessions returns sessions for the admin console with filtering,
// sorting and pagination.
func (s *Store) ListSessions(opts *ListOptions) ([]*session.Session, error) {
	if opts == nil {
		opts = &ListOptions{}
	}

	start := time.Now()
	defer func() {
		metrics.MongoDBOperationDuration.With(prometheus.Labels{"operation": "list_sessions"}).Observe(time.Since(start).Seconds())
	}()

	limit := opts.Limit
	if limit <= 0 {
		limit = constants.DefaultSessionLimit
	}
	if limit > constants.MaxSessionLimit {
		limit = constants.MaxSessionLimit
	}

	filter := bson.M{}
	if opts.UserID != "" {
		filter[constants.MongoFieldUserID] = opts.UserID
	}
	if opts.State != "" {
		filter[constants.MongoFieldState] = opts.State
	}

	sortBy := opts.SortBy
	if !constants.ValidSortFields[sortBy] {
		sortBy = constants.MongoFieldModified
	}
	order := -1
	if opts.SortOrder == "asc" {
		order = 1
	}

	ctx, cancel := util.NewTimeoutContext(constants.DefaultContextTimeout)
	defer cancel()

	queryOpts := gomongo.QueryOptions{
		Sort:  bson.D{{Key: sortBy, Value: order}},
		Limit: int64(limit),
		Skip:  int64(opts.Offset),
	}

	cursor, err := s.sessions.Find(ctx, filter, queryOpts)
	// No else needed: early return pattern (guard clause)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer cursor.Close(ctx)

	sessions := make([]*session.Session, 0)
	for cursor.Next(ctx) {
		var sess session.Session
		if err := cursor.Decode(&sess); err != nil {
			return nil, fmt.Errorf("failed to decode session: %w", err)
		}
		sessions = append(sessions, &sess)
	}

	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("cursor error: %w", err)
	}

	return sessions, nil
}

// SweepClosed removes sessions closed before the cutoff along with their
// transcripts. Returns the number of sessions removed.
func (s *Store) SweepClosed(cutoff time.Time) (int64, error) {
	ctx, cancel := util.NewTimeoutContext(constants.LongContextTimeout)
	defer cancel()

	filter := bson.M{
		constants.MongoFieldState:    session.StateClosed,
		constants.MongoFieldClosedAt: bson.M{"$lt": cutoff},
	}

	cursor, err := s.sessions.Find(ctx, filter, gomongo.QueryOptions{})
	// No else needed: early return pattern (guard clause)
	if err != nil {
		return 0, fmt.Errorf("failed to find expired sessions: %w", err)
	}
	defer cursor.Close(ctx)

	ids := make([]session.ID, 0)
	for cursor.Next(ctx) {
		var sess session.Session
		if err := cursor.Decode(&sess); err != nil {
			return 0, fmt.Errorf("failed to decode expired session: %w", err)
		}
		ids = append(ids, sess.ID)
	}

	if err := cursor.Err(); err != nil {
		return 0, fmt.Errorf("cursor error: %w", err)
	}

	// No else needed: early return pattern (nothing to sweep)
	if len(ids) == 0 {
		return 0, nil
	}

	// Transcripts first so an interrupted sweep never strands messages
	// whose session is already gone.
	err = s.retryOperation(ctx, "SweepClosed.messages", func() error {
		_, err := s.messages.DeleteMany(ctx, bson.M{constants.MongoFieldSessionID: bson.M{"$in": ids}})
		return err
	})
	// No else needed: early return pattern (guard clause)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep messages: %w", err)
	}

	err = s.retryOperation(ctx, "SweepClosed.sessions", func() error {
		_, err := s.sessions.DeleteMany(ctx, bson.M{constants.MongoFieldID: bson.M{"$in": ids}})
		return err
	})
	// No else needed: early return pattern (guard clause)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep sessions: %w", err)
	}

	swept := int64(len(ids))
	metrics.SessionsSwept.Add(float64(swept))

	return swept, nil
}

// Ping verifies database connectivity for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.sessions.Ping(ctx)
}

// retryOperation executes an operation with retry logic for transient errors
// Uses exponential backoff with configurable parameters
func (s *Store) retryOperation(ctx context.Context, operation string, fn func() error) error {
	var lastErr error
	delay := defaultRetryConfig.initialDelay

	for attempt := 1; attempt <= defaultRetryConfig.maxAttempts; attempt++ {
		err := fn()
		// No else needed: early return pattern (guard clause - success case)
		if err == nil {
			return nil
		}

		// No else needed: early return pattern (guard clause - non-retryable error)
		if !isRetryableError(err) {
			return err
		}

		lastErr = err

		// No else needed: optional operation (only retry if attempts remain)
		if attempt < defaultRetryConfig.maxAttempts {
			s.logger.Warn("MongoDB operation failed, retrying",
				"operation", operation,
				"attempt", attempt,
				"max_attempts", defaultRetryConfig.maxAttempts,
				"delay", delay,
				"error", err)

			// Sleep with context awareness
			select {
			case <-time.After(delay):
				// Continue to next attempt
			case <-ctx.Done():
				return fmt.Errorf("operation cancelled during retry: %w", ctx.Err())
			}

			// Exponential backoff
			delay = time.Duration(float64(delay) * defaultRetryConfig.multiplier)
			// No else needed: optional operation (only cap if exceeds max)
			if delay > defaultRetryConfig.maxDelay {
				delay = defaultRetryConfig.maxDelay
			}
		}
	}

	return fmt.Errorf("operation failed after %d attempts: %w",
		defaultRetryConfig.maxAttempts, lastErr)
}
