// Package gateway provides WebSocket connection handling with JWT authentication.
// It implements HTTP to WebSocket upgrade, session subscription management, and
// event fan-out to subscribed connections.
package gateway

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/real-rm/golog"
	"github.com/real-rm/handoff/internal/auth"
	chaterrors "github.com/real-rm/handoff/internal/errors"
	"github.com/real-rm/handoff/internal/event"
	"github.com/real-rm/handoff/internal/metrics"
	"github.com/real-rm/handoff/internal/ratelimit"
	"github.com/real-rm/handoff/internal/routing"
	"github.com/real-rm/handoff/internal/session"
	"github.com/real-rm/handoff/internal/util"
)

var (
	// upgrader configures the WebSocket upgrade
	// SECURITY: In production, this service MUST be deployed behind a reverse proxy
	// (nginx, traefik, etc.) that terminates TLS/SSL connections, ensuring all
	// WebSocket connections use the WSS (WebSocket Secure) protocol.
	// The CheckOrigin function is configured per-gateway instance.
	upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		// CheckOrigin is set per-gateway instance
	}

	// Connection lifecycle timeouts
	// pongWait is the time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// pingPeriod is the interval for sending ping messages (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// writeWait is the time allowed to write a message to the peer
	writeWait = 10 * time.Second
)

// AdminRole is the JWT role that grants console access.
const AdminRole = "admin"

// Connection represents an active WebSocket connection with user context
type Connection struct {
	// conn is the underlying WebSocket connection
	conn *websocket.Conn

	// ConnectionID is a unique identifier for this connection
	ConnectionID string

	// UserID is the authenticated user's ID from JWT
	UserID string

	// Email is the user's email from JWT
	Email string

	// Roles are the user's roles from JWT
	Roles []string

	// send is a buffered channel for outbound events
	send chan []byte

	// closing indicates the connection is being torn down.
	// Set before closing the send channel to prevent send-on-closed-channel panics.
	closing atomic.Bool

	// mu protects concurrent access to the connection
	mu sync.RWMutex
}

// NewConnection creates a new Connection for testing purposes
// This is primarily used in tests to create mock connections
func NewConnection(userID string, roles []string) *Connection {
	return &Connection{
		ConnectionID: fmt.Sprintf("%s-%d", userID, time.Now().UnixNano()),
		UserID:       userID,
		Roles:        roles,
		send:         make(chan []byte, 256),
	}
}

// GetUserID returns the user ID for this connection
func (c *Connection) GetUserID() string {
	return c.UserID
}

// IsAdmin reports whether the connection carries the admin role
func (c *Connection) IsAdmin() bool {
	for _, role := range c.Roles {
		if role == AdminRole {
			return true
		}
	}
	return false
}

// SessionLookup resolves a session ID to its stored record. Used to
// authorize subscriptions before they enter the routing table.
type SessionLookup interface {
	GetSession(id session.ID) (*session.Session, error)
}

// DepartureHandler is invoked after a connection leaves the routing table.
// The gateway calls it with the departure bookkeeping so the owning service
// can broadcast user_left and close abandoned sessions.
type DepartureHandler func(dep routing.Departure)

// Gateway manages WebSocket connections, session subscriptions, and fan-out
type Gateway struct {
	validator      *auth.JWTValidator
	logger         *golog.Logger
	connLimiter    *ratelimit.ConnectionLimiter
	table          *routing.Table
	sessions       SessionLookup
	onDeparture    DepartureHandler
	allowedOrigins []string
	maxMessageSize int64

	// connections tracks active connections by user ID and connection ID
	connections map[string]map[string]*Connection
	mu          sync.RWMutex
}

// New creates a new Gateway over the given routing table
func New(validator *auth.JWTValidator, table *routing.Table, sessions SessionLookup, logger *golog.Logger, maxMessageSize int64) *Gateway {
	gwLogger := logger.WithGroup("gateway")
	return &Gateway{
		validator:      validator,
		table:          table,
		sessions:       sessions,
		logger:         gwLogger,
		connLimiter:    ratelimit.NewConnectionLimiter(10), // Max 10 connections per user
		maxMessageSize: maxMessageSize,
		connections:    make(map[string]map[string]*Connection),
	}
}

// SetDepartureHandler wires the disconnect hook. Must be called before the
// gateway starts accepting connections.
func (g *Gateway) SetDepartureHandler(fn DepartureHandler) {
	g.onDeparture = fn
}

// SetAllowedOrigins configures the allowed origins for WebSocket connections
// If no origins are set, all origins are allowed (development mode)
func (g *Gateway) SetAllowedOrigins(origins []string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.allowedOrigins = origins

	g.logger.Info("Configured allowed origins",
		"count", len(origins),
		"origins", origins)
}

// IsOpenOrigin returns true when no allowed origins are configured,
// meaning all origins are accepted. Callers can use this to log security
// warnings or enforce stricter policies at the application level.
// SECURITY: When true, any website can establish WebSocket connections.
// This is acceptable only when the service sits behind a reverse proxy
// that performs its own origin validation.
func (g *Gateway) IsOpenOrigin() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.allowedOrigins) == 0
}

// checkOrigin validates the origin of a WebSocket upgrade request
func (g *Gateway) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")

	g.mu.RLock()
	defer g.mu.RUnlock()

	if util.OriginAllowed(origin, g.allowedOrigins) {
		return true
	}

	g.logger.Warn("Origin not allowed",
		"origin", origin,
		"allowed_origins", g.allowedOrigins)
	return false
}

// HandleWebSocket handles HTTP to WebSocket upgrade requests
// It performs the following steps:
// 1. Extract JWT token from query parameter or header
// 2. Validate the JWT token
// 3. Upgrade the HTTP connection to WebSocket
// 4. Create a Connection struct with user context and start pumps
func (g *Gateway) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Extract token: prefer Authorization header, fall back to query parameter
	var token string
	authHeader := r.Header.Get("Authorization")
	if len(authHeader) > 7 && authHeader[:7] == "Bearer " {
		token = authHeader[7:]
	}
	if token == "" {
		token = r.URL.Query().Get("token")
		if token != "" {
			g.logger.Warn("JWT provided via query parameter (deprecated, use Authorization header)",
				"component", "gateway")
		}
	}

	// No else needed: early return pattern (guard clause)
	if token == "" {
		http.Error(w, "Missing authentication token", http.StatusUnauthorized)
		return
	}

	// Validate JWT token
	claims, err := g.validator.ValidateToken(token)
	// No else needed: early return pattern (guard clause)
	if err != nil {
		g.logger.Warn("JWT validation failed",
			"error", err,
			"component", "gateway")
		http.Error(w, "Authentication failed", http.StatusUnauthorized)
		return
	}

	// Check connection rate limit
	// No else needed: early return pattern (guard clause)
	if !g.connLimiter.Allow(claims.UserID) {
		g.logger.Warn("Connection limit exceeded",
			"user_id", claims.UserID,
			"component", "gateway")

		chatErr := chaterrors.ErrConnectionLimitExceeded(5000)
		http.Error(w, chatErr.Message, http.StatusTooManyRequests)
		return
	}

	// Upgrade HTTP connection to WebSocket
	localUpgrader := upgrader
	localUpgrader.CheckOrigin = g.checkOrigin

	conn, err := localUpgrader.Upgrade(w, r, nil)
	// No else needed: early return pattern (guard clause)
	if err != nil {
		g.connLimiter.Release(claims.UserID)
		util.LogError(g.logger, "gateway", "upgrade connection", err)
		return
	}

	// Set read limit to prevent memory exhaustion from oversized frames
	conn.SetReadLimit(g.maxMessageSize)

	// Create connection with user context
	connection := g.createConnection(conn, claims)

	// Register the connection
	g.registerConnection(connection)

	g.logger.Info("WebSocket connection established",
		"user_id", claims.UserID,
		"component", "gateway")

	// Start read and write pumps in goroutines with panic recovery
	util.SafeGo(g.logger, "readPump", func() { connection.readPump(g) })
	util.SafeGo(g.logger, "writePump", func() { connection.writePump() })
}

// createConnection creates a new Connection with user context from JWT claims
func (g *Gateway) createConnection(conn *websocket.Conn, claims *auth.Claims) *Connection {
	// Generate unique connection ID using random bytes for better uniqueness
	// The connection ID format: userID-nanosecondTimestamp-randomHex
	// This ensures uniqueness even for rapid connections from the same user
	randomBytes := make([]byte, 8)
	// No else needed: fallback logic for rare error case
	if _, err := rand.Read(randomBytes); err != nil {
		// Fallback to timestamp-only if random generation fails (extremely rare)
		util.LogError(g.logger, "gateway", "generate random bytes for connection ID", err)
		connectionID := fmt.Sprintf("%s-%d", claims.UserID, time.Now().UnixNano())
		return &Connection{
			conn:         conn,
			ConnectionID: connectionID,
			UserID:       claims.UserID,
			Email:        claims.Email,
			Roles:        claims.Roles,
			send:         make(chan []byte, 256),
		}
	}

	connectionID := fmt.Sprintf("%s-%d-%s", claims.UserID, time.Now().UnixNano(), hex.EncodeToString(randomBytes))

	return &Connection{
		conn:         conn,
		ConnectionID: connectionID,
		UserID:       claims.UserID,
		Email:        claims.Email,
		Roles:        claims.Roles,
		send:         make(chan []byte, 256),
	}
}

// registerConnection adds a connection to the active connections map
func (g *Gateway) registerConnection(conn *Connection) {
	g.mu.Lock()
	defer g.mu.Unlock()

	// No else needed: initialize if needed (lazy initialization)
	if g.connections[conn.UserID] == nil {
		g.connections[conn.UserID] = make(map[string]*Connection)
	}

	g.connections[conn.UserID][conn.ConnectionID] = conn

	metrics.WebSocketConnections.Inc()

	g.logger.Info("Connection registered",
		"user_id", conn.UserID,
		"connection_id", conn.ConnectionID,
		"total_connections", len(g.connections[conn.UserID]))
}

// RegisterConnectionForTest registers a connection for testing purposes
// This should only be used in tests
func (g *Gateway) RegisterConnectionForTest(conn *Connection) {
	g.registerConnection(conn)
}

// unregisterConnection removes a connection from the active connections map
// and from the routing table, invoking the departure hook when wired.
func (g *Gateway) unregisterConnection(conn *Connection) {
	g.mu.Lock()
	if userConns, ok := g.connections[conn.UserID]; ok {
		if _, exists := userConns[conn.ConnectionID]; exists {
			delete(userConns, conn.ConnectionID)
			conn.closing.Store(true)
			close(conn.send)

			g.connLimiter.Release(conn.UserID)

			metrics.WebSocketConnections.Dec()

			// If no more connections for this user, remove the user entry
			if len(userConns) == 0 {
				delete(g.connections, conn.UserID)
			}

			g.logger.Info("Connection unregistered",
				"user_id", conn.UserID,
				"connection_id", conn.ConnectionID,
				"remaining_connections", len(userConns))
		}
	}
	g.mu.Unlock()

	// Routing table cleanup happens outside the connection lock; the
	// departure hook may broadcast, which takes the table's own lock.
	if dep, ok := g.table.Unsubscribe(conn.ConnectionID); ok {
		metrics.SubscriptionsActive.Dec()
		if g.onDeparture != nil {
			g.onDeparture(dep)
		}
	}
}

// Broadcast fans an event out to every connection subscribed to the session.
// Delivery is best-effort: slow or closing connections are skipped. Optional
// connection IDs in exclude are left out of the fan-out, so a client that
// already rendered the message from a request response gets no echo.
func (g *Gateway) Broadcast(sid session.ID, ev *event.Event, exclude ...string) {
	data, err := util.MarshalJSON(ev)
	// No else needed: early return pattern (guard clause)
	if err != nil {
		util.LogError(g.logger, "gateway", "marshal broadcast event", err,
			"session_id", sid.String(),
			"event_type", ev.Type)
		return
	}

	subs := g.table.Subscribers(sid)
	if len(subs) == 0 {
		return
	}

	delivered := 0
	for _, sub := range subs {
		if excluded(sub.ConnID, exclude) {
			continue
		}
		conn := g.lookupConnection(sub.ConnID)
		if conn == nil {
			continue
		}
		if conn.SafeSend(data) {
			delivered++
		} else {
			g.logger.Warn("Dropped broadcast frame, channel full or closing",
				"session_id", sid.String(),
				"connection_id", sub.ConnID,
				"event_type", ev.Type)
		}
	}

	metrics.EventsBroadcast.WithLabelValues(string(ev.Type)).Add(float64(delivered))

	g.logger.Debug("Event broadcast",
		"session_id", sid.String(),
		"event_type", ev.Type,
		"subscribers", len(subs),
		"delivered", delivered)
}

// excluded reports whether connID appears in the exclusion list.
func excluded(connID string, exclude []string) bool {
	for _, id := range exclude {
		if id == connID {
			return true
		}
	}
	return false
}

// lookupConnection finds a live connection by its connection ID
func (g *Gateway) lookupConnection(connID string) *Connection {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for _, userConns := range g.connections {
		if conn, ok := userConns[connID]; ok {
			return conn
		}
	}
	return nil
}

// handleSubscribe processes a subscribe_to_session frame from a client.
// Users may only watch their own sessions; admins may watch any session.
func (g *Gateway) handleSubscribe(c *Connection, ev *event.Event) {
	sid, err := session.ParseID(ev.SessionID)
	// No else needed: early return pattern (guard clause)
	if err != nil {
		c.sendErrorResponse(chaterrors.ErrCodeInvalidFormat, "Invalid session ID")
		return
	}

	sess, err := g.sessions.GetSession(sid)
	// No else needed: early return pattern (guard clause)
	if err != nil {
		g.logger.Warn("Subscription to unknown session rejected",
			"user_id", c.UserID,
			"session_id", ev.SessionID,
			"component", "gateway")
		c.sendErrorResponse(chaterrors.ErrCodeSessionNotFound, "Session not found")
		return
	}

	role := event.RoleUser
	if c.IsAdmin() {
		role = event.RoleAdmin
	}

	// No else needed: early return pattern (guard clause)
	if role == event.RoleUser && sess.UserID != c.UserID {
		g.logger.Warn("Subscription to foreign session rejected",
			"user_id", c.UserID,
			"session_id", ev.SessionID,
			"component", "gateway")
		c.sendErrorResponse(chaterrors.ErrCodeInsufficientPerms, "Not your session")
		return
	}

	prev, moved, fresh := g.table.Subscribe(c.ConnectionID, sid, role, c.Email)
	// No else needed: optional operation (move logging)
	if moved {
		g.logger.Info("Connection moved between sessions",
			"user_id", c.UserID,
			"connection_id", c.ConnectionID,
			"previous_session", prev.String(),
			"session_id", sid.String())
	}
	// The gauge pairs with the single Dec at unsubscribe, so only a
	// newly tracked connection counts. Moves and idempotent resubscribes
	// leave it untouched.
	if fresh {
		metrics.SubscriptionsActive.Inc()
	}

	ack := &event.Event{
		Type:      event.TypeSubscribed,
		SessionID: sid.String(),
		Role:      role,
		Timestamp: time.Now().UTC(),
	}
	if data, err := util.MarshalJSON(ack); err == nil {
		c.SafeSend(data)
	}

	g.logger.Info("Connection subscribed to session",
		"user_id", c.UserID,
		"connection_id", c.ConnectionID,
		"session_id", sid.String(),
		"role", role)
}

// Shutdown gracefully closes all active WebSocket connections
// Deprecated: Use ShutdownWithContext instead
func (g *Gateway) Shutdown() {
	ctx := context.Background()
	g.ShutdownWithContext(ctx)
}

// ShutdownWithContext gracefully closes all active WebSocket connections
// It respects the context deadline and will force shutdown if the deadline is exceeded
func (g *Gateway) ShutdownWithContext(ctx context.Context) error {
	g.logger.Info("Shutting down gateway, closing all connections")

	g.mu.Lock()
	connections := make([]*Connection, 0)
	for _, userConns := range g.connections {
		for _, conn := range userConns {
			connections = append(connections, conn)
		}
	}
	g.mu.Unlock()

	var wg sync.WaitGroup
	errChan := make(chan error, len(connections))

	for _, conn := range connections {
		wg.Add(1)
		go func(c *Connection) {
			defer wg.Done()

			g.logger.Info("Closing WebSocket connection",
				"user_id", c.UserID,
				"connection_id", c.ConnectionID)

			c.mu.Lock()
			if c.conn != nil {
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "Server shutting down"))
			}
			c.mu.Unlock()

			if err := c.Close(); err != nil {
				errChan <- err
			}
		}(conn)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		g.logger.Info("All WebSocket connections closed gracefully")
		return nil
	case <-ctx.Done():
		g.logger.Warn("Shutdown deadline exceeded, forcing closure",
			"remaining_connections", len(connections))
		return ctx.Err()
	}
}

// Close gracefully closes the WebSocket connection and cleans up resources
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// SetClosing marks the connection as closing.
// After this call, SafeSend will return false.
func (c *Connection) SetClosing() {
	c.closing.Store(true)
}

// SafeSend attempts to send data to the connection's send channel.
// Returns false if the connection is closing or the channel is full.
// This is the preferred method for sending data to avoid panics on closed channels.
func (c *Connection) SafeSend(data []byte) bool {
	if c.closing.Load() {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// ReceiveForTest returns the send channel as a receive channel for testing purposes
// This should only be used in tests to verify events sent to the connection
func (c *Connection) ReceiveForTest() <-chan []byte {
	return c.send
}

// sendErrorResponse sends a structured error frame to the client via the send channel.
// Uses a select/default guard to avoid blocking if the channel is full.
func (c *Connection) sendErrorResponse(code chaterrors.ErrorCode, msg string) {
	errorEv := &event.Event{
		Type: event.TypeError,
		Error: &event.ErrorInfo{
			Code:        string(code),
			Message:     msg,
			Recoverable: true,
		},
		Timestamp: time.Now().UTC(),
	}
	if errorBytes, err := util.MarshalJSON(errorEv); err == nil {
		select {
		case c.send <- errorBytes:
		default:
		}
	}
}

// readPump reads frames from the WebSocket connection
// It handles:
// - Setting read deadline based on pongWait
// - Configuring pong handler to reset read deadline
// - Parsing and validating subscription frames
// - Graceful cleanup on connection close or error
func (c *Connection) readPump(g *Gateway) {
	defer func() {
		g.logger.Info("WebSocket connection closed",
			"user_id", c.UserID,
			"connection_id", c.ConnectionID,
			"component", "gateway")

		g.unregisterConnection(c)
		c.Close()
	}()

	// Set initial read deadline
	c.conn.SetReadDeadline(time.Now().Add(pongWait))

	// Configure pong handler to reset read deadline
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		g.logger.Debug("Heartbeat pong received",
			"user_id", c.UserID,
			"connection_id", c.ConnectionID,
			"component", "gateway")
		return nil
	})

	for {
		_, rawFrame, err := c.conn.ReadMessage()
		// No else needed: error handling with break (exits loop)
		if err != nil {
			// No else needed: specific error handling (logs and continues to break)
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				util.LogError(g.logger, "gateway", "handle unexpected close", err,
					"user_id", c.UserID,
					"connection_id", c.ConnectionID)
			} else {
				g.logger.Info("WebSocket connection closing",
					"user_id", c.UserID,
					"connection_id", c.ConnectionID,
					"component", "gateway")
			}
			break
		}

		var ev event.Event
		// No else needed: error handling with continue (skips to next iteration)
		if err := util.UnmarshalJSON(rawFrame, &ev); err != nil {
			g.logger.Warn("Failed to parse frame",
				"user_id", c.UserID,
				"connection_id", c.ConnectionID,
				"error", err)

			c.sendErrorResponse(chaterrors.ErrCodeInvalidFormat, "Invalid event format")
			continue
		}

		// No else needed: error handling with continue (skips to next iteration)
		if err := event.ValidateInbound(&ev); err != nil {
			g.logger.Warn("Inbound event validation failed",
				"user_id", c.UserID,
				"connection_id", c.ConnectionID,
				"error", err)

			c.sendErrorResponse(chaterrors.ErrCodeInvalidFormat, "Event validation failed")
			continue
		}

		g.logger.Debug("Inbound event received",
			"user_id", c.UserID,
			"connection_id", c.ConnectionID,
			"event_type", ev.Type,
			"component", "gateway")

		g.handleSubscribe(c, &ev)
	}
}

// writePump writes frames to the WebSocket connection
// It handles:
// - Sending periodic ping messages for heartbeat
// - Writing events from the send channel
// - Setting write deadlines
// - Graceful connection closure
func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))

			// No else needed: channel closed handling (sends close and returns)
			if !ok {
				// Channel closed, send close message
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// No else needed: error handling with return (exits function)
			// Write each event as a separate WebSocket frame
			// This ensures proper JSON parsing on the client side
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			// No else needed: error handling with return (exits function)
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
