// Package handoff provides the main service registration for the human-handoff
// chat application. It integrates with gomain by implementing a Register
// function that sets up all WebSocket and HTTP endpoints for the service.
package handoff

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/real-rm/goconfig"
	"github.com/real-rm/golog"
	"github.com/real-rm/gomongo"
	"github.com/real-rm/handoff/internal/auth"
	"github.com/real-rm/handoff/internal/config"
	"github.com/real-rm/handoff/internal/constants"
	"github.com/real-rm/handoff/internal/controller"
	chaterrors "github.com/real-rm/handoff/internal/errors"
	"github.com/real-rm/handoff/internal/gateway"
	"github.com/real-rm/handoff/internal/httperrors"
	"github.com/real-rm/handoff/internal/metrics"
	"github.com/real-rm/handoff/internal/notification"
	"github.com/real-rm/handoff/internal/ratelimit"
	"github.com/real-rm/handoff/internal/responder"
	"github.com/real-rm/handoff/internal/routing"
	"github.com/real-rm/handoff/internal/session"
	"github.com/real-rm/handoff/internal/store"
	"github.com/real-rm/handoff/internal/util"
)

var (
	// Global references for graceful shutdown
	globalGateway       *gateway.Gateway
	globalController    *controller.Controller
	globalUserLimiter   *ratelimit.MessageLimiter
	globalAdminLimiter  *ratelimit.MessageLimiter
	globalPublicLimiter *ratelimit.MessageLimiter
	globalLogger        *golog.Logger
	shutdownMu          sync.Mutex
)

// Register registers the handoff service with the gomain router.
// This function is called by gomain during service initialization.
//
// Parameters:
//   - r: Gin router for registering HTTP and WebSocket endpoints
//   - cfg: Configuration accessor for loading service settings
//   - logger: Logger for structured logging
//   - mongo: MongoDB client for data persistence
//
// Returns:
//   - error: Any error that occurred during registration
func Register(r *gin.Engine, cfg *goconfig.ConfigAccessor, logger *golog.Logger, mongo *gomongo.Mongo) error {
	handoffLogger := logger.WithGroup("handoff")
	handoffLogger.Info("Initializing handoff service")

	// Load and validate configuration before anything serves traffic.
	// Misconfigurations (weak JWT secret, missing Dify credentials) fail
	// registration instead of surfacing at the first request.
	settings, err := config.FromAccessor(cfg)
	// No else needed: early return pattern (guard clause)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	// No else needed: early return pattern (guard clause)
	if err := settings.Validate(); err != nil {
		handoffLogger.Error("Configuration validation failed", "error", err)
		return err
	}

	// Load maximum message size for WebSocket frames
	maxMessageSize, err := cfg.ConfigIntWithDefault("handoff.max_message_size", constants.DefaultMaxMessageSize)
	// No else needed: early return pattern (guard clause)
	if err != nil {
		return fmt.Errorf("failed to get max message size: %w", err)
	}
	// No else needed: optional operation (fallback for nonsense values)
	if maxMessageSize <= 0 {
		maxMessageSize = constants.DefaultMaxMessageSize
	}

	// Create the session store over the two MongoDB collections
	st := store.NewStore(mongo, settings.Database.Database,
		settings.Database.SessionsCollection, settings.Database.MessagesCollection, handoffLogger)

	// Ensure MongoDB indexes are created for optimal query performance
	indexCtx, indexCancel := util.NewTimeoutContext(constants.MongoIndexTimeout)
	defer indexCancel()
	// No else needed: optional operation (non-critical index creation)
	if err := st.EnsureIndexes(indexCtx); err != nil {
		handoffLogger.Warn("Failed to create MongoDB indexes", "error", err)
		// Don't fail startup - indexes can be created manually if needed
	}

	// Create the AI responder over the Dify blocking completion API
	difyClient := responder.NewDifyClient(settings.Dify.APIKey, settings.Dify.Endpoint,
		settings.Dify.Timeout, handoffLogger)
	aiService := responder.NewService(difyClient, handoffLogger)

	// Create notification service for staff escalation alerts
	notifier, err := notification.NewService(handoffLogger, cfg, mongo)
	// No else needed: early return pattern (guard clause)
	if err != nil {
		return fmt.Errorf("failed to create notification service: %w", err)
	}

	// Create JWT validator
	validator := auth.NewJWTValidator(settings.Server.JWTSecret)

	// Create the routing table and the gateway that owns it
	table := routing.NewTable()
	gw := gateway.New(validator, table, st, handoffLogger, int64(maxMessageSize))

	// Configure allowed origins for WebSocket connections
	// SECURITY: When no origins are configured, ALL origins are accepted.
	// This is acceptable only in development. In production, always configure
	// allowed_origins to prevent cross-site WebSocket hijacking.
	if len(settings.Server.AllowedOrigins) > 0 {
		gw.SetAllowedOrigins(settings.Server.AllowedOrigins)
	} else {
		handoffLogger.Warn("No allowed origins configured, allowing all origins (development mode)")
	}

	// Create the handoff controller and wire the disconnect hook
	ctrl := controller.New(st, aiService, notifier, gw, handoffLogger)
	gw.SetDepartureHandler(ctrl.HandleDeparture)

	// Rate limiters: per-user chat submissions, per-admin console requests,
	// per-IP public endpoints (healthz, readyz, metrics)
	userLimiter := ratelimit.NewMessageLimiter(constants.DefaultRateWindow, settings.Server.RateLimit)
	adminLimiter := ratelimit.NewMessageLimiter(settings.Server.AdminRateWindow, settings.Server.AdminRateLimit)
	publicLimiter := ratelimit.NewMessageLimiter(1*time.Minute, constants.PublicEndpointRate)

	handoffLogger.Info("Rate limiters configured",
		"user_rate_limit", settings.Server.RateLimit,
		"admin_rate_limit", settings.Server.AdminRateLimit,
		"admin_rate_window", settings.Server.AdminRateWindow)

	// Start background goroutines only after all validation is complete,
	// so we don't leak goroutines if Register() returns an error.
	userLimiter.StartCleanup()
	adminLimiter.StartCleanup()
	publicLimiter.StartCleanup()
	ctrl.StartRetentionSweep(settings.Retention.Age, settings.Retention.SweepInterval)

	// Store global references for graceful shutdown.
	// Stop any previously-registered instances to prevent goroutine leaks
	// when Register() is called multiple times (tests, hot-reload).
	shutdownMu.Lock()
	if globalController != nil {
		globalController.Shutdown()
	}
	if globalUserLimiter != nil {
		globalUserLimiter.StopCleanup()
	}
	if globalAdminLimiter != nil {
		globalAdminLimiter.StopCleanup()
	}
	if globalPublicLimiter != nil {
		globalPublicLimiter.StopCleanup()
	}
	if globalGateway != nil {
		_ = globalGateway.ShutdownWithContext(context.Background())
	}
	globalGateway = gw
	globalController = ctrl
	globalUserLimiter = userLimiter
	globalAdminLimiter = adminLimiter
	globalPublicLimiter = publicLimiter
	globalLogger = handoffLogger
	shutdownMu.Unlock()

	// Configure CORS middleware from the same origin allowlist the
	// WebSocket upgrade uses.
	if len(settings.Server.AllowedOrigins) > 0 {
		corsConfig := cors.Config{
			AllowOrigins:     settings.Server.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
			ExposeHeaders:    []string{"Content-Length"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}
		r.Use(cors.New(corsConfig))

		handoffLogger.Info("CORS middleware configured",
			"allowed_origins", settings.Server.AllowedOrigins,
			"allow_credentials", true)
	} else {
		handoffLogger.Warn("No CORS origins configured, CORS middleware not enabled")
	}

	// Configure trusted proxies to prevent X-Forwarded-For spoofing.
	// c.ClientIP() will only trust X-Forwarded-For from these networks.
	trustedProxiesStr, _ := cfg.ConfigStringWithDefault("handoff.trusted_proxies", constants.DefaultTrustedProxies)
	if trustedProxiesStr != "" {
		proxies := strings.Split(trustedProxiesStr, ",")
		for i, p := range proxies {
			proxies[i] = strings.TrimSpace(p)
		}
		if err := r.SetTrustedProxies(proxies); err != nil {
			handoffLogger.Warn("Failed to set trusted proxies", "error", err)
		} else {
			handoffLogger.Info("Trusted proxies configured", "proxies", proxies)
		}
	}

	// Apply security headers middleware
	r.Use(securityHeadersMiddleware())

	// Apply metrics middleware to record HTTP request duration
	r.Use(metricsMiddleware())

	pathPrefix := settings.Server.PathPrefix
	handoffLogger.Info("Using HTTP path prefix", "prefix", pathPrefix)

	// Register routes
	chatGroup := r.Group(pathPrefix)
	{
		// WebSocket endpoint - use Gin context adapter
		chatGroup.GET("/ws", func(c *gin.Context) {
			// If JWT is in query param, move it to Authorization header and redact
			// from URL to prevent it from appearing in Gin access logs.
			if token := c.Query("token"); token != "" {
				if c.Request.Header.Get("Authorization") == "" {
					c.Request.Header.Set("Authorization", "Bearer "+token)
				}
				q := c.Request.URL.Query()
				q.Del("token")
				c.Request.URL.RawQuery = q.Encode()
			}
			gw.HandleWebSocket(c.Writer, c.Request)
		})

		// End-user chat endpoints (authenticated, per-user rate limited)
		userGroup := chatGroup.Group("")
		userGroup.Use(userAuthMiddleware(validator, handoffLogger))
		userGroup.Use(userRateLimitMiddleware(userLimiter, handoffLogger))
		{
			userGroup.POST("/messages", handleSubmitMessage(ctrl, handoffLogger))
			userGroup.POST("/request-human", handleRequestHuman(ctrl, handoffLogger))
			userGroup.POST("/close", handleCloseSession(ctrl, handoffLogger))
			userGroup.GET("/sessions", handleUserSessions(st, handoffLogger))
		}

		// Admin HTTP endpoints
		adminGroup := chatGroup.Group("/admin")
		adminGroup.Use(adminAuthMiddleware(validator, handoffLogger))
		adminGroup.Use(adminRateLimitMiddleware(adminLimiter, handoffLogger))
		{
			adminGroup.GET("/sessions", handleListEscalated(ctrl, handoffLogger))
			adminGroup.GET("/sessions/:sessionID/transcript", handleTranscript(ctrl, handoffLogger))
			adminGroup.POST("/sessions/:sessionID/reply", handleAdminReply(ctrl, handoffLogger))
		}

		// Health check endpoints (rate limited to prevent abuse)
		chatGroup.GET("/healthz", publicRateLimitMiddleware(publicLimiter, handoffLogger), handleHealthCheck)
		chatGroup.GET("/readyz", publicRateLimitMiddleware(publicLimiter, handoffLogger), handleReadyCheck(st, handoffLogger))

		// Prometheus metrics endpoint — restricted to configured networks
		metricsAllowedStr, _ := cfg.ConfigStringWithDefault("handoff.metrics_allowed_networks", constants.DefaultMetricsAllowedNetworks)
		metricsNets := parseNetworks(metricsAllowedStr, handoffLogger)
		chatGroup.GET("/metrics/prometheus",
			metricsNetworkMiddleware(metricsNets, handoffLogger),
			publicRateLimitMiddleware(publicLimiter, handoffLogger),
			gin.WrapH(promhttp.Handler()),
		)
	}

	handoffLogger.Info("Handoff service registered successfully",
		"websocket_endpoint", pathPrefix+"/ws",
		"chat_endpoints", pathPrefix+"/messages, "+pathPrefix+"/request-human, "+pathPrefix+"/close",
		"admin_endpoints", pathPrefix+"/admin/*",
		"health_endpoints", pathPrefix+"/healthz, "+pathPrefix+"/readyz",
		"metrics_endpoint", pathPrefix+"/metrics/prometheus",
	)

	return nil
}

// securityHeadersMiddleware adds standard HTTP security headers to all responses.
func securityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Next()
	}
}

// metricsMiddleware records HTTP request duration for Prometheus monitoring
func metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		metrics.HTTPRequestDuration.With(prometheus.Labels{
			"endpoint": c.FullPath(),
			"method":   c.Request.Method,
		}).Observe(time.Since(start).Seconds())
	}
}

// userAuthMiddleware creates a Gin middleware for JWT authentication (without admin check)
func userAuthMiddleware(validator *auth.JWTValidator, logger *golog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		token, err := util.ExtractBearerToken(authHeader)
		// No else needed: early return pattern (guard clause)
		if err != nil {
			httperrors.RespondUnauthorized(c, httperrors.MsgInvalidAuthHeader)
			c.Abort()
			return
		}

		claims, err := validator.ValidateToken(token)
		// No else needed: early return pattern (guard clause)
		if err != nil {
			// Log detailed error server-side
			logger.Warn("Token validation failed",
				"error", err,
				"component", "auth")
			// Send generic error to client
			httperrors.RespondInvalidToken(c)
			c.Abort()
			return
		}

		c.Set("claims", claims)
		c.Next()
	}
}

// adminAuthMiddleware creates a Gin middleware for JWT authentication with admin role check
func adminAuthMiddleware(validator *auth.JWTValidator, logger *golog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		token, err := util.ExtractBearerToken(authHeader)
		// No else needed: early return pattern (guard clause)
		if err != nil {
			httperrors.RespondUnauthorized(c, httperrors.MsgInvalidAuthHeader)
			c.Abort()
			return
		}

		claims, err := validator.ValidateToken(token)
		// No else needed: early return pattern (guard clause)
		if err != nil {
			logger.Warn("Token validation failed",
				"error", err,
				"component", "auth")
			httperrors.RespondInvalidToken(c)
			c.Abort()
			return
		}

		// No else needed: early return pattern (guard clause)
		if !util.HasRole(claims.Roles, constants.RoleAdmin, constants.RoleChatAdmin) {
			logger.Warn("Insufficient permissions for admin endpoint",
				"user_id", claims.UserID,
				"roles", claims.Roles,
				"component", "auth")
			httperrors.RespondForbidden(c)
			c.Abort()
			return
		}

		c.Set("claims", claims)
		c.Next()
	}
}

// claimsFromContext extracts validated JWT claims placed by the auth middleware.
func claimsFromContext(c *gin.Context, logger *golog.Logger) (*auth.Claims, bool) {
	claimsInterface, exists := c.Get("claims")
	// No else needed: early return pattern (guard clause)
	if !exists {
		httperrors.RespondUnauthorized(c, "")
		return nil, false
	}

	claims, ok := claimsInterface.(*auth.Claims)
	// No else needed: early return pattern (guard clause)
	if !ok {
		util.LogError(logger, "http", "validate claims type", fmt.Errorf("invalid claims type in context"))
		httperrors.RespondInternalError(c)
		return nil, false
	}

	return claims, true
}

// userRateLimitMiddleware limits chat submissions per authenticated user
func userRateLimitMiddleware(limiter *ratelimit.MessageLimiter, logger *golog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := claimsFromContext(c, logger)
		// No else needed: early return pattern (guard clause)
		if !ok {
			c.Abort()
			return
		}

		// No else needed: early return pattern (guard clause)
		if !limiter.Allow(claims.UserID) {
			retryAfter := limiter.GetRetryAfter(claims.UserID)

			logger.Warn("User rate limit exceeded",
				"user_id", claims.UserID,
				"endpoint", c.Request.URL.Path,
				"retry_after_ms", retryAfter,
				"component", "rate_limit")

			respondRateLimited(c, retryAfter)
			return
		}

		c.Next()
	}
}

// adminRateLimitMiddleware creates a Gin middleware for admin endpoint rate limiting
func adminRateLimitMiddleware(limiter *ratelimit.MessageLimiter, logger *golog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := claimsFromContext(c, logger)
		// No else needed: early return pattern (guard clause)
		if !ok {
			c.Abort()
			return
		}

		// No else needed: early return pattern (guard clause)
		if !limiter.Allow(claims.UserID) {
			retryAfter := limiter.GetRetryAfter(claims.UserID)

			logger.Warn("Admin rate limit exceeded",
				"user_id", claims.UserID,
				"endpoint", c.Request.URL.Path,
				"retry_after_ms", retryAfter,
				"component", "admin_rate_limit")

			respondRateLimited(c, retryAfter)
			return
		}

		c.Next()
	}
}

// publicRateLimitMiddleware creates a Gin middleware for rate limiting public endpoints
// (healthz, readyz, metrics) by client IP to prevent abuse.
func publicRateLimitMiddleware(limiter *ratelimit.MessageLimiter, logger *golog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Use Gin's ClientIP() which respects trusted proxies to prevent X-Forwarded-For spoofing
		clientIP := c.ClientIP()

		if !limiter.Allow(clientIP) {
			retryAfter := limiter.GetRetryAfter(clientIP)
			respondRateLimited(c, retryAfter)
			return
		}

		c.Next()
	}
}

// respondRateLimited writes the 429 response with a ceiling-rounded Retry-After header.
func respondRateLimited(c *gin.Context, retryAfterMs int) {
	retryAfterSeconds := (retryAfterMs + constants.MillisecondsPerSecond - 1) / constants.MillisecondsPerSecond
	// No else needed: optional operation (minimum retry after enforcement)
	if retryAfterSeconds < constants.MinRetryAfterSeconds {
		retryAfterSeconds = constants.MinRetryAfterSeconds
	}
	c.Header(constants.HeaderRetryAfter, fmt.Sprintf("%d", retryAfterSeconds))

	c.JSON(constants.StatusTooManyRequests, gin.H{
		"error":          "rate_limit_exceeded",
		"message":        constants.ErrMsgRateLimitExceeded,
		"retry_after_ms": retryAfterMs,
	})
	c.Abort()
}

// respondChatError maps a controller error onto the HTTP surface without
// leaking internals. Unknown errors become generic 500s.
func respondChatError(c *gin.Context, logger *golog.Logger, operation string, err error) {
	var chatErr *chaterrors.ChatError
	// No else needed: early return pattern (guard clause)
	if !errors.As(err, &chatErr) {
		util.LogError(logger, "http", operation, err)
		httperrors.RespondInternalError(c)
		return
	}

	switch chatErr.Code {
	case chaterrors.ErrCodeMissingField, chaterrors.ErrCodeInvalidFormat:
		httperrors.RespondBadRequest(c, chatErr.Message)
	case chaterrors.ErrCodeSessionNotFound:
		httperrors.RespondNotFound(c, httperrors.MsgSessionNotFound)
	case chaterrors.ErrCodeSessionClosed:
		httperrors.RespondConflict(c, httperrors.MsgSessionClosed)
	default:
		util.LogError(logger, "http", operation, err)
		httperrors.RespondInternalError(c)
	}
}

// submitRequest is the body of POST /messages
type submitRequest struct {
	Query string `json:"query"`
}

// adminReplyRequest is the body of POST /admin/sessions/:sessionID/reply
type adminReplyRequest struct {
	Message string `json:"message"`
}

// handleSubmitMessage returns a handler for one chat turn
func handleSubmitMessage(ctrl *controller.Controller, logger *golog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := claimsFromContext(c, logger)
		// No else needed: early return pattern (guard clause)
		if !ok {
			return
		}

		var req submitRequest
		// No else needed: early return pattern (guard clause)
		if err := c.ShouldBindJSON(&req); err != nil {
			httperrors.RespondBadRequest(c, httperrors.MsgInvalidRequest)
			return
		}

		// No else needed: early return pattern (guard clause)
		if len(req.Query) > constants.MaxQueryLength {
			httperrors.RespondBadRequest(c, fmt.Sprintf("query exceeds maximum length of %d characters", constants.MaxQueryLength))
			return
		}

		result, err := ctrl.SubmitMessage(claims.UserID, claims.Email, req.Query)
		// No else needed: early return pattern (guard clause)
		if err != nil {
			respondChatError(c, logger, "submit message", err)
			return
		}

		c.JSON(constants.StatusOK, gin.H{
			"reply":      result.Reply,
			"session_id": result.SessionID.String(),
		})
	}
}

// handleRequestHuman returns a handler for the escalation action
func handleRequestHuman(ctrl *controller.Controller, logger *golog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := claimsFromContext(c, logger)
		// No else needed: early return pattern (guard clause)
		if !ok {
			return
		}

		sid, err := ctrl.RequestHuman(claims.UserID, claims.Email)
		// No else needed: early return pattern (guard clause)
		if err != nil {
			respondChatError(c, logger, "request human", err)
			return
		}

		c.JSON(constants.StatusOK, gin.H{
			"message":    "notified",
			"session_id": sid.String(),
		})
	}
}

// handleCloseSession returns a handler for the user ending their chat.
// Idempotent: closing with no open session is a no-op success.
func handleCloseSession(ctrl *controller.Controller, logger *golog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := claimsFromContext(c, logger)
		// No else needed: early return pattern (guard clause)
		if !ok {
			return
		}

		// No else needed: early return pattern (guard clause)
		if err := ctrl.CloseSession(claims.UserID); err != nil {
			respondChatError(c, logger, "close session", err)
			return
		}

		c.JSON(constants.StatusOK, gin.H{
			"status": "closed",
		})
	}
}

// handleUserSessions returns a handler for listing the authenticated user's sessions
func handleUserSessions(st *store.Store, logger *golog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := claimsFromContext(c, logger)
		// No else needed: early return pattern (guard clause)
		if !ok {
			return
		}

		sessions, err := st.ListSessions(&store.ListOptions{UserID: claims.UserID})
		// No else needed: early return pattern (guard clause)
		if err != nil {
			// Log detailed error server-side
			util.LogError(logger, "http", "list user sessions", err, "user_id", claims.UserID)
			// Send generic error to client
			httperrors.RespondInternalError(c)
			return
		}

		c.JSON(constants.StatusOK, gin.H{
			"sessions": sessions,
			"user_id":  claims.UserID,
			"count":    len(sessions),
		})
	}
}

// handleListEscalated returns a handler for the staff queue view:
// escalated open sessions, most recently updated first.
func handleListEscalated(ctrl *controller.Controller, logger *golog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := constants.DefaultSessionLimit
		// No else needed: optional operation (limit parsing with validation)
		if l, err := fmt.Sscanf(c.DefaultQuery("limit", "100"), "%d", &limit); err != nil || l != 1 {
			limit = constants.DefaultSessionLimit
		}
		// No else needed: optional operation (limit range validation)
		if limit <= 0 || limit > constants.MaxSessionLimit {
			limit = constants.DefaultSessionLimit
		}

		offset := 0
		// No else needed: optional operation (offset parsing with validation)
		if o, err := fmt.Sscanf(c.DefaultQuery("offset", "0"), "%d", &offset); err != nil || o != 1 {
			offset = 0
		}
		// No else needed: optional operation (offset range validation)
		if offset < 0 {
			offset = 0
		}

		sessions, err := ctrl.ListEscalatedSessions(limit, offset)
		// No else needed: early return pattern (guard clause)
		if err != nil {
			respondChatError(c, logger, "list escalated sessions", err)
			return
		}

		c.JSON(constants.StatusOK, gin.H{
			"sessions": sessions,
			"count":    len(sessions),
			"limit":    limit,
			"offset":   offset,
		})
	}
}

// handleTranscript returns a handler for fetching one session's full
// message log plus its open flag.
func handleTranscript(ctrl *controller.Controller, logger *golog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		sid, err := session.ParseID(c.Param("sessionID"))
		// No else needed: early return pattern (guard clause)
		if err != nil {
			httperrors.RespondBadRequest(c, constants.ErrMsgSessionIDRequired)
			return
		}

		transcript, err := ctrl.GetTranscript(sid)
		// No else needed: early return pattern (guard clause)
		if err != nil {
			respondChatError(c, logger, "get transcript", err)
			return
		}

		c.JSON(constants.StatusOK, gin.H{
			"session_id": sid.String(),
			"open":       transcript.Open,
			"session":    transcript.Session,
			"messages":   transcript.Messages,
			"count":      len(transcript.Messages),
		})
	}
}

// handleAdminReply returns a handler for posting a staff reply to an
// open session. Closed sessions are rejected with a conflict.
func handleAdminReply(ctrl *controller.Controller, logger *golog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := claimsFromContext(c, logger)
		// No else needed: early return pattern (guard clause)
		if !ok {
			return
		}

		sid, err := session.ParseID(c.Param("sessionID"))
		// No else needed: early return pattern (guard clause)
		if err != nil {
			httperrors.RespondBadRequest(c, constants.ErrMsgSessionIDRequired)
			return
		}

		var req adminReplyRequest
		// No else needed: early return pattern (guard clause)
		if err := c.ShouldBindJSON(&req); err != nil {
			httperrors.RespondBadRequest(c, httperrors.MsgInvalidRequest)
			return
		}

		msg, err := ctrl.AdminReply(sid, claims.Email, req.Message)
		// No else needed: early return pattern (guard clause)
		if err != nil {
			respondChatError(c, logger, "admin reply", err)
			return
		}

		c.JSON(constants.StatusOK, gin.H{
			"session_id": sid.String(),
			"message_id": msg.ID.Hex(),
			"timestamp":  msg.Timestamp.Format(time.RFC3339),
		})
	}
}

// handleHealthCheck returns a handler for liveness probe endpoint.
// This endpoint checks if the application is alive and should be restarted if it fails.
func handleHealthCheck(c *gin.Context) {
	// Basic liveness check - if we can respond, we're alive
	c.JSON(constants.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleReadyCheck returns a handler for readiness probe endpoint.
// This endpoint checks if the application is ready to serve traffic.
func handleReadyCheck(st *store.Store, logger *golog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		checks := make(map[string]interface{})
		allReady := true

		// Verify MongoDB connection by pinging the server
		ctx, cancel := util.NewTimeoutContext(constants.HealthCheckTimeout)
		defer cancel()

		// No else needed: optional operation (health check result recording)
		if err := st.Ping(ctx); err != nil {
			// Log detailed error server-side
			logger.Warn("MongoDB health check failed",
				"error", err,
				"component", "health")

			// Send generic error to client
			checks["mongodb"] = map[string]interface{}{
				"status": "not ready",
				"reason": "Database connectivity check failed",
			}
			allReady = false
		} else {
			checks["mongodb"] = map[string]interface{}{
				"status": "ready",
			}
		}

		// Determine overall status
		status := "ready"
		statusCode := constants.StatusOK
		// No else needed: optional operation (status code adjustment based on health)
		if !allReady {
			status = "not ready"
			statusCode = constants.StatusServiceUnavailable
		}

		c.JSON(statusCode, gin.H{
			"status":    status,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"checks":    checks,
		})
	}
}

// Shutdown gracefully shuts down the handoff service.
// It stops background goroutines and closes all active WebSocket connections.
// This function should be called when the application receives a SIGTERM or SIGINT signal.
// It respects the context deadline and will force shutdown if the deadline is exceeded.
func Shutdown(ctx context.Context) error {
	shutdownMu.Lock()
	defer shutdownMu.Unlock()

	// No else needed: optional operation (logging during shutdown)
	if globalLogger != nil {
		globalLogger.Info("Starting graceful shutdown of handoff service")
	}

	// Stop the retention sweep and other controller-owned goroutines
	// No else needed: optional operation (cleanup stop)
	if globalController != nil {
		globalController.Shutdown()
	}

	// Stop rate limiter cleanup goroutines
	// No else needed: optional operation (cleanup stop)
	if globalUserLimiter != nil {
		globalUserLimiter.StopCleanup()
	}
	if globalAdminLimiter != nil {
		globalAdminLimiter.StopCleanup()
	}
	if globalPublicLimiter != nil {
		globalPublicLimiter.StopCleanup()
	}

	// Close all WebSocket connections with context deadline
	// No else needed: optional operation (WebSocket shutdown with error handling)
	if globalGateway != nil {
		// No else needed: early return pattern (guard clause)
		if err := globalGateway.ShutdownWithContext(ctx); err != nil {
			// No else needed: optional operation (error logging)
			if globalLogger != nil {
				globalLogger.Warn("Gateway shutdown error", "error", err)
			}
			return err
		}
	}

	// No else needed: optional operation (final logging)
	if globalLogger != nil {
		globalLogger.Info("Handoff service shutdown complete")
	}

	return nil
}

// parseNetworks parses a comma-separated list of CIDR network strings.
func parseNetworks(networksStr string, logger *golog.Logger) []*net.IPNet {
	var nets []*net.IPNet
	for _, cidr := range strings.Split(networksStr, ",") {
		cidr = strings.TrimSpace(cidr)
		if cidr == "" {
			continue
		}
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			logger.Warn("Invalid CIDR in metrics_allowed_networks", "cidr", cidr, "error", err)
			continue
		}
		nets = append(nets, ipNet)
	}
	return nets
}

// metricsNetworkMiddleware restricts access to the metrics endpoint to configured networks.
func metricsNetworkMiddleware(allowedNets []*net.IPNet, logger *golog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		// If no networks configured, allow all (development mode)
		if len(allowedNets) == 0 {
			c.Next()
			return
		}

		clientIP := net.ParseIP(c.ClientIP())
		if clientIP == nil {
			logger.Warn("Could not parse client IP for metrics access", "ip", c.ClientIP())
			httperrors.RespondForbidden(c)
			c.Abort()
			return
		}

		for _, ipNet := range allowedNets {
			if ipNet.Contains(clientIP) {
				c.Next()
				return
			}
		}

		logger.Warn("Metrics access denied from unauthorized network",
			"client_ip", c.ClientIP(),
			"component", "metrics")
		httperrors.RespondForbidden(c)
		c.Abort()
	}
}
