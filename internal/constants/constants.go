// Package constants provides centralized constant definitions for the handoff service.
// This eliminates magic numbers and strings throughout the codebase.
package constants

import "time"

// HTTP Status Codes
const (
	StatusOK                 = 200
	StatusTooManyRequests    = 429
	StatusServiceUnavailable = 503
)

// Timeouts for various operations
const (
	DefaultContextTimeout = 10 * time.Second // Standard database operations
	LongContextTimeout    = 30 * time.Second // Complex queries and index creation
	UpstreamTimeout       = 60 * time.Second // Dify blocking completion requests
	MongoIndexTimeout     = 30 * time.Second // MongoDB index creation
	ShortTimeout          = 2 * time.Second  // Quick operations like health checks
	MessageAppendTimeout  = 5 * time.Second  // Appending messages to the log
	SessionCloseTimeout   = 5 * time.Second  // Closing sessions
	NotifyTimeout         = 15 * time.Second // Staff escalation notifications
	HealthCheckTimeout    = 2 * time.Second  // Health check operations
)

// Sizes and Limits
const (
	DefaultMaxMessageSize = 65536  // 64KB cap for WebSocket frames
	DefaultSessionLimit   = 100    // Default number of sessions to return
	MaxSessionLimit       = 1000   // Maximum sessions per query (performance cap)
	DefaultRateLimit      = 60     // Default messages per minute per user
	DefaultAdminRateLimit = 120    // Default admin requests per minute
	MaxEventsPerUser      = 1000   // Maximum rate limit events tracked per user
	MaxUsersTracked       = 100000 // Maximum distinct users in rate limiter map
	PublicEndpointRate    = 60     // Requests per minute for public endpoints (healthz, readyz, metrics)
	MaxUpstreamErrorBody  = 1024   // Max bytes to read from Dify error responses
	MaxQueryLength        = 4000   // Maximum characters accepted in a single user query
)

// HTTP Server Timeouts (for standalone server mode)
const (
	HTTPReadTimeout         = 15 * time.Second  // Maximum time to read the entire request
	HTTPIdleTimeout         = 120 * time.Second // Maximum time to keep idle connections alive
	GracefulShutdownTimeout = 15 * time.Second  // Maximum time to drain connections on shutdown
)

// Durations for background operations
const (
	DefaultRateWindow      = 1 * time.Minute  // Rate limiting window
	DefaultCleanupInterval = 5 * time.Minute  // Cleanup goroutine interval
	DefaultRetentionSweep  = 1 * time.Hour    // Interval between closed-session retention sweeps
	DefaultRetentionAge    = 90 * 24 * time.Hour
	InitialRetryDelay      = 100 * time.Millisecond
	MaxRetryDelay          = 2 * time.Second
	RetryMultiplier        = 2.0
)

// Role Names for authorization
const (
	RoleAdmin     = "admin"
	RoleChatAdmin = "chat_admin"
)

// Default Configuration Values
const (
	DefaultMongoURI           = "mongodb://localhost:27017"
	DefaultDatabase           = "chat"
	DefaultSessionsCollection = "sessions"
	DefaultMessagesCollection = "messages"
	DefaultPort               = 8080
	DefaultLogLevel           = "info"
	DefaultLogDir             = "logs"
	DefaultPathPrefix         = "/handoff" // Default HTTP path prefix for all routes
)

// HTTP Headers
const (
	HeaderAuthorization = "Authorization"
	HeaderRetryAfter    = "Retry-After"
	BearerPrefix        = "Bearer "
	BearerPrefixLength  = 7
)

// Error Messages
const (
	ErrMsgInvalidAuthHeader = "Invalid or missing Authorization header"
	ErrMsgInvalidToken      = "Invalid or expired token"
	ErrMsgForbidden         = "Insufficient permissions"
	ErrMsgInternalError     = "Internal server error"
	ErrMsgRateLimitExceeded = "Too many requests. Please try again later."
	ErrMsgSessionIDRequired = "Session ID is required"
	ErrMsgQueryRequired     = "Query must not be empty"
)

// Degraded reply returned to the user when the AI upstream fails.
const DegradedReply = "Sorry, I'm having trouble responding right now. Please try again in a moment."

// Transcript messages recorded by lifecycle transitions
const (
	HelpRequestMessage = "I need help from a human agent."
	UserLeftMessage    = "User has left the chat."
)

// MongoDB Field Names (BSON tags)
const (
	MongoFieldID             = "_id"
	MongoFieldUserID         = "uid"
	MongoFieldEmail          = "email"
	MongoFieldState          = "state"
	MongoFieldConversationID = "convId"
	MongoFieldSessionID      = "sid"
	MongoFieldSender         = "sender"
	MongoFieldContent        = "content"
	MongoFieldTimestamp      = "ts"
	MongoFieldModified       = "_mt"
	MongoFieldClosedAt       = "closedTs"
	MongoFieldMessageCount   = "msgCount"
)

// MongoDB Index Names
const (
	IndexUserState    = "idx_user_state"
	IndexState        = "idx_state"
	IndexClosedAt     = "idx_closed_at"
	IndexSessionOrder = "idx_session_order"
)

// Weak Secrets for validation (security check)
var WeakSecrets = []string{
	"secret", "test", "test123", "password", "admin",
	"changeme", "default", "example", "demo", "12345",
	"placeholder",
}

// Minimum Security Requirements
const (
	MinJWTSecretLength = 32 // Minimum length for JWT secret (256 bits)
)

// Retry After Calculation
const (
	MillisecondsPerSecond = 1000
	MinRetryAfterSeconds  = 1 // Minimum retry-after value in seconds
)

// Network configuration defaults
const (
	DefaultTrustedProxies         = "10.0.0.0/8,172.16.0.0/12,192.168.0.0/16"
	DefaultMetricsAllowedNetworks = "10.0.0.0/8,172.16.0.0/12,192.168.0.0/16,127.0.0.0/8"
)

// Valid sort fields and orders for admin session queries
var ValidSortFields = map[string]bool{
	"ts":    true,
	"_mt":   true,
	"state": true,
	"uid":   true,
}

var ValidSortOrders = map[string]bool{
	"asc":  true,
	"desc": true,
}

// Upstream retry configuration
const (
	UpstreamInitialRetryDelay = 1 * time.Second  // Base delay for upstream retry exponential backoff
	UpstreamMaxRetryDelay     = 30 * time.Second // Cap for exponential backoff in upstream retries
)
