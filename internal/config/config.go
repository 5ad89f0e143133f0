// Package config builds the typed runtime settings for the handoff service
// from a goconfig accessor, with environment variables taking precedence
// for secrets and deployment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/real-rm/goconfig"

	"github.com/real-rm/handoff/internal/constants"
	"github.com/real-rm/handoff/internal/util"
)

// Settings holds all application configuration
type Settings struct {
	Server    ServerSettings
	Dify      DifySettings
	Database  DatabaseSettings
	Retention RetentionSettings
}

// ServerSettings holds server-specific configuration
type ServerSettings struct {
	Port            int
	MaxConnections  int
	RateLimit       int
	JWTSecret       string
	AdminRateLimit  int           // Admin endpoint rate limit (requests per minute)
	AdminRateWindow time.Duration // Admin rate limit window
	PathPrefix      string        // HTTP path prefix for all routes (default: "/handoff")
	AllowedOrigins  []string      // WebSocket/CORS origin allowlist
}

// DifySettings holds the AI upstream configuration
type DifySettings struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
}

// DatabaseSettings holds MongoDB collection layout
type DatabaseSettings struct {
	Database           string
	SessionsCollection string
	MessagesCollection string
}

// RetentionSettings controls the closed-session retention sweep
type RetentionSettings struct {
	Age           time.Duration // How long closed sessions are kept
	SweepInterval time.Duration // How often the sweep runs
}

// FromAccessor reads the handoff settings from goconfig. Environment
// variables override config file values for secrets (JWT_SECRET,
// DIFY_API_KEY) so they never need to live on disk.
func FromAccessor(cfg *goconfig.ConfigAccessor) (*Settings, error) {
	// No else needed: early return pattern (guard clause)
	if cfg == nil {
		return nil, errors.New("config accessor cannot be nil")
	}

	port, _ := cfg.ConfigIntWithDefault("server.port", constants.DefaultPort)
	maxConns, _ := cfg.ConfigIntWithDefault("handoff.max_connections", 10000)
	rateLimit, _ := cfg.ConfigIntWithDefault("handoff.rate_limit", constants.DefaultRateLimit)
	adminRateLimit, _ := cfg.ConfigIntWithDefault("handoff.admin_rate_limit", constants.DefaultAdminRateLimit)
	adminRateWindow := durationKey(cfg, "handoff.admin_rate_window", constants.DefaultRateWindow)
	pathPrefix, _ := cfg.ConfigStringWithDefault("handoff.path_prefix", constants.DefaultPathPrefix)
	originsStr, _ := cfg.ConfigStringWithDefault("handoff.allowed_origins", "")

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		jwtSecret, _ = cfg.ConfigStringWithDefault("handoff.jwt_secret", "")
	}

	difyEndpoint, _ := cfg.ConfigStringWithDefault("dify.endpoint", "")
	difyAPIKey := os.Getenv("DIFY_API_KEY")
	if difyAPIKey == "" {
		difyAPIKey, _ = cfg.ConfigStringWithDefault("dify.api_key", "")
	}
	difyTimeout := durationKey(cfg, "dify.timeout", constants.UpstreamTimeout)

	database, _ := cfg.ConfigStringWithDefault("database.db", constants.DefaultDatabase)
	sessionsColl, _ := cfg.ConfigStringWithDefault("database.sessions_collection", constants.DefaultSessionsCollection)
	messagesColl, _ := cfg.ConfigStringWithDefault("database.messages_collection", constants.DefaultMessagesCollection)

	retentionAge := durationKey(cfg, "handoff.retention_age", constants.DefaultRetentionAge)
	sweepInterval := durationKey(cfg, "handoff.retention_sweep_interval", constants.DefaultRetentionSweep)

	return &Settings{
		Server: ServerSettings{
			Port:            port,
			MaxConnections:  maxConns,
			RateLimit:       rateLimit,
			JWTSecret:       jwtSecret,
			AdminRateLimit:  adminRateLimit,
			AdminRateWindow: adminRateWindow,
			PathPrefix:      pathPrefix,
			AllowedOrigins:  splitList(originsStr),
		},
		Dify: DifySettings{
			Endpoint: difyEndpoint,
			APIKey:   difyAPIKey,
			Timeout:  difyTimeout,
		},
		Database: DatabaseSettings{
			Database:           database,
			SessionsCollection: sessionsColl,
			MessagesCollection: messagesColl,
		},
		Retention: RetentionSettings{
			Age:           retentionAge,
			SweepInterval: sweepInterval,
		},
	}, nil
}

// Validate validates the settings
func (s *Settings) Validate() error {
	var errs []error

	// Validate server config
	if s.Server.Port <= 0 || s.Server.Port > 65535 {
		errs = append(errs, errors.New("server port must be between 1 and 65535"))
	}
	if s.Server.JWTSecret == "" {
		errs = append(errs, errors.New("JWT secret is required"))
	} else {
		// Check minimum length (32 characters for strong security)
		if len(s.Server.JWTSecret) < constants.MinJWTSecretLength {
			errs = append(errs, fmt.Errorf(
				"JWT secret must be at least %d characters (got %d). "+
					"Generate a strong secret with: openssl rand -base64 32",
				constants.MinJWTSecretLength, len(s.Server.JWTSecret)))
		}

		// Check for common weak secrets
		if found, weak := util.ContainsWeakPattern(s.Server.JWTSecret, constants.WeakSecrets); found {
			errs = append(errs, fmt.Errorf(
				"JWT secret appears to be weak (contains '%s'). "+
					"Use a cryptographically random secret generated with: openssl rand -base64 32",
				weak))
		}
	}
	if s.Server.MaxConnections <= 0 {
		errs = append(errs, errors.New("max connections must be positive"))
	}
	if s.Server.RateLimit <= 0 {
		errs = append(errs, errors.New("rate limit must be positive"))
	}
	if s.Server.PathPrefix == "" {
		errs = append(errs, errors.New("path prefix cannot be empty"))
	} else if !strings.HasPrefix(s.Server.PathPrefix, "/") {
		errs = append(errs, errors.New("path prefix must start with '/'"))
	}

	// Validate Dify config
	if s.Dify.Endpoint == "" {
		errs = append(errs, errors.New("Dify endpoint is required"))
	}
	if s.Dify.APIKey == "" {
		errs = append(errs, errors.New("Dify API key is required"))
	}
	if s.Dify.Timeout <= 0 {
		errs = append(errs, errors.New("Dify timeout must be positive"))
	}

	// Validate database config
	if s.Database.Database == "" {
		errs = append(errs, errors.New("database name is required"))
	}
	if s.Database.SessionsCollection == "" {
		errs = append(errs, errors.New("sessions collection is required"))
	}
	if s.Database.MessagesCollection == "" {
		errs = append(errs, errors.New("messages collection is required"))
	}
	if s.Database.SessionsCollection == s.Database.MessagesCollection {
		errs = append(errs, errors.New("sessions and messages collections must differ"))
	}

	// Validate retention config
	if s.Retention.Age <= 0 {
		errs = append(errs, errors.New("retention age must be positive"))
	}
	if s.Retention.SweepInterval <= 0 {
		errs = append(errs, errors.New("retention sweep interval must be positive"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}

	return nil
}

// durationKey reads a duration config value written as a Go duration
// string ("90s", "24h"). Invalid values fall back to the default.
func durationKey(cfg *goconfig.ConfigAccessor, key string, defaultValue time.Duration) time.Duration {
	raw, err := cfg.ConfigStringWithDefault(key, "")
	if err != nil || raw == "" {
		return defaultValue
	}

	// Bare integers are treated as seconds for operator convenience.
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second
	}

	value, err := time.ParseDuration(raw)
	if err != nil {
		return defaultValue
	}
	return value
}

// splitList splits a comma-separated config value into trimmed entries.
func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	result := []string{}
	for _, v := range strings.Split(raw, ",") {
		v = strings.TrimSpace(v)
		if v != "" {
			result = append(result, v)
		}
	}
	return result
}
