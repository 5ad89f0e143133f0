package config

import (
	"os"
	"testing"
	"time"

	"github.com/real-rm/goconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/real-rm/handoff/internal/constants"
)

// newTestAccessor loads the given TOML content into goconfig and returns an
// accessor. goconfig holds global state, so every call resets it and the
// cleanup resets it again for the next test.
func newTestAccessor(t *testing.T, tomlContent string) *goconfig.ConfigAccessor {
	t.Helper()

	tmpFile, err := os.CreateTemp(t.TempDir(), "handoff_config_*.toml")
	require.NoError(t, err, "Failed to create temp config")
	_, err = tmpFile.WriteString(tomlContent)
	require.NoError(t, err, "Failed to write temp config")
	require.NoError(t, tmpFile.Close())

	t.Setenv("RMBASE_FILE_CFG", tmpFile.Name())
	goconfig.ResetConfig()
	t.Cleanup(func() { goconfig.ResetConfig() })

	require.NoError(t, goconfig.LoadConfig(), "Failed to load config")

	cfg, err := goconfig.Default()
	require.NoError(t, err, "Failed to get config accessor")
	return cfg
}

// clearSecretEnv ensures secret overrides from the host environment do not
// leak into assertions. t.Setenv restores the originals automatically.
func clearSecretEnv(t *testing.T) {
	t.Helper()
	t.Setenv("JWT_SECRET", "")
	t.Setenv("DIFY_API_KEY", "")
}

func TestFromAccessor_NilAccessor(t *testing.T) {
	settings, err := FromAccessor(nil)
	assert.Error(t, err)
	assert.Nil(t, settings)
}

func TestFromAccessor_Defaults(t *testing.T) {
	clearSecretEnv(t)
	cfg := newTestAccessor(t, "")

	settings, err := FromAccessor(cfg)
	require.NoError(t, err)
	require.NotNil(t, settings)

	assert.Equal(t, constants.DefaultPort, settings.Server.Port)
	assert.Equal(t, 10000, settings.Server.MaxConnections)
	assert.Equal(t, constants.DefaultRateLimit, settings.Server.RateLimit)
	assert.Equal(t, constants.DefaultAdminRateLimit, settings.Server.AdminRateLimit)
	assert.Equal(t, constants.DefaultRateWindow, settings.Server.AdminRateWindow)
	assert.Equal(t, constants.DefaultPathPrefix, settings.Server.PathPrefix)
	assert.Empty(t, settings.Server.AllowedOrigins)
	assert.Empty(t, settings.Server.JWTSecret)

	assert.Empty(t, settings.Dify.Endpoint)
	assert.Equal(t, constants.UpstreamTimeout, settings.Dify.Timeout)

	assert.Equal(t, constants.DefaultDatabase, settings.Database.Database)
	assert.Equal(t, constants.DefaultSessionsCollection, settings.Database.SessionsCollection)
	assert.Equal(t, constants.DefaultMessagesCollection, settings.Database.MessagesCollection)

	assert.Equal(t, constants.DefaultRetentionAge, settings.Retention.Age)
	assert.Equal(t, constants.DefaultRetentionSweep, settings.Retention.SweepInterval)
}

func TestFromAccessor_CustomValues(t *testing.T) {
	clearSecretEnv(t)
	cfg := newTestAccessor(t, `
[server]
port = 9090

[handoff]
max_connections = 5000
rate_limit = 30
admin_rate_limit = 200
admin_rate_window = "30s"
path_prefix = "/chat"
allowed_origins = "https://app.example.com, https://admin.example.com"
jwt_secret = "file-secret"
retention_age = "720h"
retention_sweep_interval = "10m"

[dify]
endpoint = "https://dify.internal/v1"
api_key = "file-api-key"
timeout = "45s"

[database]
db = "support"
sessions_collection = "handoff_sessions"
messages_collection = "handoff_messages"
`)

	settings, err := FromAccessor(cfg)
	require.NoError(t, err)

	assert.Equal(t, 9090, settings.Server.Port)
	assert.Equal(t, 5000, settings.Server.MaxConnections)
	assert.Equal(t, 30, settings.Server.RateLimit)
	assert.Equal(t, 200, settings.Server.AdminRateLimit)
	assert.Equal(t, 30*time.Second, settings.Server.AdminRateWindow)
	assert.Equal(t, "/chat", settings.Server.PathPrefix)
	assert.Equal(t, []string{"https://app.example.com", "https://admin.example.com"}, settings.Server.AllowedOrigins)
	assert.Equal(t, "file-secret", settings.Server.JWTSecret)

	assert.Equal(t, "https://dify.internal/v1", settings.Dify.Endpoint)
	assert.Equal(t, "file-api-key", settings.Dify.APIKey)
	assert.Equal(t, 45*time.Second, settings.Dify.Timeout)

	assert.Equal(t, "support", settings.Database.Database)
	assert.Equal(t, "handoff_sessions", settings.Database.SessionsCollection)
	assert.Equal(t, "handoff_messages", settings.Database.MessagesCollection)

	assert.Equal(t, 720*time.Hour, settings.Retention.Age)
	assert.Equal(t, 10*time.Minute, settings.Retention.SweepInterval)
}

func TestFromAccessor_EnvOverridesSecrets(t *testing.T) {
	cfg := newTestAccessor(t, `
[handoff]
jwt_secret = "file-secret"

[dify]
api_key = "file-api-key"
`)

	t.Setenv("JWT_SECRET", "env-secret")
	t.Setenv("DIFY_API_KEY", "env-api-key")

	settings, err := FromAccessor(cfg)
	require.NoError(t, err)

	assert.Equal(t, "env-secret", settings.Server.JWTSecret)
	assert.Equal(t, "env-api-key", settings.Dify.APIKey)
}

func TestFromAccessor_BareIntegerDurationsAreSeconds(t *testing.T) {
	clearSecretEnv(t)
	cfg := newTestAccessor(t, `
[dify]
timeout = "90"

[handoff]
retention_age = "86400"
`)

	settings, err := FromAccessor(cfg)
	require.NoError(t, err)

	assert.Equal(t, 90*time.Second, settings.Dify.Timeout)
	assert.Equal(t, 24*time.Hour, settings.Retention.Age)
}

func TestFromAccessor_InvalidDurationFallsBack(t *testing.T) {
	clearSecretEnv(t)
	cfg := newTestAccessor(t, `
[dify]
timeout = "not-a-duration"
`)

	settings, err := FromAccessor(cfg)
	require.NoError(t, err)

	assert.Equal(t, constants.UpstreamTimeout, settings.Dify.Timeout)
}

func TestSplitList(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"empty", "", nil},
		{"single", "https://a.example.com", []string{"https://a.example.com"}},
		{"multiple with spaces", " https://a.example.com , https://b.example.com ", []string{"https://a.example.com", "https://b.example.com"}},
		{"trailing comma", "https://a.example.com,", []string{"https://a.example.com"}},
		{"only commas", ",,,", []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, splitList(tt.input))
		})
	}
}

// validSettings returns settings that pass Validate. Each failure test
// mutates a single field.
func validSettings() *Settings {
	return &Settings{
		Server: ServerSettings{
			Port:            8080,
			MaxConnections:  10000,
			RateLimit:       60,
			JWTSecret:       "kJ8hQ2nF5xW9vB3mR7tY1cA6eL4sD0gZ",
			AdminRateLimit:  120,
			AdminRateWindow: time.Minute,
			PathPrefix:      "/handoff",
		},
		Dify: DifySettings{
			Endpoint: "https://dify.internal/v1",
			APIKey:   "app-xxxx",
			Timeout:  60 * time.Second,
		},
		Database: DatabaseSettings{
			Database:           "chat",
			SessionsCollection: "sessions",
			MessagesCollection: "messages",
		},
		Retention: RetentionSettings{
			Age:           90 * 24 * time.Hour,
			SweepInterval: time.Hour,
		},
	}
}

func TestValidate_ValidSettings(t *testing.T) {
	assert.NoError(t, validSettings().Validate())
}

func TestValidate_Failures(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Settings)
		errText string
	}{
		{"port zero", func(s *Settings) { s.Server.Port = 0 }, "port"},
		{"port too high", func(s *Settings) { s.Server.Port = 70000 }, "port"},
		{"missing jwt secret", func(s *Settings) { s.Server.JWTSecret = "" }, "JWT secret is required"},
		{"short jwt secret", func(s *Settings) { s.Server.JWTSecret = "short" }, "at least"},
		{"weak jwt secret", func(s *Settings) {
			s.Server.JWTSecret = "password-plus-padding-to-reach-32-chars!!"
		}, "weak"},
		{"zero max connections", func(s *Settings) { s.Server.MaxConnections = 0 }, "max connections"},
		{"zero rate limit", func(s *Settings) { s.Server.RateLimit = 0 }, "rate limit"},
		{"empty path prefix", func(s *Settings) { s.Server.PathPrefix = "" }, "path prefix"},
		{"path prefix without slash", func(s *Settings) { s.Server.PathPrefix = "handoff" }, "start with"},
		{"missing dify endpoint", func(s *Settings) { s.Dify.Endpoint = "" }, "Dify endpoint"},
		{"missing dify api key", func(s *Settings) { s.Dify.APIKey = "" }, "Dify API key"},
		{"zero dify timeout", func(s *Settings) { s.Dify.Timeout = 0 }, "Dify timeout"},
		{"missing database", func(s *Settings) { s.Database.Database = "" }, "database name"},
		{"missing sessions collection", func(s *Settings) { s.Database.SessionsCollection = "" }, "sessions collection"},
		{"missing messages collection", func(s *Settings) { s.Database.MessagesCollection = "" }, "messages collection"},
		{"same collections", func(s *Settings) {
			s.Database.SessionsCollection = "chat"
			s.Database.MessagesCollection = "chat"
		}, "must differ"},
		{"zero retention age", func(s *Settings) { s.Retention.Age = 0 }, "retention age"},
		{"zero sweep interval", func(s *Settings) { s.Retention.SweepInterval = 0 }, "sweep interval"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := validSettings()
			tt.mutate(s)
			err := s.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errText)
		})
	}
}

func TestValidate_CollectsMultipleErrors(t *testing.T) {
	s := validSettings()
	s.Server.Port = 0
	s.Dify.Endpoint = ""

	err := s.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "port")
	assert.Contains(t, err.Error(), "Dify endpoint")
}
