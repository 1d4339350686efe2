package textrace_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/goliatone/go-textrace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "textrace.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := textrace.LoadConfig("")
	require.NoError(t, err)

	assert.NotEmpty(t, cfg.Database.DSN)
	assert.Equal(t, textrace.DefaultRestoreTimeout, cfg.Session.RestoreTimeout)
	assert.Equal(t, textrace.DefaultMinPasswordLength, cfg.Session.MinPasswordLength)
	assert.Equal(t, textrace.DefaultConfirmationTimeout, cfg.Certificates.ConfirmationTimeout)
	assert.Equal(t, textrace.DefaultMaxIDAttempts, cfg.Certificates.MaxIDAttempts)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadConfigFromFile(t *testing.T) {
	path := writeConfig(t, `
database:
  dsn: "file::memory:?cache=shared"
session:
  signing_key: "a-test-signing-key-of-some-length"
  ttl: 2h
  storage_path: /tmp/textrace-session.json
  bcrypt_cost: 4
certificates:
  confirmation_timeout: 10s
  confirmation_delay: 0s
  failure_rate: 0.25
logging:
  level: debug
`)

	cfg, err := textrace.LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "file::memory:?cache=shared", cfg.Database.DSN)
	assert.Equal(t, 2*time.Hour, cfg.Session.TTL)
	assert.Equal(t, 4, cfg.Session.BcryptCost)
	assert.Equal(t, 10*time.Second, cfg.Certificates.ConfirmationTimeout)
	assert.Zero(t, cfg.Certificates.ConfirmationDelay)
	assert.Equal(t, 0.25, cfg.Certificates.FailureRate)
	assert.Equal(t, "debug", cfg.Logging.Level)

	// untouched keys keep their defaults
	assert.Equal(t, textrace.DefaultRestoreTimeout, cfg.Session.RestoreTimeout)
	assert.Equal(t, textrace.DefaultMaxIDAttempts, cfg.Certificates.MaxIDAttempts)
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			name:    "short signing key",
			content: "session:\n  signing_key: short\n",
		},
		{
			name:    "failure rate above one",
			content: "certificates:\n  failure_rate: 1.5\n",
		},
		{
			name:    "unknown log level",
			content: "logging:\n  level: chatty\n",
		},
		{
			name:    "bcrypt cost too low",
			content: "session:\n  bcrypt_cost: 2\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := textrace.LoadConfig(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.True(t, textrace.IsValidationError(err), "unexpected error: %v", err)
		})
	}
}

func TestLoadConfigFileErrors(t *testing.T) {
	_, err := textrace.LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = textrace.LoadConfig(writeConfig(t, "session: [not, a, mapping"))
	assert.Error(t, err)
}

func TestLoadConfigWithEnv(t *testing.T) {
	t.Setenv("TEXTRACE_DB_DSN", "file:env.db")
	t.Setenv("TEXTRACE_SESSION_TTL", "30m")
	t.Setenv("TEXTRACE_CONFIRMATION_DELAY", "250ms")
	t.Setenv("TEXTRACE_FAILURE_RATE", "0.5")
	t.Setenv("TEXTRACE_LOG_LEVEL", "warn")

	cfg, err := textrace.LoadConfigWithEnv("")
	require.NoError(t, err)

	assert.Equal(t, "file:env.db", cfg.Database.DSN)
	assert.Equal(t, 30*time.Minute, cfg.Session.TTL)
	assert.Equal(t, 250*time.Millisecond, cfg.Certificates.ConfirmationDelay)
	assert.Equal(t, 0.5, cfg.Certificates.FailureRate)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoadConfigWithEnvRejectsBadValues(t *testing.T) {
	t.Setenv("TEXTRACE_CONFIRMATION_TIMEOUT", "soon")

	_, err := textrace.LoadConfigWithEnv("")
	require.Error(t, err)
	assert.True(t, textrace.IsValidationError(err))
}
