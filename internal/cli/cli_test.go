package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-textrace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeTestConfig writes a config that keeps every file inside a temp dir
// and confirms certificates immediately.
func writeTestConfig(t *testing.T) string {
	t.Helper()

	for _, key := range []string{
		"TEXTRACE_DB_DSN",
		"TEXTRACE_SESSION_SIGNING_KEY",
		"TEXTRACE_SESSION_FILE",
		"TEXTRACE_LOG_LEVEL",
		"TEXTRACE_SESSION_TTL",
		"TEXTRACE_CONFIRMATION_TIMEOUT",
		"TEXTRACE_CONFIRMATION_DELAY",
		"TEXTRACE_FAILURE_RATE",
		"TEXTRACE_PASSWORD",
	} {
		t.Setenv(key, "")
	}

	dir := t.TempDir()
	config := fmt.Sprintf(`database:
  dsn: %q
session:
  signing_key: cli-test-signing-key-0123456789
  storage_path: %q
  bcrypt_cost: 4
certificates:
  confirmation_delay: 0s
  confirmation_timeout: 5s
logging:
  level: error
`, filepath.Join(dir, "textrace.db"), filepath.Join(dir, "session.json"))

	path := filepath.Join(dir, "textrace.yaml")
	require.NoError(t, os.WriteFile(path, []byte(config), 0o600))
	return path
}

func runCLI(t *testing.T, config string, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", config}, args...))

	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

type listResponse struct {
	Status string `json:"status"`
	Data   []struct {
		RecordID string `json:"record_id"`
		Status   string `json:"status"`
		TokenID  string `json:"token_id"`
	} `json:"data"`
}

func TestCLIMintAndListFlow(t *testing.T) {
	config := writeTestConfig(t)

	out, err := runCLI(t, config, "signup", "--email", "ana@mill.example", "--password", "cotton-secret", "--name", "Ana Mill")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Welcome, Ana Mill")

	// the session is restored from the file by the next process
	out, err = runCLI(t, config, "whoami")
	require.NoError(t, err, out)
	assert.Contains(t, out, "ana@mill.example")
	assert.Contains(t, out, "not linked")

	out, err = runCLI(t, config, "mint", "--batch", "Organic Cotton Batch A1", "--origin", "India",
		"--metadata", `{"dye": "indigo", "lot": 42}`, "--wait")
	require.NoError(t, err, out)
	assert.Contains(t, out, "CONFIRMED")
	assert.Contains(t, out, "meta.dye: indigo")

	out, err = runCLI(t, config, "--format", "json", "list")
	require.NoError(t, err, out)

	var list listResponse
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	assert.Equal(t, "ok", list.Status)
	require.Len(t, list.Data, 1)
	assert.True(t, textrace.IsRecordID(list.Data[0].RecordID))
	assert.Equal(t, "confirmed", list.Data[0].Status)
	assert.NotEmpty(t, list.Data[0].TokenID)

	recordID := list.Data[0].RecordID

	out, err = runCLI(t, config, "show", recordID)
	require.NoError(t, err, out)
	assert.Contains(t, out, "transaction ")

	out, err = runCLI(t, config, "stats")
	require.NoError(t, err, out)
	assert.Contains(t, out, "confirmed: 1")

	out, err = runCLI(t, config, "signout")
	require.NoError(t, err, out)

	// verification works without a session
	out, err = runCLI(t, config, "verify", recordID)
	require.NoError(t, err, out)
	assert.Contains(t, out, "Verified.")

	out, err = runCLI(t, config, "list")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, textrace.TextCodeNotAuthenticated)
}

func TestCLISignInFailures(t *testing.T) {
	config := writeTestConfig(t)

	_, err := runCLI(t, config, "signup", "--email", "ana@mill.example", "--password", "cotton-secret")
	require.NoError(t, err)

	out, err := runCLI(t, config, "--format", "json", "signin", "--email", "ana@mill.example", "--password", "wrong-secret")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, textrace.TextCodeInvalidCredentials, resp.Error.Code)

	out, err = runCLI(t, config, "signup", "--email", "ana@mill.example", "--password", "cotton-secret")
	require.Error(t, err)
	assert.Contains(t, out, textrace.TextCodeAccountExists)
}

func TestCLIRejectsInvalidFormat(t *testing.T) {
	config := writeTestConfig(t)

	_, err := runCLI(t, config, "--format", "xml", "whoami")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestCLIBadConfigIsCommandError(t *testing.T) {
	_, err := runCLI(t, filepath.Join(t.TempDir(), "missing.yaml"), "whoami")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestCLIMigrateReportsCurrentSchema(t *testing.T) {
	config := writeTestConfig(t)

	_, err := runCLI(t, config, "migrate")
	require.NoError(t, err)

	out, err := runCLI(t, config, "migrate")
	require.NoError(t, err)
	assert.Equal(t, "Schema is current.\n", out)
}

func TestOutputFormatterFailureExitCodes(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		code     string
		exitCode int
	}{
		{
			name:     "rejected operation",
			err:      textrace.ErrInvalidCredentials,
			code:     textrace.TextCodeInvalidCredentials,
			exitCode: ExitFailure,
		},
		{
			name:     "provider unreachable",
			err:      textrace.ErrProviderUnavailable,
			code:     textrace.TextCodeProviderUnavailable,
			exitCode: ExitCommandError,
		},
		{
			name:     "plain error",
			err:      errors.New("disk I/O error"),
			code:     "INTERNAL",
			exitCode: ExitCommandError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			f := &OutputFormatter{Format: "text", Writer: &buf}

			err := f.Failure(tt.err)
			assert.Equal(t, tt.exitCode, GetExitCode(err))
			assert.True(t, strings.HasPrefix(buf.String(), "Error ["+tt.code+"]"), buf.String())
		})
	}
}

func TestOutputFormatterSuccessJSON(t *testing.T) {
	var buf bytes.Buffer
	f := &OutputFormatter{Format: "json", Writer: &buf}

	require.NoError(t, f.Success(map[string]any{"expired": 2}, "ignored"))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Nil(t, resp.Error)
	assert.Equal(t, map[string]any{"expired": float64(2)}, resp.Data)
}

func TestDescribeUsesTextCode(t *testing.T) {
	err := goerrors.New("batch name is required", goerrors.CategoryValidation).
		WithTextCode(textrace.TextCodeValidation)

	code, message, _ := describe(err)
	assert.Equal(t, textrace.TextCodeValidation, code)
	assert.Equal(t, "batch name is required", message)
}
