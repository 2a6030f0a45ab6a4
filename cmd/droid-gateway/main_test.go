// ABOUTME: Tests for CLI helpers that do not need a running context
// ABOUTME: Covers JSON printing, token minting from config and logger setup

package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kbve/droid-gateway/internal/auth"
	"github.com/kbve/droid-gateway/internal/config"
)

func TestPrintJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printJSON(&buf, json.RawMessage(`{"a":1}`)))
	assert.Equal(t, "{\n  \"a\": 1\n}\n", buf.String())

	buf.Reset()
	require.NoError(t, printJSON(&buf, nil))
	assert.Equal(t, "null\n", buf.String())

	assert.Error(t, printJSON(&buf, json.RawMessage(`{`)))
}

func writeConfig(t *testing.T, body string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	t.Setenv("DROID_CONFIG", path)
}

func TestRunToken(t *testing.T) {
	writeConfig(t, "auth:\n  jwt_secret: cli-secret\n")

	var buf bytes.Buffer
	require.NoError(t, runToken([]string{"-name", "Ada", "u1"}, &buf))

	claims, err := auth.NewJWTVerifier([]byte("cli-secret")).Verify(strings.TrimSpace(buf.String()))
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.Subject)
	assert.Equal(t, "Ada", claims.Name)
}

func TestRunTokenRequiresSecret(t *testing.T) {
	writeConfig(t, "gateway:\n  origin: test\n")
	err := runToken([]string{"u1"}, &bytes.Buffer{})
	assert.ErrorContains(t, err, "jwt_secret")

	assert.ErrorContains(t, runToken(nil, &bytes.Buffer{}), "subject")
}

func TestRunCallRejectsBadPayload(t *testing.T) {
	err := runCall(t.Context(), []string{"echo", "{nope"}, &bytes.Buffer{})
	assert.ErrorContains(t, err, "not valid JSON")
}

func TestSetupLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger(config.LoggingConfig{Level: "warn", Format: "json"}, &buf)
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"shown"`)
}

func TestColorHandlerWritesAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger(config.LoggingConfig{Level: "debug"}, &buf).With("component", "test")
	logger.Debug("hello", "n", 1)

	out := buf.String()
	assert.Contains(t, out, "hello")
	assert.Contains(t, out, "component=")
	assert.Contains(t, out, "n=")
}
