package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZapAdapter(t *testing.T) {
	t.Run("levels", func(t *testing.T) {
		var buf bytes.Buffer
		logger, err := NewZapLogger(LogConfig{Level: DebugLevel, Output: &buf})
		require.NoError(t, err)

		logger.Debug("debug message", Field{"key", "value"})
		logger.Info("info message", Int("count", 42))
		logger.Warn("warn message", Bool("enabled", true))
		logger.Error("error message", errors.New("refresh failed"), String("principal_id", "p1"))

		output := buf.String()
		for _, want := range []string{"DEBUG", "debug message", "INFO", "WARN", "ERROR", "refresh failed", "p1"} {
			assert.Contains(t, output, want)
		}
	})

	t.Run("level filtering", func(t *testing.T) {
		var buf bytes.Buffer
		logger, err := NewZapLogger(LogConfig{Level: WarnLevel, Output: &buf})
		require.NoError(t, err)

		logger.Info("hidden")
		logger.Warn("shown")

		assert.NotContains(t, buf.String(), "hidden")
		assert.Contains(t, buf.String(), "shown")
	})

	t.Run("json format", func(t *testing.T) {
		var buf bytes.Buffer
		logger, err := NewZapLogger(LogConfig{Level: InfoLevel, Format: FormatJSON, Output: &buf})
		require.NoError(t, err)

		logger.WithFields(String("component", "refresher")).Info("token refreshed")

		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &entry))
		assert.Equal(t, "token refreshed", entry["msg"])
		assert.Equal(t, "refresher", entry["component"])
	})

	t.Run("context fields", func(t *testing.T) {
		var buf bytes.Buffer
		logger, err := NewZapLogger(LogConfig{Level: InfoLevel, Format: FormatJSON, Output: &buf})
		require.NoError(t, err)

		ctx := ContextWithPrincipal(context.Background(), "alice")
		ctx = ContextWithCorrelation(ctx, "corr-1")
		logger.WithContext(ctx).Info("recovering")

		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &entry))
		assert.Equal(t, "alice", entry["principal_id"])
		assert.Equal(t, "corr-1", entry["correlation_id"])
	})

	t.Run("empty context returns same logger", func(t *testing.T) {
		logger, err := NewZapLogger(LogConfig{Output: &bytes.Buffer{}})
		require.NoError(t, err)
		assert.Same(t, logger, logger.WithContext(context.Background()))
	})
}

func TestParseLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug":   DebugLevel,
		"INFO":    InfoLevel,
		"warning": WarnLevel,
		"Error":   ErrorLevel,
		"":        InfoLevel,
		"bogus":   InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestParseFormat(t *testing.T) {
	assert.Equal(t, FormatJSON, ParseFormat("JSON"))
	assert.Equal(t, FormatConsole, ParseFormat("text"))
}

func TestGlobalLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewZapLogger(LogConfig{Level: InfoLevel, Output: &buf})
	require.NoError(t, err)

	previous := GetGlobalLogger()
	SetGlobalLogger(logger)
	defer SetGlobalLogger(previous)

	Info("global info")
	Warn("global warn")
	assert.Contains(t, buf.String(), "global info")
	assert.Contains(t, buf.String(), "global warn")
}

func TestSecretFieldsAreRedacted(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewZapLogger(LogConfig{Level: InfoLevel, Format: FormatJSON, Output: &buf})
	require.NoError(t, err)

	logger.WithFields(String("Refresh_Token", "rt-secret")).Info("exchange",
		String("access_token", "at-secret"),
		String("code", "auth-code"),
		String("principal_id", "alice"))

	out := buf.String()
	for _, secret := range []string{"rt-secret", "at-secret", "auth-code"} {
		assert.NotContains(t, out, secret)
	}
	assert.Contains(t, out, Redacted)
	assert.Contains(t, out, "alice")
}
