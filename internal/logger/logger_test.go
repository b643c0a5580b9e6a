package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/go-fx-collector/internal/config"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestHandlerFormatting(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.LoggingConfig{
		Level:         "info",
		Format:        "json",
		ContextFields: map[string]string{"service": "fx-collector"},
	}
	log := slog.New(newHandler(&buf, cfg))

	ctx := WithRequestID(WithPair(WithRunID(context.Background(), "run-1"), "EUR/USD"), 10001)
	FromContext(ctx, log).Info("request submitted", "timeframe", "DAILY")
	log.Debug("dropped below level")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "INFO", record["level"])
	assert.Equal(t, "fx-collector", record["service"])
	assert.Equal(t, "run-1", record["run_id"])
	assert.Equal(t, "EUR/USD", record["pair"])
	assert.Equal(t, float64(10001), record["request_id"])
	assert.Equal(t, "DAILY", record["timeframe"])
	assert.NotEmpty(t, record["time"])
}

func TestLoggerManager(t *testing.T) {
	t.Run("file output rotates through lumberjack", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "logs", "collector.log")
		lm, err := NewLoggerManager(config.LoggingConfig{
			Level: "info", Format: "text", Output: "file", FilePath: path, MaxSize: 1,
		})
		require.NoError(t, err)

		lm.GetComponentLogger("channel").Info("connected")
		require.NoError(t, lm.Close())

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), "component=channel")
		assert.Contains(t, string(data), "connected")
	})

	t.Run("file output requires path", func(t *testing.T) {
		_, err := NewLoggerManager(config.LoggingConfig{Output: "file"})
		assert.Error(t, err)
	})

	t.Run("component loggers are cached", func(t *testing.T) {
		lm, err := NewLoggerManager(config.LoggingConfig{Output: "stderr"})
		require.NoError(t, err)
		assert.Same(t, lm.GetComponentLogger("storage"), lm.GetComponentLogger("storage"))
	})
}

func TestTimedOperation(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(newHandler(&buf, config.LoggingConfig{Format: "json"}))

	require.NoError(t, TimedOperation(context.Background(), log, "persist", func() error { return nil }))
	assert.Contains(t, buf.String(), "operation completed")

	buf.Reset()
	boom := errors.New("boom")
	assert.ErrorIs(t, TimedOperation(context.Background(), log, "persist", func() error { return boom }), boom)
	assert.Contains(t, buf.String(), "operation failed")
}

func TestNewRunID(t *testing.T) {
	assert.NotEqual(t, NewRunID(), NewRunID())
	assert.Len(t, NewRunID(), 36)
}
