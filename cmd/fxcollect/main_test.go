package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/go-fx-collector/internal/channel"
	"github.com/johnayoung/go-fx-collector/internal/channel/channeltest"
	apperrors "github.com/johnayoung/go-fx-collector/internal/errors"
	"github.com/johnayoung/go-fx-collector/internal/storage"
)

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

// writeConfig points a config file at the gateway and a sqlite file in dir.
func writeConfig(t *testing.T, dir, gatewayURL string) string {
	t.Helper()
	u, err := url.Parse(gatewayURL)
	require.NoError(t, err)

	cfg := fmt.Sprintf(`
connection:
  host: %s
  port: %s
  client_id: 7
  path: /v1/api/ws
  handshake_timeout: 2s
  ping_interval: 0s
  write_timeout: 1s
  first_request_id: 500
  retry:
    max_attempts: 1
    initial_delay: 10ms
    max_delay: 20ms
    max_elapsed: 1s
instruments:
  - pair: EUR/USD
  - pair: USD/JPY
timeframes:
  - label: DAILY
    bar_size: 1 day
    duration: 1 M
collector:
  base_timeout: 2s
  per_bar_timeout: 1ms
  max_timeout: 5s
  submit_rate: 100
  submit_burst: 5
storage:
  driver: sqlite
  dsn: %s
  table: fx_bars
  price_precision: 8
logging:
  level: error
  format: text
  output: stderr
`, u.Hostname(), u.Port(), filepath.Join(dir, "fx.db"))

	path := filepath.Join(dir, "fxcollect.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))
	return path
}

func TestRun_Version(t *testing.T) {
	code, out, _ := runCLI(t, "version")
	assert.Equal(t, ExitSuccess, code)
	assert.Contains(t, out, "fxcollect version")
}

func TestRun_Help(t *testing.T) {
	code, out, _ := runCLI(t, "help")
	assert.Equal(t, ExitSuccess, code)
	assert.Contains(t, out, "COMMANDS:")

	code, out, _ = runCLI(t, "help", "export")
	assert.Equal(t, ExitSuccess, code)
	assert.Contains(t, out, "--timeframe")

	code, out, _ = runCLI(t, "summary", "--help")
	assert.Equal(t, ExitSuccess, code)
	assert.Contains(t, out, "summary [--json]")
}

func TestRun_UsageErrors(t *testing.T) {
	code, _, errOut := runCLI(t, "frobnicate")
	assert.Equal(t, ExitUsageError, code)
	assert.Contains(t, errOut, "Unknown command 'frobnicate'")

	code, _, _ = runCLI(t, "summary", "--bogus")
	assert.Equal(t, ExitUsageError, code)

	code, _, _ = runCLI(t, "summary", "extra")
	assert.Equal(t, ExitUsageError, code)
}

func TestRun_InvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage:\n  driver: oracle\n"), 0o644))

	code, _, errOut := runCLI(t, "--config", path, "summary")
	assert.Equal(t, ExitConfigError, code)
	assert.Contains(t, errOut, "Failed to initialize")
}

func TestRun_ExportRequiresKey(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "ws://127.0.0.1:1/v1/api/ws")

	code, _, errOut := runCLI(t, "export", "--config", path, "--pair", "EUR/USD")
	assert.Equal(t, ExitConfigError, code)
	assert.Contains(t, errOut, "--pair and --timeframe")
}

func TestRun_ConnectionRefused(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "ws://127.0.0.1:1/v1/api/ws")

	code, _, _ := runCLI(t, "--config", path, "collect")
	assert.Equal(t, ExitConnectionErr, code)
}

func TestRun_CollectSummaryExport(t *testing.T) {
	gw := channeltest.New(t, channeltest.WithResponder(func(s *channeltest.Session, id int64, req channel.HistoricalRequest) {
		if req.Symbol == "EUR" {
			s.SendBars(id, channeltest.Bars(4))
			return
		}
		s.SendError(id, 162, "no data")
	}))
	dir := t.TempDir()
	path := writeConfig(t, dir, gw.URL())

	code, out, errOut := runCLI(t, "--config", path, "collect", "--json")
	require.Equal(t, ExitSuccess, code, errOut)

	var res struct {
		RowsWritten int `json:"rows_written"`
		FailedItems int `json:"failed_items"`
		Items       []struct {
			Instrument string `json:"instrument"`
			RequestID  int64  `json:"request_id"`
			State      string `json:"state"`
		} `json:"items"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, 4, res.RowsWritten)
	assert.Equal(t, 1, res.FailedItems)
	require.Len(t, res.Items, 2)
	assert.Equal(t, int64(500), res.Items[0].RequestID)
	assert.Equal(t, "COMPLETE", res.Items[0].State)
	assert.Equal(t, "FAILED", res.Items[1].State)

	code, out, errOut = runCLI(t, "--config", path, "summary", "--json")
	require.Equal(t, ExitSuccess, code, errOut)
	var sums []storage.KeySummary
	require.NoError(t, json.Unmarshal([]byte(out), &sums))
	require.Len(t, sums, 1)
	assert.Equal(t, "EUR/USD", sums[0].Instrument)
	assert.Equal(t, 4, sums[0].Rows)

	code, out, errOut = runCLI(t, "--config", path, "validate")
	require.Equal(t, ExitSuccess, code, errOut)
	assert.Contains(t, out, "EUR/USD")

	csvPath := filepath.Join(dir, "exports", "eur.csv")
	code, out, errOut = runCLI(t, "--config", path, "export", "--pair", "EUR/USD", "--timeframe", "DAILY", "--out", csvPath)
	require.Equal(t, ExitSuccess, code, errOut)
	assert.Contains(t, out, "wrote 4 rows")
	assert.FileExists(t, csvPath)
}

func TestExitCode(t *testing.T) {
	ctx := context.Background()
	cancelled, cancel := context.WithCancel(ctx)
	cancel()

	tests := []struct {
		name string
		ctx  context.Context
		err  error
		want int
	}{
		{"config", ctx, apperrors.NewConfigurationError(errors.New("bad")), ExitConfigError},
		{"connection", ctx, apperrors.NewConnectionError("dial", errors.New("refused")), ExitConnectionErr},
		{"storage", ctx, apperrors.NewStorageError("persist", errors.New("disk"), true), ExitDataError},
		{"unclassified", ctx, errors.New("boom"), ExitDataError},
		{"cancelled error", ctx, fmt.Errorf("run: %w", context.Canceled), ExitInterrupt},
		{"cancelled context", cancelled, errors.New("boom"), ExitInterrupt},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.ctx, tt.err))
		})
	}
}
