package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/go-fx-collector/internal/config"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name              string
		err               error
		expectedType      ErrorType
		expectedRetryable bool
		expectedSeverity  Severity
	}{
		{
			name:              "connection refused text",
			err:               fmt.Errorf("dial tcp 127.0.0.1:7497: connection refused"),
			expectedType:      ErrorTypeNetwork,
			expectedRetryable: true,
			expectedSeverity:  SeverityLow,
		},
		{
			name:              "connection refused errno",
			err:               fmt.Errorf("dial: %w", syscall.ECONNREFUSED),
			expectedType:      ErrorTypeNetwork,
			expectedRetryable: true,
			expectedSeverity:  SeverityLow,
		},
		{
			name:              "net op error",
			err:               &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("no route")},
			expectedType:      ErrorTypeNetwork,
			expectedRetryable: true,
			expectedSeverity:  SeverityLow,
		},
		{
			name:              "websocket bad handshake",
			err:               errors.New("websocket: bad handshake"),
			expectedType:      ErrorTypeNetwork,
			expectedRetryable: true,
			expectedSeverity:  SeverityLow,
		},
		{
			name:              "context cancelled",
			err:               fmt.Errorf("run: %w", context.Canceled),
			expectedType:      ErrorTypeInternal,
			expectedRetryable: false,
			expectedSeverity:  SeverityHigh,
		},
		{
			name:              "unknown",
			err:               errors.New("something odd"),
			expectedType:      ErrorTypeUnknown,
			expectedRetryable: false,
			expectedSeverity:  SeverityLow,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ce := Classify(tt.err, "test", "op")
			require.NotNil(t, ce)
			assert.Equal(t, tt.expectedType, ce.Type)
			assert.Equal(t, tt.expectedRetryable, ce.Retryable)
			assert.Equal(t, tt.expectedSeverity, ce.Severity)
			assert.False(t, ce.Fatal)
			assert.ErrorIs(t, ce, tt.err)
		})
	}

	assert.Nil(t, Classify(nil, "test", "op"))
}

func TestClassify_KeepsExistingClassification(t *testing.T) {
	orig := NewStorageError("persist", errors.New("disk full"), true)
	wrapped := fmt.Errorf("item EUR/USD: %w", orig)

	assert.Same(t, orig, Classify(wrapped, "runner", "finish"))
	assert.True(t, IsFatal(wrapped))
	assert.Equal(t, ErrorTypeStorage, GetErrorType(wrapped))
}

func TestConstructors(t *testing.T) {
	tests := []struct {
		name      string
		err       *ClassifiedError
		errType   ErrorType
		fatal     bool
		severity  Severity
		component string
	}{
		{"connection", NewConnectionError("open", errors.New("no status")), ErrorTypeConnection, true, SeverityCritical, "channel"},
		{"configuration", NewConfigurationError(errors.New("bad port")), ErrorTypeConfiguration, true, SeverityCritical, "config"},
		{"service", NewServiceError(10001, 162, "no data"), ErrorTypeServiceError, false, SeverityMedium, "gateway"},
		{"timeout", NewRequestTimeoutError(10002, 30*time.Second, 12), ErrorTypeRequestTimeout, false, SeverityMedium, "correlator"},
		{"storage", NewStorageError("persist", errors.New("locked"), false), ErrorTypeStorage, false, SeverityHigh, "storage"},
		{"storage fatal", NewStorageError("health_check", errors.New("gone"), true), ErrorTypeStorage, true, SeverityCritical, "storage"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.errType, tt.err.Type)
			assert.Equal(t, tt.fatal, tt.err.Fatal)
			assert.Equal(t, tt.fatal, IsFatal(tt.err))
			assert.Equal(t, tt.severity, tt.err.Severity)
			assert.Equal(t, tt.component, tt.err.Component)
			assert.False(t, IsRetryable(tt.err))
		})
	}
}

func TestServiceAndTimeoutContext(t *testing.T) {
	se := NewServiceError(10001, 162, "HMDS query returned no data")
	assert.Equal(t, int64(10001), se.Context["request_id"])
	assert.Equal(t, 162, se.Context["code"])
	assert.Contains(t, se.Error(), "code 162: HMDS query returned no data")

	te := NewRequestTimeoutError(10002, 30*time.Second, 12)
	assert.Equal(t, 12, te.Context["bars_received"])
	assert.Contains(t, te.Error(), "no completion within 30s (12 bars received)")
}

func TestIs_MatchesByType(t *testing.T) {
	a := NewConnectionError("open", errors.New("a"))
	b := NewConnectionError("dial", errors.New("b"))
	c := NewStorageError("persist", errors.New("c"), false)

	assert.ErrorIs(t, a, b)
	assert.NotErrorIs(t, a, c)
}

func TestGetErrorType_Unclassified(t *testing.T) {
	assert.Equal(t, ErrorTypeUnknown, GetErrorType(errors.New("plain")))
	assert.False(t, IsFatal(errors.New("plain")))
	assert.False(t, IsRetryable(nil))
}

func TestSeverityString(t *testing.T) {
	assert.Equal(t, "low", SeverityLow.String())
	assert.Equal(t, "critical", SeverityCritical.String())
	assert.Equal(t, "unknown", Severity(42).String())
}

func fastPolicy(attempts int) config.RetryConfig {
	return config.RetryConfig{
		MaxAttempts:  attempts,
		InitialDelay: "1ms",
		MaxDelay:     "2ms",
		MaxElapsed:   "1s",
	}
}

func TestRetrier_RetriesNetworkErrors(t *testing.T) {
	r := NewRetrier(fastPolicy(3), nil)

	calls := 0
	err := r.Retry(context.Background(), "channel", "dial", func() error {
		calls++
		if calls < 3 {
			return errors.New("connection refused")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetrier_StopsAfterMaxAttempts(t *testing.T) {
	r := NewRetrier(fastPolicy(2), nil)

	calls := 0
	err := r.Retry(context.Background(), "channel", "dial", func() error {
		calls++
		return errors.New("connection refused")
	})
	require.Error(t, err)
	assert.Equal(t, 2, calls)
	assert.Contains(t, err.Error(), "dial failed after 2 attempts")
	assert.Equal(t, ErrorTypeNetwork, GetErrorType(err))
}

func TestRetrier_PermanentErrorNotRetried(t *testing.T) {
	r := NewRetrier(fastPolicy(5), nil)

	calls := 0
	err := r.Retry(context.Background(), "channel", "dial", func() error {
		calls++
		return NewConnectionError("open", errors.New("not confirmed"))
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, IsFatal(err))
}

func TestRetrier_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := NewRetrier(config.RetryConfig{MaxAttempts: 5, InitialDelay: "1s", MaxDelay: "1s", MaxElapsed: "10s"}, nil)

	calls := 0
	err := r.Retry(ctx, "channel", "dial", func() error {
		calls++
		return errors.New("connection refused")
	})
	require.Error(t, err)
	assert.LessOrEqual(t, calls, 1)
}
