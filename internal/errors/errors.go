// Package errors provides the error taxonomy of the FX collector together with
// retry support for operations that may fail transiently, such as dialling the
// gateway. Errors carry a type, a severity and whether they abort the whole run.
package errors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/johnayoung/go-fx-collector/internal/config"
)

// ErrorType represents the classification of an error
type ErrorType string

const (
	// ErrorTypeConnection means the gateway session could not be established or was lost.
	ErrorTypeConnection ErrorType = "connection"
	// ErrorTypeNetwork is a transport level failure that may succeed on retry.
	ErrorTypeNetwork ErrorType = "network"
	// ErrorTypeRequestTimeout means a request did not finish within its budget.
	ErrorTypeRequestTimeout ErrorType = "request_timeout"
	// ErrorTypeServiceError is an error event reported by the gateway for a request.
	ErrorTypeServiceError ErrorType = "service_error"
	// ErrorTypeStorage is a failure of the persistence layer.
	ErrorTypeStorage ErrorType = "storage"
	// ErrorTypeValidation is a data quality finding.
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeConfiguration is an invalid or unreadable configuration.
	ErrorTypeConfiguration ErrorType = "configuration"
	// ErrorTypeInternal is a programming error.
	ErrorTypeInternal ErrorType = "internal"
	// ErrorTypeUnknown is an unclassified error.
	ErrorTypeUnknown ErrorType = "unknown"
)

// Severity represents the severity level of an error
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// String returns the string representation of the severity
func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ClassifiedError represents an error with metadata for handling decisions.
// Fatal errors stop the run; all others are isolated to one work item.
type ClassifiedError struct {
	Err       error                  `json:"error"`
	Type      ErrorType              `json:"type"`
	Severity  Severity               `json:"severity"`
	Retryable bool                   `json:"retryable"`
	Fatal     bool                   `json:"fatal"`
	Component string                 `json:"component"`
	Operation string                 `json:"operation"`
	Context   map[string]interface{} `json:"context,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Attempts  int                    `json:"attempts,omitempty"`
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	return fmt.Sprintf("[%s/%s] %s: %v", ce.Component, ce.Type, ce.Operation, ce.Err)
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// Is reports whether target is a ClassifiedError of the same type, or whether
// the wrapped error matches target.
func (ce *ClassifiedError) Is(target error) bool {
	if t, ok := target.(*ClassifiedError); ok {
		return ce.Type == t.Type
	}
	return errors.Is(ce.Err, target)
}

// With attaches a context value and returns the receiver.
func (ce *ClassifiedError) With(key string, value interface{}) *ClassifiedError {
	if ce.Context == nil {
		ce.Context = make(map[string]interface{})
	}
	ce.Context[key] = value
	return ce
}

func newClassified(t ErrorType, component, operation string, err error) *ClassifiedError {
	return &ClassifiedError{
		Err:       err,
		Type:      t,
		Severity:  severityFor(t),
		Retryable: retryableFor(t),
		Fatal:     t == ErrorTypeConnection || t == ErrorTypeConfiguration,
		Component: component,
		Operation: operation,
		Timestamp: time.Now(),
	}
}

// NewConnectionError reports a gateway session that could not be established or confirmed.
func NewConnectionError(operation string, err error) *ClassifiedError {
	return newClassified(ErrorTypeConnection, "channel", operation, err)
}

// NewServiceError reports an error event the gateway sent for a request.
func NewServiceError(requestID int64, code int, message string) *ClassifiedError {
	ce := newClassified(ErrorTypeServiceError, "gateway", "historical_request",
		fmt.Errorf("code %d: %s", code, message))
	return ce.With("request_id", requestID).With("code", code)
}

// NewRequestTimeoutError reports a request that exceeded its budget.
func NewRequestTimeoutError(requestID int64, budget time.Duration, barsReceived int) *ClassifiedError {
	ce := newClassified(ErrorTypeRequestTimeout, "correlator", "await_completion",
		fmt.Errorf("no completion within %s (%d bars received)", budget, barsReceived))
	return ce.With("request_id", requestID).With("bars_received", barsReceived)
}

// NewStorageError reports a persistence failure. A fatal storage error aborts the run.
func NewStorageError(operation string, err error, fatal bool) *ClassifiedError {
	ce := newClassified(ErrorTypeStorage, "storage", operation, err)
	ce.Fatal = fatal
	if fatal {
		ce.Severity = SeverityCritical
	}
	return ce
}

// NewConfigurationError reports an invalid configuration.
func NewConfigurationError(err error) *ClassifiedError {
	return newClassified(ErrorTypeConfiguration, "config", "load", err)
}

// Classify analyzes an error and returns a ClassifiedError. Already classified
// errors are returned unchanged.
func Classify(err error, component, operation string) *ClassifiedError {
	if err == nil {
		return nil
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce
	}
	return newClassified(classifyErrorType(err), component, operation, err)
}

func classifyErrorType(err error) ErrorType {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ErrorTypeInternal
	}
	if isNetworkError(err) {
		return ErrorTypeNetwork
	}
	return ErrorTypeUnknown
}

// isNetworkError checks if the error is network-related
func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"no route to host",
		"network is unreachable",
		"bad handshake",
		"i/o timeout",
	} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

func severityFor(t ErrorType) Severity {
	switch t {
	case ErrorTypeConnection, ErrorTypeConfiguration:
		return SeverityCritical
	case ErrorTypeStorage, ErrorTypeInternal:
		return SeverityHigh
	case ErrorTypeServiceError, ErrorTypeRequestTimeout:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

func retryableFor(t ErrorType) bool {
	return t == ErrorTypeNetwork
}

// IsFatal reports whether err should stop the whole run.
func IsFatal(err error) bool {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Fatal
	}
	return false
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return false
}

// GetErrorType extracts the error type from a classified error
func GetErrorType(err error) ErrorType {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Type
	}
	return ErrorTypeUnknown
}

// Retrier runs an operation under a retry policy. Only errors classified as
// retryable are retried.
type Retrier struct {
	policy config.RetryConfig
	logger *slog.Logger
}

// NewRetrier creates a Retrier for the given policy.
func NewRetrier(policy config.RetryConfig, logger *slog.Logger) *Retrier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retrier{policy: policy, logger: logger}
}

// Retry executes fn until it succeeds, returns a non-retryable error, the
// policy is exhausted or ctx is done.
func (r *Retrier) Retry(ctx context.Context, component, operation string, fn func() error) error {
	attempts := 0
	op := func() error {
		attempts++
		err := fn()
		if err == nil {
			return nil
		}
		classified := Classify(err, component, operation)
		classified.Attempts = attempts
		if !classified.Retryable {
			return backoff.Permanent(classified)
		}
		return classified
	}

	notify := func(err error, next time.Duration) {
		r.logger.Warn("operation failed, retrying",
			"component", component,
			"operation", operation,
			"attempt", attempts,
			"max_attempts", r.policy.MaxAttempts,
			"next_retry", next,
			"error", err.Error())
	}

	err := backoff.RetryNotify(op, backoff.WithContext(r.backOff(), ctx), notify)
	if err != nil {
		return fmt.Errorf("%s failed after %d attempts: %w", operation, attempts, err)
	}
	if attempts > 1 {
		r.logger.Debug("operation succeeded after retry",
			"component", component,
			"operation", operation,
			"attempts", attempts)
	}
	return nil
}

func (r *Retrier) backOff() backoff.BackOff {
	exponential := backoff.NewExponentialBackOff()
	exponential.InitialInterval = r.policy.InitialDelayDuration()
	exponential.MaxInterval = r.policy.MaxDelayDuration()
	exponential.MaxElapsedTime = r.policy.MaxElapsedDuration()
	if !r.policy.Jitter {
		exponential.RandomizationFactor = 0
	}

	maxAttempts := r.policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return backoff.WithMaxRetries(exponential, uint64(maxAttempts-1))
}
