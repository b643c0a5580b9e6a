// Package logger provides structured logging with context propagation for the FX collector.
// It builds log/slog handlers from configuration, supports rotating log files and
// attaches run, pair, timeframe and request identifiers carried in a context.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/johnayoung/go-fx-collector/internal/config"
)

// ContextKey represents keys for context values
type ContextKey string

const (
	// RunIDKey is the context key for the collection run ID
	RunIDKey ContextKey = "run_id"
	// OperationKey is the context key for operation name
	OperationKey ContextKey = "operation"
	// PairKey is the context key for the currency pair
	PairKey ContextKey = "pair"
	// TimeframeKey is the context key for the timeframe label
	TimeframeKey ContextKey = "timeframe"
	// RequestIDKey is the context key for the gateway request ID
	RequestIDKey ContextKey = "request_id"
)

// LoggerManager manages structured logging for the application
type LoggerManager struct {
	baseLogger *slog.Logger
	config     config.LoggingConfig
	writer     io.WriteCloser

	mu             sync.Mutex
	componentCache map[string]*slog.Logger
}

// NewLoggerManager creates a new logger manager with the specified configuration
func NewLoggerManager(cfg config.LoggingConfig) (*LoggerManager, error) {
	writer, err := createWriter(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create log writer: %w", err)
	}

	return &LoggerManager{
		baseLogger:     slog.New(newHandler(writer, cfg)),
		config:         cfg,
		writer:         writer,
		componentCache: make(map[string]*slog.Logger),
	}, nil
}

// newHandler builds the slog handler for cfg on top of w.
func newHandler(w io.Writer, cfg config.LoggingConfig) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:     ParseLevel(cfg.Level),
		AddSource: strings.EqualFold(cfg.Level, "debug"),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			switch a.Key {
			case slog.TimeKey:
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.UTC().Format(time.RFC3339Nano))
				}
			case slog.LevelKey:
				if level, ok := a.Value.Any().(slog.Level); ok {
					a.Value = slog.StringValue(strings.ToUpper(level.String()))
				}
			}
			return a
		},
	}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	if len(cfg.ContextFields) == 0 {
		return handler
	}
	attrs := make([]slog.Attr, 0, len(cfg.ContextFields))
	for key, value := range cfg.ContextFields {
		attrs = append(attrs, slog.String(key, value))
	}
	return handler.WithAttrs(attrs)
}

// createWriter creates the appropriate writer based on configuration
func createWriter(cfg config.LoggingConfig) (io.WriteCloser, error) {
	switch cfg.Output {
	case "stderr":
		return nopWriteCloser{os.Stderr}, nil
	case "file":
		if cfg.FilePath == "" {
			return nil, fmt.Errorf("file path is required when output is 'file'")
		}

		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}

		return &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxSize, // MB
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge, // days
			Compress:   cfg.Compress,
		}, nil
	default:
		return nopWriteCloser{os.Stdout}, nil
	}
}

// nopWriteCloser wraps an io.Writer to provide a Close method
type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

// ParseLevel converts a string log level to slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// GetLogger returns the base logger instance
func (lm *LoggerManager) GetLogger() *slog.Logger {
	return lm.baseLogger
}

// GetComponentLogger returns a logger tagged with the component attribute
func (lm *LoggerManager) GetComponentLogger(component string) *slog.Logger {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if cached, ok := lm.componentCache[component]; ok {
		return cached
	}
	l := lm.baseLogger.With(slog.String("component", component))
	lm.componentCache[component] = l
	return l
}

// Close closes the logger and any associated resources
func (lm *LoggerManager) Close() error {
	if lm.writer != nil {
		return lm.writer.Close()
	}
	return nil
}

// NewRunID returns a fresh identifier for one collection run.
func NewRunID() string {
	return uuid.NewString()
}

// WithRunID adds a run ID to the context
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDKey, runID)
}

// WithOperation adds an operation name to the context
func WithOperation(ctx context.Context, operation string) context.Context {
	return context.WithValue(ctx, OperationKey, operation)
}

// WithPair adds a currency pair to the context
func WithPair(ctx context.Context, pair string) context.Context {
	return context.WithValue(ctx, PairKey, pair)
}

// WithTimeframe adds a timeframe label to the context
func WithTimeframe(ctx context.Context, timeframe string) context.Context {
	return context.WithValue(ctx, TimeframeKey, timeframe)
}

// WithRequestID adds a gateway request ID to the context
func WithRequestID(ctx context.Context, requestID int64) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetRunID extracts the run ID from context
func GetRunID(ctx context.Context) string {
	if runID, ok := ctx.Value(RunIDKey).(string); ok {
		return runID
	}
	return ""
}

// Attrs extracts the logging attributes carried by ctx.
func Attrs(ctx context.Context) []any {
	var attrs []any
	for _, key := range []ContextKey{RunIDKey, OperationKey, PairKey, TimeframeKey} {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			attrs = append(attrs, slog.String(string(key), v))
		}
	}
	if id, ok := ctx.Value(RequestIDKey).(int64); ok {
		attrs = append(attrs, slog.Int64(string(RequestIDKey), id))
	}
	return attrs
}

// FromContext returns logger enriched with the attributes carried by ctx.
func FromContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	attrs := Attrs(ctx)
	if len(attrs) == 0 {
		return logger
	}
	return logger.With(attrs...)
}

// TimedOperation runs fn and logs its outcome with the elapsed time
func TimedOperation(ctx context.Context, logger *slog.Logger, operation string, fn func() error) error {
	start := time.Now()
	log := FromContext(ctx, logger)

	err := fn()
	duration := time.Since(start)

	if err != nil {
		log.Error("operation failed",
			slog.String("operation", operation),
			slog.Duration("duration", duration),
			slog.Any("error", err))
		return err
	}

	log.Info("operation completed",
		slog.String("operation", operation),
		slog.Duration("duration", duration))
	return nil
}

// Discard returns a logger that drops every record. Useful for tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(100)}))
}
