// Package config provides centralized configuration management for the FX collector.
// Configuration is assembled from defaults, an optional JSON, YAML or TOML file and
// environment variables, then validated before any component is constructed.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"github.com/creasty/defaults"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "FXC_"

// AppConfig represents the complete application configuration
type AppConfig struct {
	AppName    string `json:"app_name" yaml:"app_name" toml:"app_name"`
	Version    string `json:"version" yaml:"version" toml:"version"`
	ConfigPath string `json:"-" yaml:"-" toml:"-"`

	Connection  ConnectionConfig   `json:"connection" yaml:"connection" toml:"connection"`
	Instruments []InstrumentConfig `json:"instruments" yaml:"instruments" toml:"instruments" validate:"required,min=1,dive"`
	Timeframes  []TimeframeConfig  `json:"timeframes" yaml:"timeframes" toml:"timeframes" validate:"required,min=1,dive"`
	Collector   CollectorConfig    `json:"collector" yaml:"collector" toml:"collector"`
	Storage     StorageConfig      `json:"storage" yaml:"storage" toml:"storage"`
	Validator   ValidatorConfig    `json:"validator" yaml:"validator" toml:"validator"`
	Logging     LoggingConfig      `json:"logging" yaml:"logging" toml:"logging"`
	Metrics     MetricsConfig      `json:"metrics" yaml:"metrics" toml:"metrics"`
}

// ConnectionConfig configures the gateway session
type ConnectionConfig struct {
	Host             string      `json:"host" yaml:"host" toml:"host" validate:"required,hostname|ip"`
	Port             int         `json:"port" yaml:"port" toml:"port" validate:"min=1,max=65535"`
	ClientID         int         `json:"client_id" yaml:"client_id" toml:"client_id" validate:"min=0"`
	Path             string      `json:"path" yaml:"path" toml:"path" validate:"startswith=/"`
	HandshakeTimeout string      `json:"handshake_timeout" yaml:"handshake_timeout" toml:"handshake_timeout" validate:"duration"`
	PingInterval     string      `json:"ping_interval" yaml:"ping_interval" toml:"ping_interval" validate:"duration"`
	WriteTimeout     string      `json:"write_timeout" yaml:"write_timeout" toml:"write_timeout" validate:"duration"`
	FirstRequestID   int64       `json:"first_request_id" yaml:"first_request_id" toml:"first_request_id" validate:"min=1"`
	Retry            RetryConfig `json:"retry" yaml:"retry" toml:"retry"`
}

// RetryConfig configures retry behavior for dialling the gateway
type RetryConfig struct {
	MaxAttempts  int    `json:"max_attempts" yaml:"max_attempts" toml:"max_attempts" validate:"min=1"`
	InitialDelay string `json:"initial_delay" yaml:"initial_delay" toml:"initial_delay" validate:"duration"`
	MaxDelay     string `json:"max_delay" yaml:"max_delay" toml:"max_delay" validate:"duration"`
	MaxElapsed   string `json:"max_elapsed" yaml:"max_elapsed" toml:"max_elapsed" validate:"duration"`
	Jitter       bool   `json:"jitter" yaml:"jitter" toml:"jitter"`
}

// InstrumentConfig names a currency pair and the contract details used to request it.
// Omitted contract fields are filled from the default tags.
type InstrumentConfig struct {
	Pair       string `json:"pair" yaml:"pair" toml:"pair" validate:"required,pair"`
	SecType    string `json:"sec_type" yaml:"sec_type" toml:"sec_type" default:"CASH"`
	Exchange   string `json:"exchange" yaml:"exchange" toml:"exchange" default:"IDEALPRO"`
	WhatToShow string `json:"what_to_show" yaml:"what_to_show" toml:"what_to_show" default:"MIDPOINT" validate:"oneof=MIDPOINT BID ASK BID_ASK TRADES"`
}

// TimeframeConfig names a bar resolution and its lookback window.
type TimeframeConfig struct {
	Label    string `json:"label" yaml:"label" toml:"label" validate:"required"`
	BarSize  string `json:"bar_size" yaml:"bar_size" toml:"bar_size" validate:"required,barsize"`
	Duration string `json:"duration" yaml:"duration" toml:"duration" validate:"required,lookback"`
	Timeout  string `json:"timeout,omitempty" yaml:"timeout,omitempty" toml:"timeout,omitempty" validate:"duration"`
}

// CollectorConfig configures request submission and per-request timeout budgets
type CollectorConfig struct {
	BaseTimeout   string  `json:"base_timeout" yaml:"base_timeout" toml:"base_timeout" validate:"duration"`
	PerBarTimeout string  `json:"per_bar_timeout" yaml:"per_bar_timeout" toml:"per_bar_timeout" validate:"duration"`
	MaxTimeout    string  `json:"max_timeout" yaml:"max_timeout" toml:"max_timeout" validate:"duration"`
	SubmitRate    float64 `json:"submit_rate" yaml:"submit_rate" toml:"submit_rate" validate:"gt=0"`
	SubmitBurst   int     `json:"submit_burst" yaml:"submit_burst" toml:"submit_burst" validate:"min=1"`
	UseRTH        bool    `json:"use_rth" yaml:"use_rth" toml:"use_rth"`
	EndDateTime   string  `json:"end_date_time" yaml:"end_date_time" toml:"end_date_time"`
}

// StorageConfig configures the storage backend
type StorageConfig struct {
	Driver         string `json:"driver" yaml:"driver" toml:"driver" validate:"oneof=sqlite duckdb postgres memory"`
	DSN            string `json:"dsn" yaml:"dsn" toml:"dsn" validate:"required"`
	Table          string `json:"table" yaml:"table" toml:"table" validate:"required,sqlident"`
	PricePrecision int32  `json:"price_precision" yaml:"price_precision" toml:"price_precision" validate:"min=1,max=12"`
}

// ValidatorConfig configures post-persistence checks
type ValidatorConfig struct {
	Enabled    bool `json:"enabled" yaml:"enabled" toml:"enabled"`
	MaxSamples int  `json:"max_samples" yaml:"max_samples" toml:"max_samples" validate:"min=0"`
}

// LoggingConfig configures structured logging
type LoggingConfig struct {
	Level         string            `json:"level" yaml:"level" toml:"level" validate:"oneof=debug info warn error"`         // Log level: debug, info, warn, error
	Format        string            `json:"format" yaml:"format" toml:"format" validate:"oneof=json text"`                  // Log format: json, text
	Output        string            `json:"output" yaml:"output" toml:"output" validate:"oneof=stdout stderr file"`         // Output: stdout, stderr, file
	FilePath      string            `json:"file_path" yaml:"file_path" toml:"file_path" validate:"required_if=Output file"` // Log file path
	MaxSize       int               `json:"max_size" yaml:"max_size" toml:"max_size"`                                       // Maximum log file size in MB
	MaxBackups    int               `json:"max_backups" yaml:"max_backups" toml:"max_backups"`                              // Maximum log file backups
	MaxAge        int               `json:"max_age" yaml:"max_age" toml:"max_age"`                                          // Maximum log file age in days
	Compress      bool              `json:"compress" yaml:"compress" toml:"compress"`                                       // Compress old log files
	ContextFields map[string]string `json:"context_fields" yaml:"context_fields" toml:"context_fields"`                     // Additional context fields
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Addr    string `json:"addr" yaml:"addr" toml:"addr" validate:"required_if=Enabled true"`
	Path    string `json:"path" yaml:"path" toml:"path" validate:"startswith=/"`
}

// ConfigManager handles configuration loading and validation
type ConfigManager struct {
	config     *AppConfig
	configPath string
	logger     *slog.Logger
}

// NewConfigManager creates a new configuration manager
func NewConfigManager(configPath string, logger *slog.Logger) *ConfigManager {
	if logger == nil {
		logger = slog.Default()
	}

	return &ConfigManager{
		configPath: configPath,
		logger:     logger,
	}
}

// LoadConfig loads configuration from multiple sources with priority order:
// 1. Environment variables (highest priority)
// 2. Configuration file
// 3. Default values (lowest priority)
func (cm *ConfigManager) LoadConfig(ctx context.Context) (*AppConfig, error) {
	config := DefaultConfig()
	config.ConfigPath = cm.configPath

	if cm.configPath != "" {
		if err := cm.loadFromFile(config); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := cm.loadFromEnv(config); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	if err := ApplyEntryDefaults(config); err != nil {
		return nil, fmt.Errorf("failed to apply defaults: %w", err)
	}

	if err := cm.validateConfig(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	cm.config = config
	cm.logger.Info("configuration loaded successfully",
		"config_path", cm.configPath,
		"gateway", fmt.Sprintf("%s:%d", config.Connection.Host, config.Connection.Port),
		"instruments", len(config.Instruments),
		"timeframes", len(config.Timeframes),
		"storage_driver", config.Storage.Driver,
		"log_level", config.Logging.Level)

	return config, nil
}

// loadFromFile decodes the configuration file according to its extension.
// Instrument and timeframe lists in the file replace the defaults wholesale.
func (cm *ConfigManager) loadFromFile(config *AppConfig) error {
	if _, err := os.Stat(cm.configPath); os.IsNotExist(err) {
		cm.logger.Debug("config file does not exist, using defaults", "path", cm.configPath)
		return nil
	}

	data, err := os.ReadFile(cm.configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", cm.configPath, err)
	}

	defaultInstruments, defaultTimeframes := config.Instruments, config.Timeframes
	config.Instruments, config.Timeframes = nil, nil

	switch ext := strings.ToLower(filepath.Ext(cm.configPath)); ext {
	case ".json":
		err = json.Unmarshal(data, config)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, config)
	case ".toml":
		err = toml.Unmarshal(data, config)
	default:
		return fmt.Errorf("unsupported config file extension %q", ext)
	}
	if err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", cm.configPath, err)
	}

	if len(config.Instruments) == 0 {
		config.Instruments = defaultInstruments
	}
	if len(config.Timeframes) == 0 {
		config.Timeframes = defaultTimeframes
	}

	cm.logger.Debug("loaded configuration from file", "path", cm.configPath)
	return nil
}

// loadFromEnv loads configuration from environment variables
func (cm *ConfigManager) loadFromEnv(config *AppConfig) error {
	if val := getenv("HOST"); val != "" {
		config.Connection.Host = val
	}
	if val := getenv("PORT"); val != "" {
		port, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid %sPORT %q: %w", EnvPrefix, val, err)
		}
		config.Connection.Port = port
	}
	if val := getenv("CLIENT_ID"); val != "" {
		id, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid %sCLIENT_ID %q: %w", EnvPrefix, val, err)
		}
		config.Connection.ClientID = id
	}
	if val := getenv("HANDSHAKE_TIMEOUT"); val != "" {
		config.Connection.HandshakeTimeout = val
	}
	if val := getenv("INSTRUMENTS"); val != "" {
		var instruments []InstrumentConfig
		for _, pair := range strings.Split(val, ",") {
			if pair = strings.TrimSpace(pair); pair != "" {
				instruments = append(instruments, InstrumentConfig{Pair: pair})
			}
		}
		config.Instruments = instruments
	}

	if val := getenv("DB_DRIVER"); val != "" {
		config.Storage.Driver = val
	}
	if val := getenv("DB_DSN"); val != "" {
		config.Storage.DSN = val
	}

	if val := getenv("LOG_LEVEL"); val != "" {
		config.Logging.Level = strings.ToLower(val)
	}
	if val := getenv("LOG_FORMAT"); val != "" {
		config.Logging.Format = val
	}
	if val := getenv("LOG_OUTPUT"); val != "" {
		config.Logging.Output = val
	}
	if val := getenv("LOG_FILE_PATH"); val != "" {
		config.Logging.FilePath = val
	}

	if val := getenv("METRICS_ENABLED"); val != "" {
		config.Metrics.Enabled = val == "true"
	}
	if val := getenv("METRICS_ADDR"); val != "" {
		config.Metrics.Addr = val
	}

	cm.logger.Debug("loaded configuration from environment variables")
	return nil
}

func getenv(name string) string {
	return strings.TrimSpace(os.Getenv(EnvPrefix + name))
}

// ApplyEntryDefaults fills omitted fields of list entries from their default tags.
func ApplyEntryDefaults(config *AppConfig) error {
	for i := range config.Instruments {
		if err := defaults.Set(&config.Instruments[i]); err != nil {
			return fmt.Errorf("instrument %d: %w", i, err)
		}
	}
	return nil
}

// GetConfig returns the current configuration
func (cm *ConfigManager) GetConfig() *AppConfig {
	return cm.config
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *AppConfig {
	return &AppConfig{
		AppName: "fx-collector",
		Version: "1.0.0",
		Connection: ConnectionConfig{
			Host:             "127.0.0.1",
			Port:             7497,
			ClientID:         42,
			Path:             "/v1/api/ws",
			HandshakeTimeout: "10s",
			PingInterval:     "30s",
			WriteTimeout:     "5s",
			FirstRequestID:   10001,
			Retry: RetryConfig{
				MaxAttempts:  3,
				InitialDelay: "500ms",
				MaxDelay:     "5s",
				MaxElapsed:   "10s",
				Jitter:       true,
			},
		},
		Instruments: []InstrumentConfig{
			{Pair: "EUR/USD", SecType: "CASH", Exchange: "IDEALPRO", WhatToShow: "MIDPOINT"},
			{Pair: "GBP/USD", SecType: "CASH", Exchange: "IDEALPRO", WhatToShow: "MIDPOINT"},
			{Pair: "AUD/USD", SecType: "CASH", Exchange: "IDEALPRO", WhatToShow: "MIDPOINT"},
			{Pair: "USD/JPY", SecType: "CASH", Exchange: "IDEALPRO", WhatToShow: "MIDPOINT"},
		},
		Timeframes: []TimeframeConfig{
			{Label: "DAILY", BarSize: "1 day", Duration: "1 Y"},
		},
		Collector: CollectorConfig{
			BaseTimeout:   "10s",
			PerBarTimeout: "20ms",
			MaxTimeout:    "5m",
			SubmitRate:    40,
			SubmitBurst:   5,
			UseRTH:        false,
		},
		Storage: StorageConfig{
			Driver:         "sqlite",
			DSN:            "./data/forex_1year.db",
			Table:          "fx_bars",
			PricePrecision: 8,
		},
		Validator: ValidatorConfig{
			Enabled:    true,
			MaxSamples: 5,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
			ContextFields: map[string]string{
				"service": "fx-collector",
			},
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    ":9090",
			Path:    "/metrics",
		},
	}
}

// String returns a JSON representation of the configuration
func (c *AppConfig) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// parseDurationOr parses s, returning fallback when s is empty or invalid.
// Invalid values never reach here after validation.
func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// HandshakeTimeoutDuration is the bound on dialling plus session confirmation.
func (c ConnectionConfig) HandshakeTimeoutDuration() time.Duration {
	return parseDurationOr(c.HandshakeTimeout, 10*time.Second)
}

// PingIntervalDuration is the keepalive period; zero disables pings.
func (c ConnectionConfig) PingIntervalDuration() time.Duration {
	return parseDurationOr(c.PingInterval, 0)
}

// WriteTimeoutDuration bounds a single frame write.
func (c ConnectionConfig) WriteTimeoutDuration() time.Duration {
	return parseDurationOr(c.WriteTimeout, 5*time.Second)
}

// Address returns host:port.
func (c ConnectionConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (r RetryConfig) InitialDelayDuration() time.Duration {
	return parseDurationOr(r.InitialDelay, 500*time.Millisecond)
}

func (r RetryConfig) MaxDelayDuration() time.Duration {
	return parseDurationOr(r.MaxDelay, 5*time.Second)
}

// MaxElapsedDuration returns zero, meaning no elapsed limit, when unset.
func (r RetryConfig) MaxElapsedDuration() time.Duration {
	return parseDurationOr(r.MaxElapsed, 0)
}

func (c CollectorConfig) BaseTimeoutDuration() time.Duration {
	return parseDurationOr(c.BaseTimeout, 10*time.Second)
}

func (c CollectorConfig) PerBarTimeoutDuration() time.Duration {
	return parseDurationOr(c.PerBarTimeout, 20*time.Millisecond)
}

func (c CollectorConfig) MaxTimeoutDuration() time.Duration {
	return parseDurationOr(c.MaxTimeout, 5*time.Minute)
}
