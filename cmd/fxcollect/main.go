// FX History Collector CLI
// This application requests historical OHLCV bars for a fixed set of currency
// pairs from a brokerage gateway, stores them idempotently in a local
// database and checks the stored bars for consistency.
//
// Usage:
//
//	fxcollect collect --config fxcollect.yaml
//	fxcollect validate
//	fxcollect summary --json
//	fxcollect export --pair EUR/USD --timeframe DAILY --format parquet
//
// For detailed help on any command, use: fxcollect help <command>
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/johnayoung/go-fx-collector/internal/collector"
	"github.com/johnayoung/go-fx-collector/internal/config"
	apperrors "github.com/johnayoung/go-fx-collector/internal/errors"
	"github.com/johnayoung/go-fx-collector/internal/export"
	"github.com/johnayoung/go-fx-collector/internal/logger"
	"github.com/johnayoung/go-fx-collector/internal/metrics"
	"github.com/johnayoung/go-fx-collector/internal/report"
	"github.com/johnayoung/go-fx-collector/internal/storage"
	"github.com/johnayoung/go-fx-collector/internal/validator"
)

const AppName = "fxcollect"

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "1.0.0"

// Exit codes following standard conventions
const (
	ExitSuccess       = 0
	ExitUsageError    = 1
	ExitConfigError   = 2
	ExitConnectionErr = 3
	ExitDataError     = 4
	ExitInterrupt     = 130
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	cancel()
	os.Exit(code)
}

// CLI holds what every command needs once configuration is loaded.
type CLI struct {
	config   *config.AppConfig
	logs     *logger.LoggerManager
	logger   *slog.Logger
	stdout   io.Writer
	stderr   io.Writer
	newStore func(config.StorageConfig, *slog.Logger) (storage.Store, error)
}

// run dispatches args and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	global := flag.NewFlagSet(AppName, flag.ContinueOnError)
	global.SetOutput(io.Discard)
	configPath := global.String("config", "", "configuration file (json, yaml or toml)")
	if err := global.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			printUsage(stdout)
			return ExitSuccess
		}
		fmt.Fprintf(stderr, "Error: %v\n\n", err)
		printUsage(stderr)
		return ExitUsageError
	}

	command, rest := "collect", global.Args()
	if len(rest) > 0 {
		command, rest = rest[0], rest[1:]
	}

	switch command {
	case "version", "--version", "-v":
		fmt.Fprintf(stdout, "%s version %s\n", AppName, Version)
		return ExitSuccess
	case "help", "--help", "-h":
		if len(rest) > 0 {
			printCommandHelp(stdout, rest[0])
		} else {
			printUsage(stdout)
		}
		return ExitSuccess
	}

	handler, ok := commands[command]
	if !ok {
		fmt.Fprintf(stderr, "Error: Unknown command '%s'\n\n", command)
		printUsage(stderr)
		return ExitUsageError
	}

	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(configPath, "config", *configPath, "configuration file (json, yaml or toml)")
	opts := handler.flags(fs)
	if err := fs.Parse(rest); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			printCommandHelp(stdout, command)
			return ExitSuccess
		}
		fmt.Fprintf(stderr, "Error: %v\n\n", err)
		printCommandHelp(stderr, command)
		return ExitUsageError
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(stderr, "Error: unexpected arguments: %s\n", strings.Join(fs.Args(), " "))
		return ExitUsageError
	}

	cli, err := initialize(ctx, *configPath, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: Failed to initialize: %v\n", err)
		return ExitConfigError
	}
	defer cli.logs.Close()

	if err := handler.run(ctx, cli, opts); err != nil {
		code := exitCode(ctx, err)
		cli.logger.Error(command+" failed", "error", err, "exit_code", code)
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return code
	}
	return ExitSuccess
}

// initialize loads configuration and sets up logging.
func initialize(ctx context.Context, configPath string, stdout, stderr io.Writer) (*CLI, error) {
	bootstrap := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cfg, err := config.NewConfigManager(configPath, bootstrap).LoadConfig(ctx)
	if err != nil {
		return nil, err
	}

	logs, err := logger.NewLoggerManager(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to setup logging: %w", err)
	}

	return &CLI{
		config:   cfg,
		logs:     logs,
		logger:   logs.GetLogger(),
		stdout:   stdout,
		stderr:   stderr,
		newStore: storage.New,
	}, nil
}

// exitCode maps a command error onto the documented exit codes.
func exitCode(ctx context.Context, err error) int {
	if errors.Is(err, context.Canceled) || ctx.Err() != nil {
		return ExitInterrupt
	}
	switch apperrors.GetErrorType(err) {
	case apperrors.ErrorTypeConfiguration:
		return ExitConfigError
	case apperrors.ErrorTypeConnection, apperrors.ErrorTypeNetwork:
		return ExitConnectionErr
	default:
		return ExitDataError
	}
}

// openStore opens the configured backend and makes sure the bar table exists.
func (cli *CLI) openStore(ctx context.Context) (storage.Store, error) {
	store, err := cli.newStore(cli.config.Storage, cli.logs.GetComponentLogger("storage"))
	if err != nil {
		return nil, apperrors.NewStorageError("open", err, true)
	}
	if err := store.EnsureSchema(ctx); err != nil {
		store.Close()
		return nil, apperrors.NewStorageError("ensure_schema", err, true)
	}
	return store, nil
}

type subcommand struct {
	flags func(fs *flag.FlagSet) any
	run   func(ctx context.Context, cli *CLI, opts any) error
}

var commands = map[string]subcommand{
	"collect": {
		flags: func(fs *flag.FlagSet) any {
			o := &collectFlags{}
			fs.BoolVar(&o.JSON, "json", false, "print the run summary as JSON")
			fs.StringVar(&o.Pairs, "pairs", "", "comma-separated pairs overriding the configured instruments")
			return o
		},
		run: func(ctx context.Context, cli *CLI, opts any) error {
			return cli.handleCollect(ctx, opts.(*collectFlags))
		},
	},
	"validate": {
		flags: func(fs *flag.FlagSet) any {
			o := &outputFlags{}
			fs.BoolVar(&o.JSON, "json", false, "print reports as JSON")
			return o
		},
		run: func(ctx context.Context, cli *CLI, opts any) error {
			return cli.handleValidate(ctx, opts.(*outputFlags))
		},
	},
	"summary": {
		flags: func(fs *flag.FlagSet) any {
			o := &outputFlags{}
			fs.BoolVar(&o.JSON, "json", false, "print key summaries as JSON")
			return o
		},
		run: func(ctx context.Context, cli *CLI, opts any) error {
			return cli.handleSummary(ctx, opts.(*outputFlags))
		},
	},
	"export": {
		flags: func(fs *flag.FlagSet) any {
			o := &exportFlags{}
			fs.StringVar(&o.Pair, "pair", "", "currency pair to export, e.g. EUR/USD (required)")
			fs.StringVar(&o.Timeframe, "timeframe", "", "timeframe label to export, e.g. DAILY (required)")
			fs.StringVar(&o.Format, "format", "csv", "output format: "+strings.Join(export.Formats, ", "))
			fs.StringVar(&o.Out, "out", "", "output file (default <PAIR>_<TIMEFRAME>.<ext>)")
			return o
		},
		run: func(ctx context.Context, cli *CLI, opts any) error {
			return cli.handleExport(ctx, opts.(*exportFlags))
		},
	},
}

type outputFlags struct {
	JSON bool
}

type collectFlags struct {
	JSON  bool
	Pairs string
}

type exportFlags struct {
	Pair      string
	Timeframe string
	Format    string
	Out       string
}

// handleCollect runs the full pipeline once.
func (cli *CLI) handleCollect(ctx context.Context, flags *collectFlags) error {
	cfg := cli.config
	if flags.Pairs != "" {
		var instruments []config.InstrumentConfig
		for _, pair := range strings.Split(flags.Pairs, ",") {
			if pair = strings.TrimSpace(pair); pair != "" {
				instruments = append(instruments, config.InstrumentConfig{Pair: pair})
			}
		}
		overridden := *cfg
		overridden.Instruments = instruments
		if err := config.ApplyEntryDefaults(&overridden); err != nil {
			return apperrors.NewConfigurationError(err)
		}
		if err := config.Validate(&overridden); err != nil {
			return apperrors.NewConfigurationError(err)
		}
		cfg = &overridden
	}

	store, err := cli.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	runID := logger.NewRunID()
	ctx = logger.WithRunID(ctx, runID)
	log := cli.logger.With("run_id", runID)

	var rec *metrics.Recorder
	if cfg.Metrics.Enabled {
		rec = metrics.New()
		srv := metrics.NewServer(cfg.Metrics.Addr, cfg.Metrics.Path, rec, store, cli.logs.GetComponentLogger("metrics"))
		if err := srv.Start(); err != nil {
			return apperrors.NewConfigurationError(fmt.Errorf("metrics server: %w", err))
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Stop(stopCtx)
		}()
	}

	runner, err := collector.NewFromConfig(cfg, store, rec, log)
	if err != nil {
		return apperrors.NewConfigurationError(err)
	}

	log.Info("starting collection",
		"gateway", fmt.Sprintf("%s:%d", cfg.Connection.Host, cfg.Connection.Port),
		"instruments", len(cfg.Instruments),
		"timeframes", len(cfg.Timeframes))

	summary, runErr := runner.Run(ctx)
	if summary != nil {
		if flags.JSON {
			if err := report.WriteRunJSON(cli.stdout, summary); err != nil {
				return err
			}
		} else {
			report.WriteRun(cli.stdout, summary)
		}
		log.Info("collection finished",
			"rows_written", summary.RowsWritten(),
			"failed_items", summary.FailedItems(),
			"partial_items", summary.PartialItems(),
			"validation_issues", summary.ValidationIssues(),
			"duration", summary.Duration())
	}
	return runErr
}

// handleValidate checks every configured key without connecting to the gateway.
func (cli *CLI) handleValidate(ctx context.Context, flags *outputFlags) error {
	items, err := cli.config.WorkItems()
	if err != nil {
		return apperrors.NewConfigurationError(err)
	}
	store, err := cli.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	v := validator.NewOHLCVValidator(store, cli.config.Validator.MaxSamples, cli.logs.GetComponentLogger("validator"))
	reports := make([]*validator.Report, 0, len(items))
	for _, item := range items {
		inst, tf := item.Key()
		r, err := v.Validate(ctx, inst, tf)
		if err != nil {
			return apperrors.NewStorageError("validate", err, true)
		}
		reports = append(reports, r)
	}

	if flags.JSON {
		return report.WriteValidationJSON(cli.stdout, reports)
	}
	report.WriteValidation(cli.stdout, reports)
	return nil
}

// handleSummary prints row counts and date ranges per stored key.
func (cli *CLI) handleSummary(ctx context.Context, flags *outputFlags) error {
	store, err := cli.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	sums, err := store.Summaries(ctx)
	if err != nil {
		return apperrors.NewStorageError("summaries", err, true)
	}
	if flags.JSON {
		return report.WriteSummariesJSON(cli.stdout, sums)
	}
	report.WriteSummaries(cli.stdout, sums)
	return nil
}

// handleExport writes the stored rows of one key to a file.
func (cli *CLI) handleExport(ctx context.Context, flags *exportFlags) error {
	if flags.Pair == "" || flags.Timeframe == "" {
		return apperrors.NewConfigurationError(errors.New("export requires --pair and --timeframe"))
	}
	if export.NewSaver(flags.Format) == nil {
		return apperrors.NewConfigurationError(fmt.Errorf("unsupported export format %q", flags.Format))
	}

	store, err := cli.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	path, n, err := export.Export(ctx, store, export.Request{
		Instrument: flags.Pair,
		Timeframe:  flags.Timeframe,
		Format:     flags.Format,
		Path:       flags.Out,
	})
	if err != nil {
		return apperrors.NewStorageError("export", err, true)
	}
	fmt.Fprintf(cli.stdout, "wrote %d rows to %s\n", n, path)
	return nil
}

// printUsage prints the main usage information
func printUsage(w io.Writer) {
	fmt.Fprintf(w, `%s - FX History Collector v%s

USAGE:
    %s [--config <file>] <command> [options]

COMMANDS:
    collect     Request, store and validate history for every configured key (default)
    validate    Check stored bars of every configured key without connecting
    summary     Show row counts and date ranges per stored key
    export      Write the stored bars of one key to csv, json or parquet
    version     Show version information
    help        Show help for a command

GLOBAL OPTIONS:
    --config <file>  Configuration file (.json, .yaml, .yml or .toml)

CONFIGURATION:
    Defaults are overridden by the config file, then by environment
    variables prefixed with FXC_ (e.g. FXC_HOST, FXC_PORT, FXC_DB_DSN).

EXIT CODES:
    0 success (per-item failures are reported, not fatal)
    1 usage error      2 configuration error
    3 connection error 4 storage error
    130 interrupted

For detailed help on any command, use: %s help <command>
`, AppName, Version, AppName, AppName)
}

// printCommandHelp prints detailed help for a specific command
func printCommandHelp(w io.Writer, command string) {
	switch command {
	case "collect":
		fmt.Fprintf(w, `%s collect - Collect historical bars

USAGE:
    %s collect [options]

OPTIONS:
    --pairs <list>    Comma-separated pairs overriding the configured instruments
                      Example: EUR/USD,USD/JPY
    --json            Print the run summary as JSON
    --config <file>   Configuration file

NOTES:
    - Every request is submitted before any response is awaited
    - A request that times out keeps the bars it already received
    - Re-running is safe: rows are upserted on (instrument, timeframe, bar_time)
`, AppName, AppName)

	case "validate":
		fmt.Fprintf(w, `%s validate - Check stored bars

USAGE:
    %s validate [--json]

NOTES:
    - Reports null prices and OHLC inconsistencies per configured key
    - Findings are reported only; rows are never modified
`, AppName, AppName)

	case "summary":
		fmt.Fprintf(w, `%s summary - Show stored keys

USAGE:
    %s summary [--json]
`, AppName, AppName)

	case "export":
		fmt.Fprintf(w, `%s export - Export one key

USAGE:
    %s export --pair <pair> --timeframe <label> [options]

OPTIONS:
    --pair <pair>        Currency pair, e.g. EUR/USD (required)
    --timeframe <label>  Timeframe label, e.g. DAILY (required)
    --format <format>    Output format: %s (default: csv)
    --out <file>         Output file (default: <PAIR>_<TIMEFRAME>.<ext>)
`, AppName, AppName, strings.Join(export.Formats, ", "))

	default:
		fmt.Fprintf(w, "No help available for command: %s\n", command)
		printUsage(w)
	}
}
