package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/johnayoung/go-fx-collector/internal/config"
	"github.com/johnayoung/go-fx-collector/internal/models"
)

// SQLStore implements Store on database/sql for sqlite, duckdb and postgres.
type SQLStore struct {
	db        *sql.DB
	dialect   dialect
	table     string
	precision int32
	logger    *slog.Logger
}

// Open opens the configured database. The schema is not touched until
// EnsureSchema is called.
func Open(cfg config.StorageConfig, logger *slog.Logger) (*SQLStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	d, err := lookupDialect(cfg.Driver)
	if err != nil {
		return nil, NewStorageError("open", "", "", err)
	}
	if cfg.DSN == "" {
		return nil, NewStorageError("open", "", "", fmt.Errorf("empty dsn"))
	}

	if d.name != "postgres" {
		if err := ensureParentDir(cfg.DSN); err != nil {
			return nil, NewStorageError("open", "", "", err)
		}
	}

	db, err := sql.Open(d.driver, cfg.DSN)
	if err != nil {
		return nil, NewStorageError("open", "", "", fmt.Errorf("failed to open %s database: %w", d.name, err))
	}

	// Single connection: embedded engines serialise writers anyway and an
	// in-memory sqlite database lives only as long as its connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	table := cfg.Table
	if table == "" {
		table = "fx_bars"
	}
	precision := cfg.PricePrecision
	if precision <= 0 {
		precision = models.DefaultPricePrecision
	}

	return &SQLStore{
		db:        db,
		dialect:   d,
		table:     table,
		precision: precision,
		logger:    logger.With("component", "storage", "driver", d.name),
	}, nil
}

func ensureParentDir(dsn string) error {
	if dsn == ":memory:" || strings.HasPrefix(dsn, "file:") || strings.Contains(dsn, "mode=memory") {
		return nil
	}
	dir := filepath.Dir(dsn)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create database directory %s: %w", dir, err)
	}
	return nil
}

// Table returns the bar table name.
func (s *SQLStore) Table() string {
	return s.table
}

// EnsureSchema creates the bar table and migration bookkeeping if missing.
// The table is created on every call, independent of the recorded version,
// so a renamed or dropped table comes back.
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	s.logger.Info("ensuring schema", "table", s.table)
	if err := NewMigrationManager(s.db, s.dialect, s.table, s.logger).MigrateToLatest(ctx); err != nil {
		return NewStorageError("ensure_schema", s.table, "", err)
	}
	query := s.dialect.createBarTable(s.table)
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return NewStorageError("ensure_schema", s.table, query, err)
	}
	return nil
}

// Persist implements BarWriter.
func (s *SQLStore) Persist(ctx context.Context, item models.WorkItem, bars []models.Bar) (PersistResult, error) {
	rows, skipped := models.NormalizeBars(item, bars, s.precision)
	rows, dups := dedupeRows(rows)
	result := PersistResult{Skipped: skipped, Duplicates: dups}

	if skipped > 0 {
		s.logger.Warn("skipped bars without timestamp", "item", item.String(), "skipped", skipped)
	}
	if len(rows) == 0 {
		return result, nil
	}

	written, err := s.WriteRows(ctx, rows)
	if err != nil {
		return result, err
	}
	result.Written = written

	s.logger.Debug("bars persisted",
		"item", item.String(),
		"written", written,
		"duplicates", dups)
	return result, nil
}

// WriteRows upserts already normalised rows in one transaction.
func (s *SQLStore) WriteRows(ctx context.Context, rows []models.StoredRow) (int, error) {
	query := s.dialect.upsertBar(s.table)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, NewStorageError("persist", s.table, "", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return 0, NewStorageError("persist", s.table, query, fmt.Errorf("failed to prepare upsert: %w", err))
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx,
			r.Instrument, r.Timeframe, r.Time,
			nullFloat(r.Open), nullFloat(r.High), nullFloat(r.Low), nullFloat(r.Close),
			nullInt(r.Volume),
		); err != nil {
			return 0, NewStorageError("persist", s.table, query,
				fmt.Errorf("failed to upsert %s %s %s: %w", r.Instrument, r.Timeframe, r.Time, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, NewStorageError("persist", s.table, "", fmt.Errorf("failed to commit transaction: %w", err))
	}
	return len(rows), nil
}

// dedupeRows keeps the last row for each bar time, in first-seen order.
func dedupeRows(rows []models.StoredRow) ([]models.StoredRow, int) {
	index := make(map[string]int, len(rows))
	out := make([]models.StoredRow, 0, len(rows))
	for _, r := range rows {
		if i, ok := index[r.Time]; ok {
			out[i] = r
			continue
		}
		index[r.Time] = len(out)
		out = append(out, r)
	}
	return out, len(rows) - len(out)
}

// Rows implements BarReader.
func (s *SQLStore) Rows(ctx context.Context, instrument, timeframe string) ([]models.StoredRow, error) {
	query := s.dialect.selectRows(s.table)
	rs, err := s.db.QueryContext(ctx, query, instrument, timeframe)
	if err != nil {
		return nil, NewStorageError("rows", s.table, query, err)
	}
	defer rs.Close()

	var out []models.StoredRow
	for rs.Next() {
		var (
			r                      models.StoredRow
			open, high, low, close sql.NullFloat64
			volume                 sql.NullInt64
			ingested               sql.NullString
		)
		if err := rs.Scan(&r.Instrument, &r.Timeframe, &r.Time, &open, &high, &low, &close, &volume, &ingested); err != nil {
			return nil, NewStorageError("rows", s.table, query, fmt.Errorf("failed to scan row: %w", err))
		}
		r.Open = floatPtr(open)
		r.High = floatPtr(high)
		r.Low = floatPtr(low)
		r.Close = floatPtr(close)
		if volume.Valid {
			v := volume.Int64
			r.Volume = &v
		}
		r.IngestedAt = parseTimestamp(ingested)
		out = append(out, r)
	}
	if err := rs.Err(); err != nil {
		return nil, NewStorageError("rows", s.table, query, err)
	}
	return out, nil
}

// Count implements BarReader.
func (s *SQLStore) Count(ctx context.Context, instrument, timeframe string) (int, error) {
	query := s.dialect.countRows(s.table)
	var n int
	if err := s.db.QueryRowContext(ctx, query, instrument, timeframe).Scan(&n); err != nil {
		return 0, NewStorageError("count", s.table, query, err)
	}
	return n, nil
}

// Summaries implements BarReader.
func (s *SQLStore) Summaries(ctx context.Context) ([]KeySummary, error) {
	query := s.dialect.summarize(s.table)
	rs, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, NewStorageError("summaries", s.table, query, err)
	}
	defer rs.Close()

	var out []KeySummary
	for rs.Next() {
		var k KeySummary
		if err := rs.Scan(&k.Instrument, &k.Timeframe, &k.Rows, &k.First, &k.Last); err != nil {
			return nil, NewStorageError("summaries", s.table, query, fmt.Errorf("failed to scan summary: %w", err))
		}
		out = append(out, k)
	}
	if err := rs.Err(); err != nil {
		return nil, NewStorageError("summaries", s.table, query, err)
	}
	return out, nil
}

// HealthCheck verifies the database answers queries.
func (s *SQLStore) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return NewStorageError("health_check", "", "", fmt.Errorf("database ping failed: %w", err))
	}
	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return NewStorageError("health_check", "", "SELECT 1", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLStore) Close() error {
	if err := s.db.Close(); err != nil {
		return NewStorageError("close", "", "", err)
	}
	return nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// parseTimestamp reads ingested_at, which drivers return either as a time
// (converted to RFC3339 by database/sql) or as sqlite's CURRENT_TIMESTAMP text.
func parseTimestamp(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, v.String); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

var _ Store = (*SQLStore)(nil)
