package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Migration represents a single schema change.
type Migration struct {
	Version     int
	Description string
	Up          func(ctx context.Context, tx *sql.Tx, d dialect, table string) error
}

// MigrationManager applies pending migrations and records them in schema_migrations.
type MigrationManager struct {
	db         *sql.DB
	dialect    dialect
	table      string
	logger     *slog.Logger
	migrations []Migration
}

// NewMigrationManager creates a migration manager for the bar table.
func NewMigrationManager(db *sql.DB, d dialect, table string, logger *slog.Logger) *MigrationManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &MigrationManager{
		db:         db,
		dialect:    d,
		table:      table,
		logger:     logger,
		migrations: allMigrations(),
	}
}

func allMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "create bar table",
			Up: func(ctx context.Context, tx *sql.Tx, d dialect, table string) error {
				_, err := tx.ExecContext(ctx, d.createBarTable(table))
				return err
			},
		},
	}
}

// Initialize creates the migrations table if it doesn't exist
func (m *MigrationManager) Initialize(ctx context.Context) error {
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	description %s NOT NULL,
	applied_at %s DEFAULT CURRENT_TIMESTAMP
)`, m.dialect.textType, m.dialect.timestampType)

	if _, err := m.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}
	return nil
}

// CurrentVersion returns the highest applied migration, or 0.
func (m *MigrationManager) CurrentVersion(ctx context.Context) (int, error) {
	var version sql.NullInt64
	if err := m.db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_migrations").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return int(version.Int64), nil
}

// MigrateToLatest applies every migration newer than the current version.
// Running it again is a no-op.
func (m *MigrationManager) MigrateToLatest(ctx context.Context) error {
	if err := m.Initialize(ctx); err != nil {
		return err
	}

	current, err := m.CurrentVersion(ctx)
	if err != nil {
		return err
	}

	applied := 0
	for _, mig := range m.migrations {
		if mig.Version <= current {
			continue
		}
		if err := m.run(ctx, mig); err != nil {
			return fmt.Errorf("failed to run migration %d: %w", mig.Version, err)
		}
		applied++
	}

	if applied > 0 {
		m.logger.Info("schema migrated",
			"from_version", current,
			"to_version", m.migrations[len(m.migrations)-1].Version,
			"migrations_run", applied)
	} else {
		m.logger.Debug("schema up to date", "version", current)
	}
	return nil
}

func (m *MigrationManager) run(ctx context.Context, mig Migration) error {
	start := time.Now()

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := mig.Up(ctx, tx, m.dialect, m.table); err != nil {
		return err
	}

	record := fmt.Sprintf("INSERT INTO schema_migrations (version, description) VALUES (%s)",
		m.dialect.placeholders(1, 2))
	if _, err := tx.ExecContext(ctx, record, mig.Version, mig.Description); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}

	m.logger.Info("migration applied",
		"version", mig.Version,
		"description", mig.Description,
		"duration", time.Since(start))
	return nil
}
