package db

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// schema mirrors the versioned migrations as idempotent statements. SQLite
// always uses it; Postgres falls back to it when golang-migrate cannot run.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS lines (
		id             TEXT PRIMARY KEY,
		channel        TEXT NOT NULL,
		server         TEXT NOT NULL,
		kind           TEXT NOT NULL,
		symbol         TEXT NOT NULL DEFAULT '',
		username       TEXT NOT NULL DEFAULT '',
		line           TEXT NOT NULL,
		tags           TEXT NOT NULL DEFAULT '',
		tier           INTEGER NOT NULL DEFAULT 0,
		highlighted_by TEXT NOT NULL DEFAULT '',
		ts             BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_lines_channel_ts ON lines(channel, ts)`,
	`CREATE INDEX IF NOT EXISTS idx_lines_ts ON lines(ts)`,
	`CREATE TABLE IF NOT EXISTS last_seen (
		channel   TEXT PRIMARY KEY,
		record_id TEXT NOT NULL,
		ts        BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS unseen_highlights (
		record_id TEXT PRIMARY KEY,
		channel   TEXT NOT NULL,
		ts        BIGINT NOT NULL
	)`,
}

// Migrate brings the schema up to date. It is safe to run on every start.
func (s *Store) Migrate(ctx context.Context) error {
	if s.driver == DriverPostgres {
		err := s.RunMigrations()
		if err == nil {
			return nil
		}
		slog.Warn("versioned migrations failed; applying embedded schema",
			slog.String("component", "db_migrate"), slog.Any("err", err))
	}
	return s.applySchema(ctx)
}

func (s *Store) applySchema(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s migrate step %d failed: %w", s.driver, i, err)
		}
	}
	return nil
}

func (s *Store) migrator() (*migrate.Migrate, error) {
	if s.driver != DriverPostgres {
		return nil, fmt.Errorf("versioned migrations require postgres, have %s", s.driver)
	}
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	driver, err := postgres.WithInstance(s.db, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	return m, nil
}

// RunMigrations applies pending versioned migrations (Postgres only).
//
// Migration files are embedded from db/migrations and follow the naming convention:
//
//	000001_description.up.sql   - applies the migration
//	000001_description.down.sql - reverts the migration
func (s *Store) RunMigrations() error {
	m, err := s.migrator()
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			slog.Info("database schema is up to date", slog.String("component", "db_migrate"))
			return nil
		}
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil {
		slog.Warn("could not determine migration version", slog.Any("err", err), slog.String("component", "db_migrate"))
		return nil
	}
	if dirty {
		return fmt.Errorf("database is in dirty state at version %d - manual intervention required", version)
	}
	slog.Info("migrations applied successfully",
		slog.Uint64("version", uint64(version)),
		slog.String("component", "db_migrate"))
	return nil
}

// MigrateDown rolls back the most recent migration.
// WARNING: this drops relay history.
func (s *Store) MigrateDown() error {
	m, err := s.migrator()
	if err != nil {
		return err
	}
	if err := m.Steps(-1); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			slog.Info("no migrations to roll back", slog.String("component", "db_migrate"))
			return nil
		}
		return fmt.Errorf("failed to roll back migration: %w", err)
	}
	slog.Info("migration rolled back", slog.String("component", "db_migrate"))
	return nil
}

// MigrationVersion returns the current migration version and dirty state.
func (s *Store) MigrationVersion() (version uint, dirty bool, err error) {
	m, err := s.migrator()
	if err != nil {
		return 0, false, err
	}
	v, d, err := m.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to get migration version: %w", err)
	}
	return v, d, nil
}
