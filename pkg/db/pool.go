// Package db stores the dispatch journal in Postgres via pgx.
package db

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const logPrefix = "db:pool"

// NewPool creates a new pgx connection pool from the given database URL.
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	slog.Info(fmt.Sprintf("%s - Connecting to database", logPrefix))

	config, err := poolConfig(databaseURL)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to create pool: %w", logPrefix, err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s - failed to ping database: %w", logPrefix, err)
	}

	slog.Info(fmt.Sprintf("%s - Database connection established", logPrefix))
	return pool, nil
}

// Pool sizing for the journal. The batch writer is the only steady user;
// the HTTP journal endpoint and the CLI borrow a connection now and then.
const (
	journalMaxConns     = 8
	journalMinConns     = 1
	journalConnIdleTime = 5 * time.Minute
)

func poolConfig(databaseURL string) (*pgxpool.Config, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("%s - database URL is empty", logPrefix)
	}
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to parse database URL: %w", logPrefix, err)
	}
	config.MaxConns = journalMaxConns
	config.MinConns = journalMinConns
	config.MaxConnIdleTime = journalConnIdleTime
	return config, nil
}

const migrationsTable = `CREATE TABLE IF NOT EXISTS framebus_migrations (
	name       TEXT PRIMARY KEY,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// AppliedMigrations lists applied migration names, oldest first.
func AppliedMigrations(ctx context.Context, pool *pgxpool.Pool) ([]string, error) {
	if _, err := pool.Exec(ctx, migrationsTable); err != nil {
		return nil, fmt.Errorf("%s - failed to create migrations table: %w", logPrefix, err)
	}
	rows, err := pool.Query(ctx, `SELECT name FROM framebus_migrations ORDER BY applied_at, name`)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to list migrations: %w", logPrefix, err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("%s - failed to scan migrations: %w", logPrefix, err)
	}
	return names, nil
}

// RunMigrations applies every migration not yet recorded, each in its own
// transaction, and returns how many ran.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool, migrations []Migration) (int, error) {
	applied, err := AppliedMigrations(ctx, pool)
	if err != nil {
		return 0, err
	}
	todo := pending(migrations, applied)
	slog.Info(fmt.Sprintf("%s - Running %d of %d migrations", logPrefix, len(todo), len(migrations)))

	for i, m := range todo {
		err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, m.Up); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `INSERT INTO framebus_migrations (name) VALUES ($1)`, m.Name)
			return err
		})
		if err != nil {
			return i, fmt.Errorf("%s - migration %s failed: %w", logPrefix, m.Name, err)
		}
		slog.Info(fmt.Sprintf("%s - Applied %s", logPrefix, m.Name))
	}

	slog.Info(fmt.Sprintf("%s - Migrations complete", logPrefix))
	return len(todo), nil
}

// MigrationStatus writes one line per migration found in migrationPath.
func MigrationStatus(ctx context.Context, pool *pgxpool.Pool, migrationPath string, w io.Writer) error {
	const statusLogPrefix = "db:MigrationStatus"

	migrations, err := LoadMigrations(migrationPath)
	if err != nil {
		return fmt.Errorf("%s - load migration list: %w", statusLogPrefix, err)
	}
	applied, err := AppliedMigrations(ctx, pool)
	if err != nil {
		return err
	}

	todo := make(map[string]bool)
	for _, m := range pending(migrations, applied) {
		todo[m.Name] = true
	}
	for _, m := range migrations {
		state := "applied"
		if todo[m.Name] {
			state = "pending"
		}
		fmt.Fprintf(w, "%-8s %s\n", state, m.Name)
	}
	fmt.Fprintf(w, "%d applied, %d pending (%s)\n", len(migrations)-len(todo), len(todo), migrationPath)
	return nil
}

// MigrationDown rolls back the most recent applied migration using its
// .down.sql script and returns its name.
func MigrationDown(ctx context.Context, pool *pgxpool.Pool, migrationPath string) (string, error) {
	migrations, err := LoadMigrations(migrationPath)
	if err != nil {
		return "", err
	}
	applied, err := AppliedMigrations(ctx, pool)
	if err != nil {
		return "", err
	}
	m, ok := lastApplied(migrations, applied)
	if !ok {
		return "", fmt.Errorf("%s - nothing to roll back", logPrefix)
	}
	if m.Down == "" {
		return "", fmt.Errorf("%s - migration %s has no %s script", logPrefix, m.Name, downSuffix)
	}

	err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, m.Down); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `DELETE FROM framebus_migrations WHERE name = $1`, m.Name)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("%s - rollback of %s failed: %w", logPrefix, m.Name, err)
	}
	slog.Info(fmt.Sprintf("%s - Rolled back %s", logPrefix, m.Name))
	return m.Name, nil
}
