package db

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

const clearLogPrefix = "db:clear"

// ClearJournal truncates dispatch_journal. Schema and applied migrations are
// preserved; RESTART IDENTITY resets the id sequence.
func ClearJournal(ctx context.Context, pool *pgxpool.Pool) error {
	slog.Info(fmt.Sprintf("%s - Clearing dispatch journal", clearLogPrefix))

	if _, err := pool.Exec(ctx, `TRUNCATE TABLE dispatch_journal RESTART IDENTITY`); err != nil {
		return fmt.Errorf("%s - truncate failed: %w", clearLogPrefix, err)
	}

	slog.Info(fmt.Sprintf("%s - Dispatch journal cleared", clearLogPrefix))
	return nil
}
