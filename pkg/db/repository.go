package db

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const repoLogPrefix = "db:repository"

// Repository provides database access for the dispatch journal.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new Repository with the given connection pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// InsertEvents copies entries into dispatch_journal.
func (r *Repository) InsertEvents(ctx context.Context, entries []JournalEntry) (int64, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	n, err := r.pool.CopyFrom(ctx,
		pgx.Identifier{"dispatch_journal"},
		journalColumns,
		pgx.CopyFromSlice(len(entries), func(i int) ([]any, error) {
			return entries[i].values(), nil
		}),
	)
	if err != nil {
		return 0, fmt.Errorf("%s - copy of %d journal entries failed: %w", repoLogPrefix, len(entries), err)
	}
	slog.Debug(fmt.Sprintf("%s - InsertEvents wrote %d rows", repoLogPrefix, n))
	return n, nil
}

// RecentEvents returns up to limit entries for view, newest first. An empty
// view matches every view.
func (r *Repository) RecentEvents(ctx context.Context, view string, limit int) ([]JournalEntry, error) {
	if limit < 1 {
		limit = 50
	}

	query := `SELECT id, view, frame, context, message_id, serial, kind, type, code, owner, occurred_at
	          FROM dispatch_journal`
	args := []any{}
	if view != "" {
		query += ` WHERE view = $1`
		args = append(args, view)
	}
	query += fmt.Sprintf(` ORDER BY occurred_at DESC, id DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s - RecentEvents query failed: %w", repoLogPrefix, err)
	}
	entries, err := pgx.CollectRows(rows, scanEntry)
	if err != nil {
		return nil, fmt.Errorf("%s - RecentEvents scan failed: %w", repoLogPrefix, err)
	}
	return entries, nil
}

// CountByType returns event counts for view keyed by event type.
func (r *Repository) CountByType(ctx context.Context, view string) (map[string]int64, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT type, COUNT(*) FROM dispatch_journal WHERE view = $1 GROUP BY type`, view)
	if err != nil {
		return nil, fmt.Errorf("%s - CountByType query failed: %w", repoLogPrefix, err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var (
			typ string
			n   int64
		)
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, fmt.Errorf("%s - CountByType scan failed: %w", repoLogPrefix, err)
		}
		out[typ] = n
	}
	return out, rows.Err()
}

func scanEntry(row pgx.CollectableRow) (JournalEntry, error) {
	var (
		e     JournalEntry
		frame int64
	)
	err := row.Scan(&e.ID, &e.View, &frame, &e.Context, &e.MessageID, &e.Serial,
		&e.Kind, &e.Type, &e.Code, &e.Owner, &e.OccurredAt)
	e.Frame = uint64(frame)
	return e, err
}
