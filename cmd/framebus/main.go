// Package main is the entrypoint for the framebus host.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/morezero/framebus/internal/config"
	"github.com/morezero/framebus/internal/server"
	"github.com/morezero/framebus/pkg/db"
)

const usage = `Usage: framebus [command]
       framebus serve                   Start the host (NATS view, HTTP API, WebSocket views).
       framebus migrate up              Run journal migrations.
       framebus migrate down            Roll back the last journal migration.
       framebus migrate status          Show migration status.
       framebus journal [view] [limit]  Print the newest journaled dispatch events.
       framebus clear                   Truncate the dispatch journal; schema is preserved.

Commands:
  serve           (default) Start the framebus host.
  migrate up      Run database migrations only.
  migrate down    Roll back last migration.
  migrate status  Show current migration status.
  journal         Show recent events (all views when view is omitted, default limit 50).
  clear           Truncate journal data; schema preserved.

Environment: COMMS_URL, VIEW_ID, MANIFEST_FILE, DATABASE_URL (journal, migrate, clear),
MIGRATION_PATH, FRAMEBUS_HTTP_ADDR (default :8080). See README.
`

func main() {
	args := os.Args[1:]
	cmd := ""
	if len(args) > 0 && args[0] != "" {
		cmd = args[0]
	}

	switch cmd {
	case "migrate":
		if len(args) < 2 {
			log.Fatalf("framebus migrate: require subcommand (up, down, status)")
		}
		sub := args[1]
		switch sub {
		case "up":
			if err := withPool(runMigrateUp); err != nil {
				log.Fatalf("framebus migrate up: %v", err)
			}
		case "status":
			if err := withPool(runMigrateStatus); err != nil {
				log.Fatalf("framebus migrate status: %v", err)
			}
		case "down":
			if err := withPool(runMigrateDown); err != nil {
				log.Fatalf("framebus migrate down: %v", err)
			}
		default:
			log.Fatalf("framebus migrate: unknown subcommand %q (use up, down, status)", sub)
		}
		return
	case "journal":
		view, limit, err := parseJournalArgs(args[1:])
		if err != nil {
			log.Fatalf("framebus journal: %v", err)
		}
		if err := withPool(func(ctx context.Context, _ *config.Config, pool *pgxpool.Pool) error {
			return runJournal(ctx, pool, view, limit, os.Stdout)
		}); err != nil {
			log.Fatalf("framebus journal: %v", err)
		}
		return
	case "clear":
		if err := withPool(runClear); err != nil {
			log.Fatalf("framebus clear: %v", err)
		}
		return
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	case "serve", "":
		// serve (explicit or default)
		break
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q.\n%s", cmd, usage)
		os.Exit(1)
	}

	if err := server.Run(); err != nil {
		log.Fatalf("framebus: %v", err)
	}
}

// withPool loads config, requires DATABASE_URL and runs fn with a pool.
func withPool(fn func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	return fn(ctx, cfg, pool)
}

func runMigrateUp(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
	migrations, err := db.LoadMigrations(cfg.MigrationPath)
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	n, err := db.RunMigrations(ctx, pool, migrations)
	if err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	fmt.Printf("Applied %d migration(s).\n", n)
	return nil
}

func runMigrateStatus(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
	return db.MigrationStatus(ctx, pool, cfg.MigrationPath, os.Stdout)
}

func runMigrateDown(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
	name, err := db.MigrationDown(ctx, pool, cfg.MigrationPath)
	if err != nil {
		return err
	}
	if name == "" {
		fmt.Println("Nothing to roll back.")
		return nil
	}
	fmt.Printf("Rolled back %s.\n", name)
	return nil
}

func runClear(ctx context.Context, _ *config.Config, pool *pgxpool.Pool) error {
	if err := db.ClearJournal(ctx, pool); err != nil {
		return fmt.Errorf("clear journal: %w", err)
	}
	return nil
}

// parseJournalArgs accepts [view] [limit]. A single numeric argument is a
// limit for all views.
func parseJournalArgs(args []string) (string, int, error) {
	view, limit := "", 50
	switch len(args) {
	case 0:
	case 1:
		if n, err := strconv.Atoi(args[0]); err == nil {
			limit = n
		} else {
			view = args[0]
		}
	case 2:
		view = args[0]
		n, err := strconv.Atoi(args[1])
		if err != nil {
			return "", 0, fmt.Errorf("limit %q is not a number", args[1])
		}
		limit = n
	default:
		return "", 0, fmt.Errorf("too many arguments")
	}
	if limit <= 0 {
		return "", 0, fmt.Errorf("limit must be positive")
	}
	return view, limit, nil
}

func runJournal(ctx context.Context, pool *pgxpool.Pool, view string, limit int, w io.Writer) error {
	repo := db.NewRepository(pool)
	entries, err := repo.RecentEvents(ctx, view, limit)
	if err != nil {
		return err
	}
	counts, err := repo.CountByType(ctx, view)
	if err != nil {
		return err
	}
	return printJournal(w, entries, counts)
}

func printJournal(w io.Writer, entries []db.JournalEntry, counts map[string]int64) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tVIEW\tFRAME\tTYPE\tCONTEXT\tMESSAGE\tSERIAL\tCODE")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\t%d\t%s\n",
			e.OccurredAt.Format(time.RFC3339Nano), e.View, e.Frame, e.Type, e.Context, e.MessageID, e.Serial, e.Code)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	types := make([]string, 0, len(counts))
	for t := range counts {
		types = append(types, t)
	}
	sort.Strings(types)
	fmt.Fprintln(w)
	for _, t := range types {
		fmt.Fprintf(w, "%-20s %d\n", t, counts[t])
	}
	return nil
}
