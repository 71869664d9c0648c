package db

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const migrationsLogPrefix = "db:migrations"

const downSuffix = ".down.sql"

// Migration is one forward step plus its optional rollback.
type Migration struct {
	Name string
	Up   string
	Down string
}

// LoadMigrations reads NAME.sql files from dir, sorted by name. A sibling
// NAME.down.sql becomes the migration's Down script.
func LoadMigrations(dir string) ([]Migration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to read migration dir %s: %w", migrationsLogPrefix, dir, err)
	}

	downs := make(map[string]string)
	var names []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".sql" {
			continue
		}
		if strings.HasSuffix(e.Name(), downSuffix) {
			data, err := readMigration(dir, e.Name())
			if err != nil {
				return nil, err
			}
			downs[strings.TrimSuffix(e.Name(), downSuffix)] = data
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	var out []Migration
	for _, name := range names {
		data, err := readMigration(dir, name)
		if err != nil {
			return nil, err
		}
		base := strings.TrimSuffix(name, ".sql")
		out = append(out, Migration{Name: base, Up: data, Down: downs[base]})
	}
	slog.Info(fmt.Sprintf("%s - Loaded %d migrations from %s", migrationsLogPrefix, len(out), dir))
	return out, nil
}

func readMigration(dir, name string) (string, error) {
	path := filepath.Join(dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("%s - failed to read %s: %w", migrationsLogPrefix, path, err)
	}
	return string(data), nil
}

// pending returns the migrations whose names are not in applied, in order.
func pending(all []Migration, applied []string) []Migration {
	done := make(map[string]bool, len(applied))
	for _, name := range applied {
		done[name] = true
	}
	var out []Migration
	for _, m := range all {
		if !done[m.Name] {
			out = append(out, m)
		}
	}
	return out
}

// lastApplied finds the most recent applied migration that still exists in
// all.
func lastApplied(all []Migration, applied []string) (Migration, bool) {
	byName := make(map[string]Migration, len(all))
	for _, m := range all {
		byName[m.Name] = m
	}
	for i := len(applied) - 1; i >= 0; i-- {
		if m, ok := byName[applied[i]]; ok {
			return m, true
		}
	}
	return Migration{}, false
}
