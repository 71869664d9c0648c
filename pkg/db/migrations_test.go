package db

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatalf("db:migrations_test - failed to write test file %s: %v", name, err)
		}
	}
}

func migrationNames(ms []Migration) []string {
	var out []string
	for _, m := range ms {
		out = append(out, m.Name)
	}
	return out
}

func TestLoadMigrations_PairsDownScripts(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"002_index.sql":      "CREATE INDEX i ON t(x);",
		"001_table.sql":      "CREATE TABLE t (x INT);",
		"001_table.down.sql": "DROP TABLE t;",
		"README.md":          "# Migrations",
		"notes.txt":          "some notes",
	})

	result, err := LoadMigrations(dir)
	if err != nil {
		t.Fatalf("db:migrations_test - unexpected error: %v", err)
	}
	if got := migrationNames(result); !reflect.DeepEqual(got, []string{"001_table", "002_index"}) {
		t.Fatalf("db:migrations_test - expected sorted up migrations, got %v", got)
	}
	if result[0].Up != "CREATE TABLE t (x INT);" || result[0].Down != "DROP TABLE t;" {
		t.Errorf("db:migrations_test - 001 mismatch: %+v", result[0])
	}
	if result[1].Down != "" {
		t.Errorf("db:migrations_test - 002 should have no down script, got %q", result[1].Down)
	}
}

func TestLoadMigrations_SkipsDirectories(t *testing.T) {
	dir := t.TempDir()

	// tricky name ending with .sql
	if err := os.Mkdir(filepath.Join(dir, "subdir.sql"), 0755); err != nil {
		t.Fatalf("db:migrations_test - failed to create subdir: %v", err)
	}
	writeFiles(t, dir, map[string]string{"001_create.sql": "CREATE TABLE x;"})

	result, err := LoadMigrations(dir)
	if err != nil {
		t.Fatalf("db:migrations_test - unexpected error: %v", err)
	}
	if len(result) != 1 {
		t.Errorf("db:migrations_test - expected 1 migration (skipping dir), got %d", len(result))
	}
}

func TestLoadMigrations_EmptyDir(t *testing.T) {
	result, err := LoadMigrations(t.TempDir())
	if err != nil {
		t.Fatalf("db:migrations_test - unexpected error: %v", err)
	}
	if len(result) != 0 {
		t.Errorf("db:migrations_test - expected empty result, got %d items", len(result))
	}
}

func TestLoadMigrations_NonExistentDir(t *testing.T) {
	if _, err := LoadMigrations(filepath.Join(t.TempDir(), "nonexistent")); err == nil {
		t.Error("db:migrations_test - expected error for non-existent directory")
	}
}

func TestLoadMigrations_RepositoryMigrations(t *testing.T) {
	result, err := LoadMigrations(filepath.Join("..", "..", "migrations"))
	if err != nil {
		t.Fatalf("db:migrations_test - unexpected error: %v", err)
	}
	if len(result) == 0 || result[0].Name != "001_dispatch_journal" {
		t.Fatalf("db:migrations_test - expected 001_dispatch_journal first, got %v", migrationNames(result))
	}
	for _, m := range result {
		if m.Down == "" {
			t.Errorf("db:migrations_test - %s has no down script", m.Name)
		}
	}
}

func TestPending(t *testing.T) {
	all := []Migration{{Name: "001"}, {Name: "002"}, {Name: "003"}}

	tests := []struct {
		name    string
		applied []string
		want    []string
	}{
		{"none applied", nil, []string{"001", "002", "003"}},
		{"some applied", []string{"001"}, []string{"002", "003"}},
		{"gap", []string{"001", "003"}, []string{"002"}},
		{"all applied", []string{"001", "002", "003"}, nil},
		{"unknown applied", []string{"000"}, []string{"001", "002", "003"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := migrationNames(pending(all, tt.applied))
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("db:migrations_test - pending(%v) = %v, want %v", tt.applied, got, tt.want)
			}
		})
	}
}

func TestLastApplied(t *testing.T) {
	all := []Migration{{Name: "001"}, {Name: "002"}}

	if _, ok := lastApplied(all, nil); ok {
		t.Error("db:migrations_test - expected nothing to roll back")
	}
	if m, ok := lastApplied(all, []string{"001", "002"}); !ok || m.Name != "002" {
		t.Errorf("db:migrations_test - expected 002, got %v %v", m.Name, ok)
	}
	// A recorded migration whose file is gone is skipped.
	if m, ok := lastApplied(all, []string{"001", "099"}); !ok || m.Name != "001" {
		t.Errorf("db:migrations_test - expected 001, got %v %v", m.Name, ok)
	}
}
