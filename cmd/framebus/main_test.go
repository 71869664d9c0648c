package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/morezero/framebus/pkg/db"
)

const mainTestPrefix = "cmd/framebus:main_test"

func TestUsage_NonEmpty(t *testing.T) {
	if len(usage) == 0 {
		t.Fatalf("%s - usage string is empty", mainTestPrefix)
	}
}

func TestUsage_ContainsCommands(t *testing.T) {
	required := []string{"serve", "migrate", "journal", "clear", "DATABASE_URL", "COMMS_URL"}
	for _, word := range required {
		if !strings.Contains(usage, word) {
			t.Errorf("%s - usage should contain %q", mainTestPrefix, word)
		}
	}
}

func TestParseJournalArgs(t *testing.T) {
	tests := []struct {
		name      string
		args      []string
		wantView  string
		wantLimit int
		wantErr   bool
	}{
		{"defaults", nil, "", 50, false},
		{"view only", []string{"main"}, "main", 50, false},
		{"limit only", []string{"10"}, "", 10, false},
		{"view and limit", []string{"main", "5"}, "main", 5, false},
		{"bad limit", []string{"main", "x"}, "", 0, true},
		{"zero limit", []string{"0"}, "", 0, true},
		{"too many", []string{"a", "1", "b"}, "", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			view, limit, err := parseJournalArgs(tt.args)
			if (err != nil) != tt.wantErr {
				t.Fatalf("%s - error = %v, wantErr %v", mainTestPrefix, err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if view != tt.wantView || limit != tt.wantLimit {
				t.Errorf("%s - got (%q, %d), want (%q, %d)", mainTestPrefix, view, limit, tt.wantView, tt.wantLimit)
			}
		})
	}
}

func TestPrintJournal(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	entries := []db.JournalEntry{
		{View: "main", Frame: 2, Type: "request_sent", Context: "app://main", MessageID: "ping", Serial: 3, OccurredAt: at},
		{View: "main", Frame: 1, Type: "frame_created", OccurredAt: at},
	}
	var buf bytes.Buffer
	if err := printJournal(&buf, entries, map[string]int64{"request_sent": 1, "frame_created": 1}); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"TIME", "request_sent", "app://main", "ping", "2026-01-02T03:04:05Z", "frame_created"} {
		if !strings.Contains(out, want) {
			t.Errorf("%s - output missing %q:\n%s", mainTestPrefix, want, out)
		}
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) < 2 || !strings.HasPrefix(lines[len(lines)-2], "frame_created") || !strings.HasPrefix(lines[len(lines)-1], "request_sent") {
		t.Errorf("%s - counts should be sorted by type:\n%s", mainTestPrefix, out)
	}
}
