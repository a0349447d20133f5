package cmd

import (
	"strings"
	"testing"
	"time"
)

func TestRenderTable(t *testing.T) {
	out := renderTable(
		[]string{"NAME", "STATUS"},
		[][]string{
			{"poster-01", "active"},
			{"a", "banned"},
		},
	)

	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3", len(lines))
	}
	if !strings.Contains(lines[1], "poster-01") {
		t.Errorf("row missing name: %q", lines[1])
	}
	// Short cells are padded to the column width.
	if !strings.Contains(lines[2], "a         ") {
		t.Errorf("short cell not padded: %q", lines[2])
	}
}

func TestFormatAgo(t *testing.T) {
	if got := formatAgo(nil); !strings.Contains(got, "never") {
		t.Errorf("formatAgo(nil) = %q", got)
	}

	recent := time.Now().Add(-30 * time.Second)
	if got := formatAgo(&recent); got != "just now" {
		t.Errorf("formatAgo(30s) = %q", got)
	}

	old := time.Now().Add(-90 * time.Minute)
	if got := formatAgo(&old); got != "1h30m ago" {
		t.Errorf("formatAgo(90m) = %q", got)
	}

	ancient := time.Now().Add(-72 * time.Hour)
	if got := formatAgo(&ancient); got != "3d ago" {
		t.Errorf("formatAgo(72h) = %q", got)
	}
}
