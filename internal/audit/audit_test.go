package audit

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestAppend_WritesJSONLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")

	l, err := Open(Options{Path: path})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	ctx := context.Background()
	if err := l.Append(ctx, Entry{Timestamp: "t1", JobID: "1", Admitted: true, Status: "released"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := l.Append(ctx, Entry{Timestamp: "t2", JobID: "2", Admitted: false, Status: "rejected"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
}

func TestAppend_RotatesPastThreshold(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")

	l, err := Open(Options{Path: path, RotateBytes: 64})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	ctx := context.Background()
	for i := 0; i < 20; i++ {
		if err := l.Append(ctx, Entry{Timestamp: "t", JobID: "job-with-a-longer-id", Status: "released"}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	matches, err := filepath.Glob(path + ".*.gz")
	if err != nil {
		t.Fatalf("Glob: %v", err)
	}
	if len(matches) == 0 {
		t.Fatalf("expected at least one rotated gzip file")
	}
}
