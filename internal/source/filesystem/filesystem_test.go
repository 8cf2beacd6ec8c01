package filesystem

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/hyperifyio/runbookd/internal/source"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestAdapter_InitializeAndSearch(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "disk-full.md", "# Disk Full Runbook\n\n1. check disk usage\n2. clear logs\n")
	writeFile(t, dir, "notes.md", "# Lunch Notes\n\nTacos today.\n")

	a := New(Config{Name: "docs", RootDir: dir}, zerolog.Nop())
	if err := a.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	results, err := a.Search(context.Background(), "disk full", source.Filters{Limit: 5})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) == 0 {
		t.Fatalf("expected at least one result")
	}
	if results[0].Document.Title != "Disk Full Runbook" {
		t.Fatalf("expected disk-full doc to match first, got %q", results[0].Document.Title)
	}
}

func TestAdapter_InitializeFailsOnMissingRootDir(t *testing.T) {
	a := New(Config{Name: "docs", RootDir: "/no/such/dir"}, zerolog.Nop())
	err := a.Initialize(context.Background())
	if source.CodeOf(err) != source.CodeConfig {
		t.Fatalf("expected CodeConfig, got %v", err)
	}
}

func TestAdapter_GetDocument(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "one.md", "# One\n\nbody\n")

	a := New(Config{Name: "docs", RootDir: dir}, zerolog.Nop())
	if err := a.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	meta := a.Metadata()
	if meta.DocumentCount != 1 {
		t.Fatalf("expected 1 document indexed, got %d", meta.DocumentCount)
	}

	_, err := a.GetDocument(context.Background(), "docs:missing.md")
	if source.CodeOf(err) != source.CodeNotFound {
		t.Fatalf("expected CodeNotFound, got %v", err)
	}
}

func TestAdapter_ExtensionFilter(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "keep.md", "# Keep\n\nrunbook body\n")
	writeFile(t, dir, "skip.bin", "binary junk")

	a := New(Config{Name: "docs", RootDir: dir, Extensions: []string{".md"}}, zerolog.Nop())
	if err := a.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if got := a.Metadata().DocumentCount; got != 1 {
		t.Fatalf("expected extension filter to keep 1 doc, got %d", got)
	}
}

func TestAdapter_HealthCheck(t *testing.T) {
	dir := t.TempDir()
	a := New(Config{Name: "docs", RootDir: dir}, zerolog.Nop())
	h := a.HealthCheck(context.Background())
	if !h.Healthy {
		t.Fatalf("expected healthy, got %+v", h)
	}
}

func TestAdapter_CategoryFastPath(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "disk-full.md", "# Disk Full Runbook\n\n1. check disk usage\n")

	a := New(Config{Name: "docs", RootDir: dir, Categories: []string{"ops"}}, zerolog.Nop())
	if err := a.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	results, err := a.Search(context.Background(), "disk full", source.Filters{Categories: []string{"billing"}})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected empty result for non-intersecting category filter, got %d", len(results))
	}

	results, err = a.Search(context.Background(), "disk full", source.Filters{Categories: []string{"ops", "billing"}})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) == 0 {
		t.Fatalf("expected results when category filter intersects declared categories")
	}
}
