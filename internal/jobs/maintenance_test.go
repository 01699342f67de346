package jobs

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/Bengo-Hub/bengobox-erp-api-sub001/internal/config"
	"github.com/Bengo-Hub/bengobox-erp-api-sub001/internal/models"
)

func writeFixture(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir fixture: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return path
}

func TestMaintenanceBackupLocal(t *testing.T) {
	source := t.TempDir()
	writeFixture(t, source, "orders.csv", "id,total\n1,99.50\n")
	writeFixture(t, source, "nested/invoices.json", `{"count":2}`)

	artifacts := t.TempDir()
	handler, err := NewMaintenanceHandler(context.Background(), config.Config{ArtifactDir: artifacts})
	if err != nil {
		t.Fatalf("new maintenance handler: %v", err)
	}

	res, err := handler.HandleBackup(context.Background(), map[string]any{
		"source_dir": source,
		"output_key": "backups/test.tar.gz",
	})
	if err != nil {
		t.Fatalf("backup: %v", err)
	}

	out, ok := res.(map[string]any)
	if !ok {
		t.Fatalf("expected map result, got %T", res)
	}
	if out["files"] != 2 {
		t.Fatalf("expected 2 files archived, got %v", out["files"])
	}

	artifact, _ := out["artifact"].(string)
	if artifact != filepath.Join(artifacts, "backups", "test.tar.gz") {
		t.Fatalf("unexpected artifact path %q", artifact)
	}

	f, err := os.Open(artifact)
	if err != nil {
		t.Fatalf("open artifact: %v", err)
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	tr := tar.NewReader(gz)

	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("read tar: %v", err)
		}
		names = append(names, hdr.Name)
	}
	sort.Strings(names)
	want := []string{"nested/invoices.json", "orders.csv"}
	if len(names) != len(want) {
		t.Fatalf("expected entries %v, got %v", want, names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("expected entries %v, got %v", want, names)
		}
	}
}

func TestMaintenanceBackupDefaultKey(t *testing.T) {
	source := t.TempDir()
	writeFixture(t, source, "ledger.db", "binary-ish")

	artifacts := t.TempDir()
	handler, err := NewMaintenanceHandler(context.Background(), config.Config{ArtifactDir: artifacts})
	if err != nil {
		t.Fatalf("new maintenance handler: %v", err)
	}

	res, err := handler.HandleBackup(context.Background(), map[string]any{"source_dir": source})
	if err != nil {
		t.Fatalf("backup: %v", err)
	}
	out := res.(map[string]any)
	artifact, _ := out["artifact"].(string)

	rel, err := filepath.Rel(artifacts, artifact)
	if err != nil {
		t.Fatalf("artifact outside store: %v", err)
	}
	if filepath.Dir(rel) != "backups" {
		t.Fatalf("expected artifact under backups/, got %q", rel)
	}
	if filepath.Ext(rel) != ".gz" {
		t.Fatalf("expected .tar.gz artifact, got %q", rel)
	}
	if _, err := os.Stat(artifact); err != nil {
		t.Fatalf("artifact not written: %v", err)
	}
}

func TestMaintenanceBackupRejectsMissingSource(t *testing.T) {
	handler, err := NewMaintenanceHandler(context.Background(), config.Config{ArtifactDir: t.TempDir()})
	if err != nil {
		t.Fatalf("new maintenance handler: %v", err)
	}

	if _, err := handler.HandleBackup(context.Background(), map[string]any{}); err == nil {
		t.Fatal("expected error for missing source_dir")
	}
	if _, err := handler.HandleBackup(context.Background(), map[string]any{
		"source_dir": filepath.Join(t.TempDir(), "nope"),
	}); err == nil {
		t.Fatal("expected error for nonexistent source_dir")
	}
}

func TestMaintenanceBackupS3RequiresBucket(t *testing.T) {
	handler, err := NewMaintenanceHandler(context.Background(), config.Config{ArtifactDir: t.TempDir()})
	if err != nil {
		t.Fatalf("new maintenance handler: %v", err)
	}

	source := t.TempDir()
	writeFixture(t, source, "a.txt", "a")

	_, err = handler.HandleBackup(context.Background(), map[string]any{
		"source_dir":  source,
		"destination": "s3",
	})
	if err == nil {
		t.Fatal("expected error when s3 destination is not configured")
	}
}

func TestMaintenanceCleanupRemovesStaleFiles(t *testing.T) {
	dir := t.TempDir()
	stale := writeFixture(t, dir, "old/report.tar.gz", "0123456789")
	fresh := writeFixture(t, dir, "new/report.tar.gz", "abc")

	old := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	handler, err := NewMaintenanceHandler(context.Background(), config.Config{ArtifactDir: dir})
	if err != nil {
		t.Fatalf("new maintenance handler: %v", err)
	}

	res, err := handler.HandleCleanup(context.Background(), map[string]any{"max_age_hours": 24})
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	out := res.(map[string]any)
	if out["removed"] != 1 {
		t.Fatalf("expected 1 file removed, got %v", out["removed"])
	}
	if out["freed_bytes"] != int64(10) {
		t.Fatalf("expected 10 bytes freed, got %v", out["freed_bytes"])
	}

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("stale file should be gone, stat err=%v", err)
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Fatalf("fresh file should survive: %v", err)
	}
}

func TestMaintenanceHandleDispatchesByOp(t *testing.T) {
	source := t.TempDir()
	writeFixture(t, source, "seed.txt", "seed")

	handler, err := NewMaintenanceHandler(context.Background(), config.Config{ArtifactDir: t.TempDir()})
	if err != nil {
		t.Fatalf("new maintenance handler: %v", err)
	}

	job := &models.JobRecord{
		ID:      "job-1",
		Type:    "system_maintenance",
		Payload: map[string]any{"op": "backup", "source_dir": source},
	}
	if _, err := handler.Handle(context.Background(), job); err != nil {
		t.Fatalf("backup via dispatch: %v", err)
	}

	job.Payload = map[string]any{"op": "scrub"}
	if _, err := handler.Handle(context.Background(), job); err == nil {
		t.Fatal("expected error for unknown op")
	}

	// No op at all falls back to a cleanup with defaults.
	job.Payload = map[string]any{}
	if _, err := handler.Handle(context.Background(), job); err != nil {
		t.Fatalf("default cleanup: %v", err)
	}
}

func TestMaintenanceCleanupDefaultsToArtifactDir(t *testing.T) {
	dir := t.TempDir()
	stale := writeFixture(t, dir, "stale.log", "x")
	old := time.Now().Add(-72 * time.Hour)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	handler, err := NewMaintenanceHandler(context.Background(), config.Config{ArtifactDir: dir})
	if err != nil {
		t.Fatalf("new maintenance handler: %v", err)
	}

	res, err := handler.HandleCleanup(context.Background(), map[string]any{})
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	out := res.(map[string]any)
	if out["removed"] != 1 {
		t.Fatalf("expected 1 file removed, got %v", out["removed"])
	}
}
