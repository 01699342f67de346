package jobs

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/Bengo-Hub/bengobox-erp-api-sub001/internal/config"
	"github.com/Bengo-Hub/bengobox-erp-api-sub001/internal/models"
)

// MaintenanceHandler implements the built-in maintenance jobs: directory
// backups shipped to an artifact store, and cleanup of stale artifacts.
type MaintenanceHandler struct {
	cfg    config.Config
	stores artifactStores
}

type backupPayload struct {
	SourceDir   string `json:"source_dir"`
	OutputKey   string `json:"output_key"`
	Destination string `json:"destination"`
}

type cleanupPayload struct {
	Dir         string  `json:"dir"`
	MaxAgeHours float64 `json:"max_age_hours"`
}

// NewMaintenanceHandler constructs the handler and chooses an artifact
// store (local directory or S3).
func NewMaintenanceHandler(ctx context.Context, cfg config.Config) (*MaintenanceHandler, error) {
	stores, err := newArtifactStores(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &MaintenanceHandler{cfg: cfg, stores: stores}, nil
}

// Handle dispatches a system_maintenance job by its payload "op" field.
// An absent op runs a cleanup, the safe default.
func (h *MaintenanceHandler) Handle(ctx context.Context, job *models.JobRecord) (any, error) {
	op, _ := job.Payload["op"].(string)
	switch op {
	case "backup":
		return h.HandleBackup(ctx, job.Payload)
	case "cleanup", "":
		return h.HandleCleanup(ctx, job.Payload)
	default:
		return nil, fmt.Errorf("unknown maintenance op %q", op)
	}
}

// HandleBackup archives a directory into a tar.gz and ships it to the
// configured artifact store. Returns the artifact location and sizes.
func (h *MaintenanceHandler) HandleBackup(ctx context.Context, payload map[string]any) (any, error) {
	p, err := decodeBackupPayload(payload, h.cfg)
	if err != nil {
		return nil, err
	}

	buf := &bytes.Buffer{}
	files, rawBytes, err := tarGzDir(buf, p.SourceDir)
	if err != nil {
		return nil, err
	}

	key := p.OutputKey
	if key == "" {
		key = fmt.Sprintf("backups/%s-%s.tar.gz",
			filepath.Base(p.SourceDir), time.Now().UTC().Format("20060102T150405Z"))
	}
	key = sanitizeKey(key)

	store, err := h.stores.pick(p.Destination)
	if err != nil {
		return nil, err
	}
	location, err := store.Store(ctx, key, buf.Bytes(), "application/gzip")
	if err != nil {
		return nil, fmt.Errorf("store backup: %w", err)
	}

	return map[string]any{
		"artifact":      location,
		"files":         files,
		"raw_bytes":     rawBytes,
		"archive_bytes": buf.Len(),
	}, nil
}

// HandleCleanup removes artifacts older than the payload's max age from a
// directory. Returns how many files were removed and the bytes freed.
func (h *MaintenanceHandler) HandleCleanup(ctx context.Context, payload map[string]any) (any, error) {
	p, err := decodeCleanupPayload(payload, h.cfg)
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().Add(-time.Duration(p.MaxAgeHours * float64(time.Hour)))
	var removed int
	var freed int64

	err = filepath.WalkDir(p.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().After(cutoff) {
			return nil
		}
		if err := os.Remove(path); err != nil {
			return nil
		}
		removed++
		freed += info.Size()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("cleanup %s: %w", p.Dir, err)
	}

	return map[string]any{"removed": removed, "freed_bytes": freed}, nil
}

func decodeBackupPayload(payload map[string]any, cfg config.Config) (backupPayload, error) {
	var p backupPayload
	raw, err := json.Marshal(payload)
	if err != nil {
		return p, fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("decode payload: %w", err)
	}
	if p.SourceDir == "" {
		return p, errors.New("source_dir is required")
	}
	if p.Destination == "" {
		if cfg.ArtifactS3Bucket != "" {
			p.Destination = "s3"
		} else {
			p.Destination = "local"
		}
	}
	return p, nil
}

func decodeCleanupPayload(payload map[string]any, cfg config.Config) (cleanupPayload, error) {
	p := cleanupPayload{Dir: cfg.ArtifactDir, MaxAgeHours: 24}
	raw, err := json.Marshal(payload)
	if err != nil {
		return p, fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("decode payload: %w", err)
	}
	if p.Dir == "" {
		return p, errors.New("dir is required")
	}
	if p.MaxAgeHours <= 0 {
		p.MaxAgeHours = 24
	}
	return p, nil
}

// tarGzDir writes a gzipped tarball of every regular file under dir,
// with paths stored relative to dir. Returns file count and raw bytes.
func tarGzDir(w io.Writer, dir string) (int, int64, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return 0, 0, fmt.Errorf("stat source: %w", err)
	}
	if !info.IsDir() {
		return 0, 0, fmt.Errorf("source %s is not a directory", dir)
	}

	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	var files int
	var total int64
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		n, err := io.Copy(tw, f)
		f.Close()
		if err != nil {
			return err
		}

		files++
		total += n
		return nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("archive %s: %w", dir, err)
	}

	if err := tw.Close(); err != nil {
		return 0, 0, err
	}
	if err := gz.Close(); err != nil {
		return 0, 0, err
	}
	return files, total, nil
}
