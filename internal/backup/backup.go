// Package backup writes export bundles: a zip holding records.json (a
// consistent snapshot of every table) and the artifact file tree.
package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zip"
	"go.uber.org/zap"

	"github.com/JakeFAU/parker/internal/archive"
)

// Config controls where bundles land.
type Config struct {
	// Dir receives backup_<stamp>.zip files.
	Dir string `mapstructure:"dir"`
	// GCSBucket, when set, receives a copy of each bundle.
	GCSBucket string `mapstructure:"gcs_bucket"`
	GCSPrefix string `mapstructure:"gcs_prefix"`
}

const (
	// RecordsName is the bundle entry holding the record snapshot.
	RecordsName = "records.json"
	// StoragePrefix is the bundle directory mirroring the artifact tree.
	StoragePrefix = "storage"

	stampLayout = "20060102T150405Z"
)

// Snapshotter returns a consistent copy of the record store.
type Snapshotter interface {
	Snapshot(ctx context.Context) (archive.Snapshot, error)
}

// Files opens artifact files by their recorded path.
type Files interface {
	Open(rel string) (*os.File, error)
}

// Uploader copies a finished bundle off-site.
type Uploader interface {
	Upload(ctx context.Context, name, contentType string, r io.Reader) (string, error)
}

// Manifest describes a written bundle.
type Manifest struct {
	TakenAt   time.Time `json:"taken_at"`
	Captures  int       `json:"captures"`
	Artifacts int       `json:"artifacts"`
	Bytes     int64     `json:"bytes"`
	// Missing lists artifact paths recorded in the snapshot whose file could not be read.
	Missing []string `json:"missing,omitempty"`
}

// Result is a bundle written to disk.
type Result struct {
	Path     string   `json:"path"`
	Size     int64    `json:"size"`
	URI      string   `json:"uri,omitempty"`
	Manifest Manifest `json:"manifest"`
}

// Exporter builds bundles.
type Exporter struct {
	cfg      Config
	records  Snapshotter
	files    Files
	uploader Uploader
	logger   *zap.Logger
}

// New constructs an Exporter. uploader may be nil.
func New(cfg Config, records Snapshotter, files Files, uploader Uploader, logger *zap.Logger) *Exporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{cfg: cfg, records: records, files: files, uploader: uploader, logger: logger}
}

// WriteTo streams a bundle to w. Only artifacts present in the snapshot are
// included, so files written after the snapshot never appear without a row.
func (e *Exporter) WriteTo(ctx context.Context, w io.Writer) (Manifest, error) {
	snap, err := e.records.Snapshot(ctx)
	if err != nil {
		return Manifest{}, fmt.Errorf("snapshot records: %w", err)
	}
	m := Manifest{TakenAt: snap.TakenAt, Captures: len(snap.Captures)}

	zw := zip.NewWriter(w)
	records, err := zw.CreateHeader(&zip.FileHeader{Name: RecordsName, Method: zip.Deflate, Modified: snap.TakenAt})
	if err != nil {
		return m, fmt.Errorf("create %s: %w", RecordsName, err)
	}
	enc := json.NewEncoder(records)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		return m, fmt.Errorf("encode %s: %w", RecordsName, err)
	}

	for _, a := range snap.Artifacts {
		if err := ctx.Err(); err != nil {
			return m, fmt.Errorf("export interrupted: %w", err)
		}
		n, err := e.copyArtifact(zw, a)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				m.Missing = append(m.Missing, a.Path)
				e.logger.Warn("artifact missing from export", zap.String("artifact_id", a.ID), zap.String("path", a.Path))
				continue
			}
			return m, err
		}
		m.Artifacts++
		m.Bytes += n
	}
	if err := zw.Close(); err != nil {
		return m, fmt.Errorf("finish bundle: %w", err)
	}
	return m, nil
}

func (e *Exporter) copyArtifact(zw *zip.Writer, a archive.Artifact) (int64, error) {
	f, err := e.files.Open(a.Path)
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = f.Close()
	}()
	method := zip.Deflate
	if a.Kind == archive.KindScreenshot || a.Kind == archive.KindPDF {
		method = zip.Store
	}
	dst, err := zw.CreateHeader(&zip.FileHeader{
		Name:     path.Join(StoragePrefix, a.Path),
		Method:   method,
		Modified: a.CreatedAt,
	})
	if err != nil {
		return 0, fmt.Errorf("create entry for %s: %w", a.Path, err)
	}
	n, err := io.Copy(dst, f)
	if err != nil {
		return n, fmt.Errorf("copy %s: %w", a.Path, err)
	}
	return n, nil
}

// Export writes a bundle into Dir and uploads it when an uploader is configured.
// The file appears under its final name only once complete.
func (e *Exporter) Export(ctx context.Context) (Result, error) {
	if e.cfg.Dir == "" {
		return Result{}, fmt.Errorf("backup directory is required")
	}
	if err := os.MkdirAll(e.cfg.Dir, 0o750); err != nil {
		return Result{}, fmt.Errorf("create backup directory: %w", err)
	}
	tmp, err := os.CreateTemp(e.cfg.Dir, ".tmp-backup-*")
	if err != nil {
		return Result{}, fmt.Errorf("create temp bundle: %w", err)
	}
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}

	m, err := e.WriteTo(ctx, tmp)
	if err != nil {
		cleanup()
		return Result{}, err
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return Result{}, fmt.Errorf("sync bundle: %w", err)
	}
	info, err := tmp.Stat()
	if err != nil {
		cleanup()
		return Result{}, fmt.Errorf("stat bundle: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return Result{}, fmt.Errorf("close bundle: %w", err)
	}
	name := FileName(m.TakenAt)
	final := filepath.Join(e.cfg.Dir, name)
	if err := os.Rename(tmp.Name(), final); err != nil {
		_ = os.Remove(tmp.Name())
		return Result{}, fmt.Errorf("commit bundle: %w", err)
	}
	res := Result{Path: final, Size: info.Size(), Manifest: m}
	e.logger.Info("export written",
		zap.String("path", final),
		zap.Int64("size", res.Size),
		zap.Int("captures", m.Captures),
		zap.Int("artifacts", m.Artifacts),
		zap.Int("missing", len(m.Missing)),
	)

	if e.uploader != nil {
		uri, err := e.upload(ctx, final, name)
		if err != nil {
			return res, err
		}
		res.URI = uri
	}
	return res, nil
}

func (e *Exporter) upload(ctx context.Context, file, name string) (string, error) {
	f, err := os.Open(file) //nolint:gosec // bundle written by Export
	if err != nil {
		return "", fmt.Errorf("open bundle: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	uri, err := e.uploader.Upload(ctx, name, "application/zip", f)
	if err != nil {
		return "", fmt.Errorf("upload bundle: %w", err)
	}
	e.logger.Info("export uploaded", zap.String("uri", uri))
	return uri, nil
}

// FileName returns the bundle name for a snapshot time.
func FileName(takenAt time.Time) string {
	return "backup_" + takenAt.UTC().Format(stampLayout) + ".zip"
}
