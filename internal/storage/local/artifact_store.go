// Package local stores capture artifacts on the local filesystem, one
// directory per capture id with a fixed file name per artifact kind.
package local

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/JakeFAU/parker/internal/archive"
)

// Config captures the parameters for the local artifact store.
type Config struct {
	// BaseDir is the root directory holding one sub-directory per capture.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

const tempPrefix = ".tmp-"

// Store writes artifacts atomically beneath BaseDir.
type Store struct {
	baseDir string
}

// New creates the base directory if needed and verifies it is writable.
func New(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	baseDir, err := filepath.Abs(cfg.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve base directory: %w", err)
	}

	info, err := os.Stat(baseDir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if mkErr := os.MkdirAll(baseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to stat base directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	check, err := os.CreateTemp(baseDir, tempPrefix+"check-*")
	if err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	_ = check.Close()
	if err := os.Remove(check.Name()); err != nil {
		return nil, fmt.Errorf("failed to clean up write check file: %w", err)
	}
	return &Store{baseDir: baseDir}, nil
}

// BaseDir returns the absolute storage root.
func (s *Store) BaseDir() string {
	return s.baseDir
}

// RelPath returns the storage-relative path recorded on an Artifact row.
func RelPath(captureID string, kind archive.Kind) string {
	return filepath.ToSlash(filepath.Join(captureID, kind.FileName()))
}

// Resolve maps a storage-relative path to an absolute path, rejecting traversal.
func (s *Store) Resolve(rel string) (string, error) {
	if strings.TrimSpace(rel) == "" {
		return "", fmt.Errorf("path is required")
	}
	full := filepath.Clean(filepath.Join(s.baseDir, filepath.FromSlash(rel)))
	if !strings.HasPrefix(full, s.baseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected: %q", rel)
	}
	return full, nil
}

// Write stores data for one artifact kind of a capture. Bytes land in a
// temporary file in the capture directory, are fsynced, and are then renamed
// onto the final name, so a reader never observes a partial file under that
// name. It returns the storage-relative path.
func (s *Store) Write(ctx context.Context, captureID string, kind archive.Kind, data []byte) (string, error) {
	if kind.FileName() == "" {
		return "", fmt.Errorf("unknown artifact kind %q", kind)
	}
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("write %s: %w", kind, err)
	}
	rel := RelPath(captureID, kind)
	final, err := s.Resolve(rel)
	if err != nil {
		return "", err
	}
	dir := filepath.Dir(final)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create capture directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, tempPrefix+kind.FileName()+"-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		return "", fmt.Errorf("rename into place: %w", err)
	}
	committed = true
	syncDir(dir)
	return rel, nil
}

// Remove deletes an artifact file. A missing file is not an error.
func (s *Store) Remove(rel string) error {
	full, err := s.Resolve(rel)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", rel, err)
	}
	return nil
}

// RemoveCapture deletes the directory holding every artifact of a capture.
// A missing directory is not an error.
func (s *Store) RemoveCapture(captureID string) error {
	dir, err := s.Resolve(captureID)
	if err != nil {
		return err
	}
	if filepath.Dir(dir) != s.baseDir {
		return fmt.Errorf("capture directory %q is not directly beneath the storage root", captureID)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove capture %s: %w", captureID, err)
	}
	return nil
}

// Open opens an artifact file for reading.
func (s *Store) Open(rel string) (*os.File, error) {
	full, err := s.Resolve(rel)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full) //nolint:gosec // resolved beneath baseDir
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", rel, err)
	}
	return f, nil
}

// Usage returns the number of bytes held beneath the storage root.
func (s *Store) Usage(ctx context.Context) (int64, error) {
	var total int64
	err := filepath.WalkDir(s.baseDir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("measure storage usage: %w", err)
	}
	return total, nil
}

// Walk visits every committed artifact file, passing its storage-relative path.
// Temporary files are skipped.
func (s *Store) Walk(fn func(rel, abs string) error) error {
	return filepath.WalkDir(s.baseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), tempPrefix) {
			return nil
		}
		rel, err := filepath.Rel(s.baseDir, path)
		if err != nil {
			return err
		}
		return fn(filepath.ToSlash(rel), path)
	})
}

func syncDir(dir string) {
	d, err := os.Open(dir) //nolint:gosec // capture directory beneath baseDir
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
