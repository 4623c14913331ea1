// Package integrity periodically re-hashes stored artifacts and records
// whether each file still matches the checksum taken when it was written.
// It only detects problems; files and capture records are never modified.
package integrity

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/parker/internal/archive"
	"github.com/JakeFAU/parker/internal/metrics"
)

// Config tunes the sweep cadence.
type Config struct {
	// Interval between sweeps (default 6h).
	Interval time.Duration `mapstructure:"interval"`
	// BatchSize is the number of artifacts loaded per store round trip (default 200).
	BatchSize int `mapstructure:"batch_size"`
}

const (
	defaultInterval  = 6 * time.Hour
	defaultBatchSize = 200
)

// Records is the subset of the record store the checker reads and appends to.
type Records interface {
	ListArtifacts(ctx context.Context, q archive.ArtifactQuery) ([]archive.Artifact, error)
	AppendIntegrityLog(ctx context.Context, l archive.IntegrityLog) error
}

// Files maps a recorded artifact path onto the filesystem.
type Files interface {
	Resolve(rel string) (string, error)
}

// Problem is an artifact that did not verify.
type Problem struct {
	ArtifactID string                   `json:"artifact_id"`
	CaptureID  string                   `json:"capture_id"`
	Kind       archive.Kind             `json:"kind"`
	Outcome    archive.IntegrityOutcome `json:"outcome"`
	Detail     string                   `json:"detail,omitempty"`
}

// Report summarizes one sweep.
type Report struct {
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Checked    int       `json:"checked"`
	OK         int       `json:"ok"`
	Mismatch   int       `json:"mismatch"`
	Missing    int       `json:"missing"`
	Problems   []Problem `json:"problems"`
}

// Healthy reports whether every checked artifact verified.
func (r Report) Healthy() bool {
	return r.Mismatch == 0 && r.Missing == 0
}

// Checker verifies artifacts against their recorded SHA-256.
type Checker struct {
	cfg     Config
	records Records
	files   Files
	hasher  archive.Hasher
	ids     archive.IDGenerator
	clock   archive.Clock
	logger  *zap.Logger

	mu   sync.RWMutex
	last *Report
	// sweeping serializes Sweep so a manual run never overlaps the timer.
	sweeping sync.Mutex
}

// New constructs a Checker, filling defaults for unset config.
func New(
	cfg Config,
	records Records,
	files Files,
	hasher archive.Hasher,
	ids archive.IDGenerator,
	clock archive.Clock,
	logger *zap.Logger,
) *Checker {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checker{
		cfg:     cfg,
		records: records,
		files:   files,
		hasher:  hasher,
		ids:     ids,
		clock:   clock,
		logger:  logger,
	}
}

// Run sweeps once per Interval until ctx is done.
func (c *Checker) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	c.logger.Info("integrity checker started", zap.Duration("interval", c.cfg.Interval))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := c.Sweep(ctx); err != nil && ctx.Err() == nil {
				c.logger.Error("integrity sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep verifies every artifact in id order and appends one IntegrityLog row
// per artifact.
func (c *Checker) Sweep(ctx context.Context) (Report, error) {
	c.sweeping.Lock()
	defer c.sweeping.Unlock()

	report := Report{StartedAt: c.clock.Now(), Problems: []Problem{}}
	after := ""
	for {
		batch, err := c.records.ListArtifacts(ctx, archive.ArtifactQuery{AfterID: after, Limit: c.cfg.BatchSize})
		if err != nil {
			return report, fmt.Errorf("list artifacts after %q: %w", after, err)
		}
		for _, a := range batch {
			if err := ctx.Err(); err != nil {
				return report, fmt.Errorf("integrity sweep interrupted: %w", err)
			}
			entry, err := c.Verify(ctx, a)
			if err != nil {
				return report, err
			}
			report.add(a, entry)
		}
		if len(batch) < c.cfg.BatchSize {
			break
		}
		after = batch[len(batch)-1].ID
	}
	report.FinishedAt = c.clock.Now()

	c.mu.Lock()
	c.last = &report
	c.mu.Unlock()

	metrics.ObserveIntegritySweep(report.FinishedAt.Sub(report.StartedAt))
	fields := []zap.Field{
		zap.Int("checked", report.Checked),
		zap.Int("mismatch", report.Mismatch),
		zap.Int("missing", report.Missing),
	}
	if report.Healthy() {
		c.logger.Info("integrity sweep finished", fields...)
	} else {
		c.logger.Warn("integrity sweep found problems", fields...)
	}
	return report, nil
}

// Verify re-hashes one artifact and appends the resulting log row.
func (c *Checker) Verify(ctx context.Context, a archive.Artifact) (archive.IntegrityLog, error) {
	id, err := c.ids.NewID()
	if err != nil {
		return archive.IntegrityLog{}, fmt.Errorf("integrity log id: %w", err)
	}
	entry := archive.IntegrityLog{ID: id, ArtifactID: a.ID, CheckedAt: c.clock.Now()}
	entry.Outcome, entry.Checksum, entry.Detail = c.check(a)
	if err := c.records.AppendIntegrityLog(ctx, entry); err != nil {
		return entry, fmt.Errorf("append integrity log for %s: %w", a.ID, err)
	}
	metrics.ObserveIntegrity(string(entry.Outcome))
	if entry.Outcome != archive.IntegrityOK {
		c.logger.Warn("artifact failed verification",
			zap.String("artifact_id", a.ID),
			zap.String("capture_id", a.CaptureID),
			zap.String("outcome", string(entry.Outcome)),
			zap.String("detail", entry.Detail),
		)
	}
	return entry, nil
}

func (c *Checker) check(a archive.Artifact) (archive.IntegrityOutcome, string, string) {
	path, err := c.files.Resolve(a.Path)
	if err != nil {
		return archive.IntegrityMissing, "", err.Error()
	}
	sum, _, err := c.hasher.HashFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return archive.IntegrityMissing, "", "file not found"
	case err != nil:
		return archive.IntegrityMissing, "", err.Error()
	case sum != a.SHA256:
		return archive.IntegrityMismatch, sum, fmt.Sprintf("expected %s", a.SHA256)
	}
	return archive.IntegrityOK, sum, ""
}

// LastReport returns the most recent completed sweep.
func (c *Checker) LastReport() (Report, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.last == nil {
		return Report{}, false
	}
	return *c.last, true
}

func (r *Report) add(a archive.Artifact, entry archive.IntegrityLog) {
	r.Checked++
	switch entry.Outcome {
	case archive.IntegrityOK:
		r.OK++
		return
	case archive.IntegrityMismatch:
		r.Mismatch++
	default:
		r.Missing++
	}
	r.Problems = append(r.Problems, Problem{
		ArtifactID: a.ID,
		CaptureID:  a.CaptureID,
		Kind:       a.Kind,
		Outcome:    entry.Outcome,
		Detail:     entry.Detail,
	})
}
