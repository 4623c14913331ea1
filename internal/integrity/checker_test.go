package integrity

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/parker/internal/archive"
	"github.com/JakeFAU/parker/internal/hash/sha256"
	"github.com/JakeFAU/parker/internal/id/uuid"
	"github.com/JakeFAU/parker/internal/storage/local"
	"github.com/JakeFAU/parker/internal/storage/memory"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type fixture struct {
	records *memory.RecordStore
	files   *local.Store
	checker *Checker
}

func newFixture(t *testing.T, batch int) *fixture {
	t.Helper()
	files, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	f := &fixture{records: memory.NewRecordStore(), files: files}
	f.checker = New(
		Config{BatchSize: batch},
		f.records, files, sha256.New(), uuid.New(),
		fixedClock{now: time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)},
		zap.NewNop(),
	)
	return f
}

// store writes data as an artifact and records its checksum.
func (f *fixture) store(t *testing.T, id, captureID string, kind archive.Kind, data []byte) archive.Artifact {
	t.Helper()
	err := f.records.CreateCapture(context.Background(), &archive.Capture{
		ID: captureID, URL: "https://example.org/", Status: archive.StatusQueued, MaxAttempts: 1,
	})
	if err != nil {
		require.ErrorIs(t, err, archive.ErrConflict)
	}
	rel, err := f.files.Write(context.Background(), captureID, kind, data)
	require.NoError(t, err)
	sum, err := sha256.New().Hash(data)
	require.NoError(t, err)
	a := archive.Artifact{
		ID:        id,
		CaptureID: captureID,
		Kind:      kind,
		Path:      rel,
		SHA256:    sum,
		SizeBytes: int64(len(data)),
	}
	require.NoError(t, f.records.AddArtifact(context.Background(), a))
	return a
}

func (f *fixture) logs(t *testing.T, artifactID string) []archive.IntegrityLog {
	t.Helper()
	out, err := f.records.ListIntegrityLogs(context.Background(), artifactID, 0)
	require.NoError(t, err)
	return out
}

func TestSweepAllOK(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 2)
	for i, kind := range []archive.Kind{archive.KindHTML, archive.KindScreenshot, archive.KindWARC} {
		f.store(t, fmt.Sprintf("art-%d", i), "cap-1", kind, []byte("payload "+string(kind)))
	}

	report, err := f.checker.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, report.Checked)
	assert.Equal(t, 3, report.OK)
	assert.True(t, report.Healthy())
	assert.Empty(t, report.Problems)

	last, ok := f.checker.LastReport()
	require.True(t, ok)
	assert.Equal(t, report.Checked, last.Checked)
}

func TestSweepDetectsFlippedByte(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 10)
	html := f.store(t, "art-1", "cap-1", archive.KindHTML, []byte("<html></html>"))
	shot := f.store(t, "art-2", "cap-1", archive.KindScreenshot, []byte{0x89, 'P', 'N', 'G', 1, 2, 3})
	warc := f.store(t, "art-3", "cap-1", archive.KindWARC, []byte("WARC/1.1\r\n"))

	path, err := f.files.Resolve(shot.Path)
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[4] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0o600))

	report, err := f.checker.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Mismatch)
	assert.Equal(t, 2, report.OK)
	require.Len(t, report.Problems, 1)
	assert.Equal(t, "art-2", report.Problems[0].ArtifactID)

	shotLogs := f.logs(t, shot.ID)
	require.Len(t, shotLogs, 1)
	assert.Equal(t, archive.IntegrityMismatch, shotLogs[0].Outcome)
	assert.NotEqual(t, shot.SHA256, shotLogs[0].Checksum)
	for _, a := range []archive.Artifact{html, warc} {
		l := f.logs(t, a.ID)
		require.Len(t, l, 1)
		assert.Equal(t, archive.IntegrityOK, l[0].Outcome)
		assert.Equal(t, a.SHA256, l[0].Checksum)
	}

	// The artifact row is never rewritten.
	rows, err := f.records.ListArtifacts(context.Background(), archive.ArtifactQuery{CaptureID: "cap-1"})
	require.NoError(t, err)
	assert.Equal(t, shot.SHA256, rows[1].SHA256)
}

func TestSweepDetectsMissingFile(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 10)
	a := f.store(t, "art-1", "cap-1", archive.KindWARC, []byte("WARC/1.1"))
	path, err := f.files.Resolve(a.Path)
	require.NoError(t, err)
	require.NoError(t, os.Remove(path))

	report, err := f.checker.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Missing)
	assert.False(t, report.Healthy())

	l := f.logs(t, a.ID)
	require.Len(t, l, 1)
	assert.Equal(t, archive.IntegrityMissing, l[0].Outcome)
	assert.Equal(t, "file not found", l[0].Detail)
}

func TestSweepAppendsOneRowPerArtifactPerSweep(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)
	a := f.store(t, "art-1", "cap-1", archive.KindHTML, []byte("x"))
	f.store(t, "art-2", "cap-2", archive.KindHTML, []byte("y"))

	for range 3 {
		_, err := f.checker.Sweep(context.Background())
		require.NoError(t, err)
	}
	assert.Len(t, f.logs(t, a.ID), 3)
	assert.Len(t, f.logs(t, ""), 6)
}

func TestSweepStoreError(t *testing.T) {
	t.Parallel()
	c := New(Config{}, failingRecords{}, nil, sha256.New(), uuid.New(), fixedClock{}, nil)
	_, err := c.Sweep(context.Background())
	require.Error(t, err)
	_, ok := c.LastReport()
	assert.False(t, ok)
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 10)
	f.store(t, "art-1", "cap-1", archive.KindHTML, []byte("x"))
	f.checker.cfg.Interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.checker.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, ok := f.checker.LastReport()
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("checker did not stop")
	}
}

type failingRecords struct{}

func (failingRecords) ListArtifacts(context.Context, archive.ArtifactQuery) ([]archive.Artifact, error) {
	return nil, errors.New("db down")
}

func (failingRecords) AppendIntegrityLog(context.Context, archive.IntegrityLog) error {
	return nil
}
