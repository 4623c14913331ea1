package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/parker/internal/archive"
	"github.com/JakeFAU/parker/internal/integrity"
	"github.com/JakeFAU/parker/internal/progress"
	pubmemory "github.com/JakeFAU/parker/internal/publisher/memory"
	"github.com/JakeFAU/parker/internal/storage/local"
	"github.com/JakeFAU/parker/internal/storage/memory"
)

var epoch = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct{ now time.Time }

func (c fakeClock) Now() time.Time { return c.now }

type fakeIDs struct {
	mu sync.Mutex
	n  int
}

func (f *fakeIDs) NewID() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	return fmt.Sprintf("id-%03d", f.n), nil
}

type fakePool struct {
	mu       sync.Mutex
	enqueued []string
	limit    int
}

func (p *fakePool) Enqueue(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enqueued = append(p.enqueued, id)
	return nil
}

func (p *fakePool) Resize(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.limit = n
}

func (p *fakePool) Running() int { return 1 }

func (p *fakePool) QueueDepth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.enqueued)
}

type fakeVerifier struct{ report *integrity.Report }

func (f fakeVerifier) Sweep(context.Context) (integrity.Report, error) { return *f.report, nil }

func (f fakeVerifier) LastReport() (integrity.Report, bool) {
	if f.report == nil {
		return integrity.Report{}, false
	}
	return *f.report, true
}

type fixture struct {
	svc      *Service
	store    *memory.RecordStore
	files    *local.Store
	pool     *fakePool
	notifier *pubmemory.Publisher
}

func newFixture(t *testing.T, mutate func(*archive.Settings)) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memory.NewRecordStore()
	files, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	seed := archive.DefaultSettings()
	if mutate != nil {
		mutate(&seed)
	}
	clock := fakeClock{now: epoch}
	settings, err := LoadSettings(ctx, store, seed, clock)
	require.NoError(t, err)
	f := &fixture{store: store, files: files, pool: &fakePool{}, notifier: pubmemory.New(0)}
	f.svc = New(Deps{
		Store:       store,
		Pool:        f.pool,
		Bus:         progress.NewBus(progress.BusConfig{Grace: time.Hour}, nil),
		Files:       files,
		Settings:    settings,
		IDs:         &fakeIDs{},
		Clock:       clock,
		Notifier:    f.notifier,
		NotifyTopic: "captures",
		Verifier:    fakeVerifier{},
		Logger:      zap.NewNop(),
	})
	return f
}

func TestSubmitQueuesCapture(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	c, err := f.svc.Submit(context.Background(), SubmitRequest{
		URL:     " https://Example.org/page#frag ",
		Headers: map[string]string{"Accept-Language": "de"},
		Cookies: []archive.Cookie{{Name: "sid", Value: "1"}},
		Tags:    []string{"news", " news ", "a"},
	})
	require.NoError(t, err)
	assert.Equal(t, "https://Example.org/page", c.URL)
	assert.Equal(t, archive.StatusQueued, c.Status)
	assert.Equal(t, 3, c.MaxAttempts)
	assert.Equal(t, []string{"a", "news"}, c.Tags)
	assert.Equal(t, "example.org", c.Metadata.Domain)
	assert.False(t, c.IncludePDF)
	assert.Equal(t, []string{c.ID}, f.pool.enqueued)

	stored, err := f.store.GetCapture(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, "de", stored.Headers["Accept-Language"])
	assert.Zero(t, stored.AttemptCount)
}

func TestSubmitIncludePDF(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(s *archive.Settings) { s.IncludePDF = true })
	c, err := f.svc.Submit(context.Background(), SubmitRequest{URL: "https://example.org"})
	require.NoError(t, err)
	assert.True(t, c.IncludePDF)

	off := false
	c, err = f.svc.Submit(context.Background(), SubmitRequest{URL: "https://example.org", IncludePDF: &off})
	require.NoError(t, err)
	assert.False(t, c.IncludePDF)
}

func TestSubmitRejectsInvalidInput(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	_, err := f.svc.Submit(context.Background(), SubmitRequest{URL: "ftp://example.org"})
	require.ErrorIs(t, err, archive.ErrInvalidURL)
	_, err = f.svc.Submit(context.Background(), SubmitRequest{URL: "https://example.org", Cookies: []archive.Cookie{{Value: "x"}}})
	require.ErrorIs(t, err, ErrInvalidInput)
	assert.Empty(t, f.pool.enqueued)
}

func TestSubmitBlockedDomainFailsImmediately(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(s *archive.Settings) { s.BlockedDomains = []string{"blocked.example"} })
	c, err := f.svc.Submit(context.Background(), SubmitRequest{URL: "https://www.blocked.example/x"})
	require.NoError(t, err)
	assert.Equal(t, archive.StatusFailed, c.Status)
	assert.Zero(t, c.AttemptCount)
	assert.Contains(t, c.Reason, "blocked")
	require.NotNil(t, c.FinishedAt)
	assert.Empty(t, f.pool.enqueued)

	msgs := f.notifier.Messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, string(msgs[0].Data), c.ID)

	sub, err := f.svc.Subscribe(context.Background(), c.ID)
	require.NoError(t, err)
	defer sub.Cancel()
	first := <-sub.C
	assert.Equal(t, archive.PhaseFailed, first.Phase)
	assert.True(t, first.Final)
}

func TestRecaptureCopiesOptions(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()
	on := true
	prior, err := f.svc.Submit(ctx, SubmitRequest{
		URL:        "https://example.org/a",
		Headers:    map[string]string{"X-Test": "1"},
		Tags:       []string{"keep"},
		IncludePDF: &on,
	})
	require.NoError(t, err)

	next, err := f.svc.Recapture(ctx, prior.ID)
	require.NoError(t, err)
	assert.NotEqual(t, prior.ID, next.ID)
	assert.Equal(t, prior.URL, next.URL)
	assert.Equal(t, prior.Headers, next.Headers)
	assert.Equal(t, []string{"keep"}, next.Tags)
	assert.True(t, next.IncludePDF)

	_, err = f.svc.Recapture(ctx, "missing")
	require.ErrorIs(t, err, archive.ErrNotFound)
}

func TestDeleteKeepsOtherCapturesOfSameURL(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()
	doomed, err := f.svc.Submit(ctx, SubmitRequest{URL: "https://example.org/a", Tags: []string{"old"}})
	require.NoError(t, err)
	kept, err := f.svc.Submit(ctx, SubmitRequest{URL: "https://example.org/a"})
	require.NoError(t, err)

	for _, c := range []archive.Capture{doomed, kept} {
		rel, err := f.files.Write(ctx, c.ID, archive.KindHTML, []byte("<html>"+c.ID+"</html>"))
		require.NoError(t, err)
		require.NoError(t, f.store.AddArtifact(ctx, archive.Artifact{
			ID: "art-" + c.ID, CaptureID: c.ID, Kind: archive.KindHTML, Path: rel, CreatedAt: epoch,
		}))
		require.NoError(t, f.store.AppendIntegrityLog(ctx, archive.IntegrityLog{
			ID: "log-" + c.ID, ArtifactID: "art-" + c.ID, Outcome: archive.IntegrityOK, CheckedAt: epoch,
		}))
	}

	require.NoError(t, f.svc.Delete(ctx, doomed.ID))

	_, err = f.svc.Get(ctx, doomed.ID)
	require.ErrorIs(t, err, archive.ErrNotFound)
	_, err = os.Stat(filepath.Join(f.files.BaseDir(), doomed.ID))
	require.ErrorIs(t, err, os.ErrNotExist)

	d, err := f.svc.Get(ctx, kept.ID)
	require.NoError(t, err)
	require.Len(t, d.Artifacts, 1)
	require.NotNil(t, d.Artifacts[0].Integrity)
	require.Len(t, d.History, 1)
	assert.Equal(t, kept.ID, d.History[0].ID)
	data, err := os.ReadFile(filepath.Join(f.files.BaseDir(), kept.ID, archive.KindHTML.FileName()))
	require.NoError(t, err)
	assert.Equal(t, "<html>"+kept.ID+"</html>", string(data))

	require.ErrorIs(t, f.svc.Delete(ctx, doomed.ID), archive.ErrNotFound)
}

func TestDeleteRefusesRunningCapture(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()
	c, err := f.svc.Submit(ctx, SubmitRequest{URL: "https://example.org/a"})
	require.NoError(t, err)
	_, err = f.files.Write(ctx, c.ID, archive.KindHTML, []byte("partial"))
	require.NoError(t, err)
	_, err = f.store.ClaimCapture(ctx, c.ID, epoch)
	require.NoError(t, err)

	require.ErrorIs(t, f.svc.Delete(ctx, c.ID), archive.ErrConflict)

	got, err := f.store.GetCapture(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, archive.StatusRunning, got.Status)
	_, err = os.Stat(filepath.Join(f.files.BaseDir(), c.ID, archive.KindHTML.FileName()))
	require.NoError(t, err)
}

func TestGetDetail(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()
	first, err := f.svc.Submit(ctx, SubmitRequest{URL: "https://example.org/a"})
	require.NoError(t, err)
	second, err := f.svc.Submit(ctx, SubmitRequest{URL: "https://example.org/a"})
	require.NoError(t, err)

	require.NoError(t, f.store.AddArtifact(ctx, archive.Artifact{
		ID: "art-1", CaptureID: first.ID, Kind: archive.KindHTML, Path: first.ID + "/snapshot.html",
	}))
	require.NoError(t, f.store.AppendIntegrityLog(ctx, archive.IntegrityLog{
		ID: "log-1", ArtifactID: "art-1", Outcome: archive.IntegrityOK, CheckedAt: epoch,
	}))
	require.NoError(t, f.store.AppendIntegrityLog(ctx, archive.IntegrityLog{
		ID: "log-2", ArtifactID: "art-1", Outcome: archive.IntegrityMismatch, CheckedAt: epoch.Add(time.Hour),
	}))
	require.NoError(t, f.store.AppendEvents(ctx, []archive.CaptureEvent{
		{CaptureID: first.ID, Phase: archive.PhaseQueued, At: epoch},
	}))

	d, err := f.svc.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, d.Capture.ID)
	require.Len(t, d.Artifacts, 1)
	require.NotNil(t, d.Artifacts[0].Integrity)
	assert.Equal(t, archive.IntegrityMismatch, d.Artifacts[0].Integrity.Outcome)
	require.Len(t, d.History, 2)
	ids := []string{d.History[0].ID, d.History[1].ID}
	assert.ElementsMatch(t, []string{first.ID, second.ID}, ids)
	require.Len(t, d.Events, 1)

	_, err = f.svc.Get(ctx, "nope")
	require.ErrorIs(t, err, archive.ErrNotFound)
}

func TestListWithSnippets(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()
	c, err := f.svc.Submit(ctx, SubmitRequest{URL: "https://example.org/a"})
	require.NoError(t, err)
	require.NoError(t, f.store.SaveMetadata(ctx, c.ID, archive.Metadata{
		Title:      "Front page",
		Domain:     "example.org",
		SearchText: "the quick brown fox jumps over the lazy dog",
	}))
	_, err = f.svc.Submit(ctx, SubmitRequest{URL: "https://example.org/b"})
	require.NoError(t, err)

	res, err := f.svc.List(ctx, archive.CaptureQuery{Q: "brown FOX"})
	require.NoError(t, err)
	require.Equal(t, 1, res.Total)
	assert.Equal(t, "the quick brown fox jumps over the lazy dog", res.Items[0].Snippet)
	assert.Empty(t, res.Items[0].Metadata.SearchText)

	all, err := f.svc.List(ctx, archive.CaptureQuery{Domain: "example.org"})
	require.NoError(t, err)
	assert.Equal(t, 2, all.Total)
	assert.Equal(t, archive.DefaultPageSize, all.PageSize)

	_, err = f.svc.List(ctx, archive.CaptureQuery{Sort: "random"})
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = f.svc.List(ctx, archive.CaptureQuery{Status: "exploded"})
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestTags(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()
	c, err := f.svc.Submit(ctx, SubmitRequest{URL: "https://example.org", Tags: []string{"b"}})
	require.NoError(t, err)

	tags, err := f.svc.AddTag(ctx, c.ID, " a ")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, tags)
	tags, err = f.svc.AddTag(ctx, c.ID, "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, tags)
	tags, err = f.svc.RemoveTag(ctx, c.ID, "b")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, tags)
	tags, err = f.svc.RemoveTag(ctx, c.ID, "zzz")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, tags)

	_, err = f.svc.AddTag(ctx, c.ID, "  ")
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = f.svc.AddTag(ctx, "missing", "x")
	require.ErrorIs(t, err, archive.ErrNotFound)
}

func TestSubscribeLiveCapture(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()
	c, err := f.svc.Submit(ctx, SubmitRequest{URL: "https://example.org"})
	require.NoError(t, err)

	sub, err := f.svc.Subscribe(ctx, c.ID)
	require.NoError(t, err)
	defer sub.Cancel()
	assert.Equal(t, archive.PhaseQueued, (<-sub.C).Phase)

	f.svc.Bus.Publish(progress.Event{CaptureID: c.ID, Phase: archive.PhaseRunning, Attempt: 1})
	assert.Equal(t, archive.PhaseRunning, (<-sub.C).Phase)

	_, err = f.svc.Subscribe(ctx, "missing")
	require.ErrorIs(t, err, archive.ErrNotFound)
}

func TestSchedules(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.CreateSchedule(ctx, "https://example.org", 0)
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = f.svc.CreateSchedule(ctx, "not a url", 24)
	require.ErrorIs(t, err, archive.ErrInvalidURL)

	sch, err := f.svc.CreateSchedule(ctx, "https://example.org", 24)
	require.NoError(t, err)
	assert.True(t, sch.Enabled)
	assert.True(t, sch.NextRunAt.Equal(epoch))

	off, err := f.svc.SetScheduleEnabled(ctx, sch.ID, false)
	require.NoError(t, err)
	assert.False(t, off.Enabled)

	list, err := f.svc.ListSchedules(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	scheduled, err := f.svc.SubmitScheduled(ctx, sch)
	require.NoError(t, err)
	assert.Equal(t, sch.ID, scheduled.ScheduleID)
}

func TestUpdateSettings(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	next := f.svc.CurrentSettings()
	next.MaxConcurrent = 5
	next.BlockedDomains = []string{"Ads.Example", "ads.example", ""}
	applied, err := f.svc.UpdateSettings(ctx, next)
	require.NoError(t, err)
	assert.Equal(t, 5, f.pool.limit)
	assert.Equal(t, []string{"ads.example"}, applied.BlockedDomains)

	stored, err := f.store.GetSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, stored.MaxConcurrent)

	bad := f.svc.CurrentSettings()
	bad.TimeoutSeconds = 1
	_, err = f.svc.UpdateSettings(ctx, bad)
	require.ErrorIs(t, err, archive.ErrInvalidSettings)
	assert.Equal(t, 90, f.svc.CurrentSettings().TimeoutSeconds)

	c, err := f.svc.Submit(ctx, SubmitRequest{URL: "https://ads.example/banner"})
	require.NoError(t, err)
	assert.Equal(t, archive.StatusFailed, c.Status)
}

func TestLoadSettingsKeepsStored(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.NewRecordStore()
	stored := archive.DefaultSettings()
	stored.MaxAttempts = 7
	require.NoError(t, store.SaveSettings(ctx, stored))

	m, err := LoadSettings(ctx, store, archive.DefaultSettings(), fakeClock{now: epoch})
	require.NoError(t, err)
	assert.Equal(t, 7, m.Settings().MaxAttempts)

	bad := archive.DefaultSettings()
	bad.MaxConcurrent = 0
	_, err = LoadSettings(ctx, memory.NewRecordStore(), bad, fakeClock{now: epoch})
	require.ErrorIs(t, err, archive.ErrInvalidSettings)
}

func TestDashboard(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(s *archive.Settings) {
		s.MaxStorageGB = 1.0 / (1 << 20) // 1 KiB
		s.DiskAlertPct = 50
	})
	ctx := context.Background()
	_, err := f.files.Write(ctx, "cap-x", archive.KindHTML, make([]byte, 600))
	require.NoError(t, err)
	_, err = f.svc.Submit(ctx, SubmitRequest{URL: "https://example.org"})
	require.NoError(t, err)

	d, err := f.svc.Dashboard(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, d.Captures)
	assert.Equal(t, 1, d.Recent)
	assert.Equal(t, int64(600), d.UsageBytes)
	assert.Equal(t, int64(1024), d.MaxBytes)
	assert.True(t, d.DiskAlert)
	assert.False(t, d.OverLimit)
	assert.Equal(t, 1, d.Running)
	assert.Nil(t, d.Integrity)
}
