// Package storetest holds behavioural checks shared by every archive.Store
// implementation.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/parker/internal/archive"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) archive.Store

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// NewCapture returns a queued capture fixture.
func NewCapture(id, rawURL string, created time.Time) *archive.Capture {
	return &archive.Capture{
		ID:          id,
		URL:         rawURL,
		Status:      archive.StatusQueued,
		MaxAttempts: 3,
		Tags:        []string{},
		Headers:     map[string]string{"Accept-Language": "en"},
		Cookies:     []archive.Cookie{{Name: "session", Value: "abc", Domain: "example.org"}},
		Metadata:    archive.Metadata{Domain: archive.Domain(rawURL)},
		CreatedAt:   created,
	}
}

// Run exercises the archive.Store contract.
func Run(t *testing.T, factory Factory) {
	t.Helper()
	t.Run("CaptureLifecycle", func(t *testing.T) { testCaptureLifecycle(t, factory(t)) })
	t.Run("ClaimExhaustion", func(t *testing.T) { testClaimExhaustion(t, factory(t)) })
	t.Run("ConcurrentClaim", func(t *testing.T) { testConcurrentClaim(t, factory(t)) })
	t.Run("ListCaptures", func(t *testing.T) { testListCaptures(t, factory(t)) })
	t.Run("Artifacts", func(t *testing.T) { testArtifacts(t, factory(t)) })
	t.Run("IntegrityLogs", func(t *testing.T) { testIntegrityLogs(t, factory(t)) })
	t.Run("Schedules", func(t *testing.T) { testSchedules(t, factory(t)) })
	t.Run("SettingsAndEvents", func(t *testing.T) { testSettingsAndEvents(t, factory(t)) })
	t.Run("StatsAndSnapshot", func(t *testing.T) { testStatsAndSnapshot(t, factory(t)) })
	t.Run("DeleteCapture", func(t *testing.T) { testDeleteCapture(t, factory(t)) })
}

func testCaptureLifecycle(t *testing.T, store archive.Store) {
	ctx := context.Background()
	c := NewCapture("cap-1", "https://example.org/a", base)
	require.NoError(t, store.CreateCapture(ctx, c))
	require.ErrorIs(t, store.CreateCapture(ctx, c), archive.ErrConflict)

	_, err := store.GetCapture(ctx, "nope")
	require.ErrorIs(t, err, archive.ErrNotFound)

	claimed, err := store.ClaimCapture(ctx, "cap-1", base.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, archive.StatusRunning, claimed.Status)
	assert.Equal(t, 1, claimed.AttemptCount)
	require.NotNil(t, claimed.StartedAt)
	assert.True(t, claimed.StartedAt.Equal(base.Add(time.Second)))

	_, err = store.ClaimCapture(ctx, "cap-1", base)
	require.ErrorIs(t, err, archive.ErrConflict)

	require.NoError(t, store.RequeueCapture(ctx, "cap-1", "render timeout"))
	got, err := store.GetCapture(ctx, "cap-1")
	require.NoError(t, err)
	assert.Equal(t, archive.StatusQueued, got.Status)
	assert.Equal(t, "render timeout", got.Reason)
	require.ErrorIs(t, store.RequeueCapture(ctx, "cap-1", "again"), archive.ErrConflict)

	_, err = store.ClaimCapture(ctx, "cap-1", base.Add(time.Minute))
	require.NoError(t, err)
	md := archive.Metadata{Title: "A", Description: "d", Domain: "example.org", HTTPStatus: 200, TotalSizeBytes: 42, SearchText: "body"}
	require.NoError(t, store.SaveMetadata(ctx, "cap-1", md))
	require.NoError(t, store.FinishCapture(ctx, "cap-1", archive.Outcome{
		Status: archive.StatusSuccess, FinishedAt: base.Add(2 * time.Minute),
	}))
	require.ErrorIs(t, store.FinishCapture(ctx, "cap-1", archive.Outcome{
		Status: archive.StatusFailed, FinishedAt: base.Add(3 * time.Minute),
	}), archive.ErrConflict)

	got, err = store.GetCapture(ctx, "cap-1")
	require.NoError(t, err)
	assert.Equal(t, archive.StatusSuccess, got.Status)
	assert.Equal(t, 2, got.AttemptCount)
	assert.Equal(t, md, got.Metadata)
	assert.Equal(t, "en", got.Headers["Accept-Language"])
	require.Len(t, got.Cookies, 1)
	require.NotNil(t, got.FinishedAt)
	assert.True(t, got.FinishedAt.Equal(base.Add(2*time.Minute)))

	require.NoError(t, store.SetTags(ctx, "cap-1", []string{"b", "a", "b"}))
	got, err = store.GetCapture(ctx, "cap-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got.Tags)
}

func testClaimExhaustion(t *testing.T, store archive.Store) {
	ctx := context.Background()
	c := NewCapture("cap-x", "https://example.org/x", base)
	c.MaxAttempts = 2
	require.NoError(t, store.CreateCapture(ctx, c))
	for range 2 {
		_, err := store.ClaimCapture(ctx, "cap-x", base)
		require.NoError(t, err)
		require.NoError(t, store.RequeueCapture(ctx, "cap-x", "retry"))
	}
	_, err := store.ClaimCapture(ctx, "cap-x", base)
	require.ErrorIs(t, err, archive.ErrAttemptsExhausted)

	got, err := store.GetCapture(ctx, "cap-x")
	require.NoError(t, err)
	assert.Equal(t, 2, got.AttemptCount)
	assert.Equal(t, archive.StatusQueued, got.Status)

	require.NoError(t, store.FinishCapture(ctx, "cap-x", archive.Outcome{
		Status: archive.StatusFailed, Reason: "attempts exhausted", FinishedAt: base,
	}))
}

func testConcurrentClaim(t *testing.T, store archive.Store) {
	ctx := context.Background()
	require.NoError(t, store.CreateCapture(ctx, NewCapture("cap-race", "https://example.org/r", base)))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.ClaimCapture(ctx, "cap-race", base); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())

	got, err := store.GetCapture(ctx, "cap-race")
	require.NoError(t, err)
	assert.Equal(t, 1, got.AttemptCount)
}

func testListCaptures(t *testing.T, store archive.Store) {
	ctx := context.Background()
	for i := range 12 {
		domain := "example.org"
		if i%3 == 0 {
			domain = "other.net"
		}
		c := NewCapture(fmt.Sprintf("cap-%02d", i), fmt.Sprintf("https://%s/%d", domain, i), base.Add(time.Duration(i)*time.Minute))
		c.Metadata.TotalSizeBytes = int64(100 - i)
		c.Metadata.Title = fmt.Sprintf("Page %d", i)
		if i == 5 {
			c.Metadata.SearchText = "a unique needle here"
			c.Tags = []string{"starred"}
		}
		require.NoError(t, store.CreateCapture(ctx, c))
	}

	page, err := store.ListCaptures(ctx, archive.CaptureQuery{})
	require.NoError(t, err)
	assert.Equal(t, 12, page.Total)
	require.Len(t, page.Captures, archive.DefaultPageSize)
	assert.Equal(t, "cap-11", page.Captures[0].ID)

	page, err = store.ListCaptures(ctx, archive.CaptureQuery{Page: 2})
	require.NoError(t, err)
	require.Len(t, page.Captures, 2)
	assert.Equal(t, "cap-00", page.Captures[1].ID)

	page, err = store.ListCaptures(ctx, archive.CaptureQuery{Sort: archive.SortOldest, PageSize: 3})
	require.NoError(t, err)
	assert.Equal(t, "cap-00", page.Captures[0].ID)

	page, err = store.ListCaptures(ctx, archive.CaptureQuery{Sort: archive.SortSize, PageSize: 1})
	require.NoError(t, err)
	assert.Equal(t, "cap-00", page.Captures[0].ID)

	page, err = store.ListCaptures(ctx, archive.CaptureQuery{Domain: "other.net"})
	require.NoError(t, err)
	assert.Equal(t, 4, page.Total)

	page, err = store.ListCaptures(ctx, archive.CaptureQuery{Q: "NEEDLE"})
	require.NoError(t, err)
	require.Equal(t, 1, page.Total)
	assert.Equal(t, "cap-05", page.Captures[0].ID)

	page, err = store.ListCaptures(ctx, archive.CaptureQuery{Tag: "starred"})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)

	page, err = store.ListCaptures(ctx, archive.CaptureQuery{URL: "https://example.org/4"})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)

	page, err = store.ListCaptures(ctx, archive.CaptureQuery{Status: archive.StatusSuccess})
	require.NoError(t, err)
	assert.Equal(t, 0, page.Total)
	assert.Empty(t, page.Captures)
}

func testArtifacts(t *testing.T, store archive.Store) {
	ctx := context.Background()
	require.NoError(t, store.CreateCapture(ctx, NewCapture("cap-a", "https://example.org", base)))
	require.NoError(t, store.CreateCapture(ctx, NewCapture("cap-b", "https://example.org", base)))

	kinds := []archive.Kind{archive.KindHTML, archive.KindScreenshot, archive.KindWARC}
	for i, kind := range kinds {
		for _, capID := range []string{"cap-a", "cap-b"} {
			require.NoError(t, store.AddArtifact(ctx, archive.Artifact{
				ID:        fmt.Sprintf("art-%s-%d", capID, i),
				CaptureID: capID,
				Kind:      kind,
				Path:      capID + "/" + kind.FileName(),
				SHA256:    "abc",
				SizeBytes: 10,
				CreatedAt: base,
			}))
		}
	}
	dup := archive.Artifact{ID: "art-dup", CaptureID: "cap-a", Kind: archive.KindHTML, Path: "p", CreatedAt: base}
	require.Error(t, store.AddArtifact(ctx, dup))

	arts, err := store.ListArtifacts(ctx, archive.ArtifactQuery{CaptureID: "cap-a"})
	require.NoError(t, err)
	require.Len(t, arts, 3)

	var walked []string
	after := ""
	for {
		batch, err := store.ListArtifacts(ctx, archive.ArtifactQuery{AfterID: after, Limit: 4})
		require.NoError(t, err)
		if len(batch) == 0 {
			break
		}
		for _, a := range batch {
			walked = append(walked, a.ID)
		}
		after = batch[len(batch)-1].ID
	}
	assert.Len(t, walked, 6)
	assert.IsIncreasing(t, walked)
}

func testIntegrityLogs(t *testing.T, store archive.Store) {
	ctx := context.Background()
	for i, outcome := range []archive.IntegrityOutcome{archive.IntegrityOK, archive.IntegrityMismatch, archive.IntegrityOK} {
		require.NoError(t, store.AppendIntegrityLog(ctx, archive.IntegrityLog{
			ID:         fmt.Sprintf("log-%d", i),
			ArtifactID: "art-1",
			CheckedAt:  base.Add(time.Duration(i) * time.Hour),
			Outcome:    outcome,
			Checksum:   "sum",
		}))
	}
	require.NoError(t, store.AppendIntegrityLog(ctx, archive.IntegrityLog{
		ID: "log-9", ArtifactID: "art-2", CheckedAt: base, Outcome: archive.IntegrityMissing, Detail: "gone",
	}))

	logs, err := store.ListIntegrityLogs(ctx, "art-1", 0)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, "log-2", logs[0].ID)

	logs, err = store.ListIntegrityLogs(ctx, "art-1", 1)
	require.NoError(t, err)
	require.Len(t, logs, 1)

	logs, err = store.ListIntegrityLogs(ctx, "art-2", 5)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, archive.IntegrityMissing, logs[0].Outcome)
	assert.Equal(t, "gone", logs[0].Detail)
}

func testSchedules(t *testing.T, store archive.Store) {
	ctx := context.Background()
	due := &archive.Schedule{ID: "sch-1", URL: "https://example.org", IntervalHours: 24, NextRunAt: base, Enabled: true, CreatedAt: base}
	later := &archive.Schedule{ID: "sch-2", URL: "https://example.net", IntervalHours: 1, NextRunAt: base.Add(time.Hour), Enabled: true, CreatedAt: base}
	off := &archive.Schedule{ID: "sch-3", URL: "https://example.com", IntervalHours: 1, NextRunAt: base, Enabled: false, CreatedAt: base}
	for _, s := range []*archive.Schedule{due, later, off} {
		require.NoError(t, store.CreateSchedule(ctx, s))
	}

	list, err := store.ListSchedules(ctx, archive.ScheduleQuery{DueBefore: base.Add(time.Minute), EnabledOnly: true})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "sch-1", list[0].ID)

	all, err := store.ListSchedules(ctx, archive.ScheduleQuery{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	ok, err := store.AdvanceSchedule(ctx, "sch-1", base, base.Add(24*time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.AdvanceSchedule(ctx, "sch-1", base, base.Add(48*time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := store.GetSchedule(ctx, "sch-1")
	require.NoError(t, err)
	assert.True(t, got.NextRunAt.Equal(base.Add(24*time.Hour)))

	require.NoError(t, store.SetScheduleEnabled(ctx, "sch-3", true))
	got, err = store.GetSchedule(ctx, "sch-3")
	require.NoError(t, err)
	assert.True(t, got.Enabled)

	_, err = store.GetSchedule(ctx, "missing")
	require.ErrorIs(t, err, archive.ErrNotFound)
	require.ErrorIs(t, store.SetScheduleEnabled(ctx, "missing", true), archive.ErrNotFound)
}

func testSettingsAndEvents(t *testing.T, store archive.Store) {
	ctx := context.Background()
	_, err := store.GetSettings(ctx)
	require.ErrorIs(t, err, archive.ErrNotFound)

	settings := archive.DefaultSettings()
	settings.BlockedDomains = []string{"blocked.example"}
	settings.UpdatedAt = base
	require.NoError(t, store.SaveSettings(ctx, settings))
	settings.MaxConcurrent = 4
	require.NoError(t, store.SaveSettings(ctx, settings))

	got, err := store.GetSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, got.MaxConcurrent)
	assert.Equal(t, []string{"blocked.example"}, got.BlockedDomains)
	assert.Equal(t, settings.RequiredKinds, got.RequiredKinds)

	events := []archive.CaptureEvent{
		{CaptureID: "cap-1", Phase: archive.PhaseQueued, At: base},
		{CaptureID: "cap-2", Phase: archive.PhaseQueued, At: base},
		{CaptureID: "cap-1", Phase: archive.PhaseRunning, Message: "attempt 1", At: base.Add(time.Second)},
	}
	require.NoError(t, store.AppendEvents(ctx, events))
	got1, err := store.ListEvents(ctx, "cap-1")
	require.NoError(t, err)
	require.Len(t, got1, 2)
	assert.Equal(t, archive.PhaseRunning, got1[1].Phase)
	assert.Equal(t, "attempt 1", got1[1].Message)
}

func testStatsAndSnapshot(t *testing.T, store archive.Store) {
	ctx := context.Background()
	old := NewCapture("cap-old", "https://example.org/1", base.Add(-30*24*time.Hour))
	old.Metadata.TotalSizeBytes = 100
	recent := NewCapture("cap-new", "https://example.net/1", base)
	recent.Metadata.TotalSizeBytes = 50
	require.NoError(t, store.CreateCapture(ctx, old))
	require.NoError(t, store.CreateCapture(ctx, recent))
	require.NoError(t, store.SaveSettings(ctx, archive.DefaultSettings()))

	stats, err := store.Stats(ctx, base.Add(-7*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, archive.Stats{Captures: 2, TotalBytes: 150, Domains: 2, Recent: 1}, stats)

	snap, err := store.Snapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, snap.Captures, 2)
	assert.Equal(t, 2, snap.Settings.MaxConcurrent)
	assert.False(t, snap.TakenAt.IsZero())
}

func testDeleteCapture(t *testing.T, store archive.Store) {
	ctx := context.Background()
	for _, id := range []string{"cap-old", "cap-new"} {
		require.NoError(t, store.CreateCapture(ctx, NewCapture(id, "https://example.org/same", base)))
		require.NoError(t, store.AddArtifact(ctx, archive.Artifact{
			ID:        "art-" + id,
			CaptureID: id,
			Kind:      archive.KindHTML,
			Path:      id + "/" + archive.KindHTML.FileName(),
			SHA256:    "abc",
			SizeBytes: 10,
			CreatedAt: base,
		}))
		require.NoError(t, store.AppendIntegrityLog(ctx, archive.IntegrityLog{
			ID: "log-" + id, ArtifactID: "art-" + id, CheckedAt: base, Outcome: archive.IntegrityOK,
		}))
		require.NoError(t, store.AppendEvents(ctx, []archive.CaptureEvent{
			{CaptureID: id, Phase: archive.PhaseQueued, At: base},
		}))
	}
	require.NoError(t, store.SetTags(ctx, "cap-old", []string{"keep"}))

	_, err := store.ClaimCapture(ctx, "cap-old", base)
	require.NoError(t, err)
	_, err = store.DeleteCapture(ctx, "cap-old")
	require.ErrorIs(t, err, archive.ErrConflict)
	require.NoError(t, store.FinishCapture(ctx, "cap-old", archive.Outcome{Status: archive.StatusSuccess, FinishedAt: base}))

	removed, err := store.DeleteCapture(ctx, "cap-old")
	require.NoError(t, err)
	require.Len(t, removed, 1)
	assert.Equal(t, "art-cap-old", removed[0].ID)

	_, err = store.GetCapture(ctx, "cap-old")
	require.ErrorIs(t, err, archive.ErrNotFound)
	_, err = store.DeleteCapture(ctx, "cap-old")
	require.ErrorIs(t, err, archive.ErrNotFound)
	arts, err := store.ListArtifacts(ctx, archive.ArtifactQuery{CaptureID: "cap-old"})
	require.NoError(t, err)
	assert.Empty(t, arts)
	logs, err := store.ListIntegrityLogs(ctx, "art-cap-old", 0)
	require.NoError(t, err)
	assert.Empty(t, logs)
	events, err := store.ListEvents(ctx, "cap-old")
	require.NoError(t, err)
	assert.Empty(t, events)

	other, err := store.GetCapture(ctx, "cap-new")
	require.NoError(t, err)
	assert.Equal(t, archive.StatusQueued, other.Status)
	arts, err = store.ListArtifacts(ctx, archive.ArtifactQuery{CaptureID: "cap-new"})
	require.NoError(t, err)
	assert.Len(t, arts, 1)
	logs, err = store.ListIntegrityLogs(ctx, "art-cap-new", 0)
	require.NoError(t, err)
	assert.Len(t, logs, 1)
	events, err = store.ListEvents(ctx, "cap-new")
	require.NoError(t, err)
	assert.Len(t, events, 1)
	page, err := store.ListCaptures(ctx, archive.CaptureQuery{URL: "https://example.org/same"})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
}
