package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/parker/internal/archive"
)

var captureCols = []string{
	"id", "url", "status", "reason", "attempt_count", "max_attempts", "include_pdf", "cookies", "headers", "tags",
	"title", "description", "domain", "http_status", "total_size_bytes", "search_text", "schedule_id",
	"created_at", "started_at", "finished_at",
}

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewWithPool(mock)
	require.NoError(t, err)
	return store, mock
}

func TestNewWithPoolRequiresPool(t *testing.T) {
	t.Parallel()

	_, err := NewWithPool(nil)
	require.Error(t, err)
}

func TestCreateCaptureInsertsRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	c := &archive.Capture{
		ID:          "cap-1",
		URL:         "https://example.org",
		Status:      archive.StatusQueued,
		MaxAttempts: 3,
		Tags:        []string{"b", "a"},
		Metadata:    archive.Metadata{Domain: "example.org"},
		CreatedAt:   now,
	}
	mock.ExpectExec("INSERT INTO captures").
		WithArgs(
			"cap-1", "https://example.org", "queued", "", 0, 3, false,
			[]byte("[]"), []byte("{}"), []string{"a", "b"},
			"", "", "example.org", 0, int64(0), "", "",
			now, (*time.Time)(nil), (*time.Time)(nil),
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.CreateCapture(context.Background(), c))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimCaptureReturnsRunningRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	started := now
	mock.ExpectQuery("UPDATE captures").
		WithArgs("cap-1", now).
		WillReturnRows(pgxmock.NewRows(captureCols).AddRow(
			"cap-1", "https://example.org", "running", "", 1, 3, false,
			[]byte(`[{"name":"session","value":"abc"}]`), []byte(`{"Accept":"text/html"}`), []string{"news"},
			"", "", "example.org", 0, int64(0), "", "",
			now, &started, (*time.Time)(nil),
		))

	got, err := store.ClaimCapture(context.Background(), "cap-1", now)
	require.NoError(t, err)
	assert.Equal(t, archive.StatusRunning, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
	require.Len(t, got.Cookies, 1)
	assert.Equal(t, "session", got.Cookies[0].Name)
	assert.Equal(t, "text/html", got.Headers["Accept"])
	assert.Equal(t, []string{"news"}, got.Tags)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimCaptureExplainsMiss(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		status   string
		attempts int
		want     error
	}{
		{"exhausted", "queued", 3, archive.ErrAttemptsExhausted},
		{"already running", "running", 1, archive.ErrConflict},
		{"terminal", "success", 1, archive.ErrConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			store, mock := newMockStore(t)
			now := time.Unix(1700000000, 0).UTC()
			mock.ExpectQuery("UPDATE captures").WithArgs("cap-1", now).WillReturnError(pgx.ErrNoRows)
			mock.ExpectQuery("SELECT status, attempt_count, max_attempts FROM captures").
				WithArgs("cap-1").
				WillReturnRows(pgxmock.NewRows([]string{"status", "attempt_count", "max_attempts"}).
					AddRow(tc.status, tc.attempts, 3))

			_, err := store.ClaimCapture(context.Background(), "cap-1", now)
			require.ErrorIs(t, err, tc.want)
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestClaimCaptureNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	mock.ExpectQuery("UPDATE captures").WithArgs("nope", now).WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("SELECT status, attempt_count, max_attempts FROM captures").
		WithArgs("nope").
		WillReturnError(pgx.ErrNoRows)

	_, err := store.ClaimCapture(context.Background(), "nope", now)
	require.ErrorIs(t, err, archive.ErrNotFound)
}

func TestFinishCaptureGuardsSourceStatus(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	mock.ExpectExec("UPDATE captures SET status").
		WithArgs("cap-1", "success", "", now, []string{"running"}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT status, attempt_count, max_attempts FROM captures").
		WithArgs("cap-1").
		WillReturnRows(pgxmock.NewRows([]string{"status", "attempt_count", "max_attempts"}).AddRow("failed", 3, 3))

	err := store.FinishCapture(context.Background(), "cap-1", archive.Outcome{Status: archive.StatusSuccess, FinishedAt: now})
	require.ErrorIs(t, err, archive.ErrConflict)

	err = store.FinishCapture(context.Background(), "cap-1", archive.Outcome{Status: archive.StatusQueued})
	require.ErrorIs(t, err, archive.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRequeueCapture(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("UPDATE captures SET status = 'queued'").
		WithArgs("cap-1", "render timeout", []string{"running"}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.RequeueCapture(context.Background(), "cap-1", "render timeout"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAdvanceScheduleCompareAndSet(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	from := time.Unix(1700000000, 0).UTC()
	to := from.Add(24 * time.Hour)

	mock.ExpectExec("UPDATE schedules SET next_run_at").
		WithArgs("sch-1", from, to).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	ok, err := store.AdvanceSchedule(context.Background(), "sch-1", from, to)
	require.NoError(t, err)
	assert.True(t, ok)

	mock.ExpectExec("UPDATE schedules SET next_run_at").
		WithArgs("sch-1", from, to).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT id, url, interval_hours").
		WithArgs("sch-1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "url", "interval_hours", "next_run_at", "enabled", "created_at"}).
			AddRow("sch-1", "https://example.org", 24, to, true, from))
	ok, err = store.AdvanceSchedule(context.Background(), "sch-1", from, to)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListCapturesBuildsFilters(t *testing.T) {
	t.Parallel()

	where, args := buildCaptureFilter(archive.CaptureQuery{Domain: "example.org", Tag: "news", Q: "50%"})
	assert.Equal(t, " WHERE LOWER(domain) = LOWER($1) AND $2 = ANY(tags) AND "+
		"(url ILIKE $3 OR title ILIKE $3 OR description ILIKE $3 OR search_text ILIKE $3)", where)
	assert.Equal(t, []any{"example.org", "news", `%50\%%`}, args)

	where, args = buildCaptureFilter(archive.CaptureQuery{})
	assert.Empty(t, where)
	assert.Empty(t, args)

	store, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM captures WHERE`).
		WithArgs("done", "success").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery("SELECT id, url").
		WithArgs("done", "success", 10, 0).
		WillReturnRows(pgxmock.NewRows(captureCols))

	page, err := store.ListCaptures(context.Background(), archive.CaptureQuery{Tag: "done", Status: archive.StatusSuccess})
	require.NoError(t, err)
	assert.Equal(t, 0, page.Total)
	assert.Empty(t, page.Captures)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendEventsUsesCopy(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	mock.ExpectCopyFrom(pgx.Identifier{"capture_events"}, []string{"capture_id", "phase", "message", "at"}).
		WillReturnResult(2)

	err := store.AppendEvents(context.Background(), []archive.CaptureEvent{
		{CaptureID: "cap-1", Phase: archive.PhaseQueued, At: now},
		{CaptureID: "cap-1", Phase: archive.PhaseRunning, At: now},
	})
	require.NoError(t, err)
	require.NoError(t, store.AppendEvents(context.Background(), nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStats(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	since := time.Unix(1700000000, 0).UTC()
	mock.ExpectQuery(`SELECT COUNT\(\*\),`).
		WithArgs(since).
		WillReturnRows(pgxmock.NewRows([]string{"count", "sum", "domains", "recent"}).AddRow(2, int64(150), 2, 1))

	stats, err := store.Stats(context.Background(), since)
	require.NoError(t, err)
	assert.Equal(t, archive.Stats{Captures: 2, TotalBytes: 150, Domains: 2, Recent: 1}, stats)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSettingsNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT data FROM settings").WillReturnError(pgx.ErrNoRows)

	_, err := store.GetSettings(context.Background())
	require.ErrorIs(t, err, archive.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveSettingsUpserts(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	settings := archive.DefaultSettings()
	mock.ExpectExec("INSERT INTO settings").
		WithArgs(pgxmock.AnyArg(), settings.UpdatedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.SaveSettings(context.Background(), settings))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteCaptureRemovesDependentRows(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status FROM captures").
		WithArgs("cap-1").
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("success"))
	mock.ExpectExec("DELETE FROM integrity_logs").
		WithArgs("cap-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 2))
	mock.ExpectQuery("DELETE FROM artifacts").
		WithArgs("cap-1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "capture_id", "kind", "path", "sha256", "size_bytes", "created_at"}).
			AddRow("art-2", "cap-1", "screenshot", "cap-1/screenshot.png", "bb", int64(20), now).
			AddRow("art-1", "cap-1", "html", "cap-1/snapshot.html", "aa", int64(10), now))
	mock.ExpectExec("DELETE FROM capture_events").
		WithArgs("cap-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 5))
	mock.ExpectExec("DELETE FROM captures").
		WithArgs("cap-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectCommit()

	removed, err := store.DeleteCapture(context.Background(), "cap-1")
	require.NoError(t, err)
	require.Len(t, removed, 2)
	assert.Equal(t, "art-1", removed[0].ID)
	assert.Equal(t, archive.KindHTML, removed[0].Kind)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteCaptureRefusesRunning(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status FROM captures").
		WithArgs("cap-1").
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("running"))
	mock.ExpectRollback()

	_, err := store.DeleteCapture(context.Background(), "cap-1")
	require.ErrorIs(t, err, archive.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteCaptureNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status FROM captures").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	_, err := store.DeleteCapture(context.Background(), "missing")
	require.ErrorIs(t, err, archive.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
