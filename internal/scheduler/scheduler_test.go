package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/parker/internal/archive"
	"github.com/JakeFAU/parker/internal/storage/memory"
)

var epoch = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type recordingSubmitter struct {
	mu   sync.Mutex
	urls []string
	err  error
}

func (r *recordingSubmitter) SubmitScheduled(_ context.Context, sch archive.Schedule) (archive.Capture, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return archive.Capture{}, r.err
	}
	r.urls = append(r.urls, sch.URL)
	return archive.Capture{ID: "cap-" + sch.ID, URL: sch.URL, ScheduleID: sch.ID}, nil
}

func (r *recordingSubmitter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.urls)
}

func newSchedule(t *testing.T, store *memory.RecordStore, id string, hours int, next time.Time, enabled bool) {
	t.Helper()
	require.NoError(t, store.CreateSchedule(context.Background(), &archive.Schedule{
		ID:            id,
		URL:           "https://example.org/" + id,
		IntervalHours: hours,
		NextRunAt:     next,
		Enabled:       enabled,
		CreatedAt:     epoch,
	}))
}

func TestNextRun(t *testing.T) {
	t.Parallel()
	hour := time.Hour
	tests := []struct {
		name string
		prev time.Time
		now  time.Time
		want time.Time
	}{
		{"on time", epoch, epoch, epoch.Add(hour)},
		{"slightly late", epoch, epoch.Add(10 * time.Minute), epoch.Add(hour)},
		{"exactly one interval late", epoch, epoch.Add(hour), epoch.Add(2 * hour)},
		{"long downtime", epoch, epoch.Add(73*hour + time.Minute), epoch.Add(74 * hour)},
		{"future prev", epoch.Add(5 * hour), epoch, epoch.Add(6 * hour)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := NextRun(tc.prev, hour, tc.now)
			assert.True(t, got.Equal(tc.want), "got %s want %s", got, tc.want)
			assert.True(t, got.After(tc.now))
		})
	}
}

func TestTickSubmitsDueSchedules(t *testing.T) {
	t.Parallel()
	store := memory.NewRecordStore()
	newSchedule(t, store, "due", 24, epoch.Add(-time.Minute), true)
	newSchedule(t, store, "later", 24, epoch.Add(time.Hour), true)
	newSchedule(t, store, "off", 24, epoch.Add(-time.Hour), false)
	sub := &recordingSubmitter{}
	s := New(Config{}, store, sub, &manualClock{now: epoch}, zap.NewNop())

	n, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"https://example.org/due"}, sub.urls)

	got, err := store.GetSchedule(context.Background(), "due")
	require.NoError(t, err)
	assert.True(t, got.NextRunAt.Equal(epoch.Add(-time.Minute).Add(24*time.Hour)))

	n, err = s.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTickCatchesUpOnceAfterDowntime(t *testing.T) {
	t.Parallel()
	store := memory.NewRecordStore()
	newSchedule(t, store, "hourly", 1, epoch, true)
	sub := &recordingSubmitter{}
	clock := &manualClock{now: epoch.Add(10*time.Hour + 30*time.Minute)}
	s := New(Config{}, store, sub, clock, zap.NewNop())

	for range 3 {
		_, err := s.Tick(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, 1, sub.count())

	got, err := store.GetSchedule(context.Background(), "hourly")
	require.NoError(t, err)
	assert.True(t, got.NextRunAt.Equal(epoch.Add(11*time.Hour)))
	assert.True(t, got.NextRunAt.After(clock.Now()))

	clock.Set(epoch.Add(11 * time.Hour))
	n, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestTickConcurrentSchedulersSubmitOnce(t *testing.T) {
	t.Parallel()
	store := memory.NewRecordStore()
	newSchedule(t, store, "shared", 6, epoch, true)
	sub := &recordingSubmitter{}
	clock := &manualClock{now: epoch}
	a := New(Config{}, store, sub, clock, nil)
	b := New(Config{}, store, sub, clock, nil)

	var wg sync.WaitGroup
	for _, s := range []*Scheduler{a, b, a, b} {
		wg.Add(1)
		go func(s *Scheduler) {
			defer wg.Done()
			_, _ = s.Tick(context.Background())
		}(s)
	}
	wg.Wait()
	assert.Equal(t, 1, sub.count())
}

func TestTickSubmitErrorStillAdvances(t *testing.T) {
	t.Parallel()
	store := memory.NewRecordStore()
	newSchedule(t, store, "broken", 1, epoch, true)
	s := New(Config{}, store, &recordingSubmitter{err: errors.New("blocked")}, &manualClock{now: epoch}, nil)

	n, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	got, err := store.GetSchedule(context.Background(), "broken")
	require.NoError(t, err)
	assert.True(t, got.NextRunAt.After(epoch))
}

func TestRunTicksImmediatelyAndStops(t *testing.T) {
	t.Parallel()
	store := memory.NewRecordStore()
	newSchedule(t, store, "now", 1, epoch, true)
	sub := &recordingSubmitter{}
	s := New(Config{Tick: time.Hour}, store, sub, &manualClock{now: epoch}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	require.Eventually(t, func() bool { return sub.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
