package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/parker/internal/archive"
	"github.com/JakeFAU/parker/internal/clock/system"
	"github.com/JakeFAU/parker/internal/pipeline"
	"github.com/JakeFAU/parker/internal/progress"
	memqueue "github.com/JakeFAU/parker/internal/queue/memory"
	"github.com/JakeFAU/parker/internal/retry"
	"github.com/JakeFAU/parker/internal/storage/memory"
)

type runFunc func(ctx context.Context, c archive.Capture) (pipeline.Result, error)

type fakeRunner struct {
	calls atomic.Int32
	fn    runFunc
}

func (f *fakeRunner) Run(ctx context.Context, c archive.Capture, _ archive.Settings) (pipeline.Result, error) {
	f.calls.Add(1)
	return f.fn(ctx, c)
}

type staticSettings struct{ s archive.Settings }

func (s staticSettings) Settings() archive.Settings { return s.s }

type recordingPublisher struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingPublisher) Publish(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingPublisher) phases(id string) []archive.Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []archive.Phase
	for _, e := range r.events {
		if e.CaptureID == id {
			out = append(out, e.Phase)
		}
	}
	return out
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []archive.Notification
}

func (n *recordingNotifier) Publish(_ context.Context, _ string, payload any) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, payload.(archive.Notification))
	return "msg", nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

type harness struct {
	store    *memory.RecordStore
	queue    *memqueue.Queue
	runner   *fakeRunner
	events   *recordingPublisher
	notifier *recordingNotifier
	pool     *Pool
}

func newHarness(t *testing.T, settings archive.Settings, fn runFunc) *harness {
	t.Helper()
	h := &harness{
		store:    memory.NewRecordStore(),
		queue:    memqueue.NewQueue(),
		runner:   &fakeRunner{fn: fn},
		events:   &recordingPublisher{},
		notifier: &recordingNotifier{},
	}
	policy := retry.NewPolicy(retry.Config{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond})
	h.pool = New(
		Config{NotifyTopic: "captures"},
		h.store, h.queue, h.runner, policy,
		staticSettings{s: settings},
		h.events, h.notifier, system.New(), zap.NewNop(),
	)
	return h
}

func (h *harness) create(t *testing.T, id string, maxAttempts int) {
	t.Helper()
	require.NoError(t, h.store.CreateCapture(context.Background(), &archive.Capture{
		ID:          id,
		URL:         "https://example.org/" + id,
		Status:      archive.StatusQueued,
		MaxAttempts: maxAttempts,
		Tags:        []string{},
		CreatedAt:   time.Now().UTC(),
	}))
}

// start runs the pool until the test ends and returns a stop func that waits for Run.
func (h *harness) start(t *testing.T) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.pool.Run(ctx) }()
	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			select {
			case err := <-done:
				require.NoError(t, err)
			case <-time.After(5 * time.Second):
				t.Fatal("pool did not stop")
			}
		})
	}
	t.Cleanup(stop)
	return stop
}

func (h *harness) waitStatus(t *testing.T, id string, want archive.Status) archive.Capture {
	t.Helper()
	var got archive.Capture
	require.Eventually(t, func() bool {
		c, err := h.store.GetCapture(context.Background(), id)
		if err != nil {
			return false
		}
		got = c
		return c.Status == want
	}, 3*time.Second, 5*time.Millisecond)
	return got
}

func succeed(context.Context, archive.Capture) (pipeline.Result, error) {
	return pipeline.Result{Status: archive.StatusSuccess}, nil
}

func TestPoolRunsCaptureToSuccess(t *testing.T) {
	t.Parallel()
	h := newHarness(t, archive.DefaultSettings(), succeed)
	h.create(t, "cap-1", 3)
	h.start(t)

	require.NoError(t, h.pool.Enqueue(context.Background(), "cap-1"))
	c := h.waitStatus(t, "cap-1", archive.StatusSuccess)
	assert.Equal(t, 1, c.AttemptCount)
	require.NotNil(t, c.FinishedAt)

	require.Eventually(t, func() bool { return h.notifier.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []archive.Phase{archive.PhaseRunning, archive.PhaseSuccess}, h.events.phases("cap-1"))
}

func TestPoolRecoversQueuedCapturesOnStart(t *testing.T) {
	t.Parallel()
	h := newHarness(t, archive.DefaultSettings(), succeed)
	h.create(t, "cap-1", 3)
	h.create(t, "cap-2", 3)
	h.start(t)

	h.waitStatus(t, "cap-1", archive.StatusSuccess)
	h.waitStatus(t, "cap-2", archive.StatusSuccess)
}

func TestPoolRetriesThenSucceeds(t *testing.T) {
	t.Parallel()
	h := newHarness(t, archive.DefaultSettings(), func(_ context.Context, c archive.Capture) (pipeline.Result, error) {
		if c.AttemptCount == 1 {
			return pipeline.Result{}, archive.NewRenderError(archive.RenderTimeout, errors.New("slow page"))
		}
		return pipeline.Result{Status: archive.StatusSuccess}, nil
	})
	h.create(t, "cap-1", 3)
	h.start(t)

	c := h.waitStatus(t, "cap-1", archive.StatusSuccess)
	assert.Equal(t, 2, c.AttemptCount)
	assert.Equal(t, int32(2), h.runner.calls.Load())
	assert.Equal(t, []archive.Phase{
		archive.PhaseRunning, archive.PhaseFailed, archive.PhaseQueued,
		archive.PhaseRunning, archive.PhaseSuccess,
	}, h.events.phases("cap-1"))
}

func TestPoolFailsWhenAttemptsExhausted(t *testing.T) {
	t.Parallel()
	h := newHarness(t, archive.DefaultSettings(), func(context.Context, archive.Capture) (pipeline.Result, error) {
		return pipeline.Result{}, archive.NewRenderError(archive.RenderNavigation, errors.New("connection reset"))
	})
	h.create(t, "cap-1", 2)
	h.start(t)

	c := h.waitStatus(t, "cap-1", archive.StatusFailed)
	assert.Equal(t, 2, c.AttemptCount)
	assert.Contains(t, c.Reason, "attempts exhausted")
	assert.Contains(t, c.Reason, "connection reset")
	assert.Equal(t, int32(2), h.runner.calls.Load())
	assert.Equal(t, 0, h.pool.PendingRetries())
}

func TestPoolBlockedDomainIsFatal(t *testing.T) {
	t.Parallel()
	settings := archive.DefaultSettings()
	settings.BlockedDomains = []string{"example.org"}
	h := newHarness(t, settings, succeed)
	h.create(t, "cap-1", 3)
	h.start(t)

	c := h.waitStatus(t, "cap-1", archive.StatusFailed)
	assert.Equal(t, 1, c.AttemptCount)
	assert.Contains(t, c.Reason, "blocked")
	assert.Zero(t, h.runner.calls.Load())
}

func TestPoolStorageOverLimitIsFatal(t *testing.T) {
	t.Parallel()
	h := newHarness(t, archive.DefaultSettings(), func(context.Context, archive.Capture) (pipeline.Result, error) {
		return pipeline.Result{}, archive.ErrStorageOverLimit
	})
	h.create(t, "cap-1", 3)
	h.start(t)

	c := h.waitStatus(t, "cap-1", archive.StatusFailed)
	assert.Equal(t, 1, c.AttemptCount)
	assert.Equal(t, int32(1), h.runner.calls.Load())
}

func TestPoolRecoversFromPanics(t *testing.T) {
	t.Parallel()
	h := newHarness(t, archive.DefaultSettings(), func(context.Context, archive.Capture) (pipeline.Result, error) {
		panic("renderer exploded")
	})
	h.create(t, "cap-1", 1)
	h.start(t)

	c := h.waitStatus(t, "cap-1", archive.StatusFailed)
	assert.Contains(t, c.Reason, "crash")
	assert.Equal(t, 0, h.pool.Running())
}

func TestPoolShutdownRequeuesRunningCapture(t *testing.T) {
	t.Parallel()
	started := make(chan struct{})
	h := newHarness(t, archive.DefaultSettings(), func(ctx context.Context, _ archive.Capture) (pipeline.Result, error) {
		close(started)
		<-ctx.Done()
		return pipeline.Result{}, ctx.Err()
	})
	h.create(t, "cap-1", 3)
	stop := h.start(t)

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("capture never started")
	}
	stop()

	c, err := h.store.GetCapture(context.Background(), "cap-1")
	require.NoError(t, err)
	assert.Equal(t, archive.StatusQueued, c.Status)
	assert.Equal(t, 1, c.AttemptCount)
	assert.Equal(t, "interrupted by shutdown", c.Reason)
}

func TestPoolRecoverOrphanedRunningCaptures(t *testing.T) {
	t.Parallel()
	h := newHarness(t, archive.DefaultSettings(), succeed)
	ctx := context.Background()
	h.create(t, "retry-me", 3)
	h.create(t, "spent", 1)
	_, err := h.store.ClaimCapture(ctx, "retry-me", time.Now())
	require.NoError(t, err)
	_, err = h.store.ClaimCapture(ctx, "spent", time.Now())
	require.NoError(t, err)

	n, err := h.pool.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, h.queue.Len())

	spent, err := h.store.GetCapture(ctx, "spent")
	require.NoError(t, err)
	assert.Equal(t, archive.StatusFailed, spent.Status)
	assert.Contains(t, spent.Reason, "interrupted by restart")

	requeued, err := h.store.GetCapture(ctx, "retry-me")
	require.NoError(t, err)
	assert.Equal(t, archive.StatusQueued, requeued.Status)
	assert.Equal(t, 1, requeued.AttemptCount)
}

func TestPoolResizeRaisesConcurrency(t *testing.T) {
	t.Parallel()
	var running, peak atomic.Int32
	release := make(chan struct{})
	settings := archive.DefaultSettings()
	settings.MaxConcurrent = 2
	h := newHarness(t, settings, func(context.Context, archive.Capture) (pipeline.Result, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		running.Add(-1)
		return pipeline.Result{Status: archive.StatusSuccess}, nil
	})
	ids := []string{"a", "b", "c", "d", "e"}
	for _, id := range ids {
		h.create(t, id, 3)
	}
	h.start(t)

	require.Eventually(t, func() bool {
		return running.Load() == 2 && h.pool.QueueDepth() == 3
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, h.pool.Running())

	h.pool.Resize(3)
	require.Eventually(t, func() bool { return running.Load() == 3 }, 2*time.Second, 5*time.Millisecond)

	close(release)
	for _, id := range ids {
		h.waitStatus(t, id, archive.StatusSuccess)
	}
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestPoolSkipsCapturesThatAreNotQueued(t *testing.T) {
	t.Parallel()
	h := newHarness(t, archive.DefaultSettings(), succeed)
	h.start(t)

	require.NoError(t, h.pool.Enqueue(context.Background(), "missing"))
	require.Eventually(t, func() bool { return h.pool.QueueDepth() == 0 && h.pool.Running() == 0 },
		time.Second, 5*time.Millisecond)
	assert.Zero(t, h.runner.calls.Load())
}
