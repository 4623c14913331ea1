package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/parker/internal/archive"
	"github.com/JakeFAU/parker/internal/clock/system"
	"github.com/JakeFAU/parker/internal/hash/sha256"
	"github.com/JakeFAU/parker/internal/id/uuid"
	"github.com/JakeFAU/parker/internal/pipeline"
	"github.com/JakeFAU/parker/internal/progress"
	memqueue "github.com/JakeFAU/parker/internal/queue/memory"
	"github.com/JakeFAU/parker/internal/retry"
	"github.com/JakeFAU/parker/internal/service"
	"github.com/JakeFAU/parker/internal/storage/local"
	"github.com/JakeFAU/parker/internal/storage/memory"
)

// pageRenderer fails the first failures renders, then returns a page whose
// body names the render number.
type pageRenderer struct {
	failures int32
	renders  atomic.Int32
	hold     chan struct{}
}

func (r *pageRenderer) Render(ctx context.Context, req archive.RenderRequest) (*archive.RenderResult, error) {
	n := r.renders.Add(1)
	if r.hold != nil {
		select {
		case <-r.hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if n <= r.failures {
		return nil, archive.NewRenderError(archive.RenderNavigation, fmt.Errorf("connection reset on render %d", n))
	}
	return &archive.RenderResult{
		HTML:       []byte(fmt.Sprintf("<html><head><title>render %d</title></head><body>page</body></html>", n)),
		Screenshot: []byte(fmt.Sprintf("png-%d", n)),
		WARC:       []byte(fmt.Sprintf("WARC/1.1\r\nrender %d\r\n", n)),
		HTTPStatus: 200,
		FinalURL:   req.URL,
	}, nil
}

type pipelineHarness struct {
	store    *memory.RecordStore
	files    *local.Store
	renderer *pageRenderer
	bus      *progress.Bus
	pool     *Pool
	settings archive.Settings
}

func newPipelineHarness(t *testing.T, settings archive.Settings, renderer *pageRenderer) *pipelineHarness {
	t.Helper()
	store := memory.NewRecordStore()
	files, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	bus := progress.NewBus(progress.BusConfig{Grace: time.Hour}, nil)
	clock := system.New()
	runner := pipeline.New(store, files, renderer, sha256.New(), uuid.New(), clock, bus, zap.NewNop())
	policy := retry.NewPolicy(retry.Config{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond})
	pool := New(Config{}, store, memqueue.NewQueue(), runner, policy,
		staticSettings{s: settings}, bus, nil, clock, zap.NewNop())
	return &pipelineHarness{store: store, files: files, renderer: renderer, bus: bus, pool: pool, settings: settings}
}

func (h *pipelineHarness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.pool.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("pool did not stop")
		}
	})
}

func (h *pipelineHarness) create(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, h.store.CreateCapture(context.Background(), &archive.Capture{
		ID:          id,
		URL:         "https://example.org/" + id,
		Status:      archive.StatusQueued,
		MaxAttempts: h.settings.MaxAttempts,
		Tags:        []string{},
		Metadata:    archive.Metadata{Domain: "example.org"},
		CreatedAt:   time.Now().UTC(),
	}))
}

func (h *pipelineHarness) waitStatus(t *testing.T, id string, want archive.Status) archive.Capture {
	t.Helper()
	var got archive.Capture
	require.Eventually(t, func() bool {
		c, err := h.store.GetCapture(context.Background(), id)
		if err != nil {
			return false
		}
		got = c
		return c.Status == want
	}, 5*time.Second, 5*time.Millisecond)
	return got
}

func captureFiles(t *testing.T, files *local.Store, id string) map[string][]byte {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(files.BaseDir(), id))
	require.NoError(t, err)
	out := make(map[string][]byte, len(entries))
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(files.BaseDir(), id, e.Name()))
		require.NoError(t, err)
		out[e.Name()] = data
	}
	return out
}

func TestPoolPipelineSucceedsOnThirdAttempt(t *testing.T) {
	t.Parallel()
	settings := archive.DefaultSettings()
	settings.MaxAttempts = 3
	h := newPipelineHarness(t, settings, &pageRenderer{failures: 2})
	h.create(t, "cap-1")
	h.start(t)

	c := h.waitStatus(t, "cap-1", archive.StatusSuccess)
	assert.Equal(t, 3, c.AttemptCount)
	assert.Equal(t, int32(3), h.renderer.renders.Load())
	assert.Equal(t, "render 3", c.Metadata.Title)

	arts, err := h.store.ListArtifacts(context.Background(), archive.ArtifactQuery{CaptureID: "cap-1"})
	require.NoError(t, err)
	require.Len(t, arts, len(settings.RequiredKinds))
	kinds := make(map[archive.Kind]int)
	for _, a := range arts {
		kinds[a.Kind]++
	}
	for _, k := range settings.RequiredKinds {
		assert.Equal(t, 1, kinds[k], "kind %s", k)
	}

	onDisk := captureFiles(t, h.files, "cap-1")
	assert.Len(t, onDisk, len(settings.RequiredKinds))
	assert.Equal(t, []byte("png-3"), onDisk[archive.KindScreenshot.FileName()])
}

func TestPoolNeverRunsMoreThanMaxConcurrent(t *testing.T) {
	t.Parallel()
	settings := archive.DefaultSettings()
	settings.MaxConcurrent = 2
	renderer := &pageRenderer{hold: make(chan struct{})}
	h := newPipelineHarness(t, settings, renderer)
	ids := []string{"a", "b", "c", "d", "e"}
	for _, id := range ids {
		h.create(t, id)
	}

	var peak atomic.Int32
	sampling := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		q := archive.CaptureQuery{Status: archive.StatusRunning, PageSize: archive.MaxPageSize}
		for {
			select {
			case <-sampling:
				return
			default:
			}
			page, err := h.store.ListCaptures(context.Background(), q)
			if err == nil && int32(page.Total) > peak.Load() {
				peak.Store(int32(page.Total))
			}
			time.Sleep(time.Millisecond)
		}
	}()

	h.start(t)
	require.Eventually(t, func() bool { return peak.Load() == 2 }, 3*time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return peak.Load() > 2 }, 100*time.Millisecond, 5*time.Millisecond)

	close(renderer.hold)
	for _, id := range ids {
		h.waitStatus(t, id, archive.StatusSuccess)
	}
	close(sampling)
	wg.Wait()
	assert.Equal(t, int32(2), peak.Load())
}

func TestRecaptureLeavesPriorArtifactsUntouched(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	seed := archive.DefaultSettings()
	h := newPipelineHarness(t, seed, &pageRenderer{})
	settings, err := service.LoadSettings(ctx, h.store, seed, system.New())
	require.NoError(t, err)
	svc := service.New(service.Deps{
		Store:    h.store,
		Pool:     h.pool,
		Bus:      h.bus,
		Files:    h.files,
		Settings: settings,
		IDs:      uuid.New(),
		Clock:    system.New(),
	})
	h.start(t)

	first, err := svc.Submit(ctx, service.SubmitRequest{URL: "https://example.org/article"})
	require.NoError(t, err)
	h.waitStatus(t, first.ID, archive.StatusSuccess)
	before, err := h.store.ListArtifacts(ctx, archive.ArtifactQuery{CaptureID: first.ID})
	require.NoError(t, err)
	require.NotEmpty(t, before)
	filesBefore := captureFiles(t, h.files, first.ID)

	second, err := svc.Recapture(ctx, first.ID)
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)
	h.waitStatus(t, second.ID, archive.StatusSuccess)

	after, err := h.store.ListArtifacts(ctx, archive.ArtifactQuery{CaptureID: first.ID})
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, filesBefore, captureFiles(t, h.files, first.ID))

	fresh, err := h.store.ListArtifacts(ctx, archive.ArtifactQuery{CaptureID: second.ID})
	require.NoError(t, err)
	require.Len(t, fresh, len(before))
	for _, a := range fresh {
		assert.Equal(t, second.ID, filepath.Dir(filepath.FromSlash(a.Path)))
	}
	assert.NotEqual(t, filesBefore, captureFiles(t, h.files, second.ID))

	prior, err := h.store.GetCapture(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, archive.StatusSuccess, prior.Status)
	assert.Equal(t, 1, prior.AttemptCount)
}

func TestPoolRunSkipsRecoveryAlreadyDone(t *testing.T) {
	t.Parallel()
	settings := archive.DefaultSettings()
	settings.MaxConcurrent = 1
	renderer := &pageRenderer{hold: make(chan struct{})}
	h := newPipelineHarness(t, settings, renderer)
	h.create(t, "cap-1")

	n, err := h.pool.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	h.start(t)
	h.waitStatus(t, "cap-1", archive.StatusRunning)
	assert.Never(t, func() bool { return h.pool.QueueDepth() > 0 }, 100*time.Millisecond, 5*time.Millisecond)

	close(renderer.hold)
	c := h.waitStatus(t, "cap-1", archive.StatusSuccess)
	assert.Equal(t, 1, c.AttemptCount)
	assert.Equal(t, int32(1), renderer.renders.Load())
}
