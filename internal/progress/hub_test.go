package progress

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/parker/internal/archive"
)

// TestHubBatchBySize verifies the hub flushes immediately once the batch size limit is reached.
func TestHubBatchBySize(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     8,
		MaxBatchEvents: 2,
		MaxBatchWait:   time.Minute,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	evt := sampleEvent(archive.PhaseRunning)
	hub.Emit(evt)
	hub.Emit(evt)
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1 && len(sink.Batches()[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

// TestHubBatchByTimer verifies the timer-based flush kicks in when the batch is small.
func TestHubBatchByTimer(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 10,
		MaxBatchWait:   25 * time.Millisecond,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent(archive.PhaseQueued))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
}

// TestHubEmitNonBlockingWithoutConsumers asserts Emit never blocks callers, even without sinks.
func TestHubEmitNonBlockingWithoutConsumers(t *testing.T) {
	t.Parallel()

	hub := &Hub{
		cfg:    Config{},
		events: make(chan Event),
		logger: zap.NewNop(),
	}
	start := time.Now()
	hub.Emit(sampleEvent(archive.PhaseQueued))
	require.Less(t, time.Since(start), 50*time.Millisecond)
	require.Equal(t, 1, hub.Backlog())
}

// TestHubKeepsEventsWhenBufferFull ensures a slow sink still receives every
// event in emit order once it catches up.
func TestHubKeepsEventsWhenBufferFull(t *testing.T) {
	t.Parallel()

	sink := &gatedSink{stubSink: newStubSink(), gate: make(chan struct{})}
	hub := NewHub(Config{
		BufferSize:     1,
		MaxBatchEvents: 1,
		MaxBatchWait:   time.Minute,
	}, sink)

	const total = 50
	for i := range total {
		evt := sampleEvent(archive.PhaseRunning)
		evt.Attempt = i + 1
		hub.Emit(evt)
	}
	require.Positive(t, hub.Backlog())

	close(sink.gate)
	require.NoError(t, hub.Close(context.Background()))
	require.Zero(t, hub.Backlog())

	var got []int
	for _, batch := range sink.Batches() {
		for _, evt := range batch {
			got = append(got, evt.Attempt)
		}
	}
	require.Len(t, got, total)
	for i, attempt := range got {
		require.Equal(t, i+1, attempt)
	}
}

// TestHubRetriesDurableSink ensures a durable sink gets a failed batch again.
func TestHubRetriesDurableSink(t *testing.T) {
	t.Parallel()

	sink := &flakySink{stubSink: newStubSink(), failures: 2, durable: true}
	hub := NewHub(Config{MaxBatchEvents: 1, DurableAttempts: 3}, sink)
	hub.Emit(sampleEvent(archive.PhaseQueued))
	require.NoError(t, hub.Close(context.Background()))

	require.Equal(t, 3, sink.Calls())
	require.Len(t, sink.Batches(), 1)
}

// TestHubDoesNotRetryOrdinarySink ensures best-effort sinks see a batch once.
func TestHubDoesNotRetryOrdinarySink(t *testing.T) {
	t.Parallel()

	sink := &flakySink{stubSink: newStubSink(), failures: 1}
	hub := NewHub(Config{MaxBatchEvents: 1}, sink)
	hub.Emit(sampleEvent(archive.PhaseQueued))
	require.NoError(t, hub.Close(context.Background()))

	require.Equal(t, 1, sink.Calls())
	require.Empty(t, sink.Batches())
}

// TestHubIgnoresEmitAfterClose ensures late events are discarded.
func TestHubIgnoresEmitAfterClose(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{MaxBatchEvents: 1}, sink)
	require.NoError(t, hub.Close(context.Background()))
	hub.Emit(sampleEvent(archive.PhaseQueued))
	require.Empty(t, sink.Batches())
	require.Zero(t, hub.Backlog())
}

// TestHubDropsInvalidEvents ensures events without a capture id never reach sinks.
func TestHubDropsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{MaxBatchEvents: 1}, sink)
	hub.Emit(Event{Phase: archive.PhaseQueued, At: time.Now()})
	hub.Emit(Event{CaptureID: "cap-1", Phase: "bogus", At: time.Now()})
	hub.Emit(Event{CaptureID: "cap-1", Phase: archive.PhaseRunning, At: time.Now(), Final: true})
	require.NoError(t, hub.Close(context.Background()))
	require.Empty(t, sink.Batches())
}

// TestHubFlushOnClose ensures Close drains any buffered events before returning.
func TestHubFlushOnClose(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 100,
		MaxBatchWait:   time.Minute,
	}, sink)

	hub.Emit(sampleEvent(archive.PhaseSuccess))

	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
	require.Len(t, sink.Batches()[0], 1)
}

type stubSink struct {
	mu      sync.Mutex
	batches [][]Event
}

func newStubSink() *stubSink {
	return &stubSink{batches: [][]Event{}}
}

func (s *stubSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copyBatch := append([]Event(nil), batch...)
	s.batches = append(s.batches, copyBatch)
	return nil
}

func (s *stubSink) Close(context.Context) error {
	return nil
}

func (s *stubSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]Event, len(s.batches))
	for i, b := range s.batches {
		out[i] = append([]Event(nil), b...)
	}
	return out
}

// gatedSink blocks every Consume until gate is closed.
type gatedSink struct {
	*stubSink
	gate chan struct{}
}

func (s *gatedSink) Consume(ctx context.Context, batch []Event) error {
	<-s.gate
	return s.stubSink.Consume(ctx, batch)
}

// flakySink fails its first failures Consume calls.
type flakySink struct {
	*stubSink
	failures int
	durable  bool
	calls    int
}

func (s *flakySink) Consume(ctx context.Context, batch []Event) error {
	s.mu.Lock()
	s.calls++
	fail := s.calls <= s.failures
	s.mu.Unlock()
	if fail {
		return errors.New("sink unavailable")
	}
	return s.stubSink.Consume(ctx, batch)
}

func (s *flakySink) Durable() bool { return s.durable }

func (s *flakySink) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func sampleEvent(phase archive.Phase) Event {
	return Event{
		CaptureID: "cap-1",
		Phase:     phase,
		At:        time.Now().UTC(),
	}
}
