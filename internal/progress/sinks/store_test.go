package sinks

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/parker/internal/archive"
	"github.com/JakeFAU/parker/internal/progress"
	"github.com/JakeFAU/parker/internal/storage/memory"
)

// TestStoreSinkPersistsEvents ensures batches land in the event log in order.
func TestStoreSinkPersistsEvents(t *testing.T) {
	t.Parallel()

	store := memory.NewRecordStore()
	sink := NewStoreSink(store, nil)
	now := time.Now().UTC()

	batch := []progress.Event{
		{CaptureID: "cap-1", Phase: archive.PhaseQueued, At: now},
		{CaptureID: "cap-1", Phase: archive.PhaseRunning, At: now.Add(time.Second), Attempt: 1},
		{CaptureID: "cap-2", Phase: archive.PhaseQueued, At: now},
		{CaptureID: "cap-1", Phase: archive.PhaseFailed, At: now.Add(2 * time.Second), Message: "boom", Final: true},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	events, err := store.ListEvents(context.Background(), "cap-1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	require.Equal(t, archive.PhaseQueued, events[0].Phase)
	require.Equal(t, archive.PhaseFailed, events[2].Phase)
	require.Equal(t, "boom", events[2].Message)
}

// TestStoreSinkReceivesEveryEventWhenHubBufferFull ensures a backed up hub
// still lands every event in the capture event log, in order.
func TestStoreSinkReceivesEveryEventWhenHubBufferFull(t *testing.T) {
	t.Parallel()

	store := memory.NewRecordStore()
	sink := &slowStoreSink{StoreSink: NewStoreSink(store, nil), gate: make(chan struct{})}
	hub := progress.NewHub(progress.Config{
		BufferSize:     1,
		MaxBatchEvents: 1,
		MaxBatchWait:   time.Minute,
	}, sink)

	const total = 50
	start := time.Now().UTC()
	for i := range total {
		hub.Emit(progress.Event{
			CaptureID: "cap-1",
			Phase:     archive.PhaseRunning,
			Attempt:   i + 1,
			Message:   fmt.Sprintf("event %d", i+1),
			At:        start.Add(time.Duration(i) * time.Millisecond),
		})
	}
	require.Positive(t, hub.Backlog())

	close(sink.gate)
	require.NoError(t, hub.Close(context.Background()))

	events, err := store.ListEvents(context.Background(), "cap-1")
	require.NoError(t, err)
	require.Len(t, events, total)
	for i, evt := range events {
		require.Equal(t, fmt.Sprintf("event %d", i+1), evt.Message)
	}
}

// TestStoreSinkIsDurable marks the event log for hub retries.
func TestStoreSinkIsDurable(t *testing.T) {
	t.Parallel()

	var sink progress.Sink = NewStoreSink(memory.NewRecordStore(), nil)
	durable, ok := sink.(progress.Durable)
	require.True(t, ok)
	require.True(t, durable.Durable())
}

// TestStoreSinkHandlesErrors surfaces repository failures back to the caller.
func TestStoreSinkHandlesErrors(t *testing.T) {
	t.Parallel()

	sink := NewStoreSink(failingEvents{}, nil)
	err := sink.Consume(context.Background(), []progress.Event{
		{CaptureID: "cap-1", Phase: archive.PhaseQueued, At: time.Now()},
	})
	require.Error(t, err)
	require.ErrorIs(t, err, errAppend)
}

// TestStoreSinkNilRepo is a no-op.
func TestStoreSinkNilRepo(t *testing.T) {
	t.Parallel()

	var sink *StoreSink
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{{CaptureID: "x"}}))
	require.NoError(t, NewStoreSink(nil, nil).Consume(context.Background(), nil))
}

// slowStoreSink holds every batch until gate is closed.
type slowStoreSink struct {
	*StoreSink
	gate chan struct{}
}

func (s *slowStoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	<-s.gate
	return s.StoreSink.Consume(ctx, batch)
}

var errAppend = errors.New("append failed")

type failingEvents struct{}

func (failingEvents) AppendEvents(context.Context, []archive.CaptureEvent) error { return errAppend }

func (failingEvents) ListEvents(context.Context, string) ([]archive.CaptureEvent, error) {
	return nil, nil
}
