package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/parker/internal/archive"
	"github.com/JakeFAU/parker/internal/progress"
)

// StoreSink persists progress events to the capture event log so the detail
// view can show a capture's history after its topic retires.
type StoreSink struct {
	repo   archive.EventStore
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided event store.
func NewStoreSink(repo archive.EventStore, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume writes the batch in one call. It respects ctx deadlines and returns
// store errors wrapped.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil || len(batch) == 0 {
		return nil
	}
	records := make([]archive.CaptureEvent, 0, len(batch))
	for _, evt := range batch {
		records = append(records, evt.Record())
	}
	if err := s.repo.AppendEvents(ctx, records); err != nil {
		return fmt.Errorf("append capture events: %w", err)
	}
	s.logger.Debug("persisted capture events", zap.Int("batch", len(records)))
	return nil
}

// Durable reports true: the event log must hold every event, so the hub
// retries failed batches.
func (s *StoreSink) Durable() bool {
	return true
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
