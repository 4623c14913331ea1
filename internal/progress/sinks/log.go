package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/parker/internal/progress"
)

// LogSink emits structured logs for capture progress. It is useful during
// development or audits where the event log store is unavailable.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("capture_id", evt.CaptureID),
			zap.String("phase", string(evt.Phase)),
			zap.Int("attempt", evt.Attempt),
			zap.Bool("final", evt.Final),
		}
		if evt.Message != "" {
			fields = append(fields, zap.String("message", evt.Message))
		}
		if evt.Elapsed > 0 {
			fields = append(fields, zap.Duration("dur", evt.Elapsed))
		}
		s.logger.Debug("capture progress", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
