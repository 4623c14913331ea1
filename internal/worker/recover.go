package worker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/parker/internal/archive"
	"github.com/JakeFAU/parker/internal/progress"
)

// Recover repairs captures left behind by a previous process. Running
// captures lost their attempt: they are re-queued, or failed when no attempt
// remains. Every queued capture is then dispatched, oldest first. It returns
// the number of captures enqueued. Callers that accept new submissions
// should run it before opening those paths so no id is queued twice.
func (p *Pool) Recover(ctx context.Context) (int, error) {
	running, err := p.collect(ctx, archive.StatusRunning)
	if err != nil {
		return 0, err
	}
	for _, c := range running {
		if c.AttemptCount >= c.MaxAttempts {
			p.finishFailed(ctx, c, "attempts exhausted: interrupted by restart")
			continue
		}
		if err := p.records.RequeueCapture(ctx, c.ID, "interrupted by restart"); err != nil {
			p.logger.Error("requeue orphaned capture", zap.String("capture_id", c.ID), zap.Error(err))
			continue
		}
		p.publish(progress.Event{CaptureID: c.ID, Phase: archive.PhaseQueued, Attempt: c.AttemptCount})
	}

	queued, err := p.collect(ctx, archive.StatusQueued)
	if err != nil {
		return 0, err
	}
	for _, c := range queued {
		if err := p.Enqueue(ctx, c.ID); err != nil {
			return 0, err
		}
	}
	p.recovered.Store(true)
	if len(running) > 0 || len(queued) > 0 {
		p.logger.Info("recovered captures",
			zap.Int("orphaned", len(running)),
			zap.Int("enqueued", len(queued)),
		)
	}
	return len(queued), nil
}

func (p *Pool) collect(ctx context.Context, status archive.Status) ([]archive.Capture, error) {
	var out []archive.Capture
	q := archive.CaptureQuery{Status: status, Sort: archive.SortOldest, PageSize: archive.MaxPageSize}
	for page := 1; ; page++ {
		q.Page = page
		res, err := p.records.ListCaptures(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("list %s captures: %w", status, err)
		}
		out = append(out, res.Captures...)
		if len(res.Captures) < archive.MaxPageSize || len(out) >= res.Total {
			return out, nil
		}
	}
}
