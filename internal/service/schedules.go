package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/parker/internal/archive"
)

const maxIntervalHours = 24 * 365

// CreateSchedule records a recurring capture of rawURL. The schedule is due
// immediately, so its first capture happens on the next scheduler tick.
func (s *Service) CreateSchedule(ctx context.Context, rawURL string, intervalHours int) (archive.Schedule, error) {
	normalized, err := archive.NormalizeURL(rawURL)
	if err != nil {
		return archive.Schedule{}, err
	}
	if intervalHours < 1 || intervalHours > maxIntervalHours {
		return archive.Schedule{}, fmt.Errorf("%w: interval_hours must be between 1 and %d", ErrInvalidInput, maxIntervalHours)
	}
	id, err := s.IDs.NewID()
	if err != nil {
		return archive.Schedule{}, fmt.Errorf("generate schedule id: %w", err)
	}
	now := s.Clock.Now()
	sch := archive.Schedule{
		ID:            id,
		URL:           normalized,
		IntervalHours: intervalHours,
		NextRunAt:     now,
		Enabled:       true,
		CreatedAt:     now,
	}
	if err := s.Store.CreateSchedule(ctx, &sch); err != nil {
		return archive.Schedule{}, fmt.Errorf("create schedule: %w", err)
	}
	s.Logger.Info("schedule created",
		zap.String("schedule_id", sch.ID),
		zap.String("url", sch.URL),
		zap.Int("interval_hours", intervalHours),
	)
	return sch, nil
}

// ListSchedules returns every schedule, soonest first.
func (s *Service) ListSchedules(ctx context.Context) ([]archive.Schedule, error) {
	out, err := s.Store.ListSchedules(ctx, archive.ScheduleQuery{})
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	return out, nil
}

// SetScheduleEnabled pauses or resumes a schedule.
func (s *Service) SetScheduleEnabled(ctx context.Context, id string, enabled bool) (archive.Schedule, error) {
	if err := s.Store.SetScheduleEnabled(ctx, id, enabled); err != nil {
		return archive.Schedule{}, err
	}
	return s.Store.GetSchedule(ctx, id)
}
