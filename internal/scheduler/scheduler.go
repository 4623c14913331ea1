// Package scheduler materializes recurring captures from Schedule rows.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/parker/internal/archive"
	"github.com/JakeFAU/parker/internal/metrics"
)

// Config tunes the scheduler loop.
type Config struct {
	// Tick is the scan resolution (default 1m).
	Tick time.Duration `mapstructure:"tick"`
}

const defaultTick = time.Minute

// Records is the subset of the record store the scheduler uses.
type Records interface {
	ListSchedules(ctx context.Context, q archive.ScheduleQuery) ([]archive.Schedule, error)
	AdvanceSchedule(ctx context.Context, id string, from, to time.Time) (bool, error)
}

// Submitter creates a capture for a due schedule.
type Submitter interface {
	SubmitScheduled(ctx context.Context, sch archive.Schedule) (archive.Capture, error)
}

// Scheduler scans due schedules on a fixed tick.
type Scheduler struct {
	cfg     Config
	records Records
	submit  Submitter
	clock   archive.Clock
	logger  *zap.Logger
}

// New constructs a Scheduler.
func New(cfg Config, records Records, submit Submitter, clock archive.Clock, logger *zap.Logger) *Scheduler {
	if cfg.Tick <= 0 {
		cfg.Tick = defaultTick
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{cfg: cfg, records: records, submit: submit, clock: clock, logger: logger}
}

// Run ticks until ctx is done. The first scan happens immediately so
// schedules missed during downtime catch up on start.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()
	s.logger.Info("scheduler started", zap.Duration("tick", s.cfg.Tick))
	for {
		if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("scheduler tick failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Tick submits one capture per due, enabled schedule and returns how many
// were submitted. A schedule is advanced before its capture is submitted;
// losing the compare-and-set means another tick already handled it.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	now := s.clock.Now()
	due, err := s.records.ListSchedules(ctx, archive.ScheduleQuery{DueBefore: now, EnabledOnly: true})
	if err != nil {
		return 0, fmt.Errorf("list due schedules: %w", err)
	}
	submitted := 0
	for _, sch := range due {
		if ctx.Err() != nil {
			return submitted, ctx.Err()
		}
		next := NextRun(sch.NextRunAt, sch.Interval(), now)
		won, err := s.records.AdvanceSchedule(ctx, sch.ID, sch.NextRunAt, next)
		if err != nil {
			metrics.ObserveScheduleRun("error")
			s.logger.Error("advance schedule", zap.String("schedule_id", sch.ID), zap.Error(err))
			continue
		}
		if !won {
			metrics.ObserveScheduleRun("skipped")
			continue
		}
		c, err := s.submit.SubmitScheduled(ctx, sch)
		if err != nil {
			metrics.ObserveScheduleRun("error")
			s.logger.Error("submit scheduled capture",
				zap.String("schedule_id", sch.ID),
				zap.String("url", sch.URL),
				zap.Error(err),
			)
			continue
		}
		submitted++
		metrics.ObserveScheduleRun("submitted")
		s.logger.Info("scheduled capture submitted",
			zap.String("schedule_id", sch.ID),
			zap.String("capture_id", c.ID),
			zap.Time("next_run_at", next),
		)
	}
	return submitted, nil
}

// NextRun returns prev + k*interval for the smallest k >= 1 that is strictly
// after now. However long the downtime, one call yields one run.
func NextRun(prev time.Time, interval time.Duration, now time.Time) time.Time {
	if interval <= 0 {
		interval = time.Hour
	}
	next := prev.Add(interval)
	if next.After(now) {
		return next
	}
	k := now.Sub(prev)/interval + 1
	next = prev.Add(k * interval)
	if !next.After(now) {
		next = next.Add(interval)
	}
	return next
}
