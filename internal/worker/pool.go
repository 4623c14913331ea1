// Package worker runs capture attempts with bounded concurrency.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/parker/internal/archive"
	"github.com/JakeFAU/parker/internal/metrics"
	"github.com/JakeFAU/parker/internal/pipeline"
	"github.com/JakeFAU/parker/internal/progress"
	"github.com/JakeFAU/parker/internal/retry"
)

// Records is the subset of the record store used by the pool.
type Records interface {
	GetCapture(ctx context.Context, id string) (archive.Capture, error)
	ListCaptures(ctx context.Context, q archive.CaptureQuery) (archive.CapturePage, error)
	ClaimCapture(ctx context.Context, id string, now time.Time) (archive.Capture, error)
	RequeueCapture(ctx context.Context, id, reason string) error
	FinishCapture(ctx context.Context, id string, out archive.Outcome) error
}

// Runner executes one attempt.
type Runner interface {
	Run(ctx context.Context, c archive.Capture, settings archive.Settings) (pipeline.Result, error)
}

// Queue holds capture ids awaiting dispatch.
type Queue interface {
	Enqueue(ctx context.Context, id string) error
	Dequeue(ctx context.Context) (string, error)
	Len() int
}

// SettingsSource returns the settings in force.
type SettingsSource interface {
	Settings() archive.Settings
}

// Config controls Pool behavior.
type Config struct {
	// NotifyTopic is the topic terminal captures are announced on; empty disables notifications.
	NotifyTopic string
	// ClaimRetryDelay re-dispatches an id whose claim failed on a store error (default 1s).
	ClaimRetryDelay time.Duration
}

// Pool dispatches queued captures through the pipeline. At most Gate.Limit
// attempts run at once; failed attempts are re-dispatched after the retry
// policy's backoff.
type Pool struct {
	cfg       Config
	records   Records
	queue     Queue
	gate      *Gate
	runner    Runner
	policy    *retry.Policy
	settings  SettingsSource
	publisher progress.Publisher
	notifier  archive.Publisher
	clock     archive.Clock
	logger    *zap.Logger

	recovered atomic.Bool

	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool
	wg      sync.WaitGroup
}

// New constructs a Pool sized from the current settings.
func New(
	cfg Config,
	records Records,
	queue Queue,
	runner Runner,
	policy *retry.Policy,
	settings SettingsSource,
	publisher progress.Publisher,
	notifier archive.Publisher,
	clock archive.Clock,
	logger *zap.Logger,
) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ClaimRetryDelay <= 0 {
		cfg.ClaimRetryDelay = time.Second
	}
	return &Pool{
		cfg:       cfg,
		records:   records,
		queue:     queue,
		gate:      NewGate(settings.Settings().MaxConcurrent),
		runner:    runner,
		policy:    policy,
		settings:  settings,
		publisher: publisher,
		notifier:  notifier,
		clock:     clock,
		logger:    logger,
		timers:    make(map[string]*time.Timer),
	}
}

// Enqueue schedules a queued capture for dispatch. It never blocks on
// worker availability.
func (p *Pool) Enqueue(ctx context.Context, id string) error {
	if err := p.queue.Enqueue(ctx, id); err != nil {
		return fmt.Errorf("enqueue capture %s: %w", id, err)
	}
	metrics.SetQueueDepth(p.queue.Len())
	return nil
}

// Resize changes the concurrency ceiling. Running attempts are never interrupted.
func (p *Pool) Resize(n int) {
	p.gate.Resize(n)
	p.logger.Info("worker pool resized", zap.Int("max_concurrent", p.gate.Limit()))
}

// Running reports the number of attempts in flight.
func (p *Pool) Running() int {
	return p.gate.InUse()
}

// QueueDepth reports the number of ids waiting for a slot.
func (p *Pool) QueueDepth() int {
	return p.queue.Len()
}

// Run recovers captures left over by a previous process unless Recover
// already ran, then dispatches until ctx is done. On return every in-flight
// attempt has finished or been re-queued and pending retry timers are stopped.
func (p *Pool) Run(ctx context.Context) error {
	if !p.recovered.Load() {
		if _, err := p.Recover(ctx); err != nil {
			return err
		}
	}
	p.logger.Info("worker pool started", zap.Int("max_concurrent", p.gate.Limit()))
	for {
		if err := p.gate.Acquire(ctx); err != nil {
			break
		}
		id, err := p.queue.Dequeue(ctx)
		if err != nil {
			p.gate.Release()
			break
		}
		metrics.SetQueueDepth(p.queue.Len())
		p.wg.Add(1)
		go p.attempt(ctx, id)
	}
	p.stopTimers()
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
	return nil
}

func (p *Pool) attempt(ctx context.Context, id string) {
	defer p.wg.Done()
	defer p.gate.Release()

	bg := context.WithoutCancel(ctx)
	start := p.clock.Now()
	var claimed archive.Capture
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("capture attempt panicked", zap.String("capture_id", id), zap.Any("panic", r))
			if claimed.ID != "" {
				p.fail(bg, claimed, archive.NewRenderError(archive.RenderCrash, fmt.Errorf("panic: %v", r)))
			}
		}
	}()

	settings := p.settings.Settings()
	c, err := p.records.ClaimCapture(ctx, id, start)
	switch {
	case err == nil:
	case errors.Is(err, archive.ErrAttemptsExhausted):
		p.exhausted(bg, id)
		return
	case errors.Is(err, archive.ErrConflict), errors.Is(err, archive.ErrNotFound):
		p.logger.Debug("skipping capture", zap.String("capture_id", id), zap.Error(err))
		return
	default:
		if ctx.Err() != nil {
			return
		}
		p.logger.Error("claim capture failed", zap.String("capture_id", id), zap.Error(err))
		p.retryLater(id, p.cfg.ClaimRetryDelay)
		return
	}
	claimed = c
	p.logger.Info("capture attempt started",
		zap.String("capture_id", c.ID),
		zap.String("url", c.URL),
		zap.Int("attempt", c.AttemptCount),
	)
	p.publish(progress.Event{CaptureID: c.ID, Phase: archive.PhaseRunning, Attempt: c.AttemptCount})

	if archive.NewBlocklist(settings.BlockedDomains).BlockedURL(c.URL) {
		p.fail(bg, c, fmt.Errorf("%w: %s", archive.ErrBlockedDomain, archive.Domain(c.URL)))
		return
	}

	res, err := p.runner.Run(ctx, c, settings)
	switch {
	case err == nil:
		p.complete(bg, c, res, start)
	case ctx.Err() != nil:
		p.interrupt(bg, c)
	default:
		p.fail(bg, c, err)
	}
}

func (p *Pool) complete(ctx context.Context, c archive.Capture, res pipeline.Result, start time.Time) {
	finishedAt := p.clock.Now()
	if err := p.records.FinishCapture(ctx, c.ID, archive.Outcome{
		Status:     res.Status,
		Reason:     res.Reason,
		FinishedAt: finishedAt,
	}); err != nil {
		p.logger.Error("finish capture failed", zap.String("capture_id", c.ID), zap.Error(err))
		return
	}
	p.logger.Info("capture finished",
		zap.String("capture_id", c.ID),
		zap.String("status", string(res.Status)),
		zap.Int("artifacts", len(res.Artifacts)),
		zap.Duration("dur", finishedAt.Sub(start)),
	)
	p.publish(progress.Event{
		CaptureID: c.ID,
		Phase:     archive.PhaseForStatus(res.Status),
		Message:   res.Reason,
		Attempt:   c.AttemptCount,
		Final:     true,
		Elapsed:   nonNegative(finishedAt.Sub(start)),
	})
	p.notify(ctx, c, res.Status, res.Reason, finishedAt)
}

// fail applies the retry policy to a failed attempt.
func (p *Pool) fail(ctx context.Context, c archive.Capture, cause error) {
	decision := p.policy.Decide(c.AttemptCount, c.MaxAttempts, cause)
	if decision.Retry {
		reason := fmt.Sprintf("attempt %d failed: %v", c.AttemptCount, cause)
		if err := p.records.RequeueCapture(ctx, c.ID, reason); err != nil {
			p.logger.Error("requeue capture failed", zap.String("capture_id", c.ID), zap.Error(err))
			return
		}
		p.logger.Warn("capture attempt failed, retrying",
			zap.String("capture_id", c.ID),
			zap.Int("attempt", c.AttemptCount),
			zap.Duration("delay", decision.Delay),
			zap.Error(cause),
		)
		p.publish(progress.Event{
			CaptureID: c.ID,
			Phase:     archive.PhaseFailed,
			Message:   fmt.Sprintf("%s; retrying in %s", reason, decision.Delay.Round(time.Millisecond)),
			Attempt:   c.AttemptCount,
		})
		p.publish(progress.Event{CaptureID: c.ID, Phase: archive.PhaseQueued, Attempt: c.AttemptCount})
		metrics.ObserveRetryDelay(decision.Delay)
		p.retryLater(c.ID, decision.Delay)
		return
	}

	reason := cause.Error()
	if decision.Class == archive.FailureRetryable {
		reason = fmt.Sprintf("%s: %v", decision.Reason, cause)
	}
	p.finishFailed(ctx, c, reason)
}

func (p *Pool) exhausted(ctx context.Context, id string) {
	c, err := p.records.GetCapture(ctx, id)
	if err != nil {
		p.logger.Error("load exhausted capture", zap.String("capture_id", id), zap.Error(err))
		return
	}
	if c.Status != archive.StatusQueued && c.Status != archive.StatusRunning {
		return
	}
	reason := "attempts exhausted"
	if c.Reason != "" {
		reason += ": " + c.Reason
	}
	p.finishFailed(ctx, c, reason)
}

func (p *Pool) finishFailed(ctx context.Context, c archive.Capture, reason string) {
	finishedAt := p.clock.Now()
	if err := p.records.FinishCapture(ctx, c.ID, archive.Outcome{
		Status:     archive.StatusFailed,
		Reason:     reason,
		FinishedAt: finishedAt,
	}); err != nil {
		p.logger.Error("fail capture failed", zap.String("capture_id", c.ID), zap.Error(err))
		return
	}
	p.logger.Warn("capture failed",
		zap.String("capture_id", c.ID),
		zap.Int("attempt", c.AttemptCount),
		zap.String("reason", reason),
	)
	evt := progress.Event{
		CaptureID: c.ID,
		Phase:     archive.PhaseFailed,
		Message:   reason,
		Attempt:   c.AttemptCount,
		Final:     true,
	}
	if c.StartedAt != nil {
		evt.Elapsed = nonNegative(finishedAt.Sub(*c.StartedAt))
	}
	p.publish(evt)
	p.notify(ctx, c, archive.StatusFailed, reason, finishedAt)
}

// interrupt returns a capture whose attempt was cut short by shutdown to the
// queue. The attempt stays consumed.
func (p *Pool) interrupt(ctx context.Context, c archive.Capture) {
	if err := p.records.RequeueCapture(ctx, c.ID, "interrupted by shutdown"); err != nil {
		p.logger.Error("requeue interrupted capture", zap.String("capture_id", c.ID), zap.Error(err))
		return
	}
	p.logger.Info("capture attempt interrupted", zap.String("capture_id", c.ID), zap.Int("attempt", c.AttemptCount))
	p.publish(progress.Event{CaptureID: c.ID, Phase: archive.PhaseQueued, Attempt: c.AttemptCount, Message: "interrupted"})
}

func (p *Pool) retryLater(id string, delay time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	if old := p.timers[id]; old != nil {
		old.Stop()
	}
	p.timers[id] = time.AfterFunc(delay, func() {
		p.mu.Lock()
		delete(p.timers, id)
		stopped := p.stopped
		p.mu.Unlock()
		if stopped {
			return
		}
		if err := p.Enqueue(context.Background(), id); err != nil {
			p.logger.Error("re-dispatch capture", zap.String("capture_id", id), zap.Error(err))
		}
	})
}

// PendingRetries reports the number of captures waiting out a backoff.
func (p *Pool) PendingRetries() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.timers)
}

func (p *Pool) stopTimers() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	for id, t := range p.timers {
		t.Stop()
		delete(p.timers, id)
	}
}

func (p *Pool) publish(evt progress.Event) {
	if p.publisher == nil {
		return
	}
	if evt.At.IsZero() {
		evt.At = p.clock.Now()
	}
	p.publisher.Publish(evt)
}

func (p *Pool) notify(ctx context.Context, c archive.Capture, status archive.Status, reason string, at time.Time) {
	if p.notifier == nil || p.cfg.NotifyTopic == "" {
		return
	}
	msg := archive.Notification{
		CaptureID:  c.ID,
		URL:        c.URL,
		Status:     status,
		Reason:     reason,
		FinishedAt: at,
	}
	if _, err := p.notifier.Publish(ctx, p.cfg.NotifyTopic, msg); err != nil {
		metrics.ObserveNotification("error")
		p.logger.Warn("notify capture failed", zap.String("capture_id", c.ID), zap.Error(err))
		return
	}
	metrics.ObserveNotification("published")
}

func nonNegative(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
