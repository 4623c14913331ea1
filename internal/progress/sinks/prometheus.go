package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/parker/internal/archive"
	"github.com/JakeFAU/parker/internal/progress"
)

// PrometheusSink exports capture progress metrics via Prometheus. It owns the
// collectors for attempts started/completed/running and per-phase counters.
type PrometheusSink struct {
	attemptsStarted   prometheus.Counter
	capturesCompleted *prometheus.CounterVec
	capturesRunning   prometheus.Gauge
	captureRuntime    *prometheus.HistogramVec
	retries           prometheus.Counter
	phases            *prometheus.CounterVec

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		attemptsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parker_capture_attempts_started_total",
			Help: "Total capture attempts that have started.",
		}),
		capturesCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parker_captures_completed_total",
			Help: "Total captures that reached a terminal state partitioned by result.",
		}, []string{"result"}),
		capturesRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "parker_captures_running",
			Help: "Current number of running capture attempts.",
		}),
		captureRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "parker_capture_runtime_seconds",
			Help:    "Wall time of the final attempt of each capture.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"result"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parker_capture_retries_total",
			Help: "Failed attempts that were scheduled for another try.",
		}),
		phases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parker_capture_phase_transitions_total",
			Help: "Progress events partitioned by phase.",
		}, []string{"phase"}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.attemptsStarted,
		s.capturesCompleted,
		s.capturesRunning,
		s.captureRuntime,
		s.retries,
		s.phases,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	s.phases.WithLabelValues(string(evt.Phase)).Inc()
	switch evt.Phase {
	case archive.PhaseRunning:
		s.attemptsStarted.Inc()
		if s.tracker.start(evt.CaptureID) {
			s.capturesRunning.Inc()
		}
	case archive.PhaseSuccess, archive.PhasePartial, archive.PhaseFailed:
		if s.tracker.complete(evt.CaptureID) {
			s.capturesRunning.Dec()
		}
		if !evt.Final {
			s.retries.Inc()
			return
		}
		result := string(evt.Phase)
		s.capturesCompleted.WithLabelValues(result).Inc()
		if evt.Elapsed > 0 {
			s.captureRuntime.WithLabelValues(result).Observe(evt.Elapsed.Seconds())
		}
	case archive.PhaseQueued:
		if s.tracker.complete(evt.CaptureID) {
			s.capturesRunning.Dec()
		}
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[string]struct{})}
}

func (t *runTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
