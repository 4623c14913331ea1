package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Config tunes how the Hub batches capture events for its sinks.
type Config struct {
	// BufferSize is the fast-path channel capacity (default 4096). Events
	// emitted while it is full wait in an overflow list instead.
	BufferSize int
	// MaxBatchEvents flushes a batch once it holds this many events (default 1000).
	MaxBatchEvents int
	// MaxBatchWait flushes a non-empty batch this long after its first event (default 500ms).
	MaxBatchWait time.Duration
	// SinkTimeout bounds each Consume call (default 10s).
	SinkTimeout time.Duration
	// DurableAttempts is how many times a Durable sink is offered a batch
	// before it is given up (default 3).
	DurableAttempts int
	// BaseContext is the parent of every sink call (default context.Background()).
	BaseContext context.Context
	Logger      *zap.Logger
}

const (
	defaultBufferSize      = 4096
	defaultMaxBatchEvents  = 1000
	defaultMaxBatchWait    = 500 * time.Millisecond
	defaultSinkTimeout     = 10 * time.Second
	defaultDurableAttempts = 3
	durableRetryStep       = 100 * time.Millisecond
	overflowLogInterval    = 5 * time.Second
)

// Durable marks a sink that must see every event, such as the persisted
// capture event log. Failed batches are retried for durable sinks only.
type Durable interface {
	Durable() bool
}

// Hub fans capture events out to sinks in batches. Emit never blocks and
// never drops a valid event: when the channel is full, events queue in an
// overflow list that the batching goroutine drains in order. Events of one
// capture reach every sink in the order they were emitted.
type Hub struct {
	cfg    Config
	sinks  []Sink
	logger *zap.Logger

	events   chan Event
	overflow []Event
	// overflowed wakes the batching goroutine when overflow gains events.
	overflowed chan struct{}
	mu         sync.Mutex
	closed     bool
	warnEvery  rateLimiter

	pending []Event
	stopCh  chan struct{}
	doneCh  chan struct{}

	closeOnce sync.Once
	closeCtx  context.Context
}

// NewHub starts a Hub delivering to sinks.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = defaultMaxBatchEvents
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.DurableAttempts <= 0 {
		cfg.DurableAttempts = defaultDurableAttempts
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:        cfg,
		sinks:      append([]Sink(nil), sinks...),
		logger:     logger,
		events:     make(chan Event, cfg.BufferSize),
		overflowed: make(chan struct{}, 1),
		warnEvery:  rateLimiter{interval: overflowLogInterval},
		pending:    make([]Event, 0, cfg.MaxBatchEvents),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	go h.run()
	return h
}

// Emit hands evt to the sinks. Invalid events and events emitted after Close
// are discarded.
func (h *Hub) Emit(evt Event) {
	if h == nil {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid progress event", zap.String("capture_id", evt.CaptureID), zap.Error(err))
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	// Once anything waits in overflow, later events queue behind it.
	if len(h.overflow) == 0 {
		select {
		case h.events <- evt:
			return
		default:
		}
	}
	h.overflow = append(h.overflow, evt)
	select {
	case h.overflowed <- struct{}{}:
	default:
	}
	if h.warnEvery.Allow(time.Now()) {
		h.logger.Warn("progress sinks are behind, holding events in memory",
			zap.String("capture_id", evt.CaptureID),
			zap.Int("held", len(h.overflow)),
		)
	}
}

// Backlog reports the number of events waiting in overflow.
func (h *Hub) Backlog() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.overflow)
}

// Close stops accepting events, delivers everything already emitted, closes
// the sinks and waits for the batching goroutine. Later calls only wait.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.closed = true
		h.mu.Unlock()
		h.closeCtx = ctx
		close(h.stopCh)
	})
	select {
	case <-h.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) run() {
	defer close(h.doneCh)
	timer := time.NewTimer(h.cfg.MaxBatchWait)
	timer.Stop()
	var deadline <-chan time.Time
	for {
		select {
		case evt := <-h.events:
			h.add(evt)
		case <-h.overflowed:
			h.drain()
		case <-deadline:
			h.flush()
		case <-h.stopCh:
			timer.Stop()
			h.drain()
			h.flush()
			h.closeSinks()
			return
		}
		switch {
		case len(h.pending) == 0:
			timer.Stop()
			deadline = nil
		case deadline == nil:
			timer.Reset(h.cfg.MaxBatchWait)
			deadline = timer.C
		}
	}
}

// drain moves the channel and then the overflow list into the batch. The
// channel only holds events older than the overflow list, so it is emptied
// first under the lock that Emit writes through.
func (h *Hub) drain() {
	for {
		h.drainChannel()
		h.mu.Lock()
		if len(h.events) > 0 {
			h.mu.Unlock()
			continue
		}
		held := h.overflow
		h.overflow = nil
		h.mu.Unlock()
		for _, evt := range held {
			h.add(evt)
		}
		return
	}
}

func (h *Hub) drainChannel() {
	for {
		select {
		case evt := <-h.events:
			h.add(evt)
		default:
			return
		}
	}
}

func (h *Hub) add(evt Event) {
	h.pending = append(h.pending, evt)
	if len(h.pending) >= h.cfg.MaxBatchEvents {
		h.flush()
	}
}

func (h *Hub) flush() {
	if len(h.pending) == 0 {
		return
	}
	batch := append([]Event(nil), h.pending...)
	h.pending = h.pending[:0]
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		h.deliver(sink, batch)
	}
}

func (h *Hub) deliver(sink Sink, batch []Event) {
	attempts := 1
	if d, ok := sink.(Durable); ok && d.Durable() {
		attempts = h.cfg.DurableAttempts
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
		err = sink.Consume(ctx, batch)
		cancel()
		if err == nil {
			return
		}
		if attempt < attempts {
			select {
			case <-time.After(time.Duration(attempt) * durableRetryStep):
			case <-h.cfg.BaseContext.Done():
				attempt = attempts
			}
		}
	}
	h.logger.Error("progress sink lost a batch",
		zap.Int("batch", len(batch)),
		zap.String("first_capture_id", batch[0].CaptureID),
		zap.Int("attempts", attempts),
		zap.Error(err),
	)
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("progress sink close failed", zap.Error(err))
		}
	}
}

type rateLimiter struct {
	interval time.Duration
	last     atomic.Int64
}

func (r *rateLimiter) Allow(now time.Time) bool {
	if r == nil || r.interval <= 0 {
		return true
	}
	nano := now.UnixNano()
	last := r.last.Load()
	if nano-last < r.interval.Nanoseconds() {
		return false
	}
	return r.last.CompareAndSwap(last, nano)
}
