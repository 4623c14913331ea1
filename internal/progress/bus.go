package progress

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/parker/internal/archive"
)

// BusConfig controls per-capture topics.
//   - Grace: how long a topic stays open after its final event (default 30s).
//   - SubscriberBuffer: events buffered per subscriber before it is dropped (default 64).
//   - Logger: optional structured logger.
type BusConfig struct {
	Grace            time.Duration
	SubscriberBuffer int
	Logger           *zap.Logger
}

const (
	defaultGrace            = 30 * time.Second
	defaultSubscriberBuffer = 64
)

// Bus is a per-capture publish/subscribe layer. A subscriber first receives
// the latest known event of the capture and then live events in publish
// order. A topic retires Grace after its final event: subscribers receive a
// closed event and their channel is closed.
type Bus struct {
	cfg     BusConfig
	emitter Emitter
	logger  *zap.Logger
	now     func() time.Time

	mu     sync.Mutex
	topics map[string]*topic
	closed bool
}

type topic struct {
	last   Event
	subs   map[*Subscription]struct{}
	retire *time.Timer
}

// Subscription is a live stream of one capture's events.
type Subscription struct {
	// C yields events; it is closed when the topic retires, the subscriber
	// falls too far behind, or Cancel is called.
	C <-chan Event

	ch        chan Event
	bus       *Bus
	captureID string
	closeOnce sync.Once
}

// NewBus creates a Bus. Published events are also forwarded to emitter when non-nil.
func NewBus(cfg BusConfig, emitter Emitter) *Bus {
	if cfg.Grace <= 0 {
		cfg.Grace = defaultGrace
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = defaultSubscriberBuffer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		cfg:     cfg,
		emitter: emitter,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
		topics:  make(map[string]*topic),
	}
}

// Publish records evt as the capture's current state and delivers it to
// every subscriber without blocking. A subscriber whose buffer is full is
// disconnected; it may resubscribe to receive the current snapshot.
func (b *Bus) Publish(evt Event) {
	if evt.At.IsZero() {
		evt.At = b.now()
	}
	if err := evt.Validate(); err != nil {
		b.logger.Debug("discarding invalid progress event", zap.String("capture_id", evt.CaptureID), zap.Error(err))
		return
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	t := b.topics[evt.CaptureID]
	if t == nil {
		t = &topic{subs: make(map[*Subscription]struct{})}
		b.topics[evt.CaptureID] = t
	}
	t.last = evt
	for sub := range t.subs {
		select {
		case sub.ch <- evt:
		default:
			b.logger.Warn("dropping slow progress subscriber", zap.String("capture_id", evt.CaptureID))
			delete(t.subs, sub)
			sub.close()
		}
	}
	if evt.Final {
		if t.retire != nil {
			t.retire.Stop()
		}
		id := evt.CaptureID
		t.retire = time.AfterFunc(b.cfg.Grace, func() { b.retire(id) })
	} else if t.retire != nil {
		t.retire.Stop()
		t.retire = nil
	}
	b.mu.Unlock()

	if b.emitter != nil {
		b.emitter.Emit(evt)
	}
}

// Subscribe attaches to the capture's topic. When the topic is live the
// subscriber's first event is the latest published one. Otherwise current,
// typically rebuilt from the record store, is delivered as the snapshot; if
// it is final the subscription ends immediately after a closed event.
func (b *Bus) Subscribe(captureID string, current Event) *Subscription {
	ch := make(chan Event, b.cfg.SubscriberBuffer+2)
	sub := &Subscription{C: ch, ch: ch, bus: b, captureID: captureID}

	b.mu.Lock()
	defer b.mu.Unlock()

	if t := b.topics[captureID]; t != nil && !b.closed {
		ch <- t.last
		t.subs[sub] = struct{}{}
		return sub
	}

	if current.CaptureID == "" {
		current.CaptureID = captureID
	}
	if current.At.IsZero() {
		current.At = b.now()
	}
	ch <- current
	if current.Final || b.closed {
		ch <- b.closedEvent(captureID)
		sub.close()
		return sub
	}
	t := &topic{last: current, subs: map[*Subscription]struct{}{sub: {}}}
	b.topics[captureID] = t
	return sub
}

// Cancel detaches the subscription and closes its channel.
func (s *Subscription) Cancel() {
	s.bus.mu.Lock()
	if t := s.bus.topics[s.captureID]; t != nil {
		delete(t.subs, s)
	}
	s.bus.mu.Unlock()
	s.close()
}

func (s *Subscription) close() {
	s.closeOnce.Do(func() { close(s.ch) })
}

// Subscribers reports how many subscribers are attached to a capture.
func (b *Bus) Subscribers(captureID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t := b.topics[captureID]; t != nil {
		return len(t.subs)
	}
	return 0
}

// Current returns the latest event of a live topic.
func (b *Bus) Current(captureID string) (Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t := b.topics[captureID]; t != nil {
		return t.last, true
	}
	return Event{}, false
}

func (b *Bus) closedEvent(captureID string) Event {
	return Event{CaptureID: captureID, Phase: archive.PhaseClosed, At: b.now()}
}

func (b *Bus) retire(captureID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.topics[captureID]
	if t == nil || !t.last.Final {
		return
	}
	b.retireLocked(captureID, t)
}

func (b *Bus) retireLocked(captureID string, t *topic) {
	if t.retire != nil {
		t.retire.Stop()
	}
	closing := b.closedEvent(captureID)
	for sub := range t.subs {
		select {
		case sub.ch <- closing:
		default:
		}
		sub.close()
	}
	delete(b.topics, captureID)
}

// Close retires every topic immediately. Later publishes are ignored and
// later subscriptions receive their snapshot followed by a closed event.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, t := range b.topics {
		b.retireLocked(id, t)
	}
}
