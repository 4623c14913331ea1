// Package render holds pieces shared by the renderer implementations.
package render

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

// DomainLimiter spaces out page loads per host.
type DomainLimiter struct {
	qps      float64
	limiters sync.Map
}

// NewDomainLimiter returns a limiter admitting qps loads per second per host.
// A non-positive qps disables limiting.
func NewDomainLimiter(qps float64) *DomainLimiter {
	return &DomainLimiter{qps: qps}
}

// Wait blocks until rawURL's host has budget or ctx is done.
func (d *DomainLimiter) Wait(ctx context.Context, rawURL string) error {
	if d == nil || d.qps <= 0 {
		return nil
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse render url: %w", err)
	}
	host := strings.ToLower(parsed.Host)
	val, _ := d.limiters.LoadOrStore(host, rate.NewLimiter(rate.Limit(d.qps), 1))
	limiter, ok := val.(*rate.Limiter)
	if !ok {
		return fmt.Errorf("unexpected limiter type %T", val)
	}
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait limiter: %w", err)
	}
	return nil
}

// Slots bounds concurrent renders. A nil Slots admits everything.
type Slots chan struct{}

// NewSlots returns a semaphore of size n, or nil when n <= 0.
func NewSlots(n int) Slots {
	if n <= 0 {
		return nil
	}
	return make(Slots, n)
}

// Acquire takes a slot and returns its release func.
func (s Slots) Acquire(ctx context.Context) (func(), error) {
	if s == nil {
		return func() {}, nil
	}
	select {
	case s <- struct{}{}:
		return func() { <-s }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("acquire render slot: %w", ctx.Err())
	}
}

// ForwardCancel cancels cancel when parent is done. The returned func stops forwarding.
func ForwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
