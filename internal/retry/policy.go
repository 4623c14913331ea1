// Package retry decides whether a failed capture attempt is re-queued and how
// long to wait before it is dispatched again.
package retry

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"

	"github.com/JakeFAU/parker/internal/archive"
)

// Config tunes the exponential backoff.
//   - BaseDelay: delay before the second attempt (default 2s).
//   - MaxDelay: ceiling applied before jitter (default 2m).
//   - Jitter: fraction of the delay randomized in either direction (default 0.2).
type Config struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Jitter    float64
}

const (
	defaultBaseDelay = 2 * time.Second
	defaultMaxDelay  = 2 * time.Minute
	defaultJitter    = 0.2
)

// Decision is the outcome of a retry evaluation.
type Decision struct {
	Retry  bool
	Delay  time.Duration
	Class  archive.FailureClass
	Reason string
}

// Policy implements exponential backoff with bounded random jitter.
type Policy struct {
	cfg    Config
	jitter func(limit time.Duration) time.Duration
}

// NewPolicy builds a Policy, filling defaults for unset fields.
func NewPolicy(cfg Config) *Policy {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = defaultMaxDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.Jitter < 0 || cfg.Jitter >= 1 {
		cfg.Jitter = defaultJitter
	}
	return &Policy{cfg: cfg, jitter: randomJitter}
}

// Decide evaluates a failed attempt. attempt is the number of attempts consumed
// so far (including the one that just failed) and maxAttempts the capture's budget.
func (p *Policy) Decide(attempt, maxAttempts int, err error) Decision {
	class := archive.Classify(err)
	switch {
	case class == archive.FailureFatal:
		return Decision{Class: class, Reason: "fatal"}
	case attempt >= maxAttempts:
		return Decision{Class: class, Reason: "attempts exhausted"}
	}
	return Decision{Retry: true, Delay: p.Backoff(attempt), Class: class, Reason: "retryable"}
}

// Backoff returns base*2^(attempt-1) capped at MaxDelay, then spread by ±Jitter.
func (p *Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.cfg.BaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(p.cfg.MaxDelay) {
		delay = float64(p.cfg.MaxDelay)
	}
	spread := time.Duration(delay * p.cfg.Jitter)
	if spread <= 0 {
		return time.Duration(delay)
	}
	// jitter returns [0, 2*spread), shifted to [-spread, +spread).
	return time.Duration(delay) - spread + p.jitter(2*spread)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
