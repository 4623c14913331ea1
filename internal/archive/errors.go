package archive

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a state transition is not permitted or was lost to another writer.
	ErrConflict = errors.New("state conflict")
	// ErrAttemptsExhausted is returned when a claim would exceed max_attempts.
	ErrAttemptsExhausted = errors.New("attempts exhausted")
	// ErrBlockedDomain marks a URL whose host is on the blocklist.
	ErrBlockedDomain = errors.New("domain is blocked")
	// ErrStorageOverLimit rejects an attempt when artifact storage exceeds the configured maximum.
	ErrStorageOverLimit = errors.New("storage over limit")
	// ErrInvalidURL marks a submission that is not an absolute http(s) URL.
	ErrInvalidURL = errors.New("invalid url")
	// ErrInvalidSettings wraps settings validation failures.
	ErrInvalidSettings = errors.New("invalid settings")
)

// RenderFailure names the way a render call failed.
type RenderFailure string

// Render failure kinds.
const (
	RenderTimeout    RenderFailure = "timeout"
	RenderNavigation RenderFailure = "navigation"
	RenderCrash      RenderFailure = "crash"
)

// RenderError is returned by renderers when no usable page was produced.
type RenderError struct {
	Kind RenderFailure
	Err  error
}

func (e *RenderError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("render %s", e.Kind)
	}
	return fmt.Sprintf("render %s: %v", e.Kind, e.Err)
}

func (e *RenderError) Unwrap() error {
	return e.Err
}

// NewRenderError wraps err, mapping deadline expiry onto RenderTimeout.
func NewRenderError(kind RenderFailure, err error) *RenderError {
	if errors.Is(err, context.DeadlineExceeded) {
		kind = RenderTimeout
	}
	return &RenderError{Kind: kind, Err: err}
}

// FailureClass is the retry classification of an attempt failure.
type FailureClass int

// Failure classes.
const (
	FailureRetryable FailureClass = iota
	FailureFatal
)

func (c FailureClass) String() string {
	if c == FailureFatal {
		return "fatal"
	}
	return "retryable"
}

// Classify maps an attempt error onto its failure class. Blocked domains,
// invalid URLs and storage-over-limit are fatal; everything else that an
// attempt can surface (timeouts, network errors, renderer crashes) is retried.
func Classify(err error) FailureClass {
	if errors.Is(err, ErrBlockedDomain) ||
		errors.Is(err, ErrStorageOverLimit) ||
		errors.Is(err, ErrInvalidURL) {
		return FailureFatal
	}
	return FailureRetryable
}
