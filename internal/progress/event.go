package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/parker/internal/archive"
)

// Event is a single phase change of one capture.
type Event struct {
	// CaptureID identifies the capture the event belongs to.
	CaptureID string `json:"capture_id"`
	// Phase names the step the capture entered.
	Phase archive.Phase `json:"phase"`
	// Message is optional human-readable context (error text, retry delay).
	Message string `json:"message,omitempty"`
	// Attempt is the attempt number the event belongs to, 0 before the first claim.
	Attempt int `json:"attempt"`
	// At is the UTC timestamp recorded by the publisher.
	At time.Time `json:"at"`
	// Final marks the last event of the capture; its topic retires after the grace period.
	Final bool `json:"final"`
	// Elapsed is the attempt duration, set on final events.
	Elapsed time.Duration `json:"-"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.CaptureID == "" {
		return errors.New("capture id is required")
	}
	if e.At.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Phase {
	case archive.PhaseQueued, archive.PhaseRunning, archive.PhaseNavigating, archive.PhaseScrolling,
		archive.PhaseCapturingHTML, archive.PhaseCapturingScreenshot, archive.PhaseCapturingWARC,
		archive.PhaseCapturingPDF, archive.PhaseChecksumming, archive.PhaseSuccess,
		archive.PhasePartial, archive.PhaseFailed, archive.PhaseClosed:
	default:
		return fmt.Errorf("unknown phase %q", e.Phase)
	}
	if e.Final {
		switch e.Phase {
		case archive.PhaseSuccess, archive.PhasePartial, archive.PhaseFailed:
		default:
			return fmt.Errorf("phase %q cannot be final", e.Phase)
		}
	}
	if e.Elapsed < 0 {
		return errors.New("elapsed must be >= 0")
	}
	return nil
}

// Record converts the event to its persisted form.
func (e Event) Record() archive.CaptureEvent {
	return archive.CaptureEvent{CaptureID: e.CaptureID, Phase: e.Phase, Message: e.Message, At: e.At}
}
