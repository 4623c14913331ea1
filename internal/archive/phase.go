package archive

// Phase names a step of a capture as broadcast to progress subscribers.
type Phase string

// Progress phases in pipeline order.
const (
	PhaseQueued              Phase = "queued"
	PhaseRunning             Phase = "running"
	PhaseNavigating          Phase = "navigating"
	PhaseScrolling           Phase = "scrolling"
	PhaseCapturingHTML       Phase = "capturing_html"
	PhaseCapturingScreenshot Phase = "capturing_screenshot"
	PhaseCapturingWARC       Phase = "capturing_warc"
	PhaseCapturingPDF        Phase = "capturing_pdf"
	PhaseChecksumming        Phase = "checksumming"
	PhaseSuccess             Phase = "success"
	PhasePartial             Phase = "partial"
	PhaseFailed              Phase = "failed"
	PhaseClosed              Phase = "closed"
)

// CapturingPhase returns the phase announced while a kind is produced.
func CapturingPhase(k Kind) Phase {
	switch k {
	case KindHTML:
		return PhaseCapturingHTML
	case KindScreenshot:
		return PhaseCapturingScreenshot
	case KindWARC:
		return PhaseCapturingWARC
	case KindPDF:
		return PhaseCapturingPDF
	default:
		return PhaseRunning
	}
}

// PhaseForStatus maps a terminal status onto its phase.
func PhaseForStatus(s Status) Phase {
	switch s {
	case StatusSuccess:
		return PhaseSuccess
	case StatusPartial:
		return PhasePartial
	case StatusFailed:
		return PhaseFailed
	case StatusRunning:
		return PhaseRunning
	default:
		return PhaseQueued
	}
}
