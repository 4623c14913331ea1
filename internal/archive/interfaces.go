package archive

import (
	"context"
	"time"
)

// CaptureStore persists captures and enforces the lifecycle transitions atomically.
type CaptureStore interface {
	CreateCapture(ctx context.Context, c *Capture) error
	GetCapture(ctx context.Context, id string) (Capture, error)
	ListCaptures(ctx context.Context, q CaptureQuery) (CapturePage, error)
	// ClaimCapture moves a queued capture to running, records started_at and
	// consumes one attempt. It returns ErrConflict if the capture is not queued
	// and ErrAttemptsExhausted if no attempt remains.
	ClaimCapture(ctx context.Context, id string, now time.Time) (Capture, error)
	// RequeueCapture moves a running capture back to queued.
	RequeueCapture(ctx context.Context, id, reason string) error
	// FinishCapture sets a terminal status exactly once.
	FinishCapture(ctx context.Context, id string, out Outcome) error
	SaveMetadata(ctx context.Context, id string, md Metadata) error
	SetTags(ctx context.Context, id string, tags []string) error
	// DeleteCapture removes a capture with its artifacts, events and
	// integrity logs in one transaction and returns the removed artifacts.
	// It returns ErrConflict while the capture is running.
	DeleteCapture(ctx context.Context, id string) ([]Artifact, error)
}

// ArtifactStore persists artifact rows.
type ArtifactStore interface {
	AddArtifact(ctx context.Context, a Artifact) error
	ListArtifacts(ctx context.Context, q ArtifactQuery) ([]Artifact, error)
}

// IntegrityStore persists integrity verification results.
type IntegrityStore interface {
	AppendIntegrityLog(ctx context.Context, l IntegrityLog) error
	ListIntegrityLogs(ctx context.Context, artifactID string, limit int) ([]IntegrityLog, error)
}

// ScheduleStore persists recurring capture instructions.
type ScheduleStore interface {
	CreateSchedule(ctx context.Context, s *Schedule) error
	GetSchedule(ctx context.Context, id string) (Schedule, error)
	ListSchedules(ctx context.Context, q ScheduleQuery) ([]Schedule, error)
	// AdvanceSchedule moves next_run_at from one value to another only if the
	// stored value still equals from. It reports whether the swap happened.
	AdvanceSchedule(ctx context.Context, id string, from, to time.Time) (bool, error)
	SetScheduleEnabled(ctx context.Context, id string, enabled bool) error
}

// SettingsStore persists the singleton settings record. GetSettings returns
// ErrNotFound before the first save.
type SettingsStore interface {
	GetSettings(ctx context.Context) (Settings, error)
	SaveSettings(ctx context.Context, s Settings) error
}

// EventStore persists the capture event log.
type EventStore interface {
	AppendEvents(ctx context.Context, events []CaptureEvent) error
	ListEvents(ctx context.Context, captureID string) ([]CaptureEvent, error)
}

// Store is the full record store.
type Store interface {
	CaptureStore
	ArtifactStore
	IntegrityStore
	ScheduleStore
	SettingsStore
	EventStore
	Stats(ctx context.Context, since time.Time) (Stats, error)
	Snapshot(ctx context.Context) (Snapshot, error)
	Close() error
}

// RenderRequest describes one render call.
type RenderRequest struct {
	URL     string
	Cookies []Cookie
	Headers map[string]string
	Kinds   []Kind
	Timeout time.Duration
	// OnPhase is invoked as the renderer moves through navigation, scrolling
	// and each capture step. It may be nil.
	OnPhase func(Phase)
}

// Announce calls OnPhase when set.
func (r RenderRequest) Announce(p Phase) {
	if r.OnPhase != nil {
		r.OnPhase(p)
	}
}

// RenderResult carries the bytes produced by a renderer. A kind that was
// requested but could not be produced is reported in Failures.
type RenderResult struct {
	HTML       []byte
	Screenshot []byte
	WARC       []byte
	PDF        []byte
	HTTPStatus int
	FinalURL   string
	Links      []string
	Failures   map[Kind]error
}

// Bytes returns the payload for kind k.
func (r *RenderResult) Bytes(k Kind) []byte {
	switch k {
	case KindHTML:
		return r.HTML
	case KindScreenshot:
		return r.Screenshot
	case KindWARC:
		return r.WARC
	case KindPDF:
		return r.PDF
	default:
		return nil
	}
}

// Fail records a per-kind failure.
func (r *RenderResult) Fail(k Kind, err error) {
	if r.Failures == nil {
		r.Failures = make(map[Kind]error)
	}
	r.Failures[k] = err
}

// Renderer produces page bytes. It returns a *RenderError when the page could
// not be loaded at all and must honor ctx cancellation.
type Renderer interface {
	Render(ctx context.Context, req RenderRequest) (*RenderResult, error)
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// IDGenerator creates record identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// Hasher computes artifact checksums.
type Hasher interface {
	Hash(data []byte) (string, error)
	HashFile(path string) (string, int64, error)
}

// Publisher announces terminal captures to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Notification is the payload published when a capture reaches a terminal state.
type Notification struct {
	CaptureID  string    `json:"capture_id"`
	URL        string    `json:"url"`
	Status     Status    `json:"status"`
	Reason     string    `json:"reason,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}
