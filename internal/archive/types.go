package archive

import (
	"slices"
	"strings"
	"time"
)

// Status is the lifecycle state of a Capture.
type Status string

// Capture lifecycle states.
const (
	StatusQueued  Status = "queued"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusPartial Status = "partial"
	StatusFailed  Status = "failed"
)

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusPartial, StatusFailed:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusSuccess, StatusPartial, StatusFailed:
		return true
	default:
		return false
	}
}

// Kind identifies one artifact output of a capture attempt.
type Kind string

// Artifact kinds.
const (
	KindHTML       Kind = "html"
	KindScreenshot Kind = "screenshot"
	KindWARC       Kind = "warc"
	KindPDF        Kind = "pdf"
)

// AllKinds lists every kind in pipeline order.
var AllKinds = []Kind{KindHTML, KindScreenshot, KindWARC, KindPDF}

// FileName returns the fixed file name used inside a capture directory.
func (k Kind) FileName() string {
	switch k {
	case KindHTML:
		return "snapshot.html"
	case KindScreenshot:
		return "snapshot.png"
	case KindWARC:
		return "snapshot.warc"
	case KindPDF:
		return "snapshot.pdf"
	default:
		return ""
	}
}

// ContentType returns the MIME type served for the kind.
func (k Kind) ContentType() string {
	switch k {
	case KindHTML:
		return "text/html; charset=utf-8"
	case KindScreenshot:
		return "image/png"
	case KindWARC:
		return "application/warc"
	case KindPDF:
		return "application/pdf"
	default:
		return "application/octet-stream"
	}
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return slices.Contains(AllKinds, k)
}

// Cookie is a browser cookie injected before navigation.
type Cookie struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Domain string `json:"domain,omitempty"`
	Path   string `json:"path,omitempty"`
}

// Metadata is extracted from the rendered page and stored on the capture.
type Metadata struct {
	Title          string `json:"title"`
	Description    string `json:"description"`
	Domain         string `json:"domain"`
	HTTPStatus     int    `json:"http_status"`
	TotalSizeBytes int64  `json:"total_size_bytes"`
	SearchText     string `json:"search_text,omitempty"`
}

// Capture is one archival attempt-series for a URL.
type Capture struct {
	ID           string            `json:"id"`
	URL          string            `json:"url"`
	Status       Status            `json:"status"`
	Reason       string            `json:"reason,omitempty"`
	AttemptCount int               `json:"attempt_count"`
	MaxAttempts  int               `json:"max_attempts"`
	IncludePDF   bool              `json:"include_pdf"`
	Cookies      []Cookie          `json:"cookies,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	Tags         []string          `json:"tags"`
	Metadata     Metadata          `json:"metadata"`
	ScheduleID   string            `json:"schedule_id,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	FinishedAt   *time.Time        `json:"finished_at,omitempty"`
}

// Artifact is one output file of a single capture.
type Artifact struct {
	ID        string    `json:"id"`
	CaptureID string    `json:"capture_id"`
	Kind      Kind      `json:"kind"`
	Path      string    `json:"path"`
	SHA256    string    `json:"sha256"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
}

// IntegrityOutcome is the verdict of one verification pass over an artifact.
type IntegrityOutcome string

// Integrity outcomes.
const (
	IntegrityOK       IntegrityOutcome = "ok"
	IntegrityMismatch IntegrityOutcome = "mismatch"
	IntegrityMissing  IntegrityOutcome = "missing"
)

// IntegrityLog records one verification of one artifact. Rows are append-only.
type IntegrityLog struct {
	ID         string           `json:"id"`
	ArtifactID string           `json:"artifact_id"`
	CheckedAt  time.Time        `json:"checked_at"`
	Outcome    IntegrityOutcome `json:"outcome"`
	Checksum   string           `json:"checksum,omitempty"`
	Detail     string           `json:"detail,omitempty"`
}

// Schedule is a recurring capture instruction.
type Schedule struct {
	ID            string    `json:"id"`
	URL           string    `json:"url"`
	IntervalHours int       `json:"interval_hours"`
	NextRunAt     time.Time `json:"next_run_at"`
	Enabled       bool      `json:"enabled"`
	CreatedAt     time.Time `json:"created_at"`
}

// Interval returns the schedule period.
func (s Schedule) Interval() time.Duration {
	return time.Duration(s.IntervalHours) * time.Hour
}

// CaptureEvent is a persisted progress notification for a capture.
type CaptureEvent struct {
	CaptureID string    `json:"capture_id"`
	Phase     Phase     `json:"phase"`
	Message   string    `json:"message,omitempty"`
	At        time.Time `json:"at"`
}

// Outcome finalizes a capture.
type Outcome struct {
	Status     Status
	Reason     string
	FinishedAt time.Time
}

// NormalizeTags trims, de-duplicates and sorts tags, dropping empty values.
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" || slices.Contains(out, tag) {
			continue
		}
		out = append(out, tag)
	}
	slices.Sort(out)
	return out
}

// Clone returns a deep copy of c.
func (c Capture) Clone() Capture {
	out := c
	out.Cookies = slices.Clone(c.Cookies)
	out.Tags = slices.Clone(c.Tags)
	if c.Headers != nil {
		out.Headers = make(map[string]string, len(c.Headers))
		for k, v := range c.Headers {
			out.Headers[k] = v
		}
	}
	if c.StartedAt != nil {
		t := *c.StartedAt
		out.StartedAt = &t
	}
	if c.FinishedAt != nil {
		t := *c.FinishedAt
		out.FinishedAt = &t
	}
	return out
}
