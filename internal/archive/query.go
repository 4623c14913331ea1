package archive

import (
	"slices"
	"strings"
	"time"
	"unicode/utf8"
)

// Sort orders capture listings.
type Sort string

// Supported capture orderings.
const (
	SortNewest Sort = "created_at_desc"
	SortOldest Sort = "created_at_asc"
	SortSize   Sort = "size_desc"
)

const (
	// DefaultPageSize is used when a listing omits page_size.
	DefaultPageSize = 10
	// MaxPageSize bounds page_size.
	MaxPageSize = 100
)

// CaptureQuery filters and paginates capture listings. Q is a case-insensitive
// substring search over title, description, URL and search text.
type CaptureQuery struct {
	Domain   string
	Status   Status
	Tag      string
	URL      string
	Q        string
	Sort     Sort
	Page     int
	PageSize int
}

// Normalize fills defaults and clamps pagination.
func (q CaptureQuery) Normalize() CaptureQuery {
	switch q.Sort {
	case SortNewest, SortOldest, SortSize:
	default:
		q.Sort = SortNewest
	}
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PageSize <= 0 {
		q.PageSize = DefaultPageSize
	}
	if q.PageSize > MaxPageSize {
		q.PageSize = MaxPageSize
	}
	return q
}

// Offset returns the zero-based row offset of the page.
func (q CaptureQuery) Offset() int {
	return (q.Page - 1) * q.PageSize
}

// Matches reports whether c satisfies every filter of q.
func (q CaptureQuery) Matches(c Capture) bool {
	if q.Domain != "" && !strings.EqualFold(c.Metadata.Domain, q.Domain) {
		return false
	}
	if q.Status != "" && c.Status != q.Status {
		return false
	}
	if q.Tag != "" && !slices.Contains(c.Tags, q.Tag) {
		return false
	}
	if q.URL != "" && c.URL != q.URL {
		return false
	}
	if q.Q != "" {
		needle := strings.ToLower(q.Q)
		for _, hay := range []string{c.URL, c.Metadata.Title, c.Metadata.Description, c.Metadata.SearchText} {
			if strings.Contains(strings.ToLower(hay), needle) {
				return true
			}
		}
		return false
	}
	return true
}

const snippetRadius = 80

// Snippet returns the text surrounding the first case-insensitive match of
// needle in text, or "" when there is no match.
func Snippet(text, needle string) string {
	if needle == "" || text == "" {
		return ""
	}
	idx := strings.Index(strings.ToLower(text), strings.ToLower(needle))
	if idx < 0 {
		return ""
	}
	start := max(idx-snippetRadius, 0)
	end := min(idx+len(needle)+snippetRadius, len(text))
	for start > 0 && !utf8.RuneStart(text[start]) {
		start--
	}
	for end < len(text) && !utf8.RuneStart(text[end]) {
		end++
	}
	out := strings.TrimSpace(text[start:end])
	if start > 0 {
		out = "…" + out
	}
	if end < len(text) {
		out += "…"
	}
	return out
}

// CapturePage is one page of a capture listing.
type CapturePage struct {
	Captures []Capture `json:"captures"`
	Total    int       `json:"total"`
	Page     int       `json:"page"`
	PageSize int       `json:"page_size"`
}

// ArtifactQuery selects artifacts by capture or walks all artifacts by id.
type ArtifactQuery struct {
	CaptureID string
	AfterID   string
	Limit     int
}

// ScheduleQuery selects schedules. A zero DueBefore matches every schedule.
type ScheduleQuery struct {
	DueBefore   time.Time
	EnabledOnly bool
}

// Stats aggregates the record store for the dashboard.
type Stats struct {
	Captures   int   `json:"captures"`
	TotalBytes int64 `json:"total_bytes"`
	Domains    int   `json:"domains"`
	Recent     int   `json:"recent"`
}

// Snapshot is a consistent copy of every table for export.
type Snapshot struct {
	TakenAt       time.Time      `json:"taken_at"`
	Settings      Settings       `json:"settings"`
	Captures      []Capture      `json:"captures"`
	Artifacts     []Artifact     `json:"artifacts"`
	IntegrityLogs []IntegrityLog `json:"integrity_logs"`
	Schedules     []Schedule     `json:"schedules"`
	Events        []CaptureEvent `json:"events"`
}
