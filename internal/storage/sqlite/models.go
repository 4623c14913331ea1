package sqlite

import (
	"time"

	"github.com/JakeFAU/parker/internal/archive"
)

type captureRow struct {
	ID             string `gorm:"primaryKey"`
	URL            string `gorm:"index;not null"`
	Status         string `gorm:"index;not null"`
	Reason         string
	AttemptCount   int
	MaxAttempts    int
	IncludePDF     bool
	Cookies        []archive.Cookie  `gorm:"serializer:json"`
	Headers        map[string]string `gorm:"serializer:json"`
	Tags           []string          `gorm:"serializer:json"`
	Title          string
	Description    string
	Domain         string `gorm:"index"`
	HTTPStatus     int
	TotalSizeBytes int64
	SearchText     string
	ScheduleID     string    `gorm:"index"`
	CreatedAt      time.Time `gorm:"index;autoCreateTime:false"`
	StartedAt      *time.Time
	FinishedAt     *time.Time
}

func (captureRow) TableName() string { return "captures" }

type artifactRow struct {
	ID        string `gorm:"primaryKey"`
	CaptureID string `gorm:"not null;uniqueIndex:idx_artifacts_capture_kind"`
	Kind      string `gorm:"not null;uniqueIndex:idx_artifacts_capture_kind"`
	Path      string `gorm:"not null"`
	SHA256    string `gorm:"column:sha256;not null"`
	SizeBytes int64
	CreatedAt time.Time `gorm:"autoCreateTime:false"`
}

func (artifactRow) TableName() string { return "artifacts" }

type integrityLogRow struct {
	Seq        int64  `gorm:"primaryKey;autoIncrement"`
	ID         string `gorm:"uniqueIndex;not null"`
	ArtifactID string `gorm:"index;not null"`
	CheckedAt  time.Time
	Outcome    string
	Checksum   string
	Detail     string
}

func (integrityLogRow) TableName() string { return "integrity_logs" }

type scheduleRow struct {
	ID            string `gorm:"primaryKey"`
	URL           string `gorm:"not null"`
	IntervalHours int
	NextRunAt     time.Time `gorm:"index"`
	Enabled       bool
	CreatedAt     time.Time `gorm:"autoCreateTime:false"`
}

func (scheduleRow) TableName() string { return "schedules" }

type settingsRow struct {
	ID       int              `gorm:"primaryKey;autoIncrement:false"`
	Settings archive.Settings `gorm:"serializer:json"`
}

func (settingsRow) TableName() string { return "settings" }

type eventRow struct {
	Seq       int64  `gorm:"primaryKey;autoIncrement"`
	CaptureID string `gorm:"index;not null"`
	Phase     string
	Message   string
	At        time.Time
}

func (eventRow) TableName() string { return "capture_events" }

func toCaptureRow(c *archive.Capture) captureRow {
	return captureRow{
		ID:             c.ID,
		URL:            c.URL,
		Status:         string(c.Status),
		Reason:         c.Reason,
		AttemptCount:   c.AttemptCount,
		MaxAttempts:    c.MaxAttempts,
		IncludePDF:     c.IncludePDF,
		Cookies:        c.Cookies,
		Headers:        c.Headers,
		Tags:           archive.NormalizeTags(c.Tags),
		Title:          c.Metadata.Title,
		Description:    c.Metadata.Description,
		Domain:         c.Metadata.Domain,
		HTTPStatus:     c.Metadata.HTTPStatus,
		TotalSizeBytes: c.Metadata.TotalSizeBytes,
		SearchText:     c.Metadata.SearchText,
		ScheduleID:     c.ScheduleID,
		CreatedAt:      c.CreatedAt,
		StartedAt:      c.StartedAt,
		FinishedAt:     c.FinishedAt,
	}
}

func (r captureRow) toCapture() archive.Capture {
	tags := r.Tags
	if tags == nil {
		tags = []string{}
	}
	return archive.Capture{
		ID:           r.ID,
		URL:          r.URL,
		Status:       archive.Status(r.Status),
		Reason:       r.Reason,
		AttemptCount: r.AttemptCount,
		MaxAttempts:  r.MaxAttempts,
		IncludePDF:   r.IncludePDF,
		Cookies:      r.Cookies,
		Headers:      r.Headers,
		Tags:         tags,
		Metadata: archive.Metadata{
			Title:          r.Title,
			Description:    r.Description,
			Domain:         r.Domain,
			HTTPStatus:     r.HTTPStatus,
			TotalSizeBytes: r.TotalSizeBytes,
			SearchText:     r.SearchText,
		},
		ScheduleID: r.ScheduleID,
		CreatedAt:  r.CreatedAt,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
	}
}

func toArtifactRow(a archive.Artifact) artifactRow {
	return artifactRow{
		ID:        a.ID,
		CaptureID: a.CaptureID,
		Kind:      string(a.Kind),
		Path:      a.Path,
		SHA256:    a.SHA256,
		SizeBytes: a.SizeBytes,
		CreatedAt: a.CreatedAt,
	}
}

func (r artifactRow) toArtifact() archive.Artifact {
	return archive.Artifact{
		ID:        r.ID,
		CaptureID: r.CaptureID,
		Kind:      archive.Kind(r.Kind),
		Path:      r.Path,
		SHA256:    r.SHA256,
		SizeBytes: r.SizeBytes,
		CreatedAt: r.CreatedAt,
	}
}

func (r integrityLogRow) toLog() archive.IntegrityLog {
	return archive.IntegrityLog{
		ID:         r.ID,
		ArtifactID: r.ArtifactID,
		CheckedAt:  r.CheckedAt,
		Outcome:    archive.IntegrityOutcome(r.Outcome),
		Checksum:   r.Checksum,
		Detail:     r.Detail,
	}
}

func (r scheduleRow) toSchedule() archive.Schedule {
	return archive.Schedule{
		ID:            r.ID,
		URL:           r.URL,
		IntervalHours: r.IntervalHours,
		NextRunAt:     r.NextRunAt,
		Enabled:       r.Enabled,
		CreatedAt:     r.CreatedAt,
	}
}

func (r eventRow) toEvent() archive.CaptureEvent {
	return archive.CaptureEvent{
		CaptureID: r.CaptureID,
		Phase:     archive.Phase(r.Phase),
		Message:   r.Message,
		At:        r.At,
	}
}
