// Package sqlite implements the record store on a local SQLite file via GORM.
package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/JakeFAU/parker/internal/archive"
)

// Config controls the SQLite connection.
type Config struct {
	// Path is the database file. ":memory:" keeps everything in process.
	Path string
}

// Store implements archive.Store. SQLite permits one writer at a time, so the
// pool is pinned to a single connection and every transition runs inside a
// transaction on it.
type Store struct {
	db *gorm.DB
}

const settingsID = 1

// Open opens (or creates) the database and migrates the schema.
func Open(cfg Config) (*Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sqlite handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)

	if err := db.AutoMigrate(
		&captureRow{},
		&artifactRow{},
		&integrityLogRow{},
		&scheduleRow{},
		&settingsRow{},
		&eventRow{},
	); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate sqlite schema: %w", err)
	}
	return &Store{db: db}, nil
}

func notFound(kind, id string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s %s: %w", kind, id, archive.ErrNotFound)
	}
	return fmt.Errorf("load %s %s: %w", kind, id, err)
}

// CreateCapture inserts a new capture.
func (s *Store) CreateCapture(ctx context.Context, c *archive.Capture) error {
	row := toCaptureRow(c)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("capture %s already exists: %w", c.ID, archive.ErrConflict)
		}
		return fmt.Errorf("insert capture: %w", err)
	}
	return nil
}

// GetCapture fetches a capture by id.
func (s *Store) GetCapture(ctx context.Context, id string) (archive.Capture, error) {
	var row captureRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return archive.Capture{}, notFound("capture", id, err)
	}
	return row.toCapture(), nil
}

// ListCaptures filters, sorts and paginates captures.
func (s *Store) ListCaptures(ctx context.Context, q archive.CaptureQuery) (archive.CapturePage, error) {
	q = q.Normalize()
	query := s.db.WithContext(ctx).Model(&captureRow{})
	if q.Domain != "" {
		query = query.Where("LOWER(domain) = ?", strings.ToLower(q.Domain))
	}
	if q.Status != "" {
		query = query.Where("status = ?", string(q.Status))
	}
	if q.URL != "" {
		query = query.Where("url = ?", q.URL)
	}
	if q.Tag != "" {
		encoded, err := json.Marshal(q.Tag)
		if err != nil {
			return archive.CapturePage{}, fmt.Errorf("encode tag filter: %w", err)
		}
		query = query.Where(`tags LIKE ? ESCAPE '\'`, "%"+escapeLike(string(encoded))+"%")
	}
	if q.Q != "" {
		like := "%" + escapeLike(strings.ToLower(q.Q)) + "%"
		query = query.Where(
			`(LOWER(url) LIKE ? ESCAPE '\' OR LOWER(title) LIKE ? ESCAPE '\' OR LOWER(description) LIKE ? ESCAPE '\' OR LOWER(search_text) LIKE ? ESCAPE '\')`,
			like, like, like, like,
		)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return archive.CapturePage{}, fmt.Errorf("count captures: %w", err)
	}

	switch q.Sort {
	case archive.SortOldest:
		query = query.Order("created_at ASC").Order("id ASC")
	case archive.SortSize:
		query = query.Order("total_size_bytes DESC").Order("created_at DESC")
	default:
		query = query.Order("created_at DESC").Order("id DESC")
	}
	var rows []captureRow
	if err := query.Offset(q.Offset()).Limit(q.PageSize).Find(&rows).Error; err != nil {
		return archive.CapturePage{}, fmt.Errorf("list captures: %w", err)
	}
	page := archive.CapturePage{
		Captures: make([]archive.Capture, 0, len(rows)),
		Total:    int(total),
		Page:     q.Page,
		PageSize: q.PageSize,
	}
	for _, row := range rows {
		page.Captures = append(page.Captures, row.toCapture())
	}
	return page, nil
}

func escapeLike(v string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(v)
}

// ClaimCapture moves a queued capture to running and consumes one attempt.
func (s *Store) ClaimCapture(ctx context.Context, id string, now time.Time) (archive.Capture, error) {
	var claimed archive.Capture
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row captureRow
		if err := tx.First(&row, "id = ?", id).Error; err != nil {
			return notFound("capture", id, err)
		}
		if err := archive.CheckTransition(archive.Status(row.Status), archive.StatusRunning); err != nil {
			return err
		}
		if row.AttemptCount >= row.MaxAttempts {
			return fmt.Errorf("capture %s: %w", id, archive.ErrAttemptsExhausted)
		}
		res := tx.Model(&captureRow{}).
			Where("id = ? AND status = ? AND attempt_count = ?", id, row.Status, row.AttemptCount).
			Updates(map[string]any{
				"status":        string(archive.StatusRunning),
				"attempt_count": row.AttemptCount + 1,
				"started_at":    now,
				"reason":        "",
			})
		if res.Error != nil {
			return fmt.Errorf("claim capture: %w", res.Error)
		}
		if res.RowsAffected != 1 {
			return fmt.Errorf("claim capture %s: %w", id, archive.ErrConflict)
		}
		row.Status = string(archive.StatusRunning)
		row.AttemptCount++
		row.StartedAt = &now
		row.Reason = ""
		claimed = row.toCapture()
		return nil
	})
	if err != nil {
		return archive.Capture{}, err
	}
	return claimed, nil
}

func (s *Store) transition(ctx context.Context, id string, to archive.Status, updates map[string]any) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row captureRow
		if err := tx.Select("id", "status").First(&row, "id = ?", id).Error; err != nil {
			return notFound("capture", id, err)
		}
		if err := archive.CheckTransition(archive.Status(row.Status), to); err != nil {
			return err
		}
		updates["status"] = string(to)
		res := tx.Model(&captureRow{}).Where("id = ? AND status = ?", id, row.Status).Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("update capture %s: %w", id, res.Error)
		}
		if res.RowsAffected != 1 {
			return fmt.Errorf("update capture %s: %w", id, archive.ErrConflict)
		}
		return nil
	})
}

// RequeueCapture moves a running capture back to queued.
func (s *Store) RequeueCapture(ctx context.Context, id, reason string) error {
	return s.transition(ctx, id, archive.StatusQueued, map[string]any{"reason": reason})
}

// FinishCapture sets the terminal status.
func (s *Store) FinishCapture(ctx context.Context, id string, out archive.Outcome) error {
	if !out.Status.Terminal() {
		return fmt.Errorf("finish with %s: %w", out.Status, archive.ErrConflict)
	}
	return s.transition(ctx, id, out.Status, map[string]any{
		"reason":      out.Reason,
		"finished_at": out.FinishedAt,
	})
}

func (s *Store) updateCapture(ctx context.Context, id string, updates map[string]any) error {
	res := s.db.WithContext(ctx).Model(&captureRow{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update capture %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("capture %s: %w", id, archive.ErrNotFound)
	}
	return nil
}

// SaveMetadata replaces the extracted metadata of a capture.
func (s *Store) SaveMetadata(ctx context.Context, id string, md archive.Metadata) error {
	return s.updateCapture(ctx, id, map[string]any{
		"title":            md.Title,
		"description":      md.Description,
		"domain":           md.Domain,
		"http_status":      md.HTTPStatus,
		"total_size_bytes": md.TotalSizeBytes,
		"search_text":      md.SearchText,
	})
}

// SetTags replaces the tag set of a capture.
func (s *Store) SetTags(ctx context.Context, id string, tags []string) error {
	encoded, err := json.Marshal(archive.NormalizeTags(tags))
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}
	return s.updateCapture(ctx, id, map[string]any{"tags": string(encoded)})
}

// DeleteCapture removes a capture and its artifacts, integrity logs and
// events in one transaction. The status guard is part of the final DELETE so
// a concurrent claim cannot slip in between.
func (s *Store) DeleteCapture(ctx context.Context, id string) ([]archive.Artifact, error) {
	var removed []archive.Artifact
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row captureRow
		if err := tx.Select("id", "status").First(&row, "id = ?", id).Error; err != nil {
			return notFound("capture", id, err)
		}
		if archive.Status(row.Status) == archive.StatusRunning {
			return fmt.Errorf("capture %s is running: %w", id, archive.ErrConflict)
		}
		var arts []artifactRow
		if err := tx.Where("capture_id = ?", id).Order("id ASC").Find(&arts).Error; err != nil {
			return fmt.Errorf("list artifacts: %w", err)
		}
		ids := make([]string, 0, len(arts))
		for _, a := range arts {
			removed = append(removed, a.toArtifact())
			ids = append(ids, a.ID)
		}
		if len(ids) > 0 {
			if err := tx.Where("artifact_id IN ?", ids).Delete(&integrityLogRow{}).Error; err != nil {
				return fmt.Errorf("delete integrity logs: %w", err)
			}
			if err := tx.Where("capture_id = ?", id).Delete(&artifactRow{}).Error; err != nil {
				return fmt.Errorf("delete artifacts: %w", err)
			}
		}
		if err := tx.Where("capture_id = ?", id).Delete(&eventRow{}).Error; err != nil {
			return fmt.Errorf("delete capture events: %w", err)
		}
		res := tx.Where("id = ? AND status <> ?", id, string(archive.StatusRunning)).Delete(&captureRow{})
		if res.Error != nil {
			return fmt.Errorf("delete capture: %w", res.Error)
		}
		if res.RowsAffected != 1 {
			return fmt.Errorf("delete capture %s: %w", id, archive.ErrConflict)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// AddArtifact inserts an artifact row.
func (s *Store) AddArtifact(ctx context.Context, a archive.Artifact) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&captureRow{}).Where("id = ?", a.CaptureID).Count(&count).Error; err != nil {
			return fmt.Errorf("check capture: %w", err)
		}
		if count == 0 {
			return fmt.Errorf("capture %s: %w", a.CaptureID, archive.ErrNotFound)
		}
		row := toArtifactRow(a)
		if err := tx.Create(&row).Error; err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint failed") {
				return fmt.Errorf("artifact %s/%s already exists: %w", a.CaptureID, a.Kind, archive.ErrConflict)
			}
			return fmt.Errorf("insert artifact: %w", err)
		}
		return nil
	})
}

// ListArtifacts returns artifacts ordered by id.
func (s *Store) ListArtifacts(ctx context.Context, q archive.ArtifactQuery) ([]archive.Artifact, error) {
	query := s.db.WithContext(ctx).Model(&artifactRow{}).Order("id ASC")
	if q.CaptureID != "" {
		query = query.Where("capture_id = ?", q.CaptureID)
	}
	if q.AfterID != "" {
		query = query.Where("id > ?", q.AfterID)
	}
	if q.Limit > 0 {
		query = query.Limit(q.Limit)
	}
	var rows []artifactRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	out := make([]archive.Artifact, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toArtifact())
	}
	return out, nil
}

// AppendIntegrityLog inserts one verification result.
func (s *Store) AppendIntegrityLog(ctx context.Context, l archive.IntegrityLog) error {
	row := integrityLogRow{
		ID:         l.ID,
		ArtifactID: l.ArtifactID,
		CheckedAt:  l.CheckedAt,
		Outcome:    string(l.Outcome),
		Checksum:   l.Checksum,
		Detail:     l.Detail,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("insert integrity log: %w", err)
	}
	return nil
}

// ListIntegrityLogs returns the newest logs first, optionally for one artifact.
func (s *Store) ListIntegrityLogs(ctx context.Context, artifactID string, limit int) ([]archive.IntegrityLog, error) {
	query := s.db.WithContext(ctx).Model(&integrityLogRow{}).Order("seq DESC")
	if artifactID != "" {
		query = query.Where("artifact_id = ?", artifactID)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []integrityLogRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list integrity logs: %w", err)
	}
	out := make([]archive.IntegrityLog, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toLog())
	}
	return out, nil
}

// CreateSchedule inserts a schedule.
func (s *Store) CreateSchedule(ctx context.Context, sch *archive.Schedule) error {
	row := scheduleRow{
		ID:            sch.ID,
		URL:           sch.URL,
		IntervalHours: sch.IntervalHours,
		NextRunAt:     sch.NextRunAt,
		Enabled:       sch.Enabled,
		CreatedAt:     sch.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("schedule %s already exists: %w", sch.ID, archive.ErrConflict)
		}
		return fmt.Errorf("insert schedule: %w", err)
	}
	return nil
}

// GetSchedule fetches a schedule by id.
func (s *Store) GetSchedule(ctx context.Context, id string) (archive.Schedule, error) {
	var row scheduleRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return archive.Schedule{}, notFound("schedule", id, err)
	}
	return row.toSchedule(), nil
}

// ListSchedules returns schedules ordered by next_run_at.
func (s *Store) ListSchedules(ctx context.Context, q archive.ScheduleQuery) ([]archive.Schedule, error) {
	query := s.db.WithContext(ctx).Model(&scheduleRow{}).Order("next_run_at ASC").Order("id ASC")
	if q.EnabledOnly {
		query = query.Where("enabled = ?", true)
	}
	var rows []scheduleRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	out := make([]archive.Schedule, 0, len(rows))
	for _, row := range rows {
		// Due filtering happens here rather than in SQL because SQLite compares
		// timestamps as text.
		if !q.DueBefore.IsZero() && row.NextRunAt.After(q.DueBefore) {
			continue
		}
		out = append(out, row.toSchedule())
	}
	return out, nil
}

// AdvanceSchedule swaps next_run_at when the stored value still equals from.
func (s *Store) AdvanceSchedule(ctx context.Context, id string, from, to time.Time) (bool, error) {
	advanced := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row scheduleRow
		if err := tx.First(&row, "id = ?", id).Error; err != nil {
			return notFound("schedule", id, err)
		}
		if !row.NextRunAt.Equal(from) {
			return nil
		}
		if err := tx.Model(&scheduleRow{}).Where("id = ?", id).Update("next_run_at", to).Error; err != nil {
			return fmt.Errorf("advance schedule %s: %w", id, err)
		}
		advanced = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return advanced, nil
}

// SetScheduleEnabled toggles a schedule.
func (s *Store) SetScheduleEnabled(ctx context.Context, id string, enabled bool) error {
	res := s.db.WithContext(ctx).Model(&scheduleRow{}).Where("id = ?", id).Update("enabled", enabled)
	if res.Error != nil {
		return fmt.Errorf("toggle schedule %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("schedule %s: %w", id, archive.ErrNotFound)
	}
	return nil
}

// GetSettings returns the settings singleton.
func (s *Store) GetSettings(ctx context.Context) (archive.Settings, error) {
	var row settingsRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", settingsID).Error; err != nil {
		return archive.Settings{}, notFound("settings", "singleton", err)
	}
	return row.Settings, nil
}

// SaveSettings upserts the settings singleton.
func (s *Store) SaveSettings(ctx context.Context, settings archive.Settings) error {
	row := settingsRow{ID: settingsID, Settings: settings}
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

// AppendEvents inserts capture events in one batch.
func (s *Store) AppendEvents(ctx context.Context, events []archive.CaptureEvent) error {
	if len(events) == 0 {
		return nil
	}
	rows := make([]eventRow, 0, len(events))
	for _, evt := range events {
		rows = append(rows, eventRow{CaptureID: evt.CaptureID, Phase: string(evt.Phase), Message: evt.Message, At: evt.At})
	}
	if err := s.db.WithContext(ctx).Create(&rows).Error; err != nil {
		return fmt.Errorf("insert capture events: %w", err)
	}
	return nil
}

// ListEvents returns the events of one capture in append order.
func (s *Store) ListEvents(ctx context.Context, captureID string) ([]archive.CaptureEvent, error) {
	var rows []eventRow
	if err := s.db.WithContext(ctx).Where("capture_id = ?", captureID).Order("seq ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list capture events: %w", err)
	}
	out := make([]archive.CaptureEvent, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toEvent())
	}
	return out, nil
}

// Stats aggregates captures for the dashboard.
func (s *Store) Stats(ctx context.Context, since time.Time) (archive.Stats, error) {
	var agg struct {
		Captures   int64
		TotalBytes int64
		Domains    int64
	}
	db := s.db.WithContext(ctx)
	if err := db.Model(&captureRow{}).
		Select("COUNT(*) AS captures, COALESCE(SUM(total_size_bytes), 0) AS total_bytes, COUNT(DISTINCT NULLIF(domain, '')) AS domains").
		Scan(&agg).Error; err != nil {
		return archive.Stats{}, fmt.Errorf("capture stats: %w", err)
	}
	var created []time.Time
	if err := db.Model(&captureRow{}).Pluck("created_at", &created).Error; err != nil {
		return archive.Stats{}, fmt.Errorf("capture recency: %w", err)
	}
	stats := archive.Stats{Captures: int(agg.Captures), TotalBytes: agg.TotalBytes, Domains: int(agg.Domains)}
	for _, ts := range created {
		if !ts.Before(since) {
			stats.Recent++
		}
	}
	return stats, nil
}

// Snapshot reads every table inside one transaction.
func (s *Store) Snapshot(ctx context.Context) (archive.Snapshot, error) {
	snap := archive.Snapshot{TakenAt: time.Now().UTC()}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var captures []captureRow
		if err := tx.Order("id ASC").Find(&captures).Error; err != nil {
			return fmt.Errorf("snapshot captures: %w", err)
		}
		for _, row := range captures {
			snap.Captures = append(snap.Captures, row.toCapture())
		}
		var artifacts []artifactRow
		if err := tx.Order("id ASC").Find(&artifacts).Error; err != nil {
			return fmt.Errorf("snapshot artifacts: %w", err)
		}
		for _, row := range artifacts {
			snap.Artifacts = append(snap.Artifacts, row.toArtifact())
		}
		var logs []integrityLogRow
		if err := tx.Order("seq ASC").Find(&logs).Error; err != nil {
			return fmt.Errorf("snapshot integrity logs: %w", err)
		}
		for _, row := range logs {
			snap.IntegrityLogs = append(snap.IntegrityLogs, row.toLog())
		}
		var schedules []scheduleRow
		if err := tx.Order("id ASC").Find(&schedules).Error; err != nil {
			return fmt.Errorf("snapshot schedules: %w", err)
		}
		for _, row := range schedules {
			snap.Schedules = append(snap.Schedules, row.toSchedule())
		}
		var events []eventRow
		if err := tx.Order("seq ASC").Find(&events).Error; err != nil {
			return fmt.Errorf("snapshot events: %w", err)
		}
		for _, row := range events {
			snap.Events = append(snap.Events, row.toEvent())
		}
		var settings settingsRow
		err := tx.First(&settings, "id = ?", settingsID).Error
		switch {
		case err == nil:
			snap.Settings = settings.Settings
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return fmt.Errorf("snapshot settings: %w", err)
		}
		return nil
	})
	if err != nil {
		return archive.Snapshot{}, err
	}
	return snap, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("sqlite handle: %w", err)
	}
	return sqlDB.Close()
}

var _ archive.Store = (*Store)(nil)
