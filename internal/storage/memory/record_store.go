// Package memory provides an in-memory record store for development and tests.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/JakeFAU/parker/internal/archive"
)

// RecordStore implements archive.Store with a single mutex guarding every
// table, which makes each read-modify-write transition atomic.
type RecordStore struct {
	mu        sync.RWMutex
	captures  map[string]archive.Capture
	artifacts map[string]archive.Artifact
	logs      []archive.IntegrityLog
	schedules map[string]archive.Schedule
	events    []archive.CaptureEvent
	settings  *archive.Settings
}

// NewRecordStore constructs an empty RecordStore.
func NewRecordStore() *RecordStore {
	return &RecordStore{
		captures:  make(map[string]archive.Capture),
		artifacts: make(map[string]archive.Artifact),
		schedules: make(map[string]archive.Schedule),
	}
}

// CreateCapture stores a new capture.
func (s *RecordStore) CreateCapture(_ context.Context, c *archive.Capture) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.captures[c.ID]; exists {
		return fmt.Errorf("capture %s already exists: %w", c.ID, archive.ErrConflict)
	}
	stored := c.Clone()
	stored.Tags = archive.NormalizeTags(stored.Tags)
	s.captures[c.ID] = stored
	return nil
}

// GetCapture fetches a capture by id.
func (s *RecordStore) GetCapture(_ context.Context, id string) (archive.Capture, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.captures[id]
	if !ok {
		return archive.Capture{}, fmt.Errorf("capture %s: %w", id, archive.ErrNotFound)
	}
	return c.Clone(), nil
}

// ListCaptures filters, sorts and paginates captures.
func (s *RecordStore) ListCaptures(_ context.Context, q archive.CaptureQuery) (archive.CapturePage, error) {
	q = q.Normalize()
	s.mu.RLock()
	matched := make([]archive.Capture, 0, len(s.captures))
	for _, c := range s.captures {
		if q.Matches(c) {
			matched = append(matched, c.Clone())
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(matched, func(a, b archive.Capture) int {
		switch q.Sort {
		case archive.SortOldest:
			return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
		case archive.SortSize:
			return cmp.Or(
				cmp.Compare(b.Metadata.TotalSizeBytes, a.Metadata.TotalSizeBytes),
				b.CreatedAt.Compare(a.CreatedAt),
			)
		default:
			return cmp.Or(b.CreatedAt.Compare(a.CreatedAt), cmp.Compare(b.ID, a.ID))
		}
	})

	page := archive.CapturePage{Total: len(matched), Page: q.Page, PageSize: q.PageSize}
	start := min(q.Offset(), len(matched))
	end := min(start+q.PageSize, len(matched))
	page.Captures = matched[start:end]
	return page, nil
}

// ClaimCapture moves a queued capture to running and consumes one attempt.
func (s *RecordStore) ClaimCapture(_ context.Context, id string, now time.Time) (archive.Capture, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.captures[id]
	if !ok {
		return archive.Capture{}, fmt.Errorf("capture %s: %w", id, archive.ErrNotFound)
	}
	if err := archive.CheckTransition(c.Status, archive.StatusRunning); err != nil {
		return archive.Capture{}, err
	}
	if c.AttemptCount >= c.MaxAttempts {
		return archive.Capture{}, fmt.Errorf("capture %s: %w", id, archive.ErrAttemptsExhausted)
	}
	c.Status = archive.StatusRunning
	c.AttemptCount++
	c.StartedAt = &now
	c.Reason = ""
	s.captures[id] = c
	return c.Clone(), nil
}

// RequeueCapture moves a running capture back to queued.
func (s *RecordStore) RequeueCapture(_ context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.captures[id]
	if !ok {
		return fmt.Errorf("capture %s: %w", id, archive.ErrNotFound)
	}
	if err := archive.CheckTransition(c.Status, archive.StatusQueued); err != nil {
		return err
	}
	c.Status = archive.StatusQueued
	c.Reason = reason
	s.captures[id] = c
	return nil
}

// FinishCapture sets the terminal status.
func (s *RecordStore) FinishCapture(_ context.Context, id string, out archive.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.captures[id]
	if !ok {
		return fmt.Errorf("capture %s: %w", id, archive.ErrNotFound)
	}
	if !out.Status.Terminal() {
		return fmt.Errorf("finish with %s: %w", out.Status, archive.ErrConflict)
	}
	if err := archive.CheckTransition(c.Status, out.Status); err != nil {
		return err
	}
	c.Status = out.Status
	c.Reason = out.Reason
	finished := out.FinishedAt
	c.FinishedAt = &finished
	s.captures[id] = c
	return nil
}

// SaveMetadata replaces the extracted metadata of a capture.
func (s *RecordStore) SaveMetadata(_ context.Context, id string, md archive.Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.captures[id]
	if !ok {
		return fmt.Errorf("capture %s: %w", id, archive.ErrNotFound)
	}
	c.Metadata = md
	s.captures[id] = c
	return nil
}

// SetTags replaces the tag set of a capture.
func (s *RecordStore) SetTags(_ context.Context, id string, tags []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.captures[id]
	if !ok {
		return fmt.Errorf("capture %s: %w", id, archive.ErrNotFound)
	}
	c.Tags = archive.NormalizeTags(tags)
	s.captures[id] = c
	return nil
}

// DeleteCapture removes a capture and every row that references it.
func (s *RecordStore) DeleteCapture(_ context.Context, id string) ([]archive.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.captures[id]
	if !ok {
		return nil, fmt.Errorf("capture %s: %w", id, archive.ErrNotFound)
	}
	if c.Status == archive.StatusRunning {
		return nil, fmt.Errorf("capture %s is running: %w", id, archive.ErrConflict)
	}
	removed := make([]archive.Artifact, 0)
	gone := make(map[string]struct{})
	for artID, a := range s.artifacts {
		if a.CaptureID == id {
			removed = append(removed, a)
			gone[artID] = struct{}{}
			delete(s.artifacts, artID)
		}
	}
	s.logs = slices.DeleteFunc(s.logs, func(l archive.IntegrityLog) bool {
		_, hit := gone[l.ArtifactID]
		return hit
	})
	s.events = slices.DeleteFunc(s.events, func(e archive.CaptureEvent) bool { return e.CaptureID == id })
	delete(s.captures, id)
	slices.SortFunc(removed, func(a, b archive.Artifact) int { return cmp.Compare(a.ID, b.ID) })
	return removed, nil
}

// AddArtifact stores an artifact row. Rows are immutable once written.
func (s *RecordStore) AddArtifact(_ context.Context, a archive.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.captures[a.CaptureID]; !ok {
		return fmt.Errorf("capture %s: %w", a.CaptureID, archive.ErrNotFound)
	}
	if _, exists := s.artifacts[a.ID]; exists {
		return fmt.Errorf("artifact %s already exists: %w", a.ID, archive.ErrConflict)
	}
	for _, existing := range s.artifacts {
		if existing.CaptureID == a.CaptureID && existing.Kind == a.Kind {
			return fmt.Errorf("artifact %s/%s already exists: %w", a.CaptureID, a.Kind, archive.ErrConflict)
		}
	}
	s.artifacts[a.ID] = a
	return nil
}

// ListArtifacts returns artifacts ordered by id.
func (s *RecordStore) ListArtifacts(_ context.Context, q archive.ArtifactQuery) ([]archive.Artifact, error) {
	s.mu.RLock()
	out := make([]archive.Artifact, 0)
	for _, a := range s.artifacts {
		if q.CaptureID != "" && a.CaptureID != q.CaptureID {
			continue
		}
		if q.AfterID != "" && a.ID <= q.AfterID {
			continue
		}
		out = append(out, a)
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b archive.Artifact) int { return cmp.Compare(a.ID, b.ID) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// AppendIntegrityLog appends one verification result.
func (s *RecordStore) AppendIntegrityLog(_ context.Context, l archive.IntegrityLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, l)
	return nil
}

// ListIntegrityLogs returns the newest logs first, optionally for one artifact.
func (s *RecordStore) ListIntegrityLogs(_ context.Context, artifactID string, limit int) ([]archive.IntegrityLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]archive.IntegrityLog, 0)
	for i := len(s.logs) - 1; i >= 0; i-- {
		l := s.logs[i]
		if artifactID != "" && l.ArtifactID != artifactID {
			continue
		}
		out = append(out, l)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// CreateSchedule stores a new schedule.
func (s *RecordStore) CreateSchedule(_ context.Context, sch *archive.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.schedules[sch.ID]; exists {
		return fmt.Errorf("schedule %s already exists: %w", sch.ID, archive.ErrConflict)
	}
	s.schedules[sch.ID] = *sch
	return nil
}

// GetSchedule fetches a schedule by id.
func (s *RecordStore) GetSchedule(_ context.Context, id string) (archive.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sch, ok := s.schedules[id]
	if !ok {
		return archive.Schedule{}, fmt.Errorf("schedule %s: %w", id, archive.ErrNotFound)
	}
	return sch, nil
}

// ListSchedules returns schedules ordered by next_run_at.
func (s *RecordStore) ListSchedules(_ context.Context, q archive.ScheduleQuery) ([]archive.Schedule, error) {
	s.mu.RLock()
	out := make([]archive.Schedule, 0, len(s.schedules))
	for _, sch := range s.schedules {
		if q.EnabledOnly && !sch.Enabled {
			continue
		}
		if !q.DueBefore.IsZero() && sch.NextRunAt.After(q.DueBefore) {
			continue
		}
		out = append(out, sch)
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b archive.Schedule) int {
		return cmp.Or(a.NextRunAt.Compare(b.NextRunAt), cmp.Compare(a.ID, b.ID))
	})
	return out, nil
}

// AdvanceSchedule swaps next_run_at when the stored value still equals from.
func (s *RecordStore) AdvanceSchedule(_ context.Context, id string, from, to time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sch, ok := s.schedules[id]
	if !ok {
		return false, fmt.Errorf("schedule %s: %w", id, archive.ErrNotFound)
	}
	if !sch.NextRunAt.Equal(from) {
		return false, nil
	}
	sch.NextRunAt = to
	s.schedules[id] = sch
	return true, nil
}

// SetScheduleEnabled toggles a schedule.
func (s *RecordStore) SetScheduleEnabled(_ context.Context, id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sch, ok := s.schedules[id]
	if !ok {
		return fmt.Errorf("schedule %s: %w", id, archive.ErrNotFound)
	}
	sch.Enabled = enabled
	s.schedules[id] = sch
	return nil
}

// GetSettings returns the settings singleton.
func (s *RecordStore) GetSettings(_ context.Context) (archive.Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.settings == nil {
		return archive.Settings{}, fmt.Errorf("settings: %w", archive.ErrNotFound)
	}
	out := *s.settings
	out.BlockedDomains = slices.Clone(out.BlockedDomains)
	out.RequiredKinds = slices.Clone(out.RequiredKinds)
	return out, nil
}

// SaveSettings replaces the settings singleton.
func (s *RecordStore) SaveSettings(_ context.Context, settings archive.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	settings.BlockedDomains = slices.Clone(settings.BlockedDomains)
	settings.RequiredKinds = slices.Clone(settings.RequiredKinds)
	s.settings = &settings
	return nil
}

// AppendEvents appends capture events.
func (s *RecordStore) AppendEvents(_ context.Context, events []archive.CaptureEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
	return nil
}

// ListEvents returns the events of one capture in append order.
func (s *RecordStore) ListEvents(_ context.Context, captureID string) ([]archive.CaptureEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]archive.CaptureEvent, 0)
	for _, evt := range s.events {
		if evt.CaptureID == captureID {
			out = append(out, evt)
		}
	}
	return out, nil
}

// Stats aggregates captures for the dashboard.
func (s *RecordStore) Stats(_ context.Context, since time.Time) (archive.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var stats archive.Stats
	domains := make(map[string]struct{})
	for _, c := range s.captures {
		stats.Captures++
		stats.TotalBytes += c.Metadata.TotalSizeBytes
		if c.Metadata.Domain != "" {
			domains[c.Metadata.Domain] = struct{}{}
		}
		if !c.CreatedAt.Before(since) {
			stats.Recent++
		}
	}
	stats.Domains = len(domains)
	return stats, nil
}

// Snapshot copies every table under one read lock.
func (s *RecordStore) Snapshot(_ context.Context) (archive.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := archive.Snapshot{
		TakenAt:       time.Now().UTC(),
		Captures:      make([]archive.Capture, 0, len(s.captures)),
		Artifacts:     make([]archive.Artifact, 0, len(s.artifacts)),
		IntegrityLogs: slices.Clone(s.logs),
		Schedules:     make([]archive.Schedule, 0, len(s.schedules)),
		Events:        slices.Clone(s.events),
	}
	if s.settings != nil {
		snap.Settings = *s.settings
	}
	for _, c := range s.captures {
		snap.Captures = append(snap.Captures, c.Clone())
	}
	for _, a := range s.artifacts {
		snap.Artifacts = append(snap.Artifacts, a)
	}
	for _, sch := range s.schedules {
		snap.Schedules = append(snap.Schedules, sch)
	}
	slices.SortFunc(snap.Captures, func(a, b archive.Capture) int { return cmp.Compare(a.ID, b.ID) })
	slices.SortFunc(snap.Artifacts, func(a, b archive.Artifact) int { return cmp.Compare(a.ID, b.ID) })
	slices.SortFunc(snap.Schedules, func(a, b archive.Schedule) int { return cmp.Compare(a.ID, b.ID) })
	return snap, nil
}

// Close implements archive.Store; it performs no action.
func (s *RecordStore) Close() error {
	return nil
}

var _ archive.Store = (*RecordStore)(nil)
