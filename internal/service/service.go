// Package service is the application surface consumed by the HTTP API and
// the CLI: submission, listing, detail views, tags, schedules, settings,
// dashboard, export and verification.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/parker/internal/archive"
	"github.com/JakeFAU/parker/internal/backup"
	"github.com/JakeFAU/parker/internal/integrity"
	"github.com/JakeFAU/parker/internal/metrics"
	"github.com/JakeFAU/parker/internal/progress"
)

// ErrInvalidInput marks a request rejected before reaching the store.
var ErrInvalidInput = errors.New("invalid input")

const (
	maxTagLength = 64
	recentWindow = 7 * 24 * time.Hour
)

// Pool accepts queued captures for execution.
type Pool interface {
	Enqueue(ctx context.Context, id string) error
	Resize(n int)
	Running() int
	QueueDepth() int
}

// Files is the artifact storage area.
type Files interface {
	Resolve(rel string) (string, error)
	Usage(ctx context.Context) (int64, error)
	RemoveCapture(captureID string) error
}

// Exporter writes export bundles.
type Exporter interface {
	Export(ctx context.Context) (backup.Result, error)
	WriteTo(ctx context.Context, w io.Writer) (backup.Manifest, error)
}

// Verifier runs integrity sweeps.
type Verifier interface {
	Sweep(ctx context.Context) (integrity.Report, error)
	LastReport() (integrity.Report, bool)
}

// Deps groups the collaborators of a Service. Notifier, Exporter and Verifier may be nil.
type Deps struct {
	Store       archive.Store
	Pool        Pool
	Bus         *progress.Bus
	Files       Files
	Settings    *SettingsManager
	IDs         archive.IDGenerator
	Clock       archive.Clock
	Notifier    archive.Publisher
	NotifyTopic string
	Exporter    Exporter
	Verifier    Verifier
	Logger      *zap.Logger
}

// Service implements the archive operations.
type Service struct {
	Deps
}

// New constructs a Service.
func New(deps Deps) *Service {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Service{Deps: deps}
}

// SubmitRequest describes a new capture.
type SubmitRequest struct {
	URL     string            `json:"url"`
	Cookies []archive.Cookie  `json:"cookies,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Tags    []string          `json:"tags,omitempty"`
	// IncludePDF overrides the settings default when set.
	IncludePDF *bool `json:"include_pdf,omitempty"`

	scheduleID string
}

// Submit records a capture and hands it to the pool. A blocked domain is
// recorded directly as failed and never queued; that is not an error.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (archive.Capture, error) {
	rawURL, err := archive.NormalizeURL(req.URL)
	if err != nil {
		return archive.Capture{}, err
	}
	for _, ck := range req.Cookies {
		if strings.TrimSpace(ck.Name) == "" {
			return archive.Capture{}, fmt.Errorf("%w: cookie name is required", ErrInvalidInput)
		}
	}
	tags, err := validTags(req.Tags)
	if err != nil {
		return archive.Capture{}, err
	}
	id, err := s.IDs.NewID()
	if err != nil {
		return archive.Capture{}, fmt.Errorf("generate capture id: %w", err)
	}
	settings := s.Settings.Settings()
	now := s.Clock.Now()
	domain := archive.Domain(rawURL)
	c := archive.Capture{
		ID:          id,
		URL:         rawURL,
		Status:      archive.StatusQueued,
		MaxAttempts: settings.MaxAttempts,
		IncludePDF:  settings.IncludePDF,
		Cookies:     req.Cookies,
		Headers:     req.Headers,
		Tags:        tags,
		Metadata:    archive.Metadata{Domain: domain},
		ScheduleID:  req.scheduleID,
		CreatedAt:   now,
	}
	if req.IncludePDF != nil {
		c.IncludePDF = *req.IncludePDF
	}

	if archive.NewBlocklist(settings.BlockedDomains).Blocked(domain) {
		return s.reject(ctx, c, now)
	}

	if err := s.Store.CreateCapture(ctx, &c); err != nil {
		return archive.Capture{}, fmt.Errorf("create capture: %w", err)
	}
	s.Bus.Publish(progress.Event{CaptureID: c.ID, Phase: archive.PhaseQueued, At: now})
	if err := s.Pool.Enqueue(ctx, c.ID); err != nil {
		return c, err
	}
	s.Logger.Info("capture submitted", zap.String("capture_id", c.ID), zap.String("url", c.URL))
	return c, nil
}

func (s *Service) reject(ctx context.Context, c archive.Capture, now time.Time) (archive.Capture, error) {
	c.Status = archive.StatusFailed
	c.Reason = fmt.Sprintf("%v: %s", archive.ErrBlockedDomain, c.Metadata.Domain)
	c.FinishedAt = &now
	if err := s.Store.CreateCapture(ctx, &c); err != nil {
		return archive.Capture{}, fmt.Errorf("create capture: %w", err)
	}
	s.Bus.Publish(progress.Event{
		CaptureID: c.ID,
		Phase:     archive.PhaseFailed,
		Message:   c.Reason,
		At:        now,
		Final:     true,
	})
	s.notify(ctx, c)
	s.Logger.Info("capture rejected", zap.String("capture_id", c.ID), zap.String("url", c.URL), zap.String("reason", c.Reason))
	return c, nil
}

// SubmitScheduled creates the capture for a due schedule.
func (s *Service) SubmitScheduled(ctx context.Context, sch archive.Schedule) (archive.Capture, error) {
	return s.Submit(ctx, SubmitRequest{URL: sch.URL, scheduleID: sch.ID})
}

// Recapture submits a new capture with the options of an existing one. The
// existing capture and its artifacts are untouched.
func (s *Service) Recapture(ctx context.Context, id string) (archive.Capture, error) {
	prior, err := s.Store.GetCapture(ctx, id)
	if err != nil {
		return archive.Capture{}, err
	}
	includePDF := prior.IncludePDF
	return s.Submit(ctx, SubmitRequest{
		URL:        prior.URL,
		Cookies:    prior.Cookies,
		Headers:    prior.Headers,
		Tags:       prior.Tags,
		IncludePDF: &includePDF,
	})
}

// Delete removes a capture, its artifacts, events and integrity logs, then
// its artifact directory. A running capture is refused with ErrConflict.
// Other captures of the same URL are not affected.
func (s *Service) Delete(ctx context.Context, id string) error {
	removed, err := s.Store.DeleteCapture(ctx, id)
	if err != nil {
		return err
	}
	if err := s.Files.RemoveCapture(id); err != nil {
		s.Logger.Error("capture rows deleted but files remain", zap.String("capture_id", id), zap.Error(err))
		return fmt.Errorf("remove files of capture %s: %w", id, err)
	}
	s.Logger.Info("capture deleted", zap.String("capture_id", id), zap.Int("artifacts", len(removed)))
	return nil
}

// ArtifactView is an artifact with its latest integrity verdict.
type ArtifactView struct {
	archive.Artifact
	Integrity *archive.IntegrityLog `json:"integrity,omitempty"`
}

// Detail is the full view of one capture.
type Detail struct {
	Capture   archive.Capture        `json:"capture"`
	Artifacts []ArtifactView         `json:"artifacts"`
	History   []archive.Capture      `json:"history"`
	Events    []archive.CaptureEvent `json:"events"`
}

// Get returns a capture with its artifacts, every capture of the same URL
// (newest first) and the persisted event log.
func (s *Service) Get(ctx context.Context, id string) (Detail, error) {
	c, err := s.Store.GetCapture(ctx, id)
	if err != nil {
		return Detail{}, err
	}
	artifacts, err := s.Store.ListArtifacts(ctx, archive.ArtifactQuery{CaptureID: id})
	if err != nil {
		return Detail{}, fmt.Errorf("list artifacts: %w", err)
	}
	views := make([]ArtifactView, 0, len(artifacts))
	for _, a := range artifacts {
		v := ArtifactView{Artifact: a}
		logs, err := s.Store.ListIntegrityLogs(ctx, a.ID, 1)
		if err != nil {
			return Detail{}, fmt.Errorf("list integrity logs: %w", err)
		}
		if len(logs) > 0 {
			v.Integrity = &logs[0]
		}
		views = append(views, v)
	}
	history, err := s.Store.ListCaptures(ctx, archive.CaptureQuery{
		URL:      c.URL,
		Sort:     archive.SortNewest,
		PageSize: archive.MaxPageSize,
	})
	if err != nil {
		return Detail{}, fmt.Errorf("list history: %w", err)
	}
	events, err := s.Store.ListEvents(ctx, id)
	if err != nil {
		return Detail{}, fmt.Errorf("list events: %w", err)
	}
	for i := range history.Captures {
		history.Captures[i].Metadata.SearchText = ""
	}
	c.Metadata.SearchText = ""
	return Detail{Capture: c, Artifacts: views, History: history.Captures, Events: events}, nil
}

// ListItem is one row of a listing.
type ListItem struct {
	archive.Capture
	Snippet string `json:"snippet,omitempty"`
}

// ListResult is one page of captures.
type ListResult struct {
	Items    []ListItem `json:"items"`
	Total    int        `json:"total"`
	Page     int        `json:"page"`
	PageSize int        `json:"page_size"`
}

// List filters, sorts and paginates captures. With a search term each item
// carries a snippet around the first match.
func (s *Service) List(ctx context.Context, q archive.CaptureQuery) (ListResult, error) {
	if q.Status != "" && !q.Status.Valid() {
		return ListResult{}, fmt.Errorf("%w: status %q", ErrInvalidInput, q.Status)
	}
	switch q.Sort {
	case "", archive.SortNewest, archive.SortOldest, archive.SortSize:
	default:
		return ListResult{}, fmt.Errorf("%w: sort %q", ErrInvalidInput, q.Sort)
	}
	page, err := s.Store.ListCaptures(ctx, q)
	if err != nil {
		return ListResult{}, fmt.Errorf("list captures: %w", err)
	}
	out := ListResult{Items: make([]ListItem, 0, len(page.Captures)), Total: page.Total, Page: page.Page, PageSize: page.PageSize}
	for _, c := range page.Captures {
		item := ListItem{Capture: c}
		if q.Q != "" {
			item.Snippet = snippet(c, q.Q)
		}
		item.Metadata.SearchText = ""
		out.Items = append(out.Items, item)
	}
	return out, nil
}

func snippet(c archive.Capture, needle string) string {
	for _, text := range []string{c.Metadata.SearchText, c.Metadata.Title, c.Metadata.Description, c.URL} {
		if sn := archive.Snippet(text, needle); sn != "" {
			return sn
		}
	}
	return ""
}

// AddTag attaches tag to a capture.
func (s *Service) AddTag(ctx context.Context, id, tag string) ([]string, error) {
	return s.editTags(ctx, id, tag, true)
}

// RemoveTag detaches tag from a capture. Removing an absent tag is a no-op.
func (s *Service) RemoveTag(ctx context.Context, id, tag string) ([]string, error) {
	return s.editTags(ctx, id, tag, false)
}

func (s *Service) editTags(ctx context.Context, id, tag string, add bool) ([]string, error) {
	valid, err := validTags([]string{tag})
	if err != nil {
		return nil, err
	}
	if len(valid) == 0 {
		return nil, fmt.Errorf("%w: tag is required", ErrInvalidInput)
	}
	c, err := s.Store.GetCapture(ctx, id)
	if err != nil {
		return nil, err
	}
	next := make([]string, 0, len(c.Tags)+1)
	for _, t := range c.Tags {
		if t != valid[0] {
			next = append(next, t)
		}
	}
	if add {
		next = append(next, valid[0])
	}
	next = archive.NormalizeTags(next)
	if err := s.Store.SetTags(ctx, id, next); err != nil {
		return nil, fmt.Errorf("set tags: %w", err)
	}
	return next, nil
}

func validTags(tags []string) ([]string, error) {
	out := archive.NormalizeTags(tags)
	for _, t := range out {
		if len(t) > maxTagLength {
			return nil, fmt.Errorf("%w: tag longer than %d characters", ErrInvalidInput, maxTagLength)
		}
	}
	return out, nil
}

// Subscribe streams the progress of a capture, starting with its current phase.
func (s *Service) Subscribe(ctx context.Context, id string) (*progress.Subscription, error) {
	c, err := s.Store.GetCapture(ctx, id)
	if err != nil {
		return nil, err
	}
	current := progress.Event{
		CaptureID: c.ID,
		Phase:     archive.PhaseForStatus(c.Status),
		Message:   c.Reason,
		Attempt:   c.AttemptCount,
		At:        s.Clock.Now(),
		Final:     c.Status.Terminal(),
	}
	return s.Bus.Subscribe(id, current), nil
}

// ArtifactPath returns the artifact of kind for a capture and the file holding it.
func (s *Service) ArtifactPath(ctx context.Context, id string, kind archive.Kind) (archive.Artifact, string, error) {
	if !kind.Valid() {
		return archive.Artifact{}, "", fmt.Errorf("%w: kind %q", ErrInvalidInput, kind)
	}
	artifacts, err := s.Store.ListArtifacts(ctx, archive.ArtifactQuery{CaptureID: id})
	if err != nil {
		return archive.Artifact{}, "", fmt.Errorf("list artifacts: %w", err)
	}
	for _, a := range artifacts {
		if a.Kind != kind {
			continue
		}
		path, err := s.Files.Resolve(a.Path)
		if err != nil {
			return archive.Artifact{}, "", err
		}
		return a, path, nil
	}
	return archive.Artifact{}, "", fmt.Errorf("%s artifact of capture %s: %w", kind, id, archive.ErrNotFound)
}

// CurrentSettings returns the settings in force.
func (s *Service) CurrentSettings() archive.Settings {
	return s.Settings.Settings()
}

// UpdateSettings validates and applies new settings, resizing the pool when
// the concurrency ceiling changed.
func (s *Service) UpdateSettings(ctx context.Context, next archive.Settings) (archive.Settings, error) {
	prev := s.Settings.Settings()
	applied, err := s.Settings.Update(ctx, next)
	if err != nil {
		return archive.Settings{}, err
	}
	if applied.MaxConcurrent != prev.MaxConcurrent {
		s.Pool.Resize(applied.MaxConcurrent)
	}
	s.Logger.Info("settings updated",
		zap.Int("max_concurrent", applied.MaxConcurrent),
		zap.Int("max_attempts", applied.MaxAttempts),
		zap.Int("timeout_sec", applied.TimeoutSeconds),
		zap.Float64("max_storage_gb", applied.MaxStorageGB),
	)
	return applied, nil
}

// Export writes a bundle into the backup directory.
func (s *Service) Export(ctx context.Context) (backup.Result, error) {
	if s.Exporter == nil {
		return backup.Result{}, errors.New("export is not configured")
	}
	return s.Exporter.Export(ctx)
}

// ExportTo streams a bundle to w.
func (s *Service) ExportTo(ctx context.Context, w io.Writer) (backup.Manifest, error) {
	if s.Exporter == nil {
		return backup.Manifest{}, errors.New("export is not configured")
	}
	return s.Exporter.WriteTo(ctx, w)
}

// Verify runs an integrity sweep now.
func (s *Service) Verify(ctx context.Context) (integrity.Report, error) {
	if s.Verifier == nil {
		return integrity.Report{}, errors.New("integrity checker is not configured")
	}
	return s.Verifier.Sweep(ctx)
}

func (s *Service) notify(ctx context.Context, c archive.Capture) {
	if s.Notifier == nil || s.NotifyTopic == "" {
		return
	}
	finished := s.Clock.Now()
	if c.FinishedAt != nil {
		finished = *c.FinishedAt
	}
	_, err := s.Notifier.Publish(ctx, s.NotifyTopic, archive.Notification{
		CaptureID:  c.ID,
		URL:        c.URL,
		Status:     c.Status,
		Reason:     c.Reason,
		FinishedAt: finished,
	})
	if err != nil {
		metrics.ObserveNotification("error")
		s.Logger.Warn("notify capture failed", zap.String("capture_id", c.ID), zap.Error(err))
		return
	}
	metrics.ObserveNotification("published")
}
