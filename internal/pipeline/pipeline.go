// Package pipeline runs one capture attempt: render, write each artifact
// atomically, checksum it, record it and aggregate the outcome.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/parker/internal/archive"
	"github.com/JakeFAU/parker/internal/document"
	"github.com/JakeFAU/parker/internal/extract"
	"github.com/JakeFAU/parker/internal/progress"
)

// ErrNoArtifacts fails an attempt that rendered but wrote nothing.
var ErrNoArtifacts = errors.New("no artifact was produced")

// ArtifactStorage is the on-disk area artifacts are written to.
type ArtifactStorage interface {
	Write(ctx context.Context, captureID string, kind archive.Kind, data []byte) (string, error)
	Remove(rel string) error
	Resolve(rel string) (string, error)
	Usage(ctx context.Context) (int64, error)
}

// Records is the subset of the record store used by the pipeline.
type Records interface {
	SaveMetadata(ctx context.Context, id string, md archive.Metadata) error
	AddArtifact(ctx context.Context, a archive.Artifact) error
	ListArtifacts(ctx context.Context, q archive.ArtifactQuery) ([]archive.Artifact, error)
}

// Result is the aggregate outcome of a rendered attempt.
type Result struct {
	Status    archive.Status
	Reason    string
	Artifacts []archive.Artifact
	Metadata  archive.Metadata
}

// Pipeline executes capture attempts.
type Pipeline struct {
	records   Records
	storage   ArtifactStorage
	renderer  archive.Renderer
	hasher    archive.Hasher
	ids       archive.IDGenerator
	clock     archive.Clock
	publisher progress.Publisher
	logger    *zap.Logger
}

// New constructs a Pipeline.
func New(
	records Records,
	storage ArtifactStorage,
	renderer archive.Renderer,
	hasher archive.Hasher,
	ids archive.IDGenerator,
	clock archive.Clock,
	publisher progress.Publisher,
	logger *zap.Logger,
) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		records:   records,
		storage:   storage,
		renderer:  renderer,
		hasher:    hasher,
		ids:       ids,
		clock:     clock,
		publisher: publisher,
		logger:    logger,
	}
}

// Run executes one attempt of c under settings. A nil error means the capture
// reached success or partial. A non-nil error fails the attempt and is meant
// for the retry policy: ErrStorageOverLimit (fatal), a render error, or
// ErrNoArtifacts.
func (p *Pipeline) Run(ctx context.Context, c archive.Capture, settings archive.Settings) (Result, error) {
	usage, err := p.storage.Usage(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("storage usage: %w", err)
	}
	if limit := settings.MaxStorageBytes(); usage >= limit {
		return Result{}, fmt.Errorf("%w: %d of %d bytes used", archive.ErrStorageOverLimit, usage, limit)
	}

	kinds := settings.KindsFor(c)
	existing, err := p.recorded(ctx, c.ID)
	if err != nil {
		return Result{}, err
	}
	pending := make([]archive.Kind, 0, len(kinds))
	for _, k := range kinds {
		if _, ok := existing[k]; !ok {
			pending = append(pending, k)
		}
	}

	rendered := &archive.RenderResult{}
	if len(pending) > 0 {
		rendered, err = p.render(ctx, c, settings, pending)
		if err != nil {
			return Result{}, err
		}
	}

	failures := make(map[archive.Kind]error)
	artifacts := make([]archive.Artifact, 0, len(kinds))
	for _, k := range kinds {
		if a, ok := existing[k]; ok {
			artifacts = append(artifacts, a)
			continue
		}
		a, err := p.store(ctx, c, k, rendered)
		if err != nil {
			if ctx.Err() != nil {
				return Result{}, fmt.Errorf("write artifacts: %w", ctx.Err())
			}
			failures[k] = err
			p.logger.Warn("artifact not produced",
				zap.String("capture_id", c.ID),
				zap.String("kind", string(k)),
				zap.Error(err),
			)
			continue
		}
		artifacts = append(artifacts, a)
	}

	md := p.metadata(c, rendered, artifacts)
	if err := p.records.SaveMetadata(ctx, c.ID, md); err != nil {
		return Result{}, fmt.Errorf("save metadata: %w", err)
	}

	res := aggregate(settings, kinds, artifacts, failures)
	res.Metadata = md
	if res.Status == archive.StatusFailed {
		return res, fmt.Errorf("%w: %s", ErrNoArtifacts, res.Reason)
	}
	return res, nil
}

func (p *Pipeline) render(
	ctx context.Context,
	c archive.Capture,
	settings archive.Settings,
	kinds []archive.Kind,
) (*archive.RenderResult, error) {
	renderCtx, cancel := context.WithTimeout(ctx, settings.Timeout())
	defer cancel()
	rendered, err := p.renderer.Render(renderCtx, archive.RenderRequest{
		URL:     c.URL,
		Cookies: c.Cookies,
		Headers: c.Headers,
		Kinds:   kinds,
		Timeout: settings.Timeout(),
		OnPhase: func(ph archive.Phase) { p.publish(c, ph, "") },
	})
	if err != nil {
		return nil, fmt.Errorf("render %s: %w", c.URL, err)
	}
	if rendered == nil {
		rendered = &archive.RenderResult{}
	}
	return rendered, nil
}

func (p *Pipeline) recorded(ctx context.Context, captureID string) (map[archive.Kind]archive.Artifact, error) {
	arts, err := p.records.ListArtifacts(ctx, archive.ArtifactQuery{CaptureID: captureID})
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	out := make(map[archive.Kind]archive.Artifact, len(arts))
	for _, a := range arts {
		out[a.Kind] = a
	}
	return out, nil
}

func (p *Pipeline) store(ctx context.Context, c archive.Capture, k archive.Kind, rendered *archive.RenderResult) (archive.Artifact, error) {
	if err := rendered.Failures[k]; err != nil {
		return archive.Artifact{}, err
	}
	data := rendered.Bytes(k)
	if len(data) == 0 {
		return archive.Artifact{}, fmt.Errorf("%s: renderer returned no bytes", k)
	}
	if k == archive.KindPDF {
		if _, err := document.ValidatePDF(data); err != nil {
			return archive.Artifact{}, err
		}
	}

	rel, err := p.storage.Write(ctx, c.ID, k, data)
	if err != nil {
		return archive.Artifact{}, err
	}
	p.publish(c, archive.PhaseChecksumming, string(k))
	abs, err := p.storage.Resolve(rel)
	if err != nil {
		p.discard(rel)
		return archive.Artifact{}, err
	}
	sum, size, err := p.hasher.HashFile(abs)
	if err != nil {
		p.discard(rel)
		return archive.Artifact{}, fmt.Errorf("checksum %s: %w", k, err)
	}
	id, err := p.ids.NewID()
	if err != nil {
		p.discard(rel)
		return archive.Artifact{}, fmt.Errorf("artifact id: %w", err)
	}
	a := archive.Artifact{
		ID:        id,
		CaptureID: c.ID,
		Kind:      k,
		Path:      rel,
		SHA256:    sum,
		SizeBytes: size,
		CreatedAt: p.clock.Now(),
	}
	if err := p.records.AddArtifact(ctx, a); err != nil {
		p.discard(rel)
		return archive.Artifact{}, fmt.Errorf("record artifact: %w", err)
	}
	return a, nil
}

func (p *Pipeline) discard(rel string) {
	if err := p.storage.Remove(rel); err != nil && !errors.Is(err, os.ErrNotExist) {
		p.logger.Warn("remove unrecorded artifact", zap.String("path", rel), zap.Error(err))
	}
}

func (p *Pipeline) metadata(c archive.Capture, rendered *archive.RenderResult, artifacts []archive.Artifact) archive.Metadata {
	md := c.Metadata
	md.Domain = archive.Domain(c.URL)
	if rendered.HTTPStatus != 0 {
		md.HTTPStatus = rendered.HTTPStatus
	}
	md.TotalSizeBytes = 0
	for _, a := range artifacts {
		md.TotalSizeBytes += a.SizeBytes
	}
	html := rendered.HTML
	if len(html) == 0 {
		html = p.readRecordedHTML(artifacts)
	}
	if len(html) == 0 {
		return md
	}
	base := rendered.FinalURL
	if base == "" {
		base = c.URL
	}
	page, err := extract.Parse(html, base)
	if err != nil {
		p.logger.Warn("metadata extraction failed", zap.String("capture_id", c.ID), zap.Error(err))
		return md
	}
	md.Title = page.Title
	md.Description = page.Description
	md.SearchText = page.Text
	return md
}

func (p *Pipeline) readRecordedHTML(artifacts []archive.Artifact) []byte {
	for _, a := range artifacts {
		if a.Kind != archive.KindHTML {
			continue
		}
		abs, err := p.storage.Resolve(a.Path)
		if err != nil {
			return nil
		}
		data, err := os.ReadFile(abs)
		if err != nil {
			return nil
		}
		return data
	}
	return nil
}

func (p *Pipeline) publish(c archive.Capture, phase archive.Phase, msg string) {
	if p.publisher == nil {
		return
	}
	p.publisher.Publish(progress.Event{
		CaptureID: c.ID,
		Phase:     phase,
		Message:   msg,
		Attempt:   c.AttemptCount,
		At:        p.clock.Now(),
	})
}

// aggregate applies the outcome rule: success when every required kind has an
// artifact, partial when a required kind is missing but something was
// written, failed when nothing was written.
func aggregate(
	settings archive.Settings,
	kinds []archive.Kind,
	artifacts []archive.Artifact,
	failures map[archive.Kind]error,
) Result {
	res := Result{Artifacts: artifacts}
	if len(artifacts) == 0 {
		res.Status = archive.StatusFailed
		res.Reason = describe(kinds, failures)
		return res
	}
	var requiredMissing, optionalMissing []archive.Kind
	for _, k := range kinds {
		if _, failed := failures[k]; !failed {
			continue
		}
		if settings.Required(k) {
			requiredMissing = append(requiredMissing, k)
		} else {
			optionalMissing = append(optionalMissing, k)
		}
	}
	switch {
	case len(requiredMissing) > 0:
		res.Status = archive.StatusPartial
		res.Reason = describe(requiredMissing, failures)
		if len(optionalMissing) > 0 {
			res.Reason += "; " + describe(optionalMissing, failures)
		}
	case len(optionalMissing) > 0:
		res.Status = archive.StatusSuccess
		res.Reason = "degraded: " + describe(optionalMissing, failures)
	default:
		res.Status = archive.StatusSuccess
	}
	return res
}

func describe(kinds []archive.Kind, failures map[archive.Kind]error) string {
	parts := make([]string, 0, len(kinds))
	for _, k := range kinds {
		if err, ok := failures[k]; ok {
			parts = append(parts, fmt.Sprintf("%s: %v", k, err))
		}
	}
	return strings.Join(parts, "; ")
}
