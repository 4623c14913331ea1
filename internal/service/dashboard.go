package service

import (
	"context"
	"fmt"

	"github.com/JakeFAU/parker/internal/archive"
	"github.com/JakeFAU/parker/internal/integrity"
	"github.com/JakeFAU/parker/internal/metrics"
)

// Dashboard aggregates archive-wide figures.
type Dashboard struct {
	archive.Stats
	UsageBytes int64   `json:"usage_bytes"`
	MaxBytes   int64   `json:"max_bytes"`
	UsagePct   float64 `json:"usage_pct"`
	// DiskAlert is advisory; only OverLimit blocks captures.
	DiskAlert bool              `json:"disk_alert"`
	OverLimit bool              `json:"over_limit"`
	Running   int               `json:"running"`
	Queued    int               `json:"queued"`
	Integrity *integrity.Report `json:"integrity,omitempty"`
}

// Dashboard computes the current figures.
func (s *Service) Dashboard(ctx context.Context) (Dashboard, error) {
	stats, err := s.Store.Stats(ctx, s.Clock.Now().Add(-recentWindow))
	if err != nil {
		return Dashboard{}, fmt.Errorf("stats: %w", err)
	}
	usage, err := s.Files.Usage(ctx)
	if err != nil {
		return Dashboard{}, err
	}
	metrics.SetStorageBytes(usage)

	settings := s.Settings.Settings()
	d := Dashboard{
		Stats:      stats,
		UsageBytes: usage,
		MaxBytes:   settings.MaxStorageBytes(),
		Running:    s.Pool.Running(),
		Queued:     s.Pool.QueueDepth(),
	}
	if d.MaxBytes > 0 {
		d.UsagePct = float64(usage) * 100 / float64(d.MaxBytes)
	}
	d.DiskAlert = d.UsagePct >= float64(settings.DiskAlertPct)
	d.OverLimit = usage >= d.MaxBytes
	if s.Verifier != nil {
		if report, ok := s.Verifier.LastReport(); ok {
			d.Integrity = &report
		}
	}
	return d, nil
}
