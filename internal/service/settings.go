package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/JakeFAU/parker/internal/archive"
)

// SettingsStore persists the settings singleton.
type SettingsStore interface {
	GetSettings(ctx context.Context) (archive.Settings, error)
	SaveSettings(ctx context.Context, s archive.Settings) error
}

// SettingsManager holds the settings in force. Components read them per
// attempt, so an update applies to the next capture without a restart.
type SettingsManager struct {
	store SettingsStore
	clock archive.Clock

	mu      sync.RWMutex
	current archive.Settings
}

// LoadSettings reads the stored settings, saving seed first when none exist yet.
func LoadSettings(ctx context.Context, store SettingsStore, seed archive.Settings, clock archive.Clock) (*SettingsManager, error) {
	current, err := store.GetSettings(ctx)
	switch {
	case errors.Is(err, archive.ErrNotFound):
		if err := seed.Validate(); err != nil {
			return nil, fmt.Errorf("seed settings: %w", err)
		}
		seed.UpdatedAt = clock.Now()
		if err := store.SaveSettings(ctx, seed); err != nil {
			return nil, fmt.Errorf("save seed settings: %w", err)
		}
		current = seed
	case err != nil:
		return nil, fmt.Errorf("load settings: %w", err)
	}
	return &SettingsManager{store: store, clock: clock, current: current}, nil
}

// Settings returns a copy of the settings in force.
func (m *SettingsManager) Settings() archive.Settings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneSettings(m.current)
}

// Update validates, persists and applies next.
func (m *SettingsManager) Update(ctx context.Context, next archive.Settings) (archive.Settings, error) {
	next.BlockedDomains = normalizeDomains(next.BlockedDomains)
	if err := next.Validate(); err != nil {
		return archive.Settings{}, err
	}
	next.UpdatedAt = m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.SaveSettings(ctx, next); err != nil {
		return archive.Settings{}, fmt.Errorf("save settings: %w", err)
	}
	m.current = cloneSettings(next)
	return next, nil
}

func cloneSettings(s archive.Settings) archive.Settings {
	s.BlockedDomains = slices.Clone(s.BlockedDomains)
	s.RequiredKinds = slices.Clone(s.RequiredKinds)
	if s.BlockedDomains == nil {
		s.BlockedDomains = []string{}
	}
	return s
}

func normalizeDomains(in []string) []string {
	lowered := make([]string, 0, len(in))
	for _, d := range in {
		lowered = append(lowered, strings.ToLower(d))
	}
	return archive.NormalizeTags(lowered)
}
