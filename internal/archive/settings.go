package archive

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/go-playground/validator/v10"
)

// Settings is the singleton runtime configuration record. It is seeded from
// static configuration on first start and edited through the settings API.
type Settings struct {
	MaxStorageGB   float64   `json:"max_storage_gb" validate:"gt=0"`
	MaxConcurrent  int       `json:"max_concurrent_captures" validate:"min=1,max=64"`
	TimeoutSeconds int       `json:"capture_timeout_sec" validate:"min=5,max=3600"`
	MaxAttempts    int       `json:"max_attempts" validate:"min=1,max=10"`
	BlockedDomains []string  `json:"blocked_domains" validate:"dive,required"`
	DiskAlertPct   int       `json:"disk_alert_pct" validate:"min=1,max=100"`
	IncludePDF     bool      `json:"include_pdf"`
	RequiredKinds  []Kind    `json:"required_kinds" validate:"min=1,dive,oneof=html screenshot warc pdf"`
	UpdatedAt      time.Time `json:"updated_at"`
}

var settingsValidator = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field ranges and returns an error wrapping ErrInvalidSettings.
func (s Settings) Validate() error {
	if err := settingsValidator.Struct(s); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return fmt.Errorf("%w: %s failed %q", ErrInvalidSettings, fe.Field(), fe.Tag())
		}
		return fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	return nil
}

// MaxStorageBytes converts the storage ceiling to bytes.
func (s Settings) MaxStorageBytes() int64 {
	return int64(s.MaxStorageGB * (1 << 30))
}

// Timeout is the per-capture hard deadline.
func (s Settings) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// Required reports whether kind k must succeed for a capture to be a success.
func (s Settings) Required(k Kind) bool {
	return slices.Contains(s.RequiredKinds, k)
}

// KindsFor returns the artifact kinds attempted for a capture, in pipeline order.
func (s Settings) KindsFor(c Capture) []Kind {
	kinds := make([]Kind, 0, len(AllKinds))
	for _, k := range AllKinds {
		if k == KindPDF && !(c.IncludePDF || s.IncludePDF || s.Required(KindPDF)) {
			continue
		}
		kinds = append(kinds, k)
	}
	return kinds
}

// DefaultSettings mirrors the out-of-the-box values of a fresh install.
func DefaultSettings() Settings {
	return Settings{
		MaxStorageGB:   5,
		MaxConcurrent:  2,
		TimeoutSeconds: 90,
		MaxAttempts:    3,
		BlockedDomains: []string{},
		DiskAlertPct:   85,
		RequiredKinds:  []Kind{KindHTML, KindScreenshot, KindWARC},
	}
}
