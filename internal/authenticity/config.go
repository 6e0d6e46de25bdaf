// Package authenticity turns extracted image features into the five
// authenticity signals and scores them without a reasoning service.
package authenticity

import (
	"fmt"
	"math"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/card-appraiser/internal/config"
)

// DefaultConfig returns a config.AuthenticityConfig with the stock weights
// and holo ranges. Weights sum to 1.
func DefaultConfig() config.AuthenticityConfig {
	return config.AuthenticityConfig{
		FakeThreshold: 0.5,
		Weights: config.SignalWeights{
			Visual: 0.30,
			Text:   0.20,
			Holo:   0.20,
			Border: 0.15,
			Font:   0.15,
		},
		HoloMin:    0.35,
		HoloMax:    1.0,
		NonHoloMax: 0.2,
	}
}

// WeightSum returns the sum of all signal weights.
func WeightSum(w config.SignalWeights) float64 {
	return w.Visual + w.Text + w.Holo + w.Border + w.Font
}

// ValidateConfig checks that an AuthenticityConfig is internally consistent.
func ValidateConfig(c config.AuthenticityConfig) error {
	var errs []string

	weights := []struct {
		name string
		w    float64
	}{
		{"weights.visual", c.Weights.Visual},
		{"weights.text", c.Weights.Text},
		{"weights.holo", c.Weights.Holo},
		{"weights.border", c.Weights.Border},
		{"weights.font", c.Weights.Font},
	}
	for _, w := range weights {
		if w.w < 0 {
			errs = append(errs, fmt.Sprintf("%s must be >= 0", w.name))
		}
	}
	if sum := WeightSum(c.Weights); sum <= 0 {
		errs = append(errs, "weight sum must be > 0")
	} else if math.Abs(sum-1) > 0.01 {
		errs = append(errs, fmt.Sprintf("weights should sum to 1, got %.2f", sum))
	}

	if c.FakeThreshold < 0 || c.FakeThreshold > 1 {
		errs = append(errs, "fake_threshold must be between 0 and 1")
	}
	if c.HoloMin < 0 || c.HoloMax > 1 || c.HoloMin > c.HoloMax {
		errs = append(errs, "holo range must satisfy 0 <= holo_min <= holo_max <= 1")
	}
	if c.NonHoloMax < 0 || c.NonHoloMax > 1 {
		errs = append(errs, "non_holo_max must be between 0 and 1")
	}

	if len(errs) > 0 {
		return eris.Errorf("authenticity: config validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
