package authenticity

import (
	"math"

	"github.com/sells-group/card-appraiser/internal/config"
	"github.com/sells-group/card-appraiser/internal/model"
	"github.com/sells-group/card-appraiser/internal/textnorm"
)

// NeutralSignal is used wherever evidence is missing.
const NeutralSignal = 0.5

// holoDecay is the variance distance over which the holo score falls from
// 1 to 0 outside the expected range.
const holoDecay = 0.3

// ComputeSignals derives the five signals from features. visual is the
// precomputed visual-hash confidence. cardName, when known, is the text the
// OCR output is expected to contain. Low capture quality pulls the
// image-derived signals toward neutral.
func ComputeSignals(features *model.FeatureEnvelope, visual float64, cardName string, expectedHolo bool, cfg config.AuthenticityConfig) model.AuthenticitySignals {
	if features == nil {
		return model.AuthenticitySignals{
			VisualHash:        model.Clamp01(visual),
			TextMatch:         NeutralSignal,
			HoloPattern:       NeutralSignal,
			BorderConsistency: NeutralSignal,
			FontValidation:    NeutralSignal,
		}
	}

	q := features.Quality.QualityFactor()
	lo, hi := holoRange(expectedHolo, cfg)
	return model.AuthenticitySignals{
		VisualHash:        model.Clamp01(visual),
		TextMatch:         towardNeutral(scoreTextMatch(features.Text(), cardName), q),
		HoloPattern:       towardNeutral(scoreHolo(features.HoloVariance, lo, hi), q),
		BorderConsistency: towardNeutral(scoreBorder(features.Border), q),
		FontValidation:    towardNeutral(scoreFont(features.Font), q),
	}.Clamped()
}

// ExpectsHolo reports whether a rarity label implies a holographic finish.
func ExpectsHolo(rarity string) bool {
	for _, tok := range textnorm.Tokens(rarity) {
		if holoRarities[tok] {
			return true
		}
	}
	return false
}

var holoRarities = map[string]bool{
	"holo":        true,
	"holofoil":    true,
	"holographic": true,
	"foil":        true,
	"prism":       true,
	"prismatic":   true,
	"secret":      true,
	"ultra":       true,
	"rainbow":     true,
	"hyper":       true,
	"gold":        true,
	"shiny":       true,
}

func holoRange(expectedHolo bool, cfg config.AuthenticityConfig) (float64, float64) {
	if expectedHolo {
		return cfg.HoloMin, cfg.HoloMax
	}
	return 0, cfg.NonHoloMax
}

// scoreTextMatch returns the share of expected tokens found in the OCR text.
func scoreTextMatch(ocrText, expected string) float64 {
	want := textnorm.Tokens(expected)
	if len(want) == 0 {
		return NeutralSignal // no expectation to check against
	}
	have := make(map[string]bool)
	for _, tok := range textnorm.Tokens(ocrText) {
		have[tok] = true
	}
	if len(have) == 0 {
		return 0
	}
	var hits int
	for _, tok := range want {
		if have[tok] {
			hits++
		}
	}
	return float64(hits) / float64(len(want))
}

// scoreHolo is 1 inside [lo, hi] and decays linearly outside it.
func scoreHolo(variance, lo, hi float64) float64 {
	var dist float64
	switch {
	case variance < lo:
		dist = lo - variance
	case variance > hi:
		dist = variance - hi
	default:
		return 1.0
	}
	return math.Max(0, 1-dist/holoDecay)
}

// scoreBorder multiplies the measured symmetry by how balanced opposing
// margins are.
func scoreBorder(b model.BorderStats) float64 {
	if b.Left+b.Right <= 0 && b.Top+b.Bottom <= 0 {
		return NeutralSignal // no border measured
	}
	balance := (ratioBalance(b.Left, b.Right) + ratioBalance(b.Top, b.Bottom)) / 2
	return model.Clamp01(b.Symmetry) * balance
}

func ratioBalance(a, b float64) float64 {
	if a <= 0 && b <= 0 {
		return 1.0
	}
	if a <= 0 || b <= 0 {
		return 0
	}
	return math.Min(a, b) / math.Max(a, b)
}

// scoreFont penalises uneven glyph heights and baseline drift.
func scoreFont(f model.FontMetrics) float64 {
	if f.MeanHeight <= 0 {
		return NeutralSignal
	}
	cv := f.HeightStdDev / f.MeanHeight
	return 1 - model.Clamp01(cv*2+f.BaselineDeviation)
}

// towardNeutral blends s toward NeutralSignal as quality drops.
func towardNeutral(s, quality float64) float64 {
	return NeutralSignal + (s-NeutralSignal)*model.Clamp01(quality)
}
