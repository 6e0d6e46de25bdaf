package authenticity

import (
	"github.com/sells-group/card-appraiser/internal/config"
	"github.com/sells-group/card-appraiser/internal/model"
)

// FallbackRationale is attached to every result scored without the
// reasoning service.
const FallbackRationale = "Automated signal average; AI verification unavailable."

// WeightedScore is the weighted average of the signals, normalised by the
// weight sum so it stays in [0,1]. Zero weights fall back to the defaults.
func WeightedScore(s model.AuthenticitySignals, w config.SignalWeights) float64 {
	sum := WeightSum(w)
	if sum <= 0 {
		w = DefaultConfig().Weights
		sum = WeightSum(w)
	}
	s = s.Clamped()
	total := s.VisualHash*w.Visual +
		s.TextMatch*w.Text +
		s.HoloPattern*w.Holo +
		s.BorderConsistency*w.Border +
		s.FontValidation*w.Font
	return model.Clamp01(total / sum)
}

// Fallback scores signals deterministically. It never fails.
func Fallback(s model.AuthenticitySignals, cfg config.AuthenticityConfig) model.AuthenticityResult {
	score := WeightedScore(s, cfg.Weights)
	return model.AuthenticityResult{
		Signals:      s.Clamped(),
		Score:        score,
		FakeDetected: score < cfg.FakeThreshold,
		Rationale:    FallbackRationale,
		VerifiedByAI: false,
	}
}
