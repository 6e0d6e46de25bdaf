package authenticity

import (
	"go.uber.org/zap"

	"github.com/sells-group/card-appraiser/internal/config"
	"github.com/sells-group/card-appraiser/internal/model"
)

// CardHints is what is known about the card before scoring.
type CardHints struct {
	Name   string
	Rarity string
}

// Scorer computes signals with a fixed config and reference set.
type Scorer struct {
	cfg  config.AuthenticityConfig
	refs ReferenceHashes
}

// NewScorer creates a Scorer. refs may be nil.
func NewScorer(cfg config.AuthenticityConfig, refs ReferenceHashes) *Scorer {
	if WeightSum(cfg.Weights) <= 0 {
		cfg.Weights = DefaultConfig().Weights
	}
	if cfg.HoloMax <= 0 {
		def := DefaultConfig()
		cfg.HoloMin, cfg.HoloMax = def.HoloMin, def.HoloMax
	}
	if cfg.NonHoloMax <= 0 {
		cfg.NonHoloMax = DefaultConfig().NonHoloMax
	}
	return &Scorer{cfg: cfg, refs: refs}
}

// NewScorerFromConfig builds the scorer and its static reference set.
func NewScorerFromConfig(cfg config.AuthenticityConfig) (*Scorer, error) {
	refs, err := NewStaticReferences(cfg.ReferenceHashes)
	if err != nil {
		return nil, err
	}
	zap.L().Debug("authenticity: loaded reference hashes", zap.Int("cards", refs.Len()))
	return NewScorer(cfg, refs), nil
}

// Config returns the effective config.
func (s *Scorer) Config() config.AuthenticityConfig { return s.cfg }

// Signals looks up reference hashes and computes all five signals.
func (s *Scorer) Signals(features *model.FeatureEnvelope, hints CardHints) model.AuthenticitySignals {
	var phash string
	if features != nil {
		phash = features.Image.PerceptualHash
	}
	visual := VisualHashConfidence(phash, s.refs, hints.Name)
	return ComputeSignals(features, visual, hints.Name, ExpectsHolo(hints.Rarity), s.cfg)
}

// Fallback scores signals with the scorer's weights and threshold.
func (s *Scorer) Fallback(signals model.AuthenticitySignals) model.AuthenticityResult {
	return Fallback(signals, s.cfg)
}
