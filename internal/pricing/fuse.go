package pricing

import (
	"sort"
	"time"

	"github.com/sells-group/card-appraiser/internal/config"
	"github.com/sells-group/card-appraiser/internal/model"
)

// FuseParams tunes outlier filtering, the low/high band and confidence.
type FuseParams struct {
	IQRMinComps      int
	IQRMultiplier    float64
	LowPercentile    float64
	HighPercentile   float64
	CountScale       float64
	VolatilityWeight float64
}

// DefaultFuseParams returns the stock fusion settings.
func DefaultFuseParams() FuseParams {
	return FuseParams{
		IQRMinComps:      8,
		IQRMultiplier:    1.5,
		LowPercentile:    10,
		HighPercentile:   90,
		CountScale:       8,
		VolatilityWeight: 1,
	}
}

// FuseParamsFromConfig reads fusion settings, keeping defaults for zeros.
func FuseParamsFromConfig(cfg config.PricingConfig) FuseParams {
	p := DefaultFuseParams()
	if cfg.IQRMinComps > 0 {
		p.IQRMinComps = cfg.IQRMinComps
	}
	if cfg.IQRMultiplier > 0 {
		p.IQRMultiplier = cfg.IQRMultiplier
	}
	if cfg.LowPercentile > 0 {
		p.LowPercentile = cfg.LowPercentile
	}
	if cfg.HighPercentile > 0 {
		p.HighPercentile = cfg.HighPercentile
	}
	if cfg.CountScale > 0 {
		p.CountScale = cfg.CountScale
	}
	if cfg.VolatilityWeight > 0 {
		p.VolatilityWeight = cfg.VolatilityWeight
	}
	return p
}

// clamped keeps the percentile band ordered around the median.
func (p FuseParams) clamped() FuseParams {
	if p.LowPercentile < 0 {
		p.LowPercentile = 0
	}
	if p.LowPercentile > 50 {
		p.LowPercentile = 50
	}
	if p.HighPercentile < 50 {
		p.HighPercentile = 50
	}
	if p.HighPercentile > 100 {
		p.HighPercentile = 100
	}
	return p
}

// Fuse turns normalised comps into a PricingResult. It is a pure function
// of its inputs; comp order does not matter. Zero comps yield the
// degenerate result with nil values and zero confidence.
func Fuse(comps []Comp, windowDays int, now time.Time, p FuseParams) *model.PricingResult {
	p = p.clamped()
	res := &model.PricingResult{
		WindowDays: windowDays,
		Sources:    []string{},
		ComputedAt: now,
	}
	if len(comps) == 0 {
		return res
	}

	values := make([]float64, len(comps))
	for i, c := range comps {
		values[i] = c.Value
	}
	sorted := sortedCopy(values)
	if p.IQRMinComps > 0 && len(sorted) >= p.IQRMinComps {
		sorted = iqrFilter(sorted, p.IQRMultiplier)
	}

	low := round2(percentile(sorted, p.LowPercentile))
	median := round2(percentile(sorted, 50))
	high := round2(percentile(sorted, p.HighPercentile))
	cv := coefficientOfVariation(sorted)

	res.ValueLow = &low
	res.ValueMedian = &median
	res.ValueHigh = &high
	res.CompsCount = len(sorted)
	res.Volatility = cv
	res.Confidence = Confidence(len(sorted), cv, p.CountScale, p.VolatilityWeight)
	res.Sources = contributingSources(comps, sorted)
	return res
}

// contributingSources lists, sorted, the sources with at least one comp
// inside the surviving value range.
func contributingSources(comps []Comp, kept []float64) []string {
	if len(kept) == 0 {
		return []string{}
	}
	lo, hi := kept[0], kept[len(kept)-1]
	seen := map[string]bool{}
	for _, c := range comps {
		if c.Value >= lo && c.Value <= hi {
			seen[c.Raw.Source] = true
		}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
