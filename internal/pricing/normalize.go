package pricing

import (
	"strings"
	"time"

	"github.com/sells-group/card-appraiser/internal/model"
)

// Comp is a RawComp after normalisation.
type Comp struct {
	Raw   model.RawComp
	Value float64 // price in the base currency
	Grade int     // ordinal condition, GradeUnknown if unrecognised
}

// NormalizeStats counts why comps were discarded.
type NormalizeStats struct {
	Input           int
	Kept            int
	BadPrice        int
	UnknownCurrency int
	OutOfWindow     int
	BelowCondition  int
}

// Normalizer converts comps to one currency and one condition scale.
type Normalizer struct {
	base  string
	rates map[string]float64
}

// NewNormalizer builds a normaliser. rates give the value of one unit of
// each currency in a common reference; keys are matched case-insensitively.
// The base currency must appear in rates unless rates is empty.
func NewNormalizer(base string, rates map[string]float64) *Normalizer {
	n := &Normalizer{base: strings.ToUpper(strings.TrimSpace(base)), rates: make(map[string]float64, len(rates))}
	if n.base == "" {
		n.base = "USD"
	}
	for k, v := range rates {
		if v > 0 {
			n.rates[strings.ToUpper(strings.TrimSpace(k))] = v
		}
	}
	if _, ok := n.rates[n.base]; !ok {
		n.rates[n.base] = 1
	}
	return n
}

// Base returns the base currency code.
func (n *Normalizer) Base() string { return n.base }

// Convert returns price expressed in the base currency. Empty currency is
// taken to be the base currency.
func (n *Normalizer) Convert(price float64, currency string) (float64, bool) {
	cur := strings.ToUpper(strings.TrimSpace(currency))
	if cur == "" || cur == n.base {
		return price, true
	}
	rate, ok := n.rates[cur]
	if !ok {
		return 0, false
	}
	return price * rate / n.rates[n.base], true
}

// futureSkew tolerates small clock differences between sources.
const futureSkew = 24 * time.Hour

// Normalize converts and filters comps. Comps with non-positive prices,
// unknown currencies, sale dates outside the window, or a known grade below
// minCondition are dropped. minCondition of zero disables the grade filter.
func (n *Normalizer) Normalize(raw []model.RawComp, windowDays, minCondition int, now time.Time) ([]Comp, NormalizeStats) {
	stats := NormalizeStats{Input: len(raw)}
	cutoff := now.AddDate(0, 0, -windowDays)
	out := make([]Comp, 0, len(raw))

	for _, rc := range raw {
		if rc.Price <= 0 {
			stats.BadPrice++
			continue
		}
		if rc.SoldAt.IsZero() || rc.SoldAt.Before(cutoff) || rc.SoldAt.After(now.Add(futureSkew)) {
			stats.OutOfWindow++
			continue
		}
		value, ok := n.Convert(rc.Price, rc.Currency)
		if !ok {
			stats.UnknownCurrency++
			continue
		}
		grade := Grade(rc.Condition)
		if minCondition > 0 && grade != GradeUnknown && grade < minCondition {
			stats.BelowCondition++
			continue
		}
		out = append(out, Comp{Raw: rc, Value: value, Grade: grade})
	}
	stats.Kept = len(out)
	return out, stats
}
