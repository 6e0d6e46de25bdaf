package model

import (
	"time"
)

// RawComp is one observed comparable sale.
type RawComp struct {
	Source     string    `json:"source"`
	Price      float64   `json:"price"`
	Currency   string    `json:"currency"`
	Condition  string    `json:"condition"`
	SoldAt     time.Time `json:"sold_at"`
	ListingRef string    `json:"listing_ref,omitempty"`
}

// PricingResult is the fused valuation. Value fields are nil when no comps
// survived normalisation.
type PricingResult struct {
	ValueLow      *float64  `json:"value_low"`
	ValueMedian   *float64  `json:"value_median"`
	ValueHigh     *float64  `json:"value_high"`
	CompsCount    int       `json:"comps_count"`
	WindowDays    int       `json:"window_days"`
	Sources       []string  `json:"sources"`
	FailedSources []string  `json:"failed_sources,omitempty"`
	Confidence    float64   `json:"confidence"`
	Volatility    float64   `json:"volatility"`
	FromCache     bool      `json:"from_cache,omitempty"`
	ComputedAt    time.Time `json:"computed_at"`
}

// IsDegenerate reports whether the result carries no valuation.
func (r *PricingResult) IsDegenerate() bool {
	return r == nil || r.CompsCount == 0
}

// Valuation projects the pricing result onto the persisted card valuation.
func (r *PricingResult) Valuation() *Valuation {
	if r == nil {
		return nil
	}
	return &Valuation{
		Low:        r.ValueLow,
		Median:     r.ValueMedian,
		High:       r.ValueHigh,
		CompsCount: r.CompsCount,
		Sources:    append([]string(nil), r.Sources...),
		Confidence: r.Confidence,
	}
}

// DegeneratePricing is the defined zero-comps outcome.
func DegeneratePricing(windowDays int, failed []string, now time.Time) *PricingResult {
	return &PricingResult{
		WindowDays:    windowDays,
		Sources:       []string{},
		FailedSources: failed,
		ComputedAt:    now,
	}
}

// PricingSnapshot is a time-boxed cache entry for a card's pricing result.
type PricingSnapshot struct {
	OwnerID   string        `json:"owner_id"`
	CardID    string        `json:"card_id"`
	Result    PricingResult `json:"result"`
	CreatedAt time.Time     `json:"created_at"`
	ExpiresAt time.Time     `json:"expires_at"`
}

// Fresh reports whether the snapshot is still inside its freshness window.
func (s *PricingSnapshot) Fresh(now time.Time) bool {
	return s != nil && now.Before(s.ExpiresAt)
}

// ValuationSummary is the human-readable valuation judgment.
type ValuationSummary struct {
	Summary      string `json:"summary"`
	Trend        string `json:"trend,omitempty"` // "rising", "falling", "stable", "unknown"
	VerifiedByAI bool   `json:"verified_by_ai"`
}
