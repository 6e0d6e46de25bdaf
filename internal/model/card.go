package model

import (
	"time"
)

// EntityCard is the entity scope stored alongside every card row.
const EntityCard = "CARD"

// ImageRefs locates the card images in object storage.
type ImageRefs struct {
	Front string `json:"front" validate:"required"`
	Back  string `json:"back,omitempty"`
}

// Valuation is the persisted low/median/high triple for a card.
type Valuation struct {
	Low        *float64 `json:"low,omitempty"`
	Median     *float64 `json:"median,omitempty"`
	High       *float64 `json:"high,omitempty"`
	CompsCount int      `json:"comps_count"`
	Sources    []string `json:"sources,omitempty"`
	Confidence float64  `json:"confidence"`
}

// Card is a user-owned trading card record.
type Card struct {
	CardID  string `json:"card_id"`
	OwnerID string `json:"owner_id"`

	Name              string `json:"name,omitempty"`
	Set               string `json:"set,omitempty"`
	Number            string `json:"number,omitempty"`
	Rarity            string `json:"rarity,omitempty"`
	ConditionEstimate string `json:"condition_estimate,omitempty"`

	Images                   ImageRefs `json:"images"`
	IdentificationConfidence float64   `json:"identification_confidence"`

	AuthenticityScore   *float64             `json:"authenticity_score,omitempty"`
	AuthenticitySignals *AuthenticitySignals `json:"authenticity_signals,omitempty"`
	FakeDetected        *bool                `json:"fake_detected,omitempty"`
	AuthenticityNote    string               `json:"authenticity_note,omitempty"`
	VerifiedByAI        bool                 `json:"verified_by_ai"`

	Valuation        *Valuation `json:"valuation,omitempty"`
	ValuationSummary string     `json:"valuation_summary,omitempty"`

	LastRequestID string     `json:"last_request_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	DeletedAt     *time.Time `json:"deleted_at,omitempty"`
}

// IsDeleted reports whether the card has been soft-deleted.
func (c *Card) IsDeleted() bool {
	return c.DeletedAt != nil
}

// CardPatch is a field-level update. Nil fields are left untouched.
type CardPatch struct {
	Name                     *string  `json:"name,omitempty"`
	Set                      *string  `json:"set,omitempty"`
	Number                   *string  `json:"number,omitempty"`
	Rarity                   *string  `json:"rarity,omitempty"`
	ConditionEstimate        *string  `json:"condition_estimate,omitempty"`
	BackImage                *string  `json:"back_image,omitempty"`
	IdentificationConfidence *float64 `json:"identification_confidence,omitempty"`

	Authenticity *AuthenticityResult `json:"authenticity,omitempty"`

	Valuation        *Valuation `json:"valuation,omitempty"`
	ValuationSummary *string    `json:"valuation_summary,omitempty"`
}

// IsEmpty reports whether the patch would modify nothing.
func (p CardPatch) IsEmpty() bool {
	return p.Name == nil && p.Set == nil && p.Number == nil && p.Rarity == nil &&
		p.ConditionEstimate == nil && p.BackImage == nil && p.IdentificationConfidence == nil &&
		p.Authenticity == nil && p.Valuation == nil && p.ValuationSummary == nil
}

// HasResults reports whether the patch carries workflow-produced fields.
func (p CardPatch) HasResults() bool {
	return p.Authenticity != nil || p.Valuation != nil || p.ValuationSummary != nil
}

// Apply copies the supplied fields onto c. UpdatedAt is left to the caller.
func (p CardPatch) Apply(c *Card) {
	if p.Name != nil {
		c.Name = *p.Name
	}
	if p.Set != nil {
		c.Set = *p.Set
	}
	if p.Number != nil {
		c.Number = *p.Number
	}
	if p.Rarity != nil {
		c.Rarity = *p.Rarity
	}
	if p.ConditionEstimate != nil {
		c.ConditionEstimate = *p.ConditionEstimate
	}
	if p.BackImage != nil {
		c.Images.Back = *p.BackImage
	}
	if p.IdentificationConfidence != nil {
		c.IdentificationConfidence = *p.IdentificationConfidence
	}
	if a := p.Authenticity; a != nil {
		score := a.Score
		fake := a.FakeDetected
		signals := a.Signals
		c.AuthenticityScore = &score
		c.FakeDetected = &fake
		c.AuthenticitySignals = &signals
		c.AuthenticityNote = a.Rationale
		c.VerifiedByAI = a.VerifiedByAI
	}
	if p.Valuation != nil {
		v := *p.Valuation
		c.Valuation = &v
	}
	if p.ValuationSummary != nil {
		c.ValuationSummary = *p.ValuationSummary
	}
}

// DeleteMode selects soft or hard deletion.
type DeleteMode string

const (
	DeleteSoft DeleteMode = "soft"
	DeleteHard DeleteMode = "hard"
)

// CardPage is one page of a card listing.
type CardPage struct {
	Cards      []Card `json:"cards"`
	NextCursor string `json:"next_cursor,omitempty"`
}
