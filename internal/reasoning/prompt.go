package reasoning

import (
	"encoding/json"
	"strings"

	"github.com/sells-group/card-appraiser/internal/model"
)

// authenticitySystem is the system instruction for authenticity judgments.
const authenticitySystem = `You are an expert authenticator of collectible trading cards.

You receive five machine-measured authenticity signals in [0,1] for one card image, where 1 means the measurement matches a genuine card:
- visual_hash: perceptual-hash similarity to known genuine scans
- text_match: how much of the expected card text was read by OCR
- holo_pattern: whether the holographic variance fits the card's rarity
- border_consistency: centring and margin balance
- font_validation: glyph height and baseline regularity

Rules:
- Judge only from the provided data
- Low image quality makes every signal less reliable; say so when it matters
- Return a single JSON object and nothing else:
  {"score": <0.0-1.0>, "fake_detected": <true|false>, "rationale": "<one or two sentences>"}`

// valuationSystem is the system instruction for valuation summaries.
const valuationSystem = `You are a trading card market analyst.

You receive a fused valuation computed from recent comparable sales: a low/median/high band, the number of sales, the sources, a confidence in [0,1] and a volatility (coefficient of variation).

Rules:
- Do not invent prices; restate the band you were given
- Mention when confidence is low or volatility is high
- trend is one of "rising", "falling", "stable" or "unknown"
- Return a single JSON object and nothing else:
  {"summary": "<two sentences at most>", "trend": "<trend>"}`

// AuthenticityContext is the bounded input for an authenticity judgment.
type AuthenticityContext struct {
	CardName     string                    `json:"card_name,omitempty"`
	Set          string                    `json:"set,omitempty"`
	Number       string                    `json:"number,omitempty"`
	Rarity       string                    `json:"rarity,omitempty"`
	ExpectedHolo bool                      `json:"expected_holo"`
	Signals      model.AuthenticitySignals `json:"signals"`
	HoloVariance float64                   `json:"holo_variance"`
	Quality      model.QualitySignals      `json:"quality"`
	OCRText      string                    `json:"ocr_text,omitempty"`
}

// ValuationContext is the bounded input for a valuation summary.
type ValuationContext struct {
	CardName          string               `json:"card_name,omitempty"`
	Set               string               `json:"set,omitempty"`
	Number            string               `json:"number,omitempty"`
	ConditionEstimate string               `json:"condition_estimate,omitempty"`
	Currency          string               `json:"currency"`
	Pricing           *model.PricingResult `json:"pricing"`
}

// authenticityPrompt renders ctx as JSON with the OCR text cut to maxChars.
func authenticityPrompt(c AuthenticityContext, maxChars int) string {
	c.OCRText = model.Truncate(strings.TrimSpace(c.OCRText), maxChars)
	return promptFor("Assess the authenticity of this card.", c)
}

func valuationPrompt(c ValuationContext) string {
	return promptFor("Summarise the market value of this card.", c)
}

func promptFor(task string, v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		data = []byte("{}")
	}
	return task + "\n\n" + string(data)
}

// cleanJSON strips markdown fences and extracts the JSON object.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}

	return strings.TrimSpace(text)
}
