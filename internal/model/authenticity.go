package model

// AuthenticitySignals are five independent confidence scalars in [0,1].
type AuthenticitySignals struct {
	VisualHash        float64 `json:"visual_hash"`
	TextMatch         float64 `json:"text_match"`
	HoloPattern       float64 `json:"holo_pattern"`
	BorderConsistency float64 `json:"border_consistency"`
	FontValidation    float64 `json:"font_validation"`
}

// Clamped returns a copy with every signal limited to [0,1].
func (s AuthenticitySignals) Clamped() AuthenticitySignals {
	return AuthenticitySignals{
		VisualHash:        Clamp01(s.VisualHash),
		TextMatch:         Clamp01(s.TextMatch),
		HoloPattern:       Clamp01(s.HoloPattern),
		BorderConsistency: Clamp01(s.BorderConsistency),
		FontValidation:    Clamp01(s.FontValidation),
	}
}

// AuthenticityResult is the composite authenticity judgment.
type AuthenticityResult struct {
	Signals      AuthenticitySignals `json:"signals"`
	Score        float64             `json:"score"`
	FakeDetected bool                `json:"fake_detected"`
	Rationale    string              `json:"rationale"`
	VerifiedByAI bool                `json:"verified_by_ai"`
}
