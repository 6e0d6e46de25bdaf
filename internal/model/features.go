package model

import (
	"strings"
)

// OCRBlock is one recognised text region, in reading order.
type OCRBlock struct {
	Text       string     `json:"text"`
	Confidence float64    `json:"confidence"`
	Box        [4]float64 `json:"box,omitempty"` // x, y, w, h normalised to [0,1]
}

// BorderStats describes the printed border geometry.
type BorderStats struct {
	Left     float64 `json:"left"`
	Right    float64 `json:"right"`
	Top      float64 `json:"top"`
	Bottom   float64 `json:"bottom"`
	Symmetry float64 `json:"symmetry"` // [0,1], 1 = perfectly centred
}

// FontMetrics holds glyph statistics measured over the OCR regions.
type FontMetrics struct {
	MeanHeight        float64 `json:"mean_height"`
	HeightStdDev      float64 `json:"height_stddev"`
	MeanStrokeWidth   float64 `json:"mean_stroke_width"`
	BaselineDeviation float64 `json:"baseline_deviation"` // [0,1]
}

// QualitySignals are image-capture quality indicators in [0,1].
type QualitySignals struct {
	Blur       float64 `json:"blur"`
	Glare      float64 `json:"glare"`
	Brightness float64 `json:"brightness"`
}

// ImageMetadata is raw metadata about the analysed image.
type ImageMetadata struct {
	Width          int    `json:"width"`
	Height         int    `json:"height"`
	Format         string `json:"format,omitempty"`
	PerceptualHash string `json:"phash,omitempty"` // 64-bit, hex encoded
}

// FeatureEnvelope is the structured output of feature extraction.
// It is produced once per workflow execution and never mutated.
type FeatureEnvelope struct {
	ImageRef     string         `json:"image_ref"`
	OCR          []OCRBlock     `json:"ocr"`
	Border       BorderStats    `json:"border"`
	HoloVariance float64        `json:"holo_variance"`
	Font         FontMetrics    `json:"font"`
	Quality      QualitySignals `json:"quality"`
	Image        ImageMetadata  `json:"image"`
}

// Text joins OCR blocks in reading order.
func (f *FeatureEnvelope) Text() string {
	if f == nil {
		return ""
	}
	parts := make([]string, 0, len(f.OCR))
	for _, b := range f.OCR {
		if t := strings.TrimSpace(b.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n")
}

// QualityFactor collapses the quality signals to a single [0,1] scalar where
// 1 means a clean capture. Brightness is penalised at both extremes.
func (q QualitySignals) QualityFactor() float64 {
	brightnessPenalty := 0.0
	switch {
	case q.Brightness < 0.2:
		brightnessPenalty = 0.2 - q.Brightness
	case q.Brightness > 0.9:
		brightnessPenalty = q.Brightness - 0.9
	}
	f := 1 - (0.5*q.Blur + 0.3*q.Glare + 2*brightnessPenalty)
	return Clamp01(f)
}

// Clamp01 limits v to [0,1].
func Clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
