package verification

import (
	"time"

	"github.com/example/oceanwatch/internal/hazard"
	"github.com/example/oceanwatch/internal/prediction"
)

// Status is the terminal outcome of verifying one image.
type Status string

const (
	StatusVerified Status = "verified"
	StatusFailed   Status = "failed"
	StatusError    Status = "error"
)

const (
	MessageVerified      = "Image verified successfully"
	MessageSynthetic     = "AI-generated image detected - only real photos are accepted"
	MessageMismatch      = "Image content does not match selected hazard type. Detected: "
	MessageLowConfidence = "Low confidence in hazard detection - please check image quality"
	MessagePreprocess    = "Failed to preprocess image"
)

// MinHazardConfidence is the acceptance threshold for hazard detection.
const MinHazardConfidence = 0.7

// HazardDetection is the hazard head part of a verdict.
type HazardDetection struct {
	DetectedType   hazard.Class             `json:"detected_type"`
	Confidence     float64                  `json:"confidence"`
	TopPredictions []prediction.ScoredClass `json:"top_predictions"`
}

// AIDetection is the synthetic-image head part of a verdict.
type AIDetection struct {
	IsAIGenerated bool    `json:"is_ai_generated"`
	Confidence    float64 `json:"confidence"`
}

// Verdict is the result returned for one image. It is built once and never
// modified afterwards.
type Verdict struct {
	Status          Status          `json:"status"`
	Message         string          `json:"message"`
	Confidence      float64         `json:"confidence"`
	HazardDetection HazardDetection `json:"hazard_detection"`
	AIDetection     AIDetection     `json:"ai_detection"`
	Model           string          `json:"model"`
	Timestamp       time.Time       `json:"timestamp"`
	ImagePath       string          `json:"image_path,omitempty"`
}

// Decide applies the acceptance rules in order: synthetic rejection, then
// expected type mismatch, then the confidence threshold.
func Decide(rec prediction.Record, expected hazard.Class) (Status, string) {
	switch {
	case rec.IsSynthetic:
		return StatusFailed, MessageSynthetic
	case expected != "" && expected != rec.HazardType:
		return StatusFailed, MessageMismatch + string(rec.HazardType)
	case rec.HazardConfidence < MinHazardConfidence:
		return StatusFailed, MessageLowConfidence
	default:
		return StatusVerified, MessageVerified
	}
}

// OverallConfidence averages hazard confidence with the real-photo
// likelihood.
func OverallConfidence(rec prediction.Record) float64 {
	return (rec.HazardConfidence + (1 - rec.SyntheticConfidence)) / 2
}

func newVerdict(rec prediction.Record, expected hazard.Class, source prediction.Source, now time.Time) Verdict {
	status, message := Decide(rec, expected)
	top := make([]prediction.ScoredClass, len(rec.TopK))
	copy(top, rec.TopK)
	return Verdict{
		Status:     status,
		Message:    message,
		Confidence: OverallConfidence(rec),
		HazardDetection: HazardDetection{
			DetectedType:   rec.HazardType,
			Confidence:     rec.HazardConfidence,
			TopPredictions: top,
		},
		AIDetection: AIDetection{
			IsAIGenerated: rec.IsSynthetic,
			Confidence:    rec.SyntheticConfidence,
		},
		Model:     string(source),
		Timestamp: now,
	}
}

func errorVerdict(message string, now time.Time) Verdict {
	return Verdict{
		Status:          StatusError,
		Message:         message,
		Confidence:      0,
		HazardDetection: HazardDetection{TopPredictions: []prediction.ScoredClass{}},
		Timestamp:       now,
	}
}
