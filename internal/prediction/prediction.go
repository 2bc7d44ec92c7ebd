package prediction

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"go.uber.org/zap"

	"github.com/example/oceanwatch/internal/hazard"
	"github.com/example/oceanwatch/internal/imageprocessor"
	"github.com/example/oceanwatch/internal/model"
)

const (
	// SyntheticThreshold is the fixed policy cut for the synthetic flag.
	SyntheticThreshold = 0.5
	// TopK is the number of alternatives reported per prediction.
	TopK = 3

	fallbackConfidence = 0.5
	fallbackScore      = 0.1
)

// ScoredClass pairs a hazard class with its score.
type ScoredClass struct {
	HazardType hazard.Class `json:"hazard_type"`
	Confidence float64      `json:"confidence"`
}

// Record is a backend-agnostic prediction for one image.
type Record struct {
	HazardType          hazard.Class
	HazardConfidence    float64
	IsSynthetic         bool
	SyntheticConfidence float64
	TopK                []ScoredClass
	AllScores           []float64
}

// Fallback returns the deterministic low-confidence prediction used when no
// backend can answer.
func Fallback() Record {
	scores := make([]float64, hazard.Count)
	for i := range scores {
		scores[i] = fallbackScore
	}
	return Record{
		HazardType:          hazard.Other,
		HazardConfidence:    fallbackConfidence,
		IsSynthetic:         false,
		SyntheticConfidence: fallbackConfidence,
		TopK:                []ScoredClass{{HazardType: hazard.Other, Confidence: fallbackConfidence}},
		AllScores:           scores,
	}
}

// Source names where a record came from.
type Source string

const (
	SourceQuantized     Source = "quantized"
	SourceFullPrecision Source = "full_precision"
	SourceFallback      Source = "fallback"
)

// FallbackReason explains why the fallback record was used.
type FallbackReason string

const (
	ReasonNone      FallbackReason = ""
	ReasonNoBackend FallbackReason = "no_backend"
	ReasonInference FallbackReason = "inference_error"
)

// Outcome describes which path produced a record.
type Outcome struct {
	Source  Source
	Backend model.Kind
	Reason  FallbackReason
	Err     error
}

// UsedFallback reports whether the record is the fallback record.
func (o Outcome) UsedFallback() bool {
	return o.Source == SourceFallback
}

// InferenceError wraps a backend failure that was replaced by the fallback.
type InferenceError struct {
	Backend model.Kind
	Err     error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("%s inference: %v", e.Backend, e.Err)
}

func (e *InferenceError) Unwrap() error {
	return e.Err
}

// ErrMalformedOutput marks backend output that violates the output contract.
var ErrMalformedOutput = errors.New("malformed model output")

// Adapter turns raw backend output into records.
type Adapter struct {
	logger *zap.Logger
}

// NewAdapter constructs an adapter.
func NewAdapter(logger *zap.Logger) *Adapter {
	return &Adapter{logger: logger.Named("prediction_adapter")}
}

// Predict scores tensor with backend. It never returns an error: a nil
// backend or any failure yields the fallback record, and the outcome says why.
func (a *Adapter) Predict(ctx context.Context, backend model.Backend, tensor *imageprocessor.Tensor) (Record, Outcome) {
	if backend == nil {
		return Fallback(), Outcome{Source: SourceFallback, Backend: model.None, Reason: ReasonNoBackend}
	}

	kind := backend.Kind()
	raw, err := score(ctx, backend, tensor)
	if err == nil {
		var rec Record
		rec, err = FromRaw(raw)
		if err == nil {
			return rec, Outcome{Source: sourceFor(kind), Backend: kind}
		}
	}

	inferenceErr := &InferenceError{Backend: kind, Err: err}
	a.logger.Warn("inference failed, using fallback prediction", zap.Stringer("backend", kind), zap.Error(inferenceErr))
	return Fallback(), Outcome{Source: SourceFallback, Backend: kind, Reason: ReasonInference, Err: inferenceErr}
}

func score(ctx context.Context, backend model.Backend, tensor *imageprocessor.Tensor) (raw model.RawOutput, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("backend panic: %v", r)
		}
	}()
	return backend.Score(ctx, tensor)
}

func sourceFor(kind model.Kind) Source {
	if kind == model.Quantized {
		return SourceQuantized
	}
	return SourceFullPrecision
}

// FromRaw validates raw output and applies the label, threshold and top-k
// rules.
func FromRaw(raw model.RawOutput) (Record, error) {
	if len(raw.HazardScores) != hazard.Count {
		return Record{}, fmt.Errorf("%w: %d hazard scores, expected %d", ErrMalformedOutput, len(raw.HazardScores), hazard.Count)
	}
	scores := make([]float64, hazard.Count)
	for i, s := range raw.HazardScores {
		if !inUnitRange(float64(s)) {
			return Record{}, fmt.Errorf("%w: hazard score %d is %v", ErrMalformedOutput, i, s)
		}
		scores[i] = float64(s)
	}
	synthetic := float64(raw.SyntheticScore)
	if !inUnitRange(synthetic) {
		return Record{}, fmt.Errorf("%w: synthetic score is %v", ErrMalformedOutput, raw.SyntheticScore)
	}

	top := TopScores(scores, TopK)
	return Record{
		HazardType:          top[0].HazardType,
		HazardConfidence:    top[0].Confidence,
		IsSynthetic:         synthetic > SyntheticThreshold,
		SyntheticConfidence: synthetic,
		TopK:                top,
		AllScores:           scores,
	}, nil
}

// TopScores returns the k highest scores in descending order, ties broken by
// the lower ordinal.
func TopScores(scores []float64, k int) []ScoredClass {
	idx := make([]int, len(scores))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return scores[idx[a]] > scores[idx[b]]
	})
	if k > len(idx) {
		k = len(idx)
	}
	out := make([]ScoredClass, 0, k)
	for _, i := range idx[:k] {
		out = append(out, ScoredClass{HazardType: hazard.All[i], Confidence: scores[i]})
	}
	return out
}

func inUnitRange(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 1
}
