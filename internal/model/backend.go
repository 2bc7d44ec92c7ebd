package model

import (
	"context"
	"fmt"

	"github.com/example/oceanwatch/internal/imageprocessor"
)

// Kind identifies a backend variant. The set is closed.
type Kind int

const (
	// None means no backend is loaded and the fallback prediction is used.
	None Kind = iota
	// Quantized is the compact int8 backend, preferred when present.
	Quantized
	// FullPrecision is the float32 backend.
	FullPrecision
)

func (k Kind) String() string {
	switch k {
	case Quantized:
		return "quantized"
	case FullPrecision:
		return "full_precision"
	case None:
		return "none"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// RawOutput is what a backend returns before any decision logic runs.
type RawOutput struct {
	HazardScores   []float32
	SyntheticScore float32
}

// Backend scores a preprocessed image. Implementations are read-only after
// construction and safe for concurrent use.
type Backend interface {
	Kind() Kind
	// InputRange tells the caller how to preprocess images for Score.
	InputRange() imageprocessor.Range
	Score(ctx context.Context, tensor *imageprocessor.Tensor) (RawOutput, error)
}

// BackendLoadError reports a model artifact that exists but could not be
// loaded. The registry logs it and treats the backend as absent.
type BackendLoadError struct {
	Kind   Kind
	Source string
	Err    error
}

func (e *BackendLoadError) Error() string {
	return fmt.Sprintf("load %s backend from %s: %v", e.Kind, e.Source, e.Err)
}

func (e *BackendLoadError) Unwrap() error {
	return e.Err
}
