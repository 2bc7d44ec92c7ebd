// Package modeltest provides artifacts and scripted backends for tests.
package modeltest

import (
	"context"
	"sync/atomic"

	"github.com/example/oceanwatch/internal/hazard"
	"github.com/example/oceanwatch/internal/imageprocessor"
	"github.com/example/oceanwatch/internal/model"
)

// Grid is the pooling grid used by generated artifacts.
const Grid = 4

// BiasedArtifact returns a float32 artifact that ignores pixel content and
// predicts class with roughly 0.95 confidence. The synthetic head lands near
// 0.98 when synthetic is true and near 0.02 otherwise.
func BiasedArtifact(class hazard.Class, synthetic bool) *model.Artifact {
	features := model.FeatureCount(Grid)
	a := &model.Artifact{
		Format:     model.FormatLinearV1,
		Precision:  model.PrecisionFloat32,
		InputShape: []int{imageprocessor.InputHeight, imageprocessor.InputWidth, imageprocessor.Channels},
		Grid:       Grid,
		Classes:    hazard.Names(),
		Hazard: &model.DenseLayer{
			Weights: zeroRows(hazard.Count, features),
			Bias:    make([]float32, hazard.Count),
		},
		Synthetic: &model.DenseLayer{
			Weights: zeroRows(1, features),
			Bias:    []float32{-4},
		},
	}
	a.Hazard.Bias[class.Index()] = 5
	if synthetic {
		a.Synthetic.Bias[0] = 4
	}
	return a
}

// BrightnessArtifact predicts bright when the mean pixel value is high and
// dark otherwise.
func BrightnessArtifact(bright, dark hazard.Class) *model.Artifact {
	a := BiasedArtifact(dark, false)
	features := model.FeatureCount(Grid)
	for j := range a.Hazard.Weights[bright.Index()] {
		a.Hazard.Weights[bright.Index()][j] = 10 / float32(features)
	}
	a.Hazard.Bias[bright.Index()] = 0
	a.Hazard.Bias[dark.Index()] = 5
	return a
}

func zeroRows(rows, cols int) [][]float32 {
	out := make([][]float32, rows)
	for i := range out {
		out[i] = make([]float32, cols)
	}
	return out
}

// StubBackend returns a scripted output, error or panic.
type StubBackend struct {
	KindValue model.Kind
	Range     imageprocessor.Range
	Output    model.RawOutput
	Err       error
	Panic     any

	calls atomic.Int32
}

func (s *StubBackend) Kind() model.Kind { return s.KindValue }

func (s *StubBackend) InputRange() imageprocessor.Range { return s.Range }

func (s *StubBackend) Score(ctx context.Context, tensor *imageprocessor.Tensor) (model.RawOutput, error) {
	s.calls.Add(1)
	if s.Panic != nil {
		panic(s.Panic)
	}
	if s.Err != nil {
		return model.RawOutput{}, s.Err
	}
	return s.Output, nil
}

// Calls returns how many times Score ran.
func (s *StubBackend) Calls() int {
	return int(s.calls.Load())
}

// Scores builds a hazard score vector with value at class and rest elsewhere.
func Scores(class hazard.Class, value, rest float32) []float32 {
	out := make([]float32, hazard.Count)
	for i := range out {
		out[i] = rest
	}
	out[class.Index()] = value
	return out
}
