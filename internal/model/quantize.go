package model

import (
	"fmt"
	"math"
)

// Quantize derives an int8 artifact from a float32 one using symmetric
// per-layer weight scales and uint8 inputs with scale 1/255.
func Quantize(fp *Artifact) (*Artifact, error) {
	if err := fp.Validate(); err != nil {
		return nil, err
	}
	if fp.Precision != PrecisionFloat32 {
		return nil, fmt.Errorf("artifact precision is %s, expected %s", fp.Precision, PrecisionFloat32)
	}

	q := &Artifact{
		Format:             fp.Format,
		Precision:          PrecisionInt8,
		InputShape:         append([]int(nil), fp.InputShape...),
		Grid:               fp.Grid,
		Classes:            append([]string(nil), fp.Classes...),
		QuantizedHazard:    quantizeLayer(fp.Hazard),
		QuantizedSynthetic: quantizeLayer(fp.Synthetic),
	}
	return q, q.Validate()
}

func quantizeLayer(l *DenseLayer) *QuantizedLayer {
	var maxAbs float64
	for _, row := range l.Weights {
		for _, w := range row {
			maxAbs = math.Max(maxAbs, math.Abs(float64(w)))
		}
	}
	scale := maxAbs / 127
	if scale == 0 {
		scale = 1
	}

	out := &QuantizedLayer{
		Weights: make([][]int8, len(l.Weights)),
		Scale:   float32(scale),
		Bias:    make([]int32, len(l.Bias)),
	}
	for i, row := range l.Weights {
		out.Weights[i] = make([]int8, len(row))
		for j, w := range row {
			out.Weights[i][j] = int8(clamp(math.Round(float64(w)/scale), -127, 127))
		}
	}
	biasScale := float64(InputScale) * scale
	for i, b := range l.Bias {
		out.Bias[i] = int32(clamp(math.Round(float64(b)/biasScale), math.MinInt32, math.MaxInt32))
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
