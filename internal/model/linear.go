package model

import (
	"context"
	"fmt"
	"math"

	"github.com/example/oceanwatch/internal/imageprocessor"
)

type fullPrecisionModel struct {
	grid      int
	hazard    DenseLayer
	synthetic DenseLayer
}

func (m *fullPrecisionModel) Kind() Kind { return FullPrecision }

func (m *fullPrecisionModel) InputRange() imageprocessor.Range { return imageprocessor.RangeUnit }

func (m *fullPrecisionModel) Score(ctx context.Context, tensor *imageprocessor.Tensor) (RawOutput, error) {
	if err := checkTensor(tensor, imageprocessor.RangeUnit); err != nil {
		return RawOutput{}, err
	}
	if err := ctx.Err(); err != nil {
		return RawOutput{}, err
	}

	features := poolFloat(tensor, m.grid)
	logits := make([]float64, len(m.hazard.Weights))
	for k, row := range m.hazard.Weights {
		logits[k] = dot(row, features) + float64(m.hazard.Bias[k])
	}
	synthetic := dot(m.synthetic.Weights[0], features) + float64(m.synthetic.Bias[0])

	return RawOutput{
		HazardScores:   softmax(logits),
		SyntheticScore: float32(sigmoid(synthetic)),
	}, nil
}

type quantizedModel struct {
	grid      int
	hazard    QuantizedLayer
	synthetic QuantizedLayer
}

func (m *quantizedModel) Kind() Kind { return Quantized }

func (m *quantizedModel) InputRange() imageprocessor.Range { return imageprocessor.RangeUint8 }

// Score accumulates in int32 and emits uint8 outputs with scale 1/256, the
// same output quantization an int8 softmax/sigmoid model produces.
func (m *quantizedModel) Score(ctx context.Context, tensor *imageprocessor.Tensor) (RawOutput, error) {
	if err := checkTensor(tensor, imageprocessor.RangeUint8); err != nil {
		return RawOutput{}, err
	}
	if err := ctx.Err(); err != nil {
		return RawOutput{}, err
	}

	features := poolUint8(tensor, m.grid)
	logits := make([]float64, len(m.hazard.Weights))
	for k := range m.hazard.Weights {
		logits[k] = m.hazard.logit(k, features)
	}
	probs := softmax(logits)
	for i, p := range probs {
		probs[i] = requantize(float64(p))
	}
	synthetic := requantize(sigmoid(m.synthetic.logit(0, features)))

	return RawOutput{HazardScores: probs, SyntheticScore: synthetic}, nil
}

func (l *QuantizedLayer) logit(k int, features []uint8) float64 {
	acc := l.Bias[k]
	for j, w := range l.Weights[k] {
		acc += int32(features[j]) * (int32(w) - l.ZeroPoint)
	}
	return float64(acc) * float64(InputScale) * float64(l.Scale)
}

func requantize(p float64) float32 {
	q := math.Round(p * 256)
	if q > 255 {
		q = 255
	}
	if q < 0 {
		q = 0
	}
	return float32(q / 256)
}

func checkTensor(t *imageprocessor.Tensor, want imageprocessor.Range) error {
	if t == nil {
		return fmt.Errorf("nil tensor")
	}
	if t.Range != want {
		return fmt.Errorf("tensor range %s, backend expects %s", t.Range, want)
	}
	if n := imageprocessor.InputWidth * imageprocessor.InputHeight * imageprocessor.Channels; t.Len() != n {
		return fmt.Errorf("tensor has %d values, expected %d", t.Len(), n)
	}
	return nil
}

// poolFloat averages each grid cell per channel.
func poolFloat(t *imageprocessor.Tensor, grid int) []float32 {
	cell := imageprocessor.InputWidth / grid
	sums := make([]float64, FeatureCount(grid))
	for y := 0; y < imageprocessor.InputHeight; y++ {
		for x := 0; x < imageprocessor.InputWidth; x++ {
			base := ((y/cell)*grid + x/cell) * imageprocessor.Channels
			for c := 0; c < imageprocessor.Channels; c++ {
				sums[base+c] += float64(t.Float[(y*imageprocessor.InputWidth+x)*imageprocessor.Channels+c])
			}
		}
	}
	out := make([]float32, len(sums))
	n := float64(cell * cell)
	for i, s := range sums {
		out[i] = float32(s / n)
	}
	return out
}

// poolUint8 is the integer counterpart of poolFloat with round-half-up.
func poolUint8(t *imageprocessor.Tensor, grid int) []uint8 {
	cell := imageprocessor.InputWidth / grid
	sums := make([]uint32, FeatureCount(grid))
	for y := 0; y < imageprocessor.InputHeight; y++ {
		for x := 0; x < imageprocessor.InputWidth; x++ {
			base := ((y/cell)*grid + x/cell) * imageprocessor.Channels
			for c := 0; c < imageprocessor.Channels; c++ {
				sums[base+c] += uint32(t.Uint8[(y*imageprocessor.InputWidth+x)*imageprocessor.Channels+c])
			}
		}
	}
	out := make([]uint8, len(sums))
	n := uint32(cell * cell)
	for i, s := range sums {
		out[i] = uint8((s + n/2) / n)
	}
	return out
}

func dot(w []float32, x []float32) float64 {
	var sum float64
	for i := range w {
		sum += float64(w[i]) * float64(x[i])
	}
	return sum
}

func softmax(logits []float64) []float32 {
	maxLogit := math.Inf(-1)
	for _, l := range logits {
		if l > maxLogit {
			maxLogit = l
		}
	}
	exps := make([]float64, len(logits))
	var total float64
	for i, l := range logits {
		exps[i] = math.Exp(l - maxLogit)
		total += exps[i]
	}
	out := make([]float32, len(logits))
	for i := range exps {
		out[i] = float32(exps[i] / total)
	}
	return out
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
