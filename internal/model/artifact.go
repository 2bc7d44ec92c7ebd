package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/example/oceanwatch/internal/hazard"
	"github.com/example/oceanwatch/internal/imageprocessor"
)

// FormatLinearV1 identifies the artifact layout understood by this package:
// a grid of average-pooled RGB features feeding a softmax hazard head and a
// sigmoid synthetic-image head.
const FormatLinearV1 = "oceanwatch.linear/v1"

const (
	PrecisionFloat32 = "float32"
	PrecisionInt8    = "int8"
)

// Artifact is the on-disk form of a trained classifier.
type Artifact struct {
	Format     string   `json:"format"`
	Precision  string   `json:"precision"`
	InputShape []int    `json:"input_shape"`
	Grid       int      `json:"grid"`
	Classes    []string `json:"classes"`

	// Float32 heads.
	Hazard    *DenseLayer `json:"hazard,omitempty"`
	Synthetic *DenseLayer `json:"synthetic,omitempty"`

	// Int8 heads.
	QuantizedHazard    *QuantizedLayer `json:"quantized_hazard,omitempty"`
	QuantizedSynthetic *QuantizedLayer `json:"quantized_synthetic,omitempty"`
}

// DenseLayer holds one row of weights per output.
type DenseLayer struct {
	Weights [][]float32 `json:"weights"`
	Bias    []float32   `json:"bias"`
}

// QuantizedLayer stores int8 weights with real = Scale * (q - ZeroPoint).
// Bias is pre-scaled by InputScale * Scale so it adds directly to the int32
// accumulator.
type QuantizedLayer struct {
	Weights   [][]int8 `json:"weights"`
	Scale     float32  `json:"scale"`
	ZeroPoint int32    `json:"zero_point"`
	Bias      []int32  `json:"bias"`
}

// MaxGrid bounds the feature count so int8 accumulation cannot overflow int32.
const MaxGrid = 56

// InputScale is the real value of one uint8 input step.
const InputScale = float32(1) / 255

// FeatureCount is the length of the pooled feature vector for grid.
func FeatureCount(grid int) int {
	return grid * grid * imageprocessor.Channels
}

// LoadArtifact reads and validates an artifact. A missing file yields an
// error wrapping fs.ErrNotExist.
func LoadArtifact(path string) (*Artifact, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("unable to parse artifact: %w", err)
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return &a, nil
}

// WriteArtifact validates a and writes it as indented JSON.
func WriteArtifact(path string, a *Artifact) error {
	if err := a.Validate(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate checks the artifact against the input contract and class order.
func (a *Artifact) Validate() error {
	if a.Format != FormatLinearV1 {
		return fmt.Errorf("unsupported artifact format %q", a.Format)
	}
	want := []int{imageprocessor.InputHeight, imageprocessor.InputWidth, imageprocessor.Channels}
	if len(a.InputShape) != len(want) {
		return fmt.Errorf("input shape %v, expected %v", a.InputShape, want)
	}
	for i := range want {
		if a.InputShape[i] != want[i] {
			return fmt.Errorf("input shape %v, expected %v", a.InputShape, want)
		}
	}
	if a.Grid <= 0 || a.Grid > MaxGrid || imageprocessor.InputWidth%a.Grid != 0 {
		return fmt.Errorf("grid %d must divide %d and be at most %d", a.Grid, imageprocessor.InputWidth, MaxGrid)
	}
	names := hazard.Names()
	if len(a.Classes) != len(names) {
		return fmt.Errorf("artifact has %d classes, expected %d", len(a.Classes), len(names))
	}
	for i, name := range names {
		if a.Classes[i] != name {
			return fmt.Errorf("class %d is %q, expected %q", i, a.Classes[i], name)
		}
	}

	features := FeatureCount(a.Grid)
	switch a.Precision {
	case PrecisionFloat32:
		if a.Hazard == nil || a.Synthetic == nil {
			return errors.New("float32 artifact requires hazard and synthetic heads")
		}
		if err := a.Hazard.validate("hazard", hazard.Count, features); err != nil {
			return err
		}
		return a.Synthetic.validate("synthetic", 1, features)
	case PrecisionInt8:
		if a.QuantizedHazard == nil || a.QuantizedSynthetic == nil {
			return errors.New("int8 artifact requires quantized hazard and synthetic heads")
		}
		if err := a.QuantizedHazard.validate("hazard", hazard.Count, features); err != nil {
			return err
		}
		return a.QuantizedSynthetic.validate("synthetic", 1, features)
	default:
		return fmt.Errorf("unsupported precision %q", a.Precision)
	}
}

func (l *DenseLayer) validate(name string, outputs, features int) error {
	if len(l.Weights) != outputs || len(l.Bias) != outputs {
		return fmt.Errorf("%s head has %d weight rows and %d biases, expected %d", name, len(l.Weights), len(l.Bias), outputs)
	}
	for i, row := range l.Weights {
		if len(row) != features {
			return fmt.Errorf("%s head row %d has %d weights, expected %d", name, i, len(row), features)
		}
	}
	return nil
}

func (l *QuantizedLayer) validate(name string, outputs, features int) error {
	if len(l.Weights) != outputs || len(l.Bias) != outputs {
		return fmt.Errorf("%s head has %d weight rows and %d biases, expected %d", name, len(l.Weights), len(l.Bias), outputs)
	}
	if l.Scale <= 0 {
		return fmt.Errorf("%s head scale must be positive, got %f", name, l.Scale)
	}
	for i, row := range l.Weights {
		if len(row) != features {
			return fmt.Errorf("%s head row %d has %d weights, expected %d", name, i, len(row), features)
		}
	}
	return nil
}

// NewBackend builds the backend matching the artifact precision.
func NewBackend(a *Artifact) (Backend, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	switch a.Precision {
	case PrecisionInt8:
		return &quantizedModel{grid: a.Grid, hazard: *a.QuantizedHazard, synthetic: *a.QuantizedSynthetic}, nil
	default:
		return &fullPrecisionModel{grid: a.Grid, hazard: *a.Hazard, synthetic: *a.Synthetic}, nil
	}
}
