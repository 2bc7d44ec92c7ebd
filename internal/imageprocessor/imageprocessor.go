// Package imageprocessor turns uploaded images into the fixed-size tensors
// the hazard classifier consumes.
package imageprocessor

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // register GIF decoder
	_ "image/jpeg" // register JPEG decoder
	_ "image/png"  // register PNG decoder
	"io"
	"os"

	_ "golang.org/x/image/bmp" // register BMP decoder
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp" // register WebP decoder
)

const (
	// InputWidth and InputHeight are the spatial size every model expects.
	InputWidth  = 224
	InputHeight = 224
	// Channels is the number of color channels, always in RGB order.
	Channels = 3
)

// Range selects the numeric range of tensor values.
type Range int

const (
	// RangeUnit yields float32 values in [0,1] for full precision inference.
	RangeUnit Range = iota
	// RangeUint8 yields raw 8-bit values for quantized inference.
	RangeUint8
)

func (r Range) String() string {
	switch r {
	case RangeUnit:
		return "float32[0,1]"
	case RangeUint8:
		return "uint8[0,255]"
	default:
		return fmt.Sprintf("range(%d)", int(r))
	}
}

// Tensor is a 224x224x3 image in height, width, channel order. Exactly one of
// Float or Uint8 is populated, according to Range.
type Tensor struct {
	Range Range
	Float []float32
	Uint8 []uint8
}

// Len returns the number of values in the tensor.
func (t *Tensor) Len() int {
	if t.Range == RangeUint8 {
		return len(t.Uint8)
	}
	return len(t.Float)
}

// At returns the value at (y, x, c) scaled to [0,1] regardless of Range.
func (t *Tensor) At(y, x, c int) float32 {
	i := (y*InputWidth+x)*Channels + c
	if t.Range == RangeUint8 {
		return float32(t.Uint8[i]) / 255
	}
	return t.Float[i]
}

// PreprocessError reports an image that could not be turned into a tensor.
type PreprocessError struct {
	Source string
	Err    error
}

func (e *PreprocessError) Error() string {
	if e.Source != "" {
		return fmt.Sprintf("preprocess %s: %v", e.Source, e.Err)
	}
	return fmt.Sprintf("preprocess: %v", e.Err)
}

func (e *PreprocessError) Unwrap() error {
	return e.Err
}

// ErrEmptyImage is returned for images without any pixels.
var ErrEmptyImage = errors.New("image has no pixels")

// Preprocessor decodes, resizes and normalizes images. The zero value is
// ready to use.
type Preprocessor struct {
	// Scaler defaults to bilinear interpolation.
	Scaler draw.Scaler
}

// PreprocessFile reads the image at path.
func (p Preprocessor) PreprocessFile(path string, rng Range) (*Tensor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &PreprocessError{Source: path, Err: err}
	}
	defer f.Close()

	tensor, err := p.Preprocess(f, rng)
	if err != nil {
		var perr *PreprocessError
		if errors.As(err, &perr) && perr.Source == "" {
			perr.Source = path
		}
		return nil, err
	}
	return tensor, nil
}

// PreprocessBytes is a convenience wrapper for in-memory uploads.
func (p Preprocessor) PreprocessBytes(data []byte, rng Range) (*Tensor, error) {
	return p.Preprocess(bytes.NewReader(data), rng)
}

// Preprocess decodes r and produces a tensor in the requested range.
func (p Preprocessor) Preprocess(r io.Reader, rng Range) (*Tensor, error) {
	if rng != RangeUnit && rng != RangeUint8 {
		return nil, &PreprocessError{Err: fmt.Errorf("unsupported range %s", rng)}
	}
	img, err := p.Decode(r)
	if err != nil {
		return nil, err
	}
	return toTensor(p.Resize(img), rng), nil
}

// Decode reads any registered image format and rejects empty images.
func (p Preprocessor) Decode(r io.Reader) (image.Image, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, &PreprocessError{Err: fmt.Errorf("decode: %w", err)}
	}
	if img.Bounds().Empty() {
		return nil, &PreprocessError{Err: ErrEmptyImage}
	}
	return img, nil
}

// Resize scales img to the model input size.
func (p Preprocessor) Resize(img image.Image) *image.RGBA {
	scaler := p.Scaler
	if scaler == nil {
		scaler = draw.BiLinear
	}
	dst := image.NewRGBA(image.Rect(0, 0, InputWidth, InputHeight))
	scaler.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

// toTensor drops alpha and lays pixels out as RGB triplets.
func toTensor(img *image.RGBA, rng Range) *Tensor {
	n := InputWidth * InputHeight * Channels
	t := &Tensor{Range: rng}
	if rng == RangeUint8 {
		t.Uint8 = make([]uint8, n)
	} else {
		t.Float = make([]float32, n)
	}

	i := 0
	for y := 0; y < InputHeight; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+InputWidth*4]
		for x := 0; x < InputWidth; x++ {
			px := row[x*4 : x*4+3]
			for c := 0; c < Channels; c++ {
				if rng == RangeUint8 {
					t.Uint8[i] = px[c]
				} else {
					t.Float[i] = float32(px[c]) / 255
				}
				i++
			}
		}
	}
	return t
}
