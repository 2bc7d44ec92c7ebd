package imageprocessor

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"
)

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func solidImage(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func TestPreprocessProducesUnitRangeTensor(t *testing.T) {
	data := encodePNG(t, solidImage(640, 480, color.RGBA{R: 255, G: 0, B: 51, A: 255}))

	tensor, err := Preprocessor{}.PreprocessBytes(data, RangeUnit)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if tensor.Len() != InputWidth*InputHeight*Channels {
		t.Fatalf("unexpected tensor length %d", tensor.Len())
	}
	if tensor.Uint8 != nil {
		t.Fatal("expected only float values to be populated")
	}
	if got := tensor.At(100, 100, 0); got != 1 {
		t.Fatalf("expected red channel 1.0, got %f", got)
	}
	if got := tensor.At(100, 100, 1); got != 0 {
		t.Fatalf("expected green channel 0.0, got %f", got)
	}
	if got := tensor.At(100, 100, 2); got != 0.2 {
		t.Fatalf("expected blue channel 0.2, got %f", got)
	}
	for _, v := range tensor.Float {
		if v < 0 || v > 1 {
			t.Fatalf("value %f outside [0,1]", v)
		}
	}
}

func TestPreprocessProducesUint8Tensor(t *testing.T) {
	data := encodePNG(t, solidImage(32, 32, color.RGBA{R: 10, G: 20, B: 30, A: 255}))

	tensor, err := Preprocessor{}.PreprocessBytes(data, RangeUint8)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if len(tensor.Uint8) != InputWidth*InputHeight*Channels {
		t.Fatalf("unexpected tensor length %d", len(tensor.Uint8))
	}
	if tensor.Float != nil {
		t.Fatal("expected only uint8 values to be populated")
	}
	if tensor.Uint8[0] != 10 || tensor.Uint8[1] != 20 || tensor.Uint8[2] != 30 {
		t.Fatalf("unexpected first pixel %v", tensor.Uint8[:3])
	}
}

func TestPreprocessExpandsGrayscaleToRGB(t *testing.T) {
	gray := image.NewGray(image.Rect(0, 0, 50, 50))
	for i := range gray.Pix {
		gray.Pix[i] = 128
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, gray, &jpeg.Options{Quality: 100}); err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}

	tensor, err := Preprocessor{}.PreprocessBytes(buf.Bytes(), RangeUint8)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	r, g, b := tensor.Uint8[0], tensor.Uint8[1], tensor.Uint8[2]
	if r != g || g != b {
		t.Fatalf("expected equal channels for grayscale input, got %d %d %d", r, g, b)
	}
}

func TestPreprocessRejectsCorruptData(t *testing.T) {
	_, err := Preprocessor{}.PreprocessBytes([]byte("definitely not an image"), RangeUnit)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	var perr *PreprocessError
	if !errors.As(err, &perr) {
		t.Fatalf("expected PreprocessError, got %T", err)
	}
}

func TestPreprocessFileReportsSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.jpg")
	if err := os.WriteFile(path, []byte{0xff, 0xd8, 0x00}, 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	_, err := Preprocessor{}.PreprocessFile(path, RangeUnit)
	var perr *PreprocessError
	if !errors.As(err, &perr) {
		t.Fatalf("expected PreprocessError, got %v", err)
	}
	if perr.Source != path {
		t.Fatalf("expected source %s, got %s", path, perr.Source)
	}

	_, err = Preprocessor{}.PreprocessFile(filepath.Join(t.TempDir(), "missing.png"), RangeUnit)
	if !errors.As(err, &perr) {
		t.Fatalf("expected PreprocessError for missing file, got %v", err)
	}
}
