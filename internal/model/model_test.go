package model_test

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/example/oceanwatch/internal/hazard"
	"github.com/example/oceanwatch/internal/imageprocessor"
	"github.com/example/oceanwatch/internal/model"
	"github.com/example/oceanwatch/internal/model/modeltest"
)

func uniformTensor(rng imageprocessor.Range, value uint8) *imageprocessor.Tensor {
	n := imageprocessor.InputWidth * imageprocessor.InputHeight * imageprocessor.Channels
	t := &imageprocessor.Tensor{Range: rng}
	if rng == imageprocessor.RangeUint8 {
		t.Uint8 = make([]uint8, n)
		for i := range t.Uint8 {
			t.Uint8[i] = value
		}
		return t
	}
	t.Float = make([]float32, n)
	for i := range t.Float {
		t.Float[i] = float32(value) / 255
	}
	return t
}

func argmax(scores []float32) int {
	best := 0
	for i, s := range scores {
		if s > scores[best] {
			best = i
		}
	}
	return best
}

func TestFullPrecisionAndQuantizedAgree(t *testing.T) {
	fp := modeltest.BrightnessArtifact(hazard.Tsunami, hazard.Flooding)
	q, err := model.Quantize(fp)
	if err != nil {
		t.Fatalf("quantize: %v", err)
	}

	fpBackend, err := model.NewBackend(fp)
	if err != nil {
		t.Fatalf("new fp backend: %v", err)
	}
	qBackend, err := model.NewBackend(q)
	if err != nil {
		t.Fatalf("new quantized backend: %v", err)
	}
	if fpBackend.Kind() != model.FullPrecision || qBackend.Kind() != model.Quantized {
		t.Fatalf("unexpected kinds %s / %s", fpBackend.Kind(), qBackend.Kind())
	}

	cases := []struct {
		value uint8
		want  hazard.Class
	}{
		{value: 255, want: hazard.Tsunami},
		{value: 0, want: hazard.Flooding},
	}
	for _, tc := range cases {
		fpOut, err := fpBackend.Score(context.Background(), uniformTensor(imageprocessor.RangeUnit, tc.value))
		if err != nil {
			t.Fatalf("fp score: %v", err)
		}
		qOut, err := qBackend.Score(context.Background(), uniformTensor(imageprocessor.RangeUint8, tc.value))
		if err != nil {
			t.Fatalf("quantized score: %v", err)
		}
		if got := hazard.All[argmax(fpOut.HazardScores)]; got != tc.want {
			t.Fatalf("fp predicted %s for value %d, want %s", got, tc.value, tc.want)
		}
		if got := hazard.All[argmax(qOut.HazardScores)]; got != tc.want {
			t.Fatalf("quantized predicted %s for value %d, want %s", got, tc.value, tc.want)
		}
		if len(fpOut.HazardScores) != hazard.Count || len(qOut.HazardScores) != hazard.Count {
			t.Fatal("expected one score per hazard class")
		}
		if fpOut.SyntheticScore > 0.5 || qOut.SyntheticScore > 0.5 {
			t.Fatalf("expected real image scores, got %f / %f", fpOut.SyntheticScore, qOut.SyntheticScore)
		}
	}
}

func TestQuantizedOutputsAreMultiplesOfOutputScale(t *testing.T) {
	q, err := model.Quantize(modeltest.BiasedArtifact(hazard.Debris, true))
	if err != nil {
		t.Fatalf("quantize: %v", err)
	}
	backend, err := model.NewBackend(q)
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	out, err := backend.Score(context.Background(), uniformTensor(imageprocessor.RangeUint8, 90))
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	for _, s := range append(out.HazardScores, out.SyntheticScore) {
		steps := s * 256
		if steps != float32(int(steps)) {
			t.Fatalf("score %f is not a multiple of 1/256", s)
		}
	}
	if out.SyntheticScore <= 0.5 {
		t.Fatalf("expected synthetic score above 0.5, got %f", out.SyntheticScore)
	}
}

func TestScoreRejectsMismatchedRange(t *testing.T) {
	backend, err := model.NewBackend(modeltest.BiasedArtifact(hazard.Other, false))
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	if _, err := backend.Score(context.Background(), uniformTensor(imageprocessor.RangeUint8, 1)); err == nil {
		t.Fatal("expected error for uint8 tensor on full precision backend")
	}
}

func TestValidateRejectsWrongClassOrder(t *testing.T) {
	a := modeltest.BiasedArtifact(hazard.Other, false)
	a.Classes[0], a.Classes[1] = a.Classes[1], a.Classes[0]
	if err := a.Validate(); err == nil {
		t.Fatal("expected validation error for reordered classes")
	}
}

func TestLoadRegistryPrefersQuantized(t *testing.T) {
	dir := t.TempDir()
	fp := modeltest.BiasedArtifact(hazard.Erosion, false)
	q, err := model.Quantize(fp)
	if err != nil {
		t.Fatalf("quantize: %v", err)
	}
	if err := model.WriteArtifact(filepath.Join(dir, model.DefaultFullPrecisionFile), fp); err != nil {
		t.Fatalf("write fp: %v", err)
	}
	if err := model.WriteArtifact(filepath.Join(dir, model.DefaultQuantizedFile), q); err != nil {
		t.Fatalf("write quantized: %v", err)
	}

	reg := model.LoadRegistry(context.Background(), model.RegistryConfig{Dir: dir}, zap.NewNop())
	if !reg.Has(model.Quantized) || !reg.Has(model.FullPrecision) {
		t.Fatalf("expected both backends, got %+v", reg.Info())
	}
	kind, backend := reg.Select()
	if kind != model.Quantized || backend.Kind() != model.Quantized {
		t.Fatalf("expected quantized selection, got %s", kind)
	}
	info := reg.Info()
	if info.Selected != "quantized" || len(info.ModelsLoaded) != 2 {
		t.Fatalf("unexpected info %+v", info)
	}
}

func TestLoadRegistryTreatsCorruptArtifactAsAbsent(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, model.DefaultQuantizedFile), []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write corrupt artifact: %v", err)
	}
	if err := model.WriteArtifact(filepath.Join(dir, model.DefaultFullPrecisionFile), modeltest.BiasedArtifact(hazard.Other, false)); err != nil {
		t.Fatalf("write fp: %v", err)
	}

	core, logs := observer.New(zap.InfoLevel)
	reg := model.LoadRegistry(context.Background(), model.RegistryConfig{Dir: dir}, zap.New(core))

	if reg.Has(model.Quantized) {
		t.Fatal("expected corrupt quantized artifact to be skipped")
	}
	if kind, _ := reg.Select(); kind != model.FullPrecision {
		t.Fatalf("expected full precision fallback, got %s", kind)
	}
	entries := logs.FilterMessage("failed to load model").All()
	if len(entries) != 1 {
		t.Fatalf("expected one load failure log, got %d", len(entries))
	}
	msg, _ := entries[0].ContextMap()["error"].(string)
	if !strings.Contains(msg, "load quantized backend") {
		t.Fatalf("unexpected error field %q", msg)
	}
}

func TestLoadRegistryWithNothingSelectsNone(t *testing.T) {
	reg := model.LoadRegistry(context.Background(), model.RegistryConfig{Dir: t.TempDir()}, zap.NewNop())
	if kind, backend := reg.Select(); kind != model.None || backend != nil {
		t.Fatalf("expected no backend, got %s", kind)
	}
}

func TestLoadRegistryRejectsPrecisionMismatch(t *testing.T) {
	dir := t.TempDir()
	// A float32 artifact placed where the int8 one is expected.
	if err := model.WriteArtifact(filepath.Join(dir, model.DefaultQuantizedFile), modeltest.BiasedArtifact(hazard.Other, false)); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	reg := model.LoadRegistry(context.Background(), model.RegistryConfig{Dir: dir}, zap.NewNop())
	if reg.Has(model.Quantized) {
		t.Fatal("expected mismatched artifact to be rejected")
	}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func TestLoadRegistryUsesRemoteDialer(t *testing.T) {
	closed := false
	stub := &modeltest.StubBackend{KindValue: model.FullPrecision}
	cfg := model.RegistryConfig{
		Dir:               t.TempDir(),
		FullPrecisionAddr: "scorer:9090",
		Dial: func(ctx context.Context, addr string) (model.Backend, io.Closer, error) {
			return stub, closerFunc(func() error { closed = true; return nil }), nil
		},
	}
	reg := model.LoadRegistry(context.Background(), cfg, zap.NewNop())
	backend, ok := reg.Get(model.FullPrecision)
	if !ok || backend != stub {
		t.Fatal("expected remote backend to be registered")
	}
	if err := reg.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !closed {
		t.Fatal("expected remote connection to be closed")
	}
}

func TestLoadRegistryRemoteDialFailureIsAbsorbed(t *testing.T) {
	cfg := model.RegistryConfig{
		Dir:               t.TempDir(),
		FullPrecisionAddr: "scorer:9090",
		Dial: func(ctx context.Context, addr string) (model.Backend, io.Closer, error) {
			return nil, nil, errors.New("connection refused")
		},
	}
	reg := model.LoadRegistry(context.Background(), cfg, zap.NewNop())
	if reg.Has(model.FullPrecision) {
		t.Fatal("expected failed dial to leave backend absent")
	}
}

func TestNewRegistryRejectsDuplicates(t *testing.T) {
	a := &modeltest.StubBackend{KindValue: model.Quantized}
	b := &modeltest.StubBackend{KindValue: model.Quantized}
	if _, err := model.NewRegistry(a, b); err == nil {
		t.Fatal("expected duplicate kind error")
	}
}
