package verification

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/oceanwatch/internal/hazard"
	"github.com/example/oceanwatch/internal/imageprocessor"
	"github.com/example/oceanwatch/internal/model"
	"github.com/example/oceanwatch/internal/prediction"
)

// Resource is an image to verify.
type Resource interface {
	ID() string
	Open() (io.ReadCloser, error)
}

type fileResource string

// File returns a resource backed by a file on disk.
func File(path string) Resource { return fileResource(path) }

func (f fileResource) ID() string                   { return string(f) }
func (f fileResource) Open() (io.ReadCloser, error) { return os.Open(string(f)) }

type bytesResource struct {
	id   string
	data []byte
}

// Bytes returns a resource backed by an in-memory upload.
func Bytes(id string, data []byte) Resource { return bytesResource{id: id, data: data} }

func (b bytesResource) ID() string { return b.id }
func (b bytesResource) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(b.data)), nil
}

// Options tunes the engine.
type Options struct {
	// InferenceTimeout bounds a single backend call. Zero means no limit.
	InferenceTimeout time.Duration
	// BatchConcurrency caps parallel verifications in BatchVerify. Values
	// below 1 mean sequential.
	BatchConcurrency int
	// Now is the verdict clock, time.Now by default.
	Now func() time.Time
}

// Engine runs preprocess, predict and decide for single images and batches.
type Engine struct {
	registry     *model.Registry
	preprocessor imageprocessor.Preprocessor
	adapter      *prediction.Adapter
	logger       *zap.Logger
	opts         Options
}

// ErrExpectedLength is returned when the expected hazard list does not line
// up with the resources.
var ErrExpectedLength = errors.New("expected hazard types must match the number of images")

// NewEngine builds an engine around a loaded registry.
func NewEngine(registry *model.Registry, logger *zap.Logger, opts Options) *Engine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.BatchConcurrency < 1 {
		opts.BatchConcurrency = 1
	}
	return &Engine{
		registry: registry,
		adapter:  prediction.NewAdapter(logger),
		logger:   logger.Named("verification_engine"),
		opts:     opts,
	}
}

// Registry exposes the read-only model registry.
func (e *Engine) Registry() *model.Registry {
	return e.registry
}

// ModelInfo describes the loaded backends.
func (e *Engine) ModelInfo() model.Info {
	return e.registry.Info()
}

// Verify checks one image. An empty expected class skips the type check.
// Only preprocessing failures produce StatusError.
func (e *Engine) Verify(ctx context.Context, res Resource, expected hazard.Class) Verdict {
	verdict, _ := e.verify(ctx, res, expected)
	return verdict
}

// VerifyDetailed also reports which prediction path was taken.
func (e *Engine) VerifyDetailed(ctx context.Context, res Resource, expected hazard.Class) (Verdict, prediction.Outcome) {
	return e.verify(ctx, res, expected)
}

func (e *Engine) verify(ctx context.Context, res Resource, expected hazard.Class) (Verdict, prediction.Outcome) {
	kind, backend := e.registry.Select()
	rng := imageprocessor.RangeUnit
	if backend != nil {
		rng = backend.InputRange()
	}

	tensor, err := e.preprocess(res, rng)
	if err != nil {
		e.logger.Warn("preprocessing failed", zap.String("image", res.ID()), zap.Error(err))
		return errorVerdict(MessagePreprocess, e.opts.Now()), prediction.Outcome{}
	}

	scoreCtx := ctx
	if e.opts.InferenceTimeout > 0 {
		var cancel context.CancelFunc
		scoreCtx, cancel = context.WithTimeout(ctx, e.opts.InferenceTimeout)
		defer cancel()
	}
	rec, outcome := e.adapter.Predict(scoreCtx, backend, tensor)

	verdict := newVerdict(rec, expected, outcome.Source, e.opts.Now())
	e.logger.Debug("image verified",
		zap.String("image", res.ID()),
		zap.Stringer("backend", kind),
		zap.String("status", string(verdict.Status)),
		zap.String("detected", string(rec.HazardType)),
		zap.Float64("confidence", verdict.Confidence),
	)
	return verdict, outcome
}

func (e *Engine) preprocess(res Resource, rng imageprocessor.Range) (*imageprocessor.Tensor, error) {
	rc, err := res.Open()
	if err != nil {
		return nil, &imageprocessor.PreprocessError{Source: res.ID(), Err: err}
	}
	defer rc.Close()
	return e.preprocessor.Preprocess(rc, rng)
}

// BatchVerify verifies each resource independently and returns verdicts in
// input order. expected may be nil or must have one entry per resource.
func (e *Engine) BatchVerify(ctx context.Context, resources []Resource, expected []hazard.Class) ([]Verdict, error) {
	if len(expected) != 0 && len(expected) != len(resources) {
		return nil, fmt.Errorf("%w: %d images, %d hazard types", ErrExpectedLength, len(resources), len(expected))
	}

	verdicts := make([]Verdict, len(resources))
	var g errgroup.Group
	g.SetLimit(e.opts.BatchConcurrency)
	for i, res := range resources {
		i, res := i, res
		var want hazard.Class
		if len(expected) != 0 {
			want = expected[i]
		}
		g.Go(func() error {
			verdicts[i] = e.verifyIsolated(ctx, res, want)
			return nil
		})
	}
	_ = g.Wait()
	return verdicts, nil
}

func (e *Engine) verifyIsolated(ctx context.Context, res Resource, expected hazard.Class) (verdict Verdict) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("verification panicked", zap.String("image", res.ID()), zap.Any("panic", r))
			verdict = errorVerdict(fmt.Sprintf("Verification failed: %v", r), e.opts.Now())
			verdict.ImagePath = res.ID()
		}
	}()
	verdict = e.Verify(ctx, res, expected)
	verdict.ImagePath = res.ID()
	return verdict
}
