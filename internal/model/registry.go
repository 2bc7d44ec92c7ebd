package model

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/example/oceanwatch/internal/hazard"
	"github.com/example/oceanwatch/internal/imageprocessor"
)

const (
	DefaultQuantizedFile     = "ocean_hazard_model.int8.json"
	DefaultFullPrecisionFile = "ocean_hazard_model.fp32.json"
)

// RemoteDialer connects to an external full precision scorer.
type RemoteDialer func(ctx context.Context, addr string) (Backend, io.Closer, error)

// RegistryConfig names the well-known artifact locations.
type RegistryConfig struct {
	Dir               string
	QuantizedFile     string
	FullPrecisionFile string
	// FullPrecisionAddr, when set, replaces the local full precision artifact
	// with a remote scorer reached through Dial.
	FullPrecisionAddr string
	Dial              RemoteDialer
}

// Registry holds the backends loaded at startup. It is never mutated after
// construction.
type Registry struct {
	quantized     Backend
	fullPrecision Backend
	sources       map[Kind]string
	dir           string
	closers       []io.Closer
}

// Info describes the loaded models.
type Info struct {
	ModelsLoaded []string          `json:"models_loaded"`
	Selected     string            `json:"selected"`
	HazardTypes  []string          `json:"hazard_types"`
	ModelPath    string            `json:"model_path"`
	InputShape   []int             `json:"input_shape"`
	Sources      map[string]string `json:"sources"`
}

// NewRegistry builds a registry from already constructed backends.
func NewRegistry(backends ...Backend) (*Registry, error) {
	r := &Registry{sources: map[Kind]string{}}
	for _, b := range backends {
		if err := r.add(b, "memory"); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) add(b Backend, source string) error {
	switch b.Kind() {
	case Quantized:
		if r.quantized != nil {
			return errors.New("quantized backend already registered")
		}
		r.quantized = b
	case FullPrecision:
		if r.fullPrecision != nil {
			return errors.New("full precision backend already registered")
		}
		r.fullPrecision = b
	default:
		return fmt.Errorf("cannot register backend of kind %s", b.Kind())
	}
	r.sources[b.Kind()] = source
	return nil
}

// LoadRegistry loads whatever backends are available. Missing artifacts are
// skipped quietly; broken ones are logged and skipped. It never fails.
func LoadRegistry(ctx context.Context, cfg RegistryConfig, logger *zap.Logger) *Registry {
	logger = logger.Named("model_registry")
	r := &Registry{sources: map[Kind]string{}, dir: cfg.Dir}

	quantizedFile := cfg.QuantizedFile
	if quantizedFile == "" {
		quantizedFile = DefaultQuantizedFile
	}
	r.loadFile(Quantized, filepath.Join(cfg.Dir, quantizedFile), logger)

	if cfg.FullPrecisionAddr != "" && cfg.Dial != nil {
		r.loadRemote(ctx, cfg, logger)
	} else {
		fullFile := cfg.FullPrecisionFile
		if fullFile == "" {
			fullFile = DefaultFullPrecisionFile
		}
		r.loadFile(FullPrecision, filepath.Join(cfg.Dir, fullFile), logger)
	}

	if r.quantized == nil && r.fullPrecision == nil {
		logger.Warn("no models loaded, using fallback verification", zap.String("dir", cfg.Dir))
	}
	return r
}

func (r *Registry) loadFile(kind Kind, path string, logger *zap.Logger) {
	artifact, err := LoadArtifact(path)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Info("model artifact not found", zap.Stringer("kind", kind), zap.String("path", path))
		return
	}
	if err == nil {
		err = expectPrecision(kind, artifact)
	}
	var backend Backend
	if err == nil {
		backend, err = NewBackend(artifact)
	}
	if err != nil {
		loadErr := &BackendLoadError{Kind: kind, Source: path, Err: err}
		logger.Error("failed to load model", zap.Error(loadErr))
		return
	}
	_ = r.add(backend, path)
	logger.Info("model loaded", zap.Stringer("kind", kind), zap.String("path", path), zap.Int("grid", artifact.Grid))
}

func (r *Registry) loadRemote(ctx context.Context, cfg RegistryConfig, logger *zap.Logger) {
	backend, closer, err := cfg.Dial(ctx, cfg.FullPrecisionAddr)
	if err == nil && backend.Kind() != FullPrecision {
		err = fmt.Errorf("remote scorer reports kind %s", backend.Kind())
	}
	if err != nil {
		if closer != nil {
			_ = closer.Close()
		}
		loadErr := &BackendLoadError{Kind: FullPrecision, Source: cfg.FullPrecisionAddr, Err: err}
		logger.Error("failed to connect remote model", zap.Error(loadErr))
		return
	}
	_ = r.add(backend, cfg.FullPrecisionAddr)
	if closer != nil {
		r.closers = append(r.closers, closer)
	}
	logger.Info("remote model connected", zap.String("addr", cfg.FullPrecisionAddr))
}

func expectPrecision(kind Kind, a *Artifact) error {
	want := PrecisionFloat32
	if kind == Quantized {
		want = PrecisionInt8
	}
	if a.Precision != want {
		return fmt.Errorf("artifact precision %s does not match %s backend", a.Precision, kind)
	}
	return nil
}

// Has reports whether a backend of kind k is loaded.
func (r *Registry) Has(k Kind) bool {
	_, ok := r.Get(k)
	return ok
}

// Get returns the backend of kind k.
func (r *Registry) Get(k Kind) (Backend, bool) {
	if r == nil {
		return nil, false
	}
	switch k {
	case Quantized:
		return r.quantized, r.quantized != nil
	case FullPrecision:
		return r.fullPrecision, r.fullPrecision != nil
	default:
		return nil, false
	}
}

// Select applies the inference precedence: quantized, then full precision,
// then None.
func (r *Registry) Select() (Kind, Backend) {
	if b, ok := r.Get(Quantized); ok {
		return Quantized, b
	}
	if b, ok := r.Get(FullPrecision); ok {
		return FullPrecision, b
	}
	return None, nil
}

// Info summarizes the registry for diagnostics endpoints.
func (r *Registry) Info() Info {
	info := Info{
		ModelsLoaded: []string{},
		HazardTypes:  hazard.Names(),
		InputShape:   []int{imageprocessor.InputHeight, imageprocessor.InputWidth, imageprocessor.Channels},
		Sources:      map[string]string{},
	}
	selected, _ := r.Select()
	info.Selected = selected.String()
	if r == nil {
		return info
	}
	info.ModelPath = r.dir
	for _, k := range []Kind{Quantized, FullPrecision} {
		if r.Has(k) {
			info.ModelsLoaded = append(info.ModelsLoaded, k.String())
			info.Sources[k.String()] = r.sources[k]
		}
	}
	return info
}

// Close releases remote connections.
func (r *Registry) Close() error {
	if r == nil {
		return nil
	}
	var errs []error
	for _, c := range r.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
