// Package dataset keeps the on-disk layout and JSON annotation files used to
// train and evaluate hazard models.
package dataset

import (
	"encoding/json"
	"errors"
	"fmt"
	"image/jpeg"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/oceanwatch/internal/hazard"
	"github.com/example/oceanwatch/internal/imageprocessor"
)

const (
	CategoryReal      = "real_images"
	CategorySynthetic = "ai_generated"

	DefaultAnnotationsFile = "annotations.json"

	jpegQuality = 95
)

// Splits lists the processed split names in file order.
var Splits = [...]string{"train", "validation", "test"}

// Metadata describes the stored file.
type Metadata struct {
	Source     string    `json:"source"`
	Timestamp  time.Time `json:"timestamp"`
	FileSize   int64     `json:"file_size"`
	Dimensions [2]int    `json:"dimensions"`
	Format     string    `json:"format"`
}

type AIDetection struct {
	IsAIGenerated bool     `json:"is_ai_generated"`
	Confidence    float64  `json:"confidence"`
	Indicators    []string `json:"indicators"`
}

type HazardDetection struct {
	DetectedTypes []hazard.Class `json:"detected_types"`
	Confidence    float64        `json:"confidence"`
	ScenarioMatch bool           `json:"scenario_match"`
}

// Annotation is one labelled image in the dataset.
type Annotation struct {
	ImageID            string          `json:"image_id"`
	FilePath           string          `json:"file_path"`
	HazardType         hazard.Class    `json:"hazard_type"`
	IsReal             bool            `json:"is_real"`
	VerificationStatus string          `json:"verification_status"`
	Confidence         float64         `json:"confidence"`
	Location           map[string]any  `json:"location"`
	Metadata           Metadata        `json:"metadata"`
	AIDetection        AIDetection     `json:"ai_detection"`
	HazardDetection    HazardDetection `json:"hazard_detection"`
	SourceURL          string          `json:"source_url,omitempty"`
	AIPrompt           string          `json:"ai_prompt,omitempty"`
}

// Upload is a local image waiting to be added to the dataset.
type Upload struct {
	Path       string
	HazardType string
	Location   map[string]any
	SourceURL  string
	// AIPrompt is the generation prompt of a synthetic image, if known.
	AIPrompt string
}

// Collector owns a dataset root.
type Collector struct {
	root         string
	preprocessor imageprocessor.Preprocessor
	logger       *zap.Logger
	now          func() time.Time
}

func NewCollector(root string, logger *zap.Logger) *Collector {
	return &Collector{root: root, logger: logger.Named("dataset"), now: time.Now}
}

func (c *Collector) RawDir(category string, class hazard.Class) string {
	return filepath.Join(c.root, "raw", category, string(class))
}

func (c *Collector) ProcessedDir(split string) string {
	return filepath.Join(c.root, "processed", split)
}

func (c *Collector) AnnotationsDir() string {
	return filepath.Join(c.root, "annotations")
}

// Init creates the raw, processed and annotations directories. It is safe to
// call on an existing dataset.
func (c *Collector) Init() error {
	dirs := []string{c.AnnotationsDir()}
	for _, category := range []string{CategoryReal, CategorySynthetic} {
		for _, class := range hazard.All {
			dirs = append(dirs, c.RawDir(category, class))
		}
	}
	for _, split := range Splits {
		dirs = append(dirs, c.ProcessedDir(split))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// Collect resizes each upload to the model input size, stores it as JPEG
// under its category and label, and returns annotations for the images that
// were stored. Unknown labels become "other". Images that cannot be read are
// skipped and reported in the joined error.
func (c *Collector) Collect(uploads []Upload, isReal bool) ([]Annotation, error) {
	category := CategoryReal
	if !isReal {
		category = CategorySynthetic
	}

	var (
		out  []Annotation
		errs []error
	)
	for i, up := range uploads {
		class := hazard.Coerce(up.HazardType)
		now := c.now()
		name := fmt.Sprintf("%s_%s_%03d_%s.jpg", class, now.Format("20060102_150405"), i, uuid.NewString()[:8])
		dest := filepath.Join(c.RawDir(category, class), name)

		size, err := c.store(up.Path, dest)
		if err != nil {
			c.logger.Warn("skipping image", zap.String("path", up.Path), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", up.Path, err))
			continue
		}

		location := up.Location
		if location == nil {
			location = map[string]any{}
		}
		out = append(out, Annotation{
			ImageID:            name,
			FilePath:           dest,
			HazardType:         class,
			IsReal:             isReal,
			VerificationStatus: "pending",
			Location:           location,
			Metadata: Metadata{
				Source:     "user_upload",
				Timestamp:  now,
				FileSize:   size,
				Dimensions: [2]int{imageprocessor.InputWidth, imageprocessor.InputHeight},
				Format:     "JPEG",
			},
			AIDetection: AIDetection{
				IsAIGenerated: !isReal,
				Indicators:    []string{},
			},
			HazardDetection: HazardDetection{
				DetectedTypes: []hazard.Class{class},
				ScenarioMatch: true,
			},
			SourceURL: up.SourceURL,
			AIPrompt:  up.AIPrompt,
		})
	}
	return out, errors.Join(errs...)
}

func (c *Collector) store(src, dest string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	img, err := c.preprocessor.Decode(in)
	if err != nil {
		return 0, err
	}

	out, err := os.Create(dest)
	if err != nil {
		return 0, err
	}
	if err := jpeg.Encode(out, c.preprocessor.Resize(img), &jpeg.Options{Quality: jpegQuality}); err != nil {
		out.Close()
		os.Remove(dest)
		return 0, err
	}
	if err := out.Close(); err != nil {
		return 0, err
	}
	info, err := os.Stat(dest)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Save writes annotations to name inside the annotations directory.
func (c *Collector) Save(annotations []Annotation, name string) error {
	if annotations == nil {
		annotations = []Annotation{}
	}
	data, err := json.MarshalIndent(annotations, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(c.AnnotationsDir(), name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return err
	}
	c.logger.Info("saved annotations", zap.Int("count", len(annotations)), zap.String("path", path))
	return nil
}

// Load reads annotations from name. A missing file yields an empty list.
func (c *Collector) Load(name string) ([]Annotation, error) {
	data, err := os.ReadFile(filepath.Join(c.AnnotationsDir(), name))
	if errors.Is(err, os.ErrNotExist) {
		return []Annotation{}, nil
	}
	if err != nil {
		return nil, err
	}
	var out []Annotation
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	return out, nil
}

// Ratios are the train and validation shares; test takes the remainder.
type Ratios struct {
	Train      float64
	Validation float64
	Test       float64
}

func DefaultRatios() Ratios {
	return Ratios{Train: 0.7, Validation: 0.15, Test: 0.15}
}

func (r Ratios) validate() error {
	if r.Train < 0 || r.Validation < 0 || r.Test < 0 {
		return errors.New("split ratios must not be negative")
	}
	if math.Abs(r.Train+r.Validation+r.Test-1) > 1e-6 {
		return fmt.Errorf("split ratios must sum to 1, got %v", r.Train+r.Validation+r.Test)
	}
	return nil
}

// Split holds the three partitions.
type Split struct {
	Train      []Annotation
	Validation []Annotation
	Test       []Annotation
}

// Split shuffles a copy of annotations with rng, cuts it at n*train and
// n*(train+validation), and writes train_annotations.json,
// validation_annotations.json and test_annotations.json.
func (c *Collector) Split(annotations []Annotation, ratios Ratios, rng *rand.Rand) (Split, error) {
	if err := ratios.validate(); err != nil {
		return Split{}, err
	}
	shuffled := append([]Annotation(nil), annotations...)
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	total := float64(len(shuffled))
	trainEnd := int(total * ratios.Train)
	valEnd := int(total * (ratios.Train + ratios.Validation))
	if valEnd > len(shuffled) {
		valEnd = len(shuffled)
	}
	split := Split{
		Train:      shuffled[:trainEnd],
		Validation: shuffled[trainEnd:valEnd],
		Test:       shuffled[valEnd:],
	}

	parts := map[string][]Annotation{
		"train":      split.Train,
		"validation": split.Validation,
		"test":       split.Test,
	}
	for _, name := range Splits {
		if err := c.Save(parts[name], name+"_annotations.json"); err != nil {
			return Split{}, err
		}
	}
	c.logger.Info("dataset split created",
		zap.Int("train", len(split.Train)),
		zap.Int("validation", len(split.Validation)),
		zap.Int("test", len(split.Test)),
	)
	return split, nil
}
