package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/example/oceanwatch/internal/dataset"
	"github.com/example/oceanwatch/internal/hazard"
	"github.com/example/oceanwatch/internal/logging"
	"github.com/example/oceanwatch/internal/model"
	"github.com/example/oceanwatch/internal/verification"
)

func main() {
	exitFn(run(os.Args, os.Stdout, os.Stderr))
}

var (
	exitFn    = os.Exit
	newLogger = func() (*zap.Logger, error) { return logging.NewLogger("warn", false) }
)

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	if len(args) < 2 {
		usage(stderr)
		return 2
	}

	logger, err := newLogger()
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	defer logger.Sync() //nolint:errcheck

	switch args[1] {
	case "init":
		return handleInit(args[2:], stdout, stderr, logger)
	case "collect":
		return handleCollect(args[2:], stdout, stderr, logger)
	case "split":
		return handleSplit(args[2:], stdout, stderr, logger)
	case "quantize":
		return handleQuantize(args[2:], stdout, stderr)
	case "verify":
		return handleVerify(args[2:], stdout, stderr, logger)
	default:
		usage(stderr)
		return 2
	}
}

func handleInit(args []string, stdout io.Writer, stderr io.Writer, logger *zap.Logger) int {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	fs.SetOutput(stderr)
	root := fs.String("root", "dataset", "dataset root directory")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if err := dataset.NewCollector(*root, logger).Init(); err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	fmt.Fprintf(stdout, "initialized dataset at %s\n", *root)
	return 0
}

func handleCollect(args []string, stdout io.Writer, stderr io.Writer, logger *zap.Logger) int {
	fs := flag.NewFlagSet("collect", flag.ContinueOnError)
	fs.SetOutput(stderr)
	root := fs.String("root", "dataset", "dataset root directory")
	label := fs.String("hazard", string(hazard.Other), "hazard type of the images")
	synthetic := fs.Bool("synthetic", false, "images are AI generated")
	prompt := fs.String("prompt", "", "generation prompt for synthetic images")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fmt.Fprintln(stderr, "collect requires at least one <image_path>")
		return 2
	}

	uploads := make([]dataset.Upload, 0, fs.NArg())
	for _, path := range fs.Args() {
		uploads = append(uploads, dataset.Upload{Path: path, HazardType: *label, AIPrompt: *prompt})
	}

	collector := dataset.NewCollector(*root, logger)
	if err := collector.Init(); err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	existing, err := collector.Load(dataset.DefaultAnnotationsFile)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	added, collectErr := collector.Collect(uploads, !*synthetic)
	if err := collector.Save(append(existing, added...), dataset.DefaultAnnotationsFile); err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}

	fmt.Fprintf(stdout, "collected %d of %d images\n", len(added), len(uploads))
	if collectErr != nil {
		fmt.Fprintln(stderr, collectErr.Error())
		return 1
	}
	return 0
}

func handleSplit(args []string, stdout io.Writer, stderr io.Writer, logger *zap.Logger) int {
	fs := flag.NewFlagSet("split", flag.ContinueOnError)
	fs.SetOutput(stderr)
	root := fs.String("root", "dataset", "dataset root directory")
	defaults := dataset.DefaultRatios()
	train := fs.Float64("train", defaults.Train, "training share")
	validation := fs.Float64("validation", defaults.Validation, "validation share")
	test := fs.Float64("test", defaults.Test, "test share")
	seed := fs.Int64("seed", time.Now().UnixNano(), "shuffle seed")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	collector := dataset.NewCollector(*root, logger)
	annotations, err := collector.Load(dataset.DefaultAnnotationsFile)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	ratios := dataset.Ratios{Train: *train, Validation: *validation, Test: *test}
	split, err := collector.Split(annotations, ratios, rand.New(rand.NewSource(*seed)))
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	fmt.Fprintf(stdout, "train=%d validation=%d test=%d\n", len(split.Train), len(split.Validation), len(split.Test))
	return 0
}

func handleQuantize(args []string, stdout io.Writer, stderr io.Writer) int {
	fs := flag.NewFlagSet("quantize", flag.ContinueOnError)
	fs.SetOutput(stderr)
	in := fs.String("in", filepath.Join("models", model.DefaultFullPrecisionFile), "float32 artifact")
	out := fs.String("out", filepath.Join("models", model.DefaultQuantizedFile), "int8 artifact to write")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	fp, err := model.LoadArtifact(*in)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	q, err := model.Quantize(fp)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	if err := model.WriteArtifact(*out, q); err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	fmt.Fprintf(stdout, "wrote %s\n", *out)
	return 0
}

func handleVerify(args []string, stdout io.Writer, stderr io.Writer, logger *zap.Logger) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	modelDir := fs.String("models", "models", "model artifact directory")
	expectedName := fs.String("hazard", "", "expected hazard type")
	concurrency := fs.Int("concurrency", 4, "parallel verifications")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fmt.Fprintln(stderr, "verify requires at least one <image_path>")
		return 2
	}

	var expected []hazard.Class
	if *expectedName != "" {
		class, err := hazard.Parse(*expectedName)
		if err != nil {
			fmt.Fprintln(stderr, err.Error())
			return 2
		}
		for range fs.Args() {
			expected = append(expected, class)
		}
	}

	ctx := context.Background()
	registry := model.LoadRegistry(ctx, model.RegistryConfig{Dir: *modelDir}, logger)
	defer registry.Close()
	engine := verification.NewEngine(registry, logger, verification.Options{BatchConcurrency: *concurrency})

	resources := make([]verification.Resource, 0, fs.NArg())
	for _, path := range fs.Args() {
		resources = append(resources, verification.File(path))
	}
	verdicts, err := engine.BatchVerify(ctx, resources, expected)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(verdicts); err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	for _, v := range verdicts {
		if v.Status != verification.StatusVerified {
			return 1
		}
	}
	return 0
}

func usage(w io.Writer) {
	fmt.Fprint(w, `OceanWatch CLI

Usage:
  oceanctl init [--root DIR]
  oceanctl collect [--root DIR] [--hazard TYPE] [--synthetic] [--prompt TEXT] <image_path>...
  oceanctl split [--root DIR] [--train F] [--validation F] [--test F] [--seed N]
  oceanctl quantize [--in FP32_ARTIFACT] [--out INT8_ARTIFACT]
  oceanctl verify [--models DIR] [--hazard TYPE] [--concurrency N] <image_path>...
`)
}
