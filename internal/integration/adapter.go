// Package integration bridges uploads from the hazard reporting workflow to
// the verification engine.
package integration

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/example/oceanwatch/internal/hazard"
	"github.com/example/oceanwatch/internal/prediction"
	"github.com/example/oceanwatch/internal/verification"
)

// TempPattern names temporary upload files. The sweeper only touches files
// matching it.
const TempPattern = "upload-*"

// DefaultUploadDir is the staging directory used when none is configured. It
// is private to this service so the sweeper never sees other programs' files.
func DefaultUploadDir() string {
	return filepath.Join(os.TempDir(), "oceanwatch-uploads")
}

const (
	contentConfidenceThreshold = 0.7
	relevanceThreshold         = 0.5
)

// Verifier is the part of the verification engine the adapter needs.
type Verifier interface {
	Verify(ctx context.Context, res verification.Resource, expected hazard.Class) verification.Verdict
}

// IntegrationIOError reports a failure to stage an upload on disk.
type IntegrationIOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IntegrationIOError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s upload: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s upload %s: %v", e.Op, e.Path, e.Err)
}

func (e *IntegrationIOError) Unwrap() error {
	return e.Err
}

// Checks is the boolean checklist the reporting form renders.
type Checks struct {
	IsImage         bool  `json:"isImage"`
	FileSize        int64 `json:"fileSize"`
	IsRealImage     bool  `json:"isRealImage"`
	HazardTypeMatch bool  `json:"hazardTypeMatch"`
	ScenarioMatch   bool  `json:"scenarioMatch"`
	ContentAnalysis bool  `json:"contentAnalysis"`
	HazardRelevant  bool  `json:"hazardRelevant"`
}

// HazardMatching summarises the hazard head for the reporting form.
type HazardMatching struct {
	MatchesSelectedType bool           `json:"matchesSelectedType"`
	DetectedHazardTypes []hazard.Class `json:"detectedHazardTypes"`
	Confidence          float64        `json:"confidence"`
	ScenarioMatch       bool           `json:"scenarioMatch"`
}

// ReportResponse is the verdict reshaped for the reporting workflow.
type ReportResponse struct {
	Status         verification.Status      `json:"status"`
	Checks         Checks                   `json:"checks"`
	AIDetection    verification.AIDetection `json:"aiDetection"`
	HazardMatching HazardMatching           `json:"hazardMatching"`
	Confidence     float64                  `json:"confidence"`
	Message        string                   `json:"message"`
	Timestamp      time.Time                `json:"timestamp"`
}

// ReportAdapter stages uploads in a temp dir, verifies them and removes the
// staged file on every path.
type ReportAdapter struct {
	verifier Verifier
	dir      string
	logger   *zap.Logger
	now      func() time.Time
}

// NewReportAdapter creates an adapter that stages uploads under dir. An empty
// dir means DefaultUploadDir. The directory must exist.
func NewReportAdapter(verifier Verifier, dir string, logger *zap.Logger) *ReportAdapter {
	if dir == "" {
		dir = DefaultUploadDir()
	}
	return &ReportAdapter{
		verifier: verifier,
		dir:      dir,
		logger:   logger.Named("report_adapter"),
		now:      time.Now,
	}
}

// Verify runs one upload through the engine. Staging failures and panics come
// back as an error response; the verdict is returned alongside for callers
// that persist it.
func (a *ReportAdapter) Verify(ctx context.Context, upload io.Reader, expected hazard.Class) (resp ReportResponse, verdict verification.Verdict) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("upload verification panicked", zap.Any("panic", r))
			resp, verdict = a.failure(fmt.Sprintf("Verification failed: %v", r))
		}
	}()

	path, size, err := a.stage(upload)
	if path != "" {
		defer a.remove(path)
	}
	if err != nil {
		a.logger.Error("failed to stage upload", zap.Error(err))
		return a.failure(fmt.Sprintf("Verification failed: %v", err))
	}

	verdict = a.verifier.Verify(ctx, verification.File(path), expected)
	return reshape(verdict, size), verdict
}

func (a *ReportAdapter) stage(upload io.Reader) (string, int64, error) {
	f, err := os.CreateTemp(a.dir, TempPattern)
	if err != nil {
		return "", 0, &IntegrationIOError{Op: "create", Err: err}
	}
	path := f.Name()
	size, err := io.Copy(f, upload)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return path, size, &IntegrationIOError{Op: "write", Path: path, Err: err}
	}
	return path, size, nil
}

func (a *ReportAdapter) remove(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		a.logger.Warn("failed to remove staged upload", zap.String("path", path), zap.Error(err))
	}
}

func (a *ReportAdapter) failure(message string) (ReportResponse, verification.Verdict) {
	now := a.now()
	resp := ReportResponse{
		Status:         verification.StatusError,
		HazardMatching: HazardMatching{DetectedHazardTypes: []hazard.Class{}},
		Message:        message,
		Timestamp:      now,
	}
	verdict := verification.Verdict{
		Status:          verification.StatusError,
		Message:         message,
		HazardDetection: verification.HazardDetection{TopPredictions: []prediction.ScoredClass{}},
		Timestamp:       now,
	}
	return resp, verdict
}

func reshape(v verification.Verdict, size int64) ReportResponse {
	verified := v.Status == verification.StatusVerified
	detected := []hazard.Class{}
	if v.HazardDetection.DetectedType != "" {
		detected = append(detected, v.HazardDetection.DetectedType)
	}
	return ReportResponse{
		Status: v.Status,
		Checks: Checks{
			IsImage:         v.Status != verification.StatusError,
			FileSize:        size,
			IsRealImage:     v.Status != verification.StatusError && !v.AIDetection.IsAIGenerated,
			HazardTypeMatch: verified,
			ScenarioMatch:   verified,
			ContentAnalysis: v.Confidence > contentConfidenceThreshold,
			HazardRelevant:  v.HazardDetection.Confidence > relevanceThreshold,
		},
		AIDetection: v.AIDetection,
		HazardMatching: HazardMatching{
			MatchesSelectedType: verified,
			DetectedHazardTypes: detected,
			Confidence:          v.HazardDetection.Confidence,
			ScenarioMatch:       verified,
		},
		Confidence: v.Confidence,
		Message:    v.Message,
		Timestamp:  v.Timestamp,
	}
}
