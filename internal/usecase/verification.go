package usecase

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/oceanwatch/internal/hazard"
	"github.com/example/oceanwatch/internal/integration"
	"github.com/example/oceanwatch/internal/logging"
	"github.com/example/oceanwatch/internal/model"
	"github.com/example/oceanwatch/internal/prediction"
	"github.com/example/oceanwatch/internal/repository"
	"github.com/example/oceanwatch/internal/retry"
	"github.com/example/oceanwatch/internal/verification"
)

const (
	processingMarker = "processing"
	processingTTL    = time.Minute
	resultTTL        = 5 * time.Minute

	SourceSingle = "single"
	SourceBatch  = "batch"
	SourceReport = "report"
)

// VerificationRepository defines the persistence operations needed by the use case.
type VerificationRepository interface {
	SaveLog(ctx context.Context, log *repository.VerificationLog) error
	FindByRequestIDAndUser(ctx context.Context, requestID, userID string) (*repository.VerificationLog, error)
	FindDuplicatesByHash(ctx context.Context, userID, hash, excludeRequestID string) ([]*repository.VerificationLog, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
	CountByDetectedType(ctx context.Context) ([]repository.DetectedTypeCount, error)
}

// ImageVerifier is the verification engine as seen by the use case.
type ImageVerifier interface {
	VerifyDetailed(ctx context.Context, res verification.Resource, expected hazard.Class) (verification.Verdict, prediction.Outcome)
	BatchVerify(ctx context.Context, resources []verification.Resource, expected []hazard.Class) ([]verification.Verdict, error)
	ModelInfo() model.Info
}

// ReportVerifier is the reporting workflow adapter.
type ReportVerifier interface {
	Verify(ctx context.Context, upload io.Reader, expected hazard.Class) (integration.ReportResponse, verification.Verdict)
}

// VerificationUseCase encapsulates business logic for the verification flow.
type VerificationUseCase struct {
	repo     VerificationRepository
	cache    Cache
	verifier ImageVerifier
	reports  ReportVerifier
	logger   *zap.Logger
	retry    retry.Policy
	now      func() time.Time
}

// Image is one uploaded image.
type Image struct {
	Name string
	Data []byte
}

// BatchItem pairs a batch verdict with the request id it was stored under.
type BatchItem struct {
	RequestID string               `json:"request_id"`
	Verdict   verification.Verdict `json:"verdict"`
}

type cachedVerification struct {
	RequestID           string    `json:"request_id"`
	UserID              string    `json:"user_id"`
	Source              string    `json:"source"`
	Status              string    `json:"status"`
	Message             string    `json:"message"`
	Confidence          float64   `json:"confidence"`
	ExpectedType        string    `json:"expected_type"`
	DetectedType        string    `json:"detected_type"`
	HazardConfidence    float64   `json:"hazard_confidence"`
	IsSynthetic         bool      `json:"is_synthetic"`
	SyntheticConfidence float64   `json:"synthetic_confidence"`
	Model               string    `json:"model"`
	Hash                string    `json:"sha1_hash"`
	LatencyMs           int64     `json:"latency_ms"`
	CreatedAt           time.Time `json:"created_at"`
}

// DuplicateReport represents duplicate verification entries for a request.
type DuplicateReport struct {
	Request    *repository.VerificationLog
	Duplicates []*repository.VerificationLog
}

// NewVerificationUseCase constructs a new use case instance.
func NewVerificationUseCase(repo VerificationRepository, cache Cache, verifier ImageVerifier, reports ReportVerifier, logger *zap.Logger) *VerificationUseCase {
	return &VerificationUseCase{
		repo:     repo,
		cache:    cache,
		verifier: verifier,
		reports:  reports,
		logger:   logger.Named("verification_usecase"),
		retry:    retry.DefaultPolicy(),
		now:      time.Now,
	}
}

// ModelInfo reports the loaded model backends.
func (uc *VerificationUseCase) ModelInfo() model.Info {
	return uc.verifier.ModelInfo()
}

// VerifyImage verifies one upload, persists the verdict and caches it under
// the returned request id.
func (uc *VerificationUseCase) VerifyImage(ctx context.Context, userID string, img Image, expected hazard.Class) (string, *verification.Verdict, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.verify_image", requestID)

	if err := uc.markProcessing(ctx, requestID); err != nil {
		opLogger.Error("failed to set processing flag", zap.Error(err))
		return "", nil, err
	}

	started := uc.now()
	verdict, outcome := uc.verifier.VerifyDetailed(ctx, verification.Bytes(img.Name, img.Data), expected)
	if outcome.UsedFallback() && outcome.Err != nil {
		opLogger.Warn("verified with fallback prediction", zap.Error(outcome.Err))
	}

	log := uc.newLog(requestID, userID, SourceSingle, img.Data, expected, verdict, started)
	if err := uc.persist(ctx, opLogger, log); err != nil {
		return "", nil, err
	}
	return requestID, &verdict, nil
}

// VerifyBatch verifies images independently and stores each verdict under its
// own request id. expected may be empty or must match images in length.
func (uc *VerificationUseCase) VerifyBatch(ctx context.Context, userID string, images []Image, expected []hazard.Class) ([]BatchItem, error) {
	resources := make([]verification.Resource, len(images))
	for i, img := range images {
		resources[i] = verification.Bytes(img.Name, img.Data)
	}

	started := uc.now()
	verdicts, err := uc.verifier.BatchVerify(ctx, resources, expected)
	if err != nil {
		return nil, err
	}

	items := make([]BatchItem, len(verdicts))
	for i, verdict := range verdicts {
		requestID := uuid.NewString()
		var want hazard.Class
		if len(expected) != 0 {
			want = expected[i]
		}
		opLogger := logging.WithOperation(uc.logger, "usecase.verify_batch", requestID)
		log := uc.newLog(requestID, userID, SourceBatch, images[i].Data, want, verdict, started)
		if err := uc.persist(ctx, opLogger, log); err != nil {
			return nil, err
		}
		items[i] = BatchItem{RequestID: requestID, Verdict: verdict}
	}
	return items, nil
}

// VerifyReport runs an upload through the reporting workflow adapter and
// stores the underlying verdict.
func (uc *VerificationUseCase) VerifyReport(ctx context.Context, userID string, data []byte, expected hazard.Class) (string, integration.ReportResponse, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.verify_report", requestID)

	started := uc.now()
	resp, verdict := uc.reports.Verify(ctx, bytes.NewReader(data), expected)

	log := uc.newLog(requestID, userID, SourceReport, data, expected, verdict, started)
	if err := uc.persist(ctx, opLogger, log); err != nil {
		return "", integration.ReportResponse{}, err
	}
	return requestID, resp, nil
}

func (uc *VerificationUseCase) newLog(requestID, userID, source string, data []byte, expected hazard.Class, v verification.Verdict, started time.Time) *repository.VerificationLog {
	hash := sha1.Sum(data)
	return &repository.VerificationLog{
		RequestID:           requestID,
		UserID:              userID,
		Source:              source,
		Status:              string(v.Status),
		Message:             v.Message,
		Confidence:          v.Confidence,
		ExpectedType:        string(expected),
		DetectedType:        string(v.HazardDetection.DetectedType),
		HazardConfidence:    v.HazardDetection.Confidence,
		IsSynthetic:         v.AIDetection.IsAIGenerated,
		SyntheticConfidence: v.AIDetection.Confidence,
		Model:               v.Model,
		SHA1Hash:            hex.EncodeToString(hash[:]),
		LatencyMs:           uc.now().Sub(started).Milliseconds(),
		CreatedAt:           uc.now().UTC(),
	}
}

func (uc *VerificationUseCase) persist(ctx context.Context, opLogger *zap.Logger, log *repository.VerificationLog) error {
	if err := uc.repo.SaveLog(ctx, log); err != nil {
		wrapped := logging.NewOperationError("usecase.save_log", log.RequestID, err)
		opLogger.Error("failed to persist verification log", zap.Error(wrapped))
		return wrapped
	}

	serialized, err := json.Marshal(toCached(log))
	if err != nil {
		opLogger.Error("failed to serialize verification result", zap.Error(err))
		return err
	}

	cacheKey := resultKey(log.RequestID)
	if err := uc.retry.Do(ctx, uc.logger, "cache.set.result", log.RequestID, func() error {
		return uc.cache.Set(ctx, cacheKey, string(serialized), resultTTL)
	}); err != nil {
		opLogger.Error("failed to cache verification result", zap.Error(err))
		return err
	}
	return nil
}

func (uc *VerificationUseCase) markProcessing(ctx context.Context, requestID string) error {
	return uc.retry.Do(ctx, uc.logger, "cache.set.processing", requestID, func() error {
		return uc.cache.Set(ctx, resultKey(requestID), processingMarker, processingTTL)
	})
}

// GetResult retrieves a cached verification outcome or loads from persistence.
func (uc *VerificationUseCase) GetResult(ctx context.Context, userID, requestID string) (*repository.VerificationLog, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.get_result", requestID)
	cached, err := uc.cacheGet(ctx, requestID, "cache.get.result", resultKey(requestID))
	switch {
	case err == nil && cached != processingMarker:
		var payload cachedVerification
		if err := json.Unmarshal([]byte(cached), &payload); err != nil {
			opLogger.Warn("failed to decode cached result", zap.Error(err))
			break
		}
		if payload.UserID != userID {
			break
		}
		return fromCached(payload), nil
	case err != nil && !errors.Is(err, redis.Nil):
		opLogger.Warn("failed to read cache", zap.Error(err))
	}

	return uc.repo.FindByRequestIDAndUser(ctx, requestID, userID)
}

// GetDuplicateReport builds a duplicate detection report for a verification request.
func (uc *VerificationUseCase) GetDuplicateReport(ctx context.Context, userID, requestID string) (*DuplicateReport, error) {
	log, err := uc.repo.FindByRequestIDAndUser(ctx, requestID, userID)
	if err != nil {
		return nil, err
	}

	duplicates, err := uc.repo.FindDuplicatesByHash(ctx, userID, log.SHA1Hash, log.RequestID)
	if err != nil {
		return nil, err
	}

	return &DuplicateReport{
		Request:    log,
		Duplicates: duplicates,
	}, nil
}

func (uc *VerificationUseCase) cacheGet(ctx context.Context, requestID, operation, cacheKey string) (string, error) {
	var result string
	err := uc.retry.Do(ctx, uc.logger, operation, requestID, func() error {
		value, err := uc.cache.Get(ctx, cacheKey)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

func resultKey(requestID string) string {
	return fmt.Sprintf("verification:%s", requestID)
}

func toCached(log *repository.VerificationLog) cachedVerification {
	return cachedVerification{
		RequestID:           log.RequestID,
		UserID:              log.UserID,
		Source:              log.Source,
		Status:              log.Status,
		Message:             log.Message,
		Confidence:          log.Confidence,
		ExpectedType:        log.ExpectedType,
		DetectedType:        log.DetectedType,
		HazardConfidence:    log.HazardConfidence,
		IsSynthetic:         log.IsSynthetic,
		SyntheticConfidence: log.SyntheticConfidence,
		Model:               log.Model,
		Hash:                log.SHA1Hash,
		LatencyMs:           log.LatencyMs,
		CreatedAt:           log.CreatedAt,
	}
}

func fromCached(c cachedVerification) *repository.VerificationLog {
	return &repository.VerificationLog{
		RequestID:           c.RequestID,
		UserID:              c.UserID,
		Source:              c.Source,
		Status:              c.Status,
		Message:             c.Message,
		Confidence:          c.Confidence,
		ExpectedType:        c.ExpectedType,
		DetectedType:        c.DetectedType,
		HazardConfidence:    c.HazardConfidence,
		IsSynthetic:         c.IsSynthetic,
		SyntheticConfidence: c.SyntheticConfidence,
		Model:               c.Model,
		SHA1Hash:            c.Hash,
		LatencyMs:           c.LatencyMs,
		CreatedAt:           c.CreatedAt,
	}
}

// Health is the readiness snapshot served on /health.
type Health struct {
	Status        string `json:"status"`
	Cache         string `json:"cache"`
	SelectedModel string `json:"selected_model"`
}

// Health pings the cache and reports which backend serves predictions. A
// cache outage degrades the status but does not fail the check.
func (uc *VerificationUseCase) Health(ctx context.Context) Health {
	h := Health{Status: "ok", Cache: "ok", SelectedModel: uc.verifier.ModelInfo().Selected}
	if err := uc.cache.Ping(ctx); err != nil {
		uc.logger.Warn("cache ping failed", zap.Error(err))
		h.Status = "degraded"
		h.Cache = "unavailable"
	}
	return h
}
