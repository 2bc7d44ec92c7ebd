package repository

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/oceanwatch/internal/retry"
)

// VerificationLog represents a persisted verification request.
type VerificationLog struct {
	ID                  uint      `gorm:"primaryKey"`
	RequestID           string    `gorm:"column:request_id;uniqueIndex;size:64"`
	UserID              string    `gorm:"column:user_id;size:64;index"`
	Source              string    `gorm:"column:source;size:32"`
	Status              string    `gorm:"column:status;size:16;index"`
	Message             string    `gorm:"column:message;type:text"`
	Confidence          float64   `gorm:"column:confidence"`
	ExpectedType        string    `gorm:"column:expected_type;size:32"`
	DetectedType        string    `gorm:"column:detected_type;size:32"`
	HazardConfidence    float64   `gorm:"column:hazard_confidence"`
	IsSynthetic         bool      `gorm:"column:is_synthetic"`
	SyntheticConfidence float64   `gorm:"column:synthetic_confidence"`
	Model               string    `gorm:"column:model;size:32"`
	SHA1Hash            string    `gorm:"column:sha1_hash;size:40;index"`
	LatencyMs           int64     `gorm:"column:latency_ms"`
	CreatedAt           time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (VerificationLog) TableName() string {
	return "verification_logs"
}

// MetricsAggregation is the raw result of AggregateMetrics.
type MetricsAggregation struct {
	TotalCount        int64
	VerifiedCount     int64
	FailedCount       int64
	ErrorCount        int64
	SyntheticCount    int64
	FallbackCount     int64
	AverageConfidence float64
	AverageLatencyMs  float64
}

// DetectedTypeCount is one row of CountByDetectedType.
type DetectedTypeCount struct {
	DetectedType string
	Count        int64
}

// VerificationRepository provides persistence APIs for verification logs.
type VerificationRepository struct {
	db     *gorm.DB
	logger *zap.Logger
	retry  retry.Policy
}

// NewVerificationRepository creates a new repository instance.
func NewVerificationRepository(db *gorm.DB, logger *zap.Logger) *VerificationRepository {
	return &VerificationRepository{
		db:     db,
		logger: logger.Named("verification_repository"),
		retry:  retry.DefaultPolicy(),
	}
}

// AutoMigrate ensures the schema is available.
func (r *VerificationRepository) AutoMigrate(ctx context.Context) error {
	return r.executeWithRetry(ctx, "repository.auto_migrate", "", func() error {
		return r.db.WithContext(ctx).AutoMigrate(&VerificationLog{})
	})
}

// SaveLog persists a verification log entry.
func (r *VerificationRepository) SaveLog(ctx context.Context, log *VerificationLog) error {
	return r.executeWithRetry(ctx, "repository.save_log", log.RequestID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// FindByRequestIDAndUser retrieves a verification log matching the request and owner.
func (r *VerificationRepository) FindByRequestIDAndUser(ctx context.Context, requestID, userID string) (*VerificationLog, error) {
	var log VerificationLog
	err := r.executeWithRetry(ctx, "repository.find_by_request", requestID, func() error {
		return r.db.WithContext(ctx).First(&log, "request_id = ? AND user_id = ?", requestID, userID).Error
	})
	if err != nil {
		return nil, err
	}
	return &log, nil
}

// FindDuplicatesByHash lists the user's other requests for the same image
// bytes, oldest first.
func (r *VerificationRepository) FindDuplicatesByHash(ctx context.Context, userID, hash, excludeRequestID string) ([]*VerificationLog, error) {
	var logs []*VerificationLog
	err := r.executeWithRetry(ctx, "repository.find_duplicates", excludeRequestID, func() error {
		logs = nil
		return r.db.WithContext(ctx).
			Where("user_id = ? AND sha1_hash = ? AND request_id <> ?", userID, hash, excludeRequestID).
			Order("created_at ASC").
			Find(&logs).Error
	})
	if err != nil {
		return nil, err
	}
	return logs, nil
}

// AggregateMetrics summarises every stored verification.
func (r *VerificationRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var agg MetricsAggregation
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		return r.db.WithContext(ctx).Model(&VerificationLog{}).
			Select(`COUNT(*) AS total_count,
				COALESCE(SUM(CASE WHEN status = 'verified' THEN 1 ELSE 0 END), 0) AS verified_count,
				COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0) AS failed_count,
				COALESCE(SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END), 0) AS error_count,
				COALESCE(SUM(CASE WHEN is_synthetic THEN 1 ELSE 0 END), 0) AS synthetic_count,
				COALESCE(SUM(CASE WHEN model = 'fallback' THEN 1 ELSE 0 END), 0) AS fallback_count,
				COALESCE(AVG(confidence), 0) AS average_confidence,
				COALESCE(AVG(latency_ms), 0) AS average_latency_ms`).
			Scan(&agg).Error
	})
	if err != nil {
		return nil, err
	}
	return &agg, nil
}

// CountByDetectedType groups completed predictions by detected hazard type.
func (r *VerificationRepository) CountByDetectedType(ctx context.Context) ([]DetectedTypeCount, error) {
	var rows []DetectedTypeCount
	err := r.executeWithRetry(ctx, "repository.count_by_detected_type", "", func() error {
		rows = nil
		return r.db.WithContext(ctx).Model(&VerificationLog{}).
			Select("detected_type, COUNT(*) AS count").
			Where("status <> ?", "error").
			Group("detected_type").
			Order("count DESC, detected_type ASC").
			Scan(&rows).Error
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *VerificationRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	return r.retry.Do(ctx, r.logger, operation, requestID, fn)
}
