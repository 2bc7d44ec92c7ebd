package usecase

import "context"

// MetricsSummary represents aggregated verification insights.
type MetricsSummary struct {
	TotalRequests              int64            `json:"total_requests"`
	VerifiedRequests           int64            `json:"verified_requests"`
	FailedRequests             int64            `json:"failed_requests"`
	ErrorRequests              int64            `json:"error_requests"`
	SyntheticDetections        int64            `json:"synthetic_detections"`
	FallbackPredictions        int64            `json:"fallback_predictions"`
	VerificationRate           float64          `json:"verification_rate"`
	AverageConfidence          float64          `json:"average_confidence"`
	AverageProcessingLatencyMs float64          `json:"average_processing_latency_ms"`
	DetectedTypes              map[string]int64 `json:"detected_types"`
}

// GetMetricsSummary aggregates verification metrics from persisted logs.
func (uc *VerificationUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	aggregation, err := uc.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}
	counts, err := uc.repo.CountByDetectedType(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalRequests:              aggregation.TotalCount,
		VerifiedRequests:           aggregation.VerifiedCount,
		FailedRequests:             aggregation.FailedCount,
		ErrorRequests:              aggregation.ErrorCount,
		SyntheticDetections:        aggregation.SyntheticCount,
		FallbackPredictions:        aggregation.FallbackCount,
		AverageConfidence:          aggregation.AverageConfidence,
		AverageProcessingLatencyMs: aggregation.AverageLatencyMs,
		DetectedTypes:              make(map[string]int64, len(counts)),
	}
	for _, c := range counts {
		summary.DetectedTypes[c.DetectedType] = c.Count
	}

	if aggregation.TotalCount > 0 {
		summary.VerificationRate = float64(aggregation.VerifiedCount) / float64(aggregation.TotalCount)
	}

	return summary, nil
}
