package analysis

import "context"

// MetricsSummary represents aggregated analysis insights.
type MetricsSummary struct {
	TotalAnalyses       int64   `json:"total_analyses"`
	PneumoniaDetections int64   `json:"pneumonia_detections"`
	PneumoniaRate       float64 `json:"pneumonia_rate"`
	AverageConfidence   float64 `json:"average_confidence"`
	AverageLatencyMs    float64 `json:"average_latency_ms"`
}

// GetMetricsSummary aggregates analysis metrics from persisted logs.
func (a *Analyzer) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	aggregation, err := a.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalAnalyses:       aggregation.TotalCount,
		PneumoniaDetections: aggregation.PneumoniaCount,
		AverageConfidence:   aggregation.AverageConfidence,
		AverageLatencyMs:    aggregation.AverageLatencyMs,
	}

	if aggregation.TotalCount > 0 {
		summary.PneumoniaRate = float64(aggregation.PneumoniaCount) / float64(aggregation.TotalCount)
	}

	return summary, nil
}
