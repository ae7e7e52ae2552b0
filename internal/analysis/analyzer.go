package analysis

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/xray-analysis/internal/guidance"
	"github.com/example/xray-analysis/internal/inference"
	"github.com/example/xray-analysis/internal/localize"
	"github.com/example/xray-analysis/internal/logging"
	"github.com/example/xray-analysis/internal/preprocess"
	"github.com/example/xray-analysis/internal/repository"
)

// Finding labels reported to clients. Confidence always refers to the
// reported label, never to the raw positive-class score.
const (
	LabelNormal    = "Normal"
	LabelPneumonia = "Pneumonia Detected"
	LabelBacterial = "Bacterial Pneumonia"
	LabelViral     = "Viral Pneumonia"
)

// decisionThreshold is strict: a score of exactly 0.5 resolves to Normal.
const decisionThreshold = 0.5

// Result is the combined outcome of one analysis.
type Result struct {
	RequestID          string            `json:"request_id"`
	Prediction         string            `json:"prediction"`
	Confidence         float64           `json:"confidence"`
	Anomalies          []localize.Circle `json:"anomalies"`
	IsAnomaly          bool              `json:"is_anomaly"`
	HeatmapImageBase64 string            `json:"heatmap_image_base64,omitempty"`
	Guidance           string            `json:"guidance"`
	Cached             bool              `json:"cached,omitempty"`
}

// Repository defines the persistence operations needed by the analyzer.
type Repository interface {
	SaveLog(ctx context.Context, log *repository.AnalysisLog) error
	FindByRequestIDAndSubject(ctx context.Context, requestID, subjectID string) (*repository.AnalysisLog, error)
	FindDuplicatesByHash(ctx context.Context, subjectID, hash, excludeRequestID string) ([]*repository.AnalysisLog, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// Guide is the guidance surface the analyzer depends on.
type Guide interface {
	Guidance(ctx context.Context, finding string, isAnomaly bool) string
	Chat(ctx context.Context, history []guidance.ChatTurn, message string) (string, error)
	Enabled() bool
}

// DuplicateReport pairs an analysis with earlier analyses of the same image.
type DuplicateReport struct {
	Request    *repository.AnalysisLog
	Duplicates []*repository.AnalysisLog
}

// Analyzer orchestrates the full pipeline: preprocess, classify,
// sub-classify, localize, generate guidance, persist, cache.
type Analyzer struct {
	classifier inference.Predictor
	subtype    inference.Predictor
	localizer  localize.Localizer
	guide      Guide
	repo       Repository
	cache      Cache
	logger     *zap.Logger

	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// AnalyzerConfig collects the pipeline stages. Classifier may be nil when
// the artifact failed to load; Subtype and Localizer are optional stages.
type AnalyzerConfig struct {
	Classifier inference.Predictor
	Subtype    inference.Predictor
	Localizer  localize.Localizer
	Guide      Guide
	Repo       Repository
	Cache      Cache
	Logger     *zap.Logger
}

// NewAnalyzer constructs the analysis use case.
func NewAnalyzer(cfg AnalyzerConfig) *Analyzer {
	return &Analyzer{
		classifier:     cfg.Classifier,
		subtype:        cfg.Subtype,
		localizer:      cfg.Localizer,
		guide:          cfg.Guide,
		repo:           cfg.Repo,
		cache:          cfg.Cache,
		logger:         cfg.Logger.Named("analyzer"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

type cachedAnalysis struct {
	RequestID    string    `json:"request_id"`
	SubjectID    string    `json:"subject_id"`
	Prediction   string    `json:"prediction"`
	Confidence   float64   `json:"confidence"`
	IsAnomaly    bool      `json:"is_anomaly"`
	AnomalyCount int       `json:"anomaly_count"`
	Hash         string    `json:"sha1_hash"`
	LatencyMs    int64     `json:"latency_ms"`
	CreatedAt    time.Time `json:"created_at"`
}

// imageKey is scoped per subject so one user's cached result is never
// served to another who uploads the same bytes.
func imageKey(subjectID, hash string) string { return fmt.Sprintf("xray:image:%s:%s", subjectID, hash) }

func resultKey(requestID string) string { return fmt.Sprintf("xray:result:%s", requestID) }

// Analyze runs the full pipeline on one uploaded image.
func (a *Analyzer) Analyze(ctx context.Context, subjectID string, imageBytes []byte) (*Result, error) {
	start := time.Now()
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(a.logger, "analysis.analyze", requestID)

	hash := sha1.Sum(imageBytes)
	hashHex := hex.EncodeToString(hash[:])

	// A byte-identical image already analyzed by this subject is served
	// from the cache without touching the models again.
	if cached, err := a.withRedisGet(ctx, requestID, "cache.get.image", imageKey(subjectID, hashHex)); err == nil {
		var result Result
		if err := json.Unmarshal([]byte(cached), &result); err != nil {
			opLogger.Warn("failed to decode cached analysis", zap.Error(err))
		} else {
			result.Cached = true
			opLogger.Info("served duplicate upload from cache", zap.String("hash", hashHex))
			return &result, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		opLogger.Warn("image cache lookup failed", zap.Error(err))
	}

	if a.classifier == nil {
		wrapped := logging.NewOperationError("analysis.classify", requestID, inference.ErrModelUnavailable)
		opLogger.Error("classifier artifact missing", zap.Error(wrapped))
		return nil, wrapped
	}

	if err := a.withRedisRetry(ctx, requestID, "cache.set.processing", func() error {
		return a.cache.Set(ctx, resultKey(requestID), "processing", time.Minute)
	}); err != nil {
		opLogger.Error("failed to set processing flag", zap.Error(err))
		return nil, err
	}

	img, err := preprocess.Decode(imageBytes)
	if err != nil {
		return nil, logging.NewOperationError("analysis.decode", requestID, err)
	}
	tensor := preprocess.ToTensor(img)

	out, err := a.classifier.Predict(ctx, tensor)
	if err != nil {
		wrapped := logging.NewOperationError("analysis.classify", requestID, err)
		opLogger.Error("classification failed", zap.Error(wrapped))
		return nil, wrapped
	}
	score, err := positiveScore(out)
	if err != nil {
		return nil, logging.NewOperationError("analysis.classify", requestID, err)
	}

	positive := score > decisionThreshold
	label := LabelNormal
	confidence := 1 - score
	if positive {
		label = LabelPneumonia
		confidence = score
	}
	confidence = math.Round(confidence*100) / 100

	// The sub-classifier refines a positive finding only; losing it keeps
	// the generic label rather than failing the request.
	if positive && a.subtype != nil {
		subOut, err := a.subtype.Predict(ctx, tensor)
		if err != nil {
			opLogger.Warn("subtype classification failed, keeping generic label", zap.Error(err))
		} else if subScore, err := positiveScore(subOut); err != nil {
			opLogger.Warn("subtype output unusable, keeping generic label", zap.Error(err))
		} else if subScore > decisionThreshold {
			label = LabelViral
		} else {
			label = LabelBacterial
		}
	}

	isAnomaly := false
	circles := []localize.Circle{}
	heatmap := ""
	if a.localizer != nil {
		loc, err := a.localizer.Localize(ctx, tensor, img, positive)
		if err != nil {
			wrapped := logging.NewOperationError("analysis.localize", requestID, err)
			opLogger.Error("localization failed", zap.Error(wrapped))
			return nil, wrapped
		}
		isAnomaly = loc.IsAnomaly
		circles = loc.Circles
		heatmap = loc.HeatmapBase64
	}

	guidanceText := a.guide.Guidance(ctx, label, isAnomaly)

	latency := time.Since(start)
	log := &repository.AnalysisLog{
		RequestID:    requestID,
		SubjectID:    subjectID,
		Prediction:   label,
		Confidence:   confidence,
		IsAnomaly:    isAnomaly,
		AnomalyCount: len(circles),
		HasHeatmap:   heatmap != "",
		SHA1Hash:     hashHex,
		LatencyMs:    latency.Milliseconds(),
		CreatedAt:    time.Now().UTC(),
	}
	if err := a.repo.SaveLog(ctx, log); err != nil {
		wrapped := logging.NewOperationError("analysis.save_log", requestID, err)
		opLogger.Error("failed to persist analysis log", zap.Error(wrapped))
		return nil, wrapped
	}

	result := &Result{
		RequestID:          requestID,
		Prediction:         label,
		Confidence:         confidence,
		Anomalies:          circles,
		IsAnomaly:          isAnomaly,
		HeatmapImageBase64: heatmap,
		Guidance:           guidanceText,
	}

	if err := a.cacheOutcome(ctx, requestID, hashHex, result, log); err != nil {
		opLogger.Error("failed to cache analysis outcome", zap.Error(err))
		return nil, err
	}

	opLogger.Info("analysis complete",
		zap.String("prediction", label),
		zap.Float64("confidence", confidence),
		zap.Bool("is_anomaly", isAnomaly),
		zap.Duration("latency", latency))
	return result, nil
}

func (a *Analyzer) cacheOutcome(ctx context.Context, requestID, hashHex string, result *Result, log *repository.AnalysisLog) error {
	serializedResult, err := json.Marshal(result)
	if err != nil {
		return logging.NewOperationError("analysis.serialize_result", requestID, err)
	}
	serializedLog, err := json.Marshal(cachedAnalysis{
		RequestID:    log.RequestID,
		SubjectID:    log.SubjectID,
		Prediction:   log.Prediction,
		Confidence:   log.Confidence,
		IsAnomaly:    log.IsAnomaly,
		AnomalyCount: log.AnomalyCount,
		Hash:         log.SHA1Hash,
		LatencyMs:    log.LatencyMs,
		CreatedAt:    log.CreatedAt,
	})
	if err != nil {
		return logging.NewOperationError("analysis.serialize_log", requestID, err)
	}

	if err := a.withRedisRetry(ctx, requestID, "cache.set.image", func() error {
		return a.cache.Set(ctx, imageKey(log.SubjectID, hashHex), string(serializedResult), 5*time.Minute)
	}); err != nil {
		return err
	}
	return a.withRedisRetry(ctx, requestID, "cache.set.result", func() error {
		return a.cache.Set(ctx, resultKey(requestID), string(serializedLog), 5*time.Minute)
	})
}

// Chat forwards a conversational follow-up to the guidance subsystem.
func (a *Analyzer) Chat(ctx context.Context, history []guidance.ChatTurn, message string) (string, error) {
	return a.guide.Chat(ctx, history, message)
}

// GuidanceEnabled reports whether the guidance subsystem is configured.
func (a *Analyzer) GuidanceEnabled() bool {
	return a.guide != nil && a.guide.Enabled()
}

// GetResult retrieves a cached analysis outcome or loads it from persistence.
func (a *Analyzer) GetResult(ctx context.Context, subjectID, requestID string) (*repository.AnalysisLog, error) {
	if cached, err := a.withRedisGet(ctx, requestID, "cache.get.result", resultKey(requestID)); err == nil && cached != "processing" {
		var payload cachedAnalysis
		if err := json.Unmarshal([]byte(cached), &payload); err != nil {
			logging.WithOperation(a.logger, "analysis.get_result", requestID).Warn("failed to decode cached result", zap.Error(err))
		} else {
			return &repository.AnalysisLog{
				RequestID:    payload.RequestID,
				SubjectID:    payload.SubjectID,
				Prediction:   payload.Prediction,
				Confidence:   payload.Confidence,
				IsAnomaly:    payload.IsAnomaly,
				AnomalyCount: payload.AnomalyCount,
				SHA1Hash:     payload.Hash,
				LatencyMs:    payload.LatencyMs,
				CreatedAt:    payload.CreatedAt,
			}, nil
		}
	} else if err != nil && !errors.Is(err, redis.Nil) {
		logging.WithOperation(a.logger, "analysis.get_result", requestID).Warn("failed to read cache", zap.Error(err))
	}

	return a.repo.FindByRequestIDAndSubject(ctx, requestID, subjectID)
}

// GetDuplicateReport lists earlier analyses of the same image.
func (a *Analyzer) GetDuplicateReport(ctx context.Context, subjectID, requestID string) (*DuplicateReport, error) {
	log, err := a.repo.FindByRequestIDAndSubject(ctx, requestID, subjectID)
	if err != nil {
		return nil, err
	}

	duplicates, err := a.repo.FindDuplicatesByHash(ctx, subjectID, log.SHA1Hash, log.RequestID)
	if err != nil {
		return nil, err
	}

	return &DuplicateReport{Request: log, Duplicates: duplicates}, nil
}

// positiveScore extracts the positive-class probability from a model output:
// a single value is the score itself, a multi-element vector carries it at
// index 1. The index convention matches the exported artifacts; swapping it
// inverts every diagnosis.
func positiveScore(output []float32) (float64, error) {
	switch {
	case len(output) == 0:
		return 0, errors.New("model returned an empty output")
	case len(output) > 1:
		return float64(output[1]), nil
	default:
		return float64(output[0]), nil
	}
}

func (a *Analyzer) withRedisRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	if a.retryAttempts <= 1 {
		return logging.NewOperationError(operation, requestID, fn())
	}

	backoff := a.initialBackoff
	opLogger := logging.WithOperation(a.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < a.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= a.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		// A cache miss is a normal outcome, not a failure worth logging.
		if errors.Is(err, redis.Nil) {
			return logging.NewOperationError(operation, requestID, err)
		}

		if !isTransientError(err) || attempt == a.retryAttempts-1 {
			opLogger.Error("redis operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func (a *Analyzer) withRedisGet(ctx context.Context, requestID, operation, cacheKey string) (string, error) {
	var result string
	err := a.withRedisRetry(ctx, requestID, operation, func() error {
		value, err := a.cache.Get(ctx, cacheKey)
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

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
