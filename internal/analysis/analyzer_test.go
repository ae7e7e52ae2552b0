package analysis

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/xray-analysis/internal/guidance"
	"github.com/example/xray-analysis/internal/inference"
	"github.com/example/xray-analysis/internal/localize"
	"github.com/example/xray-analysis/internal/repository"
)

type stubPredictor struct {
	out   []float32
	err   error
	calls int
}

func (s *stubPredictor) Predict(_ context.Context, _ []float32) ([]float32, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.out, nil
}

type stubRepo struct {
	savedLogs []*repository.AnalysisLog
	saveErr   error
	findLog   *repository.AnalysisLog
	findErr   error
}

func (s *stubRepo) SaveLog(_ context.Context, log *repository.AnalysisLog) error {
	s.savedLogs = append(s.savedLogs, log)
	return s.saveErr
}

func (s *stubRepo) FindByRequestIDAndSubject(_ context.Context, _, _ string) (*repository.AnalysisLog, error) {
	if s.findErr != nil {
		return nil, s.findErr
	}
	if s.findLog != nil {
		return s.findLog, nil
	}
	return nil, errors.New("not found")
}

func (s *stubRepo) FindDuplicatesByHash(_ context.Context, _, _, _ string) ([]*repository.AnalysisLog, error) {
	return nil, nil
}

func (s *stubRepo) AggregateMetrics(_ context.Context) (*repository.MetricsAggregation, error) {
	return &repository.MetricsAggregation{TotalCount: 4, PneumoniaCount: 1, AverageConfidence: 0.8, AverageLatencyMs: 120}, nil
}

type stubCache struct {
	values  map[string]string
	setErrs []error
	getErr  error
	setKeys []string
}

func newStubCache() *stubCache {
	return &stubCache{values: map[string]string{}}
}

func (s *stubCache) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	s.setKeys = append(s.setKeys, key)
	if len(s.setErrs) > 0 {
		err := s.setErrs[0]
		s.setErrs = s.setErrs[1:]
		if err != nil {
			return err
		}
	}
	if str, ok := value.(string); ok {
		s.values[key] = str
	}
	return nil
}

func (s *stubCache) Get(_ context.Context, key string) (string, error) {
	if s.getErr != nil {
		return "", s.getErr
	}
	if v, ok := s.values[key]; ok {
		return v, nil
	}
	return "", redis.Nil
}

type stubGuide struct {
	text      string
	chatReply string
	chatErr   error
	disabled  bool
	findings  []string
}

func (s *stubGuide) Guidance(_ context.Context, finding string, _ bool) string {
	s.findings = append(s.findings, finding)
	return s.text
}

func (s *stubGuide) Chat(_ context.Context, _ []guidance.ChatTurn, _ string) (string, error) {
	if s.chatErr != nil {
		return "", s.chatErr
	}
	return s.chatReply, nil
}

func (s *stubGuide) Enabled() bool { return !s.disabled }

type transientRedisError struct{}

func (transientRedisError) Error() string   { return "redis transient" }
func (transientRedisError) Timeout() bool   { return true }
func (transientRedisError) Temporary() bool { return true }

func testImageBytes(t *testing.T) []byte {
	t.Helper()

	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 64, 64))); err != nil {
		t.Fatalf("failed to encode test image: %v", err)
	}
	return buf.Bytes()
}

func newTestAnalyzer(classifier, subtype inference.Predictor, loc localize.Localizer, guide Guide, repo Repository, cache Cache) *Analyzer {
	return NewAnalyzer(AnalyzerConfig{
		Classifier: classifier,
		Subtype:    subtype,
		Localizer:  loc,
		Guide:      guide,
		Repo:       repo,
		Cache:      cache,
		Logger:     zap.NewNop(),
	})
}

func TestAnalyzeMissingClassifierAborts(t *testing.T) {
	a := newTestAnalyzer(nil, nil, nil, &stubGuide{}, &stubRepo{}, newStubCache())

	_, err := a.Analyze(context.Background(), "subject-1", testImageBytes(t))
	if !errors.Is(err, inference.ErrModelUnavailable) {
		t.Fatalf("expected ErrModelUnavailable, got %v", err)
	}
}

func TestAnalyzeBoundaryScoreResolvesToNormal(t *testing.T) {
	classifier := &stubPredictor{out: []float32{0.5}}
	subtype := &stubPredictor{out: []float32{0.9}}
	a := newTestAnalyzer(classifier, subtype, nil, &stubGuide{text: "take care"}, &stubRepo{}, newStubCache())

	res, err := a.Analyze(context.Background(), "subject-1", testImageBytes(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Prediction != LabelNormal {
		t.Fatalf("score of exactly 0.5 must resolve to Normal, got %q", res.Prediction)
	}
	if res.Confidence != 0.5 {
		t.Fatalf("expected confidence 0.5, got %f", res.Confidence)
	}
	if subtype.calls != 0 {
		t.Fatal("sub-classifier must not run for a Normal finding")
	}
}

func TestAnalyzeConfidenceTracksReportedLabel(t *testing.T) {
	cases := []struct {
		name  string
		out   []float32
		label string
		conf  float64
	}{
		{"low score normal", []float32{0.1}, LabelNormal, 0.9},
		{"two element vector uses index one", []float32{0.9, 0.1}, LabelNormal, 0.9},
		{"positive without subtype", []float32{0.85}, LabelPneumonia, 0.85},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := newTestAnalyzer(&stubPredictor{out: tc.out}, nil, nil, &stubGuide{}, &stubRepo{}, newStubCache())
			res, err := a.Analyze(context.Background(), "subject-1", testImageBytes(t))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.Prediction != tc.label {
				t.Fatalf("expected %q, got %q", tc.label, res.Prediction)
			}
			if res.Confidence != tc.conf {
				t.Fatalf("expected confidence %f, got %f", tc.conf, res.Confidence)
			}
			if res.Confidence < 0.5 || res.Confidence > 1 {
				t.Fatalf("confidence out of [0.5,1]: %f", res.Confidence)
			}
		})
	}
}

func TestAnalyzeSubClassifiesPositiveFinding(t *testing.T) {
	classifier := &stubPredictor{out: []float32{0.92}}
	subtype := &stubPredictor{out: []float32{0.7}}
	repo := &stubRepo{}
	a := newTestAnalyzer(classifier, subtype, nil, &stubGuide{}, repo, newStubCache())

	res, err := a.Analyze(context.Background(), "subject-1", testImageBytes(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Prediction != LabelViral {
		t.Fatalf("expected viral sub-classification, got %q", res.Prediction)
	}
	if subtype.calls != 1 {
		t.Fatalf("expected one sub-classifier call, got %d", subtype.calls)
	}
	if len(repo.savedLogs) != 1 || repo.savedLogs[0].Prediction != LabelViral {
		t.Fatalf("log not persisted with refined label: %+v", repo.savedLogs)
	}
}

func TestAnalyzeSubClassifierFailureDegradesGracefully(t *testing.T) {
	classifier := &stubPredictor{out: []float32{0.92}}
	subtype := &stubPredictor{err: errors.New("artifact corrupt")}
	a := newTestAnalyzer(classifier, subtype, nil, &stubGuide{}, &stubRepo{}, newStubCache())

	res, err := a.Analyze(context.Background(), "subject-1", testImageBytes(t))
	if err != nil {
		t.Fatalf("sub-classifier failure must not abort the request: %v", err)
	}
	if res.Prediction != LabelPneumonia {
		t.Fatalf("expected generic pneumonia label, got %q", res.Prediction)
	}
}

func TestAnalyzeBacterialBranch(t *testing.T) {
	a := newTestAnalyzer(&stubPredictor{out: []float32{0.8}}, &stubPredictor{out: []float32{0.3}}, nil, &stubGuide{}, &stubRepo{}, newStubCache())

	res, err := a.Analyze(context.Background(), "subject-1", testImageBytes(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Prediction != LabelBacterial {
		t.Fatalf("expected bacterial sub-classification, got %q", res.Prediction)
	}
}

func TestAnalyzeGuidanceEmbedsReportedFinding(t *testing.T) {
	guide := &stubGuide{text: "Based on the findings: please see a doctor."}
	a := newTestAnalyzer(&stubPredictor{out: []float32{0.9}}, nil, nil, guide, &stubRepo{}, newStubCache())

	res, err := a.Analyze(context.Background(), "subject-1", testImageBytes(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Guidance != guide.text {
		t.Fatalf("guidance not propagated: %q", res.Guidance)
	}
	if len(guide.findings) != 1 || guide.findings[0] != LabelPneumonia {
		t.Fatalf("guide saw wrong finding: %v", guide.findings)
	}
}

func TestAnalyzeRejectsUndecodableImage(t *testing.T) {
	a := newTestAnalyzer(&stubPredictor{out: []float32{0.1}}, nil, nil, &stubGuide{}, &stubRepo{}, newStubCache())

	if _, err := a.Analyze(context.Background(), "subject-1", []byte("not an image")); err == nil {
		t.Fatal("expected decode error, got nil")
	}
}

func TestAnalyzeDuplicateUploadServedFromCache(t *testing.T) {
	classifier := &stubPredictor{out: []float32{0.9}}
	cache := newStubCache()
	a := newTestAnalyzer(classifier, nil, nil, &stubGuide{}, &stubRepo{}, cache)

	img := testImageBytes(t)
	first, err := a.Analyze(context.Background(), "subject-1", img)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if classifier.calls != 1 {
		t.Fatalf("expected one classifier call, got %d", classifier.calls)
	}

	second, err := a.Analyze(context.Background(), "subject-1", img)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if classifier.calls != 1 {
		t.Fatalf("duplicate upload must not re-run inference, got %d calls", classifier.calls)
	}
	if !second.Cached {
		t.Fatal("expected cached flag on duplicate result")
	}
	if second.Prediction != first.Prediction || second.RequestID != first.RequestID {
		t.Fatalf("cached result mismatch: %+v vs %+v", first, second)
	}
}

func TestAnalyzeDuplicateCacheIsScopedPerSubject(t *testing.T) {
	classifier := &stubPredictor{out: []float32{0.9}}
	cache := newStubCache()
	a := newTestAnalyzer(classifier, nil, nil, &stubGuide{}, &stubRepo{}, cache)

	img := testImageBytes(t)
	first, err := a.Analyze(context.Background(), "subject-1", img)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	second, err := a.Analyze(context.Background(), "subject-2", img)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if classifier.calls != 2 {
		t.Fatalf("another subject's upload must run its own inference, got %d calls", classifier.calls)
	}
	if second.Cached {
		t.Fatal("another subject's upload must not be served from the cache")
	}
	if second.RequestID == first.RequestID {
		t.Fatal("distinct subjects must get distinct request ids")
	}
}

func TestAnalyzeRetriesTransientRedisSet(t *testing.T) {
	cache := newStubCache()
	cache.setErrs = []error{transientRedisError{}}
	repo := &stubRepo{}
	a := newTestAnalyzer(&stubPredictor{out: []float32{0.9}}, nil, nil, &stubGuide{}, repo, cache)

	if _, err := a.Analyze(context.Background(), "subject-1", testImageBytes(t)); err != nil {
		t.Fatalf("expected success after retry, got %v", err)
	}
	if len(cache.setKeys) < 2 || cache.setKeys[0] != cache.setKeys[1] {
		t.Fatalf("expected retry against the same key, got %v", cache.setKeys)
	}
	if len(repo.savedLogs) != 1 {
		t.Fatalf("expected log to be saved, got %d entries", len(repo.savedLogs))
	}
}

func TestAnalyzeLocalizationFailureAborts(t *testing.T) {
	loc := failingLocalizer{}
	a := newTestAnalyzer(&stubPredictor{out: []float32{0.9}}, nil, loc, &stubGuide{}, &stubRepo{}, newStubCache())

	if _, err := a.Analyze(context.Background(), "subject-1", testImageBytes(t)); err == nil {
		t.Fatal("expected localization failure to abort analysis")
	}
}

type failingLocalizer struct{}

func (failingLocalizer) Localize(_ context.Context, _ []float32, _ image.Image, _ bool) (*localize.Result, error) {
	return nil, errors.New("no maps")
}

func TestGetResultFallsBackToRepositoryWhenCacheMiss(t *testing.T) {
	expected := &repository.AnalysisLog{RequestID: "req", SubjectID: "subject", Prediction: LabelNormal}
	repo := &stubRepo{findLog: expected}
	a := newTestAnalyzer(&stubPredictor{}, nil, nil, &stubGuide{}, repo, newStubCache())

	log, err := a.GetResult(context.Background(), "subject", "req")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if log != expected {
		t.Fatalf("expected %+v, got %+v", expected, log)
	}
}

func TestMetricsSummaryComputesRate(t *testing.T) {
	a := newTestAnalyzer(&stubPredictor{}, nil, nil, &stubGuide{}, &stubRepo{}, newStubCache())

	summary, err := a.GetMetricsSummary(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.TotalAnalyses != 4 || summary.PneumoniaDetections != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if summary.PneumoniaRate != 0.25 {
		t.Fatalf("expected rate 0.25, got %f", summary.PneumoniaRate)
	}
}
