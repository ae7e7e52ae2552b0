package localize

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/jpeg"
	"testing"

	"github.com/example/xray-analysis/internal/preprocess"
)

type stubMapProducer struct {
	acts, grads []float32
	h, w, c     int
	err         error
}

func (s *stubMapProducer) Maps(_ context.Context, _ []float32) ([]float32, []float32, int, int, int, error) {
	if s.err != nil {
		return nil, nil, 0, 0, 0, s.err
	}
	return s.acts, s.grads, s.h, s.w, s.c, nil
}

func TestComputeCAMWeightsAndClamps(t *testing.T) {
	// 2x2 map, 2 channels. Channel 0 has mean gradient 1, channel 1 has
	// mean gradient -1, so channel 1 contributions are subtracted and the
	// result clamps at zero before normalization.
	acts := []float32{
		1, 0, 0, 2,
		0, 1, 2, 0,
	}
	grads := []float32{
		1, -1, 1, -1,
		1, -1, 1, -1,
	}

	cam := computeCAM(acts, grads, 2, 2, 2)
	if len(cam) != 4 {
		t.Fatalf("expected 4 cam values, got %d", len(cam))
	}
	// Raw weighted sums: 1, -2, -1, 2 -> clamped 1, 0, 0, 2 -> normalized.
	want := []float64{0.5, 0, 0, 1}
	for i, v := range cam {
		if v != want[i] {
			t.Fatalf("cam[%d] = %f, want %f", i, v, want[i])
		}
	}
}

func TestGradCAMProducesDecodableHeatmap(t *testing.T) {
	const h, w, c = 7, 7, 4
	acts := make([]float32, h*w*c)
	grads := make([]float32, h*w*c)
	for i := range acts {
		acts[i] = float32(i%13) / 13
		grads[i] = 0.5
	}

	l := NewGradCAMLocalizer(&stubMapProducer{acts: acts, grads: grads, h: h, w: w, c: c})
	original := image.NewRGBA(image.Rect(0, 0, 320, 240))

	res, err := l.Localize(context.Background(), make([]float32, preprocess.TensorLen), original, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.IsAnomaly {
		t.Fatal("expected positive classification to be reflected")
	}
	if len(res.Circles) != 0 {
		t.Fatalf("heatmap strategy must not emit circles, got %d", len(res.Circles))
	}

	raw, err := base64.StdEncoding.DecodeString(res.HeatmapBase64)
	if err != nil {
		t.Fatalf("heatmap is not valid base64: %v", err)
	}
	decoded, err := jpeg.Decode(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("heatmap is not a valid JPEG: %v", err)
	}
	if decoded.Bounds().Dx() != 320 || decoded.Bounds().Dy() != 240 {
		t.Fatalf("heatmap should match the original resolution, got %v", decoded.Bounds())
	}
}

func TestGradCAMPropagatesProducerError(t *testing.T) {
	l := NewGradCAMLocalizer(&stubMapProducer{err: errors.New("no maps")})
	if _, err := l.Localize(context.Background(), nil, nil, false); err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestPlaceholderEmitsNormalizedCirclesOnlyWhenPositive(t *testing.T) {
	l := NewPlaceholderLocalizer(42)

	res, err := l.Localize(context.Background(), nil, nil, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.IsAnomaly || len(res.Circles) != 0 {
		t.Fatalf("expected empty result for a negative finding, got %+v", res)
	}

	res, err = l.Localize(context.Background(), nil, nil, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.IsAnomaly {
		t.Fatal("expected anomaly flag for a positive finding")
	}
	if len(res.Circles) < 2 || len(res.Circles) > 4 {
		t.Fatalf("expected 2-4 circles, got %d", len(res.Circles))
	}
	for _, c := range res.Circles {
		if c.X < 0 || c.X > 1 || c.Y < 0 || c.Y > 1 || c.R < 0 || c.R > 1 {
			t.Fatalf("circle not normalized: %+v", c)
		}
	}
}
