package localize

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"

	"github.com/nfnt/resize"

	"github.com/example/xray-analysis/internal/inference"
)

const heatmapAlpha = 0.4

// GradCAMLocalizer renders a gradient-weighted class activation heatmap over
// the original image: each activation channel is weighted by its mean
// gradient, the weighted sum is clamped at zero, normalized, upscaled, color
// mapped, and alpha-blended.
type GradCAMLocalizer struct {
	producer inference.MapProducer
}

// NewGradCAMLocalizer wraps a saliency artifact.
func NewGradCAMLocalizer(producer inference.MapProducer) *GradCAMLocalizer {
	return &GradCAMLocalizer{producer: producer}
}

// Localize builds the heatmap overlay and returns it base64-encoded. No
// bounding circles are produced by this strategy.
func (l *GradCAMLocalizer) Localize(ctx context.Context, tensor []float32, original image.Image, positive bool) (*Result, error) {
	acts, grads, h, w, c, err := l.producer.Maps(ctx, tensor)
	if err != nil {
		return nil, fmt.Errorf("saliency inference: %w", err)
	}

	cam := computeCAM(acts, grads, h, w, c)
	overlay := renderOverlay(cam, w, h, original)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, overlay, &jpeg.Options{Quality: 90}); err != nil {
		return nil, fmt.Errorf("failed to encode heatmap: %w", err)
	}

	return &Result{
		IsAnomaly:     positive,
		Circles:       []Circle{},
		HeatmapBase64: base64.StdEncoding.EncodeToString(buf.Bytes()),
	}, nil
}

// computeCAM collapses HWC activations into a normalized h*w importance map.
// Channel weights are the mean gradient per channel; negative contributions
// are clamped to zero before normalization.
func computeCAM(acts, grads []float32, h, w, c int) []float64 {
	area := h * w

	weights := make([]float64, c)
	for k := 0; k < c; k++ {
		var sum float64
		for p := 0; p < area; p++ {
			sum += float64(grads[p*c+k])
		}
		weights[k] = sum / float64(area)
	}

	cam := make([]float64, area)
	maxV := 0.0
	for p := 0; p < area; p++ {
		var v float64
		for k := 0; k < c; k++ {
			v += weights[k] * float64(acts[p*c+k])
		}
		if v < 0 {
			v = 0
		}
		cam[p] = v
		if v > maxV {
			maxV = v
		}
	}
	if maxV > 0 {
		for p := range cam {
			cam[p] /= maxV
		}
	}
	return cam
}

// renderOverlay upscales the importance map to the original resolution,
// applies a jet color map, and blends it over the original image.
func renderOverlay(cam []float64, w, h int, original image.Image) image.Image {
	gray := image.NewGray(image.Rect(0, 0, w, h))
	for p, v := range cam {
		gray.Pix[p] = uint8(v * 255)
	}

	bounds := original.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	scaled := resize.Resize(uint(width), uint(height), gray, resize.Bilinear)

	out := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			intensity := float64(color.GrayModel.Convert(scaled.At(x, y)).(color.Gray).Y) / 255.0
			hr, hg, hb := jet(intensity)

			or, og, ob, _ := original.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			out.Set(x, y, color.RGBA{
				R: blend(uint8(or>>8), hr),
				G: blend(uint8(og>>8), hg),
				B: blend(uint8(ob>>8), hb),
				A: 255,
			})
		}
	}
	return out
}

func blend(base, heat uint8) uint8 {
	return uint8(float64(base)*(1-heatmapAlpha) + float64(heat)*heatmapAlpha)
}

// jet maps an intensity in [0,1] to the blue-cyan-yellow-red color ramp.
func jet(v float64) (r, g, b uint8) {
	clamp := func(x float64) uint8 {
		if x < 0 {
			return 0
		}
		if x > 1 {
			return 255
		}
		return uint8(x * 255)
	}
	return clamp(1.5 - abs(4*v-3)), clamp(1.5 - abs(4*v-2)), clamp(1.5 - abs(4*v-1))
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
