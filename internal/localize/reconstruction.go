package localize

import (
	"context"
	"fmt"
	"image"
	"math"
	"math/rand"

	"github.com/example/xray-analysis/internal/inference"
	"github.com/example/xray-analysis/internal/preprocess"
)

// Reconstruction-error tuning. The global mean squared error decides whether
// the image is anomalous at all; the per-pixel cutoff and minimum radius
// filter the difference map down to reportable regions.
const (
	anomalyMSEThreshold = 0.002
	pixelCutoff         = 50.0 / 255.0
	minCircleRadius     = 10.0
)

// ReconstructionLocalizer runs an autoencoder over the normalized image and
// turns reconstruction error into bounding circles.
type ReconstructionLocalizer struct {
	autoencoder inference.Predictor
}

// NewReconstructionLocalizer wraps an autoencoder artifact.
func NewReconstructionLocalizer(autoencoder inference.Predictor) *ReconstructionLocalizer {
	return &ReconstructionLocalizer{autoencoder: autoencoder}
}

// Localize reconstructs the input and reports regions with high
// reconstruction error. The classification outcome does not gate this
// strategy; an anomalous image is reported even when the classifier said
// Normal.
func (l *ReconstructionLocalizer) Localize(ctx context.Context, tensor []float32, _ image.Image, _ bool) (*Result, error) {
	reconstructed, err := l.autoencoder.Predict(ctx, tensor)
	if err != nil {
		return nil, fmt.Errorf("autoencoder inference: %w", err)
	}
	if len(reconstructed) != len(tensor) {
		return nil, fmt.Errorf("autoencoder returned %d values, expected %d", len(reconstructed), len(tensor))
	}

	var sumSq float64
	for i := range tensor {
		d := float64(tensor[i]) - float64(reconstructed[i])
		sumSq += d * d
	}
	mse := sumSq / float64(len(tensor))
	if mse <= anomalyMSEThreshold {
		return &Result{IsAnomaly: false, Circles: []Circle{}}, nil
	}

	diff := channelMeanDiff(tensor, reconstructed)
	normalizeInPlace(diff)

	mask := make([]bool, len(diff))
	for i, v := range diff {
		mask[i] = v > pixelCutoff
	}

	circles := []Circle{}
	for _, comp := range connectedComponents(mask, preprocess.Width, preprocess.Height) {
		cx, cy, r := enclosingCircle(comp)
		if r > minCircleRadius {
			circles = append(circles, Circle{
				X: cx / preprocess.Width,
				Y: cy / preprocess.Height,
				R: r / preprocess.Width,
			})
		}
	}

	return &Result{IsAnomaly: true, Circles: circles}, nil
}

// channelMeanDiff collapses a NHWC difference into one absolute value per
// pixel, averaged across channels.
func channelMeanDiff(input, reconstructed []float32) []float64 {
	pixels := preprocess.Width * preprocess.Height
	diff := make([]float64, pixels)
	for p := 0; p < pixels; p++ {
		base := p * preprocess.Channels
		var sum float64
		for c := 0; c < preprocess.Channels; c++ {
			sum += math.Abs(float64(input[base+c]) - float64(reconstructed[base+c]))
		}
		diff[p] = sum / preprocess.Channels
	}
	return diff
}

func normalizeInPlace(values []float64) {
	minV, maxV := values[0], values[0]
	for _, v := range values[1:] {
		if v < minV {
			minV = v
		}
		if v > maxV {
			maxV = v
		}
	}
	scale := maxV - minV + 1e-8
	for i := range values {
		values[i] = (values[i] - minV) / scale
	}
}

type pixel struct{ x, y int }

// connectedComponents extracts 4-connected regions from a binary mask.
func connectedComponents(mask []bool, width, height int) [][]pixel {
	visited := make([]bool, len(mask))
	var components [][]pixel

	for start := range mask {
		if !mask[start] || visited[start] {
			continue
		}

		var comp []pixel
		queue := []int{start}
		visited[start] = true
		for len(queue) > 0 {
			idx := queue[0]
			queue = queue[1:]
			x, y := idx%width, idx/width
			comp = append(comp, pixel{x: x, y: y})

			for _, n := range [4][2]int{{x - 1, y}, {x + 1, y}, {x, y - 1}, {x, y + 1}} {
				nx, ny := n[0], n[1]
				if nx < 0 || nx >= width || ny < 0 || ny >= height {
					continue
				}
				nidx := ny*width + nx
				if mask[nidx] && !visited[nidx] {
					visited[nidx] = true
					queue = append(queue, nidx)
				}
			}
		}
		components = append(components, comp)
	}
	return components
}

// enclosingCircle returns the minimal circle covering every pixel of a
// component, via Welzl's randomized incremental algorithm. Minimality keeps
// the normalized radius bounded: no circle over points of the model grid
// needs a radius beyond the half diagonal.
func enclosingCircle(comp []pixel) (cx, cy, r float64) {
	pts := make([][2]float64, len(comp))
	for i, p := range comp {
		pts[i] = [2]float64{float64(p.x), float64(p.y)}
	}
	rng := rand.New(rand.NewSource(int64(len(pts))))
	rng.Shuffle(len(pts), func(i, j int) { pts[i], pts[j] = pts[j], pts[i] })

	c := circle{x: pts[0][0], y: pts[0][1]}
	for i := 1; i < len(pts); i++ {
		if !c.contains(pts[i]) {
			c = circleWithBoundary(pts[:i], pts[i])
		}
	}
	return c.x, c.y, c.r
}

type circle struct{ x, y, r float64 }

const containsSlack = 1e-7

func (c circle) contains(p [2]float64) bool {
	return math.Hypot(p[0]-c.x, p[1]-c.y) <= c.r+containsSlack
}

// circleWithBoundary recomputes the minimal circle knowing p lies on its
// boundary.
func circleWithBoundary(pts [][2]float64, p [2]float64) circle {
	c := circle{x: p[0], y: p[1]}
	for i := 0; i < len(pts); i++ {
		if !c.contains(pts[i]) {
			c = circleWithTwoOnBoundary(pts[:i], pts[i], p)
		}
	}
	return c
}

func circleWithTwoOnBoundary(pts [][2]float64, p, q [2]float64) circle {
	c := circleFromDiameter(p, q)
	for _, s := range pts {
		if !c.contains(s) {
			c = circumcircle(p, q, s)
		}
	}
	return c
}

func circleFromDiameter(p, q [2]float64) circle {
	return circle{
		x: (p[0] + q[0]) / 2,
		y: (p[1] + q[1]) / 2,
		r: math.Hypot(p[0]-q[0], p[1]-q[1]) / 2,
	}
}

// circumcircle returns the circle through three points, falling back to the
// widest diameter circle when they are collinear.
func circumcircle(a, b, c [2]float64) circle {
	bx, by := b[0]-a[0], b[1]-a[1]
	cx, cy := c[0]-a[0], c[1]-a[1]
	d := 2 * (bx*cy - by*cx)
	if math.Abs(d) < 1e-9 {
		best := circleFromDiameter(a, b)
		if alt := circleFromDiameter(a, c); alt.r > best.r {
			best = alt
		}
		if alt := circleFromDiameter(b, c); alt.r > best.r {
			best = alt
		}
		return best
	}
	ux := (cy*(bx*bx+by*by) - by*(cx*cx+cy*cy)) / d
	uy := (bx*(cx*cx+cy*cy) - cx*(bx*bx+by*by)) / d
	return circle{x: a[0] + ux, y: a[1] + uy, r: math.Hypot(ux, uy)}
}
