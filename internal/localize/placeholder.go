package localize

import (
	"context"
	"image"
	"math/rand"
)

// PlaceholderLocalizer emits randomly positioned circles so frontends can be
// exercised before a localization model is wired in. Demo mode only; it is
// never a production strategy.
type PlaceholderLocalizer struct {
	rng *rand.Rand
}

// NewPlaceholderLocalizer seeds a demo localizer.
func NewPlaceholderLocalizer(seed int64) *PlaceholderLocalizer {
	return &PlaceholderLocalizer{rng: rand.New(rand.NewSource(seed))}
}

// Localize fabricates 2-4 circles when the classification was positive and
// nothing otherwise.
func (l *PlaceholderLocalizer) Localize(_ context.Context, _ []float32, _ image.Image, positive bool) (*Result, error) {
	circles := []Circle{}
	if positive {
		for i := 0; i < 2+l.rng.Intn(3); i++ {
			circles = append(circles, Circle{
				X: 0.2 + l.rng.Float64()*0.6,
				Y: 0.2 + l.rng.Float64()*0.6,
				R: 0.05 + l.rng.Float64()*0.05,
			})
		}
	}
	return &Result{IsAnomaly: positive, Circles: circles}, nil
}
