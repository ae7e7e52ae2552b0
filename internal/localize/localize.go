// Package localize provides interchangeable strategies for pointing at the
// image regions behind a classification: autoencoder reconstruction error,
// gradient-weighted class activation heatmaps, and a demo placeholder.
package localize

import (
	"context"
	"image"
)

// Circle is an anomalous region expressed in resolution-independent
// coordinates: center and radius are normalized to [0,1] by the image
// dimensions so any consumer can scale them back.
type Circle struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	R float64 `json:"r"`
}

// Result is the outcome of one localization pass.
type Result struct {
	IsAnomaly     bool
	Circles       []Circle
	HeatmapBase64 string
}

// Localizer marks up the regions of an image that drove, or contradict, the
// classifier's finding. The tensor is the same normalized input the
// classifier consumed; original is the decoded upload at full resolution;
// positive reports whether the primary classification was pneumonia.
type Localizer interface {
	Localize(ctx context.Context, tensor []float32, original image.Image, positive bool) (*Result, error)
}
