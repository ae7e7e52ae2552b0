package inference

import (
	"context"
	"errors"
)

// ErrModelUnavailable is returned when an analysis is attempted while the
// required model artifact failed to load at process start.
var ErrModelUnavailable = errors.New("model artifact is not available")

// ErrNoConvLayer is returned when a saliency artifact does not expose a
// spatial convolutional output pair to build a heatmap from.
var ErrNoConvLayer = errors.New("model exposes no convolutional layer output")

// Predictor runs an opaque pre-trained model on a flattened input tensor.
type Predictor interface {
	Predict(ctx context.Context, input []float32) ([]float32, error)
}

// MapProducer evaluates a saliency artifact that emits, for one input, the
// last convolutional layer's activations together with the gradients of the
// positive-class score with respect to them. Both outputs share the spatial
// shape h x w with c channels.
type MapProducer interface {
	Maps(ctx context.Context, input []float32) (activations, gradients []float32, h, w, c int, err error)
}
