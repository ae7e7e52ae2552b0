package preprocess

import (
	"bytes"
	"errors"
	"image"
	_ "image/jpeg"
	_ "image/png"

	"github.com/nfnt/resize"
)

// Model input geometry. Every artifact served by this process expects a
// single 224x224 RGB image in NHWC layout with values in [0,1].
const (
	Width    = 224
	Height   = 224
	Channels = 3

	// TensorLen is the flattened length of one batched input tensor.
	TensorLen = 1 * Height * Width * Channels
)

// ErrDecode indicates the uploaded bytes could not be parsed as an image.
var ErrDecode = errors.New("image could not be decoded")

// Decode parses PNG or JPEG bytes into an image.
func Decode(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, ErrDecode
	}
	return img, nil
}

// ToTensor resizes an image to the model resolution and normalizes it into a
// flattened NHWC float32 tensor with a leading batch axis of size 1.
func ToTensor(img image.Image) []float32 {
	resized := resize.Resize(Width, Height, img, resize.Lanczos3)

	tensor := make([]float32, TensorLen)
	for y := 0; y < Height; y++ {
		for x := 0; x < Width; x++ {
			r, g, b, _ := resized.At(x, y).RGBA()
			base := (y*Width + x) * Channels
			tensor[base] = float32(r) / 65535.0
			tensor[base+1] = float32(g) / 65535.0
			tensor[base+2] = float32(b) / 65535.0
		}
	}
	return tensor
}
