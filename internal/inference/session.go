package inference

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

var ortOnce sync.Once

func initRuntime() error {
	var err error
	ortOnce.Do(func() {
		err = ort.InitializeEnvironment()
	})
	return err
}

// Metadata describes an exported ONNX artifact: tensor shapes and the graph
// node names the session binds to.
type Metadata struct {
	InputShape  []int64  `json:"input_shape"`
	OutputShape []int64  `json:"output_shape"`
	InputName   string   `json:"input_name"`
	OutputNames []string `json:"output_names"`
}

func loadMetadata(path string) (Metadata, error) {
	var meta Metadata
	raw, err := os.ReadFile(path)
	if err != nil {
		return meta, fmt.Errorf("failed to read metadata: %w", err)
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return meta, fmt.Errorf("failed to parse metadata: %w", err)
	}
	if meta.InputName == "" {
		meta.InputName = "input"
	}
	if len(meta.OutputNames) == 0 {
		meta.OutputNames = []string{"output"}
	}
	return meta, nil
}

func shapeLen(shape []int64) int {
	n := 1
	for _, dim := range shape {
		n *= int(dim)
	}
	return n
}

// Session wraps a single-output ONNX model behind the Predictor interface.
// The underlying binding reuses the input and output tensor buffers across
// invocations, so Run is serialized with a mutex.
type Session struct {
	mu       sync.Mutex
	session  *ort.AdvancedSession
	input    *ort.Tensor[float32]
	output   *ort.Tensor[float32]
	inputLen int
}

// NewSession loads a model artifact and its metadata and prepares reusable
// input/output tensors.
func NewSession(modelPath, metadataPath string) (*Session, error) {
	if err := initRuntime(); err != nil {
		return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}

	meta, err := loadMetadata(metadataPath)
	if err != nil {
		return nil, err
	}

	input, err := ort.NewEmptyTensor[float32](ort.NewShape(meta.InputShape...))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(meta.OutputShape...))
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{meta.InputName}, []string{meta.OutputNames[0]},
		[]ort.ArbitraryTensor{input}, []ort.ArbitraryTensor{output},
		nil)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &Session{
		session:  session,
		input:    input,
		output:   output,
		inputLen: shapeLen(meta.InputShape),
	}, nil
}

// Predict runs the model on a flattened input tensor and returns a copy of
// the output tensor.
func (s *Session) Predict(ctx context.Context, input []float32) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(input) != s.inputLen {
		return nil, fmt.Errorf("expected input of %d values, got %d", s.inputLen, len(input))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	copy(s.input.GetData(), input)
	if err := s.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	out := make([]float32, len(s.output.GetData()))
	copy(out, s.output.GetData())
	return out, nil
}

// Close releases the session and its tensors.
func (s *Session) Close() {
	if s.input != nil {
		s.input.Destroy()
	}
	if s.output != nil {
		s.output.Destroy()
	}
	if s.session != nil {
		s.session.Destroy()
	}
}

// CAMSession wraps a saliency artifact with two spatial outputs: the last
// convolutional layer's activations and the positive-class score gradients.
type CAMSession struct {
	mu          sync.Mutex
	session     *ort.AdvancedSession
	input       *ort.Tensor[float32]
	activations *ort.Tensor[float32]
	gradients   *ort.Tensor[float32]
	inputLen    int
	h, w, c     int
}

// NewCAMSession loads a saliency artifact. The metadata output shape must be
// a 4-D spatial tensor [1,h,w,c]; anything else means the export carries no
// convolutional layer to visualize and fails with ErrNoConvLayer.
func NewCAMSession(modelPath, metadataPath string) (*CAMSession, error) {
	if err := initRuntime(); err != nil {
		return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}

	meta, err := loadMetadata(metadataPath)
	if err != nil {
		return nil, err
	}
	if len(meta.OutputShape) != 4 || meta.OutputShape[0] != 1 || len(meta.OutputNames) < 2 {
		return nil, ErrNoConvLayer
	}

	mapShape := ort.NewShape(meta.OutputShape...)
	input, err := ort.NewEmptyTensor[float32](ort.NewShape(meta.InputShape...))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	activations, err := ort.NewEmptyTensor[float32](mapShape)
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("failed to create activation tensor: %w", err)
	}
	gradients, err := ort.NewEmptyTensor[float32](mapShape)
	if err != nil {
		input.Destroy()
		activations.Destroy()
		return nil, fmt.Errorf("failed to create gradient tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{meta.InputName}, meta.OutputNames[:2],
		[]ort.ArbitraryTensor{input},
		[]ort.ArbitraryTensor{activations, gradients},
		nil)
	if err != nil {
		input.Destroy()
		activations.Destroy()
		gradients.Destroy()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &CAMSession{
		session:     session,
		input:       input,
		activations: activations,
		gradients:   gradients,
		inputLen:    shapeLen(meta.InputShape),
		h:           int(meta.OutputShape[1]),
		w:           int(meta.OutputShape[2]),
		c:           int(meta.OutputShape[3]),
	}, nil
}

// Maps evaluates the artifact and returns copies of both spatial outputs.
func (s *CAMSession) Maps(ctx context.Context, input []float32) ([]float32, []float32, int, int, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, 0, 0, 0, err
	}
	if len(input) != s.inputLen {
		return nil, nil, 0, 0, 0, fmt.Errorf("expected input of %d values, got %d", s.inputLen, len(input))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	copy(s.input.GetData(), input)
	if err := s.session.Run(); err != nil {
		return nil, nil, 0, 0, 0, fmt.Errorf("inference failed: %w", err)
	}

	acts := make([]float32, len(s.activations.GetData()))
	copy(acts, s.activations.GetData())
	grads := make([]float32, len(s.gradients.GetData()))
	copy(grads, s.gradients.GetData())
	return acts, grads, s.h, s.w, s.c, nil
}

// Close releases the session and its tensors.
func (s *CAMSession) Close() {
	if s.input != nil {
		s.input.Destroy()
	}
	if s.activations != nil {
		s.activations.Destroy()
	}
	if s.gradients != nil {
		s.gradients.Destroy()
	}
	if s.session != nil {
		s.session.Destroy()
	}
}
