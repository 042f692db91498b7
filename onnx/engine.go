package onnx

import (
	"errors"
	"fmt"
	"log/slog"

	ort "github.com/yalue/onnxruntime_go"
)

const (
	DeviceAuto = "auto"
	DeviceCUDA = "cuda"
	DeviceCPU  = "cpu"
)

type Options struct {
	ModelPath string
	Device    string
	// Sessions is the number of sessions in the pool, at least 1.
	Sessions int
	// Height, Width and NumClasses fill in dynamic model dimensions.
	Height     int
	Width      int
	NumClasses int
}

type session struct {
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

func (s *session) destroy() error {
	var errs []error
	if s.session != nil {
		errs = append(errs, s.session.Destroy())
	}
	if s.input != nil {
		errs = append(errs, s.input.Destroy())
	}
	if s.output != nil {
		errs = append(errs, s.output.Destroy())
	}
	return errors.Join(errs...)
}

// Engine is a pool of single-image sessions over one model. Bound tensors
// make a session unsafe for concurrent Run, so each call borrows one.
type Engine struct {
	pool      chan *session
	all       []*session
	device    string
	inputLen  int
	outputLen int
}

func NewEngine(opts Options) (*Engine, error) {
	if opts.Sessions < 1 {
		opts.Sessions = 1
	}
	inputs, outputs, err := ort.GetInputOutputInfo(opts.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to get model input/output info: %w", err)
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return nil, fmt.Errorf("model %s has no inputs or outputs", opts.ModelPath)
	}

	inShape, err := resolveShape(inputs[0].Dimensions, 1, 3, int64(opts.Height), int64(opts.Width))
	if err != nil {
		return nil, fmt.Errorf("input %q: %w", inputs[0].Name, err)
	}
	outShape, err := resolveShape(outputs[0].Dimensions, 1, int64(opts.NumClasses))
	if err != nil {
		return nil, fmt.Errorf("output %q: %w", outputs[0].Name, err)
	}

	e := &Engine{
		inputLen:  int(inShape.FlattenedSize()),
		outputLen: int(outShape.FlattenedSize()),
	}
	device, err := withCPUFallback(opts.Device, func(device string) (string, error) {
		return e.open(opts.ModelPath, opts.Sessions, device, inputs[0].Name, outputs[0].Name, inShape, outShape)
	})
	if err != nil {
		return nil, err
	}
	e.device = device

	slog.Info("Model loaded",
		slog.String("path", opts.ModelPath),
		slog.String("device", device),
		slog.String("input", inShape.String()),
		slog.String("output", outShape.String()),
		slog.Int("sessions", opts.Sessions))
	return e, nil
}

// open fills the pool with n sessions on device and returns the device the
// options resolved to. On failure nothing is left allocated.
func (e *Engine) open(path string, n int, device, inName, outName string, inShape, outShape ort.Shape) (string, error) {
	sessOpts, actual, err := sessionOptions(device)
	if err != nil {
		return "", err
	}
	defer sessOpts.Destroy()

	pool := make(chan *session, n)
	all := make([]*session, 0, n)
	for i := 0; i < n; i++ {
		s, err := newSession(path, inName, outName, inShape, outShape, sessOpts)
		if err != nil {
			for _, s := range all {
				s.destroy()
			}
			return actual, err
		}
		all = append(all, s)
		pool <- s
	}
	e.pool, e.all = pool, all
	return actual, nil
}

// withCPUFallback calls open with requested. When requested is auto and the
// CUDA attempt fails (a CUDA-enabled runtime without a usable GPU), it
// retries once on the CPU.
func withCPUFallback(requested string, open func(device string) (string, error)) (string, error) {
	device, err := open(requested)
	if err == nil || requested != DeviceAuto || device != DeviceCUDA {
		return device, err
	}
	slog.Warn("CUDA session creation failed, retrying on CPU", slog.String("error", err.Error()))
	return open(DeviceCPU)
}

func newSession(path, inName, outName string, inShape, outShape ort.Shape, opts *ort.SessionOptions) (*session, error) {
	s := &session{}
	var err error
	if s.input, err = ort.NewEmptyTensor[float32](inShape); err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	if s.output, err = ort.NewEmptyTensor[float32](outShape); err != nil {
		s.destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	s.session, err = ort.NewAdvancedSession(
		path,
		[]string{inName},
		[]string{outName},
		[]ort.Value{s.input},
		[]ort.Value{s.output},
		opts,
	)
	if err != nil {
		s.destroy()
		return nil, fmt.Errorf("failed to create ONNX Runtime session: %w", err)
	}
	return s, nil
}

// resolveShape replaces dynamic (non-positive) dimensions with fallback
// values of the same position.
func resolveShape(dims ort.Shape, fallback ...int64) (ort.Shape, error) {
	if len(dims) != len(fallback) {
		return nil, fmt.Errorf("unexpected rank %d (shape %s), want %d", len(dims), dims, len(fallback))
	}
	out := make(ort.Shape, len(dims))
	for i, d := range dims {
		if d <= 0 {
			d = fallback[i]
		}
		if d <= 0 {
			return nil, fmt.Errorf("dimension %d of %s is dynamic and has no fallback", i, dims)
		}
		out[i] = d
	}
	return out, nil
}

// InputLen is the number of float32 values Run expects.
func (e *Engine) InputLen() int {
	return e.inputLen
}

func (e *Engine) Device() string {
	return e.device
}

func (e *Engine) Run(input []float32) ([]float32, error) {
	if len(input) != e.inputLen {
		return nil, fmt.Errorf("expected %d input values, got %d", e.inputLen, len(input))
	}
	s := <-e.pool
	defer func() { e.pool <- s }()

	copy(s.input.GetData(), input)
	if err := s.session.Run(); err != nil {
		return nil, err
	}
	logits := make([]float32, e.outputLen)
	copy(logits, s.output.GetData())
	return logits, nil
}

// Close destroys every session. The engine must not be used afterwards.
func (e *Engine) Close() error {
	var errs []error
	for _, s := range e.all {
		errs = append(errs, s.destroy())
	}
	e.all = nil
	return errors.Join(errs...)
}
