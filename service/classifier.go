package service

import (
	"fmt"
	"image"
	"math"
)

// Engine runs the model forward pass on a preprocessed CHW tensor and
// returns raw logits for a single image.
type Engine interface {
	Run(input []float32) ([]float32, error)
	Device() string
	Close() error
}

// Classifier bundles the model, its preprocessing and its label map.
// It is immutable once built and safe for concurrent use if the engine is.
type Classifier struct {
	engine Engine
	pre    Preprocessor
	labels LabelMap
}

func NewClassifier(engine Engine, pre Preprocessor, labels LabelMap) (*Classifier, error) {
	if engine == nil {
		return nil, fmt.Errorf("nil engine")
	}
	if err := pre.Validate(); err != nil {
		return nil, fmt.Errorf("invalid preprocessor: %w", err)
	}
	if len(labels) == 0 {
		labels = DefaultLabelMap()
	}
	return &Classifier{engine: engine, pre: pre, labels: labels}, nil
}

func (c *Classifier) Device() string {
	if c == nil || c.engine == nil {
		return "cpu"
	}
	return c.engine.Device()
}

// Probabilities returns the softmax distribution over every class.
func (c *Classifier) Probabilities(img image.Image) ([]float64, error) {
	if c == nil || c.engine == nil {
		return nil, ErrModelNotLoaded
	}
	input, err := c.pre.Apply(img)
	if err != nil {
		return nil, fmt.Errorf("failed to preprocess image: %w", err)
	}
	logits, err := c.engine.Run(input)
	if err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}
	if len(logits) == 0 {
		return nil, fmt.Errorf("model returned no logits")
	}
	return Softmax(logits), nil
}

// Classify returns one LabelScore per class, most likely first.
func (c *Classifier) Classify(img image.Image) ([]LabelScore, error) {
	probs, err := c.Probabilities(img)
	if err != nil {
		return nil, err
	}
	return Format(probs, c.labels), nil
}

func (c *Classifier) Close() error {
	if c == nil || c.engine == nil {
		return nil
	}
	return c.engine.Close()
}

// Softmax is computed in float64 after subtracting the max logit.
func Softmax(logits []float32) []float64 {
	maxLogit := math.Inf(-1)
	for _, v := range logits {
		maxLogit = math.Max(maxLogit, float64(v))
	}
	out := make([]float64, len(logits))
	var sum float64
	for i, v := range logits {
		out[i] = math.Exp(float64(v) - maxLogit)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}
