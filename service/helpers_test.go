package service

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeEngine derives logits from the mean of the input so the output is a
// deterministic function of the image.
type fakeEngine struct {
	classes int
	err     error
	calls   atomic.Int32
}

func (f *fakeEngine) Run(input []float32) ([]float32, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	var sum float32
	for _, v := range input {
		sum += v
	}
	mean := sum / float32(len(input))
	out := make([]float32, f.classes)
	for i := range out {
		out[i] = mean*float32(i%5) + float32(i)/10
	}
	return out, nil
}

func (f *fakeEngine) Device() string { return "cpu" }
func (f *fakeEngine) Close() error   { return nil }

var errEngine = errors.New("engine exploded")

func solidImage(w, h int, c color.Color) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}
