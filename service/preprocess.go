package service

import (
	"encoding/json"
	"fmt"
	"image"
	"os"

	"github.com/disintegration/imaging"
)

// Size is the model input size. preprocessor_config.json stores it either
// as a plain integer or as an object.
type Size struct {
	Height int `json:"height"`
	Width  int `json:"width"`
}

func (s *Size) UnmarshalJSON(b []byte) error {
	var n int
	if err := json.Unmarshal(b, &n); err == nil {
		s.Height, s.Width = n, n
		return nil
	}
	var obj struct {
		Height       int `json:"height"`
		Width        int `json:"width"`
		ShortestEdge int `json:"shortest_edge"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	s.Height, s.Width = obj.Height, obj.Width
	if obj.ShortestEdge > 0 && (s.Height == 0 || s.Width == 0) {
		s.Height, s.Width = obj.ShortestEdge, obj.ShortestEdge
	}
	return nil
}

// Preprocessor mirrors the fields of a ViT image processor config.
type Preprocessor struct {
	DoResize      bool       `json:"do_resize"`
	DoRescale     bool       `json:"do_rescale"`
	DoNormalize   bool       `json:"do_normalize"`
	Size          Size       `json:"size"`
	Resample      int        `json:"resample"`
	RescaleFactor float32    `json:"rescale_factor"`
	ImageMean     [3]float32 `json:"image_mean"`
	ImageStd      [3]float32 `json:"image_std"`
}

func DefaultPreprocessor() Preprocessor {
	return Preprocessor{
		DoResize:      true,
		DoRescale:     true,
		DoNormalize:   true,
		Size:          Size{Height: 224, Width: 224},
		Resample:      2,
		RescaleFactor: 1.0 / 255.0,
		ImageMean:     [3]float32{0.5, 0.5, 0.5},
		ImageStd:      [3]float32{0.5, 0.5, 0.5},
	}
}

// LoadPreprocessor reads preprocessor_config.json over the ViT defaults.
func LoadPreprocessor(path string) (Preprocessor, error) {
	p := DefaultPreprocessor()
	data, err := os.ReadFile(path)
	if err != nil {
		return p, err
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return p, p.Validate()
}

func (p Preprocessor) Validate() error {
	if p.Size.Height <= 0 || p.Size.Width <= 0 {
		return fmt.Errorf("invalid input size %dx%d", p.Size.Width, p.Size.Height)
	}
	for i, s := range p.ImageStd {
		if p.DoNormalize && s == 0 {
			return fmt.Errorf("image_std[%d] is zero", i)
		}
	}
	return nil
}

// InputLen is the number of float32 values Apply produces.
func (p Preprocessor) InputLen() int {
	return 3 * p.Size.Height * p.Size.Width
}

// filter maps PIL resample codes to imaging filters.
func (p Preprocessor) filter() imaging.ResampleFilter {
	switch p.Resample {
	case 0:
		return imaging.NearestNeighbor
	case 1:
		return imaging.Lanczos
	case 3:
		return imaging.CatmullRom
	case 4:
		return imaging.Box
	case 5:
		return imaging.Hamming
	default:
		return imaging.Linear
	}
}

// Apply turns img into a CHW float32 tensor of InputLen values.
func (p Preprocessor) Apply(img image.Image) ([]float32, error) {
	h, w := p.Size.Height, p.Size.Width
	var src *image.NRGBA
	if p.DoResize {
		src = imaging.Resize(img, w, h, p.filter())
	} else {
		b := img.Bounds()
		if b.Dx() != w || b.Dy() != h {
			return nil, fmt.Errorf("image is %dx%d, model expects %dx%d", b.Dx(), b.Dy(), w, h)
		}
		src = imaging.Clone(img)
	}

	scale := float32(1)
	if p.DoRescale {
		scale = p.RescaleFactor
	}
	mean := [3]float32{}
	std := [3]float32{1, 1, 1}
	if p.DoNormalize {
		mean, std = p.ImageMean, p.ImageStd
	}

	plane := h * w
	out := make([]float32, 3*plane)
	for y := 0; y < h; y++ {
		row := src.Pix[y*src.Stride:]
		for x := 0; x < w; x++ {
			px := row[x*4:]
			i := y*w + x
			for c := 0; c < 3; c++ {
				out[c*plane+i] = (float32(px[c])*scale - mean[c]) / std[c]
			}
		}
	}
	return out, nil
}
