package service

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"time"

	"github.com/disintegration/imaging"
	_ "github.com/gen2brain/avif"
	"github.com/go-resty/resty/v2"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

const (
	DefaultFetchTimeout = 30 * time.Second
	DefaultMaxImageSize = 20 << 20
	// DefaultMaxImagePixels matches PIL's decompression bomb limit.
	DefaultMaxImagePixels = 178956970
	maxRedirects          = 10
)

// Fetcher downloads images and normalizes them to opaque RGB.
type Fetcher struct {
	client    *resty.Client
	maxSize   int64
	maxPixels int64
}

func NewFetcher(timeout time.Duration, maxSize int64) *Fetcher {
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxImageSize
	}
	client := resty.New().
		SetTimeout(timeout).
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(maxRedirects)).
		SetHeader("Accept", "image/*,*/*;q=0.8")
	return &Fetcher{client: client, maxSize: maxSize, maxPixels: DefaultMaxImagePixels}
}

// WithMaxPixels caps width*height of accepted images.
func (f *Fetcher) WithMaxPixels(n int64) *Fetcher {
	if n > 0 {
		f.maxPixels = n
	}
	return f
}

// Fetch downloads url and decodes it. Every failure is a *Error with status 400.
func (f *Fetcher) Fetch(ctx context.Context, url string) (*image.NRGBA, error) {
	data, err := f.download(ctx, url)
	if err != nil {
		return nil, BadRequest("Failed to download image", err)
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, BadRequest("Invalid image", err)
	}
	if pixels := int64(cfg.Width) * int64(cfg.Height); pixels > f.maxPixels {
		return nil, BadRequest("Invalid image", fmt.Errorf("image size (%d pixels) exceeds limit of %d pixels", pixels, f.maxPixels))
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, BadRequest("Invalid image", err)
	}
	return ToRGB(img), nil
}

func (f *Fetcher) download(ctx context.Context, url string) ([]byte, error) {
	res, err := f.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(url)
	if err != nil {
		return nil, err
	}
	body := res.RawBody()
	defer body.Close()

	if res.IsError() || res.StatusCode() < 200 || res.StatusCode() > 299 {
		return nil, fmt.Errorf("GET %s returned status %d", url, res.StatusCode())
	}
	if res.RawResponse.ContentLength > f.maxSize {
		return nil, fmt.Errorf("image too large: %d bytes exceeds limit of %d bytes", res.RawResponse.ContentLength, f.maxSize)
	}

	data, err := io.ReadAll(io.LimitReader(body, f.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read image data: %w", err)
	}
	if int64(len(data)) > f.maxSize {
		return nil, fmt.Errorf("image too large: exceeds limit of %d bytes", f.maxSize)
	}
	return data, nil
}

// ToRGB converts any decoded image to NRGBA with the alpha channel discarded.
// Color values are kept as stored, not composited onto a background.
func ToRGB(img image.Image) *image.NRGBA {
	dst := imaging.Clone(img)
	for i := 3; i < len(dst.Pix); i += 4 {
		dst.Pix[i] = 0xff
	}
	return dst
}
