// Package imageproc shrinks screenshots until they fit the payload ceiling
// accepted by the tool protocol.
package imageproc

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/jpeg"
	"image/png"
	"log/slog"
	"math"

	"github.com/disintegration/imaging"
	"github.com/ericpauley/go-quantize/quantize"
	"github.com/gen2brain/webp"

	// Register WebP decoding for image.Decode.
	_ "golang.org/x/image/webp"
)

const (
	MaxBytes  = 1 << 20
	MaxWidth  = 900
	MaxHeight = 600
)

// ErrTooLarge is returned when every step of the ladder stays above MaxBytes.
var ErrTooLarge = errors.New("image too large even after compression")

// Result is a processed image ready to embed in a tool response.
type Result struct {
	Data   string `json:"data"`
	Format string `json:"format"`
	Size   int    `json:"size"`
	Width  int    `json:"width"`
	Height int    `json:"height"`

	Bytes []byte `json:"-"`
}

// MIMEType is the media type of the encoded bytes.
func (r *Result) MIMEType() string { return "image/" + r.Format }

var (
	encodeWebP = func(img image.Image, quality, method int) ([]byte, error) {
		var buf bytes.Buffer
		if err := webp.Encode(&buf, img, webp.Options{Quality: quality, Method: method}); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	encodePNG = func(img image.Image, colors int) ([]byte, error) {
		var buf bytes.Buffer
		enc := png.Encoder{CompressionLevel: png.BestCompression}
		if err := enc.Encode(&buf, palettize(img, colors)); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
)

// Process decodes raw (png, jpeg or webp), fits it within MaxWidth x
// MaxHeight and walks the compression ladder until the encoding fits in
// MaxBytes:
//
//	webp q90 -> webp q60 method 6 -> png 256 colours -> downscaled png 64 colours
func Process(raw []byte) (*Result, error) {
	src, srcFormat, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode screenshot: %w", err)
	}
	img := imaging.Fit(src, MaxWidth, MaxHeight, imaging.Lanczos)
	slog.Debug("imageproc fitted",
		"source_format", srcFormat,
		"source_width", src.Bounds().Dx(),
		"source_height", src.Bounds().Dy(),
		"width", img.Bounds().Dx(),
		"height", img.Bounds().Dy(),
	)

	for _, step := range []struct {
		name    string
		quality int
		method  int
	}{
		{name: "webp-q90", quality: 90, method: 4},
		{name: "webp-q60", quality: 60, method: 6},
	} {
		buf, err := encodeWebP(img, step.quality, step.method)
		if err != nil {
			slog.Warn("imageproc webp encode failed; falling back to png", "step", step.name, "error", err)
			break
		}
		slog.Debug("imageproc attempt", "step", step.name, "bytes", len(buf))
		if len(buf) <= MaxBytes {
			return newResult(buf, "webp", img), nil
		}
	}

	buf, err := encodePNG(img, 256)
	if err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	slog.Debug("imageproc attempt", "step", "png-256", "bytes", len(buf))
	if len(buf) <= MaxBytes {
		return newResult(buf, "png", img), nil
	}

	scale := math.Sqrt(float64(MaxBytes) / float64(len(buf)))
	w := max(1, int(float64(img.Bounds().Dx())*scale))
	h := max(1, int(float64(img.Bounds().Dy())*scale))
	small := imaging.Resize(img, w, h, imaging.Lanczos)
	buf, err = encodePNG(small, 64)
	if err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	slog.Debug("imageproc attempt", "step", "png-64-scaled", "bytes", len(buf), "scale", scale)
	if len(buf) <= MaxBytes {
		return newResult(buf, "png", small), nil
	}
	return nil, fmt.Errorf("%w (%d bytes after last pass, limit %d)", ErrTooLarge, len(buf), MaxBytes)
}

func newResult(buf []byte, format string, img image.Image) *Result {
	return &Result{
		Data:   "data:image/" + format + ";base64," + base64.StdEncoding.EncodeToString(buf),
		Format: format,
		Size:   len(buf),
		Width:  img.Bounds().Dx(),
		Height: img.Bounds().Dy(),
		Bytes:  buf,
	}
}

// palettize reduces img to at most colors entries using a median-cut palette
// and Floyd-Steinberg dithering.
func palettize(img image.Image, colors int) *image.Paletted {
	q := quantize.MedianCutQuantizer{}
	pal := q.Quantize(make(color.Palette, 0, colors), img)
	b := img.Bounds()
	dst := image.NewPaletted(b, pal)
	draw.FloydSteinberg.Draw(dst, b, img, b.Min)
	return dst
}
