package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/dunamismax/tidyimg/internal/domain"
)

const (
	// DefaultMaxPixels bounds the surfaces the engine agrees to allocate.
	DefaultMaxPixels = 100_000_000

	// reencodeQuality is used when resize and crop re-encode into a lossy
	// source format; it matches the browser canvas default.
	reencodeQuality = 0.92
)

var (
	ErrInvalidDimensions = errors.New("invalid target dimensions")
	ErrSurfaceTooLarge   = errors.New("surface exceeds pixel limit")
	ErrEmptyCrop         = errors.New("crop is empty after clamping")
	ErrInvalidQuality    = errors.New("quality must be in (0,1]")
	ErrWrongSpace        = errors.New("crop rectangle must be in natural space")
)

// Transformer is the transform engine. Each operation takes an immutable
// artifact and returns a new one; none of them touch session state.
type Transformer interface {
	Resize(ctx context.Context, a domain.ImageArtifact, width, height int) (domain.ImageArtifact, error)
	Crop(ctx context.Context, a domain.ImageArtifact, rect domain.CropRectangle) (domain.ImageArtifact, error)
	CompressAndConvert(ctx context.Context, a domain.ImageArtifact, quality float64, format domain.Format) (domain.ImageArtifact, error)
	// Encodes reports whether CompressAndConvert can produce format.
	Encodes(format domain.Format) bool
}

type Options struct {
	// MaxPixels caps both decoded sources and resize targets.
	MaxPixels int64
}

func (o Options) maxPixels() int64 {
	if o.MaxPixels <= 0 {
		return DefaultMaxPixels
	}
	return o.MaxPixels
}

// NewTransformer returns the libvips engine when built with the govips tag
// and the pure Go engine otherwise.
func NewTransformer(opts Options) (Transformer, error) {
	return newTransformer(opts)
}

func checkContext(ctx context.Context, op string) error {
	select {
	case <-ctx.Done():
		return domain.TransformError(op, ctx.Err())
	default:
		return nil
	}
}

func checkSurface(op string, width, height int, opts Options) error {
	if width <= 0 || height <= 0 {
		return domain.TransformError(op, fmt.Errorf("%w: %dx%d", ErrInvalidDimensions, width, height))
	}
	if int64(width)*int64(height) > opts.maxPixels() {
		return domain.TransformError(op, fmt.Errorf("%w: %dx%d > %d", ErrSurfaceTooLarge, width, height, opts.maxPixels()))
	}
	return nil
}

func checkQuality(op string, quality float64) error {
	if math.IsNaN(quality) || quality <= 0 || quality > 1 {
		return domain.TransformError(op, fmt.Errorf("%w: got %v", ErrInvalidQuality, quality))
	}
	return nil
}

// cropBounds snaps a natural-space rectangle to the pixel grid and clamps it
// to the image. Out-of-range regions are cut off rather than rejected.
func cropBounds(rect domain.CropRectangle, dims domain.Dimensions) (image.Rectangle, error) {
	const op = "crop"

	if rect.Space != domain.SpaceNatural {
		return image.Rectangle{}, domain.TransformError(op, fmt.Errorf("%w, got %q", ErrWrongSpace, rect.Space))
	}
	if err := rect.Validate(); err != nil {
		return image.Rectangle{}, domain.TransformError(op, err)
	}

	x0 := roundInt(rect.X)
	y0 := roundInt(rect.Y)
	r := image.Rect(x0, y0, x0+roundInt(rect.Width), y0+roundInt(rect.Height))
	r = r.Intersect(image.Rect(0, 0, dims.Width, dims.Height))
	if r.Empty() {
		return image.Rectangle{}, domain.TransformError(op, fmt.Errorf("%w: %+v within %s", ErrEmptyCrop, rect, dims))
	}
	return r, nil
}

// lossyQuality maps a (0,1] quality to the 1..100 scale encoders use.
func lossyQuality(quality float64) int {
	q := roundInt(quality * 100)
	if q < 1 {
		return 1
	}
	if q > 100 {
		return 100
	}
	return q
}

// preservedFormat is the format resize and crop write back. Sources the
// runtime cannot encode fall back to PNG, the way canvas encoding does.
func preservedFormat(src domain.Format, encodes func(domain.Format) bool) domain.Format {
	if encodes(src) {
		return src
	}
	return domain.FormatPNG
}

func unsupportedTarget(op string, format domain.Format) error {
	return domain.TransformError(op, fmt.Errorf("%w: cannot encode %s", ErrUnsupportedFormat, format))
}

func roundInt(v float64) int {
	return int(math.Round(v))
}
