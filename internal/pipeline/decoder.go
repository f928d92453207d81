package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/dunamismax/tidyimg/internal/domain"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

var ErrUnsupportedFormat = errors.New("unsupported image format")

// Bitmap is a decoded raster together with the format it was decoded from.
type Bitmap struct {
	Image      image.Image
	Format     domain.Format
	Dimensions domain.Dimensions
}

type DecodeResult struct {
	Bitmap Bitmap
	Err    error
}

// Decode fully decodes an artifact within DefaultMaxPixels.
func Decode(ctx context.Context, a domain.ImageArtifact) (Bitmap, error) {
	return Options{}.Decode(ctx, a)
}

// DecodeAsync runs Decode on its own goroutine within DefaultMaxPixels.
func DecodeAsync(ctx context.Context, a domain.ImageArtifact) <-chan DecodeResult {
	return Options{}.DecodeAsync(ctx, a)
}

// Decode fully decodes an artifact. The natural size is read from the header
// and checked against the pixel limit before any surface is allocated. Every
// failure is a domain.ErrDecode.
func (o Options) Decode(ctx context.Context, a domain.ImageArtifact) (bm Bitmap, err error) {
	if err := ctx.Err(); err != nil {
		return Bitmap{}, domain.DecodeError("decode", err)
	}

	data, format, err := sniff(a)
	if err != nil {
		return Bitmap{}, err
	}
	op := "decode " + format.String()

	defer func() {
		if r := recover(); r != nil {
			bm, err = Bitmap{}, domain.DecodeError(op, fmt.Errorf("decoder panic: %v", r))
		}
	}()

	var img image.Image
	if format == domain.FormatSVG {
		icon, dims, serr := svgDimensions(data)
		if serr != nil {
			return Bitmap{}, domain.DecodeError(op, serr)
		}
		if err := o.checkNatural(op, dims); err != nil {
			return Bitmap{}, err
		}
		img = rasterizeSVG(icon, dims)
	} else {
		dims, cerr := rasterDimensions(data, format)
		if cerr != nil {
			return Bitmap{}, cerr
		}
		if err := o.checkNatural(op, dims); err != nil {
			return Bitmap{}, err
		}
		if img, _, err = image.Decode(bytes.NewReader(data)); err != nil {
			return Bitmap{}, domain.DecodeError(op, err)
		}
	}

	b := img.Bounds()
	dims := domain.Dimensions{Width: b.Dx(), Height: b.Dy()}
	if !dims.Valid() {
		return Bitmap{}, domain.Errorf(domain.ErrDecode, op, "image has invalid dimensions %s", dims)
	}
	return Bitmap{Image: img, Format: format, Dimensions: dims}, nil
}

// DecodeAsync runs Decode on its own goroutine. The channel receives exactly
// one result and is then closed.
func (o Options) DecodeAsync(ctx context.Context, a domain.ImageArtifact) <-chan DecodeResult {
	out := make(chan DecodeResult, 1)
	go func() {
		defer close(out)
		bm, err := o.Decode(ctx, a)
		out <- DecodeResult{Bitmap: bm, Err: err}
	}()
	return out
}

// DecodeConfig reads the format and natural dimensions from the header only.
func DecodeConfig(a domain.ImageArtifact) (domain.Format, domain.Dimensions, error) {
	data, format, err := sniff(a)
	if err != nil {
		return "", domain.Dimensions{}, err
	}
	dims, err := naturalDimensions(data, format)
	if err != nil {
		return "", domain.Dimensions{}, err
	}
	return format, dims, nil
}

func naturalDimensions(data []byte, format domain.Format) (domain.Dimensions, error) {
	if format != domain.FormatSVG {
		return rasterDimensions(data, format)
	}
	_, dims, err := svgDimensions(data)
	if err != nil {
		return domain.Dimensions{}, domain.DecodeError("decode config svg", err)
	}
	return dims, nil
}

func rasterDimensions(data []byte, format domain.Format) (domain.Dimensions, error) {
	op := "decode config " + format.String()
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return domain.Dimensions{}, domain.DecodeError(op, err)
	}
	dims := domain.Dimensions{Width: cfg.Width, Height: cfg.Height}
	if !dims.Valid() {
		return domain.Dimensions{}, domain.Errorf(domain.ErrDecode, op, "image has invalid dimensions %s", dims)
	}
	return dims, nil
}

// checkNatural rejects sources whose natural size is over the pixel limit.
func (o Options) checkNatural(op string, dims domain.Dimensions) error {
	limit := o.maxPixels()
	if int64(dims.Width) > limit/int64(dims.Height) {
		return domain.DecodeError(op, fmt.Errorf("%w: %s > %d", ErrSurfaceTooLarge, dims, limit))
	}
	return nil
}

func sniff(a domain.ImageArtifact) ([]byte, domain.Format, error) {
	data, err := a.Bytes()
	if err != nil {
		return nil, "", domain.DecodeError("read artifact", err)
	}
	format, ok := DetectFormat(data)
	if !ok {
		return nil, "", domain.DecodeError("detect format", fmt.Errorf("%w (declared %q)", ErrUnsupportedFormat, a.MIMEType))
	}
	return data, format, nil
}
