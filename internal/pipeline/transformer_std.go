package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/gif"
	"image/jpeg"
	"image/png"

	"github.com/dunamismax/tidyimg/internal/domain"
	"golang.org/x/image/bmp"
	xdraw "golang.org/x/image/draw"
)

type stdlibTransformer struct {
	opts Options
}

func (t stdlibTransformer) Resize(ctx context.Context, a domain.ImageArtifact, width, height int) (domain.ImageArtifact, error) {
	const op = "resize"
	if err := checkContext(ctx, op); err != nil {
		return domain.ImageArtifact{}, err
	}
	if err := checkSurface(op, width, height, t.opts); err != nil {
		return domain.ImageArtifact{}, err
	}

	src, err := t.opts.Decode(ctx, a)
	if err != nil {
		return domain.ImageArtifact{}, err
	}

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src.Image, src.Image.Bounds(), xdraw.Src, nil)

	return t.encode(op, dst, preservedFormat(src.Format, stdlibEncodes), reencodeQuality)
}

func (t stdlibTransformer) Crop(ctx context.Context, a domain.ImageArtifact, rect domain.CropRectangle) (domain.ImageArtifact, error) {
	const op = "crop"
	if err := checkContext(ctx, op); err != nil {
		return domain.ImageArtifact{}, err
	}

	src, err := t.opts.Decode(ctx, a)
	if err != nil {
		return domain.ImageArtifact{}, err
	}

	r, err := cropBounds(rect, src.Dimensions)
	if err != nil {
		return domain.ImageArtifact{}, err
	}
	origin := src.Image.Bounds().Min

	dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(dst, dst.Bounds(), src.Image, r.Min.Add(origin), draw.Src)

	return t.encode(op, dst, preservedFormat(src.Format, stdlibEncodes), reencodeQuality)
}

func (t stdlibTransformer) CompressAndConvert(ctx context.Context, a domain.ImageArtifact, quality float64, format domain.Format) (domain.ImageArtifact, error) {
	const op = "compress and convert"
	if err := checkContext(ctx, op); err != nil {
		return domain.ImageArtifact{}, err
	}
	if err := checkQuality(op, quality); err != nil {
		return domain.ImageArtifact{}, err
	}
	if !format.IsExportable() || !stdlibEncodes(format) {
		return domain.ImageArtifact{}, unsupportedTarget(op, format)
	}

	src, err := t.opts.Decode(ctx, a)
	if err != nil {
		return domain.ImageArtifact{}, err
	}

	bounds := src.Image.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(dst, dst.Bounds(), src.Image, bounds.Min, draw.Src)

	return t.encode(op, dst, format, quality)
}

func (t stdlibTransformer) encode(op string, img *image.RGBA, format domain.Format, quality float64) (domain.ImageArtifact, error) {
	data, err := encodeImage(img, format, quality)
	if err != nil {
		return domain.ImageArtifact{}, domain.TransformError(op, err)
	}
	return domain.NewArtifact(data, format.MIMEType()), nil
}

func (t stdlibTransformer) Encodes(format domain.Format) bool {
	return format.IsExportable() && stdlibEncodes(format)
}

func stdlibEncodes(format domain.Format) bool {
	switch format {
	case domain.FormatJPEG, domain.FormatPNG, domain.FormatGIF, domain.FormatBMP:
		return true
	default:
		return false
	}
}

// flattenOnWhite composites img over an opaque white surface. Formats that
// cannot store alpha always go through here, so transparent pixels turn
// white instead of black.
func flattenOnWhite(img image.Image) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Over)
	return dst
}

func encodeImage(img image.Image, format domain.Format, quality float64) ([]byte, error) {
	var buf bytes.Buffer

	if !format.HasAlpha() {
		img = flattenOnWhite(img)
	}

	switch format {
	case domain.FormatJPEG:
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: lossyQuality(quality)}); err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
	case domain.FormatPNG:
		encoder := png.Encoder{CompressionLevel: png.DefaultCompression}
		if err := encoder.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("encode png: %w", err)
		}
	case domain.FormatGIF:
		if err := gif.Encode(&buf, img, &gif.Options{NumColors: 256}); err != nil {
			return nil, fmt.Errorf("encode gif: %w", err)
		}
	case domain.FormatBMP:
		if err := bmp.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("encode bmp: %w", err)
		}
	case domain.FormatWebP:
		return nil, fmt.Errorf("%w: webp export requires govips build tag", ErrUnsupportedFormat)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}

	return buf.Bytes(), nil
}
