//go:build govips && cgo

package pipeline

import (
	"context"
	"fmt"

	"github.com/davidbyttow/govips/v2/vips"
	"github.com/dunamismax/tidyimg/internal/domain"
)

type govipsTransformer struct {
	opts Options
}

func (t govipsTransformer) Resize(ctx context.Context, a domain.ImageArtifact, width, height int) (domain.ImageArtifact, error) {
	const op = "resize"
	if err := checkContext(ctx, op); err != nil {
		return domain.ImageArtifact{}, err
	}
	if err := checkSurface(op, width, height, t.opts); err != nil {
		return domain.ImageArtifact{}, err
	}

	img, input, err := openGovips(a, t.opts)
	if err != nil {
		return domain.ImageArtifact{}, err
	}
	defer img.Close()

	if err := img.ThumbnailWithSize(width, height, vips.InterestingNone, vips.SizeForce); err != nil {
		return domain.ImageArtifact{}, domain.TransformError(op, fmt.Errorf("resize image: %w", err))
	}

	return exportGovips(op, img, preservedFormat(sourceFormat(input), govipsEncodes), reencodeQuality)
}

func (t govipsTransformer) Crop(ctx context.Context, a domain.ImageArtifact, rect domain.CropRectangle) (domain.ImageArtifact, error) {
	const op = "crop"
	if err := checkContext(ctx, op); err != nil {
		return domain.ImageArtifact{}, err
	}

	img, input, err := openGovips(a, t.opts)
	if err != nil {
		return domain.ImageArtifact{}, err
	}
	defer img.Close()

	r, err := cropBounds(rect, domain.Dimensions{Width: img.Width(), Height: img.Height()})
	if err != nil {
		return domain.ImageArtifact{}, err
	}
	if err := img.ExtractArea(r.Min.X, r.Min.Y, r.Dx(), r.Dy()); err != nil {
		return domain.ImageArtifact{}, domain.TransformError(op, fmt.Errorf("extract area: %w", err))
	}

	return exportGovips(op, img, preservedFormat(sourceFormat(input), govipsEncodes), reencodeQuality)
}

func (t govipsTransformer) CompressAndConvert(ctx context.Context, a domain.ImageArtifact, quality float64, format domain.Format) (domain.ImageArtifact, error) {
	const op = "compress and convert"
	if err := checkContext(ctx, op); err != nil {
		return domain.ImageArtifact{}, err
	}
	if err := checkQuality(op, quality); err != nil {
		return domain.ImageArtifact{}, err
	}
	if !format.IsExportable() || !govipsEncodes(format) {
		return domain.ImageArtifact{}, unsupportedTarget(op, format)
	}

	img, _, err := openGovips(a, t.opts)
	if err != nil {
		return domain.ImageArtifact{}, err
	}
	defer img.Close()

	return exportGovips(op, img, format, quality)
}

func openGovips(a domain.ImageArtifact, opts Options) (*vips.ImageRef, []byte, error) {
	input, format, err := sniff(a)
	if err != nil {
		return nil, nil, err
	}
	dims, err := naturalDimensions(input, format)
	if err != nil {
		return nil, nil, err
	}
	if err := opts.checkNatural("decode source image", dims); err != nil {
		return nil, nil, err
	}

	img, err := vips.NewImageFromBuffer(input)
	if err != nil {
		return nil, nil, domain.DecodeError("decode source image", err)
	}
	if img.Width() <= 0 || img.Height() <= 0 {
		img.Close()
		return nil, nil, domain.Errorf(domain.ErrDecode, "decode source image", "image has invalid dimensions %dx%d", img.Width(), img.Height())
	}
	return img, input, nil
}

func (t govipsTransformer) Encodes(format domain.Format) bool {
	return format.IsExportable() && govipsEncodes(format)
}

func govipsEncodes(format domain.Format) bool {
	switch format {
	case domain.FormatJPEG, domain.FormatPNG, domain.FormatWebP:
		return true
	default:
		return false
	}
}

func sourceFormat(input []byte) domain.Format {
	switch vips.DetermineImageType(input) {
	case vips.ImageTypeJPEG:
		return domain.FormatJPEG
	case vips.ImageTypeWEBP:
		return domain.FormatWebP
	case vips.ImageTypeGIF:
		return domain.FormatGIF
	case vips.ImageTypeSVG:
		return domain.FormatSVG
	default:
		return domain.FormatPNG
	}
}

func exportGovips(op string, img *vips.ImageRef, format domain.Format, quality float64) (domain.ImageArtifact, error) {
	if !format.HasAlpha() && img.HasAlpha() {
		if err := img.Flatten(&vips.Color{R: 255, G: 255, B: 255}); err != nil {
			return domain.ImageArtifact{}, domain.TransformError(op, fmt.Errorf("flatten alpha: %w", err))
		}
	}

	var (
		data []byte
		err  error
	)
	switch format {
	case domain.FormatJPEG:
		params := vips.NewJpegExportParams()
		params.Quality = lossyQuality(quality)
		data, _, err = img.ExportJpeg(params)
	case domain.FormatPNG:
		data, _, err = img.ExportPng(vips.NewPngExportParams())
	case domain.FormatWebP:
		params := vips.NewWebpExportParams()
		params.Quality = lossyQuality(quality)
		data, _, err = img.ExportWebp(params)
	default:
		return domain.ImageArtifact{}, unsupportedTarget(op, format)
	}
	if err != nil {
		return domain.ImageArtifact{}, domain.TransformError(op, fmt.Errorf("encode %s: %w", format, err))
	}

	return domain.NewArtifact(data, format.MIMEType()), nil
}
