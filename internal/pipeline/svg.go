package pipeline

import (
	"bytes"
	"fmt"
	"image"
	"math"

	"github.com/dunamismax/tidyimg/internal/domain"
	"github.com/srwiley/oksvg"
	"github.com/srwiley/rasterx"
)

// maxSVGSide keeps a declared size representable before the pixel limit is
// applied.
const maxSVGSide = math.MaxInt32

// SVG sources are rasterized once at their natural size; after that they are
// ordinary bitmaps.
func svgDimensions(data []byte) (*oksvg.SvgIcon, domain.Dimensions, error) {
	icon, err := oksvg.ReadIconStream(bytes.NewReader(data), oksvg.IgnoreErrorMode)
	if err != nil {
		return nil, domain.Dimensions{}, fmt.Errorf("parse svg: %w", err)
	}

	w, h := icon.ViewBox.W, icon.ViewBox.H
	if !(w > 0 && w <= maxSVGSide) || !(h > 0 && h <= maxSVGSide) {
		return nil, domain.Dimensions{}, fmt.Errorf("svg has no usable viewBox or size: %vx%v", w, h)
	}
	dims := domain.Dimensions{
		Width:  int(math.Ceil(w)),
		Height: int(math.Ceil(h)),
	}
	return icon, dims, nil
}

func rasterizeSVG(icon *oksvg.SvgIcon, dims domain.Dimensions) image.Image {
	w, h := dims.Width, dims.Height
	icon.SetTarget(0, 0, float64(w), float64(h))

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	scanner := rasterx.NewScannerGV(w, h, dst, dst.Bounds())
	icon.Draw(rasterx.NewDasher(w, h, scanner), 1)
	return dst
}
