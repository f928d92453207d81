package pipeline

import (
	"fmt"

	"github.com/dunamismax/tidyimg/internal/domain"
)

// ToNaturalSpace maps a rectangle measured on the rendered image into source
// pixel coordinates. X and Y scale independently because the display box may
// not preserve the natural aspect ratio.
func ToNaturalSpace(rect domain.CropRectangle, displaySize, naturalSize domain.Dimensions) (domain.CropRectangle, error) {
	const op = "map crop to natural space"

	if rect.Space != domain.SpaceDisplay {
		return domain.CropRectangle{}, domain.Errorf(domain.ErrGeometry, op, "rectangle is in %q space, want %q", rect.Space, domain.SpaceDisplay)
	}
	if err := rect.Validate(); err != nil {
		return domain.CropRectangle{}, domain.GeometryError(op, err)
	}
	if displaySize.Width <= 0 || displaySize.Height <= 0 {
		return domain.CropRectangle{}, domain.Errorf(domain.ErrGeometry, op, "display size %s has a zero dimension", displaySize)
	}
	if !naturalSize.Valid() {
		return domain.CropRectangle{}, domain.GeometryError(op, fmt.Errorf("natural size %s is invalid", naturalSize))
	}

	scaleX := float64(naturalSize.Width) / float64(displaySize.Width)
	scaleY := float64(naturalSize.Height) / float64(displaySize.Height)

	return domain.NaturalRect(
		rect.X*scaleX,
		rect.Y*scaleY,
		rect.Width*scaleX,
		rect.Height*scaleY,
	), nil
}

// FitAspect fills in a zero target dimension from the source aspect ratio.
// Aspect locking is a caller policy; the engine resizes to whatever it is given.
func FitAspect(src domain.Dimensions, width, height int) (int, int) {
	if !src.Valid() {
		return width, height
	}
	switch {
	case width > 0 && height == 0:
		height = max(1, roundInt(float64(width)*float64(src.Height)/float64(src.Width)))
	case height > 0 && width == 0:
		width = max(1, roundInt(float64(height)*float64(src.Width)/float64(src.Height)))
	}
	return width, height
}
