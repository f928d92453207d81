package domain

import (
	"fmt"
	"math"
)

type CoordinateSpace string

const (
	SpaceDisplay CoordinateSpace = "display"
	SpaceNatural CoordinateSpace = "natural"
)

type Dimensions struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (d Dimensions) Valid() bool {
	return d.Width > 0 && d.Height > 0
}

func (d Dimensions) Pixels() int64 {
	return int64(d.Width) * int64(d.Height)
}

func (d Dimensions) String() string {
	return fmt.Sprintf("%dx%d", d.Width, d.Height)
}

// CropRectangle is only meaningful together with the space it was measured in.
type CropRectangle struct {
	X      float64         `json:"x"`
	Y      float64         `json:"y"`
	Width  float64         `json:"width"`
	Height float64         `json:"height"`
	Space  CoordinateSpace `json:"space"`
}

func DisplayRect(x, y, width, height float64) CropRectangle {
	return CropRectangle{X: x, Y: y, Width: width, Height: height, Space: SpaceDisplay}
}

func NaturalRect(x, y, width, height float64) CropRectangle {
	return CropRectangle{X: x, Y: y, Width: width, Height: height, Space: SpaceNatural}
}

func (r CropRectangle) Validate() error {
	for _, v := range [...]float64{r.X, r.Y, r.Width, r.Height} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("crop rectangle fields must be finite: %+v", r)
		}
	}
	if r.X < 0 || r.Y < 0 || r.Width < 0 || r.Height < 0 {
		return fmt.Errorf("crop rectangle fields must be non-negative: %+v", r)
	}
	switch r.Space {
	case SpaceDisplay, SpaceNatural:
		return nil
	default:
		return fmt.Errorf("crop rectangle has unknown coordinate space %q", r.Space)
	}
}
