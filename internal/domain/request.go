package domain

import (
	"errors"
	"fmt"
	"strings"
)

type ImportSessionRequest struct {
	ObjectKey string `json:"object_key"`
	Name      string `json:"name"`
}

func (r ImportSessionRequest) Validate() error {
	if strings.TrimSpace(r.ObjectKey) == "" {
		return errors.New("object_key is required")
	}
	return nil
}

type SelectToolRequest struct {
	Tool string `json:"tool"`
}

type ResizeRequest struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (r ResizeRequest) Validate() error {
	if r.Width < 0 || r.Height < 0 {
		return errors.New("width and height must not be negative")
	}
	if r.Width == 0 && r.Height == 0 {
		return errors.New("width or height is required")
	}
	return nil
}

type PendingCropRequest struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

func (r PendingCropRequest) Rect() CropRectangle {
	return DisplayRect(r.X, r.Y, r.Width, r.Height)
}

// ApplyCropRequest carries the rendered size of the image the pending
// rectangle was drawn on.
type ApplyCropRequest struct {
	DisplayWidth  int `json:"display_width"`
	DisplayHeight int `json:"display_height"`
}

func (r ApplyCropRequest) DisplaySize() Dimensions {
	return Dimensions{Width: r.DisplayWidth, Height: r.DisplayHeight}
}

type CompressRequest struct {
	Quality float64 `json:"quality"`
}

func (r CompressRequest) Validate() error {
	if r.Quality <= 0 || r.Quality > 1 {
		return fmt.Errorf("quality must be in (0,1], got %v", r.Quality)
	}
	return nil
}

type ConvertRequest struct {
	Format string `json:"format"`
}

func (r ConvertRequest) TargetFormat() (Format, error) {
	f, err := ParseFormat(r.Format)
	if err != nil {
		return "", err
	}
	if !f.IsExportable() {
		return "", fmt.Errorf("format %q is not an export target", r.Format)
	}
	return f, nil
}

type ExportConfigRequest struct {
	Format  string  `json:"format,omitempty"`
	Quality float64 `json:"quality,omitempty"`
}

// Merge applies the non-empty fields of r on top of current.
func (r ExportConfigRequest) Merge(current ExportConfig) (ExportConfig, error) {
	next := current
	if strings.TrimSpace(r.Format) != "" {
		f, err := ConvertRequest{Format: r.Format}.TargetFormat()
		if err != nil {
			return ExportConfig{}, err
		}
		next.TargetFormat = f
	}
	if r.Quality != 0 {
		next.Quality = r.Quality
	}
	if err := next.Validate(); err != nil {
		return ExportConfig{}, err
	}
	return next, nil
}
