package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/dunamismax/tidyimg/internal/domain"
)

// parseSize reads "WxH". With allowZero one side may be 0 for aspect lock.
func parseSize(raw string, allowZero bool) (domain.Dimensions, error) {
	w, h, ok := strings.Cut(strings.ToLower(strings.TrimSpace(raw)), "x")
	if !ok {
		return domain.Dimensions{}, fmt.Errorf("want WxH, got %q", raw)
	}
	width, err := strconv.Atoi(strings.TrimSpace(w))
	if err != nil {
		return domain.Dimensions{}, fmt.Errorf("bad width %q", w)
	}
	height, err := strconv.Atoi(strings.TrimSpace(h))
	if err != nil {
		return domain.Dimensions{}, fmt.Errorf("bad height %q", h)
	}

	size := domain.Dimensions{Width: width, Height: height}
	switch {
	case width < 0 || height < 0:
		return domain.Dimensions{}, errors.New("sides must not be negative")
	case allowZero && width == 0 && height == 0:
		return domain.Dimensions{}, errors.New("at least one side is required")
	case !allowZero && !size.Valid():
		return domain.Dimensions{}, errors.New("both sides must be positive")
	}
	return size, nil
}

func parseRect(raw string) (x, y, w, h float64, err error) {
	parts := strings.Split(raw, ",")
	if len(parts) != 4 {
		return 0, 0, 0, 0, fmt.Errorf("want x,y,w,h, got %q", raw)
	}
	var vals [4]float64
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return 0, 0, 0, 0, fmt.Errorf("bad number %q", p)
		}
		if v < 0 {
			return 0, 0, 0, 0, fmt.Errorf("negative value %q", p)
		}
		vals[i] = v
	}
	return vals[0], vals[1], vals[2], vals[3], nil
}
