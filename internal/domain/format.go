package domain

import (
	"fmt"
	"strings"
)

type Format string

const (
	FormatJPEG Format = "jpeg"
	FormatPNG  Format = "png"
	FormatWebP Format = "webp"
	FormatSVG  Format = "svg"
	FormatGIF  Format = "gif"
	FormatBMP  Format = "bmp"
)

// ExportFormats are the formats a session may target on export.
var ExportFormats = []Format{FormatJPEG, FormatPNG, FormatWebP, FormatSVG}

// ParseFormat accepts short names ("jpg", "png"), MIME types ("image/webp")
// and file extensions (".jpeg").
func ParseFormat(in string) (Format, error) {
	v := strings.ToLower(strings.TrimSpace(in))
	v = strings.TrimPrefix(v, ".")
	v = strings.TrimPrefix(v, "image/")
	switch v {
	case "jpg", "jpeg", "pjpeg":
		return FormatJPEG, nil
	case "png":
		return FormatPNG, nil
	case "webp":
		return FormatWebP, nil
	case "svg", "svg+xml":
		return FormatSVG, nil
	case "gif":
		return FormatGIF, nil
	case "bmp", "x-ms-bmp":
		return FormatBMP, nil
	default:
		return "", fmt.Errorf("unsupported image format: %q", in)
	}
}

func FormatFromMIME(mimeType string) (Format, bool) {
	if !strings.HasPrefix(strings.ToLower(strings.TrimSpace(mimeType)), "image/") {
		return "", false
	}
	f, err := ParseFormat(mimeType)
	if err != nil {
		return "", false
	}
	return f, true
}

func (f Format) MIMEType() string {
	switch f {
	case FormatJPEG:
		return "image/jpeg"
	case FormatWebP:
		return "image/webp"
	case FormatSVG:
		return "image/svg+xml"
	case FormatGIF:
		return "image/gif"
	case FormatBMP:
		return "image/bmp"
	default:
		return "image/png"
	}
}

// Extension is the MIME subtype with "svg+xml" shortened to "svg".
func (f Format) Extension() string {
	sub := strings.TrimPrefix(f.MIMEType(), "image/")
	return strings.Replace(sub, "svg+xml", "svg", 1)
}

// HasAlpha reports whether the encoded format can carry transparency.
func (f Format) HasAlpha() bool {
	return f != FormatJPEG && f != FormatBMP
}

// IsLossy reports whether the encoder honors a quality parameter.
func (f Format) IsLossy() bool {
	return f == FormatJPEG || f == FormatWebP
}

func (f Format) IsExportable() bool {
	for _, e := range ExportFormats {
		if e == f {
			return true
		}
	}
	return false
}

func (f Format) String() string {
	return string(f)
}
