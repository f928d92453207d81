package pipeline

import (
	"bytes"

	"github.com/dunamismax/tidyimg/internal/domain"
)

var (
	pngSignature  = [...]byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}
	riffSignature = [...]byte{0x52, 0x49, 0x46, 0x46}
	webpSignature = [...]byte{0x57, 0x45, 0x42, 0x50}
	utf8BOM       = []byte{0xEF, 0xBB, 0xBF}
)

// svgSniffLimit bounds how far into a document we look for the <svg root.
const svgSniffLimit = 1024

// DetectFormat identifies the encoded format from magic bytes. SVG is
// recognized by its root element since it has no binary signature.
func DetectFormat(data []byte) (domain.Format, bool) {
	switch {
	case len(data) >= 3 && data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF:
		return domain.FormatJPEG, true
	case bytes.HasPrefix(data, pngSignature[:]):
		return domain.FormatPNG, true
	case len(data) >= 6 && bytes.HasPrefix(data, []byte("GIF8")) && (data[4] == '7' || data[4] == '9') && data[5] == 'a':
		return domain.FormatGIF, true
	case len(data) >= 12 && bytes.HasPrefix(data, riffSignature[:]) && bytes.Equal(data[8:12], webpSignature[:]):
		return domain.FormatWebP, true
	case len(data) >= 2 && data[0] == 'B' && data[1] == 'M':
		return domain.FormatBMP, true
	case looksLikeSVG(data):
		return domain.FormatSVG, true
	default:
		return "", false
	}
}

// IsSourceFormat reports whether a session may be started from format. BMP is
// decodable so exported bitmaps can be reopened, but it is not an upload type.
func IsSourceFormat(format domain.Format) bool {
	switch format {
	case domain.FormatJPEG, domain.FormatPNG, domain.FormatWebP, domain.FormatSVG, domain.FormatGIF:
		return true
	default:
		return false
	}
}

func looksLikeSVG(data []byte) bool {
	head := data
	if len(head) > svgSniffLimit {
		head = head[:svgSniffLimit]
	}
	head = bytes.TrimPrefix(head, utf8BOM)
	head = bytes.TrimLeft(head, " \t\r\n")
	if !bytes.HasPrefix(head, []byte("<")) {
		return false
	}
	return bytes.Contains(bytes.ToLower(head), []byte("<svg"))
}
