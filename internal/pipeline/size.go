package pipeline

import (
	"math"
	"strings"

	"github.com/dunamismax/tidyimg/internal/domain"
	"github.com/dustin/go-humanize"
)

// EstimateSize reports the decoded byte size of an artifact without decoding
// it. Binary artifacts know their size exactly; data URLs are estimated from
// the base64 expansion ratio.
func EstimateSize(a domain.ImageArtifact) int64 {
	if !a.IsDataURL() {
		return int64(len(a.Data))
	}

	headerLen := len(domain.DataURLHeader(a.MIMEType))
	if i := strings.Index(a.DataURL, ","); i >= 0 {
		headerLen = i + 1
	}
	encoded := len(a.DataURL) - headerLen
	if encoded <= 0 {
		return 0
	}
	return int64(math.Round(float64(encoded) * 3 / 4))
}

func FormatBytes(n int64) string {
	if n <= 0 {
		return "0 B"
	}
	return humanize.IBytes(uint64(n))
}
