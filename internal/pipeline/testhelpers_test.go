package pipeline

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/dunamismax/tidyimg/internal/domain"
)

func buildTestPNG(t testing.TB, w, h int) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8((x * 255) / w),
				G: uint8((y * 255) / h),
				B: 140,
				A: 255,
			})
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode source png: %v", err)
	}
	return buf.Bytes()
}

// buildHalfTransparentPNG is opaque black on the left half and fully
// transparent on the right half.
func buildHalfTransparentPNG(t testing.TB, w, h int) []byte {
	t.Helper()

	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if x < w/2 {
				img.SetNRGBA(x, y, color.NRGBA{A: 255})
			} else {
				img.SetNRGBA(x, y, color.NRGBA{R: 0, G: 0, B: 0, A: 0})
			}
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode transparent png: %v", err)
	}
	return buf.Bytes()
}

func buildTestJPEG(t testing.TB, w, h int) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 90, A: 255})
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		t.Fatalf("encode source jpeg: %v", err)
	}
	return buf.Bytes()
}

func artifactOf(data []byte, format domain.Format) domain.ImageArtifact {
	return domain.NewArtifact(data, format.MIMEType())
}

func mustConfig(t testing.TB, a domain.ImageArtifact) (domain.Format, domain.Dimensions) {
	t.Helper()

	format, dims, err := DecodeConfig(a)
	if err != nil {
		t.Fatalf("decode config: %v", err)
	}
	return format, dims
}

func newTestTransformer(t testing.TB) Transformer {
	t.Helper()

	tr, err := NewTransformer(Options{})
	if err != nil {
		t.Fatalf("new transformer: %v", err)
	}
	return tr
}

// buildOversizedPNGHeader is a valid 1x1 PNG whose IHDR claims width x height.
func buildOversizedPNGHeader(t testing.TB, width, height uint32) []byte {
	t.Helper()

	data := bytes.Clone(buildTestPNG(t, 1, 1))
	// signature(8) length(4) "IHDR"(4) width(4) height(4) ... crc
	binary.BigEndian.PutUint32(data[16:20], width)
	binary.BigEndian.PutUint32(data[20:24], height)
	binary.BigEndian.PutUint32(data[29:33], crc32.ChecksumIEEE(data[12:29]))
	return data
}

func buildSizedSVG(width, height string) []byte {
	return []byte(fmt.Sprintf(`<svg xmlns="http://www.w3.org/2000/svg" width="%s" height="%s"><rect width="10" height="10"/></svg>`, width, height))
}
