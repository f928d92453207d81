//go:build !govips || !cgo

package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/dunamismax/tidyimg/internal/domain"
)

func TestStdlibRuntimeCannotEncodeWebP(t *testing.T) {
	if RuntimeName() != "stdlib" {
		t.Fatalf("expected stdlib runtime, got %s", RuntimeName())
	}

	tr := newTestTransformer(t)
	src := artifactOf(buildTestPNG(t, 10, 10), domain.FormatPNG)

	_, err := tr.CompressAndConvert(context.Background(), src, 0.8, domain.FormatWebP)
	if !errors.Is(err, domain.ErrTransform) || !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected unsupported webp target, got %v", err)
	}
}

func TestEncodeImageFlattensBMP(t *testing.T) {
	src := artifactOf(buildHalfTransparentPNG(t, 4, 4), domain.FormatPNG)
	bm, err := Decode(context.Background(), src)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	data, err := encodeImage(bm.Image, domain.FormatBMP, 1)
	if err != nil {
		t.Fatalf("encode bmp: %v", err)
	}
	out, err := Decode(context.Background(), domain.NewArtifact(data, "image/bmp"))
	if err != nil {
		t.Fatalf("decode bmp: %v", err)
	}
	r, g, b, _ := out.Image.At(3, 0).RGBA()
	if r>>8 != 255 || g>>8 != 255 || b>>8 != 255 {
		t.Fatalf("expected white background, got %d,%d,%d", r>>8, g>>8, b>>8)
	}
}
