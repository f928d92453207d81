package session

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/dunamismax/tidyimg/internal/domain"
	"github.com/dunamismax/tidyimg/internal/pipeline"
	"golang.org/x/image/bmp"
)

func TestNewSessionRejectsSourcesOverPixelLimit(t *testing.T) {
	editor := NewEditor(mustTransformer(t), nil, Options{MaxPixels: 1_000_000}, discardLogger())

	var header bytes.Buffer
	if err := png.Encode(&header, image.NewRGBA(image.Rect(0, 0, 1, 1))); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	hugePNG := header.Bytes()
	binary.BigEndian.PutUint32(hugePNG[16:20], 50_000)
	binary.BigEndian.PutUint32(hugePNG[20:24], 50_000)
	binary.BigEndian.PutUint32(hugePNG[29:33], crc32.ChecksumIEEE(hugePNG[12:29]))

	for name, data := range map[string][]byte{
		"svg": []byte(`<svg xmlns="http://www.w3.org/2000/svg" width="6000" height="6000"><rect width="10" height="10"/></svg>`),
		"png": hugePNG,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := editor.NewSession(context.Background(), "", name, pipeline.BytesSource{Data: data})
			if !errors.Is(err, domain.ErrDecode) || !errors.Is(err, pipeline.ErrSurfaceTooLarge) {
				t.Fatalf("expected pixel limit decode error, got %v", err)
			}
		})
	}
}

func TestNewSessionRejectsBMPSource(t *testing.T) {
	editor := newTestEditor(t, nil)

	var buf bytes.Buffer
	if err := bmp.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 4, 4))); err != nil {
		t.Fatalf("encode bmp: %v", err)
	}

	_, err := editor.NewSession(context.Background(), "", "scan.bmp", pipeline.BytesSource{Data: buf.Bytes()})
	if !errors.Is(err, domain.ErrDecode) || !errors.Is(err, pipeline.ErrUnsupportedFormat) {
		t.Fatalf("expected unsupported source error, got %v", err)
	}
}

func TestWebPSourceExportsWithDefaultConfig(t *testing.T) {
	transformer := mustTransformer(t)
	editor := NewEditor(transformer, nil, Options{}, discardLogger())

	data, err := os.ReadFile(filepath.Join("testdata", "gopher.webp"))
	if err != nil {
		t.Fatalf("read webp: %v", err)
	}
	s := loadSession(t, editor, "gopher.webp", data)

	want := domain.FormatPNG
	if transformer.Encodes(domain.FormatWebP) {
		want = domain.FormatWebP
	}
	if s.Export.TargetFormat != want {
		t.Fatalf("expected default export format %s, got %s", want, s.Export.TargetFormat)
	}

	out, filename, err := editor.Export(context.Background(), s)
	if err != nil {
		t.Fatalf("export with default config: %v", err)
	}
	if out.MIMEType != want.MIMEType() || filename != "gopher_tidy."+want.Extension() {
		t.Fatalf("unexpected export %s %q", out.MIMEType, filename)
	}

	s = selectTool(t, editor, s, ToolCompress)
	if _, err := editor.ApplyCompress(context.Background(), s, 0.5); err != nil {
		t.Fatalf("compress with default config: %v", err)
	}
}

func TestDataURLSourceKeepsExactSizeThroughReset(t *testing.T) {
	editor := newTestEditor(t, nil)
	data := buildJPEG(t, 30, 20)

	s, err := editor.NewSession(context.Background(), "", "inline.jpg", pipeline.DataURLSource{URL: domain.EncodeDataURL(data, "image/jpeg")})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if s.Original.ByteSize != int64(len(data)) || s.EstimatedSize != int64(len(data)) {
		t.Fatalf("expected exact size %d, got original=%d estimate=%d", len(data), s.Original.ByteSize, s.EstimatedSize)
	}

	s = selectTool(t, editor, s, ToolResize)
	if s, err = editor.ApplyResize(context.Background(), s, 15, 10); err != nil {
		t.Fatalf("resize: %v", err)
	}
	if s, err = editor.Reset(context.Background(), s); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if s.EstimatedSize != int64(len(data)) {
		t.Fatalf("expected exact size %d after reset, got %d", len(data), s.EstimatedSize)
	}
}

func TestSelectToolRejectsUnknownTool(t *testing.T) {
	editor := newTestEditor(t, nil)
	s := loadSession(t, editor, "t.jpg", buildJPEG(t, 10, 10))
	s = selectTool(t, editor, s, ToolCrop)

	out, err := editor.SelectTool(s, Tool("blur"))
	if !errors.Is(err, ErrUnknownTool) {
		t.Fatalf("expected unknown tool, got %v", err)
	}
	if !reflect.DeepEqual(out, s) {
		t.Fatal("rejected tool must leave the session unchanged")
	}

	out, err = editor.SelectTool(s, "")
	if err != nil || out.ActiveTool != ToolNone || out.PendingCrop != nil {
		t.Fatalf("expected empty tool to select none, got %s %v", out.ActiveTool, err)
	}
}
