package session

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/color/palette"
	"image/gif"
	"image/jpeg"
	"io"
	"log"
	"reflect"
	"sync/atomic"
	"testing"

	"github.com/dunamismax/tidyimg/internal/domain"
	"github.com/dunamismax/tidyimg/internal/pipeline"
)

func TestConcreteScenario(t *testing.T) {
	editor := newTestEditor(t, nil)
	s := loadSession(t, editor, "photo.jpg", buildJPEG(t, 800, 600))

	if s.Dimensions != (domain.Dimensions{Width: 800, Height: 600}) {
		t.Fatalf("expected 800x600, got %s", s.Dimensions)
	}

	s = selectTool(t, editor, s, ToolResize)
	s, err := editor.ApplyResize(context.Background(), s, 400, 300)
	if err != nil {
		t.Fatalf("apply resize: %v", err)
	}
	if s.Dimensions != (domain.Dimensions{Width: 400, Height: 300}) {
		t.Fatalf("expected 400x300 after resize, got %s", s.Dimensions)
	}
	if s.ActiveTool != ToolNone {
		t.Fatalf("expected tool to return to none, got %s", s.ActiveTool)
	}

	s = selectTool(t, editor, s, ToolCrop)
	s, err = editor.SetPendingCrop(s, domain.DisplayRect(50, 50, 100, 100))
	if err != nil {
		t.Fatalf("set pending crop: %v", err)
	}
	s, err = editor.ApplyCrop(context.Background(), s, domain.Dimensions{Width: 400, Height: 300})
	if err != nil {
		t.Fatalf("apply crop: %v", err)
	}
	if s.Dimensions != (domain.Dimensions{Width: 100, Height: 100}) {
		t.Fatalf("expected 100x100 after crop, got %s", s.Dimensions)
	}
	if len(s.History) != 3 {
		t.Fatalf("expected 3 history entries, got %d", len(s.History))
	}
	if s.PendingCrop != nil {
		t.Fatal("expected pending crop to be cleared after apply")
	}

	s, err = editor.SetExportConfig(s, domain.ExportConfig{TargetFormat: domain.FormatPNG, Quality: 0.85})
	if err != nil {
		t.Fatalf("set export config: %v", err)
	}

	before := s
	first, name, err := editor.Export(context.Background(), s)
	if err != nil {
		t.Fatalf("first export: %v", err)
	}
	second, _, err := editor.Export(context.Background(), s)
	if err != nil {
		t.Fatalf("second export: %v", err)
	}
	if name != "photo_tidy.png" {
		t.Fatalf("unexpected export filename %q", name)
	}
	if first.MIMEType != "image/png" || !bytes.Equal(first.Data, second.Data) {
		t.Fatalf("expected identical png exports, got %d and %d bytes", first.ByteSize, second.ByteSize)
	}
	if !reflect.DeepEqual(before, s) {
		t.Fatal("export must not modify the session")
	}
}

func TestHistoryIsAppendOnly(t *testing.T) {
	editor := newTestEditor(t, nil)
	s := loadSession(t, editor, "a.png", buildJPEG(t, 200, 100))
	original := s.Original.Digest()

	steps := []func(EditSession) (EditSession, error){
		func(s EditSession) (EditSession, error) {
			return editor.ApplyResize(context.Background(), selectTool(t, editor, s, ToolResize), 100, 50)
		},
		func(s EditSession) (EditSession, error) {
			return editor.ApplyCropNatural(context.Background(), selectTool(t, editor, s, ToolCrop), domain.NaturalRect(10, 10, 40, 30))
		},
		func(s EditSession) (EditSession, error) {
			return editor.ApplyCompress(context.Background(), selectTool(t, editor, s, ToolCompress), 0.5)
		},
		func(s EditSession) (EditSession, error) {
			return editor.ApplyConvert(context.Background(), selectTool(t, editor, s, ToolConvert), domain.FormatPNG)
		},
	}

	for i, step := range steps {
		prev := s
		prevDigests := digests(prev.History)

		next, err := step(s)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if len(next.History) != len(prev.History)+1 {
			t.Fatalf("step %d: expected history to grow by one, got %d -> %d", i, len(prev.History), len(next.History))
		}
		if next.History[0].Digest() != original {
			t.Fatalf("step %d: history[0] must stay the original", i)
		}
		if next.History[len(next.History)-1].Digest() != next.Current.Digest() {
			t.Fatalf("step %d: last history entry must be current", i)
		}
		if !reflect.DeepEqual(digests(next.History[:len(prev.History)]), prevDigests) {
			t.Fatalf("step %d: earlier history entries changed", i)
		}
		s = next
	}

	if s.Revision() != len(steps) {
		t.Fatalf("expected revision %d, got %d", len(steps), s.Revision())
	}
}

func TestBranchingDoesNotAliasHistory(t *testing.T) {
	editor := newTestEditor(t, nil)
	base := loadSession(t, editor, "a.jpg", buildJPEG(t, 120, 80))
	base = selectTool(t, editor, base, ToolResize)
	base, err := editor.ApplyResize(context.Background(), base, 60, 40)
	if err != nil {
		t.Fatalf("apply resize: %v", err)
	}
	base = selectTool(t, editor, base, ToolResize)

	left, err := editor.ApplyResize(context.Background(), base, 30, 20)
	if err != nil {
		t.Fatalf("left resize: %v", err)
	}
	right, err := editor.ApplyResize(context.Background(), base, 90, 60)
	if err != nil {
		t.Fatalf("right resize: %v", err)
	}

	if left.History[2].Digest() != left.Current.Digest() {
		t.Fatal("left history was overwritten by a sibling branch")
	}
	if right.History[2].Digest() != right.Current.Digest() {
		t.Fatal("right history does not end at its current image")
	}
	if len(base.History) != 2 {
		t.Fatalf("base history must not grow, got %d", len(base.History))
	}
}

func TestResetRestoresOriginal(t *testing.T) {
	editor := newTestEditor(t, &fakeAnalyzer{})
	s := loadSession(t, editor, "r.jpg", buildJPEG(t, 300, 200))
	originalSize := s.EstimatedSize

	s = selectTool(t, editor, s, ToolResize)
	s, err := editor.ApplyResize(context.Background(), s, 30, 20)
	if err != nil {
		t.Fatalf("apply resize: %v", err)
	}
	s, err = editor.Analyze(context.Background(), s)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	s = selectTool(t, editor, s, ToolCrop)

	s, err = editor.Reset(context.Background(), s)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if len(s.History) != 1 || s.Current.Digest() != s.Original.Digest() {
		t.Fatalf("expected history [original], got %d entries", len(s.History))
	}
	if s.Dimensions != (domain.Dimensions{Width: 300, Height: 200}) {
		t.Fatalf("expected original dimensions, got %s", s.Dimensions)
	}
	if s.EstimatedSize != originalSize {
		t.Fatalf("expected exact original size %d, got %d", originalSize, s.EstimatedSize)
	}
	if s.Analysis != nil || s.PendingCrop != nil || s.ActiveTool != ToolNone {
		t.Fatalf("expected reset to clear analysis, pending crop and tool")
	}
}

func TestCropBelowMinimumIsRejectedBeforeEngine(t *testing.T) {
	counter := &countingTransformer{Transformer: mustTransformer(t)}
	editor := NewEditor(counter, nil, Options{}, discardLogger())
	s := loadSession(t, editor, "m.jpg", buildJPEG(t, 800, 600))

	s = selectTool(t, editor, s, ToolCrop)
	s, err := editor.SetPendingCrop(s, domain.DisplayRect(10, 10, 2, 100))
	if err != nil {
		t.Fatalf("set pending crop: %v", err)
	}

	before := s
	// 2 display px at 2x scale is 4 natural px.
	out, err := editor.ApplyCrop(context.Background(), s, domain.Dimensions{Width: 400, Height: 300})
	if !errors.Is(err, ErrCropTooSmall) {
		t.Fatalf("expected crop too small, got %v", err)
	}
	if !reflect.DeepEqual(before, out) {
		t.Fatal("rejected crop must leave the session unchanged")
	}
	if counter.crops.Load() != 0 {
		t.Fatalf("engine crop must not be invoked, got %d calls", counter.crops.Load())
	}

	out, err = editor.ApplyCropNatural(context.Background(), s, domain.NaturalRect(0, 0, 100, 4.9))
	if !errors.Is(err, ErrCropTooSmall) {
		t.Fatalf("expected natural crop too small, got %v", err)
	}
	if !reflect.DeepEqual(before, out) || counter.crops.Load() != 0 {
		t.Fatal("rejected natural crop must not reach the engine")
	}

	if _, err := editor.ApplyCropNatural(context.Background(), s, domain.NaturalRect(0, 0, 5, 5)); err != nil {
		t.Fatalf("crop at the minimum should succeed: %v", err)
	}
}

func TestApplyCropScalesDisplayRect(t *testing.T) {
	editor := newTestEditor(t, nil)
	s := loadSession(t, editor, "d.jpg", buildJPEG(t, 800, 600))

	s = selectTool(t, editor, s, ToolCrop)
	s, err := editor.SetPendingCrop(s, domain.DisplayRect(10, 10, 50, 25))
	if err != nil {
		t.Fatalf("set pending crop: %v", err)
	}
	s, err = editor.ApplyCrop(context.Background(), s, domain.Dimensions{Width: 400, Height: 150})
	if err != nil {
		t.Fatalf("apply crop: %v", err)
	}
	if s.Dimensions != (domain.Dimensions{Width: 100, Height: 100}) {
		t.Fatalf("expected independent axis scaling to 100x100, got %s", s.Dimensions)
	}
}

func TestApplyCropErrors(t *testing.T) {
	editor := newTestEditor(t, nil)
	s := loadSession(t, editor, "e.jpg", buildJPEG(t, 100, 100))

	if _, err := editor.ApplyCrop(context.Background(), s, domain.Dimensions{Width: 100, Height: 100}); !errors.Is(err, ErrToolNotActive) {
		t.Fatalf("expected tool not active, got %v", err)
	}

	s = selectTool(t, editor, s, ToolCrop)
	s.PendingCrop = nil
	if _, err := editor.ApplyCrop(context.Background(), s, domain.Dimensions{Width: 100, Height: 100}); !errors.Is(err, ErrNoPendingCrop) {
		t.Fatalf("expected no pending crop, got %v", err)
	}

	s = selectTool(t, editor, s, ToolCrop)
	s, _ = editor.SetPendingCrop(s, domain.DisplayRect(0, 0, 50, 50))
	if _, err := editor.ApplyCrop(context.Background(), s, domain.Dimensions{Width: 0, Height: 100}); !errors.Is(err, domain.ErrGeometry) {
		t.Fatalf("expected geometry error for zero display width, got %v", err)
	}

	if _, err := editor.SetPendingCrop(s, domain.NaturalRect(0, 0, 50, 50)); !errors.Is(err, domain.ErrGeometry) {
		t.Fatalf("expected pending crop to require display space, got %v", err)
	}
	if _, err := editor.ApplyCropNatural(context.Background(), s, domain.DisplayRect(0, 0, 50, 50)); !errors.Is(err, domain.ErrGeometry) {
		t.Fatalf("expected natural crop to reject display space, got %v", err)
	}
}

func TestEngineFailureLeavesSessionUnchanged(t *testing.T) {
	loader := newTestEditor(t, nil)
	s := loadSession(t, loader, "f.jpg", buildJPEG(t, 64, 64))

	boom := domain.TransformError("resize", errors.New("surface allocation failed"))
	editor := NewEditor(failingTransformer{err: boom}, nil, Options{}, discardLogger())

	tests := []struct {
		tool  Tool
		apply func(EditSession) (EditSession, error)
	}{
		{ToolResize, func(s EditSession) (EditSession, error) { return editor.ApplyResize(context.Background(), s, 10, 10) }},
		{ToolCrop, func(s EditSession) (EditSession, error) {
			return editor.ApplyCropNatural(context.Background(), s, domain.NaturalRect(0, 0, 10, 10))
		}},
		{ToolCompress, func(s EditSession) (EditSession, error) { return editor.ApplyCompress(context.Background(), s, 0.3) }},
		{ToolConvert, func(s EditSession) (EditSession, error) {
			return editor.ApplyConvert(context.Background(), s, domain.FormatWebP)
		}},
	}
	for _, tt := range tests {
		in := selectTool(t, editor, s, tt.tool)
		out, err := tt.apply(in)
		if !errors.Is(err, domain.ErrTransform) {
			t.Fatalf("%s: expected transform error, got %v", tt.tool, err)
		}
		if !reflect.DeepEqual(in, out) {
			t.Fatalf("%s: failed apply must return the input session", tt.tool)
		}
		if out.ActiveTool != tt.tool {
			t.Fatalf("%s: tool must stay active after failure, got %s", tt.tool, out.ActiveTool)
		}
	}
}

func TestCompressAndConvertUpdateExportConfig(t *testing.T) {
	editor := newTestEditor(t, nil)
	s := loadSession(t, editor, "c.jpg", buildJPEG(t, 50, 50))

	s = selectTool(t, editor, s, ToolCompress)
	if _, err := editor.ApplyCompress(context.Background(), s, 0); !errors.Is(err, ErrInvalidQuality) {
		t.Fatalf("expected invalid quality, got %v", err)
	}
	s, err := editor.ApplyCompress(context.Background(), s, 0.4)
	if err != nil {
		t.Fatalf("apply compress: %v", err)
	}
	if s.Export.Quality != 0.4 || s.Export.TargetFormat != domain.FormatJPEG {
		t.Fatalf("unexpected export config %+v", s.Export)
	}

	s = selectTool(t, editor, s, ToolConvert)
	s, err = editor.ApplyConvert(context.Background(), s, domain.FormatPNG)
	if err != nil {
		t.Fatalf("apply convert: %v", err)
	}
	if s.Export.TargetFormat != domain.FormatPNG || s.Current.MIMEType != "image/png" {
		t.Fatalf("expected png after convert, got %s / %s", s.Export.TargetFormat, s.Current.MIMEType)
	}
	if s.ExportFilename() != "c_tidy.png" {
		t.Fatalf("unexpected export filename %q", s.ExportFilename())
	}
}

func TestApplyRequiresMatchingTool(t *testing.T) {
	editor := newTestEditor(t, nil)
	s := loadSession(t, editor, "t.jpg", buildJPEG(t, 40, 40))
	s = selectTool(t, editor, s, ToolCompress)

	if _, err := editor.ApplyResize(context.Background(), s, 10, 10); !errors.Is(err, ErrToolNotActive) {
		t.Fatalf("expected tool not active, got %v", err)
	}
	if _, err := editor.ApplyConvert(context.Background(), s, domain.FormatPNG); !errors.Is(err, ErrToolNotActive) {
		t.Fatalf("expected tool not active, got %v", err)
	}
	if _, err := editor.SetPendingCrop(s, domain.DisplayRect(0, 0, 10, 10)); !errors.Is(err, ErrToolNotActive) {
		t.Fatalf("expected tool not active for pending crop, got %v", err)
	}
}

func TestSelectToolAndCancel(t *testing.T) {
	editor := newTestEditor(t, nil)
	s := loadSession(t, editor, "s.jpg", buildJPEG(t, 40, 40))

	s = selectTool(t, editor, s, ToolCrop)
	if s.PendingCrop == nil || *s.PendingCrop != domain.DisplayRect(0, 0, 0, 0) {
		t.Fatalf("expected empty display-space pending crop, got %+v", s.PendingCrop)
	}

	s, _ = editor.SetPendingCrop(s, domain.DisplayRect(1, 2, 3, 4))
	switched := selectTool(t, editor, s, ToolResize)
	if switched.PendingCrop != nil {
		t.Fatal("switching tools must drop the pending crop")
	}

	canceled := editor.Cancel(s)
	if canceled.ActiveTool != ToolNone || canceled.PendingCrop != nil {
		t.Fatalf("expected cancel to return to none, got %s", canceled.ActiveTool)
	}
	if len(canceled.History) != len(s.History) || canceled.Current.Digest() != s.Current.Digest() {
		t.Fatal("cancel must not touch the image")
	}
}

func TestNewSessionDefaults(t *testing.T) {
	editor := newTestEditor(t, nil)

	s := loadSession(t, editor, "photo.jpeg", buildJPEG(t, 20, 10))
	if s.ID == "" {
		t.Fatal("expected generated session id")
	}
	if s.Export.TargetFormat != domain.FormatJPEG || s.Export.Quality != domain.DefaultQuality {
		t.Fatalf("unexpected export defaults %+v", s.Export)
	}
	if s.EstimatedSize != int64(len(s.Current.Data)) {
		t.Fatalf("expected exact size for binary upload, got %d", s.EstimatedSize)
	}

	g := loadSession(t, editor, "anim.gif", buildGIF(t, 8, 8))
	if g.Export.TargetFormat != domain.FormatPNG {
		t.Fatalf("expected gif sources to default to png export, got %s", g.Export.TargetFormat)
	}

	custom := NewEditor(mustTransformer(t), nil, Options{DefaultQuality: 0.6}, discardLogger())
	c := loadSession(t, custom, "x.jpg", buildJPEG(t, 4, 4))
	if c.Export.Quality != 0.6 {
		t.Fatalf("expected configured default quality, got %v", c.Export.Quality)
	}

	_, err := editor.NewSession(context.Background(), "", "bad.png", pipeline.BytesSource{Data: []byte("nope")})
	if !errors.Is(err, domain.ErrDecode) {
		t.Fatalf("expected decode error, got %v", err)
	}
}

func TestAnalyzeCachesResult(t *testing.T) {
	analyzer := &fakeAnalyzer{result: domain.AnalysisResult{
		AltText:           "a gradient",
		Tags:              []string{"gradient", "abstract", "color"},
		SuggestedFilename: "soft-gradient",
	}}
	editor := newTestEditor(t, analyzer)
	s := loadSession(t, editor, "ai.jpg", buildJPEG(t, 16, 16))

	out, err := editor.Analyze(context.Background(), s)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if out.Analysis == nil || out.Analysis.SuggestedFilename != "soft-gradient" {
		t.Fatalf("expected cached analysis, got %+v", out.Analysis)
	}
	if len(out.History) != len(s.History) {
		t.Fatal("analyze must not touch history")
	}
	if analyzer.mimeType != "image/jpeg" || analyzer.base64 == "" {
		t.Fatalf("analyzer got mime=%q payload=%d", analyzer.mimeType, len(analyzer.base64))
	}

	plain := newTestEditor(t, nil)
	if _, err := plain.Analyze(context.Background(), s); !errors.Is(err, domain.ErrAnalysis) {
		t.Fatalf("expected analysis error without analyzer, got %v", err)
	}

	analyzer.err = domain.AnalysisError("generate content", errors.New("upstream 500"))
	again, err := editor.Analyze(context.Background(), s)
	if !errors.Is(err, domain.ErrAnalysis) || again.Analysis != nil {
		t.Fatalf("expected analysis failure with no cached result, got %v", err)
	}
}

func TestParseTool(t *testing.T) {
	for in, want := range map[string]Tool{"": ToolNone, "CROP": ToolCrop, " ai ": ToolAI, "convert": ToolConvert} {
		got, err := ParseTool(in)
		if err != nil || got != want {
			t.Fatalf("ParseTool(%q) = %q,%v want %q", in, got, err, want)
		}
	}
	if _, err := ParseTool("blur"); !errors.Is(err, ErrUnknownTool) {
		t.Fatalf("expected unknown tool, got %v", err)
	}
}

func selectTool(t *testing.T, editor *Editor, s EditSession, tool Tool) EditSession {
	t.Helper()
	out, err := editor.SelectTool(s, tool)
	if err != nil {
		t.Fatalf("select tool %s: %v", tool, err)
	}
	return out
}

func newTestEditor(t *testing.T, analyzer Analyzer) *Editor {
	t.Helper()
	return NewEditor(mustTransformer(t), analyzer, Options{}, discardLogger())
}

func mustTransformer(t *testing.T) pipeline.Transformer {
	t.Helper()
	tr, err := pipeline.NewTransformer(pipeline.Options{})
	if err != nil {
		t.Fatalf("new transformer: %v", err)
	}
	return tr
}

func loadSession(t *testing.T, editor *Editor, name string, data []byte) EditSession {
	t.Helper()
	s, err := editor.NewSession(context.Background(), "", name, pipeline.BytesSource{Data: data})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	return s
}

func discardLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func digests(history []domain.ImageArtifact) []string {
	out := make([]string, 0, len(history))
	for _, a := range history {
		out = append(out, a.Digest())
	}
	return out
}

func buildJPEG(t *testing.T, w, h int) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8((x * 255) / w), G: uint8((y * 255) / h), B: 140, A: 255})
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}
	return buf.Bytes()
}

func buildGIF(t *testing.T, w, h int) []byte {
	t.Helper()

	img := image.NewPaletted(image.Rect(0, 0, w, h), palette.Plan9)
	var buf bytes.Buffer
	if err := gif.Encode(&buf, img, nil); err != nil {
		t.Fatalf("encode gif: %v", err)
	}
	return buf.Bytes()
}

type countingTransformer struct {
	pipeline.Transformer
	crops atomic.Int64
}

func (c *countingTransformer) Crop(ctx context.Context, a domain.ImageArtifact, rect domain.CropRectangle) (domain.ImageArtifact, error) {
	c.crops.Add(1)
	return c.Transformer.Crop(ctx, a, rect)
}

type failingTransformer struct {
	err error
}

func (f failingTransformer) Resize(context.Context, domain.ImageArtifact, int, int) (domain.ImageArtifact, error) {
	return domain.ImageArtifact{}, f.err
}

func (f failingTransformer) Crop(context.Context, domain.ImageArtifact, domain.CropRectangle) (domain.ImageArtifact, error) {
	return domain.ImageArtifact{}, f.err
}

func (f failingTransformer) CompressAndConvert(context.Context, domain.ImageArtifact, float64, domain.Format) (domain.ImageArtifact, error) {
	return domain.ImageArtifact{}, f.err
}

func (f failingTransformer) Encodes(domain.Format) bool {
	return true
}

type fakeAnalyzer struct {
	result   domain.AnalysisResult
	err      error
	base64   string
	mimeType string
}

func (f *fakeAnalyzer) Analyze(_ context.Context, base64Data, mimeType string) (domain.AnalysisResult, error) {
	f.base64 = base64Data
	f.mimeType = mimeType
	if f.err != nil {
		return domain.AnalysisResult{}, f.err
	}
	return f.result, nil
}
