package session

import (
	"context"
	"fmt"
	"io"
	"log"
	"math"
	"strings"

	"github.com/dunamismax/tidyimg/internal/domain"
	tidyid "github.com/dunamismax/tidyimg/internal/id"
	"github.com/dunamismax/tidyimg/internal/pipeline"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const DefaultMinCropPixels = 5

// Analyzer produces descriptive metadata for an encoded image.
type Analyzer interface {
	Analyze(ctx context.Context, base64Data, mimeType string) (domain.AnalysisResult, error)
}

type Options struct {
	MinCropPixels  float64
	DefaultQuality float64
	// MaxPixels caps the natural size of a loaded source. Zero uses the
	// engine default.
	MaxPixels int64
}

func (o Options) minCropPixels() float64 {
	if o.MinCropPixels <= 0 {
		return DefaultMinCropPixels
	}
	return o.MinCropPixels
}

func (o Options) defaultQuality() float64 {
	if o.DefaultQuality <= 0 || o.DefaultQuality > 1 {
		return domain.DefaultQuality
	}
	return o.DefaultQuality
}

// Editor applies tools to sessions. It holds no session state of its own and
// is safe for concurrent use; serializing operations on one session is the
// caller's job.
type Editor struct {
	transformer pipeline.Transformer
	analyzer    Analyzer
	opts        Options
	logger      *log.Logger
	tracer      trace.Tracer
}

func NewEditor(transformer pipeline.Transformer, analyzer Analyzer, opts Options, logger *log.Logger) *Editor {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Editor{
		transformer: transformer,
		analyzer:    analyzer,
		opts:        opts,
		logger:      logger,
		tracer:      otel.Tracer("github.com/dunamismax/tidyimg/internal/session"),
	}
}

func (e *Editor) MinCropPixels() float64 {
	return e.opts.minCropPixels()
}

// NewSession loads src and waits for it to decode. An empty id gets a fresh
// UUID.
func (e *Editor) NewSession(ctx context.Context, id, name string, src pipeline.Source) (EditSession, error) {
	ctx, span := e.start(ctx, "session.load", EditSession{ID: id})
	defer span.End()

	decoder := pipeline.Options{MaxPixels: e.opts.MaxPixels}
	artifact, err := decoder.Load(ctx, src)
	if err != nil {
		return EditSession{}, e.fail(span, "load", EditSession{ID: id}, err)
	}
	if format, _ := artifact.Format(); !pipeline.IsSourceFormat(format) {
		err := domain.DecodeError("load", fmt.Errorf("%w: %s is not accepted as a source", pipeline.ErrUnsupportedFormat, format))
		return EditSession{}, e.fail(span, "load", EditSession{ID: id}, err)
	}

	var res pipeline.DecodeResult
	select {
	case res = <-decoder.DecodeAsync(ctx, artifact):
	case <-ctx.Done():
		return EditSession{}, e.fail(span, "load", EditSession{ID: id}, domain.DecodeError("load", ctx.Err()))
	}
	if res.Err != nil {
		return EditSession{}, e.fail(span, "load", EditSession{ID: id}, res.Err)
	}

	if strings.TrimSpace(id) == "" {
		id = tidyid.New()
	}
	s := EditSession{
		ID:         id,
		Name:       name,
		Original:   artifact,
		Current:    artifact,
		History:    []domain.ImageArtifact{artifact},
		Dimensions: res.Bitmap.Dimensions,
		ActiveTool: ToolNone,
		Export: domain.ExportConfig{
			TargetFormat: defaultExportFormat(res.Bitmap.Format, e.transformer.Encodes),
			Quality:      e.opts.defaultQuality(),
		},
		EstimatedSize: artifact.ByteSize,
	}

	span.SetAttributes(
		attribute.String("session.id", s.ID),
		attribute.String("image.format", res.Bitmap.Format.String()),
		attribute.Int("image.width", s.Dimensions.Width),
		attribute.Int("image.height", s.Dimensions.Height),
	)
	e.logger.Printf("session loaded session_id=%s name=%q format=%s size=%s bytes=%d", s.ID, s.Name, res.Bitmap.Format, s.Dimensions, s.EstimatedSize)
	return s, nil
}

// SelectTool activates a tool. Switching tools discards any pending crop;
// entering CROP starts with an empty display-space rectangle. Unknown tools
// leave the session unchanged.
func (e *Editor) SelectTool(s EditSession, tool Tool) (EditSession, error) {
	if tool == "" {
		tool = ToolNone
	}
	if !tool.Valid() {
		return s, fmt.Errorf("%w: %q", ErrUnknownTool, string(tool))
	}
	s.ActiveTool = tool
	s.PendingCrop = nil
	if tool == ToolCrop {
		rect := domain.DisplayRect(0, 0, 0, 0)
		s.PendingCrop = &rect
	}
	return s, nil
}

func (e *Editor) SetPendingCrop(s EditSession, rect domain.CropRectangle) (EditSession, error) {
	if err := requireTool(s, ToolCrop); err != nil {
		return s, err
	}
	if rect.Space != domain.SpaceDisplay {
		return s, domain.Errorf(domain.ErrGeometry, "set pending crop", "rectangle is in %q space, want %q", rect.Space, domain.SpaceDisplay)
	}
	if err := rect.Validate(); err != nil {
		return s, domain.GeometryError("set pending crop", err)
	}
	s.PendingCrop = &rect
	return s, nil
}

func (e *Editor) ApplyResize(ctx context.Context, s EditSession, width, height int) (EditSession, error) {
	ctx, span := e.start(ctx, "session.resize", s)
	defer span.End()

	if err := requireTool(s, ToolResize); err != nil {
		return s, e.fail(span, "resize", s, err)
	}

	next, err := e.transformer.Resize(ctx, s.Current, width, height)
	if err != nil {
		return s, e.fail(span, "resize", s, err)
	}
	return e.commit(span, ToolResize, s, next)
}

// ApplyCrop maps the pending display-space rectangle into natural pixels
// using the size the image was rendered at, then crops.
func (e *Editor) ApplyCrop(ctx context.Context, s EditSession, displaySize domain.Dimensions) (EditSession, error) {
	ctx, span := e.start(ctx, "session.crop", s)
	defer span.End()

	if err := requireTool(s, ToolCrop); err != nil {
		return s, e.fail(span, "crop", s, err)
	}
	rect, ok := s.pendingCrop()
	if !ok {
		return s, e.fail(span, "crop", s, ErrNoPendingCrop)
	}

	natural, err := pipeline.ToNaturalSpace(rect, displaySize, s.Dimensions)
	if err != nil {
		return s, e.fail(span, "crop", s, err)
	}
	return e.cropNatural(ctx, span, s, natural)
}

// ApplyCropNatural crops with a rectangle that is already in natural pixels.
// It is never rescaled.
func (e *Editor) ApplyCropNatural(ctx context.Context, s EditSession, rect domain.CropRectangle) (EditSession, error) {
	ctx, span := e.start(ctx, "session.crop", s)
	defer span.End()

	if err := requireTool(s, ToolCrop); err != nil {
		return s, e.fail(span, "crop", s, err)
	}
	if rect.Space != domain.SpaceNatural {
		return s, e.fail(span, "crop", s, domain.Errorf(domain.ErrGeometry, "crop", "rectangle is in %q space, want %q", rect.Space, domain.SpaceNatural))
	}
	return e.cropNatural(ctx, span, s, rect)
}

func (e *Editor) cropNatural(ctx context.Context, span trace.Span, s EditSession, rect domain.CropRectangle) (EditSession, error) {
	minSide := e.opts.minCropPixels()
	if rect.Width < minSide || rect.Height < minSide {
		return s, e.fail(span, "crop", s, fmt.Errorf("%w: %.1fx%.1f below %.0f px", ErrCropTooSmall, rect.Width, rect.Height, minSide))
	}

	next, err := e.transformer.Crop(ctx, s.Current, rect)
	if err != nil {
		return s, e.fail(span, "crop", s, err)
	}
	return e.commit(span, ToolCrop, s, next)
}

// ApplyCompress re-encodes the current image at quality in the session's
// target format. The export quality follows only when the encode succeeds.
func (e *Editor) ApplyCompress(ctx context.Context, s EditSession, quality float64) (EditSession, error) {
	ctx, span := e.start(ctx, "session.compress", s)
	defer span.End()

	if err := requireTool(s, ToolCompress); err != nil {
		return s, e.fail(span, "compress", s, err)
	}
	if math.IsNaN(quality) || quality <= 0 || quality > 1 {
		return s, e.fail(span, "compress", s, fmt.Errorf("%w: got %v", ErrInvalidQuality, quality))
	}

	next, err := e.transformer.CompressAndConvert(ctx, s.Current, quality, s.Export.TargetFormat)
	if err != nil {
		return s, e.fail(span, "compress", s, err)
	}
	out, err := e.commit(span, ToolCompress, s, next)
	if err != nil {
		return s, err
	}
	out.Export.Quality = quality
	return out, nil
}

// ApplyConvert re-encodes the current image as format at the session's export
// quality. The export format follows only when the encode succeeds.
func (e *Editor) ApplyConvert(ctx context.Context, s EditSession, format domain.Format) (EditSession, error) {
	ctx, span := e.start(ctx, "session.convert", s)
	defer span.End()
	span.SetAttributes(attribute.String("image.target_format", format.String()))

	if err := requireTool(s, ToolConvert); err != nil {
		return s, e.fail(span, "convert", s, err)
	}

	next, err := e.transformer.CompressAndConvert(ctx, s.Current, s.Export.Quality, format)
	if err != nil {
		return s, e.fail(span, "convert", s, err)
	}
	out, err := e.commit(span, ToolConvert, s, next)
	if err != nil {
		return s, err
	}
	out.Export.TargetFormat = format
	return out, nil
}

// Cancel leaves the active tool without touching the image.
func (e *Editor) Cancel(s EditSession) EditSession {
	s.ActiveTool = ToolNone
	s.PendingCrop = nil
	return s
}

// Reset restores the original upload and truncates history to it.
func (e *Editor) Reset(ctx context.Context, s EditSession) (EditSession, error) {
	_, span := e.start(ctx, "session.reset", s)
	defer span.End()

	if s.Original.IsZero() {
		return s, e.fail(span, "reset", s, domain.DecodeError("reset", fmt.Errorf("session has no original image")))
	}
	_, dims, err := pipeline.DecodeConfig(s.Original)
	if err != nil {
		return s, e.fail(span, "reset", s, err)
	}

	s.Current = s.Original
	s.History = []domain.ImageArtifact{s.Original}
	s.Dimensions = dims
	s.ActiveTool = ToolNone
	s.PendingCrop = nil
	s.Analysis = nil
	s.EstimatedSize = s.Original.ByteSize

	e.logger.Printf("session reset session_id=%s size=%s", s.ID, s.Dimensions)
	return s, nil
}

// Analyze asks the analyzer to describe the current image and caches the
// result on the session. History is not touched.
func (e *Editor) Analyze(ctx context.Context, s EditSession) (EditSession, error) {
	ctx, span := e.start(ctx, "session.analyze", s)
	defer span.End()

	if e.analyzer == nil {
		return s, e.fail(span, "analyze", s, domain.AnalysisError("analyze", ErrNoAnalyzer))
	}
	data, err := s.Current.Base64()
	if err != nil {
		return s, e.fail(span, "analyze", s, domain.AnalysisError("analyze", err))
	}

	result, err := e.analyzer.Analyze(ctx, data, s.Current.MIMEType)
	if err != nil {
		return s, e.fail(span, "analyze", s, err)
	}

	s.Analysis = &result
	e.logger.Printf("analysis cached session_id=%s tags=%d", s.ID, len(result.Tags))
	return s, nil
}

// Export encodes the current image with the export config. The session is
// not modified, so exporting twice yields identical bytes.
func (e *Editor) Export(ctx context.Context, s EditSession) (domain.ImageArtifact, string, error) {
	ctx, span := e.start(ctx, "session.export", s)
	defer span.End()
	span.SetAttributes(
		attribute.String("image.target_format", s.Export.TargetFormat.String()),
		attribute.Float64("image.quality", s.Export.Quality),
	)

	out, err := e.transformer.CompressAndConvert(ctx, s.Current, s.Export.Quality, s.Export.TargetFormat)
	if err != nil {
		return domain.ImageArtifact{}, "", e.fail(span, "export", s, err)
	}

	filename := s.ExportFilename()
	e.logger.Printf("export encoded session_id=%s filename=%q bytes=%d source_bytes=%d", s.ID, filename, out.ByteSize, s.EstimatedSize)
	return out, filename, nil
}

func (e *Editor) SetExportConfig(s EditSession, cfg domain.ExportConfig) (EditSession, error) {
	if err := cfg.Validate(); err != nil {
		return s, err
	}
	s.Export = cfg
	return s, nil
}

// commit installs next as the current image. Dimensions are read back from
// the new artifact rather than trusted from the request.
func (e *Editor) commit(span trace.Span, tool Tool, s EditSession, next domain.ImageArtifact) (EditSession, error) {
	_, dims, err := pipeline.DecodeConfig(next)
	if err != nil {
		return s, e.fail(span, string(tool), s, err)
	}

	out := s
	out.Current = next
	out.History = s.withHistory(next)
	out.Dimensions = dims
	out.EstimatedSize = pipeline.EstimateSize(next)
	out.ActiveTool = ToolNone
	out.PendingCrop = nil

	span.SetAttributes(
		attribute.Int("image.width", dims.Width),
		attribute.Int("image.height", dims.Height),
		attribute.Int64("image.bytes", out.EstimatedSize),
		attribute.Int("session.revision", out.Revision()),
	)
	e.logger.Printf("tool applied session_id=%s tool=%s size=%s bytes=%d revision=%d", out.ID, tool, dims, out.EstimatedSize, out.Revision())
	return out, nil
}

func (e *Editor) start(ctx context.Context, name string, s EditSession) (context.Context, trace.Span) {
	ctx, span := e.tracer.Start(ctx, name)
	if s.ID != "" {
		span.SetAttributes(attribute.String("session.id", s.ID))
	}
	if s.ActiveTool != "" {
		span.SetAttributes(attribute.String("session.tool", s.ActiveTool.String()))
	}
	return ctx, span
}

func (e *Editor) fail(span trace.Span, op string, s EditSession, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	e.logger.Printf("%s failed session_id=%s tool=%s err=%v", op, s.ID, s.ActiveTool, err)
	return err
}

func requireTool(s EditSession, want Tool) error {
	if s.ActiveTool != want {
		return fmt.Errorf("%w: want %s, active %s", ErrToolNotActive, want, s.ActiveTool)
	}
	return nil
}
