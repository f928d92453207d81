package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dunamismax/tidyimg/internal/domain"
)

const SourceTypeLocalFile = "local_file"

var ErrUnsupportedSourceType = errors.New("unsupported source_type")

// Request describes one export: where the source lives and how to encode it.
type Request struct {
	ExportID   string
	SessionID  string
	SourceType string
	ObjectKey  string
	Name       string
	Config     domain.ExportConfig
}

func (r Request) Filename() string {
	return domain.ExportFilename(r.Name, r.Config.TargetFormat)
}

type Output struct {
	ExportID string `json:"export_id"`
	Filename string `json:"filename"`
	Format   string `json:"format"`
	Path     string `json:"path"`
	Bytes    int    `json:"bytes"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Digest   string `json:"digest"`
	Success  bool   `json:"success"`
}

type Result struct {
	SourceBytes int
	Output      Output
}

type Fetcher interface {
	Fetch(ctx context.Context, req Request) (domain.ImageArtifact, error)
}

type Emitter interface {
	Emit(ctx context.Context, req Request, artifact domain.ImageArtifact, dims domain.Dimensions) (Output, error)
}

type Processor struct {
	fetcher     Fetcher
	transformer Transformer
	emitter     Emitter
}

func NewProcessor(fetcher Fetcher, transformer Transformer, emitter Emitter) *Processor {
	return &Processor{
		fetcher:     fetcher,
		transformer: transformer,
		emitter:     emitter,
	}
}

func NewLocalProcessor(outputDir string, opts Options) (*Processor, error) {
	transformer, err := newTransformer(opts)
	if err != nil {
		return nil, fmt.Errorf("build transformer: %w", err)
	}
	return NewProcessor(LocalFileFetcher{}, transformer, LocalFileEmitter{OutputDir: outputDir}), nil
}

func (p *Processor) Process(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.ExportID) == "" {
		return Result{}, errors.New("export_id is required")
	}
	if err := req.Config.Validate(); err != nil {
		return Result{}, err
	}

	source, err := p.fetcher.Fetch(ctx, req)
	if err != nil {
		return Result{}, fmt.Errorf("fetch stage: %w", err)
	}

	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	default:
	}

	exported, err := p.transformer.CompressAndConvert(ctx, source, req.Config.Quality, req.Config.TargetFormat)
	if err != nil {
		return Result{}, fmt.Errorf("transform stage export=%s format=%s: %w", req.ExportID, req.Config.TargetFormat, err)
	}

	_, dims, err := DecodeConfig(exported)
	if err != nil {
		return Result{}, fmt.Errorf("inspect stage export=%s: %w", req.ExportID, err)
	}

	written, err := p.emitter.Emit(ctx, req, exported, dims)
	if err != nil {
		return Result{}, fmt.Errorf("emit stage export=%s: %w", req.ExportID, err)
	}

	return Result{SourceBytes: int(source.ByteSize), Output: written}, nil
}

type LocalFileFetcher struct{}

func (LocalFileFetcher) Fetch(ctx context.Context, req Request) (domain.ImageArtifact, error) {
	if !strings.EqualFold(req.SourceType, SourceTypeLocalFile) {
		return domain.ImageArtifact{}, fmt.Errorf("%w: %s", ErrUnsupportedSourceType, req.SourceType)
	}
	return Load(ctx, FileSource{Path: req.ObjectKey})
}

type LocalFileEmitter struct {
	OutputDir string
}

func (e LocalFileEmitter) Emit(_ context.Context, req Request, artifact domain.ImageArtifact, dims domain.Dimensions) (Output, error) {
	if strings.TrimSpace(e.OutputDir) == "" {
		return Output{}, errors.New("output directory is required")
	}

	data, err := artifact.Bytes()
	if err != nil {
		return Output{}, fmt.Errorf("read export artifact: %w", err)
	}

	if err := os.MkdirAll(e.OutputDir, 0o755); err != nil {
		return Output{}, fmt.Errorf("create output dir: %w", err)
	}

	filename := req.Filename()
	fullPath := filepath.Join(e.OutputDir, filename)
	if err := os.WriteFile(fullPath, data, 0o644); err != nil {
		return Output{}, fmt.Errorf("write output file: %w", err)
	}

	return newOutput(req, fullPath, artifact, data, dims), nil
}

func newOutput(req Request, location string, artifact domain.ImageArtifact, data []byte, dims domain.Dimensions) Output {
	return Output{
		ExportID: req.ExportID,
		Filename: req.Filename(),
		Format:   req.Config.TargetFormat.String(),
		Path:     location,
		Bytes:    len(data),
		Width:    dims.Width,
		Height:   dims.Height,
		Digest:   artifact.Digest(),
		Success:  true,
	}
}

func sanitizePathToken(in string) string {
	in = strings.TrimSpace(in)
	if in == "" {
		return "unknown"
	}

	var b strings.Builder
	b.Grow(len(in))
	for _, r := range in {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_' || r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
