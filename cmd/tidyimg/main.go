package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dunamismax/tidyimg/internal/analysis"
	"github.com/dunamismax/tidyimg/internal/config"
	"github.com/dunamismax/tidyimg/internal/domain"
	"github.com/dunamismax/tidyimg/internal/pipeline"
	"github.com/dunamismax/tidyimg/internal/session"
	"github.com/spf13/pflag"
)

func main() {
	logger := log.New(os.Stderr, "[tidyimg] ", log.LstdFlags|log.Lmsgprefix)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, logger); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		logger.Fatalf("%v", err)
	}
}

type options struct {
	resize  string
	crop    string
	display string
	quality float64
	format  string
	outDir  string
	analyze bool
}

func run(ctx context.Context, args []string, stdout io.Writer, logger *log.Logger) error {
	var opts options
	fs := pflag.NewFlagSet("tidyimg", pflag.ContinueOnError)
	fs.SetOutput(stdout)
	fs.StringVar(&opts.resize, "resize", "", "resize to WxH; a 0 side keeps the aspect ratio")
	fs.StringVar(&opts.crop, "crop", "", "crop rectangle x,y,w,h")
	fs.StringVar(&opts.display, "display", "", "size WxH the crop was measured on; omit for natural pixels")
	fs.Float64VarP(&opts.quality, "quality", "q", 0, "export quality in (0,1]")
	fs.StringVarP(&opts.format, "format", "f", "", "export format: jpeg, png, webp")
	fs.StringVarP(&opts.outDir, "out", "o", ".", "output directory")
	fs.BoolVar(&opts.analyze, "analyze", false, "describe the image with the analysis API")
	fs.Usage = func() {
		fmt.Fprintf(stdout, "usage: tidyimg [flags] <input>\n\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return errors.New("exactly one input image is required")
	}
	input := fs.Arg(0)

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := pipeline.Startup(); err != nil {
		return fmt.Errorf("start image runtime: %w", err)
	}
	defer pipeline.Shutdown()

	transformer, err := pipeline.NewTransformer(pipeline.Options{MaxPixels: cfg.Editor.MaxPixels})
	if err != nil {
		return fmt.Errorf("build transformer: %w", err)
	}

	var analyzer session.Analyzer
	if opts.analyze {
		if !cfg.Analysis.Enabled() {
			return errors.New("--analyze needs GEMINI_API_KEY")
		}
		client, err := analysis.NewClient(ctx, analysis.Config{
			APIKey:     cfg.Analysis.APIKey,
			Model:      cfg.Analysis.Model,
			Endpoint:   cfg.Analysis.Endpoint,
			APIVersion: cfg.Analysis.APIVersion,
			Timeout:    cfg.Analysis.Timeout,
		})
		if err != nil {
			return err
		}
		analyzer = client
	}

	editor := session.NewEditor(transformer, analyzer, session.Options{
		MinCropPixels:  cfg.Editor.MinCropPixels,
		DefaultQuality: cfg.Editor.DefaultQuality,
		MaxPixels:      cfg.Editor.MaxPixels,
	}, logger)

	sess, err := editor.NewSession(ctx, "", filepath.Base(input), pipeline.FileSource{Path: input})
	if err != nil {
		return err
	}
	originalSize := sess.EstimatedSize
	fmt.Fprintf(stdout, "loaded %s %s %s\n", sess.Name, sess.Dimensions, pipeline.FormatBytes(originalSize))

	if sess, err = applyEdits(ctx, editor, sess, opts); err != nil {
		return err
	}

	if opts.analyze {
		if sess, err = editor.Analyze(ctx, sess); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "alt: %s\ntags: %s\nsuggested: %s\n",
			sess.Analysis.AltText,
			strings.Join(sess.Analysis.Tags, ", "),
			sess.Analysis.SuggestedFilename,
		)
	}

	out, err := export(ctx, editor, sess, opts.outDir)
	if err != nil {
		return err
	}

	saved := domain.ExportRecord{SourceSize: originalSize, OutputSize: int64(out.Bytes)}.BytesSaved()
	fmt.Fprintf(stdout, "wrote %s %dx%d %s (saved %s, estimate %s)\n",
		out.Path,
		out.Width,
		out.Height,
		pipeline.FormatBytes(int64(out.Bytes)),
		pipeline.FormatBytes(saved),
		pipeline.FormatBytes(sess.EstimatedSize),
	)
	return nil
}

// applyEdits runs resize, then crop, then the export settings. Each step
// goes through the same tool selection the interactive editor uses.
func applyEdits(ctx context.Context, editor *session.Editor, sess session.EditSession, opts options) (session.EditSession, error) {
	var err error

	if opts.resize != "" {
		size, err := parseSize(opts.resize, true)
		if err != nil {
			return sess, fmt.Errorf("--resize: %w", err)
		}
		width, height := pipeline.FitAspect(sess.Dimensions, size.Width, size.Height)
		if sess, err = editor.SelectTool(sess, session.ToolResize); err != nil {
			return sess, err
		}
		if sess, err = editor.ApplyResize(ctx, sess, width, height); err != nil {
			return sess, err
		}
	}

	if opts.crop != "" {
		if sess, err = applyCrop(ctx, editor, sess, opts); err != nil {
			return sess, err
		}
	} else if opts.display != "" {
		return sess, errors.New("--display only applies with --crop")
	}

	if opts.format != "" || opts.quality != 0 {
		cfg, err := domain.ExportConfigRequest{Format: opts.format, Quality: opts.quality}.Merge(sess.Export)
		if err != nil {
			return sess, err
		}
		if sess, err = editor.SetExportConfig(sess, cfg); err != nil {
			return sess, err
		}
	}
	return sess, nil
}

func applyCrop(ctx context.Context, editor *session.Editor, sess session.EditSession, opts options) (session.EditSession, error) {
	x, y, w, h, err := parseRect(opts.crop)
	if err != nil {
		return sess, fmt.Errorf("--crop: %w", err)
	}
	if sess, err = editor.SelectTool(sess, session.ToolCrop); err != nil {
		return sess, err
	}

	if opts.display == "" {
		return editor.ApplyCropNatural(ctx, sess, domain.NaturalRect(x, y, w, h))
	}

	display, err := parseSize(opts.display, false)
	if err != nil {
		return sess, fmt.Errorf("--display: %w", err)
	}
	if sess, err = editor.SetPendingCrop(sess, domain.DisplayRect(x, y, w, h)); err != nil {
		return sess, err
	}
	return editor.ApplyCrop(ctx, sess, display)
}

func export(ctx context.Context, editor *session.Editor, sess session.EditSession, outDir string) (pipeline.Output, error) {
	artifact, _, err := editor.Export(ctx, sess)
	if err != nil {
		return pipeline.Output{}, err
	}
	_, dims, err := pipeline.DecodeConfig(artifact)
	if err != nil {
		return pipeline.Output{}, err
	}

	emitter := pipeline.LocalFileEmitter{OutputDir: outDir}
	return emitter.Emit(ctx, pipeline.Request{
		ExportID:   sess.ID,
		SessionID:  sess.ID,
		SourceType: pipeline.SourceTypeLocalFile,
		Name:       sess.Name,
		Config:     sess.Export,
	}, artifact, dims)
}
