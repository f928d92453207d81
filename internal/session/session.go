package session

import (
	"errors"
	"slices"

	"github.com/dunamismax/tidyimg/internal/domain"
)

var (
	ErrToolNotActive  = errors.New("tool is not active")
	ErrUnknownTool    = errors.New("unknown tool")
	ErrCropTooSmall   = errors.New("crop area is too small")
	ErrNoPendingCrop  = errors.New("no pending crop rectangle")
	ErrInvalidQuality = errors.New("quality must be in (0,1]")
	ErrNoAnalyzer     = errors.New("image analysis is not configured")
)

// EditSession is the full editing state for one loaded image. Editor methods
// take a session by value and return the next one; a returned session never
// shares a writable History backing array with its input.
type EditSession struct {
	ID            string
	Name          string
	Original      domain.ImageArtifact
	Current       domain.ImageArtifact
	History       []domain.ImageArtifact
	Dimensions    domain.Dimensions
	ActiveTool    Tool
	PendingCrop   *domain.CropRectangle
	Export        domain.ExportConfig
	EstimatedSize int64
	Analysis      *domain.AnalysisResult
}

func (s EditSession) IsZero() bool {
	return s.Current.IsZero()
}

// Revision is the number of edits applied since load or the last reset.
func (s EditSession) Revision() int {
	return max(0, len(s.History)-1)
}

// ExportFilename is the download name for the session's current export config.
func (s EditSession) ExportFilename() string {
	return domain.ExportFilename(s.Name, s.Export.TargetFormat)
}

func (s EditSession) withHistory(next domain.ImageArtifact) []domain.ImageArtifact {
	return append(slices.Clip(s.History), next)
}

func (s EditSession) pendingCrop() (domain.CropRectangle, bool) {
	if s.PendingCrop == nil {
		return domain.CropRectangle{}, false
	}
	return *s.PendingCrop, true
}

// defaultExportFormat is the source format when the engine can export it and
// PNG otherwise.
func defaultExportFormat(source domain.Format, encodes func(domain.Format) bool) domain.Format {
	if source.IsExportable() && source != domain.FormatSVG && encodes(source) {
		return source
	}
	return domain.FormatPNG
}
