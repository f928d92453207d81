package domain

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

const (
	ExportStatusQueued     = "queued"
	ExportStatusProcessing = "processing"
	ExportStatusSucceeded  = "succeeded"
	ExportStatusFailed     = "failed"

	DefaultQuality     = 0.85
	ExportSuffix       = "tidy"
	fallbackExportBase = "image"
)

type ExportConfig struct {
	TargetFormat Format  `json:"format"`
	Quality      float64 `json:"quality"`
}

func (c ExportConfig) Validate() error {
	if !c.TargetFormat.IsExportable() {
		return fmt.Errorf("unsupported export format: %q", c.TargetFormat)
	}
	if c.Quality <= 0 || c.Quality > 1 {
		return fmt.Errorf("quality must be in (0,1], got %v", c.Quality)
	}
	return nil
}

// ExportFilename derives "{base}_tidy.{ext}" from the original upload name.
func ExportFilename(originalName string, format Format) string {
	base := filepath.Base(strings.TrimSpace(originalName))
	if ext := filepath.Ext(base); ext != "" {
		base = strings.TrimSuffix(base, ext)
	}
	if base == "" || base == "." || base == string(filepath.Separator) {
		base = fallbackExportBase
	}
	return fmt.Sprintf("%s_%s.%s", base, ExportSuffix, format.Extension())
}

type ExportJob struct {
	ID           string       `json:"id"`
	SessionID    string       `json:"session_id"`
	SourceKey    string       `json:"source_key"`
	SourceName   string       `json:"source_name"`
	Config       ExportConfig `json:"config"`
	WebhookURL   string       `json:"webhook_url,omitempty"`
	RequestedAt  time.Time    `json:"requested_at"`
	SourceFormat Format       `json:"source_format,omitempty"`
}

func (j ExportJob) Validate() error {
	if strings.TrimSpace(j.ID) == "" {
		return errors.New("export id is required")
	}
	if strings.TrimSpace(j.SessionID) == "" {
		return errors.New("session_id is required")
	}
	if strings.TrimSpace(j.SourceKey) == "" {
		return errors.New("source_key is required")
	}
	return j.Config.Validate()
}

// ExportRecord is written once per finished export, sync or async.
type ExportRecord struct {
	ID         string
	SessionID  string
	Status     string
	Filename   string
	ObjectKey  string
	Format     Format
	Quality    float64
	Width      int
	Height     int
	SourceSize int64
	OutputSize int64
	Digest     string
	DurationMS int64
	Error      string
	CreatedAt  time.Time
}

// BytesSaved is never negative; a larger output saves nothing.
func (r ExportRecord) BytesSaved() int64 {
	saved := r.SourceSize - r.OutputSize
	if saved < 0 {
		return 0
	}
	return saved
}

type AnalysisResult struct {
	AltText           string   `json:"altText"`
	Tags              []string `json:"tags"`
	SuggestedFilename string   `json:"suggestedFilename"`
}
