package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/dunamismax/tidyimg/internal/domain"
)

const SourceTypeObjectStore = "object_store"

type objectWriter interface {
	WriteObject(ctx context.Context, objectKey string, data []byte, contentType string) error
}

type ObjectStoreFetcher struct {
	Storage objectReader
}

func (f ObjectStoreFetcher) Fetch(ctx context.Context, req Request) (domain.ImageArtifact, error) {
	if f.Storage == nil {
		return domain.ImageArtifact{}, errors.New("storage client is required")
	}
	if strings.EqualFold(req.SourceType, SourceTypeLocalFile) {
		return domain.ImageArtifact{}, fmt.Errorf("%w: %s", ErrUnsupportedSourceType, req.SourceType)
	}
	return Load(ctx, ObjectSource{Storage: f.Storage, Key: req.ObjectKey})
}

type ObjectStoreEmitter struct {
	Storage      objectWriter
	OutputPrefix string
}

func (e ObjectStoreEmitter) Emit(ctx context.Context, req Request, artifact domain.ImageArtifact, dims domain.Dimensions) (Output, error) {
	if e.Storage == nil {
		return Output{}, errors.New("storage client is required")
	}

	data, err := artifact.Bytes()
	if err != nil {
		return Output{}, fmt.Errorf("read export artifact: %w", err)
	}

	filename := req.Filename()
	objectKey := ExportObjectKey(e.OutputPrefix, req.SessionID, req.ExportID, filename)
	if err := e.Storage.WriteObject(ctx, objectKey, data, artifact.MIMEType); err != nil {
		return Output{}, err
	}

	return newOutput(req, objectKey, artifact, data, dims), nil
}

// SessionObjectKey is where the API stages a session's current artifact
// for an asynchronous export.
func SessionObjectKey(sessionID, exportID string) string {
	return path.Join("sessions", sanitizePathToken(sessionID), sanitizePathToken(exportID), "source")
}

func ExportObjectKey(prefix, sessionID, exportID, filename string) string {
	return path.Join(
		defaultOutputPrefix(prefix),
		sanitizePathToken(sessionID),
		sanitizePathToken(exportID),
		sanitizePathToken(filename),
	)
}

func defaultOutputPrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return "exports"
	}
	return prefix
}
