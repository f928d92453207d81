package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/dunamismax/tidyimg/internal/domain"
)

// Source is anything an image can be loaded from.
type Source interface {
	Load(ctx context.Context) (domain.ImageArtifact, error)
}

// Load reads src within DefaultMaxPixels.
func Load(ctx context.Context, src Source) (domain.ImageArtifact, error) {
	return Options{}.Load(ctx, src)
}

// Load reads src and verifies the payload is a recognizable image whose header
// fits the pixel limit. The returned artifact carries the detected MIME type,
// not the declared one, and its exact decoded byte size.
func (o Options) Load(ctx context.Context, src Source) (domain.ImageArtifact, error) {
	if src == nil {
		return domain.ImageArtifact{}, domain.DecodeError("load", errors.New("source is required"))
	}
	if err := ctx.Err(); err != nil {
		return domain.ImageArtifact{}, domain.DecodeError("load", err)
	}

	a, err := src.Load(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrDecode) || errors.Is(err, ErrSourceUnavailable) {
			return domain.ImageArtifact{}, err
		}
		return domain.ImageArtifact{}, domain.DecodeError("load", err)
	}

	data, format, err := sniff(a)
	if err != nil {
		return domain.ImageArtifact{}, err
	}
	dims, err := naturalDimensions(data, format)
	if err != nil {
		return domain.ImageArtifact{}, err
	}
	if err := o.checkNatural("load "+format.String(), dims); err != nil {
		return domain.ImageArtifact{}, err
	}
	a.MIMEType = format.MIMEType()
	a.ByteSize = int64(len(data))
	return a, nil
}

type BytesSource struct {
	Data     []byte
	MIMEType string
}

func (s BytesSource) Load(_ context.Context) (domain.ImageArtifact, error) {
	if len(s.Data) == 0 {
		return domain.ImageArtifact{}, errors.New("image data is empty")
	}
	return domain.NewArtifact(s.Data, s.MIMEType), nil
}

type DataURLSource struct {
	URL string
}

func (s DataURLSource) Load(_ context.Context) (domain.ImageArtifact, error) {
	mimeType, _, _, err := domain.ParseDataURL(s.URL)
	if err != nil {
		return domain.ImageArtifact{}, err
	}
	return domain.ImageArtifact{DataURL: s.URL, MIMEType: mimeType}, nil
}

type FileSource struct {
	Path string
}

func (s FileSource) Load(ctx context.Context) (domain.ImageArtifact, error) {
	if strings.TrimSpace(s.Path) == "" {
		return domain.ImageArtifact{}, errors.New("file path is required")
	}

	select {
	case <-ctx.Done():
		return domain.ImageArtifact{}, ctx.Err()
	default:
	}

	data, err := os.ReadFile(s.Path)
	if err != nil {
		return domain.ImageArtifact{}, fmt.Errorf("read input file %s: %w", s.Path, err)
	}
	return domain.NewArtifact(data, ""), nil
}

type objectReader interface {
	ReadObject(ctx context.Context, objectKey string) ([]byte, error)
}

// ErrSourceUnavailable marks a storage failure while reading an object
// source. It is not a decode failure and may succeed on retry.
var ErrSourceUnavailable = errors.New("source unavailable")

type ObjectSource struct {
	Storage objectReader
	Key     string
}

func (s ObjectSource) Load(ctx context.Context) (domain.ImageArtifact, error) {
	if s.Storage == nil {
		return domain.ImageArtifact{}, errors.New("storage client is required")
	}
	if strings.TrimSpace(s.Key) == "" {
		return domain.ImageArtifact{}, errors.New("object key is required")
	}
	data, err := s.Storage.ReadObject(ctx, s.Key)
	if err != nil {
		return domain.ImageArtifact{}, fmt.Errorf("%w: read %s: %w", ErrSourceUnavailable, s.Key, err)
	}
	return domain.NewArtifact(data, ""), nil
}
