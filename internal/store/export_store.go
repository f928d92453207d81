package store

import (
	"context"
	"errors"
	"strings"

	"github.com/dunamismax/tidyimg/internal/domain"
)

var ErrExportNotFound = errors.New("export not found")

// ExportStore records every export, sync or async, once it is queued or done.
type ExportStore interface {
	Create(ctx context.Context, rec domain.ExportRecord) error
	Get(ctx context.Context, id string) (domain.ExportRecord, bool, error)
	UpdateStatus(ctx context.Context, id, status string) (domain.ExportRecord, error)
	Finish(ctx context.Context, rec domain.ExportRecord) error
	ListBySession(ctx context.Context, sessionID string) ([]domain.ExportRecord, error)
}

// OpenExportStore returns a Postgres-backed store for a non-empty dsn and an
// in-memory one otherwise. The returned close func is never nil.
func OpenExportStore(ctx context.Context, dsn string) (ExportStore, func() error, error) {
	if strings.TrimSpace(dsn) == "" {
		return NewMemoryExportStore(), func() error { return nil }, nil
	}
	pg, err := NewPostgresExportStore(ctx, dsn)
	if err != nil {
		return nil, nil, err
	}
	return pg, pg.Close, nil
}
