package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dunamismax/tidyimg/internal/domain"
	_ "github.com/lib/pq"
)

const exportSchemaSQL = `
CREATE TABLE IF NOT EXISTS exports (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	status TEXT NOT NULL,
	filename TEXT NOT NULL DEFAULT '',
	object_key TEXT NOT NULL DEFAULT '',
	format TEXT NOT NULL,
	quality DOUBLE PRECISION NOT NULL,
	width INTEGER NOT NULL DEFAULT 0,
	height INTEGER NOT NULL DEFAULT 0,
	source_size BIGINT NOT NULL DEFAULT 0,
	output_size BIGINT NOT NULL DEFAULT 0,
	digest TEXT NOT NULL DEFAULT '',
	duration_ms BIGINT NOT NULL DEFAULT 0,
	error TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS exports_session_id_idx ON exports (session_id, created_at);
`

const exportColumns = `id, session_id, status, filename, object_key, format, quality, width, height,
	source_size, output_size, digest, duration_ms, error, created_at`

type PostgresExportStore struct {
	db *sql.DB
}

func NewPostgresExportStore(ctx context.Context, dsn string) (*PostgresExportStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &PostgresExportStore{db: db}
	if err := store.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *PostgresExportStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, exportSchemaSQL); err != nil {
		return fmt.Errorf("ensure exports schema: %w", err)
	}
	return nil
}

func (s *PostgresExportStore) Close() error {
	return s.db.Close()
}

func (s *PostgresExportStore) Create(ctx context.Context, rec domain.ExportRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO exports (`+exportColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		exportArgs(rec)...,
	)
	if err != nil {
		return fmt.Errorf("insert export: %w", err)
	}
	return nil
}

func (s *PostgresExportStore) Get(ctx context.Context, id string) (domain.ExportRecord, bool, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+exportColumns+`
		 FROM exports
		 WHERE id = $1`,
		id,
	)

	rec, err := scanExport(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ExportRecord{}, false, nil
		}
		return domain.ExportRecord{}, false, fmt.Errorf("query export: %w", err)
	}
	return rec, true, nil
}

func (s *PostgresExportStore) UpdateStatus(ctx context.Context, id, status string) (domain.ExportRecord, error) {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE exports
		 SET status = $1
		 WHERE id = $2`,
		status,
		id,
	)
	if err != nil {
		return domain.ExportRecord{}, fmt.Errorf("update export status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.ExportRecord{}, ErrExportNotFound
	}

	rec, ok, err := s.Get(ctx, id)
	if err != nil {
		return domain.ExportRecord{}, err
	}
	if !ok {
		return domain.ExportRecord{}, ErrExportNotFound
	}
	return rec, nil
}

// Finish upserts the final record; created_at of an existing row is kept.
func (s *PostgresExportStore) Finish(ctx context.Context, rec domain.ExportRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO exports (`+exportColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		 ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			filename = EXCLUDED.filename,
			object_key = EXCLUDED.object_key,
			format = EXCLUDED.format,
			quality = EXCLUDED.quality,
			width = EXCLUDED.width,
			height = EXCLUDED.height,
			source_size = EXCLUDED.source_size,
			output_size = EXCLUDED.output_size,
			digest = EXCLUDED.digest,
			duration_ms = EXCLUDED.duration_ms,
			error = EXCLUDED.error`,
		exportArgs(rec)...,
	)
	if err != nil {
		return fmt.Errorf("finish export: %w", err)
	}
	return nil
}

func (s *PostgresExportStore) ListBySession(ctx context.Context, sessionID string) ([]domain.ExportRecord, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+exportColumns+`
		 FROM exports
		 WHERE session_id = $1
		 ORDER BY created_at, id`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list exports: %w", err)
	}
	defer rows.Close()

	out := make([]domain.ExportRecord, 0)
	for rows.Next() {
		rec, err := scanExport(rows)
		if err != nil {
			return nil, fmt.Errorf("scan export: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate exports: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExport(row rowScanner) (domain.ExportRecord, error) {
	var (
		rec    domain.ExportRecord
		format string
	)
	err := row.Scan(
		&rec.ID,
		&rec.SessionID,
		&rec.Status,
		&rec.Filename,
		&rec.ObjectKey,
		&format,
		&rec.Quality,
		&rec.Width,
		&rec.Height,
		&rec.SourceSize,
		&rec.OutputSize,
		&rec.Digest,
		&rec.DurationMS,
		&rec.Error,
		&rec.CreatedAt,
	)
	rec.Format = domain.Format(format)
	return rec, err
}

func exportArgs(rec domain.ExportRecord) []any {
	return []any{
		rec.ID,
		rec.SessionID,
		rec.Status,
		rec.Filename,
		rec.ObjectKey,
		rec.Format.String(),
		rec.Quality,
		rec.Width,
		rec.Height,
		rec.SourceSize,
		rec.OutputSize,
		rec.Digest,
		rec.DurationMS,
		rec.Error,
		rec.CreatedAt,
	}
}
