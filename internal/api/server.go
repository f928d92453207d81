package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/dunamismax/tidyimg/internal/domain"
	"github.com/dunamismax/tidyimg/internal/pipeline"
	"github.com/dunamismax/tidyimg/internal/session"
	"github.com/dunamismax/tidyimg/internal/storage"
	"github.com/dunamismax/tidyimg/internal/store"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const defaultMaxUploadBytes = 50 << 20

var errInvalidRequest = errors.New("invalid request")

type Server struct {
	logger                *log.Logger
	editor                *session.Editor
	sessions              *store.MemorySessionStore
	exports               store.ExportStore
	queueClient           exportEnqueuer
	storage               objectStorage
	rateLimiter           RateLimiter
	rateLimitUserIDHeader string
	maxUploadBytes        int64
	presignTTL            time.Duration
	metrics               *metrics
	tracer                trace.Tracer
	now                   func() time.Time
	mux                   *http.ServeMux
}

type exportEnqueuer interface {
	EnqueueExport(ctx context.Context, job domain.ExportJob) (*asynq.TaskInfo, error)
}

type objectStorage interface {
	ReadObject(ctx context.Context, objectKey string) ([]byte, error)
	WriteObject(ctx context.Context, objectKey string, data []byte, contentType string) error
	PresignedGetURL(ctx context.Context, objectKey, filename string, expiry time.Duration) (string, error)
}

// Options carries the optional collaborators. A nil Queue or Storage turns
// off asynchronous export and object import; a nil RateLimiter turns off
// rate limiting.
type Options struct {
	Queue                 exportEnqueuer
	Storage               objectStorage
	RateLimiter           RateLimiter
	RateLimitUserIDHeader string
	MaxUploadBytes        int64
	PresignTTL            time.Duration
}

func NewServer(logger *log.Logger, editor *session.Editor, sessions *store.MemorySessionStore, exports store.ExportStore, opts Options) *Server {
	if opts.PresignTTL <= 0 {
		opts.PresignTTL = 15 * time.Minute
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = defaultMaxUploadBytes
	}
	if opts.RateLimitUserIDHeader == "" {
		opts.RateLimitUserIDHeader = "X-User-ID"
	}
	if exports == nil {
		exports = store.NewMemoryExportStore()
	}

	s := &Server{
		logger:                logger,
		editor:                editor,
		sessions:              sessions,
		exports:               exports,
		queueClient:           opts.Queue,
		storage:               opts.Storage,
		rateLimiter:           opts.RateLimiter,
		rateLimitUserIDHeader: opts.RateLimitUserIDHeader,
		maxUploadBytes:        opts.MaxUploadBytes,
		presignTTL:            opts.PresignTTL,
		metrics:               newMetrics(sessions),
		tracer:                otel.Tracer("tidyimg/api"),
		now:                   func() time.Time { return time.Now().UTC() },
		mux:                   http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.withTracing(s.metrics.withHTTPMetrics(s.withRateLimit(s.mux)))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", s.metrics.metricsHandler())

	s.mux.HandleFunc("POST /v1/sessions", s.handleCreateSession)
	s.mux.HandleFunc("POST /v1/sessions/import", s.handleImportSession)
	s.mux.HandleFunc("GET /v1/sessions/{id}", s.handleGetSession)
	s.mux.HandleFunc("DELETE /v1/sessions/{id}", s.handleDeleteSession)
	s.mux.HandleFunc("GET /v1/sessions/{id}/image", s.handleGetImage)

	s.mux.HandleFunc("POST /v1/sessions/{id}/tool", s.handleSelectTool)
	s.mux.HandleFunc("PUT /v1/sessions/{id}/crop", s.handleSetPendingCrop)
	s.mux.HandleFunc("POST /v1/sessions/{id}/resize", s.handleResize)
	s.mux.HandleFunc("POST /v1/sessions/{id}/crop", s.handleApplyCrop)
	s.mux.HandleFunc("POST /v1/sessions/{id}/compress", s.handleCompress)
	s.mux.HandleFunc("POST /v1/sessions/{id}/convert", s.handleConvert)
	s.mux.HandleFunc("POST /v1/sessions/{id}/cancel", s.handleCancel)
	s.mux.HandleFunc("POST /v1/sessions/{id}/reset", s.handleReset)
	s.mux.HandleFunc("POST /v1/sessions/{id}/analyze", s.handleAnalyze)

	s.mux.HandleFunc("PUT /v1/sessions/{id}/export-config", s.handleSetExportConfig)
	s.mux.HandleFunc("POST /v1/sessions/{id}/export", s.handleExport)
	s.mux.HandleFunc("GET /v1/sessions/{id}/exports", s.handleListExports)
	s.mux.HandleFunc("GET /v1/exports/{id}", s.handleGetExport)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"runtime":  pipeline.RuntimeName(),
		"sessions": s.sessions.Len(),
	})
}

// writeError maps a failure from the editor or the stores onto a status
// code. Unrecognized errors are logged and hidden behind a 500.
func (s *Server) writeError(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Printf("%s failed err=%v", op, err)
		writeJSON(w, status, map[string]string{"error": op + " failed"})
		return
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrSessionNotFound),
		errors.Is(err, store.ErrExportNotFound),
		errors.Is(err, storage.ErrObjectNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrObjectTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, store.ErrSessionBusy),
		errors.Is(err, store.ErrSessionExists),
		errors.Is(err, session.ErrToolNotActive),
		errors.Is(err, session.ErrNoPendingCrop):
		return http.StatusConflict
	case errors.Is(err, store.ErrTooManySessions):
		return http.StatusServiceUnavailable
	case errors.Is(err, session.ErrNoAnalyzer):
		return http.StatusNotImplemented
	case errors.Is(err, session.ErrUnknownTool),
		errors.Is(err, session.ErrInvalidQuality),
		errors.Is(err, session.ErrCropTooSmall),
		errors.Is(err, domain.ErrDecode),
		errors.Is(err, domain.ErrGeometry),
		errors.Is(err, domain.ErrTransform):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrAnalysis), errors.Is(err, pipeline.ErrSourceUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(r *http.Request, into any) error {
	const maxBodyBytes = 1 << 20
	limited := io.LimitReader(r.Body, maxBodyBytes)
	decoder := json.NewDecoder(limited)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON body: multiple JSON values are not allowed")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func badRequest(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
}
