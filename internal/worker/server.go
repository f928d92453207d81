package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/dunamismax/tidyimg/internal/config"
	"github.com/dunamismax/tidyimg/internal/domain"
	"github.com/dunamismax/tidyimg/internal/pipeline"
	"github.com/dunamismax/tidyimg/internal/queue"
	"github.com/dunamismax/tidyimg/internal/storage"
	"github.com/dunamismax/tidyimg/internal/store"
	"github.com/dunamismax/tidyimg/internal/webhook"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type Server struct {
	logger        *log.Logger
	server        *asynq.Server
	sem           chan struct{}
	processor     exportProcessor
	objects       objectStore
	webhookClient webhookSender
	webhookURL    string
	exportStore   store.ExportStore
	presignTTL    time.Duration
	metrics       *metrics
	tracer        trace.Tracer
	now           func() time.Time
}

type exportProcessor interface {
	Process(ctx context.Context, req pipeline.Request) (pipeline.Result, error)
}

type objectStore interface {
	PresignedGetURL(ctx context.Context, objectKey, filename string, expiry time.Duration) (string, error)
	DeleteObject(ctx context.Context, objectKey string) error
}

type webhookSender interface {
	Send(ctx context.Context, endpoint, event string, payload any) error
}

type Deps struct {
	Storage     *storage.Client
	Webhook     *webhook.Client
	ExportStore store.ExportStore
	Transformer pipeline.Options
}

func NewServer(logger *log.Logger, cfg config.Config, deps Deps) (*Server, error) {
	if deps.Storage == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if deps.ExportStore == nil {
		return nil, fmt.Errorf("export store is required")
	}

	transformer, err := pipeline.NewTransformer(deps.Transformer)
	if err != nil {
		return nil, fmt.Errorf("initialize transformer: %w", err)
	}

	processor := pipeline.NewProcessor(
		pipeline.ObjectStoreFetcher{Storage: deps.Storage},
		transformer,
		pipeline.ObjectStoreEmitter{Storage: deps.Storage, OutputPrefix: cfg.Worker.OutputPrefix},
	)

	var sender webhookSender
	if deps.Webhook != nil {
		sender = deps.Webhook
	}

	s := &Server{
		logger: logger,
		server: asynq.NewServer(
			cfg.Queue.RedisClientOpt(),
			asynq.Config{
				Concurrency: cfg.Worker.Concurrency,
				Queues: map[string]int{
					cfg.Queue.Name: 1,
				},
				LogLevel: asynq.InfoLevel,
				ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
					retried, _ := asynq.GetRetryCount(ctx)
					maxRetry, _ := asynq.GetMaxRetry(ctx)
					logger.Printf("task failed type=%s retry=%d/%d err=%v", task.Type(), retried, maxRetry, err)
				}),
			},
		),
		sem:           make(chan struct{}, max(1, cfg.Worker.MaxActiveJobs)),
		processor:     processor,
		objects:       deps.Storage,
		webhookClient: sender,
		webhookURL:    cfg.Webhook.URL,
		exportStore:   deps.ExportStore,
		presignTTL:    cfg.API.PresignTTL,
		metrics:       newMetrics(),
		tracer:        otel.Tracer("tidyimg/worker"),
		now:           func() time.Time { return time.Now().UTC() },
	}
	return s, nil
}

func (s *Server) Run() error {
	return s.server.Run(s.mux())
}

func (s *Server) Shutdown() {
	s.server.Shutdown()
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

func (s *Server) mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeExportImage, s.handleExportImage)
	return mux
}

func (s *Server) handleExportImage(ctx context.Context, task *asynq.Task) error {
	startedAt := time.Now()
	outcome := domain.ExportStatusFailed

	payload, err := queue.ParseExportImagePayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}
	job := payload.Job
	if err := job.Validate(); err != nil {
		return fmt.Errorf("invalid export job: %v: %w", err, asynq.SkipRetry)
	}
	format := job.Config.TargetFormat.String()

	ctx, span := s.tracer.Start(ctx, "worker.export_image", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("export.id", job.ID),
		attribute.String("session.id", job.SessionID),
		attribute.String("export.format", format),
		attribute.Float64("export.quality", job.Config.Quality),
	)
	defer span.End()
	defer func() {
		s.metrics.exportDuration.WithLabelValues(format, outcome).Observe(time.Since(startedAt).Seconds())
		s.metrics.exportsTotal.WithLabelValues(format, outcome).Inc()
	}()

	s.sem <- struct{}{}
	s.metrics.activeExports.Inc()
	defer func() {
		<-s.sem
		s.metrics.activeExports.Dec()
	}()

	s.logger.Printf(
		"exporting export_id=%s session_id=%s format=%s quality=%.2f source_key=%s",
		job.ID,
		job.SessionID,
		format,
		job.Config.Quality,
		job.SourceKey,
	)

	s.updateStatus(ctx, job.ID, domain.ExportStatusProcessing)

	result, err := s.processor.Process(ctx, pipeline.Request{
		ExportID:   job.ID,
		SessionID:  job.SessionID,
		SourceType: pipeline.SourceTypeObjectStore,
		ObjectKey:  job.SourceKey,
		Name:       job.SourceName,
		Config:     job.Config,
	})
	if err != nil {
		s.finish(ctx, s.failedRecord(job, startedAt, err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "export failed")
		_ = s.dispatchWebhook(ctx, job, webhook.EventExportFailed, webhook.ExportEvent{
			ExportID:  job.ID,
			SessionID: job.SessionID,
			Status:    domain.ExportStatusFailed,
			Format:    format,
			Quality:   job.Config.Quality,
			Error:     err.Error(),
		})
		if permanent(err) {
			return fmt.Errorf("run export: %v: %w", err, asynq.SkipRetry)
		}
		return fmt.Errorf("run export: %w", err)
	}

	rec := s.succeededRecord(job, startedAt, result)
	s.finish(ctx, rec)
	s.logger.Printf(
		"exported export_id=%s object_key=%s bytes=%d saved=%d digest=%s",
		job.ID,
		rec.ObjectKey,
		rec.OutputSize,
		rec.BytesSaved(),
		rec.Digest,
	)
	s.metrics.observeSuccess(format, rec)
	s.removeStagedSource(ctx, job)

	event := webhook.ExportEvent{
		ExportID:    job.ID,
		SessionID:   job.SessionID,
		Status:      domain.ExportStatusSucceeded,
		Filename:    rec.Filename,
		Format:      format,
		Quality:     job.Config.Quality,
		Width:       rec.Width,
		Height:      rec.Height,
		Bytes:       rec.OutputSize,
		BytesSaved:  rec.BytesSaved(),
		Size:        pipeline.FormatBytes(rec.OutputSize),
		Digest:      rec.Digest,
		DownloadURL: s.downloadURL(ctx, rec),
	}
	if err := s.dispatchWebhook(ctx, job, webhook.EventExportCompleted, event); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "webhook dispatch failed")
		if errors.Is(err, webhook.ErrRejected) {
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		return err
	}

	outcome = domain.ExportStatusSucceeded
	span.SetStatus(codes.Ok, "exported")
	return nil
}

// permanent reports failures that a retry cannot fix: bad image data or a
// staged source that is gone or over the size limit.
func permanent(err error) bool {
	return errors.Is(err, domain.ErrDecode) ||
		errors.Is(err, domain.ErrTransform) ||
		errors.Is(err, storage.ErrObjectNotFound) ||
		errors.Is(err, storage.ErrObjectTooLarge)
}

func (s *Server) succeededRecord(job domain.ExportJob, startedAt time.Time, result pipeline.Result) domain.ExportRecord {
	out := result.Output
	return domain.ExportRecord{
		ID:         job.ID,
		SessionID:  job.SessionID,
		Status:     domain.ExportStatusSucceeded,
		Filename:   out.Filename,
		ObjectKey:  out.Path,
		Format:     job.Config.TargetFormat,
		Quality:    job.Config.Quality,
		Width:      out.Width,
		Height:     out.Height,
		SourceSize: int64(result.SourceBytes),
		OutputSize: int64(out.Bytes),
		Digest:     out.Digest,
		DurationMS: max(1, time.Since(startedAt).Milliseconds()),
		CreatedAt:  job.RequestedAt,
	}
}

func (s *Server) failedRecord(job domain.ExportJob, startedAt time.Time, err error) domain.ExportRecord {
	return domain.ExportRecord{
		ID:         job.ID,
		SessionID:  job.SessionID,
		Status:     domain.ExportStatusFailed,
		Filename:   domain.ExportFilename(job.SourceName, job.Config.TargetFormat),
		Format:     job.Config.TargetFormat,
		Quality:    job.Config.Quality,
		DurationMS: max(1, time.Since(startedAt).Milliseconds()),
		Error:      err.Error(),
		CreatedAt:  job.RequestedAt,
	}
}

func (s *Server) updateStatus(ctx context.Context, exportID, status string) {
	if s.exportStore == nil {
		return
	}
	if _, err := s.exportStore.UpdateStatus(ctx, exportID, status); err != nil {
		s.logger.Printf("export status update failed export_id=%s status=%s err=%v", exportID, status, err)
	}
}

func (s *Server) finish(ctx context.Context, rec domain.ExportRecord) {
	if s.exportStore == nil {
		return
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	if err := s.exportStore.Finish(ctx, rec); err != nil {
		s.logger.Printf("export record write failed export_id=%s err=%v", rec.ID, err)
	}
}

func (s *Server) removeStagedSource(ctx context.Context, job domain.ExportJob) {
	if s.objects == nil {
		return
	}
	if err := s.objects.DeleteObject(ctx, job.SourceKey); err != nil {
		s.logger.Printf("staged source cleanup failed export_id=%s key=%s err=%v", job.ID, job.SourceKey, err)
	}
}

func (s *Server) downloadURL(ctx context.Context, rec domain.ExportRecord) string {
	if s.objects == nil || s.presignTTL <= 0 {
		return ""
	}
	url, err := s.objects.PresignedGetURL(ctx, rec.ObjectKey, rec.Filename, s.presignTTL)
	if err != nil {
		s.logger.Printf("presign download failed export_id=%s err=%v", rec.ID, err)
		return ""
	}
	return url
}

func (s *Server) dispatchWebhook(ctx context.Context, job domain.ExportJob, event string, body webhook.ExportEvent) error {
	endpoint := strings.TrimSpace(job.WebhookURL)
	if endpoint == "" {
		endpoint = s.webhookURL
	}
	if endpoint == "" || s.webhookClient == nil {
		return nil
	}

	err := s.webhookClient.Send(ctx, endpoint, event, body)
	s.metrics.observeWebhook(event, err)
	if err != nil {
		s.logger.Printf("webhook delivery failed export_id=%s event=%s err=%v", job.ID, event, err)
		return fmt.Errorf("dispatch webhook: %w", err)
	}
	return nil
}
