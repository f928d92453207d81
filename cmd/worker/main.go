package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/dunamismax/tidyimg/internal/config"
	"github.com/dunamismax/tidyimg/internal/pipeline"
	"github.com/dunamismax/tidyimg/internal/storage"
	"github.com/dunamismax/tidyimg/internal/store"
	"github.com/dunamismax/tidyimg/internal/telemetry"
	"github.com/dunamismax/tidyimg/internal/webhook"
	"github.com/dunamismax/tidyimg/internal/worker"
	"go.opentelemetry.io/otel/attribute"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	logger := log.New(os.Stdout, "[worker] ", log.LstdFlags|log.Lmsgprefix)
	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	ctx := context.Background()
	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:    "tidyimg-worker",
		ServiceVersion: version,
		Exporter:       cfg.Trace.Exporter,
		OTLPEndpoint:   cfg.Trace.OTLPEndpoint,
		OTLPInsecure:   cfg.Trace.OTLPInsecure,
		SampleRatio:    cfg.Trace.SampleRatio,
		Attributes:     []attribute.KeyValue{attribute.String("image.runtime", pipeline.RuntimeName())},
	}, logger)
	if err != nil {
		logger.Fatalf("setup tracing: %v", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Printf("tracing shutdown error: %v", err)
		}
	}()

	if err := pipeline.Startup(); err != nil {
		logger.Fatalf("start image runtime: %v", err)
	}
	defer pipeline.Shutdown()

	storageClient, err := storage.NewClient(storage.Config{
		Endpoint: cfg.Storage.Endpoint,
		Access:   cfg.Storage.AccessKey,
		Secret:   cfg.Storage.SecretKey,
		Bucket:   cfg.Storage.Bucket,
		UseSSL:   cfg.Storage.UseSSL,

		MaxObjectBytes: cfg.Editor.MaxUploadBytes,
	})
	if err != nil {
		logger.Fatalf("create storage client: %v", err)
	}
	bucketCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if err := storageClient.EnsureBucket(bucketCtx); err != nil {
		cancel()
		logger.Fatalf("ensure bucket %s: %v", storageClient.Bucket(), err)
	}
	cancel()

	exports, closeExports, err := store.OpenExportStore(ctx, cfg.Database.DSN)
	if err != nil {
		logger.Fatalf("open export store: %v", err)
	}
	defer func() {
		if err := closeExports(); err != nil {
			logger.Printf("export store close error: %v", err)
		}
	}()

	webhookClient := webhook.NewClient(webhook.Config{
		SigningSecret:  cfg.Webhook.SigningSecret,
		Timeout:        cfg.Webhook.Timeout,
		MaxAttempts:    cfg.Webhook.MaxAttempts,
		InitialBackoff: cfg.Webhook.InitialBackoff,
		MaxBackoff:     cfg.Webhook.MaxBackoff,
	})

	srv, err := worker.NewServer(logger, cfg, worker.Deps{
		Storage:     storageClient,
		Webhook:     webhookClient,
		ExportStore: exports,
		Transformer: pipeline.Options{MaxPixels: cfg.Editor.MaxPixels},
	})
	if err != nil {
		logger.Fatalf("create worker: %v", err)
	}

	metricsServer := &http.Server{
		Addr:              cfg.Worker.MetricsAddr,
		Handler:           metricsMux(srv.MetricsHandler()),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Printf("metrics listening on %s", cfg.Worker.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("metrics server failed: %v", err)
		}
	}()

	logger.Printf(
		"starting worker concurrency=%d max_active_jobs=%d queue=%s redis=%s runtime=%s",
		cfg.Worker.Concurrency,
		cfg.Worker.MaxActiveJobs,
		cfg.Queue.Name,
		cfg.Queue.RedisAddr,
		pipeline.RuntimeName(),
	)

	runErr := srv.Run()

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("metrics shutdown failed: %v", err)
	}
	if runErr != nil {
		logger.Fatalf("worker failed: %v", runErr)
	}
}

func metricsMux(metrics http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}
