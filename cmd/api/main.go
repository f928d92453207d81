package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dunamismax/tidyimg/internal/analysis"
	"github.com/dunamismax/tidyimg/internal/api"
	"github.com/dunamismax/tidyimg/internal/config"
	"github.com/dunamismax/tidyimg/internal/pipeline"
	"github.com/dunamismax/tidyimg/internal/queue"
	"github.com/dunamismax/tidyimg/internal/ratelimit"
	"github.com/dunamismax/tidyimg/internal/session"
	"github.com/dunamismax/tidyimg/internal/storage"
	"github.com/dunamismax/tidyimg/internal/store"
	"github.com/dunamismax/tidyimg/internal/telemetry"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	logger := log.New(os.Stdout, "[api] ", log.LstdFlags|log.Lmsgprefix)
	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:    "tidyimg-api",
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

	transformer, err := pipeline.NewTransformer(pipeline.Options{MaxPixels: cfg.Editor.MaxPixels})
	if err != nil {
		logger.Fatalf("build transformer: %v", err)
	}

	var analyzer session.Analyzer
	if cfg.Analysis.Enabled() {
		client, err := analysis.NewClient(ctx, analysis.Config{
			APIKey:     cfg.Analysis.APIKey,
			Model:      cfg.Analysis.Model,
			Endpoint:   cfg.Analysis.Endpoint,
			APIVersion: cfg.Analysis.APIVersion,
			Timeout:    cfg.Analysis.Timeout,
		})
		if err != nil {
			logger.Fatalf("build analysis client: %v", err)
		}
		analyzer = client
		logger.Printf("image analysis enabled model=%s", client.Model())
	} else {
		logger.Printf("image analysis disabled: no API key configured")
	}

	editor := session.NewEditor(transformer, analyzer, session.Options{
		MinCropPixels:  cfg.Editor.MinCropPixels,
		DefaultQuality: cfg.Editor.DefaultQuality,
		MaxPixels:      cfg.Editor.MaxPixels,
	}, logger)

	exports, closeExports, err := store.OpenExportStore(ctx, cfg.Database.DSN)
	if err != nil {
		logger.Fatalf("open export store: %v", err)
	}
	defer func() {
		if err := closeExports(); err != nil {
			logger.Printf("export store close error: %v", err)
		}
	}()

	queueClient := queue.NewClient(cfg.Queue.RedisClientOpt(), cfg.Queue.Name)
	defer func() {
		if err := queueClient.Close(); err != nil {
			logger.Printf("queue client close error: %v", err)
		}
	}()

	opts := api.Options{
		Queue:                 queueClient,
		RateLimitUserIDHeader: cfg.RateLimit.UserIDHeader,
		MaxUploadBytes:        cfg.Editor.MaxUploadBytes,
		PresignTTL:            cfg.API.PresignTTL,
	}

	if objects := openStorage(ctx, logger, cfg.Storage, cfg.Editor.MaxUploadBytes); objects != nil {
		opts.Storage = objects
	}

	if cfg.RateLimit.Enabled {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Queue.RedisAddr,
			Password: cfg.Queue.RedisPassword,
			DB:       cfg.Queue.RedisDB,
		})
		defer redisClient.Close()

		limiter, err := ratelimit.NewRedisTokenBucket(redisClient, cfg.RateLimit.Capacity, cfg.RateLimit.Window, cfg.RateLimit.KeyPrefix)
		if err != nil {
			logger.Fatalf("build rate limiter: %v", err)
		}
		opts.RateLimiter = limiter
		logger.Printf("rate limiting enabled capacity=%d window=%s", cfg.RateLimit.Capacity, cfg.RateLimit.Window)
	}

	sessions := store.NewMemorySessionStore(cfg.API.MaxSessions)
	app := api.NewServer(logger, editor, sessions, exports, opts)
	go sweepSessions(ctx, logger, sessions, cfg.API.SessionTTL)

	httpServer := &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      app.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Printf("listening on %s runtime=%s", cfg.API.Addr, pipeline.RuntimeName())
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("server failed: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Println("shutting down")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("graceful shutdown failed: %v", err)
	}
}

// openStorage returns nil when object storage cannot be reached; the API then
// runs without import and asynchronous export.
func openStorage(ctx context.Context, logger *log.Logger, cfg config.StorageConfig, maxObjectBytes int64) *storage.Client {
	client, err := storage.NewClient(storage.Config{
		Endpoint: cfg.Endpoint,
		Access:   cfg.AccessKey,
		Secret:   cfg.SecretKey,
		Bucket:   cfg.Bucket,
		UseSSL:   cfg.UseSSL,

		MaxObjectBytes: maxObjectBytes,
	})
	if err != nil {
		logger.Printf("object storage disabled err=%v", err)
		return nil
	}

	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.EnsureBucket(checkCtx); err != nil {
		logger.Printf("object storage disabled bucket=%s err=%v", cfg.Bucket, err)
		return nil
	}
	return client
}

func sweepSessions(ctx context.Context, logger *log.Logger, sessions *store.MemorySessionStore, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	ticker := time.NewTicker(min(ttl, time.Minute))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := sessions.Sweep(ttl); removed > 0 {
				logger.Printf("expired idle sessions removed=%d remaining=%d", removed, sessions.Len())
			}
		}
	}
}
