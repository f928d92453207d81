package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"gopkg.in/yaml.v3"
)

// FileEnv names an optional YAML file. Values from the file replace the
// defaults; environment variables still win over both.
const FileEnv = "TIDYIMG_CONFIG"

type Config struct {
	API       APIConfig       `yaml:"api"`
	Queue     QueueConfig     `yaml:"queue"`
	Worker    WorkerConfig    `yaml:"worker"`
	Storage   StorageConfig   `yaml:"storage"`
	Database  DatabaseConfig  `yaml:"database"`
	Editor    EditorConfig    `yaml:"editor"`
	Analysis  AnalysisConfig  `yaml:"analysis"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Trace     TraceConfig     `yaml:"trace"`
}

type APIConfig struct {
	Addr        string        `yaml:"addr"`
	MaxSessions int           `yaml:"max_sessions"`
	SessionTTL  time.Duration `yaml:"session_ttl"`
	PresignTTL  time.Duration `yaml:"presign_ttl"`
}

type QueueConfig struct {
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	Name          string `yaml:"name"`
}

func (q QueueConfig) RedisClientOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     q.RedisAddr,
		Password: q.RedisPassword,
		DB:       q.RedisDB,
	}
}

type WorkerConfig struct {
	Concurrency    int    `yaml:"concurrency"`
	MaxActiveJobs  int    `yaml:"max_active_jobs"`
	LocalOutputDir string `yaml:"local_output_dir"`
	MetricsAddr    string `yaml:"metrics_addr"`
	OutputPrefix   string `yaml:"output_prefix"`
}

type StorageConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// DatabaseConfig selects the export record store. An empty DSN keeps records
// in memory.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

type EditorConfig struct {
	MinCropPixels  float64 `yaml:"min_crop_pixels"`
	DefaultQuality float64 `yaml:"default_quality"`
	MaxPixels      int64   `yaml:"max_pixels"`
	MaxUploadBytes int64   `yaml:"max_upload_bytes"`
}

type AnalysisConfig struct {
	APIKey     string        `yaml:"api_key"`
	Model      string        `yaml:"model"`
	Endpoint   string        `yaml:"endpoint"`
	APIVersion string        `yaml:"api_version"`
	Timeout    time.Duration `yaml:"timeout"`
}

func (a AnalysisConfig) Enabled() bool {
	return strings.TrimSpace(a.APIKey) != ""
}

type RateLimitConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Capacity     int           `yaml:"capacity"`
	Window       time.Duration `yaml:"window"`
	KeyPrefix    string        `yaml:"key_prefix"`
	UserIDHeader string        `yaml:"user_id_header"`
}

type WebhookConfig struct {
	URL            string        `yaml:"url"`
	SigningSecret  string        `yaml:"signing_secret"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

type TraceConfig struct {
	Exporter     string  `yaml:"exporter"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	OTLPInsecure bool    `yaml:"otlp_insecure"`
	SampleRatio  float64 `yaml:"sample_ratio"`
}

func Defaults() Config {
	return Config{
		API: APIConfig{
			Addr:        ":8080",
			MaxSessions: 256,
			SessionTTL:  30 * time.Minute,
			PresignTTL:  15 * time.Minute,
		},
		Queue: QueueConfig{
			RedisAddr: "localhost:6379",
			Name:      "default",
		},
		Worker: WorkerConfig{
			Concurrency:    max(2, runtime.NumCPU()),
			MaxActiveJobs:  max(1, runtime.NumCPU()/2),
			LocalOutputDir: "./.tidyimg-output",
			MetricsAddr:    ":9091",
			OutputPrefix:   "exports",
		},
		Storage: StorageConfig{
			Endpoint:  "localhost:9000",
			AccessKey: "minioadmin",
			SecretKey: "minioadmin",
			Bucket:    "tidyimg",
		},
		Editor: EditorConfig{
			MinCropPixels:  5,
			DefaultQuality: 0.85,
			MaxPixels:      100_000_000,
			MaxUploadBytes: 50 << 20,
		},
		Analysis: AnalysisConfig{
			Model:      "gemini-3-flash-preview",
			Endpoint:   "https://generativelanguage.googleapis.com/",
			APIVersion: "v1beta",
			Timeout:    30 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Capacity:     60,
			Window:       time.Minute,
			KeyPrefix:    "tidyimg:ratelimit",
			UserIDHeader: "X-User-ID",
		},
		Webhook: WebhookConfig{
			Timeout:        10 * time.Second,
			MaxAttempts:    3,
			InitialBackoff: time.Second,
			MaxBackoff:     10 * time.Second,
		},
		Trace: TraceConfig{
			Exporter:    "none",
			SampleRatio: 1,
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file named
// by TIDYIMG_CONFIG, and the environment, in that order.
func Load() (Config, error) {
	cfg := Defaults()

	if path := env(FileEnv, ""); path != "" {
		if err := overlayFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Editor.DefaultQuality <= 0 || c.Editor.DefaultQuality > 1 {
		return fmt.Errorf("editor default quality must be in (0,1], got %v", c.Editor.DefaultQuality)
	}
	if c.Editor.MinCropPixels < 1 {
		return fmt.Errorf("editor min crop pixels must be at least 1, got %v", c.Editor.MinCropPixels)
	}
	if c.Editor.MaxPixels <= 0 || c.Editor.MaxUploadBytes <= 0 {
		return fmt.Errorf("editor limits must be positive")
	}
	if c.RateLimit.Enabled && (c.RateLimit.Capacity <= 0 || c.RateLimit.Window <= 0) {
		return fmt.Errorf("rate limit capacity and window must be positive")
	}
	if c.Trace.SampleRatio < 0 || c.Trace.SampleRatio > 1 {
		return fmt.Errorf("trace sample ratio must be in [0,1], got %v", c.Trace.SampleRatio)
	}
	return nil
}

func overlayFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.API.Addr = env("TIDYIMG_API_ADDR", cfg.API.Addr)
	cfg.API.MaxSessions = envInt("TIDYIMG_MAX_SESSIONS", cfg.API.MaxSessions)
	cfg.API.SessionTTL = envDuration("TIDYIMG_SESSION_TTL", cfg.API.SessionTTL)
	cfg.API.PresignTTL = envDuration("TIDYIMG_PRESIGN_TTL", cfg.API.PresignTTL)

	cfg.Queue.RedisAddr = env("REDIS_ADDR", cfg.Queue.RedisAddr)
	cfg.Queue.RedisPassword = env("REDIS_PASSWORD", cfg.Queue.RedisPassword)
	cfg.Queue.RedisDB = envInt("REDIS_DB", cfg.Queue.RedisDB)
	cfg.Queue.Name = env("ASYNC_QUEUE", cfg.Queue.Name)

	cfg.Worker.Concurrency = envInt("WORKER_CONCURRENCY", cfg.Worker.Concurrency)
	cfg.Worker.MaxActiveJobs = envInt("WORKER_MAX_ACTIVE_JOBS", cfg.Worker.MaxActiveJobs)
	cfg.Worker.LocalOutputDir = env("WORKER_LOCAL_OUTPUT_DIR", cfg.Worker.LocalOutputDir)
	cfg.Worker.MetricsAddr = env("WORKER_METRICS_ADDR", cfg.Worker.MetricsAddr)
	cfg.Worker.OutputPrefix = env("WORKER_OUTPUT_PREFIX", cfg.Worker.OutputPrefix)

	cfg.Storage.Endpoint = env("MINIO_ENDPOINT", cfg.Storage.Endpoint)
	cfg.Storage.AccessKey = env("MINIO_ACCESS_KEY", cfg.Storage.AccessKey)
	cfg.Storage.SecretKey = env("MINIO_SECRET_KEY", cfg.Storage.SecretKey)
	cfg.Storage.Bucket = env("MINIO_BUCKET", cfg.Storage.Bucket)
	cfg.Storage.UseSSL = envBool("MINIO_USE_SSL", cfg.Storage.UseSSL)

	cfg.Database.DSN = env("POSTGRES_DSN", cfg.Database.DSN)

	cfg.Editor.MinCropPixels = envFloat("TIDYIMG_MIN_CROP_PIXELS", cfg.Editor.MinCropPixels)
	cfg.Editor.DefaultQuality = envFloat("TIDYIMG_DEFAULT_QUALITY", cfg.Editor.DefaultQuality)
	cfg.Editor.MaxPixels = envInt64("TIDYIMG_MAX_PIXELS", cfg.Editor.MaxPixels)
	cfg.Editor.MaxUploadBytes = envInt64("TIDYIMG_MAX_UPLOAD_BYTES", cfg.Editor.MaxUploadBytes)

	cfg.Analysis.APIKey = env("GEMINI_API_KEY", env("API_KEY", cfg.Analysis.APIKey))
	cfg.Analysis.Model = env("GEMINI_MODEL", cfg.Analysis.Model)
	cfg.Analysis.Endpoint = env("GEMINI_ENDPOINT", cfg.Analysis.Endpoint)
	cfg.Analysis.APIVersion = env("GEMINI_API_VERSION", cfg.Analysis.APIVersion)
	cfg.Analysis.Timeout = envDuration("GEMINI_TIMEOUT", cfg.Analysis.Timeout)

	cfg.RateLimit.Enabled = envBool("RATE_LIMIT_ENABLED", cfg.RateLimit.Enabled)
	cfg.RateLimit.Capacity = envInt("RATE_LIMIT_CAPACITY", cfg.RateLimit.Capacity)
	cfg.RateLimit.Window = envDuration("RATE_LIMIT_WINDOW", cfg.RateLimit.Window)
	cfg.RateLimit.KeyPrefix = env("RATE_LIMIT_KEY_PREFIX", cfg.RateLimit.KeyPrefix)
	cfg.RateLimit.UserIDHeader = env("RATE_LIMIT_USER_ID_HEADER", cfg.RateLimit.UserIDHeader)

	cfg.Webhook.URL = env("WEBHOOK_URL", cfg.Webhook.URL)
	cfg.Webhook.SigningSecret = env("WEBHOOK_SIGNING_SECRET", cfg.Webhook.SigningSecret)
	cfg.Webhook.Timeout = envDuration("WEBHOOK_TIMEOUT", cfg.Webhook.Timeout)
	cfg.Webhook.MaxAttempts = envInt("WEBHOOK_MAX_ATTEMPTS", cfg.Webhook.MaxAttempts)
	cfg.Webhook.InitialBackoff = envDuration("WEBHOOK_INITIAL_BACKOFF", cfg.Webhook.InitialBackoff)
	cfg.Webhook.MaxBackoff = envDuration("WEBHOOK_MAX_BACKOFF", cfg.Webhook.MaxBackoff)

	cfg.Trace.Exporter = env("OTEL_TRACES_EXPORTER", cfg.Trace.Exporter)
	cfg.Trace.OTLPEndpoint = env("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Trace.OTLPEndpoint)
	cfg.Trace.OTLPInsecure = envBool("OTEL_EXPORTER_OTLP_INSECURE", cfg.Trace.OTLPInsecure)
	cfg.Trace.SampleRatio = envFloat("OTEL_TRACES_SAMPLER_ARG", cfg.Trace.SampleRatio)
}

func env(key, fallback string) string {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	return value
}

func envInt(key string, fallback int) int {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envInt64(key string, fallback int64) int64 {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func envFloat(key string, fallback float64) float64 {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func envBool(key string, fallback bool) bool {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envDuration(key string, fallback time.Duration) time.Duration {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
