package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"log"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/dunamismax/tidyimg/internal/domain"
	"github.com/dunamismax/tidyimg/internal/pipeline"
	"github.com/dunamismax/tidyimg/internal/queue"
	"github.com/dunamismax/tidyimg/internal/storage"
	"github.com/dunamismax/tidyimg/internal/store"
	"github.com/dunamismax/tidyimg/internal/webhook"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel"
)

func TestHandleExportImageSucceeds(t *testing.T) {
	objects := newMemoryObjects()
	objects.put("sessions/s1/e1/source", buildPNG(t, 64, 48))
	s, exports, hooks := newTestServer(t, objects)

	job := domain.ExportJob{
		ID:          "e1",
		SessionID:   "s1",
		SourceKey:   "sessions/s1/e1/source",
		SourceName:  "holiday.png",
		Config:      domain.ExportConfig{TargetFormat: domain.FormatJPEG, Quality: 0.8},
		WebhookURL:  "https://hooks.example/export",
		RequestedAt: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
	}
	seedQueued(t, exports, job)

	if err := s.handleExportImage(context.Background(), exportTask(t, job)); err != nil {
		t.Fatalf("handle export: %v", err)
	}

	rec, ok, err := exports.Get(context.Background(), "e1")
	if err != nil || !ok {
		t.Fatalf("get record: ok=%v err=%v", ok, err)
	}
	if rec.Status != domain.ExportStatusSucceeded {
		t.Fatalf("expected succeeded record, got %+v", rec)
	}
	if rec.ObjectKey != "exports/s1/e1/holiday_tidy.jpeg" || rec.Width != 64 || rec.Height != 48 {
		t.Fatalf("unexpected record output %+v", rec)
	}
	if !rec.CreatedAt.Equal(job.RequestedAt) {
		t.Fatalf("expected created_at from request, got %v", rec.CreatedAt)
	}
	if _, ok := objects.get(rec.ObjectKey); !ok {
		t.Fatalf("expected export object at %s", rec.ObjectKey)
	}
	if _, ok := objects.get(job.SourceKey); ok {
		t.Fatal("expected staged source to be removed")
	}

	if len(hooks.events) != 1 || hooks.events[0].name != webhook.EventExportCompleted {
		t.Fatalf("expected one completed webhook, got %+v", hooks.events)
	}
	event := hooks.events[0].body
	if event.DownloadURL != "https://objects.example/exports/s1/e1/holiday_tidy.jpeg?filename=holiday_tidy.jpeg" {
		t.Fatalf("unexpected download url %q", event.DownloadURL)
	}
	if hooks.events[0].endpoint != job.WebhookURL || event.Digest != rec.Digest {
		t.Fatalf("unexpected webhook delivery %+v", hooks.events[0])
	}

	if got := testutil.ToFloat64(s.metrics.exportsTotal.WithLabelValues("jpeg", domain.ExportStatusSucceeded)); got != 1 {
		t.Fatalf("expected one succeeded export metric, got %v", got)
	}
	if got := testutil.ToFloat64(s.metrics.outputBytesTotal.WithLabelValues("jpeg")); got != float64(rec.OutputSize) {
		t.Fatalf("expected output bytes metric %d, got %v", rec.OutputSize, got)
	}
	if got := testutil.ToFloat64(s.metrics.webhooksTotal.WithLabelValues(webhook.EventExportCompleted, "delivered")); got != 1 {
		t.Fatalf("expected delivered webhook metric, got %v", got)
	}
}

func TestHandleExportImageUndecodableSourceSkipsRetry(t *testing.T) {
	objects := newMemoryObjects()
	objects.put("sessions/s1/e2/source", []byte("not an image"))
	s, exports, hooks := newTestServer(t, objects)
	s.webhookURL = "https://hooks.example/default"

	job := domain.ExportJob{
		ID:         "e2",
		SessionID:  "s1",
		SourceKey:  "sessions/s1/e2/source",
		SourceName: "broken.png",
		Config:     domain.ExportConfig{TargetFormat: domain.FormatPNG, Quality: 0.85},
	}

	err := s.handleExportImage(context.Background(), exportTask(t, job))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected skip retry, got %v", err)
	}

	rec, ok, _ := exports.Get(context.Background(), "e2")
	if !ok || rec.Status != domain.ExportStatusFailed || rec.Error == "" {
		t.Fatalf("expected failed record with error, got %+v", rec)
	}
	if rec.Filename != "broken_tidy.png" {
		t.Fatalf("expected derived filename on failure, got %q", rec.Filename)
	}
	if len(hooks.events) != 1 || hooks.events[0].name != webhook.EventExportFailed {
		t.Fatalf("expected one failed webhook, got %+v", hooks.events)
	}
	if hooks.events[0].endpoint != "https://hooks.example/default" {
		t.Fatalf("expected default webhook endpoint, got %q", hooks.events[0].endpoint)
	}
	if _, ok := objects.get(job.SourceKey); !ok {
		t.Fatal("failed export must keep the staged source")
	}
}

func TestHandleExportImageMissingSourceIsRetried(t *testing.T) {
	s, exports, _ := newTestServer(t, newMemoryObjects())

	job := domain.ExportJob{
		ID:         "e3",
		SessionID:  "s1",
		SourceKey:  "sessions/s1/e3/source",
		SourceName: "gone.png",
		Config:     domain.ExportConfig{TargetFormat: domain.FormatPNG, Quality: 0.85},
	}

	err := s.handleExportImage(context.Background(), exportTask(t, job))
	if err == nil || errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected retryable error, got %v", err)
	}
	if !errors.Is(err, pipeline.ErrSourceUnavailable) {
		t.Fatalf("expected source unavailable, got %v", err)
	}
	if rec, ok, _ := exports.Get(context.Background(), "e3"); !ok || rec.Status != domain.ExportStatusFailed {
		t.Fatalf("expected failed record, got %+v", rec)
	}
}

func TestHandleExportImageRejectsBadPayload(t *testing.T) {
	s, _, hooks := newTestServer(t, newMemoryObjects())

	err := s.handleExportImage(context.Background(), asynq.NewTask(queue.TypeExportImage, []byte("{")))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected skip retry for bad payload, got %v", err)
	}
	if len(hooks.events) != 0 {
		t.Fatalf("expected no webhook for bad payload, got %+v", hooks.events)
	}
}

func TestHandleExportImageWebhookFailureIsReturned(t *testing.T) {
	objects := newMemoryObjects()
	objects.put("sessions/s1/e4/source", buildPNG(t, 8, 8))
	s, _, hooks := newTestServer(t, objects)
	hooks.err = errors.New("endpoint down")

	job := domain.ExportJob{
		ID:         "e4",
		SessionID:  "s1",
		SourceKey:  "sessions/s1/e4/source",
		Config:     domain.ExportConfig{TargetFormat: domain.FormatPNG, Quality: 0.85},
		WebhookURL: "https://hooks.example/export",
	}

	err := s.handleExportImage(context.Background(), exportTask(t, job))
	if err == nil || !errors.Is(err, hooks.err) {
		t.Fatalf("expected webhook error, got %v", err)
	}
	if errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("transient webhook failures should be retried: %v", err)
	}
	if got := testutil.ToFloat64(s.metrics.exportsTotal.WithLabelValues("png", domain.ExportStatusFailed)); got != 1 {
		t.Fatalf("expected failed outcome metric, got %v", got)
	}
	if got := testutil.ToFloat64(s.metrics.webhooksTotal.WithLabelValues(webhook.EventExportCompleted, "failed")); got != 1 {
		t.Fatalf("expected failed webhook metric, got %v", got)
	}

	hooks.err = fmt.Errorf("%w: status=410", webhook.ErrRejected)
	job.ID = "e5"
	job.SourceKey = "sessions/s1/e5/source"
	objects.put(job.SourceKey, buildPNG(t, 8, 8))
	err = s.handleExportImage(context.Background(), exportTask(t, job))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("rejected webhooks must not be retried, got %v", err)
	}
	if got := testutil.ToFloat64(s.metrics.webhooksTotal.WithLabelValues(webhook.EventExportCompleted, "rejected")); got != 1 {
		t.Fatalf("expected rejected webhook metric, got %v", got)
	}
}

func newTestServer(t *testing.T, objects *memoryObjects) (*Server, *store.MemoryExportStore, *captureWebhook) {
	t.Helper()

	transformer, err := pipeline.NewTransformer(pipeline.Options{})
	if err != nil {
		t.Fatalf("new transformer: %v", err)
	}

	exports := store.NewMemoryExportStore()
	hooks := &captureWebhook{}
	s := &Server{
		logger: log.New(io.Discard, "", 0),
		sem:    make(chan struct{}, 1),
		processor: pipeline.NewProcessor(
			pipeline.ObjectStoreFetcher{Storage: objects},
			transformer,
			pipeline.ObjectStoreEmitter{Storage: objects},
		),
		objects:       objects,
		webhookClient: hooks,
		exportStore:   exports,
		presignTTL:    time.Minute,
		metrics:       newMetrics(),
		tracer:        otel.Tracer("test"),
		now:           func() time.Time { return time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC) },
	}
	return s, exports, hooks
}

func seedQueued(t *testing.T, exports *store.MemoryExportStore, job domain.ExportJob) {
	t.Helper()
	err := exports.Create(context.Background(), domain.ExportRecord{
		ID:        job.ID,
		SessionID: job.SessionID,
		Status:    domain.ExportStatusQueued,
		Format:    job.Config.TargetFormat,
		Quality:   job.Config.Quality,
		CreatedAt: job.RequestedAt,
	})
	if err != nil {
		t.Fatalf("seed export: %v", err)
	}
}

func exportTask(t *testing.T, job domain.ExportJob) *asynq.Task {
	t.Helper()
	task, err := queue.NewExportImageTask(job)
	if err != nil {
		t.Fatalf("new export task: %v", err)
	}
	return task
}

func buildPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x * 4), G: uint8(y * 4), B: 120, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

type memoryObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemoryObjects() *memoryObjects {
	return &memoryObjects{objects: map[string][]byte{}}
}

func (m *memoryObjects) put(key string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
}

func (m *memoryObjects) get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	return data, ok
}

func (m *memoryObjects) ReadObject(_ context.Context, key string) ([]byte, error) {
	data, ok := m.get(key)
	if !ok {
		return nil, os.ErrNotExist
	}
	return data, nil
}

func (m *memoryObjects) WriteObject(_ context.Context, key string, data []byte, _ string) error {
	m.put(key, data)
	return nil
}

func (m *memoryObjects) DeleteObject(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *memoryObjects) PresignedGetURL(_ context.Context, key, filename string, _ time.Duration) (string, error) {
	return "https://objects.example/" + key + "?filename=" + filename, nil
}

type deliveredEvent struct {
	endpoint string
	name     string
	body     webhook.ExportEvent
}

type captureWebhook struct {
	events []deliveredEvent
	err    error
}

func (c *captureWebhook) Send(_ context.Context, endpoint, event string, payload any) error {
	body, _ := payload.(webhook.ExportEvent)
	c.events = append(c.events, deliveredEvent{endpoint: endpoint, name: event, body: body})
	return c.err
}

func TestPermanentFailures(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{domain.DecodeError("load", errors.New("garbage")), true},
		{domain.TransformError("encode", errors.New("webp")), true},
		{errors.Join(pipeline.ErrSourceUnavailable, storage.ErrObjectNotFound), true},
		{errors.Join(pipeline.ErrSourceUnavailable, storage.ErrObjectTooLarge), true},
		{errors.Join(pipeline.ErrSourceUnavailable, errors.New("connection reset")), false},
		{context.DeadlineExceeded, false},
	}
	for _, tt := range tests {
		if got := permanent(tt.err); got != tt.want {
			t.Fatalf("permanent(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
