package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	HeaderSignature = "X-Tidyimg-Signature"
	HeaderTimestamp = "X-Tidyimg-Timestamp"
	HeaderEvent     = "X-Tidyimg-Event"
	HeaderDelivery  = "X-Tidyimg-Delivery"

	EventExportCompleted = "export.completed"
	EventExportFailed    = "export.failed"

	userAgent = "tidyimg-webhook/1"
)

// ErrRejected means the receiver answered with a 4xx status that retrying
// will not change.
var ErrRejected = errors.New("webhook rejected")

// ExportEvent is the body of export.completed and export.failed deliveries.
type ExportEvent struct {
	ExportID    string  `json:"export_id"`
	SessionID   string  `json:"session_id"`
	Status      string  `json:"status"`
	Filename    string  `json:"filename,omitempty"`
	Format      string  `json:"format,omitempty"`
	Quality     float64 `json:"quality,omitempty"`
	Width       int     `json:"width,omitempty"`
	Height      int     `json:"height,omitempty"`
	Bytes       int64   `json:"bytes,omitempty"`
	BytesSaved  int64   `json:"bytes_saved,omitempty"`
	Size        string  `json:"size,omitempty"`
	Digest      string  `json:"digest,omitempty"`
	DownloadURL string  `json:"download_url,omitempty"`
	Error       string  `json:"error,omitempty"`
}

type Config struct {
	SigningSecret  string
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Client posts signed JSON events. Every attempt of one delivery carries the
// same delivery ID, timestamp and signature so receivers can deduplicate.
type Client struct {
	httpClient *http.Client
	secret     string
	attempts   int
	backoff    time.Duration
	maxBackoff time.Duration
	now        func() time.Time
}

func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	backoff := cfg.InitialBackoff
	if backoff <= 0 {
		backoff = time.Second
	}

	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		secret:     cfg.SigningSecret,
		attempts:   max(cfg.MaxAttempts, 1),
		backoff:    backoff,
		maxBackoff: max(cfg.MaxBackoff, backoff),
		now:        time.Now,
	}
}

// Send delivers one event. An empty endpoint is a no-op.
func (c *Client) Send(ctx context.Context, endpoint, event string, payload any) error {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}

	d := delivery{
		id:        uuid.NewString(),
		event:     event,
		endpoint:  endpoint,
		timestamp: strconv.FormatInt(c.now().UTC().Unix(), 10),
		body:      body,
	}
	d.signature = Sign(c.secret, d.timestamp, body)

	wait := c.backoff
	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		lastErr = c.post(ctx, d)
		if lastErr == nil || errors.Is(lastErr, ErrRejected) {
			return lastErr
		}
		if attempt == c.attempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait = min(wait*2, c.maxBackoff)
	}

	return fmt.Errorf("deliver %s %s after %d attempts: %w", event, d.id, c.attempts, lastErr)
}

type delivery struct {
	id        string
	event     string
	endpoint  string
	timestamp string
	signature string
	body      []byte
}

func (c *Client) post(ctx context.Context, d delivery) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(d.body))
	if err != nil {
		return fmt.Errorf("%w: build request: %v", ErrRejected, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set(HeaderTimestamp, d.timestamp)
	req.Header.Set(HeaderSignature, d.signature)
	req.Header.Set(HeaderEvent, d.event)
	req.Header.Set(HeaderDelivery, d.id)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case retryableStatus(resp.StatusCode):
		return fmt.Errorf("webhook returned status=%d", resp.StatusCode)
	default:
		return fmt.Errorf("%w: status=%d", ErrRejected, resp.StatusCode)
	}
}

func retryableStatus(code int) bool {
	return code >= 500 || code == http.StatusRequestTimeout || code == http.StatusTooManyRequests
}

// Sign computes the signature header value for a delivery body.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a received signature in constant time.
func Verify(secret, timestamp string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, timestamp, body)), []byte(signature))
}
