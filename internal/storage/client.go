package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var (
	ErrObjectNotFound = errors.New("object not found")
	ErrObjectTooLarge = errors.New("object exceeds size limit")
)

type Config struct {
	Endpoint string
	Access   string
	Secret   string
	Bucket   string
	UseSSL   bool
	// MaxObjectBytes caps ReadObject. Zero means no limit.
	MaxObjectBytes int64
}

// Client reads staged sources and writes finished exports in one bucket.
type Client struct {
	minio    *minio.Client
	bucket   string
	maxBytes int64
}

func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("bucket is required")
	}
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.New("endpoint is required")
	}

	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.Access, cfg.Secret, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	return &Client{
		minio:    mc,
		bucket:   cfg.Bucket,
		maxBytes: max(cfg.MaxObjectBytes, 0),
	}, nil
}

func (c *Client) Bucket() string {
	return c.bucket
}

// EnsureBucket creates the bucket if needed. Losing a creation race to another
// replica counts as success.
func (c *Client) EnsureBucket(ctx context.Context) error {
	exists, err := c.minio.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", c.bucket, err)
	}
	if exists {
		return nil
	}

	makeErr := c.minio.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{})
	if makeErr == nil {
		return nil
	}
	if exists, err := c.minio.BucketExists(ctx, c.bucket); err == nil && exists {
		return nil
	}
	return fmt.Errorf("create bucket %s: %w", c.bucket, makeErr)
}

// PresignedGetURL returns a time-limited download link. A non-empty filename
// is sent back as the attachment name.
func (c *Client) PresignedGetURL(ctx context.Context, objectKey, filename string, expiry time.Duration) (string, error) {
	u, err := c.minio.PresignedGetObject(ctx, c.bucket, objectKey, expiry, downloadParams(filename))
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", objectKey, err)
	}
	return u.String(), nil
}

func downloadParams(filename string) url.Values {
	params := url.Values{}
	if name := strings.TrimSpace(filename); name != "" {
		params.Set("response-content-disposition", fmt.Sprintf("attachment; filename=%q", name))
	}
	return params
}

// ReadObject returns the whole object. A missing key is ErrObjectNotFound and
// an object over the configured limit is ErrObjectTooLarge.
func (c *Client) ReadObject(ctx context.Context, objectKey string) ([]byte, error) {
	obj, err := c.minio.GetObject(ctx, c.bucket, objectKey, minio.GetObjectOptions{})
	if err != nil {
		return nil, c.objectErr("get", objectKey, err)
	}
	defer obj.Close()

	var r io.Reader = obj
	if c.maxBytes > 0 {
		r = io.LimitReader(obj, c.maxBytes+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, c.objectErr("read", objectKey, err)
	}
	if c.maxBytes > 0 && int64(len(data)) > c.maxBytes {
		return nil, fmt.Errorf("read %s: %w (%d bytes)", objectKey, ErrObjectTooLarge, c.maxBytes)
	}
	return data, nil
}

func (c *Client) WriteObject(ctx context.Context, objectKey string, data []byte, contentType string) error {
	_, err := c.minio.PutObject(ctx, c.bucket, objectKey,
		bytes.NewReader(data),
		int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType},
	)
	if err != nil {
		return fmt.Errorf("put %s: %w", objectKey, err)
	}
	return nil
}

// DeleteObject removes a key. Removing a key that does not exist succeeds.
func (c *Client) DeleteObject(ctx context.Context, objectKey string) error {
	if err := c.minio.RemoveObject(ctx, c.bucket, objectKey, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove %s: %w", objectKey, err)
	}
	return nil
}

func (c *Client) objectErr(op, objectKey string, err error) error {
	if isNotFound(err) {
		return fmt.Errorf("%s %s: %w", op, objectKey, ErrObjectNotFound)
	}
	return fmt.Errorf("%s %s: %w", op, objectKey, err)
}

func isNotFound(err error) bool {
	var resp minio.ErrorResponse
	if !errors.As(err, &resp) {
		return false
	}
	return resp.Code == "NoSuchKey" || resp.Code == "NoSuchObject"
}
