// Package objectstore implements component A: upload a blob by key,
// fetch a blob by key, and derive its canonical URL, backed by an
// S3-compatible minio-go client.
package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"path/filepath"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"tender-pipeline/configs"
	"tender-pipeline/internal/platform/httpfetch"
)

// Client wraps a minio client bound to one configured bucket.
type Client struct {
	mc     *minio.Client
	bucket string
	cfg    configs.StoreConfig
	fetch  *httpfetch.Fetcher
	log    *zap.Logger
}

// New constructs a Client from the pipeline's store configuration.
func New(cfg configs.StoreConfig, fetch *httpfetch.Fetcher, log *zap.Logger) (*Client, error) {
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &Client{mc: mc, bucket: cfg.Bucket, cfg: cfg, fetch: fetch, log: log}, nil
}

// Key returns the object key for one tender's file, per 4.A.
func Key(tenderID, fileName string) string {
	return fmt.Sprintf("tenders/%s/%s", tenderID, fileName)
}

// CanonicalURL returns "{endpoint}/{bucket}/{key}" per 4.A.
func (c *Client) CanonicalURL(key string) string {
	return c.cfg.CanonicalURL(key)
}

// UploadBytes PUTs data under key and returns its canonical URL, or ""
// on any I/O or client failure (logged with context, not propagated
// as a fatal error — matching 4.A's "nil on failure" contract).
func (c *Client) UploadBytes(ctx context.Context, data []byte, fileName, tenderID string) string {
	key := Key(tenderID, fileName)
	contentType := mime.TypeByExtension(filepath.Ext(fileName))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := c.mc.PutObject(ctx, c.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		c.log.Error("object store upload failed", zap.String("key", key), zap.Error(err))
		return ""
	}
	return c.CanonicalURL(key)
}

// UploadFromURL downloads sourceURL (via the HTTP fetcher, including
// its drive-host handshake) and uploads the bytes under fileName/tenderID.
func (c *Client) UploadFromURL(ctx context.Context, sourceURL, fileName, tenderID string) string {
	data, err := c.fetch.Get(ctx, sourceURL)
	if err != nil {
		c.log.Error("object store source fetch failed", zap.String("url", sourceURL), zap.Error(err))
		return ""
	}
	return c.UploadBytes(ctx, data, fileName, tenderID)
}

// Download fetches the bytes stored under key.
func (c *Client) Download(ctx context.Context, key string) ([]byte, error) {
	obj, err := c.mc.GetObject(ctx, c.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	defer obj.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(obj); err != nil {
		return nil, fmt.Errorf("read object %s: %w", key, err)
	}
	return buf.Bytes(), nil
}

// BelongsToStore reports whether rawURL lies under this store's
// configured host, used to decide whether a URL should be served from
// the store or re-fetched over HTTP (4.F step 1, 4.G step 2).
func (c *Client) BelongsToStore(rawURL string) bool {
	return len(rawURL) >= len(c.cfg.Endpoint) && rawURL[:len(c.cfg.Endpoint)] == c.cfg.Endpoint
}
