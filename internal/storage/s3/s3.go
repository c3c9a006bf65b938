// Package s3 stores artifacts in S3-compatible object storage. Downloads
// and uploads are handed off to the client through presigned URLs, so the
// server never proxies object bytes. A hash is only available on the
// direct Store path; artifacts uploaded through a presigned URL bypass
// the server entirely.
package s3

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/wharfdev/wharf/internal/storage"
)

type Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
	// PresignExpiry bounds both upload and download URLs; stale URLs are
	// rejected by the object store, not by this service.
	PresignExpiry time.Duration
}

type Backend struct {
	client *minio.Client
	bucket string
	expiry time.Duration
}

func New(cfg Config) (*Backend, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init s3 client: %w", err)
	}

	expiry := cfg.PresignExpiry
	if expiry <= 0 {
		expiry = time.Hour
	}

	return &Backend{client: client, bucket: cfg.Bucket, expiry: expiry}, nil
}

// Store uploads through the server, hashing the stream on the way in.
func (b *Backend) Store(ctx context.Context, key string, r io.Reader) (string, int64, error) {
	hasher := sha256.New()
	info, err := b.client.PutObject(ctx, b.bucket, key, io.TeeReader(r, hasher), -1,
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return "", 0, fmt.Errorf("put object %s: %w", key, err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), info.Size, nil
}

// Retrieve returns a presigned download URL forcing attachment semantics
// with the original filename.
func (b *Backend) Retrieve(ctx context.Context, key, fileName string) (*storage.Location, error) {
	params := make(url.Values)
	params.Set("response-content-disposition", fmt.Sprintf(`attachment; filename="%s"`, fileName))

	u, err := b.client.PresignedGetObject(ctx, b.bucket, key, b.expiry, params)
	if err != nil {
		return nil, fmt.Errorf("presign download %s: %w", key, err)
	}
	return &storage.Location{URL: u.String()}, nil
}

func (b *Backend) Delete(ctx context.Context, key string) error {
	// RemoveObject on a missing key is a no-op in S3 semantics.
	if err := b.client.RemoveObject(ctx, b.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove object %s: %w", key, err)
	}
	return nil
}

// PresignUpload issues a short-lived PUT URL scoped to the exact key and
// declared content type; the client uploads directly to the bucket.
func (b *Backend) PresignUpload(ctx context.Context, key, contentType string) (string, error) {
	headers := http.Header{}
	if contentType != "" {
		headers.Set("Content-Type", contentType)
	}

	u, err := b.client.PresignHeader(ctx, http.MethodPut, b.bucket, key, b.expiry, url.Values{}, headers)
	if err != nil {
		return "", fmt.Errorf("presign upload %s: %w", key, err)
	}
	return u.String(), nil
}
