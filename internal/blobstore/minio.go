package blobstore

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type MinIO struct {
	client *minio.Client
	bucket string
	ttl    time.Duration
}

type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	URLTTL    time.Duration
}

// NewMinIO connects to an S3-compatible endpoint and creates the bucket if
// it does not exist yet.
func NewMinIO(ctx context.Context, cfg MinIOConfig) (*MinIO, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}
	return &MinIO{client: client, bucket: cfg.Bucket, ttl: signedTTL(cfg.URLTTL)}, nil
}

func (m *MinIO) Provider() string { return "minio" }

func (m *MinIO) Put(ctx context.Context, path string, r io.Reader, size int64, contentType string) (Object, error) {
	info, err := m.client.PutObject(ctx, m.bucket, path, r, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return Object{}, fmt.Errorf("upload %s: %w", path, err)
	}
	return Object{Provider: m.Provider(), Path: path, Size: info.Size, ContentType: contentType}, nil
}

func (m *MinIO) SignedURL(ctx context.Context, path string) (string, error) {
	u, err := m.client.PresignedGetObject(ctx, m.bucket, path, m.ttl, url.Values{})
	if err != nil {
		return "", fmt.Errorf("sign %s: %w", path, err)
	}
	return u.String(), nil
}

func (m *MinIO) Delete(ctx context.Context, path string) error {
	if err := m.client.RemoveObject(ctx, m.bucket, path, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

// signedTTL clamps to the seven-day ceiling of V4 signatures.
func signedTTL(ttl time.Duration) time.Duration {
	const maxTTL = 7 * 24 * time.Hour
	if ttl <= 0 || ttl > maxTTL {
		return maxTTL
	}
	return ttl
}
