package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
)

// GCS stores objects in a Cloud Storage bucket, typically the Firebase
// project's default bucket.
type GCS struct {
	bucket *storage.BucketHandle
	ttl    time.Duration
}

func NewGCS(bucket *storage.BucketHandle, urlTTL time.Duration) *GCS {
	return &GCS{bucket: bucket, ttl: signedTTL(urlTTL)}
}

func (g *GCS) Provider() string { return "gcs" }

func (g *GCS) Put(ctx context.Context, path string, r io.Reader, size int64, contentType string) (Object, error) {
	w := g.bucket.Object(path).NewWriter(ctx)
	w.ContentType = contentType
	written, err := io.Copy(w, r)
	if err != nil {
		_ = w.Close()
		return Object{}, fmt.Errorf("upload %s: %w", path, err)
	}
	if err := w.Close(); err != nil {
		return Object{}, fmt.Errorf("finalize %s: %w", path, err)
	}
	return Object{Provider: g.Provider(), Path: path, Size: written, ContentType: contentType}, nil
}

func (g *GCS) SignedURL(ctx context.Context, path string) (string, error) {
	signed, err := g.bucket.SignedURL(path, &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  http.MethodGet,
		Expires: time.Now().Add(g.ttl),
	})
	if err != nil {
		return "", fmt.Errorf("sign %s: %w", path, err)
	}
	return signed, nil
}

func (g *GCS) Delete(ctx context.Context, path string) error {
	err := g.bucket.Object(path).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}
