// Package blobstore uploads large picks to object storage and hands out
// time-limited signed URLs for them.
package blobstore

import (
	"context"
	"errors"
	"io"
)

var ErrDisabled = errors.New("blob storage is not configured")

type Object struct {
	Provider    string
	Path        string
	Size        int64
	ContentType string
}

type Store interface {
	Provider() string
	Put(ctx context.Context, path string, r io.Reader, size int64, contentType string) (Object, error)
	SignedURL(ctx context.Context, path string) (string, error)
	Delete(ctx context.Context, path string) error
}

// Disabled rejects every operation with ErrDisabled.
type Disabled struct{}

func (Disabled) Provider() string { return "" }

func (Disabled) Put(context.Context, string, io.Reader, int64, string) (Object, error) {
	return Object{}, ErrDisabled
}

func (Disabled) SignedURL(context.Context, string) (string, error) { return "", ErrDisabled }

func (Disabled) Delete(context.Context, string) error { return ErrDisabled }
