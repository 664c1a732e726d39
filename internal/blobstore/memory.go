package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
)

// Memory keeps objects in process. Signed URLs carry a counter so a
// re-sign is observable.
type Memory struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	signed  int
}

func NewMemory() *Memory {
	return &Memory{objects: map[string][]byte{}, types: map[string]string{}}
}

func (m *Memory) Provider() string { return "memory" }

func (m *Memory) Put(ctx context.Context, path string, r io.Reader, size int64, contentType string) (Object, error) {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return Object{}, fmt.Errorf("upload %s: %w", path, err)
	}
	m.mu.Lock()
	m.objects[path] = buf.Bytes()
	m.types[path] = contentType
	m.mu.Unlock()
	return Object{Provider: m.Provider(), Path: path, Size: int64(buf.Len()), ContentType: contentType}, nil
}

func (m *Memory) SignedURL(ctx context.Context, path string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[path]; !ok {
		return "", fmt.Errorf("sign %s: object not found", path)
	}
	m.signed++
	return fmt.Sprintf("memory://%s?sig=%d", path, m.signed), nil
}

func (m *Memory) Delete(ctx context.Context, path string) error {
	m.mu.Lock()
	delete(m.objects, path)
	delete(m.types, path)
	m.mu.Unlock()
	return nil
}

// Object returns the stored bytes for path.
func (m *Memory) Object(path string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[path]
	return data, ok
}
