package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/helix-tools/dataroom/apperr"
)

const memoryScheme = "mem://"

// Memory is an in-process Store.
type Memory struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemory returns an empty in-process store.
func NewMemory() *Memory {
	return &Memory{objects: make(map[string][]byte)}
}

func (m *Memory) Put(ctx context.Context, key string, r io.Reader, length int64, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("failed to read object body: %w", err)
	}
	if length >= 0 && int64(len(data)) != length {
		return "", fmt.Errorf("object length mismatch: got %d, want %d", len(data), length)
	}

	m.mu.Lock()
	m.objects[key] = data
	m.mu.Unlock()

	return memoryScheme + key, nil
}

func (m *Memory) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.objects[key]
	if !ok {
		return nil, apperr.Newf(apperr.NotFound, "object %s not found", key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *Memory) Locate(url string) (string, error) {
	if !strings.HasPrefix(url, memoryScheme) {
		return "", fmt.Errorf("not an in-memory object URL: %s", url)
	}
	return strings.TrimPrefix(url, memoryScheme), nil
}
