// Package artifact persists run output and workspace snapshots to an object
// store.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
)

// ErrNotFound is returned by Get for unknown keys.
var ErrNotFound = errors.New("artifact not found")

// Store is the object store collaborator. Put returns an address the object
// can be retrieved from.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Get(ctx context.Context, key string) ([]byte, string, error)
}

// FileStore is implemented by stores that can upload straight from an open
// file instead of a byte slice.
type FileStore interface {
	PutFile(ctx context.Context, key string, f *os.File, contentType string) (string, error)
}

type object struct {
	data        []byte
	contentType string
}

// MemoryStore keeps objects in process memory. It backs local runs without
// cloud credentials and tests.
type MemoryStore struct {
	BaseURL string

	mu      sync.RWMutex
	objects map[string]object
}

// NewMemoryStore creates an empty MemoryStore whose URLs start with baseURL.
func NewMemoryStore(baseURL string) *MemoryStore {
	if baseURL == "" {
		baseURL = "memory://"
	}
	return &MemoryStore{BaseURL: baseURL, objects: make(map[string]object)}
}

func (m *MemoryStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	buf := make([]byte, len(data))
	copy(buf, data)

	m.mu.Lock()
	m.objects[key] = object{data: buf, contentType: contentType}
	m.mu.Unlock()

	return m.BaseURL + key, nil
}

func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return obj.data, obj.contentType, nil
}

// Len returns the number of stored objects.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
