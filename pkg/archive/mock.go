package archive

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MockArchive provides an in-memory archive for local development and tests
type MockArchive struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMockArchive creates an empty in-memory archive
func NewMockArchive() *MockArchive {
	return &MockArchive{
		objects: make(map[string][]byte),
	}
}

// Put stores one payload under key
func (m *MockArchive) Put(ctx context.Context, key string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	buf := make([]byte, len(payload))
	copy(buf, payload)
	m.objects[key] = buf
	return nil
}

// List returns the keys under prefix, lexically ordered
func (m *MockArchive) List(ctx context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Get retrieves one payload by key
func (m *MockArchive) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	payload, ok := m.objects[key]
	if !ok {
		return nil, &ErrNotFound{Key: key}
	}
	out := make([]byte, len(payload))
	copy(out, payload)
	return out, nil
}

// Ping checks if the archive backend is available
func (m *MockArchive) Ping(ctx context.Context) error {
	return nil
}
