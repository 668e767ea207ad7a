package preview

import (
	"context"
	"sync"
)

// MemoryBackend keeps payloads in process memory.
type MemoryBackend struct {
	mu     sync.RWMutex
	images map[string]Image
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{images: make(map[string]Image)}
}

func (m *MemoryBackend) Save(_ context.Context, key string, img Image) error {
	data := append([]byte(nil), img.Data...)
	m.mu.Lock()
	m.images[key] = Image{ContentType: img.ContentType, Data: data}
	m.mu.Unlock()
	return nil
}

func (m *MemoryBackend) Load(_ context.Context, key string) (Image, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	img, ok := m.images[key]
	if !ok {
		return Image{}, ErrNotFound
	}
	return img, nil
}

func (m *MemoryBackend) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.images, key)
	m.mu.Unlock()
	return nil
}

// Len returns the number of stored payloads.
func (m *MemoryBackend) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.images)
}
