// Package preview manages preview handles: opaque references to an uploaded
// image that the presentation layer can display. A handle is a scoped
// resource. Every Create must eventually be paired with a Release.
package preview

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/snapclassify/internal/logging"
	"github.com/example/snapclassify/internal/upload"
)

// ErrNotFound is returned for unknown or released handles.
var ErrNotFound = errors.New("preview not found")

// Handle identifies one live preview.
type Handle string

// Image is the stored preview payload.
type Image struct {
	ContentType string `msgpack:"content_type"`
	Data        []byte `msgpack:"data"`
}

// Backend persists preview payloads by key.
type Backend interface {
	Save(ctx context.Context, key string, img Image) error
	Load(ctx context.Context, key string) (Image, error)
	Remove(ctx context.Context, key string) error
}

// Store hands out handles and tracks which of them are still live.
type Store struct {
	backend Backend
	logger  *zap.Logger

	mu   sync.Mutex
	live map[Handle]struct{}
}

// NewStore wraps backend with handle bookkeeping.
func NewStore(backend Backend, logger *zap.Logger) *Store {
	return &Store{
		backend: backend,
		logger:  logger.Named("preview_store"),
		live:    make(map[Handle]struct{}),
	}
}

// Create stores the file's bytes and returns a new live handle.
func (s *Store) Create(ctx context.Context, file upload.File) (Handle, error) {
	h := Handle(uuid.NewString())
	img := Image{ContentType: file.ContentType, Data: file.Data}
	if err := s.backend.Save(ctx, string(h), img); err != nil {
		return "", logging.NewOperationError("preview.create", "", err)
	}

	s.mu.Lock()
	s.live[h] = struct{}{}
	s.mu.Unlock()
	return h, nil
}

// Release retires h. Releasing an empty, unknown or already released handle
// is a no-op. The handle is dead once Release returns even if the backend
// fails to drop the payload.
func (s *Store) Release(ctx context.Context, h Handle) error {
	if h == "" {
		return nil
	}
	s.mu.Lock()
	_, ok := s.live[h]
	delete(s.live, h)
	s.mu.Unlock()
	if !ok {
		return nil
	}

	if err := s.backend.Remove(ctx, string(h)); err != nil {
		wrapped := logging.NewOperationError("preview.release", "", err)
		s.logger.Warn("failed to remove preview payload", zap.String("handle", string(h)), zap.Error(wrapped))
		return wrapped
	}
	return nil
}

// Open returns the payload behind a live handle.
func (s *Store) Open(ctx context.Context, h Handle) (Image, error) {
	if !s.IsLive(h) {
		return Image{}, ErrNotFound
	}
	img, err := s.backend.Load(ctx, string(h))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Image{}, ErrNotFound
		}
		return Image{}, logging.NewOperationError("preview.open", "", err)
	}
	return img, nil
}

// IsLive reports whether h has been created and not yet released.
func (s *Store) IsLive(h Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.live[h]
	return ok
}

// Live returns the number of live handles.
func (s *Store) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}
