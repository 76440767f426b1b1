package blob

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/rotisserie/eris"
)

// MemoryStore keeps blobs in memory. Used by tests and single-process demos.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

func (s *MemoryStore) Put(_ context.Context, p string, body io.Reader, _ string) error {
	c, err := cleanPath(p)
	if err != nil {
		return err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return eris.Wrapf(err, "blob: read body for %s", p)
	}
	s.mu.Lock()
	s.objects[c] = data
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, p string) (io.ReadCloser, error) {
	c, err := cleanPath(p)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	data, ok := s.objects[c]
	s.mu.RUnlock()
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "blob: %s", p)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *MemoryStore) Delete(_ context.Context, p string) error {
	c, err := cleanPath(p)
	if err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.objects, c)
	s.mu.Unlock()
	return nil
}

// Len returns the number of stored objects.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
