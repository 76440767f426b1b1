package blob

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
)

// LocalStore keeps blobs as files under a base directory.
type LocalStore struct {
	basePath string
}

// NewLocalStore creates the base directory if needed.
func NewLocalStore(basePath string) (*LocalStore, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, eris.Wrapf(err, "blob: create base dir %s", basePath)
	}
	return &LocalStore{basePath: basePath}, nil
}

func (s *LocalStore) fullPath(p string) (string, error) {
	c, err := cleanPath(p)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.basePath, filepath.FromSlash(c)), nil
}

// Put writes body to a temp file and renames it into place, so readers never
// observe a partial object.
func (s *LocalStore) Put(_ context.Context, p string, body io.Reader, _ string) error {
	full, err := s.fullPath(p)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return eris.Wrapf(err, "blob: create dir for %s", p)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".upload-*")
	if err != nil {
		return eris.Wrapf(err, "blob: create temp for %s", p)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if _, err := io.Copy(tmp, body); err != nil {
		_ = tmp.Close()
		return eris.Wrapf(err, "blob: write %s", p)
	}
	if err := tmp.Close(); err != nil {
		return eris.Wrapf(err, "blob: close %s", p)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		return eris.Wrapf(err, "blob: rename into %s", p)
	}
	return nil
}

// Get opens the object for reading.
func (s *LocalStore) Get(_ context.Context, p string) (io.ReadCloser, error) {
	full, err := s.fullPath(p)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, eris.Wrapf(ErrNotFound, "blob: %s", p)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "blob: open %s", p)
	}
	return f, nil
}

// Delete removes the object. Deleting a missing object is not an error.
func (s *LocalStore) Delete(_ context.Context, p string) error {
	full, err := s.fullPath(p)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return eris.Wrapf(err, "blob: delete %s", p)
	}
	return nil
}
