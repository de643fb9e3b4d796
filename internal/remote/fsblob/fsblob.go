// Package fsblob provides a filesystem-backed remote.BlobStore using atomic
// temp-file-plus-rename writes.
//
// The filesystem is an afero.Fs so the same code runs against the OS in
// production and against an in-memory filesystem in tests.
package fsblob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/afero"

	"github.com/roach88/docsync/internal/remote"
)

// Store implements remote.BlobStore on an afero filesystem.
// Each path maps to one file directly under root.
type Store struct {
	fs   afero.Fs
	root string
	mu   sync.Mutex
}

// New creates a blob store rooted at dir on the OS filesystem.
// The directory is created if it does not exist.
func New(dir string) (*Store, error) {
	return NewWithFs(afero.NewOsFs(), dir)
}

// NewWithFs creates a blob store rooted at dir on fs.
func NewWithFs(fs afero.Fs, dir string) (*Store, error) {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &Store{fs: fs, root: dir}, nil
}

func (s *Store) file(path string) (string, error) {
	if path == "" || strings.ContainsAny(path, `/\`) || path == "." || path == ".." || strings.HasPrefix(path, ".") {
		return "", fmt.Errorf("blob path %q: %w", path, remote.ErrCorrupt)
	}
	return filepath.Join(s.root, path), nil
}

// Put stores data at path. Identical bytes are a no-op; different bytes at an
// existing path return remote.ErrConflict.
func (s *Store) Put(ctx context.Context, path string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := s.file(path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := afero.ReadFile(s.fs, p)
	switch {
	case err == nil:
		if bytes.Equal(existing, data) {
			return nil
		}
		return fmt.Errorf("put %s: %w", path, remote.ErrConflict)
	case !errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("put %s: %w", path, err)
	}

	tmp, err := afero.TempFile(s.fs, s.root, ".blob-*.tmp")
	if err != nil {
		return fmt.Errorf("put %s: create temp: %w", path, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		s.fs.Remove(tmpName)
		return fmt.Errorf("put %s: write: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		s.fs.Remove(tmpName)
		return fmt.Errorf("put %s: close: %w", path, err)
	}
	if err := s.fs.Rename(tmpName, p); err != nil {
		s.fs.Remove(tmpName)
		return fmt.Errorf("put %s: rename: %w", path, err)
	}
	return nil
}

// Get returns the bytes stored at path.
func (s *Store) Get(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := s.file(path)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := afero.ReadFile(s.fs, p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("get %s: %w", path, remote.ErrNotFound)
		}
		return nil, fmt.Errorf("get %s: %w", path, err)
	}
	return data, nil
}

// Delete removes path; a missing path is not an error.
func (s *Store) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := s.file(path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fs.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	return nil
}

// Paths lists stored blob paths, skipping in-flight temp files.
func (s *Store) Paths() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := afero.ReadDir(s.fs, s.root)
	if err != nil {
		return nil, fmt.Errorf("list blobs: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		out = append(out, e.Name())
	}
	return out, nil
}
