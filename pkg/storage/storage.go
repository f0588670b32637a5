// Package storage provides the artifact store used by the pipeline for
// boundary archives, imagery, metadata documents, and offloaded payloads.
// The store is a thin abstraction over a blob-shaped namespace; the default
// implementation is backed by an afero filesystem so tests can run fully
// in memory.
package storage

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/afero"
)

// ArtifactRef points to a stored artifact.
type ArtifactRef struct {
	// Path is the full path within the store.
	Path string `json:"path"`

	// SizeBytes is the stored size in bytes.
	SizeBytes int64 `json:"size_bytes"`

	// ContentType is the MIME content type (e.g. "image/tiff").
	ContentType string `json:"content_type,omitempty"`
}

// Store is the artifact storage contract. Writes overwrite existing objects
// at the same path; combined with deterministic path construction this is
// what makes re-runs idempotent rather than duplicative.
type Store interface {
	// Write streams r to path, replacing any existing object.
	Write(ctx context.Context, path string, r io.Reader, contentType string) (ArtifactRef, error)

	// Open returns a reader for the object at path.
	Open(ctx context.Context, path string) (io.ReadCloser, error)

	// Exists reports whether an object exists at path.
	Exists(ctx context.Context, path string) (bool, error)
}

// FSStore implements Store on top of an afero filesystem rooted at a base
// directory.
type FSStore struct {
	fs   afero.Fs
	root string
}

// NewFSStore creates a store rooted at root on the given filesystem.
func NewFSStore(fs afero.Fs, root string) *FSStore {
	return &FSStore{fs: fs, root: root}
}

// NewOSStore creates a store backed by the local filesystem.
func NewOSStore(root string) *FSStore {
	return NewFSStore(afero.NewOsFs(), root)
}

// NewMemStore creates an in-memory store for tests.
func NewMemStore() *FSStore {
	return NewFSStore(afero.NewMemMapFs(), "")
}

func (s *FSStore) fullPath(path string) string {
	return filepath.Join(s.root, filepath.FromSlash(path))
}

// Write streams r to path, creating parent directories as needed.
func (s *FSStore) Write(ctx context.Context, path string, r io.Reader, contentType string) (ArtifactRef, error) {
	if err := ctx.Err(); err != nil {
		return ArtifactRef{}, err
	}

	full := s.fullPath(path)
	if err := s.fs.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return ArtifactRef{}, fmt.Errorf("create artifact directory: %w", err)
	}

	f, err := s.fs.Create(full)
	if err != nil {
		return ArtifactRef{}, fmt.Errorf("create artifact %s: %w", path, err)
	}

	n, err := io.Copy(f, r)
	if err != nil {
		_ = f.Close()
		return ArtifactRef{}, fmt.Errorf("write artifact %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return ArtifactRef{}, fmt.Errorf("close artifact %s: %w", path, err)
	}

	return ArtifactRef{Path: path, SizeBytes: n, ContentType: contentType}, nil
}

// Open returns a reader for the object at path.
func (s *FSStore) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := s.fs.Open(s.fullPath(path))
	if err != nil {
		return nil, fmt.Errorf("open artifact %s: %w", path, err)
	}
	return f, nil
}

// Exists reports whether an object exists at path.
func (s *FSStore) Exists(ctx context.Context, path string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	ok, err := afero.Exists(s.fs, s.fullPath(path))
	if err != nil {
		return false, fmt.Errorf("stat artifact %s: %w", path, err)
	}
	return ok, nil
}
