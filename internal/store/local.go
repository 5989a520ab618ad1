package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/aweris/cafsd/internal/compression"
	"github.com/aweris/cafsd/internal/model"
)

// LocalStore implements Backend on an afero filesystem.
//
// Storage layout:
//
//	<root>/<namespace>/
//	  objects/
//	    ab/cd123...  (content-addressed objects, compressed)
//	  tmp/           (staging area, renamed into objects/ on commit)
type LocalStore struct {
	fs         afero.Fs
	compressor *compression.Compressor
}

// NewLocalStore roots a store at dir on the OS filesystem.
func NewLocalStore(dir string, compressor *compression.Compressor) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	return NewFsStore(afero.NewBasePathFs(afero.NewOsFs(), dir), compressor), nil
}

// NewMemoryStore keeps blobs in memory. Intended for tests and development.
func NewMemoryStore(compressor *compression.Compressor) *LocalStore {
	return NewFsStore(afero.NewMemMapFs(), compressor)
}

// NewFsStore uses an arbitrary afero filesystem.
func NewFsStore(fs afero.Fs, compressor *compression.Compressor) *LocalStore {
	return &LocalStore{fs: fs, compressor: compressor}
}

func (s *LocalStore) String() string { return "local:" + s.fs.Name() }

// Get retrieves an object by hash.
func (s *LocalStore) Get(ctx context.Context, ns model.NamespaceID, id model.BlobID) (io.ReadCloser, int64, error) {
	stored, err := afero.ReadFile(s.fs, s.objectPath(ns, id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, 0, fmt.Errorf("%w: %s/%s", model.ErrBlobNotFound, ns, id)
		}
		return nil, 0, fmt.Errorf("failed to read object: %w", err)
	}

	data, err := s.compressor.Decode(stored)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to decompress object %s: %w", id, err)
	}
	return newBytesReadCloser(data), int64(len(data)), nil
}

// Put stores an object. Objects are staged in tmp/ and renamed so readers
// never observe a partial file.
func (s *LocalStore) Put(ctx context.Context, ns model.NamespaceID, id model.BlobID, data []byte) error {
	path := s.objectPath(ns, id)
	if _, err := s.fs.Stat(path); err == nil {
		return nil
	}

	if err := s.fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	tmpDir := filepath.Join(string(ns), "tmp")
	if err := s.fs.MkdirAll(tmpDir, 0755); err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}

	tmp := filepath.Join(tmpDir, string(id)+"."+uuid.NewString())
	if err := afero.WriteFile(s.fs, tmp, s.compressor.Encode(data), 0644); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("failed to write object: %w", err)
	}
	if err := s.fs.Rename(tmp, path); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("failed to commit object: %w", err)
	}
	return nil
}

// Has checks if an object exists.
func (s *LocalStore) Has(ctx context.Context, ns model.NamespaceID, id model.BlobID) (bool, error) {
	_, err := s.fs.Stat(s.objectPath(ns, id))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func (s *LocalStore) Delete(ctx context.Context, ns model.NamespaceID, id model.BlobID) error {
	if err := s.fs.Remove(s.objectPath(ns, id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing %s: %w", id, err)
	}
	return nil
}

func (s *LocalStore) DeleteNamespace(ctx context.Context, ns model.NamespaceID) error {
	if _, err := model.ParseNamespace(string(ns)); err != nil {
		return err
	}
	if err := s.fs.RemoveAll(string(ns)); err != nil {
		return fmt.Errorf("removing namespace %s: %w", ns, err)
	}
	return nil
}

// objectPath returns the path for an object hash.
// Git-style sharding: <ns>/objects/ab/cd123...
func (s *LocalStore) objectPath(ns model.NamespaceID, id model.BlobID) string {
	hash := string(id)
	if len(hash) < 2 {
		return filepath.Join(string(ns), "objects", hash)
	}
	return filepath.Join(string(ns), "objects", hash[:2], hash[2:])
}
