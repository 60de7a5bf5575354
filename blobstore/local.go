package blobstore

import (
	"context"
	"errors"
	"io"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/hupe1980/shardblob/internal/fs"
)

const tmpSuffix = ".tmp"

// LocalStore implements BlobStore using the local file system. Blob names
// are slash-separated paths relative to the root directory.
type LocalStore struct {
	root string
	fsys fs.FileSystem
}

// LocalOption configures a LocalStore.
type LocalOption func(*LocalStore)

// WithFileSystem sets the file system used by the store.
func WithFileSystem(fsys fs.FileSystem) LocalOption {
	return func(s *LocalStore) { s.fsys = fsys }
}

// NewLocalStore creates a new LocalStore rooted at the given directory.
func NewLocalStore(root string, optFns ...LocalOption) *LocalStore {
	s := &LocalStore{root: root, fsys: fs.Default}
	for _, fn := range optFns {
		fn(s)
	}
	return s
}

func (s *LocalStore) path(name string) string {
	return filepath.Join(s.root, filepath.FromSlash(name))
}

// Open opens a blob for reading.
func (s *LocalStore) Open(_ context.Context, name string) (Blob, error) {
	f, err := s.fsys.OpenFile(s.path(name), os.O_RDONLY, 0)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &localBlob{f: f, size: st.Size()}, nil
}

// Put writes data to a temporary file, fsyncs it and renames it into place.
func (s *LocalStore) Put(_ context.Context, name string, data []byte) error {
	final := s.path(name)
	dir := filepath.Dir(final)
	if err := s.fsys.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp := final + tmpSuffix
	f, err := s.fsys.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = s.fsys.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = s.fsys.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = s.fsys.Remove(tmp)
		return err
	}
	if err := s.fsys.Rename(tmp, final); err != nil {
		_ = s.fsys.Remove(tmp)
		return err
	}
	return fs.SyncDir(s.fsys, dir)
}

// Delete removes a blob.
func (s *LocalStore) Delete(_ context.Context, name string) error {
	err := s.fsys.Remove(s.path(name))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// List returns all blobs matching the prefix. Unfinished temporary files
// are skipped.
func (s *LocalStore) List(_ context.Context, prefix string) ([]string, error) {
	var names []string
	var walk func(rel string) error
	walk = func(rel string) error {
		entries, err := s.fsys.ReadDir(s.path(rel))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		for _, e := range entries {
			name := path.Join(rel, e.Name())
			if e.IsDir() {
				if err := walk(name); err != nil {
					return err
				}
				continue
			}
			if strings.HasSuffix(name, tmpSuffix) || !strings.HasPrefix(name, prefix) {
				continue
			}
			names = append(names, name)
		}
		return nil
	}
	if err := walk(""); err != nil {
		return nil, err
	}
	slices.Sort(names)
	return names, nil
}

type localBlob struct {
	f    fs.File
	size int64
}

func (b *localBlob) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if off < 0 || off >= b.size {
		return 0, io.EOF
	}
	return b.f.ReadAt(p, off)
}

func (b *localBlob) ReadRange(_ context.Context, off, length int64) (io.ReadCloser, error) {
	return io.NopCloser(io.NewSectionReader(b.f, off, length)), nil
}

func (b *localBlob) Close() error {
	return b.f.Close()
}

func (b *localBlob) Size() int64 {
	return b.size
}
