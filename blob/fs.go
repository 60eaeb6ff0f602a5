package blob

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/ternmail/tern/consts"
)

// FSBackend stores blobs as files under a root directory, sharded by the
// first two hash byte pairs to keep directory fan-out bounded:
//
//	<root>/ab/cd/abcd1234...
type FSBackend struct {
	root string
}

// NewFS builds a filesystem backend rooted at path, creating it if needed.
func NewFS(path string) (*FSBackend, error) {
	if err := os.MkdirAll(path, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create blob directory %s: %w", path, err)
	}
	return &FSBackend{root: path}, nil
}

func (b *FSBackend) Name() string {
	return "fs"
}

func (b *FSBackend) path(hash string) (string, error) {
	if len(hash) < 4 {
		return "", fmt.Errorf("%w: invalid blob hash %q", consts.ErrBlobNotFound, hash)
	}
	return filepath.Join(b.root, hash[:2], hash[2:4], hash), nil
}

// Put writes via a temp file and rename so a crashed write never leaves a
// readable partial blob at the content address.
func (b *FSBackend) Put(ctx context.Context, hash string, data []byte) error {
	target, err := b.path(hash)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), "."+hash+".tmp*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), target)
}

func (b *FSBackend) Get(ctx context.Context, hash string) ([]byte, error) {
	target, err := b.path(hash)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(target)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", consts.ErrBlobNotFound, hash)
	}
	return data, err
}

func (b *FSBackend) Delete(ctx context.Context, hash string) error {
	target, err := b.path(hash)
	if err != nil {
		return err
	}
	err = os.Remove(target)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (b *FSBackend) Exists(ctx context.Context, hash string) (bool, error) {
	target, err := b.path(hash)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(target)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}
