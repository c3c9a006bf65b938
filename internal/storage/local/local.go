// Package local stores artifacts on the local filesystem through an
// afero.Fs, which lets tests run against an in-memory filesystem.
package local

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/wharfdev/wharf/internal/domain"
	"github.com/wharfdev/wharf/internal/storage"
)

const copyChunkSize = 32 * 1024

type Backend struct {
	fs       afero.Fs
	basePath string
}

func New(basePath string) (*Backend, error) {
	return NewWithFs(afero.NewOsFs(), basePath)
}

func NewWithFs(fs afero.Fs, basePath string) (*Backend, error) {
	if err := fs.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &Backend{fs: fs, basePath: basePath}, nil
}

// Store writes the artifact under the path key, hashing the stream in
// fixed-size chunks as it goes. The partial file is removed on write
// failure.
func (b *Backend) Store(_ context.Context, key string, r io.Reader) (string, int64, error) {
	full := filepath.Join(b.basePath, filepath.FromSlash(key))
	if err := b.fs.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", 0, fmt.Errorf("create artifact dir: %w", err)
	}

	f, err := b.fs.Create(full)
	if err != nil {
		return "", 0, fmt.Errorf("create artifact: %w", err)
	}

	hasher := sha256.New()
	n, err := io.CopyBuffer(io.MultiWriter(f, hasher), r, make([]byte, copyChunkSize))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		b.fs.Remove(full)
		return "", 0, fmt.Errorf("write artifact: %w", err)
	}

	return hex.EncodeToString(hasher.Sum(nil)), n, nil
}

// Retrieve opens the artifact for direct streaming. The returned handle
// is seekable so the transport layer can serve byte ranges.
func (b *Backend) Retrieve(_ context.Context, key, _ string) (*storage.Location, error) {
	full := filepath.Join(b.basePath, filepath.FromSlash(key))

	info, err := b.fs.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("artifact %s: %w", key, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("stat artifact: %w", err)
	}

	f, err := b.fs.Open(full)
	if err != nil {
		return nil, fmt.Errorf("open artifact: %w", err)
	}

	return &storage.Location{File: f, ModTime: info.ModTime()}, nil
}

func (b *Backend) Delete(_ context.Context, key string) error {
	full := filepath.Join(b.basePath, filepath.FromSlash(key))
	if err := b.fs.Remove(full); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete artifact: %w", err)
	}
	return nil
}

func (b *Backend) PresignUpload(_ context.Context, _, _ string) (string, error) {
	return "", domain.ErrPresignUnsupported
}
