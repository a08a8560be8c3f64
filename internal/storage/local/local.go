// Package local provides the filesystem media backend. It is always
// available and serves as the last entry of the priority list.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/fruitsalade/mediastore/internal/logging"
	"github.com/fruitsalade/mediastore/internal/storage"
)

// metaSuffix names the file that stores an object's content type.
const metaSuffix = ".meta"

// Config holds local filesystem backend settings.
type Config struct {
	Dir string
}

// Backend implements storage.Backend and storage.Opener on a directory.
type Backend struct {
	dir string

	mu      sync.Mutex
	created bool
}

// New creates a local backend rooted at cfg.Dir. The directory is created on
// first use, not here.
func New(cfg Config) (*Backend, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("local media dir is required")
	}
	return &Backend{dir: cfg.Dir}, nil
}

// Name returns "local".
func (b *Backend) Name() string { return storage.BackendLocal }

// IsAvailable always reports true.
func (b *Backend) IsAvailable() bool { return true }

// Dir returns the root directory.
func (b *Backend) Dir() string { return b.dir }

func (b *Backend) ensureDir() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.created {
		return nil
	}
	if err := os.MkdirAll(b.dir, 0755); err != nil {
		return fmt.Errorf("create media dir %s: %w", b.dir, err)
	}
	b.created = true
	logging.Debug("local media dir ready", zap.String("dir", b.dir))
	return nil
}

func (b *Backend) path(name string) string {
	return filepath.Join(b.dir, name)
}

// Upload writes obj atomically to {dir}/{name} and returns the proxy URL.
func (b *Backend) Upload(_ context.Context, obj storage.Object) (string, error) {
	if err := storage.ValidateName(obj.Name); err != nil {
		return "", err
	}
	if err := b.ensureDir(); err != nil {
		return "", fmt.Errorf("%w: %v", storage.ErrTransport, err)
	}

	if err := writeAtomic(b.dir, b.path(obj.Name), obj.Data); err != nil {
		return "", fmt.Errorf("%w: write %s: %v", storage.ErrTransport, obj.Name, err)
	}
	if obj.ContentType != "" {
		// The body is already in place; a lost content type only degrades
		// to extension sniffing on read.
		if err := os.WriteFile(b.path(obj.Name)+metaSuffix, []byte(obj.ContentType), 0644); err != nil {
			logging.Warn("write content type failed", zap.String("name", obj.Name), zap.Error(err))
		}
	}
	return storage.ProxyURL(obj.Name), nil
}

// writeAtomic writes to a temp file in dir then renames it over path.
func writeAtomic(dir, path string, data []byte) error {
	tmp, err := os.CreateTemp(dir, ".mediastore-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp: %w", err)
	}
	return nil
}

// Delete removes the file and its content type record. Missing files are
// not an error.
func (b *Backend) Delete(_ context.Context, name string) error {
	if err := storage.ValidateName(name); err != nil {
		return err
	}
	for _, p := range []string{b.path(name), b.path(name) + metaSuffix} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: delete %s: %v", storage.ErrTransport, name, err)
		}
	}
	return nil
}

// Open returns the file and its recorded content type, falling back to the
// extension when none was recorded.
func (b *Backend) Open(_ context.Context, name string) (io.ReadCloser, string, error) {
	if err := storage.ValidateName(name); err != nil {
		return nil, "", err
	}
	f, err := os.Open(b.path(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, "", storage.ErrNotFound
		}
		return nil, "", fmt.Errorf("open %s: %w", name, err)
	}
	return f, b.contentType(name), nil
}

func (b *Backend) contentType(name string) string {
	if raw, err := os.ReadFile(b.path(name) + metaSuffix); err == nil {
		if ct := strings.TrimSpace(string(raw)); ct != "" {
			return ct
		}
	}
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
