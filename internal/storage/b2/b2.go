// Package b2 implements the Backblaze B2 media backend on the native B2 API.
//
// The backend is available only when the key id, key, bucket name and bucket
// id are all configured. An account session is authorized on first use and
// reused until B2 rejects it; upload URLs are requested for every upload.
//
// Upload returns one of three URL shapes, selected by Config.URLMode:
//
//	URLModeSigned     {downloadUrl}/file/{bucket}/{name}?Authorization={token},
//	                  falling back to the B2 proxy path when the download
//	                  authorization cannot be obtained
//	URLModeProxy      /api/media/b2/{name}, streamed by the media API
//	URLModeCanonical  /api/media/{name}, resolved through provenance
package b2

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/mediastore/internal/logging"
	"github.com/fruitsalade/mediastore/internal/metrics"
	"github.com/fruitsalade/mediastore/internal/storage"
)

// URLMode selects how Upload builds the URL it returns.
type URLMode string

const (
	URLModeSigned    URLMode = "signed"
	URLModeProxy     URLMode = "proxy"
	URLModeCanonical URLMode = "canonical"
)

// ParseURLMode maps a config value to a URLMode, defaulting to signed.
func ParseURLMode(s string) (URLMode, error) {
	switch URLMode(s) {
	case "", URLModeSigned:
		return URLModeSigned, nil
	case URLModeProxy, URLModeCanonical:
		return URLMode(s), nil
	default:
		return "", fmt.Errorf("unknown B2 URL mode %q", s)
	}
}

// Config holds B2 backend settings.
type Config struct {
	KeyID      string
	Key        string
	BucketName string
	BucketID   string

	// APIURL is the authorization endpoint base, normally
	// https://api.backblazeb2.com.
	APIURL string

	// DownloadAuthTTL bounds signed download URLs.
	DownloadAuthTTL time.Duration

	URLMode    URLMode
	Timeout    time.Duration
	MaxRetries int
}

// Backend implements storage.Backend and storage.Opener for B2.
type Backend struct {
	cfg    Config
	client *client
}

// New creates a B2 backend. It performs no I/O; a backend missing any
// credential reports itself unavailable.
func New(cfg Config) *Backend {
	if cfg.APIURL == "" {
		cfg.APIURL = "https://api.backblazeb2.com"
	}
	if cfg.DownloadAuthTTL <= 0 {
		cfg.DownloadAuthTTL = 24 * time.Hour
	}
	if cfg.URLMode == "" {
		cfg.URLMode = URLModeSigned
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Backend{cfg: cfg, client: newClient(cfg)}
}

// Name returns "b2".
func (b *Backend) Name() string { return storage.BackendB2 }

// IsAvailable reports whether all four credentials are set.
func (b *Backend) IsAvailable() bool {
	return b.cfg.KeyID != "" && b.cfg.Key != "" && b.cfg.BucketName != "" && b.cfg.BucketID != ""
}

// Upload stores obj through a freshly acquired upload URL and returns the
// URL for the configured mode.
func (b *Backend) Upload(ctx context.Context, obj storage.Object) (string, error) {
	if !b.IsAvailable() {
		return "", storage.ErrNotConfigured
	}
	if err := storage.ValidateName(obj.Name); err != nil {
		return "", err
	}

	var (
		uploaded *fileVersion
		err      error
	)
	for attempt := 0; ; attempt++ {
		err = b.client.withSession(ctx, func(s *session) error {
			target, err := b.client.getUploadURL(ctx, s)
			if err != nil {
				return err
			}
			uploaded, err = b.client.uploadFile(ctx, target, obj)
			return err
		})
		if err == nil || attempt >= b.cfg.MaxRetries || !retryableUpload(err) || ctx.Err() != nil {
			break
		}
		logging.Warn("b2 upload failed, retrying with a new upload url",
			zap.String("name", obj.Name),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	if err != nil {
		return "", fmt.Errorf("b2 upload %s: %w", obj.Name, err)
	}

	logging.Debug("b2 upload complete",
		zap.String("name", uploaded.FileName),
		zap.String("file_id", uploaded.FileID))
	return b.resolveURL(ctx, obj.Name), nil
}

func (b *Backend) resolveURL(ctx context.Context, name string) string {
	switch b.cfg.URLMode {
	case URLModeCanonical:
		return storage.ProxyURL(name)
	case URLModeProxy:
		return storage.B2ProxyURL(name)
	}

	signed, err := b.SignedURL(ctx, name)
	if err != nil {
		metrics.RecordB2URLFallback()
		logging.Warn("b2 download authorization failed, using proxy url",
			zap.String("name", name),
			zap.Error(err))
		return storage.B2ProxyURL(name)
	}
	return signed
}

// SignedURL returns a time-bounded download URL for name.
func (b *Backend) SignedURL(ctx context.Context, name string) (string, error) {
	if !b.IsAvailable() {
		return "", storage.ErrNotConfigured
	}
	var signed string
	err := b.client.withSession(ctx, func(s *session) error {
		token, err := b.client.downloadAuthorization(ctx, s, name)
		if err != nil {
			return err
		}
		signed = b.client.fileURL(s, name) + "?Authorization=" + url.QueryEscape(token)
		return nil
	})
	return signed, err
}

// Delete removes the latest version of name. A name B2 does not list is
// treated as already deleted.
func (b *Backend) Delete(ctx context.Context, name string) error {
	if !b.IsAvailable() {
		return storage.ErrNotConfigured
	}
	if err := storage.ValidateName(name); err != nil {
		return err
	}
	return b.client.withSession(ctx, func(s *session) error {
		f, err := b.client.findFile(ctx, s, name)
		if err != nil {
			return fmt.Errorf("b2 list %s: %w", name, err)
		}
		if f == nil {
			return nil
		}
		if err := b.client.deleteFileVersion(ctx, s, f); err != nil {
			return fmt.Errorf("b2 delete %s: %w", name, err)
		}
		logging.Debug("b2 file version deleted", zap.String("name", name), zap.String("file_id", f.FileID))
		return nil
	})
}

// Open streams name from B2 using the account session.
func (b *Backend) Open(ctx context.Context, name string) (io.ReadCloser, string, error) {
	if !b.IsAvailable() {
		return nil, "", storage.ErrNotConfigured
	}
	if err := storage.ValidateName(name); err != nil {
		return nil, "", err
	}

	var (
		body        io.ReadCloser
		contentType string
	)
	err := b.client.withSession(ctx, func(s *session) error {
		resp, err := b.client.downloadByName(ctx, s, name)
		if err != nil {
			return err
		}
		body = resp.Body
		contentType = resp.Header.Get("Content-Type")
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return body, contentType, nil
}
