// Package sidecar implements the hosting-mode media backend: a GCS bucket
// reached with short-lived credentials minted by a loopback sidecar through
// an external-account token exchange.
package sidecar

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google/externalaccount"
	"google.golang.org/api/googleapi"

	"github.com/fruitsalade/mediastore/internal/logging"
	"github.com/fruitsalade/mediastore/internal/metrics"
	"github.com/fruitsalade/mediastore/internal/storage"
)

// Key prefixes by visibility.
const (
	PublicPrefix  = "public/"
	PrivatePrefix = ".private/"
)

const storageScope = "https://www.googleapis.com/auth/devstorage.read_write"

// Config holds sidecar backend settings.
type Config struct {
	// Enabled is set when the hosting-mode signal is present.
	Enabled bool

	// Endpoint is the sidecar base URL, normally http://127.0.0.1:1106.
	Endpoint string

	BucketID string

	// StorageURL is the GCS JSON API base, normally
	// https://storage.googleapis.com.
	StorageURL string

	Audience   string
	Timeout    time.Duration
	MaxRetries int
}

// Backend implements storage.Backend and storage.Opener.
type Backend struct {
	cfg Config

	mu   sync.Mutex
	sess *session
}

// session pairs the federated token source with the HTTP client that
// authenticates through it.
type session struct {
	tokens oauth2.TokenSource
	http   *retryablehttp.Client
}

// New creates a sidecar backend. No I/O happens until the first operation.
func New(cfg Config) *Backend {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://127.0.0.1:1106"
	}
	if cfg.StorageURL == "" {
		cfg.StorageURL = "https://storage.googleapis.com"
	}
	if cfg.Audience == "" {
		cfg.Audience = "replit"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	cfg.Endpoint = strings.TrimSuffix(cfg.Endpoint, "/")
	cfg.StorageURL = strings.TrimSuffix(cfg.StorageURL, "/")
	return &Backend{cfg: cfg}
}

// Name returns "sidecar".
func (b *Backend) Name() string { return storage.BackendSidecar }

// IsAvailable reports whether hosting mode was detected and a bucket is set.
func (b *Backend) IsAvailable() bool {
	return b.cfg.Enabled && b.cfg.BucketID != ""
}

// getSession returns the cached session, creating it on first use.
func (b *Backend) getSession() (*session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sess != nil {
		return b.sess, nil
	}

	base := &http.Client{Timeout: b.cfg.Timeout}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)

	ts, err := externalaccount.NewTokenSource(ctx, externalaccount.Config{
		Audience:         b.cfg.Audience,
		SubjectTokenType: "access_token",
		TokenURL:         b.cfg.Endpoint + "/token",
		Scopes:           []string{storageScope},
		CredentialSource: &externalaccount.CredentialSource{
			URL: b.cfg.Endpoint + "/credential",
			Format: externalaccount.Format{
				Type:                  "json",
				SubjectTokenFieldName: "access_token",
			},
		},
		UniverseDomain: "googleapis.com",
	})
	if err != nil {
		return nil, fmt.Errorf("%w: sidecar token source: %v", storage.ErrNotConfigured, err)
	}

	authed := oauth2.NewClient(ctx, ts)
	authed.Timeout = b.cfg.Timeout

	rc := retryablehttp.NewClient()
	rc.HTTPClient = authed
	rc.RetryMax = b.cfg.MaxRetries
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.Logger = logging.NewLeveled(storage.BackendSidecar)

	b.sess = &session{tokens: ts, http: rc}
	return b.sess, nil
}

// reset drops s if it is still the cached session.
func (b *Backend) reset(s *session) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sess == s {
		b.sess = nil
	}
}

// authorize makes sure a bearer token is in hand before a write.
func (b *Backend) authorize() (*session, error) {
	s, err := b.getSession()
	if err != nil {
		return nil, err
	}
	if _, err := s.tokens.Token(); err != nil {
		metrics.RecordSessionAuthorization(storage.BackendSidecar, false)
		b.reset(s)
		return nil, fmt.Errorf("%w: sidecar token exchange: %v", storage.ErrUnauthorized, err)
	}
	metrics.RecordSessionAuthorization(storage.BackendSidecar, true)
	return s, nil
}

// ObjectName returns the bucket key for name under visibility.
func ObjectName(v storage.Visibility, name string) string {
	if v == storage.VisibilityPrivate {
		return PrivatePrefix + name
	}
	return PublicPrefix + name
}

func (b *Backend) objectURL(object string) string {
	return b.cfg.StorageURL + "/storage/v1/b/" + url.PathEscape(b.cfg.BucketID) + "/o/" + url.PathEscape(object)
}

// Upload writes obj under its visibility prefix and returns the proxy URL.
func (b *Backend) Upload(ctx context.Context, obj storage.Object) (string, error) {
	if !b.IsAvailable() {
		return "", storage.ErrNotConfigured
	}
	if err := storage.ValidateName(obj.Name); err != nil {
		return "", err
	}
	s, err := b.authorize()
	if err != nil {
		return "", err
	}

	object := ObjectName(obj.Visibility, obj.Name)
	q := url.Values{"uploadType": {"media"}, "name": {object}}
	endpoint := b.cfg.StorageURL + "/upload/storage/v1/b/" + url.PathEscape(b.cfg.BucketID) + "/o?" + q.Encode()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, endpoint, obj.Data)
	if err != nil {
		return "", fmt.Errorf("build upload request: %w", err)
	}
	contentType := obj.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := s.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: sidecar upload %s: %v", storage.ErrTransport, object, err)
	}
	defer resp.Body.Close()
	if err := b.check(s, resp); err != nil {
		return "", fmt.Errorf("sidecar upload %s: %w", object, err)
	}
	io.Copy(io.Discard, resp.Body)

	logging.Debug("sidecar upload complete", zap.String("object", object))
	return storage.ProxyURL(obj.Name), nil
}

// Delete removes name under both prefixes. Missing objects are ignored.
func (b *Backend) Delete(ctx context.Context, name string) error {
	if !b.IsAvailable() {
		return storage.ErrNotConfigured
	}
	if err := storage.ValidateName(name); err != nil {
		return err
	}
	s, err := b.getSession()
	if err != nil {
		return err
	}

	var errs []error
	for _, object := range []string{PublicPrefix + name, PrivatePrefix + name} {
		if err := b.deleteObject(ctx, s, object); err != nil && !errors.Is(err, storage.ErrNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *Backend) deleteObject(ctx context.Context, s *session, object string) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodDelete, b.objectURL(object), nil)
	if err != nil {
		return fmt.Errorf("build delete request: %w", err)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: sidecar delete %s: %v", storage.ErrTransport, object, err)
	}
	defer resp.Body.Close()
	if err := b.check(s, resp); err != nil {
		return fmt.Errorf("sidecar delete %s: %w", object, err)
	}
	logging.Debug("sidecar object deleted", zap.String("object", object))
	return nil
}

// Open streams name, trying the public prefix before the private one.
func (b *Backend) Open(ctx context.Context, name string) (io.ReadCloser, string, error) {
	if !b.IsAvailable() {
		return nil, "", storage.ErrNotConfigured
	}
	if err := storage.ValidateName(name); err != nil {
		return nil, "", err
	}
	s, err := b.getSession()
	if err != nil {
		return nil, "", err
	}

	for _, object := range []string{PublicPrefix + name, PrivatePrefix + name} {
		req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, b.objectURL(object)+"?alt=media", nil)
		if err != nil {
			return nil, "", fmt.Errorf("build get request: %w", err)
		}
		resp, err := s.http.Do(req)
		if err != nil {
			return nil, "", fmt.Errorf("%w: sidecar get %s: %v", storage.ErrTransport, object, err)
		}
		if err := b.check(s, resp); err != nil {
			resp.Body.Close()
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, "", fmt.Errorf("sidecar get %s: %w", object, err)
		}
		return resp.Body, resp.Header.Get("Content-Type"), nil
	}
	return nil, "", storage.ErrNotFound
}

// check converts a GCS error response into storage errors. A rejected
// bearer token drops the session.
func (b *Backend) check(s *session, resp *http.Response) error {
	err := googleapi.CheckResponse(resp)
	if err == nil {
		return nil
	}
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return fmt.Errorf("%w: %v", storage.ErrTransport, err)
	}
	switch gerr.Code {
	case http.StatusUnauthorized:
		b.reset(s)
		return fmt.Errorf("%w: %w", storage.ErrUnauthorized, gerr)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %w", storage.ErrNotFound, gerr)
	default:
		return fmt.Errorf("%w: %w", storage.ErrTransport, gerr)
	}
}
