// Package storage defines the Backend contract for media storage and the
// orchestrator that drives several backends behind one upload/delete API.
package storage

import (
	"context"
	"errors"
	"io"
	"net/url"
	"strings"
)

// Backend identifiers reported in UploadResult and used in metrics labels.
const (
	BackendB2         = "b2"
	BackendSidecar    = "sidecar"
	BackendS3         = "s3"
	BackendLocal      = "local"
	BackendReplicated = "replicated"
)

// Proxy route prefixes served by the media API.
const (
	ProxyPrefix   = "/api/media/"
	B2ProxyPrefix = "/api/media/b2/"
)

var (
	// ErrNotConfigured marks a backend that lacks the configuration it needs.
	// Orchestrators skip such backends without treating it as a failure.
	ErrNotConfigured = errors.New("storage backend not configured")

	// ErrUnauthorized marks a session or credential failure. The backend
	// drops its cached session when it returns this.
	ErrUnauthorized = errors.New("storage backend authorization failed")

	// ErrTransport marks a network or write failure mid-operation.
	ErrTransport = errors.New("storage backend transport error")

	// ErrAllBackendsFailed is returned when every applicable backend was
	// skipped or failed. No backend holds the object when this is returned.
	ErrAllBackendsFailed = errors.New("all storage backends failed")

	// ErrNotFound is returned by Open when no backend holds the object.
	ErrNotFound = errors.New("media object not found")

	// ErrInvalidName rejects names that could escape a backend's namespace.
	ErrInvalidName = errors.New("invalid media name")
)

// Visibility selects the key prefix used by backends that separate public
// and private objects.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// ParseVisibility maps user input to a Visibility, defaulting to public.
func ParseVisibility(s string) Visibility {
	if strings.EqualFold(s, string(VisibilityPrivate)) {
		return VisibilityPrivate
	}
	return VisibilityPublic
}

// Object is a single upload handed to a backend.
type Object struct {
	Name        string
	Data        []byte
	ContentType string
	Visibility  Visibility
}

// Backend is one storage substrate.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Name returns the backend identifier ("b2", "sidecar", "s3", "local").
	Name() string

	// IsAvailable reports whether the backend is configured for this process.
	// It must not perform I/O.
	IsAvailable() bool

	// Upload stores obj under obj.Name and returns a URL that resolves to it.
	Upload(ctx context.Context, obj Object) (string, error)

	// Delete removes name. Deleting a missing object is not an error.
	Delete(ctx context.Context, name string) error
}

// Opener is implemented by backends that can stream an object back.
type Opener interface {
	// Open returns the object body and its content type, or ErrNotFound.
	Open(ctx context.Context, name string) (io.ReadCloser, string, error)
}

// ProxyURL returns the canonical same-origin retrieval path for name.
func ProxyURL(name string) string {
	return ProxyPrefix + url.PathEscape(name)
}

// B2ProxyURL returns the same-origin path that streams name from B2.
func B2ProxyURL(name string) string {
	return B2ProxyPrefix + url.PathEscape(name)
}

// ValidateName rejects empty names and anything that could traverse out of
// a flat namespace.
func ValidateName(name string) error {
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") ||
		strings.HasPrefix(name, ".") {
		return ErrInvalidName
	}
	return nil
}
