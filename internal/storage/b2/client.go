package b2

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/fruitsalade/mediastore/internal/logging"
	"github.com/fruitsalade/mediastore/internal/metrics"
	"github.com/fruitsalade/mediastore/internal/storage"
)

const apiVersionPath = "/b2api/v2/"

// APIError is the JSON error body B2 returns on every non-200 response.
type APIError struct {
	Op      string `json:"-"`
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("b2 %s: %d %s: %s", e.Op, e.Status, e.Code, e.Message)
}

// Unwrap maps the HTTP status onto the storage error kinds.
func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusUnauthorized:
		return storage.ErrUnauthorized
	case http.StatusNotFound:
		return storage.ErrNotFound
	default:
		return storage.ErrTransport
	}
}

// session is the cached result of b2_authorize_account.
type session struct {
	AccountID          string `json:"accountId"`
	AuthorizationToken string `json:"authorizationToken"`
	APIURL             string `json:"apiUrl"`
	DownloadURL        string `json:"downloadUrl"`
}

type uploadTarget struct {
	BucketID           string `json:"bucketId"`
	UploadURL          string `json:"uploadUrl"`
	AuthorizationToken string `json:"authorizationToken"`
}

type fileVersion struct {
	FileID   string `json:"fileId"`
	FileName string `json:"fileName"`
}

// client speaks the B2 native API. The account session is cached and shared;
// upload URLs are fetched per upload.
type client struct {
	cfg  Config
	http *retryablehttp.Client

	// upload never retries: after a failed upload B2 wants a new upload URL,
	// so the backend retries the whole get-url/upload pair instead.
	upload *retryablehttp.Client

	mu      sync.RWMutex
	session *session
	group   singleflight.Group
}

func newClient(cfg Config) *client {
	rc := retryablehttp.NewClient()
	rc.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	rc.RetryMax = cfg.MaxRetries
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.Logger = logging.NewLeveled(storage.BackendB2)

	up := retryablehttp.NewClient()
	up.HTTPClient = rc.HTTPClient
	up.RetryMax = 0
	up.ErrorHandler = retryablehttp.PassthroughErrorHandler
	up.Logger = rc.Logger
	return &client{cfg: cfg, http: rc, upload: up}
}

// authorize returns the cached session or creates one. Concurrent callers
// share a single b2_authorize_account request.
func (c *client) authorize(ctx context.Context) (*session, error) {
	c.mu.RLock()
	s := c.session
	c.mu.RUnlock()
	if s != nil {
		return s, nil
	}

	v, err, _ := c.group.Do("authorize", func() (interface{}, error) {
		c.mu.RLock()
		cached := c.session
		c.mu.RUnlock()
		if cached != nil {
			return cached, nil
		}

		fresh, err := c.authorizeAccount(ctx)
		metrics.RecordSessionAuthorization(storage.BackendB2, err == nil)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.session = fresh
		c.mu.Unlock()
		logging.Info("b2 account authorized", zap.String("api_url", fresh.APIURL))
		return fresh, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*session), nil
}

// invalidate drops s if it is still the cached session.
func (c *client) invalidate(s *session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == s {
		c.session = nil
	}
}

// withSession runs fn with a session. An authorization failure drops the
// session and fn is retried once with a fresh one.
func (c *client) withSession(ctx context.Context, fn func(*session) error) error {
	s, err := c.authorize(ctx)
	if err != nil {
		return err
	}
	err = fn(s)
	if !errors.Is(err, storage.ErrUnauthorized) {
		return err
	}

	logging.Warn("b2 session rejected, re-authorizing", zap.Error(err))
	c.invalidate(s)
	s, err = c.authorize(ctx)
	if err != nil {
		return err
	}
	err = fn(s)
	if errors.Is(err, storage.ErrUnauthorized) {
		c.invalidate(s)
	}
	return err
}

func (c *client) authorizeAccount(ctx context.Context) (*session, error) {
	endpoint := strings.TrimSuffix(c.cfg.APIURL, "/") + apiVersionPath + "b2_authorize_account"
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build authorize request: %w", err)
	}
	req.SetBasicAuth(c.cfg.KeyID, c.cfg.Key)

	var s session
	if err := c.do(req, "b2_authorize_account", &s); err != nil {
		return nil, err
	}
	if s.AuthorizationToken == "" || s.APIURL == "" || s.DownloadURL == "" {
		return nil, fmt.Errorf("%w: b2_authorize_account returned an incomplete session", storage.ErrUnauthorized)
	}
	return &s, nil
}

// call POSTs a JSON request to a session-authorized API operation.
func (c *client) call(ctx context.Context, s *session, op string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", op, err)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, s.APIURL+apiVersionPath+op, body)
	if err != nil {
		return fmt.Errorf("build %s request: %w", op, err)
	}
	req.Header.Set("Authorization", s.AuthorizationToken)
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, op, out)
}

func (c *client) do(req *retryablehttp.Request, op string, out interface{}) error {
	return c.doWith(c.http, req, op, out)
}

func (c *client) doWith(hc *retryablehttp.Client, req *retryablehttp.Request, op string, out interface{}) error {
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", storage.ErrTransport, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeError(op, resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s response: %v", storage.ErrTransport, op, err)
	}
	return nil
}

// retryableUpload reports whether a failed upload should be retried with a
// new upload URL: timeouts, connection errors, 408, 429 and 5xx.
func retryableUpload(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == http.StatusRequestTimeout ||
			apiErr.Status == http.StatusTooManyRequests ||
			apiErr.Status >= 500
	}
	return errors.Is(err, storage.ErrTransport)
}

func decodeError(op string, resp *http.Response) error {
	apiErr := &APIError{Op: op}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err := json.Unmarshal(raw, apiErr); err != nil || apiErr.Code == "" {
		apiErr.Code = http.StatusText(resp.StatusCode)
		apiErr.Message = strings.TrimSpace(string(raw))
	}
	apiErr.Status = resp.StatusCode
	return apiErr
}

func (c *client) getUploadURL(ctx context.Context, s *session) (*uploadTarget, error) {
	var t uploadTarget
	err := c.call(ctx, s, "b2_get_upload_url", map[string]string{"bucketId": c.cfg.BucketID}, &t)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (c *client) uploadFile(ctx context.Context, t *uploadTarget, obj storage.Object) (*fileVersion, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, t.UploadURL, obj.Data)
	if err != nil {
		return nil, fmt.Errorf("build upload request: %w", err)
	}
	sum := sha1.Sum(obj.Data)
	contentType := obj.ContentType
	if contentType == "" {
		contentType = "b2/x-auto"
	}
	req.Header.Set("Authorization", t.AuthorizationToken)
	req.Header.Set("X-Bz-File-Name", url.PathEscape(obj.Name))
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Bz-Content-Sha1", hex.EncodeToString(sum[:]))

	var f fileVersion
	if err := c.doWith(c.upload, req, "b2_upload_file", &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (c *client) downloadAuthorization(ctx context.Context, s *session, name string) (string, error) {
	in := map[string]interface{}{
		"bucketId":               c.cfg.BucketID,
		"fileNamePrefix":         name,
		"validDurationInSeconds": int64(c.cfg.DownloadAuthTTL.Seconds()),
	}
	var out struct {
		AuthorizationToken string `json:"authorizationToken"`
	}
	if err := c.call(ctx, s, "b2_get_download_authorization", in, &out); err != nil {
		return "", err
	}
	if out.AuthorizationToken == "" {
		return "", fmt.Errorf("%w: empty download authorization", storage.ErrTransport)
	}
	return out.AuthorizationToken, nil
}

// findFile returns the latest version of exactly name, or nil.
func (c *client) findFile(ctx context.Context, s *session, name string) (*fileVersion, error) {
	in := map[string]interface{}{
		"bucketId":      c.cfg.BucketID,
		"startFileName": name,
		"prefix":        name,
		"maxFileCount":  1,
	}
	var out struct {
		Files []fileVersion `json:"files"`
	}
	if err := c.call(ctx, s, "b2_list_file_names", in, &out); err != nil {
		return nil, err
	}
	if len(out.Files) == 0 || out.Files[0].FileName != name {
		return nil, nil
	}
	return &out.Files[0], nil
}

func (c *client) deleteFileVersion(ctx context.Context, s *session, f *fileVersion) error {
	return c.call(ctx, s, "b2_delete_file_version", f, nil)
}

// fileURL is the download-by-name URL for name in the configured bucket.
func (c *client) fileURL(s *session, name string) string {
	return s.DownloadURL + "/file/" + url.PathEscape(c.cfg.BucketName) + "/" + url.PathEscape(name)
}

func (c *client) downloadByName(ctx context.Context, s *session, name string) (*http.Response, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.fileURL(s, name), nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}
	req.Header.Set("Authorization", s.AuthorizationToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: b2_download_file_by_name: %v", storage.ErrTransport, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, decodeError("b2_download_file_by_name", resp)
	}
	return resp, nil
}
