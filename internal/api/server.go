// Package api provides the media HTTP server and handlers.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/fruitsalade/mediastore/internal/logging"
	"github.com/fruitsalade/mediastore/internal/metrics"
	"github.com/fruitsalade/mediastore/internal/storage"
)

// multipartMemory is the in-memory threshold for multipart parsing; larger
// parts spill to temp files.
const multipartMemory = 32 << 20

// ErrorResponse is the JSON body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// Server is the media HTTP server.
type Server struct {
	media         *storage.Orchestrator
	maxUploadSize int64
}

// NewServer creates a server over media.
func NewServer(media *storage.Orchestrator, maxUploadSize int64) *Server {
	return &Server{media: media, maxUploadSize: maxUploadSize}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.Recoverer)
	r.Use(logging.Middleware)
	r.Use(metrics.Middleware)

	r.Get("/health", s.handleHealth)

	r.Route("/api/media", func(r chi.Router) {
		r.Post("/", s.handleUpload)
		r.Get("/backends", s.handleBackends)
		r.Get("/b2/{name}", s.handleB2Content)
		r.Get("/{name}", s.handleContent)
		r.Delete("/{name}", s.handleDelete)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleBackends(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, s.media.Backends())
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength > s.maxUploadSize {
		s.sendError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("file too large: max %d bytes", s.maxUploadSize))
		return
	}
	// Allow for multipart framing on top of the file itself.
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadSize+(1<<20))

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			s.sendError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("file too large: max %d bytes", s.maxUploadSize))
			return
		}
		s.sendError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "file field required")
		return
	}
	defer file.Close()

	content, err := io.ReadAll(io.LimitReader(file, s.maxUploadSize+1))
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "failed to read upload")
		return
	}
	if int64(len(content)) > s.maxUploadSize {
		s.sendError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("file too large: max %d bytes", s.maxUploadSize))
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(content)
	}

	var result *storage.UploadResult
	switch strategy := r.FormValue("strategy"); strategy {
	case "", storage.StrategyPriority:
		result, err = s.media.UploadPriority(r.Context(), content, header.Filename, contentType)
	case storage.StrategyReplicated:
		visibility := storage.ParseVisibility(r.FormValue("visibility"))
		result, err = s.media.UploadReplicated(r.Context(), content, header.Filename, contentType, visibility)
	default:
		s.sendError(w, http.StatusBadRequest, fmt.Sprintf("unknown strategy %q", strategy))
		return
	}
	if err != nil {
		logging.WithContext(r.Context()).Error("upload failed",
			zap.String("filename", header.Filename),
			zap.Error(err))
		s.sendError(w, http.StatusServiceUnavailable, "no storage backend accepted the upload")
		return
	}

	s.sendJSON(w, http.StatusCreated, result)
}

func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	name, ok := s.nameParam(w, r)
	if !ok {
		return
	}
	body, contentType, err := s.media.Open(r.Context(), name)
	s.serve(w, r, name, body, contentType, err)
}

func (s *Server) handleB2Content(w http.ResponseWriter, r *http.Request) {
	name, ok := s.nameParam(w, r)
	if !ok {
		return
	}
	body, contentType, err := s.media.OpenFrom(r.Context(), storage.BackendB2, name)
	s.serve(w, r, name, body, contentType, err)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	name, ok := s.nameParam(w, r)
	if !ok {
		return
	}
	s.media.Delete(r.Context(), name)
	w.WriteHeader(http.StatusNoContent)
}

// nameParam extracts and validates {name}, replying 400 on failure. chi
// routes on RawPath when the request carried one, so only then is the
// parameter still escaped.
func (s *Server) nameParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	name := chi.URLParam(r, "name")
	var err error
	if r.URL.RawPath != "" {
		name, err = url.PathUnescape(name)
	}
	if err == nil {
		err = storage.ValidateName(name)
	}
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid media name")
		return "", false
	}
	return name, true
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request, name string, body io.ReadCloser, contentType string, err error) {
	switch {
	case errors.Is(err, storage.ErrInvalidName):
		s.sendError(w, http.StatusBadRequest, "invalid media name")
		return
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrNotConfigured):
		s.sendError(w, http.StatusNotFound, "media not found")
		return
	case err != nil:
		logging.WithContext(r.Context()).Error("open media failed", zap.String("name", name), zap.Error(err))
		s.sendError(w, http.StatusBadGateway, "storage backend error")
		return
	}
	defer body.Close()

	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	// Names are never reused, so content behind a name never changes.
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.Header().Set("X-Content-Type-Options", "nosniff")

	start := time.Now()
	n, err := io.Copy(w, body)
	metrics.RecordDownload(n)
	if err != nil {
		logging.WithContext(r.Context()).Warn("media stream interrupted",
			zap.String("name", name),
			zap.Int64("bytes", n),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
	}
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	s.sendJSON(w, code, ErrorResponse{Error: message, Code: code})
}
