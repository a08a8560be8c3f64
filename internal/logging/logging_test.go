package logging

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observe(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	prev := globalLogger
	globalLogger = zap.New(core)
	t.Cleanup(func() { globalLogger = prev })
	return logs
}

func TestMiddlewareTagsRequestID(t *testing.T) {
	logs := observe(t)

	var seen string
	h := chiMiddleware.RequestID(Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = chiMiddleware.GetReqID(r.Context())
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("ok"))
	})))

	req := httptest.NewRequest(http.MethodPost, "/api/media", nil)
	req.Header.Set("X-Request-Id", "req-42")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if seen != "req-42" {
		t.Errorf("expected request id in context, got %q", seen)
	}
	if got := rec.Header().Get("X-Request-Id"); got != "req-42" {
		t.Errorf("expected X-Request-Id echoed, got %q", got)
	}

	done := logs.FilterMessage("request completed").All()
	if len(done) != 1 {
		t.Fatalf("expected one completion entry, got %d", len(done))
	}
	fields := done[0].ContextMap()
	if fields["request_id"] != "req-42" {
		t.Errorf("expected request_id field, got %v", fields["request_id"])
	}
	if fields["status"] != int64(http.StatusCreated) {
		t.Errorf("expected status 201, got %v", fields["status"])
	}
	if fields["bytes"] != int64(2) {
		t.Errorf("expected 2 bytes, got %v", fields["bytes"])
	}
}

func TestMiddlewareUsesGeneratedRequestID(t *testing.T) {
	logs := observe(t)
	h := chiMiddleware.RequestID(Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	id := rec.Header().Get("X-Request-Id")
	if id == "" {
		t.Fatal("expected a generated request id")
	}
	entries := logs.All()
	if len(entries) != 1 || entries[0].ContextMap()["request_id"] != id {
		t.Fatalf("expected one entry tagged %q, got %+v", id, entries)
	}
	if entries[0].ContextMap()["status"] != int64(http.StatusOK) {
		t.Errorf("expected implicit 200, got %v", entries[0].ContextMap()["status"])
	}
}

func TestInitWritesToFile(t *testing.T) {
	prev := globalLogger
	t.Cleanup(func() { globalLogger = prev })

	path := filepath.Join(t.TempDir(), "media.log")
	if err := Init(Config{Level: "warn", Format: "json", OutputPath: path}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	Info("dropped")
	Warn("kept", zap.String("backend", "b2"))
	Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if strings.Contains(string(data), "dropped") || !strings.Contains(string(data), `"backend":"b2"`) {
		t.Errorf("unexpected log contents: %s", data)
	}
}

func TestLeveledDemotesRetryChatter(t *testing.T) {
	logs := observe(t)
	l := NewLeveled("b2")
	l.Error("request failed", "attempt", 1)
	l.Warn("retrying", "attempt", 2)

	all := logs.All()
	if len(all) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(all))
	}
	if all[0].Level != zapcore.WarnLevel || all[1].Level != zapcore.InfoLevel {
		t.Errorf("unexpected levels %s, %s", all[0].Level, all[1].Level)
	}
	if all[0].ContextMap()["component"] != "b2" {
		t.Errorf("expected component field, got %v", all[0].ContextMap())
	}
}
