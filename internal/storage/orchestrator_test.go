package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"testing"

	"github.com/fruitsalade/mediastore/internal/logging"
)

func TestMain(m *testing.M) {
	logging.InitNop()
	os.Exit(m.Run())
}

// fakeBackend is an in-memory Backend with switchable failures.
type fakeBackend struct {
	name      string
	available bool
	uploadErr error
	deleteErr error
	url       func(name string) string

	mu      sync.Mutex
	objects map[string][]byte
	uploads int
	deletes []string
}

func newFake(name string) *fakeBackend {
	return &fakeBackend{name: name, available: true, objects: make(map[string][]byte)}
}

func (f *fakeBackend) Name() string      { return f.name }
func (f *fakeBackend) IsAvailable() bool { return f.available }

func (f *fakeBackend) Upload(_ context.Context, obj Object) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads++
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	f.objects[obj.Name] = append([]byte(nil), obj.Data...)
	if f.url != nil {
		return f.url(obj.Name), nil
	}
	return ProxyURL(obj.Name), nil
}

func (f *fakeBackend) Delete(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, name)
	if f.deleteErr != nil {
		return f.deleteErr
	}
	delete(f.objects, name)
	return nil
}

func (f *fakeBackend) Open(_ context.Context, name string) (io.ReadCloser, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[name]
	if !ok {
		return nil, "", ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), "application/octet-stream", nil
}

func (f *fakeBackend) has(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[name]
	return ok
}

func (f *fakeBackend) uploadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.uploads
}

// memProvenance is a minimal ProvenanceStore for orchestrator tests.
type memProvenance struct {
	mu   sync.Mutex
	data map[string][]string
}

func (m *memProvenance) Record(_ context.Context, name string, backends []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[name] = append([]string(nil), backends...)
	return nil
}

func (m *memProvenance) Lookup(_ context.Context, name string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[name], nil
}

func (m *memProvenance) Forget(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, name)
	return nil
}

func fixedName(name string) func(string) string {
	return func(string) string { return name }
}

func TestUploadPriorityFirstAvailableWins(t *testing.T) {
	cloud, sidecar, local := newFake(BackendB2), newFake(BackendSidecar), newFake(BackendLocal)
	cloud.url = func(name string) string { return "https://f000.backblazeb2.com/file/media/" + name + "?Authorization=tok" }

	o := NewOrchestrator(Options{Priority: []Backend{cloud, sidecar, local}})

	res, err := o.UploadPriority(context.Background(), []byte("hello"), "a.jpg", "image/jpeg")
	if err != nil {
		t.Fatalf("UploadPriority: %v", err)
	}
	if res.Backend != BackendB2 {
		t.Errorf("expected b2, got %s", res.Backend)
	}
	if res.NativeURL != res.URL {
		t.Errorf("expected native url to mirror signed url, got %q", res.NativeURL)
	}
	if sidecar.uploadCount() != 0 || local.uploadCount() != 0 {
		t.Error("later backends must not be written after a success")
	}
}

func TestUploadPrioritySkipsUnavailable(t *testing.T) {
	cloud, sidecar, local := newFake(BackendB2), newFake(BackendSidecar), newFake(BackendLocal)
	cloud.available = false
	sidecar.available = false

	o := NewOrchestrator(Options{Priority: []Backend{cloud, sidecar, local}})

	res, err := o.UploadPriority(context.Background(), []byte("x"), "a.jpg", "image/jpeg")
	if err != nil {
		t.Fatalf("UploadPriority: %v", err)
	}
	if res.Backend != BackendLocal {
		t.Errorf("expected local, got %s", res.Backend)
	}
	if res.URL != ProxyURL(res.Name) {
		t.Errorf("expected canonical url, got %s", res.URL)
	}
	if res.NativeURL != "" {
		t.Errorf("expected no native url, got %s", res.NativeURL)
	}
	if cloud.uploadCount() != 0 || sidecar.uploadCount() != 0 {
		t.Error("unavailable backends must not be called")
	}
}

func TestUploadPriorityFallsBackOnFailure(t *testing.T) {
	cloud, sidecar, local := newFake(BackendB2), newFake(BackendSidecar), newFake(BackendLocal)
	cloud.uploadErr = fmt.Errorf("%w: connection reset", ErrTransport)

	o := NewOrchestrator(Options{
		Priority: []Backend{cloud, sidecar, local},
		NameFunc: fixedName("1_abcdefgh_a.jpg"),
	})

	res, err := o.UploadPriority(context.Background(), []byte("x"), "a.jpg", "image/jpeg")
	if err != nil {
		t.Fatalf("UploadPriority: %v", err)
	}
	if res.Backend == BackendB2 {
		t.Fatal("failed backend must not be reported as the winner")
	}
	if res.Backend != BackendSidecar {
		t.Errorf("expected sidecar, got %s", res.Backend)
	}
	if len(cloud.deletes) != 1 || cloud.deletes[0] != "1_abcdefgh_a.jpg" {
		t.Errorf("expected cleanup delete on failed backend, got %v", cloud.deletes)
	}
	if local.uploadCount() != 0 {
		t.Error("local must not be written once sidecar succeeded")
	}
}

func TestUploadPriorityAuthFailureSkipsCleanup(t *testing.T) {
	cloud, local := newFake(BackendB2), newFake(BackendLocal)
	cloud.uploadErr = fmt.Errorf("%w: bad key", ErrUnauthorized)

	o := NewOrchestrator(Options{Priority: []Backend{cloud, local}})

	res, err := o.UploadPriority(context.Background(), []byte("x"), "a.jpg", "image/jpeg")
	if err != nil {
		t.Fatalf("UploadPriority: %v", err)
	}
	if res.Backend != BackendLocal {
		t.Errorf("expected local, got %s", res.Backend)
	}
	if len(cloud.deletes) != 0 {
		t.Errorf("no cleanup expected after an authorization failure, got %v", cloud.deletes)
	}
}

func TestUploadPriorityTotalFailure(t *testing.T) {
	cloud, sidecar, local := newFake(BackendB2), newFake(BackendSidecar), newFake(BackendLocal)
	cloud.available = false
	sidecar.uploadErr = fmt.Errorf("%w: 503", ErrTransport)
	local.uploadErr = fmt.Errorf("%w: disk full", ErrTransport)

	o := NewOrchestrator(Options{
		Priority: []Backend{cloud, sidecar, local},
		NameFunc: fixedName("1_abcdefgh_a.jpg"),
	})

	res, err := o.UploadPriority(context.Background(), []byte("x"), "a.jpg", "image/jpeg")
	if err == nil {
		t.Fatalf("expected failure, got %+v", res)
	}
	if !errors.Is(err, ErrAllBackendsFailed) {
		t.Errorf("expected ErrAllBackendsFailed, got %v", err)
	}
	if !errors.Is(err, ErrTransport) {
		t.Errorf("expected attempt errors to be joined, got %v", err)
	}
	for _, b := range []*fakeBackend{cloud, sidecar, local} {
		if b.has("1_abcdefgh_a.jpg") {
			t.Errorf("%s holds a partial write", b.name)
		}
	}
}

func TestUploadPriorityNoBackendAvailable(t *testing.T) {
	cloud := newFake(BackendB2)
	cloud.available = false

	o := NewOrchestrator(Options{Priority: []Backend{cloud}})

	_, err := o.UploadPriority(context.Background(), []byte("x"), "a.jpg", "image/jpeg")
	if !errors.Is(err, ErrAllBackendsFailed) {
		t.Fatalf("expected ErrAllBackendsFailed, got %v", err)
	}
}

func TestUploadPriorityFourthBackend(t *testing.T) {
	cloud, sidecar, extra, local := newFake(BackendB2), newFake(BackendSidecar), newFake(BackendS3), newFake(BackendLocal)
	cloud.available = false
	sidecar.available = false

	o := NewOrchestrator(Options{Priority: []Backend{cloud, sidecar, extra, local}})

	res, err := o.UploadPriority(context.Background(), []byte("x"), "a.jpg", "image/jpeg")
	if err != nil {
		t.Fatalf("UploadPriority: %v", err)
	}
	if res.Backend != BackendS3 {
		t.Errorf("expected s3, got %s", res.Backend)
	}
}

func TestUploadReplicatedBothSucceed(t *testing.T) {
	sidecar, local := newFake(BackendSidecar), newFake(BackendLocal)
	o := NewOrchestrator(Options{Replicas: []Backend{sidecar, local}})

	res, err := o.UploadReplicated(context.Background(), []byte("x"), "a.jpg", "image/jpeg", VisibilityPublic)
	if err != nil {
		t.Fatalf("UploadReplicated: %v", err)
	}
	if res.Backend != BackendReplicated {
		t.Errorf("expected replicated, got %s", res.Backend)
	}
	got := append([]string(nil), res.Backends...)
	sort.Strings(got)
	if len(got) != 2 || got[0] != BackendLocal || got[1] != BackendSidecar {
		t.Errorf("unexpected backends %v", got)
	}
	if !sidecar.has(res.Name) || !local.has(res.Name) {
		t.Error("both replicas should hold the shared name")
	}
	if res.URL != ProxyURL(res.Name) {
		t.Errorf("expected canonical url, got %s", res.URL)
	}
}

func TestUploadReplicatedSidecarFails(t *testing.T) {
	sidecar, local := newFake(BackendSidecar), newFake(BackendLocal)
	sidecar.uploadErr = fmt.Errorf("%w: 500", ErrTransport)
	o := NewOrchestrator(Options{Replicas: []Backend{sidecar, local}})

	res, err := o.UploadReplicated(context.Background(), []byte("x"), "a.jpg", "image/jpeg", VisibilityPrivate)
	if err != nil {
		t.Fatalf("UploadReplicated: %v", err)
	}
	if res.Backend != BackendLocal || len(res.Backends) != 1 {
		t.Errorf("expected local only, got %s %v", res.Backend, res.Backends)
	}
	if sidecar.uploadCount() != 1 {
		t.Error("sidecar should have been attempted")
	}
}

func TestUploadReplicatedLocalFails(t *testing.T) {
	sidecar, local := newFake(BackendSidecar), newFake(BackendLocal)
	local.uploadErr = fmt.Errorf("%w: read-only fs", ErrTransport)
	o := NewOrchestrator(Options{Replicas: []Backend{sidecar, local}})

	res, err := o.UploadReplicated(context.Background(), []byte("x"), "a.jpg", "image/jpeg", VisibilityPublic)
	if err != nil {
		t.Fatalf("UploadReplicated: %v", err)
	}
	if res.Backend != BackendSidecar || len(res.Backends) != 1 {
		t.Errorf("expected sidecar only, got %s %v", res.Backend, res.Backends)
	}
	if local.uploadCount() != 1 {
		t.Error("local should have been attempted")
	}
}

func TestUploadReplicatedBothFail(t *testing.T) {
	sidecar, local := newFake(BackendSidecar), newFake(BackendLocal)
	sidecar.uploadErr = fmt.Errorf("%w: 500", ErrTransport)
	local.uploadErr = fmt.Errorf("%w: read-only fs", ErrTransport)
	o := NewOrchestrator(Options{Replicas: []Backend{sidecar, local}})

	_, err := o.UploadReplicated(context.Background(), []byte("x"), "a.jpg", "image/jpeg", VisibilityPublic)
	if !errors.Is(err, ErrAllBackendsFailed) {
		t.Fatalf("expected ErrAllBackendsFailed, got %v", err)
	}
}

func TestUploadReplicatedSkipsUnavailable(t *testing.T) {
	sidecar, local := newFake(BackendSidecar), newFake(BackendLocal)
	sidecar.available = false
	o := NewOrchestrator(Options{Replicas: []Backend{sidecar, local}})

	res, err := o.UploadReplicated(context.Background(), []byte("x"), "a.jpg", "image/jpeg", VisibilityPublic)
	if err != nil {
		t.Fatalf("UploadReplicated: %v", err)
	}
	if res.Backend != BackendLocal {
		t.Errorf("expected local, got %s", res.Backend)
	}
	if sidecar.uploadCount() != 0 {
		t.Error("unavailable replica must not be called")
	}
}

func TestUploadReplicatedSharesOneName(t *testing.T) {
	calls := 0
	sidecar, local := newFake(BackendSidecar), newFake(BackendLocal)
	o := NewOrchestrator(Options{
		Replicas: []Backend{sidecar, local},
		NameFunc: func(original string) string {
			calls++
			return GenerateName(original)
		},
	})

	res, err := o.UploadReplicated(context.Background(), []byte("x"), "a.jpg", "image/jpeg", VisibilityPublic)
	if err != nil {
		t.Fatalf("UploadReplicated: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected one generated name, got %d", calls)
	}
	if !sidecar.has(res.Name) || !local.has(res.Name) {
		t.Error("replicas should share the generated name")
	}
}

func TestDeleteUnknownNameNeverFails(t *testing.T) {
	sidecar, local := newFake(BackendSidecar), newFake(BackendLocal)
	sidecar.deleteErr = fmt.Errorf("%w: unreachable", ErrTransport)
	o := NewOrchestrator(Options{Sweep: []Backend{sidecar, local}})

	// Delete has no error return; it must not panic and must visit both.
	o.Delete(context.Background(), "1_abcdefgh_missing.jpg")

	if len(sidecar.deletes) != 1 || len(local.deletes) != 1 {
		t.Errorf("expected both backends probed, got sidecar=%v local=%v", sidecar.deletes, local.deletes)
	}
}

func TestDeleteSkipsUnavailable(t *testing.T) {
	sidecar, local := newFake(BackendSidecar), newFake(BackendLocal)
	sidecar.available = false
	o := NewOrchestrator(Options{Sweep: []Backend{sidecar, local}})

	o.Delete(context.Background(), "1_abcdefgh_a.jpg")

	if len(sidecar.deletes) != 0 {
		t.Error("unavailable backend must not be called")
	}
	if len(local.deletes) != 1 {
		t.Error("local should be probed")
	}
}

func TestDeleteUsesProvenance(t *testing.T) {
	cloud, sidecar, local := newFake(BackendB2), newFake(BackendSidecar), newFake(BackendLocal)
	prov := &memProvenance{data: make(map[string][]string)}
	o := NewOrchestrator(Options{
		Priority:   []Backend{cloud, sidecar, local},
		Replicas:   []Backend{sidecar, local},
		Sweep:      []Backend{sidecar, local},
		Provenance: prov,
	})

	res, err := o.UploadPriority(context.Background(), []byte("x"), "a.jpg", "image/jpeg")
	if err != nil {
		t.Fatalf("UploadPriority: %v", err)
	}
	if got, _ := prov.Lookup(context.Background(), res.Name); len(got) != 1 || got[0] != BackendB2 {
		t.Fatalf("expected provenance [b2], got %v", got)
	}

	o.Delete(context.Background(), res.Name)

	if cloud.has(res.Name) {
		t.Error("recorded backend should have been deleted from")
	}
	if len(sidecar.deletes) != 1 || len(local.deletes) != 1 {
		t.Error("speculative sweep should still run")
	}
	if got, _ := prov.Lookup(context.Background(), res.Name); got != nil {
		t.Errorf("provenance should be forgotten, got %v", got)
	}
}

func TestOpenFindsObject(t *testing.T) {
	sidecar, local := newFake(BackendSidecar), newFake(BackendLocal)
	sidecar.available = false
	o := NewOrchestrator(Options{
		Priority: []Backend{sidecar, local},
		Replicas: []Backend{sidecar, local},
	})

	res, err := o.UploadPriority(context.Background(), []byte("payload"), "a.txt", "text/plain")
	if err != nil {
		t.Fatalf("UploadPriority: %v", err)
	}

	rc, _, err := o.Open(context.Background(), res.Name)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "payload" {
		t.Errorf("unexpected content %q", data)
	}

	if _, _, err := o.Open(context.Background(), "1_abcdefgh_missing.txt"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, _, err := o.Open(context.Background(), "../secret"); !errors.Is(err, ErrInvalidName) {
		t.Errorf("expected ErrInvalidName, got %v", err)
	}
}

func TestOpenFromUnknownBackend(t *testing.T) {
	o := NewOrchestrator(Options{Priority: []Backend{newFake(BackendLocal)}})

	if _, _, err := o.OpenFrom(context.Background(), BackendB2, "1_abcdefgh_a.jpg"); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("expected ErrNotConfigured, got %v", err)
	}
}

func TestBackendsListing(t *testing.T) {
	cloud, sidecar, local := newFake(BackendB2), newFake(BackendSidecar), newFake(BackendLocal)
	cloud.available = false
	o := NewOrchestrator(Options{
		Priority: []Backend{cloud, local},
		Replicas: []Backend{sidecar, local},
	})

	got := o.Backends()
	if len(got) != 3 {
		t.Fatalf("expected 3 backends, got %+v", got)
	}
	if got[0].Name != BackendB2 || got[0].Available || got[0].Priority != 0 {
		t.Errorf("unexpected first entry %+v", got[0])
	}
	if got[2].Name != BackendSidecar || got[2].Priority != -1 {
		t.Errorf("unexpected replica-only entry %+v", got[2])
	}
}
