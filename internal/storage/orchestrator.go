package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/mediastore/internal/logging"
	"github.com/fruitsalade/mediastore/internal/metrics"
)

// Strategy names reported in logs and metrics.
const (
	StrategyPriority   = "priority"
	StrategyReplicated = "replicated"
)

// UploadResult describes where an upload landed.
type UploadResult struct {
	Name    string `json:"name"`
	URL     string `json:"url"`
	Backend string `json:"backend"`

	// NativeURL is set when the winning backend returned something other
	// than the canonical proxy path (signed B2 URL or the B2 proxy path).
	NativeURL string `json:"native_url,omitempty"`

	// Backends lists every backend that holds a copy.
	Backends []string `json:"backends"`
}

// ProvenanceStore remembers which backends hold a given name so deletion
// and retrieval can go straight to them.
type ProvenanceStore interface {
	Record(ctx context.Context, name string, backends []string) error
	Lookup(ctx context.Context, name string) ([]string, error)
	Forget(ctx context.Context, name string) error
}

// Options configures an Orchestrator.
type Options struct {
	// Priority is the priority-fallback order. The last entry should be a
	// backend that is always available.
	Priority []Backend

	// Replicas are written independently by UploadReplicated.
	Replicas []Backend

	// Sweep is the speculative deletion set used when provenance is unknown.
	Sweep []Backend

	// Readers are consulted in order by Open. Defaults to Replicas then
	// Priority.
	Readers []Backend

	// Provenance is optional.
	Provenance ProvenanceStore

	// NameFunc overrides GenerateName, mainly for tests.
	NameFunc func(original string) string
}

// Orchestrator sequences backends under the priority-fallback and
// replicated-best-effort strategies.
type Orchestrator struct {
	priority   []Backend
	replicas   []Backend
	sweep      []Backend
	readers    []Backend
	byName     map[string]Backend
	provenance ProvenanceStore
	nameFunc   func(string) string
}

// NewOrchestrator creates an Orchestrator from opts.
func NewOrchestrator(opts Options) *Orchestrator {
	o := &Orchestrator{
		priority:   opts.Priority,
		replicas:   opts.Replicas,
		sweep:      opts.Sweep,
		readers:    opts.Readers,
		byName:     make(map[string]Backend),
		provenance: opts.Provenance,
		nameFunc:   opts.NameFunc,
	}
	if o.nameFunc == nil {
		o.nameFunc = GenerateName
	}
	if o.readers == nil {
		o.readers = dedupe(append(append([]Backend{}, o.replicas...), o.priority...))
	}
	for _, group := range [][]Backend{o.priority, o.replicas, o.sweep, o.readers} {
		for _, b := range group {
			o.byName[b.Name()] = b
		}
	}
	return o
}

// BackendStatus is a diagnostic view of one configured backend.
type BackendStatus struct {
	Name      string `json:"name"`
	Available bool   `json:"available"`
	Priority  int    `json:"priority"` // position in the fallback order, -1 if absent
}

// Backends lists every known backend with its availability.
func (o *Orchestrator) Backends() []BackendStatus {
	var out []BackendStatus
	seen := make(map[string]bool)
	for i, b := range o.priority {
		seen[b.Name()] = true
		out = append(out, BackendStatus{Name: b.Name(), Available: b.IsAvailable(), Priority: i})
	}
	for _, group := range [][]Backend{o.replicas, o.sweep, o.readers} {
		for _, b := range group {
			if seen[b.Name()] {
				continue
			}
			seen[b.Name()] = true
			out = append(out, BackendStatus{Name: b.Name(), Available: b.IsAvailable(), Priority: -1})
		}
	}
	return out
}

// UploadPriority walks the priority list and stops at the first backend
// whose upload succeeds. Unavailable backends are skipped. When every
// backend is skipped or fails the error wraps ErrAllBackendsFailed.
func (o *Orchestrator) UploadPriority(ctx context.Context, data []byte, filename, contentType string) (*UploadResult, error) {
	name := o.nameFunc(filename)
	obj := Object{Name: name, Data: data, ContentType: contentType, Visibility: VisibilityPublic}

	var errs []error
	for _, b := range o.priority {
		if !b.IsAvailable() {
			logging.Debug("skipping unavailable backend",
				zap.String("backend", b.Name()), zap.String("name", name))
			continue
		}

		url, err := o.attempt(ctx, b, obj)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", b.Name(), err))
			continue
		}

		result := &UploadResult{
			Name:     name,
			URL:      url,
			Backend:  b.Name(),
			Backends: []string{b.Name()},
		}
		if url != ProxyURL(name) {
			result.NativeURL = url
		}
		o.record(ctx, name, result.Backends)
		metrics.RecordUpload(StrategyPriority, int64(len(data)), true)
		logging.Info("media uploaded",
			zap.String("strategy", StrategyPriority),
			zap.String("backend", b.Name()),
			zap.String("name", name),
			zap.Int("size", len(data)))
		return result, nil
	}

	metrics.RecordUpload(StrategyPriority, int64(len(data)), false)
	return nil, totalFailure(name, errs)
}

// UploadReplicated writes one shared name to every replica backend, each in
// an isolated attempt. It succeeds when at least one replica wrote.
func (o *Orchestrator) UploadReplicated(ctx context.Context, data []byte, filename, contentType string, visibility Visibility) (*UploadResult, error) {
	name := o.nameFunc(filename)
	obj := Object{Name: name, Data: data, ContentType: contentType, Visibility: visibility}

	type outcome struct {
		backend string
		url     string
		err     error
	}
	outcomes := make([]outcome, len(o.replicas))

	var wg sync.WaitGroup
	for i, b := range o.replicas {
		if !b.IsAvailable() {
			outcomes[i] = outcome{backend: b.Name(), err: ErrNotConfigured}
			continue
		}
		wg.Add(1)
		go func(i int, b Backend) {
			defer wg.Done()
			url, err := o.attempt(ctx, b, obj)
			outcomes[i] = outcome{backend: b.Name(), url: url, err: err}
		}(i, b)
	}
	wg.Wait()

	var (
		written []string
		url     string
		errs    []error
	)
	for _, oc := range outcomes {
		if oc.err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", oc.backend, oc.err))
			continue
		}
		written = append(written, oc.backend)
		if url == "" {
			url = oc.url
		}
	}

	if len(written) == 0 {
		metrics.RecordUpload(StrategyReplicated, int64(len(data)), false)
		return nil, totalFailure(name, errs)
	}

	result := &UploadResult{
		Name:     name,
		URL:      url,
		Backend:  written[0],
		Backends: written,
	}
	if len(written) > 1 {
		result.Backend = BackendReplicated
	}
	if url != ProxyURL(name) {
		result.NativeURL = url
	}
	o.record(ctx, name, written)
	metrics.RecordUpload(StrategyReplicated, int64(len(data)), true)
	logging.Info("media uploaded",
		zap.String("strategy", StrategyReplicated),
		zap.Strings("backends", written),
		zap.Int("failed", len(errs)),
		zap.String("name", name),
		zap.Int("size", len(data)))
	return result, nil
}

// attempt gives b exactly one try. A failed attempt is followed by a
// best-effort delete so no partial object survives on b.
func (o *Orchestrator) attempt(ctx context.Context, b Backend, obj Object) (string, error) {
	start := time.Now()
	url, err := b.Upload(ctx, obj)
	metrics.RecordBackendOperation(b.Name(), "upload", time.Since(start), err == nil)
	if err == nil {
		return url, nil
	}

	logging.Warn("backend upload failed",
		zap.String("backend", b.Name()),
		zap.String("name", obj.Name),
		zap.Error(err))

	if !errors.Is(err, ErrNotConfigured) && !errors.Is(err, ErrUnauthorized) {
		if delErr := b.Delete(ctx, obj.Name); delErr != nil {
			logging.Debug("cleanup after failed upload failed",
				zap.String("backend", b.Name()),
				zap.String("name", obj.Name),
				zap.Error(delErr))
		}
	}
	return "", err
}

// Delete removes name from every backend that might hold it. Failures are
// logged and never returned: callers only keep the name, so deletion is
// speculative.
func (o *Orchestrator) Delete(ctx context.Context, name string) {
	targets := o.deletionTargets(ctx, name)
	for _, b := range targets {
		if !b.IsAvailable() {
			continue
		}
		start := time.Now()
		err := b.Delete(ctx, name)
		metrics.RecordBackendOperation(b.Name(), "delete", time.Since(start), err == nil)
		metrics.RecordDeletion(b.Name(), err == nil)
		if err != nil {
			logging.Warn("backend delete failed",
				zap.String("backend", b.Name()),
				zap.String("name", name),
				zap.Error(err))
		}
	}

	if o.provenance != nil {
		if err := o.provenance.Forget(ctx, name); err != nil {
			logging.Warn("provenance forget failed", zap.String("name", name), zap.Error(err))
		}
	}
}

// deletionTargets puts recorded backends first, then the speculative sweep.
func (o *Orchestrator) deletionTargets(ctx context.Context, name string) []Backend {
	var targets []Backend
	targets = append(targets, o.recorded(ctx, name)...)
	targets = append(targets, o.sweep...)
	return dedupe(targets)
}

// Open streams name from the first backend that has it, trying recorded
// backends before the configured readers.
func (o *Orchestrator) Open(ctx context.Context, name string) (io.ReadCloser, string, error) {
	if err := ValidateName(name); err != nil {
		return nil, "", err
	}

	candidates := dedupe(append(o.recorded(ctx, name), o.readers...))
	for _, b := range candidates {
		if !b.IsAvailable() {
			continue
		}
		rc, ct, err := o.openFrom(ctx, b, name)
		if err == nil {
			return rc, ct, nil
		}
		if !errors.Is(err, ErrNotFound) {
			logging.Warn("backend open failed",
				zap.String("backend", b.Name()),
				zap.String("name", name),
				zap.Error(err))
		}
	}
	return nil, "", ErrNotFound
}

// OpenFrom streams name from one named backend.
func (o *Orchestrator) OpenFrom(ctx context.Context, backend, name string) (io.ReadCloser, string, error) {
	if err := ValidateName(name); err != nil {
		return nil, "", err
	}
	b, ok := o.byName[backend]
	if !ok || !b.IsAvailable() {
		return nil, "", fmt.Errorf("%s: %w", backend, ErrNotConfigured)
	}
	return o.openFrom(ctx, b, name)
}

func (o *Orchestrator) openFrom(ctx context.Context, b Backend, name string) (io.ReadCloser, string, error) {
	opener, ok := b.(Opener)
	if !ok {
		return nil, "", ErrNotFound
	}
	start := time.Now()
	rc, ct, err := opener.Open(ctx, name)
	metrics.RecordBackendOperation(b.Name(), "open", time.Since(start), err == nil || errors.Is(err, ErrNotFound))
	return rc, ct, err
}

func (o *Orchestrator) recorded(ctx context.Context, name string) []Backend {
	if o.provenance == nil {
		return nil
	}
	names, err := o.provenance.Lookup(ctx, name)
	if err != nil {
		logging.Warn("provenance lookup failed", zap.String("name", name), zap.Error(err))
		return nil
	}
	var out []Backend
	for _, n := range names {
		if b, ok := o.byName[n]; ok {
			out = append(out, b)
		}
	}
	return out
}

func (o *Orchestrator) record(ctx context.Context, name string, backends []string) {
	if o.provenance == nil {
		return
	}
	if err := o.provenance.Record(ctx, name, backends); err != nil {
		logging.Warn("provenance record failed", zap.String("name", name), zap.Error(err))
	}
}

func totalFailure(name string, errs []error) error {
	if len(errs) == 0 {
		return fmt.Errorf("upload %s: no backend available: %w", name, ErrAllBackendsFailed)
	}
	return fmt.Errorf("upload %s: %w", name, errors.Join(append([]error{ErrAllBackendsFailed}, errs...)...))
}

func dedupe(backends []Backend) []Backend {
	seen := make(map[string]bool, len(backends))
	out := make([]Backend, 0, len(backends))
	for _, b := range backends {
		if seen[b.Name()] {
			continue
		}
		seen[b.Name()] = true
		out = append(out, b)
	}
	return out
}
