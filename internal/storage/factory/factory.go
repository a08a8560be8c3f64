// Package factory assembles the configured storage backends into an
// orchestrator.
package factory

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/fruitsalade/mediastore/internal/config"
	"github.com/fruitsalade/mediastore/internal/logging"
	"github.com/fruitsalade/mediastore/internal/storage"
	"github.com/fruitsalade/mediastore/internal/storage/b2"
	"github.com/fruitsalade/mediastore/internal/storage/local"
	s3backend "github.com/fruitsalade/mediastore/internal/storage/s3"
	"github.com/fruitsalade/mediastore/internal/storage/sidecar"
)

// Backends holds every backend built from configuration.
type Backends struct {
	B2      *b2.Backend
	Sidecar *sidecar.Backend
	S3      *s3backend.Backend
	Local   *local.Backend
}

// NewBackends builds all backends. Unconfigured ones report themselves
// unavailable rather than failing here.
func NewBackends(cfg *config.Config) (*Backends, error) {
	mode, err := b2.ParseURLMode(cfg.B2URLMode)
	if err != nil {
		return nil, err
	}

	warnIncomplete(cfg)

	localBackend, err := local.New(local.Config{Dir: cfg.LocalMediaDir})
	if err != nil {
		return nil, fmt.Errorf("local backend: %w", err)
	}

	return &Backends{
		B2: b2.New(b2.Config{
			KeyID:           cfg.B2KeyID,
			Key:             cfg.B2Key,
			BucketName:      cfg.B2BucketName,
			BucketID:        cfg.B2BucketID,
			APIURL:          cfg.B2APIURL,
			DownloadAuthTTL: cfg.B2DownloadAuthTTL,
			URLMode:         mode,
			Timeout:         cfg.HTTPTimeout,
			MaxRetries:      cfg.HTTPMaxRetries,
		}),
		Sidecar: sidecar.New(sidecar.Config{
			Enabled:    cfg.SidecarEnabled,
			Endpoint:   cfg.SidecarEndpoint,
			BucketID:   cfg.SidecarBucketID,
			StorageURL: cfg.SidecarStorageURL,
			Audience:   cfg.SidecarAudience,
			Timeout:    cfg.HTTPTimeout,
			MaxRetries: cfg.HTTPMaxRetries,
		}),
		S3: s3backend.New(s3backend.Config{
			Endpoint:  cfg.S3Endpoint,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Region:    cfg.S3Region,
		}),
		Local: localBackend,
	}, nil
}

// warnIncomplete flags backends that were partly configured and will stay
// unavailable.
func warnIncomplete(cfg *config.Config) {
	if cfg.SidecarEnabled && !cfg.SidecarConfigured() {
		logging.Warn("hosting mode detected but SIDECAR_BUCKET_ID is unset, sidecar storage disabled")
	}
	if !cfg.B2Configured() && (cfg.B2KeyID != "" || cfg.B2Key != "" || cfg.B2BucketName != "" || cfg.B2BucketID != "") {
		logging.Warn("B2 credentials incomplete, b2 storage disabled")
	}
	if !cfg.S3Configured() && (cfg.S3Endpoint != "" || cfg.S3Bucket != "") {
		logging.Warn("S3 settings incomplete, s3 storage disabled")
	}
}

// Options returns orchestrator options for the standard layout: priority
// B2, sidecar, S3, local; replicas and sweep sidecar and local; reads from
// local first.
func (b *Backends) Options(prov storage.ProvenanceStore) storage.Options {
	return storage.Options{
		Priority:   []storage.Backend{b.B2, b.Sidecar, b.S3, b.Local},
		Replicas:   []storage.Backend{b.Sidecar, b.Local},
		Sweep:      []storage.Backend{b.Sidecar, b.Local},
		Readers:    []storage.Backend{b.Local, b.Sidecar, b.S3, b.B2},
		Provenance: prov,
	}
}

// Build creates the orchestrator for cfg and logs which backends are live.
func Build(cfg *config.Config, prov storage.ProvenanceStore) (*storage.Orchestrator, error) {
	backends, err := NewBackends(cfg)
	if err != nil {
		return nil, err
	}
	orch := storage.NewOrchestrator(backends.Options(prov))

	for _, st := range orch.Backends() {
		logging.Info("storage backend",
			zap.String("backend", st.Name),
			zap.Bool("available", st.Available),
			zap.Int("priority", st.Priority))
	}
	return orch, nil
}
