package provenance

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/fruitsalade/mediastore/internal/logging"
	"github.com/fruitsalade/mediastore/internal/storage"
)

// Open returns the Postgres store when databaseURL is set, migrated from
// the discovered migrations directory, and the in-memory store otherwise.
// The returned close func is never nil.
func Open(databaseURL string) (storage.ProvenanceStore, func() error, error) {
	if databaseURL == "" {
		logging.Info("provenance: using in-memory store")
		return NewMemory(), func() error { return nil }, nil
	}

	store, err := NewPostgres(databaseURL)
	if err != nil {
		return nil, nil, err
	}

	dir := FindMigrationsDir()
	if dir == "" {
		store.Close()
		return nil, nil, fmt.Errorf("migrations directory not found")
	}
	if err := store.Migrate(dir); err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	logging.Info("provenance: using postgres", zap.String("migrations", dir))
	return store, store.Close, nil
}
