package provenance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/fruitsalade/mediastore/internal/logging"
)

// Postgres stores provenance in the media_provenance table.
type Postgres struct {
	db *sql.DB
}

// NewPostgres opens and pings the database.
func NewPostgres(databaseURL string) (*Postgres, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Postgres{db: db}, nil
}

// Close closes the database connection.
func (p *Postgres) Close() error {
	return p.db.Close()
}

// Migrate runs every *.up.sql file in dir in lexical order.
func (p *Postgres) Migrate(dir string) error {
	files, err := filepath.Glob(filepath.Join(dir, "*.up.sql"))
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(files)

	for _, f := range files {
		logging.Info("running migration", zap.String("file", filepath.Base(f)))
		content, err := os.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := p.db.Exec(string(content)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
	}
	return nil
}

// Record upserts the backend list for name.
func (p *Postgres) Record(ctx context.Context, name string, backends []string) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO media_provenance (name, backends) VALUES ($1, $2)
		 ON CONFLICT (name) DO UPDATE SET backends = EXCLUDED.backends, updated_at = NOW()`,
		name, pq.Array(backends))
	if err != nil {
		return fmt.Errorf("record provenance %s: %w", name, err)
	}
	return nil
}

// Lookup returns the recorded backends for name, or nil.
func (p *Postgres) Lookup(ctx context.Context, name string) ([]string, error) {
	var backends []string
	err := p.db.QueryRowContext(ctx,
		`SELECT backends FROM media_provenance WHERE name = $1`, name).Scan(pq.Array(&backends))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup provenance %s: %w", name, err)
	}
	return backends, nil
}

// Forget deletes the record for name.
func (p *Postgres) Forget(ctx context.Context, name string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM media_provenance WHERE name = $1`, name); err != nil {
		return fmt.Errorf("forget provenance %s: %w", name, err)
	}
	return nil
}

// FindMigrationsDir locates the migrations directory relative to the working
// directory or the executable. It returns "" when none is found.
func FindMigrationsDir() string {
	candidates := []string{
		"migrations",
		"../migrations",
		"../../migrations",
	}

	exe, _ := os.Executable()
	if exe != "" {
		candidates = append(candidates, filepath.Join(filepath.Dir(exe), "migrations"))
	}

	for _, dir := range candidates {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir
		}
	}
	return ""
}
