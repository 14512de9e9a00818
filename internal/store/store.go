// Package store is the typed CRUD surface over the engine's relational
// database (§4.1, C1). It wraps internal/store/driver's dialect-agnostic
// Driver so the same SQL-shaped queries run against PostgreSQL in production
// and SQLite in tests and local development.
package store

import (
	"context"
	"embed"
	"fmt"

	"github.com/taskops/engine/internal/store/driver"
)

//go:embed schema/*.sql schema/postgres/*.sql
var schemaFS embed.FS

// embedFS adapts embed.FS to driver.SchemaFS (which uses its own DirEntry
// type so the driver package stays free of the fs package's broader surface).
type embedFS struct{ fs embed.FS }

func (e embedFS) ReadDir(name string) ([]driver.DirEntry, error) {
	entries, err := e.fs.ReadDir(name)
	if err != nil {
		return nil, err
	}
	out := make([]driver.DirEntry, len(entries))
	for i, d := range entries {
		out[i] = dirEntry{d.Name(), d.IsDir()}
	}
	return out, nil
}

func (e embedFS) ReadFile(name string) ([]byte, error) {
	return e.fs.ReadFile(name)
}

type dirEntry struct {
	name  string
	isDir bool
}

func (d dirEntry) Name() string { return d.name }
func (d dirEntry) IsDir() bool  { return d.isDir }

// schemaType is the migration-file prefix used for every engine table; the
// engine has one logical schema, unlike the teacher's per-feature schemas.
const schemaType = "engine"

// Store is the engine's persistence layer.
type Store struct {
	drv driver.Driver
}

// Open opens a Store against dsn using the given dialect and runs pending
// migrations.
func Open(ctx context.Context, dialect driver.Dialect, dsn string) (*Store, error) {
	drv, err := driver.New(dialect)
	if err != nil {
		return nil, fmt.Errorf("create driver: %w", err)
	}
	if err := drv.Open(dsn); err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := drv.Migrate(ctx, embedFS{schemaFS}, schemaType); err != nil {
		drv.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{drv: drv}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error { return s.drv.Close() }

// ph returns the dialect-appropriate placeholder for the i-th bind
// parameter (1-indexed), mirroring the teacher's db/team.go dynamic-filter
// pattern generalized to every parameterized query in this store.
func (s *Store) ph(i int) string { return s.drv.Placeholder(i) }

// Dialect reports which database backend this Store is running against.
func (s *Store) Dialect() driver.Dialect { return s.drv.Dialect() }

// WithTx runs fn inside a transaction, committing on success and rolling
// back otherwise. Used by collaborators (e.g. the tracker's per-secret
// OAuth-refresh guard) that need a transaction-scoped advisory lock without
// otherwise touching the Store's typed CRUD surface.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx driver.Tx) error) error {
	tx, err := s.drv.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(ctx, tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
