// Package kvstore provides the string key-value backends that report
// snapshots are mirrored into. Every backend stores opaque text values and
// supports prefix listing, which is all the persistence bridge needs.
package kvstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound      = errors.New("kvstore: key not found")
	ErrQuotaExceeded = errors.New("kvstore: quota exceeded")
)

const (
	EngineMemory   = "memory"
	EngineFile     = "file"
	EngineSQLite   = "sqlite"
	EnginePostgres = "postgres"
)

// Store is a flat key-value namespace.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Put(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// Options select and configure a backend.
type Options struct {
	Engine string
	// Path is the JSON file for the file engine or the database file for
	// the sqlite engine.
	Path string
	// Pool is required for the postgres engine.
	Pool *pgxpool.Pool
	// QuotaBytes caps the memory engine; 0 means unlimited.
	QuotaBytes int
}

// Open returns the backend named by opts.Engine.
func Open(opts Options) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Engine)) {
	case EngineMemory:
		return NewMemoryStore(opts.QuotaBytes), nil
	case EngineFile:
		return NewFileStore(opts.Path)
	case "", EngineSQLite:
		return NewSQLiteStore(opts.Path)
	case EnginePostgres:
		if opts.Pool == nil {
			return nil, fmt.Errorf("kvstore: postgres engine requires a connection pool")
		}
		return NewPostgresStore(opts.Pool), nil
	default:
		return nil, fmt.Errorf("kvstore: unsupported engine %q", opts.Engine)
	}
}

// ValidEngine reports whether name is a known engine.
func ValidEngine(name string) bool {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", EngineMemory, EngineFile, EngineSQLite, EnginePostgres:
		return true
	}
	return false
}
