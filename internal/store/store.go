// Package store holds the persistence backends for readings. Every backend
// implements readings.Store and keeps one value per (category, device, date).
package store

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/i474232898/station-readings/internal/readings"
)

// Backend names accepted by Open.
const (
	BackendCSV      = "csv"
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Config selects and parameterises a backend.
type Config struct {
	Backend     string
	DataDir     string
	SQLitePath  string
	PostgresDSN string
}

// Closer is a Store that holds resources.
type Closer interface {
	readings.Store
	io.Closer
}

type nopCloser struct{ readings.Store }

func (nopCloser) Close() error { return nil }

// Open builds the backend named by cfg.Backend.
func Open(ctx context.Context, cfg Config) (Closer, error) {
	slog.Info("opening store", "backend", cfg.Backend)

	switch cfg.Backend {
	case BackendCSV, "":
		fs, err := NewFileStore(cfg.DataDir)
		if err != nil {
			return nil, err
		}
		return nopCloser{fs}, nil
	case BackendMemory:
		return nopCloser{NewMemoryStore()}, nil
	case BackendSQLite:
		return OpenSQLite(cfg.SQLitePath)
	case BackendPostgres:
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("postgres backend needs a DSN")
		}
		return OpenPostgres(ctx, cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
