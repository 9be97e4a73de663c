// Package factory opens a storage backend from a connection string.
// It lives outside the storage package so the interface package does not
// import its own implementations.
package factory

import (
	"context"
	"fmt"

	"github.com/magpielab/magpie/internal/storage"
	"github.com/magpielab/magpie/internal/storage/memory"
	"github.com/magpielab/magpie/internal/storage/sqldb"
)

// Open parses connString and returns a ready storage backend with the
// schema applied.
func Open(ctx context.Context, connString string) (storage.Storage, error) {
	backend, dsn, err := storage.ParseConnString(connString)
	if err != nil {
		return nil, err
	}
	switch backend {
	case storage.BackendSQLite, storage.BackendMySQL:
		return sqldb.Open(ctx, backend, dsn)
	case storage.BackendMemory:
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", backend)
	}
}
