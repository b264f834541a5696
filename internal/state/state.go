// Package state provides the process-scoped key/value persistence shared by
// the data store, protocol store, and auth store. Each key holds one
// JSON-encoded snapshot; writers always replace the whole value so readers
// never observe a torn snapshot.
package state

import (
	"context"
	"fmt"
	"os"
)

// Well-known keys in the persistence namespace.
const (
	KeyDataStore         = "data-store"
	KeyProtocolStain     = "protocol-store/stain"
	KeyProtocolRegion    = "protocol-store/region"
	KeyProtocolConflicts = "protocol-store/conflicts"
	KeyProtocolLastSync  = "protocol-store/last-sync"
	KeyAuth              = "auth"
	KeyRegexRules        = "regex-rules"
	KeyColumnMapping     = "column-mapping"
)

// Driver identifies a concrete persistence implementation.
type Driver string

const (
	DriverMemory   Driver = "memory"   // in-memory only (tests / ephemeral)
	DriverSQLite   Driver = "sqlite"   // embedded sqlite file
	DriverPostgres Driver = "postgres" // PostgreSQL server
)

// KV is the snapshot store contract. Get returns ok=false for absent keys.
type KV interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// Open selects a backend using environment variables. Defaults to sqlite.
//
//	SLIDEWRANGLER_STATE_DRIVER: memory|sqlite|postgres (default sqlite)
//	SLIDEWRANGLER_SQLITE_PATH: path to sqlite file (default ./slidewrangler.db)
//	SLIDEWRANGLER_POSTGRES_DSN: postgres DSN when driver=postgres
func Open(ctx context.Context) (KV, error) {
	driver := os.Getenv("SLIDEWRANGLER_STATE_DRIVER")
	if driver == "" {
		driver = string(DriverSQLite)
	}
	switch Driver(driver) {
	case DriverMemory:
		return NewMemory(), nil
	case DriverSQLite:
		return NewSQLite(os.Getenv("SLIDEWRANGLER_SQLITE_PATH"))
	case DriverPostgres:
		return NewPostgres(ctx, os.Getenv("SLIDEWRANGLER_POSTGRES_DSN"))
	default:
		return nil, fmt.Errorf("unknown state driver %s", driver)
	}
}
