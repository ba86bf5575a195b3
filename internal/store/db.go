package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	_ "modernc.org/sqlite"

	"github.com/lazypower/tether/internal/memory"
)

// DB wraps a sql.DB connection to the tether SQLite database.
// It implements memory.Backend.
type DB struct {
	*sql.DB
	Path string
}

var _ memory.Backend = (*DB)(nil)

var pragmas = []string{
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
	"foreign_keys(ON)",
	"mmap_size(268435456)", // 256MB
	"busy_timeout(5000)",
}

// DefaultDBPath returns the default database path: ~/.tether/tether.db
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", goerr.Wrap(err, "get home dir")
	}
	return filepath.Join(home, ".tether", "tether.db"), nil
}

// Open opens (or creates) the SQLite database at the given path,
// configures pragmas, and runs migrations.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, goerr.Wrap(err, "create db dir", goerr.V("path", path))
	}

	sqlDB, err := sql.Open("sqlite", dsn("file:"+path))
	if err != nil {
		return nil, goerr.Wrap(err, "open sqlite", goerr.V("path", path))
	}
	return initDB(sqlDB, path)
}

// OpenMemory opens an in-memory SQLite database for testing.
func OpenMemory() (*DB, error) {
	sqlDB, err := sql.Open("sqlite", dsn("file::memory:"))
	if err != nil {
		return nil, goerr.Wrap(err, "open sqlite memory")
	}
	// Every connection to :memory: is a separate database.
	sqlDB.SetMaxOpenConns(1)
	return initDB(sqlDB, ":memory:")
}

func initDB(sqlDB *sql.DB, path string) (*DB, error) {
	db := &DB{DB: sqlDB, Path: path}
	if err := db.migrate(); err != nil {
		sqlDB.Close()
		return nil, goerr.Wrap(err, "migrate", goerr.V("path", path))
	}
	return db, nil
}

// dsn applies pragmas through the connection string so that every pooled
// connection gets them, not only the first.
func dsn(base string) string {
	params := make([]string, len(pragmas))
	for i, p := range pragmas {
		params[i] = "_pragma=" + p
	}
	return base + "?" + strings.Join(params, "&")
}

// Ping checks connectivity.
func (db *DB) Ping(ctx context.Context) error {
	return db.PingContext(ctx)
}
