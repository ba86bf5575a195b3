package store

import (
	"path/filepath"
	"testing"

	"github.com/m-mizutani/gt"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenMemory()
	gt.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenMemory(t *testing.T) {
	db := testDB(t)
	gt.Equal(t, db.Path, ":memory:")
}

func TestSchemaVersion(t *testing.T) {
	db := testDB(t)
	v, err := db.SchemaVersion()
	gt.NoError(t, err)
	gt.Equal(t, v, len(migrations))
}

func TestTablesExist(t *testing.T) {
	db := testDB(t)
	for _, table := range []string{"schema_versions", "memories", "memory_vectors", "owner_preferences"} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		gt.NoError(t, err)
	}
}

func TestForeignKeysEnabled(t *testing.T) {
	db := testDB(t)
	var on int
	gt.NoError(t, db.QueryRow("PRAGMA foreign_keys").Scan(&on))
	gt.Equal(t, on, 1)
}

func TestRoleConstraint(t *testing.T) {
	db := testDB(t)
	_, err := db.Exec(`INSERT INTO memories (id, owner, message, role, ts) VALUES ('x', 'o', 'm', 'robot', 0)`)
	gt.Error(t, err)
}

func TestOpenFileReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "tether.db")

	db, err := Open(path)
	gt.NoError(t, err)
	gt.NoError(t, db.Close())

	// Migrations are idempotent.
	db, err = Open(path)
	gt.NoError(t, err)
	defer db.Close()
	v, err := db.SchemaVersion()
	gt.NoError(t, err)
	gt.Equal(t, v, len(migrations))
}
