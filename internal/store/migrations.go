package store

import (
	"github.com/m-mizutani/goerr/v2"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "memories: conversational memory records",
		SQL: `
CREATE TABLE memories (
    id              TEXT PRIMARY KEY,
    owner           TEXT NOT NULL,
    message         TEXT NOT NULL,
    role            TEXT NOT NULL CHECK (role IN ('user', 'assistant', 'system')),
    context         TEXT NOT NULL DEFAULT '{}',
    relevance_score REAL NOT NULL DEFAULT 1.0 CHECK (relevance_score >= 0 AND relevance_score <= 1),
    ts              INTEGER NOT NULL
);

CREATE INDEX idx_memories_owner_ts        ON memories(owner, ts DESC, id DESC);
CREATE INDEX idx_memories_owner_relevance ON memories(owner, relevance_score);
`,
	},
	{
		Version:     2,
		Description: "memory_vectors: embeddings stored as float64 BLOBs",
		SQL: `
CREATE TABLE memory_vectors (
    memory_id  TEXT PRIMARY KEY,
    embedding  BLOB NOT NULL,
    model      TEXT NOT NULL,
    dimensions INTEGER NOT NULL,
    created_at INTEGER NOT NULL,

    FOREIGN KEY (memory_id) REFERENCES memories(id) ON DELETE CASCADE
);
`,
	},
	{
		Version:     3,
		Description: "owner_preferences: per-owner preference documents",
		SQL: `
CREATE TABLE owner_preferences (
    owner      TEXT PRIMARY KEY,
    prefs      TEXT NOT NULL DEFAULT '{}',
    updated_at INTEGER NOT NULL
);
`,
	},
}

func (db *DB) migrate() error {
	// Create schema_versions table if it doesn't exist
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now') * 1000)
		)
	`)
	if err != nil {
		return goerr.Wrap(err, "create schema_versions")
	}

	for _, m := range migrations {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM schema_versions WHERE version = ?", m.Version).Scan(&count)
		if err != nil {
			return goerr.Wrap(err, "check migration", goerr.V("version", m.Version))
		}
		if count > 0 {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return goerr.Wrap(err, "begin migration", goerr.V("version", m.Version))
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return goerr.Wrap(err, "apply migration",
				goerr.V("version", m.Version), goerr.V("description", m.Description))
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_versions (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return goerr.Wrap(err, "record migration", goerr.V("version", m.Version))
		}

		if err := tx.Commit(); err != nil {
			return goerr.Wrap(err, "commit migration", goerr.V("version", m.Version))
		}
	}

	return nil
}

// SchemaVersion returns the current schema version.
func (db *DB) SchemaVersion() (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&version)
	return version, err
}
