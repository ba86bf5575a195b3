package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/m-mizutani/goerr/v2"
)

// GetPreferences returns owner's preference document, or an empty map.
func (db *DB) GetPreferences(ctx context.Context, owner string) (map[string]any, error) {
	var raw string
	err := db.QueryRowContext(ctx, "SELECT prefs FROM owner_preferences WHERE owner = ?", owner).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, goerr.Wrap(err, "get preferences", goerr.V("owner", owner))
	}

	prefs := map[string]any{}
	if err := json.Unmarshal([]byte(raw), &prefs); err != nil {
		return nil, goerr.Wrap(err, "decode preferences", goerr.V("owner", owner))
	}
	return prefs, nil
}

// PutPreferences replaces owner's preference document.
func (db *DB) PutPreferences(ctx context.Context, owner string, prefs map[string]any) error {
	if prefs == nil {
		prefs = map[string]any{}
	}
	b, err := json.Marshal(prefs)
	if err != nil {
		return goerr.Wrap(err, "encode preferences", goerr.V("owner", owner))
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO owner_preferences (owner, prefs, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(owner) DO UPDATE SET prefs = excluded.prefs, updated_at = excluded.updated_at
	`, owner, string(b), time.Now().UnixMilli())
	if err != nil {
		return goerr.Wrap(err, "put preferences", goerr.V("owner", owner))
	}
	return nil
}
