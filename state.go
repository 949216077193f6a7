// Copyright 2026 The mk Authors
// SPDX-License-Identifier: Apache-2.0

package smak

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// cacheSchemaVersion is bumped whenever the encoded payload shape changes;
// a mismatch invalidates the whole cache (SPEC_FULL.md §4.D).
const cacheSchemaVersion = 1

const cacheSchema = `
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS input_files (
	path  TEXT PRIMARY KEY,
	mtime INTEGER NOT NULL,
	size  INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS rules (
	id      INTEGER PRIMARY KEY CHECK (id = 0),
	payload BLOB NOT NULL
);
`

// encodedRule is the JSON-serializable projection of a RuleEntry persisted
// to the rules table.
type encodedRule struct {
	Kind    RuleKind `json:"kind"`
	Target  string   `json:"target"`
	Prereqs []string `json:"prereqs"`
	Recipe  []string `json:"recipe"`
}

type encodedDB struct {
	Fixed   []encodedRule `json:"fixed"`
	Pattern []encodedRule `json:"pattern"`
	Pseudo  []encodedRule `json:"pseudo"`
	Phony   []string      `json:"phony"`
}

// StateCache is the persisted parsed-graph snapshot (SPEC_FULL.md §4.D),
// backed by an embedded modernc.org/sqlite database rather than the
// teacher's plain JSON file — grounded on jra3-linear-fuse's
// internal/db/store.go WAL-mode open pattern (see DESIGN.md).
type StateCache struct {
	db   *sql.DB
	path string
}

// OpenStateCache opens (creating dir and the database if necessary) the
// cache database at dir/cache.db.
func OpenStateCache(dir string) (*StateCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache dir: %w", err)
	}
	path := filepath.Join(dir, "cache.db")
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(on)")
	if err != nil {
		return nil, fmt.Errorf("opening state cache: %w", err)
	}
	if _, err := db.Exec(cacheSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying state cache schema: %w", err)
	}
	return &StateCache{db: db, path: path}, nil
}

func (c *StateCache) Close() error { return c.db.Close() }

// Now returns the current time with the monotonic reading stripped, so
// timestamps round-trip cleanly through sqlite storage (jra3-linear-fuse's
// Store.Now convention).
func Now() time.Time { return time.Now().UTC().Round(0) }

// Save persists the rule database and the mtime/size of every input file
// that contributed to the parse, atomically replacing any prior snapshot.
func (c *StateCache) Save(db *RuleDB, inputFiles []string) error {
	tx, err := c.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM input_files`); err != nil {
		return err
	}
	for _, f := range inputFiles {
		info, err := os.Stat(f)
		if err != nil {
			continue // file vanished between parse and save; next load will miss and re-parse
		}
		if _, err := tx.Exec(
			`INSERT INTO input_files (path, mtime, size) VALUES (?, ?, ?)`,
			f, info.ModTime().UnixNano(), info.Size(),
		); err != nil {
			return err
		}
	}

	payload, err := json.Marshal(encodeDB(db))
	if err != nil {
		return err
	}
	if _, err := tx.Exec(
		`INSERT INTO rules (id, payload) VALUES (0, ?) ON CONFLICT(id) DO UPDATE SET payload = excluded.payload`,
		payload,
	); err != nil {
		return err
	}
	if _, err := tx.Exec(
		`INSERT INTO meta (key, value) VALUES ('version', ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		fmt.Sprint(cacheSchemaVersion),
	); err != nil {
		return err
	}
	return tx.Commit()
}

// Load returns the cached rule database if every recorded input file's
// mtime still matches and the schema version is current; otherwise it
// reports ok=false so the caller re-parses from source.
func (c *StateCache) Load() (db *RuleDB, ok bool, err error) {
	var version string
	row := c.db.QueryRow(`SELECT value FROM meta WHERE key = 'version'`)
	if err := row.Scan(&version); err != nil {
		return nil, false, nil // no prior cache
	}
	if version != fmt.Sprint(cacheSchemaVersion) {
		return nil, false, nil
	}

	rows, err := c.db.Query(`SELECT path, mtime, size FROM input_files`)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()
	for rows.Next() {
		var path string
		var mtime, size int64
		if err := rows.Scan(&path, &mtime, &size); err != nil {
			return nil, false, err
		}
		info, statErr := os.Stat(path)
		if statErr != nil || info.ModTime().UnixNano() != mtime || info.Size() != size {
			return nil, false, nil // stale or missing input: invalidate
		}
	}

	var payload []byte
	row = c.db.QueryRow(`SELECT payload FROM rules WHERE id = 0`)
	if err := row.Scan(&payload); err != nil {
		return nil, false, nil
	}
	var enc encodedDB
	if err := json.Unmarshal(payload, &enc); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrCacheVersion, err)
	}
	return decodeDB(enc), true, nil
}

func encodeDB(db *RuleDB) encodedDB {
	enc := encodedDB{}
	for _, r := range db.fixed {
		enc.Fixed = append(enc.Fixed, encodedRule{Kind: r.Kind, Target: r.Target, Prereqs: r.Prereqs, Recipe: r.Recipe})
	}
	for _, r := range db.pattern {
		enc.Pattern = append(enc.Pattern, encodedRule{Kind: r.Kind, Target: r.Target, Prereqs: r.Prereqs, Recipe: r.Recipe})
	}
	for _, r := range db.pseudo {
		enc.Pseudo = append(enc.Pseudo, encodedRule{Kind: r.Kind, Target: r.Target, Prereqs: r.Prereqs, Recipe: r.Recipe})
	}
	for t := range db.phony {
		enc.Phony = append(enc.Phony, t)
	}
	return enc
}

func decodeDB(enc encodedDB) *RuleDB {
	db := newRuleDB()
	for _, r := range enc.Fixed {
		db.fixed[r.Target] = &RuleEntry{Kind: r.Kind, Target: r.Target, Prereqs: r.Prereqs, Recipe: r.Recipe}
	}
	for _, r := range enc.Pattern {
		db.pattern = append(db.pattern, &RuleEntry{Kind: r.Kind, Target: r.Target, Pattern: ParsePattern(r.Target), Prereqs: r.Prereqs, Recipe: r.Recipe})
	}
	for _, r := range enc.Pseudo {
		db.pseudo[r.Target] = &RuleEntry{Kind: r.Kind, Target: r.Target, Prereqs: r.Prereqs, Recipe: r.Recipe}
	}
	for _, t := range enc.Phony {
		db.phony[t] = true
	}
	// inactivePatterns is intentionally left empty: it is always
	// recomputed by Graph.detectInactivePatterns after a cache load
	// (§4.D Open Question 3), never persisted.
	return db
}
