package store

import (
	"database/sql"
	"fmt"

	_ "github.com/asg017/sqlite-vec-go-bindings/ncruces"
	_ "github.com/ncruces/go-sqlite3/driver"
)

// schema defines the seven tables backing one Space, exactly as laid out by
// the persistent state layout: value, fact, head, commit, snapshot, branch,
// blob_store.
const schema = `
CREATE TABLE IF NOT EXISTS value (
    hash TEXT PRIMARY KEY,
    data TEXT
);

CREATE TABLE IF NOT EXISTS fact (
    hash TEXT PRIMARY KEY,
    id TEXT NOT NULL,
    fact_type TEXT NOT NULL,
    value_ref TEXT REFERENCES value(hash),
    parent TEXT REFERENCES fact(hash),
    branch TEXT NOT NULL,
    seq INTEGER NOT NULL,
    commit_ref TEXT REFERENCES "commit"(hash) DEFERRABLE INITIALLY DEFERRED
);

CREATE INDEX IF NOT EXISTS idx_fact_seq ON fact(seq);
CREATE INDEX IF NOT EXISTS idx_fact_id ON fact(id);
CREATE INDEX IF NOT EXISTS idx_fact_id_seq ON fact(id, seq);
CREATE INDEX IF NOT EXISTS idx_fact_commit ON fact(commit_ref);
CREATE INDEX IF NOT EXISTS idx_fact_branch ON fact(branch);

CREATE TABLE IF NOT EXISTS "commit" (
    hash TEXT PRIMARY KEY,
    seq INTEGER NOT NULL,
    branch TEXT NOT NULL,
    reads TEXT NOT NULL,
    created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_commit_seq ON "commit"(seq);
CREATE INDEX IF NOT EXISTS idx_commit_branch ON "commit"(branch);

CREATE TABLE IF NOT EXISTS head (
    branch TEXT NOT NULL,
    id TEXT NOT NULL,
    fact_hash TEXT NOT NULL REFERENCES fact(hash),
    seq INTEGER NOT NULL,
    PRIMARY KEY (branch, id)
);

CREATE INDEX IF NOT EXISTS idx_head_branch ON head(branch);

CREATE TABLE IF NOT EXISTS snapshot (
    branch TEXT NOT NULL,
    id TEXT NOT NULL,
    seq INTEGER NOT NULL,
    value_ref TEXT NOT NULL REFERENCES value(hash),
    PRIMARY KEY (branch, id, seq)
);

CREATE TABLE IF NOT EXISTS branch (
    name TEXT PRIMARY KEY,
    parent_branch TEXT REFERENCES branch(name),
    fork_seq INTEGER NOT NULL,
    head_seq INTEGER NOT NULL,
    created_at INTEGER NOT NULL,
    deleted INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS blob_store (
    hash TEXT PRIMARY KEY,
    data BLOB NOT NULL,
    content_type TEXT,
    size INTEGER NOT NULL
);
`

// pragmas are applied at open, in order, exactly as the shared-resource
// policy requires: WAL journaling, normal sync, a bounded busy wait, a 64MB
// page cache, in-memory temp storage, a 256MB mmap window, and FK
// enforcement. Page size is set before the first table is created so it
// only takes effect on a fresh file.
func pragmas(busyTimeoutMillis int) []string {
	return []string{
		"PRAGMA page_size = 32768",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeoutMillis),
		"PRAGMA cache_size = -65536",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA mmap_size = 268435456",
		"PRAGMA foreign_keys = ON",
	}
}

// openDB opens the Space's database file, applies pragmas, creates the
// schema if absent, and seeds the __empty__ value row and default branch
// row — both written only here, at initialization, per the shared-resource
// policy.
func openDB(dsn string, cfg EngineConfig) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dsn, err)
	}

	for _, p := range pragmas(cfg.BusyTimeoutMillis) {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: pragma %q: %w", p, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}

	if err := seed(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: seed: %w", err)
	}

	return db, nil
}

func seed(db *sql.DB) error {
	if _, err := db.Exec(`INSERT OR IGNORE INTO value (hash, data) VALUES (?, NULL)`, string(EmptyRef)); err != nil {
		return err
	}
	if _, err := db.Exec(`
		INSERT OR IGNORE INTO branch (name, parent_branch, fork_seq, head_seq, created_at, deleted)
		VALUES (?, NULL, 0, 0, 0, 0)
	`, DefaultBranch); err != nil {
		return err
	}
	return nil
}
