package store

import (
	"database/sql"
	"fmt"
)

// migration is one forward-only schema step, embedded as a Go string
// constant so the binary carries its own schema and needs no migration
// directory on disk.
type migration struct {
	version int
	name    string
	sql     string
}

var migrations = []migration{
	{1, "initial_schema", schemaV1},
}

// migrate brings db forward to the latest schema version inside a single
// transaction per step, recording progress in schema_migrations. It never
// rewrites a version that has already been applied, so re-running it is
// always a no-op past the current version (idempotent startup).
//
// A failed migration aborts startup. Each step commits atomically, so a
// failure mid-step leaves the database exactly at the last fully-applied
// version; the pre-existing file is never left half-migrated.
func migrate(db *sql.DB) (int, error) {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)
	`); err != nil {
		return 0, fmt.Errorf("store: create schema_migrations: %w", err)
	}

	var current int
	if err := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return 0, fmt.Errorf("store: read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return current, fmt.Errorf("store: begin migration %d: %w", m.version, err)
		}

		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return current, fmt.Errorf("store: apply migration %d (%s): %w", m.version, m.name, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (version) VALUES (?)`, m.version); err != nil {
			tx.Rollback()
			return current, fmt.Errorf("store: record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return current, fmt.Errorf("store: commit migration %d: %w", m.version, err)
		}

		current = m.version
	}

	return current, nil
}

// schemaV1 creates the memory table, its FTS5 shadow index with
// keep-in-sync triggers, the embeddings table, the entity-relation table,
// the audit log, and index_meta.
const schemaV1 = `
CREATE TABLE memories (
	id             TEXT PRIMARY KEY,
	type           TEXT NOT NULL,
	content        TEXT NOT NULL,
	scope          TEXT NOT NULL,
	source_group   TEXT NOT NULL,
	confidence     REAL NOT NULL DEFAULT 1.0,
	access_count   INTEGER NOT NULL DEFAULT 0,
	created_at     TEXT NOT NULL,
	updated_at     TEXT NOT NULL,
	last_accessed  TEXT,
	superseded_by  TEXT,
	metadata       TEXT
);

CREATE INDEX idx_memories_type_live ON memories(type, superseded_by);
CREATE INDEX idx_memories_group ON memories(source_group, scope);
CREATE INDEX idx_memories_created_at ON memories(created_at);

CREATE VIRTUAL TABLE memories_fts USING fts5(
	content,
	content='memories',
	content_rowid='rowid',
	tokenize='unicode61'
);

CREATE TRIGGER memories_ai AFTER INSERT ON memories BEGIN
	INSERT INTO memories_fts(rowid, content) VALUES (new.rowid, new.content);
END;

CREATE TRIGGER memories_ad AFTER DELETE ON memories BEGIN
	INSERT INTO memories_fts(memories_fts, rowid, content) VALUES ('delete', old.rowid, old.content);
END;

CREATE TRIGGER memories_au AFTER UPDATE ON memories BEGIN
	INSERT INTO memories_fts(memories_fts, rowid, content) VALUES ('delete', old.rowid, old.content);
	INSERT INTO memories_fts(rowid, content) VALUES (new.rowid, new.content);
END;

CREATE TABLE embeddings (
	memory_id TEXT PRIMARY KEY REFERENCES memories(id) ON DELETE CASCADE,
	vector    BLOB NOT NULL,
	dim       INTEGER NOT NULL
);

CREATE TABLE relations (
	id         TEXT PRIMARY KEY,
	subject_id TEXT NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
	predicate  TEXT NOT NULL,
	object_id  TEXT NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
	created_at TEXT NOT NULL,
	UNIQUE(subject_id, predicate, object_id)
);

CREATE INDEX idx_relations_subject ON relations(subject_id);
CREATE INDEX idx_relations_object ON relations(object_id);

CREATE TABLE audit_log (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	operation  TEXT NOT NULL,
	memory_id  TEXT NOT NULL,
	details    TEXT,
	created_at TEXT NOT NULL
);

CREATE INDEX idx_audit_memory ON audit_log(memory_id);

CREATE TABLE index_meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`
