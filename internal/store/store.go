// Package store is Loci's embedded, transactional home for memories, the
// keyword and vector indexes, entity relations, and the audit log. It is a
// single-writer SQLite store: the pool holds one open connection, so every
// statement a process issues, reads included, runs one at a time; WAL mode
// lets readers on other connections proceed while a write is in flight.
package store

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strings"

	_ "modernc.org/sqlite"
)

// Store wraps the SQLite connection plus the monotonic ID generator used
// for every newly created memory and relation.
type Store struct {
	db  *sql.DB
	ids *idGenerator
}

// Open opens (creating if necessary) the database at dsn, runs pending
// migrations, and verifies the recorded embedding dimension/model name
// against modelName/dim. A mismatch is fatal: it indicates a model change
// that requires re-embedding the corpus before the store can be reopened.
//
// If dsn is a file path and the initial open fails because of a stale WAL
// left behind by a crashed process, Open checks that the writer is gone
// and retries once after removing the WAL files.
func Open(dsn string, modelName string, dim int) (*Store, error) {
	return open(dsn, modelName, dim, true)
}

// OpenForReindex opens the store without verifying the recorded embedding
// model against the configured one. This is the entry point for the offline
// reindex path, which exists precisely to repair a mismatch that Open would
// refuse.
func OpenForReindex(dsn string) (*Store, error) {
	return open(dsn, "", 0, false)
}

func open(dsn, modelName string, dim int, verifyMeta bool) (*Store, error) {
	s, err := openOnce(dsn)
	if err == nil {
		return finishOpen(s, modelName, dim, verifyMeta)
	}

	if !isRecoverableWALError(err) {
		return nil, err
	}

	path := dbPathFromDSN(dsn)
	if path == "" || path == ":memory:" || !isWALStale(path) {
		return nil, err
	}
	removeStaleWAL(path)

	s, retryErr := openOnce(dsn)
	if retryErr != nil {
		return nil, fmt.Errorf("store: open failed after WAL recovery: %w (original: %v)", retryErr, err)
	}
	return finishOpen(s, modelName, dim, verifyMeta)
}

func openOnce(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dsn, err)
	}

	// Single-writer discipline: one connection serializes all statements,
	// reads as well as writes; WAL mode lets readers on other connections
	// proceed without blocking it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: %s: %w", pragma, err)
		}
	}

	return &Store{db: db, ids: newIDGenerator()}, nil
}

func finishOpen(s *Store, modelName string, dim int, verifyMeta bool) (*Store, error) {
	if _, err := migrate(s.db); err != nil {
		s.db.Close()
		return nil, err
	}

	if verifyMeta {
		if err := s.checkOrInitIndexMeta(modelName, dim); err != nil {
			s.db.Close()
			return nil, err
		}
	}

	return s, nil
}

// checkOrInitIndexMeta verifies the embedding dimension/model recorded at
// schema-creation time against the running configuration, or records them
// on a brand-new store. A dimension mismatch is fatal.
func (s *Store) checkOrInitIndexMeta(modelName string, dim int) error {
	var recordedModel, recordedDim string
	err := s.db.QueryRow(`SELECT value FROM index_meta WHERE key = 'embedding_model'`).Scan(&recordedModel)
	if err == sql.ErrNoRows {
		_, err = s.db.Exec(
			`INSERT INTO index_meta (key, value) VALUES ('embedding_model', ?), ('embedding_dim', ?)`,
			modelName, fmt.Sprintf("%d", dim),
		)
		if err != nil {
			return fmt.Errorf("store: initialize index_meta: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("store: read index_meta: %w", err)
	}

	if err := s.db.QueryRow(`SELECT value FROM index_meta WHERE key = 'embedding_dim'`).Scan(&recordedDim); err != nil {
		return fmt.Errorf("store: read index_meta dim: %w", err)
	}

	if recordedDim != fmt.Sprintf("%d", dim) {
		return fmt.Errorf(
			"store: embedding dimension mismatch: store was built with dim=%s, configured model produces dim=%d; run the offline reindex before opening",
			recordedDim, dim,
		)
	}
	if recordedModel != modelName {
		return fmt.Errorf(
			"store: embedding model mismatch: store was built with model=%q, configured model is %q; re-embedding is required before reopening",
			recordedModel, modelName,
		)
	}
	return nil
}

// Close checkpoints the WAL into the main database file and closes the
// connection, so the on-disk memory.db is always directly inspectable
// after a clean shutdown.
func (s *Store) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// FileSizeBytes returns the on-disk size of the primary database file,
// used by memory_stats. Returns 0 for in-memory databases.
func (s *Store) FileSizeBytes(dsn string) int64 {
	path := dbPathFromDSN(dsn)
	if path == "" || path == ":memory:" {
		return 0
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

func dbPathFromDSN(dsn string) string {
	// modernc.org/sqlite DSNs are plain file paths, optionally followed by
	// "?pragma=value" query parameters.
	if i := strings.IndexByte(dsn, '?'); i >= 0 {
		return dsn[:i]
	}
	return dsn
}

func isRecoverableWALError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

// isWALStale reports whether -shm/-wal files exist for the given database
// path AND no other process currently holds the database or its journal
// files open (checked via lsof). Returns false when lsof is unavailable —
// conservative: never delete journal files without proof the holder is
// gone.
func isWALStale(dbPath string) bool {
	shmPath := dbPath + "-shm"
	walPath := dbPath + "-wal"

	if !fileExists(shmPath) && !fileExists(walPath) {
		return false
	}

	lsofPath, err := exec.LookPath("lsof")
	if err != nil {
		return false
	}

	// Check the main db file, -shm, and -wal in a single lsof invocation.
	cmd := exec.Command(lsofPath, "-t", dbPath, shmPath, walPath)
	output, err := cmd.Output()
	if err != nil {
		// lsof exits non-zero when no process has the files open — stale.
		return true
	}

	// Any output means some process still holds these files — not stale.
	return strings.TrimSpace(string(output)) == ""
}

// removeStaleWAL removes -shm and -wal files for the given database path.
func removeStaleWAL(dbPath string) {
	for _, suffix := range []string{"-shm", "-wal"} {
		p := dbPath + suffix
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			log.Printf("store: failed to remove stale %s: %v", p, err)
		}
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
