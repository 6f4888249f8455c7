package store

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync/atomic"

	_ "github.com/mattn/go-sqlite3"
)

// BusyTimeoutMs is how long a connection waits on a locked database.
const BusyTimeoutMs = 5000

// DB wraps the SQLite database holding the durable room cache,
// connection status and sync checkpoints.
type DB struct {
	*sql.DB
	path   string
	closed atomic.Bool
}

// dsn applies the pragmas to every pooled connection.
func dsn(path string) string {
	q := url.Values{}
	q.Set("_journal_mode", "WAL")
	q.Set("_synchronous", "NORMAL")
	q.Set("_busy_timeout", fmt.Sprint(BusyTimeoutMs))
	q.Set("_foreign_keys", "on")
	return path + "?" + q.Encode()
}

// Open opens the database at path, creating its directory if needed.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db %s: %w", path, err)
	}
	return &DB{DB: db, path: path}, nil
}

// Path returns the file the database was opened from.
func (db *DB) Path() string { return db.path }

// Close folds the write-ahead log back into the main file and closes the
// pool, so a stopped daemon leaves a single self-contained file. Closing
// twice is a no-op.
func (db *DB) Close() error {
	if db.closed.Swap(true) {
		return nil
	}
	_, cerr := db.Exec(`PRAGMA wal_checkpoint(TRUNCATE)`)
	if err := db.DB.Close(); err != nil {
		return fmt.Errorf("close db: %w", err)
	}
	if cerr != nil {
		return fmt.Errorf("checkpoint wal: %w", cerr)
	}
	return nil
}
