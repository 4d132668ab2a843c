package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	queue            TEXT    NOT NULL,
	id               TEXT    NOT NULL,
	type             TEXT    NOT NULL,
	payload          BLOB,
	state            TEXT    NOT NULL DEFAULT 'waiting',
	attempts_made    INTEGER NOT NULL DEFAULT 0,
	max_attempts     INTEGER NOT NULL DEFAULT 1,
	backoff_type     TEXT    NOT NULL DEFAULT 'fixed',
	backoff_delay_ms INTEGER NOT NULL DEFAULT 0,
	progress         INTEGER NOT NULL DEFAULT 0,
	progress_data    BLOB,
	result           BLOB,
	failed_reason    TEXT    NOT NULL DEFAULT '',
	run_at           INTEGER NOT NULL,
	lease_owner      TEXT    NOT NULL DEFAULT '',
	lease_expires_at INTEGER NOT NULL DEFAULT 0,
	created_at       INTEGER NOT NULL,
	updated_at       INTEGER NOT NULL,
	finished_at      INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (queue, id)
);

CREATE INDEX IF NOT EXISTS jobs_runnable ON jobs (queue, state, run_at);
CREATE INDEX IF NOT EXISTS jobs_lease ON jobs (state, lease_expires_at);

CREATE TABLE IF NOT EXISTS resources (
	url           TEXT PRIMARY KEY,
	family        TEXT    NOT NULL,
	path          TEXT    NOT NULL,
	size          INTEGER NOT NULL DEFAULT 0,
	downloaded_at INTEGER NOT NULL
);
`

// InitDB opens the SQLite database at path and creates the schema if needed.
func InitDB(ctx context.Context, path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", "file:"+path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows one writer at a time; a single connection serialises
	// the claim and upsert statements instead of surfacing SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()

		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return db, nil
}
