package commitlog

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLiteSink mirrors commit log entries into a durable SQLite table. It is
// a best-effort mirror: the in-memory Ring remains authoritative for reads,
// this exists only so a restarted supervisor keeps commit history beyond
// what the ring's bounded capacity retains.
type SQLiteSink struct {
	db *sql.DB
}

// OpenSQLiteSink opens (creating if needed) a SQLite database at dbPath and
// ensures the commit_log table exists.
func OpenSQLiteSink(dbPath string) (*SQLiteSink, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("commitlog: create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("commitlog: open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("commitlog: enable WAL: %w", err)
	}

	const schema = `
CREATE TABLE IF NOT EXISTS commit_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    project TEXT NOT NULL,
    agent TEXT NOT NULL,
    issue TEXT NOT NULL,
    sha TEXT NOT NULL,
    committed_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_commit_log_project ON commit_log(project);
`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("commitlog: create schema: %w", err)
	}

	return &SQLiteSink{db: db}, nil
}

// Append implements Sink.
func (s *SQLiteSink) Append(e Entry) error {
	_, err := s.db.Exec(
		"INSERT INTO commit_log (project, agent, issue, sha, committed_at) VALUES (?, ?, ?, ?, ?)",
		e.Project, e.Agent, e.Issue, e.SHA, e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("commitlog: insert: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
