// Package audit records the supplemental, non-critical-path session and
// handshake trail described in SPEC_FULL.md §3.1: who connected, from
// where, and what handshake/command events occurred. Nothing in the sync
// protocol depends on these rows existing; a write failure here is logged
// and otherwise ignored by callers. Grounded on the teacher's
// internal/store/store.go embedded-migrations pattern, repurposed from a
// general-purpose app database to one dedicated, append-only table.
package audit

import (
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strings"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is the audit database handle.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the sqlite database at dsn and applies
// any pending migrations.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: set WAL mode: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		var applied int
		err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", f).Scan(&applied)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", f, err)
		}
		if applied > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx for %s: %w", f, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", f); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", f, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", f, err)
		}
	}
	return nil
}

// Event is one row of the session_events trail.
type Event struct {
	TS         int64
	UserID     *uint64
	Username   string
	RemoteAddr string
	Kind       string
	Detail     string
}

// Record inserts one event. Event kinds used by internal/serverside:
// "connect", "login_ok", "login_fail", "register_ok", "register_fail",
// "push", "pull", "del".
func (s *Store) Record(ev Event) error {
	var userID any
	if ev.UserID != nil {
		userID = *ev.UserID
	}
	_, err := s.db.Exec(
		`INSERT INTO session_events (ts, user_id, username, remote_addr, event, detail)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ev.TS, userID, ev.Username, ev.RemoteAddr, ev.Kind, ev.Detail,
	)
	if err != nil {
		return fmt.Errorf("audit: record %s: %w", ev.Kind, err)
	}
	return nil
}

// RecentForUser returns the most recent n events recorded for username,
// newest first. Used by operator tooling, not by the sync protocol itself.
func (s *Store) RecentForUser(username string, n int) ([]Event, error) {
	rows, err := s.db.Query(
		`SELECT ts, user_id, username, remote_addr, event, detail
		 FROM session_events WHERE username = ? ORDER BY ts DESC LIMIT ?`,
		username, n,
	)
	if err != nil {
		return nil, fmt.Errorf("audit: query recent for %s: %w", username, err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var userID sql.NullInt64
		if err := rows.Scan(&ev.TS, &userID, &ev.Username, &ev.RemoteAddr, &ev.Kind, &ev.Detail); err != nil {
			return nil, fmt.Errorf("audit: scan row: %w", err)
		}
		if userID.Valid {
			v := uint64(userID.Int64)
			ev.UserID = &v
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
