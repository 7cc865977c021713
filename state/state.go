// Package state keeps the local sync journal: applied actions and
// detected conflicts, stored in a SQLite database under the installation
// root.
package state

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Journal records reconciler activity. The reconciler is the only writer;
// DB.RecentActivity and DB.Conflicts read the rows back.
type Journal interface {
	LogActivity(op, path, detail string) error
	LogConflict(path string, localMtime, remoteMtime int64) error
	Close() error
}

// Activity is one journal row.
type Activity struct {
	ID     int64
	Time   time.Time
	Op     string
	Path   string
	Detail string
}

// Conflict is one recorded conflict.
type Conflict struct {
	ID          int64
	Time        time.Time
	Path        string
	LocalMtime  int64
	RemoteMtime int64
}

// DB is the SQLite-backed journal.
type DB struct {
	db *sql.DB
}

// Open opens or creates the journal database at path.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}
	d := &DB{db: db}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate state database: %w", err)
	}
	return d, nil
}

func (d *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS activity (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		op TEXT NOT NULL,
		path TEXT NOT NULL,
		detail TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_activity_at ON activity(at);

	CREATE TABLE IF NOT EXISTS conflicts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		path TEXT NOT NULL,
		local_mtime INTEGER NOT NULL,
		remote_mtime INTEGER NOT NULL
	);
	`
	_, err := d.db.Exec(schema)
	return err
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// LogActivity appends an activity row.
func (d *DB) LogActivity(op, path, detail string) error {
	_, err := d.db.Exec(
		`INSERT INTO activity (op, path, detail) VALUES (?, ?, ?)`,
		op, path, detail,
	)
	return err
}

// LogConflict appends a conflict row.
func (d *DB) LogConflict(path string, localMtime, remoteMtime int64) error {
	_, err := d.db.Exec(
		`INSERT INTO conflicts (path, local_mtime, remote_mtime) VALUES (?, ?, ?)`,
		path, localMtime, remoteMtime,
	)
	return err
}

// RecentActivity returns the latest journal rows, newest first.
func (d *DB) RecentActivity(limit int) ([]Activity, error) {
	rows, err := d.db.Query(
		`SELECT id, at, op, path, COALESCE(detail, '') FROM activity ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Activity
	for rows.Next() {
		var a Activity
		if err := rows.Scan(&a.ID, &a.Time, &a.Op, &a.Path, &a.Detail); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Conflicts returns recorded conflicts, newest first.
func (d *DB) Conflicts(limit int) ([]Conflict, error) {
	rows, err := d.db.Query(
		`SELECT id, at, path, local_mtime, remote_mtime FROM conflicts ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Conflict
	for rows.Next() {
		var c Conflict
		if err := rows.Scan(&c.ID, &c.Time, &c.Path, &c.LocalMtime, &c.RemoteMtime); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Discard is a Journal that records nothing, for runs without a state
// directory.
type Discard struct{}

func (Discard) LogActivity(string, string, string) error { return nil }

func (Discard) LogConflict(string, int64, int64) error { return nil }

func (Discard) Close() error { return nil }
