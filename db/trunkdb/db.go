// Package trunkdb stores a history of connection FSM transitions and
// decode failures in sqlite3, for after-the-fact diagnosis. It is not a
// request queue: a restart starts with an empty backlog regardless of what
// this audit log contains.
package trunkdb

import (
	"net/url"
	"time"

	"github.com/jmoiron/sqlx"
)

// DB stores trunk diagnostics in a sqlite3 database.
type DB struct {
	x *sqlx.DB
}

// Open opens a DB from the provided sqlite3 filename, matching the
// WAL/cache/busy-timeout tuning the teacher's atlasdb uses.
func Open(name string) (*DB, error) {
	x, err := sqlx.Connect("sqlite3", (&url.URL{
		Path: name,
		RawQuery: (url.Values{
			"_journal":      {"WAL"},
			"_cache_size":   {"-32000"},
			"_busy_timeout": {"6000"},
		}).Encode(),
	}).String())
	if err != nil {
		return nil, err
	}
	return &DB{x}, nil
}

func (db *DB) Close() error {
	return db.x.Close()
}

// RecordTransition appends one FSM transition to the audit log.
func (db *DB) RecordTransition(trunk, remote, from, to string, at time.Time) error {
	_, err := db.x.Exec(
		`INSERT INTO fsm_transitions (trunk, remote, from_state, to_state, at) VALUES (?, ?, ?, ?, ?)`,
		trunk, remote, from, to, at.Unix(),
	)
	return err
}

// RecordDecodeFailure appends one decode failure to the audit log.
func (db *DB) RecordDecodeFailure(trunk, remote, reason string, at time.Time) error {
	_, err := db.x.Exec(
		`INSERT INTO decode_failures (trunk, remote, reason, at) VALUES (?, ?, ?, ?)`,
		trunk, remote, reason, at.Unix(),
	)
	return err
}

// Transition is one recorded FSM change.
type Transition struct {
	Trunk     string    `db:"trunk"`
	Remote    string    `db:"remote"`
	FromState string    `db:"from_state"`
	ToState   string    `db:"to_state"`
	At        int64     `db:"at"`
}

// RecentTransitions returns the most recent transitions for trunk, newest
// first, up to limit rows.
func (db *DB) RecentTransitions(trunk string, limit int) ([]Transition, error) {
	var out []Transition
	err := db.x.Select(&out,
		`SELECT trunk, remote, from_state, to_state, at FROM fsm_transitions
		 WHERE trunk = ? ORDER BY id DESC LIMIT ?`, trunk, limit)
	return out, err
}
