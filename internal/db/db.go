// Package db stores protocol sessions and their completed trials in SQLite.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrUnknownSession is returned when a session id does not exist.
var ErrUnknownSession = errors.New("unknown session")

type DB struct {
	*sql.DB
	path string
}

// Open opens the database at path, applies connection pragmas and runs all
// pending migrations. Use ":memory:" for a private in-memory database.
func Open(path string) (*DB, error) {
	// per-connection pragmas go in the DSN so every pooled connection gets them
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if path == ":memory:" {
		// every pooled connection would get its own empty database
		sqlDB.SetMaxOpenConns(1)
	}
	db := &DB{DB: sqlDB, path: path}
	if err := db.applyPragmas(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	if err := db.MigrateUp(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) applyPragmas() error {
	for _, p := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}
	return nil
}

// Path returns the path the database was opened with.
func (db *DB) Path() string { return db.path }

// Session is one protocol run.
type Session struct {
	ID          string     `json:"id"`
	Protocol    string     `json:"protocol"`
	Recording   string     `json:"recording,omitempty"`
	TotalTrials int        `json:"total_trials"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	Completed   bool       `json:"completed"`
}

// Trial is a completed trial of a session.
type Trial struct {
	Index       int       `json:"index"`
	Frequency   float64   `json:"frequency"`
	CompletedAt time.Time `json:"completed_at"`
}

// StartSession records the start of a protocol run and returns its id.
func (db *DB) StartSession(ctx context.Context, protocol, recording string) (string, error) {
	id := uuid.NewString()
	_, err := db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, protocol, recording, started_at) VALUES (?, ?, ?, ?)`,
		id, protocol, recording, time.Now().UnixNano(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert session: %w", err)
	}
	return id, nil
}

// RecordTrial stores a completed trial.
func (db *DB) RecordTrial(ctx context.Context, sessionID string, index int, frequency float64) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO trials (session_id, trial_index, frequency, completed_at) VALUES (?, ?, ?, ?)`,
		sessionID, index, frequency, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert trial %d: %w", index, err)
	}
	return nil
}

// EndSession marks a session as ended. completed is true when the run
// finished on its own rather than being stopped; total is the planned
// number of trials, 0 for open-ended runs.
func (db *DB) EndSession(ctx context.Context, sessionID string, completed bool, total int) error {
	res, err := db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ?, completed = ?, total_trials = ? WHERE session_id = ?`,
		time.Now().UnixNano(), completed, total, sessionID,
	)
	if err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	return nil
}

// Sessions returns the most recent sessions, newest first.
func (db *DB) Sessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx,
		`SELECT session_id, protocol, recording, total_trials, started_at, ended_at, completed
		FROM sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var (
			s       Session
			started int64
			ended   sql.NullInt64
		)
		if err := rows.Scan(&s.ID, &s.Protocol, &s.Recording, &s.TotalTrials, &started, &ended, &s.Completed); err != nil {
			return nil, err
		}
		s.StartedAt = time.Unix(0, started).UTC()
		if ended.Valid {
			t := time.Unix(0, ended.Int64).UTC()
			s.EndedAt = &t
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// Trials returns the completed trials of a session in index order.
func (db *DB) Trials(ctx context.Context, sessionID string) ([]Trial, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT trial_index, frequency, completed_at FROM trials WHERE session_id = ? ORDER BY trial_index`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trials []Trial
	for rows.Next() {
		var (
			t  Trial
			at int64
		)
		if err := rows.Scan(&t.Index, &t.Frequency, &at); err != nil {
			return nil, err
		}
		t.CompletedAt = time.Unix(0, at).UTC()
		trials = append(trials, t)
	}
	return trials, rows.Err()
}

// RecordCommand logs a line exchanged with the stimulator.
func (db *DB) RecordCommand(ctx context.Context, command, reply string) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO stimulator_commands (command, reply, issued_at) VALUES (?, ?, ?)`,
		command, reply, time.Now().UnixNano(),
	)
	return err
}
