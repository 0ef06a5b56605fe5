// Package sessionstore keeps the history of supervised sessions and their
// lifecycle events in SQLite.
package sessionstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hochfrequenz/agent-supervisor/internal/domain"
	"github.com/hochfrequenz/agent-supervisor/internal/events"
)

// ErrNotFound is returned when a session is not in the history
var ErrNotFound = errors.New("session not found")

// Store provides SQLite-backed session history
type Store struct {
	db *sql.DB
}

// New opens (and migrates) the database at dbPath. Use ":memory:" in tests.
func New(dbPath string) (*Store, error) {
	if dbPath != ":memory:" && !strings.HasPrefix(dbPath, "file:") {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// a single connection keeps ":memory:" databases shared and serializes writers
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertSession inserts a session record or replaces every column of an
// existing one with the same task id.
func (s *Store) UpsertSession(rec *domain.SessionRecord) error {
	cmdJSON, err := json.Marshal(rec.Command)
	if err != nil {
		return err
	}

	var exitCode sql.NullInt64
	if rec.ExitCode != nil {
		exitCode = sql.NullInt64{Int64: int64(*rec.ExitCode), Valid: true}
	}
	var finishedAt sql.NullTime
	if rec.FinishedAt != nil {
		finishedAt = sql.NullTime{Time: rec.FinishedAt.UTC(), Valid: true}
	}

	_, err = s.db.Exec(`
		INSERT INTO sessions (task_id, project_name, command, spec_path, log_path, pid, state, completion_reason, exit_code, changes_observed, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			project_name = excluded.project_name,
			command = excluded.command,
			spec_path = excluded.spec_path,
			log_path = excluded.log_path,
			started_at = excluded.started_at,
			pid = excluded.pid,
			state = excluded.state,
			completion_reason = excluded.completion_reason,
			exit_code = excluded.exit_code,
			changes_observed = excluded.changes_observed,
			finished_at = excluded.finished_at
	`,
		rec.TaskID,
		rec.ProjectName,
		string(cmdJSON),
		rec.SpecPath,
		rec.LogPath,
		rec.PID,
		string(rec.State),
		rec.CompletionReason,
		exitCode,
		rec.ChangesObserved,
		rec.StartedAt.UTC(),
		finishedAt,
	)
	return err
}

const sessionColumns = `task_id, project_name, command, spec_path, log_path, pid, state, completion_reason, exit_code, changes_observed, started_at, finished_at`

// GetSession retrieves a session by task id
func (s *Store) GetSession(taskID string) (*domain.SessionRecord, error) {
	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE task_id = ?`, taskID)
	rec, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// ListOptions specifies filters for listing sessions
type ListOptions struct {
	State   domain.SessionState
	Project string
	Limit   int
}

// ListSessions returns sessions matching opts, most recently started first
func (s *Store) ListSessions(opts ListOptions) ([]*domain.SessionRecord, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE 1=1`
	var args []interface{}

	if opts.State != "" {
		query += " AND state = ?"
		args = append(args, string(opts.State))
	}
	if opts.Project != "" {
		query += " AND project_name = ?"
		args = append(args, opts.Project)
	}
	query += " ORDER BY started_at DESC, task_id"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// MarkInterrupted moves sessions left running by a previous process to
// aborted. Returns how many were updated.
func (s *Store) MarkInterrupted(reason string, at time.Time) (int64, error) {
	res, err := s.db.Exec(`UPDATE sessions SET state = ?, completion_reason = ?, finished_at = ? WHERE state = ?`,
		string(domain.StateAborted), reason, at.UTC(), string(domain.StateRunning))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// AppendEvent stores a lifecycle event. Events without a task id are ignored.
func (s *Store) AppendEvent(e events.Event) error {
	taskID := e.TaskID()
	if taskID == "" {
		return nil
	}
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("encoding %s payload: %w", e.Type, err)
	}
	at := e.Time
	if at.IsZero() {
		at = time.Now()
	}
	_, err = s.db.Exec(`INSERT INTO events (task_id, event_type, payload, created_at) VALUES (?, ?, ?, ?)`,
		taskID, string(e.Type), string(payload), at.UTC())
	return err
}

// ListEvents returns the events of taskID in the order they were stored
func (s *Store) ListEvents(taskID string) ([]events.Event, error) {
	rows, err := s.db.Query(`SELECT event_type, payload, created_at FROM events WHERE task_id = ? ORDER BY id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var typ, payload string
		var at time.Time
		if err := rows.Scan(&typ, &payload, &at); err != nil {
			return nil, err
		}
		e := events.Event{Type: events.Type(typ), Time: at}
		if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			return nil, fmt.Errorf("decoding %s payload: %w", typ, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Prune deletes finished sessions (and their events) that ended before the
// cutoff. Running sessions are never pruned.
func (s *Store) Prune(before time.Time) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	cutoff := before.UTC()
	if _, err := tx.Exec(`
		DELETE FROM events WHERE task_id IN (
			SELECT task_id FROM sessions WHERE state != ? AND finished_at IS NOT NULL AND finished_at < ?
		)`, string(domain.StateRunning), cutoff); err != nil {
		return 0, err
	}
	res, err := tx.Exec(`DELETE FROM sessions WHERE state != ? AND finished_at IS NOT NULL AND finished_at < ?`,
		string(domain.StateRunning), cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*domain.SessionRecord, error) {
	var rec domain.SessionRecord
	var project, logPath, reason sql.NullString
	var cmdJSON, state string
	var pid, changes sql.NullInt64
	var exitCode sql.NullInt64
	var finishedAt sql.NullTime

	err := row.Scan(&rec.TaskID, &project, &cmdJSON, &rec.SpecPath, &logPath, &pid, &state, &reason, &exitCode, &changes, &rec.StartedAt, &finishedAt)
	if err != nil {
		return nil, err
	}

	rec.ProjectName = project.String
	rec.LogPath = logPath.String
	rec.CompletionReason = reason.String
	rec.PID = int(pid.Int64)
	rec.ChangesObserved = int(changes.Int64)
	rec.State = domain.SessionState(state)
	if exitCode.Valid {
		code := int(exitCode.Int64)
		rec.ExitCode = &code
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		rec.FinishedAt = &t
	}
	if cmdJSON != "" && cmdJSON != "null" {
		if err := json.Unmarshal([]byte(cmdJSON), &rec.Command); err != nil {
			return nil, err
		}
	}
	return &rec, nil
}
