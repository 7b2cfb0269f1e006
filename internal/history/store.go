// Package history persists finished sessions to SQLite so past runs can
// be inspected after the fact.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/twinsync/twinsync/internal/domain"
)

// Store provides SQLite-backed session persistence.
type Store struct {
	db *sql.DB
}

// New opens (and if necessary creates) the history database at dbPath.
func New(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("creating history directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveSession writes the session and its ordered job results in one
// transaction. Saving the same session again replaces it.
func (s *Store) SaveSession(ctx context.Context, sess *domain.Session) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var finished any
	if sess.FinishedAt != nil {
		finished = *sess.FinishedAt
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (id, started_at, finished_at, source_host, target_host, status, error, log_path)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			finished_at = excluded.finished_at,
			source_host = excluded.source_host,
			target_host = excluded.target_host,
			status = excluded.status,
			error = excluded.error,
			log_path = excluded.log_path
	`,
		sess.ID,
		sess.StartedAt,
		finished,
		sess.SourceHost,
		sess.TargetHost,
		string(sess.Status),
		sess.Error,
		sess.LogPath,
	); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM job_results WHERE session_id = ?`, sess.ID); err != nil {
		return err
	}
	for i, r := range sess.Results {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO job_results (session_id, position, job_name, status, started_at, finished_at, error)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, sess.ID, i, r.JobName, string(r.Status), r.StartedAt, r.FinishedAt, r.Error); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetSession retrieves one session with its job results.
func (s *Store) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, started_at, finished_at, source_host, target_host, status, error, log_path
		FROM sessions WHERE id = ?
	`, id)
	sess, err := scanSession(row)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT job_name, status, started_at, finished_at, error
		FROM job_results WHERE session_id = ? ORDER BY position
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var r domain.JobResult
		var status string
		var jobErr sql.NullString
		if err := rows.Scan(&r.JobName, &status, &r.StartedAt, &r.FinishedAt, &jobErr); err != nil {
			return nil, err
		}
		r.Status = domain.JobStatus(status)
		if jobErr.Valid {
			r.Error = jobErr.String
		}
		sess.Results = append(sess.Results, r)
	}
	return sess, rows.Err()
}

// ListSessions returns the most recent sessions, newest first, without
// their job results.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]*domain.Session, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, started_at, finished_at, source_host, target_host, status, error, log_path
		FROM sessions ORDER BY started_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*domain.Session, error) {
	var sess domain.Session
	var finished sql.NullTime
	var status string
	var source, target, errMsg, logPath sql.NullString

	err := row.Scan(&sess.ID, &sess.StartedAt, &finished, &source, &target, &status, &errMsg, &logPath)
	if err != nil {
		return nil, err
	}
	if finished.Valid {
		t := finished.Time
		sess.FinishedAt = &t
	}
	sess.Status = domain.SessionStatus(status)
	sess.SourceHost = source.String
	sess.TargetHost = target.String
	sess.Error = errMsg.String
	sess.LogPath = logPath.String
	return &sess, nil
}
