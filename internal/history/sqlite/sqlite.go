// Package sqlite stores session history events in an SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/kalfasyan/desto/internal/history"
)

// Sink appends events to the session_history table.
type Sink struct {
	db *sql.DB
}

// New opens or creates the database. DSN formats:
//   - "sqlite:///path/to/file.db"
//   - "/path/to/file.db"
//   - ":memory:"
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty sqlite DSN")
	}
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = strings.TrimPrefix(dsn, "sqlite://")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	s := &Sink{db: db}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS session_history(
			occurred_at TIMESTAMP NOT NULL,
			event TEXT NOT NULL,
			session_name TEXT NOT NULL,
			job_id TEXT,
			status TEXT NOT NULL,
			exit_code INTEGER,
			error TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_session_history_name ON session_history(session_name);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	var exit interface{}
	if e.ExitCode != nil {
		exit = *e.ExitCode
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_history(occurred_at, event, session_name, job_id, status, exit_code, error)
		VALUES(?, ?, ?, ?, ?, ?, ?);`,
		e.OccurredAt.UTC(), string(e.Type), e.SessionName, e.JobID, e.Status, exit, nullable(e.Error))
	return err
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
