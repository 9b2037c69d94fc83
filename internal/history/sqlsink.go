package history

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLSink appends lifecycle events to a process_events table in SQLite.
// The schema is created if missing.
// DSN examples:
//   - sqlite:///path/to/file.db
//   - :memory:
type SQLSink struct {
	db *sql.DB
}

func NewSQLSinkFromDSN(dsn string) (*SQLSink, error) {
	d := strings.TrimSpace(dsn)
	if d == "" {
		return nil, errors.New("empty DSN for SQL history sink")
	}
	path := strings.TrimPrefix(d, "sqlite://")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &SQLSink{db: db}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLSink) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS process_events(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			occurred_at TIMESTAMP NOT NULL,
			event TEXT NOT NULL,
			process TEXT NOT NULL,
			detail TEXT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_process_events_process ON process_events(process);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLSink) Send(ctx context.Context, e Event) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO process_events(occurred_at, event, process, detail) VALUES(?,?,?,?)`,
		e.OccurredAt.UTC(), string(e.Type), e.Process, e.Detail)
	return err
}

// Recent returns the newest events for a process, most recent first.
// An empty process matches all processes.
func (s *SQLSink) Recent(ctx context.Context, process string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT occurred_at, event, process, COALESCE(detail,'') FROM process_events`
	args := []any{}
	if process != "" {
		q += ` WHERE process = ?`
		args = append(args, process)
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []Event
	for rows.Next() {
		var e Event
		var typ string
		if err := rows.Scan(&e.OccurredAt, &typ, &e.Process, &e.Detail); err != nil {
			return nil, err
		}
		e.Type = EventType(typ)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLSink) Close() error { return s.db.Close() }
