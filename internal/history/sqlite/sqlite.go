package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/juinit/internal/history"
)

// Sink writes history events to SQLite database.
type Sink struct {
	db *sql.DB
}

// New creates a new SQLite history sink.
// DSN format:
//   - "sqlite:///path/to/file.db"
//   - "sqlite://:memory:"
//   - "/path/to/file.db" (without prefix)
//   - ":memory:" (in-memory database)
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// a single connection keeps :memory: databases shared across calls
	db.SetMaxOpenConns(1)

	sink := &Sink{db: db}
	if err := sink.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return sink, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS service_history(
			occurred_at TIMESTAMP NOT NULL DEFAULT (CURRENT_TIMESTAMP),
			event TEXT NOT NULL,
			service TEXT NOT NULL,
			pid INTEGER NOT NULL,
			state TEXT NOT NULL,
			restart_count INTEGER NOT NULL,
			exit_code INTEGER NULL,
			signal INTEGER NOT NULL DEFAULT 0,
			message TEXT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_service_history_service ON service_history(service);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	rec := e.Record
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO service_history(occurred_at, event, service, pid, state, restart_count, exit_code, signal, message)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		e.OccurredAt.UTC(), string(e.Type), rec.Service, rec.PID, rec.State, rec.RestartCount,
		history.NullableCode(rec), rec.Signal, rec.Message)
	return err
}

// recent returns up to limit events for service, newest first. Tests use it
// to read back what Send stored.
func (s *Sink) recent(ctx context.Context, service string, limit int) ([]history.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT occurred_at, event, service, pid, state, restart_count, exit_code, signal, COALESCE(message, '')
		FROM service_history WHERE service = ? ORDER BY rowid DESC LIMIT ?;`, service, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []history.Event
	for rows.Next() {
		var (
			e    history.Event
			typ  string
			code sql.NullInt64
		)
		if err := rows.Scan(&e.OccurredAt, &typ, &e.Record.Service, &e.Record.PID, &e.Record.State,
			&e.Record.RestartCount, &code, &e.Record.Signal, &e.Record.Message); err != nil {
			return nil, err
		}
		e.Type = history.EventType(typ)
		if code.Valid {
			c := int(code.Int64)
			e.Record.ExitCode = &c
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
