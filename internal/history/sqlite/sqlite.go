package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	_ "modernc.org/sqlite"

	"github.com/loykin/oms/internal/history"
)

// Sink keeps run reports in a SQLite database. Timestamps are stored as
// fixed-width UTC text so they sort lexically.
type Sink struct {
	db *sql.DB
}

// New opens (and creates) the database.
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
	// :memory: is per connection, and one writer avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := &Sink{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite history schema: %w", err)
	}
	return s, nil
}

func (s *Sink) migrate(ctx context.Context) error {
	for _, q := range []string{
		`PRAGMA journal_mode=WAL;`,
		`CREATE TABLE IF NOT EXISTS ` + history.Table + ` (
			run_id      TEXT NOT NULL,
			kind        TEXT NOT NULL,
			state       TEXT NOT NULL,
			total       INTEGER NOT NULL,
			done        INTEGER NOT NULL,
			fails       TEXT NOT NULL,
			steps       TEXT NOT NULL,
			message     TEXT NOT NULL,
			started_at  TEXT NOT NULL,
			finished_at TEXT NOT NULL,
			duration_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS ` + history.Table + `_kind_finished ON ` + history.Table + `(kind, finished_at);`,
	} {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

const tsLayout = "2006-01-02T15:04:05.000000000Z"

func ts(t time.Time) string { return t.UTC().Format(tsLayout) }

// Send stores one report.
func (s *Sink) Send(ctx context.Context, e history.Event) error {
	r := e.Report
	fails, err := json.Marshal(nonNil(r.Fails))
	if err != nil {
		return err
	}
	steps, err := json.Marshal(r.Steps)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO `+history.Table+`
		(run_id, kind, state, total, done, fails, steps, message, started_at, finished_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, string(e.Type), r.State, r.Total, r.Done, string(fails), string(steps), r.Message,
		ts(r.StartedAt), ts(r.FinishedAt), r.DurationMS)
	return err
}

// Recent lists reports newest first.
func (s *Sink) Recent(ctx context.Context, kind string, limit int) ([]history.Report, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT run_id, kind, state, total, done, fails, steps, message,
		started_at, finished_at, duration_ms FROM `+history.Table+`
		WHERE ? = '' OR kind = ? ORDER BY finished_at DESC LIMIT ?`,
		kind, kind, history.ClampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := []history.Report{}
	for rows.Next() {
		var (
			r                 history.Report
			fails, steps      string
			started, finished string
		)
		if err := rows.Scan(&r.RunID, &r.Kind, &r.State, &r.Total, &r.Done, &fails, &steps, &r.Message,
			&started, &finished, &r.DurationMS); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(fails), &r.Fails); err != nil {
			return nil, fmt.Errorf("run %s fails: %w", r.RunID, err)
		}
		if err := json.Unmarshal([]byte(steps), &r.Steps); err != nil {
			return nil, fmt.Errorf("run %s steps: %w", r.RunID, err)
		}
		r.StartedAt, _ = time.Parse(tsLayout, started)
		r.FinishedAt, _ = time.Parse(tsLayout, finished)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
