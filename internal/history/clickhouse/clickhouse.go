package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/goccy/go-json"

	"github.com/loykin/oms/internal/history"
)

// Sink appends run reports to a MergeTree table over the native protocol.
type Sink struct {
	conn  driver.Conn
	table string
}

// Options selects the server and credentials.
type Options struct {
	Addr        string
	Database    string
	Username    string
	Password    string
	Table       string
	DialTimeout time.Duration
}

func New(opts Options) (*Sink, error) {
	if opts.Database == "" {
		opts.Database = "default"
	}
	if opts.Username == "" {
		opts.Username = "default"
	}
	if opts.Table == "" {
		opts.Table = history.Table
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{opts.Addr},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
		DialTimeout: opts.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("clickhouse open %s: %w", opts.Addr, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.DialTimeout)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clickhouse ping %s: %w", opts.Addr, err)
	}
	s := &Sink{conn: conn, table: opts.Table}
	if err := s.migrate(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

// migrate partitions by month; runs are few, reads are by kind and time.
func (s *Sink) migrate(ctx context.Context) error {
	err := s.conn.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+s.table+` (
		run_id      String,
		kind        LowCardinality(String),
		state       LowCardinality(String),
		total       UInt32,
		done        UInt32,
		fails       Array(String),
		steps       String,
		message     String,
		started_at  DateTime64(3, 'UTC'),
		finished_at DateTime64(3, 'UTC'),
		duration_ms Int64
	) ENGINE = MergeTree()
	PARTITION BY toYYYYMM(finished_at)
	ORDER BY (kind, finished_at)`)
	if err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	r := e.Report
	fails := r.Fails
	if fails == nil {
		fails = []string{}
	}
	steps, err := json.Marshal(r.Steps)
	if err != nil {
		return err
	}
	err = s.conn.Exec(ctx, `INSERT INTO `+s.table+`
		(run_id, kind, state, total, done, fails, steps, message, started_at, finished_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, string(e.Type), r.State, uint32(r.Total), uint32(r.Done), fails, string(steps), r.Message,
		r.StartedAt.UTC(), r.FinishedAt.UTC(), r.DurationMS)
	if err != nil {
		return fmt.Errorf("clickhouse insert run %s: %w", r.RunID, err)
	}
	return nil
}

// Recent lists reports newest first.
func (s *Sink) Recent(ctx context.Context, kind string, limit int) ([]history.Report, error) {
	rows, err := s.conn.Query(ctx, `SELECT run_id, kind, state, total, done, fails, steps, message,
		started_at, finished_at, duration_ms FROM `+s.table+`
		WHERE ? = '' OR kind = ? ORDER BY finished_at DESC LIMIT ?`,
		kind, kind, uint64(history.ClampLimit(limit)))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := []history.Report{}
	for rows.Next() {
		var (
			r           history.Report
			total, done uint32
			steps       string
		)
		if err := rows.Scan(&r.RunID, &r.Kind, &r.State, &total, &done, &r.Fails, &steps, &r.Message,
			&r.StartedAt, &r.FinishedAt, &r.DurationMS); err != nil {
			return nil, err
		}
		r.Total, r.Done = int(total), int(done)
		if err := json.Unmarshal([]byte(steps), &r.Steps); err != nil {
			return nil, fmt.Errorf("run %s steps: %w", r.RunID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
