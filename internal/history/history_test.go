package history

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/loykin/oms/internal/progress"
)

type memSink struct {
	mu     sync.Mutex
	events []Event
	err    error
	closed bool
}

func (m *memSink) Send(ctx context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return m.err
}

func (m *memSink) Close() error {
	m.closed = true
	return nil
}

func finished(kind string) progress.Snapshot {
	start := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	return progress.Snapshot{
		RunID:     "run-1",
		Kind:      kind,
		State:     progress.Done,
		Total:     3,
		Done:      2,
		Fails:     []string{"n1/MMd: timeout"},
		Message:   "Finished: ok 2/3, fail 1 · 31.0s",
		StartedAt: start,
		UpdatedAt: start.Add(31 * time.Second),
	}
}

func TestNewEvent(t *testing.T) {
	e := NewEvent(finished("restart"))
	if e.Type != EventRestart {
		t.Fatalf("type: %s", e.Type)
	}
	if e.Report.State != "done" || e.Report.Done != 2 || len(e.Report.Fails) != 1 {
		t.Fatalf("report: %+v", e.Report)
	}
	if !e.OccurredAt.Equal(e.Report.FinishedAt) || e.Report.FinishedAt.Sub(e.Report.StartedAt) != 31*time.Second {
		t.Fatalf("times: %+v", e)
	}
}

func TestRecorderDeliversAndWritesReport(t *testing.T) {
	dir := t.TempDir()
	ok := &memSink{}
	bad := &memSink{err: errors.New("down")}
	r := NewRecorder(dir, nil, ok, nil, bad)

	r.Record(finished("restart"))
	r.Record(finished("connect"))
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if len(ok.events) != 2 || len(bad.events) != 2 {
		t.Fatalf("deliveries: %d %d", len(ok.events), len(bad.events))
	}
	if !ok.closed || !bad.closed {
		t.Fatal("sinks must be closed")
	}

	b, err := os.ReadFile(filepath.Join(dir, ReportFile))
	if err != nil {
		t.Fatalf("report file: %v", err)
	}
	var rep Report
	if err := json.Unmarshal(b, &rep); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rep.Kind != "restart" || rep.RunID != "run-1" {
		t.Fatalf("only restart runs write the report file: %+v", rep)
	}
}

func TestNilRecorder(t *testing.T) {
	var r *Recorder
	r.Record(finished("restart"))
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
}

type querySink struct {
	memSink
	reports []Report
	err     error
}

func (q *querySink) Recent(ctx context.Context, kind string, limit int) ([]Report, error) {
	return q.reports, q.err
}

func TestRecorderRecentFromMemory(t *testing.T) {
	r := NewRecorder("", nil)
	for i := 0; i < keepRecent+5; i++ {
		s := finished("restart")
		s.RunID = fmt.Sprintf("r%d", i)
		r.Record(s)
	}
	r.Record(finished("connect"))

	got := r.Recent(context.Background(), "restart", 3)
	if len(got) != 3 || got[0].RunID != fmt.Sprintf("r%d", keepRecent+4) {
		t.Fatalf("newest first: %+v", got)
	}
	if all := r.Recent(context.Background(), "", MaxLimit); len(all) != keepRecent {
		t.Fatalf("ring size %d", len(all))
	}
	if c := r.Recent(context.Background(), "connect", 0); len(c) != 1 {
		t.Fatalf("kind filter: %+v", c)
	}
}

func TestRecorderRecentPrefersQuerier(t *testing.T) {
	q := &querySink{reports: []Report{{RunID: "from-db", Kind: "restart"}}}
	r := NewRecorder("", nil, &memSink{}, q)
	r.Record(finished("restart"))
	if got := r.Recent(context.Background(), "restart", 5); len(got) != 1 || got[0].RunID != "from-db" {
		t.Fatalf("querier not used: %+v", got)
	}

	q.err = errors.New("db down")
	if got := r.Recent(context.Background(), "restart", 5); len(got) != 1 || got[0].RunID != "run-1" {
		t.Fatalf("fallback to memory: %+v", got)
	}
	_ = r.Close()
}

func TestReportSteps(t *testing.T) {
	s := finished("connect")
	s.Events = []progress.Event{{Step: "mtd_connect", OK: true}, {Step: "ccd_select", OK: false, Error: "timeout", Tag: "t1"}}
	rep := ReportFrom(s)
	if len(rep.Steps) != 2 || rep.Steps[1].Error != "timeout" || rep.Steps[1].Tag != "t1" {
		t.Fatalf("steps: %+v", rep.Steps)
	}
	if rep.DurationMS != 31000 {
		t.Fatalf("duration: %d", rep.DurationMS)
	}
}
